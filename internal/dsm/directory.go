package dsm

import (
	"sync"

	"seraph/internal/vclock"
)

// MaxSharers bounds a directory entry's sharer set. SERAPH picks 32
// and evicts the oldest (FIFO) sharer on overflow once a new sharer
// would exceed it.
const MaxSharers = 32

// NoExclusiveOwner is the sentinel exclusive-owner value for an entry
// with no current exclusive holder.
const NoExclusiveOwner = vclock.NodeID(^uint32(0))

// DirEntry is maintained only on the page's owner node.
type DirEntry struct {
	Offset uint64
	State PageState
	ExclusiveOwner vclock.NodeID // NoExclusiveOwner if none
	Sharers []vclock.NodeID
	Generation uint64
}

// Directory holds every local page's directory entry. It is owned by
// a single node and is mutated only by that node's DSM goroutine;
// remote nodes only ever observe it through request/response
// messages, which sidesteps distributed locking.
type Directory struct {
	mu sync.Mutex
	entries map[uint64]*DirEntry
}

// NewDirectory constructs an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[uint64]*DirEntry)}
}

// entry returns (creating if needed) the directory entry for offset.
func (d *Directory) entry(offset uint64) *DirEntry {
	e, ok:= d.entries[offset]
	if !ok {
		e = &DirEntry{Offset: offset, State: PageInvalid, ExclusiveOwner: NoExclusiveOwner, Generation: 1}
		d.entries[offset] = e
	}
	return e
}

// Get returns a copy of the entry for offset, or (zero, false).
func (d *Directory) Get(offset uint64) (DirEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok:= d.entries[offset]
	if !ok {
		return DirEntry{}, false
	}
	return *e, true
}

// AddSharer grants node a SHARED copy. If the sharer set is already at
// MaxSharers capacity, the oldest sharer is force-evicted (FIFO) and
// returned so the caller can issue it an INVALIDATE.
func (d *Directory) AddSharer(offset uint64, node vclock.NodeID) (evicted vclock.NodeID, didEvict bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e:= d.entry(offset)
	e.State = PageShared
	e.ExclusiveOwner = NoExclusiveOwner

	for _, s:= range e.Sharers {
		if s == node {
			return 0, false
		}
	}
	if len(e.Sharers) >= MaxSharers {
		evicted = e.Sharers[0]
		e.Sharers = e.Sharers[1:]
		didEvict = true
	}
	e.Sharers = append(e.Sharers, node)
	return evicted, didEvict
}

// SetExclusive invalidates every current sharer except requester,
// transitions the entry to EXCLUSIVE with requester as owner, and
// bumps the generation. It returns the
// set of nodes that must now be sent INVALIDATE.
func (d *Directory) SetExclusive(offset uint64, requester vclock.NodeID) (invalidate []vclock.NodeID, newGeneration uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e:= d.entry(offset)

	for _, s:= range e.Sharers {
		if s != requester {
			invalidate = append(invalidate, s)
		}
	}
	if e.ExclusiveOwner != NoExclusiveOwner && e.ExclusiveOwner != requester {
		invalidate = append(invalidate, e.ExclusiveOwner)
	}

	e.Sharers = nil
	e.ExclusiveOwner = requester
	e.State = PageExclusive
	e.Generation++
	return invalidate, e.Generation
}

// Downgrade moves an EXCLUSIVE entry back to SHARED with owner as the
// sole sharer (used by ReadPage when the exclusive owner reads its own
// page locally).
func (d *Directory) Downgrade(offset uint64, owner vclock.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e:= d.entry(offset)
	e.ExclusiveOwner = NoExclusiveOwner
	e.State = PageShared
	e.Sharers = []vclock.NodeID{owner}
}

// CurrentGeneration implements capability.GenerationSource, keyed by
// page offset (the capability's Base for a DSM-addressed object).
func (d *Directory) CurrentGeneration(offset uint64) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok:= d.entries[offset]
	if !ok {
		return 0, false
	}
	return e.Generation, true
}

// Revoke implements capability.Revocable.
func (d *Directory) Revoke(offset uint64) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok:= d.entries[offset]
	if !ok {
		return 0, false
	}
	e.Generation++
	return e.Generation, true
}
