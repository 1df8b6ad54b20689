// Package persist implements the DSM persistence bridge:
// the mapping table between DSM offsets and block-storage LBAs, the
// page-fault path for local and remote persistent addresses, writeback
// and sync, and snapshot/restore. It is the component that talks to
// block storage, through the BlockDevice_i contract — consumed here,
// not defined by this package.
package persist

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"seraph/internal/dsm"
	"seraph/internal/sched"
	"seraph/internal/vclock"
	"seraph/internal/voidreg"
)

// BlockDevice_i is the abstract block-storage contract the core
// consumes: "read(lba, count, buffer), write(lba, count,
// buffer), flush(), with error values mappable into the VOID reason
// taxonomy (HW_NVME, TIMEOUT, IO)."
type BlockDevice_i interface {
	Read(lba uint64, count uint32, buf []byte) error
	Write(lba uint64, count uint32, buf []byte) error
	Flush() error
}

// MappingEntry is one persistent page's mapping-table row.
type MappingEntry struct {
	DSMOffset uint64
	StartingLBA uint64
	PageCount uint32
	Generation uint64
	Allocated bool
	Dirty bool
}

// snapshotRecord freezes a copy of the mapping table at the moment a
// snapshot was taken.
type snapshotRecord struct {
	entries map[uint64]MappingEntry
	pages map[uint64][]byte // DSMOffset -> frozen page bytes, start..end range only
}

// Fabric routes READ_PERSIST/WRITE_PERSIST requests between bridges —
// the persistence-tier analogue of dsm.Fabric, kept separate so
// neither package needs to import the other's routing concept.
type Fabric struct {
	mu sync.Mutex
	bridges map[vclock.NodeID]*Bridge
}

// NewFabric constructs an empty persistence fabric.
func NewFabric() *Fabric {
	return &Fabric{bridges: make(map[vclock.NodeID]*Bridge)}
}

func (f *Fabric) register(b *Bridge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridges[b.node] = b
}

func (f *Fabric) lookup(node vclock.NodeID) (*Bridge, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok:= f.bridges[node]
	return b, ok
}

// Bridge is one node's persistence bridge: its mapping table, its
// block device, and its bounded RDMA in-flight table.
type Bridge struct {
	node vclock.NodeID
	fabric *Fabric
	device BlockDevice_i
	void *voidreg.Registry
	sched *sched.Scheduler
	rdma *rdmaTable

	mu sync.Mutex
	mapping map[uint64]MappingEntry
	nextOffset uint64
	nextLBA uint64
	snapshots map[uuid.UUID]*snapshotRecord
}

// NewBridge constructs a persistence bridge for node, bounding
// concurrent in-flight RDMA dispatch to maxInFlight operations.
func NewBridge(node vclock.NodeID, fabric *Fabric, device BlockDevice_i, void *voidreg.Registry, scheduler *sched.Scheduler, maxInFlight int) *Bridge {
	b:= &Bridge{
		node: node,
		fabric: fabric,
		device: device,
		void: void,
		sched: scheduler,
		rdma: newRDMATable(maxInFlight),
		mapping: make(map[uint64]MappingEntry),
		snapshots: make(map[uuid.UUID]*snapshotRecord),
	}
	fabric.register(b)
	return b
}

func (b *Bridge) recordVoid(reason voidreg.Reason, key, msg string) voidreg.ID {
	now:= int64(0)
	if b.sched != nil {
		now = int64(b.sched.Now())
	}
	return b.void.Record(reason, voidreg.NoPredecessor, fmt.Sprintf("bridge-%d", b.node), key, "bridge.go", "", 0, now, msg)
}

// Alloc carves a contiguous LBA run of pageCount blocks from the
// node's bump pointer, appends a mapping entry, and returns the new
// persistent DSM address.
func (b *Bridge) Alloc(pageCount uint32) (dsm.Addr, voidreg.Reason) {
	if pageCount == 0 {
		return dsm.Addr(0), voidreg.ReasonInvalidArg
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	offset:= b.nextOffset
	lba:= b.nextLBA
	b.mapping[offset] = MappingEntry{
		DSMOffset: offset,
		StartingLBA: lba,
		PageCount: pageCount,
		Generation: 1,
		Allocated: true,
	}
	b.nextOffset += uint64(pageCount) * dsm.PageSize
	b.nextLBA += uint64(pageCount)
	return dsm.MakeDSMAddr(b.node, offset, true), voidreg.ReasonNone
}

// Free bumps the mapping's generation and clears Allocated, which
// invalidates every outstanding capability addressing it on their next
// check.
func (b *Bridge) Free(addr dsm.Addr) voidreg.Reason {
	offset:= dsm.PageAlign(addr).Offset()
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok:= b.mapping[offset]
	if !ok {
		return voidreg.ReasonNotFound
	}
	e.Generation++
	e.Allocated = false
	b.mapping[offset] = e
	return voidreg.ReasonNone
}

// CurrentGeneration implements capability.GenerationSource.
func (b *Bridge) CurrentGeneration(offset uint64) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok:= b.mapping[offset]
	if !ok {
		return 0, false
	}
	return e.Generation, true
}

// Revoke implements capability.Revocable.
func (b *Bridge) Revoke(offset uint64) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok:= b.mapping[offset]
	if !ok {
		return 0, false
	}
	e.Generation++
	b.mapping[offset] = e
	return e.Generation, true
}

func (b *Bridge) pageBytes(e MappingEntry) int {
	return int(e.PageCount) * dsm.PageSize
}

// readLocal fetches a persistent page that lives on this node's own
// block device.
func (b *Bridge) readLocal(offset uint64) ([]byte, uint64, voidreg.Reason) {
	b.mu.Lock()
	e, ok:= b.mapping[offset]
	b.mu.Unlock()
	if !ok || !e.Allocated {
		return nil, 0, voidreg.ReasonNotFound
	}
	buf:= make([]byte, b.pageBytes(e))
	if err:= b.device.Read(e.StartingLBA, e.PageCount, buf); err != nil {
		b.recordVoid(voidreg.ReasonHWNVMe, fmt.Sprintf("offset-%#x", offset), err.Error())
		return nil, 0, voidreg.ReasonHWNVMe
	}
	return buf, e.Generation, voidreg.ReasonNone
}

// writeLocal applies a write to this node's own block device and
// marks the mapping entry dirty until the next Sync.
func (b *Bridge) writeLocal(offset uint64, data []byte) (uint64, voidreg.Reason) {
	b.mu.Lock()
	e, ok:= b.mapping[offset]
	if !ok || !e.Allocated {
		b.mu.Unlock()
		return 0, voidreg.ReasonNotFound
	}
	if len(data) != b.pageBytes(e) {
		b.mu.Unlock()
		return 0, voidreg.ReasonInvalidArg
	}
	e.Dirty = true
	b.mapping[offset] = e
	b.mu.Unlock()

	if err:= b.device.Write(e.StartingLBA, e.PageCount, data); err != nil {
		b.recordVoid(voidreg.ReasonHWNVMe, fmt.Sprintf("offset-%#x", offset), err.Error())
		return 0, voidreg.ReasonHWNVMe
	}
	return e.Generation, voidreg.ReasonNone
}

// FetchPage implements the page-fault path: local persistent
// addresses read straight from this node's block device; remote ones
// dispatch an RDMA-style READ_PERSIST tracked in the bounded in-flight
// table. expectedGeneration of 0 skips the mismatch check.
func (b *Bridge) FetchPage(ctx context.Context, strand *sched.Strand_t, addr dsm.Addr, expectedGeneration uint64) ([]byte, uint64, voidreg.Reason) {
	pa:= dsm.PageAlign(addr)
	owner:= pa.Node()

	if owner == b.node {
		bytes, gen, reason:= b.readLocal(pa.Offset())
		if reason != voidreg.ReasonNone {
			return nil, 0, reason
		}
		if expectedGeneration != 0 && gen != expectedGeneration {
			b.recordVoid(voidreg.ReasonGeneration, fmt.Sprintf("offset-%#x", pa.Offset()), "fetch_page: generation mismatch")
			return nil, 0, voidreg.ReasonGeneration
		}
		return bytes, gen, voidreg.ReasonNone
	}

	peer, ok:= b.fabric.lookup(owner)
	if !ok {
		return nil, 0, voidreg.ReasonUnreachable
	}

	if strand != nil && b.sched != nil {
		b.sched.Block(strand)
	}
	op, err:= b.rdma.dispatch(ctx, RDMAOp{
		DSMAddr: uint64(addr),
		Type: OpReadPersist,
		RemoteNode: owner,
		LocalNode: b.node,
		StartChronon: b.now(),
	})
	if err != nil {
		if strand != nil && b.sched != nil {
			b.sched.Wake(strand)
		}
		voidID:= b.recordVoid(voidreg.ReasonTimeout, fmt.Sprintf("addr-%#x", uint64(addr)), "fetch_page: dispatch deadline exceeded")
		_ = voidID
		return nil, 0, voidreg.ReasonTimeout
	}

	bytes, gen, reason:= peer.readLocal(pa.Offset())
	if strand != nil && b.sched != nil {
		b.sched.Wake(strand)
	}
	if reason != voidreg.ReasonNone {
		b.rdma.complete(op.ID, statusFor(reason), 0)
		b.recordVoid(reason, fmt.Sprintf("addr-%#x", uint64(addr)), "fetch_page: remote read_persist failed")
		return nil, 0, reason
	}
	if expectedGeneration != 0 && gen != expectedGeneration {
		b.rdma.complete(op.ID, StatusGenerationMismatch, gen)
		b.recordVoid(voidreg.ReasonGeneration, fmt.Sprintf("addr-%#x", uint64(addr)), "fetch_page: remote generation mismatch")
		return nil, 0, voidreg.ReasonGeneration
	}
	b.rdma.complete(op.ID, StatusOK, gen)
	return bytes, gen, voidreg.ReasonNone
}

// StorePage implements the write-side counterpart: local persistent
// addresses write straight through; remote ones dispatch a
// WRITE_PERSIST. A write is only acknowledged to the caller after the
// underlying flush completes — StorePage calls Flush on the owning
// device before returning OK, giving callers a durability guarantee
// across the cluster.
func (b *Bridge) StorePage(ctx context.Context, strand *sched.Strand_t, addr dsm.Addr, data []byte) (uint64, voidreg.Reason) {
	pa:= dsm.PageAlign(addr)
	owner:= pa.Node()

	if owner == b.node {
		gen, reason:= b.writeLocal(pa.Offset(), data)
		if reason != voidreg.ReasonNone {
			return 0, reason
		}
		if err:= b.device.Flush(); err != nil {
			b.recordVoid(voidreg.ReasonIO, fmt.Sprintf("offset-%#x", pa.Offset()), err.Error())
			return 0, voidreg.ReasonIO
		}
		return gen, voidreg.ReasonNone
	}

	peer, ok:= b.fabric.lookup(owner)
	if !ok {
		return 0, voidreg.ReasonUnreachable
	}

	if strand != nil && b.sched != nil {
		b.sched.Block(strand)
	}
	op, err:= b.rdma.dispatch(ctx, RDMAOp{
		DSMAddr: uint64(addr),
		Type: OpWritePersist,
		RemoteNode: owner,
		LocalNode: b.node,
		StartChronon: b.now(),
	})
	if err != nil {
		if strand != nil && b.sched != nil {
			b.sched.Wake(strand)
		}
		b.recordVoid(voidreg.ReasonTimeout, fmt.Sprintf("addr-%#x", uint64(addr)), "store_page: dispatch deadline exceeded")
		return 0, voidreg.ReasonTimeout
	}

	gen, reason:= peer.writeLocal(pa.Offset(), data)
	if reason == voidreg.ReasonNone {
		reason = mapErr(peer.device.Flush())
	}
	if strand != nil && b.sched != nil {
		b.sched.Wake(strand)
	}
	if reason != voidreg.ReasonNone {
		b.rdma.complete(op.ID, statusFor(reason), 0)
		b.recordVoid(reason, fmt.Sprintf("addr-%#x", uint64(addr)), "store_page: remote write_persist failed")
		return 0, reason
	}
	b.rdma.complete(op.ID, StatusOK, gen)
	return gen, voidreg.ReasonNone
}

func mapErr(err error) voidreg.Reason {
	if err == nil {
		return voidreg.ReasonNone
	}
	return voidreg.ReasonIO
}

func statusFor(reason voidreg.Reason) OpStatus {
	switch reason {
	case voidreg.ReasonGeneration:
		return StatusGenerationMismatch
	case voidreg.ReasonNotFound:
		return StatusNotFound
	case voidreg.ReasonHWNVMe:
		return StatusHWNVMeError
	default:
		return StatusNetworkError
	}
}

func (b *Bridge) now() sched.Chronon {
	if b.sched == nil {
		return 0
	}
	return b.sched.Now()
}

// Sync flushes every dirty mapped page on this node's device and
// clears their dirty bits.
func (b *Bridge) Sync() voidreg.Reason {
	b.mu.Lock()
	dirty:= make([]uint64, 0)
	for off, e:= range b.mapping {
		if e.Dirty {
			dirty = append(dirty, off)
		}
	}
	b.mu.Unlock()

	if err:= b.device.Flush(); err != nil {
		b.recordVoid(voidreg.ReasonIO, "sync", err.Error())
		return voidreg.ReasonIO
	}

	b.mu.Lock()
	for _, off:= range dirty {
		e:= b.mapping[off]
		e.Dirty = false
		b.mapping[off] = e
	}
	b.mu.Unlock()
	return voidreg.ReasonNone
}

// Wait polls op's status until it completes or deadline chronons
// elapse, whichever comes first.
func (b *Bridge) Wait(id OpID, deadline sched.Chronon) (RDMAOp, voidreg.Reason) {
	start:= b.now()
	for {
		op, ok:= b.rdma.get(id)
		if !ok {
			return RDMAOp{}, voidreg.ReasonNotFound
		}
		if op.Completed {
			return op, voidreg.ReasonNone
		}
		if b.now()-start >= deadline {
			b.recordVoid(voidreg.ReasonTimeout, fmt.Sprintf("op-%d", id), "wait: deadline exceeded")
			return op, voidreg.ReasonTimeout
		}
	}
}

// CreateSnapshot flushes every dirty page on the device (via Sync, not
// only those in [start, end)), then freezes a copy of the mapping
// table entries and page bytes in [start, end) under a fresh UUID
// handle. It first drains the in-flight RDMA table (bounded by
// drainDeadline) before freezing — a conservative choice given that
// snapshot/RDMA interaction has no single obviously-correct answer.
func (b *Bridge) CreateSnapshot(start, end uint64, drainDeadline sched.Chronon) (uuid.UUID, voidreg.Reason) {
	if !b.rdma.drain(b.sched, drainDeadline) {
		return uuid.UUID{}, voidreg.ReasonTimeout
	}
	if reason:= b.Sync(); reason != voidreg.ReasonNone {
		return uuid.UUID{}, reason
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec:= &snapshotRecord{
		entries: make(map[uint64]MappingEntry),
		pages: make(map[uint64][]byte),
	}
	for off, e:= range b.mapping {
		if off < start || off >= end {
			continue
		}
		rec.entries[off] = e
		buf:= make([]byte, b.pageBytes(e))
		if err:= b.device.Read(e.StartingLBA, e.PageCount, buf); err != nil {
			return uuid.UUID{}, voidreg.ReasonHWNVMe
		}
		rec.pages[off] = buf
	}

	id:= uuid.New()
	b.snapshots[id] = rec
	return id, voidreg.ReasonNone
}

// Restore swaps the named snapshot's frozen pages back onto their
// original LBAs, leaving the region bitwise identical to the moment
// CreateSnapshot ran.
func (b *Bridge) Restore(id uuid.UUID) voidreg.Reason {
	b.mu.Lock()
	rec, ok:= b.snapshots[id]
	b.mu.Unlock()
	if !ok {
		return voidreg.ReasonNotFound
	}

	for off, e:= range rec.entries {
		if err:= b.device.Write(e.StartingLBA, e.PageCount, rec.pages[off]); err != nil {
			b.recordVoid(voidreg.ReasonHWNVMe, fmt.Sprintf("offset-%#x", off), err.Error())
			return voidreg.ReasonHWNVMe
		}
		b.mu.Lock()
		cur:= b.mapping[off]
		cur.Generation = e.Generation
		cur.Dirty = false
		b.mapping[off] = cur
		b.mu.Unlock()
	}
	return voidreg.ReasonNone
}
