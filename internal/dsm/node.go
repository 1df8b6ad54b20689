package dsm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"seraph/internal/capability"
	"seraph/internal/sched"
	"seraph/internal/vclock"
	"seraph/internal/voidreg"
)

// Fabric is the in-process router standing in for the NIC fabric real
// nodes would talk across. It tracks per-node reachability so tests can
// exercise the read/write path's failure paths without a real network.
type Fabric struct {
	mu sync.Mutex
	nodes map[vclock.NodeID]*Node
	offline map[vclock.NodeID]bool
	failures map[vclock.NodeID]voidreg.Reason
}

// NewFabric constructs an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		nodes: make(map[vclock.NodeID]*Node),
		offline: make(map[vclock.NodeID]bool),
		failures: make(map[vclock.NodeID]voidreg.Reason),
	}
}

// Register attaches a node to the fabric so other nodes can route
// coherence messages to it.
func (f *Fabric) Register(n *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[n.ID] = n
}

// SetNodeOnline marks a node reachable or unreachable.
func (f *Fabric) SetNodeOnline(id vclock.NodeID, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[id] = !online
}

// InjectFailure makes every future request to id fail with reason
// until cleared by a subsequent SetNodeOnline(id, true) or
// InjectFailure(id, ReasonNone).
func (f *Fabric) InjectFailure(id vclock.NodeID, reason voidreg.Reason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reason == voidreg.ReasonNone {
		delete(f.failures, id)
		return
	}
	f.failures[id] = reason
}

// lookup returns the Node for id and whether it is currently reachable
// (registered, online, and not carrying an injected failure).
func (f *Fabric) lookup(id vclock.NodeID) (*Node, voidreg.Reason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok:= f.nodes[id]
	if !ok {
		return nil, voidreg.ReasonUnreachable
	}
	if reason, failing:= f.failures[id]; failing {
		return nil, reason
	}
	if f.offline[id] {
		return nil, voidreg.ReasonNodeCrashed
	}
	return n, voidreg.ReasonNone
}

// localPage is the authoritative copy of a page kept at its owning
// (home) node. Only the owner ever holds this; every other node's view
// of the page lives in its Cache as a coherence-tracked copy.
type localPage struct {
	bytes PageBytes
}

// Node is one DSM fabric participant: the owner of the pages in its
// address range, and a cache client of every other node's pages.
type Node struct {
	ID vclock.NodeID
	fabric *Fabric
	cache *Cache
	dir *Directory
	void *voidreg.Registry
	sched *sched.Scheduler

	mu sync.Mutex
	clock *vclock.Clock_t
	local map[uint64]*localPage // offset -> authoritative bytes, owner only
	writeClocks map[uint64]*vclock.Clock_t // offset -> vclock snapshot at last write to this page

	reqID atomic.Uint64 // coherence frame request-ID counter
}

// NewNode constructs a fabric participant and registers it.
func NewNode(id vclock.NodeID, fabric *Fabric, cache *Cache, dir *Directory, void *voidreg.Registry, scheduler *sched.Scheduler) *Node {
	n:= &Node{
		ID: id,
		fabric: fabric,
		cache: cache,
		dir: dir,
		void: void,
		sched: scheduler,
		clock: vclock.New(),
		local: make(map[uint64]*localPage),
		writeClocks: make(map[uint64]*vclock.Clock_t),
	}
	fabric.Register(n)
	if scheduler != nil && cache != nil {
		scheduler.RegisterPressureSignal(cache)
	}
	return n
}

func (n *Node) recordVoid(reason voidreg.Reason, key, msg string) voidreg.ID {
	now:= int64(0)
	if n.sched != nil {
		now = int64(n.sched.Now())
	}
	return n.void.Record(reason, voidreg.NoPredecessor, fmt.Sprintf("node-%d", n.ID), key, "node.go", "", 0, now, msg)
}

// AllocLocal seeds offset with zero-filled local storage, as if this
// node had just been handed that page at boot/allocation time. A page
// must exist locally at its owner before any node may read or write it.
func (n *Node) AllocLocal(offset uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok:= n.local[offset]; !ok {
		n.local[offset] = &localPage{}
	}
	n.dir.entry(offset) // materialize directory state as INVALID/gen 1
}

func (n *Node) writeClockFor(offset uint64) *vclock.Clock_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.writeClocks[offset]
}

// handleReadRequest answers a remote READ_REQUEST for offset, carried
// in reqFrame: it registers requester as a SHARED sharer (possibly
// force-evicting the oldest sharer on overflow) and returns the
// current bytes, vclock, generation, and a READ_RESPONSE frame
// correlated to reqFrame's request ID.
func (n *Node) handleReadRequest(reqFrame FrameHeader, offset uint64, requester vclock.NodeID) (PageBytes, *vclock.Clock_t, uint64, FrameHeader, bool) {
	n.mu.Lock()
	lp, ok:= n.local[offset]
	if !ok {
		n.mu.Unlock()
		return PageBytes{}, nil, 0, FrameHeader{}, false
	}
	bytes:= lp.bytes
	vc:= n.writeClocks[offset]
	n.mu.Unlock()

	evicted, didEvict:= n.dir.AddSharer(offset, requester)
	if didEvict {
		n.sendInvalidate(evicted, offset)
	}
	gen, _:= n.dir.CurrentGeneration(offset)
	respFrame, frameOK:= buildFrame(n.ID, MsgReadResponse, reqFrame.RequestID, uint32(PageSize))
	return bytes, vc, gen, respFrame, frameOK
}

// handleWriteRequest answers a remote WRITE_REQUEST carried in
// reqFrame: it invalidates every other current holder, grants
// requester EXCLUSIVE, applies the write to the authoritative local
// copy, ticks this node's vector clock, and returns a WRITE_COMPLETE
// frame correlated to reqFrame's request ID.
func (n *Node) handleWriteRequest(reqFrame FrameHeader, offset uint64, requester vclock.NodeID, data PageBytes) (uint64, *vclock.Clock_t, FrameHeader, bool) {
	n.mu.Lock()
	if _, ok:= n.local[offset]; !ok {
		n.mu.Unlock()
		return 0, nil, FrameHeader{}, false
	}
	n.mu.Unlock()

	invalidate, newGen:= n.dir.SetExclusive(offset, requester)
	for _, victim:= range invalidate {
		n.sendInvalidate(victim, offset)
	}

	n.mu.Lock()
	n.local[offset].bytes = data
	n.clock.Increment(n.ID)
	snapshot:= n.clock.Clone()
	n.writeClocks[offset] = snapshot
	n.mu.Unlock()

	respFrame, frameOK:= buildFrame(n.ID, MsgWriteComplete, reqFrame.RequestID, 0)
	return newGen, snapshot, respFrame, frameOK
}

// sendInvalidate routes a fire-and-forget INVALIDATE to victim's
// cached copy of offset (owned by the current node).
func (n *Node) sendInvalidate(victim vclock.NodeID, offset uint64) {
	peer, reason:= n.fabric.lookup(victim)
	if peer == nil {
		n.recordVoid(reason, fmt.Sprintf("node-%d", victim), "invalidate delivery failed")
		return
	}
	if _, ok:= buildFrame(n.ID, MsgInvalidate, n.reqID.Add(1), 0); !ok {
		n.recordVoid(voidreg.ReasonNetwork, fmt.Sprintf("node-%d", victim), "invalidate frame encode/decode failed")
		return
	}
	peer.cache.invalidate(MakeDSMAddr(n.ID, offset, false))
}

// ReadPage implements the read path. On a local hit or a successful
// remote fetch it returns the page bytes and the generation they were
// fetched at; on failure it records a VOID and returns (zero, 0, reason).
func (n *Node) ReadPage(strand *sched.Strand_t, addr Addr) (PageBytes, uint64, voidreg.Reason) {
	pa:= PageAlign(addr)
	owner:= pa.Node()

	if owner == n.ID {
		n.mu.Lock()
		lp, ok:= n.local[pa.Offset()]
		n.mu.Unlock()
		if !ok {
			return PageBytes{}, 0, voidreg.ReasonNotFound
		}
		if entry, ok:= n.dir.Get(pa.Offset()); ok && entry.State == PageExclusive && entry.ExclusiveOwner == n.ID {
			// The owner's own exclusive hold was for the write that just
			// completed; a subsequent local read is not itself a write, so
			// fold the entry back to SHARED-with-self before any remote
			// sharer can be added against it.
			n.dir.Downgrade(pa.Offset(), n.ID)
		}
		gen, _:= n.dir.CurrentGeneration(pa.Offset())
		return lp.bytes, gen, voidreg.ReasonNone
	}

	if pe:= n.cache.lookup(pa); pe != nil && pe.state != PageInvalid {
		return pe.bytes, pe.generation, voidreg.ReasonNone
	}

	if n.sched != nil && strand != nil {
		n.sched.Block(strand)
	}
	peer, reason:= n.fabric.lookup(owner)
	if peer == nil {
		if n.sched != nil && strand != nil {
			n.sched.Wake(strand)
		}
		id:= n.recordVoid(reason, fmt.Sprintf("addr-%#x", uint64(addr)), "read_request: owner unreachable")
		_ = id
		return PageBytes{}, 0, reason
	}

	reqFrame, frameOK:= buildFrame(n.ID, MsgReadRequest, n.reqID.Add(1), 0)
	if !frameOK {
		if n.sched != nil && strand != nil {
			n.sched.Wake(strand)
		}
		n.recordVoid(voidreg.ReasonNetwork, fmt.Sprintf("addr-%#x", uint64(addr)), "read_request: frame encode/decode failed")
		return PageBytes{}, 0, voidreg.ReasonNetwork
	}

	bytes, vc, gen, respFrame, ok:= peer.handleReadRequest(reqFrame, pa.Offset(), n.ID)
	if n.sched != nil && strand != nil {
		n.sched.Wake(strand)
	}
	if !ok {
		reason:= voidreg.ReasonNotFound
		n.recordVoid(reason, fmt.Sprintf("addr-%#x", uint64(addr)), "read_request: page never allocated")
		return PageBytes{}, 0, reason
	}
	if respFrame.RequestID != reqFrame.RequestID {
		n.recordVoid(voidreg.ReasonNetwork, fmt.Sprintf("addr-%#x", uint64(addr)), "read_response: request ID mismatch")
		return PageBytes{}, 0, voidreg.ReasonNetwork
	}

	n.mu.Lock()
	n.clock.Merge(vc)
	n.mu.Unlock()

	reason = n.cache.install(&pageEntry{
		addr: pa,
		ownerNode: owner,
		generation: gen,
		state: PageShared,
		vclock: vc.Clone(),
		bytes: bytes,
	})
	if reason != voidreg.ReasonNone {
		n.recordVoid(reason, fmt.Sprintf("addr-%#x", uint64(addr)), "read_request: local cache install failed")
		return PageBytes{}, 0, reason
	}
	return bytes, gen, voidreg.ReasonNone
}

// WritePage implements the write path. It returns the new generation
// on success or a VOID reason on failure.
func (n *Node) WritePage(strand *sched.Strand_t, addr Addr, data PageBytes) (uint64, voidreg.Reason) {
	pa:= PageAlign(addr)
	owner:= pa.Node()

	if owner == n.ID {
		localReqFrame, _:= buildFrame(n.ID, MsgWriteRequest, n.reqID.Add(1), uint32(PageSize))
		newGen, _, _, ok:= n.handleWriteRequest(localReqFrame, pa.Offset(), n.ID, data)
		if !ok {
			reason:= voidreg.ReasonNotFound
			n.recordVoid(reason, fmt.Sprintf("addr-%#x", uint64(addr)), "write_request: page never allocated")
			return 0, reason
		}
		return newGen, voidreg.ReasonNone
	}

	if n.sched != nil && strand != nil {
		n.sched.Block(strand)
	}
	peer, reason:= n.fabric.lookup(owner)
	if peer == nil {
		if n.sched != nil && strand != nil {
			n.sched.Wake(strand)
		}
		n.recordVoid(reason, fmt.Sprintf("addr-%#x", uint64(addr)), "write_request: owner unreachable")
		return 0, reason
	}

	reqFrame, frameOK:= buildFrame(n.ID, MsgWriteRequest, n.reqID.Add(1), uint32(PageSize))
	if !frameOK {
		if n.sched != nil && strand != nil {
			n.sched.Wake(strand)
		}
		n.recordVoid(voidreg.ReasonNetwork, fmt.Sprintf("addr-%#x", uint64(addr)), "write_request: frame encode/decode failed")
		return 0, voidreg.ReasonNetwork
	}

	newGen, vc, respFrame, ok:= peer.handleWriteRequest(reqFrame, pa.Offset(), n.ID, data)
	if n.sched != nil && strand != nil {
		n.sched.Wake(strand)
	}
	if !ok {
		reason:= voidreg.ReasonNotFound
		n.recordVoid(reason, fmt.Sprintf("addr-%#x", uint64(addr)), "write_request: page never allocated")
		return 0, reason
	}
	if respFrame.RequestID != reqFrame.RequestID {
		n.recordVoid(voidreg.ReasonNetwork, fmt.Sprintf("addr-%#x", uint64(addr)), "write_response: request ID mismatch")
		return 0, voidreg.ReasonNetwork
	}

	n.mu.Lock()
	n.clock.Merge(vc)
	n.mu.Unlock()

	installReason:= n.cache.install(&pageEntry{
		addr: pa,
		ownerNode: owner,
		generation: newGen,
		state: PageExclusive,
		vclock: vc.Clone(),
		bytes: data,
		dirty: true,
	})
	if installReason != voidreg.ReasonNone {
		n.recordVoid(installReason, fmt.Sprintf("addr-%#x", uint64(addr)), "write_request: local cache install failed")
		return 0, installReason
	}
	return newGen, voidreg.ReasonNone
}

// CheckCapability validates cap against the owning node's directory
// generation for the page addr falls in, wiring the DSM directory in
// as a capability.GenerationSource.
func (n *Node) CheckCapability(cap capability.Cap_t, addr Addr, offset uint64, want capability.Perm) capability.CheckResult {
	pa:= PageAlign(addr)
	owner:= pa.Node()
	if owner == n.ID {
		return capability.Access(cap, n.dir, offset, want)
	}
	peer, reason:= n.fabric.lookup(owner)
	if peer == nil {
		return capability.CheckResult{OK: false, Reason: reason}
	}
	return capability.Access(cap, peer.dir, offset, want)
}

// HappenedBefore reports whether the most recent write to addrA is
// causally ordered before the most recent write to addrB.
func (n *Node) HappenedBefore(addrA, addrB Addr) bool {
	return n.compareWrites(addrA, addrB) == vclock.OrderBefore
}

// IsConcurrent reports whether the most recent writes to addrA and
// addrB are causally unordered.
func (n *Node) IsConcurrent(addrA, addrB Addr) bool {
	return n.compareWrites(addrA, addrB) == vclock.OrderConcurrent
}

func (n *Node) compareWrites(addrA, addrB Addr) vclock.Order {
	pa, pb:= PageAlign(addrA), PageAlign(addrB)
	ownerA, reasonA:= n.fabric.lookup(pa.Node())
	ownerB, reasonB:= n.fabric.lookup(pb.Node())
	if ownerA == nil || ownerB == nil {
		if reasonA != voidreg.ReasonNone {
			n.recordVoid(reasonA, fmt.Sprintf("addr-%#x", uint64(addrA)), "happened_before: owner unreachable")
		}
		if reasonB != voidreg.ReasonNone {
			n.recordVoid(reasonB, fmt.Sprintf("addr-%#x", uint64(addrB)), "happened_before: owner unreachable")
		}
		return vclock.OrderVoid
	}
	return vclock.Compare(ownerA.writeClockFor(pa.Offset()), ownerB.writeClockFor(pb.Offset()))
}
