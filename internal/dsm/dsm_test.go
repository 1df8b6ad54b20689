package dsm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"seraph/internal/capability"
	"seraph/internal/sched"
	"seraph/internal/vclock"
	"seraph/internal/voidreg"
)

func newTestFabric(t *testing.T, nodeIDs ...vclock.NodeID) (*Fabric, map[vclock.NodeID]*Node, *voidreg.Registry, *sched.Scheduler) {
	t.Helper()
	void := voidreg.New(256)
	s := sched.New(void, 1)
	fabric := NewFabric()
	nodes := make(map[vclock.NodeID]*Node, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes[id] = NewNode(id, fabric, NewCache(8), NewDirectory(), void, s)
	}
	return fabric, nodes, void, s
}

func TestLocalReadWriteRoundTrip(t *testing.T) {
	_, nodes, _, s := newTestFabric(t, 1)
	n1 := nodes[1]
	strand := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	s.Spawn(strand)

	n1.AllocLocal(0x1000)
	addr := MakeDSMAddr(1, 0x1000, false)

	var payload PageBytes
	payload[0] = 0xAB
	gen, reason := n1.WritePage(strand, addr, payload)
	require.Equal(t, voidreg.ReasonNone, reason)
	require.Equal(t, uint64(2), gen, "SetExclusive bumps the directory generation from its initial value of 1")

	got, gotGen, reason := n1.ReadPage(strand, addr)
	require.Equal(t, voidreg.ReasonNone, reason)
	require.Equal(t, gen, gotGen)
	require.Equal(t, byte(0xAB), got[0])
}

func TestRemoteReadFetchesAndCachesPage(t *testing.T) {
	_, nodes, _, s := newTestFabric(t, 1, 2)
	owner, reader := nodes[1], nodes[2]
	strand := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	s.Spawn(strand)

	owner.AllocLocal(0x2000)
	addr := MakeDSMAddr(1, 0x2000, false)
	var payload PageBytes
	payload[4] = 0x42
	frame, _ := buildFrame(owner.ID, MsgWriteRequest, 1, uint32(PageSize))
	owner.handleWriteRequest(frame, 0x2000, 1, payload)

	s.Dispatch(0)
	got, gen, reason := reader.ReadPage(strand, addr)
	require.Equal(t, voidreg.ReasonNone, reason)
	require.Equal(t, byte(0x42), got[4])
	require.Equal(t, sched.StateReady, strand.State(), "a completed remote fetch must leave the caller strand runnable again, not blocked")

	pe := reader.cache.lookup(PageAlign(addr))
	require.NotNil(t, pe, "a successful remote fetch installs a cache entry")
	require.Equal(t, PageShared, pe.state)
	require.Equal(t, gen, pe.generation)
}

func TestRemoteWriteInvalidatesOtherSharers(t *testing.T) {
	// Scenario 2: a node holding a SHARED cached copy has it
	// invalidated out from under it when another node writes.
	_, nodes, _, s := newTestFabric(t, 1, 2, 3)
	owner, readerA, writerB := nodes[1], nodes[2], nodes[3]
	strand := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	s.Spawn(strand)

	owner.AllocLocal(0x3000)
	addr := MakeDSMAddr(1, 0x3000, false)

	s.Dispatch(0)
	_, _, reason := readerA.ReadPage(strand, addr)
	require.Equal(t, voidreg.ReasonNone, reason)
	require.NotNil(t, readerA.cache.lookup(PageAlign(addr)), "reader must hold a cached copy after its read")

	s.Dispatch(0)
	var payload PageBytes
	payload[0] = 0x99
	_, reason = writerB.WritePage(strand, addr, payload)
	require.Equal(t, voidreg.ReasonNone, reason)

	require.Nil(t, readerA.cache.lookup(PageAlign(addr)), "the writer's exclusive grant must invalidate the prior sharer's cached copy")
	require.Equal(t, uint64(1), readerA.cache.InvalidationsReceived())
}

func TestGenerationBumpVoidsStaleCapability(t *testing.T) {
	_, nodes, _, s := newTestFabric(t, 1)
	owner := nodes[1]
	strand := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	s.Spawn(strand)

	owner.AllocLocal(0x4000)
	addr := MakeDSMAddr(1, 0x4000, false)

	staleGen, _ := owner.dir.CurrentGeneration(0x4000)
	cap := capability.Cap_t{Base: 0x4000, Length: PageSize, Generation: staleGen, Perms: capability.PermRead | capability.PermWrite}

	var payload PageBytes
	owner.WritePage(strand, addr, payload) // bumps the directory generation out from under cap

	res := owner.CheckCapability(cap, addr, 0, capability.PermRead)
	require.False(t, res.OK)
	require.Equal(t, voidreg.ReasonGeneration, res.Reason)
}

func TestUnreachableOwnerRecordsNetworkVoid(t *testing.T) {
	fabric, nodes, void, s := newTestFabric(t, 1, 2)
	owner, reader := nodes[1], nodes[2]
	strand := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	s.Spawn(strand)

	owner.AllocLocal(0x5000)
	addr := MakeDSMAddr(1, 0x5000, false)

	before := void.Len()
	fabric.SetNodeOnline(1, false)
	s.Dispatch(0)
	_, _, reason := reader.ReadPage(strand, addr)
	require.Equal(t, voidreg.ReasonNodeCrashed, reason)
	require.Greater(t, void.Len(), before)
	require.Equal(t, sched.StateReady, strand.State(), "a failed remote fetch must still unblock the caller strand")
}

func TestInjectFailureOverridesOnlineState(t *testing.T) {
	fabric, nodes, _, s := newTestFabric(t, 1, 2)
	owner, reader := nodes[1], nodes[2]
	strand := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	s.Spawn(strand)

	owner.AllocLocal(0x6000)
	addr := MakeDSMAddr(1, 0x6000, false)

	fabric.InjectFailure(1, voidreg.ReasonHWNVMe)
	s.Dispatch(0)
	_, _, reason := reader.ReadPage(strand, addr)
	require.Equal(t, voidreg.ReasonHWNVMe, reason)

	fabric.InjectFailure(1, voidreg.ReasonNone)
	var payload PageBytes
	frame, _ := buildFrame(owner.ID, MsgWriteRequest, 1, uint32(PageSize))
	owner.handleWriteRequest(frame, 0x6000, 1, payload)
	s.Dispatch(0)
	_, _, reason = reader.ReadPage(strand, addr)
	require.Equal(t, voidreg.ReasonNone, reason, "clearing the injected failure must restore reachability")
}

func TestHappenedBeforeAndConcurrent(t *testing.T) {
	// Scenario 5: two nodes write to independent pages with no
	// intervening message between them; their writes must be CONCURRENT.
	_, nodes, _, s := newTestFabric(t, 1, 2)
	n1, n2 := nodes[1], nodes[2]
	strand := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	s.Spawn(strand)

	n1.AllocLocal(0x7000)
	n2.AllocLocal(0x7000)
	addrA := MakeDSMAddr(1, 0x7000, false)
	addrB := MakeDSMAddr(2, 0x7000, false)

	var payload PageBytes
	n1.WritePage(strand, addrA, payload)
	n2.WritePage(strand, addrB, payload)

	require.True(t, n1.IsConcurrent(addrA, addrB))
	require.False(t, n1.HappenedBefore(addrA, addrB))

	// A causally dependent second write to A (after merging B's clock in
	// via a read) must now happen-after B.
	s.Dispatch(0)
	n1.ReadPage(strand, addrB)
	n1.WritePage(strand, addrA, payload)
	require.True(t, n1.HappenedBefore(addrB, addrA))
}

func TestFrameHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := FrameHeader{
		Version:    1,
		Type:       MsgReadRequest,
		Length:     4096,
		SenderNode: 7,
		Flags:      0x2,
		RequestID:  12345,
	}
	buf := EncodeFrameHeader(h)
	got, ok := DecodeFrameHeader(buf)
	require.True(t, ok)
	require.Equal(t, h, got)
}

func TestDecodeFrameHeaderRejectsBadMagicAndShortBuffer(t *testing.T) {
	buf := EncodeFrameHeader(FrameHeader{Type: MsgWriteRequest, SenderNode: 1})
	buf[0] ^= 0xFF
	_, ok := DecodeFrameHeader(buf)
	require.False(t, ok, "a corrupted magic number must fail decode")

	_, ok = DecodeFrameHeader(buf[:4])
	require.False(t, ok, "a truncated frame must fail decode")
}
