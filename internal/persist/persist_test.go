package persist

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"seraph/internal/dsm"
	"seraph/internal/persist/blockstore"
	"seraph/internal/sched"
	"seraph/internal/vclock"
	"seraph/internal/voidreg"
)

func newTestBridge(t *testing.T, node vclock.NodeID, fabric *Fabric, void *voidreg.Registry, s *sched.Scheduler) *Bridge {
	t.Helper()
	dev, err := blockstore.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return NewBridge(node, fabric, dev, void, s, 4)
}

func fill(b byte) []byte {
	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestAllocWriteReadRoundTrip(t *testing.T) {
	void := voidreg.New(256)
	s := sched.New(void, 1)
	fabric := NewFabric()
	b := newTestBridge(t, 1, fabric, void, s)

	addr, reason := b.Alloc(1)
	require.Equal(t, voidreg.ReasonNone, reason)

	gen, reason := b.StorePage(context.Background(), nil, addr, fill('A'))
	require.Equal(t, voidreg.ReasonNone, reason)
	require.Equal(t, uint64(1), gen)

	got, gotGen, reason := b.FetchPage(context.Background(), nil, addr, 0)
	require.Equal(t, voidreg.ReasonNone, reason)
	require.Equal(t, gen, gotGen)
	require.True(t, bytes.Equal(fill('A'), got))
}

func TestFreeInvalidatesCapabilityGeneration(t *testing.T) {
	void := voidreg.New(256)
	s := sched.New(void, 1)
	fabric := NewFabric()
	b := newTestBridge(t, 1, fabric, void, s)

	addr, _ := b.Alloc(1)
	offset := addr.Offset()
	before, _ := b.CurrentGeneration(offset)

	reason := b.Free(addr)
	require.Equal(t, voidreg.ReasonNone, reason)

	after, ok := b.CurrentGeneration(offset)
	require.True(t, ok)
	require.Greater(t, after, before)
}

func TestRemoteFetchAcrossNodes(t *testing.T) {
	void := voidreg.New(256)
	s := sched.New(void, 1)
	fabric := NewFabric()
	owner := newTestBridge(t, 1, fabric, void, s)
	requester := newTestBridge(t, 2, fabric, void, s)

	addr, _ := owner.Alloc(1)
	owner.StorePage(context.Background(), nil, addr, fill('Z'))

	strand := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	s.Spawn(strand)
	s.Dispatch(0)

	got, gen, reason := requester.FetchPage(context.Background(), strand, addr, 0)
	require.Equal(t, voidreg.ReasonNone, reason)
	require.True(t, bytes.Equal(fill('Z'), got))
	require.Equal(t, uint64(1), gen)
	require.Equal(t, sched.StateReady, strand.State(), "a completed remote fetch must leave the caller strand runnable again")
}

func TestRemoteFetchGenerationMismatchIsVoid(t *testing.T) {
	void := voidreg.New(256)
	s := sched.New(void, 1)
	fabric := NewFabric()
	owner := newTestBridge(t, 1, fabric, void, s)
	requester := newTestBridge(t, 2, fabric, void, s)

	addr, _ := owner.Alloc(1)
	owner.StorePage(context.Background(), nil, addr, fill('Z'))

	before := void.Len()
	_, _, reason := requester.FetchPage(context.Background(), nil, addr, 99)
	require.Equal(t, voidreg.ReasonGeneration, reason)
	require.Greater(t, void.Len(), before)
}

func TestRemoteFetchOfUnreachableNodeIsVoid(t *testing.T) {
	void := voidreg.New(256)
	s := sched.New(void, 1)
	fabric := NewFabric()
	requester := newTestBridge(t, 2, fabric, void, s)

	// An address pointing at node 1, which was never registered with
	// this fabric.
	missing := dsm.MakeDSMAddr(1, 0, true)
	_, _, reason := requester.FetchPage(context.Background(), nil, missing, 0)
	require.Equal(t, voidreg.ReasonUnreachable, reason)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	// Scenario 4: alloc 2 persistent pages, write "AA", then "BB",
	// snapshot, overwrite with "CC", restore; read-back must yield the
	// original bytes.
	void := voidreg.New(256)
	s := sched.New(void, 1)
	fabric := NewFabric()
	b := newTestBridge(t, 1, fabric, void, s)

	addrA, _ := b.Alloc(1)
	addrB, _ := b.Alloc(1)
	b.StorePage(context.Background(), nil, addrA, fill('A'))
	b.StorePage(context.Background(), nil, addrB, fill('B'))

	snap, reason := b.CreateSnapshot(0, addrB.Offset()+4096, 1000)
	require.Equal(t, voidreg.ReasonNone, reason)

	b.StorePage(context.Background(), nil, addrA, fill('C'))
	b.StorePage(context.Background(), nil, addrB, fill('C'))

	reason = b.Restore(snap)
	require.Equal(t, voidreg.ReasonNone, reason)

	gotA, _, _ := b.FetchPage(context.Background(), nil, addrA, 0)
	gotB, _, _ := b.FetchPage(context.Background(), nil, addrB, 0)
	require.True(t, bytes.Equal(fill('A'), gotA), "restore must bring page A back to its pre-snapshot bytes")
	require.True(t, bytes.Equal(fill('B'), gotB), "restore must bring page B back to its pre-snapshot bytes")
}

func TestWaitOnUnknownOpIsNotFound(t *testing.T) {
	void := voidreg.New(256)
	s := sched.New(void, 1)
	fabric := NewFabric()
	b := newTestBridge(t, 1, fabric, void, s)

	_, reason := b.Wait(OpID(999), 10)
	require.Equal(t, voidreg.ReasonNotFound, reason, "waiting on an op id that was never dispatched is NOT_FOUND, not TIMEOUT")
}
