package sched

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"seraph/internal/voidreg"
)

func newTestSched(t *testing.T, numCPUs int) *Scheduler {
	t.Helper()
	return New(voidreg.New(64), numCPUs)
}

func TestDispatchPicksHighestPriorityFirst(t *testing.T) {
	s := newTestSched(t, 1)
	low := NewStrand(1, 0, PriorityLow, 1)
	high := NewStrand(2, 0, PriorityRealtime, 1)
	require.NoError(t, s.Spawn(low))
	require.NoError(t, s.Spawn(high))

	picked := s.Dispatch(0)
	require.Equal(t, high.ID, picked.ID)
	require.Equal(t, StateRunning, picked.State())
}

func TestRoundRobinWithinLevel(t *testing.T) {
	s := newTestSched(t, 1)
	a := NewStrand(1, 0, PriorityNormal, 1)
	b := NewStrand(2, 0, PriorityNormal, 1)
	require.NoError(t, s.Spawn(a))
	require.NoError(t, s.Spawn(b))

	first := s.Dispatch(0)
	require.Equal(t, a.ID, first.ID)
	s.Yield(0)
	second := s.Dispatch(0)
	require.Equal(t, b.ID, second.ID)
}

func TestQuantumExpiryRequeues(t *testing.T) {
	s := newTestSched(t, 1)
	idleStrand := NewStrand(1, 0, PriorityIdle, 1) // quantum=1
	require.NoError(t, s.Spawn(idleStrand))
	s.Dispatch(0)

	s.Tick(0) // consumes the single idle-quantum tick, should requeue as READY
	require.Equal(t, StateReady, idleStrand.State())

	next := s.Dispatch(0)
	require.Equal(t, idleStrand.ID, next.ID)
}

func TestBlockWakeStateMachine(t *testing.T) {
	s := newTestSched(t, 1)
	st := NewStrand(1, 0, PriorityNormal, 1)
	require.NoError(t, s.Spawn(st))
	s.Dispatch(0)

	s.Block(st)
	require.Equal(t, StateBlocked, st.State())

	s.Wake(st)
	require.Equal(t, StateReady, st.State())
}

func TestBlockOnNonRunningRecordsVoid(t *testing.T) {
	void := voidreg.New(64)
	s := New(void, 1)
	st := NewStrand(1, 0, PriorityNormal, 1)
	require.NoError(t, s.Spawn(st)) // READY, never dispatched

	before := void.Len()
	s.Block(st)
	require.Equal(t, StateReady, st.State(), "block on non-running strand must have no effect")
	require.Equal(t, before+1, void.Len())
}

func TestMigrateRespectsAffinity(t *testing.T) {
	s := newTestSched(t, 2)
	st := NewStrand(1, 0, PriorityNormal, 0b01) // CPU 0 only
	require.NoError(t, s.Spawn(st))

	require.False(t, s.Migrate(st, 1), "migrate must fail when target CPU is not in the affinity mask")

	st.AffinityMask = 0b11
	require.True(t, s.Migrate(st, 1))
	next := s.Dispatch(1)
	require.Equal(t, st.ID, next.ID)
}

func TestPriorityInheritanceOnLendAndReturn(t *testing.T) {
	// Scenario 1: strand H at REALTIME lends to strand L at LOW.
	s := newTestSched(t, 1)
	h := NewStrand(1, 0, PriorityRealtime, 1)
	l := NewStrand(2, 0, PriorityLow, 1)

	s.OnIPCLend(h, l)
	require.Equal(t, PriorityRealtime, l.EffectivePriority())

	s.OnIPCReturn(l)
	require.Equal(t, PriorityLow, l.EffectivePriority())
}

func TestBlockUntilWakesOnDeadline(t *testing.T) {
	s := newTestSched(t, 1)
	st := NewStrand(1, 0, PriorityNormal, 1)
	require.NoError(t, s.Spawn(st))
	s.Dispatch(0)

	s.BlockUntil(st, s.Now()+3)
	require.Equal(t, StateBlocked, st.State())

	for i := 0; i < 3; i++ {
		s.Tick(0)
	}
	require.Equal(t, StateReady, st.State())
}

func TestExitTerminatesAndCancelsDeadline(t *testing.T) {
	s := newTestSched(t, 1)
	st := NewStrand(1, 0, PriorityNormal, 1)
	require.NoError(t, s.Spawn(st))
	s.Dispatch(0)
	s.BlockUntil(st, s.Now()+100)

	s.Exit(st)
	require.Equal(t, StateTerminated, st.State())

	// ticking past the deadline must not attempt to wake a terminated strand
	for i := 0; i < 101; i++ {
		s.Tick(0)
	}
	require.Equal(t, StateTerminated, st.State())
}

func TestWriteProfileProducesOutput(t *testing.T) {
	s := newTestSched(t, 1)
	st := NewStrand(1, 0, PriorityNormal, 1)
	require.NoError(t, s.Spawn(st))
	s.Dispatch(0)
	s.Tick(0)

	var buf bytes.Buffer
	require.NoError(t, s.WriteProfile(&buf))
	require.NotEmpty(t, buf.Bytes())
}
