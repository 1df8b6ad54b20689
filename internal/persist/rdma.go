package persist

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"seraph/internal/sched"
	"seraph/internal/vclock"
	"seraph/internal/voidreg"
)

// OpType distinguishes the two RDMA-style persistence operations.
type OpType int

const (
	OpReadPersist OpType = iota
	OpWritePersist
)

// OpStatus is the RDMA operation's lifecycle state.
type OpStatus int

const (
	StatusPending OpStatus = iota
	StatusOK
	StatusTimeout
	StatusHWNVMeError
	StatusNetworkError
	StatusGenerationMismatch
	StatusNotFound
	StatusPermissionDenied
	StatusOutOfMemory
	StatusVoid
)

// OpID identifies one in-flight or completed RDMA operation.
type OpID uint64

// RDMAOp is one asynchronous read/write targeting a remote node's
// persistent page.
type RDMAOp struct {
	ID OpID
	DSMAddr uint64
	NVMeLBA uint64
	BlockCount uint32
	RemoteNode vclock.NodeID
	LocalNode vclock.NodeID
	Type OpType
	Status OpStatus
	StartChronon sched.Chronon
	Deadline sched.Chronon
	Buffer []byte
	Generation uint64
	VoidID voidreg.ID
	Completed bool
	Persisted bool
}

// rdmaTable is the bounded in-flight RDMA operation table. A
// semaphore.Weighted (golang.org/x/sync) bounds how many operations
// may be dispatched concurrently, capping fan-out rather than running
// an unbounded goroutine pool.
type rdmaTable struct {
	mu sync.Mutex
	ops map[OpID]*RDMAOp
	nextID OpID
	capacity int
	sem *semaphore.Weighted
}

func newRDMATable(capacity int) *rdmaTable {
	return &rdmaTable{
		ops: make(map[OpID]*RDMAOp),
		capacity: capacity,
		sem: semaphore.NewWeighted(int64(capacity)),
		nextID: 1,
	}
}

// dispatch admits a new operation into the in-flight table, blocking
// (via the semaphore) until a slot is free or ctx is done.
func (t *rdmaTable) dispatch(ctx context.Context, op RDMAOp) (*RDMAOp, error) {
	if err:= t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	t.mu.Lock()
	op.ID = t.nextID
	t.nextID++
	t.ops[op.ID] = &op
	t.mu.Unlock()
	return &op, nil
}

// complete marks op finished and releases its in-flight slot.
func (t *rdmaTable) complete(id OpID, status OpStatus, generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok:= t.ops[id]
	if !ok {
		return
	}
	op.Status = status
	op.Generation = generation
	op.Completed = true
	op.Persisted = status == StatusOK
	t.sem.Release(1)
}

func (t *rdmaTable) get(id OpID) (RDMAOp, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok:= t.ops[id]
	if !ok {
		return RDMAOp{}, false
	}
	return *op, true
}

// drain blocks until every in-flight operation completes or until
// deadline chronons have elapsed on sched's clock, whichever is first.
// CreateSnapshot uses it to drain in-flight ops before freezing its
// copy of the mapping table. It does not hold off new dispatch.
func (t *rdmaTable) drain(s *sched.Scheduler, deadline sched.Chronon) bool {
	start:= s.Now()
	for {
		t.mu.Lock()
		pending:= 0
		for _, op:= range t.ops {
			if !op.Completed {
				pending++
			}
		}
		t.mu.Unlock()
		if pending == 0 {
			return true
		}
		if s.Now()-start >= deadline {
			return false
		}
	}
}

// outstandingCount reports how many operations are not yet completed.
func (t *rdmaTable) outstandingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n:= 0
	for _, op:= range t.ops {
		if !op.Completed {
			n++
		}
	}
	return n
}
