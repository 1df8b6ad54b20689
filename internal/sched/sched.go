package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"seraph/internal/voidreg"
)

// LendSweeper is implemented by the IPC layer so the scheduler's tick
// can drive periodic lend-timeout sweeps without sched importing ipc
//.
type LendSweeper interface {
	ProcessLends(now Chronon)
}

// PressureSignal is implemented by the DSM cache so the scheduler's
// tick can drive periodic eviction-pressure checks the same way.
type PressureSignal interface {
	TickPressure(now Chronon)
}

// Predictor is the optional galactic/predictive scheduling hook.
// The default predictor never boosts or demotes and always
// reports unavailable, so core correctness never depends on it.
type Predictor interface {
	Predict(s *Strand_t) GalacticStats
}

type noopPredictor struct{}

func (noopPredictor) Predict(*Strand_t) GalacticStats {
	return GalacticStats{Available: false}
}

// runQueue holds one priority level's round-robin ready list for one CPU.
type runQueue struct {
	strands []*Strand_t
}

func (q *runQueue) pushBack(s *Strand_t) {
	q.strands = append(q.strands, s)
}

func (q *runQueue) popFront() *Strand_t {
	if len(q.strands) == 0 {
		return nil
	}
	s:= q.strands[0]
	q.strands = q.strands[1:]
	return s
}

func (q *runQueue) remove(id StrandID) bool {
	for i, s:= range q.strands {
		if s.ID == id {
			q.strands = append(q.strands[:i], q.strands[i+1:]...)
			return true
		}
	}
	return false
}

// cpu is one core's independent run-queue set and currently running strand.
type cpu struct {
	mu sync.Mutex
	levels [numPriorities]runQueue
	current *Strand_t
}

// highestNonEmpty returns the highest populated priority level, or -1.
func (c *cpu) highestNonEmpty() int {
	for p:= numPriorities - 1; p >= 0; p-- {
		if len(c.levels[p].strands) > 0 {
			return p
		}
	}
	return -1
}

// Scheduler drives SERAPH's strands across a fixed set of simulated
// CPUs. Each CPU has its own run queues and ticks independently.
// Dispatch takes only the local CPU's run-queue lock; Tick also takes
// the scheduler-wide deadline and sweeper locks, and a deadline wake
// takes the woken strand's home-CPU lock, which may be another CPU's.
type Scheduler struct {
	void *voidreg.Registry

	cpus []*cpu
	strandsMu sync.RWMutex
	strands map[StrandID]*Strand_t
	homeCPU map[StrandID]int

	clock atomic.Int64

	deadlines *deadlineHeap

	sweepersMu sync.Mutex
	sweepers []LendSweeper
	pressures []PressureSignal

	predictor Predictor
}

// New constructs a Scheduler with numCPUs independent cores.
func New(void *voidreg.Registry, numCPUs int) *Scheduler {
	if numCPUs <= 0 {
		panic("sched: numCPUs must be positive")
	}
	s:= &Scheduler{
		void: void,
		strands: make(map[StrandID]*Strand_t),
		homeCPU: make(map[StrandID]int),
		deadlines: newDeadlineHeap(),
		predictor: noopPredictor{},
	}
	for i:= 0; i < numCPUs; i++ {
		s.cpus = append(s.cpus, &cpu{})
	}
	return s
}

// SetPredictor installs a non-default galactic/predictive scheduling
// hook. Passing nil restores the no-op predictor.
func (s *Scheduler) SetPredictor(p Predictor) {
	if p == nil {
		p = noopPredictor{}
	}
	s.predictor = p
}

// RegisterLendSweeper adds a callback invoked on every tick so
// lend-timeout expiry is driven by the scheduler's clock authority.
func (s *Scheduler) RegisterLendSweeper(ls LendSweeper) {
	s.sweepersMu.Lock()
	s.sweepers = append(s.sweepers, ls)
	s.sweepersMu.Unlock()
}

// RegisterPressureSignal adds a callback invoked on every tick so
// cache-eviction pressure is driven by the scheduler's clock authority.
func (s *Scheduler) RegisterPressureSignal(ps PressureSignal) {
	s.sweepersMu.Lock()
	s.pressures = append(s.pressures, ps)
	s.sweepersMu.Unlock()
}

// Now returns the current chronon without advancing it.
func (s *Scheduler) Now() Chronon {
	return Chronon(s.clock.Load())
}

func (s *Scheduler) recordVoid(reason voidreg.Reason, entity, msg string) voidreg.ID {
	return s.void.Record(reason, voidreg.NoPredecessor, entity, "", "sched.go", "", 0, int64(s.Now()), msg)
}

// homeFor picks the lowest CPU index permitted by mask.
func homeFor(mask uint64, numCPUs int) (int, bool) {
	for i:= 0; i < numCPUs; i++ {
		if mask&(1<<uint(i)) != 0 {
			return i, true
		}
	}
	return 0, false
}

// Spawn registers a new strand and places it READY on a CPU permitted
// by its affinity mask.
func (s *Scheduler) Spawn(strand *Strand_t) error {
	cpuIdx, ok:= homeFor(strand.AffinityMask, len(s.cpus))
	if !ok {
		return fmt.Errorf("sched: affinity mask %#x permits no configured CPU", strand.AffinityMask)
	}
	s.strandsMu.Lock()
	s.strands[strand.ID] = strand
	s.homeCPU[strand.ID] = cpuIdx
	s.strandsMu.Unlock()

	c:= s.cpus[cpuIdx]
	c.mu.Lock()
	c.levels[strand.BasePriority].pushBack(strand)
	c.mu.Unlock()
	return nil
}

// Strand looks up a strand by ID.
func (s *Scheduler) Strand(id StrandID) (*Strand_t, bool) {
	s.strandsMu.RLock()
	defer s.strandsMu.RUnlock()
	st, ok:= s.strands[id]
	return st, ok
}

// Dispatch selects the next strand to run on the given CPU: the
// highest-priority non-empty queue, round-robin within a level.
func (s *Scheduler) Dispatch(cpuIdx int) *Strand_t {
	c:= s.cpus[cpuIdx]
	c.mu.Lock()
	defer c.mu.Unlock()

	lvl:= c.highestNonEmpty()
	if lvl < 0 {
		c.current = nil
		return nil
	}
	next:= c.levels[lvl].popFront()
	next.setState(StateRunning)
	next.mu.Lock()
	next.timeSliceRemaining = quantum(next.effectivePriority)
	next.mu.Unlock()
	c.current = next
	return next
}

// Tick is called from the timer interrupt for cpuIdx. It decrements
// the running strand's quantum, requeues it on expiry, and drives the
// periodic lend-timeout and cache-pressure sweeps. Besides cpuIdx's
// local lock it takes the deadline-heap and sweeper locks, and waking a
// strand whose deadline expired takes that strand's home-CPU lock.
func (s *Scheduler) Tick(cpuIdx int) {
	now:= Chronon(s.clock.Add(1))

	c:= s.cpus[cpuIdx]
	c.mu.Lock()
	cur:= c.current
	if cur != nil {
		cur.consumedTicks.Add(1)
		cur.mu.Lock()
		cur.timeSliceRemaining--
		expired:= cur.timeSliceRemaining <= 0
		cur.mu.Unlock()
		if expired {
			cur.setState(StateReady)
			c.levels[cur.EffectivePriority()].pushBack(cur)
			c.current = nil
		}
	}
	c.mu.Unlock()

	s.wakeExpiredDeadlines(now)

	s.sweepersMu.Lock()
	sweepers:= append([]LendSweeper(nil), s.sweepers...)
	pressures:= append([]PressureSignal(nil), s.pressures...)
	s.sweepersMu.Unlock()
	for _, sw:= range sweepers {
		sw.ProcessLends(now)
	}
	for _, ps:= range pressures {
		ps.TickPressure(now)
	}
}

// Yield voluntarily returns the running strand on cpuIdx to READY.
func (s *Scheduler) Yield(cpuIdx int) {
	c:= s.cpus[cpuIdx]
	c.mu.Lock()
	cur:= c.current
	if cur == nil {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	cur.setState(StateReady)
	c.mu.Lock()
	c.levels[cur.EffectivePriority()].pushBack(cur)
	c.mu.Unlock()
}

// Block transitions a RUNNING strand to BLOCKED. Blocking a strand
// that is not RUNNING is a programmer error: it is recorded as a VOID
// and has no effect.
func (s *Scheduler) Block(strand *Strand_t) {
	strand.mu.Lock()
	if strand.state != StateRunning {
		strand.mu.Unlock()
		s.recordVoid(voidreg.ReasonInvalidArg, fmt.Sprintf("strand-%d", strand.ID), "block() on non-running strand")
		return
	}
	strand.state = StateBlocked
	strand.mu.Unlock()

	s.strandsMu.RLock()
	cpuIdx:= s.homeCPU[strand.ID]
	s.strandsMu.RUnlock()
	c:= s.cpus[cpuIdx]
	c.mu.Lock()
	if c.current == strand {
		c.current = nil
	}
	c.mu.Unlock()
}

// Wake transitions a BLOCKED strand to READY and re-enqueues it on its
// home CPU. Waking a strand that is not BLOCKED is a programmer error:
// it is recorded as a VOID and has no effect.
func (s *Scheduler) Wake(strand *Strand_t) {
	strand.mu.Lock()
	if strand.state != StateBlocked {
		strand.mu.Unlock()
		s.recordVoid(voidreg.ReasonInvalidArg, fmt.Sprintf("strand-%d", strand.ID), "wake() on non-blocked strand")
		return
	}
	strand.state = StateReady
	strand.mu.Unlock()

	s.strandsMu.RLock()
	cpuIdx:= s.homeCPU[strand.ID]
	s.strandsMu.RUnlock()
	c:= s.cpus[cpuIdx]
	c.mu.Lock()
	c.levels[strand.EffectivePriority()].pushBack(strand)
	c.mu.Unlock()
}

// Exit transitions a strand through EXITING to TERMINATED.
func (s *Scheduler) Exit(strand *Strand_t) {
	strand.setState(StateExiting)

	s.strandsMu.RLock()
	cpuIdx:= s.homeCPU[strand.ID]
	s.strandsMu.RUnlock()
	c:= s.cpus[cpuIdx]
	c.mu.Lock()
	if c.current == strand {
		c.current = nil
	} else {
		c.levels[strand.EffectivePriority()].remove(strand.ID)
	}
	c.mu.Unlock()

	strand.setState(StateTerminated)
	s.cancelDeadline(strand.ID)
}

// Migrate moves strand to cpuIdx. It succeeds iff the target CPU bit
// is set in the strand's affinity mask and the strand is READY or
// RUNNING.
func (s *Scheduler) Migrate(strand *Strand_t, cpuIdx int) bool {
	if cpuIdx < 0 || cpuIdx >= len(s.cpus) {
		return false
	}
	if strand.AffinityMask&(1<<uint(cpuIdx)) == 0 {
		return false
	}
	st:= strand.State()
	if st != StateReady && st != StateRunning {
		return false
	}

	s.strandsMu.Lock()
	srcIdx:= s.homeCPU[strand.ID]
	s.homeCPU[strand.ID] = cpuIdx
	s.strandsMu.Unlock()

	if srcIdx == cpuIdx {
		return true
	}

	src:= s.cpus[srcIdx]
	src.mu.Lock()
	if src.current == strand {
		src.current = nil
	} else {
		src.levels[strand.EffectivePriority()].remove(strand.ID)
	}
	src.mu.Unlock()

	dst:= s.cpus[cpuIdx]
	dst.mu.Lock()
	if st == StateReady {
		dst.levels[strand.EffectivePriority()].pushBack(strand)
	} else {
		dst.current = strand
	}
	dst.mu.Unlock()
	return true
}

// OnIPCLend implements priority inheritance: the borrower's effective
// priority is raised to max(borrower.effective, lender.effective) for
// the duration of the lend.
func (s *Scheduler) OnIPCLend(lender, borrower *Strand_t) {
	borrower.boostTo(lender.EffectivePriority())
}

// OnIPCReturn restores the priority inherited via the matching
// OnIPCLend call.
func (s *Scheduler) OnIPCReturn(borrower *Strand_t) {
	borrower.unboost()
}

// NumCPUs reports the number of configured cores.
func (s *Scheduler) NumCPUs() int {
	return len(s.cpus)
}
