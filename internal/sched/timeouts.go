package sched

import (
	"container/heap"
	"sync"
)

// TimeoutHint is passed to a strand's wake when it was unblocked by
// deadline expiry rather than an explicit Wake call.
const TimeoutHint = "TIMEOUT"

type deadlineEntry struct {
	deadline Chronon
	strand *Strand_t
	index int
}

// deadlineHeap is a min-heap keyed by deadline backing BlockUntil
//.
type deadlineHeap struct {
	mu sync.Mutex
	entries []*deadlineEntry
	byID map[StrandID]*deadlineEntry
}

func newDeadlineHeap() *deadlineHeap {
	return &deadlineHeap{byID: make(map[StrandID]*deadlineEntry)}
}

func (h *deadlineHeap) Len() int { return len(h.entries) }
func (h *deadlineHeap) Less(i, j int) bool { return h.entries[i].deadline < h.entries[j].deadline }
func (h *deadlineHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	e:= x.(*deadlineEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}
func (h *deadlineHeap) Pop() any {
	n:= len(h.entries)
	e:= h.entries[n-1]
	h.entries[n-1] = nil
	h.entries = h.entries[:n-1]
	return e
}

// BlockUntil blocks strand and registers a deadline. If the deadline
// is reached before an explicit Wake, the tick loop wakes the strand
// itself with a TIMEOUT hint (callers distinguish the two by checking
// whether their own condition was satisfied upon waking).
func (s *Scheduler) BlockUntil(strand *Strand_t, deadline Chronon) {
	s.Block(strand)

	e:= &deadlineEntry{deadline: deadline, strand: strand}
	s.deadlines.mu.Lock()
	heap.Push(s.deadlines, e)
	s.deadlines.byID[strand.ID] = e
	s.deadlines.mu.Unlock()
}

// cancelDeadline removes any pending deadline for id, used when a
// strand terminates while blocked.
func (s *Scheduler) cancelDeadline(id StrandID) {
	s.deadlines.mu.Lock()
	defer s.deadlines.mu.Unlock()
	e, ok:= s.deadlines.byID[id]
	if !ok {
		return
	}
	heap.Remove(s.deadlines, e.index)
	delete(s.deadlines.byID, id)
}

// wakeExpiredDeadlines pops and wakes every entry whose deadline has
// passed. Called from Tick with the scheduler's new chronon.
func (s *Scheduler) wakeExpiredDeadlines(now Chronon) {
	var expired []*Strand_t
	s.deadlines.mu.Lock()
	for s.deadlines.Len() > 0 && s.deadlines.entries[0].deadline <= now {
		e:= heap.Pop(s.deadlines).(*deadlineEntry)
		delete(s.deadlines.byID, e.strand.ID)
		expired = append(expired, e.strand)
	}
	s.deadlines.mu.Unlock()

	for _, st:= range expired {
		if st.State() == StateBlocked {
			s.Wake(st)
		}
	}
}
