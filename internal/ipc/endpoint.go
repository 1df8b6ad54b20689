package ipc

import (
	"sync"
	"sync/atomic"

	"seraph/internal/capability"
	"seraph/internal/sched"
	"seraph/internal/voidreg"
)

const defaultRingCapacity = 64

// Stats_t is a snapshot of an endpoint's traffic counters.
type Stats_t struct {
	Sent uint64
	Received uint64
	SendFull uint64
	RecvEmpty uint64
	InvalidationsSeen uint64
}

// Endpoint_t is one half of an IPC channel: two bounded SPSC message
// rings, a lend registry, traffic counters, and a connected flag.
type Endpoint_t struct {
	ID EndpointID
	owner *sched.Strand_t

	sendQ *ring
	recvQ *ring
	lends lendRegistry

	connected atomic.Bool

	statsMu sync.Mutex
	stats Stats_t

	void *voidreg.Registry
	sched *sched.Scheduler
}

// NewEndpoint constructs a connected endpoint owned by owner.
func NewEndpoint(id EndpointID, owner *sched.Strand_t, void *voidreg.Registry, schedr *sched.Scheduler) *Endpoint_t {
	e:= &Endpoint_t{
		ID: id,
		owner: owner,
		sendQ: newRing(defaultRingCapacity),
		recvQ: newRing(defaultRingCapacity),
		void: void,
		sched: schedr,
	}
	e.connected.Store(true)
	return e
}

// Stats returns a snapshot of the endpoint's counters.
func (e *Endpoint_t) Stats() Stats_t {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Dead reports whether the endpoint has been torn down.
func (e *Endpoint_t) Dead() bool {
	return !e.connected.Load()
}

func (e *Endpoint_t) markDead() {
	e.connected.Store(false)
}

func (e *Endpoint_t) recordVoid(reason voidreg.Reason, msg string) voidreg.ID {
	now:= int64(0)
	if e.sched != nil {
		now = int64(e.sched.Now())
	}
	return e.void.Record(reason, voidreg.NoPredecessor, "endpoint", itoaUint(uint64(e.ID)), "endpoint.go", "", 0, now, msg)
}

// Send enqueues msg on this endpoint's send queue. If the queue is full
// it returns false with a zero VOID id and counts the attempt in
// Stats().SendFull (not VOID: a full queue rejects the send without
// dropping the message and records nothing), and it records and returns
// a VOID of ENDPOINT_DEAD if the endpoint has been torn down. A LEND message creates its lend-registry entry atomically with
// the enqueue: the registry never records a lend whose message failed
// to queue, and vice versa.
func (e *Endpoint_t) Send(msg Message_t) (bool, voidreg.ID) {
	if e.Dead() {
		return false, e.recordVoid(voidreg.ReasonEndpointDead, "send on torn-down endpoint")
	}

	if msg.Type == MsgLend {
		entry:= lendEntry{
			originalCap: msg.Caps[0],
			messageID: msg.MessageID,
			startChronon: msg.SendChronon,
			lenderStrand: e.owner,
			voidID: msg.VoidID,
			lentGeneration: 1,
		}
		if msg.LendTimeout != 0 {
			entry.expiryChronon = msg.SendChronon + msg.LendTimeout
		}
		if !e.sendQ.push(msg) {
			e.statsMu.Lock()
			e.stats.SendFull++
			e.statsMu.Unlock()
			return false, voidreg.NoPredecessor
		}
		if !e.lends.allocate(entry) {
			// registry exhausted: roll back the enqueue so there is no
			// observable state where the message is queued but
			// untracked.
			e.sendQ.removeAt(e.sendQ_lastIndexHack())
			return false, e.recordVoid(voidreg.ReasonAllocFail, "lend registry exhausted")
		}
		e.statsMu.Lock()
		e.stats.Sent++
		e.statsMu.Unlock()
		return true, voidreg.NoPredecessor
	}

	if !e.sendQ.push(msg) {
		e.statsMu.Lock()
		e.stats.SendFull++
		e.statsMu.Unlock()
		return false, voidreg.NoPredecessor
	}
	e.statsMu.Lock()
	e.stats.Sent++
	e.statsMu.Unlock()
	return true, voidreg.NoPredecessor
}

// sendQ_lastIndexHack locates the index of the message just pushed,
// for the narrow lend-registry-exhausted rollback path. The ring only
// exposes head/tail as monotonic counters, so "last pushed" is always
// at offset len-1 from the tail at this point since Send is the
// endpoint's sole producer.
func (e *Endpoint_t) sendQ_lastIndexHack() int {
	return int(e.sendQ.head.Load() - e.sendQ.tail.Load() - 1)
}

// Receive dequeues the head of the receive queue. An empty non-closed
// endpoint returns a VOID message of CHANNEL_EMPTY; a closed endpoint
// returns CHANNEL_CLOSED.
func (e *Endpoint_t) Receive() Message_t {
	if e.Dead() {
		id:= e.recordVoid(voidreg.ReasonChannelClosed, "receive on closed endpoint")
		return VoidMessage(id)
	}
	msg, ok:= e.recvQ.pop()
	if !ok {
		e.statsMu.Lock()
		e.stats.RecvEmpty++
		e.statsMu.Unlock()
		id:= e.recordVoid(voidreg.ReasonChannelEmpty, "receive on empty queue")
		return VoidMessage(id)
	}
	e.statsMu.Lock()
	e.stats.Received++
	e.statsMu.Unlock()
	return msg
}

// AwaitResponse scans up to maxScan messages in the receive queue for
// a RESPONSE matching requestID. Non-matching messages remain in
// order.
func (e *Endpoint_t) AwaitResponse(requestID MessageID, maxScan int) (Message_t, bool) {
	for i:= 0; i < maxScan; i++ {
		msg, ok:= e.recvQ.peekAt(i)
		if !ok {
			break
		}
		if msg.Type == MsgResponse && msg.RequestID == requestID {
			got, _:= e.recvQ.removeAt(i)
			e.statsMu.Lock()
			e.stats.Received++
			e.statsMu.Unlock()
			return got, true
		}
	}
	return Message_t{}, false
}

// ProcessLends implements sched.LendSweeper.
func (e *Endpoint_t) ProcessLends(now sched.Chronon) {
	e.lends.processLends(now, e.void, e.sched)
}

// RevokeLend forces the still-ACTIVE lend for messageID to REVOKED
// immediately; it returns false once the lend has expired, been
// returned, or already been revoked.
func (e *Endpoint_t) RevokeLend(messageID MessageID) bool {
	return e.lends.revoke(messageID, e.sched)
}

// CurrentGeneration implements capability.GenerationSource over this
// endpoint's outstanding loans, so a borrowed capability can be
// checked against the lend itself rather than the real object's own
// generation source.
func (e *Endpoint_t) CurrentGeneration(base uint64) (uint64, bool) {
	return e.lends.CurrentGeneration(base)
}

// Revoke implements capability.Revocable over this endpoint's
// outstanding loans.
func (e *Endpoint_t) Revoke(base uint64) (uint64, bool) {
	return e.lends.Revoke(base)
}

// deriveBorrowed builds the derived capability a LEND's borrower
// receives: same bounds as the original, permissions stripped of
// REVOKE (a borrower never gets to revoke the lender's object), but
// stamped with the lend registry's own lentGeneration rather than the
// original object's true generation. That makes the borrowed
// capability's validity a function of the loan's lifecycle: expiry or
// forced revocation bumps lentGeneration and strands the borrowed cap
// with a GENERATION failure on its next Check/Access against the
// lending endpoint, independent of whether the real object ever
// changed generation. This is the kernel's own privileged narrowing
// performed during Transfer, distinct from the user-level Derive() API
// that additionally requires the DERIVE bit in the parent.
func deriveBorrowed(original capability.Cap_t, lentGeneration uint64) capability.Cap_t {
	return capability.Cap_t{
		Base: original.Base,
		Length: original.Length,
		Generation: lentGeneration,
		Perms: original.Perms &^ capability.PermRevoke,
	}
}
