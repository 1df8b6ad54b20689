package ipc

import (
	"sync"
	"sync/atomic"

	"seraph/internal/sched"
	"seraph/internal/voidreg"
)

// ChanGen is a channel's generation: closing bumps it, invalidating
// every capability derived through it.
type ChanGen uint64

// Channel_t pairs two endpoints (parent/child) under one generation.
// Closing bumps the generation and marks both endpoints dead.
type Channel_t struct {
	ID ChannelID
	Parent *Endpoint_t
	Child *Endpoint_t
	gen atomic.Uint64
	active atomic.Bool
	mu sync.Mutex
	void *voidreg.Registry
	schedr *sched.Scheduler
}

// NewChannel allocates two endpoints sharing a generation and wires
// each one's lend sweep into the scheduler's tick.
func NewChannel(id ChannelID, parentEP, childEP EndpointID, parentOwner, childOwner *sched.Strand_t, void *voidreg.Registry, schedr *sched.Scheduler) *Channel_t {
	c:= &Channel_t{
		ID: id,
		Parent: NewEndpoint(parentEP, parentOwner, void, schedr),
		Child: NewEndpoint(childEP, childOwner, void, schedr),
		void: void,
		schedr: schedr,
	}
	c.gen.Store(1)
	c.active.Store(true)
	if schedr != nil {
		schedr.RegisterLendSweeper(c.Parent)
		schedr.RegisterLendSweeper(c.Child)
	}
	return c
}

// Generation returns the channel's current generation.
func (c *Channel_t) Generation() ChanGen {
	return ChanGen(c.gen.Load())
}

// Active reports whether the channel has not been closed.
func (c *Channel_t) Active() bool {
	return c.active.Load()
}

// Close tears down both endpoints and bumps the generation, so any
// outstanding capability addressing this channel fails its next
// generation check.
func (c *Channel_t) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active.Load() {
		return
	}
	c.active.Store(false)
	c.gen.Add(1)
	c.Parent.markDead()
	c.Child.markDead()
}

// peerOf returns the other endpoint of the pair.
func (c *Channel_t) peerOf(e *Endpoint_t) *Endpoint_t {
	if e == c.Parent {
		return c.Child
	}
	return c.Parent
}

// Transfer is the kernel's single-threaded cooperative sweep: it moves
// every message currently queued on from's send queue into to's
// receive queue, applying per-type capability semantics.
// It is typically invoked once per direction per scheduler tick by the
// kernel, not by application code.
func (c *Channel_t) Transfer(from *Endpoint_t) {
	if !c.Active() {
		return
	}
	to:= c.peerOf(from)

	for {
		msg, ok:= from.sendQ.pop()
		if !ok {
			break
		}
		c.applySemantics(from, to, &msg)
		if !to.recvQ.push(msg) {
			// Receiver's queue is full; the message is lost from the
			// sender's perspective once dequeued here, which the
			// kernel sweep accepts as a documented degrade — senders
			// observe only their own queue's fullness.
			to.statsMu.Lock()
			to.stats.SendFull++
			to.statsMu.Unlock()
			continue
		}
	}
}

func (c *Channel_t) applySemantics(from, to *Endpoint_t, msg *Message_t) {
	switch msg.Type {
	case MsgGrant:
		// sender loses the cap: nothing more to do, the capability
		// travels with the message and the lender's copy is considered
		// gone by convention (the lender is expected not to use it
		// again; SERAPH does not track per-strand cap ownership tables
		// beyond the IPC/DSM/persist subsystems that issue them).
	case MsgLend:
		if from.sched != nil && to.owner != nil && from.owner != nil {
			from.sched.OnIPCLend(from.owner, to.owner)
		}
		i:= from.lends.findActiveByMessageID(msg.MessageID)
		lentGen:= uint64(1)
		if i >= 0 {
			from.lends.mu.Lock()
			from.lends.entries[i].borrowerEP = to.ID
			from.lends.entries[i].borrowerStrand = to.owner
			lentGen = from.lends.entries[i].lentGeneration
			from.lends.mu.Unlock()
		}
		if msg.CapCount > 0 {
			msg.Caps[0] = deriveBorrowed(msg.Caps[0], lentGen)
		}
	case MsgReturn:
		// The lend entry lives on the original lender endpoint — the
		// endpoint a RETURN is addressed to in this Transfer direction
		// — not on the sender of the RETURN itself.
		if ok:= to.lends.returnLend(msg.MessageID, to.sched); !ok {
			c.void.Record(voidreg.ReasonNotFound, msg.VoidID, "lend", itoaMsgID(msg.MessageID), "channel.go", "Transfer", 0, 0, "unmatched RETURN")
			*msg = VoidMessage(voidreg.NoPredecessor)
			msg.Type = MsgVoid
		}
	case MsgCopy, MsgDerive:
		// borrower receives a new capability; lender's is unchanged —
		// the message already carries the (already-derived, for
		// MsgDerive) capability value, nothing further to mutate.
	}
}

