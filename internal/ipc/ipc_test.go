package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"seraph/internal/capability"
	"seraph/internal/sched"
	"seraph/internal/voidreg"
)

func newHarness(t *testing.T) (*voidreg.Registry, *sched.Scheduler) {
	t.Helper()
	void := voidreg.New(256)
	s := sched.New(void, 1)
	return void, s
}

func TestSendOnFullQueueReturnsFalseNotVoid(t *testing.T) {
	void, s := newHarness(t)
	lender := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	borrower := sched.NewStrand(2, 0, sched.PriorityNormal, 1)
	ch := NewChannel(1, 1, 2, lender, borrower, void, s)

	before := void.Len()
	var lastOK bool
	for i := 0; i < defaultRingCapacity+1; i++ {
		ok, _ := ch.Parent.Send(Message_t{MessageID: MessageID(i), Type: MsgNotification})
		lastOK = ok
	}
	require.False(t, lastOK, "sending past capacity must return false")
	require.Equal(t, before, void.Len(), "a full-queue send must not record a VOID")
}

func TestReceiveEmptyYieldsVoidChannelEmpty(t *testing.T) {
	void, s := newHarness(t)
	lender := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	borrower := sched.NewStrand(2, 0, sched.PriorityNormal, 1)
	ch := NewChannel(1, 1, 2, lender, borrower, void, s)

	msg := ch.Parent.Receive()
	require.Equal(t, MsgVoid, msg.Type)
	rec, ok := void.Lookup(msg.VoidID)
	require.True(t, ok)
	require.Equal(t, voidreg.ReasonChannelEmpty, rec.Reason)
}

func TestReceiveOnClosedChannelYieldsChannelClosed(t *testing.T) {
	void, s := newHarness(t)
	lender := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	borrower := sched.NewStrand(2, 0, sched.PriorityNormal, 1)
	ch := NewChannel(1, 1, 2, lender, borrower, void, s)
	ch.Close()

	msg := ch.Parent.Receive()
	require.Equal(t, MsgVoid, msg.Type)
	rec, ok := void.Lookup(msg.VoidID)
	require.True(t, ok)
	require.Equal(t, voidreg.ReasonChannelClosed, rec.Reason)

	ok2, voidID := ch.Parent.Send(Message_t{Type: MsgNotification})
	require.False(t, ok2)
	rec2, _ := void.Lookup(voidID)
	require.Equal(t, voidreg.ReasonEndpointDead, rec2.Reason)
}

func TestGrantTransfersOwnershipAndCloseInvalidatesCaps(t *testing.T) {
	void, s := newHarness(t)
	lender := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	borrower := sched.NewStrand(2, 0, sched.PriorityNormal, 1)
	ch := NewChannel(1, 1, 2, lender, borrower, void, s)

	cap := capability.Cap_t{Base: 0x1000, Length: 16, Generation: 1, Perms: capability.PermRead}
	msg := Message_t{MessageID: 1, Type: MsgGrant, CapCount: 1}
	msg.Caps[0] = cap
	ok, _ := ch.Parent.Send(msg)
	require.True(t, ok)

	ch.Transfer(ch.Parent)
	got := ch.Child.Receive()
	require.Equal(t, cap, got.Caps[0], "grant must hand over the capability unchanged except for ownership")
}

func TestLendWithPriorityInheritance(t *testing.T) {
	// Scenario 1: strand H at priority level 5 lends to strand L at
	// priority level 2 (sched.Priority5 and sched.Priority2; in sched,
	// PriorityRealtime is level 7 and PriorityLow is level 3).
	void := voidreg.New(256)
	s := sched.New(void, 1)
	h := sched.NewStrand(1, 0, sched.Priority(5), 1)
	l := sched.NewStrand(2, 0, sched.Priority(2), 1)
	ch := NewChannel(1, 1, 2, h, l, void, s)

	cap := capability.Cap_t{Base: 0x2000, Length: 8, Generation: 1, Perms: capability.PermRead}
	lendMsg := Message_t{MessageID: 42, Type: MsgLend, CapCount: 1, LendTimeout: 100, SendChronon: s.Now()}
	lendMsg.Caps[0] = cap
	ok, _ := ch.Parent.Send(lendMsg)
	require.True(t, ok)

	ch.Transfer(ch.Parent)
	require.Equal(t, sched.Priority(5), l.EffectivePriority(), "borrower must inherit lender's effective priority during the lend")

	got := ch.Child.Receive()
	require.Equal(t, MsgLend, got.Type)
	require.False(t, got.Caps[0].Perms.Has(capability.PermRevoke))

	retMsg := Message_t{MessageID: 42, Type: MsgReturn}
	ok, _ = ch.Child.Send(retMsg)
	require.True(t, ok)
	ch.Transfer(ch.Child)

	require.Equal(t, sched.Priority(2), l.EffectivePriority(), "effective priority must be restored after RETURN")
}

func TestUnmatchedReturnYieldsNotFound(t *testing.T) {
	void, s := newHarness(t)
	lender := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	borrower := sched.NewStrand(2, 0, sched.PriorityNormal, 1)
	ch := NewChannel(1, 1, 2, lender, borrower, void, s)

	before := void.Len()
	ok, _ := ch.Child.Send(Message_t{MessageID: 999, Type: MsgReturn})
	require.True(t, ok)
	ch.Transfer(ch.Child)
	require.Greater(t, void.Len(), before)

	got := ch.Parent.Receive()
	require.Equal(t, MsgVoid, got.Type)
}

func TestLendExpiryWakesLendersRights(t *testing.T) {
	// Scenario 6: endpoint lends with timeout=50; at chronon 51 the
	// registry entry transitions to EXPIRED and the borrower's cap
	// fails its next access.
	void := voidreg.New(256)
	s := sched.New(void, 1)
	h := sched.NewStrand(1, 0, sched.PriorityRealtime, 1)
	l := sched.NewStrand(2, 0, sched.PriorityLow, 1)
	ch := NewChannel(1, 1, 2, h, l, void, s)

	cap := capability.Cap_t{Base: 0x3000, Length: 8, Generation: 1, Perms: capability.PermRead}
	lendMsg := Message_t{MessageID: 7, Type: MsgLend, CapCount: 1, LendTimeout: 50, SendChronon: s.Now()}
	lendMsg.Caps[0] = cap
	ch.Parent.Send(lendMsg)
	ch.Transfer(ch.Parent)
	require.Equal(t, sched.PriorityRealtime, l.EffectivePriority())

	got := ch.Child.Receive()
	borrowed := got.Caps[0]
	require.True(t, capability.Check(borrowed, ch.Parent).OK, "the borrowed cap is valid against the loan before expiry")

	for i := 0; i < 51; i++ {
		s.Tick(0)
	}
	require.Equal(t, sched.PriorityLow, l.EffectivePriority(), "expiry must drop the borrower's inherited priority")

	res := capability.Check(borrowed, ch.Parent)
	require.False(t, res.OK, "the borrower's cap must fail its next access once the loan has expired")
	require.Equal(t, voidreg.ReasonGeneration, res.Reason)

	revoked := ch.Parent.RevokeLend(7)
	require.False(t, revoked, "revoke_lend after expiry is a no-op returning false")
}

func TestAwaitResponseLeavesOtherMessagesInOrder(t *testing.T) {
	void, s := newHarness(t)
	lender := sched.NewStrand(1, 0, sched.PriorityNormal, 1)
	borrower := sched.NewStrand(2, 0, sched.PriorityNormal, 1)
	ch := NewChannel(1, 1, 2, lender, borrower, void, s)

	ch.Child.Send(Message_t{MessageID: 1, Type: MsgNotification})
	ch.Child.Send(Message_t{MessageID: 2, Type: MsgResponse, RequestID: 100})
	ch.Child.Send(Message_t{MessageID: 3, Type: MsgNotification})
	ch.Transfer(ch.Child)

	resp, ok := ch.Parent.AwaitResponse(100, 8)
	require.True(t, ok)
	require.Equal(t, MessageID(2), resp.MessageID)

	first := ch.Parent.Receive()
	require.Equal(t, MessageID(1), first.MessageID)
	third := ch.Parent.Receive()
	require.Equal(t, MessageID(3), third.MessageID)
}
