package vclock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncrementBumpsOwnEntry(t *testing.T) {
	c := New()
	require.Equal(t, uint64(1), c.Increment(1))
	require.Equal(t, uint64(2), c.Increment(1))
	require.Equal(t, uint64(0), c.Get(2))
}

func TestMergeTakesPointwiseMax(t *testing.T) {
	a := New()
	a.Increment(1)
	a.Increment(1)
	b := New()
	b.Increment(1)
	b.Increment(2)
	b.Increment(2)

	a.Merge(b)
	require.Equal(t, uint64(2), a.Get(1))
	require.Equal(t, uint64(2), a.Get(2))
}

func TestCompareBeforeAfterEqual(t *testing.T) {
	a := New()
	a.Increment(1)
	b := a.Clone()
	require.Equal(t, OrderEqual, Compare(a, b))

	b.Increment(1)
	require.Equal(t, OrderBefore, Compare(a, b))
	require.Equal(t, OrderAfter, Compare(b, a))
}

func TestCompareConcurrentWithoutInterveningMessage(t *testing.T) {
	// Scenario 5: nodes A and B each write a distinct page without any
	// intervening message.
	a := New()
	a.Increment(1) // node A's write to page pa

	b := New()
	b.Increment(2) // node B's write to page pb

	require.Equal(t, OrderConcurrent, Compare(a, b))
}

func TestCompareNilInputsAreVoid(t *testing.T) {
	require.Equal(t, OrderVoid, Compare(nil, New()))
	require.Equal(t, OrderVoid, Compare(New(), nil))
}
