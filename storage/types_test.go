package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOid_Less(t *testing.T) {
	a := Oid{Inode: 1, Stripe: 5}
	b := Oid{Inode: 1, Stripe: 6}
	c := Oid{Inode: 2, Stripe: 0}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.True(t, b.Less(c))
}

func TestBitmap_SetRange(t *testing.T) {
	b := NewBitmap(4096, 512)
	b.SetRange(600, 100, 512)
	require.False(t, b.IsSet(0))
	require.True(t, b.IsSet(1))
	require.False(t, b.IsSet(2))
}

func TestBitmap_SetRangeSpanningGranules(t *testing.T) {
	b := NewBitmap(4096, 512)
	b.SetRange(0, 1024, 512)
	require.True(t, b.IsSet(0))
	require.True(t, b.IsSet(1))
	require.False(t, b.IsSet(2))
}

func TestBitmap_CloneIsIndependent(t *testing.T) {
	b := NewBitmap(4096, 512)
	b.Set(0)
	c := b.Clone()
	c.Set(1)
	require.False(t, b.IsSet(1))
	require.True(t, c.IsSet(1))
}

func TestBitmap_Or(t *testing.T) {
	a := NewBitmap(4096, 512)
	a.Set(0)
	other := NewBitmap(4096, 512)
	other.Set(1)
	a.Or(other)
	require.True(t, a.IsSet(0))
	require.True(t, a.IsSet(1))
}

func TestDirtyState_AtLeast(t *testing.T) {
	require.True(t, StateSynced.AtLeast(StateWritten))
	require.False(t, StateWritten.AtLeast(StateSynced))
	// Cross-chain states are never ordered against each other.
	require.False(t, StateDelWritten.AtLeast(StateWritten))
	require.False(t, StateWritten.AtLeast(StateDelWritten))
}

func TestDirtyState_IsDelete(t *testing.T) {
	require.False(t, StateWritten.IsDelete())
	require.True(t, StateDelWritten.IsDelete())
}

func TestOp_SetRetval_FirstErrorWins(t *testing.T) {
	op := &Op{}
	op.SetRetval(10)
	require.EqualValues(t, 10, op.Retval())

	op.SetRetval(-5)
	require.EqualValues(t, -5, op.Retval())
	require.True(t, op.HasError())

	// A second error must not override the first.
	op.SetRetval(-9)
	require.EqualValues(t, -5, op.Retval())
}

func TestOp_SetWait(t *testing.T) {
	op := &Op{}
	require.Equal(t, WaitNone, op.Wait())
	op.SetWait(WaitJournal)
	require.Equal(t, WaitJournal, op.Wait())
}
