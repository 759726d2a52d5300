package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBlockIsFree(t *testing.T) {
	b := New(0)
	require.Equal(t, Free, b.State())
	require.Equal(t, 0, b.Len())
}

func TestWriteTransitionsToValid(t *testing.T) {
	b := New(1)
	require.NoError(t, b.Write(Record{TokenID: 42, Value: 1.5}))
	require.Equal(t, Valid, b.State())

	rec, ok := b.Lookup(42)
	require.True(t, ok)
	require.Equal(t, float32(1.5), rec.Value)
}

func TestWriteIsIdempotentPerToken(t *testing.T) {
	b := New(1)
	require.NoError(t, b.Write(Record{TokenID: 1, Value: 1.0}))
	require.NoError(t, b.Write(Record{TokenID: 1, Value: 2.0}))

	require.Equal(t, 1, b.Len())
	rec, ok := b.Lookup(1)
	require.True(t, ok)
	require.Equal(t, float32(2.0), rec.Value)
}

func TestInvalidateThenEraseCycle(t *testing.T) {
	b := New(1)
	require.NoError(t, b.Write(Record{TokenID: 7}))
	b.Invalidate()
	require.Equal(t, Invalidated, b.State())

	// Invalidated blocks reject further writes until erased.
	err := b.Write(Record{TokenID: 8})
	require.Error(t, err)

	b.Erase()
	require.Equal(t, Free, b.State())
	require.Equal(t, 0, b.Len())
	require.False(t, b.Contains(7))

	// Free again, accepts writes.
	require.NoError(t, b.Write(Record{TokenID: 9}))
	require.Equal(t, Valid, b.State())
}

func TestUnmapClearsDataNotState(t *testing.T) {
	b := New(1)
	require.NoError(t, b.Write(Record{TokenID: 3}))
	b.Unmap(3)
	require.False(t, b.Contains(3))
	require.Equal(t, Valid, b.State())
}
