package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferWithinCapacity(t *testing.T) {
	b := New(16)
	_, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(b.Snapshot()))
	require.Equal(t, 5, b.Len())
}

func TestBufferOverwritesOldest(t *testing.T) {
	b := New(4)
	_, _ = b.Write([]byte("abcd"))
	_, _ = b.Write([]byte("ef"))
	require.Equal(t, "cdef", string(b.Snapshot()))
	require.Equal(t, 4, b.Len())
}

func TestBufferLargerThanCapacityKeepsTail(t *testing.T) {
	b := New(4)
	_, _ = b.Write([]byte("0123456789"))
	require.Equal(t, "6789", string(b.Snapshot()))
}

func TestBufferNeverExceedsCapacity(t *testing.T) {
	b := New(8)
	for i := 0; i < 1000; i++ {
		_, _ = b.Write([]byte{byte(i)})
		require.LessOrEqual(t, b.Len(), 8)
	}
}

func TestBufferTotalWrittenSurvivesOverwrite(t *testing.T) {
	b := New(4)
	_, _ = b.Write([]byte("abcdefgh"))
	require.EqualValues(t, 8, b.TotalWritten())
	require.Equal(t, 4, b.Len())
}
