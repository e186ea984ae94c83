package ring

import (
	"testing"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifoOrderAndCapacity(t *testing.T) {
	f := NewFifo[uint64](3)
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, f.Push(i))
	}
	err := f.Push(9)
	assert.ErrorIs(t, err, ErrFifoFull)
	assert.True(t, iox.IsWouldBlock(err))
	assert.Equal(t, f.Cap(), f.Len())

	v, ok := f.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(0), v)

	for i := uint64(0); i < 3; i++ {
		v, ok := f.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok = f.Pop()
	assert.False(t, ok)
}

func TestFifoWrapAndPopBack(t *testing.T) {
	f := NewFifo[int](2)
	require.NoError(t, f.Push(1))
	require.NoError(t, f.Push(2))
	_, _ = f.Pop()
	require.NoError(t, f.Push(3))

	v, ok := f.PopBack()
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 1, f.Len())

	v, ok = f.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = f.PopBack()
	assert.False(t, ok)
}
