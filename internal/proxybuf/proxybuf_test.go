package proxybuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopFIFOOrder(t *testing.T) {
	r := New()
	require.NoError(t, r.Push(Frame{SrcPort: 1}))
	require.NoError(t, r.Push(Frame{SrcPort: 2}))

	f1, ok := r.Pop()
	require.True(t, ok)
	assert.EqualValues(t, 1, f1.SrcPort)

	f2, ok := r.Pop()
	require.True(t, ok)
	assert.EqualValues(t, 2, f2.SrcPort)
}

func TestPopEmptyReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestOverflowDropsNew(t *testing.T) {
	r := New()
	for i := 0; i < MaxQueuedPackets; i++ {
		require.NoError(t, r.Push(Frame{SrcPort: uint16(i)}))
	}

	err := r.Push(Frame{SrcPort: 9999})
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, MaxQueuedPackets, r.Len())

	first, ok := r.Pop()
	require.True(t, ok)
	assert.EqualValues(t, 0, first.SrcPort)
}

func TestPayloadTooLargeRejected(t *testing.T) {
	r := New()
	err := r.Push(Frame{Payload: make([]byte, MaxPayloadSize+1)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 0, r.Len())
}

func TestRingWrapsAfterManyPushPopCycles(t *testing.T) {
	r := New()
	for cycle := 0; cycle < MaxQueuedPackets*3; cycle++ {
		require.NoError(t, r.Push(Frame{SrcPort: uint16(cycle)}))
		f, ok := r.Pop()
		require.True(t, ok)
		assert.EqualValues(t, cycle, f.SrcPort)
	}
	assert.Equal(t, 0, r.Len())
}
