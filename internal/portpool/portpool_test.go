package portpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAnyRoundRobinScenario(t *testing.T) {
	p := New()

	port1, err := p.AllocateAny(UDP)
	require.NoError(t, err)
	assert.EqualValues(t, 49152, port1)

	port2, err := p.AllocateAny(UDP)
	require.NoError(t, err)
	assert.EqualValues(t, 49153, port2)

	require.NoError(t, p.Release(UDP, 49152))

	port3, err := p.AllocateAny(UDP)
	require.NoError(t, err)
	assert.EqualValues(t, 49154, port3, "hint advances, released port is not backfilled")

	require.NoError(t, p.AllocateSpecific(UDP, 49152))
}

func TestTCPAndUDPIndependent(t *testing.T) {
	p := New()
	require.NoError(t, p.AllocateSpecific(TCP, 50000))

	allocated, err := p.Query(UDP, 50000)
	require.NoError(t, err)
	assert.False(t, allocated)

	require.NoError(t, p.AllocateSpecific(UDP, 50000))
}

func TestAllocateSpecificRejectsDuplicate(t *testing.T) {
	p := New()
	require.NoError(t, p.AllocateSpecific(TCP, 50000))
	err := p.AllocateSpecific(TCP, 50000)
	assert.ErrorIs(t, err, ErrAlreadyAllocated)
}

func TestAllocateSpecificOutOfRange(t *testing.T) {
	p := New()
	err := p.AllocateSpecific(TCP, 1024)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestExhaustionThenReleaseReallocates(t *testing.T) {
	p := New()
	for i := 0; i < RangeSize; i++ {
		_, err := p.AllocateAny(TCP)
		require.NoError(t, err)
	}

	_, err := p.AllocateAny(TCP)
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, p.Release(TCP, RangeStart+42))
	got, err := p.Query(TCP, RangeStart+42)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, p.AllocateSpecific(TCP, RangeStart+42))
}

func TestReleaseAllClearsBothProtocols(t *testing.T) {
	p := New()
	require.NoError(t, p.AllocateSpecific(TCP, 50000))
	require.NoError(t, p.AllocateSpecific(UDP, 50000))

	p.ReleaseAll()

	tcpAllocated, err := p.Query(TCP, 50000)
	require.NoError(t, err)
	assert.False(t, tcpAllocated)

	udpAllocated, err := p.Query(UDP, 50000)
	require.NoError(t, err)
	assert.False(t, udpAllocated)
}

func TestReleaseUnallocatedIsNoOp(t *testing.T) {
	p := New()
	err := p.Release(TCP, 50000)
	assert.NoError(t, err)
}
