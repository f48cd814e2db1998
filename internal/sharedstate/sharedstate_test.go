package sharedstate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ldntunnel/core/internal/fsm"
)

func TestIsTunneled(t *testing.T) {
	s := New()
	assert.False(t, s.IsTunneled(123))

	s.SetTunneledPid(123)
	assert.True(t, s.IsTunneled(123))
	assert.False(t, s.IsTunneled(456))

	s.SetTunneledPid(0)
	assert.False(t, s.IsTunneled(123))
}

func TestTunneledPid(t *testing.T) {
	s := New()
	_, ok := s.TunneledPid()
	assert.False(t, ok)

	s.SetTunneledPid(42)
	pid, ok := s.TunneledPid()
	assert.True(t, ok)
	assert.Equal(t, 42, pid)
}

func TestLocalCommState(t *testing.T) {
	s := New()
	assert.Equal(t, fsm.None, s.LocalCommState())

	s.SetLocalCommState(fsm.StationConnected)
	assert.Equal(t, fsm.StationConnected, s.LocalCommState())
}

func TestSessionInfo(t *testing.T) {
	s := New()
	info := SessionInfo{NodeCount: 2, MaxNodes: 8, LocalNodeID: 1, IsHost: false}
	s.SetSessionInfo(info)
	assert.Equal(t, info, s.SessionInfo())
}

func TestLastRTT(t *testing.T) {
	s := New()
	assert.EqualValues(t, 0, s.LastRTT())

	s.SetLastRTT(37)
	assert.EqualValues(t, 37, s.LastRTT())
}

func TestReconnectRequest(t *testing.T) {
	s := New()
	assert.False(t, s.TakeReconnectRequest())

	s.RequestReconnect()
	assert.True(t, s.TakeReconnectRequest())
	assert.False(t, s.TakeReconnectRequest(), "flag must clear after being taken")
}
