// Package sharedstate holds the process-wide snapshot every other
// component reads or updates without a pointer into its owner: whether a
// game is currently tunneled and by which pid, the local-comm session's
// last known state and info, the relay's last observed RTT, and a
// reconnect-requested flag the control channel can raise (spec §9).
//
// Lock order (spec §5): shared-state < state-machine < node-mapper <
// socket-registry. Code holding this package's lock must not call into
// any of those three while holding it.
package sharedstate

import (
	"sync"

	"github.com/ldntunnel/core/internal/fsm"
)

// SessionInfo mirrors the control channel's session-info query payload
// (spec §6): how many nodes are in the session, the session's node
// capacity, this process's own node id, and whether it is hosting.
type SessionInfo struct {
	NodeCount   uint8
	MaxNodes    uint8
	LocalNodeID uint8
	IsHost      bool
}

// State is the process-wide shared snapshot. The zero value is ready to
// use with no game tunneled and no session established.
type State struct {
	mu sync.RWMutex

	tunneledPid     int
	tunneled        bool
	localCommState  fsm.LocalCommState
	session         SessionInfo
	lastRTT         int64 // milliseconds
	reconnectWanted bool
}

// New returns an empty State.
func New() *State {
	return &State{}
}

// IsTunneled reports whether pid is the currently tunneled process,
// satisfying bsd.TunnelQuery so the interceptor can check this without
// holding a pointer into the local-comm service.
func (s *State) IsTunneled(pid int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tunneled && s.tunneledPid == pid
}

// SetTunneledPid marks pid as the tunneled process. A zero pid clears
// the tunneled flag.
func (s *State) SetTunneledPid(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunneledPid = pid
	s.tunneled = pid != 0
}

// TunneledPid returns the current tunneled pid and whether one is set.
func (s *State) TunneledPid() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tunneledPid, s.tunneled
}

// SetLocalCommState records the local-comm session's current state, for
// the control channel's read-only state query.
func (s *State) SetLocalCommState(st fsm.LocalCommState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localCommState = st
}

// LocalCommState returns the last recorded local-comm state.
func (s *State) LocalCommState() fsm.LocalCommState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localCommState
}

// SetSessionInfo records the session snapshot exposed by the control
// channel's session-info query.
func (s *State) SetSessionInfo(info SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = info
}

// SessionInfo returns the last recorded session snapshot.
func (s *State) SessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// SetLastRTT records the relay client's most recent ping round-trip
// time in milliseconds.
func (s *State) SetLastRTT(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRTT = ms
}

// LastRTT returns the last recorded RTT in milliseconds.
func (s *State) LastRTT() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRTT
}

// RequestReconnect raises the reconnect-requested flag, set by the
// control channel's force-reconnect mutator and cleared once the relay
// client observes and acts on it.
func (s *State) RequestReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectWanted = true
}

// TakeReconnectRequest reports whether a reconnect was requested and
// clears the flag atomically, so exactly one caller observes each
// request.
func (s *State) TakeReconnectRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := s.reconnectWanted
	s.reconnectWanted = false
	return wanted
}
