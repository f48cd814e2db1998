package fsm

// ConnState is the relay client's connection state (spec §3 Connection
// state).
type ConnState uint8

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Handshaking
	Ready
	Backoff
	Retrying
	Disconnecting
	ErrorState
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Handshaking:
		return "Handshaking"
	case Ready:
		return "Ready"
	case Backoff:
		return "Backoff"
	case Retrying:
		return "Retrying"
	case Disconnecting:
		return "Disconnecting"
	case ErrorState:
		return "Error"
	default:
		return "Unknown"
	}
}

// ConnEvent drives the connection state machine.
type ConnEvent uint8

const (
	EvDial ConnEvent = iota
	EvTCPConnected
	EvTCPFailed
	EvHandshakeSent
	EvHandshakeAck
	EvHandshakeTimeout
	EvPingTimeout
	EvWriteFailed
	EvPeerReset
	EvBackoffElapsed
	EvMaxRetriesReached
	EvFinalize
)

// NewConnStateMachine builds the connection state machine described in
// spec §3/§4.4: Disconnected -> Connecting -> Connected -> Handshaking ->
// Ready, with Backoff/Retrying forming the failure-recovery loop.
// Disconnecting is reached via EvFinalize from every state between
// Connecting and Retrying; Error is reached only from Retrying via
// EvMaxRetriesReached. Both accept EvDial to start over.
func NewConnStateMachine() *Machine[ConnState, ConnEvent] {
	table := map[ConnState]map[ConnEvent]ConnState{
		Disconnected: {
			EvDial: Connecting,
		},
		Connecting: {
			EvTCPConnected: Connected,
			EvTCPFailed:    Backoff,
			EvFinalize:     Disconnecting,
		},
		Connected: {
			EvHandshakeSent: Handshaking,
			EvWriteFailed:   Backoff,
			EvFinalize:      Disconnecting,
		},
		Handshaking: {
			EvHandshakeAck:     Ready,
			EvHandshakeTimeout: Backoff,
			EvPeerReset:        Backoff,
			EvFinalize:         Disconnecting,
		},
		Ready: {
			EvPingTimeout: Backoff,
			EvWriteFailed: Backoff,
			EvPeerReset:   Backoff,
			EvFinalize:    Disconnecting,
		},
		Backoff: {
			EvBackoffElapsed: Retrying,
			EvFinalize:       Disconnecting,
		},
		Retrying: {
			EvDial:              Connecting,
			EvMaxRetriesReached: ErrorState,
			EvFinalize:          Disconnecting,
		},
		Disconnecting: {
			EvDial: Connecting,
		},
		ErrorState: {
			EvDial: Connecting,
		},
	}
	return New(Disconnected, table)
}
