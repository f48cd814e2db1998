// Package vsock implements the virtual socket object and its registry:
// per-fd state, bounded receive queue, and the fd-to-socket routing the
// BSD interceptor consults for every intercepted call (spec §4.10, §4.11).
package vsock

import (
	"errors"
	"net/netip"
	"sync"
)

// SockType distinguishes stream (TCP-like) from datagram (UDP-like) sockets.
type SockType uint8

const (
	Stream SockType = iota
	Datagram
)

// Protocol is the socket's transport tag, used for matching frames to
// sockets; the registry maps it onto portpool.Protocol for port allocation.
type Protocol uint8

const (
	ProtoTCP Protocol = iota
	ProtoUDP
)

// State is a virtual socket's lifecycle state (spec §3).
type State uint8

const (
	Created State = iota
	Bound
	Connected
	Listening
	Closed
)

const (
	// MaxRecvQueue bounds the number of buffered inbound payloads.
	MaxRecvQueue = 64
	// MaxAcceptQueue bounds pending inbound stream connections.
	MaxAcceptQueue = 16
	// MaxProxyPayload is the per-call payload cap ("about 1400" per spec §4.10).
	MaxProxyPayload = 1400
)

var (
	ErrAlreadyBound     = errors.New("vsock: socket already bound")
	ErrNotBound         = errors.New("vsock: socket not bound")
	ErrNotListening     = errors.New("vsock: socket not listening")
	ErrNotStream        = errors.New("vsock: operation requires a stream socket")
	ErrWouldBlock       = errors.New("vsock: would block")
	ErrClosed           = errors.New("vsock: socket closed")
	ErrShutdownWrite    = errors.New("vsock: write side shut down")
	ErrPayloadTooLarge  = errors.New("vsock: payload exceeds maximum size")
)

// Addr is a virtual transport address.
type Addr struct {
	IP   netip.Addr
	Port uint16
}

// pendingConn is a queued inbound connect request awaiting Accept.
type pendingConn struct {
	remote  Addr
	payload []byte
}

// Socket is one virtualized file descriptor.
type Socket struct {
	mu sync.Mutex

	fd       int
	typ      SockType
	proto    Protocol
	state    State
	nonBlock bool
	shutRd   bool
	shutWr   bool

	local  Addr
	remote Addr

	recvQueue  [][]byte
	acceptQ    []pendingConn
	ready      chan struct{}
	readyState bool // whether ready is "signaled" (level-triggered latch)

	sendFn func(local, remote Addr, proto Protocol, payload []byte) error
}

func newSocket(fd int, typ SockType, proto Protocol) *Socket {
	return &Socket{
		fd:    fd,
		typ:   typ,
		proto: proto,
		state: Created,
		ready: make(chan struct{}, 1),
	}
}

func (s *Socket) signalReady() {
	if !s.readyState {
		s.readyState = true
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
}

func (s *Socket) clearReady() {
	s.readyState = false
	select {
	case <-s.ready:
	default:
	}
}

// SetNonBlocking toggles the socket's blocking mode.
func (s *Socket) SetNonBlocking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonBlock = v
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteAddr returns the connected remote address.
func (s *Socket) RemoteAddr() Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Bind requires an unbound socket and records the local address; the
// caller is responsible for having reserved any needed port beforehand.
func (s *Socket) Bind(local Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Created {
		return ErrAlreadyBound
	}
	s.local = local
	s.state = Bound
	return nil
}

// SetSendCallback installs the outbound sink invoked by SendTo.
func (s *Socket) SetSendCallback(fn func(local, remote Addr, proto Protocol, payload []byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendFn = fn
}

// ConnectDatagram stores a default destination for a datagram socket.
func (s *Socket) ConnectDatagram(remote Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typ != Datagram {
		return errors.New("vsock: ConnectDatagram on a stream socket")
	}
	if s.state == Created {
		return ErrNotBound
	}
	s.remote = remote
	s.state = Connected
	return nil
}

// BeginStreamConnect records the pending remote for a stream Connect;
// the caller (virtual socket registry) is responsible for sending the
// ProxyConnect frame and later calling CompleteStreamConnect on reply.
func (s *Socket) BeginStreamConnect(remote Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typ != Stream {
		return ErrNotStream
	}
	if s.state == Created {
		return ErrNotBound
	}
	s.remote = remote
	return nil
}

// CompleteStreamConnect transitions to Connected on a ProxyConnectReply
// with accepted == true, or leaves the socket as-is (caller surfaces the
// rejection) otherwise.
func (s *Socket) CompleteStreamConnect(accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if accepted {
		s.state = Connected
	}
}

// Listen requires a bound stream socket.
func (s *Socket) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typ != Stream {
		return ErrNotStream
	}
	if s.state != Bound {
		return ErrNotBound
	}
	s.state = Listening
	return nil
}

// SendTo routes payload via the registered send callback, honoring
// MaxProxyPayload and the shutdown-write flag. It returns the number of
// bytes accepted.
func (s *Socket) SendTo(payload []byte, dest Addr) (int, error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.shutWr {
		s.mu.Unlock()
		return 0, ErrShutdownWrite
	}
	if len(payload) > MaxProxyPayload {
		payload = payload[:MaxProxyPayload]
	}
	local := s.local
	proto := s.proto
	fn := s.sendFn
	s.mu.Unlock()

	if fn == nil {
		return 0, errors.New("vsock: no send callback registered")
	}
	if err := fn(local, dest, proto, payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// IncomingData enqueues a received payload. If the queue is full the
// oldest entry is dropped to make room (spec §4.10). A shutdown-read
// socket silently discards incoming data.
func (s *Socket) IncomingData(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutRd || s.state == Closed {
		return
	}
	if len(s.recvQueue) >= MaxRecvQueue {
		s.recvQueue = s.recvQueue[1:]
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.recvQueue = append(s.recvQueue, cp)
	s.signalReady()
}

// Recv pops the oldest queued frame. With peek set, the frame is
// returned but left queued. Blocking sockets wait on the readiness
// event; non-blocking sockets return ErrWouldBlock immediately when
// empty. A closed, drained socket returns (nil, nil) to signal EOF.
func (s *Socket) Recv(peek bool) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.recvQueue) > 0 {
			payload := s.recvQueue[0]
			if !peek {
				s.recvQueue = s.recvQueue[1:]
				if len(s.recvQueue) == 0 && s.state != Closed {
					s.clearReady()
				}
			}
			s.mu.Unlock()
			return payload, nil
		}
		if s.state == Closed {
			s.mu.Unlock()
			return nil, nil
		}
		if s.nonBlock {
			s.mu.Unlock()
			return nil, ErrWouldBlock
		}
		ready := s.ready
		s.mu.Unlock()
		<-ready
	}
}

// Accept pops the oldest pending inbound connection, blocking as Recv does.
func (s *Socket) Accept() (Addr, []byte, error) {
	for {
		s.mu.Lock()
		if s.typ != Stream {
			s.mu.Unlock()
			return Addr{}, nil, ErrNotStream
		}
		if s.state != Listening {
			s.mu.Unlock()
			return Addr{}, nil, ErrNotListening
		}
		if len(s.acceptQ) > 0 {
			pc := s.acceptQ[0]
			s.acceptQ = s.acceptQ[1:]
			if len(s.acceptQ) == 0 {
				s.clearReady()
			}
			s.mu.Unlock()
			return pc.remote, pc.payload, nil
		}
		if s.state == Closed {
			s.mu.Unlock()
			return Addr{}, nil, ErrClosed
		}
		if s.nonBlock {
			s.mu.Unlock()
			return Addr{}, nil, ErrWouldBlock
		}
		ready := s.ready
		s.mu.Unlock()
		<-ready
	}
}

// QueueAccept enqueues an inbound connect request for a listening socket.
// If the accept queue is full, the connection is dropped.
func (s *Socket) QueueAccept(remote Addr, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Listening || len(s.acceptQ) >= MaxAcceptQueue {
		return false
	}
	s.acceptQ = append(s.acceptQ, pendingConn{remote: remote, payload: payload})
	s.signalReady()
	return true
}

// ShutdownRead prevents further incoming data from becoming visible to Recv.
func (s *Socket) ShutdownRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutRd = true
}

// ShutdownWrite causes subsequent SendTo calls to fail.
func (s *Socket) ShutdownWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutWr = true
}

// Close transitions to Closed and signals the readiness event so blocked
// Recv/Accept callers wake and observe the terminal state.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Closed
	s.signalReady()
}

// IsReadable reports whether Recv would return immediately: a
// non-empty receive queue, or Closed (spec §4.12 Select/Poll semantics).
func (s *Socket) IsReadable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recvQueue) > 0 || s.state == Closed
}
