// Package bsd implements the per-call pass-through-vs-virtualize decision
// that sits in front of the BSD sockets surface a tunneled game process
// calls into (spec §4.12). Calls against a non-virtual fd, or made by a
// process the shared-state singleton doesn't recognize as tunneled, fall
// through unchanged to the real stack; calls against an LDN destination
// are promoted to and served by the virtual socket layer.
package bsd

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/ldntunnel/core/internal/vsock"
)

// RealStack is the pass-through collaborator: the actual BSD sockets
// implementation the interceptor forwards to when a call isn't virtualized.
type RealStack interface {
	Socket(domain, typ, proto int) (fd int, err error)
	Bind(fd int, addr netip.Addr, port uint16) error
	Connect(fd int, addr netip.Addr, port uint16) error
	Send(fd int, payload []byte) (int, error)
	Recv(fd int, maxLen int) ([]byte, error)
	SendTo(fd int, payload []byte, addr netip.Addr, port uint16) (int, error)
	RecvFrom(fd int, maxLen int) ([]byte, netip.Addr, uint16, error)
	Shutdown(fd int, how int) error
	Close(fd int) error
	Listen(fd int, backlog int) error
	Accept(fd int) (newFd int, addr netip.Addr, port uint16, err error)
	GetSockName(fd int) (netip.Addr, uint16, error)
	GetPeerName(fd int) (netip.Addr, uint16, error)
	Poll(fds []int, timeoutMs int) (readable []int, err error)
}

// TunnelQuery answers whether the calling process is currently tunneled,
// backed by the shared-state singleton (spec §9: the BSD interceptor
// reads shared state rather than holding a pointer into the local-comm
// service).
type TunnelQuery interface {
	IsTunneled(pid int) bool
}

// Interceptor is the per-process facade the game's BSD socket calls are
// routed through.
type Interceptor struct {
	real     RealStack
	registry *vsock.Registry
	tunnel   TunnelQuery
	pid      int
}

// New returns an Interceptor for one process, wired to a real stack
// fallback, a virtual socket registry, and the shared tunnel-state query.
func New(real RealStack, registry *vsock.Registry, tunnel TunnelQuery, pid int) *Interceptor {
	return &Interceptor{real: real, registry: registry, tunnel: tunnel, pid: pid}
}

func (in *Interceptor) tunneled() bool {
	return in.tunnel.IsTunneled(in.pid)
}

// Socket forwards to the real stack to obtain a real fd used as the key;
// the virtual object is not created until Bind/Connect observes an LDN
// destination (spec §4.12 step 2).
func (in *Interceptor) Socket(domain, typ, proto int) (int, error) {
	return in.real.Socket(domain, typ, proto)
}

// sockTypeFor maps a BSD SOCK_* constant to the vsock type/protocol pair.
func sockTypeFor(typ int) (vsock.SockType, vsock.Protocol) {
	if typ == unix.SOCK_DGRAM {
		return vsock.Datagram, vsock.ProtoUDP
	}
	return vsock.Stream, vsock.ProtoTCP
}

// Bind inspects the destination; an LDN address promotes fd to virtual,
// reserving a port and returning success locally without touching the
// real stack. Anything else is forwarded.
func (in *Interceptor) Bind(fd int, addr netip.Addr, port uint16, sockType int) error {
	if !in.tunneled() || !vsock.IsLDNDestination(addr) {
		return in.real.Bind(fd, addr, port)
	}

	typ, proto := sockTypeFor(sockType)
	s := in.registry.Create(fd, typ, proto)
	if port != 0 {
		return s.Bind(vsock.Addr{IP: addr, Port: port})
	}
	_, err := in.registry.ReserveEphemeralPort(s)
	return err
}

// Connect mirrors Bind's LDN classification; for an already-virtual fd it
// drives the virtual socket's connect sequence instead of reclassifying.
func (in *Interceptor) Connect(fd int, addr netip.Addr, port uint16, sockType int) error {
	if s, ok := in.registry.Get(fd); ok {
		return in.connectVirtual(s, addr, port)
	}

	if !in.tunneled() || !vsock.IsLDNDestination(addr) {
		return in.real.Connect(fd, addr, port)
	}

	typ, proto := sockTypeFor(sockType)
	s := in.registry.Create(fd, typ, proto)
	if _, err := in.registry.ReserveEphemeralPort(s); err != nil {
		return err
	}
	return in.connectVirtual(s, addr, port)
}

func (in *Interceptor) connectVirtual(s *vsock.Socket, addr netip.Addr, port uint16) error {
	remote := vsock.Addr{IP: addr, Port: port}
	if s.State() == vsock.Created {
		return vsock.ErrNotBound
	}
	// Datagram sockets just record a default destination; stream sockets
	// must round-trip a ProxyConnect/ProxyConnectReply, driven by the
	// caller that wired the registry's proxy-connect callback.
	if err := s.ConnectDatagram(remote); err == nil {
		return nil
	}
	return s.BeginStreamConnect(remote)
}

// Send/Recv/SendTo/RecvFrom/Shutdown/Close/Listen/Accept/GetSockName/
// GetPeerName route to the virtual socket when fd is virtual, and to the
// real stack otherwise (spec §4.12 step 4).

func (in *Interceptor) Send(fd int, payload []byte) (int, error) {
	if s, ok := in.registry.Get(fd); ok {
		return s.SendTo(payload, s.RemoteAddr())
	}
	return in.real.Send(fd, payload)
}

func (in *Interceptor) Recv(fd int, maxLen int) ([]byte, error) {
	if s, ok := in.registry.Get(fd); ok {
		payload, err := s.Recv(false)
		if err != nil {
			return nil, mapError(err)
		}
		if len(payload) > maxLen {
			payload = payload[:maxLen]
		}
		return payload, nil
	}
	return in.real.Recv(fd, maxLen)
}

func (in *Interceptor) SendTo(fd int, payload []byte, addr netip.Addr, port uint16) (int, error) {
	if s, ok := in.registry.Get(fd); ok {
		return s.SendTo(payload, vsock.Addr{IP: addr, Port: port})
	}
	return in.real.SendTo(fd, payload, addr, port)
}

func (in *Interceptor) RecvFrom(fd int, maxLen int) ([]byte, netip.Addr, uint16, error) {
	if s, ok := in.registry.Get(fd); ok {
		payload, err := s.Recv(false)
		if err != nil {
			return nil, netip.Addr{}, 0, mapError(err)
		}
		remote := s.RemoteAddr()
		if len(payload) > maxLen {
			payload = payload[:maxLen]
		}
		return payload, remote.IP, remote.Port, nil
	}
	return in.real.RecvFrom(fd, maxLen)
}

func (in *Interceptor) Shutdown(fd int, how int) error {
	if s, ok := in.registry.Get(fd); ok {
		switch how {
		case unix.SHUT_RD:
			s.ShutdownRead()
		case unix.SHUT_WR:
			s.ShutdownWrite()
		default:
			s.ShutdownRead()
			s.ShutdownWrite()
		}
		return nil
	}
	return in.real.Shutdown(fd, how)
}

func (in *Interceptor) Close(fd int) error {
	if in.registry.IsVirtual(fd) {
		in.registry.Close(fd)
		return nil
	}
	return in.real.Close(fd)
}

func (in *Interceptor) Listen(fd int, backlog int) error {
	if s, ok := in.registry.Get(fd); ok {
		return s.Listen()
	}
	return in.real.Listen(fd, backlog)
}

// Accept virtualizes a listening fd's accept, or forwards to the real
// stack otherwise. A virtual accept reuses fd as the new connection's fd
// (the registry is fd-keyed 1:1, unlike a real accept's new fd).
func (in *Interceptor) Accept(fd int) (int, vsock.Addr, []byte, error) {
	if s, ok := in.registry.Get(fd); ok {
		remote, payload, err := s.Accept()
		return fd, remote, payload, mapError(err)
	}
	newFd, addr, port, err := in.real.Accept(fd)
	return newFd, vsock.Addr{IP: addr, Port: port}, nil, err
}

func (in *Interceptor) GetSockName(fd int) (netip.Addr, uint16, error) {
	if s, ok := in.registry.Get(fd); ok {
		local := s.LocalAddr()
		return local.IP, local.Port, nil
	}
	return in.real.GetSockName(fd)
}

func (in *Interceptor) GetPeerName(fd int) (netip.Addr, uint16, error) {
	if s, ok := in.registry.Get(fd); ok {
		remote := s.RemoteAddr()
		return remote.IP, remote.Port, nil
	}
	return in.real.GetPeerName(fd)
}

// mapError translates vsock errors to the standard negative-errno values
// the game-facing surface expects (spec §4.12).
func mapError(err error) error {
	switch err {
	case nil:
		return nil
	case vsock.ErrWouldBlock:
		return unix.EAGAIN
	case vsock.ErrClosed:
		return unix.ECONNRESET
	case vsock.ErrNotBound, vsock.ErrNotListening, vsock.ErrNotStream:
		return unix.ENOTCONN
	case vsock.ErrAlreadyBound:
		return unix.EADDRINUSE
	case vsock.ErrPayloadTooLarge:
		return unix.EMSGSIZE
	case vsock.ErrShutdownWrite:
		return unix.EPIPE
	default:
		return err
	}
}
