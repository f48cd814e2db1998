package vsock

import (
	"net/netip"
	"sync"

	"github.com/ldntunnel/core/internal/portpool"
	"github.com/ldntunnel/core/internal/wire"
)

// SendCallback is the outbound sink toward the relay or P2P layer.
type SendCallback func(local, remote Addr, proto Protocol, payload []byte) error

// ProxyConnectCallback requests a virtual TCP handshake toward remote.
type ProxyConnectCallback func(local, remote Addr) error

// Registry owns every virtual socket for one tunneled process and the
// ephemeral port pool they draw from (spec §4.11). A single mutex guards
// the fd map, matching the documented lock order (shared-state <
// state-machine < node-mapper < socket-registry).
type Registry struct {
	mu sync.Mutex

	pool    *portpool.Pool
	sockets map[int]*Socket
	localIP netip.Addr

	sendFn         SendCallback
	proxyConnectFn ProxyConnectCallback
}

// NewRegistry returns an empty Registry backed by its own port pool.
func NewRegistry() *Registry {
	return &Registry{
		pool:    portpool.New(),
		sockets: make(map[int]*Socket),
	}
}

// SetLocalIp records the game's assigned virtual IPv4.
func (r *Registry) SetLocalIp(ip netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localIP = ip
}

// LocalIp returns the game's assigned virtual IPv4.
func (r *Registry) LocalIp() netip.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localIP
}

// SetSendCallback registers the outbound sink every socket's SendTo uses.
func (r *Registry) SetSendCallback(fn SendCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendFn = fn
}

// SetProxyConnectCallback registers the sink used to request a stream
// connect handshake toward a remote virtual address.
func (r *Registry) SetProxyConnectCallback(fn ProxyConnectCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proxyConnectFn = fn
}

// Create allocates a new virtual socket for fd, wiring it to the
// registry's send callback.
func (r *Registry) Create(fd int, typ SockType, proto Protocol) *Socket {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := newSocket(fd, typ, proto)
	s.SetSendCallback(r.sendFn)
	r.sockets[fd] = s
	return s
}

// Get returns the virtual socket for fd, or nil, false if fd isn't virtual.
func (r *Registry) Get(fd int) (*Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sockets[fd]
	return s, ok
}

// IsVirtual reports whether fd has been promoted to a virtual socket.
func (r *Registry) IsVirtual(fd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sockets[fd]
	return ok
}

// portProtocol maps a vsock.Protocol to the port pool's protocol tag.
func portProtocol(p Protocol) portpool.Protocol {
	if p == ProtoUDP {
		return portpool.UDP
	}
	return portpool.TCP
}

// ReserveEphemeralPort allocates an ephemeral port for the socket's
// protocol and binds the socket to it at the registry's local IP. Used
// by the BSD interceptor when promoting an fd whose caller requested
// port 0.
func (r *Registry) ReserveEphemeralPort(s *Socket) (uint16, error) {
	r.mu.Lock()
	proto := s.proto
	local := r.localIP
	r.mu.Unlock()

	port, err := r.pool.AllocateAny(portProtocol(proto))
	if err != nil {
		return 0, err
	}
	if err := s.Bind(Addr{IP: local, Port: port}); err != nil {
		_ = r.pool.Release(portProtocol(proto), port)
		return 0, err
	}
	return port, nil
}

// Close releases fd's reserved port (if any) and removes the registry entry.
func (r *Registry) Close(fd int) {
	r.mu.Lock()
	s, ok := r.sockets[fd]
	if ok {
		delete(r.sockets, fd)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	local := s.LocalAddr()
	if local.Port != 0 {
		_ = r.pool.Release(portProtocol(s.proto), local.Port)
	}
}

// CloseAll closes every virtual socket and resets the port pool.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sockets := r.sockets
	r.sockets = make(map[int]*Socket)
	r.mu.Unlock()

	for _, s := range sockets {
		s.Close()
	}
	r.pool.ReleaseAll()
}

// matches reports whether a socket bound to (local, localProto) is the
// destination for a frame addressed to dstIP:dstPort/proto — a socket
// whose local IP is unset (the zero netip.Addr) matches any dstIP.
func matches(local Addr, localProto Protocol, dstIP netip.Addr, dstPort uint16, proto Protocol) bool {
	if localProto != proto {
		return false
	}
	if local.Port != dstPort {
		return false
	}
	if local.IP.IsValid() && local.IP != dstIP {
		return false
	}
	return true
}

// RouteIncomingData finds the virtual socket bound to (dstIP, dstPort,
// proto) and enqueues payload on it, returning whether a socket was found.
func (r *Registry) RouteIncomingData(srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16, proto Protocol, payload []byte) bool {
	r.mu.Lock()
	var target *Socket
	for _, s := range r.sockets {
		s.mu.Lock()
		local := s.local
		sproto := s.proto
		s.mu.Unlock()
		if matches(local, sproto, dstIP, dstPort, proto) {
			target = s
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return false
	}
	target.IncomingData(payload)
	return true
}

// RouteConnectRequest delivers an inbound ProxyConnect to the listening
// socket bound at (dstIP, dstPort, proto)'s accept queue.
func (r *Registry) RouteConnectRequest(srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16, proto Protocol) bool {
	r.mu.Lock()
	var target *Socket
	for _, s := range r.sockets {
		s.mu.Lock()
		local := s.local
		state := s.state
		sproto := s.proto
		s.mu.Unlock()
		if state == Listening && matches(local, sproto, dstIP, dstPort, proto) {
			target = s
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return false
	}
	return target.QueueAccept(Addr{IP: srcIP, Port: srcPort}, nil)
}

// RouteConnectResponse delivers a ProxyConnectReply to the socket that
// originated the connect, identified by its own (local) address.
func (r *Registry) RouteConnectResponse(localIP netip.Addr, localPort uint16, proto Protocol, accepted bool) bool {
	r.mu.Lock()
	var target *Socket
	for _, s := range r.sockets {
		s.mu.Lock()
		local := s.local
		sproto := s.proto
		s.mu.Unlock()
		if matches(local, sproto, localIP, localPort, proto) {
			target = s
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return false
	}
	target.CompleteStreamConnect(accepted)
	return true
}

// RouteDisconnect finds the virtual socket bound to (dstIP, dstPort,
// proto) and shuts down its read side, so further peer data is silently
// discarded instead of queued the way a peer's ProxyDisconnect should
// (spec §4.10).
func (r *Registry) RouteDisconnect(srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16, proto Protocol) bool {
	r.mu.Lock()
	var target *Socket
	for _, s := range r.sockets {
		s.mu.Lock()
		local := s.local
		sproto := s.proto
		s.mu.Unlock()
		if matches(local, sproto, dstIP, dstPort, proto) {
			target = s
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return false
	}
	target.ShutdownRead()
	return true
}

// IsLDNDestination reports whether addr falls within the virtual subnet,
// the classification test consulted at Bind/Connect time (spec §4.11).
func IsLDNDestination(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	return wire.IsLDNAddress(wire.IPv4ToUint32(addr))
}
