// Package localcomm drives the local-comm session state machine, wiring
// the relay client's session-affecting packets, the node map, the
// virtual socket registry's proxy traffic, and the P2P joiner/host
// election together behind one owner (spec §4.15, §9).
//
// Lock order (spec §5, see DESIGN.md): shared-state < state-machine <
// node-mapper < socket-registry. Service never calls into the registry
// or node map while holding the state machine's lock, since both are
// independently guarded collaborators rather than state this package
// owns directly.
package localcomm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gopacket/gopacket/layers"
	"go.uber.org/zap"

	"github.com/ldntunnel/core/internal/fsm"
	"github.com/ldntunnel/core/internal/nodemap"
	"github.com/ldntunnel/core/internal/p2p"
	"github.com/ldntunnel/core/internal/proxybuf"
	"github.com/ldntunnel/core/internal/relay"
	"github.com/ldntunnel/core/internal/sharedstate"
	"github.com/ldntunnel/core/internal/vsock"
	"github.com/ldntunnel/core/internal/wire"
)

// InactivityTimeout tears a session down if it lingers in a pre-network
// state too long without progressing (spec §4.15).
const InactivityTimeout = 6 * time.Second

// preNetworkStates is the set of states InactivityTimeout applies to: once
// a station is connected or an access point's network exists, the timeout
// no longer fires.
var preNetworkStates = map[fsm.LocalCommState]bool{
	fsm.Initialized: true,
	fsm.AccessPoint: true,
	fsm.Station:     true,
}

// ErrNoTransport is returned by a proxy send when neither a P2P joiner
// nor host is active and the relay client itself is nil.
var ErrNoTransport = errors.New("localcomm: no transport available")

// Options configures a Service via the functional-options pattern.
type Options struct {
	Log *zap.SugaredLogger
	Now func() time.Time
}

// Option mutates Options.
type Option func(*Options)

func newOptions() *Options {
	return &Options{
		Log: zap.NewNop().Sugar(),
		Now: time.Now,
	}
}

// WithLog sets the service's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *Options) { o.Log = log }
}

// WithClock overrides the time source, for deterministic inactivity-timer tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// Service is the local-comm session owner: one instance per tunneled
// game process, bound to that process's relay connection, node map, and
// virtual socket registry.
type Service struct {
	opts *Options
	log  *zap.SugaredLogger

	relay    *relay.Client
	nodes    *nodemap.Mapper
	registry *vsock.Registry
	shared   *sharedstate.State

	sm *fsm.Machine[fsm.LocalCommState, fsm.LocalCommEvent]

	joiner *p2p.Joiner
	host   *p2p.Host

	// proxyRing holds inbound ProxyData frames between arrival and the
	// next Tick's drain into the registry, decoupling the relay/P2P
	// receive path from registry dispatch the way a per-socket queue
	// (vsock.Socket) cannot, since it buffers across every socket this
	// session owns rather than just one.
	proxyRing *proxybuf.Ring

	lastActivity time.Time
}

// New builds a Service wiring together an already-constructed relay
// client, node map, virtual socket registry, and shared-state singleton.
// It registers every handler it needs on relayClient and registry as part
// of construction; callers must not install competing handlers for the
// same packet types or callbacks afterward.
func New(relayClient *relay.Client, nodes *nodemap.Mapper, registry *vsock.Registry, shared *sharedstate.State, opts ...Option) *Service {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	s := &Service{
		opts:      o,
		log:       o.Log,
		relay:     relayClient,
		nodes:     nodes,
		registry:  registry,
		shared:    shared,
		proxyRing: proxybuf.New(),
	}

	s.sm = fsm.NewLocalCommStateMachine()
	s.sm.OnChange(func(from, to fsm.LocalCommState) {
		s.log.Infow("local-comm state change", "from", from, "to", to)
		s.shared.SetLocalCommState(to)
		s.lastActivity = s.opts.Now()
	})
	s.shared.SetLocalCommState(s.sm.State())
	s.lastActivity = s.opts.Now()

	// Published before any game-level Initialize call, so the BSD
	// interceptor can already tell this process is tunneled (spec §9
	// "cross-component back references").
	s.shared.SetTunneledPid(os.Getpid())

	s.wireRelay()
	registry.SetSendCallback(s.sendProxyData)
	registry.SetProxyConnectCallback(s.sendProxyConnectRequest)

	relayClient.OnStateChange(func(from, to fsm.ConnState) {
		if to == fsm.Ready {
			s.fire(fsm.EvInitialize)
		}
	})

	return s
}

func (s *Service) fire(ev fsm.LocalCommEvent) {
	if _, err := s.sm.Fire(ev); err != nil {
		s.log.Debugw("local-comm transition rejected", "event", ev, "err", err)
	}
}

// State returns the current local-comm state.
func (s *Service) State() fsm.LocalCommState { return s.sm.State() }

// Tick enforces InactivityTimeout while in a pre-network state. It must
// be called periodically by the owner's event loop, the same way
// relay.Client.Tick is.
func (s *Service) Tick(now time.Time) {
	s.drainProxyRing()

	if !preNetworkStates[s.sm.State()] {
		return
	}
	if now.Sub(s.lastActivity) >= InactivityTimeout {
		s.log.Warnw("local-comm inactivity timeout", "state", s.sm.State())
		s.fire(fsm.EvFatalError)
	}
}

// drainProxyRing dispatches every ProxyData frame queued since the last
// Tick into the virtual socket registry, in arrival order.
func (s *Service) drainProxyRing() {
	for {
		f, ok := s.proxyRing.Pop()
		if !ok {
			return
		}
		s.registry.RouteIncomingData(
			wire.Uint32ToIPv4(f.SrcIPv4), f.SrcPort,
			wire.Uint32ToIPv4(f.DstIPv4), f.DstPort,
			protocolFromWire(f.Protocol), f.Payload,
		)
	}
}

// OpenAccessPoint begins hosting: fires EvOpenAccessPoint and sends the
// network-creation request to the relay.
func (s *Service) OpenAccessPoint(data wire.ConnectNetworkData) error {
	s.fire(fsm.EvOpenAccessPoint)
	return s.relay.CreateAccessPoint(data)
}

// CreateNetwork acknowledges the access point's network is live, advancing
// past the point where InactivityTimeout applies.
func (s *Service) CreateNetwork() {
	s.fire(fsm.EvCreateNetwork)
}

// OpenStation begins joining: fires EvOpenStation and sends the join
// request to the relay.
func (s *Service) OpenStation(data wire.ConnectNetworkData) error {
	s.fire(fsm.EvOpenStation)
	return s.relay.Connect(data)
}

// FinalizeComm tears the session down, returning to None and releasing
// any active P2P transport.
func (s *Service) FinalizeComm() {
	if s.joiner != nil {
		s.joiner.Disconnect()
		s.joiner = nil
	}
	if s.host != nil {
		_ = s.host.Stop()
		s.host = nil
	}
	s.fire(fsm.EvFinalizeComm)
}

func (s *Service) wireRelay() {
	s.relay.Handle(wire.PacketSyncNetwork, func(pkt wire.Packet) {
		info, ok := pkt.(wire.NetworkInfo)
		if !ok {
			return
		}
		s.nodes.UpdateFromNetworkInfo(info)
		s.shared.SetSessionInfo(sharedstate.SessionInfo{
			NodeCount:   info.NodeCount,
			MaxNodes:    info.NodeCountMax,
			LocalNodeID: s.nodes.LocalNode(),
			IsHost:      s.host != nil,
		})
		s.lastActivity = s.opts.Now()
	})

	s.relay.Handle(wire.PacketProxyConfig, func(pkt wire.Packet) {
		cfg, ok := pkt.(wire.ProxyConfig)
		if !ok {
			return
		}
		s.nodes.SetLocalNode(cfg.NodeID)
		s.registry.SetLocalIp(wire.Uint32ToIPv4(cfg.VirtualIPv4))
		s.fire(fsm.EvConnect)
	})

	s.relay.Handle(wire.PacketExternalProxyToken, func(pkt wire.Packet) {
		token, ok := pkt.(wire.ExternalProxyToken)
		if !ok || s.host == nil {
			return
		}
		s.host.AddWaitingToken(token)
	})

	s.relay.Handle(wire.PacketExternalProxyConfig, func(pkt wire.Packet) {
		cfg, ok := pkt.(wire.ExternalProxyConfig)
		if !ok {
			return
		}
		addr := fmt.Sprintf("%s:%d", wire.Uint32ToIPv4(cfg.HostIPv4), cfg.HostPort)
		if err := s.startJoiner(addr, cfg.Token); err != nil {
			s.log.Warnw("p2p join failed, staying on relay transport", "addr", addr, "err", err)
		}
	})

	s.relay.Handle(wire.PacketDisconnect, func(pkt wire.Packet) {
		if _, ok := pkt.(wire.Disconnect); ok {
			s.fire(fsm.EvFatalError)
		}
	})

	s.relay.Handle(wire.PacketProxyData, func(pkt wire.Packet) { s.deliverPacket(pkt) })
	s.relay.Handle(wire.PacketProxyConnect, func(pkt wire.Packet) { s.deliverPacket(pkt) })
	s.relay.Handle(wire.PacketProxyConnectReply, func(pkt wire.Packet) { s.deliverPacket(pkt) })
	s.relay.Handle(wire.PacketProxyDisconnect, func(pkt wire.Packet) { s.deliverPacket(pkt) })
}

// startJoiner dials a P2P host directly and authenticates with the
// relay-issued single-use token, per spec §4.13's "if the server responds
// with an ExternalProxyConfig the service starts a P2P joiner".
func (s *Service) startJoiner(addr string, token [16]byte) error {
	j := p2p.NewJoiner(s.deliverPacket, p2p.WithJoinerLog(s.log))
	if err := j.Connect(addr); err != nil {
		return fmt.Errorf("localcomm: p2p connect: %w", err)
	}
	if err := j.Authenticate(token); err != nil {
		_ = j.Disconnect()
		return fmt.Errorf("localcomm: p2p authenticate: %w", err)
	}
	if _, err := j.EnsureReady(p2p.AuthTimeout); err != nil {
		j.Disconnect()
		return fmt.Errorf("localcomm: p2p handshake: %w", err)
	}
	s.joiner = j
	return nil
}

// StartHost begins accepting direct P2P connections, electing this
// process as the session's P2P relay point (always node 0). Proxy
// traffic addressed to node 0 or broadcast is delivered back through
// deliverPacket, the same path relay-carried and P2P-joiner-carried
// traffic uses.
func (s *Service) StartHost(ctx context.Context, opts ...p2p.HostOption) (uint16, error) {
	opts = append(opts, p2p.WithLocalDataHandler(s.deliverPacket), p2p.WithHostLog(s.log))
	h := p2p.NewHost(s.nodes, opts...)
	port, err := h.Start(ctx)
	if err != nil {
		return 0, err
	}
	s.host = h
	return port, nil
}

// deliverPacket routes an inbound proxy frame (from the relay, a P2P
// joiner connection, or a P2P host's peer session) into the virtual
// socket registry.
func (s *Service) deliverPacket(pkt wire.Packet) {
	switch p := pkt.(type) {
	case wire.ProxyData:
		if err := s.proxyRing.Push(proxybuf.Frame{
			SrcIPv4:  p.SrcIPv4,
			SrcPort:  p.SrcPort,
			DstIPv4:  p.DstIPv4,
			DstPort:  p.DstPort,
			Protocol: p.Protocol,
			Payload:  p.Payload,
		}); err != nil {
			s.log.Warnw("proxy data dropped", "err", err)
		}
	case wire.ProxyConnect:
		s.registry.RouteConnectRequest(
			wire.Uint32ToIPv4(p.SrcIPv4), p.SrcPort,
			wire.Uint32ToIPv4(p.DstIPv4), p.DstPort,
			vsock.ProtoTCP,
		)
	case wire.ProxyConnectReply:
		s.registry.RouteConnectResponse(
			wire.Uint32ToIPv4(p.DstIPv4), p.DstPort,
			vsock.ProtoTCP, p.Accepted != 0,
		)
	case wire.ProxyDisconnect:
		s.registry.RouteDisconnect(
			wire.Uint32ToIPv4(p.SrcIPv4), p.SrcPort,
			wire.Uint32ToIPv4(p.DstIPv4), p.DstPort,
			vsock.ProtoTCP,
		)
	}
}

// sendProxyData is wired as the registry's vsock.SendCallback: every
// virtual socket's SendTo ends up here.
func (s *Service) sendProxyData(local, remote vsock.Addr, proto vsock.Protocol, payload []byte) error {
	hdr := wire.ProxyDataHeader{
		SrcIPv4:  wire.IPv4ToUint32(local.IP),
		SrcPort:  local.Port,
		DstIPv4:  wire.IPv4ToUint32(remote.IP),
		DstPort:  remote.Port,
		Protocol: protocolToWire(proto),
	}
	return s.sendProxy(wire.ProxyData{ProxyDataHeader: hdr, Payload: payload})
}

// sendProxyConnectRequest is wired as the registry's
// vsock.ProxyConnectCallback: a listening socket's connect side ends up
// here.
func (s *Service) sendProxyConnectRequest(local, remote vsock.Addr) error {
	return s.sendProxy(wire.ProxyConnect{
		SrcIPv4: wire.IPv4ToUint32(local.IP),
		SrcPort: local.Port,
		DstIPv4: wire.IPv4ToUint32(remote.IP),
		DstPort: remote.Port,
	})
}

// sendProxy picks the active transport, preferring a direct P2P link
// (host or joiner) over the relay, which stays available as the fallback
// path until P2P negotiation completes (spec §4.14).
func (s *Service) sendProxy(pkt wire.Packet) error {
	switch {
	case s.host != nil:
		s.host.SendFromHost(pkt)
		return nil
	case s.joiner != nil:
		return s.sendViaJoiner(pkt)
	case s.relay != nil:
		return s.sendViaRelay(pkt)
	default:
		return ErrNoTransport
	}
}

func (s *Service) sendViaJoiner(pkt wire.Packet) error {
	switch p := pkt.(type) {
	case wire.ProxyData:
		return s.joiner.SendProxyData(p.ProxyDataHeader, p.Payload)
	case wire.ProxyConnect:
		return s.joiner.SendProxyConnect(p)
	case wire.ProxyConnectReply:
		return s.joiner.SendProxyConnectReply(p)
	case wire.ProxyDisconnect:
		return s.joiner.SendProxyDisconnect(p)
	default:
		return fmt.Errorf("localcomm: unsupported proxy packet type %T", pkt)
	}
}

func (s *Service) sendViaRelay(pkt wire.Packet) error {
	switch p := pkt.(type) {
	case wire.ProxyData:
		return s.relay.ProxyData(p.ProxyDataHeader, p.Payload)
	case wire.ProxyConnect:
		return s.relay.ProxyConnect(p)
	case wire.ProxyConnectReply:
		return s.relay.ProxyConnectReply(p)
	case wire.ProxyDisconnect:
		return s.relay.ProxyDisconnect(p)
	default:
		return fmt.Errorf("localcomm: unsupported proxy packet type %T", pkt)
	}
}

func protocolToWire(p vsock.Protocol) layers.IPProtocol {
	if p == vsock.ProtoUDP {
		return layers.IPProtocolUDP
	}
	return layers.IPProtocolTCP
}

func protocolFromWire(p layers.IPProtocol) vsock.Protocol {
	if p == layers.IPProtocolUDP {
		return vsock.ProtoUDP
	}
	return vsock.ProtoTCP
}
