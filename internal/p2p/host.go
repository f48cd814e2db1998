package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ldntunnel/core/internal/nodemap"
	"github.com/ldntunnel/core/internal/stream"
	"github.com/ldntunnel/core/internal/wire"
)

// Port range and auth/lease timings, matching the relay-coordinated P2P
// handshake budget this module's host side commits to.
const (
	PortRangeBase = 39990
	PortRangeSize = 10

	AuthWindow   = 1 * time.Second
	LeaseLength  = 60 * time.Second
	LeaseRenew   = 50 * time.Second
	MaxSessions  = wire.MaxNodeCount
	waitingToken = 16
)

// ErrNoPortAvailable is returned by Start when every port in the range is
// already taken.
var ErrNoPortAvailable = errors.New("p2p: no port available in host range")

// ErrTokenRejected is returned when a joiner's token doesn't match any
// waiting registration.
var ErrTokenRejected = errors.New("p2p: token not recognized")

// PortMapper opens and maintains an external (router-facing) port mapping
// for the host's private listen port. A no-op implementation is valid when
// UPnP/NAT-PMP isn't available; NatPunch then simply doesn't expose a
// public port.
type PortMapper interface {
	AddPortMapping(internalPort uint16, lease time.Duration) (externalPort uint16, err error)
	DeletePortMapping(externalPort uint16) error
}

// DisconnectNotifier reports a session's departure (virtual IP freed) to
// the relay client, so the session roster stays consistent with the
// relay-visible NetworkInfo.
type DisconnectNotifier func(virtualIPv4 uint32)

// HostOption configures a Host via the functional-options pattern.
type HostOption func(*hostOptions)

type hostOptions struct {
	log          *zap.SugaredLogger
	portMapper   PortMapper
	onDisconnect DisconnectNotifier
	onLocalData  PacketCallback
	listen       func(addr string) (net.Listener, error)
}

func newHostOptions() *hostOptions {
	return &hostOptions{
		log:          zap.NewNop().Sugar(),
		onDisconnect: func(uint32) {},
		onLocalData:  func(wire.Packet) {},
		listen: func(addr string) (net.Listener, error) {
			return net.Listen("tcp", addr)
		},
	}
}

// WithHostLog sets the host's logger.
func WithHostLog(log *zap.SugaredLogger) HostOption {
	return func(o *hostOptions) { o.log = log }
}

// WithPortMapper wires an external NAT/UPnP port mapper collaborator.
func WithPortMapper(pm PortMapper) HostOption {
	return func(o *hostOptions) { o.portMapper = pm }
}

// WithDisconnectNotifier sets the callback invoked when a session leaves.
func WithDisconnectNotifier(fn DisconnectNotifier) HostOption {
	return func(o *hostOptions) { o.onDisconnect = fn }
}

// WithListener overrides how the host binds its TCP listener (for tests).
func WithListener(listen func(addr string) (net.Listener, error)) HostOption {
	return func(o *hostOptions) { o.listen = listen }
}

// WithLocalDataHandler sets the callback invoked when a peer session sends
// a proxy frame addressed to the host's own local node (node 0) or to
// broadcast, delivering it toward the local virtual socket registry.
func WithLocalDataHandler(fn PacketCallback) HostOption {
	return func(o *hostOptions) { o.onLocalData = fn }
}

// hostSession is one accepted joiner connection.
type hostSession struct {
	conn          net.Conn
	remoteIP      uint32
	virtualIPv4   uint32
	nodeID        uint8
	authenticated bool
}

// Host accepts direct P2P connections from joiners on the well-known
// private port range, validates relay-issued single-use tokens, assigns
// virtual addresses, and fans proxy traffic out per the node map's
// broadcast/unicast routing rule (spec §4.14).
type Host struct {
	opts *hostOptions
	log  *zap.SugaredLogger

	nodes *nodemap.Mapper

	mu            sync.Mutex
	listener      net.Listener
	privatePort   uint16
	publicPort    uint16
	sessions      map[uint8]*hostSession
	waitingTokens map[[16]byte]wire.ExternalProxyToken

	eg        *errgroup.Group
	egCancel  context.CancelFunc
	leaseStop chan struct{}
}

// NewHost builds a Host bound to a shared node map (so routing decisions
// stay consistent with the rest of the local-comm service).
func NewHost(nodes *nodemap.Mapper, opts ...HostOption) *Host {
	o := newHostOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Host{
		opts:          o,
		log:           o.log,
		nodes:         nodes,
		sessions:      make(map[uint8]*hostSession),
		waitingTokens: make(map[[16]byte]wire.ExternalProxyToken),
	}
}

// Start binds a listener somewhere in the private port range and begins
// accepting connections on a background goroutine.
func (h *Host) Start(ctx context.Context) (uint16, error) {
	var lastErr error
	for i := 0; i < PortRangeSize; i++ {
		port := uint16(PortRangeBase + i)
		ln, err := h.opts.listen("0.0.0.0:" + strconv.Itoa(int(port)))
		if err != nil {
			lastErr = err
			continue
		}

		h.mu.Lock()
		h.listener = ln
		h.privatePort = port
		h.mu.Unlock()

		egCtx, cancel := context.WithCancel(ctx)
		eg, egCtx := errgroup.WithContext(egCtx)
		h.eg = eg
		h.egCancel = cancel
		eg.Go(func() error { return h.acceptLoop(egCtx) })

		h.log.Infow("p2p host listening", "port", port)
		return port, nil
	}
	return 0, fmt.Errorf("%w: %v", ErrNoPortAvailable, lastErr)
}

// Addr returns the listener's bound address. Valid only once Start has
// returned successfully.
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// NatPunch asks the wired PortMapper to open a public mapping for the
// private port and starts the 50s lease renewal loop. A nil PortMapper
// (no UPnP/NAT-PMP available) is a no-op returning port 0.
func (h *Host) NatPunch(ctx context.Context) uint16 {
	if h.opts.portMapper == nil {
		return 0
	}

	h.mu.Lock()
	privatePort := h.privatePort
	h.mu.Unlock()

	public, err := h.opts.portMapper.AddPortMapping(privatePort, LeaseLength)
	if err != nil {
		h.log.Warnw("nat punch failed", "err", err)
		return 0
	}

	h.mu.Lock()
	h.publicPort = public
	h.leaseStop = make(chan struct{})
	stop := h.leaseStop
	h.mu.Unlock()

	go h.leaseRenewalLoop(ctx, privatePort, public, stop)
	return public
}

func (h *Host) leaseRenewalLoop(ctx context.Context, privatePort, publicPort uint16, stop chan struct{}) {
	ticker := time.NewTicker(LeaseRenew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			renew := func() (struct{}, error) {
				_, err := h.opts.portMapper.AddPortMapping(privatePort, LeaseLength)
				return struct{}{}, err
			}
			if _, err := backoff.Retry(ctx, renew, backoff.WithMaxTries(3)); err != nil {
				h.log.Warnw("lease renewal failed", "err", err)
			}
		}
	}
}

// ReleaseNatPunch tears down the public port mapping and stops renewal.
func (h *Host) ReleaseNatPunch() {
	h.mu.Lock()
	stop := h.leaseStop
	public := h.publicPort
	h.leaseStop = nil
	h.publicPort = 0
	h.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if h.opts.portMapper != nil && public != 0 {
		if err := h.opts.portMapper.DeletePortMapping(public); err != nil {
			h.log.Warnw("release nat punch failed", "err", err)
		}
	}
}

// AddWaitingToken registers a single-use token the relay has pushed ahead
// of an expected joiner (spec §4.13: ExternalProxyToken). Registration is
// dropped once waitingToken tokens are already pending, the same
// drop-new overflow policy the proxy receive ring applies.
func (h *Host) AddWaitingToken(token wire.ExternalProxyToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.waitingTokens) >= waitingToken {
		h.log.Warnw("waiting token dropped: registry full", "max", waitingToken)
		return
	}
	h.waitingTokens[token.Token] = token
}

func (h *Host) acceptLoop(ctx context.Context) error {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		h.eg.Go(func() error {
			h.runSession(conn)
			return nil
		})
	}
}

func (h *Host) runSession(conn net.Conn) {
	sess := &hostSession{conn: conn}
	deadline := time.Now().Add(AuthWindow)
	_ = conn.SetReadDeadline(deadline)

	reasm := stream.New(reassemblerCapacity)
	buf := make([]byte, 4096)

	defer h.dropSession(sess)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if appendErr := reasm.Append(buf[:n]); appendErr != nil {
				h.log.Warnw("p2p session reassembler overflow", "err", appendErr)
				return
			}
			if !h.drainSession(sess, reasm) {
				return
			}
			if sess.authenticated {
				_ = conn.SetReadDeadline(time.Time{})
			}
		}
		if err != nil {
			return
		}
	}
}

// drainSession processes every complete frame currently buffered,
// returning false if the session should be torn down because its
// authentication was rejected. Undecodable frames are dropped and the
// session is kept; the AuthWindow is enforced by the read deadline in
// runSession, not here.
func (h *Host) drainSession(sess *hostSession, reasm *stream.Reassembler) bool {
	for {
		frame, ok := reasm.ExtractPacket()
		if !ok {
			if discarded := reasm.Resynchronize(); discarded > 0 {
				continue
			}
			return true
		}
		if !h.dispatchSession(sess, frame) {
			return false
		}
	}
}

func (h *Host) dispatchSession(sess *hostSession, frame []byte) bool {
	pkt, err := wire.Decode(frame)
	if err != nil {
		h.log.Debugw("p2p session dropping undecodable frame", "err", err)
		return true
	}

	if !sess.authenticated {
		cfg, ok := pkt.(wire.ExternalProxyConfig)
		if !ok {
			return true
		}
		return h.authenticate(sess, cfg)
	}

	switch p := pkt.(type) {
	case wire.ProxyData:
		p.SrcIPv4 = sess.virtualIPv4
		h.routeFromSession(sess, p.DstIPv4, p)
	case wire.ProxyConnect:
		p.SrcIPv4 = sess.virtualIPv4
		h.routeFromSession(sess, p.DstIPv4, p)
	case wire.ProxyConnectReply:
		p.SrcIPv4 = sess.virtualIPv4
		h.routeFromSession(sess, p.DstIPv4, p)
	case wire.ProxyDisconnect:
		p.SrcIPv4 = sess.virtualIPv4
		h.routeFromSession(sess, p.DstIPv4, p)
	}
	return true
}

// routeFromSession fans pkt out to every peer session ShouldRoute selects,
// and additionally delivers it to the local node (node 0, the host
// process itself) when it is addressed to it or to broadcast.
func (h *Host) routeFromSession(sess *hostSession, dstIPv4 uint32, pkt wire.Packet) {
	h.routeUnicastOrBroadcast(sess.nodeID, sess, dstIPv4, func(target *hostSession) {
		h.sendTo(target, pkt)
	})
	if dest, ok := h.destNodeID(dstIPv4); ok && h.nodes.ShouldRoute(dest, sess.nodeID, 0) {
		h.opts.onLocalData(pkt)
	}
}

// SendFromHost forwards proxy traffic originated by the local game session
// (always node 0, since the host is always node 0) to the appropriate
// peer sessions, the same fan-out an accepted session's own frames get.
func (h *Host) SendFromHost(pkt wire.Packet) {
	var dst uint32
	switch p := pkt.(type) {
	case wire.ProxyData:
		dst = p.DstIPv4
	case wire.ProxyConnect:
		dst = p.DstIPv4
	case wire.ProxyConnectReply:
		dst = p.DstIPv4
	case wire.ProxyDisconnect:
		dst = p.DstIPv4
	default:
		return
	}
	h.routeUnicastOrBroadcast(0, nil, dst, func(target *hostSession) {
		h.sendTo(target, pkt)
	})
}

// destNodeID translates a proxy frame's destination virtual IPv4 into the
// node id ShouldRoute expects, preserving the broadcast sentinel.
func (h *Host) destNodeID(dstIPv4 uint32) (uint32, bool) {
	if dstIPv4 == wire.IPv4ToUint32(wire.BroadcastIPv4()) {
		return wire.BroadcastSentinel, true
	}
	id, ok := h.nodes.NodeIDForIPv4(dstIPv4)
	return uint32(id), ok
}

func (h *Host) authenticate(sess *hostSession, cfg wire.ExternalProxyConfig) bool {
	h.mu.Lock()
	token, ok := h.waitingTokens[cfg.Token]
	if ok {
		delete(h.waitingTokens, cfg.Token)
	}
	h.mu.Unlock()

	if !ok {
		h.log.Warnw("p2p session rejected, unknown token")
		return false
	}

	sess.authenticated = true
	sess.virtualIPv4 = token.VirtualIPv4
	sess.nodeID = token.NodeID

	h.mu.Lock()
	h.sessions[sess.nodeID] = sess
	h.mu.Unlock()

	mask := subnetMaskUint32()
	h.sendTo(sess, wire.ProxyConfig{VirtualIPv4: token.VirtualIPv4, SubnetMask: mask, NodeID: token.NodeID})
	return true
}

func subnetMaskUint32() uint32 {
	bits := wire.Subnet.Bits()
	if bits == 0 {
		return 0
	}
	return ^uint32(0) << (32 - bits)
}

// routeUnicastOrBroadcast fans a message out to every session (other than
// exclude, if non-nil) that nodemap.ShouldRoute says should receive it
// from senderNodeID. dstIPv4 is the frame's virtual destination address,
// translated to a node id first since ShouldRoute's routing predicate
// operates on node ids, not IPs.
func (h *Host) routeUnicastOrBroadcast(senderNodeID uint8, exclude *hostSession, dstIPv4 uint32, send func(*hostSession)) {
	dest, ok := h.destNodeID(dstIPv4)
	if !ok {
		h.log.Debugw("p2p dropping frame to unknown destination", "dst_ipv4", dstIPv4)
		return
	}

	h.mu.Lock()
	targets := make([]*hostSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s == exclude {
			continue
		}
		if h.nodes.ShouldRoute(dest, senderNodeID, s.nodeID) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		send(t)
	}
}

func (h *Host) sendTo(sess *hostSession, p wire.Packet) {
	frame, err := wire.Encode(p)
	if err != nil {
		h.log.Warnw("p2p encode failed", "type", p.Type(), "err", err)
		return
	}
	if _, err := sess.conn.Write(frame); err != nil {
		h.log.Debugw("p2p session write failed", "err", err)
	}
}

func (h *Host) dropSession(sess *hostSession) {
	_ = sess.conn.Close()

	h.mu.Lock()
	if sess.authenticated {
		delete(h.sessions, sess.nodeID)
	}
	h.mu.Unlock()

	if sess.authenticated {
		h.opts.onDisconnect(sess.virtualIPv4)
	}
}

// Stop closes the listener, disconnects every session, and releases the
// NAT lease, aggregating any teardown errors.
func (h *Host) Stop() error {
	h.ReleaseNatPunch()

	h.mu.Lock()
	ln := h.listener
	cancel := h.egCancel
	sessions := make([]*hostSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	var errs error
	if ln != nil {
		errs = multierr.Append(errs, ln.Close())
	}
	if cancel != nil {
		cancel()
	}
	for _, s := range sessions {
		errs = multierr.Append(errs, s.conn.Close())
	}
	if h.eg != nil {
		errs = multierr.Append(errs, h.eg.Wait())
	}
	return errs
}
