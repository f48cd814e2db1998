// Package relay implements the relay-server protocol client (spec §4.5,
// §4.6): framed TCP plus reassembly, reconnect backoff, the connection
// state machine, handshake/keepalive scheduling, and typed packet
// dispatch, all driven by a single owner thread's tick(now) call.
package relay

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ldntunnel/core/internal/fsm"
	"github.com/ldntunnel/core/internal/reconnect"
	"github.com/ldntunnel/core/internal/stream"
	"github.com/ldntunnel/core/internal/wire"
)

// ErrNotReady is returned by every send method outside the Ready state.
var ErrNotReady = errors.New("relay: connection not ready")

const (
	// reassemblerCapacity must be at least HeaderSize + MaxPacketSize so
	// the largest legal frame always fits (spec §4.2).
	reassemblerCapacity = wire.HeaderSize + wire.MaxPacketSize

	// KeepaliveInterval is how often a Ping is sent while Ready.
	KeepaliveInterval = 15 * time.Second
	// PingResponseTimeout bounds how long a pong may take before the
	// connection is declared lost.
	PingResponseTimeout = 10 * time.Second
	// MaxOutstandingPings caps consecutive unanswered pings before the
	// connection is declared lost even if individual timeouts haven't
	// yet elapsed.
	MaxOutstandingPings = 3
	// HandshakeTimeout bounds how long Initialize may go unanswered.
	HandshakeTimeout = 5 * time.Second
)

// Handler is invoked for every decoded packet, in the owner thread's
// context (spec §4.6 packet dispatcher).
type Handler func(pkt wire.Packet)

// Options configures a Client via the functional-options pattern.
type Options struct {
	Log          *zap.SugaredLogger
	ClientID     [16]byte
	Mac          [6]byte
	ReconnectCfg reconnect.Config
	Dial         func(addr string) (net.Conn, error)
}

// Option mutates Options.
type Option func(*Options)

func newOptions() *Options {
	return &Options{
		Log:          zap.NewNop().Sugar(),
		ReconnectCfg: reconnect.DefaultConfig(),
		Dial: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 5*time.Second)
		},
	}
}

// WithLog sets the client's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *Options) { o.Log = log }
}

// WithIdentity sets the stable client id and MAC sent in the handshake.
func WithIdentity(clientID [16]byte, mac [6]byte) Option {
	return func(o *Options) { o.ClientID = clientID; o.Mac = mac }
}

// WithReconnectConfig overrides the default backoff configuration.
func WithReconnectConfig(cfg reconnect.Config) Option {
	return func(o *Options) { o.ReconnectCfg = cfg }
}

// WithDialer overrides how the client opens its TCP connection (for tests).
func WithDialer(dial func(addr string) (net.Conn, error)) Option {
	return func(o *Options) { o.Dial = dial }
}

// Client is the relay-server protocol client. It is driven exclusively by
// its owner thread via Tick; no method is safe to call concurrently with
// another Client method.
type Client struct {
	opts *Options
	log  *zap.SugaredLogger

	addr string
	conn net.Conn

	reasm   *stream.Reassembler
	backoff *reconnect.Policy
	sm      *fsm.Machine[fsm.ConnState, fsm.ConnEvent]

	handlers map[wire.PacketType]Handler

	backoffUntil      time.Time
	handshakeDeadline time.Time
	lastPingSent      time.Time
	pingOutstanding   int
	lastPong          time.Time
}

// New builds a Client targeting addr, not yet connected.
func New(addr string, opts ...Option) *Client {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{
		opts:     o,
		log:      o.Log,
		addr:     addr,
		reasm:    stream.New(reassemblerCapacity),
		backoff:  reconnect.New(o.ReconnectCfg),
		sm:       fsm.NewConnStateMachine(),
		handlers: make(map[wire.PacketType]Handler),
	}
	c.sm.OnChange(func(from, to fsm.ConnState) {
		c.log.Debugw("relay connection state change", "from", from, "to", to)
	})
	return c
}

// State returns the current connection state.
func (c *Client) State() fsm.ConnState { return c.sm.State() }

// SetAddr retargets the next Dial at a new relay address. It takes effect
// on the following reconnect; the current connection, if any, is left
// untouched until the owner thread tears it down.
func (c *Client) SetAddr(addr string) { c.addr = addr }

// OnStateChange installs an observer invoked synchronously on every
// successful transition, in addition to internal logging.
func (c *Client) OnStateChange(cb func(from, to fsm.ConnState)) {
	c.sm.OnChange(func(from, to fsm.ConnState) {
		c.log.Debugw("relay connection state change", "from", from, "to", to)
		cb(from, to)
	})
}

// Handle registers the callback invoked for decoded packets of type t,
// replacing any previous handler (spec §4.6).
func (c *Client) Handle(t wire.PacketType, h Handler) {
	c.handlers[t] = h
}

// Dial initiates a connection attempt, moving Disconnected/Retrying -> Connecting.
func (c *Client) Dial() {
	if _, err := c.sm.Fire(fsm.EvDial); err != nil {
		c.log.Debugw("dial ignored", "state", c.sm.State(), "err", err)
		return
	}

	conn, err := c.opts.Dial(c.addr)
	if err != nil {
		c.log.Warnw("relay dial failed", "addr", c.addr, "err", err)
		c.enterBackoff(fsm.EvTCPFailed)
		return
	}

	c.conn = conn
	c.reasm.Reset()
	if _, err := c.sm.Fire(fsm.EvTCPConnected); err != nil {
		c.log.Errorw("unexpected state after dial", "err", err)
		return
	}
	c.sendHandshake()
}

func (c *Client) sendHandshake() {
	init := wire.Initialize{ClientID: c.opts.ClientID, Mac: c.opts.Mac}
	if err := c.writeFrame(init); err != nil {
		c.log.Warnw("handshake send failed", "err", err)
		c.enterBackoff(fsm.EvWriteFailed)
		return
	}
	c.handshakeDeadline = time.Now().Add(HandshakeTimeout)
	if _, err := c.sm.Fire(fsm.EvHandshakeSent); err != nil {
		c.log.Errorw("unexpected state entering handshake", "err", err)
	}
}

func (c *Client) enterBackoff(ev fsm.ConnEvent) {
	if _, err := c.sm.Fire(ev); err != nil {
		return
	}
	c.backoffUntil = time.Now().Add(c.backoff.NextDelay())
	c.backoff.RecordFailure()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Tick drives the client: advances reconnect timers, drains incoming
// bytes and dispatches complete packets, emits keepalive pings, and
// enforces handshake/ping timeouts (spec §4.5).
func (c *Client) Tick(now time.Time) {
	switch c.sm.State() {
	case fsm.Disconnected:
		c.Dial()
	case fsm.Backoff:
		if !now.Before(c.backoffUntil) {
			c.sm.Fire(fsm.EvBackoffElapsed)
		}
	case fsm.Retrying:
		if c.backoff.ShouldRetry() == reconnect.MaxRetriesReached {
			c.sm.Fire(fsm.EvMaxRetriesReached)
			return
		}
		c.Dial()
	case fsm.Handshaking:
		if now.After(c.handshakeDeadline) {
			c.enterBackoff(fsm.EvHandshakeTimeout)
			return
		}
		c.drainAndDispatch()
	case fsm.Ready:
		c.tickReady(now)
	}
}

func (c *Client) tickReady(now time.Time) {
	if now.Sub(c.lastPingSent) >= KeepaliveInterval {
		if err := c.writeFrame(wire.Ping{TimestampMs: uint64(now.UnixMilli())}); err != nil {
			c.enterBackoff(fsm.EvWriteFailed)
			return
		}
		c.lastPingSent = now
		c.pingOutstanding++
	}
	if c.pingOutstanding > 0 && now.Sub(c.lastPingSent) > PingResponseTimeout {
		c.enterBackoff(fsm.EvPingTimeout)
		return
	}
	if c.pingOutstanding > MaxOutstandingPings {
		c.enterBackoff(fsm.EvPingTimeout)
		return
	}
	c.drainAndDispatch()
}

func (c *Client) drainAndDispatch() {
	if c.conn == nil {
		return
	}

	buf := make([]byte, 4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := c.conn.Read(buf)
	if n > 0 {
		if appendErr := c.reasm.Append(buf[:n]); appendErr != nil {
			c.log.Warnw("reassembler overflow, resynchronizing", "err", appendErr)
			c.reasm.Reset()
		}
	}
	if err != nil && !isTimeout(err) {
		c.enterBackoff(fsm.EvPeerReset)
		return
	}

	for {
		frame, ok := c.reasm.ExtractPacket()
		if !ok {
			if discarded := c.reasm.Resynchronize(); discarded > 0 {
				c.log.Debugw("resynchronized stream", "discarded", discarded)
				continue
			}
			break
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame []byte) {
	pkt, err := wire.Decode(frame)
	if err != nil {
		c.log.Debugw("dropping undecodable frame", "err", err)
		return
	}

	switch p := pkt.(type) {
	case wire.HandshakeAck:
		if c.sm.State() == fsm.Handshaking {
			c.sm.Fire(fsm.EvHandshakeAck)
			c.backoff.Reset()
			c.lastPingSent = time.Now()
		}
	case wire.NetworkError:
		c.log.Warnw("relay reported network error", "code", p.Code)
		if c.sm.State() == fsm.Handshaking {
			c.enterBackoff(fsm.EvHandshakeTimeout)
		}
	case wire.Ping:
		c.pingOutstanding = 0
		c.lastPong = time.Now()
	}

	if h, ok := c.handlers[pkt.Type()]; ok {
		h(pkt)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Client) writeFrame(p wire.Packet) error {
	frame, err := wire.Encode(p)
	if err != nil {
		return err
	}
	if c.conn == nil {
		return errors.New("relay: not connected")
	}
	_, err = c.conn.Write(frame)
	return err
}

// send is the common guard for every typed send surface method: only
// Ready accepts sends (spec §4.5).
func (c *Client) send(p wire.Packet) error {
	if c.sm.State() != fsm.Ready {
		return ErrNotReady
	}
	if err := c.writeFrame(p); err != nil {
		c.enterBackoff(fsm.EvWriteFailed)
		return fmt.Errorf("relay: send failed: %w", err)
	}
	return nil
}

// Scan requests the access-point list, encoded as a ScanFilter under PacketScanReply.
func (c *Client) Scan(filter wire.ScanFilter) error { return c.send(filter) }

// CreateAccessPoint sends a network-creation request.
func (c *Client) CreateAccessPoint(data wire.ConnectNetworkData) error { return c.send(data) }

// Connect sends a join request for an access point.
func (c *Client) Connect(data wire.ConnectNetworkData) error { return c.send(data) }

// ProxyData sends a unicast or broadcast application payload.
func (c *Client) ProxyData(hdr wire.ProxyDataHeader, payload []byte) error {
	return c.send(wire.ProxyData{ProxyDataHeader: hdr, Payload: payload})
}

// ProxyConnect requests a virtual TCP handshake when no P2P link has been
// established yet, so the relay must carry it instead.
func (c *Client) ProxyConnect(req wire.ProxyConnect) error { return c.send(req) }

// ProxyConnectReply answers a ProxyConnect relayed through the server.
func (c *Client) ProxyConnectReply(resp wire.ProxyConnectReply) error { return c.send(resp) }

// ProxyDisconnect tears down a virtual TCP connection relayed through the server.
func (c *Client) ProxyDisconnect(msg wire.ProxyDisconnect) error { return c.send(msg) }

// Ping manually emits a keepalive ping outside the automatic schedule.
func (c *Client) Ping(ts uint64) error { return c.send(wire.Ping{TimestampMs: ts}) }

// Finalize disconnects and moves the state machine to Disconnecting. Tick
// does not redial from Disconnecting; an explicit Dial starts over.
func (c *Client) Finalize() {
	c.sm.Fire(fsm.EvFinalize)
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
