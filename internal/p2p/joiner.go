// Package p2p implements the direct peer-to-peer connections that bypass
// the relay server once a session is established: the joiner client that
// dials a session host directly, and the host server that accepts joiner
// connections on the well-known P2P port range (spec §4.13, §4.14).
package p2p

import (
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ldntunnel/core/internal/stream"
	"github.com/ldntunnel/core/internal/wire"
)

// AuthTimeout bounds how long a joiner waits for ProxyConfig after sending
// ExternalProxyConfig, matching the relay-coordinated P2P handshake budget.
const AuthTimeout = 4000 * time.Millisecond

// ConnectTimeout bounds the initial TCP dial to the host.
const ConnectTimeout = 5 * time.Second

// reassemblerCapacity mirrors internal/relay's: large enough for the
// biggest legal frame regardless of TCP segmentation.
const reassemblerCapacity = wire.HeaderSize + wire.MaxPacketSize

// ErrNotConnected is returned by send methods before Connect succeeds.
var ErrNotConnected = errors.New("p2p: not connected to host")

// ErrAuthTimeout is returned by EnsureReady if the host never answers.
var ErrAuthTimeout = errors.New("p2p: timed out waiting for ProxyConfig")

// PacketCallback forwards a decoded proxy packet up to the caller (the
// local-comm service), which in turn feeds it to the virtual socket layer.
type PacketCallback func(pkt wire.Packet)

// JoinerOption configures a Joiner via the functional-options pattern.
type JoinerOption func(*joinerOptions)

type joinerOptions struct {
	log  *zap.SugaredLogger
	dial func(addr string) (net.Conn, error)
}

func newJoinerOptions() *joinerOptions {
	return &joinerOptions{
		log: zap.NewNop().Sugar(),
		dial: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, ConnectTimeout)
		},
	}
}

// WithJoinerLog sets the joiner's logger.
func WithJoinerLog(log *zap.SugaredLogger) JoinerOption {
	return func(o *joinerOptions) { o.log = log }
}

// WithJoinerDialer overrides how the joiner opens its TCP connection (for tests).
func WithJoinerDialer(dial func(addr string) (net.Conn, error)) JoinerOption {
	return func(o *joinerOptions) { o.dial = dial }
}

// Joiner is a direct P2P client: it dials a session host, authenticates
// with a relay-issued token, and then forwards proxy traffic in both
// directions until Disconnect. Its receive path runs on a dedicated
// goroutine, unlike internal/relay's single tick(now) owner thread, to
// mirror the host's one-goroutine-per-session model it talks to.
type Joiner struct {
	opts *joinerOptions
	log  *zap.SugaredLogger

	callback PacketCallback

	mu          sync.Mutex
	conn        net.Conn
	proxyConfig wire.ProxyConfig
	ready       bool
	readyCh     chan struct{}
	closed      bool
}

// NewJoiner builds a Joiner that forwards decoded proxy packets to callback.
func NewJoiner(callback PacketCallback, opts ...JoinerOption) *Joiner {
	o := newJoinerOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Joiner{
		opts:     o,
		log:      o.log,
		callback: callback,
		readyCh:  make(chan struct{}),
	}
}

// Connect dials the host at addr and starts the receive goroutine.
func (j *Joiner) Connect(addr string) error {
	conn, err := j.opts.dial(addr)
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.conn = conn
	j.mu.Unlock()

	go j.receiveLoop(conn)
	return nil
}

// Authenticate sends the relay-issued single-use token to the host,
// requesting virtual-address assignment.
func (j *Joiner) Authenticate(token [16]byte) error {
	return j.writeFrame(wire.ExternalProxyConfig{Token: token})
}

// EnsureReady blocks until the host's ProxyConfig arrives or timeout
// elapses, returning the assigned virtual address configuration.
func (j *Joiner) EnsureReady(timeout time.Duration) (wire.ProxyConfig, error) {
	select {
	case <-j.readyCh:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.proxyConfig, nil
	case <-time.After(timeout):
		return wire.ProxyConfig{}, ErrAuthTimeout
	}
}

// IsReady reports whether ProxyConfig has already been received.
func (j *Joiner) IsReady() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ready
}

// VirtualIPv4 returns the IP assigned by the host. Valid only after
// EnsureReady returns successfully.
func (j *Joiner) VirtualIPv4() uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.proxyConfig.VirtualIPv4
}

func (j *Joiner) receiveLoop(conn net.Conn) {
	reasm := stream.New(reassemblerCapacity)
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if appendErr := reasm.Append(buf[:n]); appendErr != nil {
				j.log.Warnw("p2p reassembler overflow, resynchronizing", "err", appendErr)
				reasm.Reset()
			}
			j.drain(reasm)
		}
		if err != nil {
			j.log.Debugw("p2p receive loop exiting", "err", err)
			return
		}
	}
}

func (j *Joiner) drain(reasm *stream.Reassembler) {
	for {
		frame, ok := reasm.ExtractPacket()
		if !ok {
			if discarded := reasm.Resynchronize(); discarded > 0 {
				continue
			}
			return
		}
		j.dispatch(frame)
	}
}

func (j *Joiner) dispatch(frame []byte) {
	pkt, err := wire.Decode(frame)
	if err != nil {
		j.log.Debugw("p2p dropping undecodable frame", "err", err)
		return
	}

	if cfg, ok := pkt.(wire.ProxyConfig); ok {
		j.mu.Lock()
		j.proxyConfig = cfg
		if !j.ready {
			j.ready = true
			close(j.readyCh)
		}
		j.mu.Unlock()
		return
	}

	switch pkt.(type) {
	case wire.ProxyData, wire.ProxyConnect, wire.ProxyConnectReply, wire.ProxyDisconnect:
		if j.callback != nil {
			j.callback(pkt)
		}
	}
}

func (j *Joiner) writeFrame(p wire.Packet) error {
	j.mu.Lock()
	conn := j.conn
	j.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := wire.Encode(p)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

// SendProxyData forwards a unicast/broadcast application payload to the host.
func (j *Joiner) SendProxyData(hdr wire.ProxyDataHeader, payload []byte) error {
	return j.writeFrame(wire.ProxyData{ProxyDataHeader: hdr, Payload: payload})
}

// SendProxyConnect requests a virtual TCP handshake via the host.
func (j *Joiner) SendProxyConnect(req wire.ProxyConnect) error {
	return j.writeFrame(req)
}

// SendProxyConnectReply answers a ProxyConnect relayed by the host.
func (j *Joiner) SendProxyConnectReply(resp wire.ProxyConnectReply) error {
	return j.writeFrame(resp)
}

// SendProxyDisconnect tears down a virtual TCP connection via the host.
func (j *Joiner) SendProxyDisconnect(msg wire.ProxyDisconnect) error {
	return j.writeFrame(msg)
}

// Disconnect closes the TCP connection, ending the receive goroutine.
func (j *Joiner) Disconnect() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.closed = true
	if j.conn != nil {
		_ = j.conn.Close()
	}
}
