// Package ctrlrpc implements the control-channel RPC surface (spec
// §4.16, §6): a standalone IPC endpoint exposing read-only queries
// (version, connection status, local-comm state, session info, RTT,
// active process id) and mutators (server address, passphrase, feature
// toggles, debug level, save/reload config, force-reconnect). Mutators
// take effect immediately; a server-address change is also followed by
// raising the pending-reconnect flag, which the relay owner thread
// consumes on its next tick to redial.
package ctrlrpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/ldntunnel/core/internal/config"
	"github.com/ldntunnel/core/internal/sharedstate"
)

// Version identifies this control RPC surface, returned by CmdVersion.
const Version = "ldntunneld-ctrlrpc-1"

// CommandID is a stable numeric command identifier (spec §6: ids 0..30).
type CommandID uint8

const (
	CmdVersion CommandID = iota
	CmdConnectionStatus
	CmdLocalCommState
	CmdSessionInfo
	CmdLastRTT
	CmdActivePid
	CmdSetServerAddress
	CmdSetPassphrase
	CmdSetFeatureToggle
	CmdSetDebugLevel
	CmdSaveConfig
	CmdReloadConfig
	CmdForceReconnect
	// maxCommandID reserves the remainder of the spec's 0..30 id space
	// for commands not yet assigned.
	maxCommandID CommandID = 30
)

func (c CommandID) valid() bool { return c <= maxCommandID }

// StatusCode is the reply's outcome.
type StatusCode uint8

const (
	StatusOK StatusCode = iota
	StatusUnknownCommand
	StatusBadRequest
	StatusInternalError
)

// frameHeaderSize is the fixed prologue on every request and reply:
// command/status byte, a reserved byte, and a little-endian payload
// length.
const frameHeaderSize = 4

// ErrShortFrame is returned when fewer than frameHeaderSize bytes are
// available to decode a header.
var ErrShortFrame = errors.New("ctrlrpc: short frame")

// ServerAddress is the mutator payload for CmdSetServerAddress, the
// fixed 68-byte `{host[64], port:u16, _pad:u16}` structure from spec §6.
type ServerAddress struct {
	Host [64]byte
	Port uint16
	Pad  uint16
}

// HostString returns Host as a Go string, trimmed at the first NUL.
func (a ServerAddress) HostString() string {
	for i, b := range a.Host {
		if b == 0 {
			return string(a.Host[:i])
		}
	}
	return string(a.Host[:])
}

// SessionInfoWire is the control channel's 8-byte session-info reply
// structure, `{node_count, max_nodes, local_node_id, is_host,
// reserved[4]}` (spec §6) — sharedstate.SessionInfo plus its wire padding.
type SessionInfoWire struct {
	NodeCount   uint8
	MaxNodes    uint8
	LocalNodeID uint8
	IsHost      uint8
	Reserved    [4]byte
}

func sessionInfoToWire(info sharedstate.SessionInfo) SessionInfoWire {
	w := SessionInfoWire{NodeCount: info.NodeCount, MaxNodes: info.MaxNodes, LocalNodeID: info.LocalNodeID}
	if info.IsHost {
		w.IsHost = 1
	}
	return w
}

// marshalFixed writes a fixed-size struct's plain numeric fields using
// binary.Write, the same reflection-based approach internal/wire's codec
// uses, since every ctrlrpc fixed payload is POD just like a wire frame.
func marshalFixed(v any) ([]byte, error) {
	buf := make([]byte, 0, 64)
	w := &sliceWriter{buf: buf}
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return w.buf, nil
}

type sliceWriter struct{ buf []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func unmarshalFixed(data []byte, v any) error {
	return binary.Read(newByteReader(data), binary.LittleEndian, v)
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.data[r.pos:])
	r.pos += n
	if n < len(p) {
		return n, fmt.Errorf("ctrlrpc: short read")
	}
	return n, nil
}

// FeatureToggle is the mutator payload for CmdSetFeatureToggle: Pattern is
// a glob matched against known feature names, Enabled is the value every
// matching feature is set to.
type FeatureToggle struct {
	Pattern string
	Enabled bool
}

// Handlers supplies the collaborators a Server dispatches commands
// against. Every field is required except SetFeatureToggle, which may be
// nil when the caller only needs the built-in glob-matched feature map,
// and SetDebugLevel, which may be nil as its own comment says.
type Handlers struct {
	Shared *sharedstate.State
	Cfg    *config.Config

	// SetServerAddress applies a server-address mutation. The Server
	// itself then marks a reconnect pending for the relay owner thread's
	// next tick.
	SetServerAddress func(addr ServerAddress)
	// SetPassphrase applies a passphrase mutation.
	SetPassphrase func(passphrase string)
	// SetFeatureToggle applies a feature-toggle mutation.
	SetFeatureToggle func(toggle FeatureToggle) error
	// SaveConfig persists the current configuration.
	SaveConfig func() error
	// ReloadConfig reloads the configuration from disk.
	ReloadConfig func() error
	// SetDebugLevel observes a debug-level mutation after Cfg.Debug.Level
	// has been updated, so a caller holding its own derived state (e.g. a
	// running logger's atomic level) can stay in sync without polling Cfg
	// from another goroutine. May be nil.
	SetDebugLevel func(level int)
}

// Options configures a Server via the functional-options pattern.
type Options struct {
	Log *zap.SugaredLogger
}

// Option mutates Options.
type Option func(*Options)

func newOptions() *Options {
	return &Options{Log: zap.NewNop().Sugar()}
}

// WithLog sets the server's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *Options) { o.Log = log }
}

// Server accepts control-channel connections and dispatches commands
// against Handlers. Each connection is served on its own goroutine;
// multiple concurrent connections are supported since every query reads
// through the already-synchronized sharedstate.State.
type Server struct {
	opts     *Options
	log      *zap.SugaredLogger
	handlers Handlers
	features map[string]bool
}

// New builds a Server. featureNames lists every feature CmdSetFeatureToggle's
// glob pattern may match.
func New(handlers Handlers, featureNames []string, opts ...Option) *Server {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	features := make(map[string]bool, len(featureNames))
	for _, name := range featureNames {
		features[name] = false
	}
	return &Server{opts: o, log: o.Log, handlers: handlers, features: features}
}

// Serve accepts connections on ln until ctx is canceled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		cmd, payload, err := readRequest(conn)
		if err != nil {
			s.log.Debugw("ctrlrpc connection closing", "err", err)
			return
		}
		status, reply := s.dispatch(cmd, payload)
		if err := writeReply(conn, status, reply); err != nil {
			s.log.Debugw("ctrlrpc write failed", "err", err)
			return
		}
	}
}

func readRequest(conn net.Conn) (CommandID, []byte, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := readFull(conn, hdr); err != nil {
		return 0, nil, err
	}
	cmd := CommandID(hdr[0])
	length := binary.LittleEndian.Uint16(hdr[2:4])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := readFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return cmd, payload, nil
}

func writeReply(conn net.Conn, status StatusCode, payload []byte) error {
	hdr := make([]byte, frameHeaderSize)
	hdr[0] = byte(status)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(payload)))
	if _, err := conn.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := conn.Write(payload)
		return err
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// dispatch routes one decoded command to its handler, returning the
// status and reply payload to frame back to the caller.
func (s *Server) dispatch(cmd CommandID, payload []byte) (StatusCode, []byte) {
	if !cmd.valid() {
		return StatusUnknownCommand, nil
	}

	switch cmd {
	case CmdVersion:
		return StatusOK, []byte(Version)
	case CmdConnectionStatus:
		pid, tunneled := s.handlers.Shared.TunneledPid()
		reply, _ := marshalFixed(struct {
			Tunneled uint8
			Pid      uint32
		}{boolByte(tunneled), uint32(pid)})
		return StatusOK, reply
	case CmdLocalCommState:
		return StatusOK, []byte{byte(s.handlers.Shared.LocalCommState())}
	case CmdSessionInfo:
		reply, err := marshalFixed(sessionInfoToWire(s.handlers.Shared.SessionInfo()))
		if err != nil {
			return StatusInternalError, nil
		}
		return StatusOK, reply
	case CmdLastRTT:
		reply, _ := marshalFixed(s.handlers.Shared.LastRTT())
		return StatusOK, reply
	case CmdActivePid:
		pid, _ := s.handlers.Shared.TunneledPid()
		reply, _ := marshalFixed(int64(pid))
		return StatusOK, reply
	case CmdSetServerAddress:
		var addr ServerAddress
		if err := unmarshalFixed(payload, &addr); err != nil {
			return StatusBadRequest, nil
		}
		s.handlers.SetServerAddress(addr)
		s.handlers.Shared.RequestReconnect()
		return StatusOK, nil
	case CmdSetPassphrase:
		s.handlers.SetPassphrase(string(payload))
		return StatusOK, nil
	case CmdSetFeatureToggle:
		toggle, err := decodeFeatureToggle(payload)
		if err != nil {
			return StatusBadRequest, nil
		}
		if err := s.applyFeatureToggle(toggle); err != nil {
			return StatusInternalError, nil
		}
		return StatusOK, nil
	case CmdSetDebugLevel:
		if len(payload) != 1 || payload[0] > 3 {
			return StatusBadRequest, nil
		}
		s.handlers.Cfg.Debug.Level = int(payload[0])
		if s.handlers.SetDebugLevel != nil {
			s.handlers.SetDebugLevel(s.handlers.Cfg.Debug.Level)
		}
		return StatusOK, nil
	case CmdSaveConfig:
		if err := s.handlers.SaveConfig(); err != nil {
			return StatusInternalError, nil
		}
		return StatusOK, nil
	case CmdReloadConfig:
		if err := s.handlers.ReloadConfig(); err != nil {
			return StatusInternalError, nil
		}
		return StatusOK, nil
	case CmdForceReconnect:
		s.handlers.Shared.RequestReconnect()
		return StatusOK, nil
	default:
		return StatusUnknownCommand, nil
	}
}

// applyFeatureToggle compiles toggle.Pattern as a glob and sets every
// known feature name it matches to toggle.Enabled.
func (s *Server) applyFeatureToggle(toggle FeatureToggle) error {
	g, err := glob.Compile(toggle.Pattern)
	if err != nil {
		return fmt.Errorf("ctrlrpc: invalid feature pattern %q: %w", toggle.Pattern, err)
	}
	if s.handlers.SetFeatureToggle != nil {
		if err := s.handlers.SetFeatureToggle(toggle); err != nil {
			return err
		}
	}
	for name := range s.features {
		if g.Match(name) {
			s.features[name] = toggle.Enabled
		}
	}
	return nil
}

// FeatureEnabled reports a feature's current toggle state.
func (s *Server) FeatureEnabled(name string) bool {
	return s.features[name]
}

func decodeFeatureToggle(payload []byte) (FeatureToggle, error) {
	if len(payload) < 1 {
		return FeatureToggle{}, ErrShortFrame
	}
	return FeatureToggle{
		Pattern: string(payload[1:]),
		Enabled: payload[0] != 0,
	}, nil
}

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
