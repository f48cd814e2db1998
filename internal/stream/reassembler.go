// Package stream reassembles the framed wire protocol out of a raw TCP
// byte stream: a bounded linear buffer that accumulates Read() output and
// yields complete frames as the header declares them.
package stream

import (
	"bytes"
	"errors"

	"github.com/ldntunnel/core/internal/wire"
)

// ErrBufferFull is returned by Append when data would overflow the
// reassembler's capacity without yielding a complete frame first.
var ErrBufferFull = errors.New("stream: buffer full")

// Reassembler accumulates bytes from a framed TCP connection and extracts
// complete wire.Header-delimited frames. It never allocates beyond its
// fixed capacity; extracted frames are copied out and the remainder is
// shifted to the front, mirroring a shift-on-extract ring.
type Reassembler struct {
	buf []byte
	n   int // bytes currently held, always buf[:n]
}

// New returns a Reassembler with the given capacity, which must be at
// least wire.HeaderSize+wire.MaxPacketSize to guarantee the largest legal
// frame always fits.
func New(capacity int) *Reassembler {
	return &Reassembler{buf: make([]byte, capacity)}
}

// Len reports the number of buffered bytes not yet consumed.
func (r *Reassembler) Len() int { return r.n }

// Available reports how many more bytes can be appended before ErrBufferFull.
func (r *Reassembler) Available() int { return len(r.buf) - r.n }

// Append copies data onto the end of the buffer. It returns ErrBufferFull
// if data would not fit; callers should drain complete frames with
// ExtractPacket (or recover with Resynchronize) before retrying.
func (r *Reassembler) Append(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > r.Available() {
		return ErrBufferFull
	}
	copy(r.buf[r.n:], data)
	r.n += len(data)
	return nil
}

// HasCompletePacket reports whether a full frame is currently buffered.
func (r *Reassembler) HasCompletePacket() bool {
	_, ok := r.peekFrameLen()
	return ok
}

// peekFrameLen returns the total frame length (header + payload) for the
// packet at the front of the buffer, if one is fully present.
func (r *Reassembler) peekFrameLen() (int, bool) {
	if r.n < wire.HeaderSize {
		return 0, false
	}
	hdr, err := wire.DecodeHeader(r.buf[:r.n])
	if err != nil {
		return 0, false
	}
	total := wire.HeaderSize + int(hdr.Length)
	if r.n < total {
		return 0, false
	}
	return total, true
}

// ExtractPacket removes and returns the next complete frame (header +
// payload) from the front of the buffer. It returns false if no complete
// frame is currently available.
func (r *Reassembler) ExtractPacket() ([]byte, bool) {
	total, ok := r.peekFrameLen()
	if !ok {
		return nil, false
	}
	frame := make([]byte, total)
	copy(frame, r.buf[:total])
	r.consume(total)
	return frame, true
}

// consume discards the first size bytes, shifting the remainder to the front.
func (r *Reassembler) consume(size int) {
	if size <= 0 {
		return
	}
	if size >= r.n {
		r.n = 0
		return
	}
	remaining := r.n - size
	copy(r.buf, r.buf[size:r.n])
	r.n = remaining
}

// Resynchronize discards leading bytes until the buffer starts with a
// header that decodes cleanly (or is merely incomplete so far, i.e. a
// valid magic/version prefix that just needs more bytes), or until the
// buffer is empty. It returns the number of bytes discarded, for callers
// that want to log or count protocol desync events.
func (r *Reassembler) Resynchronize() int {
	discarded := 0
	for r.n >= wire.HeaderSize {
		_, err := wire.DecodeHeader(r.buf[:r.n])
		if err == nil || errors.Is(err, wire.ErrIncompletePacket) {
			break
		}
		r.consume(1)
		discarded++
	}
	// Fewer than HeaderSize bytes remain (or a valid header was found):
	// keep only a prefix that could still grow into a valid header.
	for r.n > 0 {
		m := min(r.n, len(wire.MagicValue))
		if bytes.Equal(r.buf[:m], wire.MagicValue[:m]) && (r.n <= m || r.buf[m] == wire.ProtocolVersion) {
			break
		}
		r.consume(1)
		discarded++
	}
	return discarded
}

// Reset empties the buffer without releasing its backing array.
func (r *Reassembler) Reset() { r.n = 0 }
