// Package wire implements the framed TCP protocol shared by the relay
// client and the P2P joiner/host connections: a fixed 12-byte header
// followed by a fixed- or variable-length payload, all little-endian.
// The control-channel RPC surface (internal/ctrlrpc) uses its own framing.
package wire

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the encoded size of Header in bytes.
const HeaderSize = 12

// MagicValue identifies a frame belonging to this protocol.
var MagicValue = [4]byte{'R', 'L', 'Y', '1'}

// ProtocolVersion is the only version this implementation speaks.
const ProtocolVersion uint8 = 1

// MaxPacketSize bounds the payload length accepted by Decode. Frames
// beyond this size are discarded rather than buffered.
const MaxPacketSize = 0x10000

var (
	ErrInvalidMagic    = errors.New("wire: invalid magic")
	ErrInvalidVersion  = errors.New("wire: invalid protocol version")
	ErrIncompletePacket = errors.New("wire: incomplete packet")
	ErrPacketTooLarge  = errors.New("wire: packet exceeds maximum size")
	ErrUnknownType     = errors.New("wire: unknown packet type")
	ErrBadPayloadSize  = errors.New("wire: payload size does not match packet type")
)

// Header is the fixed framing header preceding every payload.
type Header struct {
	Magic    [4]byte
	Version  uint8
	Type     PacketType
	Reserved uint16
	Length   uint32
}

// EncodeHeader writes the 12-byte wire representation of h into buf, which
// must be at least HeaderSize bytes long.
func EncodeHeader(h Header, buf []byte) {
	_ = buf[HeaderSize-1]
	copy(buf[0:4], h.Magic[:])
	buf[4] = h.Version
	buf[5] = byte(h.Type)
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint32(buf[8:12], h.Length)
}

// DecodeHeader parses the leading HeaderSize bytes of buf.
//
// It returns ErrIncompletePacket if buf is shorter than HeaderSize,
// ErrInvalidMagic/ErrInvalidVersion if those fields don't match, and
// ErrPacketTooLarge if the declared length exceeds MaxPacketSize.
// Reserved bytes are never validated.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrIncompletePacket
	}

	var h Header
	copy(h.Magic[:], buf[0:4])
	if h.Magic != MagicValue {
		return Header{}, ErrInvalidMagic
	}

	h.Version = buf[4]
	if h.Version != ProtocolVersion {
		return Header{}, ErrInvalidVersion
	}

	h.Type = PacketType(buf[5])
	h.Reserved = binary.LittleEndian.Uint16(buf[6:8])
	h.Length = binary.LittleEndian.Uint32(buf[8:12])

	if h.Length > MaxPacketSize {
		return Header{}, ErrPacketTooLarge
	}

	return h, nil
}
