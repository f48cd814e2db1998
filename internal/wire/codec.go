package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// decodeSizes gives the single fixed payload size this client ever
// decodes for a given incoming packet type. ProxyData is absent: its
// size is the frame length, validated separately against
// ProxyDataHeaderSize.
var decodeSizes = map[PacketType]int{
	PacketInitialize:          InitializeSize,
	PacketConnected:           0, // HandshakeAck
	PacketSyncNetwork:         NetworkInfoSize,
	PacketScanReply:           NetworkInfoSize,
	PacketScanReplyEnd:        0,
	PacketDisconnect:          DisconnectSize,
	PacketPing:                PingSize,
	PacketNetworkError:        NetworkErrorSize,
	PacketProxyConfig:         ProxyConfigSize,
	PacketProxyConnect:        ProxyConnectSize,
	PacketProxyConnectReply:   ProxyConnectReplySize,
	PacketProxyDisconnect:     ProxyDisconnectSize,
	PacketReject:              RejectSize,
	PacketRejectReply:         0,
	PacketSetAcceptPolicy:     SetAcceptPolicySize,
	PacketExternalProxyConfig: ExternalProxyConfigSize,
	PacketExternalProxyToken:  ExternalProxyTokenSize,
}

// DecodeSize reports the expected payload size for a packet type this
// client decodes, and whether that type is recognized at all (an unknown
// type is silently dropped per spec).
func DecodeSize(t PacketType) (size int, known bool) {
	if t == PacketProxyData {
		return ProxyDataHeaderSize, true
	}
	size, known = decodeSizes[t]
	return size, known
}

// Marshal encodes a Packet's payload (header excluded).
func Marshal(p Packet) ([]byte, error) {
	switch v := p.(type) {
	case ScanReplyEnd, RejectReply, HandshakeAck:
		return nil, nil
	case ProxyData:
		buf := make([]byte, ProxyDataHeaderSize+len(v.Payload))
		if err := marshalFixed(buf[:ProxyDataHeaderSize], v.ProxyDataHeader); err != nil {
			return nil, err
		}
		copy(buf[ProxyDataHeaderSize:], v.Payload)
		return buf, nil
	case ScanReply:
		return marshalNew(v.NetworkInfo)
	default:
		return marshalNew(p)
	}
}

func marshalNew(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func marshalFixed(dst []byte, v any) error {
	buf := bytes.NewBuffer(dst[:0])
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return nil
}

// Encode produces the full wire frame (header + payload) for p.
func Encode(p Packet) ([]byte, error) {
	payload, err := Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	frame := make([]byte, HeaderSize+len(payload))
	EncodeHeader(Header{
		Magic:   MagicValue,
		Version: ProtocolVersion,
		Type:    p.Type(),
		Length:  uint32(len(payload)),
	}, frame[:HeaderSize])
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// DecodePayload interprets payload (whose length has already been
// validated against DecodeSize by the caller) as the Packet for t.
func DecodePayload(t PacketType, payload []byte) (Packet, error) {
	switch t {
	case PacketInitialize:
		var v Initialize
		return v, unmarshalFixed(payload, &v)
	case PacketConnected:
		return HandshakeAck{}, nil
	case PacketSyncNetwork:
		var v NetworkInfo
		return v, unmarshalFixed(payload, &v)
	case PacketScanReply:
		var v NetworkInfo
		if err := unmarshalFixed(payload, &v); err != nil {
			return nil, err
		}
		return ScanReply{NetworkInfo: v}, nil
	case PacketScanReplyEnd:
		return ScanReplyEnd{}, nil
	case PacketDisconnect:
		var v Disconnect
		return v, unmarshalFixed(payload, &v)
	case PacketPing:
		var v Ping
		return v, unmarshalFixed(payload, &v)
	case PacketNetworkError:
		var v NetworkError
		return v, unmarshalFixed(payload, &v)
	case PacketProxyConfig:
		var v ProxyConfig
		return v, unmarshalFixed(payload, &v)
	case PacketProxyConnect:
		var v ProxyConnect
		return v, unmarshalFixed(payload, &v)
	case PacketProxyConnectReply:
		var v ProxyConnectReply
		return v, unmarshalFixed(payload, &v)
	case PacketProxyData:
		if len(payload) < ProxyDataHeaderSize {
			return nil, ErrBadPayloadSize
		}
		var hdr ProxyDataHeader
		if err := unmarshalFixed(payload[:ProxyDataHeaderSize], &hdr); err != nil {
			return nil, err
		}
		tail := make([]byte, len(payload)-ProxyDataHeaderSize)
		copy(tail, payload[ProxyDataHeaderSize:])
		return ProxyData{ProxyDataHeader: hdr, Payload: tail}, nil
	case PacketProxyDisconnect:
		var v ProxyDisconnect
		return v, unmarshalFixed(payload, &v)
	case PacketReject:
		var v Reject
		return v, unmarshalFixed(payload, &v)
	case PacketRejectReply:
		return RejectReply{}, nil
	case PacketSetAcceptPolicy:
		var v SetAcceptPolicy
		return v, unmarshalFixed(payload, &v)
	case PacketExternalProxyConfig:
		var v ExternalProxyConfig
		return v, unmarshalFixed(payload, &v)
	case PacketExternalProxyToken:
		var v ExternalProxyToken
		return v, unmarshalFixed(payload, &v)
	default:
		return nil, ErrUnknownType
	}
}

func unmarshalFixed(payload []byte, v any) error {
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("wire: unmarshal %T: %w", v, err)
	}
	return nil
}

// Decode parses a complete frame (header + exactly Header.Length payload
// bytes) into its typed Packet, validating the payload size against
// DecodeSize.
func Decode(frame []byte) (Packet, error) {
	hdr, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}

	payload := frame[HeaderSize:]
	if uint32(len(payload)) != hdr.Length {
		return nil, ErrIncompletePacket
	}

	size, known := DecodeSize(hdr.Type)
	if !known {
		return nil, ErrUnknownType
	}
	if hdr.Type == PacketProxyData {
		if len(payload) < size {
			return nil, ErrBadPayloadSize
		}
	} else if len(payload) != size {
		return nil, ErrBadPayloadSize
	}

	return DecodePayload(hdr.Type, payload)
}
