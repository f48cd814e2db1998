package wire

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePingLiteral(t *testing.T) {
	frame, err := Encode(Ping{TimestampMs: 0x0102030405060708})
	require.NoError(t, err)
	require.Len(t, frame, HeaderSize+PingSize)

	hdr, err := DecodeHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, PacketPing, hdr.Type)
	assert.EqualValues(t, PingSize, hdr.Length)

	wantPayload := []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	assert.Equal(t, wantPayload, frame[HeaderSize:])

	pkt, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Ping{TimestampMs: 0x0102030405060708}, pkt)
}

func TestRoundTripEveryType(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
	}{
		{"Initialize", Initialize{ClientID: [16]byte{1}, Mac: [6]byte{2}}},
		{"HandshakeAck", HandshakeAck{}},
		{"SyncNetwork", NetworkInfo{NodeCount: 3, NodeCountMax: 8}},
		{"ScanReply", ScanReply{NetworkInfo{NodeCount: 1}}},
		{"ScanReplyEnd", ScanReplyEnd{}},
		{"Disconnect", Disconnect{NodeID: 2, Reason: 9}},
		{"Ping", Ping{TimestampMs: 42}},
		{"NetworkError", NetworkError{Code: 7}},
		{"ProxyConfig", ProxyConfig{VirtualIPv4: 1, SubnetMask: 2, NodeID: 3}},
		{"ProxyConnect", ProxyConnect{SrcIPv4: 1, SrcPort: 2, DstIPv4: 3, DstPort: 4}},
		{"ProxyConnectReply", ProxyConnectReply{SrcIPv4: 1, DstIPv4: 2, Accepted: 1}},
		{"ProxyData", ProxyData{ProxyDataHeader: ProxyDataHeader{SrcIPv4: 1, DstIPv4: 2}, Payload: []byte("hello")}},
		{"ProxyDataEmpty", ProxyData{ProxyDataHeader: ProxyDataHeader{SrcIPv4: 1, DstIPv4: 2}, Payload: []byte{}}},
		{"ProxyDisconnect", ProxyDisconnect{SrcIPv4: 1, DstIPv4: 2}},
		{"Reject", Reject{NodeID: 1, Reason: 2}},
		{"RejectReply", RejectReply{}},
		{"SetAcceptPolicy", SetAcceptPolicy{Policy: 1}},
		{"ExternalProxyConfig", ExternalProxyConfig{Token: [16]byte{9}, HostIPv4: 0x0A720001, HostPort: 39990}},
		{"ExternalProxyToken", ExternalProxyToken{Token: [16]byte{9}, VirtualIPv4: 5, NodeID: 1}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.pkt)
			require.NoError(t, err)

			got, err := Decode(frame)
			require.NoError(t, err)

			if diff := cmp.Diff(tc.pkt, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	valid, err := Encode(Ping{TimestampMs: 1})
	require.NoError(t, err)

	t.Run("incomplete", func(t *testing.T) {
		_, err := DecodeHeader(valid[:HeaderSize-1])
		assert.ErrorIs(t, err, ErrIncompletePacket)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[0] = 'X'
		_, err := DecodeHeader(bad)
		assert.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("bad version", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[4] = 99
		_, err := DecodeHeader(bad)
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})

	t.Run("too large", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[8], bad[9], bad[10], bad[11] = 0xFF, 0xFF, 0xFF, 0x7F
		_, err := DecodeHeader(bad)
		assert.ErrorIs(t, err, ErrPacketTooLarge)
	})
}

func TestDecodeUndersizedPayloadDropped(t *testing.T) {
	frame, err := Encode(Disconnect{NodeID: 1, Reason: 2})
	require.NoError(t, err)

	truncated := frame[:len(frame)-1]
	truncated[8] = byte(DisconnectSize - 1)

	_, err = Decode(truncated)
	assert.Error(t, err)
}

func TestBroadcastAndNodeAddresses(t *testing.T) {
	assert.Equal(t, "10.114.255.255", BroadcastIPv4().String())
	assert.Equal(t, "10.114.0.1", NodeVirtualIPv4(0).String())
	assert.Equal(t, "10.114.0.4", NodeVirtualIPv4(3).String())
}

func TestIsLDNAddress(t *testing.T) {
	assert.True(t, IsLDNAddress(IPv4ToUint32(NodeVirtualIPv4(0))))
	assert.False(t, IsLDNAddress(IPv4ToUint32(netip.MustParseAddr("192.168.1.10"))))
}
