package p2p

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldntunnel/core/internal/nodemap"
	"github.com/ldntunnel/core/internal/wire"
)

func loopbackListener() func(addr string) (net.Listener, error) {
	return func(addr string) (net.Listener, error) {
		return net.Listen("tcp", "127.0.0.1:0")
	}
}

func networkInfoWithNodes(connected ...uint8) wire.NetworkInfo {
	var info wire.NetworkInfo
	info.NodeCountMax = wire.MaxNodeCount
	info.NodeCount = uint8(len(connected))
	for i, id := range connected {
		info.Nodes[i] = wire.NodeInfo{NodeID: id, IsConnected: 1, VirtualIPv4: wire.IPv4ToUint32(wire.NodeVirtualIPv4(id))}
	}
	return info
}

func startTestHost(t *testing.T, nodes *nodemap.Mapper, opts ...HostOption) (*Host, string) {
	t.Helper()
	allOpts := append([]HostOption{WithListener(loopbackListener())}, opts...)
	h := NewHost(nodes, allOpts...)
	_, err := h.Start(context.Background())
	require.NoError(t, err)
	return h, h.Addr().String()
}

func dialAndAuthenticate(t *testing.T, addr string, token wire.ExternalProxyToken) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)

	frame, err := wire.Encode(wire.ExternalProxyConfig{Token: token.Token})
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn net.Conn) wire.Packet {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	hdr := make([]byte, wire.HeaderSize)
	_, err := readFull(conn, hdr)
	require.NoError(t, err)
	h, err := wire.DecodeHeader(hdr)
	require.NoError(t, err)

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		_, err = readFull(conn, payload)
		require.NoError(t, err)
	}
	pkt, err := wire.Decode(append(hdr, payload...))
	require.NoError(t, err)
	return pkt
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

func TestHostAuthenticatesTokenAndAssignsVirtualIP(t *testing.T) {
	nodes := nodemap.New()
	h, addr := startTestHost(t, nodes)
	defer h.Stop()

	token := wire.ExternalProxyToken{Token: [16]byte{9, 9}, VirtualIPv4: 0x0A720002, NodeID: 1}
	h.AddWaitingToken(token)

	conn := dialAndAuthenticate(t, addr, token)
	defer conn.Close()

	pkt := readFrame(t, conn)
	cfg, ok := pkt.(wire.ProxyConfig)
	require.True(t, ok)
	assert.Equal(t, token.VirtualIPv4, cfg.VirtualIPv4)
	assert.Equal(t, token.NodeID, cfg.NodeID)
}

func TestHostRejectsUnknownToken(t *testing.T) {
	nodes := nodemap.New()
	h, addr := startTestHost(t, nodes)
	defer h.Stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := wire.Encode(wire.ExternalProxyConfig{Token: [16]byte{1}})
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	buf := make([]byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestHostRoutesProxyDataBetweenSessions(t *testing.T) {
	nodes := nodemap.New()
	nodes.UpdateFromNetworkInfo(networkInfoWithNodes(0, 1))
	h, addr := startTestHost(t, nodes)
	defer h.Stop()

	tokenA := wire.ExternalProxyToken{Token: [16]byte{1}, VirtualIPv4: wire.IPv4ToUint32(wire.NodeVirtualIPv4(0)), NodeID: 0}
	tokenB := wire.ExternalProxyToken{Token: [16]byte{2}, VirtualIPv4: wire.IPv4ToUint32(wire.NodeVirtualIPv4(1)), NodeID: 1}
	h.AddWaitingToken(tokenA)
	h.AddWaitingToken(tokenB)

	connA := dialAndAuthenticate(t, addr, tokenA)
	defer connA.Close()
	readFrame(t, connA) // ProxyConfig

	connB := dialAndAuthenticate(t, addr, tokenB)
	defer connB.Close()
	readFrame(t, connB) // ProxyConfig

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.sessions) == 2
	}, time.Second, time.Millisecond)

	hdr := wire.ProxyDataHeader{
		SrcIPv4: 0x0A7200FE, // spoofed; the host replaces it
		DstIPv4: tokenB.VirtualIPv4,
		Protocol: 17,
	}
	frame, err := wire.Encode(wire.ProxyData{ProxyDataHeader: hdr, Payload: []byte("ping")})
	require.NoError(t, err)
	_, err = connA.Write(frame)
	require.NoError(t, err)

	pkt := readFrame(t, connB)
	pd, ok := pkt.(wire.ProxyData)
	require.True(t, ok)
	assert.Equal(t, []byte("ping"), pd.Payload)
	assert.Equal(t, tokenA.VirtualIPv4, pd.SrcIPv4, "host must rewrite source to the session's assigned virtual IP")
}

func TestHostDisconnectNotifiesCallback(t *testing.T) {
	nodes := nodemap.New()
	notified := make(chan uint32, 1)
	h, addr := startTestHost(t, nodes, WithDisconnectNotifier(func(ip uint32) { notified <- ip }))
	defer h.Stop()

	token := wire.ExternalProxyToken{Token: [16]byte{5}, VirtualIPv4: 0x0A720003, NodeID: 2}
	h.AddWaitingToken(token)
	conn := dialAndAuthenticate(t, addr, token)
	readFrame(t, conn) // ProxyConfig

	conn.Close()

	select {
	case ip := <-notified:
		assert.Equal(t, token.VirtualIPv4, ip)
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not invoked")
	}
}
