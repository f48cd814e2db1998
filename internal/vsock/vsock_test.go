package vsock

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindRequiresUnboundSocket(t *testing.T) {
	s := newSocket(3, Datagram, ProtoUDP)
	require.NoError(t, s.Bind(Addr{Port: 1000}))
	err := s.Bind(Addr{Port: 2000})
	assert.ErrorIs(t, err, ErrAlreadyBound)
}

func TestRecvOnClosedReturnsEOF(t *testing.T) {
	s := newSocket(3, Stream, ProtoTCP)
	s.Close()
	payload, err := s.Recv(false)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestRecvNonBlockingEmptyReturnsEAGAIN(t *testing.T) {
	s := newSocket(3, Stream, ProtoTCP)
	s.SetNonBlocking(true)
	_, err := s.Recv(false)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestRecvBlockingUnblocksOnIncomingData(t *testing.T) {
	s := newSocket(3, Stream, ProtoTCP)

	done := make(chan []byte, 1)
	go func() {
		payload, err := s.Recv(false)
		require.NoError(t, err)
		done <- payload
	}()

	time.Sleep(20 * time.Millisecond)
	s.IncomingData([]byte("hello"))

	select {
	case payload := <-done:
		assert.Equal(t, []byte("hello"), payload)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	s := newSocket(3, Stream, ProtoTCP)
	s.IncomingData([]byte("a"))

	first, err := s.Recv(true)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), first)

	second, err := s.Recv(false)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), second)
}

func TestIncomingDataDropsOldestOnFullQueue(t *testing.T) {
	s := newSocket(3, Datagram, ProtoUDP)
	for i := 0; i < MaxRecvQueue+5; i++ {
		s.IncomingData([]byte{byte(i)})
	}
	first, err := s.Recv(false)
	require.NoError(t, err)
	assert.Equal(t, byte(5), first[0])
}

func TestShutdownReadDiscardsIncoming(t *testing.T) {
	s := newSocket(3, Datagram, ProtoUDP)
	s.ShutdownRead()
	s.IncomingData([]byte("x"))
	s.SetNonBlocking(true)
	_, err := s.Recv(false)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestShutdownWriteRejectsSend(t *testing.T) {
	s := newSocket(3, Datagram, ProtoUDP)
	s.Bind(Addr{Port: 1})
	s.SetSendCallback(func(local, remote Addr, proto Protocol, payload []byte) error { return nil })
	s.ShutdownWrite()

	_, err := s.SendTo([]byte("x"), Addr{Port: 2})
	assert.ErrorIs(t, err, ErrShutdownWrite)
}

func TestSendToCapsPayloadAtMax(t *testing.T) {
	s := newSocket(3, Datagram, ProtoUDP)
	require.NoError(t, s.Bind(Addr{Port: 1}))

	var gotLen int
	s.SetSendCallback(func(local, remote Addr, proto Protocol, payload []byte) error {
		gotLen = len(payload)
		return nil
	})

	n, err := s.SendTo(make([]byte, MaxProxyPayload+500), Addr{Port: 2})
	require.NoError(t, err)
	assert.Equal(t, MaxProxyPayload, n)
	assert.Equal(t, MaxProxyPayload, gotLen)
}

func TestListenRequiresBoundStreamSocket(t *testing.T) {
	s := newSocket(3, Stream, ProtoTCP)
	err := s.Listen()
	assert.ErrorIs(t, err, ErrNotBound)

	require.NoError(t, s.Bind(Addr{Port: 1}))
	require.NoError(t, s.Listen())
	assert.Equal(t, Listening, s.State())
}

func TestRegistryCreateGetIsVirtual(t *testing.T) {
	r := NewRegistry()
	s := r.Create(5, Stream, ProtoTCP)
	assert.True(t, r.IsVirtual(5))

	got, ok := r.Get(5)
	require.True(t, ok)
	assert.Same(t, s, got)

	assert.False(t, r.IsVirtual(6))
}

func TestRegistryReserveEphemeralPortBindsSocket(t *testing.T) {
	r := NewRegistry()
	r.SetLocalIp(netip.MustParseAddr("10.114.0.1"))
	s := r.Create(5, Datagram, ProtoUDP)

	port, err := r.ReserveEphemeralPort(s)
	require.NoError(t, err)
	assert.EqualValues(t, 49152, port)
	assert.Equal(t, Bound, s.State())
	assert.Equal(t, port, s.LocalAddr().Port)
}

func TestRegistryCloseReleasesPort(t *testing.T) {
	r := NewRegistry()
	r.SetLocalIp(netip.MustParseAddr("10.114.0.1"))
	s := r.Create(5, Datagram, ProtoUDP)
	port, err := r.ReserveEphemeralPort(s)
	require.NoError(t, err)

	r.Close(5)
	assert.False(t, r.IsVirtual(5))
	assert.Equal(t, Closed, s.State())

	allocated, err := r.pool.Query(portProtocol(ProtoUDP), port)
	require.NoError(t, err)
	assert.False(t, allocated, "Close must release the socket's reserved port")
}

func TestRouteIncomingDataDeliversToMatchingSocket(t *testing.T) {
	r := NewRegistry()
	local := netip.MustParseAddr("10.114.0.1")
	s := r.Create(5, Datagram, ProtoUDP)
	require.NoError(t, s.Bind(Addr{IP: local, Port: 4000}))

	routed := r.RouteIncomingData(netip.MustParseAddr("10.114.0.2"), 1000, local, 4000, ProtoUDP, []byte("hi"))
	assert.True(t, routed)

	payload, err := s.Recv(false)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), payload)
}

func TestRouteIncomingDataNoMatchReturnsFalse(t *testing.T) {
	r := NewRegistry()
	routed := r.RouteIncomingData(netip.MustParseAddr("10.114.0.2"), 1000, netip.MustParseAddr("10.114.0.1"), 4000, ProtoUDP, []byte("hi"))
	assert.False(t, routed)
}

func TestRouteDisconnectShutsDownReadSide(t *testing.T) {
	r := NewRegistry()
	local := netip.MustParseAddr("10.114.0.1")
	s := r.Create(5, Stream, ProtoTCP)
	require.NoError(t, s.Bind(Addr{IP: local, Port: 4000}))
	s.SetNonBlocking(true)

	routed := r.RouteDisconnect(netip.MustParseAddr("10.114.0.2"), 1000, local, 4000, ProtoTCP)
	assert.True(t, routed)

	s.IncomingData([]byte("after disconnect"))
	_, err := s.Recv(false)
	assert.ErrorIs(t, err, ErrWouldBlock, "data arriving after RouteDisconnect must be discarded")
}

func TestRouteDisconnectNoMatchReturnsFalse(t *testing.T) {
	r := NewRegistry()
	routed := r.RouteDisconnect(netip.MustParseAddr("10.114.0.2"), 1000, netip.MustParseAddr("10.114.0.1"), 4000, ProtoTCP)
	assert.False(t, routed)
}

func TestIsLDNDestination(t *testing.T) {
	assert.True(t, IsLDNDestination(netip.MustParseAddr("10.114.0.5")))
	assert.False(t, IsLDNDestination(netip.MustParseAddr("192.168.1.10")))
}

func TestCloseAllResetsPoolAndSockets(t *testing.T) {
	r := NewRegistry()
	r.SetLocalIp(netip.MustParseAddr("10.114.0.1"))
	s := r.Create(5, Datagram, ProtoUDP)
	_, err := r.ReserveEphemeralPort(s)
	require.NoError(t, err)

	r.CloseAll()
	assert.False(t, r.IsVirtual(5))
	assert.Equal(t, Closed, s.State())

	s2 := r.Create(6, Datagram, ProtoUDP)
	port, err := r.ReserveEphemeralPort(s2)
	require.NoError(t, err)
	assert.EqualValues(t, 49152, port)
}
