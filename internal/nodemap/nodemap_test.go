package nodemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldntunnel/core/internal/wire"
)

func networkInfoWithNodes(nodeCountMax uint8, connected ...uint8) wire.NetworkInfo {
	set := make(map[uint8]bool, len(connected))
	for _, id := range connected {
		set[id] = true
	}

	var info wire.NetworkInfo
	info.NodeCountMax = nodeCountMax
	for i := 0; i < int(nodeCountMax); i++ {
		info.Nodes[i] = wire.NodeInfo{
			NodeID:      uint8(i),
			VirtualIPv4: wire.IPv4ToUint32(wire.NodeVirtualIPv4(uint8(i))),
		}
		if set[uint8(i)] {
			info.Nodes[i].IsConnected = 1
		}
	}
	return info
}

func TestUpdateFromNetworkInfoAndEntry(t *testing.T) {
	m := New()
	m.UpdateFromNetworkInfo(networkInfoWithNodes(3, 0, 2))

	e0, ok := m.Entry(0)
	require.True(t, ok)
	assert.True(t, e0.Connected)
	assert.Equal(t, "10.114.0.1", e0.VirtualIPv4.String())

	e1, ok := m.Entry(1)
	require.True(t, ok)
	assert.False(t, e1.Connected)

	e2, ok := m.Entry(2)
	require.True(t, ok)
	assert.True(t, e2.Connected)
}

func TestEntryOutOfRange(t *testing.T) {
	m := New()
	_, ok := m.Entry(200)
	assert.False(t, ok)
}

func TestShouldRouteUnicast(t *testing.T) {
	m := New()
	m.UpdateFromNetworkInfo(networkInfoWithNodes(3, 0, 1, 2))

	assert.True(t, m.ShouldRoute(uint32(1), 0, 1))
	assert.False(t, m.ShouldRoute(uint32(2), 0, 1))
}

func TestShouldRouteFalseWhenTargetDisconnected(t *testing.T) {
	m := New()
	m.UpdateFromNetworkInfo(networkInfoWithNodes(3, 0, 2))

	assert.False(t, m.ShouldRoute(wire.BroadcastSentinel, 0, 1))
	assert.False(t, m.ShouldRoute(uint32(1), 0, 1))
}

func TestShouldRouteBroadcastExcludesSource(t *testing.T) {
	m := New()
	m.UpdateFromNetworkInfo(networkInfoWithNodes(3, 0, 1, 2))

	assert.True(t, m.ShouldRoute(wire.BroadcastSentinel, 1, 0))
	assert.True(t, m.ShouldRoute(wire.BroadcastSentinel, 1, 2))
	assert.False(t, m.ShouldRoute(wire.BroadcastSentinel, 1, 1))
}

func TestConnectedTargetsExcludesSource(t *testing.T) {
	m := New()
	m.UpdateFromNetworkInfo(networkInfoWithNodes(3, 0, 1, 2))

	targets := m.ConnectedTargets(1)
	assert.ElementsMatch(t, []uint8{0, 2}, targets)
}

func TestNodeIDForIPv4(t *testing.T) {
	m := New()
	m.UpdateFromNetworkInfo(networkInfoWithNodes(3, 0, 2))

	id, ok := m.NodeIDForIPv4(wire.IPv4ToUint32(wire.NodeVirtualIPv4(2)))
	require.True(t, ok)
	assert.EqualValues(t, 2, id)

	_, ok = m.NodeIDForIPv4(wire.IPv4ToUint32(wire.NodeVirtualIPv4(1)))
	assert.False(t, ok, "node 1 is not connected")

	_, ok = m.NodeIDForIPv4(0x0A72FFFF)
	assert.False(t, ok, "unknown address")
}

func TestSetAndGetLocalNode(t *testing.T) {
	m := New()
	assert.Equal(t, UnassignedNode, m.LocalNode())

	m.SetLocalNode(3)
	assert.EqualValues(t, 3, m.LocalNode())
}
