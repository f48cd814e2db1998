// Package nodemap tracks the session's node-id-to-virtual-IPv4 mapping
// and the routing predicate used to fan broadcast and unicast proxy
// traffic out to connected peers.
package nodemap

import (
	"net/netip"
	"sync"

	"github.com/ldntunnel/core/internal/wire"
)

// UnassignedNode marks the local-node-id slot as not yet assigned.
const UnassignedNode uint8 = 0xFF

// Entry describes one node slot.
type Entry struct {
	NodeID      uint8
	VirtualIPv4 netip.Addr
	Connected   bool
}

// Mapper holds up to wire.MaxNodeCount entries plus the local node id.
// All reads and writes are serialized under a single mutex so that
// UpdateFromNetworkInfo is atomic with respect to ShouldRoute: a reader
// never observes a partial snapshot (spec §4.7, §5).
type Mapper struct {
	mu        sync.RWMutex
	entries   [wire.MaxNodeCount]Entry
	localNode uint8
}

// New returns a Mapper with no entries connected and no local node assigned.
func New() *Mapper {
	m := &Mapper{localNode: UnassignedNode}
	for i := range m.entries {
		m.entries[i].NodeID = uint8(i)
	}
	return m
}

// LocalNode returns the local node id, or UnassignedNode if not yet set.
func (m *Mapper) LocalNode() uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localNode
}

// SetLocalNode records which node id belongs to this process.
func (m *Mapper) SetLocalNode(nodeID uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localNode = nodeID
}

// Entry returns a copy of the entry for nodeID, or the zero Entry and
// false if nodeID is out of range.
func (m *Mapper) Entry(nodeID uint8) (Entry, bool) {
	if int(nodeID) >= len(m.entries) {
		return Entry{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[nodeID], true
}

// Entries returns a snapshot of all node slots.
func (m *Mapper) Entries() [wire.MaxNodeCount]Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries
}

// UpdateFromNetworkInfo replaces all entries from a relay-delivered
// session snapshot under a single exclusion, so should_route callers
// never see a torn mix of old and new entries.
func (m *Mapper) UpdateFromNetworkInfo(info wire.NetworkInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, node := range info.Nodes {
		if uint8(i) >= info.NodeCountMax {
			m.entries[i] = Entry{NodeID: uint8(i)}
			continue
		}
		m.entries[i] = Entry{
			NodeID:      node.NodeID,
			VirtualIPv4: wire.Uint32ToIPv4(node.VirtualIPv4),
			Connected:   node.IsConnected != 0,
		}
	}
}

// ShouldRoute implements the routing predicate of spec §4.7: a
// destination node id (wire.BroadcastSentinel for broadcast) deciding
// whether a frame from source should reach target.
func (m *Mapper) ShouldRoute(dest uint32, source, target uint8) bool {
	entry, ok := m.Entry(target)
	if !ok || !entry.Connected {
		return false
	}
	if dest == wire.BroadcastSentinel {
		return target != source
	}
	return dest == uint32(target)
}

// NodeIDForIPv4 resolves a virtual IPv4 address to its connected node id,
// for translating a proxy frame's destination address into the node id
// ShouldRoute expects.
func (m *Mapper) NodeIDForIPv4(ipv4 uint32) (uint8, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.Connected && wire.IPv4ToUint32(e.VirtualIPv4) == ipv4 {
			return e.NodeID, true
		}
	}
	return 0, false
}

// ConnectedTargets returns every connected node id other than source that
// a broadcast frame from source should reach.
func (m *Mapper) ConnectedTargets(source uint8) []uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []uint8
	for _, e := range m.entries {
		if e.Connected && e.NodeID != source {
			out = append(out, e.NodeID)
		}
	}
	return out
}
