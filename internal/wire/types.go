package wire

import "github.com/gopacket/gopacket/layers"

// PacketType enumerates the frame types exchanged with the relay server
// and, for the subset that make sense peer-to-peer, the P2P host/joiner
// connections.
type PacketType uint8

const (
	PacketInitialize PacketType = iota
	PacketConnected
	PacketSyncNetwork
	PacketScanReply
	PacketScanReplyEnd
	PacketDisconnect
	PacketPing
	PacketNetworkError
	PacketProxyConfig
	PacketProxyConnect
	PacketProxyConnectReply
	PacketProxyData
	PacketProxyDisconnect
	PacketReject
	PacketRejectReply
	PacketSetAcceptPolicy
	PacketExternalProxyConfig
	PacketExternalProxyToken
)

func (t PacketType) String() string {
	switch t {
	case PacketInitialize:
		return "Initialize"
	case PacketConnected:
		return "Connected"
	case PacketSyncNetwork:
		return "SyncNetwork"
	case PacketScanReply:
		return "ScanReply"
	case PacketScanReplyEnd:
		return "ScanReplyEnd"
	case PacketDisconnect:
		return "Disconnect"
	case PacketPing:
		return "Ping"
	case PacketNetworkError:
		return "NetworkError"
	case PacketProxyConfig:
		return "ProxyConfig"
	case PacketProxyConnect:
		return "ProxyConnect"
	case PacketProxyConnectReply:
		return "ProxyConnectReply"
	case PacketProxyData:
		return "ProxyData"
	case PacketProxyDisconnect:
		return "ProxyDisconnect"
	case PacketReject:
		return "Reject"
	case PacketRejectReply:
		return "RejectReply"
	case PacketSetAcceptPolicy:
		return "SetAcceptPolicy"
	case PacketExternalProxyConfig:
		return "ExternalProxyConfig"
	case PacketExternalProxyToken:
		return "ExternalProxyToken"
	default:
		return "Unknown"
	}
}

// Fixed payload sizes, in bytes. ProxyData is the sole variable-length
// type: its tail length is the frame length minus ProxyDataHeaderSize.
const (
	NetworkInfoSize         = 0x480 // 1152
	ConnectNetworkDataSize  = 0x7C  // 124
	ScanFilterSize          = 0x60  // 96
	InitializeSize          = 24
	DisconnectSize          = 8
	PingSize                = 8
	NetworkErrorSize        = 4
	ProxyConfigSize         = 12
	ProxyConnectSize        = 12
	ProxyConnectReplySize   = 16
	ProxyDataHeaderSize     = 16
	ProxyDisconnectSize     = 12
	RejectSize              = 8
	SetAcceptPolicySize     = 4
	ExternalProxyConfigSize = 24
	ExternalProxyTokenSize  = 24
)

// MaxNodeCount is the maximum number of node slots in a session.
const MaxNodeCount = 8

// advertiseDataSize pads NetworkInfo out to NetworkInfoSize.
const advertiseDataSize = NetworkInfoSize - networkInfoFixedSize

// nodeInfoSize is the encoded size of NodeInfo.
const nodeInfoSize = 4 + 1 + 1 + 2 + 6 + 33

// networkInfoFixedSize is the encoded size of NetworkInfo excluding
// AdvertiseData.
const networkInfoFixedSize = 16 + 2 + 1 + 1 + 1 + 1 + 2 + 33 + 2 + 1 + 1 + 2 + nodeInfoSize*MaxNodeCount + 2 + 2

// Packet is implemented by every concrete payload type.
type Packet interface {
	Type() PacketType
}

// NodeInfo describes one node slot within a NetworkInfo snapshot.
type NodeInfo struct {
	VirtualIPv4 uint32
	NodeID      uint8
	IsConnected uint8
	Reserved    uint16
	Mac         [6]byte
	UserName    [33]byte
}

// NetworkInfo is the session snapshot carried by SyncNetwork and ScanReply.
type NetworkInfo struct {
	SessionID           [16]byte
	SecurityMode        uint16
	StationAcceptPolicy uint8
	Reserved1           uint8
	NodeCountMax        uint8
	NodeCount           uint8
	LocalCommVersion    uint16
	Ssid                [33]byte
	Channel             uint16
	LinkLevel           uint8
	NetworkType         uint8
	Reserved2           [2]byte
	Nodes               [MaxNodeCount]NodeInfo
	AdvertiseDataSize   uint16
	Reserved3           [2]byte
	AdvertiseData       [advertiseDataSize]byte
}

func (NetworkInfo) Type() PacketType { return PacketSyncNetwork }

// ScanReply wraps a NetworkInfo advertised by a discoverable access point.
type ScanReply struct{ NetworkInfo }

func (ScanReply) Type() PacketType { return PacketScanReply }

// ScanReplyEnd terminates a scan response sequence. It carries no payload.
type ScanReplyEnd struct{}

func (ScanReplyEnd) Type() PacketType { return PacketScanReplyEnd }

// ConnectNetworkData is the request payload for joining a network as a
// station, encoded under PacketConnected. Only ever encoded by this
// client, never decoded (see HandshakeAck).
type ConnectNetworkData struct {
	SessionID        [16]byte
	SecurityMode     uint16
	LocalCommVersion uint16
	OptionUnknown    uint32
	UserName         [33]byte
	Reserved1        [3]byte
	NodeCountMax     uint8
	Reserved2        [3]byte
	Passphrase       [60]byte
}

func (ConnectNetworkData) Type() PacketType { return PacketConnected }

// ScanFilter bounds a Scan request, encoded under PacketScanReply. Only
// ever encoded by this client; decoding PacketScanReply always yields a
// ScanReply (NetworkInfo) instead, since the two shapes never appear on
// the same side of the connection.
type ScanFilter struct {
	SessionID   [16]byte
	NetworkType uint8
	Reserved1   [3]byte
	Ssid        [33]byte
	Reserved2   [3]byte
	MacAddress  [6]byte
	Reserved3   [2]byte
	Reserved4   [32]byte
}

func (ScanFilter) Type() PacketType { return PacketScanReply }

// Initialize is the relay handshake request: a stable client identifier
// plus a locally generated MAC address.
type Initialize struct {
	ClientID [16]byte
	Mac      [6]byte
	Reserved [2]byte
}

func (Initialize) Type() PacketType { return PacketInitialize }

// HandshakeAck is the relay's empty successful handshake response to
// Initialize. PacketConnected is overloaded by direction: a client only
// ever encodes it as ConnectNetworkData (the join request) and only ever
// decodes it as HandshakeAck (the handshake ack) — the two never occur on
// the same side of the wire, since this module never plays the relay
// server role. See DESIGN.md.
type HandshakeAck struct{}

func (HandshakeAck) Type() PacketType { return PacketConnected }

// Disconnect announces a node leaving a session (or the whole session
// tearing down when NodeID is the broadcast sentinel).
type Disconnect struct {
	NodeID uint32
	Reason uint32
}

func (Disconnect) Type() PacketType { return PacketDisconnect }

// Ping carries a millisecond timestamp for the keepalive round-trip.
type Ping struct {
	TimestampMs uint64
}

func (Ping) Type() PacketType { return PacketPing }

// NetworkError reports a server-side failure during handshake or session
// setup.
type NetworkError struct {
	Code uint32
}

func (NetworkError) Type() PacketType { return PacketNetworkError }

// ProxyConfig assigns a virtual IPv4/subnet/node id to a connecting peer.
type ProxyConfig struct {
	VirtualIPv4 uint32
	SubnetMask  uint32
	NodeID      uint8
	Reserved    [3]byte
}

func (ProxyConfig) Type() PacketType { return PacketProxyConfig }

// ProxyConnect requests a virtual TCP handshake between two virtual
// addresses.
type ProxyConnect struct {
	SrcIPv4 uint32
	SrcPort uint16
	DstIPv4 uint32
	DstPort uint16
}

func (ProxyConnect) Type() PacketType { return PacketProxyConnect }

// ProxyConnectReply answers a ProxyConnect.
type ProxyConnectReply struct {
	SrcIPv4  uint32
	SrcPort  uint16
	DstIPv4  uint32
	DstPort  uint16
	Accepted uint8
	Reserved [3]byte
}

func (ProxyConnectReply) Type() PacketType { return PacketProxyConnectReply }

// ProxyDataHeader precedes the variable-length payload of a ProxyData
// frame. Protocol is modeled with layers.IPProtocol rather than a bare
// magic number; its on-wire size and encoding (a single byte) are
// unchanged, since layers.IPProtocol is itself a uint8.
type ProxyDataHeader struct {
	SrcIPv4  uint32
	SrcPort  uint16
	DstIPv4  uint32
	DstPort  uint16
	Protocol layers.IPProtocol
	Reserved [3]byte
}

// ProxyData carries a unicast or broadcast application payload between
// virtual sockets.
type ProxyData struct {
	ProxyDataHeader
	Payload []byte
}

func (ProxyData) Type() PacketType { return PacketProxyData }

// ProxyDisconnect tears down a previously established virtual TCP
// connection.
type ProxyDisconnect struct {
	SrcIPv4 uint32
	SrcPort uint16
	DstIPv4 uint32
	DstPort uint16
}

func (ProxyDisconnect) Type() PacketType { return PacketProxyDisconnect }

// Reject reports that a Scan/Connect/CreateAccessPoint request failed.
type Reject struct {
	NodeID uint32
	Reason uint32
}

func (Reject) Type() PacketType { return PacketReject }

// RejectReply is an empty acknowledgement of a Reject.
type RejectReply struct{}

func (RejectReply) Type() PacketType { return PacketRejectReply }

// SetAcceptPolicy changes whether an access point accepts new stations.
type SetAcceptPolicy struct {
	Policy   uint8
	Reserved [3]byte
}

func (SetAcceptPolicy) Type() PacketType { return PacketSetAcceptPolicy }

// ExternalProxyConfig is overloaded by direction like PacketConnected: a
// joiner encodes it with only Token set when presenting its single-use
// token to a host, while the relay decodes it with HostIPv4/HostPort also
// populated, directing a station to dial that host directly and present
// Token there (spec §4.13).
type ExternalProxyConfig struct {
	Token    [16]byte
	HostIPv4 uint32
	HostPort uint16
	Reserved [2]byte
}

func (ExternalProxyConfig) Type() PacketType { return PacketExternalProxyConfig }

// ExternalProxyToken is pushed by the relay to a host, registering a
// token the host should expect a joiner to present.
type ExternalProxyToken struct {
	Token       [16]byte
	VirtualIPv4 uint32
	NodeID      uint8
	Reserved    [3]byte
}

func (ExternalProxyToken) Type() PacketType { return PacketExternalProxyToken }
