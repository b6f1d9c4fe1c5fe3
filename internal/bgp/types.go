package bgp

// BGP message types (RFC 4271 §4.1).
const (
	MsgTypeOpen         uint8 = 1
	MsgTypeUpdate       uint8 = 2
	MsgTypeNotification uint8 = 3
	MsgTypeKeepalive    uint8 = 4
)

// BGP path attribute type codes.
const (
	AttrTypeOrigin          uint8 = 1
	AttrTypeASPath          uint8 = 2
	AttrTypeNextHop         uint8 = 3
	AttrTypeMED             uint8 = 4
	AttrTypeLocalPref       uint8 = 5
	AttrTypeAtomicAggregate uint8 = 6
	AttrTypeAggregator      uint8 = 7
	AttrTypeCommunity       uint8 = 8
	AttrTypeOriginatorID    uint8 = 9
	AttrTypeClusterList     uint8 = 10
	AttrTypeMPReachNLRI     uint8 = 14
	AttrTypeMPUnreachNLRI   uint8 = 15
	AttrTypeAS4Path         uint8 = 17
	AttrTypeAS4Aggregator   uint8 = 18
)

// Path attribute flag bits (RFC 4271 §4.3).
const (
	AttrFlagOptional   uint8 = 0x80
	AttrFlagTransitive uint8 = 0x40
	AttrFlagPartial    uint8 = 0x20
	AttrFlagExtLen     uint8 = 0x10
)

// AFI codes.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// SAFI codes.
const (
	SAFIUnicast   uint8 = 1
	SAFIMulticast uint8 = 2
)

// AS_PATH segment types.
const (
	ASPathSegmentSet      uint8 = 1
	ASPathSegmentSequence uint8 = 2
)

// ORIGIN values.
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

// Capability codes carried in the OPEN Capabilities optional parameter
// (RFC 5492).
const (
	CapMultiprotocol uint8 = 1
	CapRouteRefresh  uint8 = 2
	CapFourByteAS    uint8 = 65
)

// Optional parameter types in OPEN.
const (
	OptParamCapabilities uint8 = 2
)

// ASTrans substitutes for a 4-byte AS number in contexts that only carry
// 2 bytes (RFC 6793).
const ASTrans uint16 = 23456

// BGP message framing: marker(16) + length(2) + type(1).
const (
	HeaderSize    = 19
	MaxMessageLen = 4096
	Version       = 4
)

// Hold-time rules: zero disables keepalives; otherwise the minimum
// acceptable value is 3 seconds (RFC 4271 §4.2).
const MinHoldTime = 3
