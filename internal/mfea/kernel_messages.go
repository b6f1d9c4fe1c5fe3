package mfea

import (
	"fmt"
	"net/netip"
)

// Kernel upcall message types, unified across address families: the
// IGMPMSG_* and MRT6MSG_* constants are byte-equal in the kernel
// headers, and the rest of the suite relies on that.
type SignalType uint8

const (
	SignalNoCache  SignalType = 1
	SignalWrongVif SignalType = 2
	SignalWholePkt SignalType = 3
	SignalBwUpcall SignalType = 4
)

// Kernel header values the unified constants must match.
const (
	igmpmsgNoCache  = 1
	igmpmsgWrongVif = 2
	igmpmsgWholePkt = 3
	igmpmsgBwUpcall = 4
	mrt6msgNoCache  = 1
	mrt6msgWrongVif = 2
	mrt6msgWholePkt = 3
	mrt6msgBwUpcall = 4
)

// Compile-time enforcement that the two families agree on the values.
var _ = [1]struct{}{}[igmpmsgNoCache-mrt6msgNoCache]
var _ = [1]struct{}{}[igmpmsgWrongVif-mrt6msgWrongVif]
var _ = [1]struct{}{}[igmpmsgWholePkt-mrt6msgWholePkt]
var _ = [1]struct{}{}[igmpmsgBwUpcall-mrt6msgBwUpcall]
var _ = [1]struct{}{}[int(SignalNoCache) - igmpmsgNoCache]

func (s SignalType) String() string {
	switch s {
	case SignalNoCache:
		return "NOCACHE"
	case SignalWrongVif:
		return "WRONGVIF"
	case SignalWholePkt:
		return "WHOLEPKT"
	case SignalBwUpcall:
		return "BW_UPCALL"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// ParseSignalType rejects values outside the enum.
func ParseSignalType(v uint8) (SignalType, error) {
	s := SignalType(v)
	switch s {
	case SignalNoCache, SignalWrongVif, SignalWholePkt, SignalBwUpcall:
		return s, nil
	}
	return 0, fmt.Errorf("mfea: unknown kernel signal type %d", v)
}

// KernelSignal is one parsed upcall from the multicast routing socket.
type KernelSignal struct {
	Type     SignalType
	VifIndex uint16
	Src      netip.Addr
	Dst      netip.Addr
	// Payload is the inner packet for WHOLEPKT signals.
	Payload []byte
}

// The v4 upcall is a struct igmpmsg laid over the start of an IP
// packet: unused(8) im_msgtype(1) im_mbz(1) im_vif(1) unused(1)
// im_src(4) im_dst(4). im_mbz overlaps the IP protocol field and must
// be zero for an upcall.
const igmpmsgLen = 20

// ParseSignalV4 decodes an igmpmsg datagram.
func ParseSignalV4(data []byte) (*KernelSignal, error) {
	if len(data) < igmpmsgLen {
		return nil, fmt.Errorf("mfea: igmpmsg too short (%d bytes)", len(data))
	}
	if data[9] != 0 {
		// im_mbz nonzero: this is a plain IGMP packet, not an upcall.
		return nil, fmt.Errorf("mfea: not an igmpmsg upcall (mbz=%d)", data[9])
	}
	st, err := ParseSignalType(data[8])
	if err != nil {
		return nil, err
	}
	sig := &KernelSignal{
		Type:     st,
		VifIndex: uint16(data[10]),
		Src:      netip.AddrFrom4([4]byte(data[12:16])),
		Dst:      netip.AddrFrom4([4]byte(data[16:20])),
	}
	if st == SignalWholePkt && len(data) > igmpmsgLen {
		sig.Payload = data[igmpmsgLen:]
	}
	return sig, nil
}

// The v6 upcall is a struct mrt6msg: im6_mbz(1) im6_msgtype(1)
// im6_mif(2) pad(4) im6_src(16) im6_dst(16).
const mrt6msgLen = 40

// ParseSignalV6 decodes an mrt6msg datagram.
func ParseSignalV6(data []byte) (*KernelSignal, error) {
	if len(data) < mrt6msgLen {
		return nil, fmt.Errorf("mfea: mrt6msg too short (%d bytes)", len(data))
	}
	if data[0] != 0 {
		return nil, fmt.Errorf("mfea: not an mrt6msg upcall (mbz=%d)", data[0])
	}
	st, err := ParseSignalType(data[1])
	if err != nil {
		return nil, err
	}
	sig := &KernelSignal{
		Type:     st,
		VifIndex: uint16(data[2]) | uint16(data[3])<<8,
		Src:      netip.AddrFrom16([16]byte(data[8:24])),
		Dst:      netip.AddrFrom16([16]byte(data[24:40])),
	}
	if st == SignalWholePkt && len(data) > mrt6msgLen {
		sig.Payload = data[mrt6msgLen:]
	}
	return sig, nil
}

// DecodeInnerIPv4 extracts (src, dst) from the inner IP header of a
// WHOLEPKT payload.
func DecodeInnerIPv4(payload []byte) (src, dst netip.Addr, err error) {
	if len(payload) < 20 || payload[0]>>4 != 4 {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("mfea: bad inner IPv4 header")
	}
	return netip.AddrFrom4([4]byte(payload[12:16])), netip.AddrFrom4([4]byte(payload[16:20])), nil
}
