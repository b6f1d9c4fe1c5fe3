package bgp

import (
	"bytes"
	"net/netip"
	"testing"
)

func buildAttrs() *PathAttrs {
	pa := &PathAttrs{}
	pa.Set(&OriginAttr{Value: OriginIGP})
	pa.Set(&ASPathAttr{Segments: []ASSegment{
		{Type: ASPathSegmentSequence, ASNs: []uint32{65001, 65002}},
	}})
	pa.Set(&NextHopAttr{Addr: netip.MustParseAddr("192.0.2.1")})
	pa.Set(&MEDAttr{Value: 50})
	pa.Set(&LocalPrefAttr{Value: 200})
	pa.Set(&CommunityAttr{Values: []uint32{65001<<16 | 100}})
	return pa
}

func TestEncodeDecode_Update(t *testing.T) {
	u := &UpdateMessage{
		Withdrawn: []netip.Prefix{netip.MustParsePrefix("10.9.0.0/16")},
		Attrs:     buildAttrs(),
		NLRI: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/24"),
			netip.MustParsePrefix("10.0.1.0/24"),
		},
	}
	frame, err := Encode(u, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(frame, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := msg.(*UpdateMessage)
	if len(got.Withdrawn) != 1 || got.Withdrawn[0] != u.Withdrawn[0] {
		t.Errorf("withdrawn mismatch: %v", got.Withdrawn)
	}
	if len(got.NLRI) != 2 || got.NLRI[0] != u.NLRI[0] || got.NLRI[1] != u.NLRI[1] {
		t.Errorf("nlri mismatch: %v", got.NLRI)
	}
	if nh, _ := got.Attrs.NextHop(); nh != netip.MustParseAddr("192.0.2.1") {
		t.Errorf("next hop mismatch: %v", nh)
	}
	if med, ok := got.Attrs.MED(); !ok || med != 50 {
		t.Errorf("med mismatch: %d (%v)", med, ok)
	}
	if got.Attrs.ASPath().PathLength() != 2 {
		t.Errorf("as path length mismatch: %d", got.Attrs.ASPath().PathLength())
	}

	reencoded, err := Encode(got, true)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(frame, reencoded) {
		t.Error("encode(decode(bytes)) != bytes")
	}
}

func TestEncodeDecode_UpdateMPReachIPv6(t *testing.T) {
	pa := &PathAttrs{}
	pa.Set(&OriginAttr{Value: OriginIGP})
	pa.Set(&ASPathAttr{Segments: []ASSegment{
		{Type: ASPathSegmentSequence, ASNs: []uint32{65001}},
	}})
	pa.Set(&MPReachAttr{
		AFI:     AFIIPv6,
		SAFI:    SAFIUnicast,
		NextHop: netip.MustParseAddr("2001:db8::1"),
		NLRI:    []netip.Prefix{netip.MustParsePrefix("2001:db8:1::/48")},
	})
	u := &UpdateMessage{Attrs: pa}
	frame, err := Encode(u, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(frame, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	mp, ok := got.(*UpdateMessage).Attrs.Get(AttrTypeMPReachNLRI).(*MPReachAttr)
	if !ok {
		t.Fatal("missing MP_REACH_NLRI")
	}
	if mp.AFI != AFIIPv6 || mp.NextHop != netip.MustParseAddr("2001:db8::1") {
		t.Errorf("mp reach mismatch: %+v", mp)
	}
	if len(mp.NLRI) != 1 || mp.NLRI[0] != netip.MustParsePrefix("2001:db8:1::/48") {
		t.Errorf("mp nlri mismatch: %v", mp.NLRI)
	}
}

func TestDecodeAttrs_AS4PathMerge(t *testing.T) {
	// A 2-byte session: AS_PATH (65001, AS_TRANS) + AS4_PATH (196613)
	// merges into (65001, 196613).
	pa := &PathAttrs{}
	pa.Set(&OriginAttr{Value: OriginIGP})
	pa.Set(&ASPathAttr{Segments: []ASSegment{
		{Type: ASPathSegmentSequence, ASNs: []uint32{65001, uint32(ASTrans)}},
	}})
	pa.Set(&AS4PathAttr{Segments: []ASSegment{
		{Type: ASPathSegmentSequence, ASNs: []uint32{196613}},
	}})
	wire, err := EncodeAttrs(pa, false)
	if err != nil {
		t.Fatalf("encode attrs: %v", err)
	}
	got, err := DecodeAttrs(wire, false)
	if err != nil {
		t.Fatalf("decode attrs: %v", err)
	}
	ap := got.ASPath()
	if ap.PathLength() != 2 {
		t.Fatalf("merged path length = %d, want 2", ap.PathLength())
	}
	var asns []uint32
	for _, seg := range ap.Segments {
		asns = append(asns, seg.ASNs...)
	}
	if asns[0] != 65001 || asns[1] != 196613 {
		t.Errorf("merged path = %v, want [65001 196613]", asns)
	}
	if got.Get(AttrTypeAS4Path) != nil {
		t.Error("AS4_PATH must not survive the merge")
	}
}

func TestEncodeAttrs_AutoAS4Path(t *testing.T) {
	// Encoding a 4-byte ASN over a 2-byte session substitutes AS_TRANS
	// and appends AS4_PATH automatically.
	pa := &PathAttrs{}
	pa.Set(&ASPathAttr{Segments: []ASSegment{
		{Type: ASPathSegmentSequence, ASNs: []uint32{196613}},
	}})
	wire, err := EncodeAttrs(pa, false)
	if err != nil {
		t.Fatalf("encode attrs: %v", err)
	}
	got, err := DecodeAttrs(wire, false)
	if err != nil {
		t.Fatalf("decode attrs: %v", err)
	}
	// The merge should resurrect the full-width ASN.
	if got.ASPath().Segments[0].ASNs[0] != 196613 {
		t.Errorf("expected 196613 after merge, got %v", got.ASPath().Segments)
	}
}

func TestDecodeAttrs_FourByteSessionStripsAS4Path(t *testing.T) {
	pa := &PathAttrs{}
	pa.Set(&ASPathAttr{Segments: []ASSegment{
		{Type: ASPathSegmentSequence, ASNs: []uint32{65001}},
	}})
	pa.Set(&AS4PathAttr{Segments: []ASSegment{
		{Type: ASPathSegmentSequence, ASNs: []uint32{196613}},
	}})
	wire, err := EncodeAttrs(pa, true)
	if err != nil {
		t.Fatalf("encode attrs: %v", err)
	}
	got, err := DecodeAttrs(wire, true)
	if err != nil {
		t.Fatalf("decode attrs: %v", err)
	}
	if got.Get(AttrTypeAS4Path) != nil {
		t.Error("AS4_PATH must not appear on a four-byte session")
	}
}

func TestDecodeAttrs_DuplicateAttribute(t *testing.T) {
	pa := &PathAttrs{}
	pa.Set(&OriginAttr{Value: OriginIGP})
	wire, _ := EncodeAttrs(pa, true)
	wire = append(wire, wire...) // ORIGIN twice
	_, err := DecodeAttrs(wire, true)
	nerr, ok := err.(*NotifyError)
	if !ok || nerr.Subcode != SubMalformedAttributeList {
		t.Fatalf("expected MalformedAttributeList, got %v", err)
	}
}

func TestDecodeAttrs_FlagError(t *testing.T) {
	pa := &PathAttrs{}
	pa.Set(&OriginAttr{Value: OriginIGP})
	wire, _ := EncodeAttrs(pa, true)
	wire[0] |= AttrFlagOptional // well-known marked optional
	_, err := DecodeAttrs(wire, true)
	nerr, ok := err.(*NotifyError)
	if !ok || nerr.Subcode != SubAttributeFlagsError {
		t.Fatalf("expected AttributeFlagsError, got %v", err)
	}
	if len(nerr.Data) == 0 {
		t.Error("expected offending attribute echoed in data")
	}
}

func TestDecode_UpdateMissingWellKnown(t *testing.T) {
	pa := &PathAttrs{}
	pa.Set(&OriginAttr{Value: OriginIGP})
	// No AS_PATH, no NEXT_HOP, but NLRI present.
	u := &UpdateMessage{
		Attrs: pa,
		NLRI:  []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")},
	}
	frame, err := Encode(u, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = Decode(frame, true)
	nerr, ok := err.(*NotifyError)
	if !ok || nerr.Subcode != SubMissingWellKnownAttribute {
		t.Fatalf("expected MissingWellKnownAttribute, got %v", err)
	}
	if len(nerr.Data) != 1 || nerr.Data[0] != AttrTypeASPath {
		t.Errorf("expected AS_PATH named in data, got %v", nerr.Data)
	}
}

func TestEncode_UpdateTooBig(t *testing.T) {
	u := &UpdateMessage{Attrs: buildAttrs()}
	for i := 0; i < 2000; i++ {
		u.NLRI = append(u.NLRI, netip.PrefixFrom(
			netip.AddrFrom4([4]byte{10, byte(i >> 8), byte(i), 0}), 24))
	}
	_, err := Encode(u, true)
	if err != ErrMessageTooBig {
		t.Fatalf("expected ErrMessageTooBig, got %v", err)
	}
}

func TestPathAttrs_CloneIsolation(t *testing.T) {
	pa := buildAttrs()
	clone := pa.Clone()
	clone.Set(&LocalPrefAttr{Value: 999})
	clone.ASPath().PrependAS(65099)
	if lp, _ := pa.LocalPref(); lp != 200 {
		t.Errorf("original local pref mutated: %d", lp)
	}
	if pa.ASPath().PathLength() != 2 {
		t.Errorf("original as path mutated: %d", pa.ASPath().PathLength())
	}
}

func TestDecodeAttrs_UnknownTransitiveSurvives(t *testing.T) {
	// An unrecognized optional transitive attribute (extended
	// community, code 16) must ride through decode and re-encode
	// byte-exactly.
	pa := &PathAttrs{}
	pa.Set(&OriginAttr{Value: OriginIGP})
	pa.Set(&UnknownAttr{
		Flags: AttrFlagOptional | AttrFlagTransitive,
		Code:  16,
		Value: []byte{0x00, 0x02, 0xfd, 0xe9, 0x00, 0x00, 0x00, 0x64},
	})
	wire, err := EncodeAttrs(pa, true)
	if err != nil {
		t.Fatalf("encode attrs: %v", err)
	}
	got, err := DecodeAttrs(wire, true)
	if err != nil {
		t.Fatalf("decode attrs: %v", err)
	}
	u, ok := got.Get(16).(*UnknownAttr)
	if !ok {
		t.Fatal("unknown attribute lost in decode")
	}
	if len(u.Value) != 8 || u.Value[3] != 0xe9 {
		t.Errorf("unknown attribute value mangled: %v", u.Value)
	}
	rewire, err := EncodeAttrs(got, true)
	if err != nil {
		t.Fatalf("re-encode attrs: %v", err)
	}
	if !bytes.Equal(wire, rewire) {
		t.Error("unknown attribute did not round-trip byte-exactly")
	}
}

func TestUpdate_IsEndOfRIB(t *testing.T) {
	if !(&UpdateMessage{}).IsEndOfRIB() {
		t.Error("empty update should be end-of-RIB")
	}
	u := &UpdateMessage{NLRI: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")}}
	if u.IsEndOfRIB() {
		t.Error("update with NLRI is not end-of-RIB")
	}
}
