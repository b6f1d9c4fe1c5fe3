package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Confederation AS_PATH segment types (RFC 5065).
const (
	ASPathSegmentConfedSequence uint8 = 3
	ASPathSegmentConfedSet      uint8 = 4
)

// Attribute is one decoded path attribute. Encoding of the value bytes
// depends on session state (2- vs 4-byte AS paths), carried in encodeCtx.
type Attribute interface {
	TypeCode() uint8
	WireFlags() uint8
	encodeValue(ctx encodeCtx) []byte
}

type encodeCtx struct {
	fourByteAS bool
}

// PathAttrs is the attribute list of one route: a dense slot array keyed
// by well-known type code plus an overflow list for unrecognized
// attributes. At most one attribute per type.
type PathAttrs struct {
	slots [AttrTypeAS4Aggregator + 1]Attribute
	extra []*UnknownAttr
}

// Set stores a, replacing any previous attribute of the same type.
// Attributes whose type code fits the slot array live there (including
// unknowns in that range); higher codes go to the overflow list.
func (pa *PathAttrs) Set(a Attribute) {
	if int(a.TypeCode()) < len(pa.slots) {
		pa.slots[a.TypeCode()] = a
		return
	}
	u, ok := a.(*UnknownAttr)
	if !ok {
		return
	}
	for i, e := range pa.extra {
		if e.Code == u.Code {
			pa.extra[i] = u
			return
		}
	}
	pa.extra = append(pa.extra, u)
}

// Get returns the attribute with the given type code, or nil.
func (pa *PathAttrs) Get(code uint8) Attribute {
	if int(code) < len(pa.slots) {
		return pa.slots[code]
	}
	for _, e := range pa.extra {
		if e.Code == code {
			return e
		}
	}
	return nil
}

// Remove drops the attribute with the given type code if present.
func (pa *PathAttrs) Remove(code uint8) {
	if int(code) < len(pa.slots) {
		pa.slots[code] = nil
		return
	}
	for i, e := range pa.extra {
		if e.Code == code {
			pa.extra = append(pa.extra[:i], pa.extra[i+1:]...)
			return
		}
	}
}

// Clone returns a deep copy. Policy actions must clone before mutating
// so the stored RIB-In attributes are never poisoned.
func (pa *PathAttrs) Clone() *PathAttrs {
	out := &PathAttrs{}
	for _, a := range pa.slots {
		if a != nil {
			out.Set(cloneAttribute(a))
		}
	}
	for _, e := range pa.extra {
		v := make([]byte, len(e.Value))
		copy(v, e.Value)
		out.extra = append(out.extra, &UnknownAttr{Flags: e.Flags, Code: e.Code, Value: v})
	}
	return out
}

func cloneAttribute(a Attribute) Attribute {
	switch t := a.(type) {
	case *OriginAttr:
		c := *t
		return &c
	case *ASPathAttr:
		return &ASPathAttr{Segments: cloneSegments(t.Segments)}
	case *NextHopAttr:
		c := *t
		return &c
	case *MEDAttr:
		c := *t
		return &c
	case *LocalPrefAttr:
		c := *t
		return &c
	case *AtomicAggregateAttr:
		c := *t
		return &c
	case *AggregatorAttr:
		c := *t
		return &c
	case *CommunityAttr:
		vals := make([]uint32, len(t.Values))
		copy(vals, t.Values)
		return &CommunityAttr{Values: vals}
	case *OriginatorIDAttr:
		c := *t
		return &c
	case *ClusterListAttr:
		ids := make([]uint32, len(t.IDs))
		copy(ids, t.IDs)
		return &ClusterListAttr{IDs: ids}
	case *MPReachAttr:
		c := *t
		c.NLRI = append([]netip.Prefix(nil), t.NLRI...)
		return &c
	case *MPUnreachAttr:
		c := *t
		c.NLRI = append([]netip.Prefix(nil), t.NLRI...)
		return &c
	case *AS4PathAttr:
		return &AS4PathAttr{Segments: cloneSegments(t.Segments)}
	case *AS4AggregatorAttr:
		c := *t
		return &c
	case *UnknownAttr:
		v := make([]byte, len(t.Value))
		copy(v, t.Value)
		return &UnknownAttr{Flags: t.Flags, Code: t.Code, Value: v}
	}
	return a
}

func cloneSegments(segs []ASSegment) []ASSegment {
	out := make([]ASSegment, len(segs))
	for i, s := range segs {
		out[i] = ASSegment{Type: s.Type, ASNs: append([]uint32(nil), s.ASNs...)}
	}
	return out
}

// Typed accessors.

func (pa *PathAttrs) Origin() (uint8, bool) {
	if a, ok := pa.slots[AttrTypeOrigin].(*OriginAttr); ok {
		return a.Value, true
	}
	return 0, false
}

func (pa *PathAttrs) ASPath() *ASPathAttr {
	a, _ := pa.slots[AttrTypeASPath].(*ASPathAttr)
	return a
}

func (pa *PathAttrs) NextHop() (netip.Addr, bool) {
	if a, ok := pa.slots[AttrTypeNextHop].(*NextHopAttr); ok {
		return a.Addr, true
	}
	if a, ok := pa.slots[AttrTypeMPReachNLRI].(*MPReachAttr); ok {
		return a.NextHop, true
	}
	return netip.Addr{}, false
}

func (pa *PathAttrs) MED() (uint32, bool) {
	if a, ok := pa.slots[AttrTypeMED].(*MEDAttr); ok {
		return a.Value, true
	}
	return 0, false
}

func (pa *PathAttrs) LocalPref() (uint32, bool) {
	if a, ok := pa.slots[AttrTypeLocalPref].(*LocalPrefAttr); ok {
		return a.Value, true
	}
	return 0, false
}

func (pa *PathAttrs) OriginatorID() (uint32, bool) {
	if a, ok := pa.slots[AttrTypeOriginatorID].(*OriginatorIDAttr); ok {
		return a.ID, true
	}
	return 0, false
}

func (pa *PathAttrs) ClusterListLen() int {
	if a, ok := pa.slots[AttrTypeClusterList].(*ClusterListAttr); ok {
		return len(a.IDs)
	}
	return 0
}

// ForEach visits all attributes in canonical ascending type-code order.
func (pa *PathAttrs) ForEach(fn func(Attribute)) {
	for code := 0; code < 256; code++ {
		if code < len(pa.slots) {
			if pa.slots[code] != nil {
				fn(pa.slots[code])
			}
			continue
		}
		for _, e := range pa.extra {
			if int(e.Code) == code {
				fn(e)
			}
		}
	}
}

// ASSegment is one AS_PATH segment.
type ASSegment struct {
	Type uint8
	ASNs []uint32
}

type OriginAttr struct{ Value uint8 }

func (*OriginAttr) TypeCode() uint8  { return AttrTypeOrigin }
func (*OriginAttr) WireFlags() uint8 { return AttrFlagTransitive }
func (a *OriginAttr) encodeValue(encodeCtx) []byte {
	return []byte{a.Value}
}

type ASPathAttr struct{ Segments []ASSegment }

func (*ASPathAttr) TypeCode() uint8  { return AttrTypeASPath }
func (*ASPathAttr) WireFlags() uint8 { return AttrFlagTransitive }

// PathLength counts hops with each AS_SET as one and confederation
// segments not counted at all per RFC 5065 §5.3. The decision ladder
// uses its own count (tieBreakPathLength in package rib), which counts
// each confederation segment as one hop.
func (a *ASPathAttr) PathLength() int {
	if a == nil {
		return 0
	}
	n := 0
	for _, seg := range a.Segments {
		switch seg.Type {
		case ASPathSegmentSequence:
			n += len(seg.ASNs)
		case ASPathSegmentSet:
			n++
		}
	}
	return n
}

// FirstAS is the neighbor AS: the leftmost AS of the first non-confed
// segment. Returns 0 for an empty path (IBGP-originated).
func (a *ASPathAttr) FirstAS() uint32 {
	if a == nil {
		return 0
	}
	for _, seg := range a.Segments {
		if seg.Type == ASPathSegmentSequence || seg.Type == ASPathSegmentSet {
			if len(seg.ASNs) > 0 {
				return seg.ASNs[0]
			}
		}
	}
	return 0
}

// ContainsAS reports whether asn appears anywhere in the path. Used for
// EBGP loop detection.
func (a *ASPathAttr) ContainsAS(asn uint32) bool {
	if a == nil {
		return false
	}
	for _, seg := range a.Segments {
		for _, v := range seg.ASNs {
			if v == asn {
				return true
			}
		}
	}
	return false
}

// PrependAS adds asn at the front of the path, extending the leading
// sequence segment or creating one.
func (a *ASPathAttr) PrependAS(asn uint32) {
	if len(a.Segments) > 0 && a.Segments[0].Type == ASPathSegmentSequence && len(a.Segments[0].ASNs) < 255 {
		a.Segments[0].ASNs = append([]uint32{asn}, a.Segments[0].ASNs...)
		return
	}
	a.Segments = append([]ASSegment{{Type: ASPathSegmentSequence, ASNs: []uint32{asn}}}, a.Segments...)
}

func (a *ASPathAttr) encodeValue(ctx encodeCtx) []byte {
	return encodeSegments(a.Segments, ctx.fourByteAS)
}

type NextHopAttr struct{ Addr netip.Addr }

func (*NextHopAttr) TypeCode() uint8  { return AttrTypeNextHop }
func (*NextHopAttr) WireFlags() uint8 { return AttrFlagTransitive }
func (a *NextHopAttr) encodeValue(encodeCtx) []byte {
	b := a.Addr.As4()
	return b[:]
}

type MEDAttr struct{ Value uint32 }

func (*MEDAttr) TypeCode() uint8  { return AttrTypeMED }
func (*MEDAttr) WireFlags() uint8 { return AttrFlagOptional }
func (a *MEDAttr) encodeValue(encodeCtx) []byte {
	return binary.BigEndian.AppendUint32(nil, a.Value)
}

type LocalPrefAttr struct{ Value uint32 }

func (*LocalPrefAttr) TypeCode() uint8  { return AttrTypeLocalPref }
func (*LocalPrefAttr) WireFlags() uint8 { return AttrFlagTransitive }
func (a *LocalPrefAttr) encodeValue(encodeCtx) []byte {
	return binary.BigEndian.AppendUint32(nil, a.Value)
}

type AtomicAggregateAttr struct{}

func (*AtomicAggregateAttr) TypeCode() uint8             { return AttrTypeAtomicAggregate }
func (*AtomicAggregateAttr) WireFlags() uint8            { return AttrFlagTransitive }
func (*AtomicAggregateAttr) encodeValue(encodeCtx) []byte { return nil }

type AggregatorAttr struct {
	AS   uint32
	Addr netip.Addr
}

func (*AggregatorAttr) TypeCode() uint8  { return AttrTypeAggregator }
func (*AggregatorAttr) WireFlags() uint8 { return AttrFlagOptional | AttrFlagTransitive }
func (a *AggregatorAttr) encodeValue(ctx encodeCtx) []byte {
	var b []byte
	if ctx.fourByteAS {
		b = binary.BigEndian.AppendUint32(b, a.AS)
	} else {
		as := uint16(ASTrans)
		if a.AS <= 0xFFFF {
			as = uint16(a.AS)
		}
		b = binary.BigEndian.AppendUint16(b, as)
	}
	ip := a.Addr.As4()
	return append(b, ip[:]...)
}

type CommunityAttr struct{ Values []uint32 }

func (*CommunityAttr) TypeCode() uint8  { return AttrTypeCommunity }
func (*CommunityAttr) WireFlags() uint8 { return AttrFlagOptional | AttrFlagTransitive }
func (a *CommunityAttr) encodeValue(encodeCtx) []byte {
	var b []byte
	for _, v := range a.Values {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return b
}

// Contains reports whether the community value is present.
func (a *CommunityAttr) Contains(v uint32) bool {
	for _, c := range a.Values {
		if c == v {
			return true
		}
	}
	return false
}

type OriginatorIDAttr struct{ ID uint32 }

func (*OriginatorIDAttr) TypeCode() uint8  { return AttrTypeOriginatorID }
func (*OriginatorIDAttr) WireFlags() uint8 { return AttrFlagOptional }
func (a *OriginatorIDAttr) encodeValue(encodeCtx) []byte {
	return binary.BigEndian.AppendUint32(nil, a.ID)
}

type ClusterListAttr struct{ IDs []uint32 }

func (*ClusterListAttr) TypeCode() uint8  { return AttrTypeClusterList }
func (*ClusterListAttr) WireFlags() uint8 { return AttrFlagOptional }
func (a *ClusterListAttr) encodeValue(encodeCtx) []byte {
	var b []byte
	for _, v := range a.IDs {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return b
}

// MPReachAttr carries AFI/SAFI, the AFI-specific next hop (plus an
// optional v6 link-local), and the NLRI list (RFC 4760).
type MPReachAttr struct {
	AFI       uint16
	SAFI      uint8
	NextHop   netip.Addr
	LinkLocal netip.Addr // v6 only; zero when absent
	NLRI      []netip.Prefix
}

func (*MPReachAttr) TypeCode() uint8  { return AttrTypeMPReachNLRI }
func (*MPReachAttr) WireFlags() uint8 { return AttrFlagOptional }
func (a *MPReachAttr) encodeValue(encodeCtx) []byte {
	var b []byte
	b = binary.BigEndian.AppendUint16(b, a.AFI)
	b = append(b, a.SAFI)
	var nh []byte
	if a.NextHop.Is4() {
		v := a.NextHop.As4()
		nh = v[:]
	} else {
		v := a.NextHop.As16()
		nh = v[:]
		if a.LinkLocal.IsValid() {
			ll := a.LinkLocal.As16()
			nh = append(nh, ll[:]...)
		}
	}
	b = append(b, uint8(len(nh)))
	b = append(b, nh...)
	b = append(b, 0) // reserved (SNPA count)
	for _, p := range a.NLRI {
		b = appendPrefix(b, p)
	}
	return b
}

type MPUnreachAttr struct {
	AFI  uint16
	SAFI uint8
	NLRI []netip.Prefix
}

func (*MPUnreachAttr) TypeCode() uint8  { return AttrTypeMPUnreachNLRI }
func (*MPUnreachAttr) WireFlags() uint8 { return AttrFlagOptional }
func (a *MPUnreachAttr) encodeValue(encodeCtx) []byte {
	var b []byte
	b = binary.BigEndian.AppendUint16(b, a.AFI)
	b = append(b, a.SAFI)
	for _, p := range a.NLRI {
		b = appendPrefix(b, p)
	}
	return b
}

type AS4PathAttr struct{ Segments []ASSegment }

func (*AS4PathAttr) TypeCode() uint8  { return AttrTypeAS4Path }
func (*AS4PathAttr) WireFlags() uint8 { return AttrFlagOptional | AttrFlagTransitive }
func (a *AS4PathAttr) encodeValue(encodeCtx) []byte {
	return encodeSegments(a.Segments, true)
}

type AS4AggregatorAttr struct {
	AS   uint32
	Addr netip.Addr
}

func (*AS4AggregatorAttr) TypeCode() uint8  { return AttrTypeAS4Aggregator }
func (*AS4AggregatorAttr) WireFlags() uint8 { return AttrFlagOptional | AttrFlagTransitive }
func (a *AS4AggregatorAttr) encodeValue(encodeCtx) []byte {
	b := binary.BigEndian.AppendUint32(nil, a.AS)
	ip := a.Addr.As4()
	return append(b, ip[:]...)
}

// UnknownAttr preserves an unrecognized attribute byte-exactly so
// transitive attributes survive re-encoding with the flags they arrived
// with (Partial is passed through as received, not set here).
type UnknownAttr struct {
	Flags uint8
	Code  uint8
	Value []byte
}

func (a *UnknownAttr) TypeCode() uint8              { return a.Code }
func (a *UnknownAttr) WireFlags() uint8             { return a.Flags &^ AttrFlagExtLen }
func (a *UnknownAttr) encodeValue(encodeCtx) []byte { return a.Value }

func encodeSegments(segs []ASSegment, fourByte bool) []byte {
	var b []byte
	for _, seg := range segs {
		b = append(b, seg.Type, uint8(len(seg.ASNs)))
		for _, asn := range seg.ASNs {
			if fourByte {
				b = binary.BigEndian.AppendUint32(b, asn)
			} else {
				as := uint16(ASTrans)
				if asn <= 0xFFFF {
					as = uint16(asn)
				}
				b = binary.BigEndian.AppendUint16(b, as)
			}
		}
	}
	return b
}

// EncodeAttrs serializes the attribute list in canonical ascending
// type-code order. fourByteAS selects the AS_PATH element width; when
// false and the path contains a 4-byte ASN, an AS4_PATH with the full
// view is appended automatically.
func EncodeAttrs(pa *PathAttrs, fourByteAS bool) ([]byte, error) {
	ctx := encodeCtx{fourByteAS: fourByteAS}
	work := pa
	if !fourByteAS {
		if ap := pa.ASPath(); ap != nil && pathNeedsFourByte(ap.Segments) && pa.Get(AttrTypeAS4Path) == nil {
			work = pa.Clone()
			work.Set(&AS4PathAttr{Segments: cloneSegments(ap.Segments)})
		}
	}
	var out []byte
	var encErr error
	work.ForEach(func(a Attribute) {
		v := a.encodeValue(ctx)
		flags := a.WireFlags()
		if len(v) > 0xFFFF {
			encErr = fmt.Errorf("bgp: attribute %d value too long (%d)", a.TypeCode(), len(v))
			return
		}
		if len(v) > 0xFF {
			flags |= AttrFlagExtLen
			out = append(out, flags, a.TypeCode())
			out = binary.BigEndian.AppendUint16(out, uint16(len(v)))
		} else {
			out = append(out, flags, a.TypeCode())
			out = append(out, uint8(len(v)))
		}
		out = append(out, v...)
	})
	return out, encErr
}

func pathNeedsFourByte(segs []ASSegment) bool {
	for _, seg := range segs {
		for _, asn := range seg.ASNs {
			if asn > 0xFFFF {
				return true
			}
		}
	}
	return false
}

// DecodeAttrs parses the path-attributes section of an UPDATE.
// fourByteAS selects the AS_PATH element width negotiated for the
// session. Errors are NotifyError values carrying the data to echo.
func DecodeAttrs(data []byte, fourByteAS bool) (*PathAttrs, error) {
	pa := &PathAttrs{}
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, updateError(SubMalformedAttributeList, nil)
		}
		flags := data[offset]
		typeCode := data[offset+1]
		hdrStart := offset
		offset += 2

		var attrLen int
		if flags&AttrFlagExtLen != 0 {
			if offset+2 > len(data) {
				return nil, updateError(SubMalformedAttributeList, nil)
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return nil, updateError(SubMalformedAttributeList, nil)
			}
			attrLen = int(data[offset])
			offset++
		}
		if offset+attrLen > len(data) {
			return nil, updateError(SubAttributeLengthError, data[hdrStart:])
		}
		raw := data[hdrStart : offset+attrLen]
		val := data[offset : offset+attrLen]
		offset += attrLen

		if pa.Get(typeCode) != nil {
			return nil, updateError(SubMalformedAttributeList, raw)
		}
		if err := checkAttrFlags(flags, typeCode, raw); err != nil {
			return nil, err
		}
		attr, err := decodeOne(flags, typeCode, val, raw, fourByteAS)
		if err != nil {
			return nil, err
		}
		pa.Set(attr)
	}

	if fourByteAS {
		// Both sides speak 4-byte AS: AS4_PATH must not appear.
		pa.Remove(AttrTypeAS4Path)
		pa.Remove(AttrTypeAS4Aggregator)
	} else {
		mergeAS4(pa)
	}
	return pa, nil
}

func checkAttrFlags(flags, typeCode uint8, raw []byte) error {
	wellKnown := map[uint8]bool{
		AttrTypeOrigin: true, AttrTypeASPath: true, AttrTypeNextHop: true,
		AttrTypeLocalPref: true, AttrTypeAtomicAggregate: true,
	}[typeCode]
	if wellKnown {
		if flags&AttrFlagOptional != 0 || flags&AttrFlagTransitive == 0 || flags&AttrFlagPartial != 0 {
			return updateError(SubAttributeFlagsError, raw)
		}
		return nil
	}
	known := typeCode == AttrTypeMED || typeCode == AttrTypeAggregator ||
		typeCode == AttrTypeCommunity || typeCode == AttrTypeOriginatorID ||
		typeCode == AttrTypeClusterList || typeCode == AttrTypeMPReachNLRI ||
		typeCode == AttrTypeMPUnreachNLRI || typeCode == AttrTypeAS4Path ||
		typeCode == AttrTypeAS4Aggregator
	if known && flags&AttrFlagOptional == 0 {
		return updateError(SubAttributeFlagsError, raw)
	}
	return nil
}

func decodeOne(flags, typeCode uint8, val, raw []byte, fourByteAS bool) (Attribute, error) {
	switch typeCode {
	case AttrTypeOrigin:
		if len(val) != 1 {
			return nil, updateError(SubAttributeLengthError, raw)
		}
		if val[0] > OriginIncomplete {
			return nil, updateError(SubInvalidOriginAttribute, raw)
		}
		return &OriginAttr{Value: val[0]}, nil
	case AttrTypeASPath:
		segs, err := decodeSegments(val, fourByteAS)
		if err != nil {
			return nil, updateError(SubMalformedASPath, raw)
		}
		return &ASPathAttr{Segments: segs}, nil
	case AttrTypeNextHop:
		if len(val) != 4 {
			return nil, updateError(SubAttributeLengthError, raw)
		}
		return &NextHopAttr{Addr: netip.AddrFrom4([4]byte(val))}, nil
	case AttrTypeMED:
		if len(val) != 4 {
			return nil, updateError(SubAttributeLengthError, raw)
		}
		return &MEDAttr{Value: binary.BigEndian.Uint32(val)}, nil
	case AttrTypeLocalPref:
		if len(val) != 4 {
			return nil, updateError(SubAttributeLengthError, raw)
		}
		return &LocalPrefAttr{Value: binary.BigEndian.Uint32(val)}, nil
	case AttrTypeAtomicAggregate:
		if len(val) != 0 {
			return nil, updateError(SubAttributeLengthError, raw)
		}
		return &AtomicAggregateAttr{}, nil
	case AttrTypeAggregator:
		switch {
		case fourByteAS && len(val) == 8:
			return &AggregatorAttr{
				AS:   binary.BigEndian.Uint32(val[0:4]),
				Addr: netip.AddrFrom4([4]byte(val[4:8])),
			}, nil
		case !fourByteAS && len(val) == 6:
			return &AggregatorAttr{
				AS:   uint32(binary.BigEndian.Uint16(val[0:2])),
				Addr: netip.AddrFrom4([4]byte(val[2:6])),
			}, nil
		}
		return nil, updateError(SubAttributeLengthError, raw)
	case AttrTypeCommunity:
		if len(val)%4 != 0 {
			return nil, updateError(SubAttributeLengthError, raw)
		}
		a := &CommunityAttr{}
		for i := 0; i < len(val); i += 4 {
			a.Values = append(a.Values, binary.BigEndian.Uint32(val[i:i+4]))
		}
		return a, nil
	case AttrTypeOriginatorID:
		if len(val) != 4 {
			return nil, updateError(SubAttributeLengthError, raw)
		}
		return &OriginatorIDAttr{ID: binary.BigEndian.Uint32(val)}, nil
	case AttrTypeClusterList:
		if len(val)%4 != 0 {
			return nil, updateError(SubAttributeLengthError, raw)
		}
		a := &ClusterListAttr{}
		for i := 0; i < len(val); i += 4 {
			a.IDs = append(a.IDs, binary.BigEndian.Uint32(val[i:i+4]))
		}
		return a, nil
	case AttrTypeMPReachNLRI:
		return decodeMPReach(val, raw)
	case AttrTypeMPUnreachNLRI:
		return decodeMPUnreach(val, raw)
	case AttrTypeAS4Path:
		segs, err := decodeSegments(val, true)
		if err != nil {
			return nil, updateError(SubMalformedASPath, raw)
		}
		return &AS4PathAttr{Segments: segs}, nil
	case AttrTypeAS4Aggregator:
		if len(val) != 8 {
			return nil, updateError(SubAttributeLengthError, raw)
		}
		return &AS4AggregatorAttr{
			AS:   binary.BigEndian.Uint32(val[0:4]),
			Addr: netip.AddrFrom4([4]byte(val[4:8])),
		}, nil
	}
	v := make([]byte, len(val))
	copy(v, val)
	return &UnknownAttr{Flags: flags, Code: typeCode, Value: v}, nil
}

func decodeSegments(data []byte, fourByte bool) ([]ASSegment, error) {
	width := 2
	if fourByte {
		width = 4
	}
	var segs []ASSegment
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("bgp: as path segment header truncated")
		}
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2
		if segType < ASPathSegmentSet || segType > ASPathSegmentConfedSet {
			return nil, fmt.Errorf("bgp: bad as path segment type %d", segType)
		}
		if offset+segLen*width > len(data) {
			return nil, fmt.Errorf("bgp: as path segment truncated")
		}
		asns := make([]uint32, segLen)
		for i := 0; i < segLen; i++ {
			if fourByte {
				asns[i] = binary.BigEndian.Uint32(data[offset : offset+4])
			} else {
				asns[i] = uint32(binary.BigEndian.Uint16(data[offset : offset+2]))
			}
			offset += width
		}
		segs = append(segs, ASSegment{Type: segType, ASNs: asns})
	}
	return segs, nil
}

func decodeMPReach(val, raw []byte) (Attribute, error) {
	if len(val) < 5 {
		return nil, updateError(SubOptionalAttributeError, raw)
	}
	a := &MPReachAttr{
		AFI:  binary.BigEndian.Uint16(val[0:2]),
		SAFI: val[2],
	}
	nhLen := int(val[3])
	offset := 4
	if offset+nhLen > len(val) {
		return nil, updateError(SubOptionalAttributeError, raw)
	}
	nh := val[offset : offset+nhLen]
	switch nhLen {
	case 4:
		a.NextHop = netip.AddrFrom4([4]byte(nh))
	case 16:
		a.NextHop = netip.AddrFrom16([16]byte(nh))
	case 32:
		a.NextHop = netip.AddrFrom16([16]byte(nh[:16]))
		a.LinkLocal = netip.AddrFrom16([16]byte(nh[16:]))
	default:
		return nil, updateError(SubOptionalAttributeError, raw)
	}
	offset += nhLen
	if offset >= len(val) {
		return nil, updateError(SubOptionalAttributeError, raw)
	}
	offset++ // reserved SNPA count, always 0 on encode
	nlri, err := DecodePrefixes(val[offset:], a.AFI)
	if err != nil {
		return nil, updateError(SubInvalidNetworkField, raw)
	}
	a.NLRI = nlri
	return a, nil
}

func decodeMPUnreach(val, raw []byte) (Attribute, error) {
	if len(val) < 3 {
		return nil, updateError(SubOptionalAttributeError, raw)
	}
	a := &MPUnreachAttr{
		AFI:  binary.BigEndian.Uint16(val[0:2]),
		SAFI: val[2],
	}
	nlri, err := DecodePrefixes(val[3:], a.AFI)
	if err != nil {
		return nil, updateError(SubInvalidNetworkField, raw)
	}
	a.NLRI = nlri
	return a, nil
}

// mergeAS4 folds AS4_PATH into the effective path per RFC 6793 §4.2.3:
// when the 2-byte AS_PATH is at least as long as AS4_PATH, the trailing
// AS4_PATH elements replace the corresponding AS_TRANS placeholders.
func mergeAS4(pa *PathAttrs) {
	as4, _ := pa.Get(AttrTypeAS4Path).(*AS4PathAttr)
	ap := pa.ASPath()
	if as4 == nil || ap == nil {
		return
	}
	short := ap.PathLength()
	long := (&ASPathAttr{Segments: as4.Segments}).PathLength()
	if long > short {
		// AS4_PATH claims more hops than AS_PATH; ignore it.
		pa.Remove(AttrTypeAS4Path)
		return
	}
	keep := short - long
	var merged []ASSegment
	for _, seg := range ap.Segments {
		if keep == 0 {
			break
		}
		if seg.Type == ASPathSegmentSet {
			merged = append(merged, seg)
			keep--
			continue
		}
		if len(seg.ASNs) <= keep {
			merged = append(merged, seg)
			keep -= len(seg.ASNs)
			continue
		}
		merged = append(merged, ASSegment{Type: seg.Type, ASNs: seg.ASNs[:keep]})
		keep = 0
	}
	merged = append(merged, cloneSegments(as4.Segments)...)
	pa.Set(&ASPathAttr{Segments: merged})
	pa.Remove(AttrTypeAS4Path)

	if agg4, ok := pa.Get(AttrTypeAS4Aggregator).(*AS4AggregatorAttr); ok {
		pa.Set(&AggregatorAttr{AS: agg4.AS, Addr: agg4.Addr})
		pa.Remove(AttrTypeAS4Aggregator)
	}
}

// appendPrefix appends the RFC 4271 packed form: length bit count then
// the minimum number of bytes.
func appendPrefix(b []byte, p netip.Prefix) []byte {
	b = append(b, uint8(p.Bits()))
	byteLen := (p.Bits() + 7) / 8
	if p.Addr().Is4() {
		v := p.Addr().As4()
		return append(b, v[:byteLen]...)
	}
	v := p.Addr().As16()
	return append(b, v[:byteLen]...)
}

// DecodePrefixes parses a packed NLRI list for the given AFI.
func DecodePrefixes(data []byte, afi uint16) ([]netip.Prefix, error) {
	maxLen := 4
	if afi == AFIIPv6 {
		maxLen = 16
	} else if afi != AFIIPv4 {
		return nil, fmt.Errorf("bgp: unsupported afi %d", afi)
	}
	var prefixes []netip.Prefix
	offset := 0
	for offset < len(data) {
		bits := int(data[offset])
		offset++
		if bits > maxLen*8 {
			return nil, fmt.Errorf("bgp: prefix length %d exceeds afi maximum", bits)
		}
		byteLen := (bits + 7) / 8
		if offset+byteLen > len(data) {
			return nil, fmt.Errorf("bgp: prefix data truncated at offset %d", offset)
		}
		buf := make([]byte, maxLen)
		copy(buf, data[offset:offset+byteLen])
		offset += byteLen
		var addr netip.Addr
		if maxLen == 4 {
			addr = netip.AddrFrom4([4]byte(buf))
		} else {
			addr = netip.AddrFrom16([16]byte(buf))
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, bits))
	}
	return prefixes, nil
}
