package bgp

import (
	"encoding/binary"
	"net/netip"
)

// UpdateMessage is a decoded UPDATE. IPv4-unicast reachability rides in
// Withdrawn/NLRI; every other (AFI,SAFI) rides inside MP_REACH_NLRI /
// MP_UNREACH_NLRI attributes. The encoder produces one UPDATE per
// (AFI,SAFI); the caller composes multiple messages when announcing
// several families with a shared attribute set.
type UpdateMessage struct {
	Withdrawn []netip.Prefix
	Attrs     *PathAttrs
	NLRI      []netip.Prefix
}

func (*UpdateMessage) Type() uint8 { return MsgTypeUpdate }

// IsEndOfRIB reports whether this is the RFC 4724 end-of-RIB marker for
// IPv4 unicast (a completely empty UPDATE).
func (m *UpdateMessage) IsEndOfRIB() bool {
	return len(m.Withdrawn) == 0 && len(m.NLRI) == 0 &&
		(m.Attrs == nil || attrsEmpty(m.Attrs))
}

func attrsEmpty(pa *PathAttrs) bool {
	empty := true
	pa.ForEach(func(Attribute) { empty = false })
	return empty
}

func (m *UpdateMessage) encodeBody(fourByteAS bool) ([]byte, error) {
	var withdrawn []byte
	for _, p := range m.Withdrawn {
		withdrawn = appendPrefix(withdrawn, p)
	}
	var attrs []byte
	if m.Attrs != nil {
		var err error
		attrs, err = EncodeAttrs(m.Attrs, fourByteAS)
		if err != nil {
			return nil, err
		}
	}
	var b []byte
	b = binary.BigEndian.AppendUint16(b, uint16(len(withdrawn)))
	b = append(b, withdrawn...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(attrs)))
	b = append(b, attrs...)
	for _, p := range m.NLRI {
		b = appendPrefix(b, p)
	}
	return b, nil
}

func decodeUpdate(body []byte, fourByteAS bool) (*UpdateMessage, error) {
	if len(body) < 4 {
		return nil, updateError(SubMalformedAttributeList, nil)
	}
	offset := 0
	withdrawnLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+withdrawnLen > len(body) {
		return nil, updateError(SubMalformedAttributeList, nil)
	}
	withdrawn, err := DecodePrefixes(body[offset:offset+withdrawnLen], AFIIPv4)
	if err != nil {
		return nil, updateError(SubInvalidNetworkField, nil)
	}
	offset += withdrawnLen

	if offset+2 > len(body) {
		return nil, updateError(SubMalformedAttributeList, nil)
	}
	attrLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+attrLen > len(body) {
		return nil, updateError(SubMalformedAttributeList, nil)
	}
	attrs, err := DecodeAttrs(body[offset:offset+attrLen], fourByteAS)
	if err != nil {
		return nil, err
	}
	offset += attrLen

	nlri, err := DecodePrefixes(body[offset:], AFIIPv4)
	if err != nil {
		return nil, updateError(SubInvalidNetworkField, nil)
	}

	m := &UpdateMessage{Withdrawn: withdrawn, Attrs: attrs, NLRI: nlri}
	if len(m.NLRI) > 0 {
		if err := checkMandatory(m.Attrs); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// checkMandatory enforces the well-known attributes required when NLRI
// is present (RFC 4271 §6.3).
func checkMandatory(pa *PathAttrs) error {
	if pa == nil {
		return updateError(SubMissingWellKnownAttribute, []byte{AttrTypeOrigin})
	}
	if _, ok := pa.Origin(); !ok {
		return updateError(SubMissingWellKnownAttribute, []byte{AttrTypeOrigin})
	}
	if pa.ASPath() == nil {
		return updateError(SubMissingWellKnownAttribute, []byte{AttrTypeASPath})
	}
	if _, ok := pa.NextHop(); !ok {
		return updateError(SubMissingWellKnownAttribute, []byte{AttrTypeNextHop})
	}
	return nil
}
