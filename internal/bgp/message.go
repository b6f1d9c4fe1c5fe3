package bgp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Message is one decoded BGP message.
type Message interface {
	Type() uint8
}

// Encode frames m with the BGP header. Messages larger than 4096 bytes
// fail encoding; splitting is the producer's job.
func Encode(m Message, fourByteAS bool) ([]byte, error) {
	var body []byte
	var err error
	switch t := m.(type) {
	case *OpenMessage:
		body = t.encodeBody()
	case *UpdateMessage:
		body, err = t.encodeBody(fourByteAS)
		if err != nil {
			return nil, err
		}
	case *NotificationMessage:
		if !ValidNotification(t.Code, t.Subcode) {
			return nil, fmt.Errorf("bgp: refusing unknown notification %d/%d", t.Code, t.Subcode)
		}
		body = t.encodeBody()
	case *KeepaliveMessage:
	default:
		return nil, fmt.Errorf("bgp: unknown message %T", m)
	}

	total := HeaderSize + len(body)
	if total > MaxMessageLen {
		return nil, ErrMessageTooBig
	}
	out := make([]byte, total)
	for i := 0; i < 16; i++ {
		out[i] = 0xFF
	}
	binary.BigEndian.PutUint16(out[16:18], uint16(total))
	out[18] = m.Type()
	copy(out[HeaderSize:], body)
	return out, nil
}

// ErrMessageTooBig is returned when an encoded message would exceed the
// 4096-byte protocol maximum.
var ErrMessageTooBig = fmt.Errorf("bgp: message exceeds %d bytes", MaxMessageLen)

var marker = bytes.Repeat([]byte{0xFF}, 16)

// DecodeHeader validates the 19-byte header and returns (type, total
// length). Errors are NotifyError values.
func DecodeHeader(hdr []byte) (uint8, int, error) {
	if len(hdr) < HeaderSize {
		return 0, 0, headerError(SubBadMessageLength, hdr)
	}
	if !bytes.Equal(hdr[:16], marker) {
		return 0, 0, headerError(SubConnectionNotSynchronized, nil)
	}
	length := int(binary.BigEndian.Uint16(hdr[16:18]))
	msgType := hdr[18]
	if length < HeaderSize || length > MaxMessageLen {
		return 0, 0, headerError(SubBadMessageLength, hdr[16:18])
	}
	switch msgType {
	case MsgTypeOpen, MsgTypeUpdate, MsgTypeNotification, MsgTypeKeepalive:
	default:
		return 0, 0, headerError(SubBadMessageType, []byte{msgType})
	}
	return msgType, length, nil
}

// Decode parses a complete framed message.
func Decode(data []byte, fourByteAS bool) (Message, error) {
	msgType, length, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if length != len(data) {
		return nil, headerError(SubBadMessageLength, data[16:18])
	}
	body := data[HeaderSize:]
	switch msgType {
	case MsgTypeOpen:
		return decodeOpen(body)
	case MsgTypeUpdate:
		return decodeUpdate(body, fourByteAS)
	case MsgTypeNotification:
		return decodeNotification(body)
	case MsgTypeKeepalive:
		if len(body) != 0 {
			return nil, headerError(SubBadMessageLength, data[16:18])
		}
		return &KeepaliveMessage{}, nil
	}
	return nil, headerError(SubBadMessageType, []byte{msgType})
}

// Capability is one RFC 5492 capability triple.
type Capability struct {
	Code  uint8
	Value []byte
}

// MPCapability builds a Multiprotocol capability for (afi, safi).
func MPCapability(afi uint16, safi uint8) Capability {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v[0:2], afi)
	v[3] = safi
	return Capability{Code: CapMultiprotocol, Value: v}
}

// FourByteASCapability advertises the full-width local AS.
func FourByteASCapability(as uint32) Capability {
	v := binary.BigEndian.AppendUint32(nil, as)
	return Capability{Code: CapFourByteAS, Value: v}
}

// OpenMessage is a decoded OPEN.
type OpenMessage struct {
	Version      uint8
	AS           uint16 // wire AS field; ASTrans when the real AS is 4-byte
	HoldTime     uint16
	BGPID        netip.Addr
	Capabilities []Capability

	// SuppressCaps omits the Capabilities optional parameter entirely,
	// used on the retry OPEN after UnsupportedOptionalParameter.
	SuppressCaps bool
}

func (*OpenMessage) Type() uint8 { return MsgTypeOpen }

// FourByteAS returns the AS from the four-byte capability if present.
func (m *OpenMessage) FourByteAS() (uint32, bool) {
	for _, c := range m.Capabilities {
		if c.Code == CapFourByteAS && len(c.Value) == 4 {
			return binary.BigEndian.Uint32(c.Value), true
		}
	}
	return 0, false
}

// HasMP reports whether the peer advertised (afi, safi).
func (m *OpenMessage) HasMP(afi uint16, safi uint8) bool {
	for _, c := range m.Capabilities {
		if c.Code == CapMultiprotocol && len(c.Value) == 4 &&
			binary.BigEndian.Uint16(c.Value[0:2]) == afi && c.Value[3] == safi {
			return true
		}
	}
	return false
}

func (m *OpenMessage) encodeBody() []byte {
	var b []byte
	b = append(b, m.Version)
	b = binary.BigEndian.AppendUint16(b, m.AS)
	b = binary.BigEndian.AppendUint16(b, m.HoldTime)
	id := m.BGPID.As4()
	b = append(b, id[:]...)

	var params []byte
	if !m.SuppressCaps && len(m.Capabilities) > 0 {
		var caps []byte
		for _, c := range m.Capabilities {
			caps = append(caps, c.Code, uint8(len(c.Value)))
			caps = append(caps, c.Value...)
		}
		params = append(params, OptParamCapabilities, uint8(len(caps)))
		params = append(params, caps...)
	}
	b = append(b, uint8(len(params)))
	return append(b, params...)
}

func decodeOpen(body []byte) (*OpenMessage, error) {
	if len(body) < 10 {
		return nil, openError(0, nil)
	}
	m := &OpenMessage{
		Version:  body[0],
		AS:       binary.BigEndian.Uint16(body[1:3]),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
		BGPID:    netip.AddrFrom4([4]byte(body[5:9])),
	}
	if m.Version != Version {
		// Data carries the preferred version per RFC 4271 §6.2.
		pref := binary.BigEndian.AppendUint16(nil, uint16(Version))
		return nil, openError(SubUnsupportedVersionNumber, pref)
	}
	if m.HoldTime != 0 && m.HoldTime < MinHoldTime {
		return nil, openError(SubUnacceptableHoldTime, nil)
	}
	paramsLen := int(body[9])
	params := body[10:]
	if paramsLen != len(params) {
		return nil, openError(0, nil)
	}
	offset := 0
	for offset < len(params) {
		if offset+2 > len(params) {
			return nil, openError(0, nil)
		}
		pType := params[offset]
		pLen := int(params[offset+1])
		offset += 2
		if offset+pLen > len(params) {
			return nil, openError(0, nil)
		}
		pVal := params[offset : offset+pLen]
		offset += pLen
		if pType != OptParamCapabilities {
			return nil, openError(SubUnsupportedOptionalParameter, []byte{pType})
		}
		capOff := 0
		for capOff < len(pVal) {
			if capOff+2 > len(pVal) {
				return nil, openError(0, nil)
			}
			code := pVal[capOff]
			capLen := int(pVal[capOff+1])
			capOff += 2
			if capOff+capLen > len(pVal) {
				return nil, openError(0, nil)
			}
			v := make([]byte, capLen)
			copy(v, pVal[capOff:capOff+capLen])
			m.Capabilities = append(m.Capabilities, Capability{Code: code, Value: v})
			capOff += capLen
		}
	}
	return m, nil
}

// KeepaliveMessage has no body.
type KeepaliveMessage struct{}

func (*KeepaliveMessage) Type() uint8 { return MsgTypeKeepalive }

// NotificationMessage carries an error code, subcode and echo data.
type NotificationMessage struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (*NotificationMessage) Type() uint8 { return MsgTypeNotification }

// FromNotifyError converts a decode error into the packet to send.
func FromNotifyError(e *NotifyError) *NotificationMessage {
	return &NotificationMessage{Code: e.Code, Subcode: e.Subcode, Data: e.Data}
}

func (m *NotificationMessage) encodeBody() []byte {
	b := []byte{m.Code, m.Subcode}
	return append(b, m.Data...)
}

func decodeNotification(body []byte) (*NotificationMessage, error) {
	if len(body) < 2 {
		return nil, headerError(SubBadMessageLength, nil)
	}
	data := make([]byte, len(body)-2)
	copy(data, body[2:])
	if len(data) == 0 {
		data = nil
	}
	return &NotificationMessage{Code: body[0], Subcode: body[1], Data: data}, nil
}
