package bgp

import "fmt"

// NOTIFICATION error codes (RFC 4271 §6).
const (
	ErrCodeMessageHeader     uint8 = 1
	ErrCodeOpenMessage       uint8 = 2
	ErrCodeUpdateMessage     uint8 = 3
	ErrCodeHoldTimerExpired  uint8 = 4
	ErrCodeFSMError          uint8 = 5
	ErrCodeCease             uint8 = 6
)

// Message header error subcodes.
const (
	SubConnectionNotSynchronized uint8 = 1
	SubBadMessageLength          uint8 = 2
	SubBadMessageType            uint8 = 3
)

// OPEN message error subcodes.
const (
	SubUnsupportedVersionNumber     uint8 = 1
	SubBadPeerAS                    uint8 = 2
	SubBadBGPIdentifier             uint8 = 3
	SubUnsupportedOptionalParameter uint8 = 4
	SubUnacceptableHoldTime         uint8 = 6
	SubUnsupportedCapability        uint8 = 7
)

// UPDATE message error subcodes.
const (
	SubMalformedAttributeList    uint8 = 1
	SubUnrecognizedWellKnown     uint8 = 2
	SubMissingWellKnownAttribute uint8 = 3
	SubAttributeFlagsError       uint8 = 4
	SubAttributeLengthError      uint8 = 5
	SubInvalidOriginAttribute    uint8 = 6
	SubInvalidNextHopAttribute   uint8 = 8
	SubOptionalAttributeError    uint8 = 9
	SubInvalidNetworkField       uint8 = 10
	SubMalformedASPath           uint8 = 11
)

// subcodeRange maps each error code to the highest defined subcode.
// Subcode 0 ("unspecific") is always valid.
var subcodeRange = map[uint8]uint8{
	ErrCodeMessageHeader:    3,
	ErrCodeOpenMessage:      7,
	ErrCodeUpdateMessage:    11,
	ErrCodeHoldTimerExpired: 0,
	ErrCodeFSMError:         0,
	ErrCodeCease:            0,
}

// ValidNotification reports whether the (code, subcode) pair is one the
// protocol defines. Used to refuse garbage at send time.
func ValidNotification(code, subcode uint8) bool {
	max, ok := subcodeRange[code]
	if !ok {
		return false
	}
	if code == ErrCodeOpenMessage && subcode == 5 {
		return false // subcode 5 is deprecated
	}
	return subcode <= max
}

// NotifyError is the decode-side error carrying everything needed to
// synthesize the corresponding NOTIFICATION. Decode functions return it
// instead of unwinding; the FSM event path converts it into a packet.
type NotifyError struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("bgp: notification error %d/%d (%d data bytes)",
		e.Code, e.Subcode, len(e.Data))
}

func headerError(subcode uint8, data []byte) *NotifyError {
	return &NotifyError{Code: ErrCodeMessageHeader, Subcode: subcode, Data: data}
}

func openError(subcode uint8, data []byte) *NotifyError {
	return &NotifyError{Code: ErrCodeOpenMessage, Subcode: subcode, Data: data}
}

func updateError(subcode uint8, data []byte) *NotifyError {
	return &NotifyError{Code: ErrCodeUpdateMessage, Subcode: subcode, Data: data}
}
