package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseEUI64(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseEUI64 parses a 16 character hex string.
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	b, err := hex.DecodeString(s)
	if err != nil {
		return e, err
	}
	if len(b) != len(e) {
		return e, fmt.Errorf("invalid EUI64 length: %d", len(b))
	}
	copy(e[:], b)
	return e, nil
}

// DevAddr represents a 4-byte device address
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalJSON implements json.Marshaler
func (d DevAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DevAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDevAddr(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDevAddr parses an 8 character hex string.
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("invalid DevAddr length: %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalJSON implements json.Marshaler
func (k AES128Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (k *AES128Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAES128Key(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsZero reports whether the key was never set.
func (k AES128Key) IsZero() bool {
	return k == AES128Key{}
}

// ParseAES128Key parses a 32 character hex string.
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("invalid key length: %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

// String returns the message type name
func (m MType) String() string {
	switch m {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	case Proprietary:
		return "Proprietary"
	default:
		return "RFU"
	}
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWAN1_0 Major = 0
	LoRaWAN1_1 Major = 1
)

// ActivationMode represents device activation mode
type ActivationMode string

const (
	ABP  ActivationMode = "ABP"
	OTAA ActivationMode = "OTAA"
)

// PHYPayload represents the physical payload
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

func (h MHDR) byte() byte {
	return byte(h.MType<<5) | byte(h.Major)
}

// MACPayload represents the MAC payload
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// FHDR represents the frame header
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}

// JoinRequestPayload represents join request
type JoinRequestPayload struct {
	JoinEUI  EUI64
	DevEUI   EUI64
	DevNonce [2]byte
}
