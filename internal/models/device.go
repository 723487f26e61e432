package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// DeviceClass is the LoRaWAN device class
type DeviceClass string

const (
	ClassA DeviceClass = "A"
	ClassB DeviceClass = "B"
	ClassC DeviceClass = "C"
)

// DeduplicationMode decides what happens with copies of a frame reported by
// more than one station.
type DeduplicationMode int

const (
	DeduplicationNone DeduplicationMode = iota
	DeduplicationDrop
	DeduplicationMark
)

// String returns the configuration token for the mode
func (m DeduplicationMode) String() string {
	switch m {
	case DeduplicationDrop:
		return "drop"
	case DeduplicationMark:
		return "mark"
	default:
		return "none"
	}
}

// ParseDeduplicationMode parses drop, mark or none (case insensitive)
func ParseDeduplicationMode(s string) (DeduplicationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop":
		return DeduplicationDrop, nil
	case "mark":
		return DeduplicationMark, nil
	case "none":
		return DeduplicationNone, nil
	default:
		return DeduplicationNone, fmt.Errorf("unknown deduplication mode %q", s)
	}
}

// DevAddrMatch is one backing-store hit for a session address.
type DevAddrMatch struct {
	DevEUI    lorawan.EUI64     `json:"devEUI"`
	GatewayID string            `json:"gatewayID,omitempty"`
	NwkSKey   lorawan.AES128Key `json:"nwkSKey"`
}

// JoinLockResult is returned by a join lookup; the device row stays locked
// for the caller's gateway until the nonce is recorded.
type JoinLockResult struct {
	DevEUI              lorawan.EUI64     `json:"devEUI"`
	JoinEUI             lorawan.EUI64     `json:"joinEUI"`
	AppKey              lorawan.AES128Key `json:"-"`
	GatewayID           string            `json:"gatewayID,omitempty"`
	DevNonceAlreadyUsed bool              `json:"devNonceAlreadyUsed"`
}

// MessageState tracks a cloud-to-device message through delivery.
type MessageState string

const (
	MessagePending   MessageState = "pending"
	MessageCompleted MessageState = "completed"
	MessageAbandoned MessageState = "abandoned"
	MessageRejected  MessageState = "rejected"
)

// CloudMessage is a downlink queued by the application side.
type CloudMessage struct {
	ID        uuid.UUID     `json:"id"`
	DevEUI    lorawan.EUI64 `json:"devEUI"`
	FPort     uint8         `json:"fPort"`
	Payload   []byte        `json:"payload"`
	Confirmed bool          `json:"confirmed"`
	State     MessageState  `json:"state"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Telemetry is the application-facing event for one accepted uplink.
type Telemetry struct {
	RequestID  uuid.UUID       `json:"requestID"`
	DevEUI     lorawan.EUI64   `json:"devEUI"`
	DevAddr    lorawan.DevAddr `json:"devAddr"`
	FCnt       uint32          `json:"fCnt"`
	FPort      *uint8          `json:"fPort,omitempty"`
	Data       []byte          `json:"data,omitempty"`
	Confirmed  bool            `json:"confirmed"`
	Redundant  bool            `json:"redundant,omitempty"`
	Station    string          `json:"station"`
	DataRate   uint8           `json:"dataRate"`
	RSSI       float64         `json:"rssi"`
	SNR        float64         `json:"snr"`
	Frequency  float64         `json:"frequency"`
	ReceivedAt time.Time       `json:"receivedAt"`
}
