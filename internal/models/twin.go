package models

import (
	"time"

	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// DesiredProperties is the static configuration half of a device twin.
type DesiredProperties struct {
	// OTAA
	AppEUI *lorawan.EUI64     `json:"appEUI,omitempty"`
	AppKey *lorawan.AES128Key `json:"appKey,omitempty"`

	// ABP
	DevAddr *lorawan.DevAddr   `json:"devAddr,omitempty"`
	NwkSKey *lorawan.AES128Key `json:"nwkSKey,omitempty"`
	AppSKey *lorawan.AES128Key `json:"appSKey,omitempty"`

	// GatewayID pins the device to one frame server. Empty means shared.
	GatewayID         string      `json:"gatewayID,omitempty"`
	Region            string      `json:"region,omitempty"`
	ClassType         DeviceClass `json:"classType,omitempty"`
	PreferredWindow   int         `json:"preferredWindow,omitempty"`
	RX2DataRate       *uint8      `json:"rx2DataRate,omitempty"`
	FCntUpStart       *uint32     `json:"fCntUpStart,omitempty"`
	FCntDownStart     *uint32     `json:"fCntDownStart,omitempty"`
	FCntResetCounter  *uint32     `json:"fCntResetCounter,omitempty"`
	Supports32BitFCnt bool        `json:"supports32BitFCnt,omitempty"`
	ABPRelaxMode      *bool       `json:"abpRelaxMode,omitempty"`
	Deduplication     string      `json:"deduplication,omitempty"`
	SensorDecoder     string      `json:"sensorDecoder,omitempty"`
}

// DwellTimeSetting is the TxParamSetup state last acknowledged by the device.
type DwellTimeSetting struct {
	DownlinkDwellTime bool  `json:"downlinkDwellTime"`
	UplinkDwellTime   bool  `json:"uplinkDwellTime"`
	MaxEIRP           uint8 `json:"maxEIRP"`
}

// ReportedProperties is the observed state half of a device twin. Every field
// is optional so the same type doubles as a partial update.
type ReportedProperties struct {
	DevAddr  *lorawan.DevAddr   `json:"devAddr,omitempty"`
	NwkSKey  *lorawan.AES128Key `json:"nwkSKey,omitempty"`
	AppSKey  *lorawan.AES128Key `json:"appSKey,omitempty"`
	DevNonce *uint16            `json:"devNonce,omitempty"`
	NetID    string             `json:"netID,omitempty"`

	FCntUp           *uint32 `json:"fCntUp,omitempty"`
	FCntDown         *uint32 `json:"fCntDown,omitempty"`
	FCntUpStart      *uint32 `json:"fCntUpStart,omitempty"`
	FCntDownStart    *uint32 `json:"fCntDownStart,omitempty"`
	FCntResetCounter *uint32 `json:"fCntResetCounter,omitempty"`

	DataRate *uint8 `json:"dataRate,omitempty"`
	TxPower  *uint8 `json:"txPower,omitempty"`
	NbRep    *uint8 `json:"nbRep,omitempty"`

	DwellTimeSetting   *DwellTimeSetting `json:"dwellTimeSetting,omitempty"`
	PreferredGatewayID string            `json:"preferredGatewayID,omitempty"`
	LastStation        string            `json:"lastStation,omitempty"`
	Region             string            `json:"region,omitempty"`
}

// Merge overlays every field set in patch onto r.
func (r *ReportedProperties) Merge(patch ReportedProperties) {
	if patch.DevAddr != nil {
		r.DevAddr = patch.DevAddr
	}
	if patch.NwkSKey != nil {
		r.NwkSKey = patch.NwkSKey
	}
	if patch.AppSKey != nil {
		r.AppSKey = patch.AppSKey
	}
	if patch.DevNonce != nil {
		r.DevNonce = patch.DevNonce
	}
	if patch.NetID != "" {
		r.NetID = patch.NetID
	}
	if patch.FCntUp != nil {
		r.FCntUp = patch.FCntUp
	}
	if patch.FCntDown != nil {
		r.FCntDown = patch.FCntDown
	}
	if patch.FCntUpStart != nil {
		r.FCntUpStart = patch.FCntUpStart
	}
	if patch.FCntDownStart != nil {
		r.FCntDownStart = patch.FCntDownStart
	}
	if patch.FCntResetCounter != nil {
		r.FCntResetCounter = patch.FCntResetCounter
	}
	if patch.DataRate != nil {
		r.DataRate = patch.DataRate
	}
	if patch.TxPower != nil {
		r.TxPower = patch.TxPower
	}
	if patch.NbRep != nil {
		r.NbRep = patch.NbRep
	}
	if patch.DwellTimeSetting != nil {
		r.DwellTimeSetting = patch.DwellTimeSetting
	}
	if patch.PreferredGatewayID != "" {
		r.PreferredGatewayID = patch.PreferredGatewayID
	}
	if patch.LastStation != "" {
		r.LastStation = patch.LastStation
	}
	if patch.Region != "" {
		r.Region = patch.Region
	}
}

// Twin is the persisted document backing one device.
type Twin struct {
	DevEUI    lorawan.EUI64      `json:"devEUI"`
	Desired   DesiredProperties  `json:"desired"`
	Reported  ReportedProperties `json:"reported"`
	Version   int64              `json:"version"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// ActivationMode infers how the device was provisioned
func (t *Twin) ActivationMode() lorawan.ActivationMode {
	if t.Desired.AppKey != nil {
		return lorawan.OTAA
	}
	return lorawan.ABP
}

// Uint32 returns a pointer to v
func Uint32(v uint32) *uint32 { return &v }

// Uint8 returns a pointer to v
func Uint8(v uint8) *uint8 { return &v }

// Uint16 returns a pointer to v
func Uint16(v uint16) *uint16 { return &v }

// Bool returns a pointer to v
func Bool(v bool) *bool { return &v }
