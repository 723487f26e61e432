package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aead/cmac"
)

// ErrNotDataPayload is returned when a data-frame operation is applied to a
// join or proprietary frame.
var ErrNotDataPayload = errors.New("not a data payload")

// IsDataUp reports whether the payload carries an uplink data frame
func (p *PHYPayload) IsDataUp() bool {
	return p.MHDR.MType == UnconfirmedDataUp || p.MHDR.MType == ConfirmedDataUp
}

// DecodeMACPayload parses the data frame carried by the PHYPayload
func (p *PHYPayload) DecodeMACPayload() (*MACPayload, error) {
	var uplink bool
	switch p.MHDR.MType {
	case UnconfirmedDataUp, ConfirmedDataUp:
		uplink = true
	case UnconfirmedDataDown, ConfirmedDataDown:
	default:
		return nil, ErrNotDataPayload
	}

	mac := &MACPayload{}
	if err := mac.Unmarshal(p.MACPayload, uplink); err != nil {
		return nil, err
	}
	return mac, nil
}

// DecodeJoinRequest parses the join request carried by the PHYPayload
func (p *PHYPayload) DecodeJoinRequest() (*JoinRequestPayload, error) {
	if p.MHDR.MType != JoinRequest {
		return nil, fmt.Errorf("expected JoinRequest, got %s", p.MHDR.MType)
	}
	jr := &JoinRequestPayload{}
	if err := jr.UnmarshalBinary(p.MACPayload); err != nil {
		return nil, err
	}
	return jr, nil
}

// dataMIC computes the LoRaWAN 1.0 data frame MIC over B0 | MHDR | MACPayload.
func (p *PHYPayload) dataMIC(key AES128Key, devAddr DevAddr, fullFCnt uint32, downlink bool) ([4]byte, error) {
	b0 := make([]byte, 16, 16+1+len(p.MACPayload))
	b0[0] = 0x49
	if downlink {
		b0[5] = 0x01
	}
	copy(b0[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(b0[10:14], fullFCnt)
	b0[15] = byte(1 + len(p.MACPayload))

	msg := append(b0, p.MHDR.byte())
	msg = append(msg, p.MACPayload...)
	return CalculateMIC(key[:], msg)
}

// SetUplinkDataMIC calculates and sets the uplink MIC for the given 32-bit
// frame counter.
func (p *PHYPayload) SetUplinkDataMIC(key AES128Key, fullFCnt uint32) error {
	mac, err := p.DecodeMACPayload()
	if err != nil {
		return fmt.Errorf("decode MAC payload: %w", err)
	}
	mic, err := p.dataMIC(key, mac.FHDR.DevAddr, fullFCnt, false)
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkDataMIC checks the MIC against the key assuming the given
// 32-bit frame counter.
func (p *PHYPayload) ValidateUplinkDataMIC(key AES128Key, fullFCnt uint32) (bool, error) {
	mac, err := p.DecodeMACPayload()
	if err != nil {
		return false, fmt.Errorf("decode MAC payload: %w", err)
	}
	mic, err := p.dataMIC(key, mac.FHDR.DevAddr, fullFCnt, false)
	if err != nil {
		return false, fmt.Errorf("calculate MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// SetDownlinkDataMIC sets the downlink MIC
func (p *PHYPayload) SetDownlinkDataMIC(key AES128Key, fCntDown uint32) error {
	mac, err := p.DecodeMACPayload()
	if err != nil {
		return fmt.Errorf("decode MAC payload: %w", err)
	}
	mic, err := p.dataMIC(key, mac.FHDR.DevAddr, fCntDown, true)
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// SetUplinkJoinMIC sets the join request MIC, MIC = cmac(AppKey, MHDR | JoinRequest)
func (p *PHYPayload) SetUplinkJoinMIC(appKey AES128Key) error {
	msg := append([]byte{p.MHDR.byte()}, p.MACPayload...)
	mic, err := CalculateMIC(appKey[:], msg)
	if err != nil {
		return fmt.Errorf("calculate join request MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkJoinMIC validates the join request MIC
func (p *PHYPayload) ValidateUplinkJoinMIC(appKey AES128Key) (bool, error) {
	msg := append([]byte{p.MHDR.byte()}, p.MACPayload...)
	mic, err := CalculateMIC(appKey[:], msg)
	if err != nil {
		return false, fmt.Errorf("calculate join request MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// CalculateMIC returns the first four bytes of AES-CMAC(key, data)
func CalculateMIC(key []byte, data []byte) ([4]byte, error) {
	var mic [4]byte
	block, err := aes.NewCipher(key)
	if err != nil {
		return mic, err
	}
	sum, err := cmac.Sum(data, block, aes.BlockSize)
	if err != nil {
		return mic, err
	}
	copy(mic[:], sum[:4])
	return mic, nil
}

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("PHYPayload too short: %d bytes", len(data))
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)
	p.MACPayload = append([]byte(nil), data[1:len(data)-4]...)
	copy(p.MIC[:], data[len(data)-4:])

	return nil
}

// MarshalBinary marshals PHYPayload to binary
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 1+len(p.MACPayload)+4)
	data = append(data, p.MHDR.byte())
	data = append(data, p.MACPayload...)
	data = append(data, p.MIC[:]...)
	return data, nil
}

// EncryptFRMPayload encrypts/decrypts FRM payload
func EncryptFRMPayload(key AES128Key, devAddr DevAddr, fCnt uint32, uplink bool, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	k := (len(payload) + 15) / 16

	ai := make([]byte, 16)
	ai[0] = 0x01
	if !uplink {
		ai[5] = 0x01
	}
	copy(ai[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(ai[10:14], fCnt)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	s := make([]byte, 16*k)
	for i := 0; i < k; i++ {
		ai[15] = byte(i + 1)
		block.Encrypt(s[i*16:(i+1)*16], ai)
	}

	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ s[i]
	}

	return out, nil
}

// Marshal marshals MACPayload
func (m *MACPayload) Marshal(uplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > 15 {
		return nil, fmt.Errorf("FOpts too long: %d bytes", len(m.FHDR.FOpts))
	}

	data := make([]byte, 0, 7+len(m.FHDR.FOpts)+1+len(m.FRMPayload))
	data = append(data, m.FHDR.DevAddr[:]...)

	fctrl := byte(0)
	if m.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if uplink {
		if m.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else {
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	fctrl |= byte(len(m.FHDR.FOpts)) & 0x0F
	data = append(data, fctrl)
	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	data = append(data, m.FHDR.FOpts...)

	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal unmarshals MACPayload
func (m *MACPayload) Unmarshal(data []byte, uplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("MACPayload too short: %d bytes", len(data))
	}

	pos := 0
	copy(m.FHDR.DevAddr[:], data[pos:pos+4])
	pos += 4

	fctrl := data[pos]
	m.FHDR.FCtrl.ADR = (fctrl & 0x80) != 0
	if uplink {
		m.FHDR.FCtrl.ADRACKReq = (fctrl & 0x40) != 0
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.ClassB = (fctrl & 0x10) != 0
	} else {
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.FPending = (fctrl & 0x10) != 0
	}
	foptsLen := int(fctrl & 0x0F)
	pos++

	m.FHDR.FCnt = binary.LittleEndian.Uint16(data[pos : pos+2])
	pos += 2

	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return fmt.Errorf("invalid FOpts length")
		}
		m.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++

		if pos < len(data) {
			m.FRMPayload = data[pos:]
		}
	}

	return nil
}

// UnmarshalBinary decodes a join request. EUIs are little endian on air.
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("invalid JoinRequest length: expected 18, got %d", len(data))
	}

	for i := 0; i < 8; i++ {
		j.JoinEUI[i] = data[7-i]
		j.DevEUI[i] = data[15-i]
	}
	copy(j.DevNonce[:], data[16:18])

	return nil
}

// MarshalBinary encodes a join request
func (j *JoinRequestPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 18)
	for i := 0; i < 8; i++ {
		data[7-i] = j.JoinEUI[i]
		data[15-i] = j.DevEUI[i]
	}
	copy(data[16:18], j.DevNonce[:])
	return data, nil
}

// Nonce returns the DevNonce as an integer
func (j *JoinRequestPayload) Nonce() uint16 {
	return binary.LittleEndian.Uint16(j.DevNonce[:])
}
