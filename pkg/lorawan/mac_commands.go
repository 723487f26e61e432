package lorawan

import (
	"encoding/binary"
	"fmt"
)

// MACCommand represents a MAC command
type MACCommand struct {
	CID     byte
	Payload []byte
}

// MAC command identifiers
const (
	LinkCheckReq     byte = 0x02
	LinkCheckAns     byte = 0x02
	LinkADRReq       byte = 0x03
	LinkADRAns       byte = 0x03
	DutyCycleReq     byte = 0x04
	DutyCycleAns     byte = 0x04
	RXParamSetupReq  byte = 0x05
	RXParamSetupAns  byte = 0x05
	DevStatusReq     byte = 0x06
	DevStatusAns     byte = 0x06
	NewChannelReq    byte = 0x07
	NewChannelAns    byte = 0x07
	RXTimingSetupReq byte = 0x08
	RXTimingSetupAns byte = 0x08
	TxParamSetupReq  byte = 0x09
	TxParamSetupAns  byte = 0x09
	DlChannelReq     byte = 0x0A
	DlChannelAns     byte = 0x0A
	DeviceTimeReq    byte = 0x0D
	DeviceTimeAns    byte = 0x0D
)

// LinkADRReqPayload is the decoded form of a LinkADRReq command.
type LinkADRReqPayload struct {
	DataRate   uint8
	TXPower    uint8
	ChMask     uint16
	ChMaskCntl uint8
	NbRep      uint8
}

// MarshalBinary encodes the 4 byte LinkADRReq payload
func (p LinkADRReqPayload) MarshalBinary() ([]byte, error) {
	if p.DataRate > 15 || p.TXPower > 15 {
		return nil, fmt.Errorf("data rate %d or tx power %d out of range", p.DataRate, p.TXPower)
	}
	if p.NbRep > 15 || p.ChMaskCntl > 7 {
		return nil, fmt.Errorf("nbRep %d or chMaskCntl %d out of range", p.NbRep, p.ChMaskCntl)
	}

	b := make([]byte, 4)
	b[0] = (p.DataRate << 4) | (p.TXPower & 0x0F)
	binary.LittleEndian.PutUint16(b[1:3], p.ChMask)
	b[3] = (p.ChMaskCntl << 4) | (p.NbRep & 0x0F)
	return b, nil
}

// UnmarshalBinary decodes a LinkADRReq payload
func (p *LinkADRReqPayload) UnmarshalBinary(b []byte) error {
	if len(b) != 4 {
		return fmt.Errorf("invalid LinkADRReq length: %d", len(b))
	}
	p.DataRate = b[0] >> 4
	p.TXPower = b[0] & 0x0F
	p.ChMask = binary.LittleEndian.Uint16(b[1:3])
	p.ChMaskCntl = (b[3] >> 4) & 0x07
	p.NbRep = b[3] & 0x0F
	return nil
}

// NewLinkADRReq builds the MAC command for the given payload
func NewLinkADRReq(p LinkADRReqPayload) (MACCommand, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return MACCommand{}, err
	}
	return MACCommand{CID: LinkADRReq, Payload: b}, nil
}

// ParseMACCommands parses MAC commands from bytes
func ParseMACCommands(uplink bool, data []byte) ([]MACCommand, error) {
	var commands []MACCommand

	for i := 0; i < len(data); {
		cmd := MACCommand{
			CID: data[i],
		}
		i++

		payloadLen := getMACCommandPayloadLength(uplink, cmd.CID)
		if payloadLen < 0 {
			return commands, fmt.Errorf("unknown MAC command: %02x", cmd.CID)
		}

		if i+payloadLen > len(data) {
			return commands, fmt.Errorf("insufficient data for MAC command %02x", cmd.CID)
		}

		cmd.Payload = data[i : i+payloadLen]
		i += payloadLen

		commands = append(commands, cmd)
	}

	return commands, nil
}

// getMACCommandPayloadLength returns the payload length for a MAC command
func getMACCommandPayloadLength(uplink bool, cid byte) int {
	if uplink {
		switch cid {
		case LinkCheckReq, DutyCycleAns, RXTimingSetupAns, TxParamSetupAns, DeviceTimeReq:
			return 0
		case LinkADRAns, RXParamSetupAns, NewChannelAns, DlChannelAns:
			return 1
		case DevStatusAns:
			return 2
		default:
			return -1
		}
	}

	switch cid {
	case DevStatusReq:
		return 0
	case DutyCycleReq, RXTimingSetupReq, TxParamSetupReq:
		return 1
	case LinkCheckAns:
		return 2
	case LinkADRReq, RXParamSetupReq, DlChannelReq:
		return 4
	case NewChannelReq, DeviceTimeAns:
		return 5
	default:
		return -1
	}
}

// EncodeMACCommands encodes MAC commands to bytes
func EncodeMACCommands(commands []MACCommand) []byte {
	var data []byte
	for _, cmd := range commands {
		data = append(data, cmd.CID)
		data = append(data, cmd.Payload...)
	}
	return data
}
