package lorawan

import (
	"fmt"
	"strings"
)

// RegionConfiguration represents region-specific configuration
type RegionConfiguration struct {
	Name            string
	DefaultChannels []Channel
	DataRates       []DataRate
	// MaxTXPowerIndex is the highest TXPower index the region defines.
	// Index 0 is maximum EIRP, every step lowers output by 2 dB.
	MaxTXPowerIndex uint8
	// MaxADRDataRate caps what ADR may assign.
	MaxADRDataRate uint8
	DefaultRX2DR   int
	DefaultRX2Freq uint32
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int
}

// String renders the data rate as the Semtech "datr" token
func (d DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", d.SpreadFactor, d.Bandwidth)
}

// requiredSNR is the demodulation floor per spreading factor in dB.
var requiredSNR = map[int]float64{
	7:  -7.5,
	8:  -10,
	9:  -12.5,
	10: -15,
	11: -17.5,
	12: -20,
}

// GetRegionConfiguration returns configuration for a region
func GetRegionConfiguration(region string) (*RegionConfiguration, error) {
	switch strings.ToUpper(region) {
	case "EU868":
		return &EU868Configuration, nil
	case "US915":
		return &US915Configuration, nil
	case "CN470", "CN470_510":
		return &CN470Configuration, nil
	default:
		return nil, fmt.Errorf("unsupported region %q", region)
	}
}

// DataRateIndex resolves a "datr" string such as SF7BW125 to its index
func (r *RegionConfiguration) DataRateIndex(datr string) (uint8, error) {
	for i, dr := range r.DataRates {
		if dr.String() == datr {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("data rate %s not defined in %s", datr, r.Name)
}

// RequiredSNR returns the minimum SNR to demodulate at the given data rate
func (r *RegionConfiguration) RequiredSNR(dr uint8) (float64, error) {
	if int(dr) >= len(r.DataRates) {
		return 0, fmt.Errorf("data rate %d not defined in %s", dr, r.Name)
	}
	snr, ok := requiredSNR[r.DataRates[dr].SpreadFactor]
	if !ok {
		return 0, fmt.Errorf("no SNR floor for SF%d", r.DataRates[dr].SpreadFactor)
	}
	return snr, nil
}

// EU868Configuration for EU 868MHz band
var EU868Configuration = RegionConfiguration{
	Name: "EU868",
	DefaultChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
		{SpreadFactor: 7, Bandwidth: 250},  // DR6
	},
	MaxTXPowerIndex: 7,
	MaxADRDataRate:  5,
	DefaultRX2DR:    0,
	DefaultRX2Freq:  869525000,
}

// US915Configuration for US 915MHz band
var US915Configuration = RegionConfiguration{
	Name: "US915",
	DataRates: []DataRate{
		{SpreadFactor: 10, Bandwidth: 125}, // DR0
		{SpreadFactor: 9, Bandwidth: 125},  // DR1
		{SpreadFactor: 8, Bandwidth: 125},  // DR2
		{SpreadFactor: 7, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 500},  // DR4
	},
	MaxTXPowerIndex: 14,
	MaxADRDataRate:  3,
	DefaultRX2DR:    8,
	DefaultRX2Freq:  923300000,
}

// CN470Configuration for China 470-510MHz band
var CN470Configuration = RegionConfiguration{
	Name:            "CN470",
	DefaultChannels: cn470Channels(8),
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
	},
	MaxTXPowerIndex: 7,
	MaxADRDataRate:  5,
	DefaultRX2DR:    0,
	DefaultRX2Freq:  505300000,
}

// cn470Channels returns the first n uplink channels, 200 kHz apart from 470.3 MHz
func cn470Channels(n int) []Channel {
	channels := make([]Channel, n)
	for i := 0; i < n; i++ {
		channels[i] = Channel{
			Frequency: uint32(470300000 + i*200000),
			MinDR:     0,
			MaxDR:     5,
		}
	}
	return channels
}

// DefaultChannelMask enables every default channel of the region
func (r *RegionConfiguration) DefaultChannelMask() uint16 {
	n := len(r.DefaultChannels)
	if n == 0 || n >= 16 {
		return 0xFFFF
	}
	return uint16(1<<uint(n)) - 1
}
