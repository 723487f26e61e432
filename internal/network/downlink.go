package network

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/uplink"
)

const (
	rx1Delay = time.Second
	rx2Delay = 2 * time.Second
	// scheduleMargin is the time a downlink needs to reach the station
	scheduleMargin = 100 * time.Millisecond
	txPower        = 14
)

var errWindowMissed = errors.New("receive windows missed")

type txMessage struct {
	GatewayID string  `json:"gatewayID"`
	TXPK      txpk    `json:"txpk"`
	Context   string  `json:"context,omitempty"`
	Timing    *timing `json:"timing,omitempty"`
}

type txpk struct {
	Imme bool    `json:"imme"`
	Tmst uint64  `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh int     `json:"rfch"`
	Powe int     `json:"powe"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	IPol bool    `json:"ipol"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

type timing struct {
	Delay string `json:"delay"`
}

// window picks the class A receive window still reachable
func (p *Processor) window(req *uplink.Request) (delay time.Duration, rx2 bool, err error) {
	elapsed := p.now().Sub(req.ReceivedAt)
	switch {
	case elapsed+scheduleMargin < rx1Delay:
		return rx1Delay, false, nil
	case elapsed+scheduleMargin < rx2Delay:
		return rx2Delay, true, nil
	default:
		return 0, false, fmt.Errorf("%s after reception: %w", elapsed, errWindowMissed)
	}
}

// sendDownlink schedules dl on the station that delivered req. Stations
// that pass a context get it back with a relative delay, the others get
// an absolute concentrator timestamp.
func (p *Processor) sendDownlink(req *uplink.Request, dl *uplink.Downlink) error {
	delay, rx2, err := p.window(req)
	if err != nil {
		return err
	}

	raw, err := dl.PHY.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal downlink: %w", err)
	}

	region := req.Region
	freq := req.Radio.Frequency
	dr := int(req.Radio.DataRate)
	if rx2 {
		freq = float64(region.DefaultRX2Freq) / 1e6
		dr = region.DefaultRX2DR
	}
	if dr >= len(region.DataRates) {
		return fmt.Errorf("data rate %d not defined in %s", dr, region.Name)
	}

	msg := txMessage{
		GatewayID: req.Radio.Station,
		TXPK: txpk{
			Freq: freq,
			RFCh: 0,
			Powe: txPower,
			Modu: "LORA",
			Datr: region.DataRates[dr].String(),
			Codr: "4/5",
			IPol: true,
			Size: len(raw),
			Data: base64.StdEncoding.EncodeToString(raw),
		},
	}
	if req.Radio.Context != "" {
		msg.Context = req.Radio.Context
		msg.Timing = &timing{Delay: fmt.Sprintf("%dms", delay.Milliseconds())}
	} else {
		msg.TXPK.Tmst = req.Radio.Tmst + uint64(delay.Microseconds())
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal tx message: %w", err)
	}
	subject := fmt.Sprintf("gateway.%s.tx", req.Radio.Station)
	if err := p.opts.Publisher.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	kind := "rx1"
	if rx2 {
		kind = "rx2"
	}
	p.opts.Metrics.Downlink(kind)

	log.Debug().
		Str("devEUI", dl.DevEUI.String()).
		Str("station", req.Radio.Station).
		Uint32("fCntDown", dl.FCntDown).
		Str("window", kind).
		Float64("freq", freq).
		Msg("downlink scheduled")
	return nil
}
