// Package integration delivers accepted uplinks to the application side.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/internal/session"
)

// UplinkEvent is the application-facing document for one uplink
type UplinkEvent struct {
	ApplicationID string    `json:"applicationID"`
	DevEUI        string    `json:"devEUI"`
	DevAddr       string    `json:"devAddr"`
	FCnt          uint32    `json:"fCnt"`
	FPort         *uint8    `json:"fPort"`
	Data          []byte    `json:"data"`
	Confirmed     bool      `json:"confirmed"`
	RxInfo        []RxInfo  `json:"rxInfo"`
	RequestID     string    `json:"requestID"`
	Timestamp     time.Time `json:"timestamp"`
}

// RxInfo is the reception metadata of the station that delivered the frame
type RxInfo struct {
	Station   string  `json:"station"`
	RSSI      float64 `json:"rssi"`
	SNR       float64 `json:"loRaSNR"`
	Frequency float64 `json:"frequency"`
	DataRate  uint8   `json:"dataRate"`
}

func newUplinkEvent(app string, t *models.Telemetry) UplinkEvent {
	return UplinkEvent{
		ApplicationID: app,
		DevEUI:        t.DevEUI.String(),
		DevAddr:       t.DevAddr.String(),
		FCnt:          t.FCnt,
		FPort:         t.FPort,
		Data:          t.Data,
		Confirmed:     t.Confirmed,
		RxInfo: []RxInfo{{
			Station:   t.Station,
			RSSI:      t.RSSI,
			SNR:       t.SNR,
			Frequency: t.Frequency,
			DataRate:  t.DataRate,
		}},
		RequestID: t.RequestID.String(),
		Timestamp: t.ReceivedAt,
	}
}

func marshalEvent(app string, t *models.Telemetry) ([]byte, error) {
	return json.Marshal(newUplinkEvent(app, t))
}

// Fanout forwards telemetry to every sink. A failing sink does not stop
// the others; the errors are joined.
type Fanout []session.Forwarder

// Forward implements session.Forwarder
func (f Fanout) Forward(ctx context.Context, t *models.Telemetry) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Forward(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
