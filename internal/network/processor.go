// Package network connects the station transport to the uplink pipeline:
// it decodes received frames, routes data and join requests and publishes
// the resulting downlinks.
package network

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/adr"
	"github.com/lorawan-server/lorawan-network-core/internal/dedup"
	"github.com/lorawan-server/lorawan-network-core/internal/devicecache"
	"github.com/lorawan-server/lorawan-network-core/internal/exclusive"
	"github.com/lorawan-server/lorawan-network-core/internal/loader"
	"github.com/lorawan-server/lorawan-network-core/internal/metrics"
	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/internal/uplink"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

const rxSubject = "gateway.*.rx"

// ErrIgnoredFrame is returned for frames the network server does not handle
var ErrIgnoredFrame = errors.New("frame type not handled")

// Publisher is the part of *nats.Conn the processor needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Router resolves data frames to devices and completes them
type Router interface {
	Handle(ctx context.Context, req *uplink.Request)
}

// JoinStore looks up and locks a device for a join request
type JoinStore interface {
	SearchAndLockForJoin(ctx context.Context, gatewayID string, devEUI lorawan.EUI64, devNonce uint16) (*models.JoinLockResult, error)
	ReleaseJoinNonce(ctx context.Context, devEUI lorawan.EUI64, devNonce uint16) error
}

// Options wires a Processor
type Options struct {
	// GatewayID identifies this frame server.
	GatewayID   string
	NetID       [3]byte
	Region      *lorawan.RegionConfiguration
	Application string

	Router    Router
	Joins     JoinStore
	Cache     *devicecache.Cache
	Factory   *loader.Factory
	Exclusive *exclusive.Processor[lorawan.EUI64]
	Dedup     *dedup.Cache
	ADR       *adr.Engine
	Publisher Publisher
	Metrics   *metrics.Collector

	// ResponseTimeout bounds how long a frame may take through the pipeline.
	ResponseTimeout time.Duration
}

// Processor handles frames received by the stations
type Processor struct {
	opts Options
	now  func() time.Time
	wg   sync.WaitGroup
}

// NewProcessor creates a Processor
func NewProcessor(opts Options) *Processor {
	if opts.Region == nil {
		opts.Region = &lorawan.EU868Configuration
	}
	if opts.Application == "" {
		opts.Application = "default"
	}
	if opts.ResponseTimeout == 0 {
		opts.ResponseTimeout = rx2Delay
	}
	return &Processor{opts: opts, now: time.Now}
}

// Start subscribes to station uplinks and blocks until ctx is done. Every
// message is handled on its own goroutine so a slow device never holds
// back the others.
func (p *Processor) Start(ctx context.Context, nc *nats.Conn) error {
	sub, err := nc.Subscribe(rxSubject, func(msg *nats.Msg) {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if _, err := p.HandleRX(ctx, msg.Data); err != nil && !errors.Is(err, ErrIgnoredFrame) {
				log.Warn().Err(err).Str("subject", msg.Subject).Msg("uplink dropped")
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", rxSubject, err)
	}

	log.Info().
		Str("region", p.opts.Region.Name).
		Str("gatewayID", p.opts.GatewayID).
		Msg("network processor started")

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		log.Warn().Err(err).Msg("unsubscribe failed")
	}
	p.wg.Wait()
	return nil
}

// rxMessage is what the gateway bridge publishes for every received packet
type rxMessage struct {
	GatewayID string `json:"gatewayID"`
	RXPK      rxpk   `json:"rxpk"`
	Context   string `json:"context"`
	Timestamp int64  `json:"timestamp"`
}

type rxpk struct {
	Data string  `json:"data"`
	LSNR float64 `json:"lsnr"`
	RSSI float64 `json:"rssi"`
	Freq float64 `json:"freq"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	Tmst uint64  `json:"tmst"`
	Chan int     `json:"chan"`
	RFCh int     `json:"rfch"`
}

// Decode parses a bridge message into a request
func (p *Processor) Decode(data []byte) (*uplink.Request, error) {
	var msg rxMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal rx message: %w", err)
	}
	if msg.GatewayID == "" {
		return nil, errors.New("rx message without gatewayID")
	}

	raw, err := base64.StdEncoding.DecodeString(msg.RXPK.Data)
	if err != nil {
		return nil, fmt.Errorf("decode PHY payload: %w", err)
	}
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("parse PHY payload: %w", err)
	}

	switch phy.MHDR.MType {
	case lorawan.JoinRequest, lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
	default:
		return nil, fmt.Errorf("%s: %w", phy.MHDR.MType, ErrIgnoredFrame)
	}

	dr, err := p.opts.Region.DataRateIndex(msg.RXPK.Datr)
	if err != nil {
		return nil, err
	}

	req, err := uplink.NewRequest(&phy, uplink.Radio{
		Station:   msg.GatewayID,
		DataRate:  dr,
		RSSI:      msg.RXPK.RSSI,
		SNR:       msg.RXPK.LSNR,
		Frequency: msg.RXPK.Freq,
		Tmst:      msg.RXPK.Tmst,
		Channel:   msg.RXPK.Chan,
		RFChain:   msg.RXPK.RFCh,
		Context:   msg.Context,
	}, p.opts.Region)
	if err != nil {
		return nil, err
	}
	if msg.Timestamp > 0 {
		req.ReceivedAt = time.UnixMilli(msg.Timestamp)
	}
	return req, nil
}

// HandleRX decodes and processes one bridge message
func (p *Processor) HandleRX(ctx context.Context, data []byte) (uplink.Result, error) {
	req, err := p.Decode(data)
	if err != nil {
		if errors.Is(err, ErrIgnoredFrame) {
			log.Warn().Err(err).Msg("unhandled message type")
		}
		return uplink.Result{}, err
	}
	return p.Process(ctx, req), nil
}

// Process runs a decoded request to completion
func (p *Processor) Process(ctx context.Context, req *uplink.Request) uplink.Result {
	if req.PHY.MHDR.MType == lorawan.JoinRequest {
		res := p.handleJoin(ctx, req)
		p.opts.Metrics.Join(outcome(res))
		return res
	}

	res := p.handleData(ctx, req)
	if !res.Failed && res.Downlink != nil {
		if err := p.sendDownlink(req, res.Downlink); err != nil {
			if errors.Is(err, errWindowMissed) {
				res = uplink.Result{Failed: true, Reason: uplink.ReceiveWindowMissed, DevEUI: res.DevEUI, FCnt: res.FCnt}
			} else {
				log.Error().Err(err).Str("devEUI", res.DevEUI.String()).Msg("publishing downlink failed")
			}
		}
	}
	p.opts.Metrics.Uplink(outcome(res))
	return res
}

func (p *Processor) handleData(ctx context.Context, req *uplink.Request) uplink.Result {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ResponseTimeout)
	defer cancel()

	p.opts.Router.Handle(ctx, req)
	res, err := req.Wait(ctx)
	if err != nil {
		log.Warn().
			Str("requestID", req.ID.String()).
			Str("devAddr", req.DevAddr().String()).
			Msg("uplink not completed in time")
		req.Fail(uplink.ApplicationError)
		return req.Result()
	}
	return res
}

func outcome(res uplink.Result) string {
	if res.Failed {
		return res.Reason.String()
	}
	if res.Redundant {
		return "redundant"
	}
	return "ok"
}
