package uplink

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/adr"
	"github.com/lorawan-server/lorawan-network-core/internal/dedup"
	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/internal/exclusive"
	"github.com/lorawan-server/lorawan-network-core/internal/metrics"
	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// Dispatcher runs a request that was matched to a device
type Dispatcher interface {
	Dispatch(ctx context.Context, d *device.Device, r *Request)
}

// HandlerOptions wires the data pipeline
type HandlerOptions struct {
	Processor  *exclusive.Processor[lorawan.EUI64]
	Dedup      *dedup.Cache
	ADR        *adr.Engine
	ADREnabled bool
	Metrics    *metrics.Collector
}

// DataHandler validates and applies data uplinks. Work for one device runs
// in that device's exclusive processor lane.
type DataHandler struct {
	processor  *exclusive.Processor[lorawan.EUI64]
	dedup      *dedup.Cache
	adr        *adr.Engine
	adrEnabled bool
	metrics    *metrics.Collector
}

// NewDataHandler creates the data pipeline
func NewDataHandler(opts HandlerOptions) *DataHandler {
	return &DataHandler{
		processor:  opts.Processor,
		dedup:      opts.Dedup,
		adr:        opts.ADR,
		adrEnabled: opts.ADREnabled && opts.ADR != nil,
		metrics:    opts.Metrics,
	}
}

// Dispatch processes r for d and completes it. It returns once the frame
// left the device lane.
func (h *DataHandler) Dispatch(ctx context.Context, d *device.Device, r *Request) {
	out := h.processor.Submit(ctx, d.DevEUI, func(ctx context.Context) error {
		r.Complete(h.process(ctx, d, r))
		return nil
	})
	h.metrics.Exclusive(out.State.String(), out.Wait.Seconds(), out.Run.Seconds())

	// Only reached with the request still open when the lane was never
	// granted or the work panicked.
	switch out.State {
	case exclusive.Cancelled:
		r.Complete(Result{Failed: true, Reason: ApplicationError, DevEUI: d.DevEUI})
	case exclusive.Faulted:
		log.Error().Err(out.Err).Str("devEUI", d.DevEUI.String()).Msg("data pipeline fault")
		r.Complete(Result{Failed: true, Reason: ApplicationError, DevEUI: d.DevEUI})
	}
}

func (h *DataHandler) fail(logger zerolog.Logger, d *device.Device, reason FailedReason) Result {
	logger.Debug().Str("reason", reason.String()).Msg("uplink rejected")
	return Result{Failed: true, Reason: reason, DevEUI: d.DevEUI}
}

func (h *DataHandler) process(ctx context.Context, d *device.Device, r *Request) Result {
	mac := r.MAC
	confirmed := r.PHY.MHDR.MType == lorawan.ConfirmedDataUp
	logger := log.With().
		Str("requestID", r.ID.String()).
		Str("devEUI", d.DevEUI.String()).
		Str("devAddr", mac.FHDR.DevAddr.String()).
		Uint16("fCnt", mac.FHDR.FCnt).
		Str("station", r.Radio.Station).
		Logger()

	dup, err := h.dedup.CheckDuplicateData(r.PHY, r.Radio.Station, d)
	if err != nil {
		logger.Error().Err(err).Msg("deduplication failed")
		return h.fail(logger, d, ApplicationError)
	}
	h.metrics.Deduplication(dup.String())

	redundant := false
	resubmission := false
	switch dup {
	case dedup.Duplicate:
		return h.fail(logger, d, DeduplicationDrop)
	case dedup.DuplicateDueToResubmission:
		if !confirmed {
			return h.fail(logger, d, DeduplicationDrop)
		}
		resubmission = true
	case dedup.SoftDuplicateDueToDeduplicationStrategy:
		redundant = true
	}

	counter, err := d.CheckFrameCounter(ctx, r.PHY, mac.FHDR.FCnt)
	if err != nil {
		logger.Error().Err(err).Msg("frame counter check failed")
		return h.fail(logger, d, ApplicationError)
	}
	switch counter.Status {
	case device.CounterInvalid:
		logger.Warn().Uint32("fCntUp", d.FCntUp()).Msg("invalid frame counter")
		return h.fail(logger, d, InvalidFrameCounter)
	case device.CounterMICFailed:
		return h.fail(logger, d, NotMatchingDeviceByMicCheck)
	case device.CounterRepeat:
		if !redundant && !resubmission {
			return h.fail(logger, d, InvalidFrameCounter)
		}
	case device.CounterAccepted:
		d.AcceptUplink(counter.FullFCnt)
	}
	full := counter.FullFCnt

	payload, macCmds := h.decrypt(logger, d, mac, full)

	var answers []lorawan.MACCommand
	if !redundant {
		answers = append(answers, h.answerMACCommands(logger, d, r, macCmds)...)
	}

	var decision *adr.Decision
	if h.adrEnabled && mac.FHDR.FCtrl.ADR {
		h.adr.Record(d.DevEUI, adr.Sample{FCnt: full, MaxSNR: r.Radio.SNR, DataRate: r.Radio.DataRate})
		if !redundant {
			current := d.ADRParams()
			current.DataRate = r.Radio.DataRate
			decision, err = h.adr.Evaluate(d.DevEUI, current, d.Region(), mac.FHDR.FCtrl.ADRACKReq)
			if err != nil {
				logger.Warn().Err(err).Msg("adr evaluation failed")
			} else if decision != nil {
				answers = append(answers, decision.Command)
			}
		}
	}

	var downlink *Downlink
	if !redundant {
		downlink, err = h.buildDownlink(ctx, logger, d, r, full, confirmed, answers)
		if errors.Is(err, errHandledElsewhere) {
			return h.fail(logger, d, HandledByAnotherGateway)
		}
		if err != nil {
			logger.Error().Err(err).Msg("building downlink failed")
			return h.fail(logger, d, ApplicationError)
		}
	}

	// The new link parameters only hold once the LinkADRReq is on its way.
	if decision != nil && downlink != nil {
		d.ApplyADR(decision.Params)
		h.adr.Commit(d.DevEUI)
		h.metrics.ADRDecision()
	}

	d.SetLastStation(r.Radio.Station)
	if _, err := d.SaveChanges(ctx, counter.Reset); err != nil {
		logger.Error().Err(err).Msg("saving device state failed")
	}

	if !redundant && !resubmission {
		t := &models.Telemetry{
			RequestID:  r.ID,
			DevEUI:     d.DevEUI,
			DevAddr:    mac.FHDR.DevAddr,
			FCnt:       full,
			FPort:      mac.FPort,
			Data:       payload,
			Confirmed:  confirmed,
			Station:    r.Radio.Station,
			DataRate:   r.Radio.DataRate,
			RSSI:       r.Radio.RSSI,
			SNR:        r.Radio.SNR,
			Frequency:  r.Radio.Frequency,
			ReceivedAt: r.ReceivedAt,
		}
		if err := d.Client().SendTelemetry(ctx, t); err != nil {
			logger.Error().Err(err).Msg("sending telemetry failed")
		}
	}

	logger.Debug().Uint32("fullFCnt", full).Bool("redundant", redundant).Msg("uplink processed")
	return Result{DevEUI: d.DevEUI, FCnt: full, Redundant: redundant, Downlink: downlink}
}

// decrypt returns the application payload and the uplink MAC commands,
// which travel either in FOpts or in a port 0 payload.
func (h *DataHandler) decrypt(logger zerolog.Logger, d *device.Device, mac *lorawan.MACPayload, full uint32) ([]byte, []lorawan.MACCommand) {
	var (
		payload []byte
		raw     = mac.FHDR.FOpts
	)
	if mac.FPort != nil && len(mac.FRMPayload) > 0 {
		key := d.AppSKey()
		if *mac.FPort == 0 {
			key = d.NwkSKey()
		}
		plain, err := lorawan.EncryptFRMPayload(key, mac.FHDR.DevAddr, full, true, mac.FRMPayload)
		if err != nil {
			logger.Warn().Err(err).Msg("decrypting payload failed")
		} else if *mac.FPort == 0 {
			raw = plain
		} else {
			payload = plain
		}
	}

	cmds, err := lorawan.ParseMACCommands(true, raw)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed MAC commands")
	}
	return payload, cmds
}

// answerMACCommands handles device initiated MAC commands
func (h *DataHandler) answerMACCommands(logger zerolog.Logger, d *device.Device, r *Request, cmds []lorawan.MACCommand) []lorawan.MACCommand {
	var answers []lorawan.MACCommand
	for _, cmd := range cmds {
		switch cmd.CID {
		case lorawan.LinkCheckReq:
			margin := 0.0
			if required, err := d.Region().RequiredSNR(r.Radio.DataRate); err == nil {
				margin = r.Radio.SNR - required
			}
			if margin < 0 {
				margin = 0
			}
			if margin > 254 {
				margin = 254
			}
			answers = append(answers, lorawan.MACCommand{
				CID:     lorawan.LinkCheckAns,
				Payload: []byte{byte(margin), 1},
			})
		case lorawan.LinkADRAns:
			if len(cmd.Payload) == 1 && cmd.Payload[0]&0x07 != 0x07 {
				logger.Warn().Uint8("status", cmd.Payload[0]).Msg("LinkADRReq not fully acknowledged")
			}
		case lorawan.DevStatusAns:
			if len(cmd.Payload) == 2 {
				logger.Info().
					Uint8("battery", cmd.Payload[0]).
					Int8("margin", int8(cmd.Payload[1]<<2)>>2).
					Msg("device status")
			}
		default:
			logger.Debug().Uint8("cid", cmd.CID).Msg("MAC command ignored")
		}
	}
	return answers
}
