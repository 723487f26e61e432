package uplink

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// maxDownlinkPayload is the largest application payload sent in class A
const maxDownlinkPayload = 222

var errHandledElsewhere = errors.New("downlink claimed by another frame server")

// buildDownlink assembles the class A answer to an uplink: the ACK of a
// confirmed frame, MAC command answers and at most one pending cloud
// message. It returns nil when nothing needs to be sent.
func (h *DataHandler) buildDownlink(ctx context.Context, logger zerolog.Logger, d *device.Device, r *Request, full uint32, confirmed bool, answers []lorawan.MACCommand) (*Downlink, error) {
	client := d.Client()

	msg, err := client.ReceiveMessage(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("reading pending cloud message failed")
		msg = nil
	}
	if msg != nil && len(msg.Payload) > maxDownlinkPayload {
		logger.Warn().Str("messageID", msg.ID.String()).Int("size", len(msg.Payload)).Msg("cloud message too large, rejected")
		if err := client.RejectMessage(ctx, msg.ID); err != nil {
			logger.Warn().Err(err).Msg("rejecting cloud message failed")
		}
		msg = nil
	}

	fOpts := lorawan.EncodeMACCommands(answers)
	if msg != nil && len(fOpts) > 15 {
		// MAC answers take the port 0 payload, the message waits for the
		// next uplink.
		h.abandon(ctx, logger, client, msg)
		msg = nil
	}

	if !confirmed && len(answers) == 0 && msg == nil {
		return nil, nil
	}

	fCntDown, err := d.NextFCntDown(ctx, full)
	if err != nil || fCntDown == 0 {
		if msg != nil {
			h.abandon(ctx, logger, client, msg)
		}
		if err != nil {
			return nil, err
		}
		return nil, errHandledElsewhere
	}

	devAddr := r.MAC.FHDR.DevAddr
	mac := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: devAddr,
			FCtrl:   lorawan.FCtrl{ACK: confirmed, ADR: r.MAC.FHDR.FCtrl.ADR},
			FCnt:    uint16(fCntDown),
		},
	}
	mtype := lorawan.UnconfirmedDataDown

	switch {
	case len(fOpts) > 15:
		port := uint8(0)
		enc, err := lorawan.EncryptFRMPayload(d.NwkSKey(), devAddr, fCntDown, false, fOpts)
		if err != nil {
			return nil, fmt.Errorf("encrypt MAC commands: %w", err)
		}
		mac.FPort, mac.FRMPayload = &port, enc
	case msg != nil:
		mac.FHDR.FOpts = fOpts
		port := msg.FPort
		enc, err := lorawan.EncryptFRMPayload(d.AppSKey(), devAddr, fCntDown, false, msg.Payload)
		if err != nil {
			h.abandon(ctx, logger, client, msg)
			return nil, fmt.Errorf("encrypt cloud message: %w", err)
		}
		mac.FPort, mac.FRMPayload = &port, enc
		if msg.Confirmed {
			mtype = lorawan.ConfirmedDataDown
		}
	default:
		mac.FHDR.FOpts = fOpts
	}

	raw, err := mac.Marshal(false)
	if err != nil {
		if msg != nil {
			h.abandon(ctx, logger, client, msg)
		}
		return nil, fmt.Errorf("marshal downlink: %w", err)
	}
	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0},
		MACPayload: raw,
	}
	if err := phy.SetDownlinkDataMIC(d.NwkSKey(), fCntDown); err != nil {
		if msg != nil {
			h.abandon(ctx, logger, client, msg)
		}
		return nil, fmt.Errorf("sign downlink: %w", err)
	}

	if msg != nil {
		if err := client.CompleteMessage(ctx, msg.ID); err != nil {
			logger.Warn().Err(err).Str("messageID", msg.ID.String()).Msg("completing cloud message failed")
		}
	}

	logger.Debug().
		Uint32("fCntDown", fCntDown).
		Bool("ack", confirmed).
		Int("macCommands", len(answers)).
		Bool("cloudMessage", msg != nil).
		Msg("downlink prepared")

	return &Downlink{
		PHY:      phy,
		FCntDown: fCntDown,
		DevEUI:   d.DevEUI,
		Class:    string(d.Class()),
	}, nil
}

func (h *DataHandler) abandon(ctx context.Context, logger zerolog.Logger, client device.SessionClient, msg *models.CloudMessage) {
	if err := client.AbandonMessage(ctx, msg.ID); err != nil {
		logger.Warn().Err(err).Str("messageID", msg.ID.String()).Msg("abandoning cloud message failed")
	}
}
