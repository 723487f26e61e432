package network

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/dedup"
	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/internal/devicecache"
	"github.com/lorawan-server/lorawan-network-core/internal/exclusive"
	"github.com/lorawan-server/lorawan-network-core/internal/storage"
	"github.com/lorawan-server/lorawan-network-core/internal/uplink"
	"github.com/lorawan-server/lorawan-network-core/pkg/crypto"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// JoinEvent is published on application.<app>.device.<devEUI>.join
type JoinEvent struct {
	ApplicationID string    `json:"applicationID"`
	DevEUI        string    `json:"devEUI"`
	DevAddr       string    `json:"devAddr"`
	Station       string    `json:"station"`
	Timestamp     time.Time `json:"timestamp"`
}

func (p *Processor) failJoin(req *uplink.Request, devEUI lorawan.EUI64, reason uplink.FailedReason) uplink.Result {
	log.Debug().
		Str("requestID", req.ID.String()).
		Str("devEUI", devEUI.String()).
		Str("station", req.Radio.Station).
		Str("reason", reason.String()).
		Msg("join request rejected")
	res := uplink.Result{Failed: true, Reason: reason, DevEUI: devEUI}
	req.Complete(res)
	return res
}

// handleJoin accepts an OTAA join: it installs a new session on the
// device, moves its cache registration to the new address and drops the
// ADR history of the old session. The join accept itself is built
// downstream from the published event.
func (p *Processor) handleJoin(ctx context.Context, req *uplink.Request) uplink.Result {
	jr, err := req.PHY.DecodeJoinRequest()
	if err != nil {
		return p.failJoin(req, lorawan.EUI64{}, uplink.InvalidJoinRequest)
	}
	station := req.Radio.Station

	dup, err := p.opts.Dedup.CheckDuplicateJoin(req.PHY, station)
	if err != nil {
		return p.failJoin(req, jr.DevEUI, uplink.InvalidJoinRequest)
	}
	p.opts.Metrics.Deduplication(dup.String())
	if dup != dedup.NotDuplicate {
		return p.failJoin(req, jr.DevEUI, uplink.DeduplicationDrop)
	}

	lock, err := p.opts.Joins.SearchAndLockForJoin(ctx, p.opts.GatewayID, jr.DevEUI, jr.Nonce())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return p.failJoin(req, jr.DevEUI, uplink.NotMatchingDeviceByDevAddr)
	case errors.Is(err, storage.ErrInvalidData):
		return p.failJoin(req, jr.DevEUI, uplink.InvalidJoinRequest)
	case err != nil:
		log.Error().Err(err).Str("devEUI", jr.DevEUI.String()).Msg("join lookup failed")
		return p.failJoin(req, jr.DevEUI, uplink.ApplicationError)
	}

	if lock.GatewayID != "" && !strings.EqualFold(lock.GatewayID, p.opts.GatewayID) {
		if !lock.DevNonceAlreadyUsed {
			p.releaseNonce(ctx, jr)
		}
		return p.failJoin(req, jr.DevEUI, uplink.BelongsToAnotherGateway)
	}
	if lock.DevNonceAlreadyUsed {
		return p.failJoin(req, jr.DevEUI, uplink.JoinDevNonceAlreadyUsed)
	}
	// A request failing the MIC may be forged and must not burn the nonce.
	if ok, err := req.PHY.ValidateUplinkJoinMIC(lock.AppKey); err != nil || !ok {
		p.releaseNonce(ctx, jr)
		return p.failJoin(req, jr.DevEUI, uplink.JoinMicCheckFailed)
	}

	session, err := p.newSession(lock.AppKey, jr, station)
	if err != nil {
		log.Error().Err(err).Str("devEUI", jr.DevEUI.String()).Msg("session derivation failed")
		return p.failJoin(req, jr.DevEUI, uplink.ApplicationError)
	}

	d, err := p.joinDevice(ctx, jr.DevEUI)
	if err != nil {
		log.Error().Err(err).Str("devEUI", jr.DevEUI.String()).Msg("join device unavailable")
		return p.failJoin(req, jr.DevEUI, uplink.ApplicationError)
	}

	out, err := p.opts.Exclusive.Process(ctx, d.DevEUI, func(ctx context.Context) error {
		old, hadAddr := d.DevAddr()
		if err := d.ApplyJoin(ctx, session); err != nil {
			return err
		}
		if hadAddr {
			p.opts.Cache.UpdateAddress(d, &old)
		} else {
			p.opts.Cache.UpdateAddress(d, nil)
		}
		if p.opts.ADR != nil {
			p.opts.ADR.Forget(d.DevEUI)
		}
		return nil
	})
	if err == nil && out.State != exclusive.Succeeded {
		err = out.Err
		if err == nil {
			err = context.Canceled
		}
	}
	if err != nil {
		log.Error().Err(err).Str("devEUI", d.DevEUI.String()).Msg("applying join failed")
		return p.failJoin(req, d.DevEUI, uplink.ApplicationError)
	}

	log.Info().
		Str("devEUI", d.DevEUI.String()).
		Str("devAddr", session.DevAddr.String()).
		Str("station", station).
		Msg("device joined")

	p.publishJoin(d.DevEUI, session)
	res := uplink.Result{DevEUI: d.DevEUI}
	req.Complete(res)
	return res
}

func (p *Processor) releaseNonce(ctx context.Context, jr *lorawan.JoinRequestPayload) {
	if err := p.opts.Joins.ReleaseJoinNonce(ctx, jr.DevEUI, jr.Nonce()); err != nil {
		log.Warn().Err(err).Str("devEUI", jr.DevEUI.String()).Uint16("devNonce", jr.Nonce()).Msg("releasing join nonce failed")
	}
}

func (p *Processor) newSession(appKey lorawan.AES128Key, jr *lorawan.JoinRequestPayload, station string) (device.JoinSession, error) {
	random, err := crypto.GenerateRandomBytes(7)
	if err != nil {
		return device.JoinSession{}, err
	}

	var joinNonce [3]byte
	copy(joinNonce[:], random[4:])
	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(appKey, joinNonce, p.opts.NetID, jr.DevNonce)
	if err != nil {
		return device.JoinSession{}, err
	}

	return device.JoinSession{
		DevAddr:  newDevAddr(p.opts.NetID, binary.BigEndian.Uint32(random[:4])),
		NwkSKey:  nwkSKey,
		AppSKey:  appSKey,
		DevNonce: jr.Nonce(),
		NetID:    hex.EncodeToString(p.opts.NetID[:]),
		Station:  station,
	}, nil
}

// newDevAddr places the NwkID, the 7 low bits of a type 0 NetID, in the
// address prefix and fills the rest with random bits.
func newDevAddr(netID [3]byte, random uint32) lorawan.DevAddr {
	nwkID := uint32(netID[2] & 0x7f)
	var addr lorawan.DevAddr
	binary.BigEndian.PutUint32(addr[:], nwkID<<25|random&0x01ffffff)
	return addr
}

// joinDevice returns the cached device or registers a new one
func (p *Processor) joinDevice(ctx context.Context, devEUI lorawan.EUI64) (*device.Device, error) {
	if d, ok := p.opts.Cache.TryGetByDevEUI(devEUI); ok {
		return d, nil
	}

	d := p.opts.Factory.Create(devEUI)
	if err := d.Initialize(ctx); err != nil {
		// A device that never joined has no session to load yet.
		log.Debug().Err(err).Str("devEUI", devEUI.String()).Msg("joining device not initialized")
	}
	err := p.opts.Cache.Register(d)
	switch {
	case err == nil:
		return d, nil
	case errors.Is(err, devicecache.ErrAlreadyRegistered):
		d.Dispose()
		if cached, ok := p.opts.Cache.TryGetByDevEUI(devEUI); ok {
			return cached, nil
		}
		return nil, fmt.Errorf("%s vanished from the cache", devEUI)
	default:
		return nil, err
	}
}

func (p *Processor) publishJoin(devEUI lorawan.EUI64, s device.JoinSession) {
	data, err := json.Marshal(JoinEvent{
		ApplicationID: p.opts.Application,
		DevEUI:        devEUI.String(),
		DevAddr:       s.DevAddr.String(),
		Station:       s.Station,
		Timestamp:     p.now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("marshal join event failed")
		return
	}
	subject := fmt.Sprintf("application.%s.device.%s.join", p.opts.Application, devEUI)
	if err := p.opts.Publisher.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("publishing join event failed")
	}
}
