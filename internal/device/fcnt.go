package device

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// CounterStatus is the verdict of the frame counter check
type CounterStatus int

const (
	// CounterAccepted means the frame advances the uplink counter.
	CounterAccepted CounterStatus = iota
	// CounterRepeat means the frame carries the last accepted counter.
	CounterRepeat
	// CounterInvalid means the counter went backwards or jumped too far.
	CounterInvalid
	// CounterMICFailed means no counter hypothesis authenticates the frame.
	CounterMICFailed
)

func (s CounterStatus) String() string {
	switch s {
	case CounterAccepted:
		return "accepted"
	case CounterRepeat:
		return "repeat"
	case CounterInvalid:
		return "invalid"
	default:
		return "mic_failed"
	}
}

// CounterResult is the outcome of CheckFrameCounter
type CounterResult struct {
	Status   CounterStatus
	FullFCnt uint32
	// Reset is set when a relaxed ABP device restarted its counters.
	Reset bool
}

// CheckFrameCounter validates the 16-bit wire counter of an uplink. It does
// not advance the counter, see AcceptUplink. The only side effect is the
// relaxed ABP reset: a counter of zero after earlier traffic resynchronizes
// the shared counter cache and restarts both counters immediately.
func (d *Device) CheckFrameCounter(ctx context.Context, phy *lorawan.PHYPayload, fCnt uint16) (CounterResult, error) {
	d.mu.RLock()
	initialized := d.initialized
	key := d.nwkSKey
	last, seen := d.fCntUp, d.uplinkSeen
	relaxed, is32 := d.abpRelaxed, d.supports32Bit
	d.mu.RUnlock()

	if !initialized {
		return CounterResult{}, ErrNotInitialized
	}

	// A counter already at zero means this reset was taken, later copies
	// of the frame are repeats.
	if fCnt == 0 && relaxed && seen && last > 0 {
		ok, err := phy.ValidateUplinkDataMIC(key, 0)
		if err != nil {
			return CounterResult{}, err
		}
		if ok {
			if err := d.resetABPCounters(ctx); err != nil {
				return CounterResult{}, err
			}
			return CounterResult{Status: CounterAccepted, Reset: true}, nil
		}
	}

	if !is32 {
		full := uint32(fCnt)
		status := d.classify(full, last, seen)
		if status == CounterInvalid {
			return CounterResult{Status: CounterInvalid, FullFCnt: full}, nil
		}
		ok, err := phy.ValidateUplinkDataMIC(key, full)
		if err != nil {
			return CounterResult{}, err
		}
		if !ok {
			return CounterResult{Status: CounterMICFailed, FullFCnt: full}, nil
		}
		return CounterResult{Status: status, FullFCnt: full}, nil
	}

	// 32-bit counters: the MIC picks the rollover hypothesis.
	for _, full := range lorawan.FullFCntCandidates(last, fCnt) {
		ok, err := phy.ValidateUplinkDataMIC(key, full)
		if err != nil {
			return CounterResult{}, err
		}
		if !ok {
			continue
		}
		return CounterResult{Status: d.classify(full, last, seen), FullFCnt: full}, nil
	}
	return CounterResult{Status: CounterMICFailed}, nil
}

func (d *Device) classify(full, last uint32, seen bool) CounterStatus {
	switch {
	case full < last:
		return CounterInvalid
	case full == last && seen:
		return CounterRepeat
	case full-last > d.opts.MaxGap:
		return CounterInvalid
	default:
		return CounterAccepted
	}
}

func (d *Device) resetABPCounters(ctx context.Context) error {
	if err := d.counters.ResetABPCounterCache(ctx, d.DevEUI, 0, d.opts.GatewayID); err != nil {
		return fmt.Errorf("reset counter cache of %s: %w", d.DevEUI, err)
	}

	d.mu.Lock()
	d.fCntUp, d.fCntDown = 0, 0
	d.uplinkSeen = true
	d.hasConfirmed = false
	d.forceSave = true
	d.mu.Unlock()

	log.Info().Str("devEUI", d.DevEUI.String()).Msg("ABP device reset its frame counters")
	return nil
}

// AcceptUplink adopts the full counter of an accepted frame
func (d *Device) AcceptUplink(full uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fCntUp = full
	d.uplinkSeen = true
	d.lastSeen = time.Now()
}

// FCntUp returns the last accepted uplink counter
func (d *Device) FCntUp() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fCntUp
}

// FCntDown returns the last used downlink counter
func (d *Device) FCntDown() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fCntDown
}

// NextFCntDown claims the downlink counter for answering the confirmed
// uplink payloadFCnt. A repeat of the uplink gets the counter already
// claimed for it. Shared devices claim through the counter store; a zero
// result means another frame server answers this uplink.
func (d *Device) NextFCntDown(ctx context.Context, payloadFCnt uint32) (uint32, error) {
	d.mu.RLock()
	if d.hasConfirmed && d.confirmedFCntUp == payloadFCnt {
		n := d.confirmedFCntDown
		d.mu.RUnlock()
		return n, nil
	}
	current, pinned := d.fCntDown, d.gatewayID != ""
	d.mu.RUnlock()

	next := current + 1
	if !pinned {
		var err error
		next, err = d.counters.NextDownlinkCounter(ctx, d.DevEUI, current, payloadFCnt, d.opts.GatewayID)
		if err != nil {
			return 0, fmt.Errorf("claim downlink counter of %s: %w", d.DevEUI, err)
		}
		if next == 0 {
			return 0, nil
		}
	}

	d.mu.Lock()
	d.fCntDown = next
	d.confirmedFCntUp, d.confirmedFCntDown, d.hasConfirmed = payloadFCnt, next, true
	d.mu.Unlock()
	return next, nil
}
