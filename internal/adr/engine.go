// Package adr implements network controlled adaptive data rate: it keeps a
// window of uplink radio quality per device and turns it into a single
// LinkADRReq carrying data rate, TX power and repetition count.
package adr

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// Config holds the ADR policy
type Config struct {
	HistorySize int
	// MarginDB is the installation margin kept above the demodulation floor.
	MarginDB float64
	// StepDB is the SNR worth one data rate or TX power step.
	StepDB   float64
	MaxNbRep uint8
}

// DefaultConfig returns the policy used when none is configured
func DefaultConfig() Config {
	return Config{HistorySize: 20, MarginDB: 5, StepDB: 3, MaxNbRep: 3}
}

// Params are the device's link parameters
type Params struct {
	DataRate uint8 `json:"dataRate"`
	TXPower  uint8 `json:"txPower"`
	NbRep    uint8 `json:"nbRep"`
}

// Decision is the outcome of an evaluation
type Decision struct {
	Params  Params
	Command lorawan.MACCommand
}

// cleanLoss is the frame loss below which the window counts as gap free
const cleanLoss = 0.05

// Engine evaluates ADR for all devices
type Engine struct {
	cfg       Config
	histories *HistoryStore
}

// NewEngine creates an engine
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.StepDB <= 0 {
		cfg.StepDB = def.StepDB
	}
	if cfg.MaxNbRep == 0 {
		cfg.MaxNbRep = def.MaxNbRep
	}
	return &Engine{cfg: cfg, histories: NewHistoryStore(cfg.HistorySize)}
}

// Record adds the sample of an accepted uplink to the device's window
func (e *Engine) Record(devEUI lorawan.EUI64, s Sample) {
	e.histories.Add(devEUI, s)
}

// Forget drops the device's window, e.g. after a rejoin
func (e *Engine) Forget(devEUI lorawan.EUI64) {
	e.histories.Remove(devEUI)
}

// Commit clears the device's window once the command of a decision went
// out. A decision that is never committed is evaluated again on the next
// uplink.
func (e *Engine) Commit(devEUI lorawan.EUI64) {
	e.histories.with(devEUI, func(h *History) {
		h.Reset()
	})
}

// Evaluate decides new link parameters for the device. Without force a
// decision needs a full window and a change of parameters. With force
// (ADRACKReq) any non-empty window yields a command. Evaluate does not
// touch the window, see Commit.
func (e *Engine) Evaluate(devEUI lorawan.EUI64, current Params, region *lorawan.RegionConfiguration, force bool) (*Decision, error) {
	var (
		decision *Decision
		err      error
	)
	e.histories.with(devEUI, func(h *History) {
		if h.Len() == 0 || (!force && !h.Full()) {
			return
		}

		var next Params
		next, err = e.compute(h, current, region)
		if err != nil {
			return
		}
		if next == current && !force {
			return
		}

		var cmd lorawan.MACCommand
		cmd, err = lorawan.NewLinkADRReq(lorawan.LinkADRReqPayload{
			DataRate: next.DataRate,
			TXPower:  next.TXPower,
			ChMask:   region.DefaultChannelMask(),
			NbRep:    next.NbRep,
		})
		if err != nil {
			return
		}
		decision = &Decision{Params: next, Command: cmd}
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate adr for %s: %w", devEUI, err)
	}

	if decision != nil {
		log.Debug().
			Str("devEUI", devEUI.String()).
			Uint8("dataRate", decision.Params.DataRate).
			Uint8("txPower", decision.Params.TXPower).
			Uint8("nbRep", decision.Params.NbRep).
			Msg("adr decision")
	}
	return decision, nil
}

func (e *Engine) compute(h *History, current Params, region *lorawan.RegionConfiguration) (Params, error) {
	required, err := region.RequiredSNR(current.DataRate)
	if err != nil {
		return Params{}, err
	}

	margin := h.MaxSNR() - required - e.cfg.MarginDB
	steps := int(math.Floor(margin / e.cfg.StepDB))

	next := current
	if next.TXPower > region.MaxTXPowerIndex {
		next.TXPower = region.MaxTXPowerIndex
	}

	// Gaps in the window are answered with repetitions only.
	loss := h.LossRate()
	next.NbRep = e.nbRep(current.NbRep, loss)
	if loss >= cleanLoss {
		return next, nil
	}

	for steps > 0 {
		switch {
		case next.DataRate < region.MaxADRDataRate:
			next.DataRate++
		case next.TXPower < region.MaxTXPowerIndex:
			next.TXPower++
		default:
			steps = 0
			continue
		}
		steps--
	}

	for steps < 0 {
		if next.TXPower > 0 {
			next.TXPower--
			steps++
			continue
		}
		// Already at maximum power.
		if next.DataRate > 0 {
			next.DataRate--
		}
		break
	}
	return next, nil
}

// nbRep maps the window's frame loss to a repetition count
func (e *Engine) nbRep(current uint8, loss float64) uint8 {
	if current == 0 {
		current = 1
	}
	switch {
	case loss < cleanLoss:
		if current > 1 {
			current--
		}
	case loss < 0.10:
	case loss < 0.30:
		if current < e.cfg.MaxNbRep {
			current++
		}
	default:
		current = e.cfg.MaxNbRep
	}
	if current > e.cfg.MaxNbRep {
		current = e.cfg.MaxNbRep
	}
	return current
}
