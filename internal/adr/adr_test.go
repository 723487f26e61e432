package adr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

var testEUI = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

func feed(e *Engine, from, to uint32, snr float64, dr uint8) {
	for f := from; f <= to; f++ {
		e.Record(testEUI, Sample{FCnt: f, MaxSNR: snr, DataRate: dr})
	}
}

func TestEvaluateRaisesDataRate(t *testing.T) {
	e := NewEngine(DefaultConfig())
	region := &lorawan.EU868Configuration
	current := Params{DataRate: 0, TXPower: 0, NbRep: 1}

	var decisions []*Decision
	for f := uint32(1); f <= 25; f++ {
		e.Record(testEUI, Sample{FCnt: f, MaxSNR: 5, DataRate: 0})
		d, err := e.Evaluate(testEUI, current, region, false)
		require.NoError(t, err)
		if d != nil {
			decisions = append(decisions, d)
			e.Commit(testEUI)
		}
	}

	require.Len(t, decisions, 1)
	d := decisions[0]
	// margin 5 - (-20) - 5 = 20 dB, six steps: five data rates, one power step
	assert.Equal(t, Params{DataRate: 5, TXPower: 1, NbRep: 1}, d.Params)
	assert.Equal(t, lorawan.LinkADRReq, d.Command.CID)

	var p lorawan.LinkADRReqPayload
	require.NoError(t, p.UnmarshalBinary(d.Command.Payload))
	assert.Equal(t, d.Params.DataRate, p.DataRate)
	assert.Equal(t, d.Params.TXPower, p.TXPower)
	assert.Equal(t, d.Params.NbRep, p.NbRep)
	assert.Equal(t, uint16(0x0007), p.ChMask)
}

func TestEvaluateNeedsFullWindow(t *testing.T) {
	e := NewEngine(DefaultConfig())
	feed(e, 1, 19, 5, 0)

	d, err := e.Evaluate(testEUI, Params{NbRep: 1}, &lorawan.EU868Configuration, false)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestEvaluateForced(t *testing.T) {
	e := NewEngine(DefaultConfig())
	current := Params{DataRate: 5, TXPower: 0, NbRep: 1}
	feed(e, 1, 1, -7.5+5, 5)

	d, err := e.Evaluate(testEUI, current, &lorawan.EU868Configuration, true)
	require.NoError(t, err)
	require.NotNil(t, d, "ADRACKReq always gets an answer")
	assert.Equal(t, current, d.Params)
}

func TestEvaluateLowMarginRaisesPowerThenLowersRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 5
	region := &lorawan.EU868Configuration

	e := NewEngine(cfg)
	// DR5 needs -7.5 dB, so a best SNR of -7.5 leaves -5 dB: two steps down.
	feed(e, 1, 5, -7.5, 5)
	d, err := e.Evaluate(testEUI, Params{DataRate: 5, TXPower: 3, NbRep: 1}, region, false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, Params{DataRate: 5, TXPower: 1, NbRep: 1}, d.Params)
	e.Commit(testEUI)

	feed(e, 6, 10, -7.5, 5)
	d, err = e.Evaluate(testEUI, Params{DataRate: 5, TXPower: 0, NbRep: 1}, region, false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, Params{DataRate: 4, TXPower: 0, NbRep: 1}, d.Params)
}

func TestNbRepFollowsLoss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 5
	e := NewEngine(cfg)
	region := &lorawan.EU868Configuration
	required, err := region.RequiredSNR(2)
	require.NoError(t, err)
	snr := required + cfg.MarginDB + 1 // zero steps

	// counters 1..10 with only 5 seen: 50% loss
	for _, f := range []uint32{1, 3, 5, 7, 10} {
		e.Record(testEUI, Sample{FCnt: f, MaxSNR: snr, DataRate: 2})
	}
	d, err := e.Evaluate(testEUI, Params{DataRate: 2, NbRep: 1}, region, false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, cfg.MaxNbRep, d.Params.NbRep)
	e.Commit(testEUI)

	feed(e, 11, 15, snr, 2)
	d, err = e.Evaluate(testEUI, Params{DataRate: 2, NbRep: 3}, region, false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, uint8(2), d.Params.NbRep, "clean run lowers repetitions")
}

func TestUncommittedDecisionIsEvaluatedAgain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 5
	e := NewEngine(cfg)
	region := &lorawan.EU868Configuration
	current := Params{NbRep: 1}
	feed(e, 1, 5, 5, 0)

	first, err := e.Evaluate(testEUI, current, region, false)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := e.Evaluate(testEUI, current, region, false)
	require.NoError(t, err)
	require.NotNil(t, second, "the window survives until the command is sent")
	assert.Equal(t, first.Params, second.Params)

	e.Commit(testEUI)
	d, err := e.Evaluate(testEUI, current, region, false)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestLossChangesRepetitionsOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 5
	e := NewEngine(cfg)
	region := &lorawan.EU868Configuration
	current := Params{DataRate: 0, TXPower: 0, NbRep: 1}

	// 20 dB of margin, but counters 1..8 with only 5 seen
	for _, f := range []uint32{1, 2, 4, 6, 8} {
		e.Record(testEUI, Sample{FCnt: f, MaxSNR: 5, DataRate: 0})
	}
	d, err := e.Evaluate(testEUI, current, region, false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, uint8(0), d.Params.DataRate)
	assert.Equal(t, uint8(0), d.Params.TXPower)
	assert.Equal(t, cfg.MaxNbRep, d.Params.NbRep)
}

func TestHistory(t *testing.T) {
	h := NewHistory(3)
	h.Add(Sample{FCnt: 1, MaxSNR: 1})
	h.Add(Sample{FCnt: 1, MaxSNR: 4})
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 2, h.Samples()[0].GatewayCount)
	assert.Equal(t, 4.0, h.MaxSNR())

	h.Add(Sample{FCnt: 2})
	h.Add(Sample{FCnt: 3})
	h.Add(Sample{FCnt: 5})
	assert.True(t, h.Full())
	assert.Equal(t, uint32(2), h.Samples()[0].FCnt)
	assert.InDelta(t, 0.25, h.LossRate(), 1e-9)

	h.Add(Sample{FCnt: 0})
	assert.Equal(t, 1, h.Len(), "counter reset drops the window")
}
