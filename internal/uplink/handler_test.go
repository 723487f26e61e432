package uplink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-core/internal/adr"
	"github.com/lorawan-server/lorawan-network-core/internal/dedup"
	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/internal/exclusive"
	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/internal/session"
	"github.com/lorawan-server/lorawan-network-core/internal/storage"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

var (
	testEUI  = lorawan.EUI64{0x70, 0xb3, 0xd5, 0, 0, 0, 0, 1}
	testAddr = lorawan.DevAddr{0x26, 0x01, 0x1b, 0xda}
	nwkSKey  = lorawan.AES128Key{0x44, 0x02, 0x4b, 0x0e}
	appSKey  = lorawan.AES128Key{0xec, 0x92, 0x5e, 0x1d}
)

type recordingForwarder struct {
	mu        sync.Mutex
	telemetry []*models.Telemetry
}

func (f *recordingForwarder) Forward(_ context.Context, t *models.Telemetry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetry = append(f.telemetry, t)
	return nil
}

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.telemetry)
}

type pipeline struct {
	store     *storage.MemoryStore
	forwarder *recordingForwarder
	handler   *DataHandler
	device    *device.Device
}

func newPipeline(t *testing.T, desired models.DesiredProperties, reported models.ReportedProperties) *pipeline {
	t.Helper()
	ctx := context.Background()

	addr, nwk, app := testAddr, nwkSKey, appSKey
	desired.DevAddr, desired.NwkSKey, desired.AppSKey = &addr, &nwk, &app
	if desired.Region == "" {
		desired.Region = "eu868"
	}

	p := &pipeline{store: storage.NewMemoryStore(), forwarder: &recordingForwarder{}}
	require.NoError(t, p.store.CreateDevice(ctx, &models.Twin{DevEUI: testEUI, Desired: desired}))
	if reported != (models.ReportedProperties{}) {
		require.NoError(t, p.store.UpdateReported(ctx, testEUI, reported))
	}

	manager := session.NewManager(p.store, p.forwarder)
	p.device = device.New(testEUI, manager, p.store, device.Options{GatewayID: "gw-1"})
	require.NoError(t, p.device.Initialize(ctx))

	processor := exclusive.New(exclusive.Options[lorawan.EUI64]{})
	t.Cleanup(processor.Close)
	p.handler = NewDataHandler(HandlerOptions{
		Processor:  processor,
		Dedup:      dedup.New(time.Minute),
		ADR:        adr.NewEngine(adr.DefaultConfig()),
		ADREnabled: true,
	})
	return p
}

type frame struct {
	confirmed bool
	fCnt      uint16
	fPort     *uint8
	data      []byte
	adr       bool
	adrAckReq bool
}

func (f frame) phy(t *testing.T) *lorawan.PHYPayload {
	t.Helper()
	mac := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: testAddr,
			FCtrl:   lorawan.FCtrl{ADR: f.adr, ADRACKReq: f.adrAckReq},
			FCnt:    f.fCnt,
		},
		FPort: f.fPort,
	}
	if f.fPort != nil && len(f.data) > 0 {
		enc, err := lorawan.EncryptFRMPayload(appSKey, testAddr, uint32(f.fCnt), true, f.data)
		require.NoError(t, err)
		mac.FRMPayload = enc
	}
	raw, err := mac.Marshal(true)
	require.NoError(t, err)

	mtype := lorawan.UnconfirmedDataUp
	if f.confirmed {
		mtype = lorawan.ConfirmedDataUp
	}
	phy := &lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0}, MACPayload: raw}
	require.NoError(t, phy.SetUplinkDataMIC(nwkSKey, uint32(f.fCnt)))
	return phy
}

func (p *pipeline) send(t *testing.T, phy *lorawan.PHYPayload, radio Radio) Result {
	t.Helper()
	if radio.Station == "" {
		radio.Station = "st-1"
	}
	req, err := NewRequest(phy, radio, &lorawan.EU868Configuration)
	require.NoError(t, err)

	p.handler.Dispatch(context.Background(), p.device, req)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := req.Wait(ctx)
	require.NoError(t, err)
	return res
}

func port(p uint8) *uint8 { return &p }

func decodeDownlink(t *testing.T, dl *Downlink) *lorawan.MACPayload {
	t.Helper()
	require.NotNil(t, dl)
	mac, err := dl.PHY.DecodeMACPayload()
	require.NoError(t, err)
	return mac
}

func TestUplinkForwardsTelemetry(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{}, models.ReportedProperties{FCntUp: models.Uint32(9), LastStation: "st-1"})

	res := p.send(t, frame{fCnt: 10, fPort: port(1), data: []byte("temp=21")}.phy(t), Radio{SNR: 7, RSSI: -80})
	require.False(t, res.Failed, res.Reason.String())
	assert.Equal(t, uint32(10), res.FCnt)
	assert.Nil(t, res.Downlink, "unconfirmed frame without answers")

	require.Equal(t, 1, p.forwarder.count())
	tel := p.forwarder.telemetry[0]
	assert.Equal(t, []byte("temp=21"), tel.Data)
	assert.Equal(t, uint32(10), tel.FCnt)
	assert.Equal(t, "st-1", tel.Station)
	assert.Equal(t, float64(-80), tel.RSSI)

	// below the flush delta the counter stays in memory
	twin, err := p.store.GetTwin(context.Background(), testEUI)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), *twin.Reported.FCntUp)
	assert.Equal(t, uint32(10), p.device.FCntUp())
}

func TestUplinkFrameCounterRejections(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{}, models.ReportedProperties{FCntUp: models.Uint32(9)})

	require.False(t, p.send(t, frame{fCnt: 10}.phy(t), Radio{}).Failed)

	res := p.send(t, frame{fCnt: 5}.phy(t), Radio{})
	assert.True(t, res.Failed)
	assert.Equal(t, InvalidFrameCounter, res.Reason)

	// same frame again from the same station, unconfirmed
	res = p.send(t, frame{fCnt: 10}.phy(t), Radio{})
	assert.True(t, res.Failed)
	assert.Equal(t, DeduplicationDrop, res.Reason)

	assert.Equal(t, 1, p.forwarder.count())
}

func TestUplinkSoftDuplicate(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{Deduplication: "mark"}, models.ReportedProperties{})
	phy := frame{confirmed: true, fCnt: 1, fPort: port(2), data: []byte{1}}.phy(t)

	first := p.send(t, phy, Radio{Station: "st-1"})
	require.False(t, first.Failed)
	require.NotNil(t, first.Downlink)

	second := p.send(t, phy, Radio{Station: "st-2"})
	require.False(t, second.Failed, second.Reason.String())
	assert.True(t, second.Redundant)
	assert.Nil(t, second.Downlink, "only the first copy is answered")
	assert.Equal(t, 1, p.forwarder.count())
}

func TestUplinkDropDuplicate(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{Deduplication: "drop"}, models.ReportedProperties{})
	phy := frame{fCnt: 1}.phy(t)

	require.False(t, p.send(t, phy, Radio{Station: "st-1"}).Failed)
	res := p.send(t, phy, Radio{Station: "st-2"})
	assert.True(t, res.Failed)
	assert.Equal(t, DeduplicationDrop, res.Reason)
}

func TestConfirmedUplinkAcknowledged(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{}, models.ReportedProperties{})
	phy := frame{confirmed: true, fCnt: 1}.phy(t)

	res := p.send(t, phy, Radio{})
	require.False(t, res.Failed, res.Reason.String())
	mac := decodeDownlink(t, res.Downlink)
	assert.True(t, mac.FHDR.FCtrl.ACK)
	assert.Equal(t, lorawan.UnconfirmedDataDown, res.Downlink.PHY.MHDR.MType)
	assert.Equal(t, uint32(1), res.Downlink.FCntDown)

	// a resubmission gets the same answer again and is not forwarded twice
	again := p.send(t, phy, Radio{})
	require.False(t, again.Failed, again.Reason.String())
	require.NotNil(t, again.Downlink)
	assert.Equal(t, res.Downlink.FCntDown, again.Downlink.FCntDown)
	assert.Equal(t, 1, p.forwarder.count())

	next := p.send(t, frame{confirmed: true, fCnt: 2}.phy(t), Radio{})
	require.NotNil(t, next.Downlink)
	assert.Equal(t, uint32(2), next.Downlink.FCntDown)
}

func TestDownlinkClaimedByAnotherServer(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{}, models.ReportedProperties{})
	// another frame server already answered a later uplink
	_, err := p.store.NextDownlinkCounter(context.Background(), testEUI, 0, 5, "gw-2")
	require.NoError(t, err)

	res := p.send(t, frame{confirmed: true, fCnt: 1}.phy(t), Radio{})
	assert.True(t, res.Failed)
	assert.Equal(t, HandledByAnotherGateway, res.Reason)
}

func TestCloudMessageDelivered(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{}, models.ReportedProperties{})
	ctx := context.Background()
	require.NoError(t, p.store.EnqueueMessage(ctx, &models.CloudMessage{
		DevEUI:    testEUI,
		FPort:     10,
		Payload:   []byte("open"),
		Confirmed: true,
	}))

	res := p.send(t, frame{fCnt: 1}.phy(t), Radio{})
	require.False(t, res.Failed, res.Reason.String())
	mac := decodeDownlink(t, res.Downlink)
	assert.Equal(t, lorawan.ConfirmedDataDown, res.Downlink.PHY.MHDR.MType)
	require.NotNil(t, mac.FPort)
	assert.Equal(t, uint8(10), *mac.FPort)

	plain, err := lorawan.EncryptFRMPayload(appSKey, testAddr, res.Downlink.FCntDown, false, mac.FRMPayload)
	require.NoError(t, err)
	assert.Equal(t, []byte("open"), plain)

	_, err = p.store.NextPendingMessage(ctx, testEUI)
	assert.ErrorIs(t, err, storage.ErrNotFound, "message completed")
}

func TestOversizedCloudMessageRejected(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{}, models.ReportedProperties{})
	ctx := context.Background()
	require.NoError(t, p.store.EnqueueMessage(ctx, &models.CloudMessage{
		DevEUI:  testEUI,
		FPort:   10,
		Payload: make([]byte, maxDownlinkPayload+1),
	}))

	res := p.send(t, frame{fCnt: 1}.phy(t), Radio{})
	require.False(t, res.Failed)
	assert.Nil(t, res.Downlink)

	_, err := p.store.NextPendingMessage(ctx, testEUI)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestADRDecisionSentOnce(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{}, models.ReportedProperties{})

	var commands []lorawan.MACCommand
	for f := uint16(1); f <= 25; f++ {
		res := p.send(t, frame{fCnt: f, adr: true}.phy(t), Radio{DataRate: 0, SNR: 5})
		require.False(t, res.Failed, res.Reason.String())
		if res.Downlink == nil {
			continue
		}
		mac := decodeDownlink(t, res.Downlink)
		cmds, err := lorawan.ParseMACCommands(false, mac.FHDR.FOpts)
		require.NoError(t, err)
		commands = append(commands, cmds...)
	}

	require.Len(t, commands, 1)
	require.Equal(t, lorawan.LinkADRReq, commands[0].CID)
	var req lorawan.LinkADRReqPayload
	require.NoError(t, req.UnmarshalBinary(commands[0].Payload))
	assert.Equal(t, uint8(5), req.DataRate)
	assert.Equal(t, uint8(1), req.TXPower)

	assert.Equal(t, adr.Params{DataRate: 5, TXPower: 1, NbRep: 1}, p.device.ADRParams())
	twin, err := p.store.GetTwin(context.Background(), testEUI)
	require.NoError(t, err)
	require.NotNil(t, twin.Reported.DataRate)
	assert.Equal(t, uint8(5), *twin.Reported.DataRate)
	assert.Equal(t, uint8(1), *twin.Reported.TxPower)
}

func TestLinkCheckAnswered(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{}, models.ReportedProperties{})

	mac := lorawan.MACPayload{FHDR: lorawan.FHDR{DevAddr: testAddr, FCnt: 1, FOpts: []byte{lorawan.LinkCheckReq}}}
	raw, err := mac.Marshal(true)
	require.NoError(t, err)
	phy := &lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataUp}, MACPayload: raw}
	require.NoError(t, phy.SetUplinkDataMIC(nwkSKey, 1))

	// DR5 needs -7.5 dB
	res := p.send(t, phy, Radio{DataRate: 5, SNR: 2.5})
	require.False(t, res.Failed, res.Reason.String())
	down := decodeDownlink(t, res.Downlink)
	cmds, err := lorawan.ParseMACCommands(false, down.FHDR.FOpts)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, lorawan.LinkCheckAns, cmds[0].CID)
	assert.Equal(t, []byte{10, 1}, cmds[0].Payload)
}

func TestRequestCompletesOnce(t *testing.T) {
	req, err := NewRequest(frame{fCnt: 1}.phy(t), Radio{}, &lorawan.EU868Configuration)
	require.NoError(t, err)
	assert.Equal(t, testAddr, req.DevAddr())

	req.Fail(InvalidFrameCounter)
	req.Complete(Result{})
	<-req.Done()
	assert.Equal(t, InvalidFrameCounter, req.Result().Reason)
	assert.Equal(t, "invalid_frame_counter", InvalidFrameCounter.String())
	assert.Equal(t, "FailedReason(99)", FailedReason(99).String())
}

func TestRelaxedResetCopiesKeepDownlinkCounter(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{Deduplication: "mark"}, models.ReportedProperties{FCntUp: models.Uint32(40), LastStation: "st-1"})
	reset := frame{confirmed: true, fCnt: 0}.phy(t)

	first := p.send(t, reset, Radio{Station: "st-1"})
	require.False(t, first.Failed, first.Reason.String())
	require.NotNil(t, first.Downlink)
	assert.Equal(t, uint32(1), first.Downlink.FCntDown)

	dup := p.send(t, reset, Radio{Station: "st-2"})
	require.False(t, dup.Failed, dup.Reason.String())
	assert.True(t, dup.Redundant)
	assert.Equal(t, uint32(1), p.device.FCntDown(), "a copy must not rewind the counter")

	again := p.send(t, reset, Radio{Station: "st-1"})
	require.False(t, again.Failed, again.Reason.String())
	require.NotNil(t, again.Downlink)
	assert.Equal(t, uint32(1), again.Downlink.FCntDown)

	next := p.send(t, frame{confirmed: true, fCnt: 1}.phy(t), Radio{Station: "st-1"})
	require.False(t, next.Failed, next.Reason.String())
	require.NotNil(t, next.Downlink)
	assert.Greater(t, next.Downlink.FCntDown, first.Downlink.FCntDown)
}

func TestADRDecisionDiscardedWithoutDownlink(t *testing.T) {
	p := newPipeline(t, models.DesiredProperties{}, models.ReportedProperties{})
	// another frame server answers every uplink up to 20
	_, err := p.store.NextDownlinkCounter(context.Background(), testEUI, 0, 20, "gw-2")
	require.NoError(t, err)

	for f := uint16(1); f <= 20; f++ {
		res := p.send(t, frame{fCnt: f, adr: true}.phy(t), Radio{DataRate: 0, SNR: 5})
		assert.Nil(t, res.Downlink)
	}
	assert.Equal(t, adr.Params{NbRep: 1}, p.device.ADRParams(), "nothing was sent, nothing changes")

	// the claim is free again, the pending decision goes out now
	res := p.send(t, frame{fCnt: 21, adr: true}.phy(t), Radio{DataRate: 0, SNR: 5})
	require.False(t, res.Failed, res.Reason.String())
	mac := decodeDownlink(t, res.Downlink)
	cmds, err := lorawan.ParseMACCommands(false, mac.FHDR.FOpts)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, lorawan.LinkADRReq, cmds[0].CID)
	assert.Equal(t, adr.Params{DataRate: 5, TXPower: 1, NbRep: 1}, p.device.ADRParams())
}
