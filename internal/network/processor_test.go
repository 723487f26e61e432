package network

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-core/internal/adr"
	"github.com/lorawan-server/lorawan-network-core/internal/dedup"
	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/internal/devicecache"
	"github.com/lorawan-server/lorawan-network-core/internal/exclusive"
	"github.com/lorawan-server/lorawan-network-core/internal/loader"
	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/internal/session"
	"github.com/lorawan-server/lorawan-network-core/internal/storage"
	"github.com/lorawan-server/lorawan-network-core/internal/uplink"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

var (
	abpEUI  = lorawan.EUI64{0, 0, 0, 0, 0, 0, 0, 1}
	otaaEUI = lorawan.EUI64{0, 0, 0, 0, 0, 0, 0, 2}
	joinEUI = lorawan.EUI64{0x70, 0xb3, 0xd5, 0x7e, 0xd0, 0, 0, 0}
	abpAddr = lorawan.DevAddr{0x26, 0x01, 0x1b, 0xda}
	abpKey  = lorawan.AES128Key{0x01, 0x02, 0x03}
	appKey  = lorawan.AES128Key{0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6}
	base    = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
)

type message struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []message
}

func (r *recordingPublisher) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message{subject, data})
	return nil
}

func (r *recordingPublisher) bySubject(prefix string) []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message
	for _, m := range r.msgs {
		if strings.HasPrefix(m.subject, prefix) {
			out = append(out, m)
		}
	}
	return out
}

type stack struct {
	store     *storage.MemoryStore
	cache     *devicecache.Cache
	publisher *recordingPublisher
	processor *Processor
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	addr, key, app := abpAddr, abpKey, appKey
	require.NoError(t, store.CreateDevice(ctx, &models.Twin{
		DevEUI:  abpEUI,
		Desired: models.DesiredProperties{DevAddr: &addr, NwkSKey: &key, AppSKey: &key, Region: "eu868"},
	}))
	joinEUI := joinEUI
	require.NoError(t, store.CreateDevice(ctx, &models.Twin{
		DevEUI:  otaaEUI,
		Desired: models.DesiredProperties{AppEUI: &joinEUI, AppKey: &app, Region: "eu868"},
	}))

	s := &stack{
		store:     store,
		cache:     devicecache.New(devicecache.Options{}),
		publisher: &recordingPublisher{},
	}
	lanes := exclusive.New(exclusive.Options[lorawan.EUI64]{})
	t.Cleanup(lanes.Close)
	dedupCache := dedup.New(time.Minute)
	engine := adr.NewEngine(adr.DefaultConfig())

	factory := loader.NewFactory(session.NewManager(store, nil), store, device.Options{
		GatewayID:     "ns-1",
		DefaultRegion: &lorawan.EU868Configuration,
	})
	handler := uplink.NewDataHandler(uplink.HandlerOptions{
		Processor:  lanes,
		Dedup:      dedupCache,
		ADR:        engine,
		ADREnabled: true,
	})
	registry := loader.NewRegistry(loader.RegistryOptions{
		Searcher:   store,
		Cache:      s.cache,
		Factory:    factory,
		Dispatcher: handler,
	})

	s.processor = NewProcessor(Options{
		GatewayID: "ns-1",
		NetID:     [3]byte{0x00, 0x00, 0x13},
		Region:    &lorawan.EU868Configuration,
		Router:    registry,
		Joins:     store,
		Cache:     s.cache,
		Factory:   factory,
		Exclusive: lanes,
		Dedup:     dedupCache,
		ADR:       engine,
		Publisher: s.publisher,
	})
	s.processor.now = func() time.Time { return base.Add(50 * time.Millisecond) }
	return s
}

func rxMessageFor(t *testing.T, phy *lorawan.PHYPayload, station, ctxToken string) []byte {
	t.Helper()
	raw, err := phy.MarshalBinary()
	require.NoError(t, err)
	data, err := json.Marshal(rxMessage{
		GatewayID: station,
		RXPK: rxpk{
			Data: base64.StdEncoding.EncodeToString(raw),
			LSNR: 7.5,
			RSSI: -61,
			Freq: 868.3,
			Datr: "SF7BW125",
			Codr: "4/5",
			Tmst: 5_000_000,
			Chan: 1,
		},
		Context:   ctxToken,
		Timestamp: base.UnixMilli(),
	})
	require.NoError(t, err)
	return data
}

func dataFrame(t *testing.T, addr lorawan.DevAddr, key lorawan.AES128Key, mtype lorawan.MType, fCnt uint16) *lorawan.PHYPayload {
	t.Helper()
	mac := lorawan.MACPayload{FHDR: lorawan.FHDR{DevAddr: addr, FCnt: fCnt}}
	raw, err := mac.Marshal(true)
	require.NoError(t, err)
	phy := &lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: mtype}, MACPayload: raw}
	require.NoError(t, phy.SetUplinkDataMIC(key, uint32(fCnt)))
	return phy
}

func joinFrame(t *testing.T, devEUI lorawan.EUI64, key lorawan.AES128Key, nonce uint16) *lorawan.PHYPayload {
	t.Helper()
	jr := lorawan.JoinRequestPayload{JoinEUI: joinEUI, DevEUI: devEUI, DevNonce: [2]byte{byte(nonce), byte(nonce >> 8)}}
	raw, err := jr.MarshalBinary()
	require.NoError(t, err)
	phy := &lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: lorawan.JoinRequest}, MACPayload: raw}
	require.NoError(t, phy.SetUplinkJoinMIC(key))
	return phy
}

func TestDecode(t *testing.T) {
	s := newStack(t)
	phy := dataFrame(t, abpAddr, abpKey, lorawan.UnconfirmedDataUp, 3)

	req, err := s.processor.Decode(rxMessageFor(t, phy, "st-1", ""))
	require.NoError(t, err)
	assert.Equal(t, "st-1", req.Radio.Station)
	assert.Equal(t, uint8(5), req.Radio.DataRate)
	assert.Equal(t, 7.5, req.Radio.SNR)
	assert.Equal(t, 868.3, req.Radio.Frequency)
	assert.Equal(t, uint64(5_000_000), req.Radio.Tmst)
	assert.Equal(t, base, req.ReceivedAt.UTC())
	require.NotNil(t, req.MAC)
	assert.Equal(t, uint16(3), req.MAC.FHDR.FCnt)

	_, err = s.processor.Decode([]byte(`{"gatewayID":"st-1","rxpk":{"data":"!!"}}`))
	assert.Error(t, err)

	down := &lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataDown}, MACPayload: make([]byte, 8)}
	_, err = s.processor.Decode(rxMessageFor(t, down, "st-1", ""))
	assert.ErrorIs(t, err, ErrIgnoredFrame)
}

func TestConfirmedUplinkSchedulesRX1(t *testing.T) {
	s := newStack(t)
	phy := dataFrame(t, abpAddr, abpKey, lorawan.ConfirmedDataUp, 1)

	res, err := s.processor.HandleRX(context.Background(), rxMessageFor(t, phy, "st-1", ""))
	require.NoError(t, err)
	require.False(t, res.Failed, res.Reason.String())
	assert.Equal(t, abpEUI, res.DevEUI)

	sent := s.publisher.bySubject("gateway.st-1.tx")
	require.Len(t, sent, 1)
	var tx txMessage
	require.NoError(t, json.Unmarshal(sent[0].data, &tx))
	assert.Equal(t, "st-1", tx.GatewayID)
	assert.Equal(t, 868.3, tx.TXPK.Freq)
	assert.Equal(t, "SF7BW125", tx.TXPK.Datr)
	assert.Equal(t, uint64(6_000_000), tx.TXPK.Tmst)
	assert.True(t, tx.TXPK.IPol)
	assert.Nil(t, tx.Timing)

	raw, err := base64.StdEncoding.DecodeString(tx.TXPK.Data)
	require.NoError(t, err)
	assert.Equal(t, tx.TXPK.Size, len(raw))
	var down lorawan.PHYPayload
	require.NoError(t, down.UnmarshalBinary(raw))
	mac, err := down.DecodeMACPayload()
	require.NoError(t, err)
	assert.True(t, mac.FHDR.FCtrl.ACK)
}

func TestDownlinkWindows(t *testing.T) {
	t.Run("context and relative delay", func(t *testing.T) {
		s := newStack(t)
		phy := dataFrame(t, abpAddr, abpKey, lorawan.ConfirmedDataUp, 1)
		_, err := s.processor.HandleRX(context.Background(), rxMessageFor(t, phy, "st-1", "ctx-42"))
		require.NoError(t, err)

		sent := s.publisher.bySubject("gateway.st-1.tx")
		require.Len(t, sent, 1)
		var tx txMessage
		require.NoError(t, json.Unmarshal(sent[0].data, &tx))
		assert.Equal(t, "ctx-42", tx.Context)
		require.NotNil(t, tx.Timing)
		assert.Equal(t, "1000ms", tx.Timing.Delay)
	})

	t.Run("rx2", func(t *testing.T) {
		s := newStack(t)
		s.processor.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
		phy := dataFrame(t, abpAddr, abpKey, lorawan.ConfirmedDataUp, 1)
		_, err := s.processor.HandleRX(context.Background(), rxMessageFor(t, phy, "st-1", ""))
		require.NoError(t, err)

		sent := s.publisher.bySubject("gateway.st-1.tx")
		require.Len(t, sent, 1)
		var tx txMessage
		require.NoError(t, json.Unmarshal(sent[0].data, &tx))
		assert.Equal(t, 869.525, tx.TXPK.Freq)
		assert.Equal(t, "SF12BW125", tx.TXPK.Datr)
		assert.Equal(t, uint64(7_000_000), tx.TXPK.Tmst)
	})

	t.Run("missed", func(t *testing.T) {
		s := newStack(t)
		s.processor.now = func() time.Time { return base.Add(3 * time.Second) }
		phy := dataFrame(t, abpAddr, abpKey, lorawan.ConfirmedDataUp, 1)
		res, err := s.processor.HandleRX(context.Background(), rxMessageFor(t, phy, "st-1", ""))
		require.NoError(t, err)
		assert.True(t, res.Failed)
		assert.Equal(t, uplink.ReceiveWindowMissed, res.Reason)
		assert.Empty(t, s.publisher.bySubject("gateway."))
	})
}

func TestUnconfirmedUplinkSendsNothing(t *testing.T) {
	s := newStack(t)
	phy := dataFrame(t, abpAddr, abpKey, lorawan.UnconfirmedDataUp, 1)

	res, err := s.processor.HandleRX(context.Background(), rxMessageFor(t, phy, "st-1", ""))
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Empty(t, s.publisher.bySubject("gateway."))
}

func TestUnknownAddress(t *testing.T) {
	s := newStack(t)
	phy := dataFrame(t, lorawan.DevAddr{9, 9, 9, 9}, abpKey, lorawan.UnconfirmedDataUp, 1)

	res, err := s.processor.HandleRX(context.Background(), rxMessageFor(t, phy, "st-1", ""))
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, uplink.NotMatchingDeviceByDevAddr, res.Reason)
}

func TestJoinThenUplink(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	res, err := s.processor.HandleRX(ctx, rxMessageFor(t, joinFrame(t, otaaEUI, appKey, 7), "st-1", ""))
	require.NoError(t, err)
	require.False(t, res.Failed, res.Reason.String())
	assert.Equal(t, otaaEUI, res.DevEUI)

	d, ok := s.cache.TryGetByDevEUI(otaaEUI)
	require.True(t, ok)
	addr, ok := d.DevAddr()
	require.True(t, ok)
	assert.Equal(t, byte(0x13<<1), addr[0]&0xfe, "NwkID prefix")
	assert.Len(t, s.cache.DevicesForAddress(addr), 1)

	events := s.publisher.bySubject("application.default.device.0000000000000002.join")
	require.Len(t, events, 1)
	var ev JoinEvent
	require.NoError(t, json.Unmarshal(events[0].data, &ev))
	assert.Equal(t, addr.String(), ev.DevAddr)

	twin, err := s.store.GetTwin(ctx, otaaEUI)
	require.NoError(t, err)
	require.NotNil(t, twin.Reported.NwkSKey)
	assert.Equal(t, uint32(1), *twin.Reported.FCntResetCounter)

	// the new session is usable right away
	phy := dataFrame(t, addr, *twin.Reported.NwkSKey, lorawan.UnconfirmedDataUp, 1)
	res, err = s.processor.HandleRX(ctx, rxMessageFor(t, phy, "st-1", ""))
	require.NoError(t, err)
	assert.False(t, res.Failed, res.Reason.String())
	assert.Equal(t, otaaEUI, res.DevEUI)
}

func TestJoinRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate", func(t *testing.T) {
		s := newStack(t)
		phy := joinFrame(t, otaaEUI, appKey, 1)
		_, err := s.processor.HandleRX(ctx, rxMessageFor(t, phy, "st-1", ""))
		require.NoError(t, err)
		res, err := s.processor.HandleRX(ctx, rxMessageFor(t, phy, "st-2", ""))
		require.NoError(t, err)
		assert.Equal(t, uplink.DeduplicationDrop, res.Reason)
	})

	t.Run("nonce reused", func(t *testing.T) {
		s := newStack(t)
		_, err := s.store.SearchAndLockForJoin(ctx, "ns-1", otaaEUI, 1)
		require.NoError(t, err)
		res, err := s.processor.HandleRX(ctx, rxMessageFor(t, joinFrame(t, otaaEUI, appKey, 1), "st-1", ""))
		require.NoError(t, err)
		assert.Equal(t, uplink.JoinDevNonceAlreadyUsed, res.Reason)
	})

	t.Run("wrong key", func(t *testing.T) {
		s := newStack(t)
		res, err := s.processor.HandleRX(ctx, rxMessageFor(t, joinFrame(t, otaaEUI, lorawan.AES128Key{0xff}, 2), "st-1", ""))
		require.NoError(t, err)
		assert.Equal(t, uplink.JoinMicCheckFailed, res.Reason)

		// the forged request left the nonce to the real device
		lock, err := s.store.SearchAndLockForJoin(ctx, "ns-1", otaaEUI, 2)
		require.NoError(t, err)
		assert.False(t, lock.DevNonceAlreadyUsed)
	})

	t.Run("unknown device", func(t *testing.T) {
		s := newStack(t)
		res, err := s.processor.HandleRX(ctx, rxMessageFor(t, joinFrame(t, lorawan.EUI64{0xee}, appKey, 3), "st-1", ""))
		require.NoError(t, err)
		assert.Equal(t, uplink.NotMatchingDeviceByDevAddr, res.Reason)
	})

	t.Run("abp device", func(t *testing.T) {
		s := newStack(t)
		res, err := s.processor.HandleRX(ctx, rxMessageFor(t, joinFrame(t, abpEUI, appKey, 4), "st-1", ""))
		require.NoError(t, err)
		assert.Equal(t, uplink.InvalidJoinRequest, res.Reason)
	})
}

func TestNewDevAddr(t *testing.T) {
	addr := newDevAddr([3]byte{0, 0, 0x13}, 0xffffffff)
	assert.Equal(t, lorawan.DevAddr{0x27, 0xff, 0xff, 0xff}, addr)
}
