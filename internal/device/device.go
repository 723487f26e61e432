// Package device holds the in-memory state of one LoRaWAN device: its
// session, frame counters and ADR parameters, loaded from and written back
// to the device twin.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/adr"
	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// ErrNotInitialized is returned when a device is used before its twin was
// loaded successfully.
var ErrNotInitialized = errors.New("device not initialized")

// Options are shared by every device of a frame server
type Options struct {
	// GatewayID identifies this frame server.
	GatewayID string
	// MaxGap is the largest accepted jump of the uplink counter.
	MaxGap uint32
	// FlushDelta is the counter drift tolerated before writing to the twin.
	FlushDelta           uint32
	DefaultDeduplication models.DeduplicationMode
	DefaultRegion        *lorawan.RegionConfiguration
}

func (o *Options) setDefaults() {
	if o.MaxGap == 0 {
		o.MaxGap = 16384
	}
	if o.FlushDelta == 0 {
		o.FlushDelta = 10
	}
	if o.DefaultRegion == nil {
		o.DefaultRegion = &lorawan.CN470Configuration
	}
}

// Device is a cached LoRaWAN device. Mutating methods are expected to run
// inside the device's exclusive processor lane; the lock only protects
// readers outside it such as the cache and the admin API.
type Device struct {
	DevEUI lorawan.EUI64

	opts     Options
	conn     ConnectionManager
	counters CounterStore

	mu sync.RWMutex

	devAddr    lorawan.DevAddr
	hasAddr    bool
	nwkSKey    lorawan.AES128Key
	appSKey    lorawan.AES128Key
	appKey     *lorawan.AES128Key
	appEUI     *lorawan.EUI64
	activation lorawan.ActivationMode

	gatewayID       string
	region          *lorawan.RegionConfiguration
	class           models.DeviceClass
	preferredWindow int
	rx2DataRate     *uint8
	dedup           models.DeduplicationMode
	supports32Bit   bool
	abpRelaxed      bool
	sensorDecoder   string
	dwellTime       *models.DwellTimeSetting

	fCntUp            uint32
	fCntDown          uint32
	lastSavedFCntUp   uint32
	lastSavedFCntDown uint32
	uplinkSeen        bool
	fCntResetCounter  *uint32

	// last confirmed uplink and the downlink counter used to answer it
	confirmedFCntUp   uint32
	confirmedFCntDown uint32
	hasConfirmed      bool

	adrParams adr.Params
	adrDirty  bool

	lastStation  string
	stationDirty bool
	forceSave    bool
	initialized  bool
	initErr      error
	lastUpdate   time.Time
	lastSeen     time.Time
}

// New creates an empty device. Initialize must succeed before the device
// processes frames.
func New(devEUI lorawan.EUI64, conn ConnectionManager, counters CounterStore, opts Options) *Device {
	opts.setDefaults()
	return &Device{
		DevEUI:    devEUI,
		opts:      opts,
		conn:      conn,
		counters:  counters,
		region:    opts.DefaultRegion,
		dedup:     opts.DefaultDeduplication,
		adrParams: adr.Params{NbRep: 1},
		lastSeen:  time.Now(),
	}
}

// Initialize loads the device from its twin. A failure is remembered so the
// owner can retry instead of using a half loaded device.
func (d *Device) Initialize(ctx context.Context) error {
	twin, err := d.Client().GetTwin(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err != nil {
		d.initialized = false
		d.initErr = fmt.Errorf("load twin of %s: %w", d.DevEUI, err)
		return d.initErr
	}
	if err := d.applyTwin(twin, true); err != nil {
		d.initialized = false
		d.initErr = err
		return err
	}

	d.initialized = true
	d.initErr = nil
	d.lastUpdate = time.Now()
	return nil
}

// Refresh reloads the desired configuration without touching the live
// frame counters.
func (d *Device) Refresh(ctx context.Context) error {
	twin, err := d.Client().GetTwin(ctx)
	if err != nil {
		return fmt.Errorf("refresh twin of %s: %w", d.DevEUI, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.applyTwin(twin, !d.initialized); err != nil {
		return err
	}
	d.initialized = true
	d.initErr = nil
	d.lastUpdate = time.Now()
	return nil
}

// applyTwin copies the twin into the device. Counters and ADR state are
// only taken from reported properties on a full load. Caller holds mu.
func (d *Device) applyTwin(twin *models.Twin, full bool) error {
	desired, reported := twin.Desired, twin.Reported

	d.activation = twin.ActivationMode()
	d.appKey = desired.AppKey
	d.appEUI = desired.AppEUI

	switch {
	case reported.DevAddr != nil:
		d.devAddr, d.hasAddr = *reported.DevAddr, true
	case desired.DevAddr != nil:
		d.devAddr, d.hasAddr = *desired.DevAddr, true
	}
	switch {
	case reported.NwkSKey != nil:
		d.nwkSKey = *reported.NwkSKey
	case desired.NwkSKey != nil:
		d.nwkSKey = *desired.NwkSKey
	}
	switch {
	case reported.AppSKey != nil:
		d.appSKey = *reported.AppSKey
	case desired.AppSKey != nil:
		d.appSKey = *desired.AppSKey
	}
	if d.activation == lorawan.ABP && (!d.hasAddr || d.nwkSKey.IsZero()) {
		return fmt.Errorf("ABP device %s has no session address or key", d.DevEUI)
	}

	d.gatewayID = desired.GatewayID
	d.class = desired.ClassType
	if d.class == "" {
		d.class = models.ClassA
	}
	d.preferredWindow = desired.PreferredWindow
	d.rx2DataRate = desired.RX2DataRate
	d.supports32Bit = desired.Supports32BitFCnt
	d.abpRelaxed = d.activation == lorawan.ABP && (desired.ABPRelaxMode == nil || *desired.ABPRelaxMode)
	d.sensorDecoder = desired.SensorDecoder

	d.dedup = d.opts.DefaultDeduplication
	if desired.Deduplication != "" {
		mode, err := models.ParseDeduplicationMode(desired.Deduplication)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.DevEUI, err)
		}
		d.dedup = mode
	}

	regionName := desired.Region
	if regionName == "" {
		regionName = reported.Region
	}
	if regionName != "" {
		region, err := lorawan.GetRegionConfiguration(regionName)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.DevEUI, err)
		}
		d.region = region
	}

	if full {
		if reported.FCntUp != nil {
			d.fCntUp = *reported.FCntUp
			d.uplinkSeen = true
		}
		if reported.FCntDown != nil {
			d.fCntDown = *reported.FCntDown
		}
		d.lastSavedFCntUp, d.lastSavedFCntDown = d.fCntUp, d.fCntDown
		d.fCntResetCounter = reported.FCntResetCounter

		if reported.DataRate != nil {
			d.adrParams.DataRate = *reported.DataRate
		}
		if reported.TxPower != nil {
			d.adrParams.TXPower = *reported.TxPower
		}
		if reported.NbRep != nil {
			d.adrParams.NbRep = *reported.NbRep
		}
		d.dwellTime = reported.DwellTimeSetting
		d.lastStation = reported.LastStation
	}

	// A new reset generation in the desired properties restarts the
	// counters from the configured start values.
	if desired.FCntResetCounter != nil &&
		(d.fCntResetCounter == nil || *d.fCntResetCounter != *desired.FCntResetCounter) {
		d.fCntUp, d.fCntDown = 0, 0
		d.uplinkSeen = false
		if desired.FCntUpStart != nil {
			d.fCntUp = *desired.FCntUpStart
			d.uplinkSeen = true
		}
		if desired.FCntDownStart != nil {
			d.fCntDown = *desired.FCntDownStart
		}
		d.fCntResetCounter = models.Uint32(*desired.FCntResetCounter)
		d.hasConfirmed = false
		d.forceSave = true
		log.Info().
			Str("devEUI", d.DevEUI.String()).
			Uint32("fCntUp", d.fCntUp).
			Uint32("fCntDown", d.fCntDown).
			Uint32("resetCounter", *desired.FCntResetCounter).
			Msg("frame counters reset from desired properties")
	}
	return nil
}

// Client returns the device's session client
func (d *Device) Client() SessionClient {
	return d.conn.Client(d.DevEUI)
}

// Initialized reports whether the last initialization succeeded
func (d *Device) Initialized() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.initialized
}

// InitError is the error of the last failed initialization
func (d *Device) InitError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.initErr
}

// DevAddr returns the session address, if the device has one
func (d *Device) DevAddr() (lorawan.DevAddr, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.devAddr, d.hasAddr
}

// GatewayID is the frame server the device is pinned to, empty if shared
func (d *Device) GatewayID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gatewayID
}

// IsOurDevice reports whether this frame server is responsible for the device
func (d *Device) IsOurDevice() bool {
	gw := d.GatewayID()
	return gw == "" || strings.EqualFold(gw, d.opts.GatewayID)
}

// DeduplicationMode is the policy for copies received by several stations
func (d *Device) DeduplicationMode() models.DeduplicationMode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dedup
}

// Region is the device's regional parameter set
func (d *Device) Region() *lorawan.RegionConfiguration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.region
}

// Class is the LoRaWAN device class
func (d *Device) Class() models.DeviceClass {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.class
}

// ActivationMode reports ABP or OTAA
func (d *Device) ActivationMode() lorawan.ActivationMode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activation
}

// AppSKey returns the application session key
func (d *Device) AppSKey() lorawan.AES128Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.appSKey
}

// NwkSKey returns the network session key
func (d *Device) NwkSKey() lorawan.AES128Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nwkSKey
}

// ADRParams returns the current link parameters
func (d *Device) ADRParams() adr.Params {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adrParams
}

// ApplyADR adopts new link parameters; they are persisted on the next save
func (d *Device) ApplyADR(p adr.Params) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adrParams = p
	d.adrDirty = true
}

// LastUpdate is when the twin was last loaded
func (d *Device) LastUpdate() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastUpdate
}

// LastSeen is when the device was last used
func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// Touch marks the device as observed now
func (d *Device) Touch() {
	d.mu.Lock()
	d.lastSeen = time.Now()
	d.mu.Unlock()
}

// SetLastStation records the station that served the last uplink
func (d *Device) SetLastStation(station string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if station != "" && station != d.lastStation {
		d.lastStation = station
		d.stationDirty = true
	}
}

// MatchesFrame checks the frame's MIC against the network session key under
// every plausible full counter.
func (d *Device) MatchesFrame(phy *lorawan.PHYPayload, fCnt uint16) bool {
	d.mu.RLock()
	key, last, is32 := d.nwkSKey, d.fCntUp, d.supports32Bit
	d.mu.RUnlock()

	candidates := []uint32{lorawan.GetFullFCnt(last, fCnt)}
	if is32 {
		candidates = append(candidates, lorawan.FullFCntCandidates(last, fCnt)...)
	}
	// counter reset
	candidates = append(candidates, uint32(fCnt))

	for _, c := range candidates {
		if ok, err := phy.ValidateUplinkDataMIC(key, c); err == nil && ok {
			return true
		}
	}
	return false
}

// SaveChanges writes counters and ADR state to the twin once they drifted
// past the flush delta, or right away when force is set or a counter reset
// is pending. A new last station rides along with the next due write. It
// reports whether a write happened.
func (d *Device) SaveChanges(ctx context.Context, force bool) (bool, error) {
	d.mu.Lock()
	upDrift := d.fCntUp - d.lastSavedFCntUp
	downDrift := d.fCntDown - d.lastSavedFCntDown
	due := force || d.forceSave || d.adrDirty ||
		upDrift > d.opts.FlushDelta || downDrift > d.opts.FlushDelta
	if !due {
		d.mu.Unlock()
		return false, nil
	}

	patch := models.ReportedProperties{
		FCntUp:           models.Uint32(d.fCntUp),
		FCntDown:         models.Uint32(d.fCntDown),
		FCntResetCounter: d.fCntResetCounter,
		LastStation:      d.lastStation,
	}
	if d.adrDirty {
		patch.DataRate = models.Uint8(d.adrParams.DataRate)
		patch.TxPower = models.Uint8(d.adrParams.TXPower)
		patch.NbRep = models.Uint8(d.adrParams.NbRep)
	}
	savedUp, savedDown := d.fCntUp, d.fCntDown
	d.mu.Unlock()

	if err := d.Client().UpdateReported(ctx, patch); err != nil {
		return false, fmt.Errorf("save reported properties of %s: %w", d.DevEUI, err)
	}

	d.mu.Lock()
	d.lastSavedFCntUp, d.lastSavedFCntDown = savedUp, savedDown
	d.forceSave = false
	d.stationDirty = false
	if patch.DataRate != nil {
		d.adrDirty = false
	}
	d.mu.Unlock()

	log.Debug().
		Str("devEUI", d.DevEUI.String()).
		Uint32("fCntUp", savedUp).
		Uint32("fCntDown", savedDown).
		Msg("device twin updated")
	return true, nil
}

// Disconnect flushes pending state and closes the session
func (d *Device) Disconnect(ctx context.Context) error {
	if _, err := d.SaveChanges(ctx, true); err != nil {
		return err
	}
	return d.Client().Disconnect(ctx)
}

// Flush writes whatever has not reached the twin yet. A device that never
// initialized has nothing to write.
func (d *Device) Flush(ctx context.Context) error {
	d.mu.RLock()
	pending := d.initialized && (d.fCntUp != d.lastSavedFCntUp ||
		d.fCntDown != d.lastSavedFCntDown ||
		d.forceSave || d.adrDirty || d.stationDirty)
	d.mu.RUnlock()
	if !pending {
		return nil
	}
	_, err := d.SaveChanges(ctx, true)
	return err
}

// Dispose releases the device's connection resources
func (d *Device) Dispose() {
	d.conn.Release(d.DevEUI)
}

// JoinSession is a freshly negotiated OTAA session
type JoinSession struct {
	DevAddr  lorawan.DevAddr
	NwkSKey  lorawan.AES128Key
	AppSKey  lorawan.AES128Key
	DevNonce uint16
	NetID    string
	Station  string
}

// ApplyJoin installs a new session: counters restart at zero under a new
// reset generation and the twin is written immediately.
func (d *Device) ApplyJoin(ctx context.Context, s JoinSession) error {
	d.mu.Lock()
	d.devAddr, d.hasAddr = s.DevAddr, true
	d.nwkSKey, d.appSKey = s.NwkSKey, s.AppSKey
	d.fCntUp, d.fCntDown = 0, 0
	d.uplinkSeen = false
	d.hasConfirmed = false
	gen := uint32(1)
	if d.fCntResetCounter != nil {
		gen = *d.fCntResetCounter + 1
	}
	d.fCntResetCounter = &gen
	d.adrParams = adr.Params{NbRep: 1}
	d.lastStation = s.Station
	d.initialized = true
	d.initErr = nil
	d.lastSeen = time.Now()
	region := d.region
	d.mu.Unlock()

	patch := models.ReportedProperties{
		DevAddr:          &s.DevAddr,
		NwkSKey:          &s.NwkSKey,
		AppSKey:          &s.AppSKey,
		DevNonce:         models.Uint16(s.DevNonce),
		NetID:            s.NetID,
		FCntUp:           models.Uint32(0),
		FCntDown:         models.Uint32(0),
		FCntResetCounter: models.Uint32(gen),
		DataRate:         models.Uint8(0),
		TxPower:          models.Uint8(0),
		NbRep:            models.Uint8(1),
		LastStation:      s.Station,
		Region:           region.Name,
	}
	if err := d.Client().UpdateReported(ctx, patch); err != nil {
		return fmt.Errorf("persist join of %s: %w", d.DevEUI, err)
	}

	d.mu.Lock()
	d.lastSavedFCntUp, d.lastSavedFCntDown = 0, 0
	d.forceSave, d.adrDirty, d.stationDirty = false, false, false
	d.mu.Unlock()
	return nil
}

// AppKey returns the OTAA root key, nil for ABP devices
func (d *Device) AppKey() *lorawan.AES128Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.appKey
}

// Snapshot is a read-only view of the device for inspection
type Snapshot struct {
	DevEUI        lorawan.EUI64            `json:"devEUI"`
	DevAddr       *lorawan.DevAddr         `json:"devAddr,omitempty"`
	Activation    lorawan.ActivationMode   `json:"activation"`
	GatewayID     string                   `json:"gatewayID,omitempty"`
	Region        string                   `json:"region"`
	Class         models.DeviceClass       `json:"class"`
	Deduplication string                   `json:"deduplication"`
	FCntUp        uint32                   `json:"fCntUp"`
	FCntDown      uint32                   `json:"fCntDown"`
	ADR           adr.Params               `json:"adr"`
	DwellTime     *models.DwellTimeSetting `json:"dwellTime,omitempty"`
	LastStation   string                   `json:"lastStation,omitempty"`
	Initialized   bool                     `json:"initialized"`
	LastUpdate    time.Time                `json:"lastUpdate"`
	LastSeen      time.Time                `json:"lastSeen"`
}

// Snapshot copies the device state
func (d *Device) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Snapshot{
		DevEUI:        d.DevEUI,
		Activation:    d.activation,
		GatewayID:     d.gatewayID,
		Region:        d.region.Name,
		Class:         d.class,
		Deduplication: d.dedup.String(),
		FCntUp:        d.fCntUp,
		FCntDown:      d.fCntDown,
		ADR:           d.adrParams,
		DwellTime:     d.dwellTime,
		LastStation:   d.lastStation,
		Initialized:   d.initialized,
		LastUpdate:    d.lastUpdate,
		LastSeen:      d.lastSeen,
	}
	if d.hasAddr {
		addr := d.devAddr
		s.DevAddr = &addr
	}
	return s
}
