// Package devicecache is the in-memory registry of devices, indexed by
// DevEUI and by session address.
package devicecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/internal/metrics"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// ErrAlreadyRegistered is returned when a DevEUI is registered twice
var ErrAlreadyRegistered = errors.New("device already registered")

// RefreshFunc reloads one device in the background
type RefreshFunc func(ctx context.Context, d *device.Device) error

// flushTimeout bounds the final twin write of a device leaving the cache
const flushTimeout = 10 * time.Second

// Forgetter drops per-device state kept outside the cache
type Forgetter interface {
	Forget(devEUI lorawan.EUI64)
}

// Options controls the validation loop
type Options struct {
	ValidationInterval    time.Duration
	RefreshInterval       time.Duration
	MaxUnobservedLifetime time.Duration
	Metrics               *metrics.Collector
	// ADR, when set, forgets the link history of devices leaving the cache
	ADR Forgetter
}

// Cache holds the devices known to this frame server. Several devices may
// share one address while a rejoin is in flight; frames are matched to one
// of them by MIC.
type Cache struct {
	opts Options

	mu         sync.RWMutex
	byEUI      map[lorawan.EUI64]*device.Device
	byAddr     map[lorawan.DevAddr]map[lorawan.EUI64]*device.Device
	refreshing map[lorawan.EUI64]struct{}
	refresh    RefreshFunc

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates an empty cache
func New(opts Options) *Cache {
	if opts.ValidationInterval <= 0 {
		opts.ValidationInterval = 10 * time.Minute
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 48 * time.Hour
	}
	if opts.MaxUnobservedLifetime <= 0 {
		opts.MaxUnobservedLifetime = 60 * 24 * time.Hour
	}
	return &Cache{
		opts:       opts,
		byEUI:      make(map[lorawan.EUI64]*device.Device),
		byAddr:     make(map[lorawan.DevAddr]map[lorawan.EUI64]*device.Device),
		refreshing: make(map[lorawan.EUI64]struct{}),
		refresh: func(ctx context.Context, d *device.Device) error {
			return d.Refresh(ctx)
		},
		now: time.Now,
	}
}

// SetRefreshFunc replaces the background refresh hook
func (c *Cache) SetRefreshFunc(fn RefreshFunc) {
	c.mu.Lock()
	c.refresh = fn
	c.mu.Unlock()
}

// Register adds d under its DevEUI and, if it has one, its address
func (c *Cache) Register(d *device.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byEUI[d.DevEUI]; ok {
		return fmt.Errorf("%s: %w", d.DevEUI, ErrAlreadyRegistered)
	}
	c.byEUI[d.DevEUI] = d
	if addr, ok := d.DevAddr(); ok {
		c.addAddr(addr, d)
	}
	c.opts.Metrics.CachedDevices(len(c.byEUI))
	return nil
}

func (c *Cache) addAddr(addr lorawan.DevAddr, d *device.Device) {
	set, ok := c.byAddr[addr]
	if !ok {
		set = make(map[lorawan.EUI64]*device.Device)
		c.byAddr[addr] = set
	}
	set[d.DevEUI] = d
}

func (c *Cache) removeAddr(addr lorawan.DevAddr, devEUI lorawan.EUI64) {
	set, ok := c.byAddr[addr]
	if !ok {
		return
	}
	delete(set, devEUI)
	if len(set) == 0 {
		delete(c.byAddr, addr)
	}
}

// UpdateAddress moves d's address registration after a join. old is the
// address it was registered under, if any.
func (c *Cache) UpdateAddress(d *device.Device, old *lorawan.DevAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old != nil {
		c.removeAddr(*old, d.DevEUI)
	}
	if addr, ok := d.DevAddr(); ok {
		c.addAddr(addr, d)
	}
}

// TryGetByDevEUI returns the device registered under devEUI
func (c *Cache) TryGetByDevEUI(devEUI lorawan.EUI64) (*device.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byEUI[devEUI]
	return d, ok
}

// TryGetForFrame returns the initialized device of the frame's address whose
// session key authenticates the frame. Among several matches any may win.
func (c *Cache) TryGetForFrame(phy *lorawan.PHYPayload, mac *lorawan.MACPayload) (*device.Device, bool) {
	for _, d := range c.DevicesForAddress(mac.FHDR.DevAddr) {
		if !d.Initialized() {
			continue
		}
		if d.MatchesFrame(phy, mac.FHDR.FCnt) {
			d.Touch()
			return d, true
		}
	}
	return nil, false
}

// DevicesForAddress returns every device registered under addr
func (c *Cache) DevicesForAddress(addr lorawan.DevAddr) []*device.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := c.byAddr[addr]
	out := make([]*device.Device, 0, len(set))
	for _, d := range set {
		out = append(out, d)
	}
	return out
}

// HasRegistrations reports whether any device holds addr
func (c *Cache) HasRegistrations(addr lorawan.DevAddr) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byAddr[addr]) > 0
}

// HasRegistrationsForOtherGateways reports whether a device holding addr is
// pinned to another frame server.
func (c *Cache) HasRegistrationsForOtherGateways(addr lorawan.DevAddr) bool {
	for _, d := range c.DevicesForAddress(addr) {
		if !d.IsOurDevice() {
			return true
		}
	}
	return false
}

// Remove drops the device and disposes its resources
func (c *Cache) Remove(devEUI lorawan.EUI64) bool {
	c.mu.Lock()
	d, ok := c.byEUI[devEUI]
	if ok {
		c.unregister(d)
	}
	c.mu.Unlock()

	if ok {
		c.retire(context.Background(), d)
	}
	return ok
}

// retire flushes pending state of a device that left the indexes and
// releases it.
func (c *Cache) retire(ctx context.Context, d *device.Device) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	if err := d.Flush(ctx); err != nil {
		log.Warn().Err(err).Str("devEUI", d.DevEUI.String()).Msg("flush of retired device failed")
	}
	if c.opts.ADR != nil {
		c.opts.ADR.Forget(d.DevEUI)
	}
	d.Dispose()
}

// unregister removes d from both indexes. Caller holds mu.
func (c *Cache) unregister(d *device.Device) {
	delete(c.byEUI, d.DevEUI)
	for addr, set := range c.byAddr {
		if _, ok := set[d.DevEUI]; ok {
			c.removeAddr(addr, d.DevEUI)
		}
	}
	c.opts.Metrics.CachedDevices(len(c.byEUI))
}

// Len returns the number of registered devices
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byEUI)
}

// Devices returns every registered device
func (c *Cache) Devices() []*device.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*device.Device, 0, len(c.byEUI))
	for _, d := range c.byEUI {
		out = append(out, d)
	}
	return out
}

// Reset drops every device and disposes its resources
func (c *Cache) Reset() {
	c.mu.Lock()
	devices := make([]*device.Device, 0, len(c.byEUI))
	for _, d := range c.byEUI {
		devices = append(devices, d)
	}
	c.byEUI = make(map[lorawan.EUI64]*device.Device)
	c.byAddr = make(map[lorawan.DevAddr]map[lorawan.EUI64]*device.Device)
	c.opts.Metrics.CachedDevices(0)
	c.mu.Unlock()

	for _, d := range devices {
		c.retire(context.Background(), d)
	}
	log.Info().Int("devices", len(devices)).Msg("device cache reset")
}

// Run validates the cache every validation interval until ctx is done. It
// waits for running refreshes before returning.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ValidationInterval)
	defer ticker.Stop()
	defer c.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Validate(ctx)
		}
	}
}

// Validate evicts unobserved devices and starts background refreshes for
// stale ones. It does not wait for the refreshes.
func (c *Cache) Validate(ctx context.Context) {
	now := c.now()

	var evicted []*device.Device
	var stale []*device.Device

	c.mu.Lock()
	for _, d := range c.byEUI {
		if now.Sub(d.LastSeen()) > c.opts.MaxUnobservedLifetime {
			c.unregister(d)
			evicted = append(evicted, d)
			continue
		}
		if now.Sub(d.LastUpdate()) > c.opts.RefreshInterval {
			if _, busy := c.refreshing[d.DevEUI]; !busy {
				c.refreshing[d.DevEUI] = struct{}{}
				stale = append(stale, d)
			}
		}
	}
	refresh := c.refresh
	c.mu.Unlock()

	for _, d := range evicted {
		c.retire(ctx, d)
		c.opts.Metrics.CacheEviction()
		log.Info().Str("devEUI", d.DevEUI.String()).Msg("evicted unobserved device")
	}

	for _, d := range stale {
		c.wg.Add(1)
		go func(d *device.Device) {
			defer c.wg.Done()
			defer func() {
				c.mu.Lock()
				delete(c.refreshing, d.DevEUI)
				c.mu.Unlock()
			}()

			err := refresh(ctx, d)
			c.opts.Metrics.CacheRefresh(err == nil)
			if err != nil {
				log.Warn().Err(err).Str("devEUI", d.DevEUI.String()).Msg("device refresh failed")
			}
		}(d)
	}
}

// Wait blocks until background refreshes finished
func (c *Cache) Wait() { c.wg.Wait() }
