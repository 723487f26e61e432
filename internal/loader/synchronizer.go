// Package loader resolves frames to cached devices and loads devices for
// unknown addresses from the backing store exactly once.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/internal/devicecache"
	"github.com/lorawan-server/lorawan-network-core/internal/metrics"
	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/internal/uplink"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// LoadError wraps a backing store failure while loading an address
type LoadError struct {
	DevAddr lorawan.DevAddr
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load devices for %s: %v", e.DevAddr, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Searcher finds the devices holding an address
type Searcher interface {
	SearchByAddress(ctx context.Context, devAddr lorawan.DevAddr) ([]models.DevAddrMatch, error)
}

// Synchronizer loads the devices of one address. Frames that arrive while
// the load is running are queued and replayed in arrival order once the
// cache is populated.
type Synchronizer struct {
	addr        lorawan.DevAddr
	searcher    Searcher
	cache       *devicecache.Cache
	factory     *Factory
	dispatcher  uplink.Dispatcher
	concurrency int
	metrics     *metrics.Collector

	mu         sync.Mutex
	loading    bool
	queue      []*uplink.Request
	loadFailed bool
	// deviceErrors is set when at least one device failed to initialize
	deviceErrors bool
}

func newSynchronizer(addr lorawan.DevAddr, r *Registry) *Synchronizer {
	return &Synchronizer{
		addr:        addr,
		searcher:    r.searcher,
		cache:       r.cache,
		factory:     r.factory,
		dispatcher:  r.dispatcher,
		concurrency: r.concurrency,
		metrics:     r.metrics,
		loading:     true,
	}
}

// Queue holds req until the load finished, or processes it right away
// when it already has.
func (s *Synchronizer) Queue(ctx context.Context, req *uplink.Request) {
	s.mu.Lock()
	if s.loading {
		s.queue = append(s.queue, req)
		s.mu.Unlock()
		return
	}
	failed, deviceErrors := s.loadFailed, s.deviceErrors
	s.mu.Unlock()

	route(ctx, s.cache, s.dispatcher, req, failed, deviceErrors)
}

// Load searches the backing store once and populates the cache, then
// replays the queued frames. A search failure is returned as *LoadError
// and fails the queued frames; device initialization failures are logged
// and only affect the devices concerned.
func (s *Synchronizer) Load(ctx context.Context) error {
	err := s.load(ctx)

	s.mu.Lock()
	s.loadFailed = err != nil
	s.mu.Unlock()
	s.metrics.Load(err == nil)

	s.drain(ctx)
	return err
}

func (s *Synchronizer) load(ctx context.Context) error {
	matches, err := s.searcher.SearchByAddress(ctx, s.addr)
	if err != nil {
		log.Error().Err(err).Str("devAddr", s.addr.String()).Msg("searching devices by address failed")
		return &LoadError{DevAddr: s.addr, Err: err}
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, m := range matches {
		g.Go(func() error {
			return s.loadDevice(ctx, m)
		})
	}
	if err := g.Wait(); err != nil {
		s.mu.Lock()
		s.deviceErrors = true
		s.mu.Unlock()
	}

	log.Debug().
		Str("devAddr", s.addr.String()).
		Int("devices", len(matches)).
		Msg("address loaded")
	return nil
}

// loadDevice registers one search hit, reusing a cached device and
// reinitializing it if its previous initialization failed.
func (s *Synchronizer) loadDevice(ctx context.Context, m models.DevAddrMatch) error {
	if d, ok := s.cache.TryGetByDevEUI(m.DevEUI); ok {
		if d.Initialized() {
			return nil
		}
		if err := d.Initialize(ctx); err != nil {
			log.Warn().Err(err).Str("devEUI", m.DevEUI.String()).Msg("device reinitialization failed")
			return err
		}
		s.cache.UpdateAddress(d, nil)
		return nil
	}

	d := s.factory.Create(m.DevEUI)
	initErr := d.Initialize(ctx)
	if initErr != nil {
		// Registered anyway so the next load retries this device.
		log.Warn().Err(initErr).Str("devEUI", m.DevEUI.String()).Msg("device initialization failed")
	}

	if err := s.cache.Register(d); err != nil {
		if !errors.Is(err, devicecache.ErrAlreadyRegistered) {
			return err
		}
		// Registered concurrently, e.g. by a join. Keep the cached one.
		d.Dispose()
	}
	return initErr
}

// drain replays queued frames until the queue stays empty, then switches
// the synchronizer to direct processing.
func (s *Synchronizer) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.loading = false
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		failed, deviceErrors := s.loadFailed, s.deviceErrors
		s.mu.Unlock()

		for _, req := range batch {
			route(ctx, s.cache, s.dispatcher, req, failed, deviceErrors)
		}
	}
}

// HadDeviceErrors reports whether some device of the address failed to
// initialize during the load.
func (s *Synchronizer) HadDeviceErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceErrors
}

// route resolves req against the cache: the first matching rule decides.
// deviceErrors reports that a device found for the address could not be
// initialized, so an address without usable devices is a server fault.
func route(ctx context.Context, cache *devicecache.Cache, dispatcher uplink.Dispatcher, req *uplink.Request, loadFailed, deviceErrors bool) {
	addr := req.DevAddr()
	logger := log.With().
		Str("requestID", req.ID.String()).
		Str("devAddr", addr.String()).
		Str("station", req.Radio.Station).
		Logger()

	if loadFailed {
		logger.Debug().Msg("address load failed")
		req.Fail(uplink.ApplicationError)
		return
	}

	registered := cache.DevicesForAddress(addr)
	candidates := usable(registered)
	if len(candidates) == 0 {
		if deviceErrors || len(registered) > 0 {
			logger.Warn().Msg("devices for address failed to initialize")
			req.Fail(uplink.ApplicationError)
			return
		}
		logger.Debug().Msg("no device for address")
		req.Fail(uplink.NotMatchingDeviceByDevAddr)
		return
	}
	if len(candidates) == 1 && !candidates[0].IsOurDevice() {
		logger.Debug().Str("gatewayID", candidates[0].GatewayID()).Msg("device belongs to another gateway")
		req.Fail(uplink.BelongsToAnotherGateway)
		return
	}

	d, ok := cache.TryGetForFrame(req.PHY, req.MAC)
	if !ok {
		if cache.HasRegistrationsForOtherGateways(addr) {
			req.Fail(uplink.BelongsToAnotherGateway)
			return
		}
		logger.Debug().Int("candidates", len(candidates)).Msg("no device passed the MIC check")
		req.Fail(uplink.NotMatchingDeviceByMicCheck)
		return
	}
	if !d.IsOurDevice() {
		req.Fail(uplink.BelongsToAnotherGateway)
		return
	}

	dispatcher.Dispatch(ctx, d, req)
}

// usable drops devices whose initialization failed
func usable(devices []*device.Device) []*device.Device {
	out := devices[:0:0]
	for _, d := range devices {
		if d.Initialized() {
			out = append(out, d)
		}
	}
	return out
}
