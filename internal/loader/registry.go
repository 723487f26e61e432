package loader

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/devicecache"
	"github.com/lorawan-server/lorawan-network-core/internal/metrics"
	"github.com/lorawan-server/lorawan-network-core/internal/uplink"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// RegistryOptions wires a Registry
type RegistryOptions struct {
	Searcher   Searcher
	Cache      *devicecache.Cache
	Factory    *Factory
	Dispatcher uplink.Dispatcher
	// InitConcurrency bounds parallel device initializations per load.
	InitConcurrency int
	Metrics         *metrics.Collector
}

// Registry routes data frames either straight to the cache or, for an
// address the cache has never seen, through that address's synchronizer.
type Registry struct {
	searcher    Searcher
	cache       *devicecache.Cache
	factory     *Factory
	dispatcher  uplink.Dispatcher
	concurrency int
	metrics     *metrics.Collector

	mu      sync.Mutex
	loaders map[lorawan.DevAddr]*Synchronizer
}

// NewRegistry creates a registry
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.InitConcurrency < 1 {
		opts.InitConcurrency = 8
	}
	return &Registry{
		searcher:    opts.Searcher,
		cache:       opts.Cache,
		factory:     opts.Factory,
		dispatcher:  opts.Dispatcher,
		concurrency: opts.InitConcurrency,
		metrics:     opts.Metrics,
		loaders:     make(map[lorawan.DevAddr]*Synchronizer),
	}
}

// Handle resolves a data frame and eventually completes it. The first
// caller for an unknown address runs the load and replays the frames queued
// meanwhile; later callers for that address only queue.
func (r *Registry) Handle(ctx context.Context, req *uplink.Request) {
	addr := req.DevAddr()

	r.mu.Lock()
	s, loading := r.loaders[addr]
	if !loading {
		if r.cache.HasRegistrations(addr) {
			r.mu.Unlock()
			route(ctx, r.cache, r.dispatcher, req, false, false)
			return
		}
		s = newSynchronizer(addr, r)
		r.loaders[addr] = s
	}
	r.mu.Unlock()

	s.Queue(ctx, req)
	if loading {
		return
	}

	if err := s.Load(ctx); err != nil {
		log.Warn().Err(err).Str("devAddr", addr.String()).Msg("queued frames failed, next frame retries the load")
	}

	r.mu.Lock()
	delete(r.loaders, addr)
	r.mu.Unlock()
}

// Loading returns the number of addresses currently being loaded
func (r *Registry) Loading() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loaders)
}
