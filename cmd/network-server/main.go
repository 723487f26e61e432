package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/lorawan-network-core/internal/adr"
	"github.com/lorawan-server/lorawan-network-core/internal/api"
	"github.com/lorawan-server/lorawan-network-core/internal/auth"
	"github.com/lorawan-server/lorawan-network-core/internal/config"
	"github.com/lorawan-server/lorawan-network-core/internal/dedup"
	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/internal/devicecache"
	"github.com/lorawan-server/lorawan-network-core/internal/exclusive"
	"github.com/lorawan-server/lorawan-network-core/internal/integration"
	"github.com/lorawan-server/lorawan-network-core/internal/loader"
	"github.com/lorawan-server/lorawan-network-core/internal/metrics"
	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/internal/network"
	"github.com/lorawan-server/lorawan-network-core/internal/session"
	"github.com/lorawan-server/lorawan-network-core/internal/storage"
	"github.com/lorawan-server/lorawan-network-core/internal/uplink"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

func main() {
	var configPath = flag.String("config", "config/network-server.yml", "path to the configuration file")
	var validateOnly = flag.Bool("validate", false, "validate the configuration and exit")
	var showConfig = flag.Bool("show-config", false, "print the configuration and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load config")
	}
	setupLogging(cfg.Log)

	if *showConfig || *validateOnly {
		cfg.PrintConfigSummary()
		if *validateOnly {
			fmt.Println("configuration is valid")
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("network server failed")
	}
	log.Info().Msg("network server stopped")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	if cfg.Driver == "memory" {
		log.Warn().Msg("using in-memory store, state is lost on restart")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStore(ctx, cfg.DSN, storage.PostgresOptions{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
}

func parseNetID(s string) ([3]byte, error) {
	var id [3]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("net_id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("net_id: expected 3 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	region, err := lorawan.GetRegionConfiguration(cfg.Network.Band)
	if err != nil {
		return err
	}
	netID, err := parseNetID(cfg.Network.NetID)
	if err != nil {
		return err
	}
	dedupMode, err := models.ParseDeduplicationMode(cfg.Network.DefaultDeduplication)
	if err != nil {
		return err
	}
	scheduler, err := exclusive.SchedulerByName(cfg.Processor.Scheduler)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	forwarders := integration.Fanout{integration.NewNATSForwarder(nc, integration.DefaultApplication)}
	if cfg.MQTT.Enabled {
		mq, err := integration.NewMQTTForwarder(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer mq.Close()
		forwarders = append(forwarders, mq)
	}

	collector := metrics.NewCollector()
	sessions := session.NewManager(store, forwarders)
	factory := loader.NewFactory(sessions, store, device.Options{
		GatewayID:            cfg.Network.GatewayID,
		MaxGap:               cfg.FrameCounter.MaxGap,
		FlushDelta:           cfg.FrameCounter.FlushDelta,
		DefaultDeduplication: dedupMode,
		DefaultRegion:        region,
	})

	events := make(chan exclusive.Event[lorawan.EUI64], 1024)
	lanes := exclusive.New(exclusive.Options[lorawan.EUI64]{Scheduler: scheduler, Events: events})
	defer lanes.Close()

	engine := adr.NewEngine(adr.Config{
		HistorySize: cfg.ADR.HistorySize,
		MarginDB:    cfg.ADR.MarginDB,
		StepDB:      cfg.ADR.StepDB,
		MaxNbRep:    cfg.ADR.MaxNbRep,
	})

	cache := devicecache.New(devicecache.Options{
		ValidationInterval:    cfg.Cache.ValidationInterval,
		RefreshInterval:       cfg.Cache.RefreshInterval,
		MaxUnobservedLifetime: cfg.Cache.MaxUnobservedLifetime,
		Metrics:               collector,
		ADR:                   engine,
	})
	cache.SetRefreshFunc(func(ctx context.Context, d *device.Device) error {
		_, err := lanes.Process(ctx, d.DevEUI, d.Refresh)
		return err
	})

	deduplicator := dedup.New(cfg.Network.DeduplicationWindow)

	handler := uplink.NewDataHandler(uplink.HandlerOptions{
		Processor:  lanes,
		Dedup:      deduplicator,
		ADR:        engine,
		ADREnabled: cfg.ADR.Enabled,
		Metrics:    collector,
	})
	registry := loader.NewRegistry(loader.RegistryOptions{
		Searcher:        store,
		Cache:           cache,
		Factory:         factory,
		Dispatcher:      handler,
		InitConcurrency: cfg.Cache.InitConcurrency,
		Metrics:         collector,
	})
	processor := network.NewProcessor(network.Options{
		GatewayID:   cfg.Network.GatewayID,
		NetID:       netID,
		Region:      region,
		Application: integration.DefaultApplication,
		Router:      registry,
		Joins:       store,
		Cache:       cache,
		Factory:     factory,
		Exclusive:   lanes,
		Dedup:       deduplicator,
		ADR:         engine,
		Publisher:   nc,
		Metrics:     collector,
	})

	log.Info().
		Str("gatewayID", cfg.Network.GatewayID).
		Str("region", region.Name).
		Str("scheduler", cfg.Processor.Scheduler).
		Msg("network server starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deduplicator.Start(ctx)
		return nil
	})
	g.Go(func() error {
		cache.Run(ctx)
		return nil
	})
	g.Go(func() error {
		watchLanes(ctx, lanes, events, cache, collector)
		return nil
	})
	g.Go(func() error {
		return processor.Start(ctx, nc)
	})

	if cfg.API.Enabled {
		server := api.NewRESTServer(auth.NewJWTManager(cfg.JWT, cfg.API), cache, registry, collector)
		g.Go(func() error {
			if err := server.ListenAndServe(cfg.API.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info().Msg("shutting down")

	cache.Wait()
	disconnect(cache)
	return err
}

// watchLanes drains processor events and publishes gauges derived from them
func watchLanes(ctx context.Context, lanes *exclusive.Processor[lorawan.EUI64], events <-chan exclusive.Event[lorawan.EUI64], cache *devicecache.Cache, m *metrics.Collector) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			if e.Kind == exclusive.Processed && e.Outcome.Wait > time.Second {
				log.Warn().
					Str("devEUI", e.Key.String()).
					Dur("wait", e.Outcome.Wait).
					Msg("device lane congested")
			}
		case <-ticker.C:
			stats := lanes.Stats()
			m.DroppedEvents(stats.DroppedEvents - dropped)
			dropped = stats.DroppedEvents
			m.CachedDevices(cache.Len())
		}
	}
}

func disconnect(cache *devicecache.Cache) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(16)
	for _, d := range cache.Devices() {
		g.Go(func() error {
			if err := d.Disconnect(ctx); err != nil {
				log.Warn().Err(err).Str("devEUI", d.DevEUI.String()).Msg("disconnect failed")
			}
			return nil
		})
	}
	g.Wait()
	log.Info().Int("devices", cache.Len()).Msg("devices disconnected")
}
