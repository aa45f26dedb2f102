// Command straddle launches the two-legged arbitrage engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/straddle/internal/bus"
	"github.com/coachpo/straddle/internal/config"
	"github.com/coachpo/straddle/internal/detector"
	"github.com/coachpo/straddle/internal/executor"
	"github.com/coachpo/straddle/internal/observability"
	"github.com/coachpo/straddle/internal/quotecache"
	"github.com/coachpo/straddle/internal/registry"
	"github.com/coachpo/straddle/internal/risk"
	"github.com/coachpo/straddle/internal/schema"
	httpserver "github.com/coachpo/straddle/internal/server/http"
	"github.com/coachpo/straddle/internal/store"
	"github.com/coachpo/straddle/internal/telemetry"
	"github.com/coachpo/straddle/internal/twap"
	"github.com/coachpo/straddle/internal/venue"
	"github.com/coachpo/straddle/internal/venue/binance"
	"github.com/coachpo/straddle/internal/venue/bybit"
)

const (
	loggerPrefix = "straddle "

	shutdownTimeout          = 30 * time.Second
	apiShutdownTimeout       = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewStdLogger(logger, cfg.Verbose))
	logger.Printf("configuration initialised: env=%s, venues=%d", cfg.Environment, len(cfg.Venues))

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.EnableMetrics,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  string(cfg.Environment),
	})
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	if cfg.Store.PostgresDSN != "" {
		logger.Print("persistence backend: postgres")
	} else {
		logger.Printf("persistence backend: file store at %s", cfg.Store.DataDir)
	}

	eventBus := bus.NewMemoryBus(bus.MemoryConfig{
		BufferSize:    cfg.Bus.BufferSize,
		FanoutWorkers: cfg.Bus.FanoutWorkers,
	})

	cache := quotecache.New()
	venues := venue.NewManager()
	if err := registerAdapters(venues, cfg, cache); err != nil {
		logger.Fatalf("register venue adapters: %v", err)
	}
	if err := venues.Initialize(ctx); err != nil {
		logger.Fatalf("initialise venue adapters: %v", err)
	}
	logger.Printf("venues registered: %v", venues.Venues())

	pairRegistry := registry.New(st, eventBus, cfg.Registry.MinSliceQty)
	if err := pairRegistry.Load(ctx); err != nil {
		logger.Fatalf("load pairs: %v", err)
	}

	riskManager := risk.NewManager(risk.Limits{
		MaxOrderQty:      cfg.Risk.MaxOrderQty,
		MaxDailyNotional: cfg.Risk.MaxDailyNotional,
		OrderThrottle:    cfg.Risk.OrderThrottle,
	})

	exec := executor.New(venues, pairRegistry, st, eventBus, riskManager)

	det := detector.New(detector.Config{
		MinTick:         cfg.Detector.MinTickDuration(),
		MaxStaleness:    cfg.Detector.MaxStalenessDuration(),
		VolatilityBoost: cfg.Detector.VolatilityBoost,
	}, pairRegistry, cache, eventBus, exec)

	twapScheduler := twap.New(twap.Config{
		MinInterval: cfg.Twap.MinIntervalDuration(),
	}, st, eventBus, exec)
	if err := twapScheduler.Load(ctx); err != nil {
		logger.Fatalf("load twap plans: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	// Bring up streams for every persisted pair before the detector starts.
	subscribePairs(runCtx, venues, pairRegistry.Snapshot(), logger)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { det.Run(runCtx) })
	lifecycle.Go(func() { twapScheduler.Run(runCtx) })
	lifecycle.Go(func() { runSubscriptionSteward(runCtx, eventBus, venues) })
	lifecycle.Go(func() { runQuoteMeter(runCtx, cache) })

	apiServer := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpserver.NewHandler(httpserver.Deps{
			Registry: pairRegistry,
			Twap:     twapScheduler,
			Venues:   venues,
			Store:    st,
			Bus:      eventBus,
		}),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
	logger.Printf("api listening on %s", cfg.Server.Addr)

	logger.Print("engine started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, shutdownTargets{
		apiServer: apiServer,
		runCancel: runCancel,
		lifecycle: &lifecycle,
		venues:    venues,
		bus:       eventBus,
		store:     st,
		telemetry: telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.PostgresDSN != "" {
		return store.NewPostgresStore(ctx, cfg.PostgresDSN)
	}
	return store.NewFileStore(cfg.DataDir)
}

func registerAdapters(venues *venue.Manager, cfg config.Config, cache *quotecache.Cache) error {
	bybitCfg := cfg.Venues[string(bybit.VenueName)]
	if err := venues.Register(bybit.New(bybit.Config{
		Credentials: venueCredentials(bybitCfg),
		RESTBaseURL: bybitCfg.RESTBaseURL,
		WSBaseURL:   bybitCfg.WSBaseURL,
	}, cache)); err != nil {
		return fmt.Errorf("bybit: %w", err)
	}

	binanceCfg := cfg.Venues[string(binance.VenueName)]
	if err := venues.Register(binance.New(binance.Config{
		Credentials: venueCredentials(binanceCfg),
		RESTBaseURL: binanceCfg.RESTBaseURL,
		WSURL:       binanceCfg.WSBaseURL,
	}, cache)); err != nil {
		return fmt.Errorf("binance: %w", err)
	}
	return nil
}

// venueCredentials withholds credentials for venues forced into public-only
// mode; the adapters then refuse order submission without touching the
// network.
func venueCredentials(vc config.VenueConfig) venue.Credentials {
	if vc.PublicOnly {
		return venue.Credentials{}
	}
	return venue.Credentials{APIKey: vc.APIKey, APISecret: vc.APISecret}
}

func subscribePairs(ctx context.Context, venues *venue.Manager, pairs []schema.MonitoringPair, logger *log.Logger) {
	for _, pair := range pairs {
		for _, key := range []schema.MarketKey{pair.Leg1.MarketKey(), pair.Leg2.MarketKey()} {
			if err := venues.Subscribe(ctx, key); err != nil {
				logger.Printf("subscribe %s %s %s: %v", key.Venue, key.Symbol, key.Category, err)
			}
		}
	}
}

// runSubscriptionSteward keeps venue stream subscriptions in step with the
// pair registry. Subscriptions are refcounted in the venue manager, so
// pairs sharing a market share one stream.
func runSubscriptionSteward(ctx context.Context, eventBus bus.Bus, venues *venue.Manager) {
	id, events, err := eventBus.Subscribe(ctx, schema.EventPairAdded, schema.EventPairRemoved)
	if err != nil {
		observability.Log().Error("subscription steward start failed",
			observability.F("error", err))
		return
	}
	defer eventBus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload, ok := evt.Data.(schema.PairLifecyclePayload)
			if !ok {
				continue
			}
			for _, key := range []schema.MarketKey{payload.Pair.Leg1.MarketKey(), payload.Pair.Leg2.MarketKey()} {
				var err error
				switch evt.Type {
				case schema.EventPairAdded:
					err = venues.Subscribe(ctx, key)
				case schema.EventPairRemoved:
					err = venues.Unsubscribe(ctx, key)
				}
				if err != nil {
					observability.Log().Error("stream subscription adjust failed",
						observability.F("venue", string(key.Venue)),
						observability.F("symbol", key.Symbol),
						observability.F("error", err))
				}
			}
		}
	}
}

// runQuoteMeter drains the cache delta feed into ingest metrics. Raw quote
// deltas stay off the push stream; clients follow the per-tick priceUpdate
// events or poll /api/prices instead.
func runQuoteMeter(ctx context.Context, cache *quotecache.Cache) {
	deltas, cancel := cache.Observe()
	defer cancel()

	meter := otel.Meter("quotecache")
	ingested, _ := meter.Int64Counter("quotecache.deltas.ingested",
		metric.WithDescription("Number of accepted quote deltas"),
		metric.WithUnit("{quote}"))

	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-deltas:
			if !ok {
				return
			}
			ingested.Add(ctx, 1, metric.WithAttributes(
				attribute.String("venue", string(q.Venue)),
				attribute.String("category", string(q.Category))))
		}
	}
}

type shutdownTargets struct {
	apiServer *http.Server
	runCancel context.CancelFunc
	lifecycle *conc.WaitGroup
	venues    *venue.Manager
	bus       *bus.MemoryBus
	store     store.Store
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, t shutdownTargets) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	step("stopping api server", apiShutdownTimeout, func(stepCtx context.Context) error {
		return t.apiServer.Shutdown(stepCtx)
	})

	logger.Print("shutdown: cancelling run context")
	t.runCancel()

	step("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			t.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})

	logger.Print("shutdown: closing venue adapters")
	t.venues.Close()

	step("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			t.bus.Close()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	})

	logger.Print("shutdown: closing store")
	if err := t.store.Close(); err != nil {
		logger.Printf("shutdown: store close failed: %v", err)
	}

	step("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
		return t.telemetry.Shutdown(stepCtx)
	})
}
