package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/riskscan/internal/api"
	"github.com/ahrav/riskscan/internal/api/debug"
	"github.com/ahrav/riskscan/internal/api/mux"
	"github.com/ahrav/riskscan/internal/api/routes"
	"github.com/ahrav/riskscan/internal/api/routes/health"
	"github.com/ahrav/riskscan/internal/app/checks"
	"github.com/ahrav/riskscan/internal/app/configstore"
	"github.com/ahrav/riskscan/internal/app/consensus"
	"github.com/ahrav/riskscan/internal/app/scanning"
	"github.com/ahrav/riskscan/internal/app/threatintel"
	"github.com/ahrav/riskscan/internal/config"
	"github.com/ahrav/riskscan/internal/config/fileloader"
	scanconfig "github.com/ahrav/riskscan/internal/domain/config"
	domain "github.com/ahrav/riskscan/internal/domain/scanning"
	cachememory "github.com/ahrav/riskscan/internal/infra/cache/memory"
	cacheredis "github.com/ahrav/riskscan/internal/infra/cache/redis"
	"github.com/ahrav/riskscan/internal/infra/eventbus/kafka"
	"github.com/ahrav/riskscan/internal/infra/eventbus/memory"
	"github.com/ahrav/riskscan/internal/infra/eventbus/nats"
	"github.com/ahrav/riskscan/internal/infra/fetch"
	"github.com/ahrav/riskscan/internal/infra/oracles"
	"github.com/ahrav/riskscan/internal/infra/rdap"
	"github.com/ahrav/riskscan/internal/infra/reachability"
	"github.com/ahrav/riskscan/internal/infra/storage"
	pgconfig "github.com/ahrav/riskscan/internal/infra/storage/config/postgres"
	memstore "github.com/ahrav/riskscan/internal/infra/storage/memory"
	pgscanning "github.com/ahrav/riskscan/internal/infra/storage/scanning/postgres"
	tiadapters "github.com/ahrav/riskscan/internal/infra/threatintel"
	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/common/otel"
	"github.com/ahrav/riskscan/pkg/metrics"
)

var build = "develop"

const (
	serviceType = "riskscan-api"

	relayConnectTimeout = 30 * time.Second
)

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, envFile, err := config.LoadService(".env")
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	level, _ := cfg.Level()

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("RISKSCAN-API-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, level, svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()
	if envFile != "" {
		log.Info(ctx, "startup", "status", "environment loaded", "file", envFile)
	}

	if err := run(ctx, log, cfg, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Service, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	// Background workers stop when run returns.
	appCtx, stop := context.WithCancel(ctx)
	defer stop()

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/readiness": {},
			"/v1/liveness":  {},
			"/debug":        {},
			"/metrics":      {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(cfg.Telemetry.ServiceName)
	registry := metrics.New("riskscan")

	var readiness []health.Probe

	// -------------------------------------------------------------------------
	// Storage
	var (
		configRepo scanconfig.Repository
		seeder     scanconfig.Seeder
		results    domain.ResultRepository
	)
	if cfg.DatabaseURL != "" {
		log.Info(ctx, "startup", "status", "connecting to postgres")

		pool, err := storage.NewPool(ctx, storage.PoolConfig{DSN: cfg.DatabaseURL, MinConns: 5, MaxConns: 25})
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := storage.Migrate(pool); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		if err := registry.TrackPool(pool); err != nil {
			return fmt.Errorf("registering pool metrics: %w", err)
		}

		store := pgconfig.NewConfigStore(pool, tracer)
		configRepo, seeder = store, store
		results = pgscanning.NewResultStore(pool, tracer)
		readiness = append(readiness, health.Probe{Name: "postgres", Check: pool.Ping})
	} else {
		log.Warn(ctx, "startup", "status", "DATABASE_URL unset, configuration and results are kept in memory")

		repo := memstore.NewConfigRepository(nil)
		configRepo, seeder = repo, repo
		results = memstore.NewResultRepository(0)
	}

	// -------------------------------------------------------------------------
	// Scan Configuration
	var loader config.Loader = config.DefaultsLoader{}
	if cfg.ConfigFile != "" {
		loader = fileloader.NewFileLoader(cfg.ConfigFile)
	}
	seeded, err := config.SeedIfEmpty(ctx, configRepo, seeder, loader)
	if err != nil {
		return fmt.Errorf("seeding configuration: %w", err)
	}
	if seeded {
		log.Info(ctx, "startup", "status", "configuration seeded", "file", cfg.ConfigFile)
	}

	configStore := configstore.NewStore(configRepo, log, tracer, configstore.WithFallback(scanconfig.DefaultSnapshot()))
	if err := configStore.Refresh(ctx); err != nil {
		log.Warn(ctx, "startup", "status", "configuration store unavailable, serving fallback", "error", err)
	}
	go configStore.Run(appCtx, cfg.ConfigRefreshInterval)

	if err := registry.TrackConfig(configStore); err != nil {
		return fmt.Errorf("registering config metrics: %w", err)
	}
	readiness = append(readiness, health.Probe{
		Name:     "config",
		Optional: true,
		Check: func(context.Context) error {
			if !configStore.Healthy() {
				return errors.New("serving a stale configuration snapshot")
			}
			return nil
		},
	})

	// -------------------------------------------------------------------------
	// Scan Events
	log.Info(ctx, "startup", "status", "initializing event broker")

	broker := memory.NewBroker(log)
	go broker.Run(appCtx)
	if err := registry.TrackBroker(broker); err != nil {
		return fmt.Errorf("registering broker metrics: %w", err)
	}

	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
			Brokers:     cfg.KafkaBrokers,
			ClientID:    cfg.Telemetry.ServiceName,
			ServiceType: serviceType,
		})
		if err != nil {
			return fmt.Errorf("creating kafka client: %w", err)
		}
		defer kafkaClient.Close()

		relay, err := kafka.ConnectRelay(kafkaClient, cfg.KafkaTopic, relayConnectTimeout, log, tracer)
		if err != nil {
			return err
		}
		defer relay.Close()

		if err := broker.AddRelay(appCtx, relay); err != nil {
			return fmt.Errorf("adding kafka relay: %w", err)
		}
		log.Info(ctx, "startup", "status", "kafka relay attached", "topic", cfg.KafkaTopic)
	}

	if cfg.NatsURL != "" {
		conn, err := nats.Connect(cfg.NatsURL, cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		relay := nats.NewRelay(conn, cfg.NatsSubject, log, tracer)
		defer relay.Close()

		if err := broker.AddRelay(appCtx, relay); err != nil {
			return fmt.Errorf("adding nats relay: %w", err)
		}
		log.Info(ctx, "startup", "status", "nats relay attached", "subject", cfg.NatsSubject)
	}

	// -------------------------------------------------------------------------
	// Result Cache
	var cache domain.ResultCache
	if cfg.RedisAddr != "" {
		rdb, err := cacheredis.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			return err
		}
		defer rdb.Close()

		cache = cacheredis.NewCache(rdb, "", tracer)
		readiness = append(readiness, health.Probe{
			Name:     "redis",
			Optional: true,
			Check:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	} else {
		mem := cachememory.NewCache(0, nil)
		if err := registry.TrackCache(mem); err != nil {
			return fmt.Errorf("registering cache metrics: %w", err)
		}
		cache = mem
	}

	// -------------------------------------------------------------------------
	// Scan Engine
	log.Info(ctx, "startup", "status", "initializing scan engine")

	prober, err := reachability.NewProber(nil, reachability.Config{AllowPrivate: cfg.AllowPrivateTargets}, log, tracer)
	if err != nil {
		return fmt.Errorf("creating reachability probe: %w", err)
	}

	sources := tiadapters.NewResolver(appCtx, tiadapters.NewHTTPClient(), log)
	defer sources.Close()

	mp := otel.GetMeterProvider()
	engineMetrics, err := scanning.NewEngineMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating engine metrics: %w", err)
	}

	engine, err := scanning.NewEngine(scanning.Dependencies{
		Config:       configStore,
		Prober:       prober,
		Fetcher:      fetch.NewFetcher(fetch.Config{AllowPrivate: cfg.AllowPrivateTargets}, log, tracer),
		DNS:          reachability.NewDNS(nil),
		Registration: rdap.NewClient(cfg.RDAPBaseURL, nil, tracer),
		Checks:       checks.NewExecutor(checks.DefaultRegistry(), log, tracer),
		ThreatIntel:  threatintel.NewAggregator(sources, log, tracer),
		Consensus:    consensus.NewEngine(oracles.NewResolver(oracles.NewHTTPClient()), log, tracer),
		Cache:        cache,
		Results:      results,
		Events:       broker,
	}, log, tracer, scanning.WithMetrics(engineMetrics))
	if err != nil {
		return fmt.Errorf("creating scan engine: %w", err)
	}
	// Results are persisted in the background; let them land before the
	// stores close.
	defer engine.Wait()

	// -------------------------------------------------------------------------
	// Start Debug Service

	go func() {
		log.Info(ctx, "startup", "status", "debug router started", "host", cfg.Web.DebugHost)

		if err := http.ListenAndServe(cfg.Web.DebugHost, debug.Mux(registry.Handler())); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "msg", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start API Service

	log.Info(ctx, "startup", "status", "initializing API support")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	apiMetrics, err := api.NewAPIMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	cfgMux := mux.Config{
		Build:       build,
		Log:         log,
		Tracer:      tracer,
		Metrics:     apiMetrics,
		Scanner:     engine,
		Events:      broker,
		ConfigAdmin: configStore,
		Readiness:   readiness,
	}

	webAPI := mux.WebAPI(cfgMux,
		routes.Routes(),
		mux.WithCORS(cfg.Web.CORSAllowedOrigins),
	)

	api := http.Server{
		Addr:         cfg.Web.APIHost,
		Handler:      webAPI,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Info(ctx, "startup", "status", "api router started", "host", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := api.Shutdown(ctx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}
