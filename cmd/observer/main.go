// Package main provides the CrossBridge observer service.
//
// The observer ingests test execution events over HTTP, classifies
// failures against framework rule packs, maintains the coverage graph and
// flaky history, and emits drift signals. With a database URL configured
// all state is durable in PostgreSQL; without one the observer runs fully
// in-memory for local development.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/crossbridge-io/crossbridge/internal/api"
	"github.com/crossbridge-io/crossbridge/internal/api/middleware"
	"github.com/crossbridge-io/crossbridge/internal/classifier"
	"github.com/crossbridge-io/crossbridge/internal/config"
	"github.com/crossbridge-io/crossbridge/internal/drift"
	"github.com/crossbridge-io/crossbridge/internal/explain"
	"github.com/crossbridge-io/crossbridge/internal/flaky"
	"github.com/crossbridge-io/crossbridge/internal/graph"
	"github.com/crossbridge-io/crossbridge/internal/metrics"
	"github.com/crossbridge-io/crossbridge/internal/pipeline"
	"github.com/crossbridge-io/crossbridge/internal/rules"
	"github.com/crossbridge-io/crossbridge/internal/signals"
	"github.com/crossbridge-io/crossbridge/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "observer"
)

const (
	defaultSpillPath = "crossbridge-spill.jsonl"
	hoursPerDay      = 24
)

// defaultFrameworks are the rule packs pre-loaded at startup. Frameworks
// carrying inline rules in the unified config are added automatically by
// the registry.
var defaultFrameworks = []string{"pytest", "robot", "selenium"}

// stores bundles the persistence backends the observer runs on. With a
// database connection every field is PostgreSQL-backed; without one the
// in-memory implementations serve, and events/classifications are nil.
type stores struct {
	events          *storage.EventStore
	classifications *storage.ClassificationStore
	graph           graph.Store
	history         flaky.HistoryStore
	signals         drift.SignalStore
	measurements    drift.MeasurementStore
	keys            storage.APIKeyStore
	retrier         *storage.Retrier
	sweeper         *storage.Sweeper
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	cfg, err := config.LoadUnifiedFromEnv()
	if err != nil {
		log.Fatalf("Failed to load unified configuration: %v", err)
	}

	serverConfig := api.LoadServerConfig()
	serverConfig.Host = cfg.Observer.API.Host
	serverConfig.Port = cfg.Observer.API.Port
	serverConfig.LogLevel = cfg.SlogLevel()
	serverConfig.ShutdownTimeout = cfg.ShutdownTimeout()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting CrossBridge observer service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	if !cfg.Observer.Hooks.Enabled {
		logger.Info("Execution hook ingestion disabled",
			slog.String("note", "Set CROSSBRIDGE_HOOKS_ENABLED=true or observer.hooks.enabled to accept hook emitters"),
		)
	}

	// Rate limiter shuts down through server.shutdown().
	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("emitter_rps", middlewareConfig.EmitterRPS),
		slog.Int("emitter_burst", middlewareConfig.EmitterBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	promMetrics := metrics.New()

	loader := rules.NewLoader(
		config.GetEnvStr("CROSSBRIDGE_RULES_DIR", "rules"),
		cfg.Execution.Intelligence.Rules,
		logger,
	)
	registry := rules.NewRegistry(loader, defaultFrameworks, logger)

	logger.Info("Rule registry initialized",
		slog.Any("frameworks", registry.Frameworks()),
		slog.Int("inline_frameworks", len(cfg.Execution.Intelligence.Rules)),
	)

	backends, conn := buildStores(cfg, logger, promMetrics)
	if conn != nil {
		defer func() {
			_ = conn.Close() // Ensure connection closes on normal shutdown
		}()
	}

	// Drift signals always reach the structured log; Kafka is fanned in
	// when brokers are configured.
	var sink drift.Sink = drift.NewLogSink(logger)

	if len(cfg.Observer.Kafka.Brokers) > 0 {
		sink = drift.NewFanoutSink(sink, drift.NewKafkaSink(cfg.Observer.Kafka.Brokers, cfg.Observer.Kafka.Topic))

		logger.Info("Kafka drift sink enabled",
			slog.Any("brokers", cfg.Observer.Kafka.Brokers),
			slog.String("topic", cfg.Observer.Kafka.Topic),
		)
	}

	reporter := drift.NewReporter(backends.signals, sink, logger).
		WithCounter(promMetrics.DriftSignals)

	monitor := drift.NewMonitor(backends.measurements, reporter, logger,
		drift.WithWindow(cfg.DriftWindow()),
		drift.WithSeverityThresholds(drift.Thresholds{
			Low:      cfg.Observer.Drift.Thresholds.Low,
			Moderate: cfg.Observer.Drift.Thresholds.Moderate,
			High:     cfg.Observer.Drift.Thresholds.High,
			Critical: cfg.Observer.Drift.Thresholds.Critical,
		}),
	)

	detector := flaky.NewDetector(backends.history, reporter, logger,
		flaky.WithThresholds(flaky.Thresholds{
			ConsecutiveThreshold:   cfg.Observer.Flaky.ConsecutiveThreshold,
			PassesBetweenThreshold: cfg.Observer.Flaky.PassesBetweenThreshold,
			MinOccurrences:         cfg.Observer.Flaky.MinOccurrences,
		}),
	)

	pipe := pipeline.New(
		pipeline.Config{
			Capacity:     cfg.Observer.Queue.Capacity,
			Workers:      cfg.QueueWorkers(),
			DrainTimeout: cfg.ShutdownTimeout(),
		},
		pipeline.Deps{
			Events:          eventStoreOrNil(backends.events),
			Classifications: classificationStoreOrNil(backends.classifications),
			Graph:           graph.NewUpdater(backends.graph, reporter, logger),
			Extractor:       signals.DefaultPipeline(logger),
			Classifier:      classifier.New(registry, logger),
			Registry:        registry,
			Explainer:       explain.NewBuilder(logger),
			Detector:        detector,
			Monitor:         monitor,
			Metrics:         promMetrics,
		},
		logger,
	)
	pipe.Start(context.Background())

	if backends.retrier != nil {
		backends.retrier.Start()
		defer backends.retrier.Stop()
	}

	if backends.sweeper != nil {
		backends.sweeper.Start()
		defer backends.sweeper.Stop()
	}

	server := api.NewServer(serverConfig, api.Deps{
		Pipeline:     pipe,
		Registry:     registry,
		Signals:      backends.signals,
		Detector:     detector,
		Explanations: explanationStoreOrNil(backends.classifications),
		Metrics:      promMetrics,
		Storage:      pingerOrNil(conn),
		KeyStore:     backends.keys,
		RateLimiter:  rateLimiter,
	})

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	if backends.events != nil {
		backends.events.Close()
	}

	logger.Info("CrossBridge observer service stopped")
}

// buildStores wires the persistence layer. A configured database URL
// selects PostgreSQL-backed stores with spill, retry, and retention;
// otherwise every store is in-memory and the returned connection is nil.
func buildStores(cfg *config.Unified, logger *slog.Logger, promMetrics *metrics.Metrics) (*stores, *storage.Connection) {
	if cfg.Observer.DB.URL == "" {
		logger.Warn("No database URL configured, running with in-memory stores",
			slog.String("note", "Set CROSSBRIDGE_DB_URL or observer.db.url for durable storage"),
		)

		return &stores{
			graph:        graph.NewMemoryStore(),
			history:      flaky.NewMemoryHistoryStore(),
			signals:      drift.NewMemorySignalStore(),
			measurements: drift.NewMemoryMeasurementStore(),
			keys:         memoryKeyStoreIfEnabled(logger),
		}, nil
	}

	storageConfig := storage.NewConfig(cfg.Observer.DB.URL)

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	spillPath := config.GetEnvStr("CROSSBRIDGE_SPILL_PATH", defaultSpillPath)

	spill, err := storage.OpenSpillLog(spillPath)
	if err != nil {
		logger.Error("Failed to open spill log", slog.String("error", err.Error()))

		_ = conn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	// Fail-fast on store construction: close the connection explicitly
	// because defers do not run across os.Exit.
	fatal := func(what string, err error) {
		logger.Error("Failed to initialize "+what, slog.String("error", err.Error()))

		_ = conn.Close()
		os.Exit(1)
	}

	eventStore, err := storage.NewEventStore(conn, spill, logger,
		storage.WithSpillCounter(promMetrics.EventsSpilled))
	if err != nil {
		fatal("event store", err)
	}

	classificationStore, err := storage.NewClassificationStore(conn)
	if err != nil {
		fatal("classification store", err)
	}

	graphStore, err := storage.NewGraphStore(conn)
	if err != nil {
		fatal("graph store", err)
	}

	historyStore, err := storage.NewHistoryStore(conn)
	if err != nil {
		fatal("history store", err)
	}

	driftStore, err := storage.NewDriftStore(conn)
	if err != nil {
		fatal("drift store", err)
	}

	sweeper, err := storage.NewSweeper(conn, retentionPolicy(cfg), logger)
	if err != nil {
		fatal("retention sweeper", err)
	}

	var keyStore storage.APIKeyStore

	if config.GetEnvBool("CROSSBRIDGE_AUTH_ENABLED", false) {
		keyStore, err = storage.NewPersistentKeyStore(conn, logger)
		if err != nil {
			fatal("API key store", err)
		}

		logger.Info("Emitter authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("Emitter authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set CROSSBRIDGE_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	return &stores{
		events:          eventStore,
		classifications: classificationStore,
		graph:           graphStore,
		history:         historyStore,
		signals:         driftStore,
		measurements:    driftStore,
		keys:            keyStore,
		retrier:         storage.NewRetrier(spill, eventStore, 0, logger),
		sweeper:         sweeper,
	}, conn
}

// memoryKeyStoreIfEnabled backs authentication with the in-memory key
// store when auth is requested without a database.
func memoryKeyStoreIfEnabled(logger *slog.Logger) storage.APIKeyStore {
	if !config.GetEnvBool("CROSSBRIDGE_AUTH_ENABLED", false) {
		logger.Warn("Emitter authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set CROSSBRIDGE_AUTH_ENABLED=true to enable API key authentication"),
		)

		return nil
	}

	logger.Warn("Emitter authentication using in-memory key store",
		slog.String("note", "Keys do not survive restarts without a database"),
	)

	return storage.NewInMemoryKeyStore()
}

// retentionPolicy maps the configured retention windows onto the sweeper
// policy, falling back to the defaults for unset values.
func retentionPolicy(cfg *config.Unified) storage.RetentionPolicy {
	policy := storage.DefaultRetentionPolicy()

	if days := cfg.Observer.Retention.EventsDays; days > 0 {
		policy.Events = time.Duration(days) * hoursPerDay * time.Hour
	}

	if days := cfg.Observer.Retention.HistoryDays; days > 0 {
		policy.History = time.Duration(days) * hoursPerDay * time.Hour
	}

	if days := cfg.Observer.Retention.DriftDays; days > 0 {
		policy.Drift = time.Duration(days) * hoursPerDay * time.Hour
	}

	return policy
}

// The typed-nil guards below keep interface fields genuinely nil in
// in-memory mode so the nil checks in the pipeline and API hold.
func eventStoreOrNil(s *storage.EventStore) pipeline.EventStore {
	if s == nil {
		return nil
	}

	return s
}

func classificationStoreOrNil(s *storage.ClassificationStore) pipeline.ClassificationStore {
	if s == nil {
		return nil
	}

	return s
}

func explanationStoreOrNil(s *storage.ClassificationStore) api.ExplanationStore {
	if s == nil {
		return nil
	}

	return s
}

func pingerOrNil(conn *storage.Connection) api.Pinger {
	if conn == nil {
		return nil
	}

	return conn
}
