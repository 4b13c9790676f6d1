package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/sorrelhq/sorrel/config"
	discrepancyrepo "github.com/sorrelhq/sorrel/internal/repositories/discrepancy"
	entityrepo "github.com/sorrelhq/sorrel/internal/repositories/entity"
	geocodestaterepo "github.com/sorrelhq/sorrel/internal/repositories/geocodestate"
	identifierrepo "github.com/sorrelhq/sorrel/internal/repositories/identifier"
	matchcandidaterepo "github.com/sorrelhq/sorrel/internal/repositories/matchcandidate"
	mergeauditrepo "github.com/sorrelhq/sorrel/internal/repositories/mergeaudit"
	relationshipedgerepo "github.com/sorrelhq/sorrel/internal/repositories/relationshipedge"
	sourcerecordrepo "github.com/sorrelhq/sorrel/internal/repositories/sourcerecord"
	"github.com/sorrelhq/sorrel/pkg/backfill"
	"github.com/sorrelhq/sorrel/pkg/canonical"
	"github.com/sorrelhq/sorrel/pkg/database"
	"github.com/sorrelhq/sorrel/pkg/events"
	"github.com/sorrelhq/sorrel/pkg/geocode"
	"github.com/sorrelhq/sorrel/pkg/graph"
	"github.com/sorrelhq/sorrel/pkg/kafka"
	"github.com/sorrelhq/sorrel/pkg/matching"
	"github.com/sorrelhq/sorrel/pkg/merging"
	"github.com/sorrelhq/sorrel/pkg/middleware"
	"github.com/sorrelhq/sorrel/pkg/processor"
	sorrelredis "github.com/sorrelhq/sorrel/pkg/redis"
	"github.com/sorrelhq/sorrel/pkg/relationships"
	"github.com/sorrelhq/sorrel/pkg/resolver"
	adminroutes "github.com/sorrelhq/sorrel/pkg/routes/admin"
	discrepancyroutes "github.com/sorrelhq/sorrel/pkg/routes/discrepancy"
	entityroutes "github.com/sorrelhq/sorrel/pkg/routes/entity"
	geocoderoutes "github.com/sorrelhq/sorrel/pkg/routes/geocode"
	"github.com/sorrelhq/sorrel/pkg/routes/health"
	matchcandidateroutes "github.com/sorrelhq/sorrel/pkg/routes/matchcandidate"
	mergeroutes "github.com/sorrelhq/sorrel/pkg/routes/merge"
	relationshiproutes "github.com/sorrelhq/sorrel/pkg/routes/relationship"
	"github.com/sorrelhq/sorrel/pkg/startup"
	"github.com/sorrelhq/sorrel/pkg/tracing"
	"github.com/sorrelhq/sorrel/pkg/tracing/exporters"
	"github.com/sorrelhq/sorrel/pkg/verification"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	shutdownTracing := setupTracing(ctx, cfg, logger)
	defer shutdownTracing()

	// Postgres
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName,
		cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode,
	)
	sqlxDB, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	sqlxDB.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	if err := runMigrations(cfg, sqlxDB, logger); err != nil {
		logger.WithError(err).Error("Failed to run migrations")
		os.Exit(1)
	}

	db := database.NewDatabaseInstance(sqlxDB, logger)

	// Redis
	redisClient, err := sorrelredis.NewClient(sorrelredis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to redis")
		os.Exit(1)
	}
	locker := sorrelredis.NewLocker(redisClient, "")

	// Repositories
	entities := entityrepo.NewRepository(db, logger)
	identifiers := identifierrepo.NewRepository(db, logger)
	edges := relationshipedgerepo.NewRepository(db, logger)
	audits := mergeauditrepo.NewRepository(db, logger)
	discrepancies := discrepancyrepo.NewRepository(db, logger)
	geocodeStates := geocodestaterepo.NewRepository(db, logger)
	sourceRecords := sourcerecordrepo.NewRepository(db, logger)
	matchCandidates := matchcandidaterepo.NewRepository(db, logger)

	// Graph projection (optional)
	var graphQueries *graph.QueryService
	var graphClient *graph.Client
	if cfg.GraphDBEnabled {
		graphClient, err = graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to create graph client")
			os.Exit(1)
		}
		graphQueries = graph.NewQueryService(graphClient, logger)
	}

	// Kafka producer and event emitter
	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaOutputTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	emitter := events.NewEmitter(producer, logger)

	// Core services
	canonicalResolver := canonical.NewResolver(entities, logger)
	entityResolver := resolver.NewResolver(db, entities, identifiers, canonicalResolver, sourceRecords, discrepancies, geocodeStates, logger)
	relationshipService := relationships.NewService(db, edges, canonicalResolver, logger)
	verificationService := verification.NewService(entities, canonicalResolver, logger)
	manifests := merging.BuildManifests(identifiers, edges, sourceRecords, geocodeStates)
	mergeEngine := merging.NewEngine(db, entities, canonicalResolver, audits, manifests, mergeLocker{locker}, emitter, merging.Config{
		LockTTL:     cfg.MergeLockTTL,
		LockTimeout: cfg.MergeLockTimeout,
	}, logger)
	candidateFinder := matching.NewFinder(entities, matchCandidates, matching.FinderConfig{
		MinConfidence: cfg.MatchMinConfidence,
		TopN:          cfg.MatchTopN,
		PageSize:      cfg.MatchBatchSize,
	}, logger)
	backfillRunner := backfill.NewRunner(entities, identifiers, sourceRecords, cfg.BackfillChunkSize, logger)
	ingestProcessor := processor.NewProcessor(entityResolver, relationshipService, candidateFinder, emitter, logger)

	if graphClient != nil {
		projector := graph.NewProjector(graphClient, logger)
		mergeEngine.SetProjector(projector)
		ingestProcessor.SetProjector(projector, entities)
	}

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	healthChecker := health.NewChecker(sqlxDB, pinger{redisClient}, version)
	healthChecker.RegisterRoutes(e)

	api := e.Group("/api/v1")
	entityroutes.NewHandler(entityResolver, entities, canonicalResolver, verificationService, identifiers, sourceRecords, audits, graphQueries).Register(api)
	mergeroutes.NewHandler(mergeEngine).Register(api)
	relationshiproutes.NewHandler(relationshipService).Register(api)
	geocoderoutes.NewHandler(geocodeStates).Register(api)
	matchcandidateroutes.NewHandler(matchCandidates).Register(api)
	discrepancyroutes.NewHandler(discrepancies).Register(api)
	adminroutes.NewHandler(backfillRunner).Register(api)

	// Background workers
	graceful := startup.NewStartup(logger, cfg.StartupMaxAttempts)

	graceful.AddDependency(&dependency{
		name: "http-server",
		start: func(ctx context.Context) error {
			go func() {
				addr := fmt.Sprintf(":%d", cfg.Port)
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("HTTP server stopped unexpectedly")
				}
			}()
			healthChecker.SetReady(true)
			return nil
		},
		stop: func(ctx context.Context) error {
			healthChecker.SetReady(false)
			return e.Shutdown(ctx)
		},
	})

	if cfg.KafkaConsumerEnabled {
		consumer := kafka.NewConsumer(cfg, logger, ingestProcessor.HandleMessage)
		graceful.AddDependency(&dependency{
			name:  "kafka-consumer",
			start: consumer.Start,
			stop:  func(ctx context.Context) error { return consumer.Stop() },
		})
	}

	if cfg.GeocodeWorkerEnabled {
		provider := geocode.NewGoogleProvider(geocode.GoogleConfig{
			APIKey:         cfg.GeocodeAPIKey,
			BaseURL:        cfg.GeocodeBaseURL,
			RequestTimeout: cfg.GeocodeRequestTimeout,
		}, logger)
		worker := geocode.NewWorker(geocodeStates, entities, provider, geocode.WorkerConfig{
			BatchSize:    cfg.GeocodeBatchSize,
			PollInterval: cfg.GeocodePollInterval,
			MaxAttempts:  cfg.GeocodeMaxAttempts,
			BackoffBase:  cfg.GeocodeBackoffBase,
			BackoffCap:   cfg.GeocodeBackoffCap,
		}, logger)

		workerCtx, workerCancel := context.WithCancel(context.Background())
		graceful.AddDependency(&dependency{
			name: "geocode-worker",
			start: func(ctx context.Context) error {
				go worker.Run(workerCtx)
				return nil
			},
			stop: func(ctx context.Context) error {
				workerCancel()
				return nil
			},
		})
	}

	if err := graceful.Start(ctx); err != nil {
		logger.WithError(err).Error("Startup failed")
		os.Exit(1)
	}
	logger.Infof("%s listening on :%d", cfg.AppName, cfg.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := graceful.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Error("Failed to close kafka producer")
	}
	if graphClient != nil {
		if err := graphClient.Close(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to close graph client")
		}
	}
	if err := redisClient.Close(); err != nil {
		logger.WithError(err).Error("Failed to close redis client")
	}
	if err := sqlxDB.Close(); err != nil {
		logger.WithError(err).Error("Failed to close database")
	}
}

// dependency adapts start/stop funcs to the startup graph
type dependency struct {
	name  string
	deps  []string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func (d *dependency) GetName() string                  { return d.name }
func (d *dependency) DependsOn() []string              { return d.deps }
func (d *dependency) Start(ctx context.Context) error { return d.start(ctx) }
func (d *dependency) Stop(ctx context.Context) error  { return d.stop(ctx) }

// mergeLocker adapts the redis locker to the merge engine
type mergeLocker struct {
	locker *sorrelredis.Locker
}

func (m mergeLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration, timeout time.Duration) (merging.Unlocker, error) {
	lock, err := m.locker.TryAcquire(ctx, key, ttl, timeout)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// pinger adapts the redis client to the health checker
type pinger struct {
	client *sorrelredis.Client
}

func (p pinger) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.client.Ping(ctx)
}

func newLogger(cfg config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func setupTracing(ctx context.Context, cfg config.Config, logger ectologger.Logger) func() {
	if !cfg.TracingEnabled {
		return func() {}
	}

	exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to create OTLP exporter; tracing disabled")
		return func() {}
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			"",
			attribute.String("service.name", cfg.AppName),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(provider)
	tracing.SetTracer(provider.Tracer(cfg.AppName))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to shut down tracer provider")
		}
	}
}

func runMigrations(cfg config.Config, db *sqlx.DB, logger ectologger.Logger) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return err
	}

	service := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return service.Migrate(cfg.DatabaseName, driver)
}
