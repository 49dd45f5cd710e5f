// Command orchestratord runs the Dalston orchestrator: the DAG builder,
// scheduler, event handlers, durable-event consumer, reconciler, and the
// internal admin HTTP API, all sharing one Postgres connection and one
// Redis connection (spec §1-§9). Dependency bring-up follows the teacher's
// stem/pkg/startup.Sequencer pattern (fibonacci backoff across whole-graph
// retries, reverse-order teardown).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/ssarunic/dalston-sub001/config"
	"github.com/ssarunic/dalston-sub001/internal/adminapi"
	"github.com/ssarunic/dalston-sub001/internal/catalog"
	"github.com/ssarunic/dalston-sub001/internal/eventbus"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/concurrency"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/consumer"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/dag"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/handlers"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/reconciler"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/scheduler"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/storage"
	"github.com/ssarunic/dalston-sub001/internal/platform/database"
	"github.com/ssarunic/dalston-sub001/internal/platform/redisx"
	"github.com/ssarunic/dalston-sub001/internal/platform/startup"
	"github.com/ssarunic/dalston-sub001/internal/platform/tracing"
	"github.com/ssarunic/dalston-sub001/internal/queue"
	"github.com/ssarunic/dalston-sub001/internal/registry"
	"github.com/ssarunic/dalston-sub001/internal/repositories"
	"github.com/ssarunic/dalston-sub001/pkg/health"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var zapLogger *zap.Logger
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zapLogger.Sync() //nolint:errcheck
	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEnabled {
		provider, err := tracing.NewProvider(ctx, tracing.OTLPConfig{
			ServiceName: cfg.AppName,
			Endpoint:    cfg.OTLPEndpoint,
			Protocol:    cfg.OTLPProtocol,
			Insecure:    cfg.OTLPInsecure,
		})
		if err != nil {
			return fmt.Errorf("build tracer provider: %w", err)
		}
		tracing.SetTracer(provider.Tracer(cfg.AppName))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode)
	sqlxDB, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer sqlxDB.Close()
	sqlxDB.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	if err := runMigrations(cfg, sqlxDB, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	db := database.NewDatabaseInstance(sqlxDB, logger)

	redisClient, err := redisx.NewClient(redisx.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClient.Close()

	streams := redisx.NewStreams(redisClient)
	locker := redisx.NewLocker(redisClient, "dalston:lock")

	jobRepo := repositories.NewJobRepository(db, logger)
	taskRepo := repositories.NewTaskRepository(db, logger)

	reg := registry.New(redisClient, logger, cfg.HeartbeatTTL)
	q := queue.New(streams, redisClient, cfg.TaskStreamPrefix, cfg.TaskConsumerGroup, cfg.TaskIdempotencyKeyTTL)
	bus := eventbus.New(redisClient, streams, logger, cfg.EventBusChannel, cfg.EventBusStream, cfg.EventBusConsumerGroup, cfg.EventBusStreamMaxLen)
	guard := concurrency.New(redisClient)
	store := storage.NewFake()
	cat := catalog.Default()
	builder := dag.NewBuilder(cat)

	sched := scheduler.New(jobRepo, taskRepo, builder, cat, q, bus, store, reg, guard, logger)
	h := handlers.New(jobRepo, taskRepo, bus, sched, guard, store, redisClient, logger)

	consumerName := cfg.ConsumerName
	if consumerName == "" {
		consumerName, _ = os.Hostname()
	}
	c := consumer.New(bus, sched, h, consumerName, 5*time.Second, logger)

	var rec *reconciler.Reconciler
	if cfg.ReconcilerEnabled {
		rec = reconciler.New(reconciler.Config{
			Interval:       cfg.ReconcilerInterval,
			LockTTL:        cfg.ReconcilerLockTTL,
			StaleThreshold: cfg.TaskStaleThreshold,
			OrphanRetries:  cfg.ReconcilerOrphanRetries,
		}, locker, taskRepo, q, bus, store, reg, h, logger)
	}

	checker := health.NewChecker(sqlxDB, redisClient.Raw(), cfg.AppName)
	adminHandlers := adminapi.New(jobRepo, taskRepo, bus, guard, store, *cfg, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	adminapi.RegisterRoutes(e, adminHandlers, checker, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      e,
		ReadTimeout:  time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
	}

	seq := startup.New(logger, cfg.StartupMaxAttempts)
	seq.Add(&eventBusDependency{bus: bus})
	seq.Add(&consumerDependency{consumer: c, logger: logger})
	if rec != nil {
		seq.Add(&reconcilerDependency{reconciler: rec, logger: logger})
	}
	seq.Add(&httpServerDependency{srv: srv, logger: logger})

	if err := seq.Start(ctx); err != nil {
		return fmt.Errorf("start dependency graph: %w", err)
	}
	checker.SetReady(true)
	logger.WithField("port", cfg.Port).Info("orchestratord started")

	<-ctx.Done()
	logger.Info("shutting down orchestratord")
	checker.SetReady(false)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return seq.Stop(stopCtx)
}

func runMigrations(cfg *config.Config, sqlxDB *sqlx.DB, logger ectologger.Logger) error {
	driver, err := postgres.WithInstance(sqlxDB.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("build postgres migration driver: %w", err)
	}
	ms := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return ms.Migrate(cfg.DatabaseName, driver)
}
