// Command reconciler runs only the periodic reconciliation sweep (spec
// §4.7) against the same Postgres/Redis state orchestratord uses. Running
// it as its own process lets the sweep be scaled, deployed, or restarted
// independently of the admin API and event consumer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ssarunic/dalston-sub001/config"
	"github.com/ssarunic/dalston-sub001/internal/catalog"
	"github.com/ssarunic/dalston-sub001/internal/eventbus"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/concurrency"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/dag"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/handlers"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/reconciler"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/scheduler"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/storage"
	"github.com/ssarunic/dalston-sub001/internal/platform/database"
	"github.com/ssarunic/dalston-sub001/internal/platform/redisx"
	"github.com/ssarunic/dalston-sub001/internal/queue"
	"github.com/ssarunic/dalston-sub001/internal/registry"
	"github.com/ssarunic/dalston-sub001/internal/repositories"
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
	if err := ms.Migrate(cfg.DatabaseName, driver); err != nil {
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

	taskRepo := repositories.NewTaskRepository(db, logger)
	jobRepo := repositories.NewJobRepository(db, logger)

	reg := registry.New(redisClient, logger, cfg.HeartbeatTTL)
	q := queue.New(streams, redisClient, cfg.TaskStreamPrefix, cfg.TaskConsumerGroup, cfg.TaskIdempotencyKeyTTL)
	bus := eventbus.New(redisClient, streams, logger, cfg.EventBusChannel, cfg.EventBusStream, cfg.EventBusConsumerGroup, cfg.EventBusStreamMaxLen)
	if err := bus.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure event bus consumer group: %w", err)
	}
	guard := concurrency.New(redisClient)
	store := storage.NewFake()
	cat := catalog.Default()
	builder := dag.NewBuilder(cat)

	sched := scheduler.New(jobRepo, taskRepo, builder, cat, q, bus, store, reg, guard, logger)
	h := handlers.New(jobRepo, taskRepo, bus, sched, guard, store, redisClient, logger)

	rec := reconciler.New(reconciler.Config{
		Interval:       cfg.ReconcilerInterval,
		LockTTL:        cfg.ReconcilerLockTTL,
		StaleThreshold: cfg.TaskStaleThreshold,
		OrphanRetries:  cfg.ReconcilerOrphanRetries,
	}, locker, taskRepo, q, bus, store, reg, h, logger)

	logger.Info("reconciler started")
	errCh := make(chan error, 1)
	go func() { errCh <- rec.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down reconciler")
		return nil
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("reconciler exited: %w", err)
		}
		return nil
	}
}
