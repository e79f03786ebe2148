/**
 * @description
 * This is the main entry point for the security scheduler. It is a non-HTTP, long-running
 * process that runs the aggregate update, current prison refresh and totals recalculation
 * jobs on their cron schedules. Locks are shared through Redis with the API process, whose
 * /internal/jobs endpoint can trigger the same jobs on demand.
 */
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/app"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/config"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/logging"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/rules"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		panic("config load failed: " + err.Error())
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "security-scheduler")
	if err != nil {
		panic("logger init failed: " + err.Error())
	}
	defer logger.Sync()
	for _, warning := range cfg.Warnings {
		logger.Warn("configuration", zap.String("warning", warning))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("unable to parse database URL", zap.Error(err))
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repository := store.NewPostgresRepository(dbpool, cfg.EventExchange)

	var catalogue rules.Catalogue
	if cfg.RulesFile == "" {
		catalogue, err = rules.DefaultCatalogue()
	} else {
		catalogue, err = rules.LoadCatalogue(cfg.RulesFile)
	}
	if err != nil {
		logger.Fatal("rule catalogue load failed", zap.Error(err))
	}
	registry, err := rules.NewRegistry(catalogue, repository, rules.Options{
		Location:        cfg.Location,
		HighAmountLimit: cfg.HighAmountLimit,
	})
	if err != nil {
		logger.Fatal("rule registry build failed", zap.Error(err))
	}

	resolver := app.NewResolver(repository, logger)
	notifier := app.NewNotifier(repository, repository, registry, logger)
	aggregates := app.NewAggregateUpdater(repository, repository, resolver, notifier, cfg.AggregateBatchSize, logger)

	var lock app.JobLock
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set; job locks are local to this process")
		lock = app.NewLocalJobLock()
	} else {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis url parse failed", zap.Error(err))
		}
		client := redis.NewClient(opts)
		defer client.Close()
		lock = app.NewRedisJobLock(client, cfg.JobLockPrefix)
	}

	jobs := app.NewJobs(aggregates, lock, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()
	logger.Info("scheduler started", zap.Int("jobs", scheduler.Entries()))

	<-ctx.Done()

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
