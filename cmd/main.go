/**
 * @description
 * This is the main entry point for the security service. It loads configuration, connects
 * to PostgreSQL, RabbitMQ and Redis, builds the rule registry and the screening services,
 * then starts the capture consumer, the outbox dispatcher and the HTTP server.
 *
 * @dependencies
 * - github.com/joho/godotenv: loads .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: job locks shared with the scheduler.
 * - internal/api, internal/app, internal/rules, internal/store: the service itself.
 * - pkg/rabbitmq: RabbitMQ producer and consumer.
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/api"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/app"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/config"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/logging"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/rules"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/pkg/rabbitmq"
)

func main() {
	// A missing .env file is normal outside local development.
	envErr := godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		panic("config load failed: " + err.Error())
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "security-service")
	if err != nil {
		panic("logger init failed: " + err.Error())
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("no .env file loaded", zap.Error(envErr))
	}
	for _, warning := range cfg.Warnings {
		logger.Warn("configuration", zap.String("warning", warning))
	}
	if cfg.JWKSURL == "" {
		logger.Fatal("JWKS_URL must be configured")
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("INTERNAL_API_KEY not set; internal endpoints disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()
	logger.Info("database connected")

	repository := store.NewPostgresRepository(dbpool, cfg.EventExchange)
	if cfg.ApplySchema {
		if err := repository.ApplySchema(ctx); err != nil {
			logger.Fatal("schema apply failed", zap.Error(err))
		}
		logger.Info("schema applied")
	}

	catalogue, err := loadCatalogue(cfg.RulesFile)
	if err != nil {
		logger.Fatal("rule catalogue load failed", zap.String("path", cfg.RulesFile), zap.Error(err))
	}
	registry, err := rules.NewRegistry(catalogue, repository, rules.Options{
		Location:        cfg.Location,
		HighAmountLimit: cfg.HighAmountLimit,
	})
	if err != nil {
		logger.Fatal("rule registry build failed", zap.Error(err))
	}
	logger.Info("rules loaded", zap.Strings("codes", registry.Codes()))

	resolver := app.NewResolver(repository, logger)
	autoAccept := app.NewAutoAcceptRegistry(repository, logger)
	checks := app.NewCheckService(repository, repository, registry, autoAccept, logger)
	notifier := app.NewNotifier(repository, repository, registry, logger)
	monitoring := app.NewMonitoringService(repository, logger)
	transitions := app.NewTransitionService(repository, repository, resolver, logger)
	aggregates := app.NewAggregateUpdater(repository, repository, resolver, notifier, cfg.AggregateBatchSize, logger)

	jobLock, closeLock := newJobLock(ctx, cfg, logger)
	defer closeLock()
	jobs := app.NewJobs(aggregates, jobLock, logger, cfg)

	captures := app.NewCaptureConsumer(repository, resolver, checks, transitions, logger)
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Fatal("rabbitmq consumer connection failed", zap.Error(err))
	}
	defer consumer.Close()
	if err := consumer.ConsumeWithBindings(cfg.CaptureEventExchange, cfg.CaptureEventQueue, captures.Bindings()); err != nil {
		logger.Fatal("capture consumer setup failed", zap.Error(err))
	}
	logger.Info("capture consumer started", zap.String("exchange", cfg.CaptureEventExchange), zap.String("queue", cfg.CaptureEventQueue))

	dispatcher := app.NewOutboxDispatcher(repository, func() (rabbitmq.Publisher, error) {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}, cfg.OutboxPollInterval(), logger)
	go dispatcher.Run(ctx)

	keys := api.NewJWKSKeySource(cfg.JWKSURL, logger)
	handlers := api.NewHandlers(api.Services{
		Checks:        checks,
		AutoAccept:    autoAccept,
		Monitoring:    monitoring,
		Transitions:   transitions,
		Notifications: notifier,
		Jobs:          jobs,
	}, logger)
	auth := api.JWTAuthMiddleware(api.AuthConfig{Keys: keys, Audience: cfg.JWTAudience, Issuer: cfg.JWTIssuer})
	router := api.NewRouter(handlers, auth, cfg.InternalAPIKey, cfg.CORSOrigins(), logger)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	logger.Info("security service stopped")
}

func loadCatalogue(path string) (rules.Catalogue, error) {
	if path == "" {
		return rules.DefaultCatalogue()
	}
	return rules.LoadCatalogue(path)
}

// newJobLock shares job locks with the scheduler through Redis when REDIS_URL is set.
func newJobLock(ctx context.Context, cfg config.Config, logger *zap.Logger) (app.JobLock, func()) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set; job locks are local to this process")
		return app.NewLocalJobLock(), func() {}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis url parse failed", zap.Error(err))
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("redis ping failed", zap.Error(err))
	}
	logger.Info("redis connected")
	return app.NewRedisJobLock(client, cfg.JobLockPrefix), func() { client.Close() }
}
