/**
 * @description
 * This is the main entry point for the loan-service. It is responsible for
 * initializing all components of the service, including configuration, logging, the
 * database connection and migrations, the rate limiter, the message broker, the audit
 * relay scheduler, and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP server functionality.
 * - github.com/sirupsen/logrus: Structured logging.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Payment throttle storage.
 * - internal/api, internal/app, internal/balance, internal/config, internal/store: Internal packages for the service.
 * - pkg/metrics: Prometheus instrumentation.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/transfa/loan-service/internal/api"
	"github.com/transfa/loan-service/internal/app"
	"github.com/transfa/loan-service/internal/balance"
	"github.com/transfa/loan-service/internal/config"
	"github.com/transfa/loan-service/internal/store"
	"github.com/transfa/loan-service/internal/store/memory"
	"github.com/transfa/loan-service/pkg/metrics"
	rmrabbit "github.com/transfa/loan-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logrus.WithError(err).Fatal("config load failed")
	}

	logger := newLogger(cfg)
	bootLog := logger.WithField("component", "bootstrap")
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		bootLog.WithField("env", "JWT_SECRET").Fatal("jwt secret must be configured")
	}
	bootLog.WithFields(logrus.Fields{"port": cfg.ServerPort, "storage": cfg.StorageDriver}).Info("starting loan-service")

	balanceCfg, err := cfg.BalanceConfig()
	if err != nil {
		bootLog.WithError(err).Fatal("balance configuration invalid")
	}
	engine := balance.NewEngine(balanceCfg)

	var (
		repository store.Repository
		ready      func(ctx context.Context) error
	)
	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		bootLog.Warn("using in-memory storage; data is lost on restart")
		repository = memory.New()
	default:
		if cfg.RunMigrations {
			if err := store.RunMigrations(cfg.DatabaseURL, logger); err != nil {
				bootLog.WithError(err).Fatal("database migration failed")
			}
		}

		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			bootLog.WithError(err).Fatal("database url parse failed")
		}
		poolConfig.MaxConns = cfg.DatabaseMaxConns
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			bootLog.WithError(err).Fatal("database connection failed")
		}
		defer dbpool.Close()
		bootLog.Info("database connected")

		postgresRepo := store.NewPostgresRepository(dbpool, cfg.LockTimeout())
		repository = postgresRepo
		ready = postgresRepo.Ready
	}

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector()
	}

	serviceOpts := []app.Option{app.WithLogger(logger), app.WithMetrics(collector)}

	if cfg.RedisURL == "" {
		bootLog.WithField("env", "REDIS_URL").Warn("redis url missing; payment rate limiting disabled")
	} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
		bootLog.WithError(parseErr).Warn("redis url parse failed; payment rate limiting disabled")
	} else {
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			// The limiter fails open, so keep the client: it starts counting once Redis is back.
			bootLog.WithError(pingErr).Warn("redis ping failed; payment attempts pass until it recovers")
		} else {
			bootLog.Info("redis connected")
		}
		defer redisClient.Close()
		limiter := app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
		serviceOpts = append(serviceOpts, app.WithRateLimiter(limiter, cfg.PaymentRateLimitPerMinute, time.Minute))
	}

	// Initialize the RabbitMQ producer to publish audit events.
	var publisher rmrabbit.Publisher
	if cfg.RabbitMQURL == "" {
		bootLog.WithField("env", "RABBITMQ_URL").Warn("rabbitmq url missing; audit events stay in the outbox")
		publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		bootLog.WithError(err).Warn("rabbitmq producer unavailable; using fallback")
		publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	} else {
		bootLog.Info("rabbitmq producer connected")
		publisher = producer
	}
	defer publisher.Close()

	loanService := app.NewService(repository, engine, serviceOpts...)

	relay := app.NewAuditRelay(repository, publisher, cfg.AuditExchange, cfg.AuditRelayBatchSize, logger, collector)
	scheduler := app.NewScheduler(relay, cfg.AuditRelaySchedule, logger)
	if err := scheduler.Start(); err != nil {
		bootLog.WithError(err).Fatal("audit relay scheduler start failed")
	}

	routerCfg := api.RouterConfig{
		JWTSecret:      []byte(cfg.JWTSecret),
		JWTIssuer:      cfg.JWTIssuer,
		AllowedOrigins: cfg.AllowedOrigins(),
		Ready:          ready,
	}
	if collector != nil {
		routerCfg.Metrics = collector.Handler()
	}
	router := api.LoanRoutes(api.NewLoanHandlers(loanService, logger), routerCfg)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	httpLog := logger.WithField("component", "http")
	httpLog.WithField("addr", serverAddr).Info("server listening")

	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpLog.WithError(err).Fatal("server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	httpLog.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		httpLog.WithError(err).Error("shutdown failed")
	}

	// Wait for a running relay batch, then flush what the last requests wrote.
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
	}
	if n, err := relay.Drain(ctx); err != nil {
		httpLog.WithError(err).Warn("final audit relay drain failed")
	} else if n > 0 {
		httpLog.WithField("published", n).Info("final audit relay drain complete")
	}

	httpLog.Info("shutdown complete")
}

func newLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if strings.EqualFold(cfg.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("log_level", cfg.LogLevel).Warn("invalid log level; using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
