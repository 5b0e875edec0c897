package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/funds-transfer/internal/accounts"
	"github.com/nathanyu/funds-transfer/internal/config"
	"github.com/nathanyu/funds-transfer/internal/cqrs"
	"github.com/nathanyu/funds-transfer/internal/engine"
	"github.com/nathanyu/funds-transfer/internal/handler"
	"github.com/nathanyu/funds-transfer/internal/journal"
	"github.com/nathanyu/funds-transfer/internal/lock"
	"github.com/nathanyu/funds-transfer/internal/middleware"
	"github.com/nathanyu/funds-transfer/internal/queue"
	"github.com/nathanyu/funds-transfer/internal/store"
	"github.com/nathanyu/funds-transfer/internal/store/memory"
	"github.com/nathanyu/funds-transfer/internal/store/postgres"
	"github.com/nathanyu/funds-transfer/internal/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	serviceName    = "funds-transfer"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := telemetry.InitLogger(serviceName, telemetry.LogOptions{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging configuration: %v\n", err)
		os.Exit(2)
	}

	cleanup, err := telemetry.InitTracer(telemetry.TracerOptions{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTLPEndpoint,
		SampleRatio:    cfg.TraceRatio,
	})
	if err != nil {
		logger.Warn("failed to initialize tracer", "error", err)
		cleanup = func() {}
	}

	err = run(cfg, logger)
	cleanup()
	if err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	gin.SetMode(cfg.GinMode)
	logger.Info("starting funds transfer service",
		"store", cfg.Store,
		"coordinator", cfg.Coordinator,
		"event_sink", cfg.EventSink)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Store
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. Concurrency coordinator
	coord, closeCoord, err := openCoordinator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCoord()

	// 3. Transfer engine
	eng := engine.NewEngine(st, coord,
		engine.WithLogger(logger),
		engine.WithConfig(engine.Config{
			MaxAttempts:    cfg.MaxAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			LockTimeout:    cfg.LockTimeout,
			CommitTimeout:  cfg.CommitTimeout,
		}))

	// 4. Event sink and read model
	publisher, err := openPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()
	eng.RegisterEventHandler(queue.EventHandler(publisher, logger))

	natsConn := natsConnOf(publisher)
	readModel := cqrs.NewReadModel(natsConn, logger)
	eng.RegisterEventHandler(readModel.HandleEventDirect)
	if natsConn != nil {
		if err := readModel.Start(queue.EventSubject); err != nil {
			return fmt.Errorf("failed to start read model: %w", err)
		}
		defer readModel.Stop()
	}

	// 5. Recovery pass
	if cfg.RecoveryInterval > 0 {
		recoverer := engine.NewRecoverer(eng, st, engine.RecoveryConfig{
			Interval:   cfg.RecoveryInterval,
			StaleAfter: cfg.RecoveryStaleAfter,
			MaxAge:     cfg.RecoveryMaxAge,
		}, logger)
		recoverer.Start(ctx)
		defer recoverer.Stop()
	}

	// 6. HTTP API
	svc, err := accounts.NewService(st, cfg.NodeID, logger)
	if err != nil {
		return err
	}
	h := handler.NewHandler(eng, svc, st, readModel)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Tracing())
	router.Use(middleware.Metrics())
	router.Use(middleware.Logger(logger))
	handler.SetupRoutes(router, h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics server listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server forced to shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server forced to shutdown", "error", err)
	}

	logger.Info("service stopped")
	return serveErr
}

// serviceStore is the surface both the engine and the account service consume.
type serviceStore interface {
	store.Store
	store.AccountDirectory
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (serviceStore, func(), error) {
	switch cfg.Store {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("connected to PostgreSQL")
		return pg, pool.Close, nil

	default:
		if cfg.JournalPath == "" {
			logger.Warn("journal disabled, state is lost on restart")
			return memory.New(memory.WithLogger(logger)), func() {}, nil
		}
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		j, err := journal.Open(cfg.JournalPath, logger)
		if err != nil {
			return nil, nil, err
		}
		st, err := memory.Open(j, memory.WithLogger(logger))
		if err != nil {
			j.Close()
			return nil, nil, err
		}
		return st, func() { closeLogged(logger, "journal", j) }, nil
	}
}

func openCoordinator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Coordinator, func(), error) {
	switch cfg.Coordinator {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		opts := lock.DefaultRedisOptions()
		opts.Expiry = cfg.LockExpiry
		logger.Info("connected to Redis", "addr", cfg.RedisAddr)
		return lock.NewRedisCoordinator(client, opts, logger), func() { closeLogged(logger, "redis", client) }, nil

	case "optimistic":
		return lock.NopCoordinator{}, func() {}, nil

	default:
		return lock.NewLocalCoordinator(), func() {}, nil
	}
}

func openPublisher(cfg *config.Config, logger *slog.Logger) (queue.Publisher, error) {
	switch cfg.EventSink {
	case "nats":
		client, err := queue.NewNATSClient(cfg.NATSUrl, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to NATS", "url", cfg.NATSUrl)
		return client, nil

	case "kafka":
		return queue.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil

	default:
		return queue.NopPublisher{}, nil
	}
}

func natsConnOf(p queue.Publisher) *nats.Conn {
	if client, ok := p.(*queue.NATSClient); ok {
		return client.GetConn()
	}
	return nil
}

func closeLogged(logger *slog.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", "resource", name, "error", err)
	}
}
