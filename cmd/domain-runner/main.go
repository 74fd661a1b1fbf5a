// Package main wires together the domain sweep service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/llmrank/domain-runner/internal/api"
	"github.com/llmrank/domain-runner/internal/clock/system"
	"github.com/llmrank/domain-runner/internal/config"
	"github.com/llmrank/domain-runner/internal/dispatcher"
	"github.com/llmrank/domain-runner/internal/id/uuid"
	lockmem "github.com/llmrank/domain-runner/internal/lock/memory"
	"github.com/llmrank/domain-runner/internal/logging"
	"github.com/llmrank/domain-runner/internal/progress"
	"github.com/llmrank/domain-runner/internal/progress/sinks"
	"github.com/llmrank/domain-runner/internal/provider"
	pubmem "github.com/llmrank/domain-runner/internal/publisher/memory"
	pubgcp "github.com/llmrank/domain-runner/internal/publisher/pubsub"
	queuemem "github.com/llmrank/domain-runner/internal/queue/memory"
	"github.com/llmrank/domain-runner/internal/status"
	"github.com/llmrank/domain-runner/internal/storage/gcs"
	"github.com/llmrank/domain-runner/internal/storage/local"
	storagemem "github.com/llmrank/domain-runner/internal/storage/memory"
	pgstore "github.com/llmrank/domain-runner/internal/storage/postgres"
	redisstore "github.com/llmrank/domain-runner/internal/storage/redis"
	"github.com/llmrank/domain-runner/internal/sweep"
	"github.com/llmrank/domain-runner/internal/sweeper"
	"github.com/llmrank/domain-runner/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	logger, err := logging.NewService(cfg.Logging.Development, hostname)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	var pool *pgxpool.Pool
	if cfg.Lock.Backend == config.BackendPostgres || cfg.Queue.Backend == config.BackendPostgres {
		var err error
		pool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
	}

	locker, redisClient, err := buildLocker(cfg, pool, clock, ids)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() {
			if closeErr := redisClient.Close(); closeErr != nil {
				logger.Warn("redis close failed", zap.Error(closeErr))
			}
		}()
	}

	tasks, err := buildTaskStore(ctx, cfg, pool, clock)
	if err != nil {
		return err
	}

	blobs, gcsClient, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	if gcsClient != nil {
		defer func() {
			if closeErr := gcsClient.Close(); closeErr != nil {
				logger.Warn("gcs client close failed", zap.Error(closeErr))
			}
		}()
	}

	publisher, pubsubClient, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	if pubsubClient != nil {
		defer func() {
			if closeErr := pubsubClient.Close(); closeErr != nil {
				logger.Warn("pubsub client close failed", zap.Error(closeErr))
			}
		}()
	}

	providers := make([]sweep.Provider, 0, len(cfg.Providers.Names))
	for _, name := range cfg.Providers.Names {
		providers = append(providers, provider.Limit(provider.NewNoop(name), cfg.Providers.RPS, cfg.Providers.Burst))
	}
	registry, err := provider.NewRegistry(providers...)
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}
	dispatch := dispatcher.New(registry.All(), dispatcher.Config{
		PerProviderTimeout: cfg.ProviderTimeout(),
		MaxConcurrent:      cfg.Providers.MaxConcurrent,
	}, logger.Named("dispatcher"))

	hub, err := buildProgressHub(pool, logger)
	if err != nil {
		return err
	}

	controller := sweeper.New(locker, tasks, dispatch, blobs, publisher, clock, ids, hub, sweeper.Config{
		Holder:               cfg.Sweep.Holder,
		LockTTL:              cfg.LockTTL(),
		BatchSize:            cfg.Sweep.BatchSize,
		WatchdogAge:          cfg.WatchdogAge(),
		MinProviderSuccesses: cfg.Sweep.MinProviderSuccesses,
		BlobPrefix:           cfg.Storage.Prefix,
		Topic:                cfg.PubSub.TopicName,
		HistorySize:          cfg.Sweep.HistorySize,
	}, logger.Named("sweeper"))

	reporter := status.NewReporter(locker, tasks, controller, clock)
	apiServer := api.NewServer(controller, reporter, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := controller.Stop(shutdownCtx); err != nil {
		logger.Error("sweep controller stop error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	if p, ok := publisher.(*pubgcp.Publisher); ok {
		p.Stop()
	}
	return nil
}

func buildLocker(cfg config.Config, pool *pgxpool.Pool, clock sweep.Clock, ids sweep.IDGenerator) (sweep.Locker, *redis.Client, error) {
	switch cfg.Lock.Backend {
	case config.BackendMemory:
		return lockmem.New(clock, ids), nil, nil
	case config.BackendPostgres:
		locker, err := pgstore.NewLockStore(pool, clock, ids)
		if err != nil {
			return nil, nil, fmt.Errorf("build postgres lock store: %w", err)
		}
		return locker, nil, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker, err := redisstore.NewLockStore(client, clock, ids)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("build redis lock store: %w", err)
		}
		return locker, client, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}

func buildTaskStore(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, clock sweep.Clock) (sweep.TaskStore, error) {
	switch cfg.Queue.Backend {
	case config.BackendMemory:
		return queuemem.NewStore(cfg.Sweep.Domains, cfg.Sweep.MaxRetries, clock), nil
	case config.BackendPostgres:
		store, err := pgstore.NewTaskStore(pool, clock, cfg.Sweep.MaxRetries)
		if err != nil {
			return nil, fmt.Errorf("build postgres task store: %w", err)
		}
		if err := store.Seed(ctx, cfg.Sweep.Domains); err != nil {
			return nil, fmt.Errorf("seed domain backlog: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config) (sweep.BlobStore, *gstorage.Client, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storagemem.NewBlobStore(), nil, nil
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("build local blob store: %w", err)
		}
		return store, nil, nil
	case config.BackendGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(ctx, client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("build gcs blob store: %w", err)
		}
		return store, client, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (sweep.Publisher, *pubsub.Client, error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		return pubmem.New(), nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return pubgcp.New(client.Topic(cfg.PubSub.TopicName)), client, nil
}

func buildProgressHub(pool *pgxpool.Pool, logger *zap.Logger) (*progress.Hub, error) {
	progressLogger := logger.Named("progress")
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("register progress metrics: %w", err)
	}
	hubSinks := []progress.Sink{
		sinks.NewLogSink(progressLogger),
		promSink,
	}
	if pool != nil {
		sweepStore, err := pgstore.NewSweepStore(pool)
		if err != nil {
			return nil, fmt.Errorf("build sweep store: %w", err)
		}
		hubSinks = append(hubSinks, sinks.NewStoreSink(sweepStore, progressLogger))
	}
	return progress.NewHub(progress.HubConfig{Logger: progressLogger}, hubSinks...), nil
}
