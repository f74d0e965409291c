/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment (config.LoadConfig)
  2. Open the SQLite store and apply migrations
  3. Connect Redis when enabled (driver lock + change events)
  4. Build metrics, engine, ledger service and HTTP router
  5. Start the sweep scheduler and the server

ENVIRONMENT:
  SERVER_PORT, SERVER_ENVIRONMENT, SERVER_ALLOWED_ORIGINS
  DATABASE_PATH                 (":memory:" for an in-memory database)
  REDIS_ENABLED, REDIS_ADDRESS, REDIS_PASSWORD, REDIS_DB
  LOCK_TTL, LOCK_PREFIX
  RETRY_INITIAL_INTERVAL, RETRY_MAX_INTERVAL, RETRY_MAX_ELAPSED, RETRY_MAX_ATTEMPTS
  NOTIFY_CHANNEL_PREFIX, NOTIFY_PUBLISH_TIMEOUT
  SWEEP_ENABLED, SWEEP_INTERVAL
  LOG_LEVEL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and the database
  5. Flush the logger

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys and defaults
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/lock/redislock"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/notify"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	log := logger.GetLogger()
	defer logger.Close()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatalw("Failed to initialize database", "path", cfg.Database.Path, "error", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []settlement.Option{
		settlement.WithObserver(metrics.NewRecorder(reg)),
		settlement.WithLogger(log),
		settlement.WithRetry(settlement.RetryConfig{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			MaxElapsedTime:  cfg.Retry.MaxElapsed,
			MaxAttempts:     cfg.Retry.MaxAttempts,
		}),
	}

	if cfg.Redis.Enabled {
		rdb, err := connectRedis(cfg.Redis)
		if err != nil {
			log.Fatalw("Failed to connect to Redis", "address", cfg.Redis.Address, "error", err)
		}
		defer rdb.Close()

		opts = append(opts,
			settlement.WithLocker(redislock.New(rdb, redislock.Config{Prefix: cfg.Lock.Prefix, TTL: cfg.Lock.TTL})),
			settlement.WithNotifier(notify.Multi{
				notify.NewLogNotifier(),
				notify.NewRedisNotifier(rdb, notify.Config{
					ChannelPrefix:  cfg.Notify.ChannelPrefix,
					PublishTimeout: cfg.Notify.PublishTimeout,
				}),
			}))
		log.Infow("Redis driver lock and change events enabled", "address", cfg.Redis.Address)
	} else {
		opts = append(opts, settlement.WithNotifier(notify.NewLogNotifier()))
		log.Warn("Redis disabled; using in-process driver lock. Run a single instance only.")
	}

	engine := settlement.NewEngine(store, opts...)
	service := settlement.NewService(store, engine)

	handler := api.NewHandler(service, cfg.Server.Environment != config.EnvProduction)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Gatherer:       reg,
	})

	var sweeper *api.SweepScheduler
	if cfg.Sweep.Enabled {
		sweeper = api.NewSweepScheduler(service, cfg.Sweep.Interval)
		sweeper.Start()
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("Server starting", "address", server.Addr, "environment", cfg.Server.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("Server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	if sweeper != nil {
		sweeper.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorw("Server forced to shutdown", "error", err)
	}
	log.Info("Server stopped")
}

func connectRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return rdb, nil
}
