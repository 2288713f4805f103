package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/softwell/mailproxy-core/internal/attachment"
	"github.com/softwell/mailproxy-core/internal/config"
	"github.com/softwell/mailproxy-core/internal/control"
	"github.com/softwell/mailproxy-core/internal/dispatcher"
	"github.com/softwell/mailproxy-core/internal/pkg/distlock"
	"github.com/softwell/mailproxy-core/internal/pkg/logger"
	"github.com/softwell/mailproxy-core/internal/ratelimiter"
	"github.com/softwell/mailproxy-core/internal/reporter"
	"github.com/softwell/mailproxy-core/internal/smtppool"
	"github.com/softwell/mailproxy-core/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	logger.Info("starting mail dispatcher")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Store.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Store.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Store.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Store.ConnMaxLifetime())
	db.SetConnMaxIdleTime(cfg.Store.ConnMaxIdleTime())

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		logger.Error("failed to ping database", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("connected to database")

	var redisClient *redis.Client
	if cfg.Lock.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Lock.RedisURL)
		if err != nil {
			logger.Error("failed to parse redis url", "error", err.Error())
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
	}

	store := postgres.New(db)
	rateLimiter := ratelimiter.New(store)
	pool := smtppool.New()
	attachments := attachment.New(cfg.Attachment.DiskCacheDir)

	dispatchCfg := dispatcher.Config{
		BatchSize:               cfg.Dispatcher.BatchSize,
		DefaultAccountBatchSize: cfg.Dispatcher.DefaultAccountBatchSize,
		MaxConcurrentSends:      cfg.Dispatcher.MaxConcurrentSends,
		MaxConcurrentPerAccount: cfg.Dispatcher.MaxConcurrentPerAccount,
		SendLoopInterval:        cfg.Dispatcher.SendLoopInterval(),
		RetryDelays:             cfg.Dispatcher.RetryDelays(),
		MaxRetries:              cfg.Dispatcher.MaxRetries,
	}
	dispatch := dispatcher.New(store, rateLimiter, pool, attachments, dispatchCfg)

	reportCfg := reporter.Config{
		BatchSize:        cfg.Reporter.BatchSize,
		FallbackInterval: cfg.Reporter.FallbackInterval(),
		DefaultSyncPath:  cfg.Reporter.DefaultSyncPath,
		CallbackTimeout:  cfg.Reporter.CallbackTimeout(),
		RetentionPeriod:  cfg.Reporter.RetentionPeriod(),
		ReportDeferred:   cfg.Reporter.ReportDeferred,
		GlobalSyncURL:    cfg.Reporter.GlobalSyncURL,
	}
	report := reporter.New(store, reportCfg)

	controller := control.New(store, dispatch, report)
	handler := control.NewHandler(controller, cfg.Server.APIToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchLock := distlock.NewLock(redisClient, db, cfg.Lock.Key+":dispatch", cfg.Lock.TTL())
	reportLock := distlock.NewLock(redisClient, db, cfg.Lock.Key+":report", cfg.Lock.TTL())

	go runGuarded(ctx, "dispatcher", dispatchLock, cfg.Lock.TTL(), dispatch.Run)
	go runGuarded(ctx, "reporter", reportLock, cfg.Lock.TTL(), report.Run)
	go func() {
		ticker := time.NewTicker(150 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pool.Cleanup()
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Server.GetHost() + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: handler,
	}
	go func() {
		logger.Info("control api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control api server error", "error", err.Error())
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("control api shutdown error", "error", err.Error())
	}

	logger.Info("mail dispatcher stopped")
}

// runGuarded runs fn in a loop guarded by a distributed lock, so only one
// instance in a multi-replica deployment runs the loop at a time (see
// SPEC_FULL.md §9's single-active-instance note). Acquisition is retried
// every ttl/2 until it succeeds; fn then runs until ctx is cancelled. While
// it runs, a lock that implements Extender is renewed; a failed renewal is
// only logged, and fn keeps running. fn is expected to respect ctx
// cancellation.
func runGuarded(ctx context.Context, name string, lock distlock.DistLock, ttl time.Duration, fn func(context.Context)) {
	retryInterval := ttl / 2
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		acquired, err := lock.Acquire(ctx)
		if err != nil {
			logger.Error("lock acquire failed", "loop", name, "error", err.Error())
			time.Sleep(retryInterval)
			continue
		}
		if !acquired {
			time.Sleep(retryInterval)
			continue
		}

		logger.Info("acquired lock, running loop", "loop", name)

		runCtx, stopRenew := context.WithCancel(ctx)
		if extender, ok := lock.(distlock.Extender); ok {
			go renewLock(runCtx, name, extender, ttl)
		}

		fn(ctx)
		stopRenew()

		if err := lock.Release(ctx); err != nil {
			logger.Error("lock release failed", "loop", name, "error", err.Error())
		}
		return
	}
}

// renewLock periodically extends a TTL-based lock while its loop is
// running, so the lock doesn't expire mid-run on a backend (Redis) where
// Acquire's TTL would otherwise outlive a single renewal period.
func renewLock(ctx context.Context, name string, extender distlock.Extender, ttl time.Duration) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := extender.Extend(ctx, ttl); err != nil {
				logger.Error("lock renewal failed", "loop", name, "error", err.Error())
			}
		}
	}
}
