// The api service accepts posting dispatches, tracks lifecycle records,
// and manages sessions and patterns. Browser execution happens in the
// worker and agent services.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dealer-posting-engine/internal/api"
	"dealer-posting-engine/internal/config"
	"dealer-posting-engine/internal/dispatch"
	"dealer-posting-engine/internal/lifecycle"
	"dealer-posting-engine/internal/notify"
	"dealer-posting-engine/internal/pattern"
	"dealer-posting-engine/internal/queue"
	"dealer-posting-engine/internal/ratelimit"
	"dealer-posting-engine/internal/session"
	"dealer-posting-engine/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueue(cfg)

	notifier := notify.New(cfg.NotifyURL, cfg.NotifyTimeout, logger)
	tracker := lifecycle.New(st, notifier, cfg.RetryCeiling, logger)
	custodian := session.New(st, nil, session.NewRedisKV(redisClient, ""), session.Options{
		TargetDomain:   cfg.TargetDomain,
		Debounce:       cfg.SessionDebounce,
		CaptureTimeout: cfg.CaptureTimeout,
		MaxAge:         cfg.SessionMaxAge,
	}, logger)
	selector := pattern.New(st, logger, nil)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	dispatcher := dispatch.New(custodian, selector, tracker, st, q, nil, limiter, logger)
	server := api.New(dispatcher, tracker, custodian, st, q, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SessionSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := custodian.Sweep(gctx); err != nil {
					logger.Warn("session sweep failed", zap.Error(err))
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("api stopped")
}

func newLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}
