// The agent service hosts an interactive (typically headed) browser and
// runs the in-process execution path: the operator signs in once, the
// custodian watches and captures the session, and browser-agent dispatches
// execute on the same browser without leaving the process.
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

	"dealer-posting-engine/internal/agent"
	"dealer-posting-engine/internal/api"
	"dealer-posting-engine/internal/automation"
	"dealer-posting-engine/internal/config"
	"dealer-posting-engine/internal/dispatch"
	"dealer-posting-engine/internal/lifecycle"
	"dealer-posting-engine/internal/media"
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

	accountID := os.Getenv("AGENT_ACCOUNT_ID")
	if accountID == "" {
		logger.Fatal("AGENT_ACCOUNT_ID is required")
	}

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

	browser, err := automation.Connect(cfg)
	if err != nil {
		logger.Fatal("browser launch failed", zap.Error(err))
	}
	defer browser.Close()

	source := agent.NewBrowserSource(browser, cfg.SessionDebounce, logger)
	notifier := notify.New(cfg.NotifyURL, cfg.NotifyTimeout, logger)
	tracker := lifecycle.New(st, notifier, cfg.RetryCeiling, logger)
	custodian := session.New(st, source, session.NewRedisKV(redisClient, ""), session.Options{
		TargetDomain:   cfg.TargetDomain,
		Debounce:       cfg.SessionDebounce,
		CaptureTimeout: cfg.CaptureTimeout,
		MaxAge:         cfg.SessionMaxAge,
	}, logger)
	selector := pattern.New(st, logger, nil)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	remote := automation.NewRemoteResolver(cfg.ResolverURL, cfg.ResolverTimeout)
	fetcher := media.New(cfg, logger)
	executor := automation.NewBrowserExecutor(browser, remote, fetcher, cfg, logger)
	host := agent.New(executor, tracker, selector, 16, logger)

	dispatcher := dispatch.New(custodian, selector, tracker, st, q, host, limiter, logger)
	server := api.New(dispatcher, tracker, custodian, st, q, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return host.Run(gctx) })
	g.Go(func() error {
		err := custodian.Watch(gctx, accountID)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info("agent listening", zap.String("port", cfg.HTTPPort))
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

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("agent stopped")
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
