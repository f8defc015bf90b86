// The worker service claims queued posting tasks and executes them in a
// headless browser. Run several against the same Redis to scale out;
// the lease protocol keeps each task on exactly one worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dealer-posting-engine/internal/automation"
	"dealer-posting-engine/internal/config"
	"dealer-posting-engine/internal/lifecycle"
	"dealer-posting-engine/internal/media"
	"dealer-posting-engine/internal/models"
	"dealer-posting-engine/internal/notify"
	"dealer-posting-engine/internal/pattern"
	"dealer-posting-engine/internal/queue"
	"dealer-posting-engine/internal/session"
	"dealer-posting-engine/internal/store"
	"dealer-posting-engine/internal/telemetry"
	"dealer-posting-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	method := os.Getenv("WORKER_METHOD")
	if method == "" {
		method = models.MethodHeadlessWorker
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

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

	browser, err := automation.Connect(cfg)
	if err != nil {
		logger.Fatal("browser launch failed", zap.Error(err))
	}
	defer browser.Close()

	remote := automation.NewRemoteResolver(cfg.ResolverURL, cfg.ResolverTimeout)
	fetcher := media.New(cfg, logger)
	executor := automation.NewBrowserExecutor(browser, remote, fetcher, cfg, logger)

	proc := worker.New(method, q, executor, custodian, tracker, selector, st, cfg, logger)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return metricsServer.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
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
