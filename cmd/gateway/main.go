package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/paygate/idempotency-gateway/internal/compensation"
	"github.com/paygate/idempotency-gateway/internal/config"
	"github.com/paygate/idempotency-gateway/internal/idempotency"
	"github.com/paygate/idempotency-gateway/internal/metrics"
	"github.com/paygate/idempotency-gateway/internal/middleware"
	"github.com/paygate/idempotency-gateway/internal/payments"
	"github.com/paygate/idempotency-gateway/internal/record"
	"github.com/paygate/idempotency-gateway/internal/repository"
	"github.com/paygate/idempotency-gateway/internal/routes"
	"github.com/paygate/idempotency-gateway/pkg/health"
	"github.com/paygate/idempotency-gateway/pkg/logger"
	"github.com/paygate/idempotency-gateway/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout)
	log.Infof("starting", map[string]interface{}{"port": cfg.HTTPPort})

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Error("open database failed")
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.WithError(err).Error("ping database failed")
		os.Exit(1)
	}
	log.Info("connected to postgres")

	if cfg.DBAutoMigrate {
		if err := repository.EnsureSchema(context.Background(), db); err != nil {
			log.WithError(err).Error("apply schema failed")
			os.Exit(1)
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		log.WithError(err).Error("init tracing failed")
		os.Exit(1)
	}

	met := metrics.New()
	repo := repository.NewIdempotencyRepository(db)
	coordinator := idempotency.NewCoordinator(repo, log, idempotency.Config{
		LockTTL:    cfg.LockTTL,
		ReclaimTTL: cfg.ReclaimTTL,
		Retention:  cfg.Retention,
	})

	provider := payments.NewSandboxProvider()
	svc := payments.NewService(provider, log)

	resolver, err := routes.NewBuilder().
		Register(http.MethodPost, "/api/v1/payments", record.ActionPayment).
		Register(http.MethodPost, "/api/v1/refunds", record.ActionRefund).
		Build()
	if err != nil {
		log.WithError(err).Error("build action table failed")
		os.Exit(1)
	}

	registry, err := compensation.NewRegistry(
		payments.NewPaymentReversal(provider, log),
		payments.NewRefundReversal(provider, log),
	)
	if err != nil {
		log.WithError(err).Error("build compensation registry failed")
		os.Exit(1)
	}
	// Every routed action must have a compensation handler before the
	// gateway accepts traffic.
	for _, action := range resolver.Actions() {
		if _, err := registry.Resolve(action); err != nil {
			log.WithError(err).Error("compensation coverage check failed")
			os.Exit(1)
		}
	}

	reaper := idempotency.NewReaper(repo, log, met, cfg.ReaperInterval)
	dispatcher := compensation.NewDispatcher(repo, registry, log, met, compensation.DispatcherConfig{
		Interval:    cfg.DispatcherInterval,
		Workers:     cfg.DispatcherWorkers,
		MaxAttempts: cfg.DispatcherMaxAttempts,
	})

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		reaper.Start(loopCtx)
	}()
	go func() {
		defer loops.Done()
		dispatcher.Start(loopCtx)
	}()

	hc := health.New()
	hc.Register(health.NewPostgresChecker(db))
	hc.Register(health.NewRedisChecker(rdb))
	hc.Register(health.NewLoopChecker("reaper", reaper))
	hc.Register(health.NewLoopChecker("dispatcher", dispatcher))
	hc.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", hc.LiveHandler())
	mux.HandleFunc("/ready", hc.ReadyHandler())
	mux.Handle("/metrics", met.Handler())
	payments.NewHandler(svc, log).Register(mux)

	filter := middleware.NewIdempotencyFilter(resolver, coordinator, log, met)
	limiter := middleware.NewRateLimiter(rdb, resolver)
	handler := tracing.HTTPMiddleware(limiter.Middleware(filter.Middleware(mux)))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}

	go func() {
		log.Infof("http server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	hc.SetReady(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("http shutdown failed")
	}
	cancelLoops()
	loops.Wait()
	if err := shutdownTracing(ctx); err != nil {
		log.WithError(err).Error("tracing shutdown failed")
	}
	log.Info("shutdown complete")
}
