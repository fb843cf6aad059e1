package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/iyzico"
	"github.com/hackgods/clinic-appointments/internal/logging"
	"github.com/hackgods/clinic-appointments/internal/notify"
	"github.com/hackgods/clinic-appointments/internal/payment"
	"github.com/hackgods/clinic-appointments/internal/pricing"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
	"github.com/hackgods/clinic-appointments/internal/telemetry"
)

const serviceName = "reconcile-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg, serviceName)
	defer func() { _ = log.Sync() }()

	log.Info("reconcile worker starting up",
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Duration("stale_after", cfg.StalePayment),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(rootCtx, cfg, serviceName)
	if err != nil {
		log.Fatal("telemetry init", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	gateway, err := iyzico.New(cfg.Iyzico, log.Named("iyzico"))
	if err != nil {
		log.Fatal("payment gateway", zap.Error(err))
	}

	pricingSvc := pricing.NewService(
		pricing.NewPgRepository(pgPool),
		pricing.NewRedisCache(rdb, cfg.PricingCacheTTL),
		pricing.Options{DefaultRate: cfg.DefaultHourlyRate, FallbackPrice: cfg.FallbackPrice, Currency: cfg.Currency},
		log.Named("pricing"),
	)

	svc := payment.NewService(
		payment.NewPgRepository(pgPool),
		appointment.NewPgRepository(pgPool),
		gateway,
		pricingSvc,
		notify.NewStreamDispatcher(rdb, cfg.Notify.Stream, cfg.Notify.MaxLen, log.Named("notify")),
		cfg,
		log.Named("payment"),
	)

	// Run once at startup
	runOnce(rootCtx, svc, log, cfg.CheckoutTimeout)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping reconcile worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log, cfg.CheckoutTimeout)
		}
	}
}

type sweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

func runOnce(ctx context.Context, svc sweeper, log *zap.Logger, perCall time.Duration) {
	// every swept payment may cost one gateway round trip
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second+10*perCall)
	defer cancel()

	start := time.Now()
	n, err := svc.SweepStale(runCtx)
	if err != nil {
		log.Error("reconcile run error", zap.Error(err))
		return
	}
	log.Info("reconcile run complete", zap.Int("swept", n), zap.Duration("took", time.Since(start)))
}
