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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-appointments/internal/api"
	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/auth"
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

const serviceName = "api-server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	log := logging.New(cfg, serviceName)
	defer func() { _ = log.Sync() }()

	log.Info("api-server starting up", zap.String("http_port", cfg.HTTPPort))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(rootCtx, cfg, serviceName)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	if cfg.MigrateOnStart {
		m, err := db.NewMigrator(pgPool, log)
		if err != nil {
			return err
		}
		err = m.Up(rootCtx)
		_ = m.Close()
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	rdb, err := redisclient.NewRedisClient(cfg)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	gateway, err := iyzico.New(cfg.Iyzico, log.Named("iyzico"))
	if err != nil {
		return fmt.Errorf("payment gateway: %w", err)
	}

	policy, err := auth.NewPolicy()
	if err != nil {
		return err
	}

	notifier := notify.NewStreamDispatcher(rdb, cfg.Notify.Stream, cfg.Notify.MaxLen, log.Named("notify"))

	pricingSvc := pricing.NewService(
		pricing.NewPgRepository(pgPool),
		pricing.NewRedisCache(rdb, cfg.PricingCacheTTL),
		pricing.Options{
			DefaultRate:   cfg.DefaultHourlyRate,
			FallbackPrice: cfg.FallbackPrice,
			Currency:      cfg.Currency,
		},
		log.Named("pricing"),
	)

	apptRepo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, log.Named("lock"))
	apptSvc := appointment.NewService(apptRepo, locker, pricingSvc, notifier, cfg, log.Named("appointment"))

	paySvc := payment.NewService(
		payment.NewPgRepository(pgPool),
		apptRepo,
		gateway,
		pricingSvc,
		notifier,
		cfg,
		log.Named("payment"),
	)

	router := api.NewRouter(api.RouterConfig{
		Appointments: apptSvc,
		Payments:     paySvc,
		Pricing:      pricingSvc,
		Tokens:       auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer),
		Policy:       policy,
		Postgres:     pgPool,
		Redis:        rdb,
		FrontendURL:  cfg.FrontendURL,
		Env:          cfg.Env,
		Version:      cfg.Version,
		Log:          log.Named("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.CheckoutTimeout + 15*time.Second,
		IdleTimeout:       90 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down api-server", zap.Duration("timeout", cfg.ShutdownTimeout))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("api-server stopped with error", zap.Error(err))
		return err
	}

	log.Info("api-server stopped")
	return nil
}
