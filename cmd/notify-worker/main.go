package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/email"
	"github.com/hackgods/clinic-appointments/internal/logging"
	"github.com/hackgods/clinic-appointments/internal/notify"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
)

const serviceName = "notify-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg, serviceName)
	defer func() { _ = log.Sync() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	mailer := email.New(cfg.Email)
	if !mailer.Enabled() {
		log.Warn("EMAIL_ENABLED is false, notifications will be acknowledged without sending")
	}

	loc, err := time.LoadLocation(cfg.Notify.Timezone)
	if err != nil {
		log.Warn("unknown CLINIC_TIMEZONE, using UTC", zap.String("timezone", cfg.Notify.Timezone), zap.Error(err))
		loc = time.UTC
	}

	host, _ := os.Hostname()
	worker := notify.NewWorker(
		rdb,
		notify.NewRenderer(cfg.Notify.AdminEmail, loc),
		mailer,
		notify.WorkerOptions{
			Stream:   cfg.Notify.Stream,
			Group:    cfg.Notify.Group,
			Consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		},
		log.Named("notify"),
	)

	if err := worker.Run(rootCtx); err != nil {
		log.Error("notify worker stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("notify worker stopped")
}
