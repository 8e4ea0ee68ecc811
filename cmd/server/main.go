package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pushpay/config"
	"pushpay/internal/database"
	"pushpay/internal/logger"
	"pushpay/internal/metrics"
	"pushpay/internal/registry"
	"pushpay/internal/repository"
	"pushpay/internal/router"
	"pushpay/internal/service"
	"pushpay/internal/ws"
	"pushpay/pkg/payment"

	"go.uber.org/zap"
)

func main() {
	log := logger.New(os.Getenv("APP_ENV"))
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}
	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	paymentRepo := repository.NewPaymentRepository(db)
	audit := service.NewAuditWriter(repository.NewCallbackLogRepository(db), repository.NewAuditLogRepository(db), 1024, log)

	httpClient := payment.NewHTTPClient(cfg.Payments.ConnectTimeout, cfg.Payments.RequestTimeout)
	var channels []*service.Channel
	for _, prof := range cfg.Providers {
		gw, dialect, err := payment.NewGateway(prof, httpClient, log, payment.TokenOptions{
			Skew:      cfg.Payments.TokenSkew,
			Attempts:  cfg.Payments.TokenAttempts,
			OnRefresh: metrics.TokenRefreshHook(string(prof.Name)),
		})
		if err != nil {
			log.Fatal("payment gateway", zap.String("provider", string(prof.Name)), zap.Error(err))
		}
		channels = append(channels, service.NewChannel(prof, dialect, gw))
		log.Info("provider configured", zap.String("provider", string(prof.Name)), zap.String("dialect", dialect.Name()))
	}

	reg := registry.New()
	hub := ws.NewHub()
	payments := service.NewPaymentService(channels, reg, paymentRepo, audit, hub, service.PaymentOptions{
		SubmitAttempts: cfg.Payments.SubmitAttempts,
		SubmitBackoff:  cfg.Payments.SubmitBackoff,
	}, log)
	callbacks := service.NewCallbackService(payments, audit, cfg.Payments.QueryTimeout, log)
	poller := service.NewPoller(payments, service.PollerConfig{
		Interval:     cfg.Payments.PollInterval,
		QueryAfter:   cfg.Payments.QueryAfter,
		ExpireAfter:  cfg.Payments.ExpireAfter,
		GracePeriod:  cfg.Payments.GracePeriod,
		QueryTimeout: cfg.Payments.QueryTimeout,
		Workers:      cfg.Payments.PollWorkers,
	}, log)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	n, err := payments.Recover(ctx)
	if err != nil {
		log.Error("recover pending payments", zap.Error(err))
	} else if n > 0 {
		log.Info("recovered pending payments", zap.Int("count", n))
	}

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Run(ctx)
	}()

	engine := router.Setup(ctx, cfg, router.Deps{Payments: payments, Callbacks: callbacks, Registry: reg, Hub: hub}, log)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	stop()
	<-pollerDone
	callbacks.Wait()
	audit.Close()
	log.Info("server stopped")
}
