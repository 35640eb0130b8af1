package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medopt/reminder-engine/internal/config"
	"github.com/medopt/reminder-engine/internal/core"
	"github.com/medopt/reminder-engine/internal/directory"
	"github.com/medopt/reminder-engine/internal/dispatch"
	"github.com/medopt/reminder-engine/internal/gateway"
	httpapi "github.com/medopt/reminder-engine/internal/http"
	"github.com/medopt/reminder-engine/internal/metrics"
	"github.com/medopt/reminder-engine/internal/phone"
	"github.com/medopt/reminder-engine/internal/scheduler"
	"github.com/medopt/reminder-engine/internal/suggest"
)

func main() {
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db pool", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(rootCtx); err != nil {
		log.Fatal("db ping", zap.Error(err))
	}

	poolStatsStop := make(chan struct{})
	defer close(poolStatsStop)
	go metrics.NewPGXPoolStats(pool).Start(5*time.Second, poolStatsStop)

	store := &core.Store{DB: pool}
	dir := directory.NewPostgres(pool)
	sg := suggest.NewClient(cfg.SuggestBaseURL, cfg.SuggestTimeout, log)
	gw := buildGateway(cfg, log)
	norm := phone.Normalizer{DefaultPrefix: cfg.DefaultCountryPrefix}

	disp := dispatch.New(store, dir, sg, gw, norm, dispatch.Options{
		Workers:         cfg.Workers,
		GatewayQPS:      cfg.GatewayQPS,
		GatewayBurst:    cfg.GatewayBurst,
		PatientTimeout:  cfg.PatientTimeout,
		SendTimeout:     cfg.SendTimeout,
		PublicBaseURL:   cfg.PublicBaseURL,
		MedicationLabel: cfg.MedicationLabel,
	}, log)

	// ---- Daily dispatch ----
	sched, err := scheduler.New(cfg.ScheduleAt, disp, log)
	if err != nil {
		log.Fatal("scheduler", zap.Error(err))
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler exited", zap.Error(err))
		}
	}()

	// ---- HTTP server ----
	srv := httpapi.NewServer(store, dir, sg, gw, disp, norm, httpapi.Options{
		PublicBaseURL:  cfg.PublicBaseURL,
		FreeformWindow: cfg.FreeformWindow,
		TokenTTL:       cfg.TokenTTL,
		SendTimeout:    cfg.SendTimeout,
	}, log)
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server", zap.Error(err))
		}
	}()

	<-rootCtx.Done()

	// An in-flight dispatch cycle finishes its patients before exit; the
	// scheduler runs cycles on a detached context for exactly this reason.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		log.Warn("shutdown timed out waiting for dispatch cycle")
	}
}

func buildGateway(cfg config.Config, log *zap.Logger) gateway.Provider {
	switch cfg.Gateway {
	case "twilio":
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.SenderNumber == "" {
			log.Fatal("twilio gateway requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and SENDER_NUMBER")
		}
		return gateway.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.SenderNumber)
	default:
		return gateway.NewDummy()
	}
}
