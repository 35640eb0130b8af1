package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medopt/reminder-engine/internal/config"
	"github.com/medopt/reminder-engine/internal/core"
	"github.com/medopt/reminder-engine/internal/directory"
	"github.com/medopt/reminder-engine/internal/dispatch"
	"github.com/medopt/reminder-engine/internal/gateway"
	"github.com/medopt/reminder-engine/internal/phone"
	"github.com/medopt/reminder-engine/internal/scheduler"
	"github.com/medopt/reminder-engine/internal/suggest"
)

// Standalone dispatcher: runs the daily reminder cycle without the HTTP API.
// With -once it runs a single cycle and exits, which is the shape a container
// cron job wants; otherwise it schedules daily like the api binary does.
func main() {
	once := flag.Bool("once", false, "run one dispatch cycle and exit")
	flag.Parse()

	var exitCode int
	defer func() { os.Exit(exitCode) }()

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
		log.Error("db pool", zap.Error(err))
		exitCode = 1
		return
	}
	defer pool.Close()
	if err := pool.Ping(rootCtx); err != nil {
		log.Error("db ping", zap.Error(err))
		exitCode = 1
		return
	}

	store := &core.Store{DB: pool}
	dir := directory.NewPostgres(pool)
	sg := suggest.NewClient(cfg.SuggestBaseURL, cfg.SuggestTimeout, log)
	norm := phone.Normalizer{DefaultPrefix: cfg.DefaultCountryPrefix}

	var gw gateway.Provider
	switch cfg.Gateway {
	case "twilio":
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.SenderNumber == "" {
			log.Error("twilio gateway requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and SENDER_NUMBER")
			exitCode = 1
			return
		}
		gw = gateway.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.SenderNumber)
	default:
		gw = gateway.NewDummy()
	}

	disp := dispatch.New(store, dir, sg, gw, norm, dispatch.Options{
		Workers:         cfg.Workers,
		GatewayQPS:      cfg.GatewayQPS,
		GatewayBurst:    cfg.GatewayBurst,
		PatientTimeout:  cfg.PatientTimeout,
		SendTimeout:     cfg.SendTimeout,
		PublicBaseURL:   cfg.PublicBaseURL,
		MedicationLabel: cfg.MedicationLabel,
	}, log)

	if *once {
		rep, err := disp.RunCycle(rootCtx)
		if err != nil {
			log.Error("cycle failed", zap.Error(err))
			exitCode = 1
			return
		}
		log.Info("cycle done",
			zap.String("cycle_id", rep.CycleID),
			zap.Int("sent", rep.Sent),
			zap.Int("skipped", rep.Skipped),
			zap.Int("failed", rep.Failed),
		)
		if rep.Failed > 0 {
			exitCode = 1
		}
		return
	}

	go serveHealthz(env("HEALTH_ADDR", "0.0.0.0:9090"))

	sched, err := scheduler.New(cfg.ScheduleAt, disp, log)
	if err != nil {
		log.Error("scheduler", zap.Error(err))
		exitCode = 1
		return
	}
	if err := sched.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("scheduler exited", zap.Error(err))
		exitCode = 1
	}
}

func serveHealthz(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(addr, mux)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
