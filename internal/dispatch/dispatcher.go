// Package dispatch runs reminder cycles: it walks the patients currently due,
// dedups against today's reminders, asks the suggestion service for wording,
// persists the reminder with its confirmation token and hands the message to
// the gateway.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/medopt/reminder-engine/internal/core"
	"github.com/medopt/reminder-engine/internal/directory"
	"github.com/medopt/reminder-engine/internal/gateway"
	"github.com/medopt/reminder-engine/internal/metrics"
	"github.com/medopt/reminder-engine/internal/phone"
	"github.com/medopt/reminder-engine/internal/suggest"
	"github.com/medopt/reminder-engine/internal/token"
)

// ErrCycleRunning is returned when a cycle is requested while the previous
// one has not finished. The caller skips, it never queues.
var ErrCycleRunning = errors.New("dispatch cycle already running")

// ReminderStore is the slice of the store the dispatcher needs.
type ReminderStore interface {
	DispatchedToday(ctx context.Context, patientID int64) (bool, error)
	CreateDispatched(ctx context.Context, patientID int64, state, action, tok string) (int64, error)
}

type Options struct {
	Workers         int           // concurrent per-patient dispatches
	GatewayQPS      float64       // sustained gateway rate
	GatewayBurst    int           // burst to allow short spikes
	PatientTimeout  time.Duration // total wall time per patient attempt
	SendTimeout     time.Duration // gateway call timeout inside the attempt
	PublicBaseURL   string        // base for confirmation links
	MedicationLabel string        // e.g. "Dolo 650"
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.GatewayQPS <= 0 {
		o.GatewayQPS = 10
	}
	if o.GatewayBurst <= 0 {
		o.GatewayBurst = 5
	}
	if o.PatientTimeout <= 0 {
		o.PatientTimeout = 15 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
}

type Failure struct {
	PatientID int64  `json:"patient_id"`
	Reason    string `json:"reason"`
}

// Report is the outcome of one cycle. Partial success is the normal case, so
// callers get counts and per-patient reasons instead of a single pass/fail.
type Report struct {
	CycleID   string    `json:"cycle_id"`
	Attempted int       `json:"attempted"`
	Skipped   int       `json:"skipped_deduped"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
}

type Dispatcher struct {
	store   ReminderStore
	dir     directory.Directory
	suggest suggest.Service
	gateway gateway.Provider
	norm    phone.Normalizer
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger

	running atomic.Bool
}

func New(store ReminderStore, dir directory.Directory, sg suggest.Service, gw gateway.Provider, norm phone.Normalizer, opts Options, log *zap.Logger) *Dispatcher {
	opts.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:   store,
		dir:     dir,
		suggest: sg,
		gateway: gw,
		norm:    norm,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.GatewayQPS), opts.GatewayBurst),
		log:     log,
	}
}

const (
	outcomeSent = iota
	outcomeSkipped
	outcomeFailed
)

type result struct {
	patientID int64
	outcome   int
	reason    string
}

// RunCycle dispatches to every patient currently flagged as needing a
// reminder. Single-flight: an overlapping call returns ErrCycleRunning.
func (d *Dispatcher) RunCycle(ctx context.Context) (Report, error) {
	if !d.running.CompareAndSwap(false, true) {
		metrics.CycleTotal.WithLabelValues("skipped_overlap").Inc()
		return Report{}, ErrCycleRunning
	}
	defer d.running.Store(false)

	start := time.Now()
	rep := Report{CycleID: uuid.NewString()}

	patients, err := d.dir.ListNeedingReminder(ctx)
	if err != nil {
		metrics.CycleTotal.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("list due patients: %w", err)
	}
	if len(patients) == 0 {
		metrics.CycleTotal.WithLabelValues("empty").Inc()
		d.log.Info("no patients need reminders", zap.String("cycle_id", rep.CycleID))
		return rep, nil
	}

	// Fixed-size worker pool over the due list.
	workers := d.opts.Workers
	if workers > len(patients) {
		workers = len(patients)
	}
	jobs := make(chan core.Patient)
	results := make(chan result, len(patients))
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for p := range jobs {
				results <- d.dispatchOne(ctx, p)
			}
		}()
	}

feed:
	for _, p := range patients {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- p:
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	for r := range results {
		rep.Attempted++
		switch r.outcome {
		case outcomeSent:
			rep.Sent++
			metrics.DispatchTotal.WithLabelValues("sent").Inc()
		case outcomeSkipped:
			rep.Skipped++
			metrics.DispatchTotal.WithLabelValues("skipped_deduped").Inc()
		case outcomeFailed:
			rep.Failed++
			rep.Failures = append(rep.Failures, Failure{PatientID: r.patientID, Reason: r.reason})
			metrics.DispatchTotal.WithLabelValues("failed").Inc()
		}
	}

	metrics.CycleTotal.WithLabelValues("ok").Inc()
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	d.log.Info("dispatch cycle finished",
		zap.String("cycle_id", rep.CycleID),
		zap.Int("attempted", rep.Attempted),
		zap.Int("sent", rep.Sent),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		zap.Duration("took", time.Since(start)),
	)
	return rep, ctx.Err()
}

// dispatchOne runs the whole per-patient sequence under one timeout. A
// failure here never touches the other patients in the cycle.
func (d *Dispatcher) dispatchOne(ctx context.Context, p core.Patient) result {
	ctx, cancel := context.WithTimeout(ctx, d.opts.PatientTimeout)
	defer cancel()

	to, err := d.norm.Normalize(p.PhoneNumber)
	if err != nil {
		return d.fail(p.ID, "normalize phone", err)
	}

	already, err := d.store.DispatchedToday(ctx, p.ID)
	if err != nil {
		return d.fail(p.ID, "dedup check", err)
	}
	if already {
		d.log.Debug("reminder already sent today", zap.Int64("patient_id", p.ID))
		return result{patientID: p.ID, outcome: outcomeSkipped}
	}

	action, err := d.suggest.Recommend(ctx, core.StateMissed)
	if err != nil {
		metrics.SuggestErrors.WithLabelValues("recommend").Inc()
		return d.fail(p.ID, "suggestion service", err)
	}

	tok, err := token.Generate()
	if err != nil {
		return d.fail(p.ID, "generate token", err)
	}

	// Persist before sending: the token must resolve as soon as the patient
	// could plausibly click it, and a concurrent cycle must see the row.
	if _, err := d.store.CreateDispatched(ctx, p.ID, core.StateMissed, action, tok); err != nil {
		if errors.Is(err, core.ErrDuplicateSuppressed) {
			// Another dispatch won the insert race. Policy skip, not failure.
			return result{patientID: p.ID, outcome: outcomeSkipped}
		}
		return d.fail(p.ID, "persist reminder", err)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return d.fail(p.ID, "rate limiter", err)
	}

	body := fmt.Sprintf("Reminder It is time to take %s tablet : %s. Click here to confirm: %s/confirm-reminder?token=%s",
		d.opts.MedicationLabel, action, d.opts.PublicBaseURL, tok)

	sctx, scancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer scancel()

	sendStart := time.Now()
	deliveryID, err := d.gateway.Send(sctx, to, body)
	metrics.GatewaySendDuration.Observe(time.Since(sendStart).Seconds())
	if err != nil {
		// The reminder row stays: no retry this cycle, and tomorrow is the
		// earliest the dedup guard lets this patient be reached again.
		metrics.GatewaySendTotal.WithLabelValues("failed").Inc()
		return d.fail(p.ID, "gateway send", err)
	}
	metrics.GatewaySendTotal.WithLabelValues("sent").Inc()

	d.log.Info("reminder sent",
		zap.Int64("patient_id", p.ID),
		zap.String("delivery_id", deliveryID),
	)
	return result{patientID: p.ID, outcome: outcomeSent}
}

func (d *Dispatcher) fail(patientID int64, stage string, err error) result {
	d.log.Warn("dispatch failed",
		zap.Int64("patient_id", patientID),
		zap.String("stage", stage),
		zap.Error(err),
	)
	return result{patientID: patientID, outcome: outcomeFailed, reason: stage + ": " + err.Error()}
}
