// Package scheduler fires the dispatcher once per day at a fixed wall-clock
// time, the way the original deployment's cron did.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/medopt/reminder-engine/internal/dispatch"
)

// CycleRunner is what the scheduler drives; satisfied by *dispatch.Dispatcher.
type CycleRunner interface {
	RunCycle(ctx context.Context) (dispatch.Report, error)
}

type Scheduler struct {
	runner CycleRunner
	log    *zap.Logger

	hour, minute int
	now          func() time.Time
}

// New builds a scheduler firing daily at "HH:MM" in the process's local time.
func New(at string, runner CycleRunner, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	parts := strings.SplitN(at, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("schedule time %q: want HH:MM", at)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return nil, fmt.Errorf("schedule time %q: bad hour", at)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return nil, fmt.Errorf("schedule time %q: bad minute", at)
	}
	return &Scheduler{
		runner: runner,
		log:    log,
		hour:   h,
		minute: m,
		now:    time.Now,
	}, nil
}

// Run blocks until ctx is canceled. Each day it waits for the configured
// time, then runs one cycle. A tick landing while a cycle is still running is
// skipped and logged; ticks missed while the process is down are not caught
// up. An in-flight cycle is allowed to finish after cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.nextAfter(s.now())
		s.log.Info("next reminder cycle scheduled", zap.Time("at", next))

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		// Detached from cancellation so shutdown drains the cycle instead of
		// aborting patients halfway through.
		rep, err := s.runner.RunCycle(context.WithoutCancel(ctx))
		switch {
		case errors.Is(err, dispatch.ErrCycleRunning):
			s.log.Warn("previous cycle still running, skipping tick")
		case err != nil:
			s.log.Error("scheduled cycle failed", zap.Error(err))
		default:
			s.log.Info("scheduled cycle done",
				zap.String("cycle_id", rep.CycleID),
				zap.Int("sent", rep.Sent),
				zap.Int("skipped", rep.Skipped),
				zap.Int("failed", rep.Failed),
			)
		}
	}
}

// nextAfter returns the next occurrence of HH:MM strictly after now.
func (s *Scheduler) nextAfter(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
