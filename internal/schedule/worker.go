// Package schedule materialises due wake schedules into routed wake
// commands on a periodic tick.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wakefleet/cnc/internal/clock"
	"github.com/wakefleet/cnc/internal/command"
	"github.com/wakefleet/cnc/internal/config"
	"github.com/wakefleet/cnc/internal/metrics"
	"github.com/wakefleet/cnc/internal/store"
)

// WakeRouter is the slice of the command router the worker depends on.
type WakeRouter interface {
	RouteWake(fqn string, opts command.Options) (*command.WakeResult, error)
}

// Store is the slice of the persistent store the worker depends on.
type Store interface {
	ListDueWakeSchedules(now time.Time, limit int) ([]store.WakeSchedule, error)
	RecordWakeAttempt(id string, at, nextRun time.Time) error
}

// NextRun evaluates a standard 5-field cron expression against a reference
// time.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// Worker drives wake schedules: every poll interval it lists due schedules
// and routes a wake for each. Ticks never overlap; a tick still in flight
// makes the next one skip.
type Worker struct {
	cfg    *config.Config
	router WakeRouter
	store  Store
	clock  clock.Clock
	log    *slog.Logger

	mu     sync.Mutex
	inTick bool

	wg sync.WaitGroup
}

// NewWorker wires a Worker. Call Run to start ticking.
func NewWorker(cfg *config.Config, router WakeRouter, st Store, clk clock.Clock, log *slog.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		router: router,
		store:  st,
		clock:  clk,
		log:    log.With("component", "wake-schedule-worker"),
	}
}

// Run ticks until ctx is cancelled, then waits for any in-flight tick.
// A disabled worker never arms the timer.
func (w *Worker) Run(ctx context.Context) {
	if !w.cfg.ScheduleWorkerEnabled {
		w.log.Info("wake schedule worker disabled")
		return
	}

	ticker := time.NewTicker(w.cfg.SchedulePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-ticker.C:
			if !w.beginTick() {
				w.log.Debug("skipping tick, previous still in flight")
				continue
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer w.endTick()
				if _, err := w.ProcessDueWakeSchedules(ctx); err != nil {
					w.log.Warn("wake schedule tick failed", "error", err)
				}
			}()
		}
	}
}

func (w *Worker) beginTick() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inTick {
		return false
	}
	w.inTick = true
	return true
}

func (w *Worker) endTick() {
	w.mu.Lock()
	w.inTick = false
	w.mu.Unlock()
}

// ProcessDueWakeSchedules routes a wake for every due schedule, at most the
// configured batch size, and returns how many schedules were attempted.
// Every schedule gets exactly one attempt record per pass, success or not.
func (w *Worker) ProcessDueWakeSchedules(ctx context.Context) (int, error) {
	now := w.clock.Now().UTC()
	due, err := w.store.ListDueWakeSchedules(now, w.cfg.ScheduleBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	attempted := 0
	for _, ws := range due {
		select {
		case <-ctx.Done():
			return attempted, ctx.Err()
		default:
		}

		correlationID := "wake-schedule:" + ws.ID
		if _, err := w.router.RouteWake(ws.HostFQN, command.Options{CorrelationID: correlationID}); err != nil {
			w.log.Warn("scheduled wake failed",
				"scheduleID", ws.ID, "fqn", ws.HostFQN, "error", err)
		} else {
			metrics.WakeSchedulesProcessed.Inc()
			w.log.Info("scheduled wake dispatched", "scheduleID", ws.ID, "fqn", ws.HostFQN)
		}

		next, err := NextRun(ws.Cron, now)
		if err != nil {
			// Expressions are validated at creation; an unparseable one here
			// is pushed out an hour so the worker does not spin on it.
			w.log.Warn("invalid cron expression", "scheduleID", ws.ID, "cron", ws.Cron, "error", err)
			next = now.Add(time.Hour)
		}
		if err := w.store.RecordWakeAttempt(ws.ID, now, next); err != nil {
			w.log.Warn("failed to record wake attempt", "scheduleID", ws.ID, "error", err)
		}
		attempted++
	}
	return attempted, nil
}
