package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wakefleet/cnc/internal/clock"
	"github.com/wakefleet/cnc/internal/command"
	"github.com/wakefleet/cnc/internal/config"
	"github.com/wakefleet/cnc/internal/logging"
	"github.com/wakefleet/cnc/internal/store"
)

// fakeWakeRouter records routed wakes and can fail selected FQNs.
type fakeWakeRouter struct {
	mu     sync.Mutex
	woken  []string
	corrs  []string
	failOn map[string]bool
}

func (f *fakeWakeRouter) RouteWake(fqn string, opts command.Options) (*command.WakeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken = append(f.woken, fqn)
	f.corrs = append(f.corrs, opts.CorrelationID)
	if f.failOn[fqn] {
		return nil, errors.New("node unreachable")
	}
	return &command.WakeResult{Success: true}, nil
}

func newWorkerFixture(t *testing.T, batchSize int) (*Worker, *fakeWakeRouter, *store.Store) {
	t.Helper()

	st, err := store.Open(t.TempDir() + "/schedules.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		ScheduleWorkerEnabled: true,
		SchedulePollInterval:  time.Minute,
		ScheduleBatchSize:     batchSize,
	}
	router := &fakeWakeRouter{failOn: make(map[string]bool)}
	w := NewWorker(cfg, router, st, clock.Real{}, logging.New(false).Logger)
	return w, router, st
}

func seedSchedule(t *testing.T, st *store.Store, id, fqn string, nextRun time.Time) {
	t.Helper()
	err := st.SaveWakeSchedule(store.WakeSchedule{
		ID:        id,
		HostFQN:   fqn,
		Cron:      "0 7 * * *",
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
		NextRunAt: nextRun,
	})
	if err != nil {
		t.Fatalf("SaveWakeSchedule: %v", err)
	}
}

func TestProcessDueWakeSchedules(t *testing.T) {
	w, router, st := newWorkerFixture(t, 25)
	past := time.Now().UTC().Add(-time.Minute)

	seedSchedule(t, st, "sched_1", "desk-pc@Home%20Office", past)
	seedSchedule(t, st, "sched_2", "nas@Garage", time.Now().UTC().Add(time.Hour))

	n, err := w.ProcessDueWakeSchedules(context.Background())
	if err != nil {
		t.Fatalf("ProcessDueWakeSchedules: %v", err)
	}
	if n != 1 {
		t.Fatalf("attempted %d schedules, want 1", n)
	}
	if len(router.woken) != 1 || router.woken[0] != "desk-pc@Home%20Office" {
		t.Errorf("woken = %v", router.woken)
	}
	if router.corrs[0] != "wake-schedule:sched_1" {
		t.Errorf("correlationId = %q", router.corrs[0])
	}

	ws, err := st.GetWakeSchedule("sched_1")
	if err != nil {
		t.Fatal(err)
	}
	if ws.AttemptCount != 1 || ws.LastAttemptAt == nil {
		t.Errorf("attempt not recorded: %+v", ws)
	}
	if !ws.NextRunAt.After(time.Now().UTC()) {
		t.Errorf("nextRunAt not advanced: %v", ws.NextRunAt)
	}
}

func TestFailedWakeStillRecordsAttempt(t *testing.T) {
	w, router, st := newWorkerFixture(t, 25)
	past := time.Now().UTC().Add(-time.Minute)

	seedSchedule(t, st, "sched_down", "dead-pc@Basement", past)
	seedSchedule(t, st, "sched_up", "desk-pc@Lab", past)
	router.failOn["dead-pc@Basement"] = true

	n, err := w.ProcessDueWakeSchedules(context.Background())
	if err != nil {
		t.Fatalf("ProcessDueWakeSchedules: %v", err)
	}
	if n != 2 {
		t.Fatalf("attempted %d, want 2: one failure must not abort the batch", n)
	}

	for _, id := range []string{"sched_down", "sched_up"} {
		ws, err := st.GetWakeSchedule(id)
		if err != nil {
			t.Fatal(err)
		}
		if ws.AttemptCount != 1 {
			t.Errorf("%s attemptCount = %d, want 1", id, ws.AttemptCount)
		}
		if !ws.NextRunAt.After(time.Now().UTC()) {
			t.Errorf("%s nextRunAt not advanced", id)
		}
	}
}

func TestBatchSizeLimitsPass(t *testing.T) {
	w, router, st := newWorkerFixture(t, 2)
	past := time.Now().UTC().Add(-time.Hour)

	for _, id := range []string{"sched_a", "sched_b", "sched_c"} {
		seedSchedule(t, st, id, id+"@Lab", past)
	}

	n, err := w.ProcessDueWakeSchedules(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(router.woken) != 2 {
		t.Errorf("attempted %d, woke %d, want 2", n, len(router.woken))
	}

	// The remaining schedule is picked up on the next pass.
	n, err = w.ProcessDueWakeSchedules(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("second pass attempted %d, want 1", n)
	}
}

func TestInvalidCronPushedOut(t *testing.T) {
	w, _, st := newWorkerFixture(t, 25)
	now := time.Now().UTC()

	err := st.SaveWakeSchedule(store.WakeSchedule{
		ID:        "sched_bad",
		HostFQN:   "desk-pc@Lab",
		Cron:      "not a cron",
		Enabled:   true,
		CreatedAt: now,
		NextRunAt: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.ProcessDueWakeSchedules(context.Background()); err != nil {
		t.Fatal(err)
	}

	ws, err := st.GetWakeSchedule("sched_bad")
	if err != nil {
		t.Fatal(err)
	}
	// Unparseable expressions get deferred instead of spinning every tick.
	if !ws.NextRunAt.After(now.Add(50 * time.Minute)) {
		t.Errorf("bad cron not pushed out: nextRunAt %v", ws.NextRunAt)
	}
}

func TestRunDisabledReturnsImmediately(t *testing.T) {
	w, _, _ := newWorkerFixture(t, 25)
	w.cfg.ScheduleWorkerEnabled = false

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled worker kept running")
	}
}

func TestCancelledContextStopsPass(t *testing.T) {
	w, _, st := newWorkerFixture(t, 25)
	seedSchedule(t, st, "sched_1", "desk-pc@Lab", time.Now().UTC().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.ProcessDueWakeSchedules(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestNextRun(t *testing.T) {
	after := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	next, err := NextRun("0 7 * * *", after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if want := time.Date(2026, 8, 1, 7, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if _, err := NextRun("nope", after); err == nil {
		t.Error("invalid expression accepted")
	}
}
