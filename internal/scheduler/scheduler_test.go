package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/scheduler"
	"github.com/atmx/ledger-engine/internal/store"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func addJob(t *testing.T, ms *store.MemoryStore, id string, kind model.JobKind, due time.Time) {
	t.Helper()
	job := &model.SettlementJob{
		ID:        id,
		Kind:      kind,
		EntityID:  "e-" + id,
		DueAt:     due,
		Status:    model.JobPending,
		CreatedAt: t0,
	}
	if err := ms.CreateTrade(context.Background(), &model.Trade{ID: "trade-" + id}, job); err != nil {
		t.Fatal(err)
	}
}

func jobByID(t *testing.T, ms *store.MemoryStore, id string) model.SettlementJob {
	t.Helper()
	jobs, err := ms.ListJobs(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		if j.ID == id {
			return j
		}
	}
	t.Fatalf("job %s not found", id)
	return model.SettlementJob{}
}

func newScheduler(ms *store.MemoryStore, now *time.Time) *scheduler.Scheduler {
	s := scheduler.New(ms, scheduler.Config{Interval: time.Minute, Batch: 50, Workers: 4, MaxAttempts: 3})
	s.SetClock(func() time.Time { return *now })
	return s
}

func TestRunDue_OnlyDueJobs(t *testing.T) {
	ms := store.NewMemoryStore()
	now := t0
	addJob(t, ms, "past", model.JobTrade, t0.Add(-time.Second))
	addJob(t, ms, "now", model.JobTrade, t0)
	addJob(t, ms, "future", model.JobTrade, t0.Add(time.Hour))

	var mu sync.Mutex
	var seen []string
	s := newScheduler(ms, &now)
	s.Handle(model.JobTrade, func(_ context.Context, job model.SettlementJob) error {
		mu.Lock()
		seen = append(seen, job.EntityID)
		mu.Unlock()
		return nil
	})

	n, err := s.RunDue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(seen) != 2 {
		t.Errorf("completed %d, seen %v, want 2", n, seen)
	}
	if j := jobByID(t, ms, "past"); j.Status != model.JobDone {
		t.Errorf("past job status = %s", j.Status)
	}
	if j := jobByID(t, ms, "future"); j.Status != model.JobPending {
		t.Errorf("future job status = %s", j.Status)
	}

	n, err = s.RunDue(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second run = %d, %v, want nothing due", n, err)
	}
}

func TestRunDue_DispatchesByKind(t *testing.T) {
	ms := store.NewMemoryStore()
	now := t0
	addJob(t, ms, "a", model.JobTrade, t0)
	addJob(t, ms, "b", model.JobTournament, t0)

	var trades, tournaments atomic.Int32
	s := newScheduler(ms, &now)
	s.Handle(model.JobTrade, func(context.Context, model.SettlementJob) error {
		trades.Add(1)
		return nil
	})
	s.Handle(model.JobTournament, func(context.Context, model.SettlementJob) error {
		tournaments.Add(1)
		return nil
	})
	if _, err := s.RunDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if trades.Load() != 1 || tournaments.Load() != 1 {
		t.Errorf("trades = %d, tournaments = %d", trades.Load(), tournaments.Load())
	}
}

func TestRunDue_RetriesWithBackoffThenFails(t *testing.T) {
	ms := store.NewMemoryStore()
	now := t0
	addJob(t, ms, "j", model.JobTrade, t0)

	var calls atomic.Int32
	s := newScheduler(ms, &now)
	s.Handle(model.JobTrade, func(context.Context, model.SettlementJob) error {
		calls.Add(1)
		return errors.New("price feed down")
	})
	ctx := context.Background()

	if _, err := s.RunDue(ctx); err != nil {
		t.Fatal(err)
	}
	j := jobByID(t, ms, "j")
	if j.Status != model.JobPending || j.Attempts != 1 || !j.DueAt.Equal(t0.Add(time.Minute)) || j.LastError != "price feed down" {
		t.Fatalf("after first failure = %+v", j)
	}

	// Not due yet.
	if _, err := s.RunDue(ctx); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	now = now.Add(time.Minute)
	if _, err := s.RunDue(ctx); err != nil {
		t.Fatal(err)
	}
	j = jobByID(t, ms, "j")
	if j.Attempts != 2 || !j.DueAt.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("after second failure = %+v", j)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.RunDue(ctx); err != nil {
		t.Fatal(err)
	}
	j = jobByID(t, ms, "j")
	if j.Status != model.JobFailed || j.Attempts != 3 {
		t.Errorf("after max attempts = %+v", j)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRunDue_UnhandledKindFails(t *testing.T) {
	ms := store.NewMemoryStore()
	now := t0
	addJob(t, ms, "j", model.JobTournament, t0)
	s := newScheduler(ms, &now)

	if _, err := s.RunDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if j := jobByID(t, ms, "j"); j.Status != model.JobFailed {
		t.Errorf("status = %s, want failed", j.Status)
	}
}

func TestRunDue_PanicIsAFailedAttempt(t *testing.T) {
	ms := store.NewMemoryStore()
	now := t0
	addJob(t, ms, "j", model.JobTrade, t0)
	s := newScheduler(ms, &now)
	s.Handle(model.JobTrade, func(context.Context, model.SettlementJob) error {
		panic("boom")
	})

	if _, err := s.RunDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	j := jobByID(t, ms, "j")
	if j.Status != model.JobPending || j.Attempts != 1 || j.LastError == "" {
		t.Errorf("job = %+v", j)
	}
}

func TestRunDue_BoundedWorkers(t *testing.T) {
	ms := store.NewMemoryStore()
	now := t0
	for i := 0; i < 20; i++ {
		addJob(t, ms, fmt.Sprintf("j%02d", i), model.JobTrade, t0)
	}

	var running, peak atomic.Int32
	s := newScheduler(ms, &now)
	s.Handle(model.JobTrade, func(context.Context, model.SettlementJob) error {
		cur := running.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	n, err := s.RunDue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 20 {
		t.Errorf("completed = %d, want 20", n)
	}
	if p := peak.Load(); p > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", p)
	}
}

func TestStartStop(t *testing.T) {
	ms := store.NewMemoryStore()
	addJob(t, ms, "j", model.JobTrade, time.Now().UTC().Add(-time.Second))

	done := make(chan struct{})
	var once sync.Once
	s := scheduler.New(ms, scheduler.Config{Interval: 10 * time.Millisecond})
	s.Handle(model.JobTrade, func(context.Context, model.SettlementJob) error {
		once.Do(func() { close(done) })
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not run")
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
}
