// Package scheduler runs durable settlement jobs.
//
// Jobs are rows in the store, so a restart loses nothing: the poll loop
// picks up whatever is due. Handlers must be idempotent because a job may
// run again after a crash or a failed attempt.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

// Handler settles the entity a job points at.
type Handler func(ctx context.Context, job model.SettlementJob) error

// Config controls the poll loop.
type Config struct {
	Interval    time.Duration
	Batch       int
	Workers     int
	MaxAttempts int
}

// DefaultConfig polls every second, 100 jobs at a time on 8 workers, and
// gives up on a job after 10 attempts.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Second,
		Batch:       100,
		Workers:     8,
		MaxAttempts: 10,
	}
}

// Scheduler dispatches due jobs to the handler registered for their kind.
type Scheduler struct {
	store    store.JobStore
	cfg      Config
	handlers map[model.JobKind]Handler
	now      func() time.Time

	mu   sync.Mutex
	cron gocron.Scheduler
}

// New creates a scheduler over st.
func New(st store.JobStore, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Scheduler{
		store:    st,
		cfg:      cfg,
		handlers: make(map[model.JobKind]Handler),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the scheduler's clock. Intended for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Handle registers h for jobs of kind. Call before Start.
func (s *Scheduler) Handle(kind model.JobKind, h Handler) {
	s.handlers[kind] = h
}

// RunDue processes one batch of due jobs and returns how many completed.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	jobs, err := s.store.DueJobs(ctx, s.now(), s.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("load due jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, job := range jobs {
		job := job // per-iteration copy; go.mod targets go 1.21 loop semantics
		g.Go(func() error {
			ok, err := s.run(gctx, job)
			if ok {
				mu.Lock()
				done++
				mu.Unlock()
			}
			return err
		})
	}
	err = g.Wait()
	return done, err
}

// run executes one job and records the outcome. Only store failures are
// returned; handler failures are written back to the job.
func (s *Scheduler) run(ctx context.Context, job model.SettlementJob) (bool, error) {
	h, ok := s.handlers[job.Kind]
	if !ok {
		metrics.SchedulerJobs.WithLabelValues(string(job.Kind), "unhandled").Inc()
		return false, s.fail(ctx, job, fmt.Sprintf("no handler for job kind %q", job.Kind))
	}

	herr := s.invoke(ctx, h, job)
	if herr == nil {
		metrics.SchedulerJobs.WithLabelValues(string(job.Kind), "done").Inc()
		slog.Debug("job done", "job_id", job.ID, "kind", job.Kind, "entity_id", job.EntityID)
		return true, s.store.CompleteJob(ctx, job.ID, s.now())
	}
	if ctx.Err() != nil {
		// Shutting down; the job stays pending and is picked up again.
		return false, nil
	}

	attempt := job.Attempts + 1
	if attempt >= s.cfg.MaxAttempts {
		metrics.SchedulerJobs.WithLabelValues(string(job.Kind), "failed").Inc()
		return false, s.fail(ctx, job, herr.Error())
	}

	next := s.now().Add(time.Duration(attempt) * s.cfg.Interval)
	metrics.SchedulerJobs.WithLabelValues(string(job.Kind), "retried").Inc()
	slog.Warn("job failed, rescheduled",
		"job_id", job.ID,
		"kind", job.Kind,
		"entity_id", job.EntityID,
		"attempt", attempt,
		"next", next,
		"err", herr,
	)
	return false, s.store.RetryJob(ctx, job.ID, next, herr.Error())
}

func (s *Scheduler) invoke(ctx context.Context, h Handler, job model.SettlementJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (s *Scheduler) fail(ctx context.Context, job model.SettlementJob, reason string) error {
	slog.Error("settlement job failed permanently",
		"alert", true,
		"job_id", job.ID,
		"kind", job.Kind,
		"entity_id", job.EntityID,
		"attempts", job.Attempts+1,
		"err", reason,
	)
	return s.store.FailJob(ctx, job.ID, reason)
}

// Start polls for due jobs every Interval until ctx is done or Stop is
// called. Overlapping runs are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler: already started")
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if ctx.Err() != nil {
				return
			}
			n, err := s.RunDue(ctx)
			if err != nil {
				slog.Error("settlement run failed", "err", err)
			} else if n > 0 {
				slog.Info("settlement run completed", "jobs", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = cron.Shutdown()
		return fmt.Errorf("schedule settlement job: %w", err)
	}
	cron.Start()
	s.cron = cron
	slog.Info("scheduler started", "interval", s.cfg.Interval, "workers", s.cfg.Workers)
	return nil
}

// Stop shuts the poll loop down and waits for a running batch.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	err := s.cron.Shutdown()
	s.cron = nil
	return err
}
