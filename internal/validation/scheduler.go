package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voyagen/streamwarden/internal/config"
)

// Schedule decides when the next run is due.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Daily fires once a day at a fixed local wall-clock time.
type Daily struct {
	Hour, Minute int
}

// Next returns the first Hour:Minute strictly after the given time, in its location.
func (d Daily) Next(after time.Time) time.Time {
	y, m, day := after.Date()
	t := time.Date(y, m, day, d.Hour, d.Minute, 0, 0, after.Location())
	if !t.After(after) {
		t = time.Date(y, m, day+1, d.Hour, d.Minute, 0, 0, after.Location())
	}
	return t
}

// Every fires at a fixed interval.
type Every time.Duration

// Next returns after plus the interval.
func (e Every) Next(after time.Time) time.Time { return after.Add(time.Duration(e)) }

// ScheduleFromConfig picks Daily when DailyAt is set, else Every(Interval).
func ScheduleFromConfig(c config.Validation) (Schedule, error) {
	if c.DailyAt != "" {
		t, err := time.Parse("15:04", c.DailyAt)
		if err != nil {
			return nil, fmt.Errorf("daily time %q: %w", c.DailyAt, err)
		}
		return Daily{Hour: t.Hour(), Minute: t.Minute()}, nil
	}
	if c.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	return Every(c.Interval), nil
}

// ErrSchedulerStarted is returned by Start on a running Scheduler.
var ErrSchedulerStarted = errors.New("scheduler already started")

// Job is the work a Scheduler triggers.
type Job func(ctx context.Context)

// Scheduler runs a Job on a Schedule until stopped. Runs never overlap:
// the next due time is computed after the previous run returns.
type Scheduler struct {
	job        Job
	schedule   Schedule
	runOnStart bool
	log        *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	next   time.Time
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(job Job, schedule Schedule, runOnStart bool, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{job: job, schedule: schedule, runOnStart: runOnStart, log: log, now: time.Now}
}

// Start launches the loop in its own goroutine. The loop ends when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrSchedulerStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	return nil
}

// Stop cancels the loop, including a job in progress, and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// NextRun returns when the job is next due; zero when stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setNext(time.Time{})

	if s.runOnStart {
		s.runJob(ctx)
	}
	for {
		next := s.schedule.Next(s.now())
		s.setNext(next)
		s.log.Info("next validation scheduled", slog.Time("at", next))

		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info("validation scheduler stopped")
			return
		case <-t.C:
		}
		s.runJob(ctx)
	}
}

func (s *Scheduler) runJob(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("scheduled job panicked", slog.Any("panic", p))
		}
	}()
	s.job(ctx)
}
