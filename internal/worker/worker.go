// Package worker executes manually requested validation jobs, either from the
// Redis job queue or in a background goroutine when Redis is not configured.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voyagen/streamwarden/internal/cache"
	"github.com/voyagen/streamwarden/internal/validation"
)

// Runner executes sweeps; *validation.Runner implements it.
type Runner interface {
	RunAll(ctx context.Context) (*validation.SweepReport, error)
	RunPlaylists(ctx context.Context, ids []int64) (*validation.SweepReport, error)
}

// Dispatcher hands a job off for execution without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job cache.ValidationJob) error
}

// Execute runs one job to completion and logs the result.
func Execute(ctx context.Context, run Runner, job cache.ValidationJob, log *slog.Logger) {
	log = log.With(slog.String("job_id", job.ID), slog.String("reason", job.Reason))
	log.Info("validation job started", slog.Any("playlist_ids", job.PlaylistIDs))

	var (
		rep *validation.SweepReport
		err error
	)
	if job.All() {
		rep, err = run.RunAll(ctx)
	} else {
		rep, err = run.RunPlaylists(ctx, job.PlaylistIDs)
	}
	switch {
	case errors.Is(err, validation.ErrRunInProgress):
		log.Info("validation job skipped, run already in progress")
	case err != nil:
		log.Error("validation job failed", slog.String("error", err.Error()))
	default:
		log.Info("validation job finished",
			slog.Int("runs", len(rep.Runs)),
			slog.Int("failures", len(rep.Failures)),
		)
	}
}

// Async runs each job in its own goroutine under a base context that outlives
// the request that dispatched it.
type Async struct {
	base context.Context
	run  Runner
	log  *slog.Logger
	wg   sync.WaitGroup
}

// NewAsync creates an Async dispatcher. Jobs are cancelled when base is.
func NewAsync(base context.Context, run Runner, log *slog.Logger) *Async {
	if log == nil {
		log = slog.Default()
	}
	return &Async{base: base, run: run, log: log}
}

// Dispatch starts the job and returns immediately.
func (a *Async) Dispatch(_ context.Context, job cache.ValidationJob) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		Execute(a.base, a.run, job, a.log)
	}()
	return nil
}

// Wait blocks until every dispatched job has returned.
func (a *Async) Wait() { a.wg.Wait() }

// Queue pushes jobs onto the Redis validation queue.
type Queue struct {
	r     *cache.Redis
	queue string
}

// NewQueue creates a Queue dispatcher on the named list.
func NewQueue(r *cache.Redis, queue string) *Queue {
	return &Queue{r: r, queue: queue}
}

// Dispatch enqueues the job.
func (q *Queue) Dispatch(ctx context.Context, job cache.ValidationJob) error {
	return cache.Enqueue(ctx, q.r, q.queue, job)
}

// Pending returns how many jobs wait in the queue.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return cache.QueueLength(ctx, q.r, q.queue)
}

// Worker consumes the Redis validation queue.
type Worker struct {
	r       *cache.Redis
	queue   string
	run     Runner
	log     *slog.Logger
	poll    time.Duration
	backoff time.Duration
}

// NewWorker creates a Worker on the named list.
func NewWorker(r *cache.Redis, queue string, run Runner, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{r: r, queue: queue, run: run, log: log, poll: 5 * time.Second, backoff: 2 * time.Second}
}

// Run dequeues and executes jobs one at a time until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("validation worker started", slog.String("queue", w.queue))
	for {
		if ctx.Err() != nil {
			w.log.Info("validation worker stopping")
			return
		}

		job, err := cache.Dequeue(ctx, w.r, w.queue, w.poll)
		if err != nil {
			w.log.Error("dequeue failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(w.backoff):
			}
			continue
		}
		if job == nil {
			continue
		}
		Execute(ctx, w.run, *job, w.log)
	}
}
