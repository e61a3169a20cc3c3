package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voyagen/streamwarden/internal/cache"
)

// ErrRunInProgress is returned when a validation run is already under way.
var ErrRunInProgress = errors.New("validation run already in progress")

// RunCounter reports runs persisted in the running state.
type RunCounter interface {
	CountRunningRuns(ctx context.Context) (int, error)
}

// LockFunc takes a cross-process lock, returning ErrRunInProgress when another holds it.
type LockFunc func(ctx context.Context) (unlock func(), err error)

// RedisLock builds a LockFunc on the shared Redis run lock.
func RedisLock(r *cache.Redis, key string, ttl time.Duration) LockFunc {
	return func(ctx context.Context) (func(), error) {
		unlock, err := cache.TryLock(ctx, r, key, ttl)
		if errors.Is(err, cache.ErrLocked) {
			return nil, ErrRunInProgress
		}
		return unlock, err
	}
}

// Guard serializes validation runs: within the process, across processes
// when a LockFunc is set, and against runs the store still lists as running.
type Guard struct {
	mu   sync.Mutex
	busy bool
	runs RunCounter
	lock LockFunc
}

// NewGuard creates a Guard. runs and lock may be nil.
func NewGuard(runs RunCounter, lock LockFunc) *Guard {
	return &Guard{runs: runs, lock: lock}
}

// Acquire returns a release function, or ErrRunInProgress.
func (g *Guard) Acquire(ctx context.Context) (release func(), err error) {
	g.mu.Lock()
	if g.busy {
		g.mu.Unlock()
		return nil, ErrRunInProgress
	}
	g.busy = true
	g.mu.Unlock()

	unlock := func() {}
	defer func() {
		if err != nil {
			unlock()
			g.setIdle()
		}
	}()

	if g.lock != nil {
		u, err := g.lock(ctx)
		if err != nil {
			return nil, err
		}
		unlock = u
	}
	if g.runs != nil {
		n, err := g.runs.CountRunningRuns(ctx)
		if err != nil {
			return nil, fmt.Errorf("count running runs: %w", err)
		}
		if n > 0 {
			return nil, ErrRunInProgress
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlock()
			g.setIdle()
		})
	}, nil
}

// Busy reports whether this process currently holds the guard.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}

func (g *Guard) setIdle() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

// Runner runs validation under a Guard. The HTTP API, the scheduler and the
// queue worker all go through it.
type Runner struct {
	v     *Validator
	guard *Guard
	log   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(v *Validator, guard *Guard, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{v: v, guard: guard, log: log}
}

// RunAll validates every active playlist unless a run is already in progress.
func (r *Runner) RunAll(ctx context.Context) (*SweepReport, error) {
	release, err := r.guard.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return r.v.ValidateAll(ctx)
}

// RunPlaylists validates the given playlists as one sweep unless a run is
// already in progress.
func (r *Runner) RunPlaylists(ctx context.Context, ids []int64) (*SweepReport, error) {
	release, err := r.guard.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return r.v.ValidatePlaylists(ctx, ids)
}

// RunPlaylist validates one playlist unless a run is already in progress.
func (r *Runner) RunPlaylist(ctx context.Context, playlistID int64) (*RunReport, error) {
	release, err := r.guard.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return r.v.ValidatePlaylist(ctx, playlistID)
}

// Exclusive runs fn while holding the guard, so channel sets are not
// rewritten under a running validation.
func (r *Runner) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	release, err := r.guard.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Busy reports whether this process is validating right now.
func (r *Runner) Busy() bool { return r.guard.Busy() }
