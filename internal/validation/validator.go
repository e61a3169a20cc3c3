// Package validation checks every active channel of a playlist for
// reachability, escalates repeated failures into deactivation and
// persists progress one batch at a time.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/voyagen/streamwarden/internal/config"
	"github.com/voyagen/streamwarden/internal/consolidate"
	"github.com/voyagen/streamwarden/internal/metrics"
	"github.com/voyagen/streamwarden/internal/models"
	"github.com/voyagen/streamwarden/internal/probe"
	"github.com/voyagen/streamwarden/internal/store"
)

// BatchSize is how many channels are probed before results are persisted.
const BatchSize = 50

var (
	ErrPlaylistNotFound = errors.New("playlist not found")
	ErrPlaylistInactive = errors.New("playlist is not active")
)

// Repository is the persistence the validator needs.
type Repository interface {
	GetPlaylist(ctx context.Context, playlistID int64) (*models.Playlist, error)
	ListActivePlaylists(ctx context.Context) ([]models.Playlist, error)
	ListChannels(ctx context.Context, playlistID int64, activeOnly bool) ([]models.Channel, error)
	UpdateChannelStatus(ctx context.Context, u store.ChannelStatusUpdate) (bool, error)
	SetPlaylistValidated(ctx context.Context, playlistID int64, at time.Time) error

	CreateRun(ctx context.Context, playlistID *int64, startedAt time.Time) (int64, error)
	SetRunTotal(ctx context.Context, runID int64, total int) error
	UpdateRunProgress(ctx context.Context, runID int64, p store.RunProgress) error
	FinishRun(ctx context.Context, runID int64, f store.RunFinish) error
	SetRunsDuplicatesRemoved(ctx context.Context, runIDs []int64, n int) error
	AppendOutcomes(ctx context.Context, outcomes []models.ValidationOutcome) error
}

// StreamProber checks one address. It must not fail; problems go in the Outcome.
type StreamProber interface {
	Probe(ctx context.Context, address string) probe.Outcome
}

// Consolidator regenerates the published playlist after a sweep.
type Consolidator interface {
	Generate(ctx context.Context) (*consolidate.Result, error)
}

// RunReport summarizes one playlist run.
type RunReport struct {
	RunID       int64         `json:"run_id"`
	PlaylistID  int64         `json:"playlist_id"`
	Total       int           `json:"total"`
	Working     int           `json:"working"`
	Failed      int           `json:"failed"`
	Deactivated int           `json:"deactivated"`
	Promoted    int           `json:"promoted"`
	Excluded    int           `json:"excluded"`
	Duration    time.Duration `json:"duration"`
}

// PlaylistFailure is a playlist whose run ended in error during a sweep.
type PlaylistFailure struct {
	PlaylistID int64  `json:"playlist_id"`
	Name       string `json:"name"`
	Error      string `json:"error"`
}

// SweepReport summarizes ValidateAll.
type SweepReport struct {
	Runs         []RunReport         `json:"runs"`
	Failures     []PlaylistFailure   `json:"failures,omitempty"`
	Consolidated *consolidate.Result `json:"consolidated,omitempty"`
}

// Validator runs validation over playlists.
type Validator struct {
	repo         Repository
	prober       StreamProber
	consolidator Consolidator
	opts         config.Validation
	limiter      *rate.Limiter
	log          *slog.Logger
	rec          metrics.Recorder
	now          func() time.Time
}

// New creates a Validator. consolidator may be nil, in which case ValidateAll
// does not regenerate the playlist file.
func New(repo Repository, prober StreamProber, consolidator Consolidator, opts config.Validation, log *slog.Logger, rec metrics.Recorder) *Validator {
	if opts.ConcurrentLimit < 1 {
		opts.ConcurrentLimit = 1
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	v := &Validator{
		repo:         repo,
		prober:       prober,
		consolidator: consolidator,
		opts:         opts,
		log:          log,
		rec:          rec,
		now:          time.Now,
	}
	if opts.RateLimit > 0 {
		v.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), int(math.Ceil(opts.RateLimit)))
	}
	return v
}

// ValidatePlaylist validates the active channels of one active playlist.
// The run record is marked failed and the error returned when anything outside
// a single channel's probe goes wrong; batches persisted before that stay.
func (v *Validator) ValidatePlaylist(ctx context.Context, playlistID int64) (*RunReport, error) {
	pl, err := v.repo.GetPlaylist(ctx, playlistID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("validate playlist %d: %w", playlistID, ErrPlaylistNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("validate playlist %d: %w", playlistID, err)
	}
	if !pl.Active {
		return nil, fmt.Errorf("validate playlist %d: %w", playlistID, ErrPlaylistInactive)
	}

	started := v.now()
	runID, err := v.repo.CreateRun(ctx, &playlistID, started)
	if err != nil {
		return nil, fmt.Errorf("validate playlist %d: create run: %w", playlistID, err)
	}
	r := &run{
		v:      v,
		report: RunReport{RunID: runID, PlaylistID: playlistID},
		log:    v.log.With(slog.Int64("run_id", runID), slog.Int64("playlist_id", playlistID)),
		sem:    semaphore.NewWeighted(int64(v.opts.ConcurrentLimit)),
	}

	if err := r.execute(ctx); err != nil {
		r.fail(ctx, err, started)
		return &r.report, fmt.Errorf("validate playlist %d: %w", playlistID, err)
	}

	done := v.now()
	r.report.Duration = done.Sub(started)
	if err := v.repo.FinishRun(ctx, runID, store.RunFinish{
		Status:      models.RunStatusCompleted,
		CompletedAt: done,
		Progress:    r.progress(),
		Message:     fmt.Sprintf("Validated %d channels", r.report.Working+r.report.Failed),
	}); err != nil {
		r.fail(ctx, err, started)
		return &r.report, fmt.Errorf("validate playlist %d: finish run: %w", playlistID, err)
	}
	if err := v.repo.SetPlaylistValidated(ctx, playlistID, done); err != nil {
		return &r.report, fmt.Errorf("validate playlist %d: %w", playlistID, err)
	}

	v.rec.RecordRun(string(models.RunStatusCompleted), r.report.Duration)
	r.log.Info("validation run completed",
		slog.Int("total", r.report.Total),
		slog.Int("working", r.report.Working),
		slog.Int("failed", r.report.Failed),
		slog.Int("deactivated", r.report.Deactivated),
		slog.Int("promoted", r.report.Promoted),
		slog.Duration("duration", r.report.Duration),
	)
	return &r.report, nil
}

// ValidateAll validates every active playlist in turn, then regenerates the
// published playlist once. A failing playlist is recorded in the report and
// the sweep moves on.
func (v *Validator) ValidateAll(ctx context.Context) (*SweepReport, error) {
	playlists, err := v.repo.ListActivePlaylists(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate all: %w", err)
	}
	return v.sweep(ctx, playlists)
}

// ValidatePlaylists is ValidateAll restricted to the given playlist ids.
// Repeated ids are validated once. Unknown or inactive ids end up in the
// report's failures.
func (v *Validator) ValidatePlaylists(ctx context.Context, ids []int64) (*SweepReport, error) {
	playlists := make([]models.Playlist, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		playlists = append(playlists, models.Playlist{ID: id})
	}
	return v.sweep(ctx, playlists)
}

func (v *Validator) sweep(ctx context.Context, playlists []models.Playlist) (*SweepReport, error) {
	v.log.Info("validation sweep started", slog.Int("playlists", len(playlists)))

	sweep := &SweepReport{}
	var runIDs []int64
	for _, pl := range playlists {
		if ctx.Err() != nil {
			sweep.Failures = append(sweep.Failures, PlaylistFailure{PlaylistID: pl.ID, Name: pl.Name, Error: ctx.Err().Error()})
			continue
		}
		rep, err := v.ValidatePlaylist(ctx, pl.ID)
		if err != nil {
			v.log.Error("playlist validation failed",
				slog.Int64("playlist_id", pl.ID),
				slog.String("playlist", pl.Name),
				slog.String("error", err.Error()),
			)
			sweep.Failures = append(sweep.Failures, PlaylistFailure{PlaylistID: pl.ID, Name: pl.Name, Error: err.Error()})
			continue
		}
		sweep.Runs = append(sweep.Runs, *rep)
		runIDs = append(runIDs, rep.RunID)
	}

	if v.consolidator == nil || ctx.Err() != nil {
		return sweep, ctx.Err()
	}
	res, err := v.consolidator.Generate(ctx)
	if err != nil {
		return sweep, fmt.Errorf("consolidate: %w", err)
	}
	sweep.Consolidated = res
	if err := v.repo.SetRunsDuplicatesRemoved(ctx, runIDs, res.DuplicatesRemoved); err != nil {
		v.log.Warn("recording duplicate count failed", slog.String("error", err.Error()))
	}
	v.log.Info("validation sweep completed",
		slog.Int("runs", len(sweep.Runs)),
		slog.Int("failures", len(sweep.Failures)),
		slog.Int("published", res.Channels),
	)
	return sweep, nil
}

// run holds the state of one ValidatePlaylist call. Only its goroutine
// writes the counters; probe goroutines write to their own result slot.
type run struct {
	v      *Validator
	report RunReport
	log    *slog.Logger
	sem    *semaphore.Weighted
}

// channelResult is what one channel check produced.
type channelResult struct {
	channel  models.Channel
	outcome  probe.Outcome
	promoted int // index into AlternativeURLs, -1 when the primary answered or nothing did
}

func (r *run) execute(ctx context.Context) error {
	channels, err := r.v.repo.ListChannels(ctx, r.report.PlaylistID, true)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	r.report.Total = len(channels)
	if err := r.v.repo.SetRunTotal(ctx, r.report.RunID, len(channels)); err != nil {
		return fmt.Errorf("record total: %w", err)
	}
	r.log.Info("validation run started", slog.Int("channels", len(channels)))

	batches := (len(channels) + BatchSize - 1) / BatchSize
	for b := 0; b < batches; b++ {
		lo := b * BatchSize
		hi := min(lo+BatchSize, len(channels))
		results := r.checkBatch(ctx, channels[lo:hi])
		// Probes cut short by cancellation say nothing about the streams.
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.persist(ctx, results); err != nil {
			return fmt.Errorf("batch %d/%d: %w", b+1, batches, err)
		}
		r.log.Debug("batch persisted",
			slog.Int("batch", b+1),
			slog.Int("batches", batches),
			slog.Int("results", len(results)),
		)
	}
	return nil
}

// checkBatch probes every channel of the batch concurrently, bounded by the
// run's semaphore. Channels whose check panicked are left out of the result.
func (r *run) checkBatch(ctx context.Context, batch []models.Channel) []channelResult {
	slots := make([]*channelResult, len(batch))
	var wg sync.WaitGroup
	for i := range batch {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer r.sem.Release(1)
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("channel check panicked",
						slog.Int64("channel_id", batch[i].ID),
						slog.Any("panic", p),
						slog.String("stack", string(debug.Stack())),
					)
				}
			}()
			res := r.v.checkChannel(ctx, batch[i])
			slots[i] = &res
		}(i)
	}
	wg.Wait()

	results := make([]channelResult, 0, len(batch))
	for _, s := range slots {
		if s != nil {
			results = append(results, *s)
		}
	}
	r.report.Excluded += len(batch) - len(results)
	return results
}

// persist appends the batch's outcomes, then updates each channel and the run counters.
func (r *run) persist(ctx context.Context, results []channelResult) error {
	if len(results) == 0 {
		return nil
	}
	checkedAt := r.v.now()
	outcomes := make([]models.ValidationOutcome, 0, len(results))
	for _, res := range results {
		outcomes = append(outcomes, toOutcome(r.report.RunID, res.channel.ID, res.outcome, checkedAt))
	}
	if err := r.v.repo.AppendOutcomes(ctx, outcomes); err != nil {
		return fmt.Errorf("append outcomes: %w", err)
	}

	for _, res := range results {
		var u store.ChannelStatusUpdate
		if res.outcome.Working {
			u = ApplySuccess(res.channel, res.outcome, checkedAt)
			if res.promoted >= 0 {
				ApplyPromotion(&u, res.channel, res.promoted, r.v.opts.RetryAttempts)
			}
		} else {
			u = ApplyFailure(res.channel, res.outcome, checkedAt, r.v.opts.RetryAttempts)
		}
		promoted, err := r.v.repo.UpdateChannelStatus(ctx, u)
		if err != nil {
			return fmt.Errorf("update channel %d: %w", res.channel.ID, err)
		}
		if u.Promoted && !promoted {
			r.log.Warn("alternate already used by another channel, promotion skipped",
				slog.Int64("channel_id", res.channel.ID),
				slog.String("stream_url", u.StreamURL),
			)
			u = ApplyBlockedPromotion(u)
		}

		if u.Working {
			r.report.Working++
		} else {
			r.report.Failed++
		}
		if u.Promoted {
			r.report.Promoted++
			r.v.rec.RecordPromotion()
			r.log.Info("alternate promoted",
				slog.Int64("channel_id", res.channel.ID),
				slog.String("stream_url", u.StreamURL),
			)
		}
		if u.Deactivate {
			r.report.Deactivated++
			r.v.rec.RecordDeactivation()
			r.log.Info("channel deactivated",
				slog.Int64("channel_id", res.channel.ID),
				slog.String("name", res.channel.Name),
				slog.Int("failure_count", u.FailureCount),
			)
		}
	}
	return r.v.repo.UpdateRunProgress(ctx, r.report.RunID, r.progress())
}

func (r *run) progress() store.RunProgress {
	return store.RunProgress{Working: r.report.Working, Failed: r.report.Failed, Removed: r.report.Deactivated}
}

// fail marks the run failed, even when ctx is already cancelled.
func (r *run) fail(ctx context.Context, cause error, started time.Time) {
	done := r.v.now()
	r.report.Duration = done.Sub(started)
	err := r.v.repo.FinishRun(context.WithoutCancel(ctx), r.report.RunID, store.RunFinish{
		Status:       models.RunStatusFailed,
		CompletedAt:  done,
		Progress:     r.progress(),
		Message:      fmt.Sprintf("Validated %d of %d channels", r.report.Working+r.report.Failed, r.report.Total),
		ErrorDetails: cause.Error(),
	})
	if err != nil {
		r.log.Error("marking run failed", slog.String("error", err.Error()))
	}
	r.v.rec.RecordRun(string(models.RunStatusFailed), r.report.Duration)
	r.log.Error("validation run failed", slog.String("error", cause.Error()))
}

// checkChannel probes the primary address, then each alternate in order
// until one works. The primary's outcome stands when none do.
func (v *Validator) checkChannel(ctx context.Context, ch models.Channel) channelResult {
	primary := v.probe(ctx, ch.StreamURL)
	res := channelResult{channel: ch, outcome: primary, promoted: -1}
	if primary.Working {
		return res
	}
	for i, alt := range ch.AlternativeURLs {
		if !v.backoff(ctx) {
			break
		}
		out := v.probe(ctx, alt)
		if out.Working {
			res.outcome = out
			res.promoted = i
			return res
		}
	}
	return res
}

// probe waits for the rate limiter, probes and records the attempt.
func (v *Validator) probe(ctx context.Context, address string) probe.Outcome {
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return probe.Outcome{Err: err}
		}
	}
	out := v.prober.Probe(ctx, address)
	switch {
	case out.Working:
		v.rec.RecordProbe(metrics.ResultWorking, out.Elapsed)
	case out.TimedOut():
		v.rec.RecordProbe(metrics.ResultTimeout, out.Elapsed)
	default:
		v.rec.RecordProbe(metrics.ResultFailed, out.Elapsed)
	}
	return out
}

// backoff sleeps RetryDelay before an alternate attempt. It reports false
// when ctx ended first.
func (v *Validator) backoff(ctx context.Context) bool {
	if v.opts.RetryDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(v.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
