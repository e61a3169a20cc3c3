package validation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voyagen/streamwarden/internal/consolidate"
	"github.com/voyagen/streamwarden/internal/models"
	"github.com/voyagen/streamwarden/internal/probe"
	"github.com/voyagen/streamwarden/internal/store"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeRepo is an in-memory Repository that applies updates the way Postgres does.
type fakeRepo struct {
	mu        sync.Mutex
	playlists map[int64]*models.Playlist
	channels  map[int64]*models.Channel
	runs      map[int64]*models.ValidationRun
	outcomes  []models.ValidationOutcome
	batches   []int
	statusLog []store.ChannelStatusUpdate
	nextRunID int64
	dupCalls  [][]int64

	listChannelsErr map[int64]error
	appendErrOnCall int // 1-based; 0 = never
	appendCalls     int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		playlists: map[int64]*models.Playlist{},
		channels:  map[int64]*models.Channel{},
		runs:      map[int64]*models.ValidationRun{},
	}
}

func (f *fakeRepo) addPlaylist(id int64, name string, active bool) {
	f.playlists[id] = &models.Playlist{ID: id, Name: name, Active: active}
}

func (f *fakeRepo) addChannel(ch models.Channel) {
	c := ch
	f.channels[c.ID] = &c
}

func (f *fakeRepo) channel(id int64) models.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.channels[id]
}

func (f *fakeRepo) run(id int64) models.ValidationRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.runs[id]
}

func (f *fakeRepo) GetPlaylist(_ context.Context, id int64) (*models.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pl, ok := f.playlists[id]
	if !ok {
		return nil, fmt.Errorf("GetPlaylist %d: %w", id, store.ErrNotFound)
	}
	cp := *pl
	return &cp, nil
}

func (f *fakeRepo) ListActivePlaylists(context.Context) ([]models.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Playlist
	for _, pl := range f.playlists {
		if pl.Active {
			out = append(out, *pl)
		}
	}
	slices.SortFunc(out, func(a, b models.Playlist) int { return int(a.ID - b.ID) })
	return out, nil
}

func (f *fakeRepo) ListChannels(_ context.Context, playlistID int64, activeOnly bool) ([]models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listChannelsErr[playlistID]; err != nil {
		return nil, err
	}
	var out []models.Channel
	for _, ch := range f.channels {
		if ch.PlaylistID == playlistID && (!activeOnly || ch.Active) {
			c := *ch
			c.AlternativeURLs = slices.Clone(ch.AlternativeURLs)
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b models.Channel) int { return int(a.ID - b.ID) })
	return out, nil
}

func (f *fakeRepo) UpdateChannelStatus(_ context.Context, u store.ChannelStatusUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[u.ChannelID]
	if !ok {
		return false, store.ErrNotFound
	}
	f.statusLog = append(f.statusLog, u)
	if u.Promoted {
		for _, o := range f.channels {
			if o.ID != ch.ID && o.PlaylistID == ch.PlaylistID && o.StreamURL == u.StreamURL {
				u.Working, u.FailureCount, u.Deactivate = false, u.FallbackFailureCount, u.FallbackDeactivate
				u.Promoted = false
				break
			}
		}
	}
	ch.Working = u.Working
	ch.FailureCount = u.FailureCount
	if u.Deactivate {
		ch.Active = false
	}
	ch.CheckCount++
	rt := u.ResponseTime
	ch.LastResponseTime = &rt
	at := u.CheckedAt
	ch.LastChecked = &at
	if u.Promoted {
		ch.StreamURL = u.StreamURL
		ch.AlternativeURLs = slices.Clone(u.AlternativeURLs)
	}
	return u.Promoted, nil
}

func (f *fakeRepo) SetPlaylistValidated(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playlists[id].LastValidated = &at
	return nil
}

func (f *fakeRepo) CreateRun(_ context.Context, playlistID *int64, startedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRunID++
	f.runs[f.nextRunID] = &models.ValidationRun{
		ID: f.nextRunID, PlaylistID: playlistID, StartedAt: startedAt, Status: models.RunStatusRunning,
	}
	return f.nextRunID, nil
}

func (f *fakeRepo) SetRunTotal(_ context.Context, runID int64, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runID].TotalChannels = total
	return nil
}

func (f *fakeRepo) UpdateRunProgress(_ context.Context, runID int64, p store.RunProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[runID]
	r.WorkingChannels, r.FailedChannels, r.RemovedChannels = p.Working, p.Failed, p.Removed
	return nil
}

func (f *fakeRepo) FinishRun(_ context.Context, runID int64, fin store.RunFinish) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[runID]
	if r.Status != models.RunStatusRunning {
		return store.ErrNotFound
	}
	r.Status = fin.Status
	at := fin.CompletedAt
	r.CompletedAt = &at
	r.WorkingChannels, r.FailedChannels, r.RemovedChannels = fin.Progress.Working, fin.Progress.Failed, fin.Progress.Removed
	r.Message, r.ErrorDetails = fin.Message, fin.ErrorDetails
	return nil
}

func (f *fakeRepo) SetRunsDuplicatesRemoved(_ context.Context, runIDs []int64, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dupCalls = append(f.dupCalls, slices.Clone(runIDs))
	for _, id := range runIDs {
		f.runs[id].DuplicatesRemoved = n
	}
	return nil
}

func (f *fakeRepo) AppendOutcomes(_ context.Context, outcomes []models.ValidationOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	if f.appendErrOnCall == f.appendCalls {
		return fmt.Errorf("connection reset")
	}
	f.outcomes = append(f.outcomes, outcomes...)
	f.batches = append(f.batches, len(outcomes))
	return nil
}

func (f *fakeRepo) outcomesFor(runID int64) []models.ValidationOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ValidationOutcome
	for _, o := range f.outcomes {
		if o.RunID == runID {
			out = append(out, o)
		}
	}
	return out
}

// fakeProber answers from a fixed table; unknown addresses fail with a 404.
type fakeProber struct {
	answers  map[string]probe.Outcome
	panicOn  map[string]bool
	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32
	calls    sync.Map // address -> *atomic.Int32
}

func (p *fakeProber) Probe(ctx context.Context, address string) probe.Outcome {
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	c, _ := p.calls.LoadOrStore(address, new(atomic.Int32))
	c.(*atomic.Int32).Add(1)

	if p.panicOn[address] {
		panic("prober exploded on " + address)
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return probe.Outcome{Err: ctx.Err()}
		}
	}
	if out, ok := p.answers[address]; ok {
		return out
	}
	return probe.Outcome{StatusCode: 404, Err: fmt.Errorf("HTTP 404"), Elapsed: time.Millisecond}
}

func (p *fakeProber) callCount(address string) int {
	c, ok := p.calls.Load(address)
	if !ok {
		return 0
	}
	return int(c.(*atomic.Int32).Load())
}

func working(status int) probe.Outcome {
	return probe.Outcome{Working: true, StatusCode: status, Elapsed: 5 * time.Millisecond}
}

func timedOut() probe.Outcome {
	return probe.Outcome{Err: probe.ErrTimeout, Elapsed: 30 * time.Second}
}

type fakeConsolidator struct {
	calls  int
	result *consolidate.Result
	err    error
}

func (c *fakeConsolidator) Generate(context.Context) (*consolidate.Result, error) {
	c.calls++
	return c.result, c.err
}

type fakeCounter struct {
	n   int
	err error
}

func (c *fakeCounter) CountRunningRuns(context.Context) (int, error) { return c.n, c.err }
