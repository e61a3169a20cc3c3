package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/voyagen/streamwarden/internal/cache"
	"github.com/voyagen/streamwarden/internal/models"
)

// Cache TTLs for different entity types.
const (
	ttlPlaylists = 2 * time.Minute
	ttlPlaylist  = 5 * time.Minute
	ttlRun       = 10 * time.Minute
	ttlOutcomes  = 10 * time.Minute
)

// CachedStore wraps a Store with a Redis caching layer.
// Playlist reads and finished runs are served from cache; writes invalidate.
// Everything on the validation hot path passes straight through.
type CachedStore struct {
	Store
	cache *cache.Redis
	log   *slog.Logger
}

// NewCachedStore creates a CachedStore that wraps inner with Redis caching.
func NewCachedStore(inner Store, c *cache.Redis, log *slog.Logger) *CachedStore {
	if log == nil {
		log = slog.Default()
	}
	return &CachedStore{Store: inner, cache: c, log: log}
}

func playlistKey(id int64) string { return fmt.Sprintf("playlist:%d", id) }
func runKey(id int64) string      { return fmt.Sprintf("run:%d", id) }

// --- cached read operations ---

func (c *CachedStore) ListPlaylists(ctx context.Context) ([]models.Playlist, error) {
	const key = "playlists:all"
	v, err := cache.Get[[]models.Playlist](ctx, c.cache, key)
	if err == nil {
		return v, nil
	}
	c.miss(key, err)
	playlists, err := c.Store.ListPlaylists(ctx)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, playlists, ttlPlaylists)
	return playlists, nil
}

func (c *CachedStore) GetPlaylist(ctx context.Context, playlistID int64) (*models.Playlist, error) {
	key := playlistKey(playlistID)
	v, err := cache.Get[models.Playlist](ctx, c.cache, key)
	if err == nil {
		return &v, nil
	}
	c.miss(key, err)
	pl, err := c.Store.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, pl, ttlPlaylist)
	return pl, nil
}

// GetRun caches only finished runs; a running run changes every batch.
func (c *CachedStore) GetRun(ctx context.Context, runID int64) (*models.ValidationRun, error) {
	key := runKey(runID)
	v, err := cache.Get[models.ValidationRun](ctx, c.cache, key)
	if err == nil {
		return &v, nil
	}
	c.miss(key, err)
	r, err := c.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.RunStatusRunning {
		c.set(ctx, key, r, ttlRun)
	}
	return r, nil
}

// outcomePage is a helper type to cache the ListOutcomes tuple.
type outcomePage struct {
	Outcomes []models.ValidationOutcome `json:"outcomes"`
	Total    int                        `json:"total"`
}

// ListOutcomes caches pages of finished runs, whose outcome sets are immutable.
func (c *CachedStore) ListOutcomes(ctx context.Context, runID int64, filter OutcomeFilter) ([]models.ValidationOutcome, int, error) {
	filter.Page = filter.Page.Normalize()
	working := "any"
	if filter.Working != nil {
		working = strconv.FormatBool(*filter.Working)
	}
	key := fmt.Sprintf("%s:outcomes:%s:%d:%d", runKey(runID), working, filter.Limit, filter.Offset)
	v, err := cache.Get[outcomePage](ctx, c.cache, key)
	if err == nil {
		return v.Outcomes, v.Total, nil
	}
	c.miss(key, err)
	run, err := c.GetRun(ctx, runID)
	if err != nil {
		return nil, 0, err
	}
	outcomes, total, err := c.Store.ListOutcomes(ctx, runID, filter)
	if err != nil {
		return nil, 0, err
	}
	if run.Status != models.RunStatusRunning {
		c.set(ctx, key, outcomePage{Outcomes: outcomes, Total: total}, ttlOutcomes)
	}
	return outcomes, total, nil
}

// --- write operations with cache invalidation ---

func (c *CachedStore) UpsertPlaylist(ctx context.Context, in PlaylistInput) (int64, error) {
	id, err := c.Store.UpsertPlaylist(ctx, in)
	if err != nil {
		return 0, err
	}
	c.invalidate(ctx, playlistKey(id), "playlists:all")
	return id, nil
}

func (c *CachedStore) SetPlaylistValidated(ctx context.Context, playlistID int64, at time.Time) error {
	if err := c.Store.SetPlaylistValidated(ctx, playlistID, at); err != nil {
		return err
	}
	c.invalidate(ctx, playlistKey(playlistID), "playlists:all")
	return nil
}

func (c *CachedStore) UpdatePlaylist(ctx context.Context, playlistID int64, patch PlaylistPatch) (*models.Playlist, error) {
	pl, err := c.Store.UpdatePlaylist(ctx, playlistID, patch)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, playlistKey(playlistID), "playlists:all")
	return pl, nil
}

func (c *CachedStore) DeletePlaylist(ctx context.Context, playlistID int64) error {
	if err := c.Store.DeletePlaylist(ctx, playlistID); err != nil {
		return err
	}
	c.invalidate(ctx, playlistKey(playlistID), "playlists:all")
	return nil
}

func (c *CachedStore) UpsertChannel(ctx context.Context, playlistID int64, d models.ChannelDraft) (int64, error) {
	id, err := c.Store.UpsertChannel(ctx, playlistID, d)
	if err != nil {
		return 0, err
	}
	// Channel counts are part of the cached playlist rows.
	c.invalidate(ctx, playlistKey(playlistID), "playlists:all")
	return id, nil
}

func (c *CachedStore) UpdateChannel(ctx context.Context, channelID int64, patch ChannelPatch) (*models.Channel, error) {
	ch, err := c.Store.UpdateChannel(ctx, channelID, patch)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, playlistKey(ch.PlaylistID), "playlists:all")
	return ch, nil
}

// DeleteChannel drops every cached playlist row since the owner is not known here.
func (c *CachedStore) DeleteChannel(ctx context.Context, channelID int64) error {
	if err := c.Store.DeleteChannel(ctx, channelID); err != nil {
		return err
	}
	c.invalidate(ctx, "playlists:all")
	c.invalidatePattern(ctx, "playlist:*")
	return nil
}

func (c *CachedStore) RemoveStaleChannels(ctx context.Context, playlistID int64, keepIDs []int64) (int64, error) {
	n, err := c.Store.RemoveStaleChannels(ctx, playlistID, keepIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.invalidate(ctx, playlistKey(playlistID), "playlists:all")
	}
	return n, nil
}

func (c *CachedStore) SetRunsDuplicatesRemoved(ctx context.Context, runIDs []int64, n int) error {
	if err := c.Store.SetRunsDuplicatesRemoved(ctx, runIDs, n); err != nil {
		return err
	}
	keys := make([]string, 0, len(runIDs))
	for _, id := range runIDs {
		keys = append(keys, runKey(id))
	}
	c.invalidate(ctx, keys...)
	return nil
}

func (c *CachedStore) DeleteRun(ctx context.Context, runID int64) error {
	if err := c.Store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	c.invalidate(ctx, runKey(runID))
	c.invalidatePattern(ctx, runKey(runID)+":outcomes:*")
	return nil
}

func (c *CachedStore) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := c.Store.PruneRuns(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.invalidatePattern(ctx, "run:*")
	}
	return n, nil
}

// --- helpers ---

func (c *CachedStore) set(ctx context.Context, key string, v any, ttl time.Duration) {
	if err := cache.Set(ctx, c.cache, key, v, ttl); err != nil {
		c.log.Warn("cache set failed", slog.String("key", key), slog.Any("error", err))
	}
}

// miss logs cache read failures other than an absent key; the caller falls
// through to the database either way.
func (c *CachedStore) miss(key string, err error) {
	if !cache.IsMiss(err) {
		c.log.Warn("cache get failed", slog.String("key", key), slog.Any("error", err))
	}
}

// invalidate deletes exact cache keys, logging any errors.
func (c *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := cache.Del(ctx, c.cache, keys...); err != nil && !cache.IsMiss(err) {
		c.log.Warn("cache del failed", slog.Any("keys", keys), slog.Any("error", err))
	}
}

// invalidatePattern deletes all keys matching the given glob patterns.
func (c *CachedStore) invalidatePattern(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		if err := cache.DelPattern(ctx, c.cache, p); err != nil {
			c.log.Warn("cache del pattern failed", slog.String("pattern", p), slog.Any("error", err))
		}
	}
}
