package store

import (
	"context"
	"errors"
	"time"

	"github.com/voyagen/streamwarden/internal/models"
)

var (
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an edit collides with a unique name or address.
	ErrConflict = errors.New("conflicts with an existing record")
)

// Store defines persistence for playlists, channels, validation runs and their outcomes.
type Store interface {
	// UpsertPlaylist creates a playlist by name, or updates its source and description; returns id.
	UpsertPlaylist(ctx context.Context, in PlaylistInput) (int64, error)
	// GetPlaylist returns a single playlist by id.
	GetPlaylist(ctx context.Context, playlistID int64) (*models.Playlist, error)
	// ListPlaylists returns all playlists with their channel counts.
	ListPlaylists(ctx context.Context) ([]models.Playlist, error)
	// ListActivePlaylists returns active playlists ordered by id.
	ListActivePlaylists(ctx context.Context) ([]models.Playlist, error)
	// SetPlaylistValidated sets last_validated for the playlist.
	SetPlaylistValidated(ctx context.Context, playlistID int64, at time.Time) error
	// UpdatePlaylist applies the set fields of patch and returns the updated playlist.
	UpdatePlaylist(ctx context.Context, playlistID int64, patch PlaylistPatch) (*models.Playlist, error)
	// DeletePlaylist deletes a playlist and cascades to its channels.
	DeletePlaylist(ctx context.Context, playlistID int64) error

	// UpsertChannel inserts or updates a channel matched by its primary or an alternate address.
	// Validation state of an existing channel is left untouched; returns channel id.
	UpsertChannel(ctx context.Context, playlistID int64, d models.ChannelDraft) (int64, error)
	// RemoveStaleChannels deletes channels of the playlist whose id is not in keepIDs.
	RemoveStaleChannels(ctx context.Context, playlistID int64, keepIDs []int64) (int64, error)
	// ListChannels returns channels of a playlist, optionally only active ones, ordered by id.
	ListChannels(ctx context.Context, playlistID int64, activeOnly bool) ([]models.Channel, error)
	// GetChannel returns a single channel by id.
	GetChannel(ctx context.Context, channelID int64) (*models.Channel, error)
	// UpdateChannel applies the set fields of patch and returns the updated channel.
	UpdateChannel(ctx context.Context, channelID int64, patch ChannelPatch) (*models.Channel, error)
	// DeleteChannel deletes a channel and its outcomes.
	DeleteChannel(ctx context.Context, channelID int64) error
	// ListPublishableChannels returns channels that are active and working in active playlists.
	ListPublishableChannels(ctx context.Context) ([]models.Channel, error)
	// UpdateChannelStatus applies one validation result to a channel in a single statement.
	// It reports whether a requested promotion was applied.
	UpdateChannelStatus(ctx context.Context, u ChannelStatusUpdate) (bool, error)

	// CreateRun inserts a running validation run; returns id.
	CreateRun(ctx context.Context, playlistID *int64, startedAt time.Time) (int64, error)
	// SetRunTotal records the channel count of a run once it is known.
	SetRunTotal(ctx context.Context, runID int64, total int) error
	// UpdateRunProgress stores the counters accumulated so far.
	UpdateRunProgress(ctx context.Context, runID int64, p RunProgress) error
	// FinishRun moves a running run to completed or failed.
	FinishRun(ctx context.Context, runID int64, f RunFinish) error
	// SetRunsDuplicatesRemoved stores the consolidation dedup count on the given runs.
	SetRunsDuplicatesRemoved(ctx context.Context, runIDs []int64, n int) error
	// GetRun returns a single run by id.
	GetRun(ctx context.Context, runID int64) (*models.ValidationRun, error)
	// ListRuns returns runs newest first and the total count before limit/offset.
	ListRuns(ctx context.Context, filter RunFilter) ([]models.ValidationRun, int, error)
	// CountRunningRuns returns how many runs are still in the running state.
	CountRunningRuns(ctx context.Context) (int, error)
	// FailStaleRuns marks runs still running that started before cutoff as failed.
	FailStaleRuns(ctx context.Context, cutoff time.Time, detail string) (int64, error)
	// DeleteRun deletes a run and its outcomes.
	DeleteRun(ctx context.Context, runID int64) error
	// PruneRuns deletes finished runs started before cutoff; returns how many were deleted.
	PruneRuns(ctx context.Context, cutoff time.Time) (int64, error)

	// AppendOutcomes bulk-inserts one batch of outcomes.
	AppendOutcomes(ctx context.Context, outcomes []models.ValidationOutcome) error
	// ListOutcomes returns outcomes of a run and the total count before limit/offset.
	ListOutcomes(ctx context.Context, runID int64, filter OutcomeFilter) ([]models.ValidationOutcome, int, error)
}

// PlaylistInput holds the writable fields of a playlist on ingest.
type PlaylistInput struct {
	Name        string
	Description string
	SourceURL   *string
	SourceFile  *string
}

// PlaylistPatch holds an administrative playlist edit; nil fields are left unchanged.
type PlaylistPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	SourceURL   *string `json:"source_url,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

// ChannelPatch holds an administrative channel edit; nil fields are left unchanged.
// Reactivating a deactivated channel clears its failure count.
type ChannelPatch struct {
	Name            *string   `json:"name,omitempty"`
	GroupTitle      *string   `json:"group_title,omitempty"`
	Logo            *string   `json:"logo,omitempty"`
	TvgID           *string   `json:"tvg_id,omitempty"`
	TvgName         *string   `json:"tvg_name,omitempty"`
	TvgLogo         *string   `json:"tvg_logo,omitempty"`
	TvgEPG          *string   `json:"tvg_epg,omitempty"`
	StreamURL       *string   `json:"stream_url,omitempty"`
	AlternativeURLs *[]string `json:"alternative_urls,omitempty"`
	Active          *bool     `json:"active,omitempty"`
}

// ChannelStatusUpdate is the result of validating one channel.
// StreamURL and AlternativeURLs are applied only when Promoted is set. When
// the promotion is blocked, the channel is stored as not working with
// FallbackFailureCount and FallbackDeactivate instead.
type ChannelStatusUpdate struct {
	ChannelID       int64
	Working         bool
	FailureCount    int
	Deactivate      bool
	ResponseTime    time.Duration
	CheckedAt       time.Time
	Promoted        bool
	StreamURL       string
	AlternativeURLs []string

	FallbackFailureCount int
	FallbackDeactivate   bool
}

// RunProgress holds the running counters of a validation run.
type RunProgress struct {
	Working int
	Failed  int
	Removed int
}

// RunFinish holds the final state of a validation run.
type RunFinish struct {
	Status       models.RunStatus
	CompletedAt  time.Time
	Progress     RunProgress
	Message      string
	ErrorDetails string
}

// Page is a limit/offset window. Limit defaults to 50 and is capped at 500.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default and maximum limit.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 500 {
		p.Limit = 500
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// RunFilter holds optional filters for listing runs.
type RunFilter struct {
	PlaylistID *int64
	Status     *models.RunStatus
	Page
}

// OutcomeFilter narrows a run's outcomes to working or failed channels when Working is set.
type OutcomeFilter struct {
	Working *bool
	Page
}
