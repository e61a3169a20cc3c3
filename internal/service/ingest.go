// Package service holds the playlist ingest and maintenance workflows that
// sit between the HTTP and scheduling surfaces and the store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/voyagen/streamwarden/internal/m3u"
	"github.com/voyagen/streamwarden/internal/models"
	"github.com/voyagen/streamwarden/internal/store"
)

var (
	ErrNoSource       = errors.New("exactly one of source_url or source_file is required")
	ErrNoStoredSource = errors.New("playlist has no stored source")
	ErrSourceLoad     = errors.New("playlist source could not be loaded")
)

// IngestStore is the persistence Ingest and Refresh need.
type IngestStore interface {
	UpsertPlaylist(ctx context.Context, in store.PlaylistInput) (int64, error)
	GetPlaylist(ctx context.Context, playlistID int64) (*models.Playlist, error)
	UpsertChannel(ctx context.Context, playlistID int64, d models.ChannelDraft) (int64, error)
	RemoveStaleChannels(ctx context.Context, playlistID int64, keepIDs []int64) (int64, error)
}

// Source loads channel drafts from a remote URL or a local file.
type Source interface {
	FetchURL(ctx context.Context, url string) ([]models.ChannelDraft, error)
	ReadFile(path string) ([]models.ChannelDraft, error)
}

// IngestRequest names a playlist and where to load it from.
type IngestRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	SourceURL   *string `json:"source_url,omitempty"`
	SourceFile  *string `json:"source_file,omitempty"`
}

// IngestResult reports what an ingest changed.
type IngestResult struct {
	PlaylistID int64 `json:"playlist_id"`
	Channels   int   `json:"channels"`
	Removed    int64 `json:"removed"`
}

// Ingest loads a playlist source, creates or updates the playlist by name and
// upserts its channels. Channels already known keep their validation state;
// channels no longer in the source are removed. Playlists are not
// deduplicated against each other here.
func Ingest(ctx context.Context, s IngestStore, src Source, req IngestRequest, log *slog.Logger) (*IngestResult, error) {
	if log == nil {
		log = slog.Default()
	}
	hasURL := req.SourceURL != nil && strings.TrimSpace(*req.SourceURL) != ""
	hasFile := req.SourceFile != nil && strings.TrimSpace(*req.SourceFile) != ""
	if hasURL == hasFile {
		return nil, ErrNoSource
	}
	if req.Name == "" {
		req.Name = defaultName(req)
	}

	drafts, err := load(ctx, src, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrSourceLoad, req.Name, err)
	}

	playlistID, err := s.UpsertPlaylist(ctx, store.PlaylistInput{
		Name:        req.Name,
		Description: req.Description,
		SourceURL:   req.SourceURL,
		SourceFile:  req.SourceFile,
	})
	if err != nil {
		return nil, fmt.Errorf("UpsertPlaylist: %w", err)
	}

	res := &IngestResult{PlaylistID: playlistID}
	keepIDs := make([]int64, 0, len(drafts))
	for i := range drafts {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("ingest cancelled: %w", err)
		}
		if drafts[i].StreamURL == "" {
			continue
		}
		id, err := s.UpsertChannel(ctx, playlistID, drafts[i])
		if err != nil {
			return res, fmt.Errorf("UpsertChannel: %w", err)
		}
		keepIDs = append(keepIDs, id)
		res.Channels++
	}

	removed, err := s.RemoveStaleChannels(ctx, playlistID, keepIDs)
	if err != nil {
		return res, fmt.Errorf("RemoveStaleChannels: %w", err)
	}
	res.Removed = removed

	log.Info("playlist ingested",
		slog.Int64("playlist_id", playlistID),
		slog.String("name", req.Name),
		slog.Int("channels", res.Channels),
		slog.Int64("removed", removed),
	)
	return res, nil
}

// Refresh re-ingests a playlist from its stored source.
func Refresh(ctx context.Context, s IngestStore, src Source, playlistID int64, log *slog.Logger) (*IngestResult, error) {
	pl, err := s.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	if pl.SourceURL == nil && pl.SourceFile == nil {
		return nil, fmt.Errorf("refresh playlist %d: %w", playlistID, ErrNoStoredSource)
	}
	return Ingest(ctx, s, src, IngestRequest{
		Name:        pl.Name,
		Description: pl.Description,
		SourceURL:   pl.SourceURL,
		SourceFile:  pl.SourceFile,
	}, log)
}

func load(ctx context.Context, src Source, req IngestRequest) ([]models.ChannelDraft, error) {
	if req.SourceURL != nil && *req.SourceURL != "" {
		return src.FetchURL(ctx, strings.TrimSpace(*req.SourceURL))
	}
	return src.ReadFile(strings.TrimSpace(*req.SourceFile))
}

// defaultName derives a playlist name from the source's last path segment.
func defaultName(req IngestRequest) string {
	if req.SourceFile != nil && *req.SourceFile != "" {
		base := filepath.Base(*req.SourceFile)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return m3u.NameFromURL(*req.SourceURL)
}
