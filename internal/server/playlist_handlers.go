package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/voyagen/streamwarden/internal/fetcher"
	"github.com/voyagen/streamwarden/internal/models"
	"github.com/voyagen/streamwarden/internal/service"
	"github.com/voyagen/streamwarden/internal/store"
)

func (s *Server) handleListPlaylists(w http.ResponseWriter, r *http.Request) {
	playlists, err := s.Store.ListPlaylists(r.Context())
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if playlists == nil {
		playlists = []models.Playlist{}
	}
	writeJSON(w, http.StatusOK, playlists)
}

func (s *Server) handleGetPlaylist(w http.ResponseWriter, r *http.Request) {
	playlistID, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	pl, err := s.Store.GetPlaylist(r.Context(), playlistID)
	if err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("playlist %d", playlistID))
		return
	}
	writeJSON(w, http.StatusOK, pl)
}

// handleUpdatePlaylist edits name, description, source or the active flag.
// An inactive playlist is skipped by sweeps and left out of the published file.
func (s *Server) handleUpdatePlaylist(w http.ResponseWriter, r *http.Request) {
	playlistID, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	var patch store.PlaylistPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		s.writeErr(w, http.StatusBadRequest, errors.New("name must not be empty"))
		return
	}
	if patch.SourceURL != nil && !validSourceURL(*patch.SourceURL) {
		s.writeErr(w, http.StatusBadRequest, errors.New("source_url must be a valid http or https URL"))
		return
	}
	pl, err := s.Store.UpdatePlaylist(r.Context(), playlistID, patch)
	if err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("playlist %d", playlistID))
		return
	}
	s.log.Info("playlist updated", slog.Int64("playlist_id", playlistID), slog.Bool("active", pl.Active))
	writeJSON(w, http.StatusOK, pl)
}

// handleDeletePlaylist removes a playlist and its channels. A run in progress
// makes it fail with 409.
func (s *Server) handleDeletePlaylist(w http.ResponseWriter, r *http.Request) {
	playlistID, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	err = s.Runner.Exclusive(r.Context(), func(ctx context.Context) error {
		return s.Store.DeletePlaylist(ctx, playlistID)
	})
	if err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("playlist %d", playlistID))
		return
	}
	s.log.Info("playlist deleted", slog.Int64("playlist_id", playlistID))
	writeNoContent(w)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	playlistID, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	activeOnly, err := queryBool(r, "active_only")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.Store.GetPlaylist(r.Context(), playlistID); err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("playlist %d", playlistID))
		return
	}
	channels, err := s.Store.ListChannels(r.Context(), playlistID, activeOnly)
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if channels == nil {
		channels = []models.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

// handleIngest adds or re-imports a playlist by URL. Only remote sources are
// accepted over HTTP; local files are ingested from the command line.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req service.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.SourceFile != nil {
		s.writeErr(w, http.StatusBadRequest, errors.New("source_file is not accepted over HTTP"))
		return
	}
	if req.SourceURL == nil || *req.SourceURL == "" {
		s.writeErr(w, http.StatusBadRequest, errors.New("source_url is required"))
		return
	}
	if !validSourceURL(*req.SourceURL) {
		s.writeErr(w, http.StatusBadRequest, errors.New("source_url must be a valid http or https URL"))
		return
	}

	var res *service.IngestResult
	err := s.Runner.Exclusive(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = service.Ingest(ctx, s.Store, s.Source, req, s.log)
		return err
	})
	if err != nil {
		s.writeIngestErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	playlistID, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}

	var res *service.IngestResult
	err = s.Runner.Exclusive(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = service.Refresh(ctx, s.Store, s.Source, playlistID, s.log)
		return err
	})
	if err != nil {
		s.writeIngestErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func validSourceURL(raw string) bool {
	u, err := url.ParseRequestURI(strings.TrimSpace(raw))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func (s *Server) writeIngestErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNoSource), errors.Is(err, service.ErrNoStoredSource):
		s.writeErr(w, http.StatusBadRequest, err)
	case errors.Is(err, fetcher.ErrTooLarge):
		s.writeErr(w, http.StatusRequestEntityTooLarge, err)
	case errors.Is(err, service.ErrSourceLoad):
		s.writeErr(w, http.StatusBadGateway, err)
	default:
		s.writeStoreErr(w, err, "playlist")
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	res, err := s.Generator.Generate(r.Context())
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, fmt.Errorf("generate: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePlaylistFile serves the last generated playlist file.
func (s *Server) handlePlaylistFile(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(s.Generator.Path())
	if errors.Is(err, os.ErrNotExist) {
		s.writeErr(w, http.StatusNotFound, errors.New("playlist has not been generated yet"))
		return
	}
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeContent(w, r, "playlist.m3u", info.ModTime(), f)
}
