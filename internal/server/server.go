// Package server exposes the validation, playlist and artifact endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voyagen/streamwarden/internal/consolidate"
	"github.com/voyagen/streamwarden/internal/models"
	"github.com/voyagen/streamwarden/internal/service"
	"github.com/voyagen/streamwarden/internal/store"
	"github.com/voyagen/streamwarden/internal/worker"
)

// Store is the persistence the API reads, edits and ingests through.
type Store interface {
	service.IngestStore
	ListPlaylists(ctx context.Context) ([]models.Playlist, error)
	UpdatePlaylist(ctx context.Context, playlistID int64, patch store.PlaylistPatch) (*models.Playlist, error)
	DeletePlaylist(ctx context.Context, playlistID int64) error
	ListChannels(ctx context.Context, playlistID int64, activeOnly bool) ([]models.Channel, error)
	GetChannel(ctx context.Context, channelID int64) (*models.Channel, error)
	UpdateChannel(ctx context.Context, channelID int64, patch store.ChannelPatch) (*models.Channel, error)
	DeleteChannel(ctx context.Context, channelID int64) error
	GetRun(ctx context.Context, runID int64) (*models.ValidationRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]models.ValidationRun, int, error)
	ListOutcomes(ctx context.Context, runID int64, filter store.OutcomeFilter) ([]models.ValidationOutcome, int, error)
	DeleteRun(ctx context.Context, runID int64) error
	CountRunningRuns(ctx context.Context) (int, error)
}

// Runner is the run guard; *validation.Runner implements it.
type Runner interface {
	Busy() bool
	Exclusive(ctx context.Context, fn func(context.Context) error) error
}

// Generator writes the published playlist.
type Generator interface {
	Generate(ctx context.Context) (*consolidate.Result, error)
	Path() string
}

// Scheduler reports the next periodic run.
type Scheduler interface {
	NextRun() time.Time
}

// Deps holds the collaborators of a Server. Scheduler, Metrics and Ping may be nil.
type Deps struct {
	Store      Store
	Source     service.Source
	Runner     Runner
	Dispatcher worker.Dispatcher
	Generator  Generator
	Scheduler  Scheduler
	Metrics    http.Handler
	Ping       func(ctx context.Context) error
}

// Server holds dependencies for the HTTP API.
type Server struct {
	Deps
	port   string
	log    *slog.Logger
	router chi.Router
}

// New creates a Server and registers routes.
func New(port string, d Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{Deps: d, port: port, log: log, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(withRecovery(s.log), withLogging(s.log), withCORS)

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/validation", func(r chi.Router) {
		r.Post("/run", s.handleTriggerRun)
		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleListRuns)
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Delete("/", s.handleDeleteRun)
			r.Get("/results", s.handleRunResults)
		})
	})

	r.Post("/api/playlist/generate", s.handleGenerate)
	r.Get("/playlist.m3u", s.handlePlaylistFile)

	r.Route("/api/playlists", func(r chi.Router) {
		r.Get("/", s.handleListPlaylists)
		r.Post("/", s.handleIngest)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetPlaylist)
			r.Put("/", s.handleUpdatePlaylist)
			r.Delete("/", s.handleDeletePlaylist)
			r.Get("/channels", s.handleListChannels)
			r.Post("/refresh", s.handleRefresh)
		})
	})

	r.Route("/api/channels/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetChannel)
		r.Put("/", s.handleUpdateChannel)
		r.Delete("/", s.handleDeleteChannel)
	})

	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Get("/api/docs", handleSwaggerUI)
	r.Get("/api/docs/openapi.yaml", handleOpenAPISpec)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.port
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown", slog.String("error", err.Error()))
		}
	}()

	s.log.Info("listening", slog.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ping != nil {
		if err := s.Ping(r.Context()); err != nil {
			s.writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("database: %w", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// parseID extracts a path parameter by name and parses it as int64.
func parseID(r *http.Request, param string) (int64, error) {
	v := chi.URLParam(r, param)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %s", param, v)
	}
	return id, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s: %s", name, v)
	}
	return n, true, nil
}

// queryBool parses an optional true/false query parameter.
func queryBool(r *http.Request, name string) (bool, error) {
	switch v := r.URL.Query().Get(name); v {
	case "", "false", "0":
		return false, nil
	case "true", "1":
		return true, nil
	default:
		return false, fmt.Errorf("invalid %s: %s (use true or false)", name, v)
	}
}

func parsePage(r *http.Request) (store.Page, error) {
	var p store.Page
	var err error
	if p.Limit, _, err = queryInt(r, "limit"); err != nil {
		return p, err
	}
	if p.Offset, _, err = queryInt(r, "offset"); err != nil {
		return p, err
	}
	return p.Normalize(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeErr(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.log.Error("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	})
}
