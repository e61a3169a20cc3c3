package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voyagen/streamwarden/internal/cache"
	"github.com/voyagen/streamwarden/internal/models"
	"github.com/voyagen/streamwarden/internal/store"
	"github.com/voyagen/streamwarden/internal/validation"
)

type triggerRequest struct {
	PlaylistIDs []int64 `json:"playlist_ids"`
	ValidateAll bool    `json:"validate_all"`
}

// handleTriggerRun accepts a manual validation request. The run itself
// happens in the background; the response only says it was accepted.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.ValidateAll {
		req.PlaylistIDs = nil
	}
	for _, id := range req.PlaylistIDs {
		if id <= 0 {
			s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid playlist id: %d", id))
			return
		}
	}

	running, err := s.running(r)
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if running {
		s.writeErr(w, http.StatusConflict, validation.ErrRunInProgress)
		return
	}

	job := cache.NewValidationJob(req.PlaylistIDs, "api")
	if err := s.Dispatcher.Dispatch(r.Context(), job); err != nil {
		s.writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("dispatch: %w", err))
		return
	}
	s.log.Info("validation requested", slog.String("job_id", job.ID), slog.Any("playlist_ids", job.PlaylistIDs))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"job_id":       job.ID,
		"validate_all": job.All(),
		"playlist_ids": job.PlaylistIDs,
	})
}

// running reports a run in this process or one persisted as running elsewhere.
func (s *Server) running(r *http.Request) (bool, error) {
	if s.Runner.Busy() {
		return true, nil
	}
	n, err := s.Store.CountRunningRuns(r.Context())
	if err != nil {
		return false, fmt.Errorf("count running runs: %w", err)
	}
	return n > 0, nil
}

type statusResponse struct {
	Running     bool                  `json:"running"`
	RunningRuns int                   `json:"running_runs"`
	QueuedJobs  *int64                `json:"queued_jobs,omitempty"`
	LastRun     *models.ValidationRun `json:"last_run,omitempty"`
	NextRun     *time.Time            `json:"next_scheduled_run,omitempty"`
}

// backlog is implemented by dispatchers that queue jobs, like *worker.Queue.
type backlog interface {
	Pending(ctx context.Context) (int64, error)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.Store.CountRunningRuns(r.Context())
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	resp := statusResponse{Running: n > 0 || s.Runner.Busy(), RunningRuns: n}

	runs, _, err := s.Store.ListRuns(r.Context(), store.RunFilter{Page: store.Page{Limit: 1}})
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if len(runs) > 0 {
		resp.LastRun = &runs[0]
	}
	if q, ok := s.Dispatcher.(backlog); ok {
		n, err := q.Pending(r.Context())
		if err != nil {
			s.log.Warn("reading job queue length", slog.String("error", err.Error()))
		} else {
			resp.QueuedJobs = &n
		}
	}
	if s.Scheduler != nil {
		if next := s.Scheduler.NextRun(); !next.IsZero() {
			resp.NextRun = &next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	filter := store.RunFilter{Page: page}

	if v, ok, err := queryInt(r, "playlist_id"); err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	} else if ok {
		id := int64(v)
		filter.PlaylistID = &id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.RunStatus(v)
		if !st.Valid() {
			s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", v))
			return
		}
		filter.Status = &st
	}

	runs, total, err := s.Store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []models.ValidationRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"total":  total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	run, err := s.Store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("run %d", runID))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	runID, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	workingOnly, err := queryBool(r, "working_only")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	failedOnly, err := queryBool(r, "failed_only")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if workingOnly && failedOnly {
		s.writeErr(w, http.StatusBadRequest, errors.New("working_only and failed_only are mutually exclusive"))
		return
	}

	if _, err := s.Store.GetRun(r.Context(), runID); err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("run %d", runID))
		return
	}

	filter := store.OutcomeFilter{Page: page}
	if workingOnly || failedOnly {
		filter.Working = &workingOnly
	}
	results, total, err := s.Store.ListOutcomes(r.Context(), runID, filter)
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if results == nil {
		results = []models.ValidationOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"results": results,
		"total":   total,
		"limit":   page.Limit,
		"offset":  page.Offset,
	})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Store.DeleteRun(r.Context(), runID); err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("run %d", runID))
		return
	}
	writeNoContent(w)
}

// writeStoreErr maps store sentinels to status codes.
func (s *Server) writeStoreErr(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeErr(w, http.StatusNotFound, fmt.Errorf("%s not found", what))
	case errors.Is(err, store.ErrRunActive), errors.Is(err, store.ErrConflict),
		errors.Is(err, validation.ErrRunInProgress):
		s.writeErr(w, http.StatusConflict, err)
	default:
		s.writeErr(w, http.StatusInternalServerError, err)
	}
}
