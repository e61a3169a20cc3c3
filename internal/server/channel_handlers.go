package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voyagen/streamwarden/internal/store"
)

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	ch, err := s.Store.GetChannel(r.Context(), channelID)
	if err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("channel %d", channelID))
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleUpdateChannel edits metadata, addresses or the active flag. Setting
// active to true is how a deactivated channel is brought back.
func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	var patch store.ChannelPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		s.writeErr(w, http.StatusBadRequest, errors.New("name must not be empty"))
		return
	}
	if patch.StreamURL != nil && strings.TrimSpace(*patch.StreamURL) == "" {
		s.writeErr(w, http.StatusBadRequest, errors.New("stream_url must not be empty"))
		return
	}
	if patch.AlternativeURLs != nil {
		for _, u := range *patch.AlternativeURLs {
			if strings.TrimSpace(u) == "" {
				s.writeErr(w, http.StatusBadRequest, errors.New("alternative_urls must not contain empty addresses"))
				return
			}
		}
	}

	ch, err := s.Store.UpdateChannel(r.Context(), channelID, patch)
	if err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("channel %d", channelID))
		return
	}
	s.log.Info("channel updated",
		slog.Int64("channel_id", channelID),
		slog.Int64("playlist_id", ch.PlaylistID),
		slog.Bool("active", ch.Active),
	)
	writeJSON(w, http.StatusOK, ch)
}

// handleDeleteChannel removes a channel and its outcomes. A run in progress
// makes it fail with 409.
func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	err = s.Runner.Exclusive(r.Context(), func(ctx context.Context) error {
		return s.Store.DeleteChannel(ctx, channelID)
	})
	if err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("channel %d", channelID))
		return
	}
	s.log.Info("channel deleted", slog.Int64("channel_id", channelID))
	writeNoContent(w)
}
