package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/gridsense/internal/ingest"
	"github.com/nugget/gridsense/internal/store"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid data format")
		return
	}

	res, err := s.deps.Ingest.Ingest(r.Context(), channelID, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, res, s.logger)
	case errors.Is(err, ingest.ErrInvalidPayload):
		s.errorResponse(w, http.StatusBadRequest, "Invalid data format")
	case errors.Is(err, ingest.ErrNoValidFields):
		s.errorResponse(w, http.StatusBadRequest, "No valid fields in payload")
	case errors.Is(err, ingest.ErrChannelNotFound):
		s.errorResponse(w, http.StatusNotFound, "Channel not found")
	default:
		s.logger.Error("ingest failed", "channel_id", channelID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Server Error")
	}
}

// resolveChannel writes a 404 or 500 and returns false when the
// channel cannot be used.
func (s *Server) resolveChannel(w http.ResponseWriter, r *http.Request, channelID string) bool {
	_, err := s.deps.Store.Channel(r.Context(), channelID)
	if errors.Is(err, store.ErrChannelNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Channel not found")
		return false
	}
	if err != nil {
		s.logger.Error("channel lookup failed", "channel_id", channelID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Server Error")
		return false
	}
	return true
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	if !s.resolveChannel(w, r, channelID) {
		return
	}

	entry, err := s.deps.Store.LatestEntry(r.Context(), channelID)
	if err != nil {
		s.logger.Error("latest entry failed", "channel_id", channelID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Server Error")
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusOK, struct{}{}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, entry, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	q, msg := s.parseHistoryQuery(r)
	if msg != "" {
		s.errorResponse(w, http.StatusBadRequest, msg)
		return
	}
	if !s.resolveChannel(w, r, channelID) {
		return
	}

	entries, err := s.deps.Store.History(r.Context(), channelID, q)
	if err != nil {
		s.logger.Error("history failed", "channel_id", channelID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Server Error")
		return
	}
	if entries == nil {
		entries = []*store.Entry{}
	}
	writeJSON(w, http.StatusOK, entries, s.logger)
}

// parseHistoryQuery reads start, end and limit. A non-empty message
// describes the first invalid parameter.
func (s *Server) parseHistoryQuery(r *http.Request) (store.HistoryQuery, string) {
	q := store.HistoryQuery{Limit: s.cfg.HistoryDefaultLimit}
	params := r.URL.Query()

	if v := params.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, "Invalid start time"
		}
		q.Start = &t
	}
	if v := params.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, "Invalid end time"
		}
		q.End = &t
	}
	if v := params.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.Limit = min(n, store.MaxHistoryLimit)
		}
	}
	return q, ""
}
