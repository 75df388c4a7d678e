// Package diffserver serves library diffs to syncing devices over HTTP.
// A device opens a window with POST /sync/begin and pages through each
// entity type with GET /sync/diff.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package diffserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mobiletoly/go-fivesync/fivesync"
	"github.com/mobiletoly/go-fivesync/internal/auth"
)

// Config holds handler settings
type Config struct {
	DefaultPageLimit int
	MaxPageLimit     int
	Clock            func() time.Time // timestamps of published items
}

// DefaultConfig returns the default handler settings
func DefaultConfig() *Config {
	return &Config{
		DefaultPageLimit: 500,
		MaxPageLimit:     1000,
		Clock:            time.Now,
	}
}

// Handlers provides the HTTP handlers of the diff API
type Handlers struct {
	feed   Feed
	auth   *JWTAuth
	config *Config
	logger *slog.Logger
}

// NewHandlers creates the diff API handlers
func NewHandlers(feed Feed, jwtAuth *JWTAuth, config *Config, logger *slog.Logger) *Handlers {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{feed: feed, auth: jwtAuth, config: config, logger: logger}
}

// Routes returns the API mux. Everything except /health requires a token.
func (h *Handlers) Routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /sync/begin", h.HandleBegin)
	api.HandleFunc("GET /sync/diff", h.HandleDiff)
	api.HandleFunc("POST /library/items", h.HandlePut)
	api.HandleFunc("DELETE /library/items/{type}/{id}", h.HandleRemove)
	api.HandleFunc("POST /library/purge", h.HandlePurge)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/", h.auth.Middleware(api))
	return mux
}

func (h *Handlers) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "missing identity")
	}
	return id, ok
}

// HandleBegin decides between an incremental diff and a full refresh and
// reports how many rows of each type the window holds.
func (h *Handlers) HandleBegin(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req BeginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse begin request")
		return
	}
	if req.Since < 0 || req.Until <= req.Since {
		h.writeError(w, http.StatusBadRequest, "invalid_anchor", "until must be greater than since")
		return
	}

	ctx := r.Context()
	horizon, err := h.feed.Horizon(ctx, id.UserID)
	if err != nil {
		h.logger.Error("Failed to read horizon", "error", err, "user_id", id.UserID)
		h.writeError(w, http.StatusInternalServerError, "begin_failed", "Failed to open diff")
		return
	}
	refresh := req.Since == 0 || req.Since < horizon
	resp := BeginResponse{Code: int(fivesync.CodeIncremental), Horizon: horizon, Counts: map[string]int{}}
	if refresh {
		resp.Code = int(fivesync.CodeRefresh)
	}
	for _, t := range libraryTypes {
		n, err := h.feed.Count(ctx, id.UserID, Window{Type: t, Since: req.Since, Until: req.Until, Refresh: refresh})
		if err != nil {
			h.logger.Error("Failed to count diff", "error", err, "user_id", id.UserID, "type", t.String())
			h.writeError(w, http.StatusInternalServerError, "begin_failed", "Failed to open diff")
			return
		}
		resp.Counts[t.String()] = n
	}

	h.logger.Info("Diff window opened",
		"user_id", id.UserID,
		"device_id", id.DeviceID,
		"since", req.Since,
		"until", req.Until,
		"code", resp.Code)
	h.writeJSON(w, http.StatusOK, resp)
}

func parseInt64(r *http.Request, name string, def int64) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}

// HandleDiff returns one page of a window for a single entity type
func (h *Handlers) HandleDiff(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	t, err := parseType(q.Get("type"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "type must be artist, album or song")
		return
	}
	window := Window{Type: t, Refresh: q.Get("refresh") == "true"}
	if window.Since, err = parseInt64(r, "since", 0); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if window.Until, err = parseInt64(r, "until", 0); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if window.Until <= window.Since {
		h.writeError(w, http.StatusBadRequest, "invalid_anchor", "until must be greater than since")
		return
	}
	after, err := parseInt64(r, "after", 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	limit, err := parseInt64(r, "limit", int64(h.config.DefaultPageLimit))
	if err != nil || limit < 1 || limit > int64(h.config.MaxPageLimit) {
		h.writeError(w, http.StatusBadRequest, "invalid_request",
			"limit must be between 1 and "+strconv.Itoa(h.config.MaxPageLimit))
		return
	}

	items, err := h.feed.Page(r.Context(), id.UserID, window, after, int(limit)+1)
	if err != nil {
		h.logger.Error("Failed to page diff", "error", err, "user_id", id.UserID, "type", t.String())
		h.writeError(w, http.StatusInternalServerError, "diff_failed", "Failed to read diff")
		return
	}

	resp := DiffResponse{Rows: make([]DiffRow, 0, len(items)), NextAfter: after}
	if len(items) > int(limit) {
		items = items[:limit]
		resp.HasMore = true
	}
	for _, item := range items {
		resp.Rows = append(resp.Rows, toDiffRow(window, item))
		resp.NextAfter = item.Seq
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandlePut publishes the current state of an artist, album or song
func (h *Handlers) HandlePut(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req PutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse item")
		return
	}
	t, err := parseType(req.Type)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "type must be artist, album or song")
		return
	}
	if _, err := fivesync.ParseMetadata(req.Data); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	item, err := h.feed.Put(r.Context(), id.UserID, t, req.RemoteID, req.Data, h.config.Clock().Unix())
	if err != nil {
		h.logger.Error("Failed to publish item", "error", err, "user_id", id.UserID, "type", t.String())
		h.writeError(w, http.StatusInternalServerError, "put_failed", "Failed to store item")
		return
	}
	h.writeJSON(w, http.StatusOK, PutResponse{RemoteID: item.RemoteID, Seq: item.Seq})
}

// HandleRemove marks an item deleted
func (h *Handlers) HandleRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	t, err := parseType(r.PathValue("type"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "type must be artist, album or song")
		return
	}
	err = h.feed.Remove(r.Context(), id.UserID, t, r.PathValue("id"), h.config.Clock().Unix())
	if errors.Is(err, ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Failed to remove item", "error", err, "user_id", id.UserID)
		h.writeError(w, http.StatusInternalServerError, "remove_failed", "Failed to remove item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePurge drops old tombstones. Devices whose anchor predates the new
// horizon get a refresh on their next sync.
func (h *Handlers) HandlePurge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Before <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "before must be a positive unix time")
		return
	}
	n, err := h.feed.Purge(r.Context(), id.UserID, req.Before)
	if err != nil {
		h.logger.Error("Failed to purge", "error", err, "user_id", id.UserID)
		h.writeError(w, http.StatusInternalServerError, "purge_failed", "Failed to purge")
		return
	}
	horizon, err := h.feed.Horizon(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("Failed to read horizon", "error", err, "user_id", id.UserID)
		h.writeError(w, http.StatusInternalServerError, "purge_failed", "Failed to purge")
		return
	}
	h.writeJSON(w, http.StatusOK, PurgeResponse{Purged: n, Horizon: horizon})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeError(w, h.logger, statusCode, errorCode, message)
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, logger *slog.Logger, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
