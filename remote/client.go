// Package remote fetches library diffs from a diff server and exposes them
// to the merge engine as cursors.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-fivesync/diffserver"
	"github.com/mobiletoly/go-fivesync/fivesync"
)

// Config holds configuration for the diff client
type Config struct {
	PageSize    int           // rows per /sync/diff request
	Timeout     time.Duration // per HTTP request
	MaxAttempts int           // attempts per request on 5xx and transport errors
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		PageSize:    500,
		Timeout:     60 * time.Second,
		MaxAttempts: 3,
		BackoffMin:  500 * time.Millisecond,
		BackoffMax:  10 * time.Second,
	}
}

// Client talks to one diff server. It implements fivesync.DiffSource.
type Client struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	config  *Config
	logger  *slog.Logger
}

var _ fivesync.DiffSource = (*Client)(nil)

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, token TokenFunc, config *Config) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if token == nil {
		return nil, fmt.Errorf("token func cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: config.Timeout},
		config:  config,
		logger:  slog.Default(),
	}, nil
}

// WithLogger replaces the client logger
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Open asks the server for the session window and returns one lazy cursor
// per entity type.
func (c *Client) Open(ctx context.Context, s *fivesync.Session) (fivesync.SyncCode, []fivesync.DiffCursor, error) {
	begin, err := c.Begin(ctx, s.LastAnchor, s.NextAnchor)
	if err != nil {
		return 0, nil, err
	}
	code := fivesync.SyncCode(begin.Code)
	if code != fivesync.CodeIncremental && code != fivesync.CodeRefresh {
		return 0, nil, fmt.Errorf("server returned unknown sync code %d", begin.Code)
	}

	window := diffserver.Window{Since: s.LastAnchor, Until: s.NextAnchor, Refresh: code == fivesync.CodeRefresh}
	var cursors []fivesync.DiffCursor
	for _, t := range []fivesync.EntityType{fivesync.EntityArtist, fivesync.EntityAlbum, fivesync.EntitySong} {
		w := window
		w.Type = t
		cursors = append(cursors, newCursor(c, w, begin.Counts[t.String()]))
	}
	c.logger.Info("Diff opened",
		"source_id", s.SourceID,
		"code", begin.Code,
		"artists", begin.Counts["artist"],
		"albums", begin.Counts["album"],
		"songs", begin.Counts["song"])
	return code, cursors, nil
}

// Begin opens the window (since, until] on the server
func (c *Client) Begin(ctx context.Context, since, until int64) (*diffserver.BeginResponse, error) {
	body, err := json.Marshal(diffserver.BeginRequest{Since: since, Until: until})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal begin request: %w", err)
	}
	var resp diffserver.BeginResponse
	if err := c.do(ctx, http.MethodPost, c.BaseURL+"/sync/begin", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to begin diff: %w", err)
	}
	return &resp, nil
}

// Page fetches one page of w after the given sequence
func (c *Client) Page(ctx context.Context, w diffserver.Window, after int64) (*diffserver.DiffResponse, error) {
	q := url.Values{}
	q.Set("type", w.Type.String())
	q.Set("since", strconv.FormatInt(w.Since, 10))
	q.Set("until", strconv.FormatInt(w.Until, 10))
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("limit", strconv.Itoa(c.config.PageSize))
	if w.Refresh {
		q.Set("refresh", "true")
	}
	var resp diffserver.DiffResponse
	if err := c.do(ctx, http.MethodGet, c.BaseURL+"/sync/diff?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch %s diff: %w", w.Type, err)
	}
	return &resp, nil
}

// StatusError is a non-2xx reply from the server
type StatusError struct {
	StatusCode int
	Code       string // error field of the JSON body, if any
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// do sends one request, retrying transport errors and 5xx replies with
// exponential backoff. All attempts share one X-Request-ID.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	requestID := uuid.NewString()
	backoff := c.config.BackoffMin
	var err error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		var retry bool
		retry, err = c.send(ctx, method, endpoint, requestID, body, out)
		if err == nil || !retry || attempt == c.config.MaxAttempts {
			break
		}
		c.logger.Warn("Request failed, retrying",
			"method", method, "url", endpoint, "request_id", requestID, "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, backoff); serr != nil {
			return serr
		}
		backoff = min(backoff*2, c.config.BackoffMax)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, endpoint, requestID string, body []byte, out any) (retry bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return false, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get JWT token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-Request-ID", requestID)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var apiErr diffserver.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			statusErr.Code = apiErr.Error
			statusErr.Message = apiErr.Message
		}
		return statusErr.retryable(), statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return false, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
