// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// libraryWeight is the capacity of the library semaphore. A session holds
// one unit; a refresh wipe takes all of them.
const libraryWeight = 1 << 30

// CoordinatorConfig holds the optional collaborators of a Coordinator
type CoordinatorConfig struct {
	Clock    func() time.Time // source of the next anchor
	Logger   *slog.Logger
	Progress ProgressObserver // may be nil
	Failures FailureRecorder  // may be nil
	Artwork  ArtworkStore     // may be nil
	Cache    CacheReclaimer   // may be nil; removes cached files on refresh
}

// DefaultCoordinatorConfig returns a configuration using the wall clock and
// the default logger.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		Clock:  time.Now,
		Logger: slog.Default(),
	}
}

// Coordinator drives sync sessions: it dispatches diff rows to the entity
// mergers, tracks progress and commits anchors. Sessions for the same source
// never overlap, and a refresh wipe never runs while another session is live.
type Coordinator struct {
	store   Store
	anchors AnchorStore
	config  *CoordinatorConfig
	logger  *slog.Logger

	artists Merger
	albums  Merger
	songs   Merger

	mu      sync.Mutex
	slots   map[int64]chan struct{}
	library *semaphore.Weighted
}

// NewCoordinator creates a coordinator writing to store and persisting
// anchors in anchors.
func NewCoordinator(store Store, anchors AnchorStore, config *CoordinatorConfig) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if anchors == nil {
		return nil, fmt.Errorf("anchor store cannot be nil")
	}
	if config == nil {
		config = DefaultCoordinatorConfig()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	env := &mergeEnv{store: store, artwork: config.Artwork, logger: logger}
	return &Coordinator{
		store:   store,
		anchors: anchors,
		config:  config,
		logger:  logger,
		artists: &artistMerger{env},
		albums:  &albumMerger{env},
		songs:   &songMerger{env},
		slots:   make(map[int64]chan struct{}),
		library: semaphore.NewWeighted(libraryWeight),
	}, nil
}

// mergerFor selects the merger variant for t
func (c *Coordinator) mergerFor(t EntityType) (Merger, error) {
	switch t {
	case EntityArtist:
		return c.artists, nil
	case EntityAlbum:
		return c.albums, nil
	case EntitySong:
		return c.songs, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, t)
	}
}

// acquire blocks until no other session holds sourceID
func (c *Coordinator) acquire(ctx context.Context, sourceID int64) (func(), error) {
	c.mu.Lock()
	slot, ok := c.slots[sourceID]
	if !ok {
		slot = make(chan struct{}, 1)
		c.slots[sourceID] = slot
	}
	c.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BeginSession opens a session for sourceID. It waits for the source to be
// free and then checks lastAnchor against the stored anchor: a caller that
// read the anchor before another session committed gets ErrInvalidAnchor.
// The next anchor is the current clock time in Unix seconds and must exceed
// lastAnchor.
func (c *Coordinator) BeginSession(ctx context.Context, sourceID int64, lastAnchor int64) (*Session, error) {
	return c.beginSession(ctx, sourceID, &lastAnchor)
}

// beginSession uses the stored anchor when lastAnchor is nil
func (c *Coordinator) beginSession(ctx context.Context, sourceID int64, lastAnchor *int64) (*Session, error) {
	release, err := c.acquire(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session for source %d: %w", sourceID, err)
	}
	if err := c.library.Acquire(ctx, 1); err != nil {
		release()
		return nil, fmt.Errorf("failed to acquire library for source %d: %w", sourceID, err)
	}
	fail := func(err error) (*Session, error) {
		c.library.Release(1)
		release()
		return nil, err
	}

	stored, err := c.anchors.Anchor(ctx, sourceID)
	if err != nil {
		return fail(fmt.Errorf("failed to read anchor for source %d: %w", sourceID, err))
	}
	last := stored
	if lastAnchor != nil {
		if *lastAnchor < stored {
			return fail(fmt.Errorf("%w: last anchor %d is behind stored anchor %d for source %d",
				ErrInvalidAnchor, *lastAnchor, stored, sourceID))
		}
		last = *lastAnchor
	}
	nextAnchor := c.config.Clock().Unix()
	if nextAnchor <= last {
		return fail(fmt.Errorf("%w: next anchor %d does not exceed last anchor %d for source %d",
			ErrInvalidAnchor, nextAnchor, last, sourceID))
	}

	c.logger.Info("Sync session started", "source_id", sourceID, "last_anchor", last, "next_anchor", nextAnchor)
	return &Session{
		SourceID:    sourceID,
		LastAnchor:  last,
		NextAnchor:  nextAnchor,
		code:        CodeIncremental,
		remap:       NewRemapTable(),
		progress:    newProgressPump(c.config.Progress),
		release:     release,
		holdLibrary: true,
	}, nil
}

// Prepare records the negotiated mode and the number of changes to expect.
// CodeRefresh deletes the whole library, for every source, before any row
// is applied. The wipe waits until every other live session has ended.
func (c *Coordinator) Prepare(ctx context.Context, s *Session, code SyncCode, totalExpected int) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	s.code = code
	s.totalExpected = totalExpected
	s.mu.Unlock()

	if code != CodeRefresh {
		return nil
	}
	if err := c.exclusive(ctx, s, func() error { return c.wipe(ctx, s) }); err != nil {
		return err
	}
	s.remap.Clear()
	return nil
}

// exclusive trades the session's library unit for the whole library while
// fn runs. On error the session may be left without its unit; EndSession
// accounts for that.
func (c *Coordinator) exclusive(ctx context.Context, s *Session, fn func() error) error {
	c.releaseLibrary(s)
	if err := c.library.Acquire(ctx, libraryWeight); err != nil {
		return fmt.Errorf("failed to lock library for refresh: %w", err)
	}
	err := fn()
	c.library.Release(libraryWeight)
	if err != nil {
		return err
	}
	if err := c.library.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to reacquire library: %w", err)
	}
	s.mu.Lock()
	s.holdLibrary = true
	s.mu.Unlock()
	return nil
}

func (c *Coordinator) releaseLibrary(s *Session) {
	s.mu.Lock()
	held := s.holdLibrary
	s.holdLibrary = false
	s.mu.Unlock()
	if held {
		c.library.Release(1)
	}
}

// wipe deletes children first so foreign keys stay satisfied. Cached files
// are removed before their content rows disappear.
func (c *Coordinator) wipe(ctx context.Context, s *Session) error {
	for _, table := range []Table{TableSongs, TableAlbums, TableArtists} {
		n, err := c.store.Delete(ctx, table, Predicate{})
		if err != nil {
			return fmt.Errorf("failed to wipe %s: %w", table, err)
		}
		c.logger.Info("Wiped table for refresh", "source_id", s.SourceID, "table", string(table), "rows", n)
	}
	if c.config.Cache != nil {
		if err := c.reclaimCached(ctx); err != nil {
			return err
		}
	}
	n, err := c.store.Delete(ctx, TableContent, Predicate{})
	if err != nil {
		return fmt.Errorf("failed to wipe %s: %w", TableContent, err)
	}
	c.logger.Info("Wiped table for refresh", "source_id", s.SourceID, "table", string(TableContent), "rows", n)
	return nil
}

func (c *Coordinator) reclaimCached(ctx context.Context) error {
	rows, err := c.store.Query(ctx, TableContent, []string{"_id", "cached_path"}, Where("cached_path IS NOT NULL"), "_id")
	if err != nil {
		return fmt.Errorf("failed to list cached content: %w", err)
	}
	for _, row := range rows {
		path, ok := row.String("cached_path")
		if !ok || path == "" {
			continue
		}
		if err := c.config.Cache.RemoveCached(ctx, path); err != nil {
			c.logger.Warn("Failed to remove cached file", "path", path, "error", err)
		}
	}
	return nil
}

// ApplyRow applies one diff row. A rejected row yields StatusBadRequest and
// a *RowError; the session stays usable either way.
func (c *Coordinator) ApplyRow(ctx context.Context, s *Session, row *DiffRow) (StatusCode, error) {
	status, err := c.applyRow(ctx, s, row)
	var rowErr *RowError
	if err != nil {
		t, _ := row.Type()
		rowErr = &RowError{Type: t, Op: row.Op, RemoteID: row.RemoteID, Err: err}
		status = StatusBadRequest
		c.logger.Warn("Row rejected",
			"source_id", s.SourceID,
			"type", t.String(),
			"op", string(row.Op),
			"remote_id", row.RemoteID,
			"error", err)
		if c.config.Failures != nil {
			if ferr := c.config.Failures.RecordFailure(ctx, s.SourceID, rowErr); ferr != nil {
				c.logger.Error("Failed to record row failure", "source_id", s.SourceID, "error", ferr)
			}
		}
	}

	if progress, inserted := s.record(status, rowErr); inserted {
		s.progress.publish(progress)
	}
	if rowErr != nil {
		return status, rowErr
	}
	return status, nil
}

func (c *Coordinator) applyRow(ctx context.Context, s *Session, row *DiffRow) (StatusCode, error) {
	if s.Closed() {
		return StatusBadRequest, ErrSessionClosed
	}
	t, err := row.Type()
	if err != nil {
		return StatusBadRequest, err
	}
	merger, err := c.mergerFor(t)
	if err != nil {
		return StatusBadRequest, err
	}
	if err := row.Decode(); err != nil {
		return StatusBadRequest, err
	}

	switch row.Op {
	case OpInsert:
		if _, err := merger.Insert(ctx, s, row); err != nil {
			return StatusBadRequest, err
		}
		return StatusCreated, nil
	case OpUpdate:
		localID := row.LocalID
		if localID == 0 {
			localID, err = s.remap.Resolve(ctx, t, row.RemoteID, bySyncID(c.store, t, row.RemoteID))
			if err != nil {
				return StatusBadRequest, err
			}
		}
		changed, err := merger.Update(ctx, s, localID, row)
		if err != nil {
			return StatusBadRequest, err
		}
		if changed {
			return StatusUpdated, nil
		}
		return StatusNoOp, nil
	case OpDelete:
		return StatusBadRequest, merger.Delete(ctx, s, row)
	default:
		return StatusBadRequest, fmt.Errorf("%w: op %q", ErrUnsupportedOperation, row.Op)
	}
}

// EndSession closes s. With commit the next anchor becomes the durable
// anchor of the source, even when some rows were rejected; those rows will
// not be offered again unless the remote re-emits them. Without commit no
// anchor is written. Rows already applied are kept in both cases.
func (c *Coordinator) EndSession(ctx context.Context, s *Session, commit bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.closed = true
	s.mu.Unlock()
	defer s.release()
	defer c.releaseLibrary(s)

	s.progress.stop()
	s.remap.Clear()
	stats := s.Stats()

	if !commit {
		c.logger.Info("Sync session aborted",
			"source_id", s.SourceID, "created", stats.Created, "updated", stats.Updated, "failed", stats.Failed)
		return nil
	}
	if err := c.anchors.SetAnchor(ctx, s.SourceID, s.NextAnchor); err != nil {
		return fmt.Errorf("failed to commit anchor for source %d: %w", s.SourceID, err)
	}
	if stats.Failed > 0 {
		c.logger.Warn("Sync session committed with rejected rows",
			"source_id", s.SourceID, "failed", stats.Failed, "anchor", s.NextAnchor)
	}
	c.logger.Info("Sync session committed",
		"source_id", s.SourceID,
		"anchor", s.NextAnchor,
		"created", stats.Created,
		"updated", stats.Updated,
		"noop", stats.NoOp,
		"failed", stats.Failed)
	return nil
}

// Result summarizes a session driven by Run
type Result struct {
	SourceID   int64
	LastAnchor int64
	NextAnchor int64
	Committed  bool
	Stats      SessionStats
	Failures   []*RowError
}

// DiffSource opens the remote diff of a session. The diff covers changes in
// the window (s.LastAnchor, s.NextAnchor]; the source also decides whether
// the session is incremental or a full refresh.
type DiffSource interface {
	Open(ctx context.Context, s *Session) (SyncCode, []DiffCursor, error)
}

// Run performs a complete session for sourceID over already opened cursors.
// Every cursor is closed before Run returns.
func (c *Coordinator) Run(ctx context.Context, sourceID int64, code SyncCode, cursors ...DiffCursor) (*Result, error) {
	src := &staticSource{code: code, cursors: cursors}
	result, err := c.Sync(ctx, sourceID, src)
	if !src.opened {
		c.closeCursors(sourceID, cursors)
	}
	return result, err
}

type staticSource struct {
	code    SyncCode
	cursors []DiffCursor
	opened  bool
}

func (s *staticSource) Open(context.Context, *Session) (SyncCode, []DiffCursor, error) {
	s.opened = true
	return s.code, s.cursors, nil
}

func (c *Coordinator) closeCursors(sourceID int64, cursors []DiffCursor) {
	for _, cur := range cursors {
		if err := cur.Close(); err != nil {
			c.logger.Warn("Failed to close diff cursor", "source_id", sourceID, "type", cur.Type().String(), "error", err)
		}
	}
}

// Sync performs a complete session for sourceID: it reads the stored anchor,
// opens the diff, drains the cursors in dependency order (artists, albums,
// songs) and commits. A source or cursor error, or cancellation, ends the
// session without advancing the anchor.
func (c *Coordinator) Sync(ctx context.Context, sourceID int64, src DiffSource) (*Result, error) {
	s, err := c.beginSession(ctx, sourceID, nil)
	if err != nil {
		return nil, err
	}
	lastAnchor := s.LastAnchor

	result := &Result{SourceID: sourceID, LastAnchor: lastAnchor, NextAnchor: s.NextAnchor}
	abort := func(cause error) (*Result, error) {
		if err := c.EndSession(context.WithoutCancel(ctx), s, false); err != nil {
			c.logger.Error("Failed to abort sync session", "source_id", sourceID, "error", err)
		}
		result.Stats = s.Stats()
		result.Failures = s.Failures()
		return result, cause
	}

	code, cursors, err := src.Open(ctx, s)
	if err != nil {
		return abort(fmt.Errorf("failed to open diff for source %d: %w", sourceID, err))
	}
	defer c.closeCursors(sourceID, cursors)

	ordered := slices.Clone(cursors)
	slices.SortStableFunc(ordered, func(a, b DiffCursor) int { return cmp.Compare(a.Type(), b.Type()) })
	total := 0
	for _, cur := range ordered {
		total += cur.Total()
	}

	if err := c.Prepare(ctx, s, code, total); err != nil {
		return abort(err)
	}
	for _, cur := range ordered {
		for {
			if err := ctx.Err(); err != nil {
				return abort(err)
			}
			row, err := cur.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return abort(fmt.Errorf("failed to read %s diff: %w", cur.Type(), err))
			}
			// Rejected rows are recorded on the session.
			_, _ = c.ApplyRow(ctx, s, row)
		}
	}

	if err := c.EndSession(ctx, s, true); err != nil {
		result.Stats = s.Stats()
		result.Failures = s.Failures()
		return result, err
	}
	result.Committed = true
	result.Stats = s.Stats()
	result.Failures = s.Failures()
	return result, nil
}
