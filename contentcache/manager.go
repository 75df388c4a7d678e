// Package contentcache places synced song content on local storage and
// keeps a fixed amount of free space on the volume by evicting the least
// recently cached files.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package contentcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

// DefaultRetentionFloor is the free space kept on the volume after a new
// item has been placed.
const DefaultRetentionFloor int64 = 100 << 20

// Descriptor is a content row as seen by the cache
type Descriptor struct {
	ID         int64
	SourceID   int64
	ContentID  string
	Size       int64
	MimeType   string
	CachedPath string    // empty when unmaterialized
	CachedAt   time.Time // zero when unmaterialized
}

// ContentStore is the part of the local store the cache consults
type ContentStore interface {
	Content(ctx context.Context, sourceID int64, contentID string) (*Descriptor, bool, error)
	// MaterializedContent lists rows with a cached path, oldest cache time first
	MaterializedContent(ctx context.Context) ([]Descriptor, error)
	SetCached(ctx context.Context, id int64, path string, at time.Time) error
	ClearCached(ctx context.Context, id int64) error
}

// State is the cache lifecycle state of one content item
type State int

const (
	Unmaterialized State = iota
	Allocated
	Materialized
)

func (s State) String() string {
	switch s {
	case Allocated:
		return "allocated"
	case Materialized:
		return "materialized"
	default:
		return "unmaterialized"
	}
}

// Config holds cache manager settings
type Config struct {
	RetentionFloor int64
	Fs             afero.Fs
	Clock          func() time.Time
	Logger         *slog.Logger
}

// DefaultConfig returns a configuration for the host filesystem
func DefaultConfig() *Config {
	return &Config{
		RetentionFloor: DefaultRetentionFloor,
		Fs:             afero.NewOsFs(),
		Clock:          time.Now,
		Logger:         slog.Default(),
	}
}

// Manager allocates cache paths for content rows
type Manager struct {
	store  ContentStore
	volume Volume
	config *Config
	fs     afero.Fs
	logger *slog.Logger

	evictMu sync.Mutex // one eviction pass per volume
	group   singleflight.Group
}

// NewManager creates a cache manager for volume
func NewManager(store ContentStore, volume Volume, config *Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("content store cannot be nil")
	}
	if volume == nil {
		return nil, fmt.Errorf("volume cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Fs == nil {
		config.Fs = afero.NewOsFs()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		volume: volume,
		config: config,
		fs:     config.Fs,
		logger: logger,
	}, nil
}

// RequestStorage returns the path the caller should write the content bytes
// to, evicting older cached items first when the volume would otherwise drop
// below the retention floor. Concurrent requests for the same item share one
// allocation, which does not stop when the caller that started it gives up.
func (m *Manager) RequestStorage(ctx context.Context, sourceID int64, contentID string) (string, error) {
	key := strconv.FormatInt(sourceID, 10) + "/" + contentID
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		return m.requestStorage(shared, sourceID, contentID)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) requestStorage(ctx context.Context, sourceID int64, contentID string) (string, error) {
	desc, err := m.lookup(ctx, sourceID, contentID)
	if err != nil {
		return "", err
	}
	ext, err := ExtensionFor(desc.MimeType)
	if err != nil {
		return "", err
	}
	mounted, err := m.volume.Mounted()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoStorageDevice, err)
	}
	if !mounted {
		return "", fmt.Errorf("%w: %s is not mounted", ErrNoStorageDevice, m.volume.Root())
	}

	m.evictMu.Lock()
	err = m.ensureSpace(ctx, desc.Size)
	m.evictMu.Unlock()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(m.volume.Root(), strconv.FormatInt(sourceID, 10))
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, contentID+"."+ext)
	if err := m.store.SetCached(ctx, desc.ID, path, m.config.Clock()); err != nil {
		return "", fmt.Errorf("failed to mark content %d allocated: %w", desc.ID, err)
	}
	m.logger.Debug("Allocated cache storage",
		"source_id", sourceID, "content_id", contentID, "path", path, "size", humanize.IBytes(uint64(max(desc.Size, 0))))
	return path, nil
}

// ensureSpace evicts materialized content, oldest cache time first, until
// free + incoming reaches the retention floor. Free space is re-read from the
// volume on every pass; candidates are loaded once. Space freed before a
// failure stays freed.
func (m *Manager) ensureSpace(ctx context.Context, incoming int64) error {
	var (
		candidates []Descriptor
		loaded     bool
		next       int
	)
	for {
		free, err := m.volume.AvailableBytes()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoStorageDevice, err)
		}
		necessary := m.config.RetentionFloor - (free + incoming)
		if necessary <= 0 {
			return nil
		}
		m.logger.Info("Evicting cached content",
			"needed", humanize.IBytes(uint64(necessary)),
			"free", humanize.IBytes(uint64(max(free, 0))),
			"incoming", humanize.IBytes(uint64(max(incoming, 0))))

		if !loaded {
			candidates, err = m.store.MaterializedContent(ctx)
			if err != nil {
				return fmt.Errorf("failed to list cached content: %w", err)
			}
			loaded = true
		}

		for necessary > 0 {
			if next >= len(candidates) {
				return fmt.Errorf("%w: %s still needed after evicting %d items",
					ErrOutOfSpace, humanize.IBytes(uint64(necessary)), len(candidates))
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			c := candidates[next]
			next++
			necessary -= m.evict(ctx, c)
		}
	}
}

// evict removes one cached file and demotes its row. It returns the bytes
// actually freed on disk, which may differ from the declared size.
func (m *Manager) evict(ctx context.Context, c Descriptor) int64 {
	var freed int64
	if info, err := m.fs.Stat(c.CachedPath); err == nil {
		if err := m.fs.Remove(c.CachedPath); err == nil {
			freed = info.Size()
		} else {
			m.logger.Warn("Failed to remove cached file", "path", c.CachedPath, "error", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("Failed to stat cached file", "path", c.CachedPath, "error", err)
	}
	if err := m.store.ClearCached(ctx, c.ID); err != nil {
		m.logger.Warn("Failed to demote cached content", "content", c.ID, "error", err)
	}
	m.logger.Debug("Evicted cached content", "content", c.ID, "path", c.CachedPath, "freed", humanize.IBytes(uint64(freed)))
	return freed
}

// RemoveCached deletes a cached file under the volume root. A missing file is
// not an error. The content row is left to the caller.
func (m *Manager) RemoveCached(_ context.Context, path string) error {
	rel, err := filepath.Rel(m.volume.Root(), filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s is outside the cache", ErrInvalidContent, path)
	}
	if err := m.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cached file %s: %w", path, err)
	}
	m.logger.Debug("Removed cached file", "path", path)
	return nil
}

// CommitStorage marks an allocation as complete. It only validates the item;
// the hook is kept for integrity checks of written content.
func (m *Manager) CommitStorage(ctx context.Context, sourceID int64, contentID string) error {
	desc, err := m.lookup(ctx, sourceID, contentID)
	if err != nil {
		return err
	}
	m.logger.Debug("Committed cache storage", "source_id", sourceID, "content_id", contentID, "path", desc.CachedPath)
	return nil
}

// ReleaseStorage would purge a single cached item. No purge policy exists
// yet, so it always fails.
func (m *Manager) ReleaseStorage(_ context.Context, sourceID int64, contentID string) error {
	return fmt.Errorf("%w: release of source %d content %q", ErrNotImplemented, sourceID, contentID)
}

// State reports the lifecycle state of a content item. An item with a path
// whose file is missing or shorter than the declared size is still being
// written.
func (m *Manager) State(ctx context.Context, sourceID int64, contentID string) (State, error) {
	desc, err := m.lookup(ctx, sourceID, contentID)
	if err != nil {
		return Unmaterialized, err
	}
	if desc.CachedPath == "" {
		return Unmaterialized, nil
	}
	info, err := m.fs.Stat(desc.CachedPath)
	if err != nil || info.Size() < desc.Size {
		return Allocated, nil
	}
	return Materialized, nil
}

func (m *Manager) lookup(ctx context.Context, sourceID int64, contentID string) (*Descriptor, error) {
	if contentID == "" || contentID == "." || contentID == ".." || strings.ContainsAny(contentID, `/\`) {
		return nil, fmt.Errorf("%w: bad content id %q", ErrInvalidContent, contentID)
	}
	desc, found, err := m.store.Content(ctx, sourceID, contentID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up content %q: %w", contentID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: source %d has no content %q", ErrInvalidContent, sourceID, contentID)
	}
	return desc, nil
}
