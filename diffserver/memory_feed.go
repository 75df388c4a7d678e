// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package diffserver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-fivesync/fivesync"
)

type itemKey struct {
	userID   string
	t        fivesync.EntityType
	remoteID string
}

// MemoryFeed is an in-process Feed for tests and single-node demos
type MemoryFeed struct {
	mu       sync.RWMutex
	items    map[itemKey]*Item
	horizons map[string]int64
	seq      int64
}

// NewMemoryFeed creates an empty feed
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		items:    make(map[itemKey]*Item),
		horizons: make(map[string]int64),
	}
}

func (f *MemoryFeed) Horizon(_ context.Context, userID string) (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.horizons[userID], nil
}

func (f *MemoryFeed) matching(userID string, w Window) []Item {
	var result []Item
	for key, item := range f.items {
		if key.userID == userID && w.Includes(*item) {
			result = append(result, *item)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

func (f *MemoryFeed) Count(_ context.Context, userID string, w Window) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.matching(userID, w)), nil
}

func (f *MemoryFeed) Page(_ context.Context, userID string, w Window, after int64, limit int) ([]Item, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var page []Item
	for _, item := range f.matching(userID, w) {
		if item.Seq <= after {
			continue
		}
		if len(page) == limit {
			break
		}
		page = append(page, item)
	}
	return page, nil
}

func (f *MemoryFeed) Put(_ context.Context, userID string, t fivesync.EntityType, remoteID, data string, at int64) (Item, error) {
	if err := checkType(t); err != nil {
		return Item{}, err
	}
	if remoteID == "" {
		remoteID = uuid.NewString()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	key := itemKey{userID, t, remoteID}
	item, ok := f.items[key]
	if !ok || item.Deleted {
		item = &Item{Type: t, RemoteID: remoteID, CreatedAt: at}
		f.items[key] = item
	}
	item.Seq = f.seq
	item.Data = data
	item.UpdatedAt = at
	return *item, nil
}

func (f *MemoryFeed) Remove(_ context.Context, userID string, t fivesync.EntityType, remoteID string, at int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemKey{userID, t, remoteID}]
	if !ok || item.Deleted {
		return fmt.Errorf("%w: %s %q", ErrNotFound, t, remoteID)
	}
	f.seq++
	item.Seq = f.seq
	item.Deleted = true
	item.UpdatedAt = at
	return nil
}

func (f *MemoryFeed) Purge(_ context.Context, userID string, before int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for key, item := range f.items {
		if key.userID == userID && item.Deleted && item.UpdatedAt < before {
			delete(f.items, key)
			n++
		}
	}
	if before > f.horizons[userID] {
		f.horizons[userID] = before
	}
	return n, nil
}
