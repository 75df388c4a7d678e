// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import (
	"context"
	"fmt"
	"sync"
)

// LookupFunc finds the local id for a remote id in the store. found is false
// when no row carries that remote id.
type LookupFunc func(ctx context.Context) (localID int64, found bool, err error)

type remapKey struct {
	t        EntityType
	remoteID string
}

// RemapTable translates remote ids to local ids for the lifetime of a session
type RemapTable struct {
	mu  sync.Mutex
	ids map[remapKey]int64
}

// NewRemapTable creates an empty table
func NewRemapTable() *RemapTable {
	return &RemapTable{ids: make(map[remapKey]int64)}
}

// Put records remoteID -> localID. Re-registering the same pair is allowed;
// mapping a remote id to a second local id is not.
func (r *RemapTable) Put(t EntityType, remoteID string, localID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := remapKey{t, remoteID}
	if existing, ok := r.ids[key]; ok && existing != localID {
		return fmt.Errorf("%w: %s %q already mapped to %d", ErrDuplicateRow, t, remoteID, existing)
	}
	r.ids[key] = localID
	return nil
}

// Lookup returns the cached local id without consulting the store
func (r *RemapTable) Lookup(t EntityType, remoteID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[remapKey{t, remoteID}]
	return id, ok
}

// Resolve returns the local id for remoteID, calling lookup on a cache miss
// and caching a positive result. A miss in both yields ErrUnresolvedReference.
func (r *RemapTable) Resolve(ctx context.Context, t EntityType, remoteID string, lookup LookupFunc) (int64, error) {
	if id, ok := r.Lookup(t, remoteID); ok {
		return id, nil
	}
	id, found, err := lookup(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to look up %s %q: %w", t, remoteID, err)
	}
	if !found {
		return 0, unresolved(t, remoteID)
	}
	if err := r.Put(t, remoteID, id); err != nil {
		return 0, err
	}
	return id, nil
}

// Len returns the number of cached mappings
func (r *RemapTable) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Clear discards every mapping
func (r *RemapTable) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = make(map[remapKey]int64)
}
