// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import "context"

// Store is the local relational store the mergers write to. Every successful
// mutation must be followed by a change notification for the affected row.
type Store interface {
	Insert(ctx context.Context, table Table, values Values) (int64, error)
	Update(ctx context.Context, table Table, values Values, where Predicate) (int64, error)
	Delete(ctx context.Context, table Table, where Predicate) (int64, error)
	Query(ctx context.Context, table Table, columns []string, where Predicate, orderBy string) ([]Values, error)
	NotifyChange(uri URI)
}

// AnchorStore persists the per-source high-water mark
type AnchorStore interface {
	// Anchor returns 0 when the source has never completed a sync
	Anchor(ctx context.Context, sourceID int64) (int64, error)
	SetAnchor(ctx context.Context, sourceID int64, anchor int64) error
}

// FailureRecorder receives every row the coordinator rejected
type FailureRecorder interface {
	RecordFailure(ctx context.Context, sourceID int64, rowErr *RowError) error
}

// ArtworkStore moves staged artist photos and album artwork into place once
// the owning row has a local id.
type ArtworkStore interface {
	Promote(ctx context.Context, t EntityType, ref string, localID int64) error
}

// CacheReclaimer deletes a cached content file. A refresh wipe calls it for
// every cached path before the content rows are deleted.
type CacheReclaimer interface {
	RemoveCached(ctx context.Context, path string) error
}

// ProgressObserver receives fire-and-forget progress updates
type ProgressObserver interface {
	OnProgress(p Progress)
}

// ProgressObserverFunc adapts a function to ProgressObserver
type ProgressObserverFunc func(p Progress)

func (f ProgressObserverFunc) OnProgress(p Progress) { f(p) }

// Progress reports how many rows of a session have been applied
type Progress struct {
	SourceID int64
	Current  int
	Total    int
}
