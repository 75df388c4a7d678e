// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package diffserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-fivesync/fivesync"
)

// ErrNotFound is returned when removing an item the library does not hold
var ErrNotFound = errors.New("not_found")

// Item is the current server-side state of one library entity
type Item struct {
	Seq       int64 // bumped on every change, used for paging
	Type      fivesync.EntityType
	RemoteID  string
	Data      string
	CreatedAt int64 // unix seconds
	UpdatedAt int64 // unix seconds
	Deleted   bool
}

// Window selects the items a client needs for one sync session
type Window struct {
	Type    fivesync.EntityType
	Since   int64
	Until   int64
	Refresh bool
}

// Includes reports whether item belongs to the window. A refresh carries
// every live item created up to Until. An incremental window carries items
// created or changed in (Since, Until], except tombstones of items the
// client never received.
func (w Window) Includes(item Item) bool {
	if item.Type != w.Type || item.CreatedAt > w.Until {
		return false
	}
	if w.Refresh {
		return !item.Deleted
	}
	if item.Deleted {
		return item.CreatedAt <= w.Since && item.UpdatedAt > w.Since && item.UpdatedAt <= w.Until
	}
	return item.CreatedAt > w.Since || (item.UpdatedAt > w.Since && item.UpdatedAt <= w.Until)
}

// OpFor returns the operation the client applies for item
func (w Window) OpFor(item Item) fivesync.Op {
	switch {
	case w.Refresh || item.CreatedAt > w.Since:
		return fivesync.OpInsert
	case item.Deleted:
		return fivesync.OpDelete
	default:
		return fivesync.OpUpdate
	}
}

// Feed stores library items per user and answers window queries
type Feed interface {
	// Horizon is the oldest anchor whose incremental diff is still complete.
	// Tombstones older than it have been purged.
	Horizon(ctx context.Context, userID string) (int64, error)
	Count(ctx context.Context, userID string, w Window) (int, error)
	// Page returns up to limit items of w with Seq > after, in Seq order
	Page(ctx context.Context, userID string, w Window, after int64, limit int) ([]Item, error)
	// Put creates or replaces an item and returns its stored state
	Put(ctx context.Context, userID string, t fivesync.EntityType, remoteID, data string, at int64) (Item, error)
	Remove(ctx context.Context, userID string, t fivesync.EntityType, remoteID string, at int64) error
	// Purge drops tombstones removed before the given time and moves the horizon
	Purge(ctx context.Context, userID string, before int64) (int64, error)
}

// libraryTypes are the entity types a feed serves, in dependency order
var libraryTypes = []fivesync.EntityType{fivesync.EntityArtist, fivesync.EntityAlbum, fivesync.EntitySong}

func checkType(t fivesync.EntityType) error {
	switch t {
	case fivesync.EntityArtist, fivesync.EntityAlbum, fivesync.EntitySong:
		return nil
	default:
		return fmt.Errorf("%w: %s", fivesync.ErrUnknownEntityType, t)
	}
}

// parseType accepts a bare type name such as "album"
func parseType(name string) (fivesync.EntityType, error) {
	return fivesync.ParseEntityType(fivesync.MimePrefix + name)
}

func toDiffRow(w Window, item Item) DiffRow {
	return DiffRow{
		Seq:      item.Seq,
		Op:       string(w.OpFor(item)),
		RemoteID: item.RemoteID,
		MimeType: item.Type.MimeType(),
		Data:     item.Data,
	}
}
