// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Merger applies diff rows of a single entity type to the local store. The
// set of mergers is closed: artist, album and song.
type Merger interface {
	Type() EntityType
	Insert(ctx context.Context, s *Session, row *DiffRow) (int64, error)
	Update(ctx context.Context, s *Session, localID int64, row *DiffRow) (bool, error)
	Delete(ctx context.Context, s *Session, row *DiffRow) error
}

// namePrefixes are the leading articles stored apart from the sortable name
var namePrefixes = []string{"The "}

// SplitNamePrefix separates a leading stop prefix from a display name.
// prefix is empty when the name has none.
func SplitNamePrefix(display string) (prefix, name string) {
	for _, p := range namePrefixes {
		if len(display) > len(p) && strings.HasPrefix(display, p) {
			return p, display[len(p):]
		}
	}
	return "", display
}

// mergeEnv is the state shared by every merger variant
type mergeEnv struct {
	store   Store
	artwork ArtworkStore
	logger  *slog.Logger
}

// bySyncID finds the newest local row of type t carrying remoteID
func bySyncID(store Store, t EntityType, remoteID string) LookupFunc {
	return func(ctx context.Context) (int64, bool, error) {
		rows, err := store.Query(ctx, t.Table(), []string{"_id"}, Where("_sync_id = ?", remoteID), "_id DESC")
		if err != nil {
			return 0, false, err
		}
		if len(rows) == 0 {
			return 0, false, nil
		}
		id, ok := rows[0].Int64("_id")
		return id, ok, nil
	}
}

func (e *mergeEnv) exists(ctx context.Context, t EntityType, id int64) (bool, error) {
	rows, err := e.store.Query(ctx, t.Table(), []string{"_id"}, ByID(id), "")
	if err != nil {
		return false, fmt.Errorf("failed to check %s %d: %w", t, id, err)
	}
	return len(rows) > 0, nil
}

// resolveRef resolves a foreign key given either as a remote id (guidKey)
// or as a local id (idKey). present is false when neither key is set.
func (e *mergeEnv) resolveRef(ctx context.Context, s *Session, fields *Metadata, t EntityType, guidKey, idKey string) (id int64, present bool, err error) {
	if guid, ok := fields.Get(guidKey); ok {
		id, err = s.remap.Resolve(ctx, t, guid, bySyncID(e.store, t, guid))
		return id, true, err
	}
	if _, ok := fields.Get(idKey); !ok {
		return 0, false, nil
	}
	id, _, err = fields.Int64(idKey)
	if err != nil {
		return 0, true, err
	}
	found, err := e.exists(ctx, t, id)
	if err != nil {
		return 0, true, err
	}
	if !found {
		return 0, true, unresolved(t, strconv.FormatInt(id, 10))
	}
	return id, true, nil
}

// putName stores the display name split into name and prefix columns. An
// absent prefix is written as NULL so renames clear a stale prefix.
func putName(values Values, display string) {
	prefix, name := SplitNamePrefix(display)
	values["name"] = name
	if prefix == "" {
		values["name_prefix"] = nil
	} else {
		values["name_prefix"] = prefix
	}
}

func putString(values Values, fields *Metadata, key, column string) {
	if v, ok := fields.Get(key); ok {
		values[column] = v
	}
}

func putInt(values Values, fields *Metadata, key, column string) error {
	n, ok, err := fields.Int64(key)
	if err != nil {
		return err
	}
	if ok {
		values[column] = n
	}
	return nil
}

// putCommon copies the columns every entity table carries
func putCommon(values Values, fields *Metadata) error {
	putString(values, fields, KeyMBID, "mbid")
	return putInt(values, fields, KeyDiscoveryDate, "discovery_date")
}

// putSyncTime falls back to the session anchor when the row does not carry
// its own sync time.
func putSyncTime(s *Session, values Values, fields *Metadata) error {
	if err := putInt(values, fields, KeySyncTime, "_sync_time"); err != nil {
		return err
	}
	if _, ok := values["_sync_time"]; !ok {
		values["_sync_time"] = s.NextAnchor
	}
	return nil
}

func checkInsertable(s *Session, t EntityType, row *DiffRow) error {
	if row.RemoteID == "" {
		return fmt.Errorf("%w: remote id", ErrMissingField)
	}
	if id, ok := s.remap.Lookup(t, row.RemoteID); ok {
		return fmt.Errorf("%w: %s %q already inserted as %d", ErrDuplicateRow, t, row.RemoteID, id)
	}
	return nil
}

// associateImage promotes a staged photo or artwork and points the row at
// it. Failures leave the row without an image.
func (e *mergeEnv) associateImage(ctx context.Context, t EntityType, localID int64, ref, column string) {
	if ref == "" {
		return
	}
	if e.artwork != nil {
		if err := e.artwork.Promote(ctx, t, ref, localID); err != nil {
			e.logger.Warn("Failed to promote image", "type", t.String(), "id", localID, "ref", ref, "error", err)
			return
		}
	}
	if _, err := e.store.Update(ctx, t.Table(), Values{column: string(PhotoURI(t, localID))}, ByID(localID)); err != nil {
		e.logger.Warn("Failed to associate image", "type", t.String(), "id", localID, "error", err)
	}
}

func (e *mergeEnv) update(ctx context.Context, s *Session, t EntityType, localID int64, values Values, fields *Metadata) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	if err := putSyncTime(s, values, fields); err != nil {
		return false, err
	}
	n, err := e.store.Update(ctx, t.Table(), values, ByID(localID))
	if err != nil {
		return false, fmt.Errorf("failed to update %s %d: %w", t, localID, err)
	}
	return n > 0, nil
}

func rejectDelete(t EntityType) error {
	return fmt.Errorf("%w: %s delete", ErrUnsupportedOperation, t)
}
