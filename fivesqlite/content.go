// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-fivesync/contentcache"
	"github.com/mobiletoly/go-fivesync/fivesync"
)

var _ contentcache.ContentStore = (*Store)(nil)

const contentColumns = `_id, source_id, content_id, size, IFNULL(mime_type, ''), cached_path, cached_timestamp`

func scanDescriptor(scan func(dest ...any) error) (contentcache.Descriptor, error) {
	var d contentcache.Descriptor
	var path sql.NullString
	var ts sql.NullInt64
	if err := scan(&d.ID, &d.SourceID, &d.ContentID, &d.Size, &d.MimeType, &path, &ts); err != nil {
		return d, err
	}
	if path.Valid {
		d.CachedPath = path.String
	}
	if ts.Valid {
		d.CachedAt = time.UnixMilli(ts.Int64)
	}
	return d, nil
}

// Content returns the descriptor of (sourceID, contentID)
func (s *Store) Content(ctx context.Context, sourceID int64, contentID string) (*contentcache.Descriptor, bool, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content WHERE source_id = ? AND content_id = ?`, sourceID, contentID)
	d, err := scanDescriptor(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query content %q: %w", contentID, err)
	}
	return &d, true, nil
}

// MaterializedContent lists cached content, least recently cached first
func (s *Store) MaterializedContent(ctx context.Context) ([]contentcache.Descriptor, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+contentColumns+` FROM content
		WHERE cached_path IS NOT NULL
		ORDER BY cached_timestamp ASC, _id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached content: %w", err)
	}
	defer rows.Close()

	var result []contentcache.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan content: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// SetCached records the cache path and time of a content row
func (s *Store) SetCached(ctx context.Context, id int64, path string, at time.Time) error {
	_, err := s.Update(ctx, fivesync.TableContent, fivesync.Values{
		"cached_path":      path,
		"cached_timestamp": at.UnixMilli(),
	}, fivesync.ByID(id))
	return err
}

// ClearCached returns a content row to the unmaterialized state
func (s *Store) ClearCached(ctx context.Context, id int64) error {
	_, err := s.Update(ctx, fivesync.TableContent, fivesync.Values{
		"cached_path":      nil,
		"cached_timestamp": nil,
	}, fivesync.ByID(id))
	return err
}
