// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-fivesync/fivesync"
)

// Log entry types of sources_log
const (
	LogTypeError = 1
	LogTypeInfo  = 2
)

// Source is a remote library server known to this device
type Source struct {
	ID        int64
	Name      string
	Host      string
	Port      int
	Revision  int64  // last committed anchor
	LastError string // newest error logged since Revision
}

// LogEntry is one row of the source log
type LogEntry struct {
	ID        int64
	SourceID  int64
	Type      int
	Timestamp int64
	Message   string
}

// Anchor returns the stored anchor of sourceID, or 0 if it never synced
func (s *Store) Anchor(ctx context.Context, sourceID int64) (int64, error) {
	var revision int64
	err := s.DB.QueryRowContext(ctx, `SELECT revision FROM sources WHERE _id = ?`, sourceID).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query anchor for source %d: %w", sourceID, err)
	}
	return revision, nil
}

// SetAnchor stores anchor for sourceID. Moving an anchor backwards fails
// with fivesync.ErrAnchorRegression and leaves the stored value unchanged.
func (s *Store) SetAnchor(ctx context.Context, sourceID int64, anchor int64) error {
	s.writeMu.Lock()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO sources (_id, revision) VALUES (?, ?)
		ON CONFLICT(_id) DO UPDATE SET revision = excluded.revision
		WHERE excluded.revision >= sources.revision
	`, sourceID, anchor)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to store anchor for source %d: %w", sourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: source %d anchor %d", fivesync.ErrAnchorRegression, sourceID, anchor)
	}
	s.NotifyChange(fivesync.TableURI(fivesync.TableSources))
	return nil
}

// EnsureSource registers or renames a source without touching its anchor
func (s *Store) EnsureSource(ctx context.Context, src Source) error {
	s.writeMu.Lock()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sources (_id, name, host, port) VALUES (?, ?, ?, ?)
		ON CONFLICT(_id) DO UPDATE SET name = excluded.name, host = excluded.host, port = excluded.port
	`, src.ID, src.Name, src.Host, src.Port)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to register source %d: %w", src.ID, err)
	}
	s.NotifyChange(fivesync.TableURI(fivesync.TableSources))
	return nil
}

// Sources lists every source with the newest error logged since its anchor
func (s *Store) Sources(ctx context.Context) ([]Source, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT s._id, IFNULL(s.name, ''), IFNULL(s.host, ''), IFNULL(s.port, 0), s.revision,
			IFNULL((SELECT l.message FROM sources_log l
				WHERE l.source_id = s._id AND l.type = ? AND l.timestamp >= s.revision
				ORDER BY l._id DESC LIMIT 1), '')
		FROM sources s
		ORDER BY s._id
	`, LogTypeError)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.Name, &src.Host, &src.Port, &src.Revision, &src.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// RecordFailure appends a rejected row to the source log
func (s *Store) RecordFailure(ctx context.Context, sourceID int64, rowErr *fivesync.RowError) error {
	return s.AppendLog(ctx, sourceID, LogTypeError, rowErr.Error())
}

// AppendLog writes one source log entry stamped with the current time
func (s *Store) AppendLog(ctx context.Context, sourceID int64, logType int, message string) error {
	s.writeMu.Lock()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO sources_log (source_id, type, timestamp, message) VALUES (?, ?, ?, ?)`,
		sourceID, logType, s.now().Unix(), message)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to append log for source %d: %w", sourceID, err)
	}
	return nil
}

// SourceLog returns the newest limit entries of sourceID, newest first
func (s *Store) SourceLog(ctx context.Context, sourceID int64, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT _id, source_id, type, timestamp, IFNULL(message, '')
		FROM sources_log WHERE source_id = ?
		ORDER BY _id DESC LIMIT ?
	`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query log for source %d: %w", sourceID, err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.SourceID, &e.Type, &e.Timestamp, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
