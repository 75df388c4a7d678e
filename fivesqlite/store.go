// Package fivesqlite is the SQLite-backed local store for the fivesync merge
// engine: library tables, content descriptors, per-source anchors and the
// source error log.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-fivesync/fivesync"
)

// Store implements fivesync.Store and fivesync.AnchorStore on SQLite
type Store struct {
	DB       *sql.DB
	Notifier *Notifier
	logger   *slog.Logger
	tables   *TableInfoProvider
	now      func() time.Time
	writeMu  sync.Mutex // Serialize write operations to prevent SQLite locking issues
}

var (
	_ fivesync.Store           = (*Store)(nil)
	_ fivesync.AnchorStore     = (*Store)(nil)
	_ fivesync.FailureRecorder = (*Store)(nil)
)

// Open opens the database file at path with foreign keys enforced on every
// connection. The pool is limited to one connection; SQLite serializes
// writers anyway.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewStore creates the schema if needed and returns a store over db
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{
		DB:       db,
		Notifier: NewNotifier(),
		logger:   logger,
		tables:   NewTableInfoProvider(),
		now:      time.Now,
	}, nil
}

// initializeDatabase creates the library, content and source tables
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS sources (
			_id            INTEGER PRIMARY KEY,
			name           TEXT,
			host           TEXT,
			port           INTEGER,
			revision       INTEGER NOT NULL DEFAULT 0  -- anchor of the last committed sync
		)`,

		`CREATE TABLE IF NOT EXISTS sources_log (
			_id            INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id      INTEGER NOT NULL,
			type           INTEGER NOT NULL,
			timestamp      INTEGER NOT NULL,  -- unix seconds
			message        TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS content (
			_id              INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id        INTEGER NOT NULL,
			content_id       TEXT NOT NULL,
			size             INTEGER NOT NULL DEFAULT 0,
			mime_type        TEXT,
			cached_path      TEXT,
			cached_timestamp INTEGER,  -- unix millis
			UNIQUE (source_id, content_id)
		)`,

		`CREATE TABLE IF NOT EXISTS music_artists (
			_id            INTEGER PRIMARY KEY AUTOINCREMENT,
			_sync_id       TEXT,
			_sync_time     INTEGER,
			mbid           TEXT,
			name           TEXT NOT NULL,
			name_prefix    TEXT,
			genre          TEXT,
			photo          TEXT,
			discovery_date INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS music_albums (
			_id            INTEGER PRIMARY KEY AUTOINCREMENT,
			_sync_id       TEXT,
			_sync_time     INTEGER,
			mbid           TEXT,
			artist_id      INTEGER NOT NULL REFERENCES music_artists(_id),
			name           TEXT NOT NULL,
			name_prefix    TEXT,
			artwork        TEXT,
			discovery_date INTEGER,
			release_date   INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS music_songs (
			_id               INTEGER PRIMARY KEY AUTOINCREMENT,
			_sync_id          TEXT,
			_sync_time        INTEGER,
			mbid              TEXT,
			artist_id         INTEGER NOT NULL REFERENCES music_artists(_id),
			album_id          INTEGER REFERENCES music_albums(_id),
			title             TEXT NOT NULL,
			length            INTEGER,
			track             INTEGER,
			discovery_date    INTEGER,
			content_id        INTEGER NOT NULL REFERENCES content(_id),
			content_source_id INTEGER
		)`,

		`CREATE INDEX IF NOT EXISTS idx_artists_sync_id ON music_artists(_sync_id)`,
		`CREATE INDEX IF NOT EXISTS idx_albums_sync_id ON music_albums(_sync_id)`,
		`CREATE INDEX IF NOT EXISTS idx_albums_artist ON music_albums(artist_id)`,
		`CREATE INDEX IF NOT EXISTS idx_songs_sync_id ON music_songs(_sync_id)`,
		`CREATE INDEX IF NOT EXISTS idx_songs_artist ON music_songs(artist_id)`,
		`CREATE INDEX IF NOT EXISTS idx_songs_album ON music_songs(album_id)`,
		`CREATE INDEX IF NOT EXISTS idx_content_cached ON content(cached_timestamp) WHERE cached_path IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sources_log_source ON sources_log(source_id, timestamp)`,
	}

	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// NotifyChange broadcasts a change of uri to subscribers
func (s *Store) NotifyChange(uri fivesync.URI) {
	s.Notifier.Publish(uri)
}

// notifyMutation announces the rows touched by a write: the row itself when
// the predicate names one id, otherwise the whole table.
func (s *Store) notifyMutation(table fivesync.Table, where fivesync.Predicate) {
	t := fivesync.EntityForTable(table)
	if id, ok := where.RowID(); ok && t != fivesync.EntityUnknown {
		s.NotifyChange(fivesync.EntityURI(t, id))
		return
	}
	s.NotifyChange(fivesync.TableURI(table))
}

// columns returns the keys of values in a stable order after checking them
// against the table schema.
func (s *Store) columns(ctx context.Context, table fivesync.Table, names []string) (*TableInfo, error) {
	info, err := s.tables.Get(ctx, s.DB, table)
	if err != nil {
		return nil, err
	}
	if err := info.Validate(names); err != nil {
		return nil, err
	}
	return info, nil
}

func sortedKeys(values fivesync.Values) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func whereSQL(where fivesync.Predicate) string {
	if strings.TrimSpace(where.Clause) == "" {
		return ""
	}
	return " WHERE " + where.Clause
}

// Insert writes one row and returns its _id
func (s *Store) Insert(ctx context.Context, table fivesync.Table, values fivesync.Values) (int64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("insert into %s: no values", table)
	}
	cols := sortedKeys(values)
	if _, err := s.columns(ctx, table, cols); err != nil {
		return 0, err
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = values[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	s.writeMu.Lock()
	res, err := s.DB.ExecContext(ctx, query, args...)
	s.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id for %s: %w", table, err)
	}
	s.notifyMutation(table, fivesync.ByID(id))
	return id, nil
}

// Update applies values to every row matching where
func (s *Store) Update(ctx context.Context, table fivesync.Table, values fivesync.Values, where fivesync.Predicate) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	cols := sortedKeys(values)
	if _, err := s.columns(ctx, table, cols); err != nil {
		return 0, err
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(where.Args))
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, values[c])
	}
	args = append(args, where.Args...)
	query := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), whereSQL(where))

	s.writeMu.Lock()
	res, err := s.DB.ExecContext(ctx, query, args...)
	s.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows for %s: %w", table, err)
	}
	if n > 0 {
		s.notifyMutation(table, where)
	}
	return n, nil
}

// Delete removes every row matching where
func (s *Store) Delete(ctx context.Context, table fivesync.Table, where fivesync.Predicate) (int64, error) {
	if _, err := s.columns(ctx, table, nil); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s%s", table, whereSQL(where))

	s.writeMu.Lock()
	res, err := s.DB.ExecContext(ctx, query, where.Args...)
	s.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows for %s: %w", table, err)
	}
	if n > 0 {
		s.notifyMutation(table, where)
	}
	return n, nil
}

// Query returns the requested columns (all when empty) of the rows matching
// where. orderBy may name columns with an optional ASC/DESC each.
func (s *Store) Query(ctx context.Context, table fivesync.Table, columns []string, where fivesync.Predicate, orderBy string) ([]fivesync.Values, error) {
	info, err := s.columns(ctx, table, columns)
	if err != nil {
		return nil, err
	}
	order, err := orderSQL(info, orderBy)
	if err != nil {
		return nil, err
	}
	selectList := "*"
	if len(columns) > 0 {
		selectList = strings.Join(columns, ", ")
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s%s", selectList, table, whereSQL(where), order)

	rows, err := s.DB.QueryContext(ctx, query, where.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	var result []fivesync.Values
	for rows.Next() {
		raw := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		row := make(fivesync.Values, len(names))
		for i, name := range names {
			if b, ok := raw[i].([]byte); ok {
				row[name] = string(b)
			} else {
				row[name] = raw[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", table, err)
	}
	return result, nil
}

func orderSQL(info *TableInfo, orderBy string) (string, error) {
	if strings.TrimSpace(orderBy) == "" {
		return "", nil
	}
	terms := strings.Split(orderBy, ",")
	for i, term := range terms {
		fields := strings.Fields(term)
		if len(fields) == 0 || len(fields) > 2 {
			return "", fmt.Errorf("invalid order term %q", term)
		}
		if _, ok := info.Column(fields[0]); !ok {
			return "", fmt.Errorf("table %s has no column %q", info.Table, fields[0])
		}
		if len(fields) == 2 {
			dir := strings.ToUpper(fields[1])
			if dir != "ASC" && dir != "DESC" {
				return "", fmt.Errorf("invalid order direction %q", fields[1])
			}
			fields[1] = dir
		}
		terms[i] = strings.Join(fields, " ")
	}
	return " ORDER BY " + strings.Join(terms, ", "), nil
}
