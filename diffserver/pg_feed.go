// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package diffserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-fivesync/fivesync"
)

// PGFeed is a Feed stored in PostgreSQL
type PGFeed struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGFeed creates the feed tables if needed. The caller owns the pool.
func NewPGFeed(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGFeed, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &PGFeed{pool: pool, logger: logger}
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return f.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize feed schema: %w", err)
	}
	logger.Debug("Feed schema initialized")
	return f, nil
}

func (f *PGFeed) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE SEQUENCE IF NOT EXISTS library_item_seq`,

		`CREATE TABLE IF NOT EXISTS library_items (
			user_id     TEXT    NOT NULL,
			entity_type TEXT    NOT NULL,
			remote_id   TEXT    NOT NULL,
			seq         BIGINT  NOT NULL DEFAULT nextval('library_item_seq'),
			data        TEXT    NOT NULL,
			created_at  BIGINT  NOT NULL,
			updated_at  BIGINT  NOT NULL,
			deleted     BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (user_id, entity_type, remote_id)
		)`,

		`CREATE INDEX IF NOT EXISTS library_items_user_type_seq
			ON library_items (user_id, entity_type, seq)`,

		`CREATE TABLE IF NOT EXISTS library_horizons (
			user_id TEXT   PRIMARY KEY,
			horizon BIGINT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

func (f *PGFeed) Horizon(ctx context.Context, userID string) (int64, error) {
	var horizon int64
	err := f.pool.QueryRow(ctx, `SELECT horizon FROM library_horizons WHERE user_id = $1`, userID).Scan(&horizon)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query horizon: %w", err)
	}
	return horizon, nil
}

// windowSQL renders the window predicate with user_id as $1
func windowSQL(w Window) (string, []any) {
	args := []any{w.Type.String(), w.Until}
	if w.Refresh {
		return `entity_type = $2 AND created_at <= $3 AND NOT deleted`, args
	}
	args = append(args, w.Since)
	return `entity_type = $2 AND created_at <= $3 AND (
		(deleted AND created_at <= $4 AND updated_at > $4 AND updated_at <= $3)
		OR (NOT deleted AND (created_at > $4 OR (updated_at > $4 AND updated_at <= $3))))`, args
}

func (f *PGFeed) Count(ctx context.Context, userID string, w Window) (int, error) {
	where, args := windowSQL(w)
	var n int
	err := f.pool.QueryRow(ctx, `SELECT count(*) FROM library_items WHERE user_id = $1 AND `+where,
		append([]any{userID}, args...)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s items: %w", w.Type, err)
	}
	return n, nil
}

func (f *PGFeed) Page(ctx context.Context, userID string, w Window, after int64, limit int) ([]Item, error) {
	where, args := windowSQL(w)
	n := len(args) + 1
	query := fmt.Sprintf(`SELECT seq, remote_id, data, created_at, updated_at, deleted
		FROM library_items
		WHERE user_id = $1 AND %s AND seq > $%d
		ORDER BY seq
		LIMIT $%d`, where, n+1, n+2)
	rows, err := f.pool.Query(ctx, query, append(append([]any{userID}, args...), after, limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s items: %w", w.Type, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item := Item{Type: w.Type}
		if err := rows.Scan(&item.Seq, &item.RemoteID, &item.Data, &item.CreatedAt, &item.UpdatedAt, &item.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (f *PGFeed) Put(ctx context.Context, userID string, t fivesync.EntityType, remoteID, data string, at int64) (Item, error) {
	if err := checkType(t); err != nil {
		return Item{}, err
	}
	if remoteID == "" {
		remoteID = uuid.NewString()
	}
	item := Item{Type: t, RemoteID: remoteID, Data: data}
	err := withRetry(ctx, func(ctx context.Context) error {
		return f.pool.QueryRow(ctx, `
			INSERT INTO library_items (user_id, entity_type, remote_id, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (user_id, entity_type, remote_id) DO UPDATE SET
				seq        = nextval('library_item_seq'),
				data       = EXCLUDED.data,
				updated_at = EXCLUDED.updated_at,
				created_at = CASE WHEN library_items.deleted THEN EXCLUDED.created_at ELSE library_items.created_at END,
				deleted    = FALSE
			RETURNING seq, created_at, updated_at`,
			userID, t.String(), remoteID, data, at).Scan(&item.Seq, &item.CreatedAt, &item.UpdatedAt)
	})
	if err != nil {
		return Item{}, fmt.Errorf("failed to put %s %q: %w", t, remoteID, err)
	}
	return item, nil
}

func (f *PGFeed) Remove(ctx context.Context, userID string, t fivesync.EntityType, remoteID string, at int64) error {
	var affected int64
	err := withRetry(ctx, func(ctx context.Context) error {
		tag, err := f.pool.Exec(ctx, `
			UPDATE library_items
			SET deleted = TRUE, updated_at = $4, seq = nextval('library_item_seq')
			WHERE user_id = $1 AND entity_type = $2 AND remote_id = $3 AND NOT deleted`,
			userID, t.String(), remoteID, at)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s %q: %w", t, remoteID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s %q", ErrNotFound, t, remoteID)
	}
	return nil
}

func (f *PGFeed) Purge(ctx context.Context, userID string, before int64) (int64, error) {
	var purged int64
	err := withRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, f.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`DELETE FROM library_items WHERE user_id = $1 AND deleted AND updated_at < $2`, userID, before)
			if err != nil {
				return err
			}
			purged = tag.RowsAffected()
			_, err = tx.Exec(ctx, `
				INSERT INTO library_horizons (user_id, horizon) VALUES ($1, $2)
				ON CONFLICT (user_id) DO UPDATE SET horizon = GREATEST(library_horizons.horizon, EXCLUDED.horizon)`,
				userID, before)
			return err
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	f.logger.Info("Purged tombstones", "user_id", userID, "before", before, "rows", purged)
	return purged, nil
}
