// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/mobiletoly/go-fivesync/fivesync"
)

type tableInfoQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
	DefaultValue *string
}

// TableInfo holds cached information about a table's structure
type TableInfo struct {
	Table   string
	Columns []ColumnInfo
	byName  map[string]*ColumnInfo
}

// Column looks a column up by name, ignoring case
func (t *TableInfo) Column(name string) (*ColumnInfo, bool) {
	c, ok := t.byName[strings.ToLower(name)]
	return c, ok
}

// Validate fails unless every name is a column of the table
func (t *TableInfo) Validate(names []string) error {
	for _, name := range names {
		if _, ok := t.Column(name); !ok {
			return fmt.Errorf("table %s has no column %q", t.Table, name)
		}
	}
	return nil
}

// TableInfoProvider manages cached table information. Store uses it to
// reject column names that are not part of the schema before they are
// spliced into SQL.
type TableInfoProvider struct {
	cache map[string]*TableInfo
	mutex sync.RWMutex
}

// NewTableInfoProvider creates a new TableInfoProvider
func NewTableInfoProvider() *TableInfoProvider {
	return &TableInfoProvider{
		cache: make(map[string]*TableInfo),
	}
}

// Get retrieves table information, using cache when available
func (p *TableInfoProvider) Get(ctx context.Context, queryer tableInfoQueryer, table fivesync.Table) (*TableInfo, error) {
	key := strings.ToLower(string(table))

	p.mutex.RLock()
	if info, exists := p.cache[key]; exists {
		p.mutex.RUnlock()
		return info, nil
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Double-check in case another goroutine populated it
	if info, exists := p.cache[key]; exists {
		return info, nil
	}

	rows, err := queryer.QueryContext(ctx, `SELECT cid, name, type, "notnull", dflt_value, pk FROM pragma_table_info(?)`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: key, byName: make(map[string]*ColumnInfo)}
	for rows.Next() {
		var cid int
		var name, declaredType string
		var notNull, pk int
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		column := ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			IsPrimaryKey: pk > 0,
			NotNull:      notNull == 1,
		}
		if defaultValue.Valid {
			column.DefaultValue = &defaultValue.String
		}
		info.Columns = append(info.Columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	for i := range info.Columns {
		info.byName[strings.ToLower(info.Columns[i].Name)] = &info.Columns[i]
	}

	p.cache[key] = info
	return info, nil
}

// ClearCache clears the table info cache
func (p *TableInfoProvider) ClearCache() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.cache = make(map[string]*TableInfo)
}
