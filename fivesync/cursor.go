// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import (
	"context"
	"io"
)

// DiffRow is a single remote change record
type DiffRow struct {
	Op       Op
	RemoteID string
	MimeType string
	// LocalID is the row to update. Zero means resolve it by RemoteID.
	LocalID int64
	// Fields holds the decoded body. When nil, Data is parsed on first use.
	Fields *Metadata
	Data   string
}

// NewDiffRow builds a row of type t from alternating key, value pairs
func NewDiffRow(t EntityType, op Op, remoteID string, kv ...string) *DiffRow {
	return &DiffRow{
		Op:       op,
		RemoteID: remoteID,
		MimeType: t.MimeType(),
		Fields:   NewMetadata(kv...),
	}
}

// Type returns the entity type encoded in the row's mime tag
func (r *DiffRow) Type() (EntityType, error) {
	return ParseEntityType(r.MimeType)
}

// Decode parses Data into Fields unless Fields is already set
func (r *DiffRow) Decode() error {
	if r.Fields != nil {
		return nil
	}
	fields, err := ParseMetadata(r.Data)
	if err != nil {
		return err
	}
	r.Fields = fields
	return nil
}

// DiffCursor is a lazy, single-pass sequence of diff rows for one entity
// type. Next returns io.EOF once the sequence is exhausted.
type DiffCursor interface {
	Type() EntityType
	// Total is the declared number of rows, known before the first Next
	Total() int
	Next(ctx context.Context) (*DiffRow, error)
	Close() error
}

// SliceCursor serves rows from memory
type SliceCursor struct {
	t    EntityType
	rows []*DiffRow
	pos  int
}

// NewSliceCursor returns a cursor over rows of type t
func NewSliceCursor(t EntityType, rows ...*DiffRow) *SliceCursor {
	return &SliceCursor{t: t, rows: rows}
}

func (c *SliceCursor) Type() EntityType { return c.t }

func (c *SliceCursor) Total() int { return len(c.rows) }

func (c *SliceCursor) Next(ctx context.Context) (*DiffRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.pos >= len(c.rows) {
		return nil, io.EOF
	}
	row := c.rows[c.pos]
	c.pos++
	return row, nil
}

func (c *SliceCursor) Close() error { return nil }
