// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"io"

	"github.com/mobiletoly/go-fivesync/diffserver"
	"github.com/mobiletoly/go-fivesync/fivesync"
)

var errCursorClosed = errors.New("cursor closed")

// Cursor pages through one entity type of a diff window. Pages are fetched
// on demand, so only one page is held in memory.
type Cursor struct {
	client *Client
	window diffserver.Window
	total  int

	buf     []diffserver.DiffRow
	after   int64
	hasMore bool
	closed  bool
}

var _ fivesync.DiffCursor = (*Cursor)(nil)

func newCursor(client *Client, w diffserver.Window, total int) *Cursor {
	return &Cursor{client: client, window: w, total: total, hasMore: total > 0}
}

func (c *Cursor) Type() fivesync.EntityType { return c.window.Type }

// Total is the row count announced by /sync/begin
func (c *Cursor) Total() int { return c.total }

func (c *Cursor) Next(ctx context.Context) (*fivesync.DiffRow, error) {
	if c.closed {
		return nil, errCursorClosed
	}
	for len(c.buf) == 0 {
		if !c.hasMore {
			return nil, io.EOF
		}
		page, err := c.client.Page(ctx, c.window, c.after)
		if err != nil {
			return nil, err
		}
		c.buf = page.Rows
		c.after = page.NextAfter
		c.hasMore = page.HasMore && len(page.Rows) > 0
	}
	row := c.buf[0]
	c.buf = c.buf[1:]
	return &fivesync.DiffRow{
		Op:       fivesync.Op(row.Op),
		RemoteID: row.RemoteID,
		MimeType: row.MimeType,
		Data:     row.Data,
	}, nil
}

func (c *Cursor) Close() error {
	c.closed = true
	c.buf = nil
	return nil
}
