// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package diffserver

// REST/JSON models of the diff API

// BeginRequest opens a diff window (since, until] for the calling source
type BeginRequest struct {
	Since int64 `json:"since"` // anchor of the last committed sync, 0 if none
	Until int64 `json:"until"` // anchor the client will commit on success
}

// BeginResponse tells the client how to apply the window
type BeginResponse struct {
	Code    int            `json:"code"`    // 200 incremental, 210 refresh
	Horizon int64          `json:"horizon"` // oldest anchor an incremental diff can start from
	Counts  map[string]int `json:"counts"`  // rows per entity type ("artist", "album", "song")
}

// DiffResponse is one page of rows of a single entity type
type DiffResponse struct {
	Rows      []DiffRow `json:"rows"`
	HasMore   bool      `json:"has_more"`
	NextAfter int64     `json:"next_after"` // sequence to pass as "after" for the next page
}

// DiffRow is a remote change as sent on the wire
type DiffRow struct {
	Seq      int64  `json:"seq"`
	Op       string `json:"op"` // insert, update, delete
	RemoteID string `json:"remote_id"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // key:value lines
}

// PutRequest publishes the current state of a library item
type PutRequest struct {
	Type     string `json:"type"`
	RemoteID string `json:"remote_id,omitempty"` // generated when empty
	Data     string `json:"data"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// PutResponse identifies the stored item
type PutResponse struct {
	RemoteID string `json:"remote_id"`
	Seq      int64  `json:"seq"`
}

// PurgeRequest drops tombstones older than Before
type PurgeRequest struct {
	Before int64 `json:"before"`
}

// PurgeResponse reports the purge outcome
type PurgeResponse struct {
	Purged  int64 `json:"purged"`
	Horizon int64 `json:"horizon"`
}
