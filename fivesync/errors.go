// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import (
	"errors"
	"fmt"
)

// Session-level errors. These abort the session and nothing is applied.
var (
	ErrInvalidAnchor    = errors.New("invalid_anchor")
	ErrAnchorRegression = errors.New("anchor_regression")
	ErrSessionClosed    = errors.New("session_closed")
)

// Row-level errors. ApplyRow reports them as StatusBadRequest and the
// session continues.
var (
	ErrMalformedMetadata    = errors.New("malformed_metadata")
	ErrMissingField         = errors.New("missing_field")
	ErrUnresolvedReference  = errors.New("unresolved_reference")
	ErrContentPrerequisite  = errors.New("content_prerequisite")
	ErrUnsupportedOperation = errors.New("unsupported_operation")
	ErrUnknownEntityType    = errors.New("unknown_entity_type")
	ErrDuplicateRow         = errors.New("duplicate_row")
)

// RowError describes a diff row the coordinator rejected
type RowError struct {
	Type     EntityType
	Op       Op
	RemoteID string
	Err      error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s %s %q: %v", e.Op, e.Type, e.RemoteID, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// IsRowError reports whether err is one of the row-level kinds that leave the
// session running.
func IsRowError(err error) bool {
	var rowErr *RowError
	if errors.As(err, &rowErr) {
		return true
	}
	for _, kind := range []error{
		ErrMalformedMetadata, ErrMissingField, ErrUnresolvedReference, ErrContentPrerequisite,
		ErrUnsupportedOperation, ErrUnknownEntityType, ErrDuplicateRow,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func unresolved(t EntityType, ref string) error {
	return fmt.Errorf("%w: %s %s", ErrUnresolvedReference, t, ref)
}
