// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package contentcache

import "errors"

// Storage errors fail the single request only; synced metadata is unaffected.
var (
	ErrInvalidContent  = errors.New("invalid_content")
	ErrUnsupportedMime = errors.New("unsupported_mime")
	ErrNoStorageDevice = errors.New("no_storage_device")
	ErrOutOfSpace      = errors.New("out_of_space")
	ErrNotImplemented  = errors.New("not_implemented")
)
