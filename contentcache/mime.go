// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package contentcache

import (
	"fmt"
	"strings"
)

var extensions = map[string]string{
	"audio/mpeg":      "mp3",
	"application/ogg": "ogg",
}

// ExtensionFor returns the cache file extension for a content mime type.
// There is no fallback for unknown types.
func ExtensionFor(mimeType string) (string, error) {
	ext, ok := extensions[strings.ToLower(strings.TrimSpace(mimeType))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMime, mimeType)
	}
	return ext, nil
}
