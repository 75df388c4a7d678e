// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Field keys understood by the entity mergers
const (
	KeyName          = "N"
	KeyArtistGUID    = "ARTIST_GUID"
	KeyArtist        = "ARTIST"
	KeyAlbumGUID     = "ALBUM_GUID"
	KeyAlbum         = "ALBUM"
	KeyLength        = "LENGTH"
	KeyTrack         = "TRACK"
	KeyContent       = "CONTENT"
	KeySize          = "SIZE"
	KeyMime          = "MIME"
	KeyMBID          = "MBID"
	KeyGenre         = "GENRE"
	KeySyncTime      = "SYNC_TIME"
	KeyDiscoveryDate = "DISCOVERY_DATE"
	KeyReleaseDate   = "RELEASE_DATE"
	KeyPhoto         = "PHOTO"
	KeyArtwork       = "ARTWORK"
)

// Metadata is the ordered key/value mapping decoded from a diff row body
type Metadata struct {
	keys   []string
	values map[string]string
}

// NewMetadata builds metadata from alternating key, value pairs
func NewMetadata(kv ...string) *Metadata {
	m := &Metadata{values: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		m.Set(kv[i], kv[i+1])
	}
	return m
}

// ParseMetadata decodes a newline-delimited block of key:value lines.
// Only the first ':' separates key from value, so values may contain colons.
func ParseMetadata(data string) (*Metadata, error) {
	m := &Metadata{values: make(map[string]string)}
	scanner := bufio.NewScanner(strings.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSuffix(scanner.Text(), "\r")
		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return nil, fmt.Errorf("%w: line %d has no ':' separator", ErrMalformedMetadata, line)
		}
		m.Set(key, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	if len(m.keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrMalformedMetadata)
	}
	return m, nil
}

// Set stores value under key; a repeated key keeps its original position
func (m *Metadata) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Keys returns the keys in the order they were first seen
func (m *Metadata) Keys() []string {
	return append([]string(nil), m.keys...)
}

func (m *Metadata) Len() int { return len(m.keys) }

func (m *Metadata) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

func (m *Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Value returns the value for key or the empty string
func (m *Metadata) Value(key string) string {
	return m.values[key]
}

// Int64 parses the value for key as a base-10 integer. ok is false when the
// key is absent.
func (m *Metadata) Int64(key string) (n int64, ok bool, err error) {
	v, ok := m.values[key]
	if !ok {
		return 0, false, nil
	}
	n, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s is not an integer: %q", ErrMalformedMetadata, key, v)
	}
	return n, true, nil
}

// Require fails with ErrMissingField naming the first absent key
func (m *Metadata) Require(keys ...string) error {
	for _, key := range keys {
		if !m.Has(key) {
			return fmt.Errorf("%w: %s", ErrMissingField, key)
		}
	}
	return nil
}

// RequireOneOf fails unless at least one of keys is present
func (m *Metadata) RequireOneOf(keys ...string) error {
	for _, key := range keys {
		if m.Has(key) {
			return nil
		}
	}
	return fmt.Errorf("%w: one of %s", ErrMissingField, strings.Join(keys, ", "))
}

// String encodes the metadata back into key:value lines
func (m *Metadata) String() string {
	var b strings.Builder
	for _, key := range m.keys {
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(m.values[key])
		b.WriteByte('\n')
	}
	return b.String()
}
