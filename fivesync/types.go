// Package fivesync implements the anchor-based merge engine that applies a
// remote music library diff (artists, albums, songs and their content
// descriptors) to a local relational store.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import (
	"fmt"
	"strings"
)

// EntityType identifies the kind of row a diff refers to
type EntityType int

const (
	EntityUnknown EntityType = iota
	EntityArtist
	EntityAlbum
	EntitySong
	EntityContent
)

// MimePrefix is the format tag prefix carried by every library diff row
const MimePrefix = "application/x-fivedb-"

func (t EntityType) String() string {
	switch t {
	case EntityArtist:
		return "artist"
	case EntityAlbum:
		return "album"
	case EntitySong:
		return "song"
	case EntityContent:
		return "content"
	default:
		return "unknown"
	}
}

// MimeType returns the diff format tag for t
func (t EntityType) MimeType() string {
	return MimePrefix + t.String()
}

// Table returns the local table that stores entities of type t
func (t EntityType) Table() Table {
	switch t {
	case EntityArtist:
		return TableArtists
	case EntityAlbum:
		return TableAlbums
	case EntitySong:
		return TableSongs
	case EntityContent:
		return TableContent
	default:
		return ""
	}
}

// ParseEntityType maps a diff mime tag such as "application/x-fivedb-album"
// to its entity type.
func ParseEntityType(mimeType string) (EntityType, error) {
	kind, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(mimeType)), MimePrefix)
	if ok {
		switch kind {
		case "artist":
			return EntityArtist, nil
		case "album":
			return EntityAlbum, nil
		case "song":
			return EntitySong, nil
		}
	}
	return EntityUnknown, fmt.Errorf("%w: %q", ErrUnknownEntityType, mimeType)
}

// Op is the change operation carried by a diff row
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Table names of the local store
type Table string

const (
	TableArtists   Table = "music_artists"
	TableAlbums    Table = "music_albums"
	TableSongs     Table = "music_songs"
	TableContent   Table = "content"
	TableSources   Table = "sources"
	TableSourceLog Table = "sources_log"
)

// Values is a single row keyed by column name
type Values map[string]any

// Int64 returns the integer value stored under column, accepting the
// numeric types database/sql drivers produce.
func (v Values) Int64(column string) (int64, bool) {
	switch n := v[column].(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// String returns the text value stored under column
func (v Values) String(column string) (string, bool) {
	switch s := v[column].(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

// Predicate is a parameterized WHERE clause. The zero value matches every row.
type Predicate struct {
	Clause string
	Args   []any
}

// Where builds a predicate from a clause with ? placeholders
func Where(clause string, args ...any) Predicate {
	return Predicate{Clause: clause, Args: args}
}

const byIDClause = "_id = ?"

// ByID matches the row whose _id equals id
func ByID(id int64) Predicate {
	return Where(byIDClause, id)
}

// RowID reports the id of a predicate built by ByID
func (p Predicate) RowID() (int64, bool) {
	if p.Clause != byIDClause || len(p.Args) != 1 {
		return 0, false
	}
	id, ok := p.Args[0].(int64)
	return id, ok
}

// EntityForTable maps a table back to its entity type
func EntityForTable(table Table) EntityType {
	switch table {
	case TableArtists:
		return EntityArtist
	case TableAlbums:
		return EntityAlbum
	case TableSongs:
		return EntitySong
	case TableContent:
		return EntityContent
	default:
		return EntityUnknown
	}
}

// StatusCode is the protocol-style outcome of applying one diff row
type StatusCode int

const (
	StatusNoOp       StatusCode = 0
	StatusUpdated    StatusCode = 200
	StatusCreated    StatusCode = 201
	StatusBadRequest StatusCode = 400
)

func (s StatusCode) String() string {
	switch s {
	case StatusNoOp:
		return "noop"
	case StatusUpdated:
		return "updated"
	case StatusCreated:
		return "created"
	case StatusBadRequest:
		return "bad_request"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// SyncCode is the session mode negotiated with the remote source
type SyncCode int

const (
	// CodeIncremental applies the diff on top of the existing library
	CodeIncremental SyncCode = 200
	// CodeRefresh wipes the library before the diff is applied
	CodeRefresh SyncCode = 210
)

// URI addresses a local entity or a collection of entities for change
// notification.
type URI string

const uriScheme = "five://"

// EntityURI addresses a single row of type t
func EntityURI(t EntityType, id int64) URI {
	if t == EntityContent {
		return URI(fmt.Sprintf("%scontent/%d", uriScheme, id))
	}
	return URI(fmt.Sprintf("%smusic/%ss/%d", uriScheme, t, id))
}

// TableURI addresses every row of table
func TableURI(table Table) URI {
	switch table {
	case TableArtists:
		return uriScheme + "music/artists"
	case TableAlbums:
		return uriScheme + "music/albums"
	case TableSongs:
		return uriScheme + "music/songs"
	case TableContent:
		return uriScheme + "content"
	default:
		return URI(uriScheme + string(table))
	}
}

// ArtistAlbumsURI addresses the albums of an artist
func ArtistAlbumsURI(artistID int64) URI {
	return URI(fmt.Sprintf("%smusic/artists/%d/albums", uriScheme, artistID))
}

// ArtistSongsURI addresses the songs of an artist
func ArtistSongsURI(artistID int64) URI {
	return URI(fmt.Sprintf("%smusic/artists/%d/songs", uriScheme, artistID))
}

// AlbumSongsURI addresses the songs of an album
func AlbumSongsURI(albumID int64) URI {
	return URI(fmt.Sprintf("%smusic/albums/%d/songs", uriScheme, albumID))
}

// PhotoURI addresses the image associated with an artist or album. Albums
// carry artwork, artists a photo.
func PhotoURI(t EntityType, id int64) URI {
	if t == EntityAlbum {
		return EntityURI(t, id) + "/artwork"
	}
	return EntityURI(t, id) + "/photo"
}
