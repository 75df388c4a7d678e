// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Artist is a library artist row with its display name reassembled
type Artist struct {
	ID         int64
	SyncID     string
	Name       string
	NamePrefix string
	FullName   string
	Photo      string
}

// Album is a library album row
type Album struct {
	ID          int64
	SyncID      string
	ArtistID    int64
	Name        string
	NamePrefix  string
	FullName    string
	ReleaseDate int64
	Artwork     string
}

// Song is a library song row
type Song struct {
	ID        int64
	SyncID    string
	ArtistID  int64
	AlbumID   int64 // 0 when the song has no album
	ContentID int64
	Title     string
	Length    int64
	Track     int64
}

// Artists lists artists sorted by name without their prefix
func (s *Store) Artists(ctx context.Context) ([]Artist, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT _id, IFNULL(_sync_id, ''), name, IFNULL(name_prefix, ''),
			IFNULL(name_prefix, '') || name, IFNULL(photo, '')
		FROM music_artists
		ORDER BY name COLLATE NOCASE, _id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query artists: %w", err)
	}
	defer rows.Close()

	var artists []Artist
	for rows.Next() {
		var a Artist
		if err := rows.Scan(&a.ID, &a.SyncID, &a.Name, &a.NamePrefix, &a.FullName, &a.Photo); err != nil {
			return nil, fmt.Errorf("failed to scan artist: %w", err)
		}
		artists = append(artists, a)
	}
	return artists, rows.Err()
}

// AlbumsByArtist lists the albums of an artist sorted by name without prefix
func (s *Store) AlbumsByArtist(ctx context.Context, artistID int64) ([]Album, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT _id, IFNULL(_sync_id, ''), artist_id, name, IFNULL(name_prefix, ''),
			IFNULL(name_prefix, '') || name, IFNULL(release_date, 0), IFNULL(artwork, '')
		FROM music_albums
		WHERE artist_id = ?
		ORDER BY name COLLATE NOCASE, _id`, artistID)
	if err != nil {
		return nil, fmt.Errorf("failed to query albums of artist %d: %w", artistID, err)
	}
	defer rows.Close()

	var albums []Album
	for rows.Next() {
		var a Album
		if err := rows.Scan(&a.ID, &a.SyncID, &a.ArtistID, &a.Name, &a.NamePrefix, &a.FullName, &a.ReleaseDate, &a.Artwork); err != nil {
			return nil, fmt.Errorf("failed to scan album: %w", err)
		}
		albums = append(albums, a)
	}
	return albums, rows.Err()
}

// SongsByArtist lists the songs of an artist by title
func (s *Store) SongsByArtist(ctx context.Context, artistID int64) ([]Song, error) {
	return s.songs(ctx, `artist_id = ?`, `title COLLATE NOCASE, _id`, artistID)
}

// SongsByAlbum lists the songs of an album in track order
func (s *Store) SongsByAlbum(ctx context.Context, albumID int64) ([]Song, error) {
	return s.songs(ctx, `album_id = ?`, `IFNULL(track, 0), title COLLATE NOCASE, _id`, albumID)
}

func (s *Store) songs(ctx context.Context, where, order string, args ...any) ([]Song, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT _id, IFNULL(_sync_id, ''), artist_id, album_id, content_id, title,
			IFNULL(length, 0), IFNULL(track, 0)
		FROM music_songs
		WHERE `+where+`
		ORDER BY `+order, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query songs: %w", err)
	}
	defer rows.Close()

	var songs []Song
	for rows.Next() {
		var song Song
		var albumID sql.NullInt64
		if err := rows.Scan(&song.ID, &song.SyncID, &song.ArtistID, &albumID, &song.ContentID, &song.Title, &song.Length, &song.Track); err != nil {
			return nil, fmt.Errorf("failed to scan song: %w", err)
		}
		song.AlbumID = albumID.Int64
		songs = append(songs, song)
	}
	return songs, rows.Err()
}
