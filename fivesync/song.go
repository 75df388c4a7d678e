// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import (
	"context"
	"errors"
	"fmt"
)

// DefaultContentMime is assumed for song content that declares no MIME field
const DefaultContentMime = "audio/mpeg"

type songMerger struct{ *mergeEnv }

func (m *songMerger) Type() EntityType { return EntitySong }

type songRefs struct {
	artistID  int64
	albumID   int64
	contentID int64
}

func (m *songMerger) values(ctx context.Context, s *Session, fields *Metadata) (Values, songRefs, error) {
	var refs songRefs
	values := Values{}
	putString(values, fields, KeyName, "title")
	if err := putCommon(values, fields); err != nil {
		return nil, refs, err
	}
	if err := putInt(values, fields, KeyLength, "length"); err != nil {
		return nil, refs, err
	}
	if err := putInt(values, fields, KeyTrack, "track"); err != nil {
		return nil, refs, err
	}

	id, present, err := m.resolveRef(ctx, s, fields, EntityArtist, KeyArtistGUID, KeyArtist)
	if err != nil {
		return nil, refs, err
	}
	if present {
		refs.artistID = id
		values["artist_id"] = id
	}
	id, present, err = m.resolveRef(ctx, s, fields, EntityAlbum, KeyAlbumGUID, KeyAlbum)
	if err != nil {
		return nil, refs, err
	}
	if present {
		refs.albumID = id
		values["album_id"] = id
	}

	// Content is created last so a row with a dangling reference leaves no
	// orphan descriptor behind.
	if fields.Has(KeyContent) {
		refs.contentID, err = m.ensureContent(ctx, s, fields)
		if err != nil {
			return nil, refs, err
		}
		values["content_id"] = refs.contentID
		values["content_source_id"] = s.SourceID
	}
	return values, refs, nil
}

// ensureContent returns the content row for (source, CONTENT), creating it
// when neither the session nor the store knows it yet.
func (m *songMerger) ensureContent(ctx context.Context, s *Session, fields *Metadata) (int64, error) {
	remoteContentID := fields.Value(KeyContent)
	if remoteContentID == "" {
		return 0, fmt.Errorf("%w: empty %s", ErrContentPrerequisite, KeyContent)
	}
	id, err := s.remap.Resolve(ctx, EntityContent, remoteContentID, func(ctx context.Context) (int64, bool, error) {
		rows, err := m.store.Query(ctx, TableContent, []string{"_id"},
			Where("source_id = ? AND content_id = ?", s.SourceID, remoteContentID), "_id")
		if err != nil || len(rows) == 0 {
			return 0, false, err
		}
		id, ok := rows[0].Int64("_id")
		return id, ok, nil
	})
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrUnresolvedReference) {
		return 0, fmt.Errorf("%w: %w", ErrContentPrerequisite, err)
	}

	size, ok, err := fields.Int64(KeySize)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %w: %s", ErrContentPrerequisite, ErrMissingField, KeySize)
	}
	mime := fields.Value(KeyMime)
	if mime == "" {
		mime = DefaultContentMime
	}
	id, err = m.store.Insert(ctx, TableContent, Values{
		"source_id":  s.SourceID,
		"content_id": remoteContentID,
		"size":       size,
		"mime_type":  mime,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrContentPrerequisite, err)
	}
	if err := s.remap.Put(EntityContent, remoteContentID, id); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrContentPrerequisite, err)
	}
	return id, nil
}

func (m *songMerger) notifyParents(refs songRefs) {
	if refs.artistID != 0 {
		m.store.NotifyChange(ArtistSongsURI(refs.artistID))
	}
	if refs.albumID != 0 {
		m.store.NotifyChange(AlbumSongsURI(refs.albumID))
	}
}

func (m *songMerger) Insert(ctx context.Context, s *Session, row *DiffRow) (int64, error) {
	if err := row.Fields.Require(KeyName, KeyContent, KeySize); err != nil {
		return 0, err
	}
	if err := row.Fields.RequireOneOf(KeyArtistGUID, KeyArtist); err != nil {
		return 0, err
	}
	if err := checkInsertable(s, EntitySong, row); err != nil {
		return 0, err
	}
	values, refs, err := m.values(ctx, s, row.Fields)
	if err != nil {
		return 0, err
	}
	values["_sync_id"] = row.RemoteID
	if err := putSyncTime(s, values, row.Fields); err != nil {
		return 0, err
	}

	id, err := m.store.Insert(ctx, TableSongs, values)
	if err != nil {
		return 0, fmt.Errorf("failed to insert song %q: %w", row.RemoteID, err)
	}
	if err := s.remap.Put(EntitySong, row.RemoteID, id); err != nil {
		return 0, err
	}
	m.notifyParents(refs)
	return id, nil
}

func (m *songMerger) Update(ctx context.Context, s *Session, localID int64, row *DiffRow) (bool, error) {
	values, refs, err := m.values(ctx, s, row.Fields)
	if err != nil {
		return false, err
	}
	changed, err := m.update(ctx, s, EntitySong, localID, values, row.Fields)
	if err != nil || !changed {
		return changed, err
	}
	m.notifyParents(refs)
	return true, nil
}

func (m *songMerger) Delete(context.Context, *Session, *DiffRow) error {
	return rejectDelete(EntitySong)
}
