// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import (
	"context"
	"fmt"
)

type albumMerger struct{ *mergeEnv }

func (m *albumMerger) Type() EntityType { return EntityAlbum }

// values decodes the album columns and resolves the artist reference.
// artistID is zero when the row does not name an artist.
func (m *albumMerger) values(ctx context.Context, s *Session, fields *Metadata) (values Values, artistID int64, err error) {
	values = Values{}
	if name, ok := fields.Get(KeyName); ok {
		putName(values, name)
	}
	if err := putCommon(values, fields); err != nil {
		return nil, 0, err
	}
	if err := putInt(values, fields, KeyReleaseDate, "release_date"); err != nil {
		return nil, 0, err
	}
	artistID, present, err := m.resolveRef(ctx, s, fields, EntityArtist, KeyArtistGUID, KeyArtist)
	if err != nil {
		return nil, 0, err
	}
	if present {
		values["artist_id"] = artistID
	}
	return values, artistID, nil
}

func (m *albumMerger) Insert(ctx context.Context, s *Session, row *DiffRow) (int64, error) {
	if err := row.Fields.Require(KeyName); err != nil {
		return 0, err
	}
	if err := row.Fields.RequireOneOf(KeyArtistGUID, KeyArtist); err != nil {
		return 0, err
	}
	if err := checkInsertable(s, EntityAlbum, row); err != nil {
		return 0, err
	}
	values, artistID, err := m.values(ctx, s, row.Fields)
	if err != nil {
		return 0, err
	}
	values["_sync_id"] = row.RemoteID
	if err := putSyncTime(s, values, row.Fields); err != nil {
		return 0, err
	}

	id, err := m.store.Insert(ctx, TableAlbums, values)
	if err != nil {
		return 0, fmt.Errorf("failed to insert album %q: %w", row.RemoteID, err)
	}
	if err := s.remap.Put(EntityAlbum, row.RemoteID, id); err != nil {
		return 0, err
	}
	m.store.NotifyChange(ArtistAlbumsURI(artistID))
	m.associateImage(ctx, EntityAlbum, id, row.Fields.Value(KeyArtwork), "artwork")
	return id, nil
}

func (m *albumMerger) Update(ctx context.Context, s *Session, localID int64, row *DiffRow) (bool, error) {
	values, artistID, err := m.values(ctx, s, row.Fields)
	if err != nil {
		return false, err
	}
	changed, err := m.update(ctx, s, EntityAlbum, localID, values, row.Fields)
	if err != nil || !changed {
		return changed, err
	}
	if artistID != 0 {
		m.store.NotifyChange(ArtistAlbumsURI(artistID))
	}
	m.associateImage(ctx, EntityAlbum, localID, row.Fields.Value(KeyArtwork), "artwork")
	return true, nil
}

func (m *albumMerger) Delete(context.Context, *Session, *DiffRow) error {
	return rejectDelete(EntityAlbum)
}
