// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fivesync

import (
	"context"
	"fmt"
)

type artistMerger struct{ *mergeEnv }

func (m *artistMerger) Type() EntityType { return EntityArtist }

func (m *artistMerger) values(fields *Metadata) (Values, error) {
	values := Values{}
	if name, ok := fields.Get(KeyName); ok {
		putName(values, name)
	}
	putString(values, fields, KeyGenre, "genre")
	if err := putCommon(values, fields); err != nil {
		return nil, err
	}
	return values, nil
}

func (m *artistMerger) Insert(ctx context.Context, s *Session, row *DiffRow) (int64, error) {
	if err := row.Fields.Require(KeyName); err != nil {
		return 0, err
	}
	if err := checkInsertable(s, EntityArtist, row); err != nil {
		return 0, err
	}
	values, err := m.values(row.Fields)
	if err != nil {
		return 0, err
	}
	values["_sync_id"] = row.RemoteID
	if err := putSyncTime(s, values, row.Fields); err != nil {
		return 0, err
	}

	id, err := m.store.Insert(ctx, TableArtists, values)
	if err != nil {
		return 0, fmt.Errorf("failed to insert artist %q: %w", row.RemoteID, err)
	}
	if err := s.remap.Put(EntityArtist, row.RemoteID, id); err != nil {
		return 0, err
	}
	m.associateImage(ctx, EntityArtist, id, row.Fields.Value(KeyPhoto), "photo")
	return id, nil
}

func (m *artistMerger) Update(ctx context.Context, s *Session, localID int64, row *DiffRow) (bool, error) {
	values, err := m.values(row.Fields)
	if err != nil {
		return false, err
	}
	changed, err := m.update(ctx, s, EntityArtist, localID, values, row.Fields)
	if err != nil {
		return false, err
	}
	if changed {
		m.associateImage(ctx, EntityArtist, localID, row.Fields.Value(KeyPhoto), "photo")
	}
	return changed, nil
}

func (m *artistMerger) Delete(context.Context, *Session, *DiffRow) error {
	return rejectDelete(EntityArtist)
}
