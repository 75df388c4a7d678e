package fivesync_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fivesync/fivesqlite"
	"github.com/mobiletoly/go-fivesync/fivesync"
)

const sourceX int64 = 1

// tickClock returns 200, 300, 400, ... seconds on successive calls
type tickClock struct {
	mu  sync.Mutex
	now int64
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now == 0 {
		c.now = 200
	} else {
		c.now += 100
	}
	return time.Unix(c.now, 0)
}

// countingStore counts lookups by remote sync id
type countingStore struct {
	*fivesqlite.Store
	mu            sync.Mutex
	syncIDQueries map[fivesync.Table]int
}

func (s *countingStore) Query(ctx context.Context, table fivesync.Table, columns []string, where fivesync.Predicate, orderBy string) ([]fivesync.Values, error) {
	if where.Clause == "_sync_id = ?" {
		s.mu.Lock()
		s.syncIDQueries[table]++
		s.mu.Unlock()
	}
	return s.Store.Query(ctx, table, columns, where, orderBy)
}

func (s *countingStore) lookups(table fivesync.Table) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncIDQueries[table]
}

type harness struct {
	coord *fivesync.Coordinator
	store *fivesqlite.Store
	count *countingStore
}

func newHarness(t *testing.T, configure ...func(*fivesync.CoordinatorConfig)) *harness {
	t.Helper()
	db, err := fivesqlite.Open(filepath.Join(t.TempDir(), "five.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := fivesqlite.NewStore(db, nil)
	require.NoError(t, err)
	count := &countingStore{Store: store, syncIDQueries: map[fivesync.Table]int{}}

	config := fivesync.DefaultCoordinatorConfig()
	config.Clock = (&tickClock{}).Now
	config.Failures = store
	for _, fn := range configure {
		fn(config)
	}
	coord, err := fivesync.NewCoordinator(count, store, config)
	require.NoError(t, err)
	return &harness{coord: coord, store: store, count: count}
}

func (h *harness) begin(t *testing.T) *fivesync.Session {
	t.Helper()
	ctx := context.Background()
	last, err := h.store.Anchor(ctx, sourceX)
	require.NoError(t, err)
	s, err := h.coord.BeginSession(ctx, sourceX, last)
	require.NoError(t, err)
	return s
}

func (h *harness) apply(t *testing.T, s *fivesync.Session, row *fivesync.DiffRow) (fivesync.StatusCode, error) {
	t.Helper()
	return h.coord.ApplyRow(context.Background(), s, row)
}

func (h *harness) mustApply(t *testing.T, s *fivesync.Session, row *fivesync.DiffRow, want fivesync.StatusCode) {
	t.Helper()
	status, err := h.apply(t, s, row)
	require.NoError(t, err)
	require.Equal(t, want, status)
}

func (h *harness) rowCount(t *testing.T, table fivesync.Table) int {
	t.Helper()
	rows, err := h.store.Query(context.Background(), table, []string{"_id"}, fivesync.Predicate{}, "")
	require.NoError(t, err)
	return len(rows)
}

func artist(remoteID, name string) *fivesync.DiffRow {
	return fivesync.NewDiffRow(fivesync.EntityArtist, fivesync.OpInsert, remoteID, fivesync.KeyName, name)
}

func album(remoteID, name, artistRef string) *fivesync.DiffRow {
	return fivesync.NewDiffRow(fivesync.EntityAlbum, fivesync.OpInsert, remoteID,
		fivesync.KeyName, name, fivesync.KeyArtistGUID, artistRef)
}

func song(remoteID, title, artistRef, albumRef, contentID string) *fivesync.DiffRow {
	kv := []string{
		fivesync.KeyName, title,
		fivesync.KeyArtistGUID, artistRef,
		fivesync.KeyContent, contentID,
		fivesync.KeySize, "4000000",
		fivesync.KeyMime, "audio/mpeg",
	}
	if albumRef != "" {
		kv = append(kv, fivesync.KeyAlbumGUID, albumRef)
	}
	return fivesync.NewDiffRow(fivesync.EntitySong, fivesync.OpInsert, remoteID, kv...)
}

func TestEndToEnd_TheWhoTommy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SetAnchor(ctx, sourceX, 100))

	s := h.begin(t)
	require.Equal(t, int64(100), s.LastAnchor)
	require.Equal(t, int64(200), s.NextAnchor)
	require.NoError(t, h.coord.Prepare(ctx, s, fivesync.CodeIncremental, 3))

	h.mustApply(t, s, artist("A1", "The Who"), fivesync.StatusCreated)
	h.mustApply(t, s, album("B1", "Tommy", "A1"), fivesync.StatusCreated)
	h.mustApply(t, s, song("S1", "Pinball Wizard", "A1", "B1", "C1"), fivesync.StatusCreated)
	require.Equal(t, 3, s.Processed())
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	artists, err := h.store.Artists(ctx)
	require.NoError(t, err)
	require.Len(t, artists, 1)
	assert.Equal(t, "Who", artists[0].Name)
	assert.Equal(t, "The ", artists[0].NamePrefix)
	assert.Equal(t, "The Who", artists[0].FullName)
	assert.Equal(t, "A1", artists[0].SyncID)

	albums, err := h.store.AlbumsByArtist(ctx, artists[0].ID)
	require.NoError(t, err)
	require.Len(t, albums, 1)
	assert.Equal(t, "Tommy", albums[0].Name)

	songs, err := h.store.SongsByAlbum(ctx, albums[0].ID)
	require.NoError(t, err)
	require.Len(t, songs, 1)
	assert.Equal(t, "Pinball Wizard", songs[0].Title)
	assert.Equal(t, artists[0].ID, songs[0].ArtistID)
	assert.Equal(t, albums[0].ID, songs[0].AlbumID)

	content, found, err := h.store.Content(ctx, sourceX, "C1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(4000000), content.Size)
	assert.Equal(t, "audio/mpeg", content.MimeType)
	assert.Equal(t, content.ID, songs[0].ContentID)

	anchor, err := h.store.Anchor(ctx, sourceX)
	require.NoError(t, err)
	assert.Equal(t, int64(200), anchor)
}

func TestBeginSession_RejectsStaleAnchor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SetAnchor(ctx, sourceX, 200))

	// The clock yields 200, which does not exceed the stored anchor
	_, err := h.coord.BeginSession(ctx, sourceX, 200)
	require.True(t, errors.Is(err, fivesync.ErrInvalidAnchor), "got %v", err)

	// Clock now at 300, still behind a replayed anchor from the future
	_, err = h.coord.BeginSession(ctx, sourceX, 5000)
	require.True(t, errors.Is(err, fivesync.ErrInvalidAnchor))

	anchor, err := h.store.Anchor(ctx, sourceX)
	require.NoError(t, err)
	require.Equal(t, int64(200), anchor)

	// The rejected sessions did not hold the source
	s, err := h.coord.BeginSession(ctx, sourceX, 200)
	require.NoError(t, err)
	require.NoError(t, h.coord.EndSession(ctx, s, false))
}

func TestApplyRow_SongBeforeArtistIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.begin(t)

	status, err := h.apply(t, s, song("S1", "Substitute", "A1", "", "C1"))
	require.Equal(t, fivesync.StatusBadRequest, status)
	require.True(t, errors.Is(err, fivesync.ErrUnresolvedReference), "got %v", err)
	var rowErr *fivesync.RowError
	require.True(t, errors.As(err, &rowErr))
	require.Equal(t, "S1", rowErr.RemoteID)
	require.Equal(t, fivesync.EntitySong, rowErr.Type)

	// The rejected song left no content row behind
	require.Zero(t, h.rowCount(t, fivesync.TableContent))

	h.mustApply(t, s, artist("A1", "The Who"), fivesync.StatusCreated)
	h.mustApply(t, s, song("S1", "Substitute", "A1", "", "C1"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	artists, err := h.store.Artists(ctx)
	require.NoError(t, err)
	songs, err := h.store.SongsByArtist(ctx, artists[0].ID)
	require.NoError(t, err)
	require.Len(t, songs, 1)
	require.Equal(t, artists[0].ID, songs[0].ArtistID)
	require.Zero(t, songs[0].AlbumID)
}

func TestApplyRow_ReferenceByLocalID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.begin(t)
	h.mustApply(t, s, artist("A1", "Blur"), fivesync.StatusCreated)
	artists, err := h.store.Artists(ctx)
	require.NoError(t, err)

	byLocal := fivesync.NewDiffRow(fivesync.EntityAlbum, fivesync.OpInsert, "B1",
		fivesync.KeyName, "Parklife", fivesync.KeyArtist, fmt.Sprint(artists[0].ID))
	h.mustApply(t, s, byLocal, fivesync.StatusCreated)

	missing := fivesync.NewDiffRow(fivesync.EntityAlbum, fivesync.OpInsert, "B2",
		fivesync.KeyName, "Ghost", fivesync.KeyArtist, "999")
	status, err := h.apply(t, s, missing)
	require.Equal(t, fivesync.StatusBadRequest, status)
	require.True(t, errors.Is(err, fivesync.ErrUnresolvedReference))
	require.NoError(t, h.coord.EndSession(ctx, s, true))
}

func TestRemap_SecondResolveIsCacheHit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.begin(t)
	h.mustApply(t, first, artist("A1", "Pulp"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, first, true))

	// A new session starts with an empty table and must consult the store
	s := h.begin(t)
	require.Zero(t, s.Remap().Len())
	before := h.count.lookups(fivesync.TableArtists)

	h.mustApply(t, s, album("B1", "Different Class", "A1"), fivesync.StatusCreated)
	require.Equal(t, before+1, h.count.lookups(fivesync.TableArtists))

	h.mustApply(t, s, album("B2", "His 'n' Hers", "A1"), fivesync.StatusCreated)
	require.Equal(t, before+1, h.count.lookups(fivesync.TableArtists))

	id1, ok := s.Remap().Lookup(fivesync.EntityArtist, "A1")
	require.True(t, ok)
	albums, err := h.store.AlbumsByArtist(ctx, id1)
	require.NoError(t, err)
	require.Len(t, albums, 2)
	require.NoError(t, h.coord.EndSession(ctx, s, true))
	require.Zero(t, s.Remap().Len())
}

func TestInsert_NamePrefixNormalization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.begin(t)
	h.mustApply(t, s, artist("A1", "The Beatles"), fivesync.StatusCreated)
	h.mustApply(t, s, artist("A2", "Radiohead"), fivesync.StatusCreated)
	h.mustApply(t, s, artist("A3", "The Auteurs"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	rows, err := h.store.Query(ctx, fivesync.TableArtists, []string{"_sync_id", "name", "name_prefix"},
		fivesync.Predicate{}, "_id")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Beatles", rows[0]["name"])
	assert.Equal(t, "The ", rows[0]["name_prefix"])
	assert.Equal(t, "Radiohead", rows[1]["name"])
	assert.Nil(t, rows[1]["name_prefix"])

	// Sorting ignores the prefix
	artists, err := h.store.Artists(ctx)
	require.NoError(t, err)
	var names []string
	for _, a := range artists {
		names = append(names, a.FullName)
	}
	assert.Equal(t, []string{"The Auteurs", "The Beatles", "Radiohead"}, names)
}

func TestSongs_ShareContentRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.begin(t)
	h.mustApply(t, s, artist("A1", "The Who"), fivesync.StatusCreated)
	h.mustApply(t, s, song("S1", "My Generation", "A1", "", "C1"), fivesync.StatusCreated)
	h.mustApply(t, s, song("S2", "My Generation (mono)", "A1", "", "C1"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, s, true))
	require.Equal(t, 1, h.rowCount(t, fivesync.TableContent))

	// A later session finds the descriptor in the store
	s = h.begin(t)
	h.mustApply(t, s, song("S3", "My Generation (live)", "A1", "", "C1"), fivesync.StatusCreated)
	h.mustApply(t, s, song("S4", "The Kids Are Alright", "A1", "", "C2"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, s, true))
	require.Equal(t, 2, h.rowCount(t, fivesync.TableContent))
}

func TestSong_ContentPrerequisite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.begin(t)
	h.mustApply(t, s, artist("A1", "Suede"), fivesync.StatusCreated)

	row := fivesync.NewDiffRow(fivesync.EntitySong, fivesync.OpInsert, "S1",
		fivesync.KeyName, "Animal Nitrate", fivesync.KeyArtistGUID, "A1",
		fivesync.KeyContent, "", fivesync.KeySize, "10")
	status, err := h.apply(t, s, row)
	require.Equal(t, fivesync.StatusBadRequest, status)
	require.True(t, errors.Is(err, fivesync.ErrContentPrerequisite), "got %v", err)
	require.Zero(t, h.rowCount(t, fivesync.TableSongs))
	require.NoError(t, h.coord.EndSession(ctx, s, true))
}

func TestPrepare_RefreshWipesLibrary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	s := h.begin(t)
	h.mustApply(t, s, artist("A1", "The Who"), fivesync.StatusCreated)
	h.mustApply(t, s, album("B1", "Tommy", "A1"), fivesync.StatusCreated)
	h.mustApply(t, s, song("S1", "Pinball Wizard", "A1", "B1", "C1"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	// Content of another source is wiped too
	_, err := h.store.Insert(ctx, fivesync.TableContent, fivesync.Values{
		"source_id": int64(2), "content_id": "Z", "size": int64(1),
	})
	require.NoError(t, err)

	s = h.begin(t)
	require.NoError(t, h.coord.Prepare(ctx, s, fivesync.CodeRefresh, 1))
	require.Equal(t, fivesync.CodeRefresh, s.Code())
	for _, table := range []fivesync.Table{fivesync.TableArtists, fivesync.TableAlbums, fivesync.TableSongs, fivesync.TableContent} {
		require.Zero(t, h.rowCount(t, table), "table %s", table)
	}

	// A failing row does not bring anything back
	status, _ := h.apply(t, s, song("S1", "Pinball Wizard", "A1", "B1", "C1"))
	require.Equal(t, fivesync.StatusBadRequest, status)
	require.NoError(t, h.coord.EndSession(ctx, s, true))
	require.Zero(t, h.rowCount(t, fivesync.TableArtists))
	require.Zero(t, h.rowCount(t, fivesync.TableSongs))
}

// The anchor advances past rejected rows, so they are not offered again by
// an incremental diff. This pins the current lossy behaviour.
func TestEndSession_CommitAfterRowFailureAdvancesAnchor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.begin(t)

	h.mustApply(t, s, artist("A1", "Elastica"), fivesync.StatusCreated)
	status, _ := h.apply(t, s, album("B1", "Elastica", "A404"))
	require.Equal(t, fivesync.StatusBadRequest, status)

	require.Len(t, s.Failures(), 1)
	require.Equal(t, fivesync.SessionStats{Created: 1, Failed: 1}, s.Stats())
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	anchor, err := h.store.Anchor(ctx, sourceX)
	require.NoError(t, err)
	require.Equal(t, s.NextAnchor, anchor)
	require.Zero(t, h.rowCount(t, fivesync.TableAlbums))

	log, err := h.store.SourceLog(ctx, sourceX, 10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Contains(t, log[0].Message, "B1")
}

func TestEndSession_AbortKeepsRowsAndAnchor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SetAnchor(ctx, sourceX, 150))

	s := h.begin(t)
	h.mustApply(t, s, artist("A1", "Supergrass"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, s, false))

	anchor, err := h.store.Anchor(ctx, sourceX)
	require.NoError(t, err)
	require.Equal(t, int64(150), anchor)
	require.Equal(t, 1, h.rowCount(t, fivesync.TableArtists))

	require.True(t, errors.Is(h.coord.EndSession(ctx, s, true), fivesync.ErrSessionClosed))
	status, err := h.apply(t, s, artist("A2", "Ash"))
	require.Equal(t, fivesync.StatusBadRequest, status)
	require.True(t, errors.Is(err, fivesync.ErrSessionClosed))
}

func TestApplyRow_RejectedRowsDoNotStopSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.begin(t)

	tests := []struct {
		name string
		row  *fivesync.DiffRow
		want error
	}{
		{"delete", fivesync.NewDiffRow(fivesync.EntityArtist, fivesync.OpDelete, "A1"), fivesync.ErrUnsupportedOperation},
		{"unknown op", fivesync.NewDiffRow(fivesync.EntityArtist, "upsert", "A1", fivesync.KeyName, "x"), fivesync.ErrUnsupportedOperation},
		{"malformed body", &fivesync.DiffRow{Op: fivesync.OpInsert, RemoteID: "A1", MimeType: fivesync.EntityArtist.MimeType(), Data: "no separator"}, fivesync.ErrMalformedMetadata},
		{"empty body", &fivesync.DiffRow{Op: fivesync.OpInsert, RemoteID: "A1", MimeType: fivesync.EntityArtist.MimeType()}, fivesync.ErrMalformedMetadata},
		{"unknown type", &fivesync.DiffRow{Op: fivesync.OpInsert, RemoteID: "P1", MimeType: "application/x-fivedb-playlist", Data: "N:x"}, fivesync.ErrUnknownEntityType},
		{"missing name", fivesync.NewDiffRow(fivesync.EntityArtist, fivesync.OpInsert, "A1", fivesync.KeyMBID, "x"), fivesync.ErrMissingField},
		{"missing remote id", artist("", "Nameless"), fivesync.ErrMissingField},
		{"bad integer", fivesync.NewDiffRow(fivesync.EntityArtist, fivesync.OpInsert, "A1", fivesync.KeyName, "x", fivesync.KeySyncTime, "soon"), fivesync.ErrMalformedMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := h.apply(t, s, tt.row)
			require.Equal(t, fivesync.StatusBadRequest, status)
			require.True(t, errors.Is(err, tt.want), "got %v", err)
			require.True(t, fivesync.IsRowError(err))
		})
	}

	h.mustApply(t, s, &fivesync.DiffRow{
		Op: fivesync.OpInsert, RemoteID: "A1", MimeType: fivesync.EntityArtist.MimeType(), Data: "N:The Verve\nGENRE:Rock",
	}, fivesync.StatusCreated)

	// Same remote id twice in one session
	status, err := h.apply(t, s, artist("A1", "The Verve"))
	require.Equal(t, fivesync.StatusBadRequest, status)
	require.True(t, errors.Is(err, fivesync.ErrDuplicateRow))

	require.Equal(t, len(tests)+1, s.Stats().Failed)
	require.NoError(t, h.coord.EndSession(ctx, s, true))
	require.Equal(t, 1, h.rowCount(t, fivesync.TableArtists))
}

func TestApplyRow_Update(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.begin(t)
	h.mustApply(t, s, artist("A1", "The Charlatans"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, s, true))
	artists, err := h.store.Artists(ctx)
	require.NoError(t, err)
	id := artists[0].ID

	s = h.begin(t)
	rename := fivesync.NewDiffRow(fivesync.EntityArtist, fivesync.OpUpdate, "A1", fivesync.KeyName, "Charlatans UK")
	rename.LocalID = id
	h.mustApply(t, s, rename, fivesync.StatusUpdated)

	// Resolved by remote id when no local id is given
	genre := fivesync.NewDiffRow(fivesync.EntityArtist, fivesync.OpUpdate, "A1", fivesync.KeyGenre, "Madchester")
	h.mustApply(t, s, genre, fivesync.StatusUpdated)

	missing := fivesync.NewDiffRow(fivesync.EntityArtist, fivesync.OpUpdate, "A1", fivesync.KeyName, "Ghost")
	missing.LocalID = id + 1000
	h.mustApply(t, s, missing, fivesync.StatusNoOp)

	empty := fivesync.NewDiffRow(fivesync.EntityArtist, fivesync.OpUpdate, "A1", "UNKNOWN", "x")
	empty.LocalID = id
	h.mustApply(t, s, empty, fivesync.StatusNoOp)

	unknown := fivesync.NewDiffRow(fivesync.EntityArtist, fivesync.OpUpdate, "A404", fivesync.KeyName, "x")
	status, err := h.apply(t, s, unknown)
	require.Equal(t, fivesync.StatusBadRequest, status)
	require.True(t, errors.Is(err, fivesync.ErrUnresolvedReference))

	require.Zero(t, s.Processed(), "only inserts count as progress")
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	rows, err := h.store.Query(ctx, fivesync.TableArtists, []string{"name", "name_prefix", "genre", "_sync_time"}, fivesync.ByID(id), "")
	require.NoError(t, err)
	assert.Equal(t, "Charlatans UK", rows[0]["name"])
	assert.Nil(t, rows[0]["name_prefix"])
	assert.Equal(t, "Madchester", rows[0]["genre"])
	syncTime, _ := rows[0].Int64("_sync_time")
	assert.Equal(t, s.NextAnchor, syncTime)
}

func TestApplyRow_UpdateSongMovesAlbum(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.begin(t)
	h.mustApply(t, s, artist("A1", "Oasis"), fivesync.StatusCreated)
	h.mustApply(t, s, album("B1", "Definitely Maybe", "A1"), fivesync.StatusCreated)
	h.mustApply(t, s, album("B2", "Singles", "A1"), fivesync.StatusCreated)
	h.mustApply(t, s, song("S1", "Supersonic", "A1", "B1", "C1"), fivesync.StatusCreated)

	move := fivesync.NewDiffRow(fivesync.EntitySong, fivesync.OpUpdate, "S1",
		fivesync.KeyAlbumGUID, "B2", fivesync.KeyTrack, "1")
	h.mustApply(t, s, move, fivesync.StatusUpdated)

	b2, _ := s.Remap().Lookup(fivesync.EntityAlbum, "B2")
	songs, err := h.store.SongsByAlbum(ctx, b2)
	require.NoError(t, err)
	require.Len(t, songs, 1)
	require.Equal(t, int64(1), songs[0].Track)
	require.NoError(t, h.coord.EndSession(ctx, s, true))
}

func TestProgress_ReportsInsertsWithoutBlocking(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var updates []fivesync.Progress
	h := newHarness(t, func(c *fivesync.CoordinatorConfig) {
		c.Progress = fivesync.ProgressObserverFunc(func(p fivesync.Progress) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			updates = append(updates, p)
			mu.Unlock()
		})
	})

	s := h.begin(t)
	require.NoError(t, h.coord.Prepare(ctx, s, fivesync.CodeIncremental, 20))
	for i := 0; i < 20; i++ {
		h.mustApply(t, s, artist(fmt.Sprintf("A%d", i), fmt.Sprintf("Band %d", i)), fivesync.StatusCreated)
	}
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	require.Equal(t, fivesync.Progress{SourceID: sourceX, Current: 20, Total: 20}, last)
	for i := 1; i < len(updates); i++ {
		require.Greater(t, updates[i].Current, updates[i-1].Current)
	}
}

func TestChangeNotifications(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	events, cancel := h.store.Notifier.Subscribe(64)
	defer cancel()

	s := h.begin(t)
	h.mustApply(t, s, artist("A1", "Gene"), fivesync.StatusCreated)
	h.mustApply(t, s, album("B1", "Olympian", "A1"), fivesync.StatusCreated)
	h.mustApply(t, s, song("S1", "Haunted by You", "A1", "B1", "C1"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	artistID, _ := s.Remap().Lookup(fivesync.EntityArtist, "A1")
	require.Zero(t, artistID, "remap is cleared at session end")

	var got []fivesync.URI
	for len(events) > 0 {
		got = append(got, <-events)
	}
	artists, err := h.store.Artists(ctx)
	require.NoError(t, err)
	albums, err := h.store.AlbumsByArtist(ctx, artists[0].ID)
	require.NoError(t, err)

	assert.Contains(t, got, fivesync.EntityURI(fivesync.EntityArtist, artists[0].ID))
	assert.Contains(t, got, fivesync.EntityURI(fivesync.EntityAlbum, albums[0].ID))
	assert.Contains(t, got, fivesync.ArtistAlbumsURI(artists[0].ID))
	assert.Contains(t, got, fivesync.ArtistSongsURI(artists[0].ID))
	assert.Contains(t, got, fivesync.AlbumSongsURI(albums[0].ID))
	assert.Contains(t, got, fivesync.TableURI(fivesync.TableSources))
}

type recordingArtwork struct {
	mu       sync.Mutex
	promoted map[string]int64
	fail     bool
}

func (a *recordingArtwork) Promote(_ context.Context, t fivesync.EntityType, ref string, localID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("staging area missing")
	}
	a.promoted[t.String()+":"+ref] = localID
	return nil
}

func TestInsert_AssociatesArtwork(t *testing.T) {
	ctx := context.Background()
	artwork := &recordingArtwork{promoted: map[string]int64{}}
	h := newHarness(t, func(c *fivesync.CoordinatorConfig) { c.Artwork = artwork })

	s := h.begin(t)
	h.mustApply(t, s, fivesync.NewDiffRow(fivesync.EntityArtist, fivesync.OpInsert, "A1",
		fivesync.KeyName, "Lush", fivesync.KeyPhoto, "tmp/17"), fivesync.StatusCreated)
	h.mustApply(t, s, fivesync.NewDiffRow(fivesync.EntityAlbum, fivesync.OpInsert, "B1",
		fivesync.KeyName, "Spooky", fivesync.KeyArtistGUID, "A1", fivesync.KeyArtwork, "tmp/18"), fivesync.StatusCreated)
	artistID, _ := s.Remap().Lookup(fivesync.EntityArtist, "A1")
	albumID, _ := s.Remap().Lookup(fivesync.EntityAlbum, "B1")

	artwork.fail = true
	h.mustApply(t, s, fivesync.NewDiffRow(fivesync.EntityArtist, fivesync.OpInsert, "A2",
		fivesync.KeyName, "Slowdive", fivesync.KeyPhoto, "tmp/19"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	require.Equal(t, artistID, artwork.promoted["artist:tmp/17"])
	require.Equal(t, albumID, artwork.promoted["album:tmp/18"])

	artists, err := h.store.Artists(ctx)
	require.NoError(t, err)
	photos := map[string]string{}
	for _, a := range artists {
		photos[a.SyncID] = a.Photo
	}
	require.Equal(t, string(fivesync.PhotoURI(fivesync.EntityArtist, artistID)), photos["A1"])
	require.Empty(t, photos["A2"])

	albums, err := h.store.AlbumsByArtist(ctx, artistID)
	require.NoError(t, err)
	require.Equal(t, string(fivesync.PhotoURI(fivesync.EntityAlbum, albumID)), albums[0].Artwork)
}

func TestSessions_SerializedPerSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.begin(t)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := h.coord.BeginSession(waitCtx, sourceX, 0)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	other, err := h.coord.BeginSession(ctx, 2, 0)
	require.NoError(t, err)
	require.NoError(t, h.coord.EndSession(ctx, other, true))

	// A waiter holding the anchor it read before the first session committed
	// must not replay that window.
	started := make(chan error, 1)
	go func() {
		next, err := h.coord.BeginSession(ctx, sourceX, 0)
		if err == nil {
			_ = h.coord.EndSession(ctx, next, false)
		}
		started <- err
	}()

	select {
	case <-started:
		t.Fatal("second session started while the first was open")
	case <-time.After(30 * time.Millisecond):
	}
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	err = <-started
	require.True(t, errors.Is(err, fivesync.ErrInvalidAnchor), "got %v", err)

	next := h.begin(t)
	require.Equal(t, s.NextAnchor, next.LastAnchor)
	require.NoError(t, h.coord.EndSession(ctx, next, true))
}

func TestSync_ConcurrentCallsDoNotReplayWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *fivesync.CoordinatorConfig) {
		c.Clock = func() time.Time { return time.Unix(200, 0) }
	})

	sources := []*windowSource{
		{code: fivesync.CodeIncremental, rows: []*fivesync.DiffRow{artist("A1", "Lush")}},
		{code: fivesync.CodeIncremental, rows: []*fivesync.DiffRow{artist("A1", "Lush")}},
	}
	errs := make([]error, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.coord.Sync(ctx, sourceX, src)
		}()
	}
	wg.Wait()

	var ok, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, fivesync.ErrInvalidAnchor):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, stale)
	require.Equal(t, 1, h.rowCount(t, fivesync.TableArtists))

	anchor, err := h.store.Anchor(ctx, sourceX)
	require.NoError(t, err)
	require.Equal(t, int64(200), anchor)
}

func TestPrepare_RefreshWaitsForLiveSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	s := h.begin(t)
	h.mustApply(t, s, artist("A1", "Slowdive"), fivesync.StatusCreated)

	refresh, err := h.coord.BeginSession(ctx, 2, 0)
	require.NoError(t, err)
	wiped := make(chan error, 1)
	go func() {
		wiped <- h.coord.Prepare(ctx, refresh, fivesync.CodeRefresh, 0)
	}()

	select {
	case err := <-wiped:
		t.Fatalf("refresh wiped while another session was live: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	// The live session still resolves its own rows
	h.mustApply(t, s, album("B1", "Souvlaki", "A1"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	require.NoError(t, <-wiped)
	require.Zero(t, h.rowCount(t, fivesync.TableArtists))
	require.Zero(t, h.rowCount(t, fivesync.TableAlbums))
	h.mustApply(t, refresh, artist("A9", "Ride"), fivesync.StatusCreated)
	require.NoError(t, h.coord.EndSession(ctx, refresh, true))

	// Both sessions released the library
	next := h.begin(t)
	require.NoError(t, h.coord.Prepare(ctx, next, fivesync.CodeRefresh, 0))
	require.NoError(t, h.coord.EndSession(ctx, next, false))
}

func TestPrepare_RefreshHonoursContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	s := h.begin(t)
	refresh, err := h.coord.BeginSession(ctx, 2, 0)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err = h.coord.Prepare(waitCtx, refresh, fivesync.CodeRefresh, 0)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	require.NoError(t, h.coord.EndSession(ctx, refresh, false))

	// The failed refresh gave back the library; another source can start
	other, err := h.coord.BeginSession(ctx, 3, 0)
	require.NoError(t, err)
	require.NoError(t, h.coord.EndSession(ctx, other, false))
	require.NoError(t, h.coord.EndSession(ctx, s, false))
}

type recordingReclaimer struct {
	mu      sync.Mutex
	removed []string
}

func (r *recordingReclaimer) RemoveCached(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, path)
	return nil
}

func TestPrepare_RefreshRemovesCachedFiles(t *testing.T) {
	ctx := context.Background()
	reclaimer := &recordingReclaimer{}
	h := newHarness(t, func(c *fivesync.CoordinatorConfig) { c.Cache = reclaimer })

	_, err := h.store.Insert(ctx, fivesync.TableContent, fivesync.Values{
		"source_id": sourceX, "content_id": "C1", "size": int64(10),
		"cached_path": "/cache/C1", "cached_timestamp": int64(1),
	})
	require.NoError(t, err)
	_, err = h.store.Insert(ctx, fivesync.TableContent, fivesync.Values{
		"source_id": sourceX, "content_id": "C2", "size": int64(10),
	})
	require.NoError(t, err)

	s := h.begin(t)
	require.NoError(t, h.coord.Prepare(ctx, s, fivesync.CodeRefresh, 0))
	require.NoError(t, h.coord.EndSession(ctx, s, true))

	require.Equal(t, []string{"/cache/C1"}, reclaimer.removed)
	require.Zero(t, h.rowCount(t, fivesync.TableContent))
}

type failingCursor struct {
	fivesync.DiffCursor
	after int
	n     int
}

func (c *failingCursor) Next(ctx context.Context) (*fivesync.DiffRow, error) {
	if c.n >= c.after {
		return nil, errors.New("connection reset")
	}
	c.n++
	return c.DiffCursor.Next(ctx)
}

func TestRun_DrainsCursorsInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SetAnchor(ctx, sourceX, 100))

	result, err := h.coord.Run(ctx, sourceX, fivesync.CodeIncremental,
		fivesync.NewSliceCursor(fivesync.EntitySong, song("S1", "Pinball Wizard", "A1", "B1", "C1")),
		fivesync.NewSliceCursor(fivesync.EntityAlbum, album("B1", "Tommy", "A1")),
		fivesync.NewSliceCursor(fivesync.EntityArtist, artist("A1", "The Who")),
	)
	require.NoError(t, err)
	require.True(t, result.Committed)
	require.Equal(t, int64(100), result.LastAnchor)
	require.Equal(t, fivesync.SessionStats{Created: 3}, result.Stats)
	require.Empty(t, result.Failures)

	anchor, err := h.store.Anchor(ctx, sourceX)
	require.NoError(t, err)
	require.Equal(t, result.NextAnchor, anchor)
}

func TestRun_CursorErrorAbortsWithoutAnchor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	artists := &failingCursor{
		DiffCursor: fivesync.NewSliceCursor(fivesync.EntityArtist, artist("A1", "Ride"), artist("A2", "Swervedriver")),
		after:      1,
	}
	result, err := h.coord.Run(ctx, sourceX, fivesync.CodeIncremental, artists)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection reset")
	require.False(t, result.Committed)
	require.Equal(t, 1, result.Stats.Created)

	anchor, err := h.store.Anchor(ctx, sourceX)
	require.NoError(t, err)
	require.Zero(t, anchor)
	require.Equal(t, 1, h.rowCount(t, fivesync.TableArtists))

	// The source is free again
	result, err = h.coord.Run(ctx, sourceX, fivesync.CodeIncremental, fivesync.NewSliceCursor(fivesync.EntityArtist))
	require.NoError(t, err)
	require.True(t, result.Committed)
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.coord.Run(ctx, sourceX, fivesync.CodeIncremental, fivesync.NewSliceCursor(fivesync.EntityArtist, artist("A1", "Kula Shaker")))
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)

	anchor, err := h.store.Anchor(context.Background(), sourceX)
	require.NoError(t, err)
	require.Zero(t, anchor)
}

func TestSliceCursor(t *testing.T) {
	c := fivesync.NewSliceCursor(fivesync.EntityArtist, artist("A1", "x"))
	require.Equal(t, 1, c.Total())
	row, err := c.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "A1", row.RemoteID)
	_, err = c.Next(context.Background())
	require.True(t, errors.Is(err, io.EOF))
	require.NoError(t, c.Close())
}

type windowSource struct {
	code  fivesync.SyncCode
	err   error
	since int64
	until int64
	rows  []*fivesync.DiffRow
}

func (w *windowSource) Open(_ context.Context, s *fivesync.Session) (fivesync.SyncCode, []fivesync.DiffCursor, error) {
	w.since, w.until = s.LastAnchor, s.NextAnchor
	if w.err != nil {
		return 0, nil, w.err
	}
	return w.code, []fivesync.DiffCursor{fivesync.NewSliceCursor(fivesync.EntityArtist, w.rows...)}, nil
}

func TestSync_OpensContiguousWindows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := &windowSource{code: fivesync.CodeRefresh, rows: []*fivesync.DiffRow{artist("A1", "Shed Seven")}}
	result, err := h.coord.Sync(ctx, sourceX, first)
	require.NoError(t, err)
	require.True(t, result.Committed)
	require.Equal(t, int64(0), first.since)
	require.Equal(t, int64(200), first.until)

	second := &windowSource{code: fivesync.CodeIncremental}
	_, err = h.coord.Sync(ctx, sourceX, second)
	require.NoError(t, err)
	require.Equal(t, first.until, second.since)
	require.Equal(t, int64(300), second.until)
	require.Equal(t, 1, h.rowCount(t, fivesync.TableArtists))
}

func TestSync_OpenFailureKeepsAnchor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SetAnchor(ctx, sourceX, 100))

	result, err := h.coord.Sync(ctx, sourceX, &windowSource{err: errors.New("server unavailable")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "server unavailable")
	require.False(t, result.Committed)

	anchor, err := h.store.Anchor(ctx, sourceX)
	require.NoError(t, err)
	require.Equal(t, int64(100), anchor)
}
