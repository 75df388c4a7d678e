package fivesqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fivesync/fivesync"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "five.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, nil)
	require.NoError(t, err)
	return store
}

func TestInitializeDatabase(t *testing.T) {
	store := newTestStore(t)

	expectedTables := []string{"sources", "sources_log", "content", "music_artists", "music_albums", "music_songs"}
	for _, table := range expectedTables {
		var count int
		err := store.DB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var journalMode string
	require.NoError(t, store.DB.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, store.DB.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)

	// Running the schema twice is harmless
	require.NoError(t, initializeDatabase(store.DB))
}

func TestStore_InsertQueryUpdateDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Insert(ctx, fivesync.TableArtists, fivesync.Values{
		"_sync_id":    "A1",
		"name":        "Who",
		"name_prefix": "The ",
	})
	require.NoError(t, err)
	require.Positive(t, id)

	rows, err := store.Query(ctx, fivesync.TableArtists, []string{"_id", "name", "name_prefix"},
		fivesync.Where("_sync_id = ?", "A1"), "_id DESC")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	gotID, ok := rows[0].Int64("_id")
	require.True(t, ok)
	require.Equal(t, id, gotID)
	name, _ := rows[0].String("name")
	require.Equal(t, "Who", name)

	n, err := store.Update(ctx, fivesync.TableArtists, fivesync.Values{"name": "Kinks"}, fivesync.ByID(id))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = store.Update(ctx, fivesync.TableArtists, fivesync.Values{"name": "Nobody"}, fivesync.ByID(id+100))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = store.Delete(ctx, fivesync.TableArtists, fivesync.Predicate{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	rows, err = store.Query(ctx, fivesync.TableArtists, nil, fivesync.Predicate{}, "")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestStore_RejectsUnknownColumnsAndTables(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Insert(ctx, fivesync.TableArtists, fivesync.Values{"name": "x", "name; DROP TABLE content": 1})
	require.Error(t, err)

	_, err = store.Query(ctx, fivesync.TableArtists, []string{"_id"}, fivesync.Predicate{}, "name; DROP")
	require.Error(t, err)

	_, err = store.Query(ctx, fivesync.TableArtists, []string{"_id"}, fivesync.Predicate{}, "name sideways")
	require.Error(t, err)

	_, err = store.Query(ctx, fivesync.Table("nope"), nil, fivesync.Predicate{}, "")
	require.Error(t, err)
}

func TestStore_ForeignKeysEnforced(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Insert(ctx, fivesync.TableAlbums, fivesync.Values{"name": "Orphan", "artist_id": int64(42)})
	require.Error(t, err)
}

func TestStore_NotifiesAfterMutations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	events, cancel := store.Notifier.Subscribe(16)
	defer cancel()

	id, err := store.Insert(ctx, fivesync.TableArtists, fivesync.Values{"name": "Blur"})
	require.NoError(t, err)
	require.Equal(t, fivesync.EntityURI(fivesync.EntityArtist, id), <-events)

	_, err = store.Update(ctx, fivesync.TableArtists, fivesync.Values{"genre": "Rock"}, fivesync.ByID(id))
	require.NoError(t, err)
	require.Equal(t, fivesync.EntityURI(fivesync.EntityArtist, id), <-events)

	_, err = store.Delete(ctx, fivesync.TableArtists, fivesync.Predicate{})
	require.NoError(t, err)
	require.Equal(t, fivesync.TableURI(fivesync.TableArtists), <-events)

	// A no-op write is not announced
	_, err = store.Update(ctx, fivesync.TableArtists, fivesync.Values{"genre": "Pop"}, fivesync.ByID(id))
	require.NoError(t, err)
	select {
	case uri := <-events:
		t.Fatalf("unexpected notification %s", uri)
	default:
	}
}

func TestNotifier_DropsWhenSubscriberFull(t *testing.T) {
	n := NewNotifier()
	events, cancel := n.Subscribe(1)

	n.Publish("five://a")
	n.Publish("five://b")
	require.Equal(t, fivesync.URI("five://a"), <-events)
	require.Equal(t, int64(1), n.Dropped())

	cancel()
	cancel()
	_, open := <-events
	require.False(t, open)

	// Publishing after unsubscribe must not panic
	n.Publish("five://c")
}

func TestTableInfoProvider_Cache(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	provider := NewTableInfoProvider()

	info, err := provider.Get(ctx, store.DB, fivesync.TableContent)
	require.NoError(t, err)
	col, ok := info.Column("CACHED_PATH")
	require.True(t, ok)
	require.Equal(t, "TEXT", col.DeclaredType)
	idCol, ok := info.Column("_id")
	require.True(t, ok)
	require.True(t, idCol.IsPrimaryKey)

	again, err := provider.Get(ctx, store.DB, fivesync.TableContent)
	require.NoError(t, err)
	require.Same(t, info, again)

	provider.ClearCache()
	fresh, err := provider.Get(ctx, store.DB, fivesync.TableContent)
	require.NoError(t, err)
	require.NotSame(t, info, fresh)
	require.Error(t, fresh.Validate([]string{"size", "bogus"}))
}
