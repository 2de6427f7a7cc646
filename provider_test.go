package vespa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, mounts int) *PebbleStore {
	t.Helper()
	dirs := make([]string, mounts)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}
	store, err := OpenPebbleStore(dirs, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStorePutGet(t *testing.T) {
	store := openTestStore(t, 2)
	ctx := context.Background()
	b := BucketOf("doc-1")

	err := store.Put(ctx, b, DocumentEntry{DocID: "doc-1", Timestamp: 10}, []byte("v1"))
	require.NoError(t, err)

	entry, body, err := store.Get(ctx, b, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), entry.Timestamp)
	assert.NotZero(t, entry.Checksum)
	assert.Equal(t, "v1", string(body))

	_, _, err = store.Get(ctx, b, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreOlderPutIsDropped(t *testing.T) {
	store := openTestStore(t, 1)
	ctx := context.Background()
	b := BucketOf("doc-2")

	require.NoError(t, store.Put(ctx, b, DocumentEntry{DocID: "doc-2", Timestamp: 20}, []byte("new")))
	require.NoError(t, store.Put(ctx, b, DocumentEntry{DocID: "doc-2", Timestamp: 10}, []byte("old")))

	entry, body, err := store.Get(ctx, b, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), entry.Timestamp)
	assert.Equal(t, "new", string(body))
}

func TestStoreRemoveLeavesTombstone(t *testing.T) {
	store := openTestStore(t, 1)
	ctx := context.Background()
	b := BucketOf("doc-3")

	require.NoError(t, store.Put(ctx, b, DocumentEntry{DocID: "doc-3", Timestamp: 5}, []byte("x")))
	require.NoError(t, store.Remove(ctx, b, "doc-3", 6))

	_, _, err := store.Get(ctx, b, "doc-3")
	assert.ErrorIs(t, err, ErrNotFound)

	// the tombstone is still an entry and must be visible to merge
	entries, err := store.ListEntries(ctx, b)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Tombstone)
	assert.Equal(t, uint64(6), entries[0].Timestamp)
}

func TestStoreVisit(t *testing.T) {
	store := openTestStore(t, 1)
	ctx := context.Background()
	b := BucketID(0x42)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Put(ctx, b, DocumentEntry{DocID: id, Timestamp: uint64(i + 1)}, []byte(id)))
	}
	// a different bucket must stay invisible
	require.NoError(t, store.Put(ctx, BucketID(0x43), DocumentEntry{DocID: "other", Timestamp: 1}, []byte("o")))

	seen := map[string]string{}
	err := store.Visit(ctx, b, func(e DocumentEntry, body []byte) error {
		seen[e.DocID] = string(body)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "a", "b": "b", "c": "c"}, seen)
}

func TestStoreApplyDiff(t *testing.T) {
	store := openTestStore(t, 2)
	ctx := context.Background()
	b := BucketOf("diffed")

	require.NoError(t, store.Put(ctx, b, DocumentEntry{DocID: "keep", Timestamp: 50}, []byte("mine")))

	applied, err := store.ApplyDiff(ctx, b, []DiffEntry{
		{Entry: DocumentEntry{DocID: "keep", Timestamp: 40}, Body: []byte("stale")},
		{Entry: DocumentEntry{DocID: "incoming", Timestamp: 60}, Body: []byte("theirs")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	entry, body, err := store.Get(ctx, b, "keep")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), entry.Timestamp)
	assert.Equal(t, "mine", string(body))

	_, body, err = store.Get(ctx, b, "incoming")
	require.NoError(t, err)
	assert.Equal(t, "theirs", string(body))
}

func TestStoreBucketToMountpointAffinity(t *testing.T) {
	store := openTestStore(t, 3)
	b := BucketOf("pinned")
	db := store.db(b)
	for i := 0; i < 10; i++ {
		assert.Same(t, db, store.db(b))
	}
}
