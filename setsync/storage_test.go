package setsync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFileStorageRoundtrip(t *testing.T) {
	ctx := context.Background()
	storage, err := NewFileStorage(t.TempDir())
	assert.Equal(t, err, nil)

	_, ok, err := storage.GetItem(ctx, "missing")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	assert.Equal(t, storage.SetItem(ctx, "blob", `{"a":1}`), nil)
	value, ok, err := storage.GetItem(ctx, "blob")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, value, `{"a":1}`)

	// whole-value replace
	assert.Equal(t, storage.SetItem(ctx, "blob", `{"a":2}`), nil)
	value, _, _ = storage.GetItem(ctx, "blob")
	assert.Equal(t, value, `{"a":2}`)

	assert.Equal(t, storage.RemoveItem(ctx, "blob"), nil)
	_, ok, err = storage.GetItem(ctx, "blob")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	// removing a missing key is not an error
	assert.Equal(t, storage.RemoveItem(ctx, "blob"), nil)
}

func TestFileStorageKeySanitized(t *testing.T) {
	ctx := context.Background()
	storage, err := NewFileStorage(t.TempDir())
	assert.Equal(t, err, nil)

	assert.Equal(t, storage.SetItem(ctx, "a/b/c", "value"), nil)
	value, ok, err := storage.GetItem(ctx, "a/b/c")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "value")
}

func TestMemoryStorageRoundtrip(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	_, ok, err := storage.GetItem(ctx, "k")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	assert.Equal(t, storage.SetItem(ctx, "k", "v1"), nil)
	assert.Equal(t, storage.SetItem(ctx, "k", "v2"), nil)
	value, ok, _ := storage.GetItem(ctx, "k")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "v2")

	assert.Equal(t, storage.RemoveItem(ctx, "k"), nil)
	_, ok, _ = storage.GetItem(ctx, "k")
	assert.Equal(t, ok, false)
}

func TestSyncStoreOnFileStorage(t *testing.T) {
	ctx := context.Background()
	storage, err := NewFileStorage(t.TempDir())
	assert.Equal(t, err, nil)
	source := newTestDeltaSource()

	store := NewSyncStoreWithDefaults(ctx, source, storage, nil)
	store.SetOnlineStatus(false)
	store.Initialize()
	store.ProcessRealtimeUpdate(songEvent(t, ChangeEventInsert, testSong("a", 1, "South City Midnight Lady")))
	store.Close()

	// a second store over the same directory picks up where the first
	// left off
	reopened := NewSyncStoreWithDefaults(ctx, source, storage, nil)
	defer reopened.Close()
	reopened.SetOnlineStatus(false)
	reopened.Initialize()

	assert.Equal(t, reopened.LastSyncedVersion(), int64(1))
	assert.Equal(t, len(reopened.Songs()), 1)
	assert.Equal(t, reopened.Songs()[0].Title, "South City Midnight Lady")
}
