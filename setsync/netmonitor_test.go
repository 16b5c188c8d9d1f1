package setsync

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestNetworkMonitorOfflineOnline(t *testing.T) {
	ctx := context.Background()
	source := newTestDeltaSource()
	source.addRow(t, TableSongs, testSong("a", 1, "It Keeps You Runnin'"))

	store := NewSyncStoreWithDefaults(ctx, source, NewMemoryStorage(), nil)
	defer store.Close()
	store.SetOnlineStatus(false)
	store.Initialize()

	monitor := NewNetworkMonitorWithDefaults(ctx, store, nil)
	defer monitor.Close()

	monitor.SetConnected(false)
	assert.Equal(t, monitor.IsOnline(), false)
	assert.Equal(t, store.Status().IsOnline, false)

	// regaining connectivity flips the store online and kicks a sync
	monitor.SetConnected(true)
	assert.Equal(t, monitor.IsOnline(), true)
	assert.Equal(t, store.Status().IsOnline, true)

	waitFor(t, 5*time.Second, func() bool {
		return store.LastSyncedVersion() == 1
	})
}

func TestNetworkMonitorForegroundSync(t *testing.T) {
	ctx := context.Background()
	source := newTestDeltaSource()
	source.addRow(t, TableSongs, testSong("a", 1, "Takin' It to the Streets"))

	store := NewSyncStoreWithDefaults(ctx, source, NewMemoryStorage(), nil)
	defer store.Close()
	store.SetOnlineStatus(false)
	store.Initialize()
	store.SetOnlineStatus(true)

	monitor := NewNetworkMonitorWithDefaults(ctx, store, nil)
	defer monitor.Close()

	monitor.Foreground()

	waitFor(t, 5*time.Second, func() bool {
		return store.LastSyncedVersion() == 1
	})
}
