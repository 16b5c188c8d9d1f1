package setsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

const DefaultCacheKey = "setlist-pro-v1"

type SyncStoreSettings struct {
	CacheKey string
	// safety net against a silently dead push channel
	PeriodicSyncTimeout time.Duration
}

func DefaultSyncStoreSettings() *SyncStoreSettings {
	return &SyncStoreSettings{
		CacheKey:            DefaultCacheKey,
		PeriodicSyncTimeout: 5 * time.Minute,
	}
}

// the persisted cache blob: all tables plus the cursor, replaced as a whole
type cacheBlobData struct {
	Profiles map[string]*Profile `json:"profiles"`
	Songs    map[string]*Song    `json:"songs"`
	Gigs     map[string]*Gig     `json:"gigs"`
	Setlists map[string]*Setlist `json:"setlists"`
	Sets     map[string]*Set     `json:"sets"`
	SetSongs map[string]*SetSong `json:"set_songs"`
}

type cacheBlob struct {
	Data              cacheBlobData `json:"data"`
	LastSyncedVersion int64         `json:"lastSyncedVersion"`
	LastSyncedAt      string        `json:"lastSyncedAt,omitempty"`
}

type SyncStatus struct {
	IsInitialized     bool
	IsSyncing         bool
	IsOnline          bool
	LastSyncedVersion int64
	LastSyncedAt      string
}

// SyncStore is the offline-first cache of the synced tables. it loads the
// persisted blob before any network call, reconciles against the backend
// with version deltas, and ingests realtime pushes with gap detection.
// consumers never mutate the tables; they read through the view selectors
// and wait on Update() for changes.
type SyncStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	deltaSource DeltaSource
	storage     StorageAdapter
	realtime    *RealtimeClient

	settings *SyncStoreSettings

	stateLock         sync.Mutex
	state             *tableState
	lastSyncedVersion int64
	lastSyncedAt      string
	isSyncing         bool
	isOnline          bool
	isInitialized     bool
	revision          uint64
	unsubscribe       func()

	update *Monitor

	views *viewCache
}

func NewSyncStoreWithDefaults(
	ctx context.Context,
	deltaSource DeltaSource,
	storage StorageAdapter,
	realtime *RealtimeClient,
) *SyncStore {
	return NewSyncStore(ctx, deltaSource, storage, realtime, DefaultSyncStoreSettings())
}

// realtime may be nil, in which case events must be fed to
// ProcessRealtimeUpdate directly
func NewSyncStore(
	ctx context.Context,
	deltaSource DeltaSource,
	storage StorageAdapter,
	realtime *RealtimeClient,
	settings *SyncStoreSettings,
) *SyncStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &SyncStore{
		ctx:         cancelCtx,
		cancel:      cancel,
		deltaSource: deltaSource,
		storage:     storage,
		realtime:    realtime,
		settings:    settings,
		state:       newTableState(),
		isOnline:    true,
		update:      NewMonitor(),
	}
	store.views = newViewCache(store)
	return store
}

// Initialize hydrates from the persisted cache and unblocks consumers
// before any network call. a second call is a no-op. the store always ends
// up initialized, online or not, so consumers never hang on startup.
func (self *SyncStore) Initialize() {
	self.stateLock.Lock()
	if self.isInitialized {
		self.stateLock.Unlock()
		return
	}
	// one realtime subscription for the lifetime of the process
	if self.realtime != nil && self.unsubscribe == nil {
		filters := []*ChangeFilter{}
		for _, table := range TrackedTables() {
			filters = append(filters, &ChangeFilter{
				Table: table.String(),
			})
		}
		self.unsubscribe = self.realtime.Subscribe(filters, func(event *ChangeEvent) {
			self.ProcessRealtimeUpdate(event)
		})
	}
	self.stateLock.Unlock()

	if value, ok, err := self.storage.GetItem(self.ctx, self.settings.CacheKey); err != nil {
		glog.Infof("[store]cache read error = %s\n", err)
	} else if ok {
		blob := &cacheBlob{}
		if err := json.Unmarshal([]byte(value), blob); err != nil {
			// corrupt cache is treated as empty, not fatal
			glog.Infof("[store]cache parse error = %s\n", err)
		} else {
			self.stateLock.Lock()
			self.state = blobToState(blob)
			self.lastSyncedVersion = blob.LastSyncedVersion
			self.lastSyncedAt = blob.LastSyncedAt
			self.revision += 1
			self.stateLock.Unlock()
			glog.V(2).Infof("[store]loaded cache at version %d\n", blob.LastSyncedVersion)
		}
	}

	self.stateLock.Lock()
	self.isInitialized = true
	online := self.isOnline
	self.stateLock.Unlock()
	self.update.NotifyAll()

	if online {
		go self.SyncDeltas()
	}

	go self.run()
}

// periodic fallback sync
func (self *SyncStore) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PeriodicSyncTimeout):
			self.SyncDeltas()
		}
	}
}

// SyncDeltas reconciles the cache with the backend: fetch rows newer than
// the cursor per table, merge by id, advance the cursor to the highest
// version seen, persist the merged state. at most one pass runs at a time;
// a concurrent call returns immediately.
func (self *SyncStore) SyncDeltas() {
	self.stateLock.Lock()
	if !self.isOnline || self.isSyncing {
		self.stateLock.Unlock()
		return
	}
	self.isSyncing = true
	cursor := self.lastSyncedVersion
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.isSyncing = false
		self.stateLock.Unlock()
		self.update.NotifyAll()
	}()

	globalVersion, err := self.deltaSource.GlobalVersionSync()
	if err != nil {
		// transient; the next trigger retries
		glog.Infof("[sync]version check error = %s\n", err)
		return
	}
	if 0 < cursor && globalVersion <= cursor {
		glog.V(2).Infof("[sync]up to date at version %d\n", cursor)
		return
	}

	maxVersionFound := cursor
	changed := false
	for _, table := range TrackedTables() {
		rows, err := self.deltaSource.TableDeltasSync(table, cursor)
		if err != nil {
			// skip this table for this pass rather than aborting the
			// whole reconciliation
			glog.Infof("[sync]%s error = %s\n", table, err)
			continue
		}
		if len(rows) == 0 {
			continue
		}

		self.stateLock.Lock()
		for _, row := range rows {
			_, version, err := self.state.merge(table, row)
			if err != nil {
				glog.Infof("[sync]%s row error = %s\n", table, err)
				continue
			}
			if maxVersionFound < version {
				maxVersionFound = version
			}
			changed = true
		}
		if changed {
			self.revision += 1
		}
		self.stateLock.Unlock()
		glog.V(2).Infof("[sync]%s: %d updates\n", table, len(rows))
	}

	if cursor < maxVersionFound {
		self.stateLock.Lock()
		if self.lastSyncedVersion < maxVersionFound {
			self.lastSyncedVersion = maxVersionFound
			self.lastSyncedAt = nowIso()
		}
		blobBytes, err := self.snapshotBlob()
		self.stateLock.Unlock()

		if err == nil {
			self.persist(blobBytes)
		} else {
			glog.Infof("[sync]snapshot error = %s\n", err)
		}
		glog.V(2).Infof("[sync]updated to version %d\n", maxVersionFound)
	}
}

// ProcessRealtimeUpdate applies one push notification. a row whose version
// is not the cursor's immediate successor means intermediate updates were
// missed; the event is discarded and a full delta sync re-fetches
// everything in between, in order. an applied event is persisted and then
// verified by a non-blocking delta sync, since push delivery is treated as
// probably correct but unconfirmed.
func (self *SyncStore) ProcessRealtimeUpdate(event *ChangeEvent) {
	table, ok := ParseTable(event.Table)
	if !ok {
		return
	}

	switch event.EventType {
	case ChangeEventDelete:
		meta := &Meta{}
		if err := json.Unmarshal(event.Old, meta); err != nil || meta.Id == "" {
			glog.Infof("[store]%s delete decode error, forcing resync\n", table)
			go self.SyncDeltas()
			return
		}
		self.stateLock.Lock()
		self.state.remove(table, meta.Id)
		self.revision += 1
		blobBytes, err := self.snapshotBlob()
		self.stateLock.Unlock()
		if err == nil {
			self.persist(blobBytes)
		}

	case ChangeEventInsert, ChangeEventUpdate:
		meta := &Meta{}
		if err := json.Unmarshal(event.New, meta); err != nil || meta.Id == "" {
			glog.Infof("[store]%s decode error, forcing resync\n", table)
			go self.SyncDeltas()
			return
		}

		self.stateLock.Lock()
		cursor := self.lastSyncedVersion
		if cursor+1 < meta.Version {
			// missed at least one intermediate update. the delta sync will
			// re-obtain this event in order.
			self.stateLock.Unlock()
			glog.Infof("[store]gap: %s version %d with cursor %d\n", table, meta.Version, cursor)
			go self.SyncDeltas()
			return
		}
		_, version, err := self.state.merge(table, event.New)
		if err != nil {
			self.stateLock.Unlock()
			glog.Infof("[store]%s merge error, forcing resync = %s\n", table, err)
			go self.SyncDeltas()
			return
		}
		if self.lastSyncedVersion < version {
			self.lastSyncedVersion = version
			self.lastSyncedAt = nowIso()
		}
		self.revision += 1
		blobBytes, blobErr := self.snapshotBlob()
		self.stateLock.Unlock()
		if blobErr == nil {
			self.persist(blobBytes)
		}

	default:
		return
	}

	self.update.NotifyAll()

	// verification pass
	go self.SyncDeltas()
}

// Reset clears the persisted cache and the in-memory tables
func (self *SyncStore) Reset() {
	if err := self.storage.RemoveItem(self.ctx, self.settings.CacheKey); err != nil {
		glog.Infof("[store]cache remove error = %s\n", err)
	}
	self.stateLock.Lock()
	self.state = newTableState()
	self.lastSyncedVersion = 0
	self.lastSyncedAt = ""
	self.isInitialized = false
	self.revision += 1
	self.stateLock.Unlock()
	self.update.NotifyAll()
}

func (self *SyncStore) SetOnlineStatus(online bool) {
	self.stateLock.Lock()
	changed := self.isOnline != online
	self.isOnline = online
	self.stateLock.Unlock()
	if changed {
		self.update.NotifyAll()
	}
}

func (self *SyncStore) Status() *SyncStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return &SyncStatus{
		IsInitialized:     self.isInitialized,
		IsSyncing:         self.isSyncing,
		IsOnline:          self.isOnline,
		LastSyncedVersion: self.lastSyncedVersion,
		LastSyncedAt:      self.lastSyncedAt,
	}
}

func (self *SyncStore) IsInitialized() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.isInitialized
}

func (self *SyncStore) LastSyncedVersion() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastSyncedVersion
}

// Update returns the change monitor. take NotifyChannel() and wait on it
// to observe the next batch of table changes.
func (self *SyncStore) Update() *Monitor {
	return self.update
}

func (self *SyncStore) Close() {
	self.stateLock.Lock()
	unsubscribe := self.unsubscribe
	self.unsubscribe = nil
	self.stateLock.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	self.cancel()
}

// must be called inside the state lock
func (self *SyncStore) snapshotBlob() ([]byte, error) {
	blob := &cacheBlob{
		Data: cacheBlobData{
			Profiles: self.state.profiles,
			Songs:    self.state.songs,
			Gigs:     self.state.gigs,
			Setlists: self.state.setlists,
			Sets:     self.state.sets,
			SetSongs: self.state.setSongs,
		},
		LastSyncedVersion: self.lastSyncedVersion,
		LastSyncedAt:      self.lastSyncedAt,
	}
	return json.Marshal(blob)
}

// write-through failures are logged, not retried. the in-memory state is
// still correct; the next sync re-fetches the lost increment after a
// restart.
func (self *SyncStore) persist(blobBytes []byte) {
	if err := self.storage.SetItem(self.ctx, self.settings.CacheKey, string(blobBytes)); err != nil {
		glog.Infof("[store]cache write error = %s\n", err)
	}
}

func blobToState(blob *cacheBlob) *tableState {
	state := newTableState()
	if blob.Data.Profiles != nil {
		state.profiles = blob.Data.Profiles
	}
	if blob.Data.Songs != nil {
		state.songs = blob.Data.Songs
	}
	if blob.Data.Gigs != nil {
		state.gigs = blob.Data.Gigs
	}
	if blob.Data.Setlists != nil {
		state.setlists = blob.Data.Setlists
	}
	if blob.Data.Sets != nil {
		state.sets = blob.Data.Sets
	}
	if blob.Data.SetSongs != nil {
		state.setSongs = blob.Data.SetSongs
	}
	return state
}

func nowIso() string {
	return time.Now().UTC().Format(time.RFC3339)
}
