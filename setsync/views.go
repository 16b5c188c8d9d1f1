package setsync

import (
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// hydrated view models. these are assembled on read by joining the
// normalized tables; no nested tree is ever persisted, so a view is always
// a pure function of the current tables. returned records are shared with
// the cache and must not be mutated.

type GigView struct {
	*Gig
	SetlistName string
}

type SetlistView struct {
	*Setlist
	Sets []*SetView
}

type SetView struct {
	*Set
	Songs []*SetSongView
}

type SetSongView struct {
	*SetSong
	Song *Song
}

// viewCache memoizes the assembled views against the store revision.
// any table mutation bumps the revision, which invalidates everything here
// on the next read. offline and online reads are the same code path.
type viewCache struct {
	store *SyncStore

	mutex            sync.Mutex
	revision         uint64
	valid            bool
	songs            []*Song
	gigs             []*GigView
	setlists         []*SetlistView
	setlistViewsById map[string]*SetlistView
}

func newViewCache(store *SyncStore) *viewCache {
	return &viewCache{
		store: store,
	}
}

// lock order is viewCache mutex then store stateLock, never the reverse
func (self *viewCache) refresh() {
	self.store.stateLock.Lock()
	defer self.store.stateLock.Unlock()

	if self.valid && self.revision == self.store.revision {
		return
	}

	state := self.store.state

	songs := []*Song{}
	for _, song := range state.songs {
		if song.Tombstoned() {
			continue
		}
		songs = append(songs, song)
	}
	slices.SortFunc(songs, func(a *Song, b *Song) int {
		return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	})

	gigs := []*GigView{}
	for _, gig := range state.gigs {
		if gig.Tombstoned() {
			continue
		}
		view := &GigView{
			Gig: gig,
		}
		if gig.SetlistId != nil {
			if setlist, ok := state.setlists[*gig.SetlistId]; ok && !setlist.Tombstoned() {
				view.SetlistName = setlist.Name
			}
		}
		gigs = append(gigs, view)
	}
	slices.SortFunc(gigs, func(a *GigView, b *GigView) int {
		return strings.Compare(a.StartTime, b.StartTime)
	})

	// group child rows once instead of scanning per parent
	setsBySetlistId := map[string][]*Set{}
	for _, set := range state.sets {
		if set.Tombstoned() {
			continue
		}
		setsBySetlistId[set.SetlistId] = append(setsBySetlistId[set.SetlistId], set)
	}
	setSongsBySetId := map[string][]*SetSong{}
	for _, setSong := range state.setSongs {
		if setSong.Tombstoned() {
			continue
		}
		setSongsBySetId[setSong.SetId] = append(setSongsBySetId[setSong.SetId], setSong)
	}

	setlists := []*SetlistView{}
	setlistViewsById := map[string]*SetlistView{}
	for _, setlist := range state.setlists {
		if setlist.Tombstoned() {
			continue
		}

		setViews := []*SetView{}
		sets := setsBySetlistId[setlist.Id]
		slices.SortFunc(sets, func(a *Set, b *Set) int {
			return a.Position - b.Position
		})
		for _, set := range sets {
			setSongs := setSongsBySetId[set.Id]
			slices.SortFunc(setSongs, func(a *SetSong, b *SetSong) int {
				return a.Position - b.Position
			})
			songViews := []*SetSongView{}
			for _, setSong := range setSongs {
				songViews = append(songViews, &SetSongView{
					SetSong: setSong,
					Song:    state.songs[setSong.SongId],
				})
			}
			setViews = append(setViews, &SetView{
				Set:   set,
				Songs: songViews,
			})
		}

		view := &SetlistView{
			Setlist: setlist,
			Sets:    setViews,
		}
		setlists = append(setlists, view)
		setlistViewsById[setlist.Id] = view
	}
	slices.SortFunc(setlists, func(a *SetlistView, b *SetlistView) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})

	self.songs = songs
	self.gigs = gigs
	self.setlists = setlists
	self.setlistViewsById = setlistViewsById
	self.revision = self.store.revision
	self.valid = true
}

// active songs sorted by title
func (self *SyncStore) Songs() []*Song {
	self.views.mutex.Lock()
	defer self.views.mutex.Unlock()
	self.views.refresh()
	return self.views.songs
}

// constant-time lookup, tombstones excluded
func (self *SyncStore) SongById(songId string) *Song {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	song, ok := self.state.songs[songId]
	if !ok || song.Tombstoned() {
		return nil
	}
	return song
}

// active gigs with the linked setlist name, sorted by start time
func (self *SyncStore) Gigs() []*GigView {
	self.views.mutex.Lock()
	defer self.views.mutex.Unlock()
	self.views.refresh()
	return self.views.gigs
}

// active setlists with sets and set songs in position order and each set
// song resolved against the song table, sorted by name
func (self *SyncStore) Setlists() []*SetlistView {
	self.views.mutex.Lock()
	defer self.views.mutex.Unlock()
	self.views.refresh()
	return self.views.setlists
}

func (self *SyncStore) SetlistWithSongs(setlistId string) *SetlistView {
	self.views.mutex.Lock()
	defer self.views.mutex.Unlock()
	self.views.refresh()
	return self.views.setlistViewsById[setlistId]
}

func (self *SyncStore) SetlistById(setlistId string) *Setlist {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	setlist, ok := self.state.setlists[setlistId]
	if !ok || setlist.Tombstoned() {
		return nil
	}
	return setlist
}

func (self *SyncStore) GigById(gigId string) *Gig {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	gig, ok := self.state.gigs[gigId]
	if !ok || gig.Tombstoned() {
		return nil
	}
	return gig
}
