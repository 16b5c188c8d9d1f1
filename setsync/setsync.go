package setsync

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
// client-generated identity (subscriptions, callbacks, realtime instances).
// server-owned rows keep their string ids as assigned by the backend.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// the closed set of synced tables. every table the backend versions has a
// slot here, so the table-to-state mapping is exhaustive rather than
// stringly-typed.
type Table int

const (
	TableProfiles Table = iota
	TableSongs
	TableGigs
	TableSetlists
	TableSets
	TableSetSongs
)

var trackedTables = []Table{
	TableProfiles,
	TableSongs,
	TableGigs,
	TableSetlists,
	TableSets,
	TableSetSongs,
}

// tables in sync order
func TrackedTables() []Table {
	tables := make([]Table, len(trackedTables))
	copy(tables, trackedTables)
	return tables
}

func (self Table) String() string {
	switch self {
	case TableProfiles:
		return "profiles"
	case TableSongs:
		return "songs"
	case TableGigs:
		return "gigs"
	case TableSetlists:
		return "setlists"
	case TableSets:
		return "sets"
	case TableSetSongs:
		return "set_songs"
	default:
		return fmt.Sprintf("table(%d)", int(self))
	}
}

func ParseTable(name string) (Table, bool) {
	switch name {
	case "profiles":
		return TableProfiles, true
	case "songs":
		return TableSongs, true
	case "gigs":
		return TableGigs, true
	case "setlists":
		return TableSetlists, true
	case "sets":
		return TableSets, true
	case "set_songs":
		return TableSetSongs, true
	default:
		return Table(0), false
	}
}

// Meta carries the fields the sync engine interprets on every row:
// identity, the globally shared version counter, and the tombstone.
// all other fields are owned by the backend schema.
type Meta struct {
	Id        string  `json:"id"`
	Version   int64   `json:"version"`
	CreatedAt string  `json:"created_at,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
	DeletedAt *string `json:"deleted_at,omitempty"`
	DeletedBy *string `json:"deleted_by,omitempty"`
}

func (self *Meta) RecordMeta() *Meta {
	return self
}

// tombstoned rows stay in the cache and are filtered out of views
func (self *Meta) Tombstoned() bool {
	return self.DeletedAt != nil
}

type record interface {
	RecordMeta() *Meta
}

type Song struct {
	Meta
	Title         string `json:"title"`
	Artist        string `json:"artist"`
	Lyrics        string `json:"lyrics,omitempty"`
	Key           string `json:"key,omitempty"`
	Tempo         string `json:"tempo,omitempty"`
	Duration      string `json:"duration,omitempty"`
	Note          string `json:"note,omitempty"`
	CoverUrl      string `json:"cover_url,omitempty"`
	SpotifyUrl    string `json:"spotify_url,omitempty"`
	IsRetired     bool   `json:"is_retired,omitempty"`
	CreatedBy     string `json:"created_by,omitempty"`
	LastUpdatedBy string `json:"last_updated_by,omitempty"`
}

type Gig struct {
	Meta
	Name               string  `json:"name"`
	StartTime          string  `json:"start_time"`
	EndTime            *string `json:"end_time,omitempty"`
	Notes              string  `json:"notes,omitempty"`
	SetlistId          *string `json:"setlist_id,omitempty"`
	VenueName          string  `json:"venue_name,omitempty"`
	Address            string  `json:"address,omitempty"`
	City               string  `json:"city,omitempty"`
	State              string  `json:"state,omitempty"`
	Zip                string  `json:"zip,omitempty"`
	CancelledAt        *string `json:"cancelled_at,omitempty"`
	CancellationReason *string `json:"cancellation_reason,omitempty"`
	CreatedBy          string  `json:"created_by,omitempty"`
	LastUpdatedBy      string  `json:"last_updated_by,omitempty"`
}

type Setlist struct {
	Meta
	Name          string `json:"name"`
	IsPersonal    bool   `json:"is_personal,omitempty"`
	IsDefault     bool   `json:"is_default,omitempty"`
	CreatedBy     string `json:"created_by,omitempty"`
	LastUpdatedBy string `json:"last_updated_by,omitempty"`
}

type Set struct {
	Meta
	Name      string `json:"name"`
	Position  int    `json:"position"`
	SetlistId string `json:"setlist_id"`
	CreatedBy string `json:"created_by,omitempty"`
}

type SetSong struct {
	Meta
	Position  int    `json:"position"`
	SongId    string `json:"song_id"`
	SetId     string `json:"set_id"`
	CreatedBy string `json:"created_by,omitempty"`
}

type Profile struct {
	Meta
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Position  string `json:"position,omitempty"`
}

// live session rows. these are realtime-only and never enter the synced
// table cache.

type GigSession struct {
	Meta
	GigId            string  `json:"gig_id"`
	LeaderId         string  `json:"leader_id"`
	CurrentSetIndex  int     `json:"current_set_index"`
	CurrentSongIndex int     `json:"current_song_index"`
	AdhocSongId      *string `json:"adhoc_song_id,omitempty"`
	IsActive         bool    `json:"is_active"`
	IsOnBreak        bool    `json:"is_on_break"`
	StartedAt        string  `json:"started_at,omitempty"`
	LastHeartbeat    string  `json:"last_heartbeat,omitempty"`
	EndedAt          *string `json:"ended_at,omitempty"`
}

type GigSessionParticipant struct {
	Meta
	SessionId string              `json:"session_id"`
	UserId    string              `json:"user_id"`
	LastSeen  string              `json:"last_seen,omitempty"`
	Profile   *ParticipantProfile `json:"profile,omitempty"`
}

type ParticipantProfile struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Position  string `json:"position,omitempty"`
}

type LeadershipRequestStatus string

const (
	LeadershipRequestPending  LeadershipRequestStatus = "pending"
	LeadershipRequestApproved LeadershipRequestStatus = "approved"
	LeadershipRequestDenied   LeadershipRequestStatus = "denied"
)

type LeadershipRequest struct {
	Meta
	SessionId   string                  `json:"session_id"`
	RequesterId string                  `json:"requester_id"`
	Status      LeadershipRequestStatus `json:"status"`
}

// tableState is the normalized in-memory cache, one map per tracked table.
// mutation happens only under the owning SyncStore's state lock.
type tableState struct {
	profiles map[string]*Profile
	songs    map[string]*Song
	gigs     map[string]*Gig
	setlists map[string]*Setlist
	sets     map[string]*Set
	setSongs map[string]*SetSong
}

func newTableState() *tableState {
	return &tableState{
		profiles: map[string]*Profile{},
		songs:    map[string]*Song{},
		gigs:     map[string]*Gig{},
		setlists: map[string]*Setlist{},
		sets:     map[string]*Set{},
		setSongs: map[string]*SetSong{},
	}
}

// merge keeps the highest version ever observed for an id. an older row
// arriving late is a no-op, which is what makes event apply idempotent.
func mergeRow[R record](rows map[string]R, newRow func() R, raw json.RawMessage) (string, int64, error) {
	row := newRow()
	if err := json.Unmarshal(raw, row); err != nil {
		return "", 0, err
	}
	meta := row.RecordMeta()
	if meta.Id == "" {
		return "", 0, errors.New("row missing id")
	}
	if existing, ok := rows[meta.Id]; ok && meta.Version < existing.RecordMeta().Version {
		return meta.Id, meta.Version, nil
	}
	rows[meta.Id] = row
	return meta.Id, meta.Version, nil
}

func (self *tableState) merge(table Table, raw json.RawMessage) (id string, version int64, err error) {
	switch table {
	case TableProfiles:
		return mergeRow(self.profiles, func() *Profile { return &Profile{} }, raw)
	case TableSongs:
		return mergeRow(self.songs, func() *Song { return &Song{} }, raw)
	case TableGigs:
		return mergeRow(self.gigs, func() *Gig { return &Gig{} }, raw)
	case TableSetlists:
		return mergeRow(self.setlists, func() *Setlist { return &Setlist{} }, raw)
	case TableSets:
		return mergeRow(self.sets, func() *Set { return &Set{} }, raw)
	case TableSetSongs:
		return mergeRow(self.setSongs, func() *SetSong { return &SetSong{} }, raw)
	default:
		return "", 0, fmt.Errorf("unknown table %s", table)
	}
}

func (self *tableState) remove(table Table, id string) {
	switch table {
	case TableProfiles:
		delete(self.profiles, id)
	case TableSongs:
		delete(self.songs, id)
	case TableGigs:
		delete(self.gigs, id)
	case TableSetlists:
		delete(self.setlists, id)
	case TableSets:
		delete(self.sets, id)
	case TableSetSongs:
		delete(self.setSongs, id)
	}
}

func (self *tableState) size(table Table) int {
	switch table {
	case TableProfiles:
		return len(self.profiles)
	case TableSongs:
		return len(self.songs)
	case TableGigs:
		return len(self.gigs)
	case TableSetlists:
		return len(self.setlists)
	case TableSets:
		return len(self.sets)
	case TableSetSongs:
		return len(self.setSongs)
	default:
		return 0
	}
}
