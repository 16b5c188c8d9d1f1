package setsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testSessionBackend struct {
	mutex sync.Mutex

	version      int64
	sessions     map[string]*GigSession
	participants map[string][]*GigSessionParticipant
	requests     map[string]*LeadershipRequest

	heartbeats []string
}

func newTestSessionBackend() *testSessionBackend {
	return &testSessionBackend{
		sessions:     map[string]*GigSession{},
		participants: map[string][]*GigSessionParticipant{},
		requests:     map[string]*LeadershipRequest{},
	}
}

func (self *testSessionBackend) nextVersion() int64 {
	self.version += 1
	return self.version
}

func (self *testSessionBackend) GetActiveSessionSync(gigId string) (*GigSession, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, session := range self.sessions {
		if session.GigId == gigId && session.IsActive {
			out := *session
			return &out, nil
		}
	}
	return nil, nil
}

func (self *testSessionBackend) CreateSessionSync(gigId string, leaderId string) (*GigSession, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, session := range self.sessions {
		if session.GigId == gigId && session.IsActive {
			return nil, ErrSessionActive
		}
	}
	session := &GigSession{
		Meta: Meta{
			Id:      NewId().String(),
			Version: self.nextVersion(),
		},
		GigId:         gigId,
		LeaderId:      leaderId,
		IsActive:      true,
		StartedAt:     nowIso(),
		LastHeartbeat: nowIso(),
	}
	self.sessions[session.Id] = session
	out := *session
	return &out, nil
}

func (self *testSessionBackend) JoinSessionSync(sessionId string, userId string) (*GigSessionParticipant, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, participant := range self.participants[sessionId] {
		if participant.UserId == userId {
			out := *participant
			return &out, nil
		}
	}
	participant := &GigSessionParticipant{
		Meta: Meta{
			Id:      NewId().String(),
			Version: self.nextVersion(),
		},
		SessionId: sessionId,
		UserId:    userId,
		LastSeen:  nowIso(),
	}
	self.participants[sessionId] = append(self.participants[sessionId], participant)
	out := *participant
	return &out, nil
}

func (self *testSessionBackend) SessionParticipantsSync(sessionId string) ([]*GigSessionParticipant, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := []*GigSessionParticipant{}
	for _, participant := range self.participants[sessionId] {
		participantCopy := *participant
		out = append(out, &participantCopy)
	}
	return out, nil
}

func (self *testSessionBackend) UpdateSessionStateSync(update *SessionStateUpdate) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	session, ok := self.sessions[update.SessionId]
	if !ok {
		return fmt.Errorf("no session %s", update.SessionId)
	}
	if update.CurrentSetIndex != nil {
		session.CurrentSetIndex = *update.CurrentSetIndex
	}
	if update.CurrentSongIndex != nil {
		session.CurrentSongIndex = *update.CurrentSongIndex
	}
	if update.AdhocSongId != nil {
		session.AdhocSongId = update.AdhocSongId
	}
	if update.ClearAdhocSong {
		session.AdhocSongId = nil
	}
	if update.IsOnBreak != nil {
		session.IsOnBreak = *update.IsOnBreak
	}
	session.Version = self.nextVersion()
	return nil
}

func (self *testSessionBackend) SendHeartbeatSync(sessionId string, userId string, isLeader bool) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.heartbeats = append(self.heartbeats, userId)
	if session, ok := self.sessions[sessionId]; ok && isLeader {
		session.LastHeartbeat = nowIso()
	}
	return nil
}

func (self *testSessionBackend) EndSessionSync(sessionId string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	session, ok := self.sessions[sessionId]
	if !ok {
		return fmt.Errorf("no session %s", sessionId)
	}
	session.IsActive = false
	endedAt := nowIso()
	session.EndedAt = &endedAt
	session.Version = self.nextVersion()
	return nil
}

func (self *testSessionBackend) CreateLeadershipRequestSync(sessionId string, requesterId string) (*LeadershipRequest, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	request := &LeadershipRequest{
		Meta: Meta{
			Id:      NewId().String(),
			Version: self.nextVersion(),
		},
		SessionId:   sessionId,
		RequesterId: requesterId,
		Status:      LeadershipRequestPending,
	}
	self.requests[request.Id] = request
	out := *request
	return &out, nil
}

func (self *testSessionBackend) ResolveLeadershipRequestSync(requestId string, approve bool) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	request, ok := self.requests[requestId]
	if !ok {
		return fmt.Errorf("no request %s", requestId)
	}
	if approve {
		request.Status = LeadershipRequestApproved
		if session, ok := self.sessions[request.SessionId]; ok {
			session.LeaderId = request.RequesterId
			session.Version = self.nextVersion()
		}
	} else {
		request.Status = LeadershipRequestDenied
	}
	return nil
}

func (self *testSessionBackend) TransferLeadershipSync(sessionId string, newLeaderId string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	session, ok := self.sessions[sessionId]
	if !ok {
		return fmt.Errorf("no session %s", sessionId)
	}
	session.LeaderId = newLeaderId
	session.Version = self.nextVersion()
	return nil
}

func (self *testSessionBackend) session(t *testing.T, sessionId string) *GigSession {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	session, ok := self.sessions[sessionId]
	if !ok {
		t.Fatalf("no session %s", sessionId)
	}
	out := *session
	return &out
}

func (self *testSessionBackend) requestCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.requests)
}

// the realtime echo for the session row's current backend state
func sessionEvent(t *testing.T, eventType ChangeEventType, session *GigSession) *ChangeEvent {
	sessionBytes, err := json.Marshal(session)
	if err != nil {
		t.Fatal(err)
	}
	event := &ChangeEvent{
		Table:     "gig_sessions",
		EventType: eventType,
	}
	if eventType == ChangeEventDelete {
		event.Old = sessionBytes
	} else {
		event.New = sessionBytes
	}
	return event
}

func requestEvent(t *testing.T, eventType ChangeEventType, request *LeadershipRequest) *ChangeEvent {
	requestBytes, err := json.Marshal(request)
	if err != nil {
		t.Fatal(err)
	}
	return &ChangeEvent{
		Table:     "leadership_requests",
		EventType: eventType,
		New:       requestBytes,
	}
}

func participantEvent(t *testing.T, participant *GigSessionParticipant) *ChangeEvent {
	participantBytes, err := json.Marshal(participant)
	if err != nil {
		t.Fatal(err)
	}
	return &ChangeEvent{
		Table:     "gig_session_participants",
		EventType: ChangeEventInsert,
		New:       participantBytes,
	}
}

func TestCreateSessionLeader(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()

	assert.Equal(t, leader.Start(), nil)
	assert.Equal(t, leader.State(), SessionStateNone)

	assert.Equal(t, leader.CreateSession(), nil)
	assert.Equal(t, leader.State(), SessionStateLeader)
	assert.Equal(t, leader.IsLeader(), true)
	assert.Equal(t, leader.ActiveSession().GigId, "gig1")

	// the creator is its own first participant
	participants, err := backend.SessionParticipantsSync(leader.ActiveSession().Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(participants), 1)
	assert.Equal(t, participants[0].UserId, "alice")
}

func TestCreateSessionAlreadyActive(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)

	other := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "bob")
	defer other.Close()
	assert.Equal(t, other.Start(), nil)
	assert.Equal(t, other.CreateSession(), ErrSessionActive)
	assert.Equal(t, other.State(), SessionStateNone)
}

func TestJoinSessionFollower(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)

	follower := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "bob")
	defer follower.Close()
	assert.Equal(t, follower.JoinSession(), nil)
	assert.Equal(t, follower.State(), SessionStateFollower)
	assert.Equal(t, follower.IsLeader(), false)
}

func TestJoinSessionNone(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	follower := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "bob")
	defer follower.Close()
	assert.Equal(t, follower.JoinSession(), ErrNoSession)
}

func TestLeaderStateWrites(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)
	sessionId := leader.ActiveSession().Id

	assert.Equal(t, leader.AdvanceTo(1, 3), nil)
	assert.Equal(t, leader.ActiveSession().CurrentSetIndex, 1)
	assert.Equal(t, leader.ActiveSession().CurrentSongIndex, 3)
	assert.Equal(t, backend.session(t, sessionId).CurrentSetIndex, 1)

	assert.Equal(t, leader.SetAdhocSong("song9"), nil)
	assert.Equal(t, *leader.ActiveSession().AdhocSongId, "song9")
	// clearing the adhoc song returns to the prior position
	assert.Equal(t, leader.ClearAdhocSong(), nil)
	assert.Equal(t, leader.ActiveSession().AdhocSongId, nil)
	assert.Equal(t, leader.ActiveSession().CurrentSetIndex, 1)

	assert.Equal(t, leader.SetOnBreak(true), nil)
	assert.Equal(t, leader.ActiveSession().IsOnBreak, true)
}

func TestFollowerCannotWrite(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)

	follower := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "bob")
	defer follower.Close()
	assert.Equal(t, follower.JoinSession(), nil)

	assert.Equal(t, follower.AdvanceTo(0, 1), ErrNotLeader)
	assert.Equal(t, follower.SetOnBreak(true), ErrNotLeader)
	assert.Equal(t, follower.End(), ErrNotLeader)
	assert.Equal(t, follower.ResolveLeadershipRequest("r1", true), ErrNotLeader)
}

func TestFollowerAppliesRealtimeState(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)
	sessionId := leader.ActiveSession().Id

	follower := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "bob")
	defer follower.Close()
	assert.Equal(t, follower.JoinSession(), nil)

	assert.Equal(t, leader.AdvanceTo(2, 0), nil)

	// deliver the backend echo to the follower
	follower.ProcessRealtimeEvent(sessionEvent(t, ChangeEventUpdate, backend.session(t, sessionId)))

	assert.Equal(t, follower.State(), SessionStateFollower)
	assert.Equal(t, follower.ActiveSession().CurrentSetIndex, 2)
	assert.Equal(t, follower.ActiveSession().CurrentSongIndex, 0)
}

func TestForcedTakeoverStaleLeader(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)
	sessionId := leader.ActiveSession().Id

	follower := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "bob")
	defer follower.Close()
	assert.Equal(t, follower.JoinSession(), nil)

	// age the leader's heartbeat past the stale threshold, then replay the
	// session row so the follower sees it
	stale := time.Now().UTC().Add(-45 * time.Second).Format(time.RFC3339)
	backend.mutex.Lock()
	backend.sessions[sessionId].LastHeartbeat = stale
	backend.mutex.Unlock()
	follower.ProcessRealtimeEvent(sessionEvent(t, ChangeEventUpdate, backend.session(t, sessionId)))

	assert.Equal(t, follower.RequestLeadership(), nil)

	// takeover bypassed the request flow entirely
	assert.Equal(t, backend.requestCount(), 0)
	assert.Equal(t, backend.session(t, sessionId).LeaderId, "bob")
	assert.Equal(t, follower.State(), SessionStateLeader)
	assert.Equal(t, follower.IsLeader(), true)
}

func TestCooperativeHandoff(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)
	sessionId := leader.ActiveSession().Id

	follower := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "bob")
	defer follower.Close()
	assert.Equal(t, follower.JoinSession(), nil)

	incomingRequests := []*LeadershipRequest{}
	leader.AddLeadershipRequestCallback(func(request *LeadershipRequest) {
		incomingRequests = append(incomingRequests, request)
	})

	// live leader: the request goes through the approval flow
	assert.Equal(t, follower.RequestLeadership(), nil)
	assert.Equal(t, backend.requestCount(), 1)
	assert.Equal(t, backend.session(t, sessionId).LeaderId, "alice")

	var request *LeadershipRequest
	backend.mutex.Lock()
	for _, pending := range backend.requests {
		request = pending
	}
	backend.mutex.Unlock()

	// the insert reaches the leader, who approves
	leader.ProcessRealtimeEvent(requestEvent(t, ChangeEventInsert, request))
	assert.Equal(t, len(incomingRequests), 1)
	assert.Equal(t, incomingRequests[0].RequesterId, "bob")

	assert.Equal(t, leader.ResolveLeadershipRequest(request.Id, true), nil)
	assert.Equal(t, backend.session(t, sessionId).LeaderId, "bob")

	// the session row echo flips the roles on both sides
	echo := sessionEvent(t, ChangeEventUpdate, backend.session(t, sessionId))
	leader.ProcessRealtimeEvent(echo)
	follower.ProcessRealtimeEvent(echo)

	assert.Equal(t, leader.State(), SessionStateFollower)
	assert.Equal(t, follower.State(), SessionStateLeader)
	assert.Equal(t, leader.AdvanceTo(0, 0), ErrNotLeader)
	assert.Equal(t, follower.AdvanceTo(0, 1), nil)
}

func TestRequestPendingGate(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)

	follower := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "bob")
	defer follower.Close()
	assert.Equal(t, follower.JoinSession(), nil)

	assert.Equal(t, follower.RequestLeadership(), nil)
	assert.Equal(t, follower.RequestLeadership(), ErrRequestPending)
	assert.Equal(t, backend.requestCount(), 1)
}

func TestRequestDeniedClearsPending(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)

	follower := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "bob")
	defer follower.Close()
	assert.Equal(t, follower.JoinSession(), nil)

	assert.Equal(t, follower.RequestLeadership(), nil)

	var request *LeadershipRequest
	backend.mutex.Lock()
	for _, pending := range backend.requests {
		request = pending
	}
	backend.mutex.Unlock()
	assert.Equal(t, leader.ResolveLeadershipRequest(request.Id, false), nil)

	// the denial echo clears the pending gate, so the follower can ask again
	backend.mutex.Lock()
	denied := *backend.requests[request.Id]
	backend.mutex.Unlock()
	follower.ProcessRealtimeEvent(requestEvent(t, ChangeEventUpdate, &denied))

	assert.Equal(t, follower.RequestLeadership(), nil)
	assert.Equal(t, backend.requestCount(), 2)
}

func TestEndSession(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)
	sessionId := leader.ActiveSession().Id

	follower := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "bob")
	defer follower.Close()
	assert.Equal(t, follower.JoinSession(), nil)

	assert.Equal(t, leader.End(), nil)
	assert.Equal(t, leader.State(), SessionStateEnded)
	assert.Equal(t, backend.session(t, sessionId).IsActive, false)

	follower.ProcessRealtimeEvent(sessionEvent(t, ChangeEventUpdate, backend.session(t, sessionId)))
	assert.Equal(t, follower.State(), SessionStateEnded)
}

func TestSessionDeleteSignal(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)
	session := leader.ActiveSession()

	leader.ProcessRealtimeEvent(sessionEvent(t, ChangeEventDelete, session))

	assert.Equal(t, leader.State(), SessionStateEnded)
	assert.Equal(t, leader.ActiveSession(), nil)
}

func TestParticipantJoinNotify(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)
	sessionId := leader.ActiveSession().Id

	joined := []*GigSessionParticipant{}
	leader.AddParticipantJoinCallback(func(participant *GigSessionParticipant) {
		joined = append(joined, participant)
	})

	participant, err := backend.JoinSessionSync(sessionId, "bob")
	assert.Equal(t, err, nil)
	leader.ProcessRealtimeEvent(participantEvent(t, participant))

	assert.Equal(t, len(joined), 1)
	assert.Equal(t, joined[0].UserId, "bob")
	assert.Equal(t, len(leader.Participants()), 2)

	// a replay of the same participant is not a new join
	leader.ProcessRealtimeEvent(participantEvent(t, participant))
	assert.Equal(t, len(joined), 1)
}

func TestHeartbeatLoop(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	settings := DefaultSessionCoordinatorSettings()
	settings.HeartbeatTimeout = 20 * time.Millisecond

	leader := NewSessionCoordinator(ctx, backend, nil, "gig1", "alice", settings)
	defer leader.Close()
	assert.Equal(t, leader.CreateSession(), nil)
	sessionId := leader.ActiveSession().Id

	waitFor(t, 5*time.Second, func() bool {
		backend.mutex.Lock()
		defer backend.mutex.Unlock()
		return 2 <= len(backend.heartbeats)
	})

	// leader heartbeats refresh the session row's liveness marker
	assert.Equal(t, leaderStale(backend.session(t, sessionId).LastHeartbeat, 30*time.Second), false)
}

func TestStateChangeCallback(t *testing.T) {
	ctx := context.Background()
	backend := newTestSessionBackend()

	leader := NewSessionCoordinatorWithDefaults(ctx, backend, nil, "gig1", "alice")
	defer leader.Close()

	states := []SessionState{}
	unsub := leader.AddStateChangeCallback(func(state SessionState, session *GigSession) {
		states = append(states, state)
	})

	assert.Equal(t, leader.CreateSession(), nil)
	assert.Equal(t, states, []SessionState{SessionStateLeader})

	unsub()
	assert.Equal(t, leader.End(), nil)
	assert.Equal(t, states, []SessionState{SessionStateLeader})
}

func TestLeaderStale(t *testing.T) {
	assert.Equal(t, leaderStale("", 30*time.Second), true)
	assert.Equal(t, leaderStale("garbage", 30*time.Second), true)

	fresh := time.Now().UTC().Format(time.RFC3339)
	assert.Equal(t, leaderStale(fresh, 30*time.Second), false)

	old := time.Now().UTC().Add(-31 * time.Second).Format(time.RFC3339)
	assert.Equal(t, leaderStale(old, 30*time.Second), true)
}
