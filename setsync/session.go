package setsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// session coordinator state machine is:
// SessionStateNone
//
//	-> SessionStateLeader | SessionStateFollower
//	  -> SessionStateEnded (terminal)
//
// leadership can move between leader and follower while active, via
// cooperative handoff or liveness takeover
type SessionState string

const (
	SessionStateNone     SessionState = "no-session"
	SessionStateLeader   SessionState = "leader-active"
	SessionStateFollower SessionState = "follower-active"
	SessionStateEnded    SessionState = "ended"
)

func (self SessionState) IsActive() bool {
	switch self {
	case SessionStateLeader, SessionStateFollower:
		return true
	default:
		return false
	}
}

var ErrNoSession = errors.New("no active session")
var ErrNotLeader = errors.New("only the leader can do this")
var ErrRequestPending = errors.New("a leadership request is already pending")

type SessionChangeFunction func(state SessionState, session *GigSession)

type ParticipantJoinFunction func(participant *GigSessionParticipant)

type LeadershipRequestFunction func(request *LeadershipRequest)

type SessionCoordinatorSettings struct {
	HeartbeatTimeout time.Duration
	// a leader whose last heartbeat is older than this is considered gone
	LeaderStaleTimeout time.Duration
	// a pending request older than this no longer blocks a new one
	LeadershipRequestTimeout time.Duration
}

func DefaultSessionCoordinatorSettings() *SessionCoordinatorSettings {
	return &SessionCoordinatorSettings{
		HeartbeatTimeout:         10 * time.Second,
		LeaderStaleTimeout:       30 * time.Second,
		LeadershipRequestTimeout: 60 * time.Second,
	}
}

// SessionCoordinator runs the live performance session for one gig: the
// leader is the sole writer of playback state on the session row, followers
// apply it verbatim from realtime updates. liveness is heartbeat-based and
// leadership moves either cooperatively or by takeover of a stale leader.
type SessionCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	backend  SessionBackend
	realtime *RealtimeClient

	gigId  string
	userId string

	settings *SessionCoordinatorSettings

	stateLock          sync.Mutex
	state              SessionState
	session            *GigSession
	joined             bool
	participantUserIds map[string]bool
	participants       []*GigSessionParticipant
	pendingRequest     *LeadershipRequest
	pendingRequestTime time.Time
	unsubscribe        func()

	stateChangeCallbacks       *CallbackList[SessionChangeFunction]
	participantJoinCallbacks   *CallbackList[ParticipantJoinFunction]
	leadershipRequestCallbacks *CallbackList[LeadershipRequestFunction]
}

func NewSessionCoordinatorWithDefaults(
	ctx context.Context,
	backend SessionBackend,
	realtime *RealtimeClient,
	gigId string,
	userId string,
) *SessionCoordinator {
	return NewSessionCoordinator(ctx, backend, realtime, gigId, userId, DefaultSessionCoordinatorSettings())
}

// realtime may be nil, in which case events must be fed to
// ProcessRealtimeEvent directly
func NewSessionCoordinator(
	ctx context.Context,
	backend SessionBackend,
	realtime *RealtimeClient,
	gigId string,
	userId string,
	settings *SessionCoordinatorSettings,
) *SessionCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &SessionCoordinator{
		ctx:                        cancelCtx,
		cancel:                     cancel,
		backend:                    backend,
		realtime:                   realtime,
		gigId:                      gigId,
		userId:                     userId,
		settings:                   settings,
		state:                      SessionStateNone,
		participantUserIds:         map[string]bool{},
		stateChangeCallbacks:       NewCallbackList[SessionChangeFunction](),
		participantJoinCallbacks:   NewCallbackList[ParticipantJoinFunction](),
		leadershipRequestCallbacks: NewCallbackList[LeadershipRequestFunction](),
	}
	if realtime != nil {
		coordinator.unsubscribe = realtime.Subscribe(
			[]*ChangeFilter{
				{
					Table:  "gig_sessions",
					Column: "gig_id",
					Equals: gigId,
				},
				{
					Table: "gig_session_participants",
				},
				{
					Table: "leadership_requests",
				},
			},
			func(event *ChangeEvent) {
				coordinator.ProcessRealtimeEvent(event)
			},
		)
	}
	go coordinator.run()
	return coordinator
}

// Start loads the current session row and participant list for the gig.
// it does not join; the caller decides between CreateSession and
// JoinSession.
func (self *SessionCoordinator) Start() error {
	session, err := self.backend.GetActiveSessionSync(self.gigId)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	self.stateLock.Lock()
	self.session = session
	self.stateLock.Unlock()

	self.refreshParticipants(false)
	return nil
}

// CreateSession starts a new session with the local user as leader. the
// leader is simultaneously its own first participant. exactly one active
// session per gig is enforced at creation time.
func (self *SessionCoordinator) CreateSession() error {
	self.stateLock.Lock()
	if self.session != nil && self.session.IsActive {
		self.stateLock.Unlock()
		return ErrSessionActive
	}
	self.stateLock.Unlock()

	session, err := self.backend.CreateSessionSync(self.gigId, self.userId)
	if err != nil {
		return err
	}
	if _, err := self.backend.JoinSessionSync(session.Id, self.userId); err != nil {
		return err
	}

	self.stateLock.Lock()
	self.session = session
	self.joined = true
	self.state = SessionStateLeader
	self.participantUserIds[self.userId] = true
	self.stateLock.Unlock()

	self.notifyStateChange()
	return nil
}

// JoinSession joins the gig's existing session as a follower (or resumes
// leadership if the session row already names the local user as leader)
func (self *SessionCoordinator) JoinSession() error {
	self.stateLock.Lock()
	session := self.session
	self.stateLock.Unlock()

	if session == nil {
		found, err := self.backend.GetActiveSessionSync(self.gigId)
		if err != nil {
			return err
		}
		if found == nil {
			return ErrNoSession
		}
		session = found
	}

	if _, err := self.backend.JoinSessionSync(session.Id, self.userId); err != nil {
		return err
	}

	self.stateLock.Lock()
	self.session = session
	self.joined = true
	if session.LeaderId == self.userId {
		self.state = SessionStateLeader
	} else {
		self.state = SessionStateFollower
	}
	self.participantUserIds[self.userId] = true
	self.stateLock.Unlock()

	self.notifyStateChange()
	return nil
}

// AdvanceTo moves the session to a set and song position. leader only.
func (self *SessionCoordinator) AdvanceTo(setIndex int, songIndex int) error {
	return self.updateState(&SessionStateUpdate{
		CurrentSetIndex:  &setIndex,
		CurrentSongIndex: &songIndex,
	})
}

// SetAdhocSong shows a song outside the setlist sequence; clearing it
// returns to the prior position
func (self *SessionCoordinator) SetAdhocSong(songId string) error {
	return self.updateState(&SessionStateUpdate{
		AdhocSongId: &songId,
	})
}

func (self *SessionCoordinator) ClearAdhocSong() error {
	return self.updateState(&SessionStateUpdate{
		ClearAdhocSong: true,
	})
}

func (self *SessionCoordinator) SetOnBreak(onBreak bool) error {
	return self.updateState(&SessionStateUpdate{
		IsOnBreak: &onBreak,
	})
}

func (self *SessionCoordinator) updateState(update *SessionStateUpdate) error {
	self.stateLock.Lock()
	if self.session == nil {
		self.stateLock.Unlock()
		return ErrNoSession
	}
	if self.session.LeaderId != self.userId {
		self.stateLock.Unlock()
		return ErrNotLeader
	}
	update.SessionId = self.session.Id
	self.stateLock.Unlock()

	if err := self.backend.UpdateSessionStateSync(update); err != nil {
		return err
	}

	// apply locally; the realtime echo is idempotent over this
	self.stateLock.Lock()
	if self.session != nil && self.session.Id == update.SessionId {
		next := *self.session
		if update.CurrentSetIndex != nil {
			next.CurrentSetIndex = *update.CurrentSetIndex
		}
		if update.CurrentSongIndex != nil {
			next.CurrentSongIndex = *update.CurrentSongIndex
		}
		if update.AdhocSongId != nil {
			next.AdhocSongId = update.AdhocSongId
		}
		if update.ClearAdhocSong {
			next.AdhocSongId = nil
		}
		if update.IsOnBreak != nil {
			next.IsOnBreak = *update.IsOnBreak
		}
		self.session = &next
	}
	self.stateLock.Unlock()

	self.notifyStateChange()
	return nil
}

// RequestLeadership asks the current leader to hand over. if the leader's
// heartbeat is stale the request is bypassed entirely and leadership is
// reassigned directly: a liveness failover, not requiring the absent
// leader's consent.
func (self *SessionCoordinator) RequestLeadership() error {
	self.stateLock.Lock()
	if self.session == nil || !self.joined {
		self.stateLock.Unlock()
		return ErrNoSession
	}
	if self.session.LeaderId == self.userId {
		self.stateLock.Unlock()
		return nil
	}
	session := self.session
	pendingRequest := self.pendingRequest
	pendingRequestTime := self.pendingRequestTime
	self.stateLock.Unlock()

	if leaderStale(session.LastHeartbeat, self.settings.LeaderStaleTimeout) {
		glog.Infof("[session]leader stale, taking over %s\n", session.Id)
		if err := self.backend.TransferLeadershipSync(session.Id, self.userId); err != nil {
			return err
		}
		self.stateLock.Lock()
		if self.session != nil && self.session.Id == session.Id {
			next := *self.session
			next.LeaderId = self.userId
			self.session = &next
			self.state = SessionStateLeader
			self.pendingRequest = nil
		}
		self.stateLock.Unlock()
		self.notifyStateChange()
		return nil
	}

	if pendingRequest != nil && pendingRequest.Status == LeadershipRequestPending {
		if time.Now().Sub(pendingRequestTime) < self.settings.LeadershipRequestTimeout {
			return ErrRequestPending
		}
		// the old request went unanswered; ask again
	}

	request, err := self.backend.CreateLeadershipRequestSync(session.Id, self.userId)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.pendingRequest = request
	self.pendingRequestTime = time.Now()
	self.stateLock.Unlock()
	return nil
}

// ResolveLeadershipRequest approves or denies a follower's request.
// approval transfers leader_id to the requester on the backend; the state
// flip arrives through the session row update.
func (self *SessionCoordinator) ResolveLeadershipRequest(requestId string, approve bool) error {
	self.stateLock.Lock()
	if self.session == nil {
		self.stateLock.Unlock()
		return ErrNoSession
	}
	if self.session.LeaderId != self.userId {
		self.stateLock.Unlock()
		return ErrNotLeader
	}
	self.stateLock.Unlock()

	return self.backend.ResolveLeadershipRequestSync(requestId, approve)
}

// End deactivates the session for everyone. leader only.
func (self *SessionCoordinator) End() error {
	self.stateLock.Lock()
	if self.session == nil {
		self.stateLock.Unlock()
		return ErrNoSession
	}
	if self.session.LeaderId != self.userId {
		self.stateLock.Unlock()
		return ErrNotLeader
	}
	sessionId := self.session.Id
	self.stateLock.Unlock()

	if err := self.backend.EndSessionSync(sessionId); err != nil {
		return err
	}

	self.stateLock.Lock()
	if self.session != nil && self.session.Id == sessionId {
		next := *self.session
		next.IsActive = false
		self.session = &next
		self.state = SessionStateEnded
	}
	self.stateLock.Unlock()

	self.notifyStateChange()
	return nil
}

// ProcessRealtimeEvent ingests one push notification for the session,
// participant, or leadership-request tables
func (self *SessionCoordinator) ProcessRealtimeEvent(event *ChangeEvent) {
	switch event.Table {
	case "gig_sessions":
		self.processSessionEvent(event)
	case "gig_session_participants":
		self.processParticipantEvent(event)
	case "leadership_requests":
		self.processLeadershipRequestEvent(event)
	}
}

func (self *SessionCoordinator) processSessionEvent(event *ChangeEvent) {
	if event.EventType == ChangeEventDelete {
		// a deleted session row is an end-of-session signal, distinct from
		// a state update
		meta := &Meta{}
		if err := json.Unmarshal(event.Old, meta); err != nil {
			return
		}
		self.stateLock.Lock()
		if self.session == nil || self.session.Id != meta.Id {
			self.stateLock.Unlock()
			return
		}
		self.session = nil
		if self.joined {
			self.state = SessionStateEnded
		} else {
			self.state = SessionStateNone
		}
		self.stateLock.Unlock()
		glog.Infof("[session]ended (deleted) %s\n", meta.Id)
		self.notifyStateChange()
		return
	}

	session := &GigSession{}
	if err := json.Unmarshal(event.New, session); err != nil {
		glog.Infof("[session]decode error = %s\n", err)
		return
	}
	if session.GigId != self.gigId {
		return
	}

	self.stateLock.Lock()
	self.session = session
	if !session.IsActive {
		if self.joined {
			self.state = SessionStateEnded
		} else {
			self.state = SessionStateNone
		}
	} else if self.joined {
		// followers apply the leader's state verbatim; only the role is
		// computed locally
		if session.LeaderId == self.userId {
			self.state = SessionStateLeader
			self.pendingRequest = nil
		} else {
			self.state = SessionStateFollower
		}
	}
	self.stateLock.Unlock()

	self.notifyStateChange()
}

func (self *SessionCoordinator) processParticipantEvent(event *ChangeEvent) {
	// no reliable way to patch the joined profile relation from the raw
	// event; re-fetch the list and diff ids
	self.refreshParticipants(true)
}

func (self *SessionCoordinator) refreshParticipants(notifyJoins bool) {
	self.stateLock.Lock()
	if self.session == nil {
		self.stateLock.Unlock()
		return
	}
	sessionId := self.session.Id
	self.stateLock.Unlock()

	participants, err := self.backend.SessionParticipantsSync(sessionId)
	if err != nil {
		glog.Infof("[session]participants error = %s\n", err)
		return
	}

	joinedParticipants := []*GigSessionParticipant{}
	self.stateLock.Lock()
	nextUserIds := map[string]bool{}
	for _, participant := range participants {
		nextUserIds[participant.UserId] = true
		if !self.participantUserIds[participant.UserId] && participant.UserId != self.userId {
			joinedParticipants = append(joinedParticipants, participant)
		}
	}
	self.participantUserIds = nextUserIds
	self.participants = participants
	self.stateLock.Unlock()

	if notifyJoins {
		for _, participant := range joinedParticipants {
			for _, callback := range self.participantJoinCallbacks.Get() {
				callback(participant)
			}
		}
	}
}

func (self *SessionCoordinator) processLeadershipRequestEvent(event *ChangeEvent) {
	request := &LeadershipRequest{}
	if err := json.Unmarshal(event.New, request); err != nil {
		return
	}

	self.stateLock.Lock()
	session := self.session
	pendingRequest := self.pendingRequest
	self.stateLock.Unlock()

	if session == nil || request.SessionId != session.Id {
		return
	}

	// resolution of our own outgoing request
	if pendingRequest != nil && request.Id == pendingRequest.Id {
		self.stateLock.Lock()
		if request.Status == LeadershipRequestPending {
			self.pendingRequest = request
		} else {
			// approved arrives through the session row; denied just clears
			self.pendingRequest = nil
		}
		self.stateLock.Unlock()
		return
	}

	// incoming request for the current leader to resolve
	if event.EventType == ChangeEventInsert &&
		session.LeaderId == self.userId &&
		request.Status == LeadershipRequestPending {
		for _, callback := range self.leadershipRequestCallbacks.Get() {
			callback(request)
		}
	}
}

// the active participant pings the session row while the session lives
func (self *SessionCoordinator) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatTimeout):
		}

		self.stateLock.Lock()
		session := self.session
		joined := self.joined
		self.stateLock.Unlock()

		if session == nil || !joined || !session.IsActive {
			continue
		}
		isLeader := session.LeaderId == self.userId
		if err := self.backend.SendHeartbeatSync(session.Id, self.userId, isLeader); err != nil {
			glog.Infof("[session]heartbeat error = %s\n", err)
		}
	}
}

func (self *SessionCoordinator) notifyStateChange() {
	self.stateLock.Lock()
	state := self.state
	session := self.session
	self.stateLock.Unlock()

	for _, callback := range self.stateChangeCallbacks.Get() {
		callback(state, session)
	}
}

func (self *SessionCoordinator) AddStateChangeCallback(stateChangeCallback SessionChangeFunction) func() {
	callbackId := self.stateChangeCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}

func (self *SessionCoordinator) AddParticipantJoinCallback(participantJoinCallback ParticipantJoinFunction) func() {
	callbackId := self.participantJoinCallbacks.Add(participantJoinCallback)
	return func() {
		self.participantJoinCallbacks.Remove(callbackId)
	}
}

func (self *SessionCoordinator) AddLeadershipRequestCallback(leadershipRequestCallback LeadershipRequestFunction) func() {
	callbackId := self.leadershipRequestCallbacks.Add(leadershipRequestCallback)
	return func() {
		self.leadershipRequestCallbacks.Remove(callbackId)
	}
}

func (self *SessionCoordinator) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *SessionCoordinator) ActiveSession() *GigSession {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.session
}

func (self *SessionCoordinator) Participants() []*GigSessionParticipant {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	participants := make([]*GigSessionParticipant, len(self.participants))
	copy(participants, self.participants)
	return participants
}

func (self *SessionCoordinator) IsLeader() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.session != nil && self.session.LeaderId == self.userId
}

func (self *SessionCoordinator) UserId() string {
	return self.userId
}

func (self *SessionCoordinator) Close() {
	if self.unsubscribe != nil {
		self.unsubscribe()
	}
	self.cancel()
}

func leaderStale(lastHeartbeat string, staleTimeout time.Duration) bool {
	if lastHeartbeat == "" {
		return true
	}
	heartbeatTime, err := time.Parse(time.RFC3339, lastHeartbeat)
	if err != nil {
		return true
	}
	return staleTimeout < time.Now().Sub(heartbeatTime)
}
