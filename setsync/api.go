package setsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// DeltaSource is the read contract syncDeltas consumes: rows newer than a
// cursor in ascending version order, and the backend's current global
// version counter.
type DeltaSource interface {
	TableDeltasSync(table Table, afterVersion int64) ([]json.RawMessage, error)
	GlobalVersionSync() (int64, error)
}

// SessionBackend is the session mutation contract the coordinator consumes
type SessionBackend interface {
	GetActiveSessionSync(gigId string) (*GigSession, error)
	CreateSessionSync(gigId string, leaderId string) (*GigSession, error)
	JoinSessionSync(sessionId string, userId string) (*GigSessionParticipant, error)
	SessionParticipantsSync(sessionId string) ([]*GigSessionParticipant, error)
	UpdateSessionStateSync(update *SessionStateUpdate) error
	SendHeartbeatSync(sessionId string, userId string, isLeader bool) error
	EndSessionSync(sessionId string) error
	CreateLeadershipRequestSync(sessionId string, requesterId string) (*LeadershipRequest, error)
	ResolveLeadershipRequestSync(requestId string, approve bool) error
	TransferLeadershipSync(sessionId string, newLeaderId string) error
}

// a different active session already exists for the gig
var ErrSessionActive = errors.New("an active session already exists for this gig")

type SetlistApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewSetlistApi(apiUrl string) *SetlistApi {
	return NewSetlistApiWithContext(context.Background(), apiUrl)
}

func NewSetlistApiWithContext(ctx context.Context, apiUrl string) *SetlistApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &SetlistApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *SetlistApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type AuthLoginWithPasswordCallback apiCallback[*AuthLoginWithPasswordResult]

type AuthLoginWithPasswordArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginWithPasswordResult struct {
	ByJwt string                            `json:"by_jwt,omitempty"`
	Error *AuthLoginWithPasswordResultError `json:"error,omitempty"`
}

type AuthLoginWithPasswordResultError struct {
	Message string `json:"message"`
}

func (self *SetlistApi) AuthLoginWithPassword(authLoginWithPassword *AuthLoginWithPasswordArgs, callback AuthLoginWithPasswordCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login-with-password", self.apiUrl),
		authLoginWithPassword,
		self.byJwt,
		&AuthLoginWithPasswordResult{},
		callback,
	)
}

type GlobalVersionResult struct {
	Version int64 `json:"version"`
}

func (self *SetlistApi) GlobalVersionSync() (int64, error) {
	result, err := get(
		self.ctx,
		fmt.Sprintf("%s/sync/version", self.apiUrl),
		self.byJwt,
		&GlobalVersionResult{},
		NewNoopApiCallback[*GlobalVersionResult](),
	)
	if err != nil {
		return 0, err
	}
	return result.Version, nil
}

type TableDeltasResult struct {
	Rows []json.RawMessage `json:"rows"`
}

// rows with version > afterVersion, ascending by version. the ordering is
// the backend's; the store relies on it.
func (self *SetlistApi) TableDeltasSync(table Table, afterVersion int64) ([]json.RawMessage, error) {
	result, err := get(
		self.ctx,
		fmt.Sprintf(
			"%s/sync/deltas?table=%s&after_version=%d",
			self.apiUrl,
			url.QueryEscape(table.String()),
			afterVersion,
		),
		self.byJwt,
		&TableDeltasResult{},
		NewNoopApiCallback[*TableDeltasResult](),
	)
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}

type ActiveSessionResult struct {
	Session *GigSession `json:"session,omitempty"`
}

func (self *SetlistApi) GetActiveSessionSync(gigId string) (*GigSession, error) {
	result, err := get(
		self.ctx,
		fmt.Sprintf("%s/session/active?gig_id=%s", self.apiUrl, url.QueryEscape(gigId)),
		self.byJwt,
		&ActiveSessionResult{},
		NewNoopApiCallback[*ActiveSessionResult](),
	)
	if err != nil {
		return nil, err
	}
	return result.Session, nil
}

type CreateSessionArgs struct {
	GigId    string `json:"gig_id"`
	LeaderId string `json:"leader_id"`
}

type CreateSessionResult struct {
	Session *GigSession         `json:"session,omitempty"`
	Error   *CreateSessionError `json:"error,omitempty"`
}

type CreateSessionError struct {
	AlreadyActive bool   `json:"already_active,omitempty"`
	Message       string `json:"message"`
}

func (self *SetlistApi) CreateSessionSync(gigId string, leaderId string) (*GigSession, error) {
	result, err := post(
		self.ctx,
		fmt.Sprintf("%s/session/create", self.apiUrl),
		&CreateSessionArgs{
			GigId:    gigId,
			LeaderId: leaderId,
		},
		self.byJwt,
		&CreateSessionResult{},
		NewNoopApiCallback[*CreateSessionResult](),
	)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		if result.Error.AlreadyActive {
			return nil, ErrSessionActive
		}
		return nil, errors.New(result.Error.Message)
	}
	return result.Session, nil
}

type JoinSessionArgs struct {
	SessionId string `json:"session_id"`
	UserId    string `json:"user_id"`
}

type JoinSessionResult struct {
	Participant *GigSessionParticipant `json:"participant,omitempty"`
}

func (self *SetlistApi) JoinSessionSync(sessionId string, userId string) (*GigSessionParticipant, error) {
	result, err := post(
		self.ctx,
		fmt.Sprintf("%s/session/join", self.apiUrl),
		&JoinSessionArgs{
			SessionId: sessionId,
			UserId:    userId,
		},
		self.byJwt,
		&JoinSessionResult{},
		NewNoopApiCallback[*JoinSessionResult](),
	)
	if err != nil {
		return nil, err
	}
	return result.Participant, nil
}

type SessionParticipantsResult struct {
	Participants []*GigSessionParticipant `json:"participants"`
}

func (self *SetlistApi) SessionParticipantsSync(sessionId string) ([]*GigSessionParticipant, error) {
	result, err := get(
		self.ctx,
		fmt.Sprintf("%s/session/participants?session_id=%s", self.apiUrl, url.QueryEscape(sessionId)),
		self.byJwt,
		&SessionParticipantsResult{},
		NewNoopApiCallback[*SessionParticipantsResult](),
	)
	if err != nil {
		return nil, err
	}
	return result.Participants, nil
}

// partial session-row update. nil fields are left untouched by the backend.
// ClearAdhocSong distinguishes "set adhoc_song_id to null" from "leave it".
type SessionStateUpdate struct {
	SessionId        string  `json:"session_id"`
	CurrentSetIndex  *int    `json:"current_set_index,omitempty"`
	CurrentSongIndex *int    `json:"current_song_index,omitempty"`
	AdhocSongId      *string `json:"adhoc_song_id,omitempty"`
	ClearAdhocSong   bool    `json:"clear_adhoc_song,omitempty"`
	IsOnBreak        *bool   `json:"is_on_break,omitempty"`
}

type UpdateSessionStateResult struct {
}

func (self *SetlistApi) UpdateSessionStateSync(update *SessionStateUpdate) error {
	_, err := post(
		self.ctx,
		fmt.Sprintf("%s/session/state", self.apiUrl),
		update,
		self.byJwt,
		&UpdateSessionStateResult{},
		NewNoopApiCallback[*UpdateSessionStateResult](),
	)
	return err
}

type HeartbeatArgs struct {
	SessionId string `json:"session_id"`
	UserId    string `json:"user_id"`
	IsLeader  bool   `json:"is_leader"`
}

type HeartbeatResult struct {
}

func (self *SetlistApi) SendHeartbeatSync(sessionId string, userId string, isLeader bool) error {
	_, err := post(
		self.ctx,
		fmt.Sprintf("%s/session/heartbeat", self.apiUrl),
		&HeartbeatArgs{
			SessionId: sessionId,
			UserId:    userId,
			IsLeader:  isLeader,
		},
		self.byJwt,
		&HeartbeatResult{},
		NewNoopApiCallback[*HeartbeatResult](),
	)
	return err
}

type EndSessionArgs struct {
	SessionId string `json:"session_id"`
}

type EndSessionResult struct {
}

func (self *SetlistApi) EndSessionSync(sessionId string) error {
	_, err := post(
		self.ctx,
		fmt.Sprintf("%s/session/end", self.apiUrl),
		&EndSessionArgs{
			SessionId: sessionId,
		},
		self.byJwt,
		&EndSessionResult{},
		NewNoopApiCallback[*EndSessionResult](),
	)
	return err
}

type CreateLeadershipRequestArgs struct {
	SessionId   string `json:"session_id"`
	RequesterId string `json:"requester_id"`
}

type CreateLeadershipRequestResult struct {
	Request *LeadershipRequest `json:"request,omitempty"`
}

func (self *SetlistApi) CreateLeadershipRequestSync(sessionId string, requesterId string) (*LeadershipRequest, error) {
	result, err := post(
		self.ctx,
		fmt.Sprintf("%s/session/leadership-request", self.apiUrl),
		&CreateLeadershipRequestArgs{
			SessionId:   sessionId,
			RequesterId: requesterId,
		},
		self.byJwt,
		&CreateLeadershipRequestResult{},
		NewNoopApiCallback[*CreateLeadershipRequestResult](),
	)
	if err != nil {
		return nil, err
	}
	return result.Request, nil
}

type ResolveLeadershipRequestArgs struct {
	RequestId string `json:"request_id"`
	Approve   bool   `json:"approve"`
}

type ResolveLeadershipRequestResult struct {
}

func (self *SetlistApi) ResolveLeadershipRequestSync(requestId string, approve bool) error {
	_, err := post(
		self.ctx,
		fmt.Sprintf("%s/session/leadership-resolve", self.apiUrl),
		&ResolveLeadershipRequestArgs{
			RequestId: requestId,
			Approve:   approve,
		},
		self.byJwt,
		&ResolveLeadershipRequestResult{},
		NewNoopApiCallback[*ResolveLeadershipRequestResult](),
	)
	return err
}

type TransferLeadershipArgs struct {
	SessionId   string `json:"session_id"`
	NewLeaderId string `json:"new_leader_id"`
}

type TransferLeadershipResult struct {
}

// direct leader_id reassignment, used by the liveness-based takeover path
func (self *SetlistApi) TransferLeadershipSync(sessionId string, newLeaderId string) error {
	_, err := post(
		self.ctx,
		fmt.Sprintf("%s/session/leadership-transfer", self.apiUrl),
		&TransferLeadershipArgs{
			SessionId:   sessionId,
			NewLeaderId: newLeaderId,
		},
		self.byJwt,
		&TransferLeadershipResult{},
		NewNoopApiCallback[*TransferLeadershipResult](),
	)
	return err
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
