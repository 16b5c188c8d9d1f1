package setsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// row-level change notification pushed by the backend
type ChangeEventType string

const (
	ChangeEventInsert ChangeEventType = "INSERT"
	ChangeEventUpdate ChangeEventType = "UPDATE"
	ChangeEventDelete ChangeEventType = "DELETE"
)

type ChangeEvent struct {
	Table     string          `json:"table"`
	EventType ChangeEventType `json:"eventType"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

// a filter scopes a subscription to one table, optionally to rows where a
// column equals a value. an empty table matches all tracked tables.
type ChangeFilter struct {
	Table  string
	Column string
	Equals string
}

func (self *ChangeFilter) matches(event *ChangeEvent) bool {
	if self.Table != "" && self.Table != event.Table {
		return false
	}
	if self.Column == "" {
		return true
	}
	raw := event.New
	if len(raw) == 0 {
		raw = event.Old
	}
	if len(raw) == 0 {
		return false
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	value, ok := fields[self.Column]
	if !ok {
		return false
	}
	valueStr, ok := value.(string)
	if !ok {
		valueStr = fmt.Sprintf("%v", value)
	}
	return valueStr == self.Equals
}

type ChangeFunction func(event *ChangeEvent)

// (connected)
type ConnectFunction func(connected bool)

type RealtimeClientSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultRealtimeClientSettings() *RealtimeClientSettings {
	return &RealtimeClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type ClientAuth struct {
	ByJwt      string `json:"by_jwt"`
	InstanceId Id     `json:"instance_id"`
	AppVersion string `json:"app_version"`
}

type realtimeSubscription struct {
	filters  []*ChangeFilter
	callback ChangeFunction
}

// RealtimeClient holds the one persistent push subscription for the
// process. it reconnects on its own; consumers register callbacks once and
// observe connection state through AddConnectCallback.
type RealtimeClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	realtimeUrl string
	auth        *ClientAuth

	settings *RealtimeClientSettings

	stateLock     sync.Mutex
	subscriptions map[Id]*realtimeSubscription
	connected     bool

	connectCallbacks *CallbackList[ConnectFunction]
}

func NewRealtimeClientWithDefaults(
	ctx context.Context,
	realtimeUrl string,
	auth *ClientAuth,
) *RealtimeClient {
	return NewRealtimeClient(ctx, realtimeUrl, auth, DefaultRealtimeClientSettings())
}

func NewRealtimeClient(
	ctx context.Context,
	realtimeUrl string,
	auth *ClientAuth,
	settings *RealtimeClientSettings,
) *RealtimeClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &RealtimeClient{
		ctx:              cancelCtx,
		cancel:           cancel,
		realtimeUrl:      realtimeUrl,
		auth:             auth,
		settings:         settings,
		subscriptions:    map[Id]*realtimeSubscription{},
		connectCallbacks: NewCallbackList[ConnectFunction](),
	}
	go client.run()
	return client
}

// Subscribe registers a callback for events matching any of the filters.
// events that arrive while disconnected are simply missed; the sync store's
// gap detection is what recovers them.
func (self *RealtimeClient) Subscribe(filters []*ChangeFilter, callback ChangeFunction) func() {
	subscriptionId := NewId()

	self.stateLock.Lock()
	self.subscriptions[subscriptionId] = &realtimeSubscription{
		filters:  filters,
		callback: callback,
	}
	self.stateLock.Unlock()

	return func() {
		self.stateLock.Lock()
		delete(self.subscriptions, subscriptionId)
		self.stateLock.Unlock()
	}
}

func (self *RealtimeClient) AddConnectCallback(connectCallback ConnectFunction) func() {
	callbackId := self.connectCallbacks.Add(connectCallback)
	return func() {
		self.connectCallbacks.Remove(callbackId)
	}
}

func (self *RealtimeClient) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *RealtimeClient) setConnected(connected bool) {
	self.stateLock.Lock()
	changed := self.connected != connected
	self.connected = connected
	self.stateLock.Unlock()

	if changed {
		for _, callback := range self.connectCallbacks.Get() {
			callback(connected)
		}
	}
}

func (self *RealtimeClient) dispatch(event *ChangeEvent) {
	self.stateLock.Lock()
	callbacks := []ChangeFunction{}
	for _, subscription := range self.subscriptions {
		for _, filter := range subscription.filters {
			if filter.matches(event) {
				callbacks = append(callbacks, subscription.callback)
				break
			}
		}
	}
	self.stateLock.Unlock()

	for _, callback := range callbacks {
		callback(event)
	}
}

func (self *RealtimeClient) run() {
	defer self.cancel()

	authBytes, err := json.Marshal(self.auth)
	if err != nil {
		return
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.realtimeUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.TextMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[rt]auth error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			self.setConnected(true)
			defer self.setConnected(false)

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							// a deadline timeout on websocket cannot be recovered
							return
						}
					}
				}
			}()

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				messageType, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[rt]<- error = %s\n", err)
					return
				}
				if messageType != websocket.TextMessage || len(message) == 0 {
					// ping or frame we do not interpret
					continue
				}

				event := &ChangeEvent{}
				if err := json.Unmarshal(message, event); err != nil {
					glog.Infof("[rt]<- decode error = %s\n", err)
					continue
				}
				glog.V(2).Infof("[rt]<-%s %s\n", event.Table, event.EventType)
				self.dispatch(event)
			}
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *RealtimeClient) Close() {
	self.cancel()
}
