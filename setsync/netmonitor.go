package setsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type NetworkMonitorSettings struct {
	// how often the realtime connection state is checked against the last
	// known platform connectivity signal
	HealthCheckTimeout time.Duration
}

func DefaultNetworkMonitorSettings() *NetworkMonitorSettings {
	return &NetworkMonitorSettings{
		HealthCheckTimeout: 5 * time.Second,
	}
}

// NetworkMonitor folds the platform connectivity signal and the realtime
// channel state into the store's online status, and fires a delta sync on
// every reconnect and foreground transition. the platform signal only says
// the interface is up; a subscribed realtime channel is the proof of
// actual reachability.
type NetworkMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    *SyncStore
	realtime *RealtimeClient

	settings *NetworkMonitorSettings

	stateLock          sync.Mutex
	networkUp          bool
	unsubscribeConnect func()
}

func NewNetworkMonitorWithDefaults(
	ctx context.Context,
	store *SyncStore,
	realtime *RealtimeClient,
) *NetworkMonitor {
	return NewNetworkMonitor(ctx, store, realtime, DefaultNetworkMonitorSettings())
}

func NewNetworkMonitor(
	ctx context.Context,
	store *SyncStore,
	realtime *RealtimeClient,
	settings *NetworkMonitorSettings,
) *NetworkMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	monitor := &NetworkMonitor{
		ctx:       cancelCtx,
		cancel:    cancel,
		store:     store,
		realtime:  realtime,
		settings:  settings,
		networkUp: true,
	}
	if realtime != nil {
		monitor.unsubscribeConnect = realtime.AddConnectCallback(func(connected bool) {
			monitor.realtimeConnect(connected)
		})
	}
	go monitor.run()
	return monitor
}

// the platform's binary online/offline signal
func (self *NetworkMonitor) SetConnected(connected bool) {
	self.stateLock.Lock()
	changed := self.networkUp != connected
	self.networkUp = connected
	self.stateLock.Unlock()

	if !changed {
		return
	}
	glog.Infof("[net]connected = %t\n", connected)
	self.store.SetOnlineStatus(connected)
	if connected {
		go self.store.SyncDeltas()
	}
}

// app foreground / visibility regain
func (self *NetworkMonitor) Foreground() {
	glog.V(2).Infof("[net]foreground\n")
	go self.store.SyncDeltas()
}

func (self *NetworkMonitor) IsOnline() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.networkUp
}

func (self *NetworkMonitor) realtimeConnect(connected bool) {
	if connected {
		// a live subscription is proof of reachability even if the
		// platform signal lagged
		self.stateLock.Lock()
		self.networkUp = true
		self.stateLock.Unlock()
		self.store.SetOnlineStatus(true)
		go self.store.SyncDeltas()
	}
	// a dropped channel alone is not proof of being offline; the platform
	// signal decides that
}

func (self *NetworkMonitor) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.HealthCheckTimeout):
		}

		self.stateLock.Lock()
		networkUp := self.networkUp
		self.stateLock.Unlock()

		if networkUp && self.realtime != nil && !self.realtime.IsConnected() {
			// the channel reconnects on its own; just record the
			// disagreement
			glog.V(2).Infof("[net]network up but realtime disconnected\n")
		}
	}
}

func (self *NetworkMonitor) Close() {
	if self.unsubscribeConnect != nil {
		self.unsubscribeConnect()
	}
	self.cancel()
}
