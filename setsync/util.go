package setsync

import (
	"sync"
	"time"
)

// Monitor coalesces change notifications. readers take the current notify
// channel and wait on it; NotifyAll closes that channel and swaps in a new
// one, so every waiting reader wakes exactly once per batch of changes.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex   sync.Mutex
	entries []*callbackListEntry[T]
}

type callbackListEntry[T any] struct {
	callbackId Id
	callback   T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []*callbackListEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := &callbackListEntry[T]{
		callbackId: NewId(),
		callback:   callback,
	}
	nextEntries := make([]*callbackListEntry[T], len(self.entries), len(self.entries)+1)
	copy(nextEntries, self.entries)
	self.entries = append(nextEntries, entry)
	return entry.callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := -1
	for j, entry := range self.entries {
		if entry.callbackId == callbackId {
			i = j
			break
		}
	}
	if i < 0 {
		// not present
		return
	}
	nextEntries := make([]*callbackListEntry[T], 0, len(self.entries)-1)
	nextEntries = append(nextEntries, self.entries[0:i]...)
	nextEntries = append(nextEntries, self.entries[i+1:]...)
	self.entries = nextEntries
}

// fixed backoff before the next connect attempt
type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Now().Sub(self.start)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}
