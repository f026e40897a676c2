// Package ota pushes firmware image to one device over MQTT in hex chunks.
// Device reports progress and failed chunk indices asynchronously,
// failed chunks are resent in additional passes.
package ota

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/temoto/ota-push/helpers"
	"github.com/temoto/ota-push/helpers/atomic_clock"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateTransferring
	StateAwaitingCompletion
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateTransferring:
		return "transferring"
	case StateAwaitingCompletion:
		return "awaiting-completion"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Topics struct {
	Command  string
	Data     string
	Status   string
	Progress string
}

func NewTopics(namespace, deviceId string) Topics {
	prefix := fmt.Sprintf("%s/%s/ota/", namespace, deviceId)
	return Topics{
		Command:  prefix + "command",
		Data:     prefix + "data",
		Status:   prefix + "status",
		Progress: prefix + "progress",
	}
}

// Snapshot is read-only copy for progress display.
type Snapshot struct {
	DeviceId     string
	State        State
	Progress     int
	CurrentChunk int
	TotalChunks  int
	FailedCount  int
	RetryCount   int
}

// Session is state of single update attempt, shared between
// updater goroutine and transport delivery goroutine.
type Session struct {
	DeviceId string
	Topics   Topics

	mu           sync.Mutex
	state        State
	currentChunk int
	totalChunks  int
	failed       map[int]struct{}
	progress     int
	retryCount   int
	maxRetries   int

	complete    *helpers.Future
	lastMessage atomic_clock.Clock
}

func NewSession(deviceId string, topics Topics, maxRetries int) *Session {
	return &Session{
		DeviceId:   deviceId,
		Topics:     topics,
		state:      StateDisconnected,
		failed:     make(map[int]struct{}),
		maxRetries: maxRetries,
		complete:   helpers.NewFuture(),
	}
}

func (self *Session) State() State {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

func (self *Session) setState(s State) {
	self.mu.Lock()
	self.state = s
	self.mu.Unlock()
}

// begin fixes total chunks for the rest of session.
func (self *Session) begin(total int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.state = StateTransferring
	self.totalChunks = total
	self.currentChunk = 0
}

func (self *Session) setCurrent(i int) {
	self.mu.Lock()
	self.currentChunk = i
	self.mu.Unlock()
}

// addFailed returns false for index outside [0,total).
func (self *Session) addFailed(i int) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	if i < 0 || i >= self.totalChunks {
		return false
	}
	self.failed[i] = struct{}{}
	return true
}

// FailedChunks returns sorted indices pending retransmission.
func (self *Session) FailedChunks() []int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return sortedKeys(self.failed)
}

func (self *Session) setProgress(p int) {
	self.mu.Lock()
	self.progress = p
	self.mu.Unlock()
}

// retried consumes one retry, returns new count and whether another pass is allowed.
func (self *Session) retried() (int, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.retryCount < self.maxRetries {
		self.retryCount++
	}
	return self.retryCount, self.retryCount < self.maxRetries
}

// markComplete returns true only for first call.
func (self *Session) markComplete() bool {
	return self.complete.Complete(true)
}

func (self *Session) Complete() bool {
	done, _ := self.complete.Result().(bool)
	return done
}

func (self *Session) CompleteChan() <-chan struct{} { return self.complete.Completed() }

func (self *Session) touch() { self.lastMessage.SetNow() }

// SinceLastMessage returns 0 if device never sent anything.
func (self *Session) SinceLastMessage() time.Duration {
	if self.lastMessage.IsZero() {
		return 0
	}
	return atomic_clock.Since(&self.lastMessage)
}

func (self *Session) Snapshot() Snapshot {
	self.mu.Lock()
	defer self.mu.Unlock()
	return Snapshot{
		DeviceId:     self.DeviceId,
		State:        self.state,
		Progress:     self.progress,
		CurrentChunk: self.currentChunk,
		TotalChunks:  self.totalChunks,
		FailedCount:  len(self.failed),
		RetryCount:   self.retryCount,
	}
}

func sortedKeys(m map[int]struct{}) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
