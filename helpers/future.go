package helpers

import (
	"sync"
)

// Future is one-shot result with channel notification,
// so waiter can combine it with timers and context in select.
// Similar to 256dpi/gomqtt client/future, which keeps its channels private.
type Future struct {
	mu        sync.Mutex
	result    interface{}
	completed chan struct{}
	done      bool
}

func NewFuture() *Future {
	return &Future{completed: make(chan struct{})}
}

func (self *Future) Completed() <-chan struct{} { return self.completed }

// Complete stores result and returns true only for first call.
func (self *Future) Complete(result interface{}) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.done {
		return false
	}
	self.result = result
	self.done = true
	close(self.completed)
	return true
}

// Result is nil until completed.
func (self *Future) Result() interface{} {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.result
}
