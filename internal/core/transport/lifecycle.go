package transport

import (
	"context"
	"sync"
)

// lifecycle tracks the run loop of a transport across Connect/Disconnect
// cycles. Each cycle gets its own events channel, closed when the loop exits;
// Events keeps returning that closed channel until the next Connect.
type lifecycle struct {
	mu        sync.Mutex
	buffer    int
	events    chan Event
	exhausted bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func newLifecycle(buffer int) *lifecycle {
	return &lifecycle{buffer: buffer, events: make(chan Event, buffer)}
}

func (l *lifecycle) Events() <-chan Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

// start reserves the loop slot and returns what the loop needs.
func (l *lifecycle) start(ctx context.Context) (context.Context, chan Event, chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil, nil, nil, ErrAlreadyConnected
	}
	if l.exhausted {
		l.events = make(chan Event, l.buffer)
		l.exhausted = false
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	return runCtx, l.events, l.done, nil
}

// stop cancels the running loop and returns a channel closed once it exited.
func (l *lifecycle) stop() (<-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return nil, ErrNotConnected
	}
	l.cancel()
	return l.done, nil
}

// finish is deferred by the loop. It frees the slot, whether the loop ended by
// Disconnect or by its parent context, then closes the cycle's channels. A
// reader that saw events closed may Connect again right away.
func (l *lifecycle) finish(events chan Event, done chan struct{}) {
	l.mu.Lock()
	if l.done == done {
		l.cancel()
		l.cancel = nil
		l.done = nil
		l.exhausted = true
	}
	l.mu.Unlock()

	close(events)
	close(done)
}
