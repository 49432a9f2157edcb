// Package logtail keeps the recent output of a worker in memory and fans
// new lines out to live subscribers.
package logtail

import (
	"context"
	"sync"
)

// Tail pairs a Buffer with a Broadcaster so that a new subscriber can
// receive the retained lines followed by every later line with no gap and
// no duplicate.
type Tail struct {
	mu     sync.Mutex // serialises Write against Subscribe
	buf    *Buffer
	bc     *Broadcaster
	closed bool
}

// New returns a Tail retaining capacity lines.
func New(capacity, queueSize int) *Tail {
	return &Tail{buf: NewBuffer(capacity), bc: NewBroadcaster(queueSize)}
}

// Write appends line to the buffer and publishes it. It returns the number
// of subscribers that missed the line. Writes after Close are discarded.
func (t *Tail) Write(line string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0
	}
	t.buf.Append(line)
	_, dropped := t.bc.Publish(line)
	return dropped
}

// Snapshot returns the retained lines without blocking the writer for
// longer than a copy.
func (t *Tail) Snapshot() []string { return t.buf.Snapshot() }

// Subscribe registers a subscriber and returns it with the lines retained
// at the moment of registration. ok is false once the tail is closed.
func (t *Tail) Subscribe() (sub *Subscription, backlog []string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok = t.bc.Subscribe()
	if !ok {
		return nil, nil, false
	}
	return sub, t.buf.Snapshot(), true
}

// SubscribeContext is Subscribe with the subscription closed automatically
// when ctx is done.
func (t *Tail) SubscribeContext(ctx context.Context) (*Subscription, []string, bool) {
	sub, backlog, ok := t.Subscribe()
	if !ok {
		return nil, nil, false
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub, backlog, true
}

// Subscribers returns the number of live subscribers.
func (t *Tail) Subscribers() int { return t.bc.Len() }

// Close completes all subscribers and discards the retained lines.
func (t *Tail) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.bc.CloseAll()
	t.buf.Reset()
}
