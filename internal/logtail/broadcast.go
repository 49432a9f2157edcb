package logtail

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds the number of undelivered lines held for one
// subscriber. Lines published while the queue is full are dropped for that
// subscriber only.
const DefaultQueueSize = 256

// Subscription is a live-tail handle. Lines arrive on Lines() until the
// subscription is closed by the caller or completed by the publisher.
// Close must be called when the caller is done; it is idempotent.
type Subscription struct {
	ch      chan string
	done    chan struct{}
	closed  bool // guarded by owner.mu
	dropped atomic.Uint64
	owner   *Broadcaster
}

// Lines returns the delivery channel. It is closed on completion.
func (s *Subscription) Lines() <-chan string { return s.ch }

// Done is closed once the subscription has been closed or completed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns how many lines were skipped because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close removes the subscription from its broadcaster.
func (s *Subscription) Close() {
	s.owner.remove(s)
}

// Broadcaster fans each published line out to every current subscriber.
// Publishing never blocks on a slow subscriber.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	queueSize int
	completed bool
}

// NewBroadcaster returns a Broadcaster whose subscribers buffer up to
// queueSize lines. A non-positive size falls back to DefaultQueueSize.
func NewBroadcaster(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{subs: make(map[*Subscription]struct{}), queueSize: queueSize}
}

// Subscribe registers a new subscriber. It returns false once the
// broadcaster has been completed.
func (b *Broadcaster) Subscribe() (*Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.completed {
		return nil, false
	}
	s := &Subscription{
		ch:    make(chan string, b.queueSize),
		done:  make(chan struct{}),
		owner: b,
	}
	b.subs[s] = struct{}{}
	return s, true
}

// Publish delivers line to every subscriber. A subscriber whose queue is
// full misses the line; dropped counts those.
func (b *Broadcaster) Publish(line string) (delivered, dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- line:
			delivered++
		default:
			s.dropped.Add(1)
			dropped++
		}
	}
	return delivered, dropped
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// CloseAll completes every subscriber and rejects future subscriptions.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = true
	for s := range b.subs {
		s.finish()
		delete(b.subs, s)
	}
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
	s.finish()
}

// finish must be called with owner.mu held for writing.
func (s *Subscription) finish() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}
