package lifecycle

import (
	"context"
	"errors"
	"sync"
)

// DefaultBufferSize is the per-subscriber queue capacity
const DefaultBufferSize = 16

var ErrClosed = errors.New("lifecycle: subscription closed")

// Emitter fans events out to subscribers. There is one producer; Emit never
// blocks. When a subscriber's buffer is full its oldest queued event is
// dropped to make room.
type Emitter struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	latest  Event
	emitted bool
	closed  bool
	bufSize int
}

// NewEmitter creates an emitter whose subscriptions buffer bufSize events.
// bufSize <= 0 selects DefaultBufferSize.
func NewEmitter(bufSize int) *Emitter {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Emitter{
		subs:    make(map[*Subscription]struct{}),
		bufSize: bufSize,
	}
}

// Emit publishes ev to every subscriber
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.latest = ev
	e.emitted = true

	for s := range e.subs {
		s.push(ev)
	}
}

// Latest returns the most recent event, if any was emitted
func (e *Emitter) Latest() (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest, e.emitted
}

// Subscribe registers a new subscriber. Only events emitted after this call
// are delivered; use Latest for the current state.
func (e *Emitter) Subscribe() *Subscription {
	s := &Subscription{
		emitter: e,
		ch:      make(chan Event, e.bufSize),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		close(s.ch)
		return s
	}
	e.subs[s] = struct{}{}
	return s
}

// Close closes every subscription; further Emit calls are ignored
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for s := range e.subs {
		close(s.ch)
		delete(e.subs, s)
	}
}

// Subscription is one consumer's view of the event stream
type Subscription struct {
	emitter *Emitter
	ch      chan Event
	dropped uint64 // guarded by emitter.mu
}

// push is called with emitter.mu held, so it is the only sender on ch
func (s *Subscription) push(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}

		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// C returns the receive channel. It is closed when the subscription or the
// emitter is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Next waits for the next event
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Dropped reports how many events were discarded because the buffer was full
func (s *Subscription) Dropped() uint64 {
	s.emitter.mu.Lock()
	defer s.emitter.mu.Unlock()
	return s.dropped
}

// Close unsubscribes
func (s *Subscription) Close() {
	e := s.emitter

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subs[s]; !ok {
		return
	}
	delete(e.subs, s)
	close(s.ch)
}
