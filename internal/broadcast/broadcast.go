// Package broadcast fans raw PTY output out to every attached consumer of a
// session. Delivery is bounded per subscriber: a consumer that falls behind
// loses its oldest undelivered chunks rather than stalling the PTY reader or
// other consumers, and the loss is accounted so the wire layer can tell the
// affected client how many bytes it missed.
package broadcast

import "sync"

// Chunk is one delivered unit of PTY output. DroppedBytes is the number of
// bytes discarded for this subscriber since its previous delivery; zero means
// the stream is gapless at this point.
type Chunk struct {
	Data         []byte
	DroppedBytes int
}

// Broadcaster is a bounded multi-subscriber sender. The zero value is not
// usable; construct with New.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	depth  int
	closed bool
}

// Subscriber receives the chunks published after its Subscribe call, in
// publish order, minus any chunks dropped under the slow-consumer policy.
type Subscriber struct {
	b  *Broadcaster
	ch chan Chunk
	// pending counts bytes dropped since the last successful delivery.
	// Guarded by b.mu; folded into the next chunk that fits.
	pending int
}

// New creates a Broadcaster whose subscribers each buffer up to depth chunks.
func New(depth int) *Broadcaster {
	if depth <= 0 {
		depth = 64
	}
	return &Broadcaster{subs: make(map[*Subscriber]struct{}), depth: depth}
}

// Subscribe registers a new independent consumer. Returns nil once the
// broadcaster is closed.
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	s := &Subscriber{b: b, ch: make(chan Chunk, b.depth)}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers data to every current subscriber. For a subscriber whose
// queue is full, the oldest queued chunk is discarded to make room; its size
// is carried forward and reported on the next chunk that subscriber receives.
func (b *Broadcaster) Publish(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		chunk := Chunk{Data: data, DroppedBytes: s.pending}
		for {
			select {
			case s.ch <- chunk:
				s.pending = 0
			default:
				// Queue full: evict the oldest chunk. Only Publish fills the
				// queue, so after one eviction the send cannot block.
				select {
				case old := <-s.ch:
					s.pending += len(old.Data) + old.DroppedBytes
					chunk.DroppedBytes = s.pending
				default:
					// Consumer drained it concurrently; retry the send.
				}
				continue
			}
			break
		}
	}
}

// Close terminates every subscriber's channel. Publish and Subscribe become
// no-ops. Safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}

// SubscriberCount reports the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Ch is the subscriber's receive channel. It is closed when the broadcaster
// closes or the subscriber unsubscribes.
func (s *Subscriber) Ch() <-chan Chunk {
	return s.ch
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// after the broadcaster has closed.
func (s *Subscriber) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.closed {
		return
	}
	if _, ok := s.b.subs[s]; !ok {
		return
	}
	delete(s.b.subs, s)
	close(s.ch)
}
