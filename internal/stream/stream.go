package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event describes one committed change to a work item or bundle.
type Event struct {
	Kind       string    `json:"kind"`
	WorkItemID string    `json:"work_item_id,omitempty"`
	BundleID   string    `json:"bundle_id,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to"`
	ActorID    string    `json:"actor_id,omitempty"`
	Version    int64     `json:"version,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fans events out to all active subscribers (SSE clients).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Uint64
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out to all subscribers. Slow subscribers miss events
// rather than block the writer.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
