// Package eventbus is an in-memory fanout of relay lifecycle events
// (reloads, overload drops). Publish never blocks; slow subscribers lose
// events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeReloaded = "relay.reloaded"
	TypeDropped  = "relay.dropped"
	TypeStarted  = "relay.started"
	TypeStopped  = "relay.stopped"
)

type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recorder keeps the most recent events for inspection.
type Recorder struct {
	mu   sync.Mutex
	max  int
	ring []Event
}

func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 50
	}
	return &Recorder{max: max}
}

// Run records events from ch until it closes.
func (r *Recorder) Run(ch <-chan Event) {
	for e := range ch {
		r.mu.Lock()
		r.ring = append(r.ring, e)
		if len(r.ring) > r.max {
			r.ring = append(r.ring[:0], r.ring[len(r.ring)-r.max:]...)
		}
		r.mu.Unlock()
	}
}

// Recent returns the recorded events, newest last.
func (r *Recorder) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.ring...)
}
