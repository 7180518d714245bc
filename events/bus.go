package events

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"
)

// Bus is an append-only event log with live fan-out. Subscribers read the
// shared log by position, so any number of them observe the full sequence
// independently.
type Bus struct {
	mu     sync.Mutex
	log    []Event
	closed bool
	// wake is closed and replaced on every publish and on Close.
	wake chan struct{}
}

// NewBus creates an open, empty Bus.
func NewBus() *Bus {
	return &Bus{wake: make(chan struct{})}
}

// Publish appends an event and wakes blocked subscribers. It returns the
// assigned id, or 0 when the bus is already closed.
func (b *Bus) Publish(typ Type, payload any) (int64, error) {
	if !typ.Valid() {
		return 0, fmt.Errorf("publish: unknown event type %q", typ)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", typ, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, nil
	}
	ev := Event{
		ID:   int64(len(b.log)) + 1,
		Type: typ,
		Data: data,
		Time: time.Now().UTC(),
	}
	b.log = append(b.log, ev)
	close(b.wake)
	b.wake = make(chan struct{})
	return ev.ID, nil
}

// Subscribe returns a sequence that replays every event with an id greater
// than after and then tails new events until the bus is closed and drained
// or ctx is done. Each call to the returned sequence starts its own replay.
func (b *Bus) Subscribe(ctx context.Context, after int64) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		next := after
		if next < 0 {
			next = 0
		}
		for {
			b.mu.Lock()
			var pending []Event
			if next < int64(len(b.log)) {
				// Events are never mutated, so the slice can be read unlocked.
				pending = b.log[next:len(b.log):len(b.log)]
			}
			closed := b.closed
			wake := b.wake
			b.mu.Unlock()

			for _, ev := range pending {
				if !yield(ev) {
					return
				}
				next = ev.ID
			}
			if len(pending) > 0 {
				continue
			}
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
		}
	}
}

// Close marks the bus finished and wakes all subscribers. It is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// LastID returns the id of the most recently published event.
func (b *Bus) LastID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.log))
}

// History returns a copy of the events with an id greater than after.
func (b *Bus) History(after int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if after < 0 {
		after = 0
	}
	if after >= int64(len(b.log)) {
		return nil
	}
	out := make([]Event, len(b.log)-int(after))
	copy(out, b.log[after:])
	return out
}
