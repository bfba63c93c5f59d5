package sessions

import (
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	// DefaultBufferSize bounds the number of events retained per session.
	DefaultBufferSize = 5000
	// DefaultPersistTail is the number of buffered events written to the store.
	DefaultPersistTail = 100
	// DefaultMaxFieldBytes caps each free-form event field (text, tool
	// input and output) before the event is buffered.
	DefaultMaxFieldBytes = 64 << 10
)

// EventBuffer is a bounded, ordered per-session event log used for replay.
//
// When an append would exceed capacity, the oldest 90% of events are evicted
// in one compaction pass. Sequence numbers keep increasing across compactions.
//
// EventBuffer is not safe for concurrent use; its owning session entry
// serializes access.
type EventBuffer struct {
	capacity    int
	events      []models.Event
	lastSeq     uint64
	compactions int
}

// NewEventBuffer creates a buffer holding at most capacity events.
// A non-positive capacity uses DefaultBufferSize.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &EventBuffer{
		capacity: capacity,
		events:   make([]models.Event, 0, min(capacity, 256)),
	}
}

// Append stamps evt with the next sequence number (and a timestamp if unset),
// stores it, and returns the stored copy.
func (b *EventBuffer) Append(evt models.Event) models.Event {
	b.lastSeq++
	evt.Seq = b.lastSeq
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	b.events = append(b.events, evt)
	if len(b.events) > b.capacity {
		b.compact()
	}
	return evt
}

func (b *EventBuffer) compact() {
	keep := max(1, b.capacity/10)
	kept := make([]models.Event, keep, b.capacity)
	copy(kept, b.events[len(b.events)-keep:])
	b.events = kept
	b.compactions++
}

// Tail returns a copy of the newest n events in append order.
// A non-positive n returns every buffered event.
func (b *EventBuffer) Tail(n int) []models.Event {
	start := 0
	if n > 0 && len(b.events) > n {
		start = len(b.events) - n
	}
	out := make([]models.Event, len(b.events)-start)
	copy(out, b.events[start:])
	return out
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	return len(b.events)
}

// Cap returns the buffer capacity.
func (b *EventBuffer) Cap() int {
	return b.capacity
}

// LastSeq returns the sequence number of the newest appended event.
func (b *EventBuffer) LastSeq() uint64 {
	return b.lastSeq
}

// Compactions returns how many overflow compactions have run.
func (b *EventBuffer) Compactions() int {
	return b.compactions
}

// Restore replaces the buffer contents with previously persisted events.
// Sequence numbering continues after the newest restored event.
func (b *EventBuffer) Restore(events []models.Event) {
	if len(events) > b.capacity {
		events = events[len(events)-b.capacity:]
	}
	b.events = append(b.events[:0], events...)
	b.lastSeq = 0
	for _, evt := range b.events {
		if evt.Seq > b.lastSeq {
			b.lastSeq = evt.Seq
		}
	}
}
