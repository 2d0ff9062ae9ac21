// Package events implements the best-effort fan-out event bus consumers
// register against, matching the on_event/_emit pattern of
// backend/transfer/manager.py and backend/discovery/service.py's
// on_peer_change callback list.
package events

import (
	"log"
	"sync"
)

// Type enumerates the event kinds the core emits.
type Type string

const (
	PeerDiscovered    Type = "peer_discovered"
	PeerLost          Type = "peer_lost"
	TransferRequest   Type = "transfer_request"
	TransferState     Type = "transfer_state"
	TransferProgress  Type = "transfer_progress"
	Notification      Type = "notification"
)

// Event is what every registered consumer receives. Data holds a
// discovery.Peer, a transfer.Snapshot, or, for Notification, a
// map[string]string with "type" and "message" keys, matching the
// schemas named in spec.md §6.
type Event struct {
	Type Type
	Data any
}

// Consumer is the event-bus contract external adapters implement.
type Consumer func(Event)

var logger = log.New(log.Writer(), "[events] ", log.LstdFlags)

// Bus fans out events to every registered consumer. Dispatch is
// best-effort: a panicking consumer is recovered, logged, and never
// interrupts delivery to the others or to the session that emitted the
// event.
type Bus struct {
	mu        sync.Mutex
	consumers []Consumer
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer. Safe to call concurrently with Emit.
func (b *Bus) Subscribe(c Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers = append(b.consumers, c)
}

// Emit dispatches an event to every registered consumer. The consumer
// slice is snapshotted under the lock and invoked outside of it, so a
// slow or re-entrant consumer never blocks Subscribe. Consumers run
// synchronously on the emitting goroutine: Emit returns only after
// every consumer has returned.
func (b *Bus) Emit(typ Type, data any) {
	b.mu.Lock()
	snapshot := make([]Consumer, len(b.consumers))
	copy(snapshot, b.consumers)
	b.mu.Unlock()

	for _, c := range snapshot {
		dispatchSafely(c, Event{Type: typ, Data: data})
	}
}

func dispatchSafely(c Consumer, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("consumer panic for event %s: %v", evt.Type, r)
		}
	}()
	c(evt)
}
