package events

import (
	"context"
	"sync"
)

const defaultHubBuffer = 32

// Hub broadcasts escrow events to live subscribers. Slow subscribers miss
// events rather than blocking the ledger; callers that need completeness
// backfill from the persisted log.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan EscrowEvent
	nextID uint64
	buffer int
}

// NewHub creates a hub whose subscriber channels hold buffer pending events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	return &Hub{subs: make(map[uint64]chan EscrowEvent), buffer: buffer}
}

// Emit implements the Emitter interface. Non-escrow events are ignored.
func (h *Hub) Emit(evt Event) {
	escrowEvt, ok := evt.(EscrowEvent)
	if !ok || h == nil {
		return
	}
	h.mu.Lock()
	subscribers := make([]chan EscrowEvent, 0, len(h.subs))
	for _, ch := range h.subs {
		subscribers = append(subscribers, ch)
	}
	// Sends happen under the lock so a concurrent cancel cannot close a
	// channel mid-send.
	for _, ch := range subscribers {
		select {
		case ch <- escrowEvt:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a subscriber. The returned cancel func is idempotent and
// is also invoked when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) (<-chan EscrowEvent, func()) {
	updates := make(chan EscrowEvent, h.buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
