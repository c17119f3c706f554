package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/buildcore/pkg/schema"
)

const defaultChannelBuffer = 64

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	BuildID string             `json:"build_id,omitempty"`
	Kinds   []schema.EventKind `json:"kinds,omitempty"`
}

type subscriber struct {
	ch     chan schema.Event
	filter EventFilter
}

// Hub is a Listener that fans events out to channel subscribers.
// Delivery is non-blocking: a full subscriber channel drops the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// OnEvent implements Listener.
func (h *Hub) OnEvent(e schema.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// slow subscriber
		}
	}
}

// Subscribe registers a filtered subscription. The returned cancel function
// removes it and closes the channel.
func (h *Hub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.Event, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func matchFilter(f EventFilter, e schema.Event) bool {
	if f.BuildID != "" && f.BuildID != e.BuildID {
		return false
	}
	return len(f.Kinds) == 0 || slices.Contains(f.Kinds, e.Kind)
}
