package daemon

import (
	"context"
	"strings"
	"sync"

	"github.com/harun/devrel/pkg/eventbus"
)

// outboundHub delivers outbound bus events to in-process subscribers of a
// session. Slow subscribers miss events rather than block the bus.
type outboundHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan eventbus.Event
	nextID      uint64
	closed      bool
}

func newOutboundHub() *outboundHub {
	return &outboundHub{
		subscribers: make(map[string]map[uint64]chan eventbus.Event),
	}
}

func (h *outboundHub) Subscribe(sessionID string, buffer int) (<-chan eventbus.Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if buffer <= 0 {
		buffer = 64
	}

	h.mu.Lock()
	if sessionID == "" || h.closed {
		h.mu.Unlock()
		ch := make(chan eventbus.Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan eventbus.Event, buffer)
	h.nextID++
	subID := h.nextID
	if _, exists := h.subscribers[sessionID]; !exists {
		h.subscribers[sessionID] = make(map[uint64]chan eventbus.Event)
	}
	h.subscribers[sessionID][subID] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.subscribers[sessionID]
		if !ok {
			return
		}
		sub, exists := subs[subID]
		if !exists {
			return
		}
		delete(subs, subID)
		if len(subs) == 0 {
			delete(h.subscribers, sessionID)
		}
		close(sub)
	}

	return ch, cancel
}

func (h *outboundHub) Publish(sessionID string, evt eventbus.Event) int {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.subscribers[sessionID] {
		select {
		case sub <- evt:
			delivered++
		default:
		}
	}
	return delivered
}

// HandleEvent is a bus handler
func (h *outboundHub) HandleEvent(_ context.Context, evt eventbus.Event) error {
	sessionID, _ := evt.Payload["session_id"].(string)
	h.Publish(sessionID, evt)
	return nil
}

// Close closes every subscriber channel
func (h *outboundHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for sessionID, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub)
		}
		delete(h.subscribers, sessionID)
	}
}
