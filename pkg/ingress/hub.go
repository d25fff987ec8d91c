package ingress

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/devrel/pkg/eventbus"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// StreamMessage is one frame sent to stream subscribers
type StreamMessage struct {
	Event     string                 `json:"event"`
	SessionID string                 `json:"session_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"ts"`
	Seq       int64                  `json:"seq"`
}

// Subscriber is one WebSocket connection. An empty SessionID receives
// every session's messages.
type Subscriber struct {
	ID          string
	SessionID   string
	ConnectedAt time.Time

	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Subscriber) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	_ = s.conn.Close()
}

// Hub fans outbound events to stream subscribers
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	seq    uint64
	logger zerolog.Logger
}

// NewHub creates an empty hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]*Subscriber),
		logger: logger.With().Str("component", "stream_hub").Logger(),
	}
}

// Add registers a connection
func (h *Hub) Add(conn *websocket.Conn, sessionID string) *Subscriber {
	id, err := gonanoid.New()
	if err != nil {
		id = time.Now().Format("20060102150405.000000000")
	}
	sub := &Subscriber{
		ID:          id,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		conn:        conn,
	}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	return sub
}

// Remove drops a subscriber
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Count returns the number of subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) matching(sessionID string) []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		if s.SessionID == "" || s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	return out
}

// Publish sends msg to the subscribers of its session and returns how many
// received it. Subscribers that fail a write are dropped.
func (h *Hub) Publish(msg StreamMessage) int {
	msg.Seq = int64(atomic.AddUint64(&h.seq, 1))
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", msg.Event).Msg("Failed to marshal stream message")
		return 0
	}

	delivered := 0
	for _, sub := range h.matching(msg.SessionID) {
		if err := sub.write(data); err != nil {
			h.logger.Warn().Err(err).Str("subscriber", sub.ID).Msg("Dropping stream subscriber")
			h.Remove(sub.ID)
			_ = sub.conn.Close()
			continue
		}
		delivered++
	}

	h.logger.Debug().
		Str("event", msg.Event).
		Str("session_id", msg.SessionID).
		Int64("seq", msg.Seq).
		Int("delivered", delivered).
		Msg("Stream message published")
	return delivered
}

// HandleEvent is a bus handler that forwards outbound events
func (h *Hub) HandleEvent(_ context.Context, evt eventbus.Event) error {
	sessionID, _ := evt.Payload["session_id"].(string)
	h.Publish(StreamMessage{
		Event:     string(evt.Type),
		SessionID: sessionID,
		Data:      evt.Payload,
		Timestamp: evt.Timestamp.UnixMilli(),
	})
	return nil
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
