package coordinator

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/devrel/pkg/eventbus"
)

const (
	// HandlerRequest processes one inbound user message
	HandlerRequest = "devrel_request"
	// HandlerSessionClose tears a session down
	HandlerSessionClose = "session_close"
)

// Request is the payload of a devrel_request task
type Request struct {
	RequestID string
	SessionID string
	UserID    string
	Platform  eventbus.Platform
	ThreadID  string
	ChannelID string
	Content   string
}

// Payload renders the request as a queue payload
func (r Request) Payload() map[string]interface{} {
	return map[string]interface{}{
		"request_id": r.RequestID,
		"session_id": r.SessionID,
		"user_id":    r.UserID,
		"platform":   string(r.Platform),
		"thread_id":  r.ThreadID,
		"channel_id": r.ChannelID,
		"content":    r.Content,
	}
}

// ParseRequest reads a devrel_request payload. A missing session id is
// derived from the thread id, or generated when there is no thread.
func ParseRequest(payload map[string]interface{}) (Request, error) {
	r := Request{
		RequestID: str(payload, "request_id"),
		SessionID: str(payload, "session_id"),
		UserID:    str(payload, "user_id"),
		ThreadID:  str(payload, "thread_id"),
		ChannelID: str(payload, "channel_id"),
		Content:   str(payload, "content"),
	}
	if strings.TrimSpace(r.Content) == "" {
		return Request{}, fmt.Errorf("content is required")
	}

	platform := str(payload, "platform")
	if platform == "" {
		r.Platform = eventbus.PlatformSystem
	} else {
		p, err := eventbus.ParsePlatform(platform)
		if err != nil {
			return Request{}, err
		}
		r.Platform = p
	}

	if r.SessionID == "" {
		r.SessionID = SessionIDFor(r.Platform, r.ThreadID)
	}
	return r, nil
}

var idReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_", "\x00", "", ":", "_")

// SessionIDFor derives a stable, path-safe session id for a platform thread
func SessionIDFor(platform eventbus.Platform, threadID string) string {
	if threadID == "" {
		return uuid.NewString()
	}
	return string(platform) + "-" + idReplacer.Replace(threadID)
}

func str(payload map[string]interface{}, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
