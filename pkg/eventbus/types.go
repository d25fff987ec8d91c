package eventbus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is a member of the closed event taxonomy
type EventType string

const (
	IssueCreated   EventType = "issue.created"
	IssueClosed    EventType = "issue.closed"
	IssueUpdated   EventType = "issue.updated"
	IssueCommented EventType = "issue.commented"

	PRCreated   EventType = "pr.created"
	PRUpdated   EventType = "pr.updated"
	PRCommented EventType = "pr.commented"
	PRMerged    EventType = "pr.merged"
	PRReviewed  EventType = "pr.reviewed"

	MessageCreated EventType = "message.created"
	MessageUpdated EventType = "message.updated"
	ReactionAdded  EventType = "reaction.added"
	UserJoined     EventType = "user.joined"

	OnboardingStarted   EventType = "onboarding.started"
	OnboardingCompleted EventType = "onboarding.completed"
	FAQRequested        EventType = "faq.requested"
	KnowledgeUpdated    EventType = "knowledge.updated"
	AnalyticsCollected  EventType = "analytics.collected"

	// Raised by the core itself
	ResponseReady     EventType = "response.ready"
	WorkflowPaused    EventType = "workflow.paused"
	WorkflowCompleted EventType = "workflow.completed"
	TaskFailed        EventType = "task.failed"
)

var knownEventTypes = map[EventType]struct{}{
	IssueCreated: {}, IssueClosed: {}, IssueUpdated: {}, IssueCommented: {},
	PRCreated: {}, PRUpdated: {}, PRCommented: {}, PRMerged: {}, PRReviewed: {},
	MessageCreated: {}, MessageUpdated: {}, ReactionAdded: {}, UserJoined: {},
	OnboardingStarted: {}, OnboardingCompleted: {}, FAQRequested: {},
	KnowledgeUpdated: {}, AnalyticsCollected: {},
	ResponseReady: {}, WorkflowPaused: {}, WorkflowCompleted: {}, TaskFailed: {},
}

// Valid reports whether t belongs to the taxonomy
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Platform identifies where an event originated
type Platform string

const (
	PlatformGitHub    Platform = "github"
	PlatformDiscord   Platform = "discord"
	PlatformSlack     Platform = "slack"
	PlatformDiscourse Platform = "discourse"
	PlatformSystem    Platform = "system"
)

// ParsePlatform validates a platform name
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case PlatformGitHub, PlatformDiscord, PlatformSlack, PlatformDiscourse, PlatformSystem:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Event is an immutable notification. Handlers receive their own copy of
// Payload.
type Event struct {
	ID        string                 `json:"id"`
	ActorID   string                 `json:"actor_id"`
	Type      EventType              `json:"event_type"`
	Platform  Platform               `json:"platform"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent builds an event with a fresh id and timestamp
func NewEvent(eventType EventType, platform Platform, actorID string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Event{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Type:      eventType,
		Platform:  platform,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

func (e Event) clone() Event {
	c := e
	c.Payload = make(map[string]interface{}, len(e.Payload))
	for k, v := range e.Payload {
		c.Payload[k] = v
	}
	return c
}
