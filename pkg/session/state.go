package session

import (
	"time"
)

// MaxToolResults bounds Context.ToolResults; the oldest entries are evicted first.
const MaxToolResults = 20

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// TaskState is the explicit resume key of a session's confirmation workflow.
type TaskState string

const (
	TaskNone                   TaskState = ""
	TaskAwaitingContext        TaskState = "awaiting_context"
	TaskAwaitingActionApproval TaskState = "awaiting_action_approval"
	TaskAwaitingOptionChoice   TaskState = "awaiting_option_choice"
	TaskCompleted              TaskState = "completed"
	TaskError                  TaskState = "error"
)

// String returns the state name, "none" for the zero value.
func (t TaskState) String() string {
	if t == TaskNone {
		return "none"
	}
	return string(t)
}

// Awaiting reports whether the state waits on a human reply.
func (t TaskState) Awaiting() bool {
	switch t {
	case TaskAwaitingContext, TaskAwaitingActionApproval, TaskAwaitingOptionChoice:
		return true
	}
	return false
}

// Message represents a single conversation turn
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ToolResult is one observed action outcome
type ToolResult struct {
	Tool      string                 `json:"tool"`
	Status    string                 `json:"status"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Iteration int                    `json:"iteration"`
	Timestamp time.Time              `json:"timestamp"`
}

// Decision is the last supervisor decision as stored on the session.
type Decision struct {
	Action    string `json:"action"`
	Thinking  string `json:"thinking,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Context is the loop bookkeeping carried by a session.
type Context struct {
	IterationCount int                    `json:"iteration_count"`
	ToolResults    []ToolResult           `json:"tool_results,omitempty"`
	LastDecision   *Decision              `json:"last_decision,omitempty"`
	Values         map[string]interface{} `json:"values,omitempty"`
}

// State is the per-conversation record shared by the queue handlers,
// the supervisor loop and the confirmation workflow.
//
// A State is not safe for concurrent mutation. Callers hold the session's
// command lane while touching it.
type State struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Platform  string `json:"platform"`
	ThreadID  string `json:"thread_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`

	Messages []Message `json:"messages"`
	Context  Context   `json:"context"`

	Task                TaskState              `json:"task"`
	LastCompletedAction string                 `json:"last_completed_action,omitempty"`
	PendingPrompt       string                 `json:"pending_prompt,omitempty"`
	TaskResult          map[string]interface{} `json:"task_result,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// NewState creates an empty session record
func NewState(sessionID, userID, platform string) *State {
	now := time.Now()
	return &State{
		SessionID:  sessionID,
		UserID:     userID,
		Platform:   platform,
		Messages:   []Message{},
		Context:    Context{Values: map[string]interface{}{}},
		CreatedAt:  now,
		LastActive: now,
	}
}

// AppendMessage adds a turn at the end of the history
func (s *State) AppendMessage(role, content string) Message {
	msg := Message{Role: role, Content: content, Timestamp: time.Now()}
	s.Messages = append(s.Messages, msg)
	s.LastActive = msg.Timestamp
	return msg
}

// AddToolResult records an action outcome, keeping at most MaxToolResults.
func (s *State) AddToolResult(result ToolResult) {
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	s.Context.ToolResults = append(s.Context.ToolResults, result)
	if over := len(s.Context.ToolResults) - MaxToolResults; over > 0 {
		kept := make([]ToolResult, MaxToolResults)
		copy(kept, s.Context.ToolResults[over:])
		s.Context.ToolResults = kept
	}
}

// LatestUserMessage returns the content of the most recent user turn
func (s *State) LatestUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// RecentMessages returns up to n trailing messages in order
func (s *State) RecentMessages(n int) []Message {
	if n <= 0 || len(s.Messages) == 0 {
		return nil
	}
	if n > len(s.Messages) {
		n = len(s.Messages)
	}
	return s.Messages[len(s.Messages)-n:]
}

// Paused reports whether the session waits on a human reply
func (s *State) Paused() bool {
	return s.PendingPrompt != ""
}

// CurrentTask returns the task state as a plain string for prompts and logs.
func (s *State) CurrentTask() string {
	return s.Task.String()
}

// SetValue stores an open context value
func (s *State) SetValue(key string, value interface{}) {
	if s.Context.Values == nil {
		s.Context.Values = map[string]interface{}{}
	}
	s.Context.Values[key] = value
}

// Value returns an open context value
func (s *State) Value(key string) (interface{}, bool) {
	v, ok := s.Context.Values[key]
	return v, ok
}

// Clone returns a deep copy suitable for checkpoint snapshots.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s

	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.Metadata = cloneMap(m.Metadata)
		c.Messages[i] = m
	}

	if s.Context.ToolResults != nil {
		c.Context.ToolResults = make([]ToolResult, len(s.Context.ToolResults))
		for i, r := range s.Context.ToolResults {
			r.Result = cloneMap(r.Result)
			c.Context.ToolResults[i] = r
		}
	}
	if s.Context.LastDecision != nil {
		d := *s.Context.LastDecision
		c.Context.LastDecision = &d
	}
	c.Context.Values = cloneMap(s.Context.Values)
	c.TaskResult = cloneMap(s.TaskResult)

	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
