package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the conversation session ID
	SessionIDKey ContextKey = "session_id"
	// TaskIDKey is the context key for the work queue task ID
	TaskIDKey ContextKey = "task_id"
	// HandlerKey is the context key for the work queue handler key
	HandlerKey ContextKey = "handler"
)

// TraceContext holds tracing information carried through a request
type TraceContext struct {
	TraceID   string
	SessionID string
	TaskID    string
	Handler   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithTask adds the queue task ID and handler key to the context
func WithTask(ctx context.Context, taskID, handler string) context.Context {
	ctx = context.WithValue(ctx, TaskIDKey, taskID)
	return context.WithValue(ctx, HandlerKey, handler)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	return stringValue(ctx, SessionIDKey)
}

// GetTaskID retrieves the queue task ID from the context
func GetTaskID(ctx context.Context) string {
	return stringValue(ctx, TaskIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		SessionID: GetSessionID(ctx),
		TaskID:    GetTaskID(ctx),
		Handler:   stringValue(ctx, HandlerKey),
	}
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// Detach returns a background context that keeps the tracing values of ctx
// but not its deadline or cancellation.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	if tc.TraceID != "" {
		out = WithTraceID(out, tc.TraceID)
	}
	if tc.SessionID != "" {
		out = WithSessionID(out, tc.SessionID)
	}
	if tc.TaskID != "" {
		out = WithTask(out, tc.TaskID, tc.Handler)
	}
	return out
}
