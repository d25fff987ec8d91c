// Package session holds the per-conversation State record, the live session
// Registry, JSONL transcripts and idle-session cleanup.
//
// Invariants:
// - Messages are append-only and keep insertion order.
// - Context.ToolResults never holds more than MaxToolResults entries.
// - A non-empty PendingPrompt means the session waits on a human reply.
// - Transcript ids are validated and path-safe; writes per session are serialized.
//
// Usage:
//
//	reg := session.NewRegistry()
//	st, _ := reg.GetOrCreate("discord:42", "u1", "discord")
//	st.AppendMessage(session.RoleUser, "how do I run the tests?")
package session
