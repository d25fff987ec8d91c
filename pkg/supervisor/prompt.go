package supervisor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/devrel/pkg/session"
)

const (
	// MaxIterations caps engine consultations per user turn
	MaxIterations = 10
	// HistoryWindow is the number of trailing messages shown to the engine
	HistoryWindow = 5
	// HistoryClip is the per-message character limit in the history window
	HistoryClip = 200
)

const actionGuide = `AVAILABLE ACTIONS:
- web_search: current or external information not in the knowledge base
- faq_handler: project-specific questions (setup, contribution, community guidelines, platform support)
- onboarding: first-time users who need an introduction to the project
- github_toolkit: repository queries, issues, pull requests and docs
- technical_support: a technical problem that needs investigation confirmed step by step with the user
- complete: enough information to answer`

const textFormat = `Respond in exactly this format:
THINK: <what the user needs and why>
ACT: <one of web_search, faq_handler, onboarding, github_toolkit, technical_support, complete>
REASON: <why this action>`

// BuildPrompt renders the decision prompt for state
func BuildPrompt(state *session.State, protocol Protocol, organization string) string {
	if organization == "" {
		organization = "the project"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a developer relations assistant for %s. Reason step by step: think, act, observe.\n\n", organization)

	b.WriteString("CURRENT SITUATION:\n")
	fmt.Fprintf(&b, "- User message: %s\n", state.LatestUserMessage())
	fmt.Fprintf(&b, "- Platform: %s\n", state.Platform)
	fmt.Fprintf(&b, "- Current iteration: %d of %d\n\n", state.Context.IterationCount, MaxIterations)

	b.WriteString("CONVERSATION HISTORY:\n")
	b.WriteString(FormatHistory(state.RecentMessages(HistoryWindow), HistoryClip))
	b.WriteString("\n\n")

	b.WriteString("RESULTS OF PREVIOUS ACTIONS:\n")
	b.WriteString(formatToolResults(state.Context.ToolResults))
	b.WriteString("\n\n")

	b.WriteString(actionGuide)
	b.WriteString("\n\n")

	if protocol == ProtocolStructured {
		schema, _ := json.Marshal(DecisionSchema())
		b.WriteString("Respond with a single JSON object and nothing else. It must validate against this JSON Schema:\n")
		b.Write(schema)
		b.WriteString("\nUse \"argument\" for the input the chosen action should receive.\n")
	} else {
		b.WriteString(textFormat)
		b.WriteString("\n")
	}
	return b.String()
}

// FormatHistory renders messages as "role: content", clipping each content
// to clip characters
func FormatHistory(msgs []session.Message, clip int) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, Clip(m.Content, clip)))
	}
	if len(lines) == 0 {
		return "No previous conversation"
	}
	return strings.Join(lines, "\n")
}

// Clip shortens s to n runes, marking the cut with "..."
func Clip(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func formatToolResults(results []session.ToolResult) string {
	if len(results) == 0 {
		return "No previous tool results"
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", results)
	}
	return string(data)
}
