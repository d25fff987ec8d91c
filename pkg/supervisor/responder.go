package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/devrel/internal/tracing"
	"github.com/harun/devrel/pkg/reasoning"
	"github.com/harun/devrel/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Apology is the reply used when no answer could be produced
const Apology = "I apologize, but I encountered an error while generating my response. Please try asking your question again."

const responseWindow = 10

// Responder writes the final reply of a turn
type Responder struct {
	engine       reasoning.Engine
	organization string
	logger       zerolog.Logger
}

// NewResponder creates a Responder
func NewResponder(engine reasoning.Engine, organization string) *Responder {
	return &Responder{
		engine:       engine,
		organization: organization,
		logger:       log.Logger.With().Str("component", "responder").Logger(),
	}
}

// Respond synthesizes a reply from the conversation and gathered results. It
// never fails; engine errors produce Apology.
func (r *Responder) Respond(ctx context.Context, state *session.State) string {
	if r.engine == nil {
		return Apology
	}
	ctx, span := tracing.StartSpan(ctx, "devrel.supervisor", "supervisor.respond")
	defer span.End()

	out, err := r.engine.Infer(ctx, r.prompt(state))
	out = strings.TrimSpace(out)
	if err != nil || out == "" {
		if err != nil {
			tracing.RecordError(span, err)
		}
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Error().Err(err).Msg("Failed to generate response")
		return Apology
	}
	return out
}

func (r *Responder) prompt(state *session.State) string {
	org := r.organization
	if org == "" {
		org = "the project"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a developer relations assistant for %s. Write the reply to the user's latest message.\n\n", org)
	fmt.Fprintf(&b, "LATEST MESSAGE:\n%s\n\n", state.LatestUserMessage())

	b.WriteString("CONVERSATION:\n")
	recent := state.RecentMessages(responseWindow)
	if len(state.Messages) > len(recent) {
		fmt.Fprintf(&b, "[Showing last %d of %d messages]\n", len(recent), len(state.Messages))
	}
	b.WriteString(FormatHistory(recent, 0))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "CONTEXT:\nPlatform: %s\n", state.Platform)
	if d := state.Context.LastDecision; d != nil && d.Thinking != "" {
		fmt.Fprintf(&b, "Supervisor reasoning: %s\n", d.Thinking)
	}
	b.WriteString("\n")

	b.WriteString("TOOL RESULTS:\n")
	b.WriteString(formatToolResults(state.Context.ToolResults))
	b.WriteString("\n\n")

	b.WriteString("TASK RESULT:\n")
	if len(state.TaskResult) == 0 {
		b.WriteString("No task result")
	} else if data, err := json.MarshalIndent(state.TaskResult, "", "  "); err == nil {
		b.Write(data)
	}
	b.WriteString("\n\nAnswer conversationally and stay grounded in the results above.\n")
	return b.String()
}
