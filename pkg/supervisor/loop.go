package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/harun/devrel/pkg/actions"
	"github.com/harun/devrel/pkg/reasoning"
	"github.com/harun/devrel/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const reasonIterationLimit = "iteration limit reached"

// Handoff is what a delegated multi-turn workflow reports back
type Handoff struct {
	Node   string
	Paused bool
	Failed bool
	// Prompt was already appended to the session as an assistant message
	Prompt string
}

// Delegate runs the confirmation workflow for technical_support
type Delegate interface {
	Delegate(ctx context.Context, state *session.State) (Handoff, error)
}

// Outcome summarizes one Run
type Outcome struct {
	Decision   Decision
	Iterations int
	Paused     bool
	// Prompt is non-empty when the reply is already on the session
	Prompt string
	Reason string
}

// Config wires a Supervisor
type Config struct {
	Engine       reasoning.Engine
	Executor     actions.Executor
	Delegate     Delegate
	Protocol     Protocol
	Organization string
	Logger       *zerolog.Logger
}

// Supervisor drives the think, act, observe loop for one session at a time.
// Callers must hold the session's lane.
type Supervisor struct {
	engine       reasoning.Engine
	executor     actions.Executor
	delegate     Delegate
	protocol     Protocol
	organization string
	logger       zerolog.Logger
}

// New creates a Supervisor
func New(cfg Config) *Supervisor {
	observability.EnsureRegistered()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolText
	}
	return &Supervisor{
		engine:       cfg.Engine,
		executor:     cfg.Executor,
		delegate:     cfg.Delegate,
		protocol:     cfg.Protocol,
		organization: cfg.Organization,
		logger:       logger.With().Str("component", "supervisor").Logger(),
	}
}

// Decide picks the next action. At the iteration cap it returns complete
// without consulting the engine.
func (s *Supervisor) Decide(ctx context.Context, state *session.State) Decision {
	d, _ := s.decide(ctx, state)
	return d
}

func (s *Supervisor) decide(ctx context.Context, state *session.State) (Decision, bool) {
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if state.Context.IterationCount >= MaxIterations {
		logger.Warn().Int("iterations", state.Context.IterationCount).Msg("Iteration limit reached")
		return Completion(reasonIterationLimit), false
	}
	if s.engine == nil {
		return Completion("reasoning engine unavailable: not configured"), false
	}

	prompt := BuildPrompt(state, s.protocol, s.organization)
	raw, err := s.engine.Infer(ctx, prompt)
	if err != nil {
		logger.Error().Err(err).Msg("Reasoning engine failed")
		return Completion(fmt.Sprintf("reasoning engine unavailable: %v", err)), true
	}

	d, err := Parse(s.protocol, raw)
	if err != nil {
		observability.RecordMalformedDecision(string(s.protocol))
		logger.Warn().
			Err(err).
			Str("protocol", string(s.protocol)).
			Str("raw", Clip(raw, 200)).
			Msg("Malformed decision, defaulting to complete")
	}
	observability.RecordDecision(string(d.Action))
	logger.Info().Str("action", string(d.Action)).Int("iteration", state.Context.IterationCount).Msg("Supervisor decision")
	return d, true
}

// Run loops until complete, the cap, a workflow pause or cancellation
func (s *Supervisor) Run(ctx context.Context, state *session.State) Outcome {
	ctx, span := tracing.StartSpan(ctx, "devrel.supervisor", "supervisor.run",
		attribute.String("session_id", state.SessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	var out Outcome
	defer func() {
		observability.RecordSupervisorRun(out.Iterations)
		span.SetAttributes(
			attribute.Int("iterations", out.Iterations),
			attribute.String("final_action", string(out.Decision.Action)),
		)
	}()

	for {
		if err := ctx.Err(); err != nil {
			out.Decision = Completion("cancelled")
			out.Reason = err.Error()
			return out
		}

		d, consulted := s.decide(ctx, state)
		if consulted {
			state.Context.IterationCount++
		}
		state.Context.LastDecision = d.record()

		if d.Action == actions.Complete {
			out.Decision = d
			out.Reason = d.Reasoning
			return out
		}

		out.Iterations++
		iteration := state.Context.IterationCount

		if d.Action == actions.TechnicalSupport {
			state.LastCompletedAction = string(d.Action)
			h, stop := s.handoff(ctx, state, iteration)
			if stop {
				out.Decision = d
				out.Paused = h.Paused
				out.Prompt = h.Prompt
				out.Reason = "workflow " + h.Node
				if h.Failed {
					out.Reason = "workflow failed"
				}
				logger.Info().Bool("paused", h.Paused).Str("node", h.Node).Msg("Handed off to workflow")
				return out
			}
			continue
		}

		s.execute(ctx, state, d, iteration)
		state.LastCompletedAction = string(d.Action)
	}
}

// handoff runs the delegate and reports whether the loop must stop
func (s *Supervisor) handoff(ctx context.Context, state *session.State, iteration int) (Handoff, bool) {
	if s.delegate == nil {
		state.AddToolResult(session.ToolResult{
			Tool:      string(actions.TechnicalSupport),
			Status:    actions.StatusError,
			Result:    map[string]interface{}{"error": "no workflow configured"},
			Iteration: iteration,
		})
		return Handoff{}, false
	}

	// A pausing workflow checkpoints state, so the entry must exist before
	// Delegate runs. It is settled once the workflow returns.
	state.AddToolResult(session.ToolResult{
		Tool:      string(actions.TechnicalSupport),
		Status:    actions.StatusSuccess,
		Result:    map[string]interface{}{"delegated": true},
		Iteration: iteration,
	})
	idx := len(state.Context.ToolResults) - 1

	h, err := s.delegate.Delegate(ctx, state)
	status := actions.StatusSuccess
	result := map[string]interface{}{"delegated": true, "node": h.Node, "paused": h.Paused}
	if err != nil || h.Failed {
		status = actions.StatusError
		if err != nil {
			result["error"] = err.Error()
		}
	}
	if results := state.Context.ToolResults; idx < len(results) && results[idx].Tool == string(actions.TechnicalSupport) {
		results[idx].Status = status
		results[idx].Result = result
	}

	if err != nil {
		return h, false
	}
	return h, h.Paused || h.Failed
}

func (s *Supervisor) execute(ctx context.Context, state *session.State, d Decision, iteration int) {
	logger := tracing.LoggerFromContext(ctx, s.logger)

	arg := d.Argument
	if arg == "" {
		arg = state.LatestUserMessage()
	}

	var (
		res actions.Result
		err error
	)
	if s.executor == nil {
		err = errors.New("no action executor configured")
	} else {
		res, err = s.executor.Run(ctx, d.Action, arg)
	}

	tr := session.ToolResult{
		Tool:      string(d.Action),
		Status:    res.Status,
		Result:    res.Payload,
		Iteration: iteration,
		Timestamp: time.Now(),
	}
	if err != nil || res.Status != actions.StatusSuccess {
		tr.Status = actions.StatusError
		tr.Result = make(map[string]interface{}, len(res.Payload)+1)
		for k, v := range res.Payload {
			tr.Result[k] = v
		}
		if err != nil {
			tr.Result["error"] = err.Error()
		}
		logger.Warn().Err(err).Str("action", string(d.Action)).Msg("Action failed")
	}
	state.AddToolResult(tr)
}
