package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/harun/devrel/pkg/actions"
	"github.com/harun/devrel/pkg/checkpoint"
	"github.com/harun/devrel/pkg/eventbus"
	"github.com/harun/devrel/pkg/reasoning"
	"github.com/harun/devrel/pkg/session"
	"github.com/harun/devrel/pkg/supervisor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Suffix is appended to a parent session id to form the checkpoint id
const Suffix = ":technical_support"

// Apology replaces the reply when a node fails
const Apology = "I'm sorry, something went wrong while working on your technical issue. Please start again and I'll take another look."

// SubID returns the checkpoint id for a parent session
func SubID(parentSessionID string) string {
	return parentSessionID + Suffix
}

// ParentID reverses SubID
func ParentID(subID string) string {
	return strings.TrimSuffix(subID, Suffix)
}

// Node is a position in the workflow
type Node string

const (
	NodeEntry    Node = "entry"
	NodeClarify  Node = "clarify"
	NodeResume   Node = "resume"
	NodePropose  Node = "propose"
	NodeExecute  Node = "execute"
	NodePresent  Node = "present"
	NodeTerminal Node = "terminal"
)

// Route picks the node that follows a resume for the given task state
func Route(task session.TaskState) Node {
	switch task {
	case session.TaskAwaitingContext:
		return NodePropose
	case session.TaskAwaitingActionApproval:
		return NodeExecute
	case session.TaskAwaitingOptionChoice:
		return NodePropose
	default:
		return NodeTerminal
	}
}

// Result reports where a Start or Resume stopped
type Result struct {
	Node   Node
	Paused bool
	Failed bool
	// Prompt has been appended to State as an assistant message
	Prompt string
	State  *session.State
	// Fresh is set when Resume found no usable checkpoint
	Fresh bool
}

// Config wires a Workflow
type Config struct {
	Store    checkpoint.Store
	Engine   reasoning.Engine
	Executor actions.Executor
	Bus      *eventbus.Bus
	Expiry   ExpiryPolicy
	Logger   *zerolog.Logger
}

// Workflow is the confirmation state machine. Each parent session has at
// most one checkpoint, stored under SubID.
type Workflow struct {
	store    checkpoint.Store
	engine   reasoning.Engine
	executor actions.Executor
	bus      *eventbus.Bus
	expiry   ExpiryPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a Workflow. A nil Store uses an in-memory store and a nil
// Expiry never expires.
func New(cfg Config) *Workflow {
	observability.EnsureRegistered()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Store == nil {
		cfg.Store = checkpoint.NewMemoryStore()
	}
	if cfg.Expiry == nil {
		cfg.Expiry = NeverExpire{}
	}
	return &Workflow{
		store:    cfg.Store,
		engine:   cfg.Engine,
		executor: cfg.Executor,
		bus:      cfg.Bus,
		expiry:   cfg.Expiry,
		logger:   logger.With().Str("component", "workflow").Logger(),
		now:      time.Now,
	}
}

// Start enters the workflow from the supervisor with the live session
func (w *Workflow) Start(ctx context.Context, state *session.State) Result {
	ctx, span := tracing.StartSpan(ctx, "devrel.workflow", "workflow.start",
		attribute.String("session_id", state.SessionID),
	)
	defer span.End()

	return w.run(ctx, state.SessionID, state, false)
}

// ResumeOption adjusts Resume
type ResumeOption func(*resumeOptions)

type resumeOptions struct {
	base *session.State
}

// WithBase supplies the live session used when no checkpoint can be resumed
func WithBase(state *session.State) ResumeOption {
	return func(o *resumeOptions) { o.base = state }
}

// Resume continues the paused workflow stored under stateID with the user's
// reply. A missing or expired checkpoint starts fresh.
func (w *Workflow) Resume(ctx context.Context, stateID, input string, opts ...ResumeOption) Result {
	var o resumeOptions
	for _, opt := range opts {
		opt(&o)
	}
	parent := ParentID(stateID)

	ctx, span := tracing.StartSpan(ctx, "devrel.workflow", "workflow.resume",
		attribute.String("state_id", stateID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, w.logger)

	cp, err := w.store.Get(ctx, stateID)
	switch {
	case err == nil && w.expiry.Expired(cp, w.now()):
		logger.Info().Str("state_id", stateID).Time("updated_at", cp.UpdatedAt).Msg("Checkpoint expired, starting fresh")
		if err := w.store.Delete(ctx, stateID); err != nil {
			logger.Warn().Err(err).Msg("Failed to delete expired checkpoint")
		}
		observability.AddWorkflowPaused(-1)
		cp = nil
	case errors.Is(err, checkpoint.ErrNotFound):
		logger.Info().Str("state_id", stateID).Msg("No checkpoint, starting fresh")
		cp = nil
	case err != nil:
		tracing.RecordError(span, err)
		state := freshState(parent, o.base)
		state.AppendMessage(session.RoleUser, input)
		return w.fail(ctx, parent, state, NodeResume, fmt.Errorf("load checkpoint: %w", err), false)
	}

	if cp == nil {
		state := freshState(parent, o.base)
		state.AppendMessage(session.RoleUser, input)
		res := w.run(ctx, parent, state, false)
		res.Fresh = true
		return res
	}

	state := cp.State
	if state == nil {
		state = freshState(parent, o.base)
	}
	state.PendingPrompt = ""
	state.AppendMessage(session.RoleUser, input)
	return w.run(ctx, parent, state, true)
}

func freshState(parent string, base *session.State) *session.State {
	var st *session.State
	if base != nil {
		st = base.Clone()
	} else {
		st = session.NewState(parent, "", "")
	}
	st.Task = session.TaskNone
	st.PendingPrompt = ""
	return st
}

// Delegate lets the supervisor hand technical_support to the workflow
func (w *Workflow) Delegate(ctx context.Context, state *session.State) (supervisor.Handoff, error) {
	res := w.Start(ctx, state)
	return supervisor.Handoff{
		Node:   string(res.Node),
		Paused: res.Paused,
		Failed: res.Failed,
		Prompt: res.Prompt,
	}, nil
}

// Pending reports whether a checkpoint exists for the parent session. It is
// how a restarted process finds workflows paused before the restart.
func (w *Workflow) Pending(ctx context.Context, parentSessionID string) bool {
	_, err := w.store.Get(ctx, SubID(parentSessionID))
	return err == nil
}

// Cancel drops the checkpoint of a parent session, if any
func (w *Workflow) Cancel(ctx context.Context, parentSessionID string) error {
	id := SubID(parentSessionID)
	if _, err := w.store.Get(ctx, id); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := w.store.Delete(ctx, id); err != nil {
		return err
	}
	observability.AddWorkflowPaused(-1)
	return nil
}

// run walks nodes from entry until a pause, the terminal node or a failure.
// resumed marks that a checkpoint existed before this run.
func (w *Workflow) run(ctx context.Context, parent string, state *session.State, resumed bool) (res Result) {
	node := NodeEntry
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Str("node", string(node)).
				Msg("Workflow node panicked")
			res = w.fail(ctx, parent, state, node, fmt.Errorf("node %s panicked: %v", node, rec), resumed)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return w.fail(ctx, parent, state, node, err, resumed)
		}
		observability.RecordWorkflowTransition(string(node))

		switch node {
		case NodeEntry:
			if state.Task != session.TaskNone && len(state.Messages) > 1 {
				node = NodeResume
			} else {
				node = NodeClarify
			}

		case NodeResume:
			node = Route(state.Task)

		case NodeClarify:
			return w.pause(ctx, parent, state, NodeClarify, clarifyPrompt, session.TaskAwaitingContext, resumed)

		case NodePropose:
			prompt, task, err := w.propose(ctx, state)
			if err != nil {
				return w.fail(ctx, parent, state, NodePropose, err, resumed)
			}
			return w.pause(ctx, parent, state, NodePropose, prompt, task, resumed)

		case NodeExecute:
			w.execute(ctx, state)
			node = NodePresent

		case NodePresent:
			return w.pause(ctx, parent, state, NodePresent, w.present(ctx, state), session.TaskAwaitingOptionChoice, resumed)

		case NodeTerminal:
			return w.finish(ctx, parent, state, resumed)

		default:
			return w.fail(ctx, parent, state, node, fmt.Errorf("unknown node %q", node), resumed)
		}
	}
}

func (w *Workflow) pause(ctx context.Context, parent string, state *session.State, node Node, prompt string, task session.TaskState, resumed bool) Result {
	state.Task = task
	state.PendingPrompt = prompt
	state.LastCompletedAction = string(node)
	state.AppendMessage(session.RoleAssistant, prompt)

	cp := &checkpoint.Checkpoint{
		ID:              SubID(parent),
		ParentSessionID: parent,
		Node:            string(node),
		State:           state,
	}
	if err := w.store.Put(ctx, cp); err != nil {
		return w.fail(ctx, parent, state, node, fmt.Errorf("save checkpoint: %w", err), resumed)
	}
	if !resumed {
		observability.AddWorkflowPaused(1)
	}

	observability.RecordWorkflowAudit(ctx, string(node), parent, "paused", map[string]interface{}{
		"task": state.CurrentTask(),
	})
	w.emit(ctx, eventbus.WorkflowPaused, state, map[string]interface{}{
		"session_id": parent,
		"state_id":   cp.ID,
		"node":       string(node),
		"task":       state.CurrentTask(),
		"prompt":     prompt,
	})

	logger := tracing.LoggerFromContext(ctx, w.logger)
	logger.Info().
		Str("node", string(node)).
		Str("task", state.CurrentTask()).
		Msg("Workflow paused")

	return Result{Node: node, Paused: true, Prompt: prompt, State: state}
}

func (w *Workflow) finish(ctx context.Context, parent string, state *session.State, resumed bool) Result {
	w.drop(ctx, parent, resumed)

	state.PendingPrompt = ""
	state.Task = session.TaskCompleted

	observability.RecordWorkflowAudit(ctx, string(NodeTerminal), parent, "completed", nil)
	w.emit(ctx, eventbus.WorkflowCompleted, state, map[string]interface{}{
		"session_id": parent,
		"status":     "completed",
	})
	logger := tracing.LoggerFromContext(ctx, w.logger)
	logger.Info().Msg("Workflow completed")

	return Result{Node: NodeTerminal, State: state}
}

func (w *Workflow) fail(ctx context.Context, parent string, state *session.State, node Node, err error, resumed bool) Result {
	logger := tracing.LoggerFromContext(ctx, w.logger)
	logger.Error().
		Err(err).
		Str("node", string(node)).
		Msg("Workflow node failed")

	w.drop(ctx, parent, resumed)

	state.PendingPrompt = ""
	state.Task = session.TaskError
	state.AppendMessage(session.RoleAssistant, Apology)

	observability.RecordWorkflowAudit(ctx, string(node), parent, "error", map[string]interface{}{
		"error": err.Error(),
	})
	w.emit(ctx, eventbus.WorkflowCompleted, state, map[string]interface{}{
		"session_id": parent,
		"status":     "error",
		"node":       string(node),
	})

	return Result{Node: node, Failed: true, Prompt: Apology, State: state}
}

func (w *Workflow) drop(ctx context.Context, parent string, resumed bool) {
	// Detached so a cancelled request still removes its checkpoint
	if err := w.store.Delete(tracing.Detach(ctx), SubID(parent)); err != nil {
		w.logger.Warn().Err(err).Str("session_id", parent).Msg("Failed to delete checkpoint")
	}
	if resumed {
		observability.AddWorkflowPaused(-1)
	}
}

func (w *Workflow) emit(ctx context.Context, t eventbus.EventType, state *session.State, payload map[string]interface{}) {
	if w.bus == nil {
		return
	}
	platform, err := eventbus.ParsePlatform(state.Platform)
	if err != nil {
		platform = eventbus.PlatformSystem
	}
	if err := w.bus.Dispatch(ctx, eventbus.NewEvent(t, platform, state.UserID, payload)); err != nil {
		w.logger.Warn().Err(err).Str("event_type", string(t)).Msg("Failed to dispatch workflow event")
	}
}
