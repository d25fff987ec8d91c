package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/harun/devrel/pkg/commandqueue"
	"github.com/harun/devrel/pkg/eventbus"
	"github.com/harun/devrel/pkg/session"
	"github.com/harun/devrel/pkg/supervisor"
	"github.com/harun/devrel/pkg/workflow"
	"github.com/harun/devrel/pkg/workqueue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config wires a Coordinator. Transcripts and Dedup are optional.
type Config struct {
	Lanes       *commandqueue.CommandQueue
	Registry    *session.Registry
	Transcripts *session.Transcripts
	Supervisor  *supervisor.Supervisor
	Responder   *supervisor.Responder
	Workflow    *workflow.Workflow
	Bus         *eventbus.Bus
	Dedup       *commandqueue.Dedup
	Logger      *zerolog.Logger
}

// Coordinator turns queued requests into replies. Every session is handled
// on its own command lane, so one session never has two writers.
type Coordinator struct {
	lanes       *commandqueue.CommandQueue
	registry    *session.Registry
	transcripts *session.Transcripts
	supervisor  *supervisor.Supervisor
	responder   *supervisor.Responder
	workflow    *workflow.Workflow
	bus         *eventbus.Bus
	dedup       *commandqueue.Dedup
	logger      zerolog.Logger
}

// New creates a Coordinator
func New(cfg Config) (*Coordinator, error) {
	if cfg.Lanes == nil || cfg.Registry == nil || cfg.Supervisor == nil {
		return nil, fmt.Errorf("coordinator requires lanes, registry and supervisor")
	}
	if cfg.Responder == nil {
		cfg.Responder = supervisor.NewResponder(nil, "")
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Coordinator{
		lanes:       cfg.Lanes,
		registry:    cfg.Registry,
		transcripts: cfg.Transcripts,
		supervisor:  cfg.Supervisor,
		responder:   cfg.Responder,
		workflow:    cfg.Workflow,
		bus:         cfg.Bus,
		dedup:       cfg.Dedup,
		logger:      logger.With().Str("component", "coordinator").Logger(),
	}, nil
}

// Register binds the coordinator's handlers on q. Requests are handed to
// their session lane with DispatchRequest, so a worker never waits behind a
// busy session.
func (c *Coordinator) Register(q *workqueue.Queue) error {
	if err := q.Register(HandlerRequest, c.DispatchRequest); err != nil {
		return err
	}
	return q.Register(HandlerSessionClose, c.HandleSessionClose)
}

// HandleRequest runs a devrel_request turn and returns once it is done
func (c *Coordinator) HandleRequest(ctx context.Context, task *workqueue.Task) error {
	req, ok, err := c.accept(task)
	if err != nil || !ok {
		return err
	}
	ctx, span := c.begin(ctx, req)

	var reply string
	err = c.lanes.Do(ctx, req.SessionID, func(ctx context.Context) error {
		var err error
		reply, err = c.process(ctx, req)
		return err
	})
	return c.complete(ctx, span, req, reply, err)
}

// DispatchRequest queues a devrel_request turn on the session's lane and
// returns. The reply, or the failure apology, is raised when the turn ends.
func (c *Coordinator) DispatchRequest(ctx context.Context, task *workqueue.Task) error {
	req, ok, err := c.accept(task)
	if err != nil || !ok {
		return err
	}
	ctx, span := c.begin(context.WithoutCancel(ctx), req)

	var reply string
	err = c.lanes.Go(ctx, req.SessionID, func(ctx context.Context) error {
		var err error
		reply, err = c.process(ctx, req)
		return err
	}, func(err error) {
		_ = c.complete(ctx, span, req, reply, err)
	})
	if err != nil {
		return c.complete(ctx, span, req, "", err)
	}
	return nil
}

func (c *Coordinator) accept(task *workqueue.Task) (Request, bool, error) {
	req, err := ParseRequest(task.Payload)
	if err != nil {
		return Request{}, false, fmt.Errorf("invalid %s payload: %w", HandlerRequest, err)
	}
	if c.dedup != nil && c.dedup.Seen(req.RequestID) {
		c.logger.Info().Str("request_id", req.RequestID).Msg("Duplicate request ignored")
		return Request{}, false, nil
	}
	return req, true, nil
}

func (c *Coordinator) begin(ctx context.Context, req Request) (context.Context, trace.Span) {
	ctx = tracing.WithSessionID(ctx, req.SessionID)
	return tracing.StartSpan(ctx, "devrel.coordinator", "coordinator.request",
		attribute.String("session_id", req.SessionID),
		attribute.String("platform", string(req.Platform)),
	)
}

// complete raises the outcome of a turn and ends its span
func (c *Coordinator) complete(ctx context.Context, span trace.Span, req Request, reply string, err error) error {
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	if errors.Is(err, commandqueue.ErrLaneReset) || errors.Is(err, context.Canceled) {
		logger.Info().Err(err).Msg("Request dropped by session close")
		return nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		if c.dedup != nil {
			c.dedup.Forget(req.RequestID)
		}
		c.raiseFailure(ctx, req, err)
		return err
	}

	c.raise(ctx, eventbus.ResponseReady, req, map[string]interface{}{
		"session_id": req.SessionID,
		"thread_id":  req.ThreadID,
		"channel_id": req.ChannelID,
		"response":   reply,
	})
	return nil
}

// process runs one turn. The caller holds the session's lane.
func (c *Coordinator) process(ctx context.Context, req Request) (string, error) {
	logger := tracing.LoggerFromContext(ctx, c.logger)

	state, created := c.registry.GetOrCreate(req.SessionID, req.UserID, string(req.Platform))
	if req.ThreadID != "" {
		state.ThreadID = req.ThreadID
	}
	if req.ChannelID != "" {
		state.ChannelID = req.ChannelID
	}
	if created && c.transcripts != nil {
		if history, err := c.transcripts.Load(ctx, req.SessionID); err == nil && len(history) > 0 {
			state.Messages = history
			logger.Debug().Int("messages", len(history)).Msg("Restored conversation from transcript")
		}
	}

	paused := state.Paused() || (created && c.workflow != nil && c.workflow.Pending(ctx, req.SessionID))

	var reply string
	if paused && c.workflow != nil {
		res := c.workflow.Resume(ctx, workflow.SubID(req.SessionID), req.Content, workflow.WithBase(state))
		if res.State != nil {
			state = res.State
			c.registry.Put(state)
		}
		reply = res.Prompt
		if reply == "" {
			reply = c.responder.Respond(ctx, state)
			state.AppendMessage(session.RoleAssistant, reply)
		}
		logger.Info().
			Str("node", string(res.Node)).
			Bool("paused", res.Paused).
			Bool("fresh", res.Fresh).
			Msg("Workflow resumed")
	} else {
		if !state.Task.Awaiting() {
			state.Task = session.TaskNone
		}
		state.Context.IterationCount = 0
		state.AppendMessage(session.RoleUser, req.Content)

		out := c.supervisor.Run(ctx, state)
		reply = out.Prompt
		if reply == "" {
			reply = c.responder.Respond(ctx, state)
			state.AppendMessage(session.RoleAssistant, reply)
		}
		logger.Info().
			Int("iterations", out.Iterations).
			Bool("paused", out.Paused).
			Str("reason", out.Reason).
			Msg("Supervisor finished")
	}

	state.LastActive = time.Now()
	c.registry.Touch(req.SessionID)

	if c.transcripts != nil {
		now := time.Now()
		if err := c.transcripts.Append(ctx, req.SessionID,
			session.Message{Role: session.RoleUser, Content: req.Content, Timestamp: now},
			session.Message{Role: session.RoleAssistant, Content: reply, Timestamp: now},
		); err != nil {
			logger.Warn().Err(err).Msg("Failed to write transcript")
		}
	}
	return reply, nil
}

// HandleSessionClose is the session_close handler
func (c *Coordinator) HandleSessionClose(ctx context.Context, task *workqueue.Task) error {
	sessionID := str(task.Payload, "session_id")
	if sessionID == "" {
		return fmt.Errorf("invalid %s payload: session_id is required", HandlerSessionClose)
	}
	return c.Close(ctx, sessionID)
}

// Close cancels queued work for the session, drops its workflow checkpoint
// and forgets the live state. The transcript is archived.
func (c *Coordinator) Close(ctx context.Context, sessionID string) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	logger := tracing.LoggerFromContext(ctx, c.logger)

	dropped := c.lanes.Reset(sessionID)

	err := c.lanes.Do(ctx, sessionID, func(ctx context.Context) error {
		if c.workflow != nil {
			if err := c.workflow.Cancel(ctx, sessionID); err != nil {
				return fmt.Errorf("cancel workflow: %w", err)
			}
		}
		c.registry.Remove(sessionID)
		if c.transcripts != nil {
			if err := c.transcripts.Archive(ctx, sessionID); err != nil {
				logger.Warn().Err(err).Msg("Failed to archive transcript")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	observability.RecordWorkflowAudit(ctx, "session_close", sessionID, "closed", map[string]interface{}{
		"dropped": dropped,
	})
	logger.Info().Int("dropped", dropped).Msg("Session closed")
	return nil
}

// Teardown adapts Close for idle session cleanup
func (c *Coordinator) Teardown(ctx context.Context, sessionID string) error {
	return c.Close(ctx, sessionID)
}

func (c *Coordinator) raiseFailure(ctx context.Context, req Request, cause error) {
	c.raise(ctx, eventbus.TaskFailed, req, map[string]interface{}{
		"session_id": req.SessionID,
		"request_id": req.RequestID,
		"error":      cause.Error(),
	})
	c.raise(ctx, eventbus.ResponseReady, req, map[string]interface{}{
		"session_id": req.SessionID,
		"thread_id":  req.ThreadID,
		"channel_id": req.ChannelID,
		"response":   supervisor.Apology,
	})
}

func (c *Coordinator) raise(ctx context.Context, t eventbus.EventType, req Request, payload map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Dispatch(ctx, eventbus.NewEvent(t, req.Platform, req.UserID, payload)); err != nil {
		c.logger.Warn().Err(err).Str("event_type", string(t)).Msg("Failed to raise event")
	}
}
