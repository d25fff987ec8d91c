package coordinator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/devrel/pkg/actions"
	"github.com/harun/devrel/pkg/checkpoint"
	"github.com/harun/devrel/pkg/commandqueue"
	"github.com/harun/devrel/pkg/eventbus"
	"github.com/harun/devrel/pkg/session"
	"github.com/harun/devrel/pkg/supervisor"
	"github.com/harun/devrel/pkg/workflow"
	"github.com/harun/devrel/pkg/workqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptEngine answers supervisor prompts from a queue of decisions and
// everything else from fixed replies.
type scriptEngine struct {
	mu        sync.Mutex
	decisions []string
	calls     int32

	// holdOn blocks any prompt about this user message until hold closes
	holdOn string
	hold   chan struct{}
}

func (e *scriptEngine) Infer(ctx context.Context, prompt string) (string, error) {
	if e.hold != nil && strings.Contains(prompt, "User message: "+e.holdOn) {
		select {
		case <-e.hold:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	switch {
	case strings.Contains(prompt, "Current iteration"):
		atomic.AddInt32(&e.calls, 1)
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.decisions) == 0 {
			return "THINK: done\nACT: complete\nREASON: answered", nil
		}
		d := e.decisions[0]
		e.decisions = e.decisions[1:]
		return d, nil
	case strings.Contains(prompt, "Propose the single next investigative step"):
		return `{"action": "github_toolkit", "args": "failing CI runs"}`, nil
	default:
		return "Here is what I found.", nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) handle(_ context.Context, evt eventbus.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(t eventbus.EventType) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	coord    *Coordinator
	engine   *scriptEngine
	bus      *eventbus.Bus
	events   *recorder
	registry *session.Registry
	store    checkpoint.Store
	lanes    *commandqueue.CommandQueue
}

func newHarness(t *testing.T, exec actions.Executor, decisions ...string) *harness {
	t.Helper()
	logger := zerolog.Nop()

	engine := &scriptEngine{decisions: decisions}
	bus := eventbus.New(logger)
	events := &recorder{}
	bus.RegisterGlobalHandler(events.handle)

	store := checkpoint.NewMemoryStore()
	wf := workflow.New(workflow.Config{Store: store, Engine: engine, Executor: exec, Bus: bus, Logger: &logger})
	sup := supervisor.New(supervisor.Config{Engine: engine, Executor: exec, Delegate: wf, Logger: &logger})

	transcripts, err := session.NewTranscripts(t.TempDir())
	require.NoError(t, err)

	dedup := commandqueue.NewDedup(context.Background(), time.Minute)
	t.Cleanup(dedup.Stop)

	lanes := commandqueue.New()
	t.Cleanup(func() { _ = lanes.Close() })

	registry := session.NewRegistry()
	coord, err := New(Config{
		Lanes:       lanes,
		Registry:    registry,
		Transcripts: transcripts,
		Supervisor:  sup,
		Responder:   supervisor.NewResponder(engine, "Acme"),
		Workflow:    wf,
		Bus:         bus,
		Dedup:       dedup,
		Logger:      &logger,
	})
	require.NoError(t, err)

	return &harness{coord: coord, engine: engine, bus: bus, events: events, registry: registry, store: store, lanes: lanes}
}

func task(payload map[string]interface{}) *workqueue.Task {
	return &workqueue.Task{ID: "t", HandlerKey: HandlerRequest, Payload: payload}
}

func okExecutor() actions.Executor {
	return actions.ExecutorFunc(func(_ context.Context, action actions.Name, arg string) (actions.Result, error) {
		return actions.Success(map[string]any{"action": string(action), "arg": arg}), nil
	})
}

func TestHandleRequest_AnswersAndRaisesResponse(t *testing.T) {
	h := newHarness(t, okExecutor(), "THINK: look it up\nACT: faq_handler\nREASON: common question")
	ctx := context.Background()

	err := h.coord.HandleRequest(ctx, task(map[string]interface{}{
		"session_id": "s1",
		"user_id":    "u1",
		"platform":   "discord",
		"thread_id":  "th-1",
		"channel_id": "ch-1",
		"content":    "How do I install the CLI?",
	}))
	require.NoError(t, err)
	require.True(t, h.bus.Wait(time.Second))

	ready := h.events.ofType(eventbus.ResponseReady)
	require.Len(t, ready, 1)
	assert.Equal(t, eventbus.PlatformDiscord, ready[0].Platform)
	assert.Equal(t, "s1", ready[0].Payload["session_id"])
	assert.Equal(t, "th-1", ready[0].Payload["thread_id"])
	assert.Equal(t, "ch-1", ready[0].Payload["channel_id"])
	assert.Equal(t, "Here is what I found.", ready[0].Payload["response"])

	st, ok := h.registry.Get("s1")
	require.True(t, ok)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, session.RoleUser, st.Messages[0].Role)
	assert.Equal(t, "Here is what I found.", st.Messages[1].Content)
	require.Len(t, st.Context.ToolResults, 1)
	assert.Equal(t, "faq_handler", st.Context.ToolResults[0].Tool)
	assert.Equal(t, 2, st.Context.IterationCount)
}

func TestHandleRequest_WorkflowPausesThenResumes(t *testing.T) {
	h := newHarness(t, okExecutor(), "THINK: needs debugging\nACT: technical_support\nREASON: bug report")
	ctx := context.Background()

	require.NoError(t, h.coord.HandleRequest(ctx, task(map[string]interface{}{
		"session_id": "s1", "platform": "github", "content": "CI keeps failing",
	})))

	st, ok := h.registry.Get("s1")
	require.True(t, ok)
	assert.True(t, st.Paused())
	assert.Equal(t, session.TaskAwaitingContext, st.Task)
	calls := atomic.LoadInt32(&h.engine.calls)

	require.NoError(t, h.coord.HandleRequest(ctx, task(map[string]interface{}{
		"session_id": "s1", "platform": "github", "content": "acme/api",
	})))
	require.True(t, h.bus.Wait(time.Second))

	assert.Equal(t, calls, atomic.LoadInt32(&h.engine.calls), "resume must bypass the supervisor")

	st, ok = h.registry.Get("s1")
	require.True(t, ok)
	assert.Equal(t, session.TaskAwaitingActionApproval, st.Task)

	ready := h.events.ofType(eventbus.ResponseReady)
	require.Len(t, ready, 2)
	responses := []interface{}{ready[0].Payload["response"], ready[1].Payload["response"]}
	assert.Contains(t, responses, "Okay, based on that, I plan to investigate the following: 'failing CI runs'. Does that sound like the right first step?")
	assert.NotEmpty(t, h.events.ofType(eventbus.WorkflowPaused))
}

func TestHandleRequest_ResumeKeepsToolHistory(t *testing.T) {
	h := newHarness(t, okExecutor(), "ACT: web_search", "ACT: technical_support")
	ctx := context.Background()

	require.NoError(t, h.coord.HandleRequest(ctx, task(map[string]interface{}{"session_id": "s1", "content": "CI fails on main"})))
	require.NoError(t, h.coord.HandleRequest(ctx, task(map[string]interface{}{"session_id": "s1", "content": "acme/api"})))

	st, ok := h.registry.Get("s1")
	require.True(t, ok)
	var tools []string
	for _, tr := range st.Context.ToolResults {
		tools = append(tools, tr.Tool)
	}
	assert.Equal(t, []string{"web_search", "technical_support"}, tools)
	assert.Equal(t, "technical_support", st.LastCompletedAction)
	assert.Equal(t, session.TaskAwaitingActionApproval, st.Task)
}

func TestHandleRequest_DuplicateIgnored(t *testing.T) {
	h := newHarness(t, okExecutor())
	ctx := context.Background()
	payload := map[string]interface{}{"request_id": "r-1", "session_id": "s1", "content": "hi"}

	require.NoError(t, h.coord.HandleRequest(ctx, task(payload)))
	require.NoError(t, h.coord.HandleRequest(ctx, task(payload)))

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.engine.calls))
	st, _ := h.registry.Get("s1")
	assert.Len(t, st.Messages, 2)
}

func TestHandleRequest_FailureRaisesApology(t *testing.T) {
	exec := actions.ExecutorFunc(func(context.Context, actions.Name, string) (actions.Result, error) {
		panic("executor exploded")
	})
	h := newHarness(t, exec, "ACT: web_search")
	ctx := context.Background()

	err := h.coord.HandleRequest(ctx, task(map[string]interface{}{"session_id": "s1", "content": "search"}))
	require.Error(t, err)
	require.True(t, h.bus.Wait(time.Second))

	failed := h.events.ofType(eventbus.TaskFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Payload["error"], "executor exploded")

	ready := h.events.ofType(eventbus.ResponseReady)
	require.Len(t, ready, 1)
	assert.Equal(t, supervisor.Apology, ready[0].Payload["response"])
}

func TestDispatchRequest_BusySessionDoesNotHoldWorkers(t *testing.T) {
	h := newHarness(t, okExecutor())
	h.engine.holdOn = "slow question"
	h.engine.hold = make(chan struct{})

	q := workqueue.New(workqueue.Config{Workers: 2, Logger: zerolog.Nop()})
	require.NoError(t, h.coord.Register(q))
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(time.Second) })

	enqueue := func(id, sessionID, content string) {
		_, err := q.Enqueue(context.Background(), HandlerRequest, map[string]interface{}{
			"request_id": id, "session_id": sessionID, "content": content,
		}, workqueue.High)
		require.NoError(t, err)
	}
	enqueue("a-1", "A", "slow question")
	enqueue("a-2", "A", "slow question")
	enqueue("b-1", "B", "quick question")

	require.Eventually(t, func() bool {
		for _, evt := range h.events.ofType(eventbus.ResponseReady) {
			if evt.Payload["session_id"] == "B" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "session B must be answered while A is busy")

	assert.True(t, h.lanes.Active("A"))
	assert.Equal(t, 1, h.lanes.QueueSize("A"))
	assert.Eventually(t, func() bool { return q.Stats().Busy == 0 }, time.Second, 5*time.Millisecond)

	close(h.engine.hold)
	require.Eventually(t, func() bool {
		return len(h.events.ofType(eventbus.ResponseReady)) == 3
	}, 2*time.Second, 5*time.Millisecond)

	st, ok := h.registry.Get("A")
	require.True(t, ok)
	assert.Len(t, st.Messages, 4)
}

func TestDispatchRequest_FailureRaisesApology(t *testing.T) {
	exec := actions.ExecutorFunc(func(context.Context, actions.Name, string) (actions.Result, error) {
		panic("executor exploded")
	})
	h := newHarness(t, exec, "ACT: web_search")

	require.NoError(t, h.coord.DispatchRequest(context.Background(), task(map[string]interface{}{"session_id": "s1", "content": "search"})))

	require.Eventually(t, func() bool {
		return len(h.events.ofType(eventbus.TaskFailed)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, h.bus.Wait(time.Second))

	ready := h.events.ofType(eventbus.ResponseReady)
	require.Len(t, ready, 1)
	assert.Equal(t, supervisor.Apology, ready[0].Payload["response"])
}

func TestHandleRequest_InvalidPayload(t *testing.T) {
	h := newHarness(t, okExecutor())
	err := h.coord.HandleRequest(context.Background(), task(map[string]interface{}{"session_id": "s1"}))
	assert.Error(t, err)
}

func TestClose_DropsWorkflowAndState(t *testing.T) {
	h := newHarness(t, okExecutor(), "ACT: technical_support")
	ctx := context.Background()

	require.NoError(t, h.coord.HandleRequest(ctx, task(map[string]interface{}{"session_id": "s1", "content": "broken"})))
	_, err := h.store.Get(ctx, workflow.SubID("s1"))
	require.NoError(t, err)

	require.NoError(t, h.coord.HandleSessionClose(ctx, &workqueue.Task{
		HandlerKey: HandlerSessionClose,
		Payload:    map[string]interface{}{"session_id": "s1"},
	}))

	_, err = h.store.Get(ctx, workflow.SubID("s1"))
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	_, ok := h.registry.Get("s1")
	assert.False(t, ok)

	err = h.coord.HandleSessionClose(ctx, &workqueue.Task{Payload: map[string]interface{}{}})
	assert.Error(t, err)
}

func TestParseRequest(t *testing.T) {
	r, err := ParseRequest(map[string]interface{}{
		"platform":  "github",
		"thread_id": "acme/api#42",
		"content":   "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, eventbus.PlatformGitHub, r.Platform)
	assert.Equal(t, "github-acme_api#42", r.SessionID)
	assert.NoError(t, session.ValidateSessionID(r.SessionID))

	r, err = ParseRequest(map[string]interface{}{"content": "hello"})
	require.NoError(t, err)
	assert.Equal(t, eventbus.PlatformSystem, r.Platform)
	assert.NotEmpty(t, r.SessionID)

	_, err = ParseRequest(map[string]interface{}{"content": "hello", "platform": "myspace"})
	assert.Error(t, err)

	_, err = ParseRequest(map[string]interface{}{"content": "   "})
	assert.Error(t, err)

	back, err := ParseRequest(Request{SessionID: "s", Platform: eventbus.PlatformSlack, Content: "x"}.Payload())
	require.NoError(t, err)
	assert.Equal(t, "s", back.SessionID)
	assert.Equal(t, eventbus.PlatformSlack, back.Platform)
}
