package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/harun/devrel/pkg/actions"
	"github.com/harun/devrel/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedEngine returns replies in order and repeats the last one
type scriptedEngine struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (e *scriptedEngine) Infer(ctx context.Context, prompt string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, prompt)
	if e.err != nil {
		return "", e.err
	}
	i := len(e.prompts) - 1
	if i >= len(e.replies) {
		i = len(e.replies) - 1
	}
	return e.replies[i], nil
}

func (e *scriptedEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.prompts)
}

type recordingExecutor struct {
	mu   sync.Mutex
	runs []string
	fail map[actions.Name]error
	args []string
}

func (r *recordingExecutor) Run(ctx context.Context, action actions.Name, arg string) (actions.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, string(action))
	r.args = append(r.args, arg)
	if err := r.fail[action]; err != nil {
		return actions.Failure(err), err
	}
	return actions.Success(map[string]any{"answer": "result of " + string(action)}), nil
}

type fakeDelegate struct {
	handoff  Handoff
	err      error
	calls    int
	snapshot *session.State
}

func (f *fakeDelegate) Delegate(ctx context.Context, state *session.State) (Handoff, error) {
	f.calls++
	f.snapshot = state.Clone()
	if f.handoff.Prompt != "" {
		state.AppendMessage(session.RoleAssistant, f.handoff.Prompt)
		state.PendingPrompt = f.handoff.Prompt
	}
	return f.handoff, f.err
}

func turn(text string) string {
	return fmt.Sprintf("THINK: the user asked something\nACT: %s\nREASON: it fits", text)
}

func newSession(msg string) *session.State {
	st := session.NewState("s1", "u1", "discord")
	st.AppendMessage(session.RoleUser, msg)
	return st
}

func TestParseText(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		action    actions.Name
		thinking  string
		reasoning string
		malformed bool
	}{
		{
			name:      "well formed",
			raw:       "THINK: needs docs\nACT: faq_handler\nREASON: it is a setup question",
			action:    actions.FAQHandler,
			thinking:  "needs docs",
			reasoning: "it is a setup question",
		},
		{
			name:      "multi-line sections",
			raw:       "THINK: first line\nsecond line\n\nACT: web_search\nREASON: one\ntwo",
			action:    actions.WebSearch,
			thinking:  "first line second line",
			reasoning: "one two",
		},
		{
			name:     "case and markdown tolerant",
			raw:      "**Think:** hmm\n**Act:** GitHub_Toolkit",
			action:   actions.GitHubToolkit,
			thinking: "hmm",
		},
		{
			name:      "missing act",
			raw:       "THINK: not sure\nREASON: no idea",
			action:    actions.Complete,
			thinking:  "not sure",
			reasoning: "no idea",
			malformed: true,
		},
		{
			name:      "unknown act",
			raw:       "THINK: x\nACT: delete_everything\nREASON: y",
			action:    actions.Complete,
			thinking:  "x",
			reasoning: "y",
			malformed: true,
		},
		{
			name:      "empty",
			raw:       "   ",
			action:    actions.Complete,
			malformed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseText(tt.raw)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.thinking, d.Thinking)
			assert.Equal(t, tt.reasoning, d.Reasoning)
			if tt.malformed {
				assert.ErrorIs(t, err, ErrMalformedDecision)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseStructured(t *testing.T) {
	d, err := ParseStructured(`{"action":"web_search","thinking":"t","reasoning":"r","argument":"go release notes"}`)
	require.NoError(t, err)
	assert.Equal(t, actions.WebSearch, d.Action)
	assert.Equal(t, "go release notes", d.Argument)

	d, err = ParseStructured("```json\n{\"action\": \"onboarding\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, actions.Onboarding, d.Action)

	d, err = ParseStructured("Sure! Here you go: {\"action\": \"faq_handler\", \"reasoning\": \"faq\"} hope it helps")
	require.NoError(t, err)
	assert.Equal(t, actions.FAQHandler, d.Action)

	for name, raw := range map[string]string{
		"unknown action": `{"action":"drop_db"}`,
		"missing action": `{"thinking":"t"}`,
		"extra field":    `{"action":"complete","confidence":0.9}`,
		"wrong type":     `{"action":42}`,
		"not json":       `ACT: web_search`,
		"broken json":    `{"action": "web_search"`,
	} {
		t.Run(name, func(t *testing.T) {
			d, err := ParseStructured(raw)
			assert.ErrorIs(t, err, ErrMalformedDecision)
			assert.Equal(t, actions.Complete, d.Action)
		})
	}
}

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol("")
	require.NoError(t, err)
	assert.Equal(t, ProtocolText, p)

	p, err = ParseProtocol("Structured")
	require.NoError(t, err)
	assert.Equal(t, ProtocolStructured, p)

	_, err = ParseProtocol("xml")
	assert.Error(t, err)
}

func TestDecide_AtCapSkipsEngine(t *testing.T) {
	engine := &scriptedEngine{replies: []string{turn("web_search")}}
	s := New(Config{Engine: engine})

	st := newSession("help")
	st.Context.IterationCount = MaxIterations

	d := s.Decide(context.Background(), st)
	assert.Equal(t, actions.Complete, d.Action)
	assert.Equal(t, "iteration limit reached", d.Reasoning)
	assert.Equal(t, 0, engine.calls())
}

func TestDecide_EngineFailureCompletes(t *testing.T) {
	s := New(Config{Engine: &scriptedEngine{err: errors.New("503 upstream")}})

	d := s.Decide(context.Background(), newSession("help"))
	assert.Equal(t, actions.Complete, d.Action)
	assert.True(t, strings.HasPrefix(d.Reasoning, "reasoning engine unavailable"))
}

func TestRun_ActThenComplete(t *testing.T) {
	engine := &scriptedEngine{replies: []string{turn("web_search"), turn("complete")}}
	exec := &recordingExecutor{}
	s := New(Config{Engine: engine, Executor: exec})

	st := newSession("what changed in the last release?")
	out := s.Run(context.Background(), st)

	assert.Equal(t, actions.Complete, out.Decision.Action)
	assert.Equal(t, 1, out.Iterations)
	assert.False(t, out.Paused)
	assert.Empty(t, out.Prompt)

	assert.Equal(t, []string{"web_search"}, exec.runs)
	assert.Equal(t, []string{"what changed in the last release?"}, exec.args)
	assert.Equal(t, 2, st.Context.IterationCount)
	require.Len(t, st.Context.ToolResults, 1)
	assert.Equal(t, "web_search", st.Context.ToolResults[0].Tool)
	assert.Equal(t, actions.StatusSuccess, st.Context.ToolResults[0].Status)
	assert.Equal(t, 1, st.Context.ToolResults[0].Iteration)
	assert.Equal(t, "web_search", st.LastCompletedAction)
	require.NotNil(t, st.Context.LastDecision)
	assert.Equal(t, "complete", st.Context.LastDecision.Action)
}

func TestRun_StopsAtIterationCap(t *testing.T) {
	engine := &scriptedEngine{replies: []string{turn("faq_handler")}}
	exec := &recordingExecutor{}
	s := New(Config{Engine: engine, Executor: exec})

	st := newSession("loop forever")
	out := s.Run(context.Background(), st)

	assert.Equal(t, actions.Complete, out.Decision.Action)
	assert.Equal(t, "iteration limit reached", out.Reason)
	assert.Equal(t, MaxIterations, out.Iterations)
	assert.Equal(t, MaxIterations, st.Context.IterationCount)
	assert.Equal(t, MaxIterations, engine.calls())
	assert.Len(t, exec.runs, MaxIterations)
}

func TestRun_ToolResultsStayBounded(t *testing.T) {
	engine := &scriptedEngine{replies: []string{turn("faq_handler")}}
	s := New(Config{Engine: engine, Executor: &recordingExecutor{}})

	st := newSession("q")
	for i := 0; i < 15; i++ {
		st.AddToolResult(session.ToolResult{Tool: "older", Status: "success"})
	}

	s.Run(context.Background(), st)
	assert.Len(t, st.Context.ToolResults, session.MaxToolResults)
	assert.Equal(t, "faq_handler", st.Context.ToolResults[session.MaxToolResults-1].Tool)
}

func TestRun_ActionFailureIsObservedAndLoopContinues(t *testing.T) {
	engine := &scriptedEngine{replies: []string{turn("web_search"), turn("faq_handler"), turn("complete")}}
	exec := &recordingExecutor{fail: map[actions.Name]error{actions.WebSearch: errors.New("search down")}}
	s := New(Config{Engine: engine, Executor: exec})

	st := newSession("q")
	out := s.Run(context.Background(), st)

	assert.Equal(t, 2, out.Iterations)
	require.Len(t, st.Context.ToolResults, 2)
	assert.Equal(t, actions.StatusError, st.Context.ToolResults[0].Status)
	assert.Contains(t, st.Context.ToolResults[0].Result["error"], "search down")
	assert.Equal(t, actions.StatusSuccess, st.Context.ToolResults[1].Status)
	assert.Equal(t, 3, st.Context.IterationCount)
}

func TestRun_NoExecutorRecordsError(t *testing.T) {
	engine := &scriptedEngine{replies: []string{turn("onboarding"), turn("complete")}}
	s := New(Config{Engine: engine})

	st := newSession("hi, I'm new")
	s.Run(context.Background(), st)

	require.Len(t, st.Context.ToolResults, 1)
	assert.Equal(t, actions.StatusError, st.Context.ToolResults[0].Status)
}

func TestRun_TechnicalSupportPauses(t *testing.T) {
	engine := &scriptedEngine{replies: []string{turn("technical_support")}}
	delegate := &fakeDelegate{handoff: Handoff{Node: "clarify", Paused: true, Prompt: "Which repository?"}}
	s := New(Config{Engine: engine, Executor: &recordingExecutor{}, Delegate: delegate})

	st := newSession("my build is broken")
	out := s.Run(context.Background(), st)

	assert.True(t, out.Paused)
	assert.Equal(t, "Which repository?", out.Prompt)
	assert.Equal(t, actions.TechnicalSupport, out.Decision.Action)
	assert.Equal(t, 1, engine.calls())
	assert.Equal(t, 1, delegate.calls)
	assert.True(t, st.Paused())
	require.Len(t, st.Context.ToolResults, 1)
	assert.Equal(t, "technical_support", st.Context.ToolResults[0].Tool)
	assert.Equal(t, true, st.Context.ToolResults[0].Result["paused"])
	assert.Equal(t, "technical_support", st.LastCompletedAction)
}

func TestRun_HandoffIsInPausedSnapshot(t *testing.T) {
	engine := &scriptedEngine{replies: []string{turn("web_search"), turn("technical_support")}}
	delegate := &fakeDelegate{handoff: Handoff{Node: "clarify", Paused: true, Prompt: "Which repository?"}}
	s := New(Config{Engine: engine, Executor: &recordingExecutor{}, Delegate: delegate})

	st := newSession("search for the error, then help me debug")
	s.Run(context.Background(), st)

	require.NotNil(t, delegate.snapshot)
	tools := func(st *session.State) []string {
		var out []string
		for _, tr := range st.Context.ToolResults {
			out = append(out, tr.Tool)
		}
		return out
	}
	assert.Equal(t, []string{"web_search", "technical_support"}, tools(delegate.snapshot))
	assert.Equal(t, "technical_support", delegate.snapshot.LastCompletedAction)
	assert.Equal(t, []string{"web_search", "technical_support"}, tools(st))
	assert.Equal(t, "clarify", st.Context.ToolResults[1].Result["node"])
}

func TestRun_FailedActionLeavesExecutorPayloadAlone(t *testing.T) {
	shared := map[string]any{"hint": "cached"}
	exec := actions.ExecutorFunc(func(context.Context, actions.Name, string) (actions.Result, error) {
		return actions.Result{Status: actions.StatusError, Payload: shared}, errors.New("quota exceeded")
	})
	engine := &scriptedEngine{replies: []string{turn("web_search"), turn("complete")}}
	s := New(Config{Engine: engine, Executor: exec})

	st := newSession("latest release?")
	s.Run(context.Background(), st)

	assert.Equal(t, map[string]any{"hint": "cached"}, shared)
	require.Len(t, st.Context.ToolResults, 1)
	assert.Equal(t, "quota exceeded", st.Context.ToolResults[0].Result["error"])
	assert.Equal(t, "cached", st.Context.ToolResults[0].Result["hint"])
}

func TestRun_TechnicalSupportWithoutDelegate(t *testing.T) {
	engine := &scriptedEngine{replies: []string{turn("technical_support"), turn("complete")}}
	s := New(Config{Engine: engine})

	st := newSession("q")
	out := s.Run(context.Background(), st)

	assert.False(t, out.Paused)
	require.Len(t, st.Context.ToolResults, 1)
	assert.Equal(t, actions.StatusError, st.Context.ToolResults[0].Status)
}

func TestRun_StructuredProtocolPassesArgument(t *testing.T) {
	engine := &scriptedEngine{replies: []string{
		`{"action":"github_toolkit","thinking":"look at issues","argument":"list open issues"}`,
		`{"action":"complete","reasoning":"done"}`,
	}}
	exec := &recordingExecutor{}
	s := New(Config{Engine: engine, Executor: exec, Protocol: ProtocolStructured})

	st := newSession("anything open?")
	out := s.Run(context.Background(), st)

	assert.Equal(t, "done", out.Reason)
	assert.Equal(t, []string{"list open issues"}, exec.args)
	assert.Contains(t, engine.prompts[0], `"enum"`)
}

func TestRun_CancelledContext(t *testing.T) {
	engine := &scriptedEngine{replies: []string{turn("web_search")}}
	s := New(Config{Engine: engine, Executor: &recordingExecutor{}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := s.Run(ctx, newSession("q"))
	assert.Equal(t, actions.Complete, out.Decision.Action)
	assert.Equal(t, 0, engine.calls())
}

func TestBuildPrompt_HistoryWindowAndClip(t *testing.T) {
	st := session.NewState("s1", "u1", "slack")
	for i := 0; i < 5; i++ {
		st.AppendMessage(session.RoleUser, fmt.Sprintf("message-%d", i))
	}
	st.AppendMessage(session.RoleAssistant, strings.Repeat("x", 250))
	st.AppendMessage(session.RoleUser, "latest question")

	prompt := BuildPrompt(st, ProtocolText, "Acme")

	assert.NotContains(t, prompt, "message-0")
	assert.NotContains(t, prompt, "message-1")
	assert.Contains(t, prompt, "message-2")
	assert.Contains(t, prompt, "assistant: "+strings.Repeat("x", HistoryClip)+"...")
	assert.Contains(t, prompt, "User message: latest question")
	assert.NotContains(t, prompt, strings.Repeat("x", HistoryClip+1))
	assert.Contains(t, prompt, "No previous tool results")
	assert.Contains(t, prompt, "Platform: slack")
	assert.Contains(t, prompt, "ACT:")
}

func TestResponder(t *testing.T) {
	engine := &scriptedEngine{replies: []string{"  Here is your answer.  "}}
	r := NewResponder(engine, "Acme")

	st := session.NewState("s1", "u1", "discord")
	for i := 0; i < 12; i++ {
		st.AppendMessage(session.RoleUser, fmt.Sprintf("turn %d", i))
	}
	st.TaskResult = map[string]interface{}{"status": "success"}

	assert.Equal(t, "Here is your answer.", r.Respond(context.Background(), st))
	assert.Contains(t, engine.prompts[0], "[Showing last 10 of 12 messages]")
	assert.Contains(t, engine.prompts[0], `"status": "success"`)

	failing := NewResponder(&scriptedEngine{err: errors.New("down")}, "")
	assert.Equal(t, Apology, failing.Respond(context.Background(), st))
	assert.Equal(t, Apology, NewResponder(nil, "").Respond(context.Background(), st))
}
