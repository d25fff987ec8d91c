package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/devrel/internal/tracing"
	"github.com/harun/devrel/pkg/actions"
	"github.com/harun/devrel/pkg/session"
	"github.com/harun/devrel/pkg/supervisor"
	"github.com/xeipuuv/gojsonschema"
)

const (
	clarifyPrompt  = "I can help with that. To start, are you working in a specific repository?"
	rephrasePrompt = "I wasn't able to work out a first step from that. Could you describe the problem again, including the repository and what you expected to happen?"
	approvalFormat = "Okay, based on that, I plan to investigate the following: '%s'. Does that sound like the right first step?"
	presentFormat  = "The tool returned: %s\nWhat would you like to do next?"

	proposalKey = "proposal"
)

// Proposal is the action the workflow plans to run once approved
type Proposal struct {
	Action string      `json:"action"`
	Args   interface{} `json:"args,omitempty"`
}

// Describe renders the proposal arguments for the user
func (p Proposal) Describe() string {
	switch v := p.Args.(type) {
	case nil:
		return p.Action
	case string:
		if v == "" {
			return p.Action
		}
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return p.Action
		}
		return string(data)
	}
}

// Argument is the string handed to the executor
func (p Proposal) Argument() string {
	if s, ok := p.Args.(string); ok {
		return s
	}
	if p.Args == nil {
		return ""
	}
	data, _ := json.Marshal(p.Args)
	return string(data)
}

var proposalSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"action": map[string]interface{}{"type": "string", "minLength": 1},
		"args": map[string]interface{}{
			"type": []interface{}{"string", "object"},
		},
	},
	"required": []interface{}{"action"},
}

var (
	proposalOnce   sync.Once
	proposalLoader *gojsonschema.Schema
	proposalErr    error
)

func compiledProposalSchema() (*gojsonschema.Schema, error) {
	proposalOnce.Do(func() {
		proposalLoader, proposalErr = gojsonschema.NewSchema(gojsonschema.NewGoLoader(proposalSchema))
	})
	return proposalLoader, proposalErr
}

var errUnusableProposal = errors.New("unusable proposal")

// ParseProposal validates an engine reply against the proposal schema
func ParseProposal(raw string) (Proposal, error) {
	body := supervisor.ExtractJSON(raw)
	if body == "" {
		return Proposal{}, fmt.Errorf("%w: no JSON object", errUnusableProposal)
	}
	schema, err := compiledProposalSchema()
	if err != nil {
		return Proposal{}, err
	}
	res, err := schema.Validate(gojsonschema.NewStringLoader(body))
	if err != nil {
		return Proposal{}, fmt.Errorf("%w: %v", errUnusableProposal, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return Proposal{}, fmt.Errorf("%w: %s", errUnusableProposal, strings.Join(msgs, "; "))
	}
	var p Proposal
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return Proposal{}, fmt.Errorf("%w: %v", errUnusableProposal, err)
	}
	p.Action = strings.ToLower(strings.TrimSpace(p.Action))
	return p, nil
}

func storedProposal(state *session.State) (Proposal, bool) {
	v, ok := state.Value(proposalKey)
	if !ok {
		return Proposal{}, false
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return Proposal{}, false
	}
	action, _ := m["action"].(string)
	if action == "" {
		return Proposal{}, false
	}
	return Proposal{Action: action, Args: m["args"]}, true
}

func (w *Workflow) propose(ctx context.Context, state *session.State) (string, session.TaskState, error) {
	if w.engine == nil {
		return "", session.TaskNone, errors.New("no reasoning engine configured")
	}

	raw, err := w.engine.Infer(ctx, proposalPrompt(state))
	if err != nil {
		if ctx.Err() != nil {
			return "", session.TaskNone, fmt.Errorf("propose: %w", err)
		}
		logger := tracing.LoggerFromContext(ctx, w.logger)
		logger.Warn().Err(err).Msg("Proposal inference failed, asking user to rephrase")
		return rephrasePrompt, session.TaskAwaitingContext, nil
	}

	p, err := ParseProposal(raw)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, w.logger)
		logger.Warn().
			Err(err).
			Str("raw", supervisor.Clip(raw, 200)).
			Msg("Unusable proposal, asking user to rephrase")
		return rephrasePrompt, session.TaskAwaitingContext, nil
	}

	proposal := map[string]interface{}{"action": p.Action}
	if p.Args != nil {
		proposal["args"] = p.Args
	}
	state.SetValue(proposalKey, proposal)
	return fmt.Sprintf(approvalFormat, p.Describe()), session.TaskAwaitingActionApproval, nil
}

func proposalPrompt(state *session.State) string {
	var b strings.Builder
	b.WriteString("You are helping a developer debug a technical problem. Propose the single next investigative step.\n\n")
	b.WriteString("CONVERSATION:\n")
	b.WriteString(supervisor.FormatHistory(state.RecentMessages(supervisor.HistoryWindow*2), supervisor.HistoryClip))
	b.WriteString("\n\n")
	if len(state.TaskResult) > 0 {
		if data, err := json.Marshal(state.TaskResult); err == nil {
			fmt.Fprintf(&b, "PREVIOUS RESULT:\n%s\n\n", data)
		}
	}
	fmt.Fprintf(&b, "Available tool: %s\n\n", actions.GitHubToolkit)
	b.WriteString(`Respond with only a JSON object: {"action": "<tool>", "args": "<what to look up>"}`)
	b.WriteString("\n")
	return b.String()
}

func (w *Workflow) execute(ctx context.Context, state *session.State) {
	logger := tracing.LoggerFromContext(ctx, w.logger)

	p, ok := storedProposal(state)
	if !ok {
		state.TaskResult = errorResult("", "no approved proposal to execute")
		return
	}
	if actions.Name(p.Action) != actions.GitHubToolkit {
		logger.Warn().Str("action", p.Action).Msg("Rejected unsupported workflow action")
		state.TaskResult = errorResult(p.Action, fmt.Sprintf("action %q is not supported here", p.Action))
		return
	}
	if w.executor == nil {
		state.TaskResult = errorResult(p.Action, "no action executor configured")
		return
	}

	res, err := w.executor.Run(ctx, actions.GitHubToolkit, p.Argument())
	state.LastCompletedAction = string(NodeExecute) + ":" + string(actions.GitHubToolkit)
	if err != nil {
		logger.Warn().Err(err).Msg("Workflow action failed")
		state.TaskResult = errorResult(p.Action, err.Error())
		return
	}
	state.TaskResult = map[string]interface{}{
		"type":   "tool_result",
		"action": p.Action,
		"status": res.Status,
		"data":   res.Payload,
	}
}

func errorResult(action, msg string) map[string]interface{} {
	out := map[string]interface{}{
		"type":    "tool_result",
		"status":  actions.StatusError,
		"message": msg,
	}
	if action != "" {
		out["action"] = action
	}
	return out
}

func (w *Workflow) present(ctx context.Context, state *session.State) string {
	data, err := json.Marshal(state.TaskResult)
	if err != nil {
		data = []byte("{}")
	}
	fallback := fmt.Sprintf(presentFormat, data)
	if w.engine == nil {
		return fallback
	}

	prompt := fmt.Sprintf("Summarize this tool result for a developer in two or three sentences, then ask what they would like to do next.\n\nRESULT:\n%s\n", data)
	out, err := w.engine.Infer(ctx, prompt)
	out = strings.TrimSpace(out)
	if err != nil || out == "" {
		logger := tracing.LoggerFromContext(ctx, w.logger)
		logger.Warn().Err(err).Msg("Summary failed, using raw result")
		return fallback
	}
	return out
}
