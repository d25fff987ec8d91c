package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/devrel/pkg/actions"
	"github.com/harun/devrel/pkg/session"
	"github.com/xeipuuv/gojsonschema"
)

// ErrMalformedDecision marks engine output that could not be turned into a
// decision. The parsers still return a usable complete decision with it.
var ErrMalformedDecision = errors.New("malformed decision")

// Protocol selects how the engine is asked to answer
type Protocol string

const (
	ProtocolText       Protocol = "text"
	ProtocolStructured Protocol = "structured"
)

// ParseProtocol accepts "text" (also the empty string) and "structured"
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case "", ProtocolText:
		return ProtocolText, nil
	case ProtocolStructured:
		return ProtocolStructured, nil
	}
	return "", fmt.Errorf("unknown decision protocol %q", s)
}

// Decision is one supervisor choice
type Decision struct {
	Action    actions.Name `json:"action"`
	Thinking  string       `json:"thinking,omitempty"`
	Reasoning string       `json:"reasoning,omitempty"`
	Argument  string       `json:"argument,omitempty"`
}

// Completion returns a complete decision carrying reason
func Completion(reason string) Decision {
	return Decision{Action: actions.Complete, Thinking: "Completing task", Reasoning: reason}
}

func (d Decision) record() *session.Decision {
	return &session.Decision{Action: string(d.Action), Thinking: d.Thinking, Reasoning: d.Reasoning}
}

// Parse dispatches to the parser for p
func Parse(p Protocol, raw string) (Decision, error) {
	if p == ProtocolStructured {
		return ParseStructured(raw)
	}
	return ParseText(raw)
}

// ParseText reads THINK:, ACT: and REASON: sections. Sections may span lines.
// A missing or unknown ACT yields complete together with ErrMalformedDecision.
func ParseText(raw string) (Decision, error) {
	d := Decision{Action: actions.Complete}
	if strings.TrimSpace(raw) == "" {
		return d, fmt.Errorf("%w: empty response", ErrMalformedDecision)
	}

	var (
		section *string
		buf     []string
		sawAct  bool
		badAct  string
	)
	flush := func() {
		if section != nil && len(buf) > 0 {
			*section = strings.Join(buf, " ")
		}
		section, buf = nil, nil
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch label, rest := splitLabel(line); label {
		case "THINK":
			flush()
			section, buf = &d.Thinking, []string{rest}
		case "REASON":
			flush()
			section, buf = &d.Reasoning, []string{rest}
		case "ACT":
			flush()
			sawAct = true
			if name, ok := actions.Parse(rest); ok {
				d.Action, badAct = name, ""
			} else {
				d.Action, badAct = actions.Complete, rest
			}
		default:
			if section != nil {
				buf = append(buf, line)
			}
		}
	}
	flush()

	switch {
	case !sawAct:
		return d, fmt.Errorf("%w: no ACT section", ErrMalformedDecision)
	case badAct != "":
		return d, fmt.Errorf("%w: unknown action %q", ErrMalformedDecision, badAct)
	}
	return d, nil
}

// splitLabel recognizes "THINK:", "ACT:" and "REASON:" case-insensitively,
// also when wrapped in markdown bold.
func splitLabel(line string) (string, string) {
	trimmed := strings.TrimLeft(line, "*_ ")
	idx := strings.Index(trimmed, ":")
	if idx <= 0 {
		return "", line
	}
	label := strings.ToUpper(strings.Trim(trimmed[:idx], "*_ "))
	switch label {
	case "THINK", "ACT", "REASON":
		return label, strings.TrimSpace(strings.Trim(trimmed[idx+1:], "*_ "))
	}
	return "", line
}

var (
	schemaOnce     sync.Once
	decisionSchema *gojsonschema.Schema
	schemaErr      error
)

// DecisionSchema is the JSON Schema the structured protocol validates against
func DecisionSchema() map[string]interface{} {
	enum := make([]interface{}, 0, len(actions.All()))
	for _, n := range actions.All() {
		enum = append(enum, string(n))
	}
	return map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []interface{}{"action"},
		"properties": map[string]interface{}{
			"action":    map[string]interface{}{"type": "string", "enum": enum},
			"thinking":  map[string]interface{}{"type": "string"},
			"reasoning": map[string]interface{}{"type": "string"},
			"argument":  map[string]interface{}{"type": "string"},
		},
	}
}

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		decisionSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewGoLoader(DecisionSchema()))
	})
	return decisionSchema, schemaErr
}

// ParseStructured reads a JSON decision, optionally inside a markdown code
// fence, and validates it against DecisionSchema. Any failure yields complete
// together with ErrMalformedDecision.
func ParseStructured(raw string) (Decision, error) {
	fallback := Decision{Action: actions.Complete}

	body := ExtractJSON(raw)
	if body == "" {
		return fallback, fmt.Errorf("%w: no JSON object", ErrMalformedDecision)
	}

	schema, err := compiledSchema()
	if err != nil {
		return fallback, fmt.Errorf("decision schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewStringLoader(body))
	if err != nil {
		return fallback, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fallback, fmt.Errorf("%w: %s", ErrMalformedDecision, strings.Join(problems, "; "))
	}

	var d Decision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return fallback, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	return d, nil
}

// ExtractJSON strips a code fence and surrounding prose, returning the
// outermost {...} span
func ExtractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.Index(s, "\n"); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
