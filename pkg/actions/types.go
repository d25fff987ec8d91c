package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownAction is returned for a name outside the registry or one with
// no implementation
var ErrUnknownAction = errors.New("unknown action")

// Name identifies an action in the closed registry
type Name string

const (
	WebSearch        Name = "web_search"
	FAQHandler       Name = "faq_handler"
	Onboarding       Name = "onboarding"
	GitHubToolkit    Name = "github_toolkit"
	TechnicalSupport Name = "technical_support"
	Complete         Name = "complete"
)

var registry = []Name{WebSearch, FAQHandler, Onboarding, GitHubToolkit, TechnicalSupport, Complete}

// All returns every registered action name
func All() []Name {
	out := make([]Name, len(registry))
	copy(out, registry)
	return out
}

// Valid reports whether n is in the closed registry
func (n Name) Valid() bool {
	for _, r := range registry {
		if n == r {
			return true
		}
	}
	return false
}

// Parse normalizes s and reports whether it names a registered action
func Parse(s string) (Name, bool) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	return n, n.Valid()
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is what an action returns
type Result struct {
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
}

// OK reports a success status
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Success wraps a payload in a success result
func Success(payload map[string]any) Result {
	return Result{Status: StatusSuccess, Payload: payload}
}

// Failure converts err into an error result
func Failure(err error) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{Status: StatusError, Payload: map[string]any{"error": msg}}
}

// Executor runs named actions
type Executor interface {
	Run(ctx context.Context, action Name, arg string) (Result, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, action Name, arg string) (Result, error)

func (f ExecutorFunc) Run(ctx context.Context, action Name, arg string) (Result, error) {
	return f(ctx, action, arg)
}

// Fallback tries primary and uses secondary for actions primary does not know
func Fallback(primary, secondary Executor) Executor {
	return ExecutorFunc(func(ctx context.Context, action Name, arg string) (Result, error) {
		res, err := primary.Run(ctx, action, arg)
		if errors.Is(err, ErrUnknownAction) {
			return secondary.Run(ctx, action, arg)
		}
		return res, err
	})
}

func unknown(action Name) error {
	return fmt.Errorf("%w: %s", ErrUnknownAction, action)
}
