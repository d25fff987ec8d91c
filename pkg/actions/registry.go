package actions

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const defaultTimeout = 30 * time.Second

// Func implements one action in process
type Func func(ctx context.Context, arg string) (map[string]any, error)

// FuncRegistry is an Executor backed by in-process functions
type FuncRegistry struct {
	mu      sync.RWMutex
	funcs   map[Name]Func
	timeout time.Duration
}

// NewFuncRegistry creates an empty registry. A zero timeout uses 30s.
func NewFuncRegistry(timeout time.Duration) *FuncRegistry {
	observability.EnsureRegistered()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &FuncRegistry{funcs: make(map[Name]Func), timeout: timeout}
}

// Register binds fn to a registered action name. complete has no
// implementation and cannot be registered.
func (r *FuncRegistry) Register(name Name, fn Func) error {
	if !name.Valid() || name == Complete {
		return fmt.Errorf("cannot register %q: %w", name, ErrUnknownAction)
	}
	if fn == nil {
		return fmt.Errorf("action %s: nil func", name)
	}

	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()

	log.Debug().Str("action", string(name)).Msg("Action registered")
	return nil
}

// Names returns the registered actions, sorted
func (r *FuncRegistry) Names() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Name, 0, len(r.funcs))
	for n := range r.funcs {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run executes the action under a timeout. A failing or panicking func
// yields an error Result together with the error.
func (r *FuncRegistry) Run(ctx context.Context, action Name, arg string) (Result, error) {
	r.mu.RLock()
	fn, ok := r.funcs[action]
	r.mu.RUnlock()
	if !ok {
		return Failure(unknown(action)), unknown(action)
	}

	ctx, span := tracing.StartSpan(ctx, "devrel.actions", "actions.run",
		attribute.String("action", string(action)),
		attribute.String("executor", "func"),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	payload, err := invoke(ctx, fn, arg)
	observability.RecordActionExecution(string(action), time.Since(start), err == nil)

	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	observability.RecordActionAudit(ctx, string(action), tracing.GetSessionID(ctx), status, map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if err != nil {
		tracing.RecordError(span, err)
		return Failure(err), fmt.Errorf("action %s: %w", action, err)
	}
	return Success(payload), nil
}

func invoke(ctx context.Context, fn Func, arg string) (payload map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("Action panicked")
			err = fmt.Errorf("action panicked: %v", rec)
		}
	}()
	return fn(ctx, arg)
}
