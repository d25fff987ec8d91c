package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrUnknownEventType is returned for events outside the taxonomy
var ErrUnknownEventType = errors.New("unknown event type")

// Handler reacts to an event
type Handler func(ctx context.Context, evt Event) error

// Bus routes events to per-type and global handlers.
//
// Dispatch is a detached notification: it starts every handler and returns
// without collecting anything. Gather runs the same handlers and waits.
type Bus struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler
	global   []Handler

	inflight sync.WaitGroup
}

// New creates an event bus
func New(logger zerolog.Logger) *Bus {
	observability.EnsureRegistered()
	return &Bus{
		logger:   logger.With().Str("component", "eventbus").Logger(),
		handlers: make(map[EventType][]Handler),
	}
}

// RegisterHandler subscribes h to one event type
func (b *Bus) RegisterHandler(eventType EventType, h Handler) error {
	if !eventType.Valid() {
		return fmt.Errorf("register %q: %w", eventType, ErrUnknownEventType)
	}
	if h == nil {
		return fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
	b.mu.Unlock()
	return nil
}

// RegisterGlobalHandler subscribes h to every event
func (b *Bus) RegisterGlobalHandler(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.global = append(b.global, h)
	b.mu.Unlock()
}

func (b *Bus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hs := make([]Handler, 0, len(b.global)+len(b.handlers[eventType]))
	hs = append(hs, b.global...)
	hs = append(hs, b.handlers[eventType]...)
	return hs
}

// Dispatch starts every matching handler on its own goroutine and returns.
// Handler order and completion time are unspecified. With no handlers it
// does nothing.
func (b *Bus) Dispatch(ctx context.Context, evt Event) error {
	if !evt.Type.Valid() {
		return fmt.Errorf("dispatch %q: %w", evt.Type, ErrUnknownEventType)
	}
	observability.RecordEventDispatch(string(evt.Type), "dispatch")

	handlers := b.snapshot(evt.Type)
	if len(handlers) == 0 {
		return nil
	}

	detached := tracing.Detach(ctx)
	for _, h := range handlers {
		b.inflight.Add(1)
		go func(h Handler, evt Event) {
			defer b.inflight.Done()
			if err := b.invoke(detached, h, evt); err != nil {
				b.logger.Warn().
					Err(err).
					Str("event_type", string(evt.Type)).
					Str("event_id", evt.ID).
					Msg("Event handler failed")
			}
		}(h, evt.clone())
	}
	return nil
}

// Gather runs every matching handler concurrently and waits for all of
// them or for ctx. Handler errors are joined.
func (b *Bus) Gather(ctx context.Context, evt Event) error {
	if !evt.Type.Valid() {
		return fmt.Errorf("gather %q: %w", evt.Type, ErrUnknownEventType)
	}
	observability.RecordEventDispatch(string(evt.Type), "gather")

	ctx, span := tracing.StartSpan(ctx, "devrel.eventbus", "eventbus.gather",
		attribute.String("event_type", string(evt.Type)),
	)
	defer span.End()

	handlers := b.snapshot(evt.Type)
	if len(handlers) == 0 {
		return nil
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			errs[i] = b.invoke(ctx, h, evt.clone())
		}(i, h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		tracing.RecordError(span, ctx.Err())
		return ctx.Err()
	}

	err := errors.Join(errs...)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return err
}

func (b *Bus) invoke(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic: %v", r)
		}
		if err != nil {
			observability.RecordEventHandlerError(string(evt.Type))
		}
	}()
	return h(ctx, evt)
}

// Wait blocks until detached dispatches finish or the timeout elapses.
// It reports whether everything finished.
func (b *Bus) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
