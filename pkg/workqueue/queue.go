package workqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrQueueClosed is returned by Enqueue after Stop
	ErrQueueClosed = errors.New("work queue closed")
	// ErrUnknownHandler is recorded when a task names an unregistered handler
	ErrUnknownHandler = errors.New("unknown handler")
)

const (
	DefaultWorkers        = 3
	DefaultFailureLogSize = 100
)

// Task is a unit of work owned by the queue until a worker claims it.
type Task struct {
	ID         string
	Priority   Priority
	HandlerKey string
	Payload    map[string]interface{}
	EnqueuedAt time.Time

	seq uint64
	ctx context.Context
}

// Handler processes one task. Handlers may enqueue further tasks.
type Handler func(ctx context.Context, task *Task) error

// Failure records a task that returned an error or panicked
type Failure struct {
	TaskID     string
	HandlerKey string
	Priority   Priority
	Err        error
	Panicked   bool
	At         time.Time
}

// Config configures a Queue
type Config struct {
	Workers        int
	AgingInterval  time.Duration // 0 keeps strict priority ordering
	FailureLogSize int
	Logger         zerolog.Logger
	// OnFailure is called on the worker goroutine after a failure is recorded
	OnFailure func(Failure)
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Depth     map[Priority]int
	Workers   int
	Busy      int
	Processed uint64
	Failed    uint64
}

// Queue is a priority-ordered task buffer consumed by a fixed worker pool.
type Queue struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  tiers
	handlers map[string]Handler
	seq      uint64
	closed   bool
	started  bool
	busy     int

	processed uint64
	failed    uint64
	failures  []Failure
	failHead  int

	runCtx  context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// New creates a queue. Workers start with Start.
func New(cfg Config) *Queue {
	observability.EnsureRegistered()

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.FailureLogSize <= 0 {
		cfg.FailureLogSize = DefaultFailureLogSize
	}

	q := &Queue{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "workqueue").Logger(),
		pending:  tiers{agingInterval: cfg.AgingInterval},
		handlers: make(map[string]Handler),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Register binds a handler key. Registering a key twice replaces the handler.
func (q *Queue) Register(handlerKey string, h Handler) error {
	if handlerKey == "" {
		return fmt.Errorf("handler key is required")
	}
	if h == nil {
		return fmt.Errorf("handler is required")
	}

	q.mu.Lock()
	q.handlers[handlerKey] = h
	q.mu.Unlock()
	return nil
}

// Enqueue adds a task and returns its id. The context's tracing values are
// carried to the handler; its cancellation is not.
func (q *Queue) Enqueue(ctx context.Context, handlerKey string, payload map[string]interface{}, priority Priority) (string, error) {
	if !priority.Valid() {
		return "", fmt.Errorf("invalid priority %d", priority)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate task id: %w", err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.seq++
	task := &Task{
		ID:         id,
		Priority:   priority,
		HandlerKey: handlerKey,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		seq:        q.seq,
		ctx:        tracing.Detach(ctx),
	}
	q.pending.push(task)
	depth := q.pending.depth(priority)
	q.mu.Unlock()
	q.cond.Signal()

	observability.RecordEnqueue(handlerKey, priority.String())
	observability.SetQueueDepth(priority.String(), depth)

	q.logger.Debug().
		Str("task_id", id).
		Str("handler", handlerKey).
		Str("priority", priority.String()).
		Msg("Task enqueued")

	return id, nil
}

// Start launches the worker pool. Cancelling ctx stops the queue the same
// way Stop does, without waiting.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return fmt.Errorf("work queue already started")
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.started = true
	q.runCtx, q.cancel = context.WithCancel(ctx)

	for i := 0; i < q.cfg.Workers; i++ {
		q.workers.Add(1)
		go q.worker(i)
	}

	go func() {
		<-q.runCtx.Done()
		q.close()
	}()

	q.logger.Info().
		Int("workers", q.cfg.Workers).
		Dur("aging_interval", q.cfg.AgingInterval).
		Msg("Work queue started")
	return nil
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Stop rejects new tasks and lets workers drain what is queued. If the
// pool has not finished within timeout, running handlers are cancelled and
// Stop returns an error.
func (q *Queue) Stop(timeout time.Duration) error {
	q.close()

	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info().Msg("Work queue stopped")
		return nil
	case <-time.After(timeout):
		q.cancel()
		return fmt.Errorf("work queue did not drain within %s", timeout)
	}
}

func (q *Queue) next() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.pending.len() == 0 {
		return nil, false
	}
	if q.runCtx.Err() != nil {
		return nil, false
	}

	task := q.pending.pop(time.Now())
	q.busy++
	observability.SetQueueDepth(task.Priority.String(), q.pending.depth(task.Priority))
	observability.SetWorkersBusy(q.busy)
	return task, true
}

func (q *Queue) worker(n int) {
	defer q.workers.Done()
	logger := q.logger.With().Int("worker", n).Logger()

	for {
		task, ok := q.next()
		if !ok {
			logger.Debug().Msg("Worker exiting")
			return
		}

		q.run(task)

		q.mu.Lock()
		q.busy--
		observability.SetWorkersBusy(q.busy)
		q.mu.Unlock()
	}
}

// run executes one task. Errors and panics are recorded and never escape.
func (q *Queue) run(task *Task) {
	observability.RecordTaskWait(task.Priority.String(), time.Since(task.EnqueuedAt))

	ctx := mergeValues(q.runCtx, task.ctx)
	ctx = tracing.WithTask(ctx, task.ID, task.HandlerKey)
	ctx, span := tracing.StartSpan(ctx, "devrel.workqueue", "workqueue.task",
		attribute.String("task_id", task.ID),
		attribute.String("handler", task.HandlerKey),
		attribute.String("priority", task.Priority.String()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, q.logger)

	q.mu.Lock()
	h, ok := q.handlers[task.HandlerKey]
	q.mu.Unlock()

	start := time.Now()
	var err error
	panicked := false
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownHandler, task.HandlerKey)
	} else {
		panicked, err = invoke(ctx, h, task)
	}
	observability.RecordTaskCompletion(task.HandlerKey, time.Since(start), err == nil)

	q.mu.Lock()
	q.processed++
	q.mu.Unlock()

	if err == nil {
		logger.Debug().Dur("duration", time.Since(start)).Msg("Task completed")
		return
	}

	tracing.RecordError(span, err)
	logger.Error().Err(err).Bool("panicked", panicked).Msg("Task failed")
	q.recordFailure(Failure{
		TaskID:     task.ID,
		HandlerKey: task.HandlerKey,
		Priority:   task.Priority,
		Err:        err,
		Panicked:   panicked,
		At:         time.Now(),
	})
}

func invoke(ctx context.Context, h Handler, task *Task) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
			panicked = true
		}
	}()
	return false, h(ctx, task)
}

func (q *Queue) recordFailure(f Failure) {
	q.mu.Lock()
	q.failed++
	if len(q.failures) < q.cfg.FailureLogSize {
		q.failures = append(q.failures, f)
	} else {
		q.failures[q.failHead] = f
		q.failHead = (q.failHead + 1) % q.cfg.FailureLogSize
	}
	q.mu.Unlock()

	if q.cfg.OnFailure != nil {
		q.cfg.OnFailure(f)
	}
}

// Failures returns the recorded failures, oldest first
func (q *Queue) Failures() []Failure {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Failure, 0, len(q.failures))
	out = append(out, q.failures[q.failHead:]...)
	out = append(out, q.failures[:q.failHead]...)
	return out
}

// Len returns the number of queued tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.len()
}

// Stats returns queue counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Depth: map[Priority]int{
			High:   q.pending.depth(High),
			Medium: q.pending.depth(Medium),
			Low:    q.pending.depth(Low),
		},
		Workers:   q.cfg.Workers,
		Busy:      q.busy,
		Processed: q.processed,
		Failed:    q.failed,
	}
}

// mergeValues returns a context cancelled with parent that resolves values
// from values first.
func mergeValues(parent, values context.Context) context.Context {
	if values == nil {
		return parent
	}
	return valueContext{Context: parent, values: values}
}

type valueContext struct {
	context.Context
	values context.Context
}

func (c valueContext) Value(key interface{}) interface{} {
	if v := c.values.Value(key); v != nil {
		return v
	}
	return c.Context.Value(key)
}
