package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrLaneReset is returned to work that was queued or running when its lane
// was reset.
var ErrLaneReset = errors.New("lane reset")

// ErrClosed is returned by Do after Close
var ErrClosed = errors.New("command queue closed")

// Task is work run inside a lane
type Task func(ctx context.Context) error

type taskRecord struct {
	id         uint64
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	result     chan error
}

type laneState struct {
	generation int
	queue      []*taskRecord
	running    *taskRecord
	cancel     context.CancelFunc
}

// CommandQueue runs tasks one at a time per lane, in FIFO order. Lanes are
// keyed by session id, which gives each session a single writer while
// different sessions proceed concurrently.
type CommandQueue struct {
	mu     sync.Mutex
	lanes  map[string]*laneState
	seq    uint64
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a command queue
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Do queues task on lane and blocks until it has run. It returns the task's
// error, ErrLaneReset if the lane was reset first, or ctx.Err() if the caller
// gives up while the task is still queued.
func (cq *CommandQueue) Do(ctx context.Context, lane string, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "devrel.commandqueue", "commandqueue.do",
		attribute.String("lane", lane),
	)
	defer span.End()

	record, err := cq.enqueue(ctx, lane, task)
	if err != nil {
		return err
	}

	select {
	case err := <-record.result:
		if err != nil {
			tracing.RecordError(span, err)
		}
		return err
	case <-ctx.Done():
		tracing.RecordError(span, ctx.Err())
		return ctx.Err()
	}
}

// Go queues task on lane and returns without waiting. done, if set, receives
// the same error Do would have returned once the task has run or been
// rejected. Go only fails when the task could not be queued at all.
func (cq *CommandQueue) Go(ctx context.Context, lane string, task Task, done func(error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	record, err := cq.enqueue(ctx, lane, task)
	if err != nil {
		return err
	}
	go func() {
		err := <-record.result
		if done != nil {
			done(err)
		}
	}()
	return nil
}

func (cq *CommandQueue) enqueue(ctx context.Context, lane string, task Task) (*taskRecord, error) {
	if lane == "" {
		return nil, fmt.Errorf("lane is required")
	}
	if tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, lane)
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	cq.seq++
	record := &taskRecord{
		id:         cq.seq,
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		result:     make(chan error, 1),
	}
	ls.queue = append(ls.queue, record)
	queued := len(ls.queue)
	cq.processLaneLocked(lane, ls)
	cq.mu.Unlock()

	log.Debug().Str("lane", lane).Uint64("task", record.id).Int("queued", queued).Msg("Lane task enqueued")
	return record, nil
}

// processLaneLocked starts the next runnable task. cq.mu must be held.
func (cq *CommandQueue) processLaneLocked(lane string, ls *laneState) {
	for ls.running == nil && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- ErrLaneReset
			continue
		}
		if err := record.ctx.Err(); err != nil {
			record.result <- err
			continue
		}

		runCtx, cancel := context.WithCancel(record.ctx)
		stop := context.AfterFunc(cq.ctx, cancel)
		ls.running = record
		ls.cancel = func() {
			stop()
			cancel()
		}

		cq.wg.Add(1)
		go cq.execute(runCtx, lane, ls, record)
	}

	if ls.running == nil && len(ls.queue) == 0 {
		delete(cq.lanes, lane)
	}
}

func (cq *CommandQueue) execute(ctx context.Context, lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()
	start := time.Now()

	err := runTask(ctx, record.task)

	cq.mu.Lock()
	reset := record.generation != ls.generation
	if ls.cancel != nil {
		ls.cancel()
	}
	ls.running = nil
	ls.cancel = nil
	cq.processLaneLocked(lane, ls)
	cq.mu.Unlock()

	if reset && err != nil && errors.Is(err, context.Canceled) {
		err = ErrLaneReset
	}
	record.result <- err

	if err != nil {
		logger.Debug().Err(err).Dur("duration", time.Since(start)).Msg("Lane task failed")
		return
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("Lane task completed")
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lane task panic: %v", r)
		}
	}()
	return task(ctx)
}

// Reset rejects every queued task on lane with ErrLaneReset and cancels the
// context of the running one. It returns how many queued tasks were dropped.
func (cq *CommandQueue) Reset(lane string) int {
	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	if !ok {
		cq.mu.Unlock()
		return 0
	}

	ls.generation++
	dropped := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- ErrLaneReset
	}
	ls.queue = nil
	if ls.cancel != nil {
		ls.cancel()
	}
	if ls.running == nil {
		delete(cq.lanes, lane)
	}
	generation := ls.generation
	cq.mu.Unlock()

	observability.RecordLaneReset()
	log.Info().Str("lane", lane).Int("generation", generation).Int("dropped", dropped).Msg("Lane reset")
	return dropped
}

// QueueSize returns the number of tasks waiting on lane
func (cq *CommandQueue) QueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// Active reports whether lane has a running task
func (cq *CommandQueue) Active(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	return ok && ls.running != nil
}

// Stats returns queued and running counts per lane
func (cq *CommandQueue) Stats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		running := 0
		if ls.running != nil {
			running = 1
		}
		stats[lane] = map[string]int{
			"queued":  len(ls.queue),
			"running": running,
		}
	}
	return stats
}

// WaitForActive waits for all running tasks to complete with timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		active := 0
		cq.mu.Lock()
		for _, ls := range cq.lanes {
			if ls.running != nil {
				active++
			}
		}
		cq.mu.Unlock()

		if active == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Int("active", active).Msg("Timeout waiting for active lane tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new work, cancels running tasks and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	for _, ls := range cq.lanes {
		for _, record := range ls.queue {
			record.result <- ErrClosed
		}
		ls.queue = nil
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
