// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute one at a time, in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - Resetting a lane rejects its queued tasks and cancels the running one.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	err := queue.Do(ctx, "discord:thread-1", func(ctx context.Context) error {
//		return nil
//	})
package commandqueue
