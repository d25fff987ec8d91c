// Package workqueue provides a priority task queue with a fixed worker pool.
//
// Invariants:
// - HIGH tasks run before MEDIUM, MEDIUM before LOW; FIFO within a tier.
// - With aging enabled a waiting task climbs one tier per interval waited.
// - A failing or panicking handler is recorded and never stops a worker.
//
// Usage:
//
//	q := workqueue.New(workqueue.Config{Workers: 3})
//	_ = q.Register("devrel_request", handle)
//	_ = q.Start(ctx)
//	id, _ := q.Enqueue(ctx, "devrel_request", payload, workqueue.High)
package workqueue
