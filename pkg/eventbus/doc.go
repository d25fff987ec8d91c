// Package eventbus routes typed events to registered handlers.
//
// Dispatch is fire-and-forget and never reports handler outcomes. Callers
// that need handler results use Gather, which waits and joins errors.
package eventbus
