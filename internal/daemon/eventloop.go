package daemon

import (
	"context"
	"time"

	"github.com/harun/devrel/internal/observability"
)

const maintenanceInterval = 30 * time.Second

// EventLoop handles the main event processing loop
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run runs the event loop with periodic maintenance tasks
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks publishes gauges and logs busy lanes
func (e *EventLoop) processTasks(_ context.Context) {
	observability.SetActiveSessions(e.daemon.registry.Len())

	qs := e.daemon.queue.Stats()
	if qs.Busy > 0 || e.daemon.queue.Len() > 0 {
		e.daemon.logger.Debug().
			Int("pending", e.daemon.queue.Len()).
			Int("busy", qs.Busy).
			Int("workers", qs.Workers).
			Msg("Work queue stats")
	}

	for lane, laneStats := range e.daemon.lanes.Stats() {
		if laneStats["queued"] > 0 || laneStats["running"] > 0 {
			e.daemon.logger.Debug().
				Str("lane", lane).
				Int("queued", laneStats["queued"]).
				Int("running", laneStats["running"]).
				Msg("Lane stats")
		}
	}

	// Session cleanup and checkpoint reaping run on their own cron schedules.
}

// HandleShutdown waits briefly for in-flight lane tasks
func (e *EventLoop) HandleShutdown() {
	e.daemon.logger.Info().Msg("Handling graceful shutdown")

	if !e.daemon.lanes.WaitForActive(5 * time.Second) {
		e.daemon.logger.Warn().Msg("Lane tasks still running after shutdown grace period")
		return
	}
	e.daemon.logger.Info().Msg("All active tasks completed")
}
