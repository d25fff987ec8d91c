package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleTTL         = 24 * time.Hour
	DefaultCleanupSchedule = "@every 10m"
	DefaultArchiveAge      = 7 * 24 * time.Hour
)

// TeardownFunc releases everything tied to an idle session (lane, workflow
// checkpoint, live record). It runs on the cleanup goroutine.
type TeardownFunc func(ctx context.Context, sessionID string) error

// Cleanup expires idle live sessions on a cron schedule and prunes old
// archived transcripts.
type Cleanup struct {
	registry    *Registry
	transcripts *Transcripts
	teardown    TeardownFunc

	idleTTL    time.Duration
	archiveAge time.Duration
	schedule   string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewCleanup creates a cleanup job. transcripts may be nil.
func NewCleanup(registry *Registry, transcripts *Transcripts, teardown TeardownFunc, idleTTL time.Duration, schedule string) *Cleanup {
	if idleTTL == 0 {
		idleTTL = DefaultIdleTTL
	}
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	return &Cleanup{
		registry:    registry,
		transcripts: transcripts,
		teardown:    teardown,
		idleTTL:     idleTTL,
		archiveAge:  DefaultArchiveAge,
		schedule:    schedule,
	}
}

// Start schedules the cleanup job
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	sched := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := sched.AddFunc(c.schedule, func() {
		if _, err := c.CleanupNow(context.Background()); err != nil {
			log.Error().Err(err).Msg("Session cleanup failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", c.schedule, err)
	}
	sched.Start()

	c.cron = sched
	c.running = true

	log.Info().
		Dur("idle_ttl", c.idleTTL).
		Str("schedule", c.schedule).
		Msg("Session cleanup started")
	return nil
}

// Stop stops the schedule and waits for a running pass
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}

	<-c.cron.Stop().Done()
	c.running = false

	log.Info().Msg("Session cleanup stopped")
	return nil
}

// IsRunning returns whether the cleanup is scheduled
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// CleanupNow tears down idle sessions immediately and returns how many were
// expired.
func (c *Cleanup) CleanupNow(ctx context.Context) (int, error) {
	expired := 0
	for _, sessionID := range c.registry.Idle(c.idleTTL) {
		if c.teardown != nil {
			if err := c.teardown(ctx, sessionID); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to tear down idle session")
				continue
			}
		}
		c.registry.Remove(sessionID)
		expired++

		log.Debug().Str("session_id", sessionID).Msg("Idle session expired")
	}

	if c.transcripts != nil && c.archiveAge > 0 {
		pruned, err := c.transcripts.PruneArchived(time.Now().Add(-c.archiveAge))
		if err != nil {
			return expired, err
		}
		if pruned > 0 {
			log.Info().Int("pruned", pruned).Msg("Pruned archived transcripts")
		}
	}

	if expired > 0 {
		log.Info().Int("expired", expired).Msg("Expired idle sessions")
	}
	return expired, nil
}

// SetArchiveAge sets how long archived transcripts are kept; 0 keeps them.
func (c *Cleanup) SetArchiveAge(age time.Duration) {
	c.archiveAge = age
}
