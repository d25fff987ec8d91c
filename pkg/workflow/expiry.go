package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/pkg/checkpoint"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultReapSchedule is used when no schedule is configured
const DefaultReapSchedule = "@every 1h"

// ExpiryPolicy decides whether a paused workflow may still be resumed
type ExpiryPolicy interface {
	Expired(cp *checkpoint.Checkpoint, now time.Time) bool
}

// NeverExpire keeps checkpoints until the workflow finishes or the session
// closes.
type NeverExpire struct{}

func (NeverExpire) Expired(*checkpoint.Checkpoint, time.Time) bool { return false }

// ExpireAfter expires checkpoints not updated within d
type ExpireAfter time.Duration

func (d ExpireAfter) Expired(cp *checkpoint.Checkpoint, now time.Time) bool {
	if cp == nil || d <= 0 {
		return false
	}
	return now.Sub(cp.UpdatedAt) > time.Duration(d)
}

// PolicyFor maps a configured duration to a policy; zero means never
func PolicyFor(d time.Duration) ExpiryPolicy {
	if d <= 0 {
		return NeverExpire{}
	}
	return ExpireAfter(d)
}

// Reaper deletes expired checkpoints on a cron schedule
type Reaper struct {
	store    checkpoint.Store
	policy   ExpiryPolicy
	schedule string
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewReaper creates a reaper; it does nothing useful with NeverExpire.
func NewReaper(store checkpoint.Store, policy ExpiryPolicy, schedule string) *Reaper {
	if policy == nil {
		policy = NeverExpire{}
	}
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	return &Reaper{
		store:    store,
		policy:   policy,
		schedule: schedule,
		now:      time.Now,
	}
}

func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reaper is already running")
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.ReapOnce(context.Background()); err != nil {
			log.Error().Err(err).Msg("Checkpoint reap failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", r.schedule, err)
	}
	c.Start()

	r.cron = c
	r.running = true
	log.Info().Str("schedule", r.schedule).Msg("Checkpoint reaper started")
	return nil
}

func (r *Reaper) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return fmt.Errorf("reaper is not running")
	}
	<-r.cron.Stop().Done()
	r.running = false
	return nil
}

func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// ReapOnce deletes every expired checkpoint and returns how many went
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	cps, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}

	now := r.now()
	reaped := 0
	for _, cp := range cps {
		if !r.policy.Expired(cp, now) {
			continue
		}
		if err := r.store.Delete(ctx, cp.ID); err != nil {
			log.Warn().Err(err).Str("state_id", cp.ID).Msg("Failed to delete expired checkpoint")
			continue
		}
		reaped++
		log.Debug().Str("state_id", cp.ID).Str("node", cp.Node).Msg("Expired checkpoint reaped")
	}

	if reaped > 0 {
		observability.RecordCheckpointsReaped(reaped)
		observability.AddWorkflowPaused(-reaped)
		log.Info().Int("reaped", reaped).Int("checked", len(cps)).Msg("Reaped expired checkpoints")
	}
	return reaped, nil
}
