package commandqueue

import (
	"context"
	"sync"
	"time"
)

// Dedup remembers request ids for a bounded time so redelivered platform
// requests are processed once.
type Dedup struct {
	entries map[string]time.Time
	ttl     time.Duration
	mu      sync.Mutex
	cancel  context.CancelFunc
	now     func() time.Time
}

// NewDedup creates a dedup cache whose sweeper stops with ctx or Stop.
func NewDedup(ctx context.Context, ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &Dedup{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		cancel:  cancel,
		now:     time.Now,
	}
	go d.sweep(ctx)
	return d
}

// Stop stops the sweeper
func (d *Dedup) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Seen records id and reports whether it was already recorded within the
// ttl. An empty id is never a duplicate.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.entries[id]; ok && now.Sub(at) <= d.ttl {
		return true
	}
	d.entries[id] = now
	return false
}

// Forget drops id, e.g. when its request failed and may be retried
func (d *Dedup) Forget(id string) {
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
}

func (d *Dedup) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.expire()
		}
	}
}

func (d *Dedup) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, at := range d.entries {
		if now.Sub(at) > d.ttl {
			delete(d.entries, id)
		}
	}
}

// Size returns the number of remembered ids
func (d *Dedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
