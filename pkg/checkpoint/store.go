package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/devrel/pkg/session"
)

// ErrNotFound is returned by Get for an unknown id
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the persisted position of a paused workflow
type Checkpoint struct {
	ID              string         `json:"id"`
	ParentSessionID string         `json:"parent_session_id"`
	Node            string         `json:"node"`
	State           *session.State `json:"state"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Store persists checkpoints by id
type Store interface {
	Get(ctx context.Context, id string) (*Checkpoint, error)
	Put(ctx context.Context, cp *Checkpoint) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Checkpoint, error)
	Close() error
}

// Options selects and configures a backend
type Options struct {
	Backend string // memory, sqlite, redis

	Path string // sqlite

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// Open creates the store named by opts.Backend
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(opts.Path)
	case "redis":
		return NewRedisStore(RedisOptions{
			Addr:      opts.RedisAddr,
			Password:  opts.RedisPassword,
			DB:        opts.RedisDB,
			KeyPrefix: opts.KeyPrefix,
		})
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", opts.Backend)
}

func validate(cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if cp.ID == "" {
		return fmt.Errorf("checkpoint id is required")
	}
	if cp.State == nil {
		return fmt.Errorf("checkpoint %s has no state", cp.ID)
	}
	return nil
}

// stamp sets timestamps on a copy of cp, keeping CreatedAt of an existing record.
func stamp(cp *Checkpoint, existing *Checkpoint, now time.Time) *Checkpoint {
	c := *cp
	c.State = cp.State.Clone()
	c.UpdatedAt = now
	switch {
	case existing != nil:
		c.CreatedAt = existing.CreatedAt
	case c.CreatedAt.IsZero():
		c.CreatedAt = now
	}
	return &c
}
