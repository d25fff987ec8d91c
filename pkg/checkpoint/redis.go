package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const defaultKeyPrefix = "devrel:checkpoint:"

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each checkpoint as a JSON string plus a set of known ids
// used by List.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	s := NewRedisStoreWithClient(client, opts.KeyPrefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. Close leaves it open.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	observability.EnsureRegistered()
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }
func (s *RedisStore) indexKey() string     { return s.prefix + "__index" }

func (s *RedisStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	ctx, span := tracing.StartSpan(ctx, "devrel.checkpoint", "checkpoint.get",
		attribute.String("backend", "redis"),
		attribute.String("checkpoint_id", id),
	)
	defer span.End()

	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.RecordCheckpointOp("redis", "get", true)
		return nil, ErrNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		observability.RecordCheckpointOp("redis", "get", false)
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		observability.RecordCheckpointOp("redis", "get", false)
		return nil, fmt.Errorf("corrupt checkpoint %s: %w", id, err)
	}

	observability.RecordCheckpointOp("redis", "get", true)
	return &cp, nil
}

func (s *RedisStore) Put(ctx context.Context, cp *Checkpoint) error {
	ctx, span := tracing.StartSpan(ctx, "devrel.checkpoint", "checkpoint.put",
		attribute.String("backend", "redis"),
	)
	defer span.End()

	if err := validate(cp); err != nil {
		observability.RecordCheckpointOp("redis", "put", false)
		return err
	}

	existing, err := s.Get(ctx, cp.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		observability.RecordCheckpointOp("redis", "put", false)
		return err
	}

	data, err := json.Marshal(stamp(cp, existing, time.Now()))
	if err != nil {
		observability.RecordCheckpointOp("redis", "put", false)
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(cp.ID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), cp.ID)
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		observability.RecordCheckpointOp("redis", "put", false)
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.ID, err)
	}

	observability.RecordCheckpointOp("redis", "put", true)
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		observability.RecordCheckpointOp("redis", "delete", false)
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	observability.RecordCheckpointOp("redis", "delete", true)
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Checkpoint, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		observability.RecordCheckpointOp("redis", "list", false)
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	sort.Strings(ids)

	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}

	observability.RecordCheckpointOp("redis", "list", true)
	return out, nil
}

func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
