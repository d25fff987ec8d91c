package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/harun/devrel/pkg/checkpoint"
	"github.com/harun/devrel/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiryPolicies(t *testing.T) {
	now := time.Now()
	cp := &checkpoint.Checkpoint{UpdatedAt: now.Add(-10 * time.Minute)}

	assert.False(t, NeverExpire{}.Expired(cp, now))
	assert.True(t, ExpireAfter(5*time.Minute).Expired(cp, now))
	assert.False(t, ExpireAfter(time.Hour).Expired(cp, now))
	assert.False(t, ExpireAfter(0).Expired(cp, now))

	assert.IsType(t, NeverExpire{}, PolicyFor(0))
	assert.Equal(t, ExpireAfter(time.Minute), PolicyFor(time.Minute))
}

func TestReapOnce(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.Put(ctx, &checkpoint.Checkpoint{
			ID:              SubID(id),
			ParentSessionID: id,
			Node:            string(NodeClarify),
			State:           session.NewState(id, "", "system"),
		}))
	}

	r := NewReaper(store, ExpireAfter(time.Minute), "")
	n, err := r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestReapOnce_NeverExpireKeepsEverything(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Put(ctx, &checkpoint.Checkpoint{
		ID:    SubID("a"),
		State: session.NewState("a", "", "system"),
	}))

	r := NewReaper(store, nil, "")
	r.now = func() time.Time { return time.Now().Add(24 * 365 * time.Hour) }
	n, err := r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReaperStartStop(t *testing.T) {
	r := NewReaper(checkpoint.NewMemoryStore(), ExpireAfter(time.Minute), "@every 1h")

	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	assert.Error(t, r.Start())

	require.NoError(t, r.Stop())
	assert.False(t, r.IsRunning())
	assert.Error(t, r.Stop())
}

func TestReaperRejectsBadSchedule(t *testing.T) {
	r := NewReaper(checkpoint.NewMemoryStore(), nil, "every now and then")
	assert.Error(t, r.Start())
	assert.False(t, r.IsRunning())
}
