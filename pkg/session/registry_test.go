package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry()
	reg.now = clock.Now
	return reg, clock
}

func TestRegistry_GetOrCreate(t *testing.T) {
	reg, _ := newTestRegistry()

	st, created := reg.GetOrCreate("s1", "u1", "discord")
	require.True(t, created)
	assert.Equal(t, "u1", st.UserID)

	again, created := reg.GetOrCreate("s1", "other", "slack")
	assert.False(t, created)
	assert.Same(t, st, again)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	reg, _ := newTestRegistry()

	var wg sync.WaitGroup
	results := make([]*State, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = reg.GetOrCreate(fmt.Sprintf("s%d", i%5), "u", "discord")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, reg.Len())
	for i := range results {
		assert.Same(t, results[i%5], results[i])
	}
}

func TestRegistry_IdleAndRemove(t *testing.T) {
	reg, clock := newTestRegistry()

	reg.GetOrCreate("old", "u", "discord")
	clock.Advance(30 * time.Minute)
	reg.GetOrCreate("new", "u", "discord")
	clock.Advance(45 * time.Minute)

	assert.Equal(t, []string{"old"}, reg.Idle(time.Hour))
	assert.Nil(t, reg.Idle(0))

	reg.Touch("old")
	assert.Empty(t, reg.Idle(time.Hour))

	assert.True(t, reg.Remove("old"))
	assert.False(t, reg.Remove("old"))
	assert.Equal(t, []string{"new"}, reg.List())
}

func TestCleanup_CleanupNow(t *testing.T) {
	reg, clock := newTestRegistry()
	transcripts, err := NewTranscripts(t.TempDir())
	require.NoError(t, err)

	reg.GetOrCreate("idle", "u", "discord")
	clock.Advance(2 * time.Hour)
	reg.GetOrCreate("active", "u", "discord")

	var tornDown []string
	cleanup := NewCleanup(reg, transcripts, func(ctx context.Context, sessionID string) error {
		tornDown = append(tornDown, sessionID)
		return nil
	}, time.Hour, "@every 1h")

	expired, err := cleanup.CleanupNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, expired)
	assert.Equal(t, []string{"idle"}, tornDown)
	_, ok := reg.Get("idle")
	assert.False(t, ok)
	_, ok = reg.Get("active")
	assert.True(t, ok)
}

func TestCleanup_TeardownFailureKeepsSession(t *testing.T) {
	reg, clock := newTestRegistry()
	reg.GetOrCreate("stuck", "u", "discord")
	clock.Advance(2 * time.Hour)

	cleanup := NewCleanup(reg, nil, func(ctx context.Context, sessionID string) error {
		return fmt.Errorf("boom")
	}, time.Hour, "")

	expired, err := cleanup.CleanupNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	_, ok := reg.Get("stuck")
	assert.True(t, ok)
}

func TestCleanup_PrunesArchivedTranscripts(t *testing.T) {
	dir := t.TempDir()
	reg, _ := newTestRegistry()
	transcripts, err := NewTranscripts(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, transcripts.Append(ctx, "s1", Message{Role: RoleUser, Content: "hi"}))
	require.NoError(t, transcripts.Archive(ctx, "s1"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	old := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, entries[0].Name()), old, old))

	cleanup := NewCleanup(reg, transcripts, nil, time.Hour, "")
	_, err = cleanup.CleanupNow(ctx)
	require.NoError(t, err)

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), archivedPrefix))
	}
}

func TestCleanup_StartStop(t *testing.T) {
	reg, _ := newTestRegistry()

	cleanup := NewCleanup(reg, nil, nil, time.Hour, "@every 1h")
	require.NoError(t, cleanup.Start())
	assert.True(t, cleanup.IsRunning())
	assert.Error(t, cleanup.Start())

	require.NoError(t, cleanup.Stop())
	assert.False(t, cleanup.IsRunning())
	assert.Error(t, cleanup.Stop())

	bad := NewCleanup(reg, nil, nil, time.Hour, "not a schedule")
	assert.Error(t, bad.Start())
}
