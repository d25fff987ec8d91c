package commandqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedup_Seen(t *testing.T) {
	d := NewDedup(context.Background(), time.Minute)
	defer d.Stop()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.False(t, d.Seen("req-1"))
	assert.True(t, d.Seen("req-1"))
	assert.False(t, d.Seen(""))
	assert.False(t, d.Seen(""))

	now = now.Add(2 * time.Minute)
	assert.False(t, d.Seen("req-1"))

	d.Forget("req-1")
	assert.False(t, d.Seen("req-1"))
}

func TestDedup_Expire(t *testing.T) {
	d := NewDedup(context.Background(), time.Minute)
	defer d.Stop()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	d.Seen("a")
	d.Seen("b")
	assert.Equal(t, 2, d.Size())

	now = now.Add(90 * time.Second)
	d.Seen("c")
	d.expire()
	assert.Equal(t, 1, d.Size())
}
