package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventLoopRun(t *testing.T) {
	d := createTestDaemon(t)
	loop := NewEventLoop(d)
	loop.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop in time")
	}
}

func TestEventLoopHandleShutdown(t *testing.T) {
	d := createTestDaemon(t)
	loop := NewEventLoop(d)
	assert.Equal(t, d, loop.daemon)

	assert.NotPanics(t, loop.HandleShutdown)
}
