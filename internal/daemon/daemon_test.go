package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/devrel/internal/config"
	"github.com/harun/devrel/internal/logger"
	"github.com/harun/devrel/pkg/actions"
	"github.com/harun/devrel/pkg/coordinator"
	"github.com/harun/devrel/pkg/eventbus"
	"github.com/harun/devrel/pkg/reasoning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// answeringEngine completes every supervisor turn and replies with a fixed answer
var answeringEngine = reasoning.EngineFunc(func(_ context.Context, prompt string) (string, error) {
	if strings.Contains(prompt, "Current iteration") {
		return "THINK: simple question\nACT: complete\nREASON: answered directly", nil
	}
	return "Hello from devrel.", nil
})

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Logging.Console = false
	cfg.Logging.AuditFile = filepath.Join(dir, "audit.log")
	cfg.Tracing.Enabled = false
	cfg.Checkpoint.Backend = "sqlite"
	cfg.Checkpoint.Path = filepath.Join(dir, "checkpoints.db")
	cfg.Sessions.TranscriptDir = filepath.Join(dir, "transcripts")
	cfg.Ingress.Enabled = false
	cfg.Reasoning.Profiles = nil
	return cfg
}

// createTestDaemon creates a daemon with the ingress disabled
func createTestDaemon(t *testing.T, opts ...Option) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(testConfig(t), log, opts...)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t)

	assert.NotNil(t, d.queue)
	assert.NotNil(t, d.coordinator)
	assert.NotNil(t, d.workflow)
	assert.NotNil(t, d.store)
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.GetIngress())
	require.NoError(t, d.store.Close())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Workers = 0

	_, err := New(cfg, nil)
	assert.Error(t, err)

	_, err = New(nil, nil)
	assert.Error(t, err)
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t)

	require.NoError(t, d.Start())
	assert.True(t, d.Status().Running)
	assert.Error(t, d.Start())

	_, err := os.Stat(PIDFile(d.GetConfig().DataDir))
	assert.NoError(t, err)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())

	_, err = os.Stat(PIDFile(d.GetConfig().DataDir))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonStatus(t *testing.T) {
	d := createTestDaemon(t)

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())
	defer d.Stop()

	time.Sleep(10 * time.Millisecond)
	status = d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.Equal(t, d.GetConfig().Queue.Workers, status.Queue.Workers)
}

func TestAskReturnsReply(t *testing.T) {
	d := createTestDaemon(t, WithEngine(answeringEngine))
	require.NoError(t, d.Start())
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := d.Ask(ctx, coordinator.Request{
		UserID:   "u1",
		Platform: eventbus.PlatformDiscord,
		ThreadID: "general-1",
		Content:  "how do I install the CLI?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello from devrel.", reply)
	assert.Equal(t, 1, d.Status().Sessions)
}

func TestAskWithoutProvidersApologizes(t *testing.T) {
	d := createTestDaemon(t)
	require.NoError(t, d.Start())
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := d.Ask(ctx, coordinator.Request{Content: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, reply)
}

func TestAskRejectsEmptyContent(t *testing.T) {
	d := createTestDaemon(t, WithEngine(answeringEngine))

	_, err := d.Ask(context.Background(), coordinator.Request{UserID: "u1"})
	assert.Error(t, err)
	require.NoError(t, d.store.Close())
}

func TestRegisterAction(t *testing.T) {
	d := createTestDaemon(t)
	require.NoError(t, d.RegisterAction(actions.WebSearch, func(_ context.Context, arg string) (map[string]any, error) {
		return map[string]any{"query": arg}, nil
	}))

	res, err := d.executor.Run(context.Background(), actions.WebSearch, "go generics")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "go generics", res.Payload["query"])

	injected := createTestDaemon(t, WithExecutor(actions.NewFuncRegistry(time.Second)))
	assert.Error(t, injected.RegisterAction(actions.WebSearch, nil))

	require.NoError(t, d.store.Close())
	require.NoError(t, injected.store.Close())
}
