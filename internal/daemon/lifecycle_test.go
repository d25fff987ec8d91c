package daemon

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleWritesAndRemovesPIDFile(t *testing.T) {
	d := createTestDaemon(t)
	lm := NewLifecycleManager(d)
	assert.Equal(t, PIDFile(d.GetConfig().DataDir), lm.pidFile)

	require.NoError(t, lm.Start())
	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())
	assert.False(t, lm.IsRunning())
	require.NoError(t, lm.Stop())
}

func TestLifecycleRefusesLiveForeignPID(t *testing.T) {
	d := createTestDaemon(t)
	lm := NewLifecycleManager(d)

	// The parent process is alive and is not us.
	require.NoError(t, os.WriteFile(lm.pidFile, []byte(strconv.Itoa(os.Getppid())), 0644))
	assert.Error(t, lm.Start())
}

func TestLifecycleOverwritesStalePIDFile(t *testing.T) {
	d := createTestDaemon(t)
	lm := NewLifecycleManager(d)

	require.NoError(t, os.WriteFile(lm.pidFile, []byte("not-a-pid"), 0644))
	_, err := lm.GetPID()
	assert.Error(t, err)

	require.NoError(t, lm.Start())
	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	require.NoError(t, lm.Stop())
}

func TestReadPIDMissingFile(t *testing.T) {
	_, err := ReadPID(PIDFile(t.TempDir()))
	assert.True(t, os.IsNotExist(err))
}
