package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskAnswersWithoutProviders(t *testing.T) {
	path, _ := writeConfig(t, map[string]interface{}{
		"checkpoint": map[string]interface{}{"backend": "memory"},
	})

	out, err := runCLI(t, "ask", "--config", path, "--timeout", "10s", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestAskRejectsUnknownPlatform(t *testing.T) {
	_, err := runCLI(t, "ask", "--platform", "fax", "hello")
	assert.Error(t, err)
}
