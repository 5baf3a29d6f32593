package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrefersEnvironment(t *testing.T) {
	t.Setenv("BOOKINGMAIL_IMAP_PASSWORD", "  hunter2 ")

	v, err := Resolve(KeyMailboxPassword)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)
}

func TestEnvVar(t *testing.T) {
	assert.Equal(t, "ANTHROPIC_API_KEY", EnvVar(KeyExtractionAPI))
	assert.Empty(t, EnvVar("unknown"))
}
