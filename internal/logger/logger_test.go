package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_DefaultLevel(t *testing.T) {
	log, err := NewLogger()
	require.NoError(t, err)
	assert.False(t, log.Desugar().Core().Enabled(-1)) // debug
	assert.True(t, log.Desugar().Core().Enabled(0))   // info
}

func TestNewLogger_LevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	log, err := NewLogger()
	require.NoError(t, err)
	assert.True(t, log.Desugar().Core().Enabled(-1))
}

func TestNewLogger_BadLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "chatty")
	_, err := NewLogger()
	assert.Error(t, err)
}
