package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_SetsLevelAndWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deskloop.log")
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	Init(Options{Debug: true, JSON: true, File: path})
	assert.True(t, DebugEnabled())
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	log.Info().Str("session_id", "s-1").Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"s-1"`)
	assert.Contains(t, string(data), `"message":"hello"`)

	Init(Options{})
	assert.False(t, DebugEnabled())
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
