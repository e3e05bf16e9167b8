package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"console", "json", ""} {
		logger, level, err := New("debug", format)
		require.NoError(t, err, format)
		assert.NotNil(t, logger)
		assert.Equal(t, zapcore.DebugLevel, level.Level())
	}

	_, _, err := New("info", "xml")
	assert.Error(t, err)

	_, _, err = New("loud", "console")
	assert.Error(t, err)
}

func TestSetLevelAtRuntime(t *testing.T) {
	logger, level, err := New("info", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, SetLevel(level, "DEBUG"))
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, SetLevel(level, "warn"))
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	assert.Error(t, SetLevel(level, "nope"))
	assert.Equal(t, zapcore.WarnLevel, level.Level())
}
