package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/afterdarksys/querycached/pkg/config"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "warn", Format: "json"}, false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = New(config.LogConfig{Level: "warn", Format: "console"}, true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = New(config.LogConfig{Level: "loud"}, false)
	assert.Error(t, err)
}
