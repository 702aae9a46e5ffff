package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	dev, err := New("dev")
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	prod, err := New("production")
	require.NoError(t, err)
	assert.False(t, prod.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, prod.Core().Enabled(zapcore.InfoLevel))
}

func TestBootstrapWritesBeforeConfig(t *testing.T) {
	var buf bytes.Buffer
	log := Bootstrap(&buf)
	log.Error("load config", zap.Error(errors.New("STORE_DRIVER must be one of memory, sqlite, postgres")))
	require.NoError(t, log.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "load config", line["msg"])
	assert.Contains(t, line["error"], "STORE_DRIVER")
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}
