package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWithSyncer_WritesServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(NewWithSyncer("settlement-service", "info", zapcore.AddSync(&buf)), "ledger")

	log.Info("posted", zap.String("user_id", "u-1"))
	require.NoError(t, log.Sync())

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "settlement-service", line["service"])
	assert.Equal(t, "ledger", line["component"])
	assert.Equal(t, "posted", line["msg"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "u-1", line["user_id"])
}

func TestNewWithSyncer_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithSyncer("svc", "loud", zapcore.AddSync(&buf))

	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestComponent_NilLoggerIsNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Component(nil, "x").Info("ignored")
	})
}
