package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/logger"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := logger.Logger
	t.Cleanup(func() { logger.Logger = prev })

	var buf bytes.Buffer
	logger.Logger = zerolog.New(&buf)
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var out map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &out))
	return out
}

func TestScopedLoggersChainDirectly(t *testing.T) {
	buf := capture(t)

	logger.WithComponent("engine").Info().Msg("component")
	assert.Equal(t, "engine", lastLine(t, buf)["component"])

	logger.WithRule("engine", "r-1").Warn().Msg("rule")
	line := lastLine(t, buf)
	assert.Equal(t, "r-1", line["rule_id"])
	assert.Equal(t, "warn", line["level"])

	logger.WithAlert("alerts", "a-1").Error().Msg("alert")
	line = lastLine(t, buf)
	assert.Equal(t, "a-1", line["alert_id"])
	assert.Equal(t, "alerts", line["component"])

	logger.WithRequestID("req-9").Info().Msg("request")
	assert.Equal(t, "req-9", lastLine(t, buf)["request_id"])

	logger.WithError(errors.New("boom")).Error().Msg("failed")
	assert.Equal(t, "boom", lastLine(t, buf)["error"])
}

func TestScopedLoggerDoesNotLeakFields(t *testing.T) {
	buf := capture(t)

	log := logger.WithComponent("worker")
	log.Info().Msg("scoped")
	logger.Logger.Info().Msg("global")

	line := lastLine(t, buf)
	_, ok := line["component"]
	assert.False(t, ok)
}
