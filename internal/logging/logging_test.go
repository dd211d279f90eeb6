package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := Setup(Config{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	logger.Info("test message", "key", "value")

	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "test message", logEntry["msg"])
	assert.Equal(t, "value", logEntry["key"])
	assert.Equal(t, "INFO", logEntry["level"])
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := Setup(Config{
		Level:  "info",
		Format: "text",
		Output: &buf,
	})

	logger.Info("test message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestSetup_LogLevels(t *testing.T) {
	tests := []struct {
		level   string
		logFunc func(ctx context.Context, msg string, args ...any)
	}{
		{"debug", Debug},
		{"info", Info},
		{"warn", Warn},
		{"error", Error},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			Setup(Config{
				Level:  tt.level,
				Format: "json",
				Output: &buf,
			})

			tt.logFunc(context.Background(), "test")
			assert.NotEmpty(t, buf.String())
		})
	}
}

func TestWithRunID(t *testing.T) {
	ctx := context.Background()
	ctx = WithRunID(ctx, "run-123")

	runID, ok := ctx.Value(RunIDKey).(string)
	assert.True(t, ok)
	assert.Equal(t, "run-123", runID)
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	ctx = WithRunID(ctx, "run-123")
	ctx = WithCell(ctx, "instances=2 concurrency=16")

	logger := Logger(ctx)
	logger.Info("test with context")

	output := buf.String()
	assert.Contains(t, output, "run-123")
	assert.Contains(t, output, "instances=2 concurrency=16")
}

func TestContextHandler_AddsContextValues(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	ctx = WithRunID(ctx, "test-run-id")

	Info(ctx, "test message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var logEntry map[string]interface{}
	err := json.Unmarshal([]byte(lines[0]), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "test message", logEntry["msg"])
	assert.Equal(t, "test-run-id", logEntry["run_id"])
}
