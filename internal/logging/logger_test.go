package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config uses defaults", config: nil},
		{name: "debug level with buffer", config: &Config{Level: LevelDebug, Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			require.NotNil(t, logger)
		})
	}
}

func TestLoggerWithDeviceAndRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	deviceLogger := logger.WithDevice(0)
	deviceLogger.Info("opened")
	assert.Contains(t, buf.String(), "device_id=0")

	buf.Reset()
	requestLogger := deviceLogger.WithRequest(123, "submit")
	requestLogger.Debug("scheduling")
	out := buf.String()
	assert.Contains(t, out, "device_id=0")
	assert.Contains(t, out, "request_id=123")
	assert.Contains(t, out, "op=submit")
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	errLogger := logger.WithError(errors.New("dma timeout"))
	errLogger.Error("request failed")
	assert.Contains(t, buf.String(), "dma timeout")
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	t.Cleanup(func() { SetDefault(NewLogger(nil)) })

	Debug("debug message", "key", "value")
	assert.True(t, strings.Contains(buf.String(), "debug message"))
	assert.True(t, strings.Contains(buf.String(), "key=value"))

	buf.Reset()
	Info("info message")
	assert.Contains(t, buf.String(), "info message")

	buf.Reset()
	Warn("warning message")
	assert.Contains(t, buf.String(), "warning message")

	buf.Reset()
	Error("error message")
	assert.Contains(t, buf.String(), "error message")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})
	logger.Debug("hidden")
	logger.Info("also hidden")
	assert.Empty(t, buf.String())
	logger.Warn("visible")
	assert.Contains(t, buf.String(), "visible")
}
