package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowforge/taskflow/pkg/config"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level   string
		enabled zapcore.Level
		muted   zapcore.Level
	}{
		{"debug", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.LoggingConfig{Level: tt.level, Format: "json"})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			defer logger.Sync()

			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("level %s should be enabled", tt.enabled)
			}
			if logger.Core().Enabled(tt.muted) {
				t.Errorf("level %s should not be enabled", tt.muted)
			}
		})
	}
}

func TestNewLoggerConsole(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()
}

func TestFromContext(t *testing.T) {
	logger := zap.NewNop()
	fallback := zap.NewNop()

	if got := FromContext(WithLogger(context.Background(), logger), fallback); got != logger {
		t.Error("FromContext should return the stored logger")
	}
	if got := FromContext(context.Background(), fallback); got != fallback {
		t.Error("FromContext should return fallback when none is stored")
	}
}
