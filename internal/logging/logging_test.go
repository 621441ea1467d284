package logging

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"

	"fleetd/internal/config"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := New(config.LoggingConfig{Level: level, Format: "json"})
		if err != nil {
			t.Fatalf("New(%s) failed: %v", level, err)
		}
		logger.Sync()
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "shouty", Format: "json"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewConsoleFormat(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Format: "console"})
	if err != nil {
		t.Fatalf("console format failed: %v", err)
	}
	logger.Sync()
}

func TestNewFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.log")
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", File: path})
	if err != nil {
		t.Fatalf("file sink failed: %v", err)
	}
	logger.Info("hello")
	logger.Sync()
}

func TestNewVerboseForcesDebug(t *testing.T) {
	logger, err := NewVerbose(config.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("NewVerbose failed: %v", err)
	}
	defer logger.Sync()
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("verbose logger should enable debug")
	}
}
