package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerDefaults(t *testing.T) {
	log, err := NewLogger(Config{})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if !log.Core().Enabled(zapcore.InfoLevel) {
		t.Error("default level must enable info")
	}
	if log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("default level must not enable debug")
	}
	log.Info("defaults work")
	_ = log.Sync()
}

func TestNewLoggerConsoleFormat(t *testing.T) {
	log, err := NewLogger(Config{Level: "debug", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level not enabled")
	}
	_ = log.Sync()
}

func TestNewLoggerBadLevelFallsBack(t *testing.T) {
	log, err := NewLogger(Config{Level: "chatty"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("unknown level must fall back to info, not debug")
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := t.TempDir() + "/gateway.log"
	log, err := NewLogger(Config{OutputPath: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Info("written to file")
	_ = log.Sync()
}
