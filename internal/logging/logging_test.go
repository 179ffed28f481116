package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"DEBUG":   zapcore.DebugLevel,
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"ERROR":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestNewDevelopmentForcesDebug(t *testing.T) {
	_, level, cleanup, err := New(Options{Level: LevelError, Development: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer cleanup()
	if level.Level() != zapcore.DebugLevel {
		t.Errorf("Expected DEBUG, got %s", level.Level())
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nowplayingd.log")

	logger, level, cleanup, err := New(Options{Level: LevelInfo, File: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Named("registry").Infow("session added", "app", "spotify.exe")
	logger.Debug("hidden")
	level.SetLevel(zapcore.DebugLevel)
	logger.Debug("visible")
	cleanup()

	// the file is closed, so nothing more reaches it
	logger.Info("after cleanup")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"app":"spotify.exe"`) {
		t.Errorf("Expected structured field in log, got %s", out)
	}
	if !strings.Contains(out, "registry") {
		t.Errorf("Expected logger name in log, got %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("Expected debug entry filtered at INFO")
	}
	if !strings.Contains(out, "visible") {
		t.Error("Expected debug entry after level change")
	}
	if strings.Contains(out, "after cleanup") {
		t.Error("Expected log file closed by cleanup")
	}
}
