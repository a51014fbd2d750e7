package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"signalsim/services/config"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sim.log")
	logger, err := New(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("position opened")
	logger.Debug("dropped below level")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "position opened") {
		t.Fatalf("log file missing entry: %s", data)
	}
	if strings.Contains(string(data), "dropped below level") {
		t.Fatal("debug entry written at info level")
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := New(config.LogConfig{Level: "info", Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
	if OrNop(nil) == nil {
		t.Fatal("OrNop must never return nil")
	}
}
