package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesLevelAndMessageToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, path, err := New(Config{Dir: dir, File: "pipeline.log", Level: "info"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if path != filepath.Join(dir, "pipeline.log") {
		t.Fatalf("unexpected log path %s", path)
	}

	logger.Info("PIPELINE STARTED")
	logger.Debug("hidden at info level")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "| INFO     | PIPELINE STARTED") {
		t.Fatalf("expected padded level and message, got %q", out)
	}
	if strings.Contains(out, "hidden at info level") {
		t.Fatal("debug line should be filtered at info level")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
