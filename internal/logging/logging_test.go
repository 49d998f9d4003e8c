package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"trace":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if ValidLevel("loud") {
		t.Error("ValidLevel should reject unknown levels")
	}
}

func TestFileSinkFiltersByLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "miner.log")

	var console bytes.Buffer
	h, closer := NewHandler(Config{Level: "info", FilePath: path, FileLevel: "warn"}, &console)
	log := slog.New(h).With("component", "test")

	log.Info("round finished")
	log.Warn("plots overlap")
	if err := closer.Close(); err != nil {
		t.Fatalf("close file sink: %v", err)
	}

	if !strings.Contains(console.String(), "round finished") || !strings.Contains(console.String(), "plots overlap") {
		t.Errorf("console missing records: %s", console.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "round finished") {
		t.Error("info record should not reach the warn-level file sink")
	}
	if !strings.Contains(string(data), "plots overlap") || !strings.Contains(string(data), "component=test") {
		t.Errorf("file sink missing warn record: %s", data)
	}
}

func TestCorrelationID(t *testing.T) {
	id := GenerateCorrelationID()
	if id == "" || id == GenerateCorrelationID() {
		t.Fatal("correlation ids should be unique")
	}
	ctx := WithCorrelationID(context.Background(), id)
	if CorrelationID(ctx) != id {
		t.Error("correlation id not carried by context")
	}
	if CorrelationID(context.Background()) != "" {
		t.Error("empty context should have no correlation id")
	}
}
