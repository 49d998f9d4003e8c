package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileManagerRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	if _, err := m.Load(ctx); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}

	cp := &Checkpoint{
		Height:    500,
		Gensig:    "4a6f",
		Bests:     map[uint64]Best{42: {Deadline: 77, Nonce: 9}},
		UpdatedAt: time.Unix(1700000000, 0).UTC(),
	}
	if err := m.Save(ctx, cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fileName+".tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	got, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Height != 500 || got.Gensig != "4a6f" || got.Bests[42] != (Best{Deadline: 77, Nonce: 9}) {
		t.Errorf("unexpected checkpoint %+v", got)
	}
}

func TestFileManagerCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(context.Background()); err == nil || errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestNoopManager(t *testing.T) {
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Save(context.Background(), &Checkpoint{}); err != nil {
		t.Errorf("Save: %v", err)
	}
	if _, err := m.Load(context.Background()); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("expected ErrNoCheckpoint, got %v", err)
	}
}
