package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestSweepScratchRemovesOnlyStaleDirectories(t *testing.T) {
	root := t.TempDir()

	stale := filepath.Join(root, "job-stale")
	if err := os.Mkdir(stale, 0o755); err != nil {
		t.Fatalf("mkdir stale: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	fresh := filepath.Join(root, "job-fresh")
	if err := os.Mkdir(fresh, 0o755); err != nil {
		t.Fatalf("mkdir fresh: %v", err)
	}

	file := filepath.Join(root, "leftover.bin")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	removed, err := sweepScratch(root, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("sweepScratch error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale dir to be removed, stat err: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh dir to survive: %v", err)
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("expected plain files to be ignored: %v", err)
	}
}

func TestSweepScratchMissingRoot(t *testing.T) {
	removed, err := sweepScratch(filepath.Join(t.TempDir(), "absent"), time.Now())
	if err != nil {
		t.Fatalf("expected missing root to be tolerated, got %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected no removals, got %d", removed)
	}
}

func TestStartScratchSweeperSweepsOnTick(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "job-crashed")
	if err := os.Mkdir(stale, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ticker := newManualTicker()
	stop := startScratchSweeperWithTicker(context.Background(), logger, root, time.Minute, time.Hour, func(time.Duration) sweepTicker {
		return ticker
	})
	defer stop()

	ticker.Tick()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(stale); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected stale directory to be removed after tick")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stop()
	stop()
	select {
	case <-ticker.stopped:
	default:
		t.Fatal("expected ticker to be stopped")
	}
}

func TestStartScratchSweeperDisabledWithoutRoot(t *testing.T) {
	stop := startScratchSweeperWithTicker(context.Background(), nil, "", time.Minute, time.Hour, func(time.Duration) sweepTicker {
		t.Fatal("ticker should not be created when sweeping is disabled")
		return nil
	})
	stop()
}
