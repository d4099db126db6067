package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// startScratchSweeper periodically removes scratch directories left behind by
// crashed worker processes. Directories younger than maxAge are kept because a
// live attempt may still be writing into them.
func startScratchSweeper(ctx context.Context, logger *slog.Logger, root string, interval, maxAge time.Duration) func() {
	return startScratchSweeperWithTicker(ctx, logger, root, interval, maxAge, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startScratchSweeperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	root string,
	interval, maxAge time.Duration,
	newTicker tickerFactory,
) func() {
	if root == "" || interval <= 0 || maxAge <= 0 {
		return func() {}
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C():
				removed, err := sweepScratch(root, time.Now().Add(-maxAge))
				if err != nil && logger != nil {
					logger.Error("failed to sweep scratch directories", "error", err, "root", root)
				}
				if removed > 0 && logger != nil {
					logger.Info("removed orphaned scratch directories", "count", removed, "root", root)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func sweepScratch(root string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	var firstErr error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
