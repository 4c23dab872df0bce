package watcher

import (
	"context"
	"log/slog"
	"time"
)

// DebounceWatcher batches rapid changes with a debounce timer
type DebounceWatcher struct {
	cfg              *WatcherConfig
	debounceInterval time.Duration
}

// NewDebounceWatcher creates a new debounce watcher
func NewDebounceWatcher(cfg *WatcherConfig, debounceInterval time.Duration) *DebounceWatcher {
	return &DebounceWatcher{
		cfg:              cfg,
		debounceInterval: debounceInterval,
	}
}

type catalogResult struct {
	services []string
	index    uint64
}

// Watch starts watching Consul and applies updates with debouncing.
// Blocking queries run on their own goroutine so the timer can fire while a
// query is outstanding.
func (w *DebounceWatcher) Watch(ctx context.Context) error {
	var latestServices []string

	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	results := make(chan catalogResult)
	go poll(ctx, w.cfg, results)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping debounce watcher, context cancelled")
			return nil

		case <-debounceTimer.C:
			// Debounce period expired - apply the update now
			slog.Info("Debounce timer fired, applying batched update", "services", len(latestServices))
			if err := w.cfg.Handler(latestServices); err != nil {
				slog.Error("handler error", "error", err)
			}

		case res := <-results:
			latestServices = res.services
			// First change starts the timer, later ones push it back
			slog.Debug("Resetting debounce timer", "interval", w.debounceInterval)
			debounceTimer.Reset(w.debounceInterval)
		}
	}
}

// poll sends every catalog change to out until ctx is done.
func poll(ctx context.Context, cfg *WatcherConfig, out chan<- catalogResult) {
	var lastIndex uint64
	for {
		svcList, index, ok, err := query(ctx, cfg, lastIndex)
		if !ok {
			return
		}
		if err != nil {
			slog.Error("Failed to fetch services", "error", err)
			if !sleep(ctx, cfg.retryDelay()) {
				return
			}
			continue
		}
		if index == lastIndex {
			continue
		}
		slog.Info("Detected change", "lastIndex", lastIndex, "newIndex", index)
		lastIndex = index

		select {
		case out <- catalogResult{services: svcList, index: index}:
		case <-ctx.Done():
			return
		}
	}
}
