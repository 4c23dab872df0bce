package watcher

import (
	"context"
	"log/slog"
)

// ImmediateWatcher applies updates as soon as they're detected
type ImmediateWatcher struct {
	cfg *WatcherConfig
}

// NewImmediateWatcher creates a new immediate watcher
func NewImmediateWatcher(cfg *WatcherConfig) *ImmediateWatcher {
	return &ImmediateWatcher{cfg: cfg}
}

// Watch starts watching Consul and immediately applies updates
func (w *ImmediateWatcher) Watch(ctx context.Context) error {
	var lastIndex uint64

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping immediate watcher, context cancelled")
			return nil
		default:
		}

		svcList, index, ok, err := query(ctx, w.cfg, lastIndex)
		if !ok {
			slog.Info("Stopping immediate watcher, context cancelled")
			return nil
		}
		if err != nil {
			slog.Error("Failed to fetch services", "error", err)
			if !sleep(ctx, w.cfg.retryDelay()) {
				return nil
			}
			continue
		}

		if index == lastIndex {
			continue
		}

		slog.Debug("Detected change", "lastIndex", lastIndex, "newIndex", index, "services", svcList)
		lastIndex = index

		if err := w.cfg.Handler(svcList); err != nil {
			slog.Error("handler error", "error", err)
		}
	}
}
