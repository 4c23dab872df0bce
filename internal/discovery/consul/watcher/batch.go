package watcher

import (
	"context"
	"log/slog"
	"time"
)

// BatchWatcher applies updates when batch size reached or timeout expires
type BatchWatcher struct {
	cfg          *WatcherConfig
	maxBatchSize int
	batchTimeout time.Duration
}

// NewBatchWatcher creates a new batch watcher
func NewBatchWatcher(cfg *WatcherConfig, maxBatchSize int, batchTimeout time.Duration) *BatchWatcher {
	return &BatchWatcher{
		cfg:          cfg,
		maxBatchSize: maxBatchSize,
		batchTimeout: batchTimeout,
	}
}

// Watch starts watching Consul and applies batched updates
func (w *BatchWatcher) Watch(ctx context.Context) error {
	var batchCount int
	var latestServices []string

	batchTimer := time.NewTimer(0)
	batchTimer.Stop()
	defer batchTimer.Stop()

	results := make(chan catalogResult)
	go poll(ctx, w.cfg, results)

	apply := func(reason string) {
		slog.Info("Applying batch", "reason", reason, "changes", batchCount, "services", len(latestServices))
		if err := w.cfg.Handler(latestServices); err != nil {
			slog.Error("handler error", "error", err)
		}
		batchCount = 0
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping batch watcher, context cancelled")
			return nil

		case <-batchTimer.C:
			if batchCount > 0 {
				apply("timeout")
			}

		case res := <-results:
			latestServices = res.services
			batchCount++
			slog.Debug("Change detected", "batchCount", batchCount, "maxBatchSize", w.maxBatchSize)

			if batchCount >= w.maxBatchSize {
				// Batch is full - apply immediately
				batchTimer.Stop()
				apply("batch limit reached")
			} else if batchCount == 1 {
				slog.Debug("Starting batch timer", "timeout", w.batchTimeout)
				batchTimer.Reset(w.batchTimeout)
			}
		}
	}
}
