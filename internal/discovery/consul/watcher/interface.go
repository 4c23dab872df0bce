package watcher

import (
	"context"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// ServiceChangeHandler is called when services change
type ServiceChangeHandler func(services []string) error

// Catalog is the part of the Consul catalog API the watchers poll.
// *consulapi.Catalog satisfies it.
type Catalog interface {
	Services(q *consulapi.QueryOptions) (map[string][]string, *consulapi.QueryMeta, error)
}

// ConsulWatcher defines the interface for watching Consul service changes
type ConsulWatcher interface {
	// Watch starts watching Consul for service changes
	// It blocks until context is cancelled
	Watch(ctx context.Context) error
}

// WatcherConfig holds shared configuration for all watchers
type WatcherConfig struct {
	Catalog     Catalog
	WaitTimeSec int
	Handler     ServiceChangeHandler
	// RetryDelay is the pause after a failed catalog query
	RetryDelay time.Duration
}

func (c *WatcherConfig) retryDelay() time.Duration {
	if c.RetryDelay <= 0 {
		return time.Second
	}
	return c.RetryDelay
}

// NewWatcher creates a watcher with the specified strategy
func NewWatcher(strategy string, cfg *WatcherConfig) ConsulWatcher {
	switch strategy {
	case "debounce":
		return NewDebounceWatcher(cfg, 500*time.Millisecond)
	case "batch":
		return NewBatchWatcher(cfg, 5, 1*time.Second)
	case "immediate":
		fallthrough
	default:
		return NewImmediateWatcher(cfg)
	}
}

// query runs one blocking catalog query. ok is false when the context ended.
func query(ctx context.Context, cfg *WatcherConfig, lastIndex uint64) (services []string, index uint64, ok bool, err error) {
	queryOpts := &consulapi.QueryOptions{
		WaitIndex: lastIndex,
		WaitTime:  time.Duration(cfg.WaitTimeSec) * time.Second,
	}
	queryOpts = queryOpts.WithContext(ctx)

	serviceMapping, meta, err := cfg.Catalog.Services(queryOpts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, lastIndex, false, nil
		}
		return nil, lastIndex, true, err
	}
	return filterServices(serviceMapping), meta.LastIndex, true, nil
}

// sleep waits for d or until ctx is done, reporting whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
