package consul

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/moonkev/flexrewrite/internal/common/types"
	"github.com/moonkev/flexrewrite/internal/discovery"
	"github.com/moonkev/flexrewrite/internal/discovery/consul/watcher"
)

// Config holds the Consul discovery configuration
type Config struct {
	ConsulAddr      string
	WaitTimeSec     int
	WatcherStrategy string // "immediate", "debounce", or "batch"
	// Upstreams are the host names used by rewrite destinations; only these
	// Consul services are published.
	Upstreams []string
}

type HeaderRoundTripper struct {
	Rt http.RoundTripper
}

func (h *HeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return h.Rt.RoundTrip(req)
}

func NewClient(addr string) (*consulapi.Client, error) {
	consulCfg := consulapi.DefaultConfig()
	if strings.Contains(addr, "://") {
		consulCfg.Address = addr
	} else {
		consulCfg.Address = fmt.Sprintf("http://%s", addr)
	}

	consulCfg.HttpClient = &http.Client{
		Transport: &HeaderRoundTripper{Rt: http.DefaultTransport},
	}
	return consulapi.NewClient(consulCfg)
}

// HealthClient is the part of the Consul health API used to list instances.
// *consulapi.Health satisfies it.
type HealthClient interface {
	Service(service, tag string, passingOnly bool, q *consulapi.QueryOptions) ([]*consulapi.ServiceEntry, *consulapi.QueryMeta, error)
}

// StartWatcher watches the Consul catalog with the configured strategy and
// publishes healthy instances of the wanted upstreams. It blocks until ctx is
// cancelled.
func StartWatcher(ctx context.Context, cfg *Config, aggregator *discovery.DiscoveredServiceAggregator) {
	client, err := NewClient(cfg.ConsulAddr)
	if err != nil {
		slog.Error("failed to create consul client", "error", err)
		return
	}

	handler := NewHandler(client.Health(), cfg.Upstreams, aggregator)

	watcherCfg := &watcher.WatcherConfig{
		Catalog:     client.Catalog(),
		WaitTimeSec: cfg.WaitTimeSec,
		Handler:     handler,
	}

	// Get the watcher strategy from config (default to "immediate")
	strategy := cfg.WatcherStrategy
	if strategy == "" {
		strategy = "immediate"
	}

	w := watcher.NewWatcher(strategy, watcherCfg)
	slog.Info("Starting consul watch", "strategy", strategy, "upstreams", cfg.Upstreams)

	// Watch blocks until context is cancelled
	if err := w.Watch(ctx); err != nil {
		slog.Error("consul watch error", "error", err)
	}
}

// NewHandler returns the change handler that turns catalog service names into
// discovered upstreams.
func NewHandler(health HealthClient, upstreams []string, aggregator *discovery.DiscoveredServiceAggregator) watcher.ServiceChangeHandler {
	wanted := make(map[string]bool, len(upstreams))
	for _, u := range upstreams {
		wanted[u] = true
	}

	return func(services []string) error {
		slog.Debug("Processing services", "count", len(services), "services", services)

		var discoveredServices []*types.DiscoveredService

		for _, svc := range services {
			if !wanted[svc] {
				continue
			}
			entries, _, err := health.Service(svc, "", true, nil)
			if err != nil {
				slog.Error("Failed fetching healthy entries", "service", svc, "error", err)
				continue
			}
			if len(entries) == 0 {
				slog.Warn("Service has no healthy instances", "service", svc)
				continue
			}

			// Sort entries by Service.ModifyIndex in reverse order (highest first)
			// This ensures we use metadata from the most recently modified service instance
			sort.Slice(entries, func(i, j int) bool {
				return entries[i].Service.ModifyIndex > entries[j].Service.ModifyIndex
			})

			instances := make([]types.ServiceInstance, 0, len(entries))
			for _, e := range entries {
				addr := e.Service.Address
				if addr == "" {
					addr = e.Node.Address
				}
				if addr == "" {
					continue
				}
				instances = append(instances, types.ServiceInstance{
					Address: addr,
					Port:    e.Service.Port,
				})
			}

			ds := &types.DiscoveredService{
				Name:      svc,
				Instances: instances,
			}
			applyServiceMeta(ds, entries[0].Service.Meta)
			discoveredServices = append(discoveredServices, ds)
		}

		return aggregator.UpdateServices("consul_loader", discoveredServices)
	}
}
