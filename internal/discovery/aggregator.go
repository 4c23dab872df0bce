// Package discovery merges upstream instances reported by the loaders
// (yaml, consul, marathon) and hands the result to its subscribers.
package discovery

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/moonkev/flexrewrite/internal/common/telemetry"
	"github.com/moonkev/flexrewrite/internal/common/types"
)

type DiscoveredServiceAggregator struct {
	mu                   sync.Mutex
	discoveredServiceMap map[string][]*types.DiscoveredService
	subscribers          []Subscriber
}

func NewDiscoveredServiceAggregator(subscribers ...Subscriber) *DiscoveredServiceAggregator {
	return &DiscoveredServiceAggregator{
		discoveredServiceMap: make(map[string][]*types.DiscoveredService),
		subscribers:          subscribers,
	}
}

// UpdateServices replaces the list reported by loaderId and publishes the
// merged list. Instances reported for the same upstream by different loaders
// are combined.
func (a *DiscoveredServiceAggregator) UpdateServices(loaderId string, services []*types.DiscoveredService) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.discoveredServiceMap[loaderId] = services

	loaders := make([]string, 0, len(a.discoveredServiceMap))
	for id := range a.discoveredServiceMap {
		loaders = append(loaders, id)
	}
	sort.Strings(loaders)

	byName := make(map[string]*types.DiscoveredService)
	for _, id := range loaders {
		for _, svc := range a.discoveredServiceMap[id] {
			merged, ok := byName[svc.Name]
			if !ok {
				merged = &types.DiscoveredService{Name: svc.Name}
				byName[svc.Name] = merged
			}
			merged.EnableHTTP2 = merged.EnableHTTP2 || svc.EnableHTTP2
			merged.EnableTLS = merged.EnableTLS || svc.EnableTLS
			if svc.DNSRefreshRate > 0 && (merged.DNSRefreshRate == 0 || svc.DNSRefreshRate < merged.DNSRefreshRate) {
				merged.DNSRefreshRate = svc.DNSRefreshRate
			}
			merged.Instances = append(merged.Instances, svc.Instances...)
		}
	}

	aggregatedServices := make([]*types.DiscoveredService, 0, len(byName))
	for _, svc := range byName {
		aggregatedServices = append(aggregatedServices, svc)
	}
	sort.Slice(aggregatedServices, func(i, j int) bool {
		return aggregatedServices[i].Name < aggregatedServices[j].Name
	})

	slog.Debug("Aggregated services", "loader", loaderId, "count", len(aggregatedServices))
	telemetry.MetricServicesDiscovered.Set(float64(len(aggregatedServices)))
	telemetry.MetricUpstreamInstances.Reset()
	for _, svc := range aggregatedServices {
		telemetry.MetricUpstreamInstances.WithLabelValues(svc.Name).Set(float64(len(svc.Instances)))
	}

	for _, s := range a.subscribers {
		s.UpdateServices(aggregatedServices)
	}
	return nil
}
