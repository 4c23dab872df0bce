package discovery

import "github.com/moonkev/flexrewrite/internal/common/types"

// Subscriber receives the merged upstream list every time a loader reports.
type Subscriber interface {
	UpdateServices(services []*types.DiscoveredService)
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(services []*types.DiscoveredService)

func (f SubscriberFunc) UpdateServices(services []*types.DiscoveredService) {
	f(services)
}
