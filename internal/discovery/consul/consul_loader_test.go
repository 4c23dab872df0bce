package consul

import (
	"errors"
	"testing"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/moonkev/flexrewrite/internal/common/types"
	"github.com/moonkev/flexrewrite/internal/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth map[string][]*consulapi.ServiceEntry

func (f fakeHealth) Service(service, _ string, _ bool, _ *consulapi.QueryOptions) ([]*consulapi.ServiceEntry, *consulapi.QueryMeta, error) {
	entries, ok := f[service]
	if !ok {
		return nil, nil, errors.New("unknown service")
	}
	return entries, &consulapi.QueryMeta{}, nil
}

func entry(svcAddr, nodeAddr string, port int, modifyIndex uint64, meta map[string]string) *consulapi.ServiceEntry {
	return &consulapi.ServiceEntry{
		Node: &consulapi.Node{Address: nodeAddr},
		Service: &consulapi.AgentService{
			Address:     svcAddr,
			Port:        port,
			Meta:        meta,
			ModifyIndex: modifyIndex,
		},
	}
}

func TestHandler_PublishesWantedUpstreams(t *testing.T) {
	health := fakeHealth{
		"backend": {
			entry("", "10.0.0.1", 8000, 3, nil),
			entry("10.0.0.2", "10.0.0.9", 8000, 7, map[string]string{"http2": "true"}),
		},
		"billing": {entry("10.0.1.1", "", 9000, 1, nil)},
	}

	var got []*types.DiscoveredService
	agg := discovery.NewDiscoveredServiceAggregator(discovery.SubscriberFunc(func(s []*types.DiscoveredService) {
		got = s
	}))

	handler := NewHandler(health, []string{"backend", "missing"}, agg)
	require.NoError(t, handler([]string{"backend", "billing", "missing"}))

	require.Len(t, got, 1)
	assert.Equal(t, "backend", got[0].Name)
	assert.True(t, got[0].EnableHTTP2, "metadata comes from the most recently modified entry")
	assert.Equal(t, []types.ServiceInstance{
		{Address: "10.0.0.2", Port: 8000},
		{Address: "10.0.0.1", Port: 8000},
	}, got[0].Instances)
}

func TestApplyServiceMeta(t *testing.T) {
	ds := &types.DiscoveredService{}
	applyServiceMeta(ds, map[string]string{"http2": "1", "tls": "TRUE"})
	assert.True(t, ds.EnableHTTP2)
	assert.True(t, ds.EnableTLS)
	assert.Zero(t, ds.DNSRefreshRate)

	ds = &types.DiscoveredService{}
	applyServiceMeta(ds, map[string]string{"dns_refresh_rate": "30"})
	assert.Equal(t, 30*time.Second, ds.DNSRefreshRate)

	ds = &types.DiscoveredService{}
	applyServiceMeta(ds, map[string]string{"dns_refresh_rate": "soon"})
	assert.Zero(t, ds.DNSRefreshRate)

	ds = &types.DiscoveredService{}
	applyServiceMeta(ds, nil)
	assert.False(t, ds.EnableHTTP2)
}
