package xds

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listener "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	gzip "github.com/envoyproxy/go-control-plane/envoy/extensions/compression/gzip/compressor/v3"
	compressor "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/compressor/v3"
	router "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	tls "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	upstreamhttp "github.com/envoyproxy/go-control-plane/envoy/extensions/upstreams/http/v3"
	matcher "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	"github.com/envoyproxy/go-control-plane/pkg/cache/types"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"github.com/moonkev/flexrewrite/internal/common/telemetry"
	types2 "github.com/moonkev/flexrewrite/internal/common/types"
	"github.com/moonkev/flexrewrite/internal/rewrite"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
)

const (
	// ReferenceSnapshot is the node ID holding the latest snapshot. New nodes
	// are seeded from it.
	ReferenceSnapshot = "__REFERENCE_SNAPSHOT__"
	RouteConfigName   = "local_route"
)

// Config holds the inputs of the snapshot manager.
type Config struct {
	Cache         cachev3.SnapshotCache
	Table         *rewrite.Table
	ListenerPorts []uint32
	// Compress adds a gzip compressor filter to the listeners.
	Compress bool
}

type SnapshotManager struct {
	cache         cachev3.SnapshotCache
	table         *rewrite.Table
	listenerPorts []uint32
	compress      bool
	version       atomic.Uint64
}

func NewSnapshotManager(cfg Config) *SnapshotManager {
	ports := cfg.ListenerPorts
	if len(ports) == 0 {
		ports = []uint32{18080}
	}
	return &SnapshotManager{
		cache:         cfg.Cache,
		table:         cfg.Table,
		listenerPorts: ports,
		compress:      cfg.Compress,
	}
}

// UpdateServices implements discovery.Subscriber.
func (s *SnapshotManager) UpdateServices(services []*types2.DiscoveredService) {
	s.BuildAndPushSnapshot(services)
}

// BuildAndPushSnapshot builds the snapshot for the rewrite table using the
// discovered instances and pushes it to the reference node and every known node.
func (s *SnapshotManager) BuildAndPushSnapshot(services []*types2.DiscoveredService) {
	snap, err := s.BuildSnapshot(services)
	if err != nil {
		slog.Error("Failed to create snapshot", "error", err)
		return
	}

	if err := s.cache.SetSnapshot(context.Background(), ReferenceSnapshot, snap); err != nil {
		slog.Error("Failed setting reference snapshot", "error", err)
	}
	nodeIDs := s.cache.GetStatusKeys()
	slog.Debug("node IDs", "nodeIDs", nodeIDs)

	for _, nodeID := range nodeIDs {
		if err := s.cache.SetSnapshot(context.Background(), nodeID, snap); err != nil {
			slog.Error("Failed setting snapshot", "nodeID", nodeID, "error", err)
		}
	}
	slog.Info("Snapshot pushed",
		"version", snap.GetVersion(resource.RouteType),
		"listeners", len(snap.GetResources(resource.ListenerType)),
		"clusters", len(snap.GetResources(resource.ClusterType)),
		"routes", s.table.Len())
	telemetry.MetricSnapshotsPushed.Inc()
}

// BuildSnapshot assembles clusters, the route configuration and the listeners
// without pushing them.
func (s *SnapshotManager) BuildSnapshot(services []*types2.DiscoveredService) (*cachev3.Snapshot, error) {
	byName := make(map[string]*types2.DiscoveredService, len(services))
	for _, svc := range services {
		byName[svc.Name] = svc
	}

	var clusters []types.Resource
	for _, upstream := range s.table.Upstreams() {
		cl, err := buildCluster(upstream, byName[upstream.Hostname()])
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", upstream.Host, err)
		}
		clusters = append(clusters, cl)
	}

	var listeners []types.Resource
	for _, port := range s.listenerPorts {
		ln, err := buildListener(port, s.compress)
		if err != nil {
			return nil, fmt.Errorf("listener %d: %w", port, err)
		}
		listeners = append(listeners, ln)
	}

	version := strconv.FormatUint(s.version.Add(1), 10)
	return cachev3.NewSnapshot(version, map[resource.Type][]types.Resource{
		resource.ClusterType:  clusters,
		resource.RouteType:    {BuildRouteConfiguration(s.table)},
		resource.ListenerType: listeners,
	})
}

// ClusterName is the Envoy cluster serving a destination origin.
func ClusterName(upstream *url.URL) string {
	return upstream.Host
}

// BuildRouteConfiguration translates the table into one virtual host whose
// routes keep declaration order, so Envoy also picks the first matching rule.
func BuildRouteConfiguration(table *rewrite.Table) *route.RouteConfiguration {
	routes := make([]*route.Route, 0, table.Len())
	for i := 0; i < table.Len(); i++ {
		rule := table.At(i)
		if rule.HasQuery() {
			slog.Warn("Destination query is not forwarded by Envoy", "source", rule.Rule().Source, "destination", rule.Rule().Destination)
		}

		upstream := rule.Upstream()
		ra := &route.RouteAction{
			ClusterSpecifier: &route.RouteAction_Cluster{Cluster: ClusterName(upstream)},
			RegexRewrite: &matcher.RegexMatchAndSubstitute{
				Pattern:      &matcher.RegexMatcher{Regex: rule.EnvoyRegex()},
				Substitution: rule.EnvoySubstitution(),
			},
			HostRewriteSpecifier: &route.RouteAction_HostRewriteLiteral{
				HostRewriteLiteral: upstream.Host,
			},
		}

		routes = append(routes, &route.Route{
			Name: fmt.Sprintf("rewrite_%d", i),
			Match: &route.RouteMatch{
				PathSpecifier: &route.RouteMatch_SafeRegex{
					SafeRegex: &matcher.RegexMatcher{Regex: rule.EnvoyRegex()},
				},
			},
			Action: &route.Route_Route{Route: ra},
		})
		slog.Debug("configuring regex rewrite", "source", rule.Rule().Source, "pattern", rule.EnvoyRegex(), "substitution", rule.EnvoySubstitution())
	}

	return &route.RouteConfiguration{
		Name: RouteConfigName,
		VirtualHosts: []*route.VirtualHost{{
			Name:    "default",
			Domains: []string{"*"},
			Routes:  routes,
		}},
	}
}

func defaultPort(u *url.URL) uint32 {
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err == nil {
			return uint32(n)
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

func buildCluster(upstream *url.URL, svc *types2.DiscoveredService) (*cluster.Cluster, error) {
	clusterName := ClusterName(upstream)
	dnsRefreshRate := 60 * time.Second
	if svc != nil && svc.DNSRefreshRate > 0 {
		dnsRefreshRate = svc.DNSRefreshRate
	}

	lbs := make([]*endpoint.LbEndpoint, 0)
	if svc != nil {
		for _, inst := range svc.Instances {
			if inst.Address == "" {
				continue
			}
			lbs = append(lbs, lbEndpoint(inst.Address, uint32(inst.Port)))
		}
	}
	if len(lbs) == 0 {
		// Resolve the destination host itself.
		lbs = append(lbs, lbEndpoint(upstream.Hostname(), defaultPort(upstream)))
	}
	slog.Debug("Adding cluster", "cluster", clusterName, "endpoints", len(lbs))

	cl := &cluster.Cluster{
		Name:           clusterName,
		ConnectTimeout: durationpb.New(2 * time.Second),
		ClusterDiscoveryType: &cluster.Cluster_Type{
			Type: cluster.Cluster_STRICT_DNS,
		},
		LoadAssignment: &endpoint.ClusterLoadAssignment{
			ClusterName: clusterName,
			Endpoints:   []*endpoint.LocalityLbEndpoints{{LbEndpoints: lbs}},
		},
		LbPolicy:        cluster.Cluster_ROUND_ROBIN,
		DnsLookupFamily: cluster.Cluster_V4_ONLY,
		DnsRefreshRate:  durationpb.New(dnsRefreshRate),
	}

	if svc != nil && svc.EnableHTTP2 {
		slog.Debug("configuring HTTP/2 support", "cluster", clusterName)
		httpOpts := &upstreamhttp.HttpProtocolOptions{
			UpstreamProtocolOptions: &upstreamhttp.HttpProtocolOptions_ExplicitHttpConfig_{
				ExplicitHttpConfig: &upstreamhttp.HttpProtocolOptions_ExplicitHttpConfig{
					ProtocolConfig: &upstreamhttp.HttpProtocolOptions_ExplicitHttpConfig_Http2ProtocolOptions{
						Http2ProtocolOptions: &core.Http2ProtocolOptions{},
					},
				},
			},
		}
		httpOptsAny, err := anypb.New(httpOpts)
		if err != nil {
			return nil, err
		}
		cl.TypedExtensionProtocolOptions = map[string]*anypb.Any{
			"envoy.extensions.upstreams.http.v3.HttpProtocolOptions": httpOptsAny,
		}
	}

	if upstream.Scheme == "https" || (svc != nil && svc.EnableTLS) {
		slog.Debug("configuring TLS support", "cluster", clusterName)
		tlsContextAny, err := anypb.New(&tls.UpstreamTlsContext{Sni: upstream.Hostname()})
		if err != nil {
			return nil, err
		}
		cl.TransportSocket = &core.TransportSocket{
			Name: "envoy.transport_sockets.tls",
			ConfigType: &core.TransportSocket_TypedConfig{
				TypedConfig: tlsContextAny,
			},
		}
	}

	return cl, nil
}

func lbEndpoint(addr string, port uint32) *endpoint.LbEndpoint {
	return &endpoint.LbEndpoint{
		HostIdentifier: &endpoint.LbEndpoint_Endpoint{
			Endpoint: &endpoint.Endpoint{
				Address: &core.Address{
					Address: &core.Address_SocketAddress{
						SocketAddress: &core.SocketAddress{
							Address:       addr,
							PortSpecifier: &core.SocketAddress_PortValue{PortValue: port},
						},
					},
				},
			},
		},
	}
}

func buildHTTPFilters(compress bool) ([]*hcm.HttpFilter, error) {
	var filters []*hcm.HttpFilter

	if compress {
		gzipAny, err := anypb.New(&gzip.Gzip{})
		if err != nil {
			return nil, err
		}
		compressorAny, err := anypb.New(&compressor.Compressor{
			CompressorLibrary: &core.TypedExtensionConfig{
				Name:        "envoy.compression.gzip.compressor",
				TypedConfig: gzipAny,
			},
		})
		if err != nil {
			return nil, err
		}
		filters = append(filters, &hcm.HttpFilter{
			Name:       "envoy.filters.http.compressor",
			ConfigType: &hcm.HttpFilter_TypedConfig{TypedConfig: compressorAny},
		})
	}

	routerAny, err := anypb.New(&router.Router{})
	if err != nil {
		return nil, err
	}
	// the router filter must be last
	filters = append(filters, &hcm.HttpFilter{
		Name:       wellknown.Router,
		ConfigType: &hcm.HttpFilter_TypedConfig{TypedConfig: routerAny},
	})
	return filters, nil
}

func buildListener(port uint32, compress bool) (*listener.Listener, error) {
	filters, err := buildHTTPFilters(compress)
	if err != nil {
		return nil, err
	}

	hcmCfg := &hcm.HttpConnectionManager{
		StatPrefix:           "ingress_http",
		CodecType:            hcm.HttpConnectionManager_AUTO,
		Http2ProtocolOptions: &core.Http2ProtocolOptions{},
		RouteSpecifier: &hcm.HttpConnectionManager_Rds{
			Rds: &hcm.Rds{
				ConfigSource: &core.ConfigSource{
					ResourceApiVersion: core.ApiVersion_V3,
					ConfigSourceSpecifier: &core.ConfigSource_Ads{
						Ads: &core.AggregatedConfigSource{},
					},
				},
				RouteConfigName: RouteConfigName,
			},
		},
		HttpFilters: filters,
	}

	hcmAny, err := anypb.New(hcmCfg)
	if err != nil {
		return nil, err
	}

	return &listener.Listener{
		Name: fmt.Sprintf("listener_%d", port),
		Address: &core.Address{Address: &core.Address_SocketAddress{SocketAddress: &core.SocketAddress{
			Address:       "0.0.0.0",
			PortSpecifier: &core.SocketAddress_PortValue{PortValue: port},
		}}},
		FilterChains: []*listener.FilterChain{{
			Filters: []*listener.Filter{{
				Name:       wellknown.HTTPConnectionManager,
				ConfigType: &listener.Filter_TypedConfig{TypedConfig: hcmAny},
			}},
		}},
	}, nil
}
