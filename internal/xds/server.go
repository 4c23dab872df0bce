package xds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	clusterservice "github.com/envoyproxy/go-control-plane/envoy/service/cluster/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	endpointservice "github.com/envoyproxy/go-control-plane/envoy/service/endpoint/v3"
	listenerservice "github.com/envoyproxy/go-control-plane/envoy/service/listener/v3"
	routeservice "github.com/envoyproxy/go-control-plane/envoy/service/route/v3"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	serverv3 "github.com/envoyproxy/go-control-plane/pkg/server/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// NewADSServer wires the snapshot cache into an xDS server that seeds new
// nodes from the reference snapshot.
func NewADSServer(ctx context.Context, cache cachev3.SnapshotCache) serverv3.Server {
	return serverv3.NewServer(ctx, cache, &ServerCallbacks{Cache: cache})
}

// RunGRPC serves the discovery services on port until ctx is cancelled.
func RunGRPC(ctx context.Context, adsServer serverv3.Server, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	return Serve(ctx, adsServer, lis)
}

// Serve is RunGRPC on an existing listener.
func Serve(ctx context.Context, adsServer serverv3.Server, lis net.Listener) error {
	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(1000000),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	discovery.RegisterAggregatedDiscoveryServiceServer(grpcServer, adsServer)
	clusterservice.RegisterClusterDiscoveryServiceServer(grpcServer, adsServer)
	endpointservice.RegisterEndpointDiscoveryServiceServer(grpcServer, adsServer)
	listenerservice.RegisterListenerDiscoveryServiceServer(grpcServer, adsServer)
	routeservice.RegisterRouteDiscoveryServiceServer(grpcServer, adsServer)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("ADS server listening", "addr", lis.Addr().String())
		serveErr <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, stopping gRPC server")
		grpcServer.GracefulStop()
		<-serveErr
		slog.Info("gRPC server stopped")
		return nil
	case err := <-serveErr:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve ADS: %w", err)
	}
}

// ServerCallbacks logs stream events and copies the reference snapshot to
// nodes the cache has not seen yet.
type ServerCallbacks struct {
	serverv3.CallbackFuncs
	Cache cachev3.SnapshotCache
}

func nodeID(node *core.Node) string {
	if node == nil {
		return ""
	}
	return node.Id
}

func (cb *ServerCallbacks) OnStreamOpen(ctx context.Context, streamID int64, typeURL string) error {
	slog.Debug("OnStreamOpen", "streamID", streamID, "typeURL", typeURL)
	return nil
}

func (cb *ServerCallbacks) OnStreamClosed(streamID int64, node *core.Node) {
	slog.Debug("OnStreamClosed", "streamID", streamID, "nodeID", nodeID(node))
}

func (cb *ServerCallbacks) OnStreamRequest(streamID int64, req *discovery.DiscoveryRequest) error {
	id := nodeID(req.Node)
	slog.Debug("OnStreamRequest",
		"streamID", streamID,
		"nodeID", id,
		"typeURL", req.TypeUrl,
		"resourceNames", req.ResourceNames,
		"versionInfo", req.VersionInfo)
	return cb.seed(id)
}

func (cb *ServerCallbacks) OnStreamResponse(ctx context.Context, streamID int64, req *discovery.DiscoveryRequest, resp *discovery.DiscoveryResponse) {
	if resp == nil {
		return
	}
	slog.Debug("OnStreamResponse",
		"streamID", streamID,
		"nodeID", nodeID(req.Node),
		"typeURL", req.TypeUrl,
		"resources", len(resp.Resources),
		"version", resp.VersionInfo)
}

func (cb *ServerCallbacks) OnStreamDeltaRequest(streamID int64, req *discovery.DeltaDiscoveryRequest) error {
	id := nodeID(req.Node)
	slog.Debug("OnStreamDeltaRequest", "streamID", streamID, "nodeID", id, "typeURL", req.TypeUrl)
	return cb.seed(id)
}

// seed gives a node the reference snapshot unless it already has one. Later
// snapshots reach it through BuildAndPushSnapshot.
func (cb *ServerCallbacks) seed(id string) error {
	if id == "" {
		return errors.New("discovery request without node id")
	}
	if _, err := cb.Cache.GetSnapshot(id); err == nil {
		return nil
	}
	snapshot, err := cb.Cache.GetSnapshot(ReferenceSnapshot)
	if err != nil {
		slog.Error("error fetching reference snapshot", "error", err)
		return err
	}
	if err := cb.Cache.SetSnapshot(context.Background(), id, snapshot); err != nil {
		slog.Error("error setting snapshot for node", "nodeID", id, "error", err)
		return err
	}
	slog.Info("Seeded node from reference snapshot", "nodeID", id)
	return nil
}
