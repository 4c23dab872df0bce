package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/moonkev/flexrewrite/internal/appconfig"
	"github.com/moonkev/flexrewrite/internal/common/config"
	"github.com/moonkev/flexrewrite/internal/common/telemetry"
	"github.com/moonkev/flexrewrite/internal/discovery"
	"github.com/moonkev/flexrewrite/internal/discovery/consul"
	"github.com/moonkev/flexrewrite/internal/discovery/marathon"
	"github.com/moonkev/flexrewrite/internal/discovery/yaml"
	"github.com/moonkev/flexrewrite/internal/proxy"
	"github.com/moonkev/flexrewrite/internal/xds"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {

	var configPath = ""
	var listenAddr = ":3000"
	var fallback = ""
	var adminPort = 19005
	var logLevel = config.LogLevelFlag(slog.LevelInfo)
	var xdsEnabled = false
	var adsPort = 18000
	var listenerPorts config.Uint32SliceFlag = []uint32{18080}
	var consulDiscovery = false
	var consulAddr = "http://localhost:8500"
	var watcherStrategy = "immediate"
	var yamlDiscovery = false
	var yamlFile = ""
	var marathonDiscovery = false
	var marathonAddr = "http://localhost:8080"
	var marathonCredsPath = ""
	var marathonPollInterval = 30 * time.Second
	var dumpRoutes = false
	var printConfig = false

	flag.StringVar(&configPath, "config", "", "path to the rewrite config YAML (default: built-in record)")
	flag.StringVar(&listenAddr, "listen", listenAddr, "address the rewrite proxy listens on")
	flag.StringVar(&fallback, "fallback", "", "origin receiving requests that match no rewrite, e.g. http://frontend:3000")
	flag.IntVar(&adminPort, "admin-port", adminPort, "admin port")
	flag.Var(&logLevel, "log-level", "log level: debug, info, warn, error (default: info)")
	flag.BoolVar(&xdsEnabled, "xds", false, "Serve the rewrite table to Envoy over ADS")
	flag.IntVar(&adsPort, "ads-port", adsPort, "ADS gRPC port")
	flag.Var(&listenerPorts, "listener-ports", "comma-separated list of Envoy listener ports (default: 18080)")
	flag.BoolVar(&consulDiscovery, "consul", false, "Use Consul to discover upstream instances")
	flag.StringVar(&consulAddr, "consul-addr", consulAddr, "consul HTTP address (host:port)")
	flag.StringVar(&watcherStrategy, "consul-watcher-strategy", watcherStrategy, "consul watcher strategy: immediate, debounce, or batch")
	flag.BoolVar(&yamlDiscovery, "yaml", false, "Use a YAML file to list upstream instances")
	flag.StringVar(&yamlFile, "yaml-file", "", "path to YAML upstreams file (required with -yaml)")
	flag.BoolVar(&marathonDiscovery, "marathon", false, "Use Marathon to discover upstream instances")
	flag.StringVar(&marathonAddr, "marathon-addr", marathonAddr, "marathon HTTP address")
	flag.StringVar(&marathonCredsPath, "marathon-creds-path", "", "path to file containing marathon credentials (username:password)")
	flag.DurationVar(&marathonPollInterval, "marathon-poll-interval", marathonPollInterval, "interval between marathon polls (default: 30s)")
	flag.BoolVar(&dumpRoutes, "dump-routes", false, "print the Envoy route configuration as JSON and exit")
	flag.BoolVar(&printConfig, "print-config", false, "print the loaded config as YAML and exit")
	flag.Parse()

	// Configure structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel.Level()}))
	slog.SetDefault(logger)

	record, err := loadRecord(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if printConfig {
		if err := writeConfig(os.Stdout, record); err != nil {
			slog.Error("failed to print config", "error", err)
			os.Exit(1)
		}
		return
	}
	if dumpRoutes {
		if err := writeRoutes(os.Stdout, record.Rewrites()); err != nil {
			slog.Error("failed to dump routes", "error", err)
			os.Exit(1)
		}
		return
	}

	// Validate flags
	if yamlDiscovery && yamlFile == "" {
		slog.Error("yaml-file must be specified when using yaml discovery mode")
		os.Exit(1)
	}

	if marathonDiscovery && marathonAddr == "" {
		slog.Error("marathon-addr must be specified when using marathon discovery mode")
		os.Exit(1)
	}

	if marathonDiscovery && marathonPollInterval <= 0 {
		slog.Error("marathon-poll-interval must be positive", "interval", marathonPollInterval)
		os.Exit(1)
	}

	var fallbackURL *url.URL
	if fallback != "" {
		fallbackURL, err = url.Parse(fallback)
		if err != nil {
			slog.Error("invalid fallback origin", "fallback", fallback, "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Loaded rewrite config",
		"output", record.Output(),
		"compress", record.Compress(),
		"rewrites", record.Rewrites().Len())

	// Initialize metrics
	telemetry.InitMetrics()

	pool := proxy.NewPool()
	subscribers := []discovery.Subscriber{pool}

	var snapshotManager *xds.SnapshotManager
	var snapshotCache cachev3.SnapshotCache
	if xdsEnabled {
		snapshotCache = cachev3.NewSnapshotCache(true, cachev3.IDHash{}, nil)
		snapshotManager = xds.NewSnapshotManager(xds.Config{
			Cache:         snapshotCache,
			Table:         record.Rewrites(),
			ListenerPorts: listenerPorts,
			Compress:      record.Compress(),
		})
		subscribers = append(subscribers, snapshotManager)
	}
	aggregator := discovery.NewDiscoveredServiceAggregator(subscribers...)

	handler, err := proxy.NewHandler(proxy.HandlerConfig{
		Table:    record.Rewrites(),
		Pool:     pool,
		Fallback: fallbackURL,
		Compress: record.Compress(),
	})
	if err != nil {
		slog.Error("failed to create rewrite handler", "error", err)
		os.Exit(1)
	}
	frontend, err := proxy.NewServer(proxy.Config{ListenAddr: listenAddr, Handler: handler})
	if err != nil {
		slog.Error("failed to create rewrite server", "error", err)
		os.Exit(1)
	}

	// Set up context and channels
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := frontend.Start(); err != nil {
			slog.Error("rewrite server failed", "error", err)
			os.Exit(1)
		}
	}()

	if xdsEnabled {
		// Envoy gets the destination hosts until discovery reports instances.
		snapshotManager.BuildAndPushSnapshot(nil)

		slog.Info("creating XDS server")
		adsServer := xds.NewADSServer(ctx, snapshotCache)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := xds.RunGRPC(ctx, adsServer, adsPort); err != nil {
				slog.Error("ADS server failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	// Set up admin/metrics HTTP server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	mux.Handle("/rewrites", rewritesHandler(record))

	admin := &http.Server{Addr: fmt.Sprintf(":%d", adminPort), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("starting admin http server", "port", adminPort)
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server failed", "error", err)
			os.Exit(1)
		}
	}()

	upstreams := upstreamHosts(record.Rewrites())

	if consulDiscovery {
		consulConfig := &consul.Config{
			ConsulAddr:      consulAddr,
			WaitTimeSec:     2,
			WatcherStrategy: watcherStrategy,
			Upstreams:       upstreams,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			consul.StartWatcher(ctx, consulConfig, aggregator)
		}()
	}

	if yamlDiscovery {
		yamlConfig := yaml.Config{ConfigPath: yamlFile}
		if err := yaml.LoadConfig(yamlConfig, aggregator); err != nil {
			slog.Error("failed to load YAML upstreams", "error", err)
			os.Exit(1)
		}
	}

	if marathonDiscovery {
		marathonConfig := marathon.Config{
			URL:                 marathonAddr,
			CredentialsFilePath: marathonCredsPath,
			Interval:            marathonPollInterval,
			Upstreams:           upstreams,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := marathon.LoadConfig(ctx, marathonConfig, aggregator); err != nil {
				slog.Error("marathon discovery failed", "error", err)
			}
		}()
	}

	// Wait for a shutdown signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	slog.Info("shutdown signal received, shutting down services")
	cancel()

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := frontend.Shutdown(shutdownCtx); err != nil {
		slog.Error("rewrite server shutdown error", "error", err)
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server shutdown error", "error", err)
	}

	// Wait for all goroutines with a timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	waitCtx, cancel3 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel3()

	select {
	case <-done:
		slog.Info("all services stopped gracefully")
	case <-waitCtx.Done():
		slog.Warn("shutdown timeout exceeded, forcing exit")
	}

	slog.Info("exiting")
}

func loadRecord(path string) (*appconfig.Record, error) {
	if path == "" {
		return appconfig.Default()
	}
	return appconfig.Load(path)
}
