package yaml

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/moonkev/flexrewrite/internal/common/config"
	"github.com/moonkev/flexrewrite/internal/common/types"
	"github.com/moonkev/flexrewrite/internal/discovery"
	"go.yaml.in/yaml/v2"
)

type Config struct {
	ConfigPath string
}

// Service lists the instances behind one upstream host, e.g.
//
//	# upstreams.yaml
//	- name: backend
//	  instances:
//	    - host: 10.0.0.12
//	      port: 8000
//	  dns_refresh_rate: 30s
type Service struct {
	Name           string                  `yaml:"name"`
	Instances      []types.ServiceInstance `yaml:"instances"`
	Http2          bool                    `yaml:"http2"`
	TLS            bool                    `yaml:"tls"`
	DNSRefreshRate *config.Duration        `yaml:"dns_refresh_rate"`
}

func LoadConfig(config Config, aggregator *discovery.DiscoveredServiceAggregator) error {

	rawYaml, err := os.ReadFile(config.ConfigPath)
	if err != nil {
		return err
	}

	discoveredServices, err := parseServices(rawYaml)
	if err != nil {
		return fmt.Errorf("parse %s: %w", config.ConfigPath, err)
	}

	slog.Info("Loaded upstreams from YAML config",
		"count", len(discoveredServices))
	for i, ds := range discoveredServices {
		slog.Info("Discovered upstream",
			"index", i,
			"name", ds.Name,
			"instances", ds.Instances,
			"http2", ds.EnableHTTP2,
			"tls", ds.EnableTLS)
	}
	return aggregator.UpdateServices("yaml_loader", discoveredServices)
}

func parseServices(rawYaml []byte) ([]*types.DiscoveredService, error) {
	var services []Service
	if err := yaml.UnmarshalStrict(rawYaml, &services); err != nil {
		return nil, err
	}

	discoveredServices := make([]*types.DiscoveredService, 0, len(services))
	for _, svc := range services {
		if svc.Name == "" {
			return nil, fmt.Errorf("upstream without a name")
		}
		instances := make([]types.ServiceInstance, 0, len(svc.Instances))
		for _, inst := range svc.Instances {
			if inst.Address == "" || inst.Port <= 0 {
				slog.Warn("Skipping incomplete instance", "service", svc.Name, "host", inst.Address, "port", inst.Port)
				continue
			}
			instances = append(instances, inst)
		}
		ds := &types.DiscoveredService{
			Name:        svc.Name,
			Instances:   instances,
			EnableHTTP2: svc.Http2,
			EnableTLS:   svc.TLS,
		}
		if svc.DNSRefreshRate != nil {
			ds.DNSRefreshRate = svc.DNSRefreshRate.ToDuration()
		}
		discoveredServices = append(discoveredServices, ds)
	}
	return discoveredServices, nil
}
