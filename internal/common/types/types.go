// Package types holds the discovery model shared by the loaders, the proxy
// upstream pool and the xDS snapshot builder.
package types

import "time"

// ServiceInstance represents a discovered service instance
type ServiceInstance struct {
	Address string `yaml:"host" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

// DiscoveredService is an upstream host referenced by rewrite destinations,
// together with the instances currently serving it.
type DiscoveredService struct {
	Name        string
	EnableHTTP2 bool
	EnableTLS   bool
	// DNSRefreshRate overrides how often Envoy re-resolves instance host
	// names. Zero keeps the default.
	DNSRefreshRate time.Duration
	Instances      []ServiceInstance
}
