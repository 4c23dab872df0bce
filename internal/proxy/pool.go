package proxy

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/moonkev/flexrewrite/internal/common/types"
)

// Instance is one discovered address of an upstream host together with the
// protocol options discovery reported for that host.
type Instance struct {
	Addr  string
	TLS   bool
	HTTP2 bool
}

type upstream struct {
	addrs []string
	tls   bool
	http2 bool
	next  atomic.Uint64
}

// Pool holds the discovered instances of each upstream host and hands them
// out round-robin. An empty pool leaves destinations untouched.
type Pool struct {
	mu        sync.RWMutex
	upstreams map[string]*upstream
}

func NewPool() *Pool {
	return &Pool{upstreams: make(map[string]*upstream)}
}

// UpdateServices implements discovery.Subscriber.
func (p *Pool) UpdateServices(services []*types.DiscoveredService) {
	upstreams := make(map[string]*upstream, len(services))
	for _, svc := range services {
		addrs := make([]string, 0, len(svc.Instances))
		for _, inst := range svc.Instances {
			addrs = append(addrs, net.JoinHostPort(inst.Address, strconv.Itoa(inst.Port)))
		}
		if len(addrs) == 0 {
			continue
		}
		upstreams[svc.Name] = &upstream{addrs: addrs, tls: svc.EnableTLS, http2: svc.EnableHTTP2}
	}

	p.mu.Lock()
	p.upstreams = upstreams
	p.mu.Unlock()
	slog.Debug("Upstream pool updated", "upstreams", len(upstreams))
}

// Pick returns the next instance for host.
func (p *Pool) Pick(host string) (Instance, bool) {
	p.mu.RLock()
	u := p.upstreams[host]
	p.mu.RUnlock()
	if u == nil {
		return Instance{}, false
	}
	n := u.next.Add(1) - 1
	return Instance{
		Addr:  u.addrs[n%uint64(len(u.addrs))],
		TLS:   u.tls,
		HTTP2: u.http2,
	}, true
}
