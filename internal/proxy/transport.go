package proxy

import (
	"crypto/tls"
	"net/http"
	"sync"
)

type transportKey struct {
	serverName string
	tls        bool
	http2      bool
}

// upstreamTransport sends requests for discovered TLS or HTTP/2 instances
// through a transport configured for them and everything else through base.
type upstreamTransport struct {
	base http.RoundTripper

	mu         sync.Mutex
	transports map[transportKey]*http.Transport
}

func newUpstreamTransport(base http.RoundTripper) *upstreamTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &upstreamTransport{base: base, transports: make(map[transportKey]*http.Transport)}
}

func (t *upstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	sel, ok := req.Context().Value(selectionKey{}).(*selection)
	if !ok || !sel.picked || (!sel.instance.TLS && !sel.instance.HTTP2) {
		return t.base.RoundTrip(req)
	}
	return t.transport(transportKey{
		serverName: sel.resolution.Target.Hostname(),
		tls:        sel.instance.TLS,
		http2:      sel.instance.HTTP2,
	}).RoundTrip(req)
}

func (t *upstreamTransport) transport(key transportKey) *http.Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.transports[key]; ok {
		return tr
	}

	base, ok := t.base.(*http.Transport)
	if !ok {
		base = http.DefaultTransport.(*http.Transport)
	}
	tr := base.Clone()

	if key.tls {
		// The dial address is an instance; certificates name the destination host.
		cfg := &tls.Config{}
		if tr.TLSClientConfig != nil {
			cfg = tr.TLSClientConfig.Clone()
		}
		cfg.ServerName = key.serverName
		tr.TLSClientConfig = cfg
		tr.ForceAttemptHTTP2 = key.http2
	} else if key.http2 {
		tr.Protocols = new(http.Protocols)
		tr.Protocols.SetUnencryptedHTTP2(true)
	}

	t.transports[key] = tr
	return tr
}

func (t *upstreamTransport) CloseIdleConnections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range t.transports {
		tr.CloseIdleConnections()
	}
	if ci, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}
