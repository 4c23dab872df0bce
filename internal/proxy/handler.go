// Package proxy forwards requests according to the rewrite table.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"syscall"

	"github.com/klauspost/compress/gzhttp"
	"github.com/moonkev/flexrewrite/internal/common/telemetry"
	"github.com/moonkev/flexrewrite/internal/rewrite"
)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Table *rewrite.Table
	// Pool, when set, supplies instance addresses for destination hosts.
	// Instances discovered with TLS or HTTP/2 are reached with those
	// protocols, the same way the Envoy clusters are configured.
	Pool *Pool
	// Fallback receives requests that match no rule. Unmatched requests get
	// 404 when it is nil.
	Fallback *url.URL
	// Compress gzips responses in this process. When false, bodies pass
	// through exactly as the upstream sent them.
	Compress  bool
	Transport http.RoundTripper
}

// Handler resolves each request against the rewrite table and forwards it.
type Handler struct {
	table    *rewrite.Table
	pool     *Pool
	compress bool
	proxy    *httputil.ReverseProxy
	fallback *httputil.ReverseProxy
	entry    http.Handler
}

type selectionKey struct{}

// selection is what serve decided for a request: the matched rule and, when
// the pool knows the destination host, the instance to dial.
type selection struct {
	resolution rewrite.Resolution
	instance   Instance
	picked     bool
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Table == nil {
		return nil, errors.New("rewrite table is required")
	}
	h := &Handler{
		table:    cfg.Table,
		pool:     cfg.Pool,
		compress: cfg.Compress,
	}

	h.proxy = &httputil.ReverseProxy{
		Rewrite:      h.rewrite,
		Transport:    newUpstreamTransport(cfg.Transport),
		ErrorHandler: h.upstreamError,
	}

	if cfg.Fallback != nil {
		if cfg.Fallback.Scheme == "" || cfg.Fallback.Host == "" {
			return nil, fmt.Errorf("fallback %q must be an absolute URL", cfg.Fallback)
		}
		target := cfg.Fallback
		h.fallback = &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(target)
				pr.Out.Host = pr.In.Host
				pr.SetXForwarded()
			},
			Transport:    cfg.Transport,
			ErrorHandler: h.upstreamError,
		}
	}

	h.entry = http.HandlerFunc(h.serve)
	if cfg.Compress {
		h.entry = gzhttp.GzipHandler(h.entry)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.entry.ServeHTTP(w, r)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	res, ok := h.table.Resolve(r.URL.EscapedPath(), r.URL.RawQuery)
	if !ok {
		telemetry.MetricRewritesUnmatched.Inc()
		if h.fallback != nil {
			h.fallback.ServeHTTP(w, r)
			return
		}
		http.Error(w, fmt.Sprintf("no route found for %s", r.URL.Path), http.StatusNotFound)
		return
	}

	telemetry.MetricRewritesMatched.WithLabelValues(res.Rule.Source).Inc()
	slog.Debug("Rewriting request",
		"method", r.Method,
		"path", r.URL.Path,
		"rule", res.Index,
		"source", res.Rule.Source,
		"target", res.Target.String())

	sel := &selection{resolution: res}
	if h.pool != nil {
		sel.instance, sel.picked = h.pool.Pick(res.Target.Hostname())
	}

	ctx := context.WithValue(r.Context(), selectionKey{}, sel)
	h.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	sel := pr.In.Context().Value(selectionKey{}).(*selection)
	target := sel.resolution.Target

	pr.Out.URL.Scheme = target.Scheme
	pr.Out.URL.Host = target.Host
	pr.Out.URL.Path = target.Path
	pr.Out.URL.RawPath = target.RawPath
	pr.Out.URL.RawQuery = target.RawQuery
	pr.Out.Host = target.Host

	if sel.picked {
		pr.Out.URL.Host = sel.instance.Addr
		if sel.instance.TLS {
			pr.Out.URL.Scheme = "https"
		}
	}
	if h.compress {
		// gzhttp owns the encoding towards the client
		pr.Out.Header.Del("Accept-Encoding")
	}
	pr.SetXForwarded()
}

func (h *Handler) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	upstream := "fallback"
	if sel, ok := r.Context().Value(selectionKey{}).(*selection); ok {
		upstream = sel.resolution.Target.Host
	}
	telemetry.MetricUpstreamErrors.WithLabelValues(upstream).Inc()

	if errors.Is(err, context.Canceled) {
		// client went away
		slog.Debug("Request cancelled", "path", r.URL.Path, "upstream", upstream)
		return
	}
	slog.Warn("Upstream request failed", "path", r.URL.Path, "upstream", upstream, "error", err)

	msg := fmt.Sprintf("upstream error for %s", r.URL.Path)
	if errors.Is(err, syscall.ECONNREFUSED) {
		msg = fmt.Sprintf("connection refused for %s", r.URL.Path)
	}
	http.Error(w, msg, http.StatusBadGateway)
}
