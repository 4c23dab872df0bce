package consul

import (
	"strconv"
	"strings"
	"time"

	"github.com/moonkev/flexrewrite/internal/common/types"
)

// applyServiceMeta reads upstream protocol options from service metadata.
// Supported keys:
//   - http2: "true" to speak HTTP/2 to the instances
//   - tls:   "true" to use TLS towards the instances
//   - dns_refresh_rate: seconds between DNS lookups of instance host names
func applyServiceMeta(ds *types.DiscoveredService, meta map[string]string) {
	if meta == nil {
		return
	}
	ds.EnableHTTP2 = isTrue(meta["http2"])
	ds.EnableTLS = isTrue(meta["tls"])
	if val, ok := meta["dns_refresh_rate"]; ok {
		if seconds, err := strconv.ParseInt(val, 10, 64); err == nil && seconds > 0 {
			ds.DNSRefreshRate = time.Duration(seconds) * time.Second
		}
	}
}

func isTrue(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1"
}
