package marathon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moonkev/flexrewrite/internal/common/types"
	"github.com/moonkev/flexrewrite/internal/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appsJSON = `{
  "apps": [
    {
      "id": "/backend",
      "portDefinitions": [{"port": 0, "name": "http"}],
      "tasks": [
        {"host": "agent-1", "ipAddresses": [{"ipAddress": "10.1.0.5", "protocol": "IPv4"}], "ports": [31001],
         "state": "TASK_RUNNING", "healthCheckResults": [{"alive": true}]},
        {"host": "agent-2", "ports": [31002], "state": "TASK_STAGING", "healthCheckResults": [{"alive": true}]}
      ]
    },
    {
      "id": "/team/auth-api",
      "labels": {"routing_key": "auth"},
      "portDefinitions": [{"port": 0, "name": "grpc"}],
      "tasks": [
        {"host": "agent-3", "ports": [31003], "state": "TASK_RUNNING", "healthCheckResults": [{"alive": true}]}
      ]
    },
    {
      "id": "/unrelated",
      "portDefinitions": [{"port": 0, "name": "http"}],
      "tasks": [
        {"host": "agent-4", "ports": [31004], "state": "TASK_RUNNING", "healthCheckResults": [{"alive": true}]}
      ]
    }
  ]
}`

func TestLoadConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ops" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/v2/apps", r.URL.Path)
		assert.Equal(t, "apps.tasks", r.URL.Query().Get("embed"))
		_, _ = w.Write([]byte(appsJSON))
	}))
	defer srv.Close()

	creds := filepath.Join(t.TempDir(), "creds")
	require.NoError(t, os.WriteFile(creds, []byte("ops:secret\n"), 0o600))

	var got []*types.DiscoveredService
	agg := discovery.NewDiscoveredServiceAggregator(discovery.SubscriberFunc(func(s []*types.DiscoveredService) {
		got = s
	}))

	cfg := Config{URL: srv.URL, CredentialsFilePath: creds, Upstreams: []string{"backend", "auth"}}
	require.NoError(t, loadConfig(context.Background(), srv.Client(), cfg, agg))

	require.Len(t, got, 2)
	assert.Equal(t, "auth", got[0].Name)
	assert.True(t, got[0].EnableHTTP2)
	assert.Equal(t, []types.ServiceInstance{{Address: "agent-3", Port: 31003}}, got[0].Instances)
	assert.Equal(t, "backend", got[1].Name)
	assert.Equal(t, []types.ServiceInstance{{Address: "10.1.0.5", Port: 31001}}, got[1].Instances)
}

func TestConvertToDiscoveredServices_MultiplePorts(t *testing.T) {
	healthy := func(host string, ports ...int) marathonTask {
		return marathonTask{Host: host, Ports: ports, State: "TASK_RUNNING", HealthCheckResults: []marathonHealthCheckResults{{Alive: true}}}
	}

	apps := []marathonApp{
		{
			ID:              "/backend",
			Labels:          map[string]string{"routing_key": "backend"},
			PortDefinitions: []marathonPortDefinition{{Name: "http"}, {Name: "metrics"}},
			Tasks:           []marathonTask{healthy("agent-1", 31000, 31001)},
		},
		{
			ID: "/gateway",
			PortDefinitions: []marathonPortDefinition{
				{Name: "admin"},
				{Name: "http", Labels: map[string]string{"routing_key": "api"}},
			},
			Tasks: []marathonTask{healthy("agent-2", 32000, 32001)},
		},
	}

	got := convertToDiscoveredServices(apps, []string{"backend", "api", "gateway"})

	byName := make(map[string][]types.ServiceInstance)
	for _, svc := range got {
		byName[svc.Name] = append(byName[svc.Name], svc.Instances...)
	}
	assert.Equal(t, map[string][]types.ServiceInstance{
		"backend": {{Address: "agent-1", Port: 31000}},
		"gateway": {{Address: "agent-2", Port: 32000}},
		"api":     {{Address: "agent-2", Port: 32001}},
	}, byName)
}

func TestLoadConfig_NonPositiveIntervalDoesNotSpin(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(`{"apps": []}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	agg := discovery.NewDiscoveredServiceAggregator()
	require.NoError(t, LoadConfig(ctx, Config{URL: srv.URL, Interval: 0}, agg))
	assert.Equal(t, int32(1), requests.Load())
}

func TestLoadConfig_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	agg := discovery.NewDiscoveredServiceAggregator()
	err := loadConfig(context.Background(), srv.Client(), Config{URL: srv.URL}, agg)
	assert.ErrorContains(t, err, "marathon returned 503")

	bad := filepath.Join(t.TempDir(), "creds")
	require.NoError(t, os.WriteFile(bad, []byte("no-colon"), 0o600))
	err = loadConfig(context.Background(), srv.Client(), Config{URL: srv.URL, CredentialsFilePath: bad}, agg)
	assert.ErrorContains(t, err, "credentials must be username:password")
}
