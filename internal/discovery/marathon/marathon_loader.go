package marathon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/moonkev/flexrewrite/internal/common/types"
	"github.com/moonkev/flexrewrite/internal/discovery"
)

// DefaultInterval is used when Config.Interval is not positive.
const DefaultInterval = 30 * time.Second

type Config struct {
	URL                 string
	CredentialsFilePath string
	Interval            time.Duration
	// Upstreams are the host names used by rewrite destinations; apps whose
	// routing key is not among them are ignored.
	Upstreams []string
}

type marathonResponse struct {
	Apps []marathonApp `json:"apps"`
}

type marathonApp struct {
	ID              string                   `json:"id"`
	PortDefinitions []marathonPortDefinition `json:"portDefinitions"`
	Tasks           []marathonTask           `json:"tasks"`
	Labels          map[string]string        `json:"labels"`
}

type marathonPortDefinition struct {
	Port   int               `json:"port"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`
}

type marathonTask struct {
	ID                 string                       `json:"id"`
	Host               string                       `json:"host"`
	IPAddresses        []marathonIPAddress          `json:"ipAddresses"`
	Ports              []int                        `json:"ports"`
	HealthCheckResults []marathonHealthCheckResults `json:"healthCheckResults"`
	State              string                       `json:"state"`
}

type marathonIPAddress struct {
	IPAddress string `json:"ipAddress"`
	Protocol  string `json:"protocol"`
}

type marathonHealthCheckResults struct {
	Alive bool `json:"alive"`
}

func (t *marathonTask) IsHealthy() bool {
	if t.State != "TASK_RUNNING" || len(t.HealthCheckResults) == 0 {
		return false
	}
	for _, result := range t.HealthCheckResults {
		if result.Alive {
			return true
		}
	}
	return false
}

// LoadConfig polls Marathon every Interval until ctx is cancelled. A failed
// poll is logged and retried on the next tick.
func LoadConfig(ctx context.Context, config Config, aggregator *discovery.DiscoveredServiceAggregator) error {
	if config.Interval <= 0 {
		slog.Warn("Invalid marathon poll interval, using default", "interval", config.Interval, "default", DefaultInterval)
		config.Interval = DefaultInterval
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	httpClient := &http.Client{Timeout: 10 * time.Second}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			slog.Debug("loading Marathon apps")
			if err := loadConfig(ctx, httpClient, config, aggregator); err != nil {
				slog.Error("failed to load Marathon apps", "error", err)
			}
			timer.Reset(config.Interval)
		}
	}
}

func loadConfig(ctx context.Context, httpClient *http.Client, config Config, aggregator *discovery.DiscoveredServiceAggregator) error {
	apps, err := fetchApps(ctx, httpClient, config)
	if err != nil {
		return err
	}
	discoveredServices := convertToDiscoveredServices(apps, config.Upstreams)
	slog.Debug("Marathon upstreams", "apps", len(apps), "upstreams", len(discoveredServices))
	return aggregator.UpdateServices("marathon_loader", discoveredServices)
}

// fetchApps lists the apps together with their tasks.
func fetchApps(ctx context.Context, httpClient *http.Client, config Config) ([]marathonApp, error) {
	endpoint := strings.TrimRight(config.URL, "/") + "/v2/apps?embed=apps.tasks"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build marathon request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if config.CredentialsFilePath != "" {
		user, pass, err := readCredentials(config.CredentialsFilePath)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(user, pass)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query marathon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("marathon returned %s", resp.Status)
	}

	var apps marathonResponse
	if err := json.NewDecoder(resp.Body).Decode(&apps); err != nil {
		return nil, fmt.Errorf("decode marathon apps: %w", err)
	}
	return apps.Apps, nil
}

// readCredentials reads "username:password" from path.
func readCredentials(path string) (string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read marathon credentials: %w", err)
	}
	user, pass, ok := strings.Cut(strings.TrimSpace(string(raw)), ":")
	if !ok || user == "" {
		return "", "", fmt.Errorf("%s: credentials must be username:password", path)
	}
	return user, pass, nil
}

// convertToDiscoveredServices maps port definitions of an app to upstreams.
// A port's own routing_key label names its upstream. The app routing_key
// label, or the sanitized app id, only names the first port, so metrics and
// admin ports never join the upstream serving traffic.
func convertToDiscoveredServices(apps []marathonApp, upstreams []string) []*types.DiscoveredService {
	wanted := make(map[string]bool, len(upstreams))
	for _, u := range upstreams {
		wanted[u] = true
	}

	var services []*types.DiscoveredService

	for _, app := range apps {

		// Filter to healthy tasks only
		healthyTasks := make([]marathonTask, 0, len(app.Tasks))
		for _, task := range app.Tasks {
			if task.IsHealthy() {
				healthyTasks = append(healthyTasks, task)
			}
		}
		if len(healthyTasks) == 0 {
			continue
		}

		for portIndex, portDef := range app.PortDefinitions {
			name := routingKey(app, portIndex, portDef)
			if name == "" || !wanted[name] {
				continue
			}

			instances := make([]types.ServiceInstance, 0, len(healthyTasks))
			for _, task := range healthyTasks {
				if portIndex >= len(task.Ports) {
					continue
				}
				instances = append(instances, types.ServiceInstance{
					Address: getTaskAddress(task),
					Port:    task.Ports[portIndex],
				})
			}

			ds := &types.DiscoveredService{
				Name:      name,
				Instances: instances,
			}
			if portDef.Name == "grpc" || portDef.Labels["http2"] == "true" {
				ds.EnableHTTP2 = true
			}

			services = append(services, ds)
		}
	}

	return services
}

func routingKey(app marathonApp, portIndex int, portDef marathonPortDefinition) string {
	if key := portDef.Labels["routing_key"]; key != "" {
		return key
	}
	if portIndex > 0 {
		return ""
	}
	if key := app.Labels["routing_key"]; key != "" {
		return key
	}
	return strings.NewReplacer("/", "_", "-", "_").Replace(strings.TrimPrefix(app.ID, "/"))
}

func getTaskAddress(task marathonTask) string {
	for _, ip := range task.IPAddresses {
		if ip.Protocol == "IPv4" && ip.IPAddress != "" {
			return ip.IPAddress
		}
	}
	return task.Host
}
