package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetgate/fleetgate/internal/domain"
)

// Prober performs one health probe against a target URL. A nil return
// means the target answered healthy within the timeout.
type Prober interface {
	Probe(ctx context.Context, url string, timeout time.Duration) error
}

// MetricsSource returns the current values of the named metrics for an
// auto-scaling group's service.
type MetricsSource interface {
	Current(ctx context.Context, group *domain.AutoScalingGroup) (map[string]float64, error)
}

// Provisioner applies a desired capacity to the infrastructure backing an
// auto-scaling group. It is the longest-running collaborator call; the
// executor invokes it without holding registry locks.
type Provisioner interface {
	Provision(ctx context.Context, group *domain.AutoScalingGroup, desiredCapacity int) error
}

// HTTPProber probes targets over HTTP and treats any 2xx response as
// healthy.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with a shared transport sized for many
// small probe requests.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

// Probe performs one HTTP GET health probe.
func (p *HTTPProber) Probe(ctx context.Context, url string, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("User-Agent", "fleetgate-health-monitor/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// SnapshotMetricsSource derives group metric values from the latest
// metrics snapshot of the load balancer fronting the group's service.
// The mapping between group and load balancer is by service name.
type SnapshotMetricsSource struct {
	store  *MetricsStore
	lookup func(serviceName string) (string, bool)
}

// NewSnapshotMetricsSource creates a metrics source reading from the
// metrics store. lookup resolves a service name to a load balancer ID.
func NewSnapshotMetricsSource(store *MetricsStore, lookup func(serviceName string) (string, bool)) *SnapshotMetricsSource {
	return &SnapshotMetricsSource{store: store, lookup: lookup}
}

// Current maps the most recent snapshot onto the standard metric names.
func (s *SnapshotMetricsSource) Current(_ context.Context, group *domain.AutoScalingGroup) (map[string]float64, error) {
	lbID, ok := s.lookup(group.ServiceName)
	if !ok {
		return nil, fmt.Errorf("no load balancer serves %q", group.ServiceName)
	}
	snap := s.store.Latest(lbID)
	if snap == nil {
		return nil, fmt.Errorf("no metrics recorded for load balancer %q", lbID)
	}
	values := map[string]float64{
		string(domain.MetricRequestCount): float64(snap.RequestCount),
		string(domain.MetricResponseTime): float64(snap.AverageResponseTime.Milliseconds()),
		string(domain.MetricQueueLength):  float64(snap.ActiveConnections),
	}
	// Without an installed utilization source the cpu and memory keys
	// are omitted, so the evaluator skips those thresholds instead of
	// scaling on zeros.
	if s.store.UtilizationInstalled() {
		values[string(domain.MetricCPUUtilization)] = snap.CPUUtilization
		values[string(domain.MetricMemoryUtilization)] = snap.MemoryUtilization
	}
	return values, nil
}
