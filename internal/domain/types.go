package domain

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Algorithm identifies a target selection algorithm.
type Algorithm string

const (
	// AlgorithmRoundRobin distributes requests evenly across targets
	AlgorithmRoundRobin Algorithm = "round_robin"
	// AlgorithmLeastConnections routes to the target with the fewest active connections
	AlgorithmLeastConnections Algorithm = "least_connections"
	// AlgorithmWeightedRoundRobin distributes requests proportionally to target weights
	AlgorithmWeightedRoundRobin Algorithm = "weighted_round_robin"
	// AlgorithmIPHash maps a client IP deterministically to one target
	AlgorithmIPHash Algorithm = "ip_hash"
	// AlgorithmLeastResponseTime routes to the target with the lowest average response time
	AlgorithmLeastResponseTime Algorithm = "least_response_time"
	// AlgorithmRandom selects a uniformly random target
	AlgorithmRandom Algorithm = "random"
)

// Valid reports whether the algorithm is one of the supported variants.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmRoundRobin, AlgorithmLeastConnections, AlgorithmWeightedRoundRobin,
		AlgorithmIPHash, AlgorithmLeastResponseTime, AlgorithmRandom:
		return true
	}
	return false
}

// TargetStatus represents the health status of a target
type TargetStatus int32

const (
	// TargetHealthy indicates the target is healthy and available
	TargetHealthy TargetStatus = iota
	// TargetUnhealthy indicates the target failed its health checks and must not receive traffic
	TargetUnhealthy
	// TargetDraining indicates the target is being drained of traffic
	TargetDraining
	// TargetMaintenance indicates the target is in maintenance mode
	TargetMaintenance
)

// String returns the string representation of TargetStatus
func (s TargetStatus) String() string {
	switch s {
	case TargetHealthy:
		return "healthy"
	case TargetUnhealthy:
		return "unhealthy"
	case TargetDraining:
		return "draining"
	case TargetMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// Target represents one backend instance a load balancer can route to.
// Configuration fields are set at registration time; runtime state is
// maintained with atomic operations so the router, the health monitor and
// the metrics sampler can touch it concurrently.
type Target struct {
	ID             string `json:"id" yaml:"id"`
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	Weight         int    `json:"weight" yaml:"weight"`
	Priority       int    `json:"priority" yaml:"priority"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`

	// Runtime state
	currentConnections int64
	totalRequests      int64
	totalErrors        int64
	avgResponseTimeNs  int64
	status             int32
	lastHealthCheck    int64 // unix nanos
}

// NewTarget creates a Target with default values.
func NewTarget(id, host string, port, weight int) *Target {
	return &Target{
		ID:             id,
		Host:           host,
		Port:           port,
		Weight:         weight,
		MaxConnections: 100,
		status:         int32(TargetHealthy),
	}
}

// Address returns the host:port pair of the target.
func (t *Target) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// IncrementConnections atomically increments the active connection count
func (t *Target) IncrementConnections() {
	atomic.AddInt64(&t.currentConnections, 1)
}

// DecrementConnections atomically decrements the active connection count,
// never below zero.
func (t *Target) DecrementConnections() {
	for {
		cur := atomic.LoadInt64(&t.currentConnections)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&t.currentConnections, cur, cur-1) {
			return
		}
	}
}

// CurrentConnections returns the current number of active connections
func (t *Target) CurrentConnections() int64 {
	return atomic.LoadInt64(&t.currentConnections)
}

// IncrementRequests atomically increments the total request count
func (t *Target) IncrementRequests() {
	atomic.AddInt64(&t.totalRequests, 1)
}

// TotalRequests returns the total number of requests routed to the target
func (t *Target) TotalRequests() int64 {
	return atomic.LoadInt64(&t.totalRequests)
}

// IncrementErrors atomically increments the error count
func (t *Target) IncrementErrors() {
	atomic.AddInt64(&t.totalErrors, 1)
}

// ErrorRate returns the fraction of routed requests that errored.
func (t *Target) ErrorRate() float64 {
	total := atomic.LoadInt64(&t.totalRequests)
	if total == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&t.totalErrors)) / float64(total)
}

// RecordResponseTime folds a measured response time into the rolling
// average (exponentially weighted, alpha 0.2).
func (t *Target) RecordResponseTime(d time.Duration) {
	for {
		old := atomic.LoadInt64(&t.avgResponseTimeNs)
		var updated int64
		if old == 0 {
			updated = d.Nanoseconds()
		} else {
			updated = old + (d.Nanoseconds()-old)/5
		}
		if atomic.CompareAndSwapInt64(&t.avgResponseTimeNs, old, updated) {
			return
		}
	}
}

// AverageResponseTime returns the rolling average response time.
func (t *Target) AverageResponseTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&t.avgResponseTimeNs))
}

// SetStatus updates the target status
func (t *Target) SetStatus(status TargetStatus) {
	atomic.StoreInt32(&t.status, int32(status))
}

// Status returns the current target status
func (t *Target) Status() TargetStatus {
	return TargetStatus(atomic.LoadInt32(&t.status))
}

// IsHealthy returns true if the target is healthy
func (t *Target) IsHealthy() bool {
	return t.Status() == TargetHealthy
}

// IsEligible returns true if the target is healthy and under its
// connection capacity. The check-then-route sequence in the router is
// best effort: a brief overshoot above MaxConnections under high
// concurrency is tolerated.
func (t *Target) IsEligible() bool {
	if !t.IsHealthy() {
		return false
	}
	if t.MaxConnections > 0 && t.CurrentConnections() >= int64(t.MaxConnections) {
		return false
	}
	return true
}

// UpdateLastHealthCheck records the timestamp of the last health probe.
func (t *Target) UpdateLastHealthCheck(now time.Time) {
	atomic.StoreInt64(&t.lastHealthCheck, now.UnixNano())
}

// LastHealthCheck returns the timestamp of the last health probe.
func (t *Target) LastHealthCheck() time.Time {
	ns := atomic.LoadInt64(&t.lastHealthCheck)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// targetJSON is the wire form of a Target, carrying both configuration
// and a snapshot of the runtime state.
type targetJSON struct {
	ID                  string        `json:"id"`
	Host                string        `json:"host"`
	Port                int           `json:"port"`
	Weight              int           `json:"weight"`
	Priority            int           `json:"priority"`
	MaxConnections      int           `json:"max_connections"`
	CurrentConnections  int64         `json:"current_connections"`
	Status              string        `json:"status"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	ErrorRate           float64       `json:"error_rate"`
	Throughput          int64         `json:"throughput"`
	LastHealthCheck     time.Time     `json:"last_health_check"`
}

// MarshalJSON emits the target configuration together with a snapshot of
// its runtime counters.
func (t *Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(targetJSON{
		ID:                  t.ID,
		Host:                t.Host,
		Port:                t.Port,
		Weight:              t.Weight,
		Priority:            t.Priority,
		MaxConnections:      t.MaxConnections,
		CurrentConnections:  t.CurrentConnections(),
		Status:              t.Status().String(),
		AverageResponseTime: t.AverageResponseTime(),
		ErrorRate:           t.ErrorRate(),
		Throughput:          t.TotalRequests(),
		LastHealthCheck:     t.LastHealthCheck(),
	})
}

// UnmarshalJSON restores configuration and status; runtime counters start
// from zero.
func (t *Target) UnmarshalJSON(data []byte) error {
	var w targetJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.ID = w.ID
	t.Host = w.Host
	t.Port = w.Port
	t.Weight = w.Weight
	t.Priority = w.Priority
	t.MaxConnections = w.MaxConnections
	switch w.Status {
	case "unhealthy":
		t.SetStatus(TargetUnhealthy)
	case "draining":
		t.SetStatus(TargetDraining)
	case "maintenance":
		t.SetStatus(TargetMaintenance)
	default:
		t.SetStatus(TargetHealthy)
	}
	return nil
}

// LoadBalancerStatus represents the lifecycle status of a load balancer
type LoadBalancerStatus string

const (
	LoadBalancerActive      LoadBalancerStatus = "active"
	LoadBalancerInactive    LoadBalancerStatus = "inactive"
	LoadBalancerDraining    LoadBalancerStatus = "draining"
	LoadBalancerMaintenance LoadBalancerStatus = "maintenance"
)

// HealthCheckPolicy defines the active probing policy for a load balancer.
type HealthCheckPolicy struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	Path             string        `json:"path" yaml:"path"`
	Interval         time.Duration `json:"interval" yaml:"interval"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
}

// StickySessionPolicy defines session affinity behavior.
type StickySessionPolicy struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	CookieName string        `json:"cookie_name" yaml:"cookie_name"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}

// RateLimitPolicy caps the request rate a load balancer accepts.
type RateLimitPolicy struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// LoadBalancer is the definition of one routing pool. It is owned by the
// registry; mutations go through registry operations only.
type LoadBalancer struct {
	ID             string              `json:"id" yaml:"id"`
	Name           string              `json:"name" yaml:"name"`
	Algorithm      Algorithm           `json:"algorithm" yaml:"algorithm"`
	Targets        []*Target           `json:"targets" yaml:"targets"`
	HealthCheck    HealthCheckPolicy   `json:"health_check" yaml:"health_check"`
	StickySessions StickySessionPolicy `json:"sticky_sessions" yaml:"sticky_sessions"`
	RateLimit      RateLimitPolicy     `json:"rate_limit" yaml:"rate_limit"`
	Status         LoadBalancerStatus  `json:"status" yaml:"status"`
	CreatedAt      time.Time           `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time           `json:"updated_at" yaml:"-"`
}

// Validate checks the load balancer definition for structural errors.
func (lb *LoadBalancer) Validate() error {
	if lb.Name == "" {
		return fmt.Errorf("load balancer name cannot be empty")
	}
	if !lb.Algorithm.Valid() {
		return fmt.Errorf("unsupported algorithm: %q", lb.Algorithm)
	}
	if len(lb.Targets) == 0 {
		return fmt.Errorf("load balancer requires at least one target")
	}
	for i, t := range lb.Targets {
		if t.Host == "" {
			return fmt.Errorf("target %d: host cannot be empty", i)
		}
		if t.Port <= 0 || t.Port > 65535 {
			return fmt.Errorf("target %d: invalid port %d", i, t.Port)
		}
		if t.Weight < 0 {
			return fmt.Errorf("target %d: weight cannot be negative", i)
		}
	}
	if lb.HealthCheck.Enabled {
		if lb.HealthCheck.Interval <= 0 {
			return fmt.Errorf("health check interval must be positive")
		}
		if lb.HealthCheck.SuccessThreshold <= 0 || lb.HealthCheck.FailureThreshold <= 0 {
			return fmt.Errorf("health check thresholds must be positive")
		}
	}
	if lb.StickySessions.Enabled && lb.StickySessions.Duration <= 0 {
		return fmt.Errorf("sticky session duration must be positive")
	}
	return nil
}

// EligibleTargets returns the targets that may receive traffic right now.
func (lb *LoadBalancer) EligibleTargets() []*Target {
	eligible := make([]*Target, 0, len(lb.Targets))
	for _, t := range lb.Targets {
		if t.IsEligible() {
			eligible = append(eligible, t)
		}
	}
	return eligible
}

// FindTarget returns the target with the given ID, or nil.
func (lb *LoadBalancer) FindTarget(id string) *Target {
	for _, t := range lb.Targets {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// RequestDescriptor carries the attributes of one incoming request that
// routing decisions depend on.
type RequestDescriptor struct {
	ClientIP   string            `json:"client_ip"`
	Headers    map[string]string `json:"headers,omitempty"`
	SessionKey string            `json:"session_key,omitempty"`
	Path       string            `json:"path,omitempty"`
	Method     string            `json:"method,omitempty"`
}
