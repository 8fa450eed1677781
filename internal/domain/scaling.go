package domain

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// GroupStatus represents the lifecycle status of an auto-scaling group
type GroupStatus string

const (
	GroupActive   GroupStatus = "active"
	GroupInactive GroupStatus = "inactive"
	GroupScaling  GroupStatus = "scaling"
	GroupError    GroupStatus = "error"
)

// ScalingPolicyType selects the evaluation flavor of a scaling policy.
type ScalingPolicyType string

const (
	PolicyTargetTracking ScalingPolicyType = "target_tracking"
	PolicyStep           ScalingPolicyType = "step"
	PolicySimple         ScalingPolicyType = "simple"
	PolicyPredictive     ScalingPolicyType = "predictive"
)

// ScalingMetricType identifies the metric a scaling threshold applies to.
type ScalingMetricType string

const (
	MetricCPUUtilization    ScalingMetricType = "cpu_utilization"
	MetricMemoryUtilization ScalingMetricType = "memory_utilization"
	MetricRequestCount      ScalingMetricType = "request_count"
	MetricResponseTime      ScalingMetricType = "response_time"
	MetricQueueLength       ScalingMetricType = "queue_length"
	MetricCustom            ScalingMetricType = "custom"
)

// ComparisonOperator compares a metric value against a threshold.
type ComparisonOperator string

const (
	OperatorGreaterThan    ComparisonOperator = "gt"
	OperatorLessThan       ComparisonOperator = "lt"
	OperatorGreaterOrEqual ComparisonOperator = "ge"
	OperatorLessOrEqual    ComparisonOperator = "le"
)

// Compare reports whether value breaches the threshold under the operator.
func (op ComparisonOperator) Compare(value, threshold float64) bool {
	switch op {
	case OperatorGreaterThan:
		return value > threshold
	case OperatorLessThan:
		return value < threshold
	case OperatorGreaterOrEqual:
		return value >= threshold
	case OperatorLessOrEqual:
		return value <= threshold
	default:
		return false
	}
}

// IndicatesOverload reports whether a breach under this operator means the
// group is overloaded (scale up) as opposed to underloaded (scale down).
func (op ComparisonOperator) IndicatesOverload() bool {
	return op == OperatorGreaterThan || op == OperatorGreaterOrEqual
}

// ScalingMetric is one thresholded metric in a scaling policy.
type ScalingMetric struct {
	Type       ScalingMetricType  `json:"type" yaml:"type"`
	CustomName string             `json:"custom_name,omitempty" yaml:"custom_name,omitempty"`
	Statistic  string             `json:"statistic" yaml:"statistic"`
	Threshold  float64            `json:"threshold" yaml:"threshold"`
	Operator   ComparisonOperator `json:"comparison_operator" yaml:"comparison_operator"`
	Period     time.Duration      `json:"period" yaml:"period"`
	Weight     float64            `json:"weight" yaml:"weight"`
}

// Name returns the lookup key of the metric in a metrics source.
func (m ScalingMetric) Name() string {
	if m.Type == MetricCustom && m.CustomName != "" {
		return m.CustomName
	}
	return string(m.Type)
}

// ScalingPolicy holds the metric thresholds and adjustments of a group.
// Metrics are evaluated in declared order and the first breaching metric
// wins; later metrics are not consulted once one triggers.
type ScalingPolicy struct {
	Type                ScalingPolicyType `json:"type" yaml:"type"`
	Metrics             []ScalingMetric   `json:"metrics" yaml:"metrics"`
	ScaleUpAdjustment   int               `json:"scale_up_adjustment" yaml:"scale_up_adjustment"`
	ScaleDownAdjustment int               `json:"scale_down_adjustment" yaml:"scale_down_adjustment"`
	EvaluationPeriods   int               `json:"evaluation_periods" yaml:"evaluation_periods"`
}

// CooldownPolicy holds per-direction cooldown durations.
type CooldownPolicy struct {
	ScaleUp   time.Duration `json:"scale_up" yaml:"scale_up"`
	ScaleDown time.Duration `json:"scale_down" yaml:"scale_down"`
}

// AutoScalingGroup is the definition and live state of one scaling group.
// Instance counts and scale activity are guarded by the embedded mutex;
// the exclusive scaling gate is the status field, advanced only through
// CompareAndSwapStatus.
type AutoScalingGroup struct {
	ID               string         `json:"id" yaml:"id"`
	Name             string         `json:"name" yaml:"name"`
	ServiceName      string         `json:"service_name" yaml:"service_name"`
	MinInstances     int            `json:"min_instances" yaml:"min_instances"`
	MaxInstances     int            `json:"max_instances" yaml:"max_instances"`
	DesiredInstances int            `json:"desired_instances" yaml:"desired_instances"`
	CurrentInstances int            `json:"current_instances" yaml:"current_instances"`
	Policy           ScalingPolicy  `json:"scaling_policy" yaml:"scaling_policy"`
	Cooldown         CooldownPolicy `json:"cooldown" yaml:"cooldown"`
	Status           GroupStatus    `json:"status" yaml:"status"`
	LastScaleAt      time.Time      `json:"last_scale_activity" yaml:"-"`
	CreatedAt        time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time      `json:"updated_at" yaml:"-"`

	mu sync.Mutex
}

// Validate checks the group definition for structural errors.
func (g *AutoScalingGroup) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("group name cannot be empty")
	}
	if g.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if g.MinInstances < 0 {
		return fmt.Errorf("min instances cannot be negative")
	}
	if g.MinInstances > g.MaxInstances {
		return fmt.Errorf("min instances (%d) cannot exceed max instances (%d)", g.MinInstances, g.MaxInstances)
	}
	if g.DesiredInstances < g.MinInstances || g.DesiredInstances > g.MaxInstances {
		return fmt.Errorf("desired instances (%d) must be within [%d, %d]", g.DesiredInstances, g.MinInstances, g.MaxInstances)
	}
	if len(g.Policy.Metrics) == 0 {
		return fmt.Errorf("scaling policy requires at least one metric")
	}
	for i, m := range g.Policy.Metrics {
		switch m.Operator {
		case OperatorGreaterThan, OperatorLessThan, OperatorGreaterOrEqual, OperatorLessOrEqual:
		default:
			return fmt.Errorf("metric %d: unsupported comparison operator %q", i, m.Operator)
		}
	}
	return nil
}

// CompareAndSwapStatus atomically advances the group status if it currently
// equals from. This is the single-flight gate for scaling operations.
func (g *AutoScalingGroup) CompareAndSwapStatus(from, to GroupStatus) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Status != from {
		return false
	}
	g.Status = to
	return true
}

// SetStatus unconditionally sets the group status.
func (g *AutoScalingGroup) SetStatus(s GroupStatus) {
	g.mu.Lock()
	g.Status = s
	g.mu.Unlock()
}

// CurrentStatus returns the group status.
func (g *AutoScalingGroup) CurrentStatus() GroupStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Status
}

// Capacity returns the current and desired instance counts.
func (g *AutoScalingGroup) Capacity() (current, desired int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.CurrentInstances, g.DesiredInstances
}

// SetDesired records the desired capacity of an accepted scaling attempt.
func (g *AutoScalingGroup) SetDesired(desired int) {
	g.mu.Lock()
	g.DesiredInstances = desired
	g.mu.Unlock()
}

// CommitCapacity records a successfully provisioned capacity.
func (g *AutoScalingGroup) CommitCapacity(capacity int, now time.Time) {
	g.mu.Lock()
	g.CurrentInstances = capacity
	g.DesiredInstances = capacity
	g.LastScaleAt = now
	g.UpdatedAt = now
	g.mu.Unlock()
}

// LastScaleActivity returns the time of the last completed scaling operation.
func (g *AutoScalingGroup) LastScaleActivity() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.LastScaleAt
}

// ClampCapacity bounds a proposed capacity to [MinInstances, MaxInstances].
func (g *AutoScalingGroup) ClampCapacity(proposed int) int {
	if proposed < g.MinInstances {
		return g.MinInstances
	}
	if proposed > g.MaxInstances {
		return g.MaxInstances
	}
	return proposed
}

// groupJSON is the wire form of an AutoScalingGroup.
type groupJSON struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	ServiceName      string         `json:"service_name"`
	MinInstances     int            `json:"min_instances"`
	MaxInstances     int            `json:"max_instances"`
	DesiredInstances int            `json:"desired_instances"`
	CurrentInstances int            `json:"current_instances"`
	Policy           ScalingPolicy  `json:"scaling_policy"`
	Cooldown         CooldownPolicy `json:"cooldown"`
	Status           GroupStatus    `json:"status"`
	LastScaleAt      time.Time      `json:"last_scale_activity"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// MarshalJSON emits the definition together with a snapshot of the
// mutable scaling state, taken under the group mutex.
func (g *AutoScalingGroup) MarshalJSON() ([]byte, error) {
	g.mu.Lock()
	w := groupJSON{
		ID:               g.ID,
		Name:             g.Name,
		ServiceName:      g.ServiceName,
		MinInstances:     g.MinInstances,
		MaxInstances:     g.MaxInstances,
		DesiredInstances: g.DesiredInstances,
		CurrentInstances: g.CurrentInstances,
		Policy:           g.Policy,
		Cooldown:         g.Cooldown,
		Status:           g.Status,
		LastScaleAt:      g.LastScaleAt,
		CreatedAt:        g.CreatedAt,
		UpdatedAt:        g.UpdatedAt,
	}
	g.mu.Unlock()
	return json.Marshal(w)
}

// ScalingEventType classifies a scaling attempt.
type ScalingEventType string

const (
	EventScaleUp     ScalingEventType = "scale_up"
	EventScaleDown   ScalingEventType = "scale_down"
	EventHealthCheck ScalingEventType = "health_check"
	EventManual      ScalingEventType = "manual"
)

// ScalingEventStatus is the outcome of a scaling attempt.
type ScalingEventStatus string

const (
	EventInProgress ScalingEventStatus = "in_progress"
	EventSuccessful ScalingEventStatus = "successful"
	EventFailed     ScalingEventStatus = "failed"
)

// ScalingEvent is the immutable audit record of one scaling attempt. After
// completion only the in_progress -> successful/failed transition is
// applied, by the executor that created it.
type ScalingEvent struct {
	ID          string             `json:"id"`
	GroupID     string             `json:"group_id"`
	Type        ScalingEventType   `json:"type"`
	Trigger     string             `json:"trigger"`
	OldCapacity int                `json:"old_capacity"`
	NewCapacity int                `json:"new_capacity"`
	Status      ScalingEventStatus `json:"status"`
	Duration    time.Duration      `json:"duration"`
	Error       string             `json:"error,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// MetricsSnapshot is one immutable per-tick sample of a load balancer's
// observable state.
type MetricsSnapshot struct {
	Timestamp           time.Time     `json:"timestamp"`
	RequestCount        int64         `json:"request_count"`
	ErrorCount          int64         `json:"error_count"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	Throughput          float64       `json:"throughput"`
	ActiveConnections   int64         `json:"active_connections"`
	HealthyTargets      int           `json:"healthy_targets"`
	UnhealthyTargets    int           `json:"unhealthy_targets"`
	TotalTargets        int           `json:"total_targets"`
	CPUUtilization      float64       `json:"cpu_utilization"`
	MemoryUtilization   float64       `json:"memory_utilization"`
}
