package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fleetgate/fleetgate/internal/domain"
	"github.com/fleetgate/fleetgate/internal/repository"
	"github.com/fleetgate/fleetgate/internal/storage"
	"github.com/fleetgate/fleetgate/pkg/logger"
)

// fakeSource serves fixed metric values.
type fakeSource struct {
	values map[string]float64
	err    error
}

func (s *fakeSource) Current(_ context.Context, _ *domain.AutoScalingGroup) (map[string]float64, error) {
	return s.values, s.err
}

func createTestGroup(t *testing.T, registry *repository.GroupRegistry, mutate func(*domain.AutoScalingGroup)) *domain.AutoScalingGroup {
	t.Helper()
	g := &domain.AutoScalingGroup{
		Name:             "api-workers",
		ServiceName:      "api",
		MinInstances:     1,
		MaxInstances:     10,
		DesiredInstances: 4,
		Policy: domain.ScalingPolicy{
			Type: domain.PolicySimple,
			Metrics: []domain.ScalingMetric{
				{
					Type:      domain.MetricCPUUtilization,
					Threshold: 80,
					Operator:  domain.OperatorGreaterThan,
				},
				{
					Type:      domain.MetricCPUUtilization,
					Threshold: 20,
					Operator:  domain.OperatorLessThan,
				},
			},
			ScaleUpAdjustment:   2,
			ScaleDownAdjustment: 1,
		},
		Cooldown: domain.CooldownPolicy{
			ScaleUp:   time.Minute,
			ScaleDown: 2 * time.Minute,
		},
	}
	if mutate != nil {
		mutate(g)
	}
	created, err := registry.Create(g)
	if err != nil {
		t.Fatalf("Failed to create test group: %v", err)
	}
	return created
}

func newEvaluatorUnderTest(t *testing.T, source MetricsSource) (*Evaluator, *repository.GroupRegistry) {
	t.Helper()
	registry := repository.NewGroupRegistry(storage.NopStore{}, logger.NewNop())
	return NewEvaluator(registry, source, logger.NewNop()), registry
}

func TestEvaluateScaleUpOnBreach(t *testing.T) {
	source := &fakeSource{values: map[string]float64{"cpu_utilization": 92}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, nil)

	decision, err := evaluator.Evaluate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.ShouldScale {
		t.Fatal("Expected a scale decision")
	}
	if decision.Direction != domain.EventScaleUp {
		t.Errorf("Expected scale_up, got %s", decision.Direction)
	}
	if decision.DesiredCapacity != 6 {
		t.Errorf("Expected desired capacity 6, got %d", decision.DesiredCapacity)
	}
	if decision.Metric != "cpu_utilization" {
		t.Errorf("Expected cpu_utilization to decide, got %s", decision.Metric)
	}
	if decision.Value != 92 {
		t.Errorf("Expected observed value 92, got %.1f", decision.Value)
	}
}

func TestEvaluateScaleDownOnUnderload(t *testing.T) {
	source := &fakeSource{values: map[string]float64{"cpu_utilization": 12}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, nil)

	decision, err := evaluator.Evaluate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.ShouldScale {
		t.Fatal("Expected a scale decision")
	}
	if decision.Direction != domain.EventScaleDown {
		t.Errorf("Expected scale_down, got %s", decision.Direction)
	}
	if decision.DesiredCapacity != 3 {
		t.Errorf("Expected desired capacity 3, got %d", decision.DesiredCapacity)
	}
}

func TestEvaluateAdjustsFromDesiredCapacity(t *testing.T) {
	source := &fakeSource{values: map[string]float64{"cpu_utilization": 92}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, nil)

	// Desired and provisioned counts diverge; the adjustment applies to
	// the desired count.
	g.SetDesired(5)

	decision, err := evaluator.Evaluate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.ShouldScale {
		t.Fatal("Expected a scale decision")
	}
	if decision.DesiredCapacity != 7 {
		t.Errorf("Expected desired capacity 7, got %d", decision.DesiredCapacity)
	}
}

func TestEvaluateClampsToMaxInstances(t *testing.T) {
	source := &fakeSource{values: map[string]float64{"cpu_utilization": 95}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, func(g *domain.AutoScalingGroup) {
		g.DesiredInstances = 9
	})

	decision, err := evaluator.Evaluate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.ShouldScale {
		t.Fatal("Expected a scale decision")
	}
	if decision.DesiredCapacity != 10 {
		t.Errorf("Expected clamp to 10, got %d", decision.DesiredCapacity)
	}
}

func TestEvaluateNoScaleAtBound(t *testing.T) {
	source := &fakeSource{values: map[string]float64{"cpu_utilization": 95}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, func(g *domain.AutoScalingGroup) {
		g.DesiredInstances = 10
	})

	decision, err := evaluator.Evaluate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.ShouldScale {
		t.Error("Expected no scale at the capacity bound")
	}
	if !strings.Contains(decision.Reason, "bound") {
		t.Errorf("Expected a bound reason, got %q", decision.Reason)
	}
}

func TestEvaluateFirstBreachingMetricWins(t *testing.T) {
	// Both a request-count overload and a CPU underload breach; the
	// metric declared first decides.
	source := &fakeSource{values: map[string]float64{
		"request_count":   5000,
		"cpu_utilization": 5,
	}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, func(g *domain.AutoScalingGroup) {
		g.Policy.Metrics = []domain.ScalingMetric{
			{
				Type:      domain.MetricRequestCount,
				Threshold: 1000,
				Operator:  domain.OperatorGreaterThan,
			},
			{
				Type:      domain.MetricCPUUtilization,
				Threshold: 20,
				Operator:  domain.OperatorLessThan,
			},
		}
	})

	decision, err := evaluator.Evaluate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.ShouldScale {
		t.Fatal("Expected a scale decision")
	}
	if decision.Direction != domain.EventScaleUp {
		t.Errorf("Expected scale_up, got %s", decision.Direction)
	}
	if decision.Metric != "request_count" {
		t.Errorf("Expected request_count to decide, got %s", decision.Metric)
	}
}

func TestEvaluateWithinThresholds(t *testing.T) {
	source := &fakeSource{values: map[string]float64{"cpu_utilization": 50}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, nil)

	decision, err := evaluator.Evaluate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.ShouldScale {
		t.Error("Expected no scale within thresholds")
	}
}

func TestEvaluateSkipsMetricsWithoutValues(t *testing.T) {
	// The source reports no cpu value at all; the cpu thresholds are
	// skipped rather than compared against zero.
	source := &fakeSource{values: map[string]float64{"request_count": 10}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, nil)

	decision, err := evaluator.Evaluate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.ShouldScale {
		t.Errorf("Expected no scale without cpu values, got %q", decision.Reason)
	}
}

func TestEvaluateSuspendedForInactiveGroup(t *testing.T) {
	source := &fakeSource{values: map[string]float64{"cpu_utilization": 99}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, nil)
	g.SetStatus(domain.GroupInactive)

	decision, err := evaluator.Evaluate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.ShouldScale {
		t.Error("Expected no scale for an inactive group")
	}
	if !strings.Contains(decision.Reason, "inactive") {
		t.Errorf("Expected an inactive reason, got %q", decision.Reason)
	}
}

func TestEvaluateWithoutMetricsIsNoScale(t *testing.T) {
	source := &fakeSource{err: fmt.Errorf("no snapshots yet")}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, nil)

	decision, err := evaluator.Evaluate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.ShouldScale {
		t.Error("Expected no scale without metrics")
	}
}

func TestEvaluateUnknownGroup(t *testing.T) {
	evaluator, _ := newEvaluatorUnderTest(t, &fakeSource{})

	if _, err := evaluator.Evaluate(context.Background(), "missing"); err == nil {
		t.Error("Expected error for unknown group")
	}
}

func TestEvaluationLoopTickExecutesDecision(t *testing.T) {
	source := &fakeSource{values: map[string]float64{"cpu_utilization": 92}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, nil)

	executor := NewExecutor(registry, &fakeProvisioner{}, NewEventLog(10), nil, logger.NewNop())
	loop := NewEvaluationLoop(evaluator, executor, time.Hour, logger.NewNop())

	loop.tick(context.Background(), g.ID)

	current, _ := g.Capacity()
	if current != 6 {
		t.Errorf("Expected capacity 6 after the tick, got %d", current)
	}
	if g.CurrentStatus() != domain.GroupActive {
		t.Errorf("Expected group back to active, got %s", g.CurrentStatus())
	}

	// The follow-up tick lands in cooldown and must not scale again.
	loop.tick(context.Background(), g.ID)
	current, _ = g.Capacity()
	if current != 6 {
		t.Errorf("Expected capacity unchanged in cooldown, got %d", current)
	}
}

func TestEvaluationLoopFollowsGroupLifecycle(t *testing.T) {
	source := &fakeSource{values: map[string]float64{"cpu_utilization": 50}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, nil)

	executor := NewExecutor(registry, &fakeProvisioner{}, NewEventLog(10), nil, logger.NewNop())
	loop := NewEvaluationLoop(evaluator, executor, time.Hour, logger.NewNop())

	loop.GroupRegistered(g)
	loop.GroupRegistered(g) // idempotent
	loop.GroupDeregistered(g.ID)
	loop.Close()
}

func TestCustomMetricLookupName(t *testing.T) {
	source := &fakeSource{values: map[string]float64{"queue_depth_backlog": 900}}
	evaluator, registry := newEvaluatorUnderTest(t, source)
	g := createTestGroup(t, registry, func(g *domain.AutoScalingGroup) {
		g.Policy.Metrics = []domain.ScalingMetric{
			{
				Type:       domain.MetricCustom,
				CustomName: "queue_depth_backlog",
				Threshold:  500,
				Operator:   domain.OperatorGreaterOrEqual,
			},
		}
	})

	decision, err := evaluator.Evaluate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.ShouldScale {
		t.Fatal("Expected a scale decision")
	}
	if decision.Metric != "queue_depth_backlog" {
		t.Errorf("Expected the custom name as metric, got %s", decision.Metric)
	}
}
