package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/internal/domain"
	"github.com/fleetgate/fleetgate/internal/repository"
	"github.com/fleetgate/fleetgate/pkg/logger"
)

// Decision is the outcome of one scaling evaluation. A decision never
// triggers anything by itself; the evaluation loop or an API caller hands
// it to the executor.
type Decision struct {
	GroupID         string                  `json:"group_id"`
	ShouldScale     bool                    `json:"should_scale"`
	Direction       domain.ScalingEventType `json:"direction,omitempty"`
	Reason          string                  `json:"reason"`
	CurrentCapacity int                     `json:"current_capacity"`
	DesiredCapacity int                     `json:"desired_capacity"`
	Metric          string                  `json:"metric,omitempty"`
	Value           float64                 `json:"value,omitempty"`
	Threshold       float64                 `json:"threshold,omitempty"`
}

// Evaluator decides whether an auto-scaling group needs to change
// capacity. Policy metrics are checked in declared order and the first
// breaching metric decides; clamping to the group's bounds happens here
// so the executor only ever sees an admissible capacity.
type Evaluator struct {
	registry *repository.GroupRegistry
	source   MetricsSource
	log      *logger.Logger
}

// NewEvaluator creates an evaluator reading metric values from source.
func NewEvaluator(registry *repository.GroupRegistry, source MetricsSource, log *logger.Logger) *Evaluator {
	return &Evaluator{
		registry: registry,
		source:   source,
		log:      log.ScalingLogger(),
	}
}

// Evaluate runs one evaluation pass for a group.
func (e *Evaluator) Evaluate(ctx context.Context, groupID string) (*Decision, error) {
	group, err := e.registry.Get(groupID)
	if err != nil {
		return nil, err
	}

	current, desired := group.Capacity()
	decision := &Decision{
		GroupID:         groupID,
		CurrentCapacity: current,
		DesiredCapacity: desired,
	}

	if status := group.CurrentStatus(); status != domain.GroupActive {
		decision.Reason = fmt.Sprintf("group is %s, evaluation suspended", status)
		return decision, nil
	}

	values, err := e.source.Current(ctx, group)
	if err != nil {
		decision.Reason = fmt.Sprintf("metrics unavailable: %v", err)
		e.log.WithError(err).WithField("group_id", groupID).Debug("Skipping evaluation without metrics")
		return decision, nil
	}

	for _, metric := range group.Policy.Metrics {
		value, ok := values[metric.Name()]
		if !ok {
			continue
		}
		if !metric.Operator.Compare(value, metric.Threshold) {
			continue
		}

		// Adjustments apply to the desired capacity, not the provisioned
		// count; the two only differ while an operation is in flight.
		var proposed int
		if metric.Operator.IndicatesOverload() {
			decision.Direction = domain.EventScaleUp
			proposed = desired + group.Policy.ScaleUpAdjustment
		} else {
			decision.Direction = domain.EventScaleDown
			proposed = desired - group.Policy.ScaleDownAdjustment
		}
		proposed = group.ClampCapacity(proposed)

		decision.Metric = metric.Name()
		decision.Value = value
		decision.Threshold = metric.Threshold

		if proposed == desired {
			decision.Direction = ""
			decision.Reason = fmt.Sprintf("%s breached threshold but capacity already at bound (%d)",
				metric.Name(), desired)
			return decision, nil
		}

		decision.ShouldScale = true
		decision.DesiredCapacity = proposed
		decision.Reason = fmt.Sprintf("%s is %.2f, threshold %s %.2f",
			metric.Name(), value, metric.Operator, metric.Threshold)
		return decision, nil
	}

	decision.Reason = "all metrics within thresholds"
	return decision, nil
}

// EvaluationLoop runs periodic evaluations per active group and feeds
// positive decisions to the executor. It follows group lifecycle through
// the registry hooks.
type EvaluationLoop struct {
	evaluator *Evaluator
	executor  *Executor
	interval  time.Duration
	log       *logger.Logger

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// NewEvaluationLoop creates the loop manager. interval defaults to 30s.
func NewEvaluationLoop(evaluator *Evaluator, executor *Executor, interval time.Duration, log *logger.Logger) *EvaluationLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &EvaluationLoop{
		evaluator: evaluator,
		executor:  executor,
		interval:  interval,
		log:       log.ScalingLogger(),
		loops:     make(map[string]context.CancelFunc),
	}
}

// GroupRegistered starts the evaluation loop for a new group.
func (el *EvaluationLoop) GroupRegistered(g *domain.AutoScalingGroup) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if _, running := el.loops[g.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	el.loops[g.ID] = cancel

	el.wg.Add(1)
	go el.run(ctx, g.ID)
	el.log.WithField("group_id", g.ID).Info("Started scaling evaluation loop")
}

// GroupDeregistered stops the evaluation loop of a deleted group.
func (el *EvaluationLoop) GroupDeregistered(id string) {
	el.mu.Lock()
	cancel, ok := el.loops[id]
	if ok {
		delete(el.loops, id)
	}
	el.mu.Unlock()
	if ok {
		cancel()
		el.log.WithField("group_id", id).Info("Stopped scaling evaluation loop")
	}
}

// Close stops every evaluation loop and waits for them to exit.
func (el *EvaluationLoop) Close() {
	el.mu.Lock()
	for id, cancel := range el.loops {
		cancel()
		delete(el.loops, id)
	}
	el.mu.Unlock()
	el.wg.Wait()
}

func (el *EvaluationLoop) run(ctx context.Context, groupID string) {
	defer el.wg.Done()
	ticker := time.NewTicker(el.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			el.tick(ctx, groupID)
		}
	}
}

// tick runs one evaluation and executes a positive decision. Cooldown and
// concurrency rejections from the executor are expected here and logged
// at debug level only.
func (el *EvaluationLoop) tick(ctx context.Context, groupID string) {
	decision, err := el.evaluator.Evaluate(ctx, groupID)
	if err != nil {
		el.log.WithError(err).WithField("group_id", groupID).Warn("Scaling evaluation failed")
		return
	}
	if !decision.ShouldScale {
		return
	}

	_, err = el.executor.Scale(ctx, groupID, decision.DesiredCapacity, decision.Reason, decision.Direction)
	if err != nil {
		el.log.WithError(err).WithFields(map[string]interface{}{
			"group_id":         groupID,
			"desired_capacity": decision.DesiredCapacity,
		}).Debug("Automatic scaling attempt rejected")
	}
}
