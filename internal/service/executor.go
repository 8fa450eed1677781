package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgate/fleetgate/internal/domain"
	"github.com/fleetgate/fleetgate/internal/errors"
	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/internal/repository"
	"github.com/fleetgate/fleetgate/pkg/logger"
)

// Executor carries out scaling operations. Exactly one operation runs per
// group at a time: admission goes through the group's status gate, so a
// losing concurrent caller is rejected instead of queued. Provisioning
// runs without any locks held.
type Executor struct {
	registry    *repository.GroupRegistry
	provisioner Provisioner
	events      *EventLog
	observed    *observability.Metrics
	log         *logger.Logger
}

// NewExecutor creates an executor provisioning through the given
// provisioner.
func NewExecutor(
	registry *repository.GroupRegistry,
	provisioner Provisioner,
	events *EventLog,
	observed *observability.Metrics,
	log *logger.Logger,
) *Executor {
	return &Executor{
		registry:    registry,
		provisioner: provisioner,
		events:      events,
		observed:    observed,
		log:         log.ScalingLogger(),
	}
}

// Scale changes a group's capacity to desired. The request is clamped to
// the group's bounds, checked against the per-direction cooldown and
// admitted through the status gate before provisioning starts. Every
// admitted attempt leaves an event in the log, failed ones included.
func (e *Executor) Scale(ctx context.Context, groupID string, desired int, reason string, eventType domain.ScalingEventType) (*domain.ScalingEvent, error) {
	group, err := e.registry.Get(groupID)
	if err != nil {
		return nil, err
	}

	desired = group.ClampCapacity(desired)
	current, _ := group.Capacity()
	if desired == current {
		return nil, errors.NewValidation("scaling_executor",
			fmt.Errorf("group %q is already at capacity %d", groupID, current))
	}

	scalingUp := desired > current
	if err := e.checkCooldown(group, scalingUp); err != nil {
		return nil, err
	}

	if !group.CompareAndSwapStatus(domain.GroupActive, domain.GroupScaling) {
		// Manual intervention is how an errored group gets back on track.
		recoverable := eventType == domain.EventManual &&
			group.CompareAndSwapStatus(domain.GroupError, domain.GroupScaling)
		if !recoverable {
			switch status := group.CurrentStatus(); status {
			case domain.GroupScaling:
				return nil, errors.NewConcurrentScaling(groupID)
			default:
				return nil, errors.NewNotActive("auto-scaling group", groupID, string(status))
			}
		}
	}

	if eventType == "" {
		if scalingUp {
			eventType = domain.EventScaleUp
		} else {
			eventType = domain.EventScaleDown
		}
	}

	event := &domain.ScalingEvent{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		Type:        eventType,
		Trigger:     reason,
		OldCapacity: current,
		NewCapacity: desired,
		Status:      domain.EventInProgress,
		Timestamp:   time.Now(),
	}
	e.events.Append(event)
	group.SetDesired(desired)

	log := e.log.WithFields(map[string]interface{}{
		"group_id":     groupID,
		"event_id":     event.ID,
		"old_capacity": current,
		"new_capacity": desired,
		"trigger":      reason,
	})
	log.Info("Starting scaling operation")

	started := time.Now()
	provisionErr := e.provisioner.Provision(ctx, group, desired)
	event.Duration = time.Since(started)

	if provisionErr != nil {
		event.Status = domain.EventFailed
		event.Error = provisionErr.Error()
		// Capacity stays as last committed; operator action or a manual
		// scale clears the error state.
		group.SetStatus(domain.GroupError)
		e.registry.Save(group)
		e.countOperation(groupID, "failed", desired)
		log.WithError(provisionErr).Error("Scaling operation failed")
		return event, errors.NewProvisioningFailed(groupID, provisionErr)
	}

	event.Status = domain.EventSuccessful
	group.CommitCapacity(desired, time.Now())
	group.SetStatus(domain.GroupActive)
	e.registry.Save(group)
	e.countOperation(groupID, "successful", desired)
	log.WithField("duration", event.Duration.String()).Info("Scaling operation completed")
	return event, nil
}

// checkCooldown rejects an attempt inside the direction's cooldown window.
func (e *Executor) checkCooldown(group *domain.AutoScalingGroup, scalingUp bool) error {
	last := group.LastScaleActivity()
	if last.IsZero() {
		return nil
	}
	cooldown := group.Cooldown.ScaleDown
	if scalingUp {
		cooldown = group.Cooldown.ScaleUp
	}
	if cooldown <= 0 {
		return nil
	}
	if remaining := cooldown - time.Since(last); remaining > 0 {
		return errors.NewCooldownActive(group.ID, remaining)
	}
	return nil
}

func (e *Executor) countOperation(groupID, outcome string, capacity int) {
	if e.observed == nil {
		return
	}
	e.observed.ScalingOperations.WithLabelValues(groupID, outcome).Inc()
	if outcome == "successful" {
		e.observed.GroupInstances.WithLabelValues(groupID).Set(float64(capacity))
	}
}

// NoopProvisioner acknowledges every capacity change without touching any
// infrastructure. It is the default when no real provisioner is wired.
type NoopProvisioner struct {
	// Delay simulates provisioning latency per instance of capacity
	// change. Zero means the call returns immediately.
	Delay time.Duration
}

// Provision waits Delay per changed instance, honoring cancellation.
func (p *NoopProvisioner) Provision(ctx context.Context, group *domain.AutoScalingGroup, desiredCapacity int) error {
	if p.Delay <= 0 {
		return nil
	}
	current, _ := group.Capacity()
	steps := desiredCapacity - current
	if steps < 0 {
		steps = -steps
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(steps) * p.Delay):
		return nil
	}
}
