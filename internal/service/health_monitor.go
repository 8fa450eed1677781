package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/internal/domain"
	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/pkg/logger"
)

// probeState tracks the consecutive probe results of one target. Only the
// owning probe loop reads or writes it, which linearizes health
// transitions per target.
type probeState struct {
	consecutiveSuccesses int
	consecutiveFailures  int
}

// HealthMonitor runs one independent probe loop per load balancer with
// health checking enabled. Status flips are debounced: a target turns
// unhealthy only after FailureThreshold consecutive failures and recovers
// only after SuccessThreshold consecutive successes. Draining and
// maintenance targets are externally managed and never probed into a
// different state.
type HealthMonitor struct {
	prober   Prober
	affinity *AffinityStore
	observed *observability.Metrics
	log      *logger.Logger

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// NewHealthMonitor creates a monitor probing through the given prober.
func NewHealthMonitor(prober Prober, affinity *AffinityStore, observed *observability.Metrics, log *logger.Logger) *HealthMonitor {
	return &HealthMonitor{
		prober:   prober,
		affinity: affinity,
		observed: observed,
		log:      log.HealthMonitorLogger(),
		loops:    make(map[string]context.CancelFunc),
	}
}

// Start launches the probe loop for a load balancer. Starting a load
// balancer that is already monitored is a no-op.
func (h *HealthMonitor) Start(lb *domain.LoadBalancer) {
	if !lb.HealthCheck.Enabled {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, running := h.loops[lb.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.loops[lb.ID] = cancel

	h.wg.Add(1)
	go h.probeLoop(ctx, lb)
	h.log.WithField("load_balancer_id", lb.ID).
		WithField("interval", lb.HealthCheck.Interval.String()).
		Info("Started health probe loop")
}

// Stop cancels the probe loop of a load balancer.
func (h *HealthMonitor) Stop(lbID string) {
	h.mu.Lock()
	cancel, ok := h.loops[lbID]
	if ok {
		delete(h.loops, lbID)
	}
	h.mu.Unlock()
	if ok {
		cancel()
		h.log.WithField("load_balancer_id", lbID).Info("Stopped health probe loop")
	}
}

// Close cancels every probe loop and waits for them to exit.
func (h *HealthMonitor) Close() {
	h.mu.Lock()
	for id, cancel := range h.loops {
		cancel()
		delete(h.loops, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// probeLoop probes all targets of one load balancer at its configured
// interval until canceled. State lives in the loop so no other goroutine
// touches the consecutive counters.
func (h *HealthMonitor) probeLoop(ctx context.Context, lb *domain.LoadBalancer) {
	defer h.wg.Done()

	states := make(map[string]*probeState, len(lb.Targets))
	ticker := time.NewTicker(lb.HealthCheck.Interval)
	defer ticker.Stop()

	// Initial cycle so targets do not wait a full interval for their
	// first probe.
	h.probeCycle(ctx, lb, states)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probeCycle(ctx, lb, states)
		}
	}
}

// probeCycle probes every probeable target once, in parallel, and applies
// the results.
func (h *HealthMonitor) probeCycle(ctx context.Context, lb *domain.LoadBalancer, states map[string]*probeState) {
	var wg sync.WaitGroup
	results := make([]error, len(lb.Targets))

	for i, target := range lb.Targets {
		switch target.Status() {
		case domain.TargetDraining, domain.TargetMaintenance:
			continue
		}
		wg.Add(1)
		go func(i int, t *domain.Target) {
			defer wg.Done()
			url := fmt.Sprintf("http://%s%s", t.Address(), lb.HealthCheck.Path)
			results[i] = h.prober.Probe(ctx, url, lb.HealthCheck.Timeout)
		}(i, target)
	}
	wg.Wait()

	now := time.Now()
	for i, target := range lb.Targets {
		switch target.Status() {
		case domain.TargetDraining, domain.TargetMaintenance:
			continue
		}
		state, ok := states[target.ID]
		if !ok {
			state = &probeState{}
			states[target.ID] = state
		}
		h.applyProbeResult(lb, target, state, results[i], now)
	}

	if h.observed != nil {
		healthy := 0
		for _, t := range lb.Targets {
			if t.IsHealthy() {
				healthy++
			}
		}
		h.observed.HealthyTargets.WithLabelValues(lb.ID).Set(float64(healthy))
	}
}

// applyProbeResult updates the consecutive counters and flips status once
// a threshold is crossed.
func (h *HealthMonitor) applyProbeResult(lb *domain.LoadBalancer, target *domain.Target, state *probeState, probeErr error, now time.Time) {
	target.UpdateLastHealthCheck(now)
	log := h.log.TargetLogger(lb.ID, target.ID)

	if probeErr == nil {
		state.consecutiveFailures = 0
		state.consecutiveSuccesses++
		if target.Status() == domain.TargetUnhealthy && state.consecutiveSuccesses >= lb.HealthCheck.SuccessThreshold {
			target.SetStatus(domain.TargetHealthy)
			log.WithField("consecutive_successes", state.consecutiveSuccesses).
				Info("Target recovered and marked healthy")
			if h.observed != nil {
				h.observed.HealthTransitions.WithLabelValues(lb.ID, "healthy").Inc()
			}
		}
		return
	}

	state.consecutiveSuccesses = 0
	state.consecutiveFailures++
	log = log.WithError(probeErr).WithField("consecutive_failures", state.consecutiveFailures)

	if target.Status() == domain.TargetHealthy && state.consecutiveFailures >= lb.HealthCheck.FailureThreshold {
		target.SetStatus(domain.TargetUnhealthy)
		log.Warn("Target marked unhealthy after repeated probe failures")
		h.affinity.InvalidateTarget(lb.ID, target.ID)
		if h.observed != nil {
			h.observed.HealthTransitions.WithLabelValues(lb.ID, "unhealthy").Inc()
		}
	} else {
		log.Debug("Probe failed but threshold not reached")
	}
}
