package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetgate/fleetgate/internal/domain"
	"github.com/fleetgate/fleetgate/internal/errors"
	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/internal/repository"
	"github.com/fleetgate/fleetgate/pkg/logger"
)

// Router makes the routing decision for incoming request descriptors. It
// filters the eligible set, applies session affinity and dispatches to
// the load balancer's configured selection strategy. currentConnections
// counts in-flight requests: callers that complete a request should call
// Release; the admission check against MaxConnections is best effort.
type Router struct {
	registry *repository.LoadBalancerRegistry
	affinity *AffinityStore
	metrics  *MetricsStore
	observed *observability.Metrics
	log      *logger.Logger

	mu         sync.Mutex
	strategies map[string]domain.Strategy
	limiters   map[string]*rate.Limiter

	// seed makes the random and weighted strategies reproducible in
	// tests; zero means seeding from the clock.
	seed int64
}

// NewRouter creates a router over the registry.
func NewRouter(
	registry *repository.LoadBalancerRegistry,
	affinity *AffinityStore,
	metrics *MetricsStore,
	observed *observability.Metrics,
	log *logger.Logger,
) *Router {
	return &Router{
		registry:   registry,
		affinity:   affinity,
		metrics:    metrics,
		observed:   observed,
		log:        log.RouterLogger(),
		strategies: make(map[string]domain.Strategy),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// SetSeed fixes the seed of subsequently created strategy random sources.
func (r *Router) SetSeed(seed int64) {
	r.seed = seed
}

// Route selects a target for the request descriptor.
func (r *Router) Route(ctx context.Context, lbID string, desc *domain.RequestDescriptor) (*domain.Target, error) {
	lb, err := r.registry.Get(lbID)
	if err != nil {
		r.countError(lbID, err)
		return nil, err
	}
	if lb.Status != domain.LoadBalancerActive {
		err = errors.NewNotActive("load balancer", lbID, string(lb.Status))
		r.countError(lbID, err)
		return nil, err
	}

	if lb.RateLimit.Enabled && !r.limiter(lb).Allow() {
		err = errors.NewRateLimited(lbID)
		r.countError(lbID, err)
		return nil, err
	}

	eligible := lb.EligibleTargets()
	if len(eligible) == 0 {
		err = errors.NewNoHealthyTargets(lbID)
		r.countError(lbID, err)
		return nil, err
	}

	sticky := lb.StickySessions.Enabled && desc != nil && desc.SessionKey != ""
	if sticky {
		if targetID, ok := r.affinity.Get(lbID, desc.SessionKey); ok {
			for _, t := range eligible {
				if t.ID == targetID {
					r.finish(lb, t)
					return t, nil
				}
			}
			// The pinned target is no longer eligible; fall through to a
			// fresh selection and re-pin below.
		}
	}

	strategy, err := r.strategy(lb)
	if err != nil {
		r.countError(lbID, err)
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "router", "strategy dispatch failed")
	}
	target, err := strategy.Select(eligible, desc)
	if err != nil {
		r.countError(lbID, err)
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "router", "target selection failed")
	}

	if sticky {
		r.affinity.Set(lbID, desc.SessionKey, target.ID, lb.StickySessions.Duration)
	}

	r.finish(lb, target)
	r.log.WithFields(map[string]interface{}{
		"load_balancer_id": lbID,
		"target_id":        target.ID,
		"algorithm":        string(lb.Algorithm),
	}).Debug("Selected target for request")
	return target, nil
}

// RouteWithRetry retries transient routing failures up to attempts times
// with a fixed delay. NoHealthyTargets and other deliberate rejections
// are returned immediately.
func (r *Router) RouteWithRetry(ctx context.Context, lbID string, desc *domain.RequestDescriptor, attempts int, delay time.Duration) (*domain.Target, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		target, err := r.Route(ctx, lbID, desc)
		if err == nil {
			return target, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			return nil, err
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, lastErr
}

// Release returns one in-flight connection slot on a target and records
// the observed response time.
func (r *Router) Release(lbID, targetID string, responseTime time.Duration, failed bool) {
	lb, err := r.registry.Get(lbID)
	if err != nil {
		return
	}
	target := lb.FindTarget(targetID)
	if target == nil {
		return
	}
	target.DecrementConnections()
	if responseTime > 0 {
		target.RecordResponseTime(responseTime)
		r.metrics.RecordResponseTime(lbID, responseTime)
	}
	if failed {
		target.IncrementErrors()
	}
}

// DropState discards per-load-balancer routing state after deletion.
func (r *Router) DropState(lbID string) {
	r.mu.Lock()
	delete(r.strategies, lbID)
	delete(r.limiters, lbID)
	r.mu.Unlock()
	r.affinity.InvalidateLoadBalancer(lbID)
}

// finish applies the advisory side effects of a routing decision.
func (r *Router) finish(lb *domain.LoadBalancer, target *domain.Target) {
	target.IncrementConnections()
	target.IncrementRequests()
	r.metrics.RecordRequest(lb.ID)
	if r.observed != nil {
		r.observed.RequestsRouted.WithLabelValues(lb.ID, string(lb.Algorithm)).Inc()
	}
}

// strategy returns the per-load-balancer strategy instance, creating it
// on first use.
func (r *Router) strategy(lb *domain.LoadBalancer) (domain.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.strategies[lb.ID]; ok && s.Algorithm() == lb.Algorithm {
		return s, nil
	}
	seed := r.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s, err := NewStrategy(lb.Algorithm, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, err
	}
	r.strategies[lb.ID] = s
	return s, nil
}

// limiter returns the per-load-balancer rate limiter, creating it on
// first use.
func (r *Router) limiter(lb *domain.LoadBalancer) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[lb.ID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(lb.RateLimit.RequestsPerSecond), lb.RateLimit.BurstSize)
	r.limiters[lb.ID] = l
	return l
}

// countError records a failed routing decision.
func (r *Router) countError(lbID string, err error) {
	r.metrics.RecordError(lbID)
	if r.observed != nil {
		r.observed.RoutingErrors.WithLabelValues(lbID, string(errors.GetErrorCode(err))).Inc()
	}
}
