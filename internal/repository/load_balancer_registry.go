package repository

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgate/fleetgate/internal/domain"
	"github.com/fleetgate/fleetgate/internal/errors"
	"github.com/fleetgate/fleetgate/internal/storage"
	"github.com/fleetgate/fleetgate/pkg/logger"
)

// LoadBalancerHooks is notified when load balancers enter or leave the
// registry, so background loops (health probing, metrics sampling) can be
// started and stopped with the resource lifecycle.
type LoadBalancerHooks interface {
	LoadBalancerRegistered(lb *domain.LoadBalancer)
	LoadBalancerDeregistered(id string)
}

// LoadBalancerRegistry is the concurrency-safe owner of all load balancer
// definitions. Every mutation is followed by a save through the
// persistence collaborator.
type LoadBalancerRegistry struct {
	mu    sync.RWMutex
	lbs   map[string]*domain.LoadBalancer
	store storage.Store
	hooks LoadBalancerHooks
	log   *logger.Logger
}

// NewLoadBalancerRegistry creates an empty registry backed by the store.
func NewLoadBalancerRegistry(store storage.Store, log *logger.Logger) *LoadBalancerRegistry {
	return &LoadBalancerRegistry{
		lbs:   make(map[string]*domain.LoadBalancer),
		store: store,
		log:   log.RegistryLogger(),
	}
}

// SetHooks installs the lifecycle hooks. Must be called before the
// registry starts receiving traffic.
func (r *LoadBalancerRegistry) SetHooks(h LoadBalancerHooks) {
	r.hooks = h
}

// Hydrate loads persisted definitions into the registry and fires
// registration hooks for each.
func (r *LoadBalancerRegistry) Hydrate(lbs []*domain.LoadBalancer) {
	r.mu.Lock()
	for _, lb := range lbs {
		r.lbs[lb.ID] = lb
	}
	r.mu.Unlock()

	for _, lb := range lbs {
		r.log.WithField("load_balancer_id", lb.ID).Info("Restored load balancer")
		if r.hooks != nil {
			r.hooks.LoadBalancerRegistered(lb)
		}
	}
}

// Create validates, assigns identity and stores a new load balancer.
func (r *LoadBalancerRegistry) Create(lb *domain.LoadBalancer) (*domain.LoadBalancer, error) {
	if err := lb.Validate(); err != nil {
		return nil, errors.NewValidation("registry", err)
	}

	if lb.ID == "" {
		lb.ID = uuid.NewString()
	}
	for _, t := range lb.Targets {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.MaxConnections == 0 {
			t.MaxConnections = 100
		}
	}
	if lb.Status == "" {
		lb.Status = domain.LoadBalancerActive
	}
	now := time.Now()
	lb.CreatedAt = now
	lb.UpdatedAt = now

	r.mu.Lock()
	r.lbs[lb.ID] = lb
	r.mu.Unlock()

	if err := r.store.SaveLoadBalancer(lb); err != nil {
		r.log.WithError(err).WithField("load_balancer_id", lb.ID).Error("Failed to persist load balancer")
	}
	r.log.WithField("load_balancer_id", lb.ID).WithField("algorithm", string(lb.Algorithm)).Info("Created load balancer")

	if r.hooks != nil {
		r.hooks.LoadBalancerRegistered(lb)
	}
	return lb, nil
}

// Get returns the load balancer with the given ID.
func (r *LoadBalancerRegistry) Get(id string) (*domain.LoadBalancer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lb, ok := r.lbs[id]
	if !ok {
		return nil, errors.NewNotFound("load balancer", id)
	}
	return lb, nil
}

// List returns all load balancers.
func (r *LoadBalancerRegistry) List() []*domain.LoadBalancer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.LoadBalancer, 0, len(r.lbs))
	for _, lb := range r.lbs {
		out = append(out, lb)
	}
	return out
}

// Snapshot returns a copy of a definition for serialization. Status and
// timestamp writes happen under the registry lock, so readers that
// outlive a Get must not share the struct. The Targets slice is shared;
// target runtime state is atomic.
func (r *LoadBalancerRegistry) Snapshot(id string) (*domain.LoadBalancer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lb, ok := r.lbs[id]
	if !ok {
		return nil, errors.NewNotFound("load balancer", id)
	}
	cp := *lb
	return &cp, nil
}

// Snapshots returns serialization copies of all load balancers.
func (r *LoadBalancerRegistry) Snapshots() []*domain.LoadBalancer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.LoadBalancer, 0, len(r.lbs))
	for _, lb := range r.lbs {
		cp := *lb
		out = append(out, &cp)
	}
	return out
}

// Delete removes a load balancer and fires the deregistration hook.
func (r *LoadBalancerRegistry) Delete(id string) error {
	r.mu.Lock()
	_, ok := r.lbs[id]
	if !ok {
		r.mu.Unlock()
		return errors.NewNotFound("load balancer", id)
	}
	delete(r.lbs, id)
	r.mu.Unlock()

	if err := r.store.DeleteLoadBalancer(id); err != nil {
		r.log.WithError(err).WithField("load_balancer_id", id).Error("Failed to delete persisted load balancer")
	}
	r.log.WithField("load_balancer_id", id).Info("Deleted load balancer")

	if r.hooks != nil {
		r.hooks.LoadBalancerDeregistered(id)
	}
	return nil
}

// SetStatus updates the lifecycle status of a load balancer.
func (r *LoadBalancerRegistry) SetStatus(id string, status domain.LoadBalancerStatus) error {
	r.mu.Lock()
	lb, ok := r.lbs[id]
	if !ok {
		r.mu.Unlock()
		return errors.NewNotFound("load balancer", id)
	}
	lb.Status = status
	lb.UpdatedAt = time.Now()
	r.mu.Unlock()

	if err := r.store.SaveLoadBalancer(lb); err != nil {
		r.log.WithError(err).WithField("load_balancer_id", id).Error("Failed to persist load balancer")
	}
	return nil
}

// SetTargetHealth applies an external health override to one target.
func (r *LoadBalancerRegistry) SetTargetHealth(lbID, targetID string, healthy bool) error {
	lb, err := r.Get(lbID)
	if err != nil {
		return err
	}
	target := lb.FindTarget(targetID)
	if target == nil {
		return errors.NewNotFound("target", targetID)
	}

	if healthy {
		target.SetStatus(domain.TargetHealthy)
	} else {
		target.SetStatus(domain.TargetUnhealthy)
	}
	target.UpdateLastHealthCheck(time.Now())

	if err := r.store.SaveLoadBalancer(lb); err != nil {
		r.log.WithError(err).WithField("load_balancer_id", lbID).Error("Failed to persist load balancer")
	}
	r.log.TargetLogger(lbID, targetID).WithField("healthy", healthy).Info("Applied target health override")
	return nil
}

// Count returns the number of registered load balancers and how many of
// them are active.
func (r *LoadBalancerRegistry) Count() (total, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, lb := range r.lbs {
		total++
		if lb.Status == domain.LoadBalancerActive {
			active++
		}
	}
	return total, active
}

// TargetHealthCounts sums healthy and total targets across all load
// balancers.
func (r *LoadBalancerRegistry) TargetHealthCounts() (healthy, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, lb := range r.lbs {
		for _, t := range lb.Targets {
			total++
			if t.IsHealthy() {
				healthy++
			}
		}
	}
	return healthy, total
}
