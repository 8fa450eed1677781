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

// GroupHooks is notified when auto-scaling groups enter or leave the
// registry, so per-group evaluation loops follow the resource lifecycle.
type GroupHooks interface {
	GroupRegistered(g *domain.AutoScalingGroup)
	GroupDeregistered(id string)
}

// GroupRegistry is the concurrency-safe owner of all auto-scaling group
// definitions, persisted through the store after every mutation.
type GroupRegistry struct {
	mu     sync.RWMutex
	groups map[string]*domain.AutoScalingGroup
	store  storage.Store
	hooks  GroupHooks
	log    *logger.Logger
}

// NewGroupRegistry creates an empty registry backed by the store.
func NewGroupRegistry(store storage.Store, log *logger.Logger) *GroupRegistry {
	return &GroupRegistry{
		groups: make(map[string]*domain.AutoScalingGroup),
		store:  store,
		log:    log.RegistryLogger(),
	}
}

// SetHooks installs the lifecycle hooks.
func (r *GroupRegistry) SetHooks(h GroupHooks) {
	r.hooks = h
}

// Hydrate loads persisted definitions and fires registration hooks.
func (r *GroupRegistry) Hydrate(groups []*domain.AutoScalingGroup) {
	r.mu.Lock()
	for _, g := range groups {
		// A scaling operation cannot survive a restart.
		if g.CurrentStatus() == domain.GroupScaling {
			g.SetStatus(domain.GroupError)
		}
		r.groups[g.ID] = g
	}
	r.mu.Unlock()

	for _, g := range groups {
		r.log.WithField("group_id", g.ID).Info("Restored auto-scaling group")
		if r.hooks != nil {
			r.hooks.GroupRegistered(g)
		}
	}
}

// Create validates, assigns identity and stores a new group.
func (r *GroupRegistry) Create(g *domain.AutoScalingGroup) (*domain.AutoScalingGroup, error) {
	if err := g.Validate(); err != nil {
		return nil, errors.NewValidation("registry", err)
	}

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = domain.GroupActive
	}
	if g.CurrentInstances == 0 {
		g.CurrentInstances = g.DesiredInstances
	}
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now

	r.mu.Lock()
	r.groups[g.ID] = g
	r.mu.Unlock()

	if err := r.store.SaveGroup(g); err != nil {
		r.log.WithError(err).WithField("group_id", g.ID).Error("Failed to persist auto-scaling group")
	}
	r.log.WithField("group_id", g.ID).WithField("service", g.ServiceName).Info("Created auto-scaling group")

	if r.hooks != nil {
		r.hooks.GroupRegistered(g)
	}
	return g, nil
}

// Get returns the group with the given ID.
func (r *GroupRegistry) Get(id string) (*domain.AutoScalingGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, errors.NewNotFound("auto-scaling group", id)
	}
	return g, nil
}

// List returns all groups.
func (r *GroupRegistry) List() []*domain.AutoScalingGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.AutoScalingGroup, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// Delete removes a group and fires the deregistration hook.
func (r *GroupRegistry) Delete(id string) error {
	r.mu.Lock()
	_, ok := r.groups[id]
	if !ok {
		r.mu.Unlock()
		return errors.NewNotFound("auto-scaling group", id)
	}
	delete(r.groups, id)
	r.mu.Unlock()

	if err := r.store.DeleteGroup(id); err != nil {
		r.log.WithError(err).WithField("group_id", id).Error("Failed to delete persisted group")
	}
	r.log.WithField("group_id", id).Info("Deleted auto-scaling group")

	if r.hooks != nil {
		r.hooks.GroupDeregistered(id)
	}
	return nil
}

// Save persists the current state of a group. The executor calls this
// after capacity or status changes.
func (r *GroupRegistry) Save(g *domain.AutoScalingGroup) {
	if err := r.store.SaveGroup(g); err != nil {
		r.log.WithError(err).WithField("group_id", g.ID).Error("Failed to persist auto-scaling group")
	}
}

// Count returns the number of registered groups and how many are active.
func (r *GroupRegistry) Count() (total, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.groups {
		total++
		if g.CurrentStatus() == domain.GroupActive {
			active++
		}
	}
	return total, active
}
