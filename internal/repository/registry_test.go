package repository

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/internal/domain"
	"github.com/fleetgate/fleetgate/internal/errors"
	"github.com/fleetgate/fleetgate/pkg/logger"
)

// countingStore records how often each persistence operation ran.
type countingStore struct {
	mu        sync.Mutex
	lbSaves   int
	lbDeletes int
	gSaves    int
	gDeletes  int
}

func (s *countingStore) SaveLoadBalancer(*domain.LoadBalancer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lbSaves++
	return nil
}

func (s *countingStore) DeleteLoadBalancer(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lbDeletes++
	return nil
}

func (s *countingStore) SaveGroup(*domain.AutoScalingGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gSaves++
	return nil
}

func (s *countingStore) DeleteGroup(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gDeletes++
	return nil
}

func (s *countingStore) Load() ([]*domain.LoadBalancer, []*domain.AutoScalingGroup, error) {
	return nil, nil, nil
}

func (s *countingStore) Close() error { return nil }

// recordingHooks captures lifecycle notifications.
type recordingHooks struct {
	registered   []string
	deregistered []string
}

func (h *recordingHooks) LoadBalancerRegistered(lb *domain.LoadBalancer) {
	h.registered = append(h.registered, lb.ID)
}

func (h *recordingHooks) LoadBalancerDeregistered(id string) {
	h.deregistered = append(h.deregistered, id)
}

func (h *recordingHooks) GroupRegistered(g *domain.AutoScalingGroup) {
	h.registered = append(h.registered, g.ID)
}

func (h *recordingHooks) GroupDeregistered(id string) {
	h.deregistered = append(h.deregistered, id)
}

func validLB() *domain.LoadBalancer {
	return &domain.LoadBalancer{
		Name:      "web",
		Algorithm: domain.AlgorithmRoundRobin,
		Targets: []*domain.Target{
			domain.NewTarget("", "10.0.0.1", 8080, 1),
			domain.NewTarget("", "10.0.0.2", 8080, 1),
		},
	}
}

func validGroup() *domain.AutoScalingGroup {
	return &domain.AutoScalingGroup{
		Name:             "workers",
		ServiceName:      "api",
		MinInstances:     1,
		MaxInstances:     10,
		DesiredInstances: 3,
		Policy: domain.ScalingPolicy{
			Metrics: []domain.ScalingMetric{
				{Type: domain.MetricCPUUtilization, Threshold: 80, Operator: domain.OperatorGreaterThan},
			},
		},
	}
}

func TestLoadBalancerCreateAssignsIdentity(t *testing.T) {
	store := &countingStore{}
	registry := NewLoadBalancerRegistry(store, logger.NewNop())

	lb, err := registry.Create(validLB())
	require.NoError(t, err)

	assert.NotEmpty(t, lb.ID)
	for _, target := range lb.Targets {
		assert.NotEmpty(t, target.ID)
		assert.Equal(t, 100, target.MaxConnections)
	}
	assert.Equal(t, domain.LoadBalancerActive, lb.Status)
	assert.False(t, lb.CreatedAt.IsZero())
	assert.Equal(t, 1, store.lbSaves)
}

func TestLoadBalancerCreateRejectsInvalid(t *testing.T) {
	registry := NewLoadBalancerRegistry(&countingStore{}, logger.NewNop())

	lb := validLB()
	lb.Algorithm = "best_effort"
	_, err := registry.Create(lb)
	assert.Equal(t, errors.ErrCodeValidation, errors.GetErrorCode(err))

	lb = validLB()
	lb.Targets = nil
	_, err = registry.Create(lb)
	assert.Equal(t, errors.ErrCodeValidation, errors.GetErrorCode(err))
}

func TestLoadBalancerLifecycleHooks(t *testing.T) {
	hooks := &recordingHooks{}
	registry := NewLoadBalancerRegistry(&countingStore{}, logger.NewNop())
	registry.SetHooks(hooks)

	lb, err := registry.Create(validLB())
	require.NoError(t, err)
	require.Len(t, hooks.registered, 1)
	assert.Equal(t, lb.ID, hooks.registered[0])

	require.NoError(t, registry.Delete(lb.ID))
	require.Len(t, hooks.deregistered, 1)
	assert.Equal(t, lb.ID, hooks.deregistered[0])

	_, err = registry.Get(lb.ID)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetErrorCode(err))
}

func TestLoadBalancerSnapshotIsolatedFromMutation(t *testing.T) {
	registry := NewLoadBalancerRegistry(&countingStore{}, logger.NewNop())
	lb, err := registry.Create(validLB())
	require.NoError(t, err)

	snap, err := registry.Snapshot(lb.ID)
	require.NoError(t, err)
	require.NoError(t, registry.SetStatus(lb.ID, domain.LoadBalancerDraining))

	// The snapshot keeps the state at copy time; the live entry moves on.
	assert.Equal(t, domain.LoadBalancerActive, snap.Status)
	live, err := registry.Get(lb.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoadBalancerDraining, live.Status)

	snaps := registry.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, domain.LoadBalancerDraining, snaps[0].Status)

	_, err = registry.Snapshot("missing")
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetErrorCode(err))
}

func TestLoadBalancerSetTargetHealth(t *testing.T) {
	store := &countingStore{}
	registry := NewLoadBalancerRegistry(store, logger.NewNop())
	lb, err := registry.Create(validLB())
	require.NoError(t, err)

	target := lb.Targets[0]
	require.NoError(t, registry.SetTargetHealth(lb.ID, target.ID, false))
	assert.Equal(t, domain.TargetUnhealthy, target.Status())
	assert.False(t, target.LastHealthCheck().IsZero())

	require.NoError(t, registry.SetTargetHealth(lb.ID, target.ID, true))
	assert.True(t, target.IsHealthy())

	err = registry.SetTargetHealth(lb.ID, "missing", true)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetErrorCode(err))
	assert.Equal(t, 3, store.lbSaves)
}

func TestLoadBalancerCounts(t *testing.T) {
	registry := NewLoadBalancerRegistry(&countingStore{}, logger.NewNop())
	first, err := registry.Create(validLB())
	require.NoError(t, err)
	second := validLB()
	second.Name = "api"
	_, err = registry.Create(second)
	require.NoError(t, err)

	require.NoError(t, registry.SetStatus(first.ID, domain.LoadBalancerDraining))

	total, active := registry.Count()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, active)

	healthy, targets := registry.TargetHealthCounts()
	assert.Equal(t, 4, targets)
	assert.Equal(t, 4, healthy)
}

func TestGroupCreateDefaults(t *testing.T) {
	store := &countingStore{}
	registry := NewGroupRegistry(store, logger.NewNop())

	g, err := registry.Create(validGroup())
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, domain.GroupActive, g.Status)
	assert.Equal(t, 3, g.CurrentInstances)
	assert.Equal(t, 1, store.gSaves)
}

func TestGroupCreateRejectsInvalidBounds(t *testing.T) {
	registry := NewGroupRegistry(&countingStore{}, logger.NewNop())

	g := validGroup()
	g.MinInstances = 5
	g.MaxInstances = 2
	_, err := registry.Create(g)
	assert.Equal(t, errors.ErrCodeValidation, errors.GetErrorCode(err))

	g = validGroup()
	g.DesiredInstances = 50
	_, err = registry.Create(g)
	assert.Equal(t, errors.ErrCodeValidation, errors.GetErrorCode(err))
}

func TestGroupHydrateDowngradesInterruptedScaling(t *testing.T) {
	registry := NewGroupRegistry(&countingStore{}, logger.NewNop())
	hooks := &recordingHooks{}
	registry.SetHooks(hooks)

	g := validGroup()
	g.ID = "g-1"
	g.Status = domain.GroupScaling
	registry.Hydrate([]*domain.AutoScalingGroup{g})

	restored, err := registry.Get("g-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GroupError, restored.CurrentStatus())
	assert.Equal(t, []string{"g-1"}, hooks.registered)
}

func TestGroupSavePersists(t *testing.T) {
	store := &countingStore{}
	registry := NewGroupRegistry(store, logger.NewNop())
	g, err := registry.Create(validGroup())
	require.NoError(t, err)

	registry.Save(g)
	assert.Equal(t, 2, store.gSaves)
}

func TestGroupDeleteFiresHookAndStore(t *testing.T) {
	store := &countingStore{}
	hooks := &recordingHooks{}
	registry := NewGroupRegistry(store, logger.NewNop())
	registry.SetHooks(hooks)

	g, err := registry.Create(validGroup())
	require.NoError(t, err)
	require.NoError(t, registry.Delete(g.ID))

	assert.Equal(t, 1, store.gDeletes)
	assert.Equal(t, []string{g.ID}, hooks.deregistered)

	err = registry.Delete(g.ID)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetErrorCode(err))
}
