package storage

import "github.com/fleetgate/fleetgate/internal/domain"

// Store is the persistence collaborator for the registries. Registries
// call it after every mutating operation so definitions survive restarts.
type Store interface {
	SaveLoadBalancer(lb *domain.LoadBalancer) error
	DeleteLoadBalancer(id string) error
	SaveGroup(g *domain.AutoScalingGroup) error
	DeleteGroup(id string) error
	// Load returns every persisted definition, for boot-time hydration.
	Load() ([]*domain.LoadBalancer, []*domain.AutoScalingGroup, error)
	Close() error
}

// NopStore discards every write. Used in tests and when persistence is
// disabled in configuration.
type NopStore struct{}

func (NopStore) SaveLoadBalancer(*domain.LoadBalancer) error { return nil }
func (NopStore) DeleteLoadBalancer(string) error             { return nil }
func (NopStore) SaveGroup(*domain.AutoScalingGroup) error    { return nil }
func (NopStore) DeleteGroup(string) error                    { return nil }
func (NopStore) Close() error                                { return nil }
func (NopStore) Load() ([]*domain.LoadBalancer, []*domain.AutoScalingGroup, error) {
	return nil, nil, nil
}
