package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fleetgate/fleetgate/internal/domain"
)

var (
	bucketLoadBalancers = []byte("load_balancers")
	bucketGroups        = []byte("scaling_groups")
)

// BoltStore persists registry definitions in a single bbolt file, one
// bucket per resource kind, JSON-encoded values keyed by resource ID.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database file and ensures
// the buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLoadBalancers, bucketGroups} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveLoadBalancer persists a load balancer definition.
func (s *BoltStore) SaveLoadBalancer(lb *domain.LoadBalancer) error {
	return s.put(bucketLoadBalancers, lb.ID, lb)
}

// DeleteLoadBalancer removes a persisted load balancer definition.
func (s *BoltStore) DeleteLoadBalancer(id string) error {
	return s.delete(bucketLoadBalancers, id)
}

// SaveGroup persists an auto-scaling group definition.
func (s *BoltStore) SaveGroup(g *domain.AutoScalingGroup) error {
	return s.put(bucketGroups, g.ID, g)
}

// DeleteGroup removes a persisted auto-scaling group definition.
func (s *BoltStore) DeleteGroup(id string) error {
	return s.delete(bucketGroups, id)
}

// Load returns every persisted definition.
func (s *BoltStore) Load() ([]*domain.LoadBalancer, []*domain.AutoScalingGroup, error) {
	var lbs []*domain.LoadBalancer
	var groups []*domain.AutoScalingGroup

	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketLoadBalancers).ForEach(func(_, v []byte) error {
			var lb domain.LoadBalancer
			if err := json.Unmarshal(v, &lb); err != nil {
				return fmt.Errorf("corrupt load balancer record: %w", err)
			}
			lbs = append(lbs, &lb)
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGroups).ForEach(func(_, v []byte) error {
			var g domain.AutoScalingGroup
			if err := json.Unmarshal(v, &g); err != nil {
				return fmt.Errorf("corrupt scaling group record: %w", err)
			}
			groups = append(groups, &g)
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return lbs, groups, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", id, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(id), data)
	})
}

func (s *BoltStore) delete(bucket []byte, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
}
