package service

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// AffinityStore maps (load balancer, session key) pairs to the target a
// session is pinned to. Entries expire on an absolute TTL from the last
// write; expiry is the only eviction guarantee.
type AffinityStore struct {
	cache *gocache.Cache
}

// NewAffinityStore creates a store that sweeps expired entries at the
// given interval.
func NewAffinityStore(cleanupInterval time.Duration) *AffinityStore {
	return &AffinityStore{
		cache: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

func affinityKey(lbID, sessionKey string) string {
	return lbID + "/" + sessionKey
}

// Get returns the pinned target ID for a session, if present and not
// expired.
func (s *AffinityStore) Get(lbID, sessionKey string) (string, bool) {
	v, ok := s.cache.Get(affinityKey(lbID, sessionKey))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Set pins a session to a target for the given TTL.
func (s *AffinityStore) Set(lbID, sessionKey, targetID string, ttl time.Duration) {
	s.cache.Set(affinityKey(lbID, sessionKey), targetID, ttl)
}

// InvalidateTarget drops every pin of one load balancer pointing at the
// given target. Called by the health monitor when a target turns
// unhealthy; the router additionally re-validates pins on lookup.
func (s *AffinityStore) InvalidateTarget(lbID, targetID string) {
	prefix := lbID + "/"
	for key, item := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) && item.Object == targetID {
			s.cache.Delete(key)
		}
	}
}

// InvalidateLoadBalancer drops every pin of one load balancer.
func (s *AffinityStore) InvalidateLoadBalancer(lbID string) {
	prefix := lbID + "/"
	for key := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Delete(key)
		}
	}
}

// Len returns the number of live affinity entries.
func (s *AffinityStore) Len() int {
	return s.cache.ItemCount()
}
