package service

import (
	"testing"
	"time"
)

func TestAffinityStoreSetGet(t *testing.T) {
	store := NewAffinityStore(time.Minute)

	store.Set("lb-1", "session-a", "target-1", time.Minute)
	targetID, ok := store.Get("lb-1", "session-a")
	if !ok || targetID != "target-1" {
		t.Errorf("Expected pin to target-1, got %q (found=%v)", targetID, ok)
	}

	if _, ok := store.Get("lb-1", "session-b"); ok {
		t.Error("Expected miss for unknown session")
	}
	if _, ok := store.Get("lb-2", "session-a"); ok {
		t.Error("Expected pins to be scoped per load balancer")
	}
}

func TestAffinityStoreExpiry(t *testing.T) {
	store := NewAffinityStore(time.Minute)

	store.Set("lb-1", "session-a", "target-1", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := store.Get("lb-1", "session-a"); ok {
		t.Error("Expected pin to expire after its TTL")
	}
}

func TestAffinityStoreRewriteResetsTTL(t *testing.T) {
	store := NewAffinityStore(time.Minute)

	store.Set("lb-1", "session-a", "target-1", 30*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	store.Set("lb-1", "session-a", "target-1", 30*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := store.Get("lb-1", "session-a"); !ok {
		t.Error("Expected TTL to restart from the last write")
	}
}

func TestInvalidateTarget(t *testing.T) {
	store := NewAffinityStore(time.Minute)

	store.Set("lb-1", "session-a", "target-1", time.Minute)
	store.Set("lb-1", "session-b", "target-2", time.Minute)
	store.Set("lb-2", "session-c", "target-1", time.Minute)

	store.InvalidateTarget("lb-1", "target-1")

	if _, ok := store.Get("lb-1", "session-a"); ok {
		t.Error("Expected pin to invalidated target dropped")
	}
	if _, ok := store.Get("lb-1", "session-b"); !ok {
		t.Error("Expected pin to other target kept")
	}
	if _, ok := store.Get("lb-2", "session-c"); !ok {
		t.Error("Expected pins of other load balancers kept")
	}
}

func TestInvalidateLoadBalancer(t *testing.T) {
	store := NewAffinityStore(time.Minute)

	store.Set("lb-1", "session-a", "target-1", time.Minute)
	store.Set("lb-1", "session-b", "target-2", time.Minute)
	store.Set("lb-2", "session-c", "target-3", time.Minute)

	store.InvalidateLoadBalancer("lb-1")

	if store.Len() != 1 {
		t.Errorf("Expected 1 remaining pin, got %d", store.Len())
	}
	if _, ok := store.Get("lb-2", "session-c"); !ok {
		t.Error("Expected other load balancer's pins kept")
	}
}
