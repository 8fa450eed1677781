package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/fleetgate/fleetgate/internal/domain"
)

func scalingEvent(groupID string, seq int, ts time.Time) *domain.ScalingEvent {
	return &domain.ScalingEvent{
		ID:          fmt.Sprintf("event-%d", seq),
		GroupID:     groupID,
		Type:        domain.EventScaleUp,
		Trigger:     "cpu above threshold",
		OldCapacity: seq,
		NewCapacity: seq + 1,
		Status:      domain.EventSuccessful,
		Timestamp:   ts,
	}
}

func TestEventLogCapDropsOldest(t *testing.T) {
	log := NewEventLog(3)
	now := time.Now()

	for i := 0; i < 5; i++ {
		log.Append(scalingEvent("g1", i, now.Add(time.Duration(i)*time.Second)))
	}

	if log.Len("g1") != 3 {
		t.Fatalf("Expected 3 retained events, got %d", log.Len("g1"))
	}
	events := log.Query("g1", time.Time{}, time.Time{}, 0)
	// Newest first; event-0 and event-1 were dropped.
	if events[0].ID != "event-4" || events[2].ID != "event-2" {
		t.Errorf("Expected newest-first [event-4..event-2], got [%s..%s]", events[0].ID, events[2].ID)
	}
}

func TestEventLogQueryNewestFirst(t *testing.T) {
	log := NewEventLog(100)
	now := time.Now()
	for i := 0; i < 4; i++ {
		log.Append(scalingEvent("g1", i, now.Add(time.Duration(i)*time.Second)))
	}

	events := log.Query("g1", time.Time{}, time.Time{}, 0)
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.After(events[i-1].Timestamp) {
			t.Fatal("Expected events ordered newest first")
		}
	}
}

func TestEventLogQueryLimit(t *testing.T) {
	log := NewEventLog(100)
	now := time.Now()
	for i := 0; i < 10; i++ {
		log.Append(scalingEvent("g1", i, now.Add(time.Duration(i)*time.Second)))
	}

	events := log.Query("g1", time.Time{}, time.Time{}, 2)
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].ID != "event-9" {
		t.Errorf("Expected newest event first, got %s", events[0].ID)
	}
}

func TestEventLogQueryTimeWindow(t *testing.T) {
	log := NewEventLog(100)
	base := time.Now()
	for i := 0; i < 5; i++ {
		log.Append(scalingEvent("g1", i, base.Add(time.Duration(i)*time.Minute)))
	}

	from := base.Add(90 * time.Second)
	to := base.Add(210 * time.Second)
	events := log.Query("g1", from, to, 0)
	if len(events) != 2 {
		t.Fatalf("Expected 2 events inside window, got %d", len(events))
	}
	if events[0].ID != "event-3" || events[1].ID != "event-2" {
		t.Errorf("Expected [event-3, event-2], got [%s, %s]", events[0].ID, events[1].ID)
	}
}

func TestEventLogGroupsIsolated(t *testing.T) {
	log := NewEventLog(100)
	now := time.Now()
	log.Append(scalingEvent("g1", 0, now))
	log.Append(scalingEvent("g2", 1, now))

	if log.Len("g1") != 1 || log.Len("g2") != 1 {
		t.Error("Expected per-group isolation")
	}

	log.Drop("g1")
	if log.Len("g1") != 0 {
		t.Error("Expected g1 history dropped")
	}
	if log.Len("g2") != 1 {
		t.Error("Expected g2 history untouched")
	}
}
