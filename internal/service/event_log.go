package service

import (
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/internal/domain"
)

// EventLog is the append-only audit trail of scaling events, capped per
// group; the oldest events are dropped first. Trimming is atomic with
// respect to concurrent appends.
type EventLog struct {
	mu          sync.RWMutex
	maxPerGroup int
	events      map[string][]*domain.ScalingEvent
}

// NewEventLog creates a log retaining up to maxPerGroup events per group.
func NewEventLog(maxPerGroup int) *EventLog {
	if maxPerGroup <= 0 {
		maxPerGroup = 100
	}
	return &EventLog{
		maxPerGroup: maxPerGroup,
		events:      make(map[string][]*domain.ScalingEvent),
	}
}

// Append records a scaling event, trimming the group's history if the cap
// is exceeded.
func (l *EventLog) Append(ev *domain.ScalingEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := append(l.events[ev.GroupID], ev)
	if excess := len(events) - l.maxPerGroup; excess > 0 {
		events = events[excess:]
	}
	l.events[ev.GroupID] = events
}

// Query returns a group's events inside [from, to], newest first, capped
// at limit when limit is positive.
func (l *EventLog) Query(groupID string, from, to time.Time, limit int) []*domain.ScalingEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.events[groupID]
	out := make([]*domain.ScalingEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if !from.IsZero() && ev.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && ev.Timestamp.After(to) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Drop discards the history of a deleted group.
func (l *EventLog) Drop(groupID string) {
	l.mu.Lock()
	delete(l.events, groupID)
	l.mu.Unlock()
}

// Len returns the retained event count for a group.
func (l *EventLog) Len(groupID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events[groupID])
}
