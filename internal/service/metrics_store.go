package service

import (
	"context"
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/internal/domain"
	"github.com/fleetgate/fleetgate/pkg/logger"
)

// liveCounters accumulates routing activity between sampling ticks.
type liveCounters struct {
	requests    int64
	errors      int64
	rtSamples   int64
	totalRTNs   int64
	lastSampled time.Time
}

// UtilizationFunc reports the CPU and memory utilization attributed to a
// load balancer's pool. Optional; without it snapshots carry zero
// utilization and the snapshot metrics source omits the utilization keys.
type UtilizationFunc func(lbID string) (cpu, memory float64)

// MetricsStore retains a bounded, time-ordered series of per-load-balancer
// snapshots and the live counters they are cut from. A sampler loop per
// load balancer appends one snapshot per tick; the oldest snapshots are
// pruned first once the retention limit is hit.
type MetricsStore struct {
	mu          sync.RWMutex
	retention   int
	series      map[string][]*domain.MetricsSnapshot
	live        map[string]*liveCounters
	utilization UtilizationFunc

	loopMu sync.Mutex
	loops  map[string]context.CancelFunc
	wg     sync.WaitGroup

	interval time.Duration
	log      *logger.Logger
}

// NewMetricsStore creates a store retaining up to retention snapshots per
// load balancer, sampling at the given interval.
func NewMetricsStore(retention int, interval time.Duration, log *logger.Logger) *MetricsStore {
	if retention <= 0 {
		retention = 360
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &MetricsStore{
		retention: retention,
		series:    make(map[string][]*domain.MetricsSnapshot),
		live:      make(map[string]*liveCounters),
		loops:     make(map[string]context.CancelFunc),
		interval:  interval,
		log:       log.MetricsLogger(),
	}
}

// SetUtilizationFunc installs the optional utilization source.
func (m *MetricsStore) SetUtilizationFunc(f UtilizationFunc) {
	m.mu.Lock()
	m.utilization = f
	m.mu.Unlock()
}

// UtilizationInstalled reports whether a utilization source is present.
func (m *MetricsStore) UtilizationInstalled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.utilization != nil
}

// RecordRequest counts one routed request against the load balancer's
// live counters.
func (m *MetricsStore) RecordRequest(lbID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters(lbID).requests++
}

// RecordResponseTime folds one completed request's response time into the
// live counters.
func (m *MetricsStore) RecordResponseTime(lbID string, responseTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters(lbID)
	c.rtSamples++
	c.totalRTNs += responseTime.Nanoseconds()
}

// RecordError counts one failed routing decision.
func (m *MetricsStore) RecordError(lbID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters(lbID).errors++
}

// counters returns the live counter set for a load balancer. Caller holds
// the lock.
func (m *MetricsStore) counters(lbID string) *liveCounters {
	c, ok := m.live[lbID]
	if !ok {
		c = &liveCounters{lastSampled: time.Now()}
		m.live[lbID] = c
	}
	return c
}

// Collect cuts one snapshot from the live counters and the load
// balancer's current target state, appends it to the series and resets
// the interval counters.
func (m *MetricsStore) Collect(lb *domain.LoadBalancer) *domain.MetricsSnapshot {
	now := time.Now()

	var healthy, unhealthy int
	var activeConns int64
	for _, t := range lb.Targets {
		switch t.Status() {
		case domain.TargetHealthy:
			healthy++
		case domain.TargetUnhealthy:
			unhealthy++
		}
		activeConns += t.CurrentConnections()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counters(lb.ID)
	elapsed := now.Sub(c.lastSampled).Seconds()

	snap := &domain.MetricsSnapshot{
		Timestamp:         now,
		RequestCount:      c.requests,
		ErrorCount:        c.errors,
		ActiveConnections: activeConns,
		HealthyTargets:    healthy,
		UnhealthyTargets:  unhealthy,
		TotalTargets:      len(lb.Targets),
	}
	if c.rtSamples > 0 {
		snap.AverageResponseTime = time.Duration(c.totalRTNs / c.rtSamples)
	}
	if elapsed > 0 {
		snap.Throughput = float64(c.requests) / elapsed
	}
	if m.utilization != nil {
		snap.CPUUtilization, snap.MemoryUtilization = m.utilization(lb.ID)
	}

	c.requests = 0
	c.errors = 0
	c.rtSamples = 0
	c.totalRTNs = 0
	c.lastSampled = now

	series := append(m.series[lb.ID], snap)
	if excess := len(series) - m.retention; excess > 0 {
		series = series[excess:]
	}
	m.series[lb.ID] = series

	return snap
}

// Latest returns the most recent snapshot for a load balancer, or nil.
func (m *MetricsStore) Latest(lbID string) *domain.MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	series := m.series[lbID]
	if len(series) == 0 {
		return nil
	}
	return series[len(series)-1]
}

// Query returns the snapshots of a load balancer inside [from, to] in
// chronological order. Zero bounds are open. When granularity is set,
// snapshots are averaged into buckets of that size.
func (m *MetricsStore) Query(lbID string, from, to time.Time, granularity time.Duration) []*domain.MetricsSnapshot {
	m.mu.RLock()
	var filtered []*domain.MetricsSnapshot
	for _, s := range m.series[lbID] {
		if !from.IsZero() && s.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && s.Timestamp.After(to) {
			continue
		}
		filtered = append(filtered, s)
	}
	m.mu.RUnlock()

	if granularity <= 0 || len(filtered) == 0 {
		return filtered
	}
	return aggregate(filtered, granularity)
}

// aggregate folds snapshots into buckets of the given size, averaging
// the numeric fields. Buckets are aligned to the first snapshot.
func aggregate(snaps []*domain.MetricsSnapshot, granularity time.Duration) []*domain.MetricsSnapshot {
	var out []*domain.MetricsSnapshot
	bucketStart := snaps[0].Timestamp
	var bucket []*domain.MetricsSnapshot

	flush := func() {
		if len(bucket) == 0 {
			return
		}
		agg := &domain.MetricsSnapshot{Timestamp: bucketStart}
		var rtTotal time.Duration
		for _, s := range bucket {
			agg.RequestCount += s.RequestCount
			agg.ErrorCount += s.ErrorCount
			rtTotal += s.AverageResponseTime
			agg.Throughput += s.Throughput
			agg.ActiveConnections += s.ActiveConnections
			agg.HealthyTargets += s.HealthyTargets
			agg.UnhealthyTargets += s.UnhealthyTargets
			agg.TotalTargets += s.TotalTargets
			agg.CPUUtilization += s.CPUUtilization
			agg.MemoryUtilization += s.MemoryUtilization
		}
		n := int64(len(bucket))
		agg.AverageResponseTime = rtTotal / time.Duration(n)
		agg.Throughput /= float64(n)
		agg.ActiveConnections /= n
		agg.HealthyTargets /= len(bucket)
		agg.UnhealthyTargets /= len(bucket)
		agg.TotalTargets /= len(bucket)
		agg.CPUUtilization /= float64(n)
		agg.MemoryUtilization /= float64(n)
		out = append(out, agg)
		bucket = bucket[:0]
	}

	for _, s := range snaps {
		for s.Timestamp.Sub(bucketStart) >= granularity {
			flush()
			bucketStart = bucketStart.Add(granularity)
		}
		bucket = append(bucket, s)
	}
	flush()
	return out
}

// Drop discards the series and counters of a deleted load balancer.
func (m *MetricsStore) Drop(lbID string) {
	m.mu.Lock()
	delete(m.series, lbID)
	delete(m.live, lbID)
	m.mu.Unlock()
}

// StartSampler launches the periodic snapshot loop for a load balancer.
// One loop runs per load balancer; starting an existing one is a no-op.
func (m *MetricsStore) StartSampler(lb *domain.LoadBalancer) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if _, running := m.loops[lb.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.loops[lb.ID] = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Collect(lb)
			}
		}
	}()
	m.log.WithField("load_balancer_id", lb.ID).Debug("Started metrics sampler")
}

// StopSampler cancels the snapshot loop of a load balancer and drops its
// retained series.
func (m *MetricsStore) StopSampler(lbID string) {
	m.loopMu.Lock()
	cancel, ok := m.loops[lbID]
	if ok {
		delete(m.loops, lbID)
	}
	m.loopMu.Unlock()
	if ok {
		cancel()
	}
	m.Drop(lbID)
}

// Close stops every sampler loop and waits for them to exit.
func (m *MetricsStore) Close() {
	m.loopMu.Lock()
	for id, cancel := range m.loops {
		cancel()
		delete(m.loops, id)
	}
	m.loopMu.Unlock()
	m.wg.Wait()
}
