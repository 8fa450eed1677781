package service

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/fleetgate/fleetgate/internal/domain"
)

// NewStrategy creates the strategy implementing the given algorithm. The
// variant set is closed; an unknown algorithm is a configuration error.
// rng seeds the random and weighted variants so selections are
// reproducible under a fixed seed.
func NewStrategy(algorithm domain.Algorithm, rng *rand.Rand) (domain.Strategy, error) {
	switch algorithm {
	case domain.AlgorithmRoundRobin:
		return &roundRobinStrategy{}, nil
	case domain.AlgorithmLeastConnections:
		return &leastConnectionsStrategy{}, nil
	case domain.AlgorithmWeightedRoundRobin:
		return &weightedRandomStrategy{rng: rng}, nil
	case domain.AlgorithmIPHash:
		return &ipHashStrategy{}, nil
	case domain.AlgorithmLeastResponseTime:
		return &leastResponseTimeStrategy{}, nil
	case domain.AlgorithmRandom:
		return &randomStrategy{rng: rng}, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// roundRobinStrategy cycles through the eligible set with an atomic
// per-load-balancer index.
type roundRobinStrategy struct {
	index uint64
}

func (s *roundRobinStrategy) Select(targets []*domain.Target, _ *domain.RequestDescriptor) (*domain.Target, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no eligible targets")
	}
	next := atomic.AddUint64(&s.index, 1)
	return targets[(next-1)%uint64(len(targets))], nil
}

func (s *roundRobinStrategy) Algorithm() domain.Algorithm {
	return domain.AlgorithmRoundRobin
}

// leastConnectionsStrategy picks the target with the fewest active
// connections; ties go to the first occurrence in target list order.
type leastConnectionsStrategy struct{}

func (s *leastConnectionsStrategy) Select(targets []*domain.Target, _ *domain.RequestDescriptor) (*domain.Target, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no eligible targets")
	}
	selected := targets[0]
	min := selected.CurrentConnections()
	for _, t := range targets[1:] {
		if c := t.CurrentConnections(); c < min {
			min = c
			selected = t
		}
	}
	return selected, nil
}

func (s *leastConnectionsStrategy) Algorithm() domain.Algorithm {
	return domain.AlgorithmLeastConnections
}

// weightedRandomStrategy draws a uniform value in [0, total weight) and
// walks the cumulative weights. A zero-weight target is never selected
// unless the total weight is zero, in which case selection falls back to
// uniform random.
type weightedRandomStrategy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *weightedRandomStrategy) Select(targets []*domain.Target, _ *domain.RequestDescriptor) (*domain.Target, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no eligible targets")
	}

	total := 0
	for _, t := range targets {
		total += t.Weight
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if total == 0 {
		return targets[s.rng.Intn(len(targets))], nil
	}

	draw := s.rng.Float64() * float64(total)
	cumulative := 0.0
	for _, t := range targets {
		cumulative += float64(t.Weight)
		if draw < cumulative {
			return t, nil
		}
	}
	// Floating point edge at the top of the range.
	return targets[len(targets)-1], nil
}

func (s *weightedRandomStrategy) Algorithm() domain.Algorithm {
	return domain.AlgorithmWeightedRoundRobin
}

// ipHashStrategy maps a client IP deterministically to one target. The
// mapping holds only while the eligible list's order and size are
// unchanged; pool membership changes remap clients.
type ipHashStrategy struct{}

func (s *ipHashStrategy) Select(targets []*domain.Target, desc *domain.RequestDescriptor) (*domain.Target, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no eligible targets")
	}
	if desc == nil || desc.ClientIP == "" {
		return targets[0], nil
	}
	h := fnv.New32a()
	h.Write([]byte(desc.ClientIP))
	return targets[h.Sum32()%uint32(len(targets))], nil
}

func (s *ipHashStrategy) Algorithm() domain.Algorithm {
	return domain.AlgorithmIPHash
}

// leastResponseTimeStrategy picks the target with the lowest rolling
// average response time; ties go to the first occurrence.
type leastResponseTimeStrategy struct{}

func (s *leastResponseTimeStrategy) Select(targets []*domain.Target, _ *domain.RequestDescriptor) (*domain.Target, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no eligible targets")
	}
	selected := targets[0]
	min := selected.AverageResponseTime()
	for _, t := range targets[1:] {
		if rt := t.AverageResponseTime(); rt < min {
			min = rt
			selected = t
		}
	}
	return selected, nil
}

func (s *leastResponseTimeStrategy) Algorithm() domain.Algorithm {
	return domain.AlgorithmLeastResponseTime
}

// randomStrategy selects a uniformly random target.
type randomStrategy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *randomStrategy) Select(targets []*domain.Target, _ *domain.RequestDescriptor) (*domain.Target, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no eligible targets")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return targets[s.rng.Intn(len(targets))], nil
}

func (s *randomStrategy) Algorithm() domain.Algorithm {
	return domain.AlgorithmRandom
}
