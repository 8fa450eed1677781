package domain

// Strategy selects one target from the eligible set for a request. The
// variant set is closed: implementations exist for each Algorithm constant
// and are created through the service-level factory. Implementations must
// be safe for concurrent use; any per-load-balancer state (round robin
// index, random source) lives inside the strategy instance.
type Strategy interface {
	// Select picks a target from the eligible set. The slice is never
	// empty; the router fails with NoHealthyTargets before dispatching.
	Select(targets []*Target, desc *RequestDescriptor) (*Target, error)

	// Algorithm returns the variant this strategy implements.
	Algorithm() Algorithm
}
