package dispatch

import (
	"math/rand/v2"
	"sync"

	"github.com/rendis/flowmaster/pkg/schema"
)

// Selection policies.
const (
	PolicyRoundRobin = "round_robin"
	PolicyRandom     = "random"
	PolicyWeighted   = "weighted"
)

// LoadBalancer picks a worker host of a group. Hosts whose breaker is open
// are skipped. Safe for concurrent use.
type LoadBalancer struct {
	registry WorkerRegistry
	breakers *Breakers
	policy   string
	intn     func(n int) int

	mu      sync.Mutex
	next    map[string]uint64
	current map[string]map[string]int // smooth weighted state per group
}

// BalancerOption configures a LoadBalancer.
type BalancerOption func(*LoadBalancer)

// WithBreakers skips hosts whose circuit is open.
func WithBreakers(b *Breakers) BalancerOption { return func(lb *LoadBalancer) { lb.breakers = b } }

// WithRandom overrides the random source of the random policy.
func WithRandom(intn func(n int) int) BalancerOption {
	return func(lb *LoadBalancer) { lb.intn = intn }
}

// NewLoadBalancer creates a balancer. An empty policy means round robin.
func NewLoadBalancer(registry WorkerRegistry, policy string, opts ...BalancerOption) (*LoadBalancer, error) {
	switch policy {
	case "":
		policy = PolicyRoundRobin
	case PolicyRoundRobin, PolicyRandom, PolicyWeighted:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown load balancer policy %q", policy)
	}
	lb := &LoadBalancer{
		registry: registry,
		policy:   policy,
		intn:     rand.IntN,
		next:     make(map[string]uint64),
		current:  make(map[string]map[string]int),
	}
	for _, opt := range opts {
		opt(lb)
	}
	return lb, nil
}

// Policy returns the selection policy in use.
func (lb *LoadBalancer) Policy() string { return lb.policy }

// Select returns a host of group, or false when none is available.
func (lb *LoadBalancer) Select(group string) (string, bool) {
	return lb.SelectExcluding(group, nil)
}

// SelectExcluding is Select ignoring the hosts in exclude.
func (lb *LoadBalancer) SelectExcluding(group string, exclude map[string]bool) (string, bool) {
	if group == "" {
		group = DefaultGroup
	}
	candidates := lb.candidates(group, exclude)
	if len(candidates) == 0 {
		return "", false
	}

	switch lb.policy {
	case PolicyRandom:
		return candidates[lb.intn(len(candidates))].Host, true
	case PolicyWeighted:
		return lb.weighted(group, candidates), true
	default:
		lb.mu.Lock()
		n := lb.next[group]
		lb.next[group] = n + 1
		lb.mu.Unlock()
		return candidates[n%uint64(len(candidates))].Host, true
	}
}

func (lb *LoadBalancer) candidates(group string, exclude map[string]bool) []Worker {
	workers := lb.registry.Workers(group)
	out := workers[:0]
	for _, w := range workers {
		if exclude[w.Host] {
			continue
		}
		if lb.breakers != nil && !lb.breakers.Available(w.Host) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// weighted is smooth weighted round robin: every pick raises each host by
// its weight and lowers the chosen one by the total.
func (lb *LoadBalancer) weighted(group string, candidates []Worker) string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	cur := lb.current[group]
	if cur == nil {
		cur = make(map[string]int)
		lb.current[group] = cur
	}
	present := make(map[string]bool, len(candidates))
	total := 0
	best := ""
	for _, w := range candidates {
		weight := w.Weight
		if weight <= 0 {
			weight = DefaultWeight
		}
		present[w.Host] = true
		cur[w.Host] += weight
		total += weight
		if best == "" || cur[w.Host] > cur[best] {
			best = w.Host
		}
	}
	cur[best] -= total
	for h := range cur {
		if !present[h] {
			delete(cur, h)
		}
	}
	return best
}
