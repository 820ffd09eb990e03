package dispatch

import (
	"sync"
	"time"

	"github.com/rendis/flowmaster/pkg/schema"
)

// CircuitState is the dispatch circuit of one worker host.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota
	CircuitOpen                  // host skipped until the cooldown ends
	CircuitHalfOpen              // cooldown over, a few probe dispatches allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig configures the per-host circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           // consecutive transport failures that open the circuit
	Cooldown         time.Duration // time spent open before probing
	HalfOpenMax      int           // probes allowed while half open
	Now              func() time.Time
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

// BreakerStats is a snapshot of one host's circuit.
type BreakerStats struct {
	Host     string       `json:"host"`
	State    CircuitState `json:"state"`
	Failures int          `json:"consecutive_failures"`
	OpenedAt time.Time    `json:"opened_at,omitzero"`
}

type hostCircuit struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// Breakers tracks one circuit per worker host. Only transport failures
// count; a worker that answers and refuses a task keeps its circuit closed.
type Breakers struct {
	cfg BreakerConfig

	mu    sync.Mutex
	hosts map[string]*hostCircuit
}

func NewBreakers(cfg BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breakers{cfg: cfg, hosts: make(map[string]*hostCircuit)}
}

// circuit returns host's circuit with an elapsed cooldown applied.
// Callers hold b.mu.
func (b *Breakers) circuit(host string) *hostCircuit {
	c, ok := b.hosts[host]
	if !ok {
		c = &hostCircuit{}
		b.hosts[host] = c
	}
	if c.state == CircuitOpen && b.cfg.Now().Sub(c.openedAt) >= b.cfg.Cooldown {
		c.state, c.probes = CircuitHalfOpen, 0
	}
	return c
}

// Allow reserves a dispatch to host. It fails with CIRCUIT_OPEN while the
// host is skipped or its probes are used up.
func (b *Breakers) Allow(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(host)

	switch c.state {
	case CircuitOpen:
		remaining := b.cfg.Cooldown - b.cfg.Now().Sub(c.openedAt)
		return schema.NewErrorf(schema.ErrCodeCircuitOpen, "worker %s skipped after %d consecutive failures", host, c.failures).
			WithDetails(map[string]any{"host": host, "consecutive_failures": c.failures, "retry_in": remaining.String()})
	case CircuitHalfOpen:
		if c.probes >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "worker %s is being probed", host).
				WithDetails(map[string]any{"host": host})
		}
		c.probes++
	}
	return nil
}

// Available reports whether Allow would pass, without reserving a probe.
func (b *Breakers) Available(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(host)
	switch c.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		return c.probes < b.cfg.HalfOpenMax
	}
	return true
}

func (b *Breakers) RecordSuccess(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hosts[host] = &hostCircuit{}
}

// RecordFailure counts a transport failure and returns the new state. A
// failed probe reopens the circuit at once.
func (b *Breakers) RecordFailure(host string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(host)
	c.failures++
	if c.state == CircuitHalfOpen || c.failures >= b.cfg.FailureThreshold {
		c.state, c.openedAt = CircuitOpen, b.cfg.Now()
	}
	return c.state
}

func (b *Breakers) State(host string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuit(host).state
}

func (b *Breakers) Stats(host string) BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(host)
	return BreakerStats{Host: host, State: c.state, Failures: c.failures, OpenedAt: c.openedAt}
}

// Forget drops the circuit of a host that left the cluster.
func (b *Breakers) Forget(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.hosts, host)
}
