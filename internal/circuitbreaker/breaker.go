// Package circuitbreaker guards payment provider calls. After enough
// consecutive failures the circuit opens and payout processing fails
// fast with ErrProviderUnavailable semantics instead of queueing workers
// on a dead endpoint; a single probe per cool-off window tests recovery.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the circuit's position.
type State int

const (
	StateClosed   State = iota // passing traffic
	StateOpen                  // rejecting traffic until the cool-off elapses
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketledger",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

// circuit is one key's failure history.
type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks a circuit per key (one per provider).
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	trip     int           // consecutive failures that open the circuit
	coolOff  time.Duration // how long an open circuit rejects before probing
	now      func() time.Time
}

// New creates a breaker that opens after trip consecutive failures and
// probes again after coolOff.
func New(trip int, coolOff time.Duration) *Breaker {
	if trip <= 0 {
		trip = 5
	}
	if coolOff <= 0 {
		coolOff = 30 * time.Second
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		trip:     trip,
		coolOff:  coolOff,
		now:      time.Now,
	}
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-off elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.coolOff {
			b.shift(key, c, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// a probe is already out; hold the rest back
		return false
	default:
		return true
	}
}

// RecordSuccess clears the failure run and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.shift(key, c, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failure. A failed probe reopens immediately;
// a closed circuit opens once the run reaches the trip threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	c.failures++
	switch {
	case c.state == StateHalfOpen:
		b.shift(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.trip:
		b.shift(key, c, StateOpen)
	}
}

// State returns key's current state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// shift moves the circuit and records the transition. Caller holds b.mu.
func (b *Breaker) shift(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if to == StateOpen {
		c.openedAt = b.now()
	}
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
}
