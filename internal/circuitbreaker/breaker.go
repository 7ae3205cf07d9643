// Package circuitbreaker tracks peer reachability so the messenger can stop
// hammering a peer that keeps failing and let the outbox carry the load.
//
// Each peer moves closed → open after a run of failures, then half-open
// once the cool-down passes, where a single probe decides whether it closes
// again or goes back to open.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one peer's circuit.
type State int

const (
	StateClosed   State = iota // deliveries flow
	StateOpen                  // deliveries skipped until the cool-down passes
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

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradenode",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Peer circuit state transitions by peer, from-state, and to-state.",
}, []string{"peer", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state       State
	failures    int
	changedAt   time.Time
	lastFailure time.Time
}

// Breaker holds one circuit per peer.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolDown  time.Duration
	now       func() time.Time
	observer  func(peer string, from, to State)
}

// New returns a breaker that opens after threshold consecutive failures
// and probes again after coolDown.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// OnTransition registers fn to observe state changes. fn runs on its own
// goroutine.
func (b *Breaker) OnTransition(fn func(peer string, from, to State)) {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

// Allow reports whether a delivery to peer should be attempted now.
func (b *Breaker) Allow(peer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[peer]
	if !ok {
		return true
	}
	now := b.now()
	switch c.state {
	case StateOpen:
		if now.Sub(c.lastFailure) < b.coolDown {
			return false
		}
		b.move(peer, c, StateHalfOpen, now)
		return true
	case StateHalfOpen:
		// A probe that never reported back must not wedge the circuit.
		if now.Sub(c.changedAt) >= b.coolDown {
			c.changedAt = now
			return true
		}
		return false
	}
	return true
}

// RecordSuccess closes peer's circuit.
func (b *Breaker) RecordSuccess(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[peer]
	if !ok {
		return
	}
	c.failures = 0
	b.move(peer, c, StateClosed, b.now())
}

// RecordFailure counts a failed delivery to peer.
func (b *Breaker) RecordFailure(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c, ok := b.circuits[peer]
	if !ok {
		c = &circuit{changedAt: now}
		b.circuits[peer] = c
	}
	c.failures++
	c.lastFailure = now

	switch {
	case c.state == StateHalfOpen:
		b.move(peer, c, StateOpen, now)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.move(peer, c, StateOpen, now)
	}
}

// Reset forgets peer, e.g. after it announced it is back online.
func (b *Breaker) Reset(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[peer]; ok {
		b.move(peer, c, StateClosed, b.now())
		delete(b.circuits, peer)
	}
}

// State returns peer's state; unknown peers are closed.
func (b *Breaker) State(peer string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[peer]; ok {
		return c.state
	}
	return StateClosed
}

// Open lists peers whose circuit is not closed.
func (b *Breaker) Open() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State)
	for peer, c := range b.circuits {
		if c.state != StateClosed {
			out[peer] = c.state
		}
	}
	return out
}

// caller holds b.mu
func (b *Breaker) move(peer string, c *circuit, to State, now time.Time) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.changedAt = now
	transitionsTotal.WithLabelValues(shortPeer(peer), from.String(), to.String()).Inc()
	if fn := b.observer; fn != nil {
		go fn(peer, from, to)
	}
}

// shortPeer keeps label values readable; peer ids are 66 hex chars.
func shortPeer(peer string) string {
	if len(peer) > 16 {
		return peer[:16]
	}
	return peer
}
