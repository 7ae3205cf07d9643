package messaging

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradenode/internal/circuitbreaker"
	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/logging"
	"github.com/mbd888/tradenode/internal/retry"
	"github.com/mbd888/tradenode/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

const drainBatch = 500

// Option configures a Messenger.
type Option func(*Messenger)

// WithLogger sets the messenger's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Messenger) { m.logger = logger }
}

// WithRetryPolicy sets the outbox backoff schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Messenger) { m.policy = p }
}

// WithMaxAttempts caps redelivery attempts per envelope. Zero retries forever.
func WithMaxAttempts(n int) Option {
	return func(m *Messenger) { m.maxAttempts = n }
}

// WithInterval sets how often Start drains the outbox.
func WithInterval(d time.Duration) Option {
	return func(m *Messenger) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithBreaker replaces the per-peer circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(m *Messenger) { m.breaker = b }
}

// Messenger signs, sends and receives envelopes for one node identity.
type Messenger struct {
	key       *ecdsa.PrivateKey
	self      string
	transport Transport
	outbox    Outbox
	breaker   *circuitbreaker.Breaker
	seen      *recentIDs

	policy      retry.Policy
	maxAttempts int
	interval    time.Duration
	logger      *slog.Logger

	handlerMu sync.RWMutex
	handler   Handler

	drainMu  sync.Mutex
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewMessenger creates a messenger for the identity key.
func NewMessenger(key *ecdsa.PrivateKey, transport Transport, outbox Outbox, opts ...Option) *Messenger {
	m := &Messenger{
		key:       key,
		self:      escrow.PeerID(&key.PublicKey),
		transport: transport,
		outbox:    outbox,
		breaker:   circuitbreaker.New(3, 10*time.Second),
		seen:      newRecentIDs(0),
		policy: retry.Policy{
			BaseDelay: time.Second,
			MaxDelay:  2 * time.Minute,
		},
		maxAttempts: 50,
		interval:    5 * time.Second,
		logger:      slog.Default(),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID is this node's peer id.
func (m *Messenger) ID() string {
	return m.self
}

// SetHandler installs the inbound dispatcher.
func (m *Messenger) SetHandler(h Handler) {
	m.handlerMu.Lock()
	m.handler = h
	m.handlerMu.Unlock()
}

// Breaker exposes per-peer circuit state.
func (m *Messenger) Breaker() *circuitbreaker.Breaker {
	return m.breaker
}

// Send seals payload and tries to deliver it to peer once. If the peer is
// unreachable, or behind and asked for a retry, the envelope is queued and
// Send reports delivered=false with a nil error. A permanent rejection is
// returned as a *RejectError and nothing is queued.
func (m *Messenger) Send(ctx context.Context, peer string, kind Kind, orderID string, payload any) (bool, error) {
	env, err := NewEnvelope(m.self, peer, kind, orderID, payload)
	if err != nil {
		return false, err
	}
	if err := env.Seal(m.key); err != nil {
		return false, err
	}

	ctx, span := traces.StartSpan(ctx, "messaging.Send",
		traces.PeerID(peer), traces.MessageKind(string(kind)), traces.OrderID(orderID))
	defer span.End()

	entry := &OutboxEntry{Envelope: env, CreatedAt: time.Now()}

	if m.breaker.Allow(peer) {
		err := m.deliver(ctx, env)
		if err == nil {
			messagesSent.WithLabelValues(string(kind), "delivered").Inc()
			return true, nil
		}
		if rej, ok := AsReject(err); ok && !rej.Retryable {
			messagesSent.WithLabelValues(string(kind), "rejected").Inc()
			span.SetStatus(codes.Error, rej.Reason)
			return false, err
		}
		entry.Attempts = 1
		entry.LastError = err.Error()
		entry.NextAttempt = entry.CreatedAt.Add(m.policy.Backoff(1))
	} else {
		entry.LastError = "circuit open"
		entry.NextAttempt = entry.CreatedAt
	}

	if err := m.outbox.Enqueue(ctx, entry); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("messaging: queue %s for %s: %w", kind, peer, err)
	}
	messagesSent.WithLabelValues(string(kind), "queued").Inc()
	logging.L(ctx).Info("peer unreachable, message queued",
		"peerId", peer, "kind", kind, "orderId", orderID, "messageId", env.ID)
	return false, nil
}

func (m *Messenger) deliver(ctx context.Context, env *Envelope) error {
	err := m.transport.Deliver(ctx, env)
	switch {
	case err == nil:
		m.breaker.RecordSuccess(env.Recipient)
		return nil
	case errors.Is(err, ErrPeerUnreachable):
		m.breaker.RecordFailure(env.Recipient)
		return err
	}
	if _, ok := AsReject(err); ok {
		m.breaker.RecordSuccess(env.Recipient)
		return err
	}
	m.breaker.RecordFailure(env.Recipient)
	return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
}

// Receive verifies env and hands it to the handler. Envelopes seen before
// are acknowledged without being applied again.
func (m *Messenger) Receive(ctx context.Context, env *Envelope) error {
	if err := env.Verify(); err != nil {
		messagesReceived.WithLabelValues(string(env.Kind), "rejected").Inc()
		return Reject("%v", err)
	}
	if env.Recipient != m.self {
		messagesReceived.WithLabelValues(string(env.Kind), "rejected").Inc()
		return Reject("%v: %s", ErrWrongRecipient, env.Recipient)
	}

	// Hearing from a peer means it is back; let queued mail flow.
	if m.breaker.State(env.Sender) != circuitbreaker.StateClosed {
		m.breaker.Reset(env.Sender)
	}
	m.Kick()

	if m.seen.Has(env.ID) {
		messagesReceived.WithLabelValues(string(env.Kind), "duplicate").Inc()
		return nil
	}

	m.handlerMu.RLock()
	h := m.handler
	m.handlerMu.RUnlock()
	if h == nil {
		messagesReceived.WithLabelValues(string(env.Kind), "deferred").Inc()
		return Defer("node is starting")
	}

	ctx, span := traces.StartSpan(ctx, "messaging.Receive",
		traces.PeerID(env.Sender), traces.MessageKind(string(env.Kind)), traces.OrderID(env.OrderID))
	defer span.End()

	if err := h.HandleMessage(ctx, env); err != nil {
		result := "rejected"
		if rej, ok := AsReject(err); ok && rej.Retryable {
			result = "deferred"
		}
		messagesReceived.WithLabelValues(string(env.Kind), result).Inc()
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	m.seen.Add(env.ID)
	messagesReceived.WithLabelValues(string(env.Kind), "applied").Inc()
	return nil
}

// Flush tries every queued envelope now, ignoring backoff schedules and
// open circuits. Returns how many were delivered.
func (m *Messenger) Flush(ctx context.Context) int {
	return m.drain(ctx, time.Time{})
}

// Pending reports the outbox depth.
func (m *Messenger) Pending(ctx context.Context) int {
	n, err := m.outbox.Len(ctx)
	if err != nil {
		m.logger.Warn("outbox length unavailable", "error", err)
	}
	return n
}

func (m *Messenger) drain(ctx context.Context, now time.Time) int {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	entries, err := m.outbox.Pending(ctx, now, drainBatch)
	if err != nil {
		m.logger.Warn("failed to read outbox", "error", err)
		return 0
	}

	delivered := 0
	// Later envelopes for an order wait behind an earlier one that failed.
	blocked := make(map[string]bool)
	for _, e := range entries {
		env := e.Envelope
		lane := env.Recipient + "|" + env.OrderID
		if blocked[lane] {
			continue
		}
		if !now.IsZero() && !m.breaker.Allow(env.Recipient) {
			blocked[lane] = true
			continue
		}

		err := m.deliver(ctx, env)
		if err == nil {
			if err := m.outbox.Remove(ctx, env.ID); err != nil {
				m.logger.Warn("failed to remove delivered envelope", "messageId", env.ID, "error", err)
			}
			outboxRedelivered.WithLabelValues(string(env.Kind)).Inc()
			delivered++
			m.logger.Info("queued message delivered",
				"peerId", env.Recipient, "kind", env.Kind, "orderId", env.OrderID, "attempts", e.Attempts+1)
			continue
		}

		if rej, ok := AsReject(err); ok && !rej.Retryable {
			m.logger.Warn("queued message rejected by peer, dropping",
				"peerId", env.Recipient, "kind", env.Kind, "orderId", env.OrderID, "reason", rej.Reason)
			outboxDropped.WithLabelValues("rejected").Inc()
			_ = m.outbox.Remove(ctx, env.ID)
			continue
		}

		blocked[lane] = true
		e.Attempts++
		if m.maxAttempts > 0 && e.Attempts >= m.maxAttempts {
			m.logger.Error("giving up on queued message",
				"peerId", env.Recipient, "kind", env.Kind, "orderId", env.OrderID, "attempts", e.Attempts, "error", err)
			outboxDropped.WithLabelValues("max_attempts").Inc()
			_ = m.outbox.Remove(ctx, env.ID)
			continue
		}
		e.LastError = err.Error()
		e.NextAttempt = time.Now().Add(m.policy.Backoff(e.Attempts))
		if err := m.outbox.Update(ctx, e); err != nil {
			m.logger.Warn("failed to reschedule envelope", "messageId", env.ID, "error", err)
		}
	}
	return delivered
}

// -----------------------------------------------------------------------------
// Outbox loop
// -----------------------------------------------------------------------------

// Kick wakes the outbox loop early.
func (m *Messenger) Kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Running reports whether the outbox loop is running.
func (m *Messenger) Running() bool {
	return m.running.Load()
}

// Start drains the outbox until ctx is done or Stop is called. Call in a
// goroutine.
func (m *Messenger) Start(ctx context.Context) {
	select {
	case <-m.stop:
		return
	default:
	}
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeDrain(ctx)
		case <-m.wake:
			m.safeDrain(ctx)
		}
	}
}

// Stop signals the outbox loop to stop. A loop started after Stop exits
// immediately.
func (m *Messenger) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Messenger) safeDrain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in outbox loop", "panic", fmt.Sprint(r))
		}
	}()
	m.drain(ctx, time.Now())
}
