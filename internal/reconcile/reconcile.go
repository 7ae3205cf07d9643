// Package reconcile keeps local order replicas in step with the ledger.
//
// The reconciler holds the set of escrow addresses this node cares about,
// reads their transaction history from the chain adapter, and hands every
// sighting to the order service. Sightings are idempotent on the order
// side, so rescanning an address is always safe.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/tradenode/internal/chain"
	"github.com/mbd888/tradenode/internal/logging"
	"github.com/mbd888/tradenode/internal/order"
	"github.com/mbd888/tradenode/internal/retry"
	"github.com/mbd888/tradenode/internal/traces"
)

// Orders is the part of the order service the reconciler drives.
type Orders interface {
	List(ctx context.Context, f order.Filter) ([]*order.Order, error)
	ListByAddress(ctx context.Context, address string) ([]*order.Order, error)
	ApplyTransactions(ctx context.Context, address string, txs []chain.Tx) error
}

// Reconciler tracks watched escrow addresses.
type Reconciler struct {
	ledger chain.Adapter
	orders Orders
	policy retry.Policy
	logger *slog.Logger

	mu      sync.Mutex
	watched map[string]string // lowercased -> as given
	hints   chan string
}

// New creates a reconciler. Call SetOrders before scanning when the order
// service is built after the reconciler.
func New(ledger chain.Adapter, orders Orders, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		ledger:  ledger,
		orders:  orders,
		policy:  retry.DefaultPolicy(),
		logger:  logger,
		watched: make(map[string]string),
		hints:   make(chan string, 64),
	}
}

// SetOrders attaches the order service.
func (r *Reconciler) SetOrders(o Orders) {
	r.orders = o
}

// WithRetryPolicy replaces the backoff used for adapter calls.
func (r *Reconciler) WithRetryPolicy(p retry.Policy) *Reconciler {
	r.policy = p
	return r
}

// Watch adds address to the watch set and registers it with the adapter.
func (r *Reconciler) Watch(ctx context.Context, address string) error {
	err := r.call(ctx, func() error {
		return r.ledger.Watch(ctx, address)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", address, err)
	}
	key := strings.ToLower(address)
	r.mu.Lock()
	if _, ok := r.watched[key]; !ok {
		r.watched[key] = address
		watchedAddresses.Set(float64(len(r.watched)))
	}
	r.mu.Unlock()
	return nil
}

// Unwatch drops address from the watch set.
func (r *Reconciler) Unwatch(address string) {
	key := strings.ToLower(address)
	r.mu.Lock()
	if _, ok := r.watched[key]; ok {
		delete(r.watched, key)
		watchedAddresses.Set(float64(len(r.watched)))
	}
	r.mu.Unlock()
}

// Watching reports whether address is in the watch set.
func (r *Reconciler) Watching(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watched[strings.ToLower(address)]
	return ok
}

// Watched lists the watch set in a stable order.
func (r *Reconciler) Watched() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.watched))
	for _, addr := range r.watched {
		out = append(out, addr)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Hint asks for an early rescan of address. It never blocks; a full hint
// queue just leaves the address to the next periodic scan.
func (r *Reconciler) Hint(address string) {
	select {
	case r.hints <- address:
	default:
		hintsDropped.Inc()
	}
}

// Rescan reads the full history of address and applies it to every order
// paid through it. Addresses whose orders are all settled leave the watch
// set afterwards.
func (r *Reconciler) Rescan(ctx context.Context, address string) error {
	ctx, span := traces.StartSpan(ctx, "reconcile.Rescan", traces.Address(address))
	defer span.End()

	var txs []chain.Tx
	err := r.call(ctx, func() error {
		var err error
		txs, err = r.ledger.TransactionsFor(ctx, address)
		return err
	})
	if err != nil {
		scansTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("transactions for %s: %w", address, err)
	}
	sightingsTotal.Add(float64(len(txs)))

	if err := r.orders.ApplyTransactions(ctx, address, txs); err != nil {
		scansTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("apply transactions for %s: %w", address, err)
	}
	scansTotal.WithLabelValues("ok").Inc()

	orders, err := r.orders.ListByAddress(ctx, address)
	if err != nil {
		return err
	}
	if len(orders) > 0 && allSettled(orders) {
		r.Unwatch(address)
		logging.L(ctx).Debug("escrow settled, no longer watching", "address", address)
	}
	return nil
}

// Resume rebuilds the watch set from stored orders and rescans each
// address once. Used after a restart.
func (r *Reconciler) Resume(ctx context.Context) error {
	orders, err := r.orders.List(ctx, order.Filter{})
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	var errs []error
	seen := make(map[string]bool)
	for _, o := range orders {
		addr := o.PaymentAddress()
		if addr == "" || o.Settled() || seen[strings.ToLower(addr)] {
			continue
		}
		seen[strings.ToLower(addr)] = true
		if err := r.Watch(ctx, addr); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.Rescan(ctx, addr); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info("reconciler resumed", "orders", len(orders), "watching", len(seen))
	return errors.Join(errs...)
}

// ScanAll rescans every watched address.
func (r *Reconciler) ScanAll(ctx context.Context) error {
	start := time.Now()
	defer func() { scanDuration.Observe(time.Since(start).Seconds()) }()

	var errs []error
	for _, addr := range r.Watched() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Rescan(ctx, addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// call retries transient adapter failures.
func (r *Reconciler) call(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, r.policy, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		adapterErrors.Inc()
		if !chain.IsTransient(err) {
			return retry.Permanent(err)
		}
		r.logger.Debug("ledger call failed, retrying", "error", err)
		return err
	})
}

func allSettled(orders []*order.Order) bool {
	for _, o := range orders {
		if !o.Settled() {
			return false
		}
	}
	return true
}
