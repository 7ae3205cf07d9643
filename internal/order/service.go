package order

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tradenode/internal/chain"
	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/listing"
	"github.com/mbd888/tradenode/internal/logging"
	"github.com/mbd888/tradenode/internal/messaging"
	"github.com/mbd888/tradenode/internal/moderator"
	"github.com/mbd888/tradenode/internal/syncutil"
	"github.com/mbd888/tradenode/internal/traces"
)

// Sender delivers protocol messages to peers.
type Sender interface {
	ID() string
	Send(ctx context.Context, peer string, kind messaging.Kind, orderID string, payload any) (bool, error)
}

// Watcher keeps payment addresses under ledger observation.
type Watcher interface {
	Watch(ctx context.Context, address string) error
	// Hint asks for an early scan of address without blocking.
	Hint(address string)
}

// Service drives this node's order replicas.
type Service struct {
	store      Store
	sender     Sender
	ledger     chain.Adapter
	builder    *escrow.Builder
	key        *ecdsa.PrivateKey
	self       string
	listings   listing.Store
	moderators moderator.Registry
	watcher    Watcher
	logger     *slog.Logger
	now        func() time.Time

	locks *syncutil.KeyedMutex

	subMu     sync.Mutex
	listeners []func(*Order)
	waiters   map[string]map[chan struct{}]struct{}
}

// NewService creates an order service for the node identified by key.
func NewService(store Store, sender Sender, ledger chain.Adapter, builder *escrow.Builder, key *ecdsa.PrivateKey) *Service {
	return &Service{
		store:   store,
		sender:  sender,
		ledger:  ledger,
		builder: builder,
		key:     key,
		self:    escrow.PeerID(&key.PublicKey),
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		locks:   syncutil.NewKeyedMutex(),
		waiters: make(map[string]map[chan struct{}]struct{}),
	}
}

// WithListings sets where purchased and received listings are resolved.
func (s *Service) WithListings(l listing.Store) *Service {
	s.listings = l
	return s
}

// WithModerators sets the registry used to resolve moderator keys.
func (s *Service) WithModerators(r moderator.Registry) *Service {
	s.moderators = r
	return s
}

// WithWatcher hands new payment addresses to the reconciler.
func (s *Service) WithWatcher(w Watcher) *Service {
	s.watcher = w
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// OnChange registers fn to receive a copy of every persisted order change.
func (s *Service) OnChange(fn func(*Order)) {
	s.subMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.subMu.Unlock()
}

// PeerID is this node's identity.
func (s *Service) PeerID() string {
	return s.self
}

// Get returns the local replica of an order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// List returns local replicas matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Order, error) {
	return s.store.List(ctx, f)
}

// ListByAddress returns the local replicas paid through address.
func (s *Service) ListByAddress(ctx context.Context, address string) ([]*Order, error) {
	return s.store.ListByAddress(ctx, address)
}

// Await blocks until the order is in one of states.
func (s *Service) Await(ctx context.Context, id string, states ...State) (*Order, error) {
	return s.AwaitFunc(ctx, id, func(o *Order) bool {
		for _, st := range states {
			if o.State == st {
				return true
			}
		}
		return false
	})
}

// AwaitFunc blocks until cond holds for the order. An order that does not
// exist yet is waited for.
func (s *Service) AwaitFunc(ctx context.Context, id string, cond func(*Order) bool) (*Order, error) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	if s.waiters[id] == nil {
		s.waiters[id] = make(map[chan struct{}]struct{})
	}
	s.waiters[id][ch] = struct{}{}
	s.subMu.Unlock()
	defer func() {
		s.subMu.Lock()
		delete(s.waiters[id], ch)
		if len(s.waiters[id]) == 0 {
			delete(s.waiters, id)
		}
		s.subMu.Unlock()
	}()

	for {
		o, err := s.store.Get(ctx, id)
		switch {
		case err == nil && cond(o):
			return o, nil
		case err != nil && !errors.Is(err, ErrOrderNotFound):
			return nil, err
		}
		select {
		case <-ctx.Done():
			if o != nil {
				return o, fmt.Errorf("order %s: %w (state %s)", id, ctx.Err(), o.State)
			}
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

func (s *Service) publish(o *Order) {
	s.subMu.Lock()
	listeners := make([]func(*Order), len(s.listeners))
	copy(listeners, s.listeners)
	for ch := range s.waiters[o.ID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.subMu.Unlock()

	for _, fn := range listeners {
		fn(o.Clone())
	}
}

// -----------------------------------------------------------------------------
// Mutation plumbing
// -----------------------------------------------------------------------------

type outbound struct {
	peer    string
	kind    messaging.Kind
	payload any
}

// change collects everything one locked mutation did. Messages and watch
// requests are carried out after the order lock is released, since a
// synchronous transport may call straight back into this node.
type change struct {
	order *Order
	now   time.Time
	dirty bool
	sends []outbound
	watch bool
	hint  bool
	self  string
}

func (c *change) touch() {
	c.order.UpdatedAt = c.now
	c.dirty = true
}

func (c *change) move(to State, cause string) error {
	if err := c.order.transition(to, cause, c.now); err != nil {
		return err
	}
	c.dirty = true
	transitionsTotal.WithLabelValues(string(c.order.Role), string(to)).Inc()
	return nil
}

// settle records a settlement against transactions seen from now on.
func (c *change) settle(st *Settlement) {
	st.After = len(c.order.Transactions)
	if st.TxID != "" && indexTx(c.order.Transactions, st.TxID) >= 0 {
		st.Observed = true
	}
	c.order.Settlement = st
	c.touch()
}

func (c *change) send(peer string, kind messaging.Kind, payload any) {
	c.sends = append(c.sends, outbound{peer: peer, kind: kind, payload: payload})
}

// broadcast sends to every other participant.
func (c *change) broadcast(kind messaging.Kind, payload any) {
	for _, peer := range c.order.Participants(c.self) {
		c.send(peer, kind, payload)
	}
}

// update locks id, runs fn on the stored replica and persists the result
// if fn changed it.
func (s *Service) update(ctx context.Context, id string, fn func(ctx context.Context, c *change) error) (*Order, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	o, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	ctx = s.withOrder(ctx, id)
	c := &change{order: o, now: s.now(), self: s.self}
	from := o.State
	if err := fn(ctx, c); err != nil {
		unlock()
		return nil, err
	}
	if c.dirty {
		if err := s.store.Update(ctx, o); err != nil {
			unlock()
			return nil, fmt.Errorf("persist order %s: %w", id, err)
		}
	}
	unlock()

	if c.dirty && from != o.State {
		logging.L(ctx).Info("order transitioned",
			"role", o.Role, "from", from, "to", o.State, "funded", o.Funded)
	}
	s.finish(ctx, c)
	return o, nil
}

// create persists a new replica under its lock.
func (s *Service) create(ctx context.Context, o *Order, fn func(ctx context.Context, c *change) error) (*Order, error) {
	unlock, err := s.locks.LockContext(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	ctx = s.withOrder(ctx, o.ID)
	c := &change{order: o, now: s.now(), self: s.self, dirty: true, watch: true}
	if fn != nil {
		if err := fn(ctx, c); err != nil {
			unlock()
			return nil, err
		}
	}
	if err := s.store.Create(ctx, o); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	transitionsTotal.WithLabelValues(string(o.Role), string(o.History[0].To)).Inc()
	logging.L(ctx).Info("order created",
		"role", o.Role, "state", o.State, "paymentAddress", o.PaymentAddress(), "amount", o.Amount())
	s.finish(ctx, c)
	return o, nil
}

// withOrder tags ctx with the order and, unless the caller brought its
// own, the service logger.
func (s *Service) withOrder(ctx context.Context, id string) context.Context {
	if logging.FromContext(ctx) == slog.Default() {
		ctx = logging.WithLogger(ctx, s.logger)
	}
	return logging.WithOrderID(ctx, id)
}

func (s *Service) finish(ctx context.Context, c *change) {
	o := c.order
	if c.dirty {
		s.publish(o)
	}
	if s.watcher != nil {
		if c.watch && !o.Settled() {
			if err := s.watcher.Watch(ctx, o.PaymentAddress()); err != nil {
				logging.L(ctx).Warn("watch payment address failed", "address", o.PaymentAddress(), "error", err)
			}
		}
		if c.hint {
			s.watcher.Hint(o.PaymentAddress())
		}
	}
	for _, m := range c.sends {
		s.deliver(ctx, o.ID, m)
	}
}

func (s *Service) deliver(ctx context.Context, orderID string, m outbound) bool {
	delivered, err := s.sender.Send(ctx, m.peer, m.kind, orderID, m.payload)
	if err != nil {
		logging.L(ctx).Warn("peer refused message",
			"peerId", m.peer, "kind", m.kind, "error", err)
		return false
	}
	return delivered
}

// -----------------------------------------------------------------------------
// Escrow helpers
// -----------------------------------------------------------------------------

func (s *Service) params(c *Contract) (escrow.Params, error) {
	buyer, err := escrow.ParsePeerID(c.BuyerID)
	if err != nil {
		return escrow.Params{}, err
	}
	vendor, err := escrow.ParsePeerID(c.VendorID)
	if err != nil {
		return escrow.Params{}, err
	}
	cc, err := hex.DecodeString(c.Chaincode)
	if err != nil {
		return escrow.Params{}, fmt.Errorf("%w: bad chaincode", ErrInvalidRequest)
	}
	p := escrow.Params{
		Buyer:     buyer,
		Vendor:    vendor,
		Amount:    c.Amount,
		Chaincode: cc,
		Threshold: c.Threshold,
	}
	if c.ModeratorID != "" {
		if p.Moderator, err = escrow.ParsePeerID(c.ModeratorID); err != nil {
			return escrow.Params{}, err
		}
	}
	return p, nil
}

// childKey derives this node's signing key for the order's escrow.
func (s *Service) childKey(o *Order) (*ecdsa.PrivateKey, error) {
	cc, err := hex.DecodeString(o.Contract.Chaincode)
	if err != nil {
		return nil, fmt.Errorf("%w: bad chaincode", ErrInvalidRequest)
	}
	return escrow.ChildPrivateKey(s.key, cc, o.Contract.Amount)
}

// vendorPayoutAddress is where released funds go: the address named in
// the fulfillment, else the vendor's child address for the order.
func (s *Service) vendorPayoutAddress(o *Order) (string, error) {
	if o.Fulfillment != nil && o.Fulfillment.PayoutAddress != "" {
		return o.Fulfillment.PayoutAddress, nil
	}
	p, err := s.params(&o.Contract)
	if err != nil {
		return "", err
	}
	return escrow.DirectAddress(p.Vendor, p.Chaincode, p.Amount)
}

// releasable is the escrowed value left after the release fee.
func (s *Service) releasable(o *Order) (uint64, error) {
	fee := s.ledger.EstimateFee(chain.FeeNormal)
	held := o.Escrowed()
	if held <= fee {
		return 0, fmt.Errorf("%w: escrow holds %d, fee is %d", ErrNothingEscrowed, held, fee)
	}
	return held - fee, nil
}

// signPayout builds a payout of the releasable value to a single address
// and signs it with this node's child key.
func (s *Service) signPayout(o *Order, to string) (*SignedPayout, error) {
	amount, err := s.releasable(o)
	if err != nil {
		return nil, err
	}
	p := escrow.Payout{
		EscrowAddress: o.Script.Address,
		Outputs:       []escrow.Output{{Address: to, Amount: amount}},
	}
	return s.sign(o, p)
}

func (s *Service) sign(o *Order, p escrow.Payout) (*SignedPayout, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	key, err := s.childKey(o)
	if err != nil {
		return nil, err
	}
	sig, err := escrow.SignPayout(key, p)
	if err != nil {
		return nil, err
	}
	return &SignedPayout{Payout: p, Signatures: []escrow.Signature{sig}}, nil
}

// cosign adds this node's signature to sp and broadcasts the release.
func (s *Service) cosign(ctx context.Context, o *Order, sp *SignedPayout) (string, error) {
	mine, err := s.sign(o, sp.Payout)
	if err != nil {
		return "", err
	}
	sigs := escrow.MergeSignatures(sp.Signatures, mine.Signatures...)
	if err := o.Script.VerifyPayout(sp.Payout, sigs); err != nil {
		return "", err
	}
	return s.release(ctx, o, chain.ReleaseRequest{Script: o.Script, Payout: sp.Payout, Signatures: sigs})
}

// sweep releases direct escrow with the vendor's child key.
func (s *Service) sweep(ctx context.Context, o *Order, to string) (*SignedPayout, string, error) {
	amount, err := s.releasable(o)
	if err != nil {
		return nil, "", err
	}
	key, err := s.childKey(o)
	if err != nil {
		return nil, "", err
	}
	p := escrow.Payout{
		EscrowAddress: o.Script.Address,
		Outputs:       []escrow.Output{{Address: to, Amount: amount}},
	}
	txid, err := s.release(ctx, o, chain.ReleaseRequest{Script: o.Script, Payout: p, SignerKey: key})
	if err != nil {
		return nil, "", err
	}
	return &SignedPayout{Payout: p}, txid, nil
}

func (s *Service) release(ctx context.Context, o *Order, req chain.ReleaseRequest) (string, error) {
	ctx, span := traces.StartSpan(ctx, "order.release",
		traces.OrderID(o.ID), traces.Address(o.Script.Address))
	defer span.End()

	txid, err := s.ledger.Release(ctx, req)
	if err != nil {
		return "", fmt.Errorf("release escrow %s: %w", o.Script.Address, err)
	}
	logging.L(ctx).Info("escrow released",
		"escrow", o.Script.Address, "txid", txid, "amount", req.Payout.Total())
	return txid, nil
}

// verifySigned checks every signature on sp is a valid owner signature,
// without requiring the threshold.
func verifySigned(o *Order, sp *SignedPayout) error {
	if err := validateSigned(sp, o.Script.Address); err != nil {
		return err
	}
	partial := o.Script
	partial.Threshold = 1
	return partial.VerifyPayout(sp.Payout, sp.Signatures)
}

// -----------------------------------------------------------------------------
// Ledger observations
// -----------------------------------------------------------------------------

// ApplyTransactions records txs seen at address against every order paying
// there. Sightings are idempotent by txid; a repeated sighting only updates
// confirmations.
func (s *Service) ApplyTransactions(ctx context.Context, address string, txs []chain.Tx) error {
	orders, err := s.store.ListByAddress(ctx, address)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range orders {
		_, err := s.update(ctx, o.ID, func(ctx context.Context, c *change) error {
			s.applyTxs(ctx, c, txs)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
		}
	}
	return errors.Join(errs...)
}

// refresh pulls the escrow's history from the ledger into the replica.
func (s *Service) refresh(ctx context.Context, c *change) error {
	txs, err := s.ledger.TransactionsFor(ctx, c.order.Script.Address)
	if err != nil {
		return err
	}
	s.applyTxs(ctx, c, txs)
	return nil
}

func (s *Service) applyTxs(ctx context.Context, c *change, txs []chain.Tx) {
	o := c.order
	for _, tx := range txs {
		if tx.TxID == "" || (tx.Address != "" && !sameAddress(tx.Address, o.Script.Address)) {
			continue
		}
		i := indexTx(o.Transactions, tx.TxID)
		if i < 0 {
			o.Transactions = append(o.Transactions, tx)
			c.touch()
			continue
		}
		known := &o.Transactions[i]
		if known.Confirmations != tx.Confirmations || known.Height != tx.Height {
			known.Confirmations = tx.Confirmations
			known.Height = tx.Height
			c.touch()
		}
	}

	if funded := o.Received() >= o.Amount(); funded != o.Funded {
		o.Funded = funded
		c.touch()
	}

	if o.Funded && (o.State == StatePending || o.State == StateConfirmed) {
		if err := c.move(StateFunded, "payment observed"); err == nil && o.Role == RoleBuyer {
			c.broadcast(messaging.KindOrderPayment, PaymentMessage{TxID: firstInbound(o), Amount: o.Received()})
		}
	}

	if st := o.Settlement; st.Pending() {
		if id := outboundSince(o, st.After); id != "" {
			st.Observed = true
			if st.TxID == "" {
				st.TxID = id
			}
			c.touch()
		}
	}

	if o.State == StateDecided && outboundSince(o, 0) != "" {
		_ = c.move(StateResolved, "decided payout observed")
	}

	if o.Role == RoleVendor && (o.State == StateRejected || o.State == StateCanceled) {
		s.refundStranded(ctx, c)
	}
}

// refundStranded returns funds that reached a rejected or canceled order's
// escrow after it was closed.
func (s *Service) refundStranded(ctx context.Context, c *change) {
	o := c.order
	if _, err := s.releasable(o); err != nil {
		return
	}
	if o.Settlement.Pending() {
		return
	}
	if !o.Moderated() {
		sp, txid, err := s.sweep(ctx, o, o.Contract.RefundAddress)
		if err != nil {
			logging.L(ctx).Warn("stranded refund failed", "error", err)
			return
		}
		c.settle(&Settlement{Purpose: PurposeRefund, Payout: sp.Payout, TxID: txid})
		c.hint = true
		c.broadcast(messaging.KindRefund, RefundMessage{TxID: txid})
		return
	}
	sp, err := s.signPayout(o, o.Contract.RefundAddress)
	if err != nil {
		logging.L(ctx).Warn("stranded refund failed", "error", err)
		return
	}
	c.settle(&Settlement{Purpose: PurposeRefund, Payout: sp.Payout, Signatures: sp.Signatures})
	c.send(o.Contract.ModeratorID, messaging.KindRefund, RefundMessage{Refund: sp})
}

func indexTx(txs []chain.Tx, id string) int {
	for i := range txs {
		if txs[i].TxID == id {
			return i
		}
	}
	return -1
}

func firstInbound(o *Order) string {
	for _, tx := range o.Transactions {
		if tx.Value > 0 {
			return tx.TxID
		}
	}
	return ""
}

// outboundSince returns the first outgoing txid at or after index from.
func outboundSince(o *Order, from int) string {
	for i := from; i < len(o.Transactions); i++ {
		if o.Transactions[i].Value < 0 {
			return o.Transactions[i].TxID
		}
	}
	return ""
}
