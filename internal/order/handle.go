package order

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradenode/internal/chain"
	"github.com/mbd888/tradenode/internal/listing"
	"github.com/mbd888/tradenode/internal/logging"
	"github.com/mbd888/tradenode/internal/messaging"
	"github.com/mbd888/tradenode/internal/traces"
)

type messageHandler func(s *Service, ctx context.Context, c *change, env *messaging.Envelope) error

var handlers = map[messaging.Kind]messageHandler{
	messaging.KindOrderConfirmation: (*Service).onConfirmation,
	messaging.KindOrderReject:       (*Service).onReject,
	messaging.KindOrderPayment:      (*Service).onPayment,
	messaging.KindOrderFulfillment:  (*Service).onFulfillment,
	messaging.KindOrderCompletion:   (*Service).onCompletion,
	messaging.KindOrderCancel:       (*Service).onCancel,
	messaging.KindRefund:            (*Service).onRefund,
	messaging.KindDisputeOpen:       (*Service).onDisputeOpen,
	messaging.KindDisputeClose:      (*Service).onDisputeClose,
}

// HandleMessage applies a verified peer message to the local replica.
// Messages whose effect is already reflected are acknowledged without
// change. A replica that is merely behind answers with a retryable
// rejection; anything that can never apply is rejected permanently.
func (s *Service) HandleMessage(ctx context.Context, env *messaging.Envelope) error {
	ctx, span := traces.StartSpan(ctx, "order.HandleMessage",
		traces.OrderID(env.OrderID), traces.MessageKind(string(env.Kind)), traces.PeerID(env.Sender))
	defer span.End()
	ctx = s.withOrder(ctx, env.OrderID)

	var err error
	if env.Kind == messaging.KindOrder {
		err = s.onOrder(ctx, env)
	} else if h, ok := handlers[env.Kind]; !ok {
		err = messaging.Reject("unsupported message kind %s", env.Kind)
	} else {
		_, err = s.update(ctx, env.OrderID, func(ctx context.Context, c *change) error {
			role, ok := c.order.RoleOf(env.Sender)
			if !ok {
				return messaging.Reject("sender is not a party to the order")
			}
			if err := checkSender(env.Kind, role); err != nil {
				return err
			}
			return h(s, ctx, c, env)
		})
		if errors.Is(err, ErrOrderNotFound) {
			err = messaging.Defer("unknown order %s", env.OrderID)
		}
	}
	return s.protocolError(ctx, env, err)
}

func (s *Service) protocolError(ctx context.Context, env *messaging.Envelope, err error) error {
	if err == nil {
		return nil
	}
	rej, ok := messaging.AsReject(err)
	if !ok {
		// Local failures (storage, ledger) say nothing about the message.
		rej = &messaging.RejectError{Reason: err.Error(), Retryable: true}
	}
	reason := "invalid"
	if rej.Retryable {
		reason = "behind"
	}
	protocolRejects.WithLabelValues(string(env.Kind), reason).Inc()
	logging.L(ctx).Warn("protocol message not applied",
		"kind", env.Kind, "peerId", env.Sender, "retryable", rej.Retryable, "reason", rej.Reason)
	return rej
}

// advance places the replica relative to target and reports whether the
// caller should apply the transition. A replica that is behind is first
// refreshed from the ledger, since the missing step is usually funding.
func (s *Service) advance(ctx context.Context, c *change, target State) (bool, error) {
	pos := Locate(c.order.State, target)
	if pos == PositionBehind {
		if err := s.refresh(ctx, c); err != nil {
			logging.L(ctx).Warn("ledger refresh failed", "error", err)
		}
		pos = Locate(c.order.State, target)
	}
	switch pos {
	case PositionApply:
		return true, nil
	case PositionApplied:
		return false, nil
	case PositionBehind:
		return false, messaging.Defer("order is %s, not yet ready for %s", c.order.State, target)
	}
	return false, messaging.Reject("order is %s and can never become %s", c.order.State, target)
}

// -----------------------------------------------------------------------------
// ORDER
// -----------------------------------------------------------------------------

func (s *Service) onOrder(ctx context.Context, env *messaging.Envelope) error {
	var msg OrderMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	ct := msg.Contract
	if ct.BuyerID != env.Sender {
		return messaging.Reject("order sent by %s names buyer %s", env.Sender, ct.BuyerID)
	}

	var role Role
	switch s.self {
	case ct.VendorID:
		role = RoleVendor
	case ct.ModeratorID:
		role = RoleModerator
	default:
		return messaging.Reject("not a party to this order")
	}
	if err := ct.Validate(); err != nil {
		return messaging.Reject("%v", err)
	}
	if id, err := ct.ID(); err != nil || id != env.OrderID {
		return messaging.Reject("order id does not match contract")
	}
	p, err := s.params(&ct)
	if err != nil {
		return messaging.Reject("%v", err)
	}
	script, err := s.builder.Verify(p, ct.PaymentAddress)
	if err != nil {
		return messaging.Reject("%v: %v", ErrAddressMismatch, err)
	}
	if script.Threshold != ct.Threshold {
		return messaging.Reject("threshold %d does not match escrow %d", ct.Threshold, script.Threshold)
	}
	if role == RoleVendor {
		if err := s.checkItems(ctx, &ct); err != nil {
			return err
		}
	}

	if _, err := s.store.Get(ctx, env.OrderID); err == nil {
		if role == RoleVendor {
			s.deliver(ctx, env.OrderID, outbound{peer: ct.BuyerID, kind: messaging.KindOrderConfirmation, payload: ConfirmationMessage{}})
		}
		return nil
	} else if !errors.Is(err, ErrOrderNotFound) {
		return err
	}

	now := s.now()
	o := &Order{
		ID:           env.OrderID,
		Role:         role,
		State:        StateConfirmed,
		Contract:     ct,
		Script:       *script,
		VendorOnline: true,
		History:      []Transition{{To: StateConfirmed, Cause: "order received", At: now}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = s.create(ctx, o, func(ctx context.Context, c *change) error {
		if err := s.refresh(ctx, c); err != nil {
			c.hint = true
		}
		if role == RoleVendor {
			c.broadcast(messaging.KindOrderConfirmation, ConfirmationMessage{})
		}
		return nil
	})
	if errors.Is(err, ErrOrderExists) {
		return nil
	}
	return err
}

// checkItems makes sure every line item is one of our listings at the
// listed price.
func (s *Service) checkItems(ctx context.Context, ct *Contract) error {
	if s.listings == nil {
		return nil
	}
	for _, it := range ct.Items {
		l, err := s.listings.Get(ctx, it.ListingHash)
		if errors.Is(err, listing.ErrNotFound) {
			return messaging.Reject("unknown listing %s", it.ListingHash)
		}
		if err != nil {
			return messaging.Defer("resolve listing %s: %v", it.ListingHash, err)
		}
		if l.VendorID != s.self {
			return messaging.Reject("listing %s belongs to another vendor", it.ListingHash)
		}
		if l.Price != it.UnitPrice {
			return messaging.Reject("listing %s costs %d, order says %d", it.ListingHash, l.Price, it.UnitPrice)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Vendor → buyer/moderator
// -----------------------------------------------------------------------------

func (s *Service) onConfirmation(ctx context.Context, c *change, env *messaging.Envelope) error {
	var msg ConfirmationMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	o := c.order
	if !o.VendorOnline {
		o.VendorOnline = true
		c.touch()
	}
	if msg.Accepted && !o.VendorAccepted {
		o.VendorAccepted = true
		c.touch()
	}
	apply, err := s.advance(ctx, c, StateConfirmed)
	if err != nil || !apply {
		return err
	}
	return c.move(StateConfirmed, "vendor acknowledged")
}

func (s *Service) onReject(ctx context.Context, c *change, env *messaging.Envelope) error {
	var msg RejectMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	apply, err := s.advance(ctx, c, StateRejected)
	if err != nil || !apply {
		return err
	}
	o := c.order

	switch {
	case o.Role == RoleModerator && msg.Refund != nil:
		if err := s.cosignRefund(ctx, c, msg.Refund); err != nil {
			return err
		}
	case msg.Refund != nil:
		if err := verifySigned(o, msg.Refund); err != nil {
			return messaging.Reject("refund: %v", err)
		}
		c.settle(&Settlement{Purpose: PurposeRefund, Payout: msg.Refund.Payout, Signatures: msg.Refund.Signatures})
	case msg.RefundTxID != "":
		c.settle(&Settlement{Purpose: PurposeRefund, TxID: msg.RefundTxID})
		if err := s.refresh(ctx, c); err != nil {
			c.hint = true
		}
	}

	o.Rejection = &Rejection{Reason: msg.Reason, RejectedAt: c.now}
	return c.move(StateRejected, "vendor rejected")
}

func (s *Service) onFulfillment(ctx context.Context, c *change, env *messaging.Envelope) error {
	var msg FulfillmentMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	if msg.PayoutAddress != "" && !common.IsHexAddress(msg.PayoutAddress) {
		return messaging.Reject("bad payout address %q", msg.PayoutAddress)
	}
	apply, err := s.advance(ctx, c, StateFulfilled)
	if err != nil || !apply {
		return err
	}
	o := c.order
	o.VendorAccepted = true
	o.Fulfillment = &Fulfillment{Details: msg.Details, PayoutAddress: msg.PayoutAddress, FulfilledAt: c.now}
	return c.move(StateFulfilled, "vendor fulfilled")
}

// -----------------------------------------------------------------------------
// Buyer → vendor/moderator
// -----------------------------------------------------------------------------

func (s *Service) onPayment(ctx context.Context, c *change, env *messaging.Envelope) error {
	var msg PaymentMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	if err := s.refresh(ctx, c); err != nil {
		c.hint = true
	}
	return nil
}

func (s *Service) onCompletion(ctx context.Context, c *change, env *messaging.Envelope) error {
	var msg CompletionMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	if msg.Review.Rating < 1 || msg.Review.Rating > 5 {
		return messaging.Reject("rating %d out of range", msg.Review.Rating)
	}
	apply, err := s.advance(ctx, c, StateComplete)
	if err != nil || !apply {
		return err
	}
	o := c.order

	if o.Role == RoleVendor {
		payTo, err := s.vendorPayoutAddress(o)
		if err != nil {
			return err
		}
		if err := s.refresh(ctx, c); err != nil {
			return messaging.Defer("check escrow: %v", err)
		}
		if o.Moderated() {
			if msg.Payout == nil {
				return messaging.Reject("completion of a moderated order needs a signed payout")
			}
			if !msg.Payout.Payout.PaysOnly(payTo) {
				return messaging.Reject("payout does not pay %s", payTo)
			}
			if err := verifySigned(o, msg.Payout); err != nil {
				return messaging.Reject("payout: %v", err)
			}
			txid, err := s.cosign(ctx, o, msg.Payout)
			if err != nil {
				return releaseError(err)
			}
			c.settle(&Settlement{Purpose: PurposeCompletion, Payout: msg.Payout.Payout, Signatures: msg.Payout.Signatures, TxID: txid})
		} else if _, err := s.releasable(o); err == nil {
			sp, txid, err := s.sweep(ctx, o, payTo)
			if err != nil {
				return releaseError(err)
			}
			c.settle(&Settlement{Purpose: PurposeCompletion, Payout: sp.Payout, TxID: txid})
		}
		if err := s.refresh(ctx, c); err != nil {
			c.hint = true
		}
	}

	o.Completion = &Completion{Review: msg.Review, CompletedAt: c.now}
	return c.move(StateComplete, "buyer completed")
}

func (s *Service) onCancel(ctx context.Context, c *change, env *messaging.Envelope) error {
	var msg CancelMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	apply, err := s.advance(ctx, c, StateCanceled)
	if err != nil || !apply {
		return err
	}
	o := c.order
	if o.State == StateFunded && (!o.Moderated() || o.VendorAccepted) {
		return messaging.Reject("funded order was accepted by the vendor or is not moderated")
	}

	if msg.Refund != nil {
		if o.Role == RoleModerator {
			if err := s.cosignRefund(ctx, c, msg.Refund); err != nil {
				return err
			}
		} else {
			if err := verifySigned(o, msg.Refund); err != nil {
				return messaging.Reject("refund: %v", err)
			}
			c.settle(&Settlement{Purpose: PurposeRefund, Payout: msg.Refund.Payout, Signatures: msg.Refund.Signatures})
		}
	}
	return c.move(StateCanceled, "buyer canceled")
}

// -----------------------------------------------------------------------------
// Refunds and disputes
// -----------------------------------------------------------------------------

func (s *Service) onRefund(ctx context.Context, c *change, env *messaging.Envelope) error {
	var msg RefundMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	o := c.order

	if msg.Refund != nil {
		if o.Role != RoleModerator {
			return messaging.Reject("only the moderator cosigns refunds")
		}
		switch o.State {
		case StateRejected, StateCanceled:
		default:
			if o.IsTerminal() {
				return messaging.Reject("order is %s, nothing to refund", o.State)
			}
			return messaging.Defer("order is %s, not yet closed", o.State)
		}
		return s.cosignRefund(ctx, c, msg.Refund)
	}

	if msg.TxID == "" {
		return messaging.Reject("refund message carries neither payout nor txid")
	}
	if st := o.Settlement; st.Pending() && st.Purpose == PurposeRefund && st.TxID == "" {
		st.TxID = msg.TxID
		c.touch()
	} else if st == nil {
		c.settle(&Settlement{Purpose: PurposeRefund, TxID: msg.TxID})
	}
	if err := s.refresh(ctx, c); err != nil {
		c.hint = true
	}
	return nil
}

// cosignRefund completes a refund signed by another owner. Only payouts
// that return everything to the buyer's refund address are signed.
func (s *Service) cosignRefund(ctx context.Context, c *change, sp *SignedPayout) error {
	o := c.order
	if err := verifySigned(o, sp); err != nil {
		return messaging.Reject("refund: %v", err)
	}
	if !sp.Payout.PaysOnly(o.Contract.RefundAddress) {
		return messaging.Reject("refund does not pay the buyer's refund address")
	}
	if err := s.refresh(ctx, c); err != nil {
		return messaging.Defer("check escrow: %v", err)
	}
	held := o.Escrowed()
	if held == 0 && outboundSince(o, 0) != "" {
		return nil
	}
	if held < sp.Payout.Total() {
		return messaging.Defer("escrow holds %d, refund needs %d", held, sp.Payout.Total())
	}

	txid, err := s.cosign(ctx, o, sp)
	if err != nil {
		return releaseError(err)
	}
	c.settle(&Settlement{Purpose: PurposeRefund, Payout: sp.Payout, Signatures: sp.Signatures, TxID: txid})
	if err := s.refresh(ctx, c); err != nil {
		c.hint = true
	}
	c.broadcast(messaging.KindRefund, RefundMessage{TxID: txid})
	return nil
}

func (s *Service) onDisputeOpen(ctx context.Context, c *change, env *messaging.Envelope) error {
	var msg DisputeOpenMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	o := c.order
	if !o.Moderated() {
		return messaging.Reject("%v", ErrNotModerated)
	}
	apply, err := s.advance(ctx, c, StateDisputed)
	if err != nil || !apply {
		return err
	}
	opener, _ := o.RoleOf(env.Sender)
	o.Dispute = &Dispute{OpenedBy: opener, Claim: msg.Claim, OpenedAt: c.now}
	return c.move(StateDisputed, "dispute opened by "+string(opener))
}

func (s *Service) onDisputeClose(ctx context.Context, c *change, env *messaging.Envelope) error {
	var msg DisputeCloseMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	apply, err := s.advance(ctx, c, StateDecided)
	if err != nil || !apply {
		return err
	}
	o := c.order
	if err := s.checkDecision(o, &msg); err != nil {
		return messaging.Reject("dispute decision: %v", err)
	}

	if o.Dispute == nil {
		o.Dispute = &Dispute{}
	}
	decided := c.now
	o.Dispute.BuyerPercent = msg.BuyerPercent
	o.Dispute.Resolution = msg.Resolution
	o.Dispute.DecidedAt = &decided
	c.settle(&Settlement{Purpose: PurposeDispute, Payout: msg.Payout.Payout, Signatures: msg.Payout.Signatures})
	o.Settlement.After = 0
	if err := c.move(StateDecided, "moderator decided"); err != nil {
		return err
	}
	if err := s.refresh(ctx, c); err != nil {
		c.hint = true
	}
	return nil
}

func releaseError(err error) error {
	if chain.IsTransient(err) {
		return messaging.Defer("release: %v", err)
	}
	return messaging.Reject("release: %v", err)
}
