package order

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mbd888/tradenode/internal/messaging"
)

// Confirm commits the vendor to an order. A PENDING order becomes
// CONFIRMED; a FUNDED one is marked accepted, which stops the buyer from
// canceling it unilaterally.
func (s *Service) Confirm(ctx context.Context, id string) (*Order, error) {
	return s.update(ctx, id, func(ctx context.Context, c *change) error {
		o := c.order
		if o.Role != RoleVendor {
			return ErrUnauthorized
		}
		switch o.State {
		case StatePending, StateConfirmed, StateFunded:
		default:
			return fmt.Errorf("%w: cannot confirm a %s order", ErrInvalidTransition, o.State)
		}
		if o.VendorAccepted {
			return nil
		}
		o.VendorAccepted = true
		c.touch()
		if o.State == StatePending {
			if err := c.move(StateConfirmed, "vendor confirmed"); err != nil {
				return err
			}
		}
		c.broadcast(messaging.KindOrderConfirmation, ConfirmationMessage{Accepted: true})
		return nil
	})
}

// Reject declines an order. If the escrow already holds funds they go
// back to the buyer: direct escrow is released with the vendor's key,
// moderated escrow gets the vendor's signature and the moderator
// completes the release when the rejection reaches it.
func (s *Service) Reject(ctx context.Context, id, reason string) (*Order, error) {
	return s.update(ctx, id, func(ctx context.Context, c *change) error {
		o := c.order
		if o.Role != RoleVendor {
			return ErrUnauthorized
		}
		if err := s.refresh(ctx, c); err != nil {
			return fmt.Errorf("check escrow before reject: %w", err)
		}
		if !CanTransition(o.State, StateRejected) {
			return fmt.Errorf("%w: cannot reject a %s order", ErrInvalidTransition, o.State)
		}

		msg := RejectMessage{Reason: reason}
		if _, err := s.releasable(o); err == nil {
			if o.Moderated() {
				sp, err := s.signPayout(o, o.Contract.RefundAddress)
				if err != nil {
					return err
				}
				c.settle(&Settlement{Purpose: PurposeRefund, Payout: sp.Payout, Signatures: sp.Signatures})
				msg.Refund = sp
			} else {
				c.settle(&Settlement{Purpose: PurposeRefund})
				sp, txid, err := s.sweep(ctx, o, o.Contract.RefundAddress)
				if err != nil {
					return err
				}
				o.Settlement.Payout = sp.Payout
				o.Settlement.TxID = txid
				msg.RefundTxID = txid
				if err := s.refresh(ctx, c); err != nil {
					c.hint = true
				}
			}
		}

		o.Rejection = &Rejection{Reason: reason, RejectedAt: c.now}
		if err := c.move(StateRejected, "vendor rejected"); err != nil {
			return err
		}
		c.broadcast(messaging.KindOrderReject, msg)
		return nil
	})
}

// Fulfill records delivery of a funded order and names the address the
// vendor wants to be paid at.
func (s *Service) Fulfill(ctx context.Context, id string, details json.RawMessage) (*Order, error) {
	return s.update(ctx, id, func(ctx context.Context, c *change) error {
		o := c.order
		if o.Role != RoleVendor {
			return ErrUnauthorized
		}
		if o.State == StatePending || o.State == StateConfirmed {
			if err := s.refresh(ctx, c); err != nil {
				return fmt.Errorf("check escrow before fulfill: %w", err)
			}
		}
		if !CanTransition(o.State, StateFulfilled) {
			return fmt.Errorf("%w: cannot fulfill a %s order", ErrInvalidTransition, o.State)
		}

		payTo, err := s.ledger.NewAddress(ctx)
		if err != nil {
			return fmt.Errorf("payout address: %w", err)
		}
		o.VendorAccepted = true
		o.Fulfillment = &Fulfillment{Details: details, PayoutAddress: payTo, FulfilledAt: c.now}
		if err := c.move(StateFulfilled, "vendor fulfilled"); err != nil {
			return err
		}
		c.broadcast(messaging.KindOrderFulfillment, FulfillmentMessage{Details: details, PayoutAddress: payTo})
		return nil
	})
}
