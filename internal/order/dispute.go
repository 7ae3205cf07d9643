package order

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/mbd888/tradenode/internal/chain"
	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/messaging"
)

// OpenDispute escalates a funded moderated order to its moderator.
func (s *Service) OpenDispute(ctx context.Context, id, claim string) (*Order, error) {
	if claim == "" {
		return nil, fmt.Errorf("%w: claim is required", ErrInvalidRequest)
	}
	return s.update(ctx, id, func(ctx context.Context, c *change) error {
		o := c.order
		if o.Role != RoleBuyer && o.Role != RoleVendor {
			return ErrUnauthorized
		}
		if !o.Moderated() {
			return ErrNotModerated
		}
		if !CanTransition(o.State, StateDisputed) {
			return fmt.Errorf("%w: cannot dispute a %s order", ErrInvalidTransition, o.State)
		}
		o.Dispute = &Dispute{OpenedBy: o.Role, Claim: claim, OpenedAt: c.now}
		if err := c.move(StateDisputed, "dispute opened by "+string(o.Role)); err != nil {
			return err
		}
		c.broadcast(messaging.KindDisputeOpen, DisputeOpenMessage{Claim: claim})
		return nil
	})
}

// CloseDispute is the moderator's decision: buyerPercent of the escrow
// goes back to the buyer and the rest to the vendor. The moderator signs
// the split; either party's signature then completes it.
func (s *Service) CloseDispute(ctx context.Context, id string, buyerPercent int, resolution string) (*Order, error) {
	if buyerPercent < 0 || buyerPercent > 100 {
		return nil, fmt.Errorf("%w: buyer percent must be within 0..100", ErrInvalidRequest)
	}
	return s.update(ctx, id, func(ctx context.Context, c *change) error {
		o := c.order
		if o.Role != RoleModerator {
			return ErrUnauthorized
		}
		if !CanTransition(o.State, StateDecided) {
			return fmt.Errorf("%w: cannot decide a %s order", ErrInvalidTransition, o.State)
		}
		if err := s.refresh(ctx, c); err != nil {
			return fmt.Errorf("check escrow before decision: %w", err)
		}
		payout, err := s.splitPayout(o, buyerPercent)
		if err != nil {
			return err
		}
		sp, err := s.sign(o, payout)
		if err != nil {
			return err
		}

		if o.Dispute == nil {
			o.Dispute = &Dispute{}
		}
		decided := c.now
		o.Dispute.BuyerPercent = buyerPercent
		o.Dispute.Resolution = resolution
		o.Dispute.DecidedAt = &decided
		c.settle(&Settlement{Purpose: PurposeDispute, Payout: sp.Payout, Signatures: sp.Signatures})
		o.Settlement.After = 0
		if err := c.move(StateDecided, "moderator decided"); err != nil {
			return err
		}
		c.broadcast(messaging.KindDisputeClose, DisputeCloseMessage{
			BuyerPercent: buyerPercent,
			Resolution:   resolution,
			Payout:       *sp,
		})
		return nil
	})
}

func (s *Service) splitPayout(o *Order, buyerPercent int) (escrow.Payout, error) {
	total, err := s.releasable(o)
	if err != nil {
		return escrow.Payout{}, err
	}
	vendorAddr, err := s.vendorPayoutAddress(o)
	if err != nil {
		return escrow.Payout{}, err
	}
	toBuyer := percentOf(total, buyerPercent)
	toVendor := total - toBuyer

	p := escrow.Payout{EscrowAddress: o.Script.Address}
	if toBuyer > 0 {
		p.Outputs = append(p.Outputs, escrow.Output{Address: o.Contract.RefundAddress, Amount: toBuyer})
	}
	if toVendor > 0 {
		p.Outputs = append(p.Outputs, escrow.Output{Address: vendorAddr, Amount: toVendor})
	}
	return p, nil
}

// ReleaseDecided adds the caller's signature to the moderator's decision
// and broadcasts it. Every node moves to RESOLVED once the payout shows
// up on the ledger.
func (s *Service) ReleaseDecided(ctx context.Context, id string) (*Order, error) {
	return s.update(ctx, id, func(ctx context.Context, c *change) error {
		o := c.order
		if o.Role != RoleBuyer && o.Role != RoleVendor {
			return ErrUnauthorized
		}
		if o.State != StateDecided {
			return fmt.Errorf("%w: order is %s, not decided", ErrInvalidTransition, o.State)
		}
		st := o.Settlement
		if st == nil || st.Purpose != PurposeDispute {
			return ErrPayoutNotAvailable
		}
		txid, err := s.cosign(ctx, o, &SignedPayout{Payout: st.Payout, Signatures: st.Signatures})
		if err != nil {
			return err
		}
		st.TxID = txid
		c.touch()
		if err := s.refresh(ctx, c); err != nil {
			c.hint = true
		}
		return nil
	})
}

// checkDecision verifies a moderator's split against the local view of
// the escrow before it is stored.
func (s *Service) checkDecision(o *Order, msg *DisputeCloseMessage) error {
	if msg.BuyerPercent < 0 || msg.BuyerPercent > 100 {
		return fmt.Errorf("buyer percent %d out of range", msg.BuyerPercent)
	}
	if err := verifySigned(o, &msg.Payout); err != nil {
		return err
	}
	var toBuyer uint64
	for _, out := range msg.Payout.Payout.Outputs {
		if sameAddress(out.Address, o.Contract.RefundAddress) {
			toBuyer += out.Amount
		}
	}
	total := msg.Payout.Payout.Total()
	if want := percentOf(total, msg.BuyerPercent); toBuyer != want {
		return fmt.Errorf("payout gives buyer %d of %d, decision says %d%%", toBuyer, total, msg.BuyerPercent)
	}
	if fee, held := s.ledger.EstimateFee(chain.FeeNormal), o.Received(); total > held || fee > held-total {
		return fmt.Errorf("payout of %d exceeds escrow of %d", total, o.Received())
	}
	return nil
}

// percentOf is total*percent/100 for percent in [0, 100], computed in 128
// bits so large escrows do not wrap.
func percentOf(total uint64, percent int) uint64 {
	hi, lo := bits.Mul64(total, uint64(percent))
	q, _ := bits.Div64(hi, lo, 100)
	return q
}
