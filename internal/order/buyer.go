package order

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/messaging"
	"github.com/mbd888/tradenode/internal/traces"
)

// ErrRejectedByPeer is returned when the vendor refuses a purchase outright.
var ErrRejectedByPeer = errors.New("order rejected by peer")

// ItemRequest names a listing and how many to buy.
type ItemRequest struct {
	ListingHash string `json:"listingHash"`
	Quantity    uint64 `json:"quantity"`
}

// PurchaseRequest is the buyer's order.
type PurchaseRequest struct {
	Items         []ItemRequest `json:"items"`
	ModeratorID   string        `json:"moderator,omitempty"`
	RefundAddress string        `json:"refundAddress,omitempty"`
	Threshold     int           `json:"threshold,omitempty"`
}

// PurchaseResult tells the buyer where to pay.
type PurchaseResult struct {
	OrderID        string `json:"orderId"`
	PaymentAddress string `json:"paymentAddress"`
	Amount         uint64 `json:"amount"`
	VendorOnline   bool   `json:"vendorOnline"`
}

// Purchase creates an order for listings published by one vendor and
// delivers it. An unreachable vendor leaves the order PENDING with the
// message queued; a vendor that acknowledges moves it to CONFIRMED.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidRequest)
	}
	if s.listings == nil {
		return nil, fmt.Errorf("%w: no listing store", ErrInvalidRequest)
	}

	contract := Contract{
		BuyerID:       s.self,
		ModeratorID:   req.ModeratorID,
		RefundAddress: req.RefundAddress,
		Threshold:     req.Threshold,
		Timestamp:     s.now().Truncate(timeResolution),
	}
	for _, it := range req.Items {
		if it.Quantity == 0 {
			return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
		}
		l, err := s.listings.Get(ctx, it.ListingHash)
		if err != nil {
			return nil, fmt.Errorf("resolve listing %s: %w", it.ListingHash, err)
		}
		if contract.VendorID == "" {
			contract.VendorID = l.VendorID
		} else if contract.VendorID != l.VendorID {
			return nil, fmt.Errorf("%w: items from more than one vendor", ErrInvalidRequest)
		}
		contract.Items = append(contract.Items, LineItem{
			ListingHash: it.ListingHash,
			Quantity:    it.Quantity,
			UnitPrice:   l.Price,
		})
	}
	amount, err := ItemsTotal(contract.Items)
	if err != nil {
		return nil, err
	}
	contract.Amount = amount
	if contract.VendorID == s.self {
		return nil, fmt.Errorf("%w: cannot buy own listing", ErrInvalidRequest)
	}

	if contract.ModeratorID != "" {
		if s.moderators == nil {
			return nil, fmt.Errorf("%w: no moderator registry", ErrInvalidRequest)
		}
		if _, err := s.moderators.Resolve(ctx, contract.ModeratorID); err != nil {
			return nil, fmt.Errorf("resolve moderator %s: %w", contract.ModeratorID, err)
		}
	}
	if contract.RefundAddress == "" {
		addr, err := s.ledger.NewAddress(ctx)
		if err != nil {
			return nil, fmt.Errorf("refund address: %w", err)
		}
		contract.RefundAddress = addr
	}

	cc := make([]byte, escrow.ChaincodeSize)
	if _, err := rand.Read(cc); err != nil {
		return nil, fmt.Errorf("chaincode: %w", err)
	}
	contract.Chaincode = hex.EncodeToString(cc)

	p, err := s.params(&contract)
	if err != nil {
		return nil, err
	}
	script, err := s.builder.Build(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	contract.Threshold = script.Threshold
	contract.PaymentAddress = script.Address
	if err := contract.Validate(); err != nil {
		return nil, err
	}
	id, err := contract.ID()
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "order.Purchase",
		traces.OrderID(id), traces.PeerID(contract.VendorID), traces.Address(script.Address))
	defer span.End()

	now := s.now()
	o := &Order{
		ID:        id,
		Role:      RoleBuyer,
		State:     StatePending,
		Contract:  contract,
		Script:    *script,
		History:   []Transition{{To: StatePending, Cause: "purchase", At: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.create(ctx, o, nil); err != nil {
		return nil, err
	}

	ctx = s.withOrder(ctx, id)
	msg := OrderMessage{Contract: contract}
	delivered, sendErr := s.sender.Send(ctx, contract.VendorID, messaging.KindOrder, id, msg)
	if sendErr != nil {
		reason := sendErr.Error()
		if rej, ok := messaging.AsReject(sendErr); ok {
			reason = rej.Reason
		}
		_, _ = s.update(ctx, id, func(ctx context.Context, c *change) error {
			if !CanTransition(c.order.State, StateRejected) {
				return nil
			}
			c.order.Rejection = &Rejection{Reason: reason, RejectedAt: c.now}
			return c.move(StateRejected, "vendor refused order")
		})
		return nil, fmt.Errorf("%w: %s", ErrRejectedByPeer, reason)
	}

	if contract.Moderated() {
		s.deliver(ctx, id, outbound{peer: contract.ModeratorID, kind: messaging.KindOrder, payload: msg})
	}
	if delivered {
		if _, err := s.update(ctx, id, func(ctx context.Context, c *change) error {
			if !c.order.VendorOnline {
				c.order.VendorOnline = true
				c.touch()
			}
			if c.order.State == StatePending {
				return c.move(StateConfirmed, "vendor acknowledged")
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	return &PurchaseResult{
		OrderID:        id,
		PaymentAddress: script.Address,
		Amount:         contract.Amount,
		VendorOnline:   delivered,
	}, nil
}

// Cancel withdraws an order the vendor has not committed to. A funded
// moderated order is refunded by the buyer's signature plus the
// moderator's; funded direct orders can only be refunded by the vendor.
func (s *Service) Cancel(ctx context.Context, id string) (*Order, error) {
	return s.update(ctx, id, func(ctx context.Context, c *change) error {
		o := c.order
		if o.Role != RoleBuyer {
			return ErrUnauthorized
		}
		if err := s.refresh(ctx, c); err != nil {
			return fmt.Errorf("check escrow before cancel: %w", err)
		}
		if !CanTransition(o.State, StateCanceled) {
			return fmt.Errorf("%w: cannot cancel a %s order", ErrInvalidTransition, o.State)
		}
		if o.State == StateFunded && (!o.Moderated() || o.VendorAccepted) {
			return fmt.Errorf("%w: funded order was accepted by the vendor or is not moderated", ErrInvalidTransition)
		}

		msg := CancelMessage{}
		if o.Moderated() {
			if _, err := s.releasable(o); err == nil {
				sp, err := s.signPayout(o, o.Contract.RefundAddress)
				if err != nil {
					return err
				}
				c.settle(&Settlement{Purpose: PurposeRefund, Payout: sp.Payout, Signatures: sp.Signatures})
				msg.Refund = sp
			}
		}
		if err := c.move(StateCanceled, "buyer canceled"); err != nil {
			return err
		}
		c.broadcast(messaging.KindOrderCancel, msg)
		return nil
	})
}

// Complete closes a fulfilled order with a review. For moderated orders
// the buyer signs the release of escrow to the vendor.
func (s *Service) Complete(ctx context.Context, id string, review Review) (*Order, error) {
	if review.Rating < 1 || review.Rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidRequest)
	}
	return s.update(ctx, id, func(ctx context.Context, c *change) error {
		o := c.order
		if o.Role != RoleBuyer {
			return ErrUnauthorized
		}
		if !CanTransition(o.State, StateComplete) {
			return fmt.Errorf("%w: cannot complete a %s order", ErrInvalidTransition, o.State)
		}

		msg := CompletionMessage{Review: review}
		if o.Moderated() {
			to, err := s.vendorPayoutAddress(o)
			if err != nil {
				return err
			}
			sp, err := s.signPayout(o, to)
			if err != nil {
				return err
			}
			c.settle(&Settlement{Purpose: PurposeCompletion, Payout: sp.Payout, Signatures: sp.Signatures})
			msg.Payout = sp
		}
		o.Completion = &Completion{Review: review, CompletedAt: c.now}
		if err := c.move(StateComplete, "buyer completed"); err != nil {
			return err
		}
		c.broadcast(messaging.KindOrderCompletion, msg)
		return nil
	})
}
