package order

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/messaging"
)

// SignedPayout is a payout plus the owner signatures collected so far.
type SignedPayout struct {
	Payout     escrow.Payout      `json:"payout"`
	Signatures []escrow.Signature `json:"signatures"`
}

// OrderMessage carries the purchase contract to vendor and moderator.
type OrderMessage struct {
	Contract Contract `json:"contract"`
}

// ConfirmationMessage acknowledges an order. Accepted is set when the
// vendor commits to it rather than merely having received it.
type ConfirmationMessage struct {
	Accepted bool `json:"accepted"`
}

// RejectMessage declines an order. When the order was funded it carries
// the refund: a vendor-signed payout for moderated escrow, or the txid of
// the refund the vendor already broadcast.
type RejectMessage struct {
	Reason     string        `json:"reason"`
	Refund     *SignedPayout `json:"refund,omitempty"`
	RefundTxID string        `json:"refundTxid,omitempty"`
}

// PaymentMessage tells the other parties the buyer has funded the order.
type PaymentMessage struct {
	TxID   string `json:"txid"`
	Amount uint64 `json:"amount"`
}

// FulfillmentMessage is the vendor's delivery notice.
type FulfillmentMessage struct {
	Details       json.RawMessage `json:"details,omitempty"`
	PayoutAddress string          `json:"payoutAddress"`
}

// CompletionMessage closes the order. Payout is the buyer-signed release
// to the vendor for moderated escrow.
type CompletionMessage struct {
	Review Review        `json:"review"`
	Payout *SignedPayout `json:"payout,omitempty"`
}

// CancelMessage withdraws an order. Refund is the buyer-signed payout
// for a funded moderated order.
type CancelMessage struct {
	Refund *SignedPayout `json:"refund,omitempty"`
}

// RefundMessage either asks the moderator to cosign a refund or reports
// one that was broadcast.
type RefundMessage struct {
	Refund *SignedPayout `json:"refund,omitempty"`
	TxID   string        `json:"txid,omitempty"`
}

// DisputeOpenMessage escalates an order to its moderator.
type DisputeOpenMessage struct {
	Claim string `json:"claim"`
}

// DisputeCloseMessage is the moderator's decision and its signed payout.
type DisputeCloseMessage struct {
	BuyerPercent int          `json:"buyerPercent"`
	Resolution   string       `json:"resolution"`
	Payout       SignedPayout `json:"payout"`
}

// targets maps each message kind to the state it moves the receiver
// towards. Kinds absent here are hints that never transition.
var targets = map[messaging.Kind]State{
	messaging.KindOrderConfirmation: StateConfirmed,
	messaging.KindOrderReject:       StateRejected,
	messaging.KindOrderFulfillment:  StateFulfilled,
	messaging.KindOrderCompletion:   StateComplete,
	messaging.KindOrderCancel:       StateCanceled,
	messaging.KindDisputeOpen:       StateDisputed,
	messaging.KindDisputeClose:      StateDecided,
}

// senders lists which roles may send each kind.
var senders = map[messaging.Kind][]Role{
	messaging.KindOrder:             {RoleBuyer},
	messaging.KindOrderConfirmation: {RoleVendor},
	messaging.KindOrderReject:       {RoleVendor},
	messaging.KindOrderPayment:      {RoleBuyer},
	messaging.KindOrderFulfillment:  {RoleVendor},
	messaging.KindOrderCompletion:   {RoleBuyer},
	messaging.KindOrderCancel:       {RoleBuyer},
	messaging.KindRefund:            {RoleBuyer, RoleVendor, RoleModerator},
	messaging.KindDisputeOpen:       {RoleBuyer, RoleVendor},
	messaging.KindDisputeClose:      {RoleModerator},
}

func checkSender(kind messaging.Kind, role Role) error {
	for _, r := range senders[kind] {
		if r == role {
			return nil
		}
	}
	return messaging.Reject("%s may not send %s", role, kind)
}

func validateSigned(sp *SignedPayout, escrowAddress string) error {
	if sp == nil {
		return fmt.Errorf("missing payout")
	}
	if err := sp.Payout.Validate(); err != nil {
		return err
	}
	if !sameAddress(sp.Payout.EscrowAddress, escrowAddress) {
		return fmt.Errorf("payout spends %s, escrow is %s", sp.Payout.EscrowAddress, escrowAddress)
	}
	if len(sp.Signatures) == 0 {
		return fmt.Errorf("payout carries no signatures")
	}
	return nil
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
