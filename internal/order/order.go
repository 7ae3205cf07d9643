// Package order is the per-node order state machine.
//
// Every participant (buyer, vendor, optional moderator) keeps its own
// replica of an order and drives it from two independent inputs: signed
// peer messages and payment-chain observations of the order's escrow
// address. Replicas converge because both inputs are idempotent and the
// edge table below is the only ordering rule.
//
// Flow:
//  1. Buyer purchases → PENDING, or CONFIRMED once the vendor acknowledges
//  2. Funds arrive at the escrow address → FUNDED on every node watching it
//  3. Vendor fulfills → FULFILLED
//  4. Buyer completes with a review → COMPLETE (moderated: funds released
//     to the vendor by buyer+vendor signatures)
//
// Escape hatches: the vendor may reject (refunding if funded), the buyer may
// cancel while the vendor has not committed, and moderated orders may be
// disputed and decided by the moderator.
package order

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/mbd888/tradenode/internal/canonhash"
	"github.com/mbd888/tradenode/internal/chain"
	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/pagination"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderExists        = errors.New("order already exists")
	ErrInvalidTransition  = errors.New("invalid order state for this operation")
	ErrUnauthorized       = errors.New("not authorized for this order operation")
	ErrInvalidRequest     = errors.New("invalid order request")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAddressMismatch    = errors.New("payment address mismatch")
	ErrNotModerated       = errors.New("operation requires a moderated order")
	ErrNothingEscrowed    = errors.New("no funds held in escrow")
	ErrPayoutNotAvailable = errors.New("no payout awaiting signature")
)

// State is where an order sits in its lifecycle.
type State string

const (
	StatePending   State = "PENDING"
	StateConfirmed State = "CONFIRMED"
	StateFunded    State = "FUNDED"
	StateFulfilled State = "FULFILLED"
	StateComplete  State = "COMPLETE"
	StateRejected  State = "REJECTED"
	StateCanceled  State = "CANCELED"
	StateDisputed  State = "DISPUTED"
	StateDecided   State = "DECIDED"
	StateResolved  State = "RESOLVED"
)

// ParseState accepts a state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := edges[st]; !ok {
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, s)
	}
	return st, nil
}

// Contract timestamps are kept at second resolution so every node hashes
// the same bytes.
const timeResolution = time.Second

// Role is the local node's part in an order.
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleVendor    Role = "vendor"
	RoleModerator Role = "moderator"
)

// ParseRole accepts a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleBuyer, RoleVendor, RoleModerator:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, s)
}

// LineItem is one purchased listing.
type LineItem struct {
	ListingHash string `json:"listingHash"`
	Quantity    uint64 `json:"quantity"`
	UnitPrice   uint64 `json:"unitPrice"`
}

// Contract is the purchase agreement the buyer signs and sends. Its hash is
// the order id, so every field here is immutable.
type Contract struct {
	BuyerID        string     `json:"buyerId"`
	VendorID       string     `json:"vendorId"`
	ModeratorID    string     `json:"moderatorId,omitempty"`
	Items          []LineItem `json:"items"`
	Amount         uint64     `json:"amount"`
	Chaincode      string     `json:"chaincode"`
	RefundAddress  string     `json:"refundAddress"`
	Threshold      int        `json:"threshold"`
	PaymentAddress string     `json:"paymentAddress"`
	Timestamp      time.Time  `json:"timestamp"`
}

// ID derives the order id from the contract.
func (c *Contract) ID() (string, error) {
	id, _, err := canonhash.SumObject(c)
	return id, err
}

// Moderated reports whether funds sit in multisig escrow.
func (c *Contract) Moderated() bool {
	return c.ModeratorID != ""
}

// ListingHash is the first item's listing.
func (c *Contract) ListingHash() string {
	if len(c.Items) == 0 {
		return ""
	}
	return c.Items[0].ListingHash
}

// Validate checks the contract is internally consistent.
func (c *Contract) Validate() error {
	switch {
	case c.BuyerID == "" || c.VendorID == "":
		return fmt.Errorf("%w: buyer and vendor are required", ErrInvalidRequest)
	case c.BuyerID == c.VendorID:
		return fmt.Errorf("%w: buyer and vendor must differ", ErrInvalidRequest)
	case c.ModeratorID != "" && (c.ModeratorID == c.BuyerID || c.ModeratorID == c.VendorID):
		return fmt.Errorf("%w: moderator must be a third party", ErrInvalidRequest)
	case len(c.Items) == 0:
		return fmt.Errorf("%w: no items", ErrInvalidRequest)
	case c.Amount == 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case c.RefundAddress == "" || c.PaymentAddress == "":
		return fmt.Errorf("%w: refund and payment addresses are required", ErrInvalidRequest)
	}
	for _, it := range c.Items {
		if it.Quantity == 0 || it.UnitPrice == 0 {
			return fmt.Errorf("%w: item %s has no quantity or price", ErrInvalidRequest, it.ListingHash)
		}
	}
	total, err := ItemsTotal(c.Items)
	if err != nil {
		return err
	}
	if total != c.Amount {
		return fmt.Errorf("%w: items total %d, contract says %d", ErrInvalidRequest, total, c.Amount)
	}
	if raw, err := hex.DecodeString(c.Chaincode); err != nil || len(raw) != escrow.ChaincodeSize {
		return fmt.Errorf("%w: bad chaincode", ErrInvalidRequest)
	}
	return nil
}

// ItemsTotal sums quantity times unit price over items. It fails rather
// than wrap when the total does not fit in uint64.
func ItemsTotal(items []LineItem) (uint64, error) {
	var total uint64
	for _, it := range items {
		hi, line := bits.Mul64(it.Quantity, it.UnitPrice)
		if hi != 0 {
			return 0, fmt.Errorf("%w: item %s total overflows", ErrInvalidRequest, it.ListingHash)
		}
		sum, carry := bits.Add64(total, line, 0)
		if carry != 0 {
			return 0, fmt.Errorf("%w: order total overflows", ErrInvalidRequest)
		}
		total = sum
	}
	return total, nil
}

// Fulfillment is the vendor's delivery notice.
type Fulfillment struct {
	Details       json.RawMessage `json:"details,omitempty"`
	PayoutAddress string          `json:"payoutAddress,omitempty"`
	FulfilledAt   time.Time       `json:"fulfilledAt"`
}

// Review is the buyer's completion review.
type Review struct {
	Rating int    `json:"rating"`
	Text   string `json:"text,omitempty"`
}

// Completion closes a fulfilled order.
type Completion struct {
	Review      Review    `json:"review"`
	CompletedAt time.Time `json:"completedAt"`
}

// Rejection records why an order was declined.
type Rejection struct {
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejectedAt"`
}

// Dispute tracks a moderated disagreement.
type Dispute struct {
	OpenedBy     Role       `json:"openedBy"`
	Claim        string     `json:"claim"`
	OpenedAt     time.Time  `json:"openedAt"`
	BuyerPercent int        `json:"buyerPercent,omitempty"`
	Resolution   string     `json:"resolution,omitempty"`
	DecidedAt    *time.Time `json:"decidedAt,omitempty"`
}

// Settlement purposes.
const (
	PurposeRefund     = "refund"
	PurposeCompletion = "completion"
	PurposeDispute    = "dispute"
)

// Settlement is a payout out of escrow and the signatures gathered for it.
// Observed is set once an outgoing transaction recorded after the first
// After entries shows the payout reached the ledger.
type Settlement struct {
	Purpose    string             `json:"purpose"`
	Payout     escrow.Payout      `json:"payout"`
	Signatures []escrow.Signature `json:"signatures,omitempty"`
	TxID       string             `json:"txid,omitempty"`
	After      int                `json:"after"`
	Observed   bool               `json:"observed"`
}

// Pending reports whether the settlement is still waiting for the ledger.
func (st *Settlement) Pending() bool {
	return st != nil && !st.Observed
}

// Transition is one step in an order's history.
type Transition struct {
	From  State     `json:"from,omitempty"`
	To    State     `json:"to"`
	Cause string    `json:"cause"`
	At    time.Time `json:"at"`
}

// Order is one node's replica of an order.
type Order struct {
	ID             string        `json:"orderId"`
	Role           Role          `json:"role"`
	State          State         `json:"state"`
	Contract       Contract      `json:"contract"`
	Script         escrow.Script `json:"script"`
	Funded         bool          `json:"funded"`
	Transactions   []chain.Tx    `json:"transactions"`
	VendorOnline   bool          `json:"vendorOnline"`
	VendorAccepted bool          `json:"vendorAccepted"`
	Fulfillment    *Fulfillment  `json:"fulfillment,omitempty"`
	Completion     *Completion   `json:"completion,omitempty"`
	Rejection      *Rejection    `json:"rejection,omitempty"`
	Dispute        *Dispute      `json:"dispute,omitempty"`
	Settlement     *Settlement   `json:"settlement,omitempty"`
	History        []Transition  `json:"history"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// PaymentAddress is where the buyer pays.
func (o *Order) PaymentAddress() string {
	return o.Contract.PaymentAddress
}

// Amount is the price owed.
func (o *Order) Amount() uint64 {
	return o.Contract.Amount
}

// Moderated reports whether the order uses multisig escrow.
func (o *Order) Moderated() bool {
	return o.Contract.Moderated()
}

// Received sums inbound value recorded against the payment address.
func (o *Order) Received() uint64 {
	var in uint64
	for _, tx := range o.Transactions {
		if tx.Value > 0 {
			in += uint64(tx.Value)
		}
	}
	return in
}

// Escrowed is the value still sitting at the payment address.
func (o *Order) Escrowed() uint64 {
	net := chain.NetValue(o.Transactions)
	if net < 0 {
		return 0
	}
	return uint64(net)
}

// IsTerminal reports whether no further transition can happen.
func (o *Order) IsTerminal() bool {
	return IsTerminal(o.State)
}

// Settled reports whether the order needs no more ledger attention: it is
// terminal and nothing is left in escrow.
func (o *Order) Settled() bool {
	return o.IsTerminal() && o.Escrowed() == 0
}

// Participants lists the peer ids in the order other than self.
func (o *Order) Participants(self string) []string {
	var out []string
	for _, id := range []string{o.Contract.BuyerID, o.Contract.VendorID, o.Contract.ModeratorID} {
		if id != "" && id != self {
			out = append(out, id)
		}
	}
	return out
}

// RoleOf returns peer's role in the order.
func (o *Order) RoleOf(peer string) (Role, bool) {
	switch peer {
	case "":
		return "", false
	case o.Contract.BuyerID:
		return RoleBuyer, true
	case o.Contract.VendorID:
		return RoleVendor, true
	case o.Contract.ModeratorID:
		return RoleModerator, true
	}
	return "", false
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	raw, err := json.Marshal(o)
	if err != nil {
		panic("order: clone: " + err.Error())
	}
	var cp Order
	if err := json.Unmarshal(raw, &cp); err != nil {
		panic("order: clone: " + err.Error())
	}
	return &cp
}

// Filter narrows List. After skips everything up to and including the
// cursor position in newest-first order.
type Filter struct {
	Role  Role
	State State
	After *pagination.Cursor
	Limit int
}

func (f Filter) match(o *Order) bool {
	return (f.Role == "" || o.Role == f.Role) &&
		(f.State == "" || o.State == f.State) &&
		f.After.Precedes(o.CreatedAt, o.ID)
}

// Store persists order replicas.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	List(ctx context.Context, f Filter) ([]*Order, error)
	ListByAddress(ctx context.Context, address string) ([]*Order, error)
}
