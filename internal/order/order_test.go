package order

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/tradenode/internal/chain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleContract() Contract {
	return Contract{
		BuyerID:        "02" + strings.Repeat("11", 32),
		VendorID:       "03" + strings.Repeat("22", 32),
		Items:          []LineItem{{ListingHash: "sha256:abc", Quantity: 2, UnitPrice: 500_000}},
		Amount:         1_000_000,
		Chaincode:      hex.EncodeToString(make([]byte, 32)),
		RefundAddress:  "0x00000000000000000000000000000000000000aa",
		Threshold:      1,
		PaymentAddress: "0x00000000000000000000000000000000000000bb",
		Timestamp:      testNow,
	}
}

func TestContract_IDIsDeterministic(t *testing.T) {
	a := sampleContract()
	b := sampleContract()
	idA, err := a.ID()
	if err != nil {
		t.Fatalf("ID failed: %v", err)
	}
	idB, _ := b.ID()
	if idA != idB {
		t.Fatalf("identical contracts hashed differently: %s vs %s", idA, idB)
	}
	if !strings.HasPrefix(idA, "sha256:") {
		t.Fatalf("expected sha256: prefix, got %s", idA)
	}

	// The id survives the wire.
	raw, _ := json.Marshal(a)
	var decoded Contract
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if id, _ := decoded.ID(); id != idA {
		t.Fatalf("id changed after round trip: %s vs %s", id, idA)
	}

	b.Chaincode = hex.EncodeToString([]byte(strings.Repeat("x", 32)))
	if idC, _ := b.ID(); idC == idA {
		t.Fatal("different chaincode produced the same id")
	}
}

func TestContract_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Contract)
	}{
		{"same parties", func(c *Contract) { c.VendorID = c.BuyerID }},
		{"moderator is vendor", func(c *Contract) { c.ModeratorID = c.VendorID }},
		{"no items", func(c *Contract) { c.Items = nil }},
		{"amount mismatch", func(c *Contract) { c.Amount = 999 }},
		{"zero quantity", func(c *Contract) { c.Items[0].Quantity = 0 }},
		{"short chaincode", func(c *Contract) { c.Chaincode = "abcd" }},
		{"no refund address", func(c *Contract) { c.RefundAddress = "" }},
		{"line total wraps", func(c *Contract) {
			c.Items[0].Quantity = 18_446_744_073_710
			c.Items[0].UnitPrice = 1_000_000
			c.Amount = c.Items[0].Quantity * c.Items[0].UnitPrice
		}},
		{"items sum wraps", func(c *Contract) {
			c.Items = []LineItem{
				{ListingHash: "sha256:abc", Quantity: 1, UnitPrice: math.MaxUint64},
				{ListingHash: "sha256:def", Quantity: 1, UnitPrice: 2},
			}
			c.Amount = 1
		}},
	}
	ok := sampleContract()
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid contract refused: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := sampleContract()
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestOrder_FundingAccounting(t *testing.T) {
	o := &Order{Contract: sampleContract(), State: StateRejected}
	o.Transactions = []chain.Tx{
		{TxID: "a", Value: 600_000},
		{TxID: "b", Value: 400_000},
	}
	if got := o.Received(); got != 1_000_000 {
		t.Fatalf("Received = %d", got)
	}
	if o.Settled() {
		t.Fatal("terminal order with escrowed funds reported settled")
	}
	o.Transactions = append(o.Transactions, chain.Tx{TxID: "c", Value: -1_000_000})
	if o.Escrowed() != 0 || !o.Settled() {
		t.Fatalf("expected settled order, escrowed %d", o.Escrowed())
	}
	if got := o.Received(); got != 1_000_000 {
		t.Fatalf("outgoing tx changed Received: %d", got)
	}
}

func TestOrder_Participants(t *testing.T) {
	o := &Order{Contract: sampleContract()}
	o.Contract.ModeratorID = "02" + strings.Repeat("33", 32)
	got := o.Participants(o.Contract.VendorID)
	if len(got) != 2 || got[0] != o.Contract.BuyerID || got[1] != o.Contract.ModeratorID {
		t.Fatalf("unexpected participants %v", got)
	}
	if r, ok := o.RoleOf(o.Contract.ModeratorID); !ok || r != RoleModerator {
		t.Fatalf("RoleOf(moderator) = %v, %v", r, ok)
	}
	if _, ok := o.RoleOf("someone"); ok {
		t.Fatal("stranger has a role")
	}
}

func TestOrder_CloneIsDeep(t *testing.T) {
	o := &Order{ID: "x", Contract: sampleContract(), Transactions: []chain.Tx{{TxID: "a", Value: 1}}}
	cp := o.Clone()
	cp.Transactions[0].Confirmations = 9
	cp.Contract.Items[0].Quantity = 7
	if o.Transactions[0].Confirmations != 0 || o.Contract.Items[0].Quantity != 2 {
		t.Fatal("clone shares memory with the original")
	}
}
