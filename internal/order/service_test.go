package order

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/tradenode/internal/chain"
	"github.com/mbd888/tradenode/internal/listing"
	"github.com/mbd888/tradenode/internal/messaging"
)

const fee = 1000 // chain.DefaultFees[FeeNormal]

func TestDirectOrder_HappyPath(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	h.fundWallet(buyer, testBudget)

	res := h.purchase(buyer, vendor, "")
	if !res.VendorOnline {
		t.Fatal("expected vendorOnline=true")
	}
	if res.Amount != testPrice {
		t.Fatalf("amount = %d", res.Amount)
	}
	b := h.expectState(buyer, res.OrderID, StateConfirmed)
	v := h.expectState(vendor, res.OrderID, StateConfirmed)
	if b.PaymentAddress() != res.PaymentAddress || v.PaymentAddress() != res.PaymentAddress {
		t.Fatalf("payment addresses differ: buyer %s vendor %s result %s", b.PaymentAddress(), v.PaymentAddress(), res.PaymentAddress)
	}
	if v.Role != RoleVendor || b.Role != RoleBuyer {
		t.Fatalf("roles: buyer %s vendor %s", b.Role, v.Role)
	}

	h.pay(buyer, res)
	h.scan(buyer, vendor)
	h.expectState(buyer, res.OrderID, StateFunded)
	if v := h.expectState(vendor, res.OrderID, StateFunded); !v.Funded {
		t.Fatal("vendor replica not funded")
	}

	if _, err := vendor.svc.Fulfill(h.ctx, res.OrderID, json.RawMessage(`{"tracking":"1Z999"}`)); err != nil {
		t.Fatalf("Fulfill failed: %v", err)
	}
	b = h.expectState(buyer, res.OrderID, StateFulfilled)
	if b.Fulfillment == nil || string(b.Fulfillment.Details) != `{"tracking":"1Z999"}` {
		t.Fatalf("fulfillment not recorded: %+v", b.Fulfillment)
	}

	if _, err := buyer.svc.Complete(h.ctx, res.OrderID, Review{Rating: 5, Text: "great"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	v = h.expectState(vendor, res.OrderID, StateComplete)
	if v.Completion == nil || v.Completion.Review.Rating != 5 {
		t.Fatalf("completion not recorded: %+v", v.Completion)
	}
	if got := h.ledger.NetBalance(res.PaymentAddress); got != 0 {
		t.Fatalf("escrow still holds %d", got)
	}
	if got := h.balance(vendor); got != testPrice-fee {
		t.Fatalf("vendor balance = %d, want %d", got, testPrice-fee)
	}

	h.scan(buyer)
	b = h.get(buyer, res.OrderID)
	want := []State{StateConfirmed, StateFunded, StateFulfilled, StateComplete}
	if !sameStates(visited(b), want) || !sameStates(visited(v), want) {
		t.Fatalf("replicas took different paths: buyer %v vendor %v", visited(b), visited(v))
	}
	if !b.Settled() {
		t.Fatal("buyer replica should be settled once the payout is seen")
	}
}

func TestPurchase_VendorOfflineConvergesAfterRestart(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(false)
	h.fundWallet(buyer, testBudget)

	res := h.purchase(buyer, vendor, "")
	if res.VendorOnline {
		t.Fatal("expected vendorOnline=false")
	}
	if b := h.expectState(buyer, res.OrderID, StatePending); b.VendorOnline {
		t.Fatal("buyer replica claims vendor online")
	}
	if _, err := vendor.svc.Get(h.ctx, res.OrderID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("offline vendor has the order: %v", err)
	}

	h.pay(buyer, res)
	h.scan(buyer)
	h.expectState(buyer, res.OrderID, StateFunded)

	h.online(vendor)
	buyer.msg.Flush(h.ctx)

	v := h.expectState(vendor, res.OrderID, StateFunded)
	if len(v.Transactions) != 1 || !v.Funded {
		t.Fatalf("vendor replica: %d txs, funded %v", len(v.Transactions), v.Funded)
	}
	if b := h.expectState(buyer, res.OrderID, StateFunded); !b.VendorOnline {
		t.Fatal("buyer never heard from the vendor")
	}
	if n := buyer.msg.Pending(h.ctx); n != 0 {
		t.Fatalf("%d messages still queued", n)
	}
}

func TestModeratedRejectAfterFunding_RefundsBuyer(t *testing.T) {
	h := newHarness(t)
	buyer, vendor, mod := h.node(true), h.node(false), h.moderator()
	h.fundWallet(buyer, testBudget)

	res := h.purchase(buyer, vendor, mod.id)
	if res.VendorOnline {
		t.Fatal("expected vendorOnline=false")
	}
	h.expectState(buyer, res.OrderID, StatePending)
	h.expectState(mod, res.OrderID, StateConfirmed)
	if o := h.get(buyer, res.OrderID); o.Script.Kind != "multisig" || o.Script.Threshold != 2 {
		t.Fatalf("unexpected escrow script %+v", o.Script)
	}

	h.pay(buyer, res)
	h.scan(buyer)
	h.expectState(buyer, res.OrderID, StateFunded)
	afterPay := h.balance(buyer)

	h.online(vendor)
	buyer.msg.Flush(h.ctx)
	h.expectState(vendor, res.OrderID, StateFunded)

	if _, err := vendor.svc.Reject(h.ctx, res.OrderID, "out of stock"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	for _, n := range []*testNode{buyer, vendor, mod} {
		o := h.expectState(n, res.OrderID, StateRejected)
		if !o.Funded {
			t.Errorf("%s replica lost funded flag", o.Role)
		}
		if len(o.Transactions) != 2 {
			t.Errorf("%s replica has %d transactions, want 2", o.Role, len(o.Transactions))
		}
		if !o.Settled() {
			t.Errorf("%s replica not settled", o.Role)
		}
	}
	if got := h.balance(buyer); got != afterPay+testPrice-fee {
		t.Fatalf("buyer balance %d, want %d", got, afterPay+testPrice-fee)
	}
	if b := h.get(buyer, res.OrderID); b.Rejection == nil || b.Rejection.Reason != "out of stock" {
		t.Fatalf("rejection not recorded: %+v", b.Rejection)
	}
}

func TestDirectRejectAfterFunding_VendorRefunds(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	h.fundWallet(buyer, testBudget)
	res := h.purchase(buyer, vendor, "")
	h.pay(buyer, res)
	h.scan(buyer, vendor)
	afterPay := h.balance(buyer)

	if _, err := vendor.svc.Reject(h.ctx, res.OrderID, "cannot ship"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	b := h.expectState(buyer, res.OrderID, StateRejected)
	if !b.Funded || len(b.Transactions) != 2 {
		t.Fatalf("buyer replica: funded %v, %d txs", b.Funded, len(b.Transactions))
	}
	if b.Settlement == nil || b.Settlement.TxID == "" || !b.Settlement.Observed {
		t.Fatalf("refund not tracked: %+v", b.Settlement)
	}
	if got := h.balance(buyer); got != afterPay+testPrice-fee {
		t.Fatalf("buyer balance %d, want %d", got, afterPay+testPrice-fee)
	}
}

func TestRejectBeforeFunding_StrandedPaymentIsRefunded(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	h.fundWallet(buyer, testBudget)
	res := h.purchase(buyer, vendor, "")

	if _, err := vendor.svc.Reject(h.ctx, res.OrderID, "closed"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	h.expectState(buyer, res.OrderID, StateRejected)

	h.pay(buyer, res)
	h.scan(vendor)

	if got := h.ledger.NetBalance(res.PaymentAddress); got != 0 {
		t.Fatalf("escrow still holds %d", got)
	}
	b := h.expectState(buyer, res.OrderID, StateRejected)
	if len(b.Transactions) != 2 || !b.Funded {
		t.Fatalf("buyer replica: %d txs, funded %v", len(b.Transactions), b.Funded)
	}
	if got := h.balance(buyer); got != testBudget-2*fee {
		t.Fatalf("buyer balance %d, want %d", got, testBudget-2*fee)
	}
}

func TestApplyTransactions_RepeatedSightingsAreIdempotent(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	h.fundWallet(buyer, testBudget)
	res := h.purchase(buyer, vendor, "")
	h.pay(buyer, res)

	txs, err := buyer.wallet.TransactionsFor(h.ctx, res.PaymentAddress)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := buyer.svc.ApplyTransactions(h.ctx, res.PaymentAddress, txs); err != nil {
			t.Fatalf("ApplyTransactions failed: %v", err)
		}
	}
	o := h.expectState(buyer, res.OrderID, StateFunded)
	if len(o.Transactions) != 1 {
		t.Fatalf("got %d transactions after repeated sightings", len(o.Transactions))
	}
	funded := 0
	for _, tr := range o.History {
		if tr.To == StateFunded {
			funded++
		}
	}
	if funded != 1 {
		t.Fatalf("FUNDED recorded %d times", funded)
	}

	h.ledger.Mine(3)
	txs, _ = buyer.wallet.TransactionsFor(h.ctx, res.PaymentAddress)
	if err := buyer.svc.ApplyTransactions(h.ctx, res.PaymentAddress, txs); err != nil {
		t.Fatal(err)
	}
	o = h.get(buyer, res.OrderID)
	if len(o.Transactions) != 1 || o.Transactions[0].Confirmations != 3 {
		t.Fatalf("confirmations not updated in place: %+v", o.Transactions)
	}
}

func TestApplyTransactions_PartialPaymentsAccumulate(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	h.fundWallet(buyer, testBudget)
	res := h.purchase(buyer, vendor, "")

	if _, err := buyer.wallet.Spend(h.ctx, res.PaymentAddress, testPrice/2, chain.FeeNormal); err != nil {
		t.Fatal(err)
	}
	h.scan(buyer)
	if o := h.expectState(buyer, res.OrderID, StateConfirmed); o.Funded {
		t.Fatal("half payment marked funded")
	}

	if _, err := buyer.wallet.Spend(h.ctx, res.PaymentAddress, testPrice/2, chain.FeeNormal); err != nil {
		t.Fatal(err)
	}
	h.scan(buyer)
	if o := h.expectState(buyer, res.OrderID, StateFunded); !o.Funded || len(o.Transactions) != 2 {
		t.Fatalf("funded %v with %d txs", o.Funded, len(o.Transactions))
	}
}

func TestCancel(t *testing.T) {
	t.Run("before funding", func(t *testing.T) {
		h := newHarness(t)
		buyer, vendor := h.node(true), h.node(true)
		res := h.purchase(buyer, vendor, "")
		if _, err := buyer.svc.Cancel(h.ctx, res.OrderID); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		h.expectState(buyer, res.OrderID, StateCanceled)
		h.expectState(vendor, res.OrderID, StateCanceled)
	})

	t.Run("funded direct is refused", func(t *testing.T) {
		h := newHarness(t)
		buyer, vendor := h.node(true), h.node(true)
		h.fundWallet(buyer, testBudget)
		res := h.purchase(buyer, vendor, "")
		h.pay(buyer, res)
		h.scan(buyer)
		if _, err := buyer.svc.Cancel(h.ctx, res.OrderID); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		h.expectState(buyer, res.OrderID, StateFunded)
	})

	t.Run("funded moderated refunds via moderator", func(t *testing.T) {
		h := newHarness(t)
		buyer, vendor, mod := h.node(true), h.node(false), h.moderator()
		h.fundWallet(buyer, testBudget)
		res := h.purchase(buyer, vendor, mod.id)
		h.pay(buyer, res)
		h.scan(buyer)
		afterPay := h.balance(buyer)

		if _, err := buyer.svc.Cancel(h.ctx, res.OrderID); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		b := h.expectState(buyer, res.OrderID, StateCanceled)
		h.expectState(mod, res.OrderID, StateCanceled)
		if len(b.Transactions) != 2 {
			t.Fatalf("buyer replica has %d txs", len(b.Transactions))
		}
		if got := h.balance(buyer); got != afterPay+testPrice-fee {
			t.Fatalf("buyer balance %d, want %d", got, afterPay+testPrice-fee)
		}

		// The vendor catches up on the whole story when it returns.
		h.online(vendor)
		buyer.msg.Flush(h.ctx)
		mod.msg.Flush(h.ctx)
		h.expectState(vendor, res.OrderID, StateCanceled)
	})

	t.Run("accepted moderated is refused", func(t *testing.T) {
		h := newHarness(t)
		buyer, vendor, mod := h.node(true), h.node(true), h.moderator()
		h.fundWallet(buyer, testBudget)
		res := h.purchase(buyer, vendor, mod.id)
		h.pay(buyer, res)
		h.scan(buyer, vendor, mod)
		if _, err := vendor.svc.Confirm(h.ctx, res.OrderID); err != nil {
			t.Fatalf("Confirm failed: %v", err)
		}
		if b := h.get(buyer, res.OrderID); !b.VendorAccepted {
			t.Fatal("buyer did not learn the vendor accepted")
		}
		if _, err := buyer.svc.Cancel(h.ctx, res.OrderID); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestModeratedComplete_ReleasesToVendor(t *testing.T) {
	h := newHarness(t)
	buyer, vendor, mod := h.node(true), h.node(true), h.moderator()
	h.fundWallet(buyer, testBudget)
	res := h.purchase(buyer, vendor, mod.id)
	h.pay(buyer, res)
	h.scan(buyer, vendor, mod)

	if _, err := vendor.svc.Fulfill(h.ctx, res.OrderID, nil); err != nil {
		t.Fatalf("Fulfill failed: %v", err)
	}
	h.expectState(mod, res.OrderID, StateFulfilled)
	if _, err := buyer.svc.Complete(h.ctx, res.OrderID, Review{Rating: 4}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	v := h.expectState(vendor, res.OrderID, StateComplete)
	h.expectState(mod, res.OrderID, StateComplete)
	if v.Settlement == nil || v.Settlement.Purpose != PurposeCompletion || v.Settlement.TxID == "" {
		t.Fatalf("vendor settlement %+v", v.Settlement)
	}
	if got := h.balance(vendor); got != testPrice-fee {
		t.Fatalf("vendor balance %d, want %d", got, testPrice-fee)
	}
}

func TestDispute_DecidedAndResolved(t *testing.T) {
	h := newHarness(t)
	buyer, vendor, mod := h.node(true), h.node(true), h.moderator()
	h.fundWallet(buyer, testBudget)
	res := h.purchase(buyer, vendor, mod.id)
	h.pay(buyer, res)
	h.scan(buyer, vendor, mod)
	if _, err := vendor.svc.Fulfill(h.ctx, res.OrderID, nil); err != nil {
		t.Fatal(err)
	}
	afterPay := h.balance(buyer)

	if _, err := buyer.svc.OpenDispute(h.ctx, res.OrderID, "never arrived"); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	h.expectState(vendor, res.OrderID, StateDisputed)
	m := h.expectState(mod, res.OrderID, StateDisputed)
	if m.Dispute == nil || m.Dispute.OpenedBy != RoleBuyer || m.Dispute.Claim != "never arrived" {
		t.Fatalf("dispute not recorded: %+v", m.Dispute)
	}

	if _, err := vendor.svc.CloseDispute(h.ctx, res.OrderID, 50, "x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("vendor closed the dispute: %v", err)
	}
	if _, err := mod.svc.CloseDispute(h.ctx, res.OrderID, 70, "partial refund"); err != nil {
		t.Fatalf("CloseDispute failed: %v", err)
	}
	h.expectState(buyer, res.OrderID, StateDecided)
	h.expectState(vendor, res.OrderID, StateDecided)

	if _, err := buyer.svc.ReleaseDecided(h.ctx, res.OrderID); err != nil {
		t.Fatalf("ReleaseDecided failed: %v", err)
	}
	h.expectState(buyer, res.OrderID, StateResolved)
	h.scan(vendor, mod)
	h.expectState(vendor, res.OrderID, StateResolved)
	h.expectState(mod, res.OrderID, StateResolved)

	net := uint64(testPrice - fee)
	toBuyer := net * 70 / 100
	if got := h.balance(buyer); got != afterPay+toBuyer {
		t.Fatalf("buyer balance %d, want %d", got, afterPay+toBuyer)
	}
	if got := h.balance(vendor); got != net-toBuyer {
		t.Fatalf("vendor balance %d, want %d", got, net-toBuyer)
	}
}

func TestDispute_DirectOrderRefused(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	h.fundWallet(buyer, testBudget)
	res := h.purchase(buyer, vendor, "")
	h.pay(buyer, res)
	h.scan(buyer)
	if _, err := buyer.svc.OpenDispute(h.ctx, res.OrderID, "bad"); !errors.Is(err, ErrNotModerated) {
		t.Fatalf("expected ErrNotModerated, got %v", err)
	}
}

func TestPurchase_VendorRefusesUnknownListing(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	vendor.svc.WithListings(listing.NewMemoryStore())

	hash := h.listing(vendor, testPrice)
	_, err := buyer.svc.Purchase(h.ctx, PurchaseRequest{Items: []ItemRequest{{ListingHash: hash, Quantity: 1}}})
	if !errors.Is(err, ErrRejectedByPeer) {
		t.Fatalf("expected ErrRejectedByPeer, got %v", err)
	}
	orders, _ := buyer.svc.List(h.ctx, Filter{Role: RoleBuyer})
	if len(orders) != 1 || orders[0].State != StateRejected {
		t.Fatalf("buyer orders: %+v", orders)
	}
}

func TestPurchase_Validation(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	hash := h.listing(vendor, testPrice)

	if _, err := buyer.svc.Purchase(h.ctx, PurchaseRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty purchase: %v", err)
	}
	if _, err := vendor.svc.Purchase(h.ctx, PurchaseRequest{Items: []ItemRequest{{ListingHash: hash, Quantity: 1}}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("self purchase: %v", err)
	}
	if _, err := buyer.svc.Purchase(h.ctx, PurchaseRequest{
		Items:       []ItemRequest{{ListingHash: hash, Quantity: 1}},
		ModeratorID: "02" + "ab",
	}); err == nil {
		t.Fatal("unknown moderator accepted")
	}
}

func TestPurchase_RefusesOverflowingTotal(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	hash := h.listing(vendor, testPrice)

	_, err := buyer.svc.Purchase(h.ctx, PurchaseRequest{
		Items: []ItemRequest{{ListingHash: hash, Quantity: 18_446_744_073_710}},
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	for _, n := range []*testNode{buyer, vendor} {
		if orders, _ := n.svc.List(h.ctx, Filter{}); len(orders) != 0 {
			t.Fatalf("%d orders stored for an overflowing purchase", len(orders))
		}
	}
}

func TestPercentOf(t *testing.T) {
	tests := []struct {
		total   uint64
		percent int
		want    uint64
	}{
		{1000, 33, 330},
		{7, 0, 0},
		{7, 100, 7},
		{math.MaxUint64, 100, math.MaxUint64},
		{math.MaxUint64, 50, math.MaxUint64 / 2},
	}
	for _, tt := range tests {
		if got := percentOf(tt.total, tt.percent); got != tt.want {
			t.Errorf("percentOf(%d, %d) = %d, want %d", tt.total, tt.percent, got, tt.want)
		}
	}
}

func TestOperations_RequireRole(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	res := h.purchase(buyer, vendor, "")

	if _, err := buyer.svc.Fulfill(h.ctx, res.OrderID, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("buyer fulfilled: %v", err)
	}
	if _, err := vendor.svc.Complete(h.ctx, res.OrderID, Review{Rating: 5}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("vendor completed: %v", err)
	}
	if _, err := vendor.svc.Fulfill(h.ctx, res.OrderID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fulfilled an unfunded order: %v", err)
	}
	if _, err := buyer.svc.Complete(h.ctx, res.OrderID, Review{Rating: 9}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad rating accepted: %v", err)
	}
	if _, err := buyer.svc.Get(h.ctx, "sha256:nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestAwait(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	h.fundWallet(buyer, testBudget)
	res := h.purchase(buyer, vendor, "")

	var changes atomic.Int32
	buyer.svc.OnChange(func(o *Order) { changes.Add(1) })

	done := make(chan *Order, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o, err := buyer.svc.Await(ctx, res.OrderID, StateFunded)
		if err != nil {
			t.Errorf("Await failed: %v", err)
		}
		done <- o
	}()

	h.pay(buyer, res)
	h.scan(buyer)
	select {
	case o := <-done:
		if o == nil || o.State != StateFunded {
			t.Fatalf("Await returned %+v", o)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Await never returned")
	}
	if changes.Load() == 0 {
		t.Fatal("OnChange listener not called")
	}

	ctx, cancel := context.WithTimeout(h.ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := buyer.svc.Await(ctx, res.OrderID, StateComplete); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

// race runs every op from rounds goroutines each, released together, and
// fails on the first error.
func race(t *testing.T, rounds int, ops ...func() error) {
	t.Helper()
	start := make(chan struct{})
	errs := make(chan error, rounds*len(ops))
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		for _, op := range ops {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if err := op(); err != nil {
					errs <- err
				}
			}()
		}
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent operation failed: %v", err)
	}
}

func countSteps(o *Order, s State) int {
	n := 0
	for _, tr := range o.History {
		if tr.To == s {
			n++
		}
	}
	return n
}

func expectLegalHistory(t *testing.T, o *Order) {
	t.Helper()
	for _, tr := range o.History {
		if tr.From != "" && !CanTransition(tr.From, tr.To) {
			t.Fatalf("illegal step %s -> %s in %+v", tr.From, tr.To, o.History)
		}
	}
}

func txCount(o *Order, txid string) int {
	n := 0
	for _, tx := range o.Transactions {
		if tx.TxID == txid {
			n++
		}
	}
	return n
}

func TestVendorReplica_ConcurrentInputsApplyOnce(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	h.fundWallet(buyer, testBudget)
	res := h.purchase(buyer, vendor, "")
	txid := h.pay(buyer, res)
	notice := h.sealed(buyer, vendor.id, messaging.KindOrderPayment, res.OrderID, PaymentMessage{TxID: txid, Amount: res.Amount})

	race(t, 20,
		func() error {
			txs, err := vendor.wallet.TransactionsFor(h.ctx, res.PaymentAddress)
			if err != nil {
				return err
			}
			return vendor.svc.ApplyTransactions(h.ctx, res.PaymentAddress, txs)
		},
		func() error { return vendor.svc.HandleMessage(h.ctx, notice) },
		func() error {
			_, err := vendor.svc.Confirm(h.ctx, res.OrderID)
			return err
		},
	)

	v := h.expectState(vendor, res.OrderID, StateFunded)
	if !v.Funded || !v.VendorAccepted {
		t.Fatalf("funded %v accepted %v", v.Funded, v.VendorAccepted)
	}
	if len(v.Transactions) != 1 || txCount(v, txid) != 1 {
		t.Fatalf("transactions: %+v", v.Transactions)
	}
	if n := countSteps(v, StateFunded); n != 1 {
		t.Fatalf("FUNDED recorded %d times", n)
	}
	expectLegalHistory(t, v)
}

func TestVendorReplica_RejectRacesFunding(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(true)
	h.fundWallet(buyer, testBudget)
	res := h.purchase(buyer, vendor, "")
	txid := h.pay(buyer, res)
	notice := h.sealed(buyer, vendor.id, messaging.KindOrderPayment, res.OrderID, PaymentMessage{TxID: txid, Amount: res.Amount})

	var rejected atomic.Bool
	race(t, 10,
		func() error {
			txs, err := vendor.wallet.TransactionsFor(h.ctx, res.PaymentAddress)
			if err != nil {
				return err
			}
			return vendor.svc.ApplyTransactions(h.ctx, res.PaymentAddress, txs)
		},
		func() error { return vendor.svc.HandleMessage(h.ctx, notice) },
		func() error {
			if !rejected.CompareAndSwap(false, true) {
				return nil
			}
			_, err := vendor.svc.Reject(h.ctx, res.OrderID, "out of stock")
			return err
		},
	)

	v := h.expectState(vendor, res.OrderID, StateRejected)
	if n := countSteps(v, StateRejected); n != 1 {
		t.Fatalf("REJECTED recorded %d times", n)
	}
	if n := countSteps(v, StateFunded); n > 1 {
		t.Fatalf("FUNDED recorded %d times", n)
	}
	if txCount(v, txid) != 1 {
		t.Fatalf("payment recorded %d times: %+v", txCount(v, txid), v.Transactions)
	}
	if v.Settlement == nil || v.Settlement.TxID == "" {
		t.Fatalf("no refund settled: %+v", v.Settlement)
	}
	if got := h.ledger.NetBalance(res.PaymentAddress); got != 0 {
		t.Fatalf("escrow still holds %d", got)
	}
	expectLegalHistory(t, v)
}
