package order

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/tradenode/internal/chain"
	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/listing"
	"github.com/mbd888/tradenode/internal/logging"
	"github.com/mbd888/tradenode/internal/messaging"
	"github.com/mbd888/tradenode/internal/moderator"
	"github.com/mbd888/tradenode/internal/retry"
)

const (
	testPrice  = 1_000_000
	testBudget = 10_000_000
)

type testNode struct {
	id     string
	key    *ecdsa.PrivateKey
	svc    *Service
	msg    *messaging.Messenger
	wallet *chain.MemoryWallet
	store  *MemoryStore
}

// harness wires nodes over a shared simulated ledger and an in-process
// peer network. scan stands in for the reconciler.
type harness struct {
	t        *testing.T
	ctx      context.Context
	ledger   *chain.MemoryNetwork
	net      *messaging.MemoryNetwork
	listings *listing.MemoryStore
	mods     *moderator.MemoryRegistry
	builder  *escrow.Builder
	slugs    int
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:        t,
		ctx:      context.Background(),
		ledger:   chain.NewMemoryNetwork(),
		net:      messaging.NewMemoryNetwork(),
		listings: listing.NewMemoryStore(),
		mods:     moderator.NewMemoryRegistry(),
		builder:  escrow.NewBuilder(common.HexToAddress("0x00000000000000000000000000000000000fAC70"), common.Hash{}, 2),
	}
}

func (h *harness) node(online bool) *testNode {
	h.t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		h.t.Fatalf("GenerateKey failed: %v", err)
	}
	wallet := h.ledger.NewWallet()
	m := messaging.NewMessenger(key, h.net, messaging.NewMemoryOutbox(),
		messaging.WithLogger(logging.Discard()),
		messaging.WithRetryPolicy(retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	)
	store := NewMemoryStore()
	svc := NewService(store, m, wallet, h.builder, key).
		WithListings(h.listings).
		WithModerators(h.mods).
		WithLogger(logging.Discard())
	m.SetHandler(svc)

	n := &testNode{id: m.ID(), key: key, svc: svc, msg: m, wallet: wallet, store: store}
	if online {
		h.net.Join(n.id, m)
	}
	return n
}

func (h *harness) moderator() *testNode {
	h.t.Helper()
	n := h.node(true)
	if err := h.mods.Register(h.ctx, &moderator.Profile{PeerID: n.id, Name: "Mod", Fee: 0}); err != nil {
		h.t.Fatalf("Register failed: %v", err)
	}
	return n
}

func (h *harness) online(n *testNode) {
	h.net.Join(n.id, n.msg)
}

func (h *harness) listing(vendor *testNode, price uint64) string {
	h.t.Helper()
	h.slugs++
	hash, err := h.listings.Publish(h.ctx, &listing.Listing{
		VendorID: vendor.id,
		Slug:     fmt.Sprintf("item-%d", h.slugs),
		Title:    "Widget",
		Price:    price,
	})
	if err != nil {
		h.t.Fatalf("Publish failed: %v", err)
	}
	return hash
}

func (h *harness) fundWallet(n *testNode, amount uint64) {
	h.t.Helper()
	addr, err := n.wallet.NewAddress(h.ctx)
	if err != nil {
		h.t.Fatalf("NewAddress failed: %v", err)
	}
	if _, err := h.ledger.Fund(addr, amount); err != nil {
		h.t.Fatalf("Fund failed: %v", err)
	}
}

// purchase buys one unit of a fresh listing from vendor.
func (h *harness) purchase(buyer, vendor *testNode, moderatorID string) *PurchaseResult {
	h.t.Helper()
	hash := h.listing(vendor, testPrice)
	res, err := buyer.svc.Purchase(h.ctx, PurchaseRequest{
		Items:       []ItemRequest{{ListingHash: hash, Quantity: 1}},
		ModeratorID: moderatorID,
	})
	if err != nil {
		h.t.Fatalf("Purchase failed: %v", err)
	}
	return res
}

func (h *harness) pay(buyer *testNode, res *PurchaseResult) string {
	h.t.Helper()
	txid, err := buyer.wallet.Spend(h.ctx, res.PaymentAddress, res.Amount, chain.FeeNormal)
	if err != nil {
		h.t.Fatalf("Spend failed: %v", err)
	}
	return txid
}

func (h *harness) scan(nodes ...*testNode) {
	h.t.Helper()
	for _, n := range nodes {
		orders, err := n.store.List(h.ctx, Filter{})
		if err != nil {
			h.t.Fatalf("List failed: %v", err)
		}
		for _, o := range orders {
			txs, err := n.wallet.TransactionsFor(h.ctx, o.PaymentAddress())
			if err != nil {
				h.t.Fatalf("TransactionsFor failed: %v", err)
			}
			if err := n.svc.ApplyTransactions(h.ctx, o.PaymentAddress(), txs); err != nil {
				h.t.Fatalf("ApplyTransactions failed: %v", err)
			}
		}
	}
}

func (h *harness) get(n *testNode, id string) *Order {
	h.t.Helper()
	o, err := n.svc.Get(h.ctx, id)
	if err != nil {
		h.t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return o
}

func (h *harness) expectState(n *testNode, id string, want State) *Order {
	h.t.Helper()
	o := h.get(n, id)
	if o.State != want {
		h.t.Fatalf("%s replica is %s, want %s (history %+v)", o.Role, o.State, want, o.History)
	}
	return o
}

func (h *harness) balance(n *testNode) uint64 {
	h.t.Helper()
	b, err := n.wallet.Balance(h.ctx)
	if err != nil {
		h.t.Fatalf("Balance failed: %v", err)
	}
	return b.Confirmed + b.Unconfirmed
}

func (h *harness) sealed(from *testNode, to string, kind messaging.Kind, orderID string, payload any) *messaging.Envelope {
	h.t.Helper()
	env, err := messaging.NewEnvelope(from.id, to, kind, orderID, payload)
	if err != nil {
		h.t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := env.Seal(from.key); err != nil {
		h.t.Fatalf("Seal failed: %v", err)
	}
	return env
}

func visited(o *Order) []State {
	var out []State
	for _, tr := range o.History {
		if tr.To != StatePending {
			out = append(out, tr.To)
		}
	}
	return out
}

func sameStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
