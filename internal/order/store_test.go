package order

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/mbd888/tradenode/internal/chain"
	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/pagination"
	"github.com/mbd888/tradenode/internal/testutil"
)

func storedOrder(n int, role Role, state State) *Order {
	ct := sampleContract()
	ct.Amount = uint64(1000 * (n + 1))
	ct.Items = []LineItem{{ListingHash: fmt.Sprintf("sha256:%02d", n), Quantity: 1, UnitPrice: ct.Amount}}
	ct.PaymentAddress = fmt.Sprintf("0x%040X", n+1)
	at := testNow.Add(time.Duration(n) * time.Minute)
	return &Order{
		ID:        fmt.Sprintf("sha256:order-%02d", n),
		Role:      role,
		State:     state,
		Contract:  ct,
		Script:    escrow.Script{Kind: "direct", Threshold: 1, Address: ct.PaymentAddress},
		History:   []Transition{{To: state, Cause: "test", At: at}},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	a := storedOrder(1, RoleBuyer, StateConfirmed)
	b := storedOrder(2, RoleVendor, StateFunded)
	c := storedOrder(3, RoleBuyer, StateFunded)
	for _, o := range []*Order{a, b, c} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create(%s) failed: %v", o.ID, err)
		}
	}
	if err := store.Create(ctx, a); !errors.Is(err, ErrOrderExists) {
		t.Fatalf("duplicate Create: expected ErrOrderExists, got %v", err)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Contract.Amount != a.Contract.Amount || got.State != StateConfirmed || got.Role != RoleBuyer {
		t.Fatalf("Get returned %+v", got)
	}
	if _, err := store.Get(ctx, "sha256:missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	got.State = StateFunded
	got.Funded = true
	got.Transactions = []chain.Tx{{TxID: "tx1", Address: got.PaymentAddress(), Value: int64(got.Amount())}}
	got.UpdatedAt = got.UpdatedAt.Add(time.Hour)
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	again, _ := store.Get(ctx, a.ID)
	if again.State != StateFunded || !again.Funded || len(again.Transactions) != 1 {
		t.Fatalf("update not persisted: %+v", again)
	}
	if err := store.Update(ctx, storedOrder(9, RoleBuyer, StatePending)); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("Update of missing order: expected ErrOrderNotFound, got %v", err)
	}

	all, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d orders, want 3", len(all))
	}
	buyers, _ := store.List(ctx, Filter{Role: RoleBuyer})
	if len(buyers) != 2 {
		t.Fatalf("buyer filter returned %d orders", len(buyers))
	}
	funded, _ := store.List(ctx, Filter{State: StateFunded})
	if len(funded) != 3 {
		t.Fatalf("state filter returned %d orders", len(funded))
	}
	limited, _ := store.List(ctx, Filter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != c.ID {
		t.Fatalf("limit should keep the newest order, got %+v", limited)
	}
	rest, _ := store.List(ctx, Filter{After: &pagination.Cursor{CreatedAt: c.CreatedAt, ID: c.ID}})
	if len(rest) != 2 || rest[0].ID != b.ID || rest[1].ID != a.ID {
		t.Fatalf("cursor should page past the newest order, got %d orders", len(rest))
	}

	byAddr, err := store.ListByAddress(ctx, b.PaymentAddress())
	if err != nil {
		t.Fatalf("ListByAddress failed: %v", err)
	}
	if len(byAddr) != 1 || byAddr[0].ID != b.ID {
		t.Fatalf("ListByAddress returned %+v", byAddr)
	}
	none, _ := store.ListByAddress(ctx, "0x00000000000000000000000000000000DeaDBeef")
	if len(none) != 0 {
		t.Fatalf("unknown address matched %d orders", len(none))
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	o := storedOrder(1, RoleBuyer, StateConfirmed)
	if err := s.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	o.State = StateCanceled
	got, _ := s.Get(ctx, o.ID)
	if got.State != StateConfirmed {
		t.Fatal("store aliased the caller's order")
	}
	got.History = append(got.History, Transition{To: StateFunded})
	again, _ := s.Get(ctx, o.ID)
	if len(again.History) != 1 {
		t.Fatal("store handed out its own copy")
	}
}

func TestLevelDBStore(t *testing.T) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseStore(t, NewLevelDBStore(db))
}

func TestLevelDBStore_IgnoresForeignKeys(t *testing.T) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	if err := db.Put([]byte("outbox:abc"), []byte("not json"), nil); err != nil {
		t.Fatal(err)
	}
	s := NewLevelDBStore(db)
	if err := s.Create(context.Background(), storedOrder(1, RoleBuyer, StatePending)); err != nil {
		t.Fatal(err)
	}
	all, err := s.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("List returned %d orders", len(all))
	}
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	exerciseStore(t, NewPostgresStore(db))
}
