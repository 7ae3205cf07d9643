package order

import (
	"encoding/json"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/mbd888/tradenode/internal/messaging"
)

func rejectsValue(t *testing.T, kind messaging.Kind, reason string) float64 {
	t.Helper()
	var m dto.Metric
	if err := protocolRejects.WithLabelValues(string(kind), reason).Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func expectReject(t *testing.T, err error, retryable bool) {
	t.Helper()
	rej, ok := messaging.AsReject(err)
	if !ok {
		t.Fatalf("expected a protocol rejection, got %v", err)
	}
	if rej.Retryable != retryable {
		t.Fatalf("retryable = %v, want %v (reason %q)", rej.Retryable, retryable, rej.Reason)
	}
}

func TestHandleMessage_Rejections(t *testing.T) {
	h := newHarness(t)
	buyer, vendor, stranger := h.node(true), h.node(true), h.node(true)
	res := h.purchase(buyer, vendor, "")

	t.Run("fulfillment before funding is deferred", func(t *testing.T) {
		before := rejectsValue(t, messaging.KindOrderFulfillment, "behind")
		env := h.sealed(vendor, buyer.id, messaging.KindOrderFulfillment, res.OrderID, FulfillmentMessage{})
		expectReject(t, buyer.svc.HandleMessage(h.ctx, env), true)
		h.expectState(buyer, res.OrderID, StateConfirmed)
		if got := rejectsValue(t, messaging.KindOrderFulfillment, "behind"); got != before+1 {
			t.Fatalf("behind counter = %v, want %v", got, before+1)
		}
	})

	t.Run("wrong role is refused", func(t *testing.T) {
		env := h.sealed(buyer, vendor.id, messaging.KindOrderFulfillment, res.OrderID, FulfillmentMessage{})
		expectReject(t, vendor.svc.HandleMessage(h.ctx, env), false)
	})

	t.Run("stranger is refused", func(t *testing.T) {
		env := h.sealed(stranger, buyer.id, messaging.KindOrderConfirmation, res.OrderID, ConfirmationMessage{})
		expectReject(t, buyer.svc.HandleMessage(h.ctx, env), false)
	})

	t.Run("unknown payload field is refused", func(t *testing.T) {
		payload := map[string]any{"accepted": true, "bonus": 1}
		env := h.sealed(vendor, buyer.id, messaging.KindOrderConfirmation, res.OrderID, payload)
		expectReject(t, buyer.svc.HandleMessage(h.ctx, env), false)
		if h.get(buyer, res.OrderID).VendorAccepted {
			t.Fatal("rejected message still changed the replica")
		}
	})

	t.Run("unknown order is deferred", func(t *testing.T) {
		env := h.sealed(vendor, buyer.id, messaging.KindOrderConfirmation, "sha256:unknown", ConfirmationMessage{})
		expectReject(t, buyer.svc.HandleMessage(h.ctx, env), true)
	})

	t.Run("unsupported kind is refused", func(t *testing.T) {
		env := h.sealed(vendor, buyer.id, messaging.KindOrderConfirmation, res.OrderID, ConfirmationMessage{})
		env.Kind = messaging.Kind("CHAT")
		expectReject(t, buyer.svc.HandleMessage(h.ctx, env), false)
	})

	t.Run("stale confirmation is acknowledged", func(t *testing.T) {
		env := h.sealed(vendor, buyer.id, messaging.KindOrderConfirmation, res.OrderID, ConfirmationMessage{})
		if err := buyer.svc.HandleMessage(h.ctx, env); err != nil {
			t.Fatalf("duplicate confirmation rejected: %v", err)
		}
	})

	t.Run("fulfillment after cancel can never apply", func(t *testing.T) {
		before := rejectsValue(t, messaging.KindOrderFulfillment, "invalid")
		if _, err := buyer.svc.Cancel(h.ctx, res.OrderID); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		env := h.sealed(vendor, buyer.id, messaging.KindOrderFulfillment, res.OrderID, FulfillmentMessage{})
		expectReject(t, buyer.svc.HandleMessage(h.ctx, env), false)
		h.expectState(buyer, res.OrderID, StateCanceled)
		if got := rejectsValue(t, messaging.KindOrderFulfillment, "invalid"); got != before+1 {
			t.Fatalf("invalid counter = %v, want %v", got, before+1)
		}
	})
}

func TestHandleMessage_OrderVerification(t *testing.T) {
	h := newHarness(t)
	buyer, vendor := h.node(true), h.node(false)
	res := h.purchase(buyer, vendor, "")
	contract := h.get(buyer, res.OrderID).Contract

	t.Run("tampered payment address", func(t *testing.T) {
		ct := contract
		ct.PaymentAddress = "0x000000000000000000000000000000000000dEaD"
		id, err := ct.ID()
		if err != nil {
			t.Fatal(err)
		}
		env := h.sealed(buyer, vendor.id, messaging.KindOrder, id, OrderMessage{Contract: ct})
		expectReject(t, vendor.svc.HandleMessage(h.ctx, env), false)
		if orders, _ := vendor.svc.List(h.ctx, Filter{}); len(orders) != 0 {
			t.Fatalf("vendor stored %d orders", len(orders))
		}
	})

	t.Run("id does not match contract", func(t *testing.T) {
		env := h.sealed(buyer, vendor.id, messaging.KindOrder, "sha256:other", OrderMessage{Contract: contract})
		expectReject(t, vendor.svc.HandleMessage(h.ctx, env), false)
	})

	t.Run("sender is not the buyer", func(t *testing.T) {
		stranger := h.node(true)
		env := h.sealed(stranger, vendor.id, messaging.KindOrder, res.OrderID, OrderMessage{Contract: contract})
		expectReject(t, vendor.svc.HandleMessage(h.ctx, env), false)
	})

	t.Run("price mismatch", func(t *testing.T) {
		ct := contract
		ct.Items = []LineItem{{ListingHash: contract.Items[0].ListingHash, Quantity: 1, UnitPrice: 1}}
		ct.Amount = 1
		p, err := buyer.svc.params(&ct)
		if err != nil {
			t.Fatal(err)
		}
		script, err := h.builder.Build(p)
		if err != nil {
			t.Fatal(err)
		}
		ct.PaymentAddress = script.Address
		id, _ := ct.ID()
		env := h.sealed(buyer, vendor.id, messaging.KindOrder, id, OrderMessage{Contract: ct})
		expectReject(t, vendor.svc.HandleMessage(h.ctx, env), false)
	})

	t.Run("redelivery is idempotent", func(t *testing.T) {
		env := h.sealed(buyer, vendor.id, messaging.KindOrder, res.OrderID, OrderMessage{Contract: contract})
		for i := 0; i < 3; i++ {
			if err := vendor.svc.HandleMessage(h.ctx, env); err != nil {
				t.Fatalf("delivery %d: %v", i, err)
			}
		}
		orders, _ := vendor.svc.List(h.ctx, Filter{})
		if len(orders) != 1 {
			t.Fatalf("vendor stored %d orders", len(orders))
		}
		if got := visited(orders[0]); !sameStates(got, []State{StateConfirmed}) {
			t.Fatalf("vendor history %v", got)
		}
		raw, _ := json.Marshal(orders[0].Contract)
		want, _ := json.Marshal(contract)
		if string(raw) != string(want) {
			t.Fatalf("stored contract differs:\n%s\n%s", raw, want)
		}
	})
}
