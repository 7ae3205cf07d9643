package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/tradenode/internal/order"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func orderEvent(id string, role order.Role, state order.State) *Event {
	return &Event{
		Type:      EventOrderUpdated,
		Timestamp: time.Now(),
		Data:      OrderEvent{OrderID: id, Role: role, State: state},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}
	if !h.shouldSend(client, orderEvent("a", order.RoleBuyer, order.StateFunded)) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_Filters(t *testing.T) {
	h := testHub()

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty subscription", Subscription{}, true},
		{"matching type", Subscription{EventTypes: []EventType{EventOrderUpdated}}, true},
		{"other type", Subscription{EventTypes: []EventType{EventOrderSettled}}, false},
		{"matching order", Subscription{OrderIDs: []string{"x", "a"}}, true},
		{"other order", Subscription{OrderIDs: []string{"x"}}, false},
		{"matching role", Subscription{Roles: []order.Role{order.RoleVendor}}, true},
		{"other role", Subscription{Roles: []order.Role{order.RoleModerator}}, false},
		{"matching state", Subscription{States: []order.State{order.StateFulfilled}}, true},
		{"all filters must hold", Subscription{OrderIDs: []string{"a"}, Roles: []order.Role{order.RoleBuyer}}, false},
	}
	event := orderEvent("a", order.RoleVendor, order.StateFulfilled)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.shouldSend(&Client{sub: tt.sub}, event); got != tt.want {
				t.Errorf("shouldSend = %v, want %v", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishOrder(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventOrderSettled}},
	}
	h.register <- client

	open := &order.Order{ID: "open", Role: order.RoleBuyer, State: order.StateFunded}
	done := &order.Order{ID: "done", Role: order.RoleBuyer, State: order.StateCanceled}
	h.PublishOrder(open)
	h.PublishOrder(done)

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad event json: %v", err)
		}
		if ev.Type != EventOrderSettled || ev.Data.OrderID != "done" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for settled event")
	}
	select {
	case msg := <-client.send:
		t.Fatalf("filtered client got %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_WebSocketStream(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.PublishOrder(&order.Order{ID: "o1", Role: order.RoleVendor, State: order.StateConfirmed})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Data.OrderID != "o1" || ev.Data.State != order.StateConfirmed {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
