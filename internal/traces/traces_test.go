package traces

import (
	"context"
	"testing"

	"github.com/mbd888/tradenode/internal/logging"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), "", logging.Discard())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "order.transition", OrderID("sha256:ab"), State("FUNDED"))
	defer span.End()
	if ctx == nil {
		t.Fatal("Expected a context")
	}
	if span.SpanContext().IsValid() {
		t.Error("Expected a no-op span when no provider is installed")
	}
}
