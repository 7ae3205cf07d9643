package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *GatewayClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *GatewayClient) *Handlers {
	return &Handlers{client: client}
}

// HandleBrowseListings shows a vendor's listing index.
func (h *Handlers) HandleBrowseListings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vendor := req.GetString("vendor", "")
	if vendor == "" {
		return mcp.NewToolResultError("vendor is required"), nil
	}

	raw, err := h.client.Listings(ctx, vendor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch listings: %v", err)), nil
	}

	text, err := formatListings(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse listings: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePurchase places an order for one listing.
func (h *Handlers) HandlePurchase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hash := req.GetString("listing_hash", "")
	if hash == "" {
		return mcp.NewToolResultError("listing_hash is required"), nil
	}
	quantity := req.GetInt("quantity", 1)
	if quantity < 1 {
		return mcp.NewToolResultError("quantity must be at least 1"), nil
	}

	raw, err := h.client.Purchase(ctx, PurchaseParams{
		Items:         []PurchaseItem{{ListingHash: hash, Quantity: uint64(quantity)}},
		Moderator:     req.GetString("moderator", ""),
		RefundAddress: req.GetString("refund_address", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Purchase failed: %v", err)), nil
	}

	var res struct {
		OrderID        string `json:"orderId"`
		PaymentAddress string `json:"paymentAddress"`
		Amount         uint64 `json:"amount"`
		VendorOnline   bool   `json:"vendorOnline"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse purchase: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order placed: %s\n", res.OrderID)
	fmt.Fprintf(&sb, "Pay %d to %s\n", res.Amount, res.PaymentAddress)
	if res.VendorOnline {
		sb.WriteString("The vendor received the order.\n")
	} else {
		sb.WriteString("The vendor is offline. The order is delivered when they come back; you can pay now.\n")
	}
	sb.WriteString("\nUse spend with the payment address and amount to fund the order.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetOrder shows one order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get order: %v", err)), nil
	}

	text, err := formatOrder(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListOrders lists this node's orders.
func (h *Handlers) HandleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListOrders(ctx, req.GetString("role", ""), req.GetString("state", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list orders: %v", err)), nil
	}

	text, err := formatOrderList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleConfirmOrder accepts or rejects an order.
func (h *Handlers) HandleConfirmOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	reject := req.GetBool("reject", false)

	raw, err := h.client.ConfirmOrder(ctx, id, reject, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Confirmation failed: %v", err)), nil
	}
	return h.orderResult(raw)
}

// HandleFulfillOrder marks an order delivered.
func (h *Handlers) HandleFulfillOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	var details map[string]any
	if raw := req.GetArguments()["details"]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			details = m
		}
	}

	raw, err := h.client.FulfillOrder(ctx, id, details)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Fulfillment failed: %v", err)), nil
	}
	return h.orderResult(raw)
}

// HandleCompleteOrder closes a fulfilled order.
func (h *Handlers) HandleCompleteOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	rating := req.GetInt("rating", 0)
	if rating < 1 || rating > 5 {
		return mcp.NewToolResultError("rating must be between 1 and 5"), nil
	}

	raw, err := h.client.CompleteOrder(ctx, id, rating, req.GetString("review", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Completion failed: %v", err)), nil
	}
	return h.orderResult(raw)
}

// HandleCancelOrder cancels an unanswered order.
func (h *Handlers) HandleCancelOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.CancelOrder(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cancel failed: %v", err)), nil
	}
	return h.orderResult(raw)
}

// HandleOpenDispute opens a dispute on a moderated order.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	claim := req.GetString("claim", "")
	if claim == "" {
		return mcp.NewToolResultError("claim is required"), nil
	}

	raw, err := h.client.OpenDispute(ctx, id, claim)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	return h.orderResult(raw)
}

// HandleCheckBalance returns the node wallet's balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Balance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var bal struct {
		Confirmed   uint64 `json:"confirmed"`
		Unconfirmed uint64 `json:"unconfirmed"`
	}
	if err := json.Unmarshal(raw, &bal); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Wallet balance:\n")
	fmt.Fprintf(&sb, "  Confirmed:   %d\n", bal.Confirmed)
	if bal.Unconfirmed > 0 {
		fmt.Fprintf(&sb, "  Unconfirmed: %d\n", bal.Unconfirmed)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSpend pays from the node wallet.
func (h *Handlers) HandleSpend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	amount := req.GetFloat("amount", 0)
	if amount <= 0 || amount != float64(uint64(amount)) {
		return mcp.NewToolResultError("amount must be a positive whole number of base units"), nil
	}

	raw, err := h.client.Spend(ctx, address, uint64(amount), req.GetString("fee_level", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Spend failed: %v", err)), nil
	}

	var res struct {
		TxID   string `json:"txid"`
		Amount uint64 `json:"amount"`
		Fee    uint64 `json:"fee"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse spend: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Sent %d to %s\nFee: %d\nTransaction: %s", res.Amount, address, res.Fee, res.TxID)), nil
}

func (h *Handlers) orderResult(raw json.RawMessage) (*mcp.CallToolResult, error) {
	text, err := formatOrder(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type orderView struct {
	ID       string `json:"orderId"`
	Role     string `json:"role"`
	State    string `json:"state"`
	Funded   bool   `json:"funded"`
	Contract struct {
		BuyerID        string `json:"buyerId"`
		VendorID       string `json:"vendorId"`
		ModeratorID    string `json:"moderatorId"`
		Amount         uint64 `json:"amount"`
		PaymentAddress string `json:"paymentAddress"`
		Items          []struct {
			ListingHash string `json:"listingHash"`
			Quantity    uint64 `json:"quantity"`
		} `json:"items"`
	} `json:"contract"`
	Rejection *struct {
		Reason string `json:"reason"`
	} `json:"rejection"`
	Dispute *struct {
		Claim        string `json:"claim"`
		BuyerPercent int    `json:"buyerPercent"`
		Resolution   string `json:"resolution"`
	} `json:"dispute"`
	Settlement *struct {
		Purpose string `json:"purpose"`
		TxID    string `json:"txid"`
	} `json:"settlement"`
}

func formatOrder(raw json.RawMessage) (string, error) {
	var o orderView
	if err := json.Unmarshal(raw, &o); err != nil {
		return "", err
	}
	if o.ID == "" {
		return "", fmt.Errorf("no order in response: %s", string(raw))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s\n", o.ID)
	fmt.Fprintf(&sb, "  State: %s (you are the %s)\n", o.State, o.Role)
	fmt.Fprintf(&sb, "  Amount: %d", o.Contract.Amount)
	if o.Funded {
		sb.WriteString(" (funded)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Payment address: %s\n", o.Contract.PaymentAddress)
	fmt.Fprintf(&sb, "  Vendor: %s\n", o.Contract.VendorID)
	if o.Contract.ModeratorID != "" {
		fmt.Fprintf(&sb, "  Moderator: %s\n", o.Contract.ModeratorID)
	}
	for _, it := range o.Contract.Items {
		fmt.Fprintf(&sb, "  Item: %s x%d\n", it.ListingHash, it.Quantity)
	}
	if o.Rejection != nil {
		fmt.Fprintf(&sb, "  Rejected: %s\n", o.Rejection.Reason)
	}
	if o.Dispute != nil {
		fmt.Fprintf(&sb, "  Dispute: %s\n", o.Dispute.Claim)
		if o.Dispute.Resolution != "" {
			fmt.Fprintf(&sb, "  Decision: %d%% to buyer, %s\n", o.Dispute.BuyerPercent, o.Dispute.Resolution)
		}
	}
	if o.Settlement != nil && o.Settlement.TxID != "" {
		fmt.Fprintf(&sb, "  Settled (%s): %s\n", o.Settlement.Purpose, o.Settlement.TxID)
	}
	return sb.String(), nil
}

func formatOrderList(raw json.RawMessage) (string, error) {
	var resp struct {
		Orders []orderView `json:"orders"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected orders response format")
	}
	if len(resp.Orders) == 0 {
		return "No orders found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d order(s):\n\n", len(resp.Orders))
	for i, o := range resp.Orders {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, o.ID)
		fmt.Fprintf(&sb, "   %s | %s | amount %d\n", o.Role, o.State, o.Contract.Amount)
	}
	return sb.String(), nil
}

func formatListings(raw json.RawMessage) (string, error) {
	var entries []struct {
		Hash  string `json:"hash"`
		Slug  string `json:"slug"`
		Title string `json:"title"`
		Price uint64 `json:"price"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return "", fmt.Errorf("unexpected listings response format")
	}
	if len(entries) == 0 {
		return "This vendor has no listings.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d listing(s):\n\n", len(entries))
	for i, e := range entries {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, e.Title, e.Slug)
		fmt.Fprintf(&sb, "   Price: %d | Hash: %s\n", e.Price, e.Hash)
	}
	return sb.String(), nil
}
