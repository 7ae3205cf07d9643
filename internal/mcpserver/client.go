package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for connecting to a node gateway.
type Config struct {
	GatewayURL string // Base URL, e.g. "http://localhost:4002"
	Timeout    time.Duration
}

// GatewayClient is a pure HTTP client for a node's gateway API.
type GatewayClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewGatewayClient creates a new client for the gateway at cfg.GatewayURL.
func NewGatewayClient(cfg Config) *GatewayClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")
	return &GatewayClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is an error response from the gateway.
type APIError struct {
	Status int    `json:"-"`
	Code   string `json:"error"`
	Reason string `json:"reason"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway error (%d): %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("gateway error (%d %s): %s", e.Status, e.Code, e.Reason)
}

// doRequest makes an HTTP request to the gateway and returns the response body.
func (c *GatewayClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.GatewayURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Reason == "" {
			apiErr.Reason = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// PurchaseItem is one line of a purchase.
type PurchaseItem struct {
	ListingHash string `json:"listingHash"`
	Quantity    uint64 `json:"quantity"`
}

// PurchaseParams is the body of POST /ob/purchase.
type PurchaseParams struct {
	Items         []PurchaseItem `json:"items"`
	Moderator     string         `json:"moderator,omitempty"`
	RefundAddress string         `json:"refundAddress,omitempty"`
}

// Purchase places an order.
func (c *GatewayClient) Purchase(ctx context.Context, p PurchaseParams) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/ob/purchase", nil, p)
}

// GetOrder returns one order.
func (c *GatewayClient) GetOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/ob/order/"+url.PathEscape(orderID), nil, nil)
}

// ListOrders lists orders, optionally filtered by role and state.
func (c *GatewayClient) ListOrders(ctx context.Context, role, state string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/ob/orders", q, nil)
}

// ConfirmOrder accepts an order, or rejects it when reject is set.
func (c *GatewayClient) ConfirmOrder(ctx context.Context, orderID string, reject bool, reason string) (json.RawMessage, error) {
	body := map[string]any{"orderId": orderID, "reject": reject}
	if reason != "" {
		body["reason"] = reason
	}
	return c.doRequest(ctx, http.MethodPost, "/ob/orderconfirmation", nil, body)
}

// FulfillOrder marks an order shipped with free-form details.
func (c *GatewayClient) FulfillOrder(ctx context.Context, orderID string, details map[string]any) (json.RawMessage, error) {
	body := map[string]any{"orderId": orderID}
	if len(details) > 0 {
		body["details"] = details
	}
	return c.doRequest(ctx, http.MethodPost, "/ob/orderfulfillment", nil, body)
}

// CompleteOrder closes a fulfilled order with a review.
func (c *GatewayClient) CompleteOrder(ctx context.Context, orderID string, rating int, review string) (json.RawMessage, error) {
	body := map[string]any{"orderId": orderID, "rating": rating}
	if review != "" {
		body["review"] = review
	}
	return c.doRequest(ctx, http.MethodPost, "/ob/ordercompletion", nil, body)
}

// CancelOrder cancels an unconfirmed order and refunds the buyer.
func (c *GatewayClient) CancelOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/ob/ordercancel", nil, map[string]string{"orderId": orderID})
}

// OpenDispute asks the moderator to decide an order.
func (c *GatewayClient) OpenDispute(ctx context.Context, orderID, claim string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/ob/opendispute", nil, map[string]string{"orderId": orderID, "claim": claim})
}

// Balance returns the node wallet's balance.
func (c *GatewayClient) Balance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/wallet/balance", nil, nil)
}

// Spend pays amount base units from the node wallet.
func (c *GatewayClient) Spend(ctx context.Context, address string, amount uint64, feeLevel string) (json.RawMessage, error) {
	body := map[string]any{"address": address, "amount": amount}
	if feeLevel != "" {
		body["feeLevel"] = feeLevel
	}
	return c.doRequest(ctx, http.MethodPost, "/wallet/spend", nil, body)
}

// Listings returns a vendor's listing index.
func (c *GatewayClient) Listings(ctx context.Context, peerID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/ob/listings/"+url.PathEscape(peerID), nil, nil)
}
