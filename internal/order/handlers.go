package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradenode/internal/chain"
	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/listing"
	"github.com/mbd888/tradenode/internal/logging"
	"github.com/mbd888/tradenode/internal/messaging"
	"github.com/mbd888/tradenode/internal/moderator"
	"github.com/mbd888/tradenode/internal/pagination"
	"github.com/mbd888/tradenode/internal/validation"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the order routes under /ob.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchase", h.Purchase)
	r.GET("/order/:orderId", h.GetOrder)
	r.GET("/orders", h.ListOrders)
	r.POST("/orderconfirmation", h.ConfirmOrder)
	r.POST("/orderfulfillment", h.FulfillOrder)
	r.POST("/ordercompletion", h.CompleteOrder)
	r.POST("/ordercancel", h.CancelOrder)
	r.POST("/opendispute", h.OpenDispute)
	r.POST("/closedispute", h.CloseDispute)
	r.POST("/releasefunds", h.ReleaseFunds)
}

// ConfirmationRequest answers an order: accept, or reject with a reason.
type ConfirmationRequest struct {
	OrderID string `json:"orderId"`
	Reject  bool   `json:"reject"`
	Reason  string `json:"reason,omitempty"`
}

// FulfillmentRequest carries free-form delivery details.
type FulfillmentRequest struct {
	OrderID string          `json:"orderId"`
	Details json.RawMessage `json:"details,omitempty"`
}

// CompletionRequest closes a fulfilled order with a review.
type CompletionRequest struct {
	OrderID string `json:"orderId"`
	Rating  int    `json:"rating"`
	Review  string `json:"review,omitempty"`
}

// DisputeRequest opens a dispute.
type DisputeRequest struct {
	OrderID string `json:"orderId"`
	Claim   string `json:"claim"`
}

// DecisionRequest is the moderator's split of the escrow.
type DecisionRequest struct {
	OrderID      string `json:"orderId"`
	BuyerPercent int    `json:"buyerPercent"`
	Resolution   string `json:"resolution"`
}

// OrderRequest names an order.
type OrderRequest struct {
	OrderID string `json:"orderId"`
}

// Purchase handles POST /ob/purchase
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if !bind(c, &req) {
		return
	}
	validators := []func() *validation.ValidationError{
		validation.ValidPeerID("moderator", req.ModeratorID),
		validation.ValidAddress("refundAddress", req.RefundAddress),
	}
	for _, it := range req.Items {
		validators = append(validators, validation.ValidHash("listingHash", it.ListingHash))
	}
	if !validate(c, validators...) {
		return
	}
	req.ModeratorID = validation.SanitizePeerID(req.ModeratorID)

	res, err := h.service.Purchase(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetOrder handles GET /ob/order/:orderId
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// ListOrders handles GET /ob/orders?role=&state=&limit=&cursor=
func (h *Handler) ListOrders(c *gin.Context) {
	var f Filter
	if raw := c.Query("role"); raw != "" {
		role, err := ParseRole(strings.ToLower(raw))
		if err != nil {
			respondError(c, err)
			return
		}
		f.Role = role
	}
	if raw := c.Query("state"); raw != "" {
		state, err := ParseState(strings.ToUpper(raw))
		if err != nil {
			respondError(c, err)
			return
		}
		f.State = state
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		respondError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	f.After = cursor

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}
	f.Limit = limit + 1

	orders, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	orders, next, more := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if orders == nil {
		orders = []*Order{}
	}
	resp := gin.H{"orders": orders, "count": len(orders), "hasMore": more}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// ConfirmOrder handles POST /ob/orderconfirmation
func (h *Handler) ConfirmOrder(c *gin.Context) {
	var req ConfirmationRequest
	if !bind(c, &req) || !validate(c,
		validation.Required("orderId", req.OrderID),
		validation.MaxLength("reason", req.Reason, validation.MaxTextLength),
	) {
		return
	}
	var (
		o   *Order
		err error
	)
	if req.Reject {
		o, err = h.service.Reject(c.Request.Context(), req.OrderID, validation.SanitizeString(req.Reason, validation.MaxTextLength))
	} else {
		o, err = h.service.Confirm(c.Request.Context(), req.OrderID)
	}
	h.respond(c, o, err)
}

// FulfillOrder handles POST /ob/orderfulfillment
func (h *Handler) FulfillOrder(c *gin.Context) {
	var req FulfillmentRequest
	if !bind(c, &req) || !validate(c, validation.Required("orderId", req.OrderID)) {
		return
	}
	o, err := h.service.Fulfill(c.Request.Context(), req.OrderID, req.Details)
	h.respond(c, o, err)
}

// CompleteOrder handles POST /ob/ordercompletion
func (h *Handler) CompleteOrder(c *gin.Context) {
	var req CompletionRequest
	if !bind(c, &req) || !validate(c,
		validation.Required("orderId", req.OrderID),
		validation.MaxLength("review", req.Review, validation.MaxTextLength),
	) {
		return
	}
	o, err := h.service.Complete(c.Request.Context(), req.OrderID, Review{
		Rating: req.Rating,
		Text:   validation.SanitizeString(req.Review, validation.MaxTextLength),
	})
	h.respond(c, o, err)
}

// CancelOrder handles POST /ob/ordercancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req OrderRequest
	if !bind(c, &req) || !validate(c, validation.Required("orderId", req.OrderID)) {
		return
	}
	o, err := h.service.Cancel(c.Request.Context(), req.OrderID)
	h.respond(c, o, err)
}

// OpenDispute handles POST /ob/opendispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if !bind(c, &req) || !validate(c,
		validation.Required("orderId", req.OrderID),
		validation.Required("claim", req.Claim),
		validation.MaxLength("claim", req.Claim, validation.MaxTextLength),
	) {
		return
	}
	o, err := h.service.OpenDispute(c.Request.Context(), req.OrderID, validation.SanitizeString(req.Claim, validation.MaxTextLength))
	h.respond(c, o, err)
}

// CloseDispute handles POST /ob/closedispute
func (h *Handler) CloseDispute(c *gin.Context) {
	var req DecisionRequest
	if !bind(c, &req) || !validate(c,
		validation.Required("orderId", req.OrderID),
		validation.Percent("buyerPercent", req.BuyerPercent),
		validation.MaxLength("resolution", req.Resolution, validation.MaxTextLength),
	) {
		return
	}
	o, err := h.service.CloseDispute(c.Request.Context(), req.OrderID, req.BuyerPercent,
		validation.SanitizeString(req.Resolution, validation.MaxTextLength))
	h.respond(c, o, err)
}

// ReleaseFunds handles POST /ob/releasefunds
func (h *Handler) ReleaseFunds(c *gin.Context) {
	var req OrderRequest
	if !bind(c, &req) || !validate(c, validation.Required("orderId", req.OrderID)) {
		return
	}
	o, err := h.service.ReleaseDecided(c.Request.Context(), req.OrderID)
	h.respond(c, o, err)
}

func (h *Handler) respond(c *gin.Context, o *Order, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid_request",
			"reason": "invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

func validate(c *gin.Context, validators ...func() *validation.ValidationError) bool {
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"reason":  errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

// StatusFor maps an order operation error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrPayoutNotAvailable), errors.Is(err, ErrOrderExists):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrRejectedByPeer):
		return http.StatusConflict, "rejected_by_peer"
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, chain.ErrInsufficientFunds):
		return http.StatusBadRequest, "insufficient_funds"
	case errors.Is(err, ErrAddressMismatch), errors.Is(err, escrow.ErrAddressMismatch):
		return http.StatusBadRequest, "address_mismatch"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusBadRequest, "wrong_role"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrNotModerated), errors.Is(err, ErrNothingEscrowed),
		errors.Is(err, listing.ErrNotFound), errors.Is(err, moderator.ErrNotFound),
		errors.Is(err, chain.ErrInvalidAddress), errors.Is(err, chain.ErrInvalidAmount),
		errors.Is(err, chain.ErrUnknownFeeLevel), errors.Is(err, escrow.ErrInvalidPeerID):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, chain.ErrUnavailable):
		return http.StatusServiceUnavailable, "ledger_unavailable"
	}
	if rej, ok := messaging.AsReject(err); ok && !rej.Retryable {
		return http.StatusConflict, "protocol_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

func respondError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("order operation failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": code, "reason": err.Error()})
}
