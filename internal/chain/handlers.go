package chain

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradenode/internal/logging"
	"github.com/mbd888/tradenode/internal/validation"
)

// Handler exposes the node wallet.
type Handler struct {
	adapter Adapter
}

// NewHandler creates a wallet handler.
func NewHandler(adapter Adapter) *Handler {
	return &Handler{adapter: adapter}
}

// RegisterRoutes sets up the /wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/address", h.Address)
	r.GET("/balance", h.Balance)
	r.GET("/fees", h.Fees)
	r.POST("/spend", h.Spend)
}

// SpendRequest pays amount base units to address.
type SpendRequest struct {
	Address  string `json:"address"`
	Amount   uint64 `json:"amount"`
	FeeLevel string `json:"feeLevel,omitempty"`
}

// Address handles GET /wallet/address
func (h *Handler) Address(c *gin.Context) {
	addr, err := h.adapter.NewAddress(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr})
}

// Balance handles GET /wallet/balance
func (h *Handler) Balance(c *gin.Context) {
	b, err := h.adapter.Balance(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Fees handles GET /wallet/fees
func (h *Handler) Fees(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		string(FeeEconomic): h.adapter.EstimateFee(FeeEconomic),
		string(FeeNormal):   h.adapter.EstimateFee(FeeNormal),
		string(FeePriority): h.adapter.EstimateFee(FeePriority),
	})
}

// Spend handles POST /wallet/spend
func (h *Handler) Spend(c *gin.Context) {
	var req SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.Required("address", req.Address),
		validation.ValidAddress("address", req.Address),
		validation.Positive("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "reason": errs.Error(), "details": errs})
		return
	}
	level, err := ParseFeeLevel(req.FeeLevel)
	if err != nil {
		respondError(c, err)
		return
	}

	txid, err := h.adapter.Spend(c.Request.Context(), req.Address, req.Amount, level)
	if err != nil {
		respondError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("wallet spend", "to", req.Address, "amount", req.Amount, "txid", txid)
	c.JSON(http.StatusOK, gin.H{"txid": txid, "amount": req.Amount, "fee": h.adapter.EstimateFee(level)})
}

func respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		status, code = http.StatusBadRequest, "insufficient_funds"
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownFeeLevel):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "ledger_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "reason": err.Error()})
}
