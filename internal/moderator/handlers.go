package moderator

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradenode/internal/validation"
)

// RegisterFunc publishes the local node as a moderator.
type RegisterFunc func(ctx context.Context, name, description string, fee uint64) (*Profile, error)

// Handler serves moderator profiles to buyers and peers.
type Handler struct {
	registry Registry
	register RegisterFunc
}

// NewHandler creates a moderator handler. register may be nil on nodes
// that never moderate.
func NewHandler(registry Registry, register RegisterFunc) *Handler {
	return &Handler{registry: registry, register: register}
}

// RegisterRoutes sets up moderator routes under /ob.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/moderator", h.Register)
	r.GET("/moderators", h.List)
	r.GET("/moderator/:peerId", validation.PeerParamMiddleware(), h.Get)
}

// RegisterRequest is the local node's moderator profile.
type RegisterRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Fee         uint64 `json:"fee"`
}

// Register handles POST /ob/moderator
func (h *Handler) Register(c *gin.Context) {
	if h.register == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "not_supported", "reason": "this node does not moderate"})
		return
	}
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": err.Error()})
		return
	}
	p, err := h.register(c.Request.Context(),
		validation.SanitizeString(req.Name, 200),
		validation.SanitizeString(req.Description, validation.MaxTextLength),
		req.Fee)
	if err != nil {
		if errors.Is(err, ErrInvalidProfile) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_profile", "reason": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Get handles GET /ob/moderator/:peerId. The body is the bare profile.
func (h *Handler) Get(c *gin.Context) {
	p, err := h.registry.Resolve(c.Request.Context(), validation.SanitizePeerID(c.Param("peerId")))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "reason": "moderator not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "lookup_failed", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

// List handles GET /ob/moderators
func (h *Handler) List(c *gin.Context) {
	profiles, err := h.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "reason": err.Error()})
		return
	}
	if profiles == nil {
		profiles = []*Profile{}
	}
	c.JSON(http.StatusOK, gin.H{"moderators": profiles, "count": len(profiles)})
}
