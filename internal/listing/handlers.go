package listing

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradenode/internal/validation"
)

// Handler serves this node's listings and caches other vendors' content
// for peers. Content and index responses are bare JSON so peers can hash
// what they fetch.
type Handler struct {
	store Store
	self  string
}

// NewHandler creates a listing handler. Listings published through it are
// always attributed to self.
func NewHandler(store Store, self string) *Handler {
	return &Handler{store: store, self: self}
}

// RegisterRoutes sets up listing routes under /ob.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listing", h.Publish)
	r.GET("/listings/:peerId", validation.PeerParamMiddleware(), h.Index)
	r.GET("/content/:hash", h.Content)
}

// Publish handles POST /ob/listing
func (h *Handler) Publish(c *gin.Context) {
	var l Listing
	if err := c.ShouldBindJSON(&l); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": err.Error()})
		return
	}
	l.VendorID = h.self
	l.Title = validation.SanitizeString(l.Title, 200)
	l.Description = validation.SanitizeString(l.Description, validation.MaxTextLength)

	hash, err := h.store.Publish(c.Request.Context(), &l)
	if err != nil {
		status, code := http.StatusInternalServerError, "internal_error"
		if errors.Is(err, ErrInvalidListing) {
			status, code = http.StatusBadRequest, "invalid_listing"
		}
		c.JSON(status, gin.H{"error": code, "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": hash, "listing": l})
}

// Index handles GET /ob/listings/:peerId
func (h *Handler) Index(c *gin.Context) {
	entries, err := h.store.ResolveLatestIndex(c.Request.Context(), validation.SanitizePeerID(c.Param("peerId")))
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []IndexEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// Content handles GET /ob/content/:hash
func (h *Handler) Content(c *gin.Context) {
	l, err := h.store.Get(c.Request.Context(), c.Param("hash"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "lookup_failed", "reason": err.Error()})
}
