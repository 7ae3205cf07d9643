// Package validation checks gateway input: peer ids, payment addresses,
// amounts and free-text fields.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxTextLength bounds reasons, claims and descriptions.
const MaxTextLength = 4000

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// compressed secp256k1 public key, hex
	peerIDRegex = regexp.MustCompile(`^(0x)?0[23][a-fA-F0-9]{64}$`)
	hashRegex   = regexp.MustCompile(`^(sha256:|0x)?[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidPeerID checks the shape of a peer id. It does not check that the
// key is on the curve.
func IsValidPeerID(id string) bool {
	return peerIDRegex.MatchString(id)
}

// IsValidHash checks for a 32-byte hex digest, optionally "sha256:" or
// "0x" prefixed (listing content addresses, order ids).
func IsValidHash(s string) bool {
	return hashRegex.MatchString(s)
}

// SanitizeString trims, truncates and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizePeerID lowercases and drops a 0x prefix.
func SanitizePeerID(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks a payment address. Empty passes; combine with Required.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// ValidPeerID checks a peer id. Empty passes; combine with Required.
func ValidPeerID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidPeerID(value) {
			return &ValidationError{Field: field, Message: "must be a compressed public key (66 hex chars)"}
		}
		return nil
	}
}

// ValidHash checks a 32-byte hex id. Empty passes; combine with Required.
func ValidHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidHash(value) {
			return &ValidationError{Field: field, Message: "must be 64 hex chars"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Positive checks a base-unit amount.
func Positive(field string, value uint64) func() *ValidationError {
	return func() *ValidationError {
		if value == 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// Percent checks 0..100 inclusive.
func Percent(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 || value > 100 {
			return &ValidationError{Field: field, Message: "must be between 0 and 100"}
		}
		return nil
	}
}

// PeerParamMiddleware rejects a malformed :peerId URL parameter early.
func PeerParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("peerId")
		if id != "" && !IsValidPeerID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":  "invalid_peer_id",
				"reason": "peerId must be a compressed public key (66 hex chars)",
			})
			return
		}
		c.Next()
	}
}
