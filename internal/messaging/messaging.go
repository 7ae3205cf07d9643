// Package messaging carries signed protocol messages between peers.
//
// Delivery is at-least-once: Send tries the peer once and otherwise parks
// the message in a durable outbox that is drained with backoff until the
// peer accepts it. Receivers verify the sender's signature, drop message
// ids they have already processed, and hand the rest to a Handler.
package messaging

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/mbd888/tradenode/internal/escrow"
)

var (
	ErrPeerUnreachable  = errors.New("messaging: peer unreachable")
	ErrUnknownPeer      = errors.New("messaging: unknown peer")
	ErrInvalidSignature = errors.New("messaging: invalid envelope signature")
	ErrMalformed        = errors.New("messaging: malformed envelope")
	ErrWrongRecipient   = errors.New("messaging: envelope addressed to another peer")
)

// Kind tags a protocol step.
type Kind string

const (
	KindOrder             Kind = "ORDER"
	KindOrderConfirmation Kind = "ORDER_CONFIRMATION"
	KindOrderReject       Kind = "ORDER_REJECT"
	KindOrderPayment      Kind = "ORDER_PAYMENT"
	KindOrderFulfillment  Kind = "ORDER_FULFILLMENT"
	KindOrderCompletion   Kind = "ORDER_COMPLETION"
	KindOrderCancel       Kind = "ORDER_CANCEL"
	KindRefund            Kind = "REFUND"
	KindDisputeOpen       Kind = "DISPUTE_OPEN"
	KindDisputeClose      Kind = "DISPUTE_CLOSE"
)

var knownKinds = map[Kind]bool{
	KindOrder:             true,
	KindOrderConfirmation: true,
	KindOrderReject:       true,
	KindOrderPayment:      true,
	KindOrderFulfillment:  true,
	KindOrderCompletion:   true,
	KindOrderCancel:       true,
	KindRefund:            true,
	KindDisputeOpen:       true,
	KindDisputeClose:      true,
}

// Valid reports whether k is one of the protocol kinds.
func (k Kind) Valid() bool {
	return knownKinds[k]
}

// Envelope is the signed wire form of every protocol message.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	OrderID   string          `json:"orderId"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// RejectError is a protocol error: the receiver looked at the message and
// refused it. Retryable rejects mean the receiver's replica is behind and
// the same message may apply later.
type RejectError struct {
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

func (e *RejectError) Error() string {
	if e.Retryable {
		return "messaging: rejected (retryable): " + e.Reason
	}
	return "messaging: rejected: " + e.Reason
}

// Reject builds a permanent protocol error.
func Reject(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// Defer builds a retryable protocol error.
func Defer(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...), Retryable: true}
}

// AsReject unwraps a RejectError from err.
func AsReject(err error) (*RejectError, bool) {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Handler applies a verified envelope to local state.
type Handler interface {
	HandleMessage(ctx context.Context, env *Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *Envelope) error

func (f HandlerFunc) HandleMessage(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

// Receiver is the inbound side a transport delivers into.
type Receiver interface {
	Receive(ctx context.Context, env *Envelope) error
}

// Transport moves one envelope to its recipient. Implementations return
// ErrPeerUnreachable when the peer could not be reached and the
// receiver's error (typically a *RejectError) when it refused.
type Transport interface {
	Deliver(ctx context.Context, env *Envelope) error
}

// -----------------------------------------------------------------------------
// Sealing
// -----------------------------------------------------------------------------

// NewEnvelope builds an unsigned envelope from key's identity to recipient.
func NewEnvelope(sender, recipient string, kind Kind, orderID string, payload any) (*Envelope, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("messaging: encode %s payload: %w", kind, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		OrderID:   orderID,
		Sender:    sender,
		Recipient: recipient,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Digest is the keccak hash the sender signs.
func (e *Envelope) Digest() common.Hash {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp.UnixNano()))
	return crypto.Keccak256Hash(
		[]byte("tradenode/envelope"),
		lengthPrefixed(e.ID),
		lengthPrefixed(string(e.Kind)),
		lengthPrefixed(e.OrderID),
		lengthPrefixed(e.Sender),
		lengthPrefixed(e.Recipient),
		ts[:],
		crypto.Keccak256(e.Payload),
	)
}

func lengthPrefixed(s string) []byte {
	out := make([]byte, 4, 4+len(s))
	binary.BigEndian.PutUint32(out, uint32(len(s)))
	return append(out, s...)
}

// Seal signs the envelope with the sender's identity key.
func (e *Envelope) Seal(key *ecdsa.PrivateKey) error {
	if escrow.PeerID(&key.PublicKey) != e.Sender {
		return fmt.Errorf("%w: key does not match sender", ErrInvalidSignature)
	}
	digest := e.Digest()
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return fmt.Errorf("messaging: sign envelope: %w", err)
	}
	e.Signature = common.Bytes2Hex(sig)
	return nil
}

// Verify checks structure and that the signature recovers Sender.
func (e *Envelope) Verify() error {
	if e.ID == "" || e.Sender == "" || e.Recipient == "" || e.OrderID == "" {
		return fmt.Errorf("%w: missing header fields", ErrMalformed)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not JSON", ErrMalformed)
	}
	sig := common.FromHex(e.Signature)
	if len(sig) != crypto.SignatureLength {
		return ErrInvalidSignature
	}
	digest := e.Digest()
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !strings.EqualFold(escrow.PeerID(pub), e.Sender) {
		return fmt.Errorf("%w: signer is not %s", ErrInvalidSignature, e.Sender)
	}
	return nil
}

// Decode unmarshals the payload into v, refusing unknown fields.
func (e *Envelope) Decode(v any) error {
	dec := json.NewDecoder(strings.NewReader(string(e.Payload)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return Reject("malformed %s payload: %v", e.Kind, err)
	}
	return nil
}
