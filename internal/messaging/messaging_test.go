package messaging

import (
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/tradenode/internal/escrow"
)

type notice struct {
	Note string `json:"note"`
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return k
}

func sealed(t *testing.T, from *ecdsa.PrivateKey, to string, kind Kind) *Envelope {
	t.Helper()
	env, err := NewEnvelope(escrow.PeerID(&from.PublicKey), to, kind, "sha256:abc", notice{Note: "hi"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := env.Seal(from); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return env
}

func TestEnvelope_SealVerify(t *testing.T) {
	alice, bob := newKey(t), newKey(t)
	env := sealed(t, alice, escrow.PeerID(&bob.PublicKey), KindOrder)

	if err := env.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	tampered := *env
	tampered.Payload = []byte(`{"note":"bye"}`)
	if err := tampered.Verify(); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected tampered payload to fail, got %v", err)
	}

	spoofed := *env
	spoofed.Sender = escrow.PeerID(&bob.PublicKey)
	if err := spoofed.Verify(); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected spoofed sender to fail, got %v", err)
	}
}

func TestEnvelope_SealWrongKey(t *testing.T) {
	alice, bob := newKey(t), newKey(t)
	env, _ := NewEnvelope(escrow.PeerID(&alice.PublicKey), "x", KindOrder, "sha256:abc", notice{})
	if err := env.Seal(bob); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature, got %v", err)
	}
}

func TestEnvelope_UnknownKind(t *testing.T) {
	if _, err := NewEnvelope("a", "b", Kind("GOSSIP"), "sha256:abc", notice{}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed, got %v", err)
	}
}

func TestEnvelope_DecodeRejectsUnknownFields(t *testing.T) {
	env := &Envelope{Kind: KindOrder, Payload: []byte(`{"note":"x","extra":1}`)}
	var n notice
	err := env.Decode(&n)
	rej, ok := AsReject(err)
	if !ok || rej.Retryable {
		t.Fatalf("Expected permanent reject, got %v", err)
	}

	env.Payload = []byte(`{"note":"x"}`)
	if err := env.Decode(&n); err != nil || n.Note != "x" {
		t.Fatalf("Decode failed: %v %+v", err, n)
	}
}

func TestRecentIDs_Evicts(t *testing.T) {
	r := newRecentIDs(2)
	r.Add("a")
	r.Add("b")
	r.Add("a")
	r.Add("c")
	if r.Has("a") {
		t.Error("Expected oldest id evicted")
	}
	if !r.Has("b") || !r.Has("c") {
		t.Error("Expected recent ids retained")
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[int]error{
		200: nil,
		409: Defer("order unknown"),
		400: Reject("bad payload"),
		500: errors.New("disk full"),
	}
	for want, err := range cases {
		if got := StatusFor(err); got != want {
			t.Errorf("StatusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
