package moderator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/tradenode/internal/escrow"
)

func newProfile(t *testing.T, name string) *Profile {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return &Profile{PeerID: escrow.PeerID(&k.PublicKey), Name: name, Fee: 250_000}
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	p := newProfile(t, "Judy")

	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got, err := r.Resolve(ctx, p.PeerID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.Name != "Judy" || got.UpdatedAt.IsZero() {
		t.Errorf("Unexpected profile %+v", got)
	}
	pub, err := got.PublicKey()
	if err != nil || escrow.PeerID(pub) != p.PeerID {
		t.Errorf("Expected public key to round-trip, got %v", err)
	}

	if _, err := r.Resolve(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	list, _ := r.List(ctx)
	if len(list) != 1 {
		t.Errorf("Expected 1 profile, got %d", len(list))
	}
}

func TestProfile_Validate(t *testing.T) {
	if err := (&Profile{PeerID: "abc", Name: "x"}).Validate(); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("Expected bad peer id rejected, got %v", err)
	}
	p := newProfile(t, "")
	if err := p.Validate(); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("Expected missing name rejected, got %v", err)
	}
}

type dir map[string]string

func (d dir) PeerURL(id string) (string, bool) { u, ok := d[id]; return u, ok }

func TestRemoteRegistry_FetchesAndCaches(t *testing.T) {
	p := newProfile(t, "Remote Mod")
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/ob/moderator/"+p.PeerID {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(p)
	}))
	defer srv.Close()

	r := NewRemoteRegistry(NewMemoryRegistry(), dir{p.PeerID: srv.URL}, 0)
	for i := 0; i < 2; i++ {
		got, err := r.Resolve(context.Background(), p.PeerID)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got.Name != "Remote Mod" {
			t.Errorf("Unexpected profile %+v", got)
		}
	}
	if calls != 1 {
		t.Errorf("Expected one remote fetch, got %d", calls)
	}

	if _, err := r.Resolve(context.Background(), "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
