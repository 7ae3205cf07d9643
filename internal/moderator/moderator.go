// Package moderator registers moderator profiles and resolves a moderator's
// peer id to the public key used when building moderated escrow.
package moderator

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/tradenode/internal/escrow"
)

var (
	ErrNotFound       = errors.New("moderator: not found")
	ErrInvalidProfile = errors.New("moderator: invalid profile")
)

// Profile is what a moderator publishes about itself. Fee is a flat fee
// in base units, recorded for display.
type Profile struct {
	PeerID      string    `json:"peerId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Fee         uint64    `json:"fee"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Validate checks the profile and that PeerID carries a usable key.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if _, err := escrow.ParsePeerID(p.PeerID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return nil
}

// PublicKey returns the moderator's identity key.
func (p *Profile) PublicKey() (*ecdsa.PublicKey, error) {
	return escrow.ParsePeerID(p.PeerID)
}

// Registry stores and resolves moderator profiles.
type Registry interface {
	Register(ctx context.Context, p *Profile) error
	Resolve(ctx context.Context, peerID string) (*Profile, error)
	List(ctx context.Context) ([]*Profile, error)
}

// MemoryRegistry keeps profiles in memory.
type MemoryRegistry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{profiles: make(map[string]*Profile)}
}

func (m *MemoryRegistry) Register(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cp := *p
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.profiles[p.PeerID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryRegistry) Resolve(ctx context.Context, peerID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[peerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRegistry) List(ctx context.Context) ([]*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Directory maps peer ids to gateway base URLs.
type Directory interface {
	PeerURL(id string) (string, bool)
}

// RemoteRegistry answers from the local registry and falls back to asking
// the moderator's own gateway.
type RemoteRegistry struct {
	*MemoryRegistry
	peers  Directory
	client *http.Client
}

// NewRemoteRegistry wraps local with gateway lookups.
func NewRemoteRegistry(local *MemoryRegistry, peers Directory, timeout time.Duration) *RemoteRegistry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteRegistry{MemoryRegistry: local, peers: peers, client: &http.Client{Timeout: timeout}}
}

func (r *RemoteRegistry) Resolve(ctx context.Context, peerID string) (*Profile, error) {
	if p, err := r.MemoryRegistry.Resolve(ctx, peerID); err == nil {
		return p, nil
	}
	base, ok := r.peers.PeerURL(peerID)
	if !ok {
		return nil, ErrNotFound
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/ob/moderator/"+url.PathEscape(peerID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("moderator: fetch profile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("moderator: fetch profile: status %d", resp.StatusCode)
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if p.PeerID != peerID {
		return nil, fmt.Errorf("%w: gateway answered for %s", ErrInvalidProfile, p.PeerID)
	}
	if err := r.MemoryRegistry.Register(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
