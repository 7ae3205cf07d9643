// Package listing publishes vendor listings as content-addressed documents
// and keeps a per-vendor index of the latest version of each listing.
package listing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mbd888/tradenode/internal/canonhash"
)

var (
	ErrNotFound       = errors.New("listing: not found")
	ErrInvalidListing = errors.New("listing: invalid listing")
)

// DefaultCurrency is the settlement token.
const DefaultCurrency = "USDC"

// Listing is an item a vendor offers. Price is in base units.
type Listing struct {
	VendorID    string `json:"vendorId"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Price       uint64 `json:"price"`
	Currency    string `json:"currency"`
}

// Validate checks required fields.
func (l *Listing) Validate() error {
	switch {
	case l.VendorID == "":
		return fmt.Errorf("%w: vendorId is required", ErrInvalidListing)
	case l.Slug == "":
		return fmt.Errorf("%w: slug is required", ErrInvalidListing)
	case strings.ContainsAny(l.Slug, " /"):
		return fmt.Errorf("%w: slug must not contain spaces or slashes", ErrInvalidListing)
	case l.Title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidListing)
	case l.Price == 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidListing)
	}
	return nil
}

// Hash is the listing's content address.
func (l *Listing) Hash() (string, error) {
	h, _, err := canonhash.SumObject(l)
	return h, err
}

// IndexEntry summarizes one listing in a vendor's index.
type IndexEntry struct {
	Hash  string `json:"hash"`
	Slug  string `json:"slug"`
	Title string `json:"title"`
	Price uint64 `json:"price"`
}

// Store publishes and resolves listings.
type Store interface {
	Publish(ctx context.Context, l *Listing) (string, error)
	Get(ctx context.Context, hash string) (*Listing, error)
	ResolveLatestIndex(ctx context.Context, peerID string) ([]IndexEntry, error)
}

// MemoryStore keeps content and indexes in memory. One instance can be
// shared by several in-process nodes.
type MemoryStore struct {
	mu      sync.RWMutex
	content map[string]*Listing
	index   map[string]map[string]IndexEntry // vendor -> slug -> latest
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		content: make(map[string]*Listing),
		index:   make(map[string]map[string]IndexEntry),
	}
}

// Publish stores l and makes it the latest version of its slug.
func (m *MemoryStore) Publish(ctx context.Context, l *Listing) (string, error) {
	if l.Currency == "" {
		l.Currency = DefaultCurrency
	}
	if err := l.Validate(); err != nil {
		return "", err
	}
	hash, err := l.Hash()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.content[hash] = &cp
	if m.index[l.VendorID] == nil {
		m.index[l.VendorID] = make(map[string]IndexEntry)
	}
	m.index[l.VendorID][l.Slug] = IndexEntry{Hash: hash, Slug: l.Slug, Title: l.Title, Price: l.Price}
	return hash, nil
}

// Put caches content fetched elsewhere without touching any index.
func (m *MemoryStore) Put(hash string, l *Listing) {
	m.mu.Lock()
	cp := *l
	m.content[hash] = &cp
	m.mu.Unlock()
}

func (m *MemoryStore) Get(ctx context.Context, hash string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.content[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// ResolveLatestIndex lists a vendor's current listings sorted by slug.
func (m *MemoryStore) ResolveLatestIndex(ctx context.Context, peerID string) ([]IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]IndexEntry, 0, len(m.index[peerID]))
	for _, e := range m.index[peerID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}
