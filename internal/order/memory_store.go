package order

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory order store for tests and demo nodes.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrOrderExists
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Order, error) {
	m.mu.RLock()
	var out []*Order
	for _, o := range m.orders {
		if f.match(o) {
			out = append(out, o.Clone())
		}
	}
	m.mu.RUnlock()
	return limitNewest(out, f.Limit), nil
}

func (m *MemoryStore) ListByAddress(ctx context.Context, address string) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Order
	for _, o := range m.orders {
		if sameAddress(o.PaymentAddress(), address) {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

// limitNewest sorts newest first and truncates to limit.
func limitNewest(out []*Order, limit int) []*Order {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
