package messaging

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrEntryNotFound = errors.New("messaging: outbox entry not found")

// OutboxEntry is an undelivered envelope and its retry schedule.
type OutboxEntry struct {
	Envelope    *Envelope `json:"envelope"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"nextAttempt"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ID is the envelope id.
func (e *OutboxEntry) ID() string {
	return e.Envelope.ID
}

// Outbox persists envelopes until their recipient accepts them.
type Outbox interface {
	Enqueue(ctx context.Context, entry *OutboxEntry) error
	// Pending returns entries due at or before now, oldest first.
	// A zero now returns every entry.
	Pending(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error)
	Update(ctx context.Context, entry *OutboxEntry) error
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

func sortEntries(entries []*OutboxEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

func due(e *OutboxEntry, now time.Time) bool {
	return now.IsZero() || !e.NextAttempt.After(now)
}

// MemoryOutbox keeps entries in memory for demo mode and tests.
type MemoryOutbox struct {
	mu      sync.RWMutex
	entries map[string]*OutboxEntry
}

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[string]*OutboxEntry)}
}

func (m *MemoryOutbox) Enqueue(ctx context.Context, entry *OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[entry.ID()] = &cp
	return nil
}

func (m *MemoryOutbox) Pending(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*OutboxEntry
	for _, e := range m.entries {
		if due(e, now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryOutbox) Update(ctx context.Context, entry *OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.ID()]; !ok {
		return ErrEntryNotFound
	}
	cp := *entry
	m.entries[entry.ID()] = &cp
	return nil
}

func (m *MemoryOutbox) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *MemoryOutbox) Len(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}
