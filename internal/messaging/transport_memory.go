package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryNetwork connects messengers in one process. Members can go offline
// and come back, which is how tests simulate an unreachable vendor.
type MemoryNetwork struct {
	mu      sync.RWMutex
	members map[string]Receiver
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{members: make(map[string]Receiver)}
}

// Join brings peer online, delivering to r.
func (n *MemoryNetwork) Join(peer string, r Receiver) {
	n.mu.Lock()
	n.members[peer] = r
	n.mu.Unlock()
}

// Leave takes peer offline.
func (n *MemoryNetwork) Leave(peer string) {
	n.mu.Lock()
	delete(n.members, peer)
	n.mu.Unlock()
}

// Online reports whether peer is reachable.
func (n *MemoryNetwork) Online(peer string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.members[peer]
	return ok
}

// Deliver hands a copy of env to the recipient synchronously.
func (n *MemoryNetwork) Deliver(ctx context.Context, env *Envelope) error {
	n.mu.RLock()
	r, ok := n.members[env.Recipient]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s is offline", ErrPeerUnreachable, env.Recipient)
	}

	cp := *env
	cp.Payload = append(json.RawMessage(nil), env.Payload...)
	return r.Receive(ctx, &cp)
}
