package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Directory maps peer ids to gateway base URLs.
type Directory interface {
	PeerURL(id string) (string, bool)
	Peers() []string
}

// RemoteResolver serves local listings and fetches other vendors' listings
// from their gateways, caching verified content locally.
type RemoteResolver struct {
	local  *MemoryStore
	peers  Directory
	client *http.Client
}

// NewRemoteResolver wraps local with remote lookups through peers.
func NewRemoteResolver(local *MemoryStore, peers Directory, timeout time.Duration) *RemoteResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteResolver{local: local, peers: peers, client: &http.Client{Timeout: timeout}}
}

func (r *RemoteResolver) Publish(ctx context.Context, l *Listing) (string, error) {
	return r.local.Publish(ctx, l)
}

// Get returns cached content or asks every known peer for it.
func (r *RemoteResolver) Get(ctx context.Context, hash string) (*Listing, error) {
	if l, err := r.local.Get(ctx, hash); err == nil {
		return l, nil
	}
	for _, id := range r.peers.Peers() {
		l, err := r.fetchContent(ctx, id, hash)
		if err == nil {
			return l, nil
		}
	}
	return nil, ErrNotFound
}

// ResolveLatestIndex returns peerID's index, from its gateway when remote.
func (r *RemoteResolver) ResolveLatestIndex(ctx context.Context, peerID string) ([]IndexEntry, error) {
	base, ok := r.peers.PeerURL(peerID)
	if !ok {
		return r.local.ResolveLatestIndex(ctx, peerID)
	}
	var entries []IndexEntry
	if err := r.getJSON(ctx, base+"/ob/listings/"+url.PathEscape(peerID), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *RemoteResolver) fetchContent(ctx context.Context, peerID, hash string) (*Listing, error) {
	base, ok := r.peers.PeerURL(peerID)
	if !ok {
		return nil, ErrNotFound
	}
	var l Listing
	if err := r.getJSON(ctx, base+"/ob/content/"+url.PathEscape(hash), &l); err != nil {
		return nil, err
	}
	got, err := l.Hash()
	if err != nil {
		return nil, err
	}
	if got != hash {
		return nil, fmt.Errorf("%w: content from %s does not match %s", ErrInvalidListing, peerID, hash)
	}
	r.local.Put(hash, &l)
	return &l, nil
}

func (r *RemoteResolver) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("listing: fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing: fetch %s: status %d", u, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Join(ErrInvalidListing, err)
	}
	return nil
}
