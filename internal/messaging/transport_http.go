package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// InboxPath is where peers POST envelopes.
const InboxPath = "/ob/inbox"

// HTTPTransport posts envelopes to peers' gateways using a static
// directory of peer id to base URL.
type HTTPTransport struct {
	client *http.Client

	mu    sync.RWMutex
	peers map[string]string
}

// NewHTTPTransport creates a transport over the given directory.
func NewHTTPTransport(peers map[string]string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t := &HTTPTransport{
		client: &http.Client{Timeout: timeout},
		peers:  make(map[string]string, len(peers)),
	}
	for id, url := range peers {
		t.AddPeer(id, url)
	}
	return t
}

// AddPeer adds or replaces a directory entry.
func (t *HTTPTransport) AddPeer(id, baseURL string) {
	t.mu.Lock()
	t.peers[id] = strings.TrimRight(baseURL, "/")
	t.mu.Unlock()
}

// PeerURL returns the base URL for id.
func (t *HTTPTransport) PeerURL(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.peers[id]
	return u, ok
}

// Peers lists every peer id in the directory, sorted.
func (t *HTTPTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type rejectBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (t *HTTPTransport) Deliver(ctx context.Context, env *Envelope) error {
	base, ok := t.PeerURL(env.Recipient)
	if !ok {
		return fmt.Errorf("%w: %w %s", ErrPeerUnreachable, ErrUnknownPeer, env.Recipient)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("messaging: encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+InboxPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("messaging: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusBadRequest:
		var rb rejectBody
		_ = json.Unmarshal(raw, &rb)
		if rb.Reason == "" {
			rb.Reason = http.StatusText(resp.StatusCode)
		}
		return &RejectError{Reason: rb.Reason, Retryable: resp.StatusCode == http.StatusConflict}
	}
	return fmt.Errorf("%w: %s returned %d", ErrPeerUnreachable, env.Recipient, resp.StatusCode)
}

// StatusFor maps a Receive error to the inbox response status.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if rej, ok := AsReject(err); ok {
		if rej.Retryable {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
