package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		reject    bool
	}{
		{name: "accepted", status: http.StatusOK},
		{name: "behind", status: http.StatusConflict, body: `{"error":"protocol_error","reason":"order unknown"}`, reject: true, retryable: true},
		{name: "malformed", status: http.StatusBadRequest, body: `{"error":"protocol_error","reason":"bad payload"}`, reject: true},
		{name: "server error", status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Envelope
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, InboxPath, r.URL.Path)
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tr := NewHTTPTransport(map[string]string{"vendor": srv.URL + "/"}, 0)
			err := tr.Deliver(context.Background(), &Envelope{ID: "m1", Recipient: "vendor", Kind: KindOrder, Payload: []byte(`{}`)})

			assert.Equal(t, "m1", got.ID)
			switch {
			case tt.reject:
				rej, ok := AsReject(err)
				require.True(t, ok, "expected reject, got %v", err)
				assert.Equal(t, tt.retryable, rej.Retryable)
				assert.NotEmpty(t, rej.Reason)
			case tt.status == http.StatusOK:
				assert.NoError(t, err)
			default:
				assert.ErrorIs(t, err, ErrPeerUnreachable)
			}
		})
	}
}

func TestHTTPTransport_UnknownAndDownPeers(t *testing.T) {
	tr := NewHTTPTransport(nil, 0)
	err := tr.Deliver(context.Background(), &Envelope{Recipient: "ghost"})
	assert.True(t, errors.Is(err, ErrPeerUnreachable) && errors.Is(err, ErrUnknownPeer))

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	tr.AddPeer("vendor", url)
	err = tr.Deliver(context.Background(), &Envelope{Recipient: "vendor", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrPeerUnreachable)
}
