package broadcast

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BroadcastPath is the HTTP endpoint peers accept broadcast messages on.
const BroadcastPath = "/api/v1/broadcast"

// HTTPTransport delivers broadcast messages by POSTing them to peers'
// broadcast endpoint. Peers are addressed by base URL
// (e.g. "http://10.0.0.2:8480").
type HTTPTransport struct {
	client *http.Client
	token  string
}

// NewHTTPTransport creates an HTTP transport. The token, when non-empty,
// is sent as a bearer token and must match the peer's configured one.
func NewHTTPTransport(token string, timeout time.Duration) *HTTPTransport {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
		token:  token,
	}
}

// SendToPeer posts one encoded message to a peer.
func (t *HTTPTransport) SendToPeer(ctx context.Context, peer string, data []byte) error {
	url := strings.TrimSuffix(peer, "/") + BroadcastPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post broadcast to %s: %w", peer, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s rejected broadcast: %s", peer, resp.Status)
	}
	return nil
}
