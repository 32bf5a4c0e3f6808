// Package upstream is the HTTP client the proxy (C10) uses to talk to a
// supervised llama.cpp-compatible inference server over loopback. It
// generalizes the teacher's ollama.Client request/stream idiom from a
// single fixed Ollama sidecar to any port the supervisor hands back.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client forwards requests to inference servers on loopback ports.
type Client struct {
	httpClient *http.Client
}

// New builds a Client with no request timeout: upstream responses may
// stream for as long as generation runs.
func New() *Client {
	return &Client{httpClient: &http.Client{Timeout: 0}}
}

// hopByHopHeaders are stripped before forwarding, matching the proxy's
// "forwarding headers (minus Host/Content-Length)" rule (spec §4.6).
var hopByHopHeaders = map[string]bool{
	"host":           true,
	"content-length": true,
}

// Forward issues method/path against the server on port, copying header
// (minus hop-by-hop fields) and streaming body, and returns the raw
// response for the caller to relay byte-for-byte.
func (c *Client) Forward(ctx context.Context, port int, method, path string, header http.Header, body io.Reader) (*http.Response, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vv := range header {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	return c.httpClient.Do(req)
}

// HealthURL returns the loopback health-check URL for port, the same
// format the supervisor polls at startup (spec §4.5).
func HealthURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", port)
}
