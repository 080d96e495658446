package toolproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/autopilot/internal/errs"
)

// Client talks to a Proxy's loopback HTTP surface. The Session Actor drives
// tool calls through a Client, never directly against a backend.
type Client struct {
	baseURL string
	http    *http.Client
}

// Dial connects to a running proxy at addr (host:port, as returned by
// Proxy.Listen).
func Dial(ctx context.Context, addr string) (*Client, error) {
	c := &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.TransportError{Op: "toolproxy.dial", Err: err}
	}
	resp.Body.Close()
	return c, nil
}

// DiscoverTools lists every namespaced tool the proxy currently exposes.
func (c *Client) DiscoverTools(ctx context.Context) ([]ToolSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.TransportError{Op: "toolproxy.discover", Err: err}
	}
	defer resp.Body.Close()
	var specs []ToolSpec
	if err := json.NewDecoder(resp.Body).Decode(&specs); err != nil {
		return nil, &errs.TransportError{Op: "toolproxy.discover_decode", Err: err}
	}
	return specs, nil
}

// Call invokes toolID (`<namespace>__<tool>`) and returns its sanitized,
// possibly-truncated result. callID, if empty, is generated.
func (c *Client) Call(ctx context.Context, callID, toolID string, args json.RawMessage) (content string, isError bool, err error) {
	if callID == "" {
		callID = uuid.NewString()
	}
	body, err := json.Marshal(callRequest{CallID: callID, ToolID: toolID, Args: args})
	if err != nil {
		return "", false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", strings.NewReader(string(body)))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, &errs.TransportError{Op: "toolproxy.call", Err: err}
	}
	defer resp.Body.Close()
	var out callResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, &errs.TransportError{Op: "toolproxy.call_decode", Err: err}
	}
	if out.Err != "" {
		return "", true, fmt.Errorf("%s", out.Err)
	}
	return out.Content, out.IsError, nil
}

// Cancel notifies the proxy that callID should be cancelled downstream. The
// caller treats the in-flight call's outcome as Cancelled regardless of
// whether this notification lands before the call finishes.
func (c *Client) Cancel(ctx context.Context, callID string) error {
	body, _ := json.Marshal(map[string]string{"call_id": callID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cancel", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &errs.TransportError{Op: "toolproxy.cancel", Err: err}
	}
	resp.Body.Close()
	return nil
}

// Close releases client resources. The underlying HTTP client needs no
// explicit teardown; Close exists so callers can defer it uniformly.
func (c *Client) Close() {}
