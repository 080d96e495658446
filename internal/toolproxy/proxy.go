// Package toolproxy exposes a single endpoint that multiplexes tool calls
// to multiple backends by namespace, the way a single mTLS listener fans a
// sandboxed container's tools and an external fixed service's tools out to
// one client under namespaced tool ids (`<namespace>__<tool>`).
package toolproxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/autopilot/internal/errs"
)

// maxResultBytes bounds a tool result before the proxy truncates it with an
// explicit marker.
const maxResultBytes = 64 * 1024

const truncatedMarker = "\n...[truncated]"

// Backend executes one tool call and returns its textual result.
type Backend interface {
	Call(ctx context.Context, tool string, args json.RawMessage) (content string, isError bool, err error)
	Cancel(ctx context.Context, callID string) error
	Tools(ctx context.Context) ([]ToolSpec, error)
}

// ToolSpec describes one tool a backend exposes, as surfaced to the Session
// Actor after namespacing.
type ToolSpec struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Config configures privacy knobs fixed at proxy start.
type Config struct {
	Logger          *slog.Logger
	RedactSecrets   bool
	PrivacyMode     bool
	SecretPatterns  []*regexp.Regexp
}

// Proxy routes namespaced tool calls to registered backends and tracks
// in-flight call ids so duplicates are rejected.
type Proxy struct {
	mu       sync.Mutex
	backends map[string]Backend
	inFlight map[string]context.CancelFunc

	logger  *slog.Logger
	cfg     Config
	server  *http.Server
	address string
}

// New creates an unstarted Proxy.
func New(cfg Config) (*Proxy, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.SecretPatterns) == 0 {
		cfg.SecretPatterns = defaultSecretPatterns()
	}
	return &Proxy{
		backends: make(map[string]Backend),
		inFlight: make(map[string]context.CancelFunc),
		logger:   logger.With("component", "toolproxy"),
		cfg:      cfg,
	}, nil
}

func defaultSecretPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.]{10,}`),
		regexp.MustCompile(`ghp_[A-Za-z0-9]{30,}`),
	}
}

// RegisterInProcess binds namespace to a locally-executing backend.
func (p *Proxy) RegisterInProcess(namespace string, backend Backend) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if namespace == "" {
		return &errs.ValidationError{Field: "namespace", Msg: "must not be empty"}
	}
	p.backends[namespace] = backend
	return nil
}

// RegisterRemote binds namespace to a remote HTTP(S) tool server, optionally
// over mTLS when tlsCfg is non-nil.
func (p *Proxy) RegisterRemote(namespace string, baseURL string, tlsCfg *tls.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if namespace == "" {
		return &errs.ValidationError{Field: "namespace", Msg: "must not be empty"}
	}
	client := &http.Client{Timeout: 30 * time.Second}
	if tlsCfg != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	p.backends[namespace] = &remoteBackend{baseURL: strings.TrimRight(baseURL, "/"), client: client}
	return nil
}

// Listen starts the proxy's loopback HTTP listener and returns its address.
func (p *Proxy) Listen(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", &errs.TransportError{Op: "toolproxy.listen", Err: err}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", p.handleTools)
	mux.HandleFunc("/call", p.handleCall)
	mux.HandleFunc("/cancel", p.handleCancel)

	p.server = &http.Server{Handler: mux}
	p.address = ln.Addr().String()
	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("proxy server exited", "error", err)
		}
	}()
	return p.address, nil
}

// Shutdown broadcasts a cancellation to every in-flight call, then stops the
// listener. Idempotent.
func (p *Proxy) Shutdown(ctx context.Context) {
	p.mu.Lock()
	for id, cancel := range p.inFlight {
		cancel()
		delete(p.inFlight, id)
	}
	srv := p.server
	p.server = nil
	p.mu.Unlock()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func (p *Proxy) handleTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p.mu.Lock()
	namespaces := make([]string, 0, len(p.backends))
	for ns, be := range p.backends {
		namespaces = append(namespaces, ns)
		_ = be
	}
	backends := make(map[string]Backend, len(p.backends))
	for k, v := range p.backends {
		backends[k] = v
	}
	p.mu.Unlock()

	var all []ToolSpec
	for _, ns := range namespaces {
		specs, err := backends[ns].Tools(ctx)
		if err != nil {
			p.logger.Warn("backend tool discovery failed", "namespace", ns, "error", err)
			continue
		}
		for _, s := range specs {
			s.ID = ns + "__" + s.ID
			all = append(all, s)
		}
	}
	writeJSON(w, http.StatusOK, all)
}

// callRequest is the wire shape for POST /call.
type callRequest struct {
	CallID string          `json:"call_id"`
	ToolID string          `json:"tool_id"`
	Args   json.RawMessage `json:"args"`
}

// callResponse is the wire shape for POST /call.
type callResponse struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
	Err     string `json:"error,omitempty"`
}

func (p *Proxy) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}

	namespace, tool, err := splitToolID(req.ToolID)
	if err != nil {
		writeJSON(w, http.StatusOK, callResponse{IsError: true, Err: err.Error()})
		return
	}

	p.mu.Lock()
	if _, dup := p.inFlight[req.CallID]; dup {
		p.mu.Unlock()
		writeJSON(w, http.StatusOK, callResponse{IsError: true, Err: "duplicate call id in flight"})
		return
	}
	backend, ok := p.backends[namespace]
	ctx, cancel := context.WithCancel(r.Context())
	if ok {
		p.inFlight[req.CallID] = cancel
	}
	p.mu.Unlock()
	if !ok {
		cancel()
		writeJSON(w, http.StatusOK, callResponse{IsError: true, Err: fmt.Sprintf("unknown tool namespace %q", namespace)})
		return
	}
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, req.CallID)
		p.mu.Unlock()
	}()

	content, isErr, callErr := backend.Call(ctx, tool, req.Args)
	if callErr != nil {
		writeJSON(w, http.StatusOK, callResponse{IsError: true, Err: callErr.Error()})
		return
	}

	content = sanitize(content)
	content = p.redact(content)
	content, truncated := truncate(content, maxResultBytes)
	if truncated {
		p.logger.Debug("tool result truncated", "call_id", req.CallID, "tool_id", req.ToolID)
	}
	writeJSON(w, http.StatusOK, callResponse{Content: content, IsError: isErr})
}

func (p *Proxy) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallID string `json:"call_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	cancel, ok := p.inFlight[req.CallID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) redact(content string) string {
	if !p.cfg.RedactSecrets {
		return content
	}
	for _, pat := range p.cfg.SecretPatterns {
		content = pat.ReplaceAllString(content, "[REDACTED]")
	}
	return content
}

func splitToolID(id string) (namespace, tool string, err error) {
	idx := strings.Index(id, "__")
	if idx <= 0 || idx == len(id)-2 {
		return "", "", &errs.ValidationError{Field: "tool_id", Msg: fmt.Sprintf("expected <namespace>__<tool>, got %q", id)}
	}
	return id[:idx], id[idx+2:], nil
}

// sanitize strips non-printable control characters (except newline and tab)
// from a text result before it is returned to callers.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// truncate bounds s to at most max bytes at a rune boundary, appending an
// explicit truncation marker the caller receives verbatim.
func truncate(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker, true
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// remoteBackend forwards calls to a remote tool server speaking the same
// /tools, /call, /cancel surface the proxy itself exposes.
type remoteBackend struct {
	baseURL string
	client  *http.Client
}

func (b *remoteBackend) Tools(ctx context.Context) ([]ToolSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &errs.TransportError{Op: "toolproxy.remote_tools", Err: err}
	}
	defer resp.Body.Close()
	var specs []ToolSpec
	if err := json.NewDecoder(resp.Body).Decode(&specs); err != nil {
		return nil, &errs.TransportError{Op: "toolproxy.remote_tools_decode", Err: err}
	}
	return specs, nil
}

func (b *remoteBackend) Call(ctx context.Context, tool string, args json.RawMessage) (string, bool, error) {
	body, _ := json.Marshal(callRequest{CallID: uuid.NewString(), ToolID: tool, Args: args})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/call", strings.NewReader(string(body)))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return "", false, &errs.TransportError{Op: "toolproxy.remote_call", Err: err}
	}
	defer resp.Body.Close()
	var out callResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, &errs.TransportError{Op: "toolproxy.remote_call_decode", Err: err}
	}
	if out.Err != "" {
		return "", true, fmt.Errorf("%s", out.Err)
	}
	return out.Content, out.IsError, nil
}

func (b *remoteBackend) Cancel(ctx context.Context, callID string) error {
	body, _ := json.Marshal(map[string]string{"call_id": callID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/cancel", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return &errs.TransportError{Op: "toolproxy.remote_cancel", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
