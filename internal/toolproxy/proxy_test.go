package toolproxy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

type fakeBackend struct {
	specs []ToolSpec
	delay time.Duration
}

func (f *fakeBackend) Tools(ctx context.Context) ([]ToolSpec, error) { return f.specs, nil }

func (f *fakeBackend) Call(ctx context.Context, tool string, args json.RawMessage) (string, bool, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	return "result for " + tool, false, nil
}

func (f *fakeBackend) Cancel(ctx context.Context, callID string) error { return nil }

func newTestProxy(t *testing.T) (*Proxy, string) {
	t.Helper()
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr, err := p.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, addr
}

func TestDiscoverToolsIsNamespaced(t *testing.T) {
	p, addr := newTestProxy(t)
	if err := p.RegisterInProcess("sandbox", &fakeBackend{specs: []ToolSpec{{ID: "view"}, {ID: "edit"}}}); err != nil {
		t.Fatalf("RegisterInProcess: %v", err)
	}

	client, err := Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	specs, err := client.DiscoverTools(context.Background())
	if err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(specs))
	}
	want := map[string]bool{"sandbox__view": true, "sandbox__edit": true}
	for _, s := range specs {
		if !want[s.ID] {
			t.Errorf("unexpected tool id %q", s.ID)
		}
	}
}

func TestCallUnknownNamespace(t *testing.T) {
	_, addr := newTestProxy(t)
	client, err := Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_, isErr, err := client.Call(context.Background(), "", "ghost__view", nil)
	if err != nil {
		t.Fatalf("Call returned transport error: %v", err)
	}
	if !isErr {
		t.Fatal("expected isError true for unknown namespace")
	}
}

func TestCallMalformedToolID(t *testing.T) {
	_, addr := newTestProxy(t)
	client, err := Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_, isErr, err := client.Call(context.Background(), "", "not-namespaced", nil)
	if err != nil {
		t.Fatalf("Call returned transport error: %v", err)
	}
	if !isErr {
		t.Fatal("expected isError true for malformed tool id")
	}
}

func TestDuplicateCallIDRejected(t *testing.T) {
	p, addr := newTestProxy(t)
	if err := p.RegisterInProcess("sandbox", &fakeBackend{delay: 200 * time.Millisecond}); err != nil {
		t.Fatalf("RegisterInProcess: %v", err)
	}
	client, err := Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = client.Call(context.Background(), "dup-1", "sandbox__view", nil)
	}()
	time.Sleep(50 * time.Millisecond)

	_, isErr, err := client.Call(context.Background(), "dup-1", "sandbox__view", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !isErr {
		t.Fatal("expected duplicate in-flight call id to be rejected")
	}
	<-done
}

func TestSanitizeStripsControlCharacters(t *testing.T) {
	in := "hello\x00world\x07\n\ttab"
	out := sanitize(in)
	if strings.ContainsAny(out, "\x00\x07") {
		t.Fatalf("expected control characters stripped, got %q", out)
	}
	if !strings.Contains(out, "\n") || !strings.Contains(out, "\t") {
		t.Fatalf("expected newline and tab preserved, got %q", out)
	}
}

func TestTruncateAppendsMarkerAtRuneBoundary(t *testing.T) {
	in := strings.Repeat("a", 100) + "日本語" + strings.Repeat("b", 100)
	out, truncated := truncate(in, 50)
	if !truncated {
		t.Fatal("expected truncation")
	}
	if !strings.HasSuffix(out, truncatedMarker) {
		t.Fatalf("expected explicit truncation marker, got suffix %q", out[len(out)-20:])
	}
	if !isValidUTF8Prefix(out[:len(out)-len(truncatedMarker)]) {
		t.Fatal("truncation must not split a rune")
	}
}

func isValidUTF8Prefix(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}

func TestRedactSecrets(t *testing.T) {
	p, err := New(Config{RedactSecrets: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := p.redact("token sk-abcdefghijklmnopqrstuvwxyz plain text")
	if strings.Contains(out, "sk-abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("expected secret redacted, got %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker, got %q", out)
	}
}
