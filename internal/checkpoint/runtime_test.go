package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMessages() []*models.Message {
	return []*models.Message{
		{Role: models.RoleUser, Text: "hi", CreatedAt: time.Now()},
		{Role: models.RoleAssistant, Text: "hello", CreatedAt: time.Now()},
	}
}

// Checkpoint signatures are stable under identity operations: writing the
// same (messages, metadata) twice yields the same signature.
func TestSignatureStableUnderIdentity(t *testing.T) {
	msgs := sampleMessages()
	s1, err := Signature(msgs, "gpt-test")
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	s2, err := Signature(msgs, "gpt-test")
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected stable signature, got %q vs %q", s1, s2)
	}
}

func TestSignatureIndependentOfMapOrder(t *testing.T) {
	m1 := &models.Message{Role: models.RoleUser, Text: "x", Metadata: map[string]any{"a": 1, "b": 2}}
	m2 := &models.Message{Role: models.RoleUser, Text: "x", Metadata: map[string]any{"b": 2, "a": 1}}
	s1, err := Signature([]*models.Message{m1}, "m")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := Signature([]*models.Message{m2}, "m")
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatalf("expected map-order-independent signature, got %q vs %q", s1, s2)
	}
}

func TestPersistForcesFirstWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID, err := s.CreateSession(ctx, "test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	rt := New(s, sessionID, "")
	msgs := sampleMessages()

	id1, wrote1, err := rt.Persist(ctx, TriggerBeforeInference, "run-1", msgs, "model-a", 0)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !wrote1 || id1 == "" {
		t.Fatal("expected first persist to force a write")
	}

	// Unchanged content, parent now exists: skip.
	id2, wrote2, err := rt.Persist(ctx, TriggerAfterInference, "run-1", msgs, "model-a", 0)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if wrote2 {
		t.Fatal("expected second identical persist to be skipped")
	}
	if id2 != id1 {
		t.Fatalf("expected unchanged parent id, got %q vs %q", id2, id1)
	}

	// Changed content: writes again and advances the parent pointer.
	changed := append(sampleMessages(), &models.Message{Role: models.RoleUser, Text: "more", CreatedAt: time.Now()})
	id3, wrote3, err := rt.Persist(ctx, TriggerAfterToolExec, "run-1", changed, "model-a", 0)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !wrote3 {
		t.Fatal("expected changed content to write")
	}
	if id3 == id1 {
		t.Fatal("expected a new checkpoint id for changed content")
	}
	if rt.ParentID() != id3 {
		t.Fatalf("expected parent pointer to advance to %q, got %q", id3, rt.ParentID())
	}
}

func TestLoadLatestEnvelopeEmptySession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID, err := s.CreateSession(ctx, "test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	env, rt, err := LoadLatestEnvelope(ctx, s, sessionID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if env != nil {
		t.Fatal("expected no envelope for a brand new session")
	}
	if rt.ParentID() != "" {
		t.Fatal("expected empty parent id for a brand new session")
	}
}

func TestLoadLatestEnvelopeResumesParentAndSignature(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID, err := s.CreateSession(ctx, "test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	rt := New(s, sessionID, "")
	msgs := sampleMessages()
	id, _, err := rt.Persist(ctx, TriggerTerminal, "run-1", msgs, "model-a", 0)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	env, rt2, err := LoadLatestEnvelope(ctx, s, sessionID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if env == nil || len(env.Messages) != len(msgs) {
		t.Fatalf("expected resumed envelope with %d messages, got %+v", len(msgs), env)
	}
	if rt2.ParentID() != id {
		t.Fatalf("expected resumed parent id %q, got %q", id, rt2.ParentID())
	}

	// Persisting the same content again on the resumed runtime should skip.
	_, wrote, err := rt2.Persist(ctx, TriggerPeriodic, "run-1", msgs, "model-a", 0)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if wrote {
		t.Fatal("expected resumed runtime to dedup against the reloaded signature")
	}
}
