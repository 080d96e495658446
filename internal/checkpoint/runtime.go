// Package checkpoint persists a run's message history and metadata at
// sensible moments without storm-writing on every delta, deduping by
// content signature and tracking the parent-pointer chain for a session.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/nexuscore/autopilot/internal/errs"
	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/store"
)

// Trigger identifies why a persist was requested, used only for logging.
type Trigger string

const (
	TriggerBeforeInference Trigger = "before_inference"
	TriggerAfterInference  Trigger = "after_inference"
	TriggerAfterToolExec   Trigger = "after_tool_exec"
	TriggerOnError         Trigger = "on_error"
	TriggerPeriodic        Trigger = "periodic"
	TriggerTerminal        Trigger = "terminal"
)

// Runtime is the checkpoint orchestration layer for one session: it
// computes signatures, applies the dedup rule, and writes through to the
// durable store.
type Runtime struct {
	store     *store.Store
	sessionID string

	lastSignature string
	parentID      string
	wroteOnce     bool
}

// New returns a Runtime bound to sessionID. parentID is the session's
// active checkpoint id at startup, or "" for a brand new session.
func New(s *store.Store, sessionID, parentID string) *Runtime {
	return &Runtime{store: s, sessionID: sessionID, parentID: parentID}
}

// ParentID returns the current parent checkpoint id, updated after every
// successful write.
func (r *Runtime) ParentID() string {
	return r.parentID
}

// Signature computes a deterministic digest over (messages, metadata). The
// same logical content always yields the same signature, independent of
// map key iteration order.
func Signature(messages []*models.Message, activeModel string) (string, error) {
	canon := canonicalEnvelope{
		ActiveModel: activeModel,
		Messages:    make([]canonicalMessage, 0, len(messages)),
	}
	for _, m := range messages {
		canon.Messages = append(canon.Messages, canonicalMessage{
			Role:     string(m.Role),
			Text:     m.Text,
			Parts:    m.Parts,
			Metadata: canonicalizeMap(m.Metadata),
		})
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return "", &errs.StoreError{Op: "checkpoint.signature_marshal", Err: err}
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

type canonicalEnvelope struct {
	ActiveModel string              `json:"active_model"`
	Messages    []canonicalMessage  `json:"messages"`
}

type canonicalMessage struct {
	Role     string               `json:"role"`
	Text     string               `json:"text"`
	Parts    []models.MessagePart `json:"parts"`
	Metadata []kv                 `json:"metadata"`
}

type kv struct {
	K string `json:"k"`
	V any    `json:"v"`
}

// canonicalizeMap flattens a map into a key-sorted slice so JSON encoding
// is stable regardless of Go's randomized map iteration order.
func canonicalizeMap(m map[string]any) []kv {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kv, 0, len(keys))
	for _, k := range keys {
		out = append(out, kv{K: k, V: m[k]})
	}
	return out
}

// Persist applies the dedup rule and, if the content changed (or this is
// the session's very first write), writes a new checkpoint and advances
// the parent pointer. Returns the written checkpoint id, or the unchanged
// parent id and wrote=false if the write was skipped.
func (r *Runtime) Persist(ctx context.Context, trigger Trigger, runID string, messages []*models.Message, activeModel string, trimmedUpToIndex int) (checkpointID string, wrote bool, err error) {
	sig, err := Signature(messages, activeModel)
	if err != nil {
		return "", false, err
	}

	parentExists := r.parentID != ""
	if r.wroteOnce && sig == r.lastSignature && parentExists {
		return r.parentID, false, nil
	}

	envelope := models.CheckpointEnvelopeV1{
		RunID:    runID,
		Messages: messages,
		Metadata: map[string]any{
			models.MetaSessionID:        r.sessionID,
			models.MetaActiveModel:      activeModel,
			models.MetaTrimmedUpToIndex: trimmedUpToIndex,
		},
	}

	id, err := r.store.WriteCheckpoint(ctx, r.sessionID, runID, r.parentID, sig, envelope)
	if err != nil {
		return "", false, err
	}

	r.parentID = id
	r.lastSignature = sig
	r.wroteOnce = true
	return id, true, nil
}

// LoadLatestEnvelope reconstructs the runtime's parent pointer and
// signature from the session's most recently persisted checkpoint, used
// during Session Actor startup (step 1).
func LoadLatestEnvelope(ctx context.Context, s *store.Store, sessionID string) (*models.CheckpointEnvelopeV1, *Runtime, error) {
	latest, err := s.LatestCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if latest == nil {
		return nil, New(s, sessionID, ""), nil
	}
	rt := New(s, sessionID, latest.CheckpointID)
	rt.lastSignature = latest.Signature
	rt.wroteOnce = true
	return &latest.Envelope, rt, nil
}
