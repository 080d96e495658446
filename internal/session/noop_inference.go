package session

import (
	"context"
	"time"

	"github.com/nexuscore/autopilot/internal/models"
)

// EchoInference is a placeholder Inference that answers every turn with a
// fixed acknowledgement and proposes no tool calls. The LLM inference
// transport itself — the wire protocol to a specific model provider — is
// deliberately out of scope here; EchoInference exists only so a built
// Scheduler or Dispatcher has something satisfying the Inference interface
// to boot against (validate-config, dry runs, local development) until a
// real provider client is wired in by whoever deploys this.
type EchoInference struct {
	// Reply is returned verbatim for every turn. Defaults to a fixed
	// acknowledgement string when empty.
	Reply string
}

// Infer implements Inference.
func (e EchoInference) Infer(ctx context.Context, req InferenceRequest, onTextDelta func(string)) (InferenceResponse, error) {
	reply := e.Reply
	if reply == "" {
		reply = "no inference provider configured"
	}
	if onTextDelta != nil {
		onTextDelta(reply)
	}
	return InferenceResponse{
		Message: &models.Message{
			Role:      models.RoleAssistant,
			Text:      reply,
			CreatedAt: time.Now(),
		},
	}, nil
}
