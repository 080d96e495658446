package sandbox

import (
	"context"
	"encoding/json"

	"github.com/nexuscore/autopilot/internal/toolproxy"
)

// ExecutorBackend adapts Executor to toolproxy.Backend so the in-process
// code-execution tool can be registered under a namespace (e.g. "code")
// alongside remote namespaces like the containerized sandbox server.
type ExecutorBackend struct {
	executor *Executor
}

// NewExecutorBackend wraps executor for registration with a Proxy.
func NewExecutorBackend(executor *Executor) *ExecutorBackend {
	return &ExecutorBackend{executor: executor}
}

// Tools reports the single execute_code tool this backend exposes.
func (b *ExecutorBackend) Tools(ctx context.Context) ([]toolproxy.ToolSpec, error) {
	return []toolproxy.ToolSpec{{
		ID:          b.executor.Name(),
		Description: b.executor.Description(),
		InputSchema: b.executor.Schema(),
	}}, nil
}

// Call runs the tool's sole operation; tool is ignored since this backend
// exposes exactly one.
func (b *ExecutorBackend) Call(ctx context.Context, tool string, args json.RawMessage) (string, bool, error) {
	result, err := b.executor.Execute(ctx, args)
	if err != nil {
		return "", true, err
	}
	return result.Content, result.IsError, nil
}

// Cancel is a no-op: code execution runs to its own timeout and cannot be
// interrupted mid-flight through this backend.
func (b *ExecutorBackend) Cancel(ctx context.Context, callID string) error {
	return nil
}
