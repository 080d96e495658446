package autopilot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nexuscore/autopilot/internal/sandbox"
	toolsandbox "github.com/nexuscore/autopilot/internal/tools/sandbox"
	"github.com/nexuscore/autopilot/internal/toolproxy"
)

// ToolProviderConfig configures a ToolProvider.
type ToolProviderConfig struct {
	// SandboxImage is the container image a sandboxed run's tool server is
	// spawned from (internal/sandbox.Start). Required for sandbox=true runs.
	SandboxImage string
	Logger       *slog.Logger
}

// ToolProvider implements gateway.ToolClientProvider over two tool
// surfaces: an in-process "code" namespace (internal/tools/sandbox.Executor,
// Docker-backed but unprivileged relative to a full mTLS tool server) for
// non-sandboxed runs, and a single long-lived containerized sandbox session
// (internal/sandbox.Start) shared across every sandboxed run, matching
// gateway.StaticToolClient's documented "every run shares one long-lived,
// already-sandboxed proxy" contract.
type ToolProvider struct {
	cfg ToolProviderConfig

	localOnce   sync.Once
	localClient *toolproxy.Client
	localErr    error

	sandboxMu      sync.Mutex
	sandboxSession *sandbox.Session
}

// NewToolProvider builds a ToolProvider over cfg.
func NewToolProvider(cfg ToolProviderConfig) *ToolProvider {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ToolProvider{cfg: cfg}
}

// ToolClient implements gateway.ToolClientProvider.
func (p *ToolProvider) ToolClient(ctx context.Context, sandboxed bool) (*toolproxy.Client, error) {
	if sandboxed {
		return p.sandboxClient(ctx)
	}
	return p.localToolClient(ctx)
}

// localToolClient lazily starts the in-process code-execution proxy and
// caches it for every subsequent non-sandboxed run.
func (p *ToolProvider) localToolClient(ctx context.Context) (*toolproxy.Client, error) {
	p.localOnce.Do(func() {
		executor, err := toolsandbox.NewExecutor()
		if err != nil {
			p.localErr = fmt.Errorf("create code executor: %w", err)
			return
		}
		proxy, err := toolproxy.New(toolproxy.Config{Logger: p.cfg.Logger})
		if err != nil {
			p.localErr = fmt.Errorf("create tool proxy: %w", err)
			return
		}
		if err := proxy.RegisterInProcess("code", toolsandbox.NewExecutorBackend(executor)); err != nil {
			p.localErr = fmt.Errorf("register code backend: %w", err)
			return
		}
		addr, err := proxy.Listen(ctx)
		if err != nil {
			p.localErr = fmt.Errorf("listen tool proxy: %w", err)
			return
		}
		client, err := toolproxy.Dial(ctx, addr)
		if err != nil {
			p.localErr = fmt.Errorf("dial tool proxy: %w", err)
			return
		}
		p.localClient = client
	})
	return p.localClient, p.localErr
}

// sandboxClient lazily boots the shared containerized sandbox session.
func (p *ToolProvider) sandboxClient(ctx context.Context) (*toolproxy.Client, error) {
	p.sandboxMu.Lock()
	defer p.sandboxMu.Unlock()
	if p.sandboxSession != nil {
		return p.sandboxSession.Client(), nil
	}
	if p.cfg.SandboxImage == "" {
		return nil, fmt.Errorf("sandbox.image is required to run sandboxed tool calls")
	}
	session, err := sandbox.Start(ctx, sandbox.Config{Image: p.cfg.SandboxImage}, "sandbox-"+uuid.NewString()[:8], p.cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("start sandbox: %w", err)
	}
	p.sandboxSession = session
	return session.Client(), nil
}

// Close releases the shared sandbox session, if one was ever started.
func (p *ToolProvider) Close(ctx context.Context) error {
	p.sandboxMu.Lock()
	defer p.sandboxMu.Unlock()
	if p.sandboxSession == nil {
		return nil
	}
	err := p.sandboxSession.Close(ctx)
	p.sandboxSession = nil
	return err
}
