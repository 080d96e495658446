// Package sandbox starts a containerized tool server over mutual TLS and
// returns a connected, tool-discovered client bound through a per-session
// Tool-Call Proxy.
package sandbox

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nexuscore/autopilot/internal/backoff"
	"github.com/nexuscore/autopilot/internal/errs"
	"github.com/nexuscore/autopilot/internal/mtls"
	"github.com/nexuscore/autopilot/internal/toolproxy"
)

const (
	beginMarker = "---BEGIN STAKPAK SERVER CA---"
	endMarker   = "---END STAKPAK SERVER CA---"

	stdoutReadDeadline = 60 * time.Second
	containerPort      = "8080"
)

// Volume is a bind mount or named volume passed through to the container.
// HostPath is only honored for bind mounts whose path exists on the host;
// named volumes (HostPath empty) always pass through.
type Volume struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Config describes the container to spawn for one session's sandbox.
type Config struct {
	Image   string
	Volumes []Volume
	// Env is passed through to the container in addition to TRUSTED_CLIENT_CA,
	// typically API credentials the tool server needs.
	Env []string
}

// Session is a live sandbox: the spawned container, its Tool-Call Proxy, and
// the connected tool client. Close is idempotent.
type Session struct {
	cmd      *exec.Cmd
	proxy    *toolproxy.Proxy
	client   *toolproxy.Client
	hostPort int
	logger   *slog.Logger

	closeOnce bool
}

// Start runs the ten-step bootstrap protocol and returns a ready Session.
func Start(ctx context.Context, cfg Config, namespace string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sandbox.bootstrap", "namespace", namespace)

	// Step 1: host identity and CA PEM.
	hostID, err := mtls.GenerateHost()
	if err != nil {
		return nil, err
	}
	clientCAPEM := hostID.CACertPEM()

	// Step 2: pick then release an ephemeral port for the container to publish on.
	hostPort, err := reserveEphemeralPort()
	if err != nil {
		return nil, &errs.TransportError{Op: "sandbox.reserve_port", Err: err}
	}

	// Step 3: spawn the container.
	args := []string{"run", "--rm", "-i",
		"-p", fmt.Sprintf("127.0.0.1:%d:%s", hostPort, containerPort),
		"-e", "TRUSTED_CLIENT_CA=" + clientCAPEM,
	}
	for _, v := range cfg.Volumes {
		if v.HostPath != "" {
			if _, statErr := os.Stat(v.HostPath); statErr != nil {
				continue
			}
		}
		mode := "rw"
		if v.ReadOnly {
			mode = "ro"
		}
		src := v.HostPath
		if src == "" {
			src = v.ContainerPath
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", src, v.ContainerPath, mode))
	}
	args = append(args, cfg.Env...)
	args = append(args, cfg.Image)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Env = os.Environ()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &errs.TransportError{Op: "sandbox.stdout_pipe", Err: err}
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, &errs.TransportError{Op: "sandbox.container_start", Err: err}
	}
	logger.Info("sandbox container started", "image", cfg.Image, "host_port", hostPort)

	// Step 4-5: read the framed CA block from stdout with a deadline.
	serverCAPEM, err := readCAFrame(stdout, stdoutReadDeadline)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	// Step 6: build a client TLS config trusting the container's CA.
	clientTLS, err := mtls.ClientConfig(hostID, serverCAPEM)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	// Step 7: poll the container's /mcp endpoint until ready.
	containerAddr := fmt.Sprintf("https://127.0.0.1:%d/mcp", hostPort)
	if err := pollReady(ctx, containerAddr, clientTLS); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	// Step 8: bind a second ephemeral port for the per-session Tool-Call Proxy
	// and register the sandboxed server under the caller's tool namespace.
	proxy, err := toolproxy.New(toolproxy.Config{Logger: logger})
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	if err := proxy.RegisterRemote(namespace, containerAddr, clientTLS); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	proxyAddr, err := proxy.Listen(ctx)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	// Step 9: connect a tool client to the proxy, not the container directly.
	client, err := connectWithRetry(ctx, proxyAddr, 5, logger)
	if err != nil {
		proxy.Shutdown(ctx)
		_ = cmd.Process.Kill()
		return nil, err
	}

	// Step 10: discover tools via the client.
	if _, err := client.DiscoverTools(ctx); err != nil {
		client.Close()
		proxy.Shutdown(ctx)
		_ = cmd.Process.Kill()
		return nil, err
	}

	return &Session{cmd: cmd, proxy: proxy, client: client, hostPort: hostPort, logger: logger}, nil
}

// Client returns the connected tool client for the Session Actor to drive.
func (s *Session) Client() *toolproxy.Client { return s.client }

// Close shuts the sandbox down: broadcast-cancel the proxy, then kill the
// container and wait for exit. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	if s.closeOnce {
		return nil
	}
	s.closeOnce = true

	if s.client != nil {
		s.client.Close()
	}
	if s.proxy != nil {
		s.proxy.Shutdown(ctx)
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.logger.Info("sandbox session closed")
	return nil
}

func reserveEphemeralPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}
	return port, nil
}

func readCAFrame(r io.Reader, deadline time.Duration) (string, error) {
	type result struct {
		pem string
		err error
	}
	done := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(r)
		var inBlock bool
		var sb strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == beginMarker:
				inBlock = true
			case line == endMarker:
				done <- result{pem: sb.String()}
				return
			case inBlock:
				sb.WriteString(line)
				sb.WriteString("\n")
			}
		}
		done <- result{err: &errs.TransportError{Op: "sandbox.read_ca_frame", Err: fmt.Errorf("container stdout closed before %s", endMarker)}}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		if res.pem == "" {
			return "", &errs.TransportError{Op: "sandbox.read_ca_frame", Err: fmt.Errorf("empty CA block")}
		}
		return res.pem, nil
	case <-time.After(deadline):
		return "", &errs.TimeoutError{Op: "sandbox.read_ca_frame"}
	}
}

func pollReady(ctx context.Context, url string, tlsCfg *tls.Config) error {
	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   5 * time.Second,
	}

	const firstBurst = 5
	const totalAttempts = 30
	for attempt := 1; attempt <= totalAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, reqErr := client.Do(req)
			if reqErr == nil {
				resp.Body.Close()
				return nil
			}
		}

		delay := 500 * time.Millisecond
		if attempt > firstBurst {
			delay = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return &errs.TransportError{Op: "sandbox.poll_ready", Err: fmt.Errorf("container did not become ready after %d attempts", totalAttempts)}
}

func connectWithRetry(ctx context.Context, proxyAddr string, maxAttempts int, logger *slog.Logger) (*toolproxy.Client, error) {
	policy := backoff.DefaultPolicy()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, err := toolproxy.Dial(ctx, proxyAddr)
		if err == nil {
			return client, nil
		}
		lastErr = err
		logger.Warn("tool client connect attempt failed", "attempt", attempt, "error", err)
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff.ComputeBackoff(policy, attempt)):
		}
	}
	return nil, &errs.TransportError{Op: "sandbox.connect_proxy", Err: lastErr}
}
