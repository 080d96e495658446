package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexuscore/autopilot/internal/agentctx"
	"github.com/nexuscore/autopilot/internal/autopilot"
	"github.com/nexuscore/autopilot/internal/channels"
	"github.com/nexuscore/autopilot/internal/channels/discord"
	"github.com/nexuscore/autopilot/internal/channels/slack"
	"github.com/nexuscore/autopilot/internal/channels/telegram"
	"github.com/nexuscore/autopilot/internal/config"
	"github.com/nexuscore/autopilot/internal/cron"
	"github.com/nexuscore/autopilot/internal/gateway"
	"github.com/nexuscore/autopilot/internal/notify"
	"github.com/nexuscore/autopilot/internal/observability"
	"github.com/nexuscore/autopilot/internal/session"
	"github.com/nexuscore/autopilot/internal/store"
)

// defaultContextWindow is the context budget handed to the Context Reducer
// when a config does not override it. 128k tokens covers every model the
// reference stack's providers expose; a deployment wiring a smaller model
// should set a narrower budget once a real Inference provider is in place.
const defaultContextWindow = 128_000

func runServe(ctx context.Context, configPath, listenAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}).Slog()

	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry, err := buildChannelRegistry(cfg, logger)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	tools := autopilot.NewToolProvider(autopilot.ToolProviderConfig{
		SandboxImage: cfg.Sandbox.Image,
		Logger:       logger,
	})
	reducerLimits := agentctx.ModelLimits{ContextTokens: defaultContextWindow, MaxOutputTokens: 4096}

	runner := gateway.NewActorRunner(gateway.ActorRunnerConfig{
		Store:         st,
		Inference:     session.EchoInference{},
		Tools:         tools,
		Approval:      cfg.ApprovalPolicy(),
		Logger:        logger,
		BasePrompt:    cfg.BasePrompt,
		WorkingDir:    cfg.WorkingDir,
		DefaultModel:  cfg.DefaultModel,
		ReducerLimits: reducerLimits,
	})

	dispatcher := gateway.New(gateway.Config{
		Registry:      registry,
		Store:         st,
		Runner:        runner,
		Logger:        logger,
		DefaultModel:  cfg.DefaultModel,
		TitleTemplate: cfg.Gateway.TitleTemplate,
		DMScope:       gateway.DMScope(cfg.Gateway.DMScope),
		Metrics:       metrics,
	})

	scheduledRunner := autopilot.NewScheduledRunner(autopilot.ScheduledRunnerConfig{
		Store:         st,
		Inference:     session.EchoInference{},
		Tools:         tools,
		Approval:      cfg.ApprovalPolicy(),
		Logger:        logger,
		BasePrompt:    cfg.BasePrompt,
		WorkingDir:    cfg.WorkingDir,
		DefaultModel:  cfg.DefaultModel,
		ReducerLimits: reducerLimits,
		Metrics:       metrics,
	})

	scheduler, err := cron.Boot(ctx, cron.Config{
		PIDFilePath:   cfg.PIDFilePath,
		ConfigPath:    configPath,
		Store:         st,
		Engine:        cron.NewEngine(),
		Runner:        scheduledRunner,
		Checker:       cron.ShellCheckRunner{},
		Notify:        notify.NewRouter(registry, logger),
		Logger:        logger,
		LoadSchedules: config.LoadSchedules(configPath),
	})
	if err != nil {
		return fmt.Errorf("boot scheduler: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registry.StartAll(runCtx); err != nil {
		return fmt.Errorf("start channel adapters: %w", err)
	}

	go dispatcher.Run(runCtx)

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: gateway.NewServer(gateway.ServerConfig{Dispatcher: dispatcher, AuthSecret: os.Getenv("GATEWAY_AUTH_SECRET")}),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	logger.Info("nexus-autopilot: serving", "listen", listenAddr, "config", configPath)

	select {
	case <-runCtx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("nexus-autopilot: http server shutdown error", "error", err)
	}
	scheduler.Shutdown(shutdownCtx)
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warn("nexus-autopilot: channel adapter shutdown error", "error", err)
	}
	if err := tools.Close(shutdownCtx); err != nil {
		logger.Warn("nexus-autopilot: tool provider shutdown error", "error", err)
	}

	logger.Info("nexus-autopilot: stopped")
	return nil
}

// buildChannelRegistry registers one adapter per enabled channel in cfg.
func buildChannelRegistry(cfg *config.Config, logger *slog.Logger) (*channels.Registry, error) {
	registry := channels.NewRegistry()

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:  cfg.Channels.Telegram.Token,
			Mode:   telegram.ModeLongPolling,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build telegram adapter: %w", err)
		}
		registry.Register(adapter)
	}

	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{Token: cfg.Channels.Discord.Token, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("build discord adapter: %w", err)
		}
		registry.Register(adapter)
	}

	if cfg.Channels.Slack.Enabled {
		registry.Register(slack.NewAdapter(slack.Config{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
		}))
	}

	return registry, nil
}
