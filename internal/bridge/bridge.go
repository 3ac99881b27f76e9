// Package bridge composes the configured provider adapters, the terminal
// manager and the client transports into one running process.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/workspace/agent-bridge/internal/adapters/acpagent"
	"github.com/workspace/agent-bridge/internal/adapters/codex"
	"github.com/workspace/agent-bridge/internal/adapters/copilot"
	"github.com/workspace/agent-bridge/internal/config"
	"github.com/workspace/agent-bridge/internal/process"
	"github.com/workspace/agent-bridge/internal/provider"
	"github.com/workspace/agent-bridge/internal/server"
	"github.com/workspace/agent-bridge/internal/terminal"
)

// Name is reported to clients and to app-server backends.
const Name = "agent-bridge"

// Bridge owns every long-lived component.
type Bridge struct {
	logger    *slog.Logger
	registry  *provider.Registry
	terminals *terminal.Manager
	server    *server.Server
}

// New builds the adapters for every enabled provider definition and wires
// them to a fresh registry, terminal manager and server. Nothing starts
// until Start.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}

	adapters, err := BuildAdapters(cfg, version, logger)
	if err != nil {
		return nil, err
	}
	registry := provider.NewRegistry(logger)
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", a.ID(), err)
		}
	}

	terminals := terminal.NewManager(terminal.Config{
		Shell:            cfg.DefaultShell,
		Cwd:              cfg.WorkspaceDir,
		Rows:             cfg.DefaultRows,
		Cols:             cfg.DefaultCols,
		ScrollbackBytes:  cfg.TerminalScrollbackBytes,
		TmuxQueryTimeout: cfg.TmuxQueryTimeout,
		Logger:           logger,
	})

	srv := server.New(server.Options{
		Config:    cfg,
		Registry:  registry,
		Terminals: terminals,
		Version:   version,
		Logger:    logger,
	})

	return &Bridge{
		logger:    logger.With("component", "bridge"),
		registry:  registry,
		terminals: terminals,
		server:    srv,
	}, nil
}

// Registry exposes the provider registry.
func (b *Bridge) Registry() *provider.Registry { return b.registry }

// Server exposes the transport server.
func (b *Bridge) Server() *server.Server { return b.server }

// Start initializes every provider concurrently and then opens the
// listeners. Providers that fail stay registered but unavailable; the bridge
// serves as long as the listeners bind.
func (b *Bridge) Start(ctx context.Context) error {
	errs := b.registry.InitializeAll(ctx)
	ready := len(b.registry.Adapters()) - len(errs)
	if ready == 0 {
		b.logger.Warn("No provider is ready; sessions cannot be created until restart")
	} else {
		b.logger.Info("Providers initialized", "ready", ready, "failed", len(errs))
	}
	return b.server.Start()
}

// Shutdown stops the transports first so no new work arrives, then kills
// terminals, then stops every backend.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var errs []error
	if err := b.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	b.terminals.CloseAll()
	b.registry.ShutdownAll(ctx)
	b.logger.Info("Bridge stopped")
	return errors.Join(errs...)
}

// BuildAdapters creates one adapter per enabled provider definition, in
// definition order.
func BuildAdapters(cfg *config.Config, version string, logger *slog.Logger) ([]provider.Adapter, error) {
	var out []provider.Adapter
	for _, def := range cfg.Providers {
		if !def.IsEnabled() {
			logger.Debug("Provider disabled", "provider", def.ID)
			continue
		}
		a, err := buildAdapter(cfg, def, version, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func buildAdapter(cfg *config.Config, def config.ProviderDef, version string, logger *slog.Logger) (provider.Adapter, error) {
	name := def.Name
	if name == "" {
		name = def.ID
	}

	switch def.Kind {
	case config.KindSDK:
		engine, err := buildEngine(def)
		if err != nil {
			return nil, err
		}
		return copilot.New(copilot.Options{
			ID:              def.ID,
			Name:            name,
			Engine:          engine,
			DefaultModel:    def.DefaultModel,
			Models:          def.Models,
			HiddenModels:    def.HiddenModels,
			ShowHidden:      cfg.ShowHiddenModels,
			ReasoningEffort: def.ReasoningEffort,
			DefaultCwd:      cfg.WorkspaceDir,
			Logger:          logger,
		}), nil

	case config.KindAppServer:
		return codex.New(codex.Options{
			ID:             def.ID,
			Name:           name,
			Command:        command(def, cfg.WorkspaceDir),
			DefaultModel:   def.DefaultModel,
			Models:         def.Models,
			HiddenModels:   def.HiddenModels,
			ShowHidden:     cfg.ShowHiddenModels,
			ApprovalPolicy: def.ApprovalPolicy,
			Sandbox:        def.Sandbox,
			DefaultCwd:     cfg.WorkspaceDir,
			ClientName:     Name,
			ClientVersion:  version,
			RequestTimeout: cfg.RPCRequestTimeout,
			TurnTimeout:    cfg.TurnTimeout,
			StopGrace:      cfg.ProcessStopGrace,
			Logger:         logger,
		}), nil

	case config.KindACP:
		return acpagent.New(acpagent.Options{
			ID:           def.ID,
			Name:         name,
			Command:      command(def, cfg.WorkspaceDir),
			DefaultModel: def.DefaultModel,
			Models:       def.Models,
			DefaultCwd:   cfg.WorkspaceDir,
			InitTimeout:  cfg.RPCRequestTimeout,
			TurnTimeout:  cfg.TurnTimeout,
			StopGrace:    cfg.ProcessStopGrace,
			Logger:       logger,
		}), nil
	}
	return nil, fmt.Errorf("provider %q: unknown kind %q", def.ID, def.Kind)
}

func buildEngine(def config.ProviderDef) (copilot.Engine, error) {
	switch def.Engine {
	case "openai":
		return copilot.NewOpenAIEngine(copilot.OpenAIConfig{
			APIKey:  def.APIKey(),
			BaseURL: def.BaseURL,
			Headers: def.Headers,
		}), nil
	case "anthropic":
		return copilot.NewAnthropicEngine(copilot.AnthropicConfig{
			APIKey:  def.APIKey(),
			BaseURL: def.BaseURL,
		}), nil
	}
	return nil, fmt.Errorf("provider %q: unknown engine %q", def.ID, def.Engine)
}

// command turns a definition into a child process command. Env entries are
// sorted so the child's environment is stable across runs.
func command(def config.ProviderDef, dir string) process.Command {
	env := make([]string, 0, len(def.Env))
	for k, v := range def.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return process.Command{
		Name: def.ID,
		Path: def.Command,
		Args: def.Args,
		Env:  env,
		Dir:  dir,
	}
}
