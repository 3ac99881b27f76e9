// Agent Bridge - one JSON-RPC endpoint in front of several coding-agent backends
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/workspace/agent-bridge/internal/bridge"
	"github.com/workspace/agent-bridge/internal/config"
	"github.com/workspace/agent-bridge/internal/logging"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("Agent bridge failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if help, err := applyFlags(cfg, args); err != nil || help {
		return err
	}
	if err := cfg.LoadProviders(); err != nil {
		return fmt.Errorf("load providers: %w", err)
	}
	slog.Info("Starting agent bridge", "version", version, "tcp", cfg.TCPAddr, "ws", cfg.WSAddr, "providers", len(cfg.Providers))

	b, err := bridge.New(cfg, version, slog.Default())
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	startCtx, startCancel := context.WithCancel(context.Background())
	defer startCancel()
	go func() {
		// A signal during provider start-up abandons the handshakes.
		select {
		case sig := <-sigCh:
			sigCh <- sig
			startCancel()
		case <-startCtx.Done():
		}
	}()

	if err := b.Start(startCtx); err != nil {
		startCancel()
		shutdown(b)
		return err
	}
	startCancel()

	sig := <-sigCh
	slog.Info("Received signal, shutting down", "signal", sig.String())
	shutdown(b)
	slog.Info("Agent bridge stopped")
	return nil
}

func shutdown(b *bridge.Bridge) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
}

// applyFlags overrides environment configuration with command-line flags.
// It reports true when help was requested.
func applyFlags(cfg *config.Config, args []string) (bool, error) {
	flagSet := pflag.NewFlagSet("agent-bridge", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ProvidersFile, "providers", cfg.ProvidersFile, "YAML file merged over the built-in provider definitions")
	flagSet.StringVar(&cfg.TCPAddr, "tcp", cfg.TCPAddr, "TCP listen address (empty disables)")
	flagSet.StringVar(&cfg.WSAddr, "ws", cfg.WSAddr, "WebSocket listen address (empty disables)")
	flagSet.StringVar(&cfg.WorkspaceDir, "workspace", cfg.WorkspaceDir, "default working directory for sessions and terminals")
	flagSet.BoolVar(&cfg.ShowHiddenModels, "show-hidden-models", cfg.ShowHiddenModels, "list models marked hidden")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return true, nil
		}
		return false, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return true, nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return false, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if cfg.TCPAddr == "" && cfg.WSAddr == "" {
		return false, fmt.Errorf("at least one of --tcp or --ws (BRIDGE_TCP_ADDR or BRIDGE_WS_ADDR) is required")
	}
	return false, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Agent bridge - serves Copilot, Codex and ACP agents over one NDJSON JSON-RPC protocol.

Usage:
  agent-bridge [flags]

Flags:
%s`, flagSet.FlagUsages())
}
