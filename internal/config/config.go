// Package config provides configuration loading for the agent bridge.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the bridge.
type Config struct {
	// Transport settings. An empty address disables that listener.
	TCPAddr        string
	WSAddr         string
	WSPath         string
	AllowedOrigins []string

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Backend settings
	RPCRequestTimeout time.Duration
	TurnTimeout       time.Duration
	ProcessStopGrace  time.Duration
	WorkspaceDir      string
	ProvidersFile     string
	Providers         []ProviderDef
	ShowHiddenModels  bool

	// PTY settings
	DefaultShell            string
	DefaultRows             int
	DefaultCols             int
	TmuxQueryTimeout        time.Duration
	TerminalScrollbackBytes int
}

// Load reads configuration from environment variables. Provider definitions
// are loaded separately by LoadProviders so flags can redirect the file first.
func Load() (*Config, error) {
	cwd, _ := os.Getwd()

	cfg := &Config{
		TCPAddr:        getEnv("BRIDGE_TCP_ADDR", "127.0.0.1:7531"),
		WSAddr:         getEnv("BRIDGE_WS_ADDR", "127.0.0.1:7532"),
		WSPath:         getEnv("BRIDGE_WS_PATH", "/acp"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		RPCRequestTimeout: getEnvDuration("RPC_REQUEST_TIMEOUT", 60*time.Second),
		TurnTimeout:       getEnvDuration("TURN_TIMEOUT", 5*time.Minute),
		ProcessStopGrace:  getEnvDuration("PROCESS_STOP_GRACE", 5*time.Second),
		WorkspaceDir:      getEnv("WORKSPACE_DIR", cwd),
		ProvidersFile:     getEnv("PROVIDERS_FILE", ""),
		ShowHiddenModels:  getEnvBool("SHOW_HIDDEN_MODELS", false),

		DefaultShell:            getEnv("DEFAULT_SHELL", defaultShell()),
		DefaultRows:             getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:             getEnvInt("DEFAULT_COLS", 80),
		TmuxQueryTimeout:        getEnvDuration("TMUX_QUERY_TIMEOUT", 3*time.Second),
		TerminalScrollbackBytes: getEnvInt("TERMINAL_SCROLLBACK_BYTES", 256*1024),
	}

	if !strings.HasPrefix(cfg.WSPath, "/") {
		cfg.WSPath = "/" + cfg.WSPath
	}
	if cfg.RPCRequestTimeout <= 0 || cfg.TurnTimeout <= 0 {
		return nil, fmt.Errorf("RPC_REQUEST_TIMEOUT and TURN_TIMEOUT must be positive")
	}

	return cfg, nil
}

// LoadProviders reads the embedded provider defaults merged with
// ProvidersFile, then validates the result.
func (c *Config) LoadProviders() error {
	defs, err := LoadProviderDefs(c.ProvidersFile)
	if err != nil {
		return err
	}
	if err := ValidateProviders(defs); err != nil {
		return err
	}
	c.Providers = defs
	return nil
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

// getEnv returns the value of an environment variable or a default. Unlike the
// other helpers, a variable that is set but empty is honoured so listeners can
// be disabled.
func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
