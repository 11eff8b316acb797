package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ProviderConfig describes the model provider used for triage and scenario
// completions.
type ProviderConfig struct {
	Type         string  `json:"type"` // "anthropic" or "openai-compatible"
	Model        string  `json:"model"`
	APIKey       string  `json:"api_key,omitempty"`
	APIKeyEnvVar string  `json:"api_key_env,omitempty"`
	BaseURL      string  `json:"base_url,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// TriageConfig bounds the hypothesis generation step.
type TriageConfig struct {
	MaxHypotheses int `json:"max_hypotheses"`
}

// ScenarioConfig bounds a single scenario investigation.
type ScenarioConfig struct {
	MaxIterations      int  `json:"max_iterations"`
	MaxProtocolRetries int  `json:"max_protocol_retries"`
	WallClockSeconds   int  `json:"wall_clock_seconds"`
	HistoryTokenBudget int  `json:"history_token_budget"`
	StopOnFirstFinding bool `json:"stop_on_first_finding"`
}

// SandboxConfig controls filesystem isolation for scenario executions.
type SandboxConfig struct {
	Disabled         bool     `json:"disabled,omitempty"`
	BestEffort       bool     `json:"best_effort"`
	ExtraReadPaths   []string `json:"extra_read_paths,omitempty"`
	ExtraWritePaths  []string `json:"extra_write_paths,omitempty"`
	DefaultTimeoutMs int      `json:"default_timeout_ms,omitempty"`
}

// ToolServerConfig describes one named diagnostic tool provider.
type ToolServerConfig struct {
	Type        string             `json:"type"` // "command" or "websocket"
	Description string             `json:"description,omitempty"`
	Command     *ToolCommandConfig `json:"command,omitempty"`
	URL         string             `json:"url,omitempty"`
	Disabled    bool               `json:"disabled,omitempty"`
}

// ToolCommandConfig describes a subprocess-backed tool server.
type ToolCommandConfig struct {
	Exec           []string          `json:"exec"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// ServerConfig configures the inbound control surface.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// Config represents application configuration
type Config struct {
	WorkingDir  string                       `json:"working_dir"`
	StateDir    string                       `json:"state_dir,omitempty"`
	LogLevel    string                       `json:"log_level"` // debug, info, warn, error, none
	LogPath     string                       `json:"-"`
	Provider    ProviderConfig               `json:"provider"`
	Triage      TriageConfig                 `json:"triage"`
	Scenario    ScenarioConfig               `json:"scenario"`
	Sandbox     SandboxConfig                `json:"sandbox"`
	ToolServers map[string]*ToolServerConfig `json:"tool_servers,omitempty"`
	Server      ServerConfig                 `json:"server"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "fehlersuche")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "fehlersuche")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "fehlersuche")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "fehlersuche")
	}
}

// DefaultStateDir returns the directory for logs and session data.
func DefaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "fehlersuche")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "fehlersuche")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "fehlersuche")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "fehlersuche")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := DefaultStateDir()

	return &Config{
		WorkingDir: ".",
		StateDir:   stateDir,
		LogLevel:   "info",
		LogPath:    filepath.Join(stateDir, "fehlersuche.log"),
		Provider: ProviderConfig{
			Type:         "anthropic",
			Model:        "claude-sonnet-4-5",
			APIKeyEnvVar: "ANTHROPIC_API_KEY",
			Temperature:  0.7,
			MaxTokens:    4096,
		},
		Triage: TriageConfig{
			MaxHypotheses: 4,
		},
		Scenario: ScenarioConfig{
			MaxIterations:      25,
			MaxProtocolRetries: 3,
			WallClockSeconds:   900,
			HistoryTokenBudget: 48000,
		},
		Sandbox: SandboxConfig{
			BestEffort:       true,
			DefaultTimeoutMs: 120000,
		},
		ToolServers: make(map[string]*ToolServerConfig),
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:7843",
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	// Start with default config
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	// Ensure critical fields have defaults if still empty
	if config.WorkingDir == "" {
		config.WorkingDir = "."
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir()
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(config.StateDir, "fehlersuche.log")
	}
	if config.ToolServers == nil {
		config.ToolServers = make(map[string]*ToolServerConfig)
	}
	if config.Triage.MaxHypotheses <= 0 {
		config.Triage.MaxHypotheses = 4
	}
	if config.Scenario.MaxIterations <= 0 {
		config.Scenario.MaxIterations = 25
	}
	if config.Scenario.MaxProtocolRetries <= 0 {
		config.Scenario.MaxProtocolRetries = 3
	}
	if config.Scenario.WallClockSeconds <= 0 {
		config.Scenario.WallClockSeconds = 900
	}
	if config.Scenario.HistoryTokenBudget <= 0 {
		config.Scenario.HistoryTokenBudget = 48000
	}
	if config.Sandbox.DefaultTimeoutMs <= 0 {
		config.Sandbox.DefaultTimeoutMs = 120000
	}
	if config.Server.ListenAddr == "" {
		config.Server.ListenAddr = "127.0.0.1:7843"
	}

	return config, nil
}

// Validate checks fields that have no safe default.
func (c *Config) Validate() error {
	switch c.Provider.Type {
	case "anthropic", "openai-compatible":
	default:
		return fmt.Errorf("unknown provider type %q", c.Provider.Type)
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider model is required")
	}
	for name, ts := range c.ToolServers {
		switch ts.Type {
		case "command":
			if ts.Command == nil || len(ts.Command.Exec) == 0 {
				return fmt.Errorf("tool server %q: command.exec is required", name)
			}
		case "websocket":
			if ts.URL == "" {
				return fmt.Errorf("tool server %q: url is required", name)
			}
		default:
			return fmt.Errorf("tool server %q: unknown type %q", name, ts.Type)
		}
	}
	return nil
}

// Save saves configuration to file atomically.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
