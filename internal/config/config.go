// Package config loads and validates yacb configuration.
// Configuration is YAML with environment variable overrides; components
// receive immutable snapshots at construction time and never read
// ambient process state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all yacb configuration.
type Config struct {
	// Core settings
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`

	// Default model in provider/model form, used by the medium tier
	// when no explicit medium model is configured.
	Model string `yaml:"model"`

	// Provider credentials and endpoints
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Tier routing
	TierRouter TierRouterConfig `yaml:"tier_router"`

	// Context assembly caps
	Context ContextConfig `yaml:"context"`

	// Bus capacity
	Bus BusConfig `yaml:"bus"`

	// Agent/orchestrator behavior
	Agent AgentConfig `yaml:"agent"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ProviderConfig configures one model provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// TierModelConfig names the model for one tier.
type TierModelConfig struct {
	Model string `yaml:"model"`
}

// TierModelsConfig maps each tier to a configured model.
type TierModelsConfig struct {
	Light  TierModelConfig `yaml:"light"`
	Medium TierModelConfig `yaml:"medium"`
	Heavy  TierModelConfig `yaml:"heavy"`
}

// TierRulesConfig holds the deterministic classification rules.
type TierRulesConfig struct {
	ShortMessageMaxChars int      `yaml:"short_message_max_chars"`
	ShortMessageMaxWords int      `yaml:"short_message_max_words"`
	MediumKeywords       []string `yaml:"medium_keywords"`
	HeavyKeywords        []string `yaml:"heavy_keywords"`
}

// TierRouterConfig configures the tier router.
type TierRouterConfig struct {
	Enabled bool             `yaml:"enabled"`
	Tiers   TierModelsConfig `yaml:"tiers"`
	Rules   TierRulesConfig  `yaml:"rules"`
}

// ContextConfig holds the independent per-section caps for context
// assembly. Each section is bounded on its own so one oversized source
// cannot starve the others.
type ContextConfig struct {
	HistoryMaxTurns        int `yaml:"history_max_turns"`
	WorkspaceMaxChars      int `yaml:"workspace_max_chars"`
	ActiveSkillsMaxChars   int `yaml:"active_skills_max_chars"`
	SkillsIndexMaxChars    int `yaml:"skills_index_max_chars"`
	LongTermMemoryMaxChars int `yaml:"long_term_memory_max_chars"`
	DailyNotesMaxChars     int `yaml:"daily_notes_max_chars"`
	KnowledgeMaxChars      int `yaml:"knowledge_max_chars"`
}

// BusConfig sets queue capacities.
type BusConfig struct {
	InboundCapacity  int `yaml:"inbound_capacity"`
	OutboundCapacity int `yaml:"outbound_capacity"`
}

// AgentConfig configures turn processing.
type AgentConfig struct {
	SystemPrompt  string  `yaml:"system_prompt"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	CallTimeout   string  `yaml:"call_timeout"`
	ShutdownGrace string  `yaml:"shutdown_grace"`
}

// StorageConfig configures the session store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	MaxSizeMB  int             `yaml:"max_size_mb"`
	MaxBackups int             `yaml:"max_backups"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "yacb",
		Workspace: ".",
		Model:     "anthropic/claude-sonnet-4-20250514",
		Providers: map[string]ProviderConfig{},
		TierRouter: TierRouterConfig{
			Enabled: true,
			Rules: TierRulesConfig{
				ShortMessageMaxChars: 80,
				ShortMessageMaxWords: 12,
				MediumKeywords: []string{
					"search", "read", "explain", "remind", "cron", "file", "tool",
				},
				HeavyKeywords: []string{
					"code", "debug", "refactor", "implement", "architecture", "optimize",
				},
			},
		},
		Context: ContextConfig{
			HistoryMaxTurns:        40,
			WorkspaceMaxChars:      5000,
			ActiveSkillsMaxChars:   3000,
			SkillsIndexMaxChars:    3500,
			LongTermMemoryMaxChars: 4000,
			DailyNotesMaxChars:     3000,
			KnowledgeMaxChars:      2500,
		},
		Bus: BusConfig{
			InboundCapacity:  200,
			OutboundCapacity: 200,
		},
		Agent: AgentConfig{
			MaxTokens:     4096,
			Temperature:   0.7,
			CallTimeout:   "120s",
			ShutdownGrace: "10s",
		},
		Storage: StorageConfig{
			DatabasePath: "db/yacb.db",
		},
		Logging: LoggingConfig{
			Enabled: false,
			Level:   "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment variables override credentials afterwards.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides for
// credentials and paths.
func (c *Config) applyEnvOverrides() {
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	envKeys := map[string]string{
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
		"deepseek":   "DEEPSEEK_API_KEY",
		"gemini":     "GEMINI_API_KEY",
	}
	for name, envKey := range envKeys {
		if key := os.Getenv(envKey); key != "" {
			p := c.Providers[name]
			p.APIKey = key
			c.Providers[name] = p
		}
	}

	if ws := os.Getenv("YACB_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
	if db := os.Getenv("YACB_DB"); db != "" {
		c.Storage.DatabasePath = db
	}
	if model := os.Getenv("YACB_MODEL"); model != "" {
		c.Model = model
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Bus.InboundCapacity <= 0 || c.Bus.OutboundCapacity <= 0 {
		return fmt.Errorf("bus capacities must be positive")
	}
	r := c.TierRouter.Rules
	if r.ShortMessageMaxChars <= 0 || r.ShortMessageMaxWords <= 0 {
		return fmt.Errorf("short message thresholds must be positive")
	}
	if _, err := time.ParseDuration(c.Agent.CallTimeout); err != nil {
		return fmt.Errorf("invalid call_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Agent.ShutdownGrace); err != nil {
		return fmt.Errorf("invalid shutdown_grace: %w", err)
	}
	return nil
}

// CallTimeout returns the parsed per-call timeout.
func (c *Config) CallTimeout() time.Duration {
	d, err := time.ParseDuration(c.Agent.CallTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// ShutdownGrace returns the parsed shutdown grace period.
func (c *Config) ShutdownGrace() time.Duration {
	d, err := time.ParseDuration(c.Agent.ShutdownGrace)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// DatabasePath resolves the database path against the workspace.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Storage.DatabasePath) {
		return c.Storage.DatabasePath
	}
	return filepath.Join(c.Workspace, c.Storage.DatabasePath)
}
