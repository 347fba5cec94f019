package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultModel               = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens           = 8192
	DefaultMaxToolIterations   = 20
	DefaultSessionTimeout      = "30m"
	DefaultMaxSessionsPerUser  = 4
	DefaultMaxEventsPerSession = 1000
	DefaultMaxSessionBytes     = 4 << 20
	DefaultCleanupInterval     = "60s"
)

type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Provider ProviderConfig `mapstructure:"provider"`
	Security SecurityConfig `mapstructure:"security"`
	Session  SessionConfig  `mapstructure:"session"`
	Store    StoreConfig    `mapstructure:"store"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type AgentConfig struct {
	Workspace         string `mapstructure:"workspace"`
	Model             string `mapstructure:"model"`
	MaxTokens         int    `mapstructure:"maxTokens"`
	MaxToolIterations int    `mapstructure:"maxToolIterations"`
}

type ProviderConfig struct {
	Type    string `mapstructure:"type"` // "anthropic" (default) or "openai"
	APIKey  string `mapstructure:"apiKey"`
	BaseURL string `mapstructure:"baseUrl"`
}

// SecurityConfig feeds the policy snapshot handed to the mediator each turn.
type SecurityConfig struct {
	AllowlistPrefixes   []string `mapstructure:"allowlistPrefixes"`
	DangerousPatterns   []string `mapstructure:"dangerousPatterns"`
	AutoApproveEdits    bool     `mapstructure:"autoApproveEdits"`
	AutoApproveCommands bool     `mapstructure:"autoApproveCommands"`
}

type SessionConfig struct {
	Timeout             string `mapstructure:"timeout"`
	MaxSessionsPerUser  int    `mapstructure:"maxSessionsPerUser"`
	MaxEventsPerSession int    `mapstructure:"maxEventsPerSession"`
	MaxSessionBytes     int64  `mapstructure:"maxSessionBytes"`
	CleanupInterval     string `mapstructure:"cleanupInterval"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"dbPath"`
}

type AuditConfig struct {
	Path string `mapstructure:"path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Token     string   `mapstructure:"token"`
	ChatID    int64    `mapstructure:"chatId"`
	AllowFrom []string `mapstructure:"allowFrom"`
	Proxy     string   `mapstructure:"proxy"`
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".warden")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "warden.yaml")
}

// LoadConfig layers defaults, the config file and WARDEN_* environment
// variables. A missing config file is not an error.
func LoadConfig() (*Config, error) {
	return loadFrom(ConfigDir())
}

func loadFrom(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("warden")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, dir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvFallbacks(cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("agent.workspace", filepath.Join(dir, "workspace"))
	v.SetDefault("agent.model", DefaultModel)
	v.SetDefault("agent.maxTokens", DefaultMaxTokens)
	v.SetDefault("agent.maxToolIterations", DefaultMaxToolIterations)

	v.SetDefault("security.autoApproveEdits", false)
	v.SetDefault("security.autoApproveCommands", false)

	v.SetDefault("session.timeout", DefaultSessionTimeout)
	v.SetDefault("session.maxSessionsPerUser", DefaultMaxSessionsPerUser)
	v.SetDefault("session.maxEventsPerSession", DefaultMaxEventsPerSession)
	v.SetDefault("session.maxSessionBytes", DefaultMaxSessionBytes)
	v.SetDefault("session.cleanupInterval", DefaultCleanupInterval)

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.dbPath", filepath.Join(dir, "data", "warden.db"))

	v.SetDefault("audit.path", filepath.Join(dir, "data", "decisions.jsonl"))
}

// applyEnvFallbacks keeps the provider key conveniences that predate the
// WARDEN_ prefix.
func applyEnvFallbacks(cfg *Config) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if token := os.Getenv("WARDEN_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.Telegram.Token = token
	}
}
