package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 3001
	DefaultCORSOrigin     = "http://localhost:3000"
	DefaultSystemPrompt   = "You are Sera, a helpful AI assistant."
	DefaultMaxTokens      = 4096
	DefaultTitleModel     = "claude-3-5-haiku-latest"
	DefaultMaxToolSteps   = 8
	DefaultBlobTTL        = time.Hour
	DefaultBlobMaxBytes   = 5 * 1024 * 1024
	DefaultAgentName      = "SERA"
	DefaultAgentDesc      = "AI Assistant powered by Claude"
	DefaultAgentClassName = "SeraAgent"
)

const (
	ProviderAnthropic        = "anthropic"
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"

	StateBackendMemory = "memory"
	StateBackendSQLite = "sqlite"

	BlobBackendMemory = "memory"
	BlobBackendDisk   = "disk"
)

// Config is the on-disk configuration for sera-runtime.
//
// NOTE: api keys may live here; Save always writes the file with mode 0600.
// Prefer the env overlay (or a .env file) for secrets.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	AI        AIConfig        `yaml:"ai"`
	Storage   StorageConfig   `yaml:"storage"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

type RuntimeConfig struct {
	// Version is reported by the info method.
	Version string      `yaml:"version"`
	Agent   AgentConfig `yaml:"agent"`
}

type AgentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	ClassName   string `yaml:"class_name"`
}

type AIConfig struct {
	// Provider is one of: "anthropic" | "openai" | "openai_compatible".
	Provider string `yaml:"provider"`
	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	Model   string `yaml:"model"`

	TitleModel   string `yaml:"title_model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int64  `yaml:"max_tokens"`
	// ThinkingBudget enables extended thinking when >= 1024 and below MaxTokens.
	ThinkingBudget int64 `yaml:"thinking_budget,omitempty"`
	MaxToolSteps   int   `yaml:"max_tool_steps"`
}

type StorageConfig struct {
	// DataDir holds SQLite files, disk blobs and the process lock.
	DataDir      string        `yaml:"data_dir"`
	StateBackend string        `yaml:"state_backend"`
	BlobBackend  string        `yaml:"blob_backend"`
	BlobTTL      time.Duration `yaml:"blob_ttl"`
	BlobMaxBytes int64         `yaml:"blob_max_bytes"`
}

type KnowledgeConfig struct {
	// DocumentsDir seeds the in-memory document provider with *.md and *.txt files.
	DocumentsDir string `yaml:"documents_dir,omitempty"`
	BraveAPIKey  string `yaml:"brave_api_key,omitempty"`
}

type LogConfig struct {
	// Format is "auto|json|text".
	Format string `yaml:"format"`
	// Level is "debug|info|warn|error".
	Level string `yaml:"level"`
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: DefaultPort, CORSOrigin: DefaultCORSOrigin},
		Runtime: RuntimeConfig{
			Agent: AgentConfig{Name: DefaultAgentName, Description: DefaultAgentDesc, ClassName: DefaultAgentClassName},
		},
		AI: AIConfig{
			Provider:     ProviderAnthropic,
			SystemPrompt: DefaultSystemPrompt,
			MaxTokens:    DefaultMaxTokens,
			MaxToolSteps: DefaultMaxToolSteps,
		},
		Storage: StorageConfig{
			DataDir:      DefaultDataDir(),
			StateBackend: StateBackendMemory,
			BlobBackend:  BlobBackendMemory,
			BlobTTL:      DefaultBlobTTL,
			BlobMaxBytes: DefaultBlobMaxBytes,
		},
		Log: LogConfig{Format: "auto", Level: "info"},
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Runtime.Version) == "" {
		return errors.New("missing runtime.version")
	}
	if strings.TrimSpace(c.Runtime.Agent.Name) == "" {
		return errors.New("missing runtime.agent.name")
	}
	if err := c.AI.Validate(); err != nil {
		return fmt.Errorf("invalid ai: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.StateBackend)) {
	case StateBackendMemory, StateBackendSQLite:
	default:
		return fmt.Errorf("invalid storage.state_backend %q", c.Storage.StateBackend)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.BlobBackend)) {
	case BlobBackendMemory, BlobBackendDisk:
	default:
		return fmt.Errorf("invalid storage.blob_backend %q", c.Storage.BlobBackend)
	}
	if c.Storage.BlobTTL <= 0 {
		return fmt.Errorf("invalid storage.blob_ttl %s (must be positive)", c.Storage.BlobTTL)
	}
	if c.Storage.BlobMaxBytes <= 0 {
		return fmt.Errorf("invalid storage.blob_max_bytes %d (must be positive)", c.Storage.BlobMaxBytes)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "auto", "json", "text":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}

func (c *AIConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	t := strings.ToLower(strings.TrimSpace(c.Provider))
	switch t {
	case ProviderAnthropic, ProviderOpenAI, ProviderOpenAICompatible:
	case "":
		return errors.New("missing provider")
	default:
		return fmt.Errorf("invalid provider %q", c.Provider)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("missing api_key")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("missing model")
	}

	baseURL := strings.TrimSpace(c.BaseURL)
	if t == ProviderOpenAICompatible && baseURL == "" {
		return errors.New("base_url is required for openai_compatible")
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil || u == nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("invalid base_url scheme %q", u.Scheme)
		}
		if strings.TrimSpace(u.Host) == "" {
			return errors.New("invalid base_url host")
		}
	}

	if c.MaxTokens <= 0 {
		return fmt.Errorf("invalid max_tokens %d (must be positive)", c.MaxTokens)
	}
	if c.ThinkingBudget < 0 {
		return fmt.Errorf("invalid thinking_budget %d", c.ThinkingBudget)
	}
	if c.MaxToolSteps < 1 || c.MaxToolSteps > 32 {
		return fmt.Errorf("invalid max_tool_steps %d (must be in [1,32])", c.MaxToolSteps)
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.sera-runtime/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "sera-runtime.config.yaml"
	}
	return filepath.Join(home, ".sera-runtime", "config.yaml")
}

// DefaultDataDir returns ~/.sera-runtime/data.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "sera-runtime-data"
	}
	return filepath.Join(home, ".sera-runtime", "data")
}

// Load reads the config file at path on top of Default and applies the
// process environment. A missing file is not an error.
//
// The result is not validated; callers decide when a partial config is enough.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Server.CORSOrigin = strings.TrimSpace(c.Server.CORSOrigin)
	c.Runtime.Version = strings.TrimSpace(c.Runtime.Version)
	c.AI.Provider = strings.ToLower(strings.TrimSpace(c.AI.Provider))
	c.AI.BaseURL = strings.TrimSpace(c.AI.BaseURL)
	c.AI.APIKey = strings.TrimSpace(c.AI.APIKey)
	c.AI.Model = strings.TrimSpace(c.AI.Model)
	c.AI.TitleModel = strings.TrimSpace(c.AI.TitleModel)
	if c.AI.TitleModel == "" {
		// The haiku default only exists on Anthropic; other providers title
		// with the main model.
		if c.AI.Provider == ProviderAnthropic {
			c.AI.TitleModel = DefaultTitleModel
		} else {
			c.AI.TitleModel = c.AI.Model
		}
	}
	c.Storage.DataDir = strings.TrimSpace(c.Storage.DataDir)
	c.Storage.StateBackend = strings.ToLower(strings.TrimSpace(c.Storage.StateBackend))
	c.Storage.BlobBackend = strings.ToLower(strings.TrimSpace(c.Storage.BlobBackend))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
