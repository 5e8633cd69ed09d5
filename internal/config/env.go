package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment. Variables that are already set win, and
// missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// applyEnv overlays non-empty environment values onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("SERA_PROVIDER", &cfg.AI.Provider)
	provider := strings.ToLower(strings.TrimSpace(cfg.AI.Provider))
	switch provider {
	case ProviderOpenAI, ProviderOpenAICompatible:
		str("OPENAI_API_KEY", &cfg.AI.APIKey)
		str("OPENAI_BASE_URL", &cfg.AI.BaseURL)
	default:
		str("ANTHROPIC_API_KEY", &cfg.AI.APIKey)
		str("ANTHROPIC_BASE_URL", &cfg.AI.BaseURL)
	}
	str("ANTHROPIC_MODEL", &cfg.AI.Model)
	str("SERA_MODEL", &cfg.AI.Model)

	str("COPILOTKIT_RUNTIME_VERSION", &cfg.Runtime.Version)
	str("CORS_ORIGIN", &cfg.Server.CORSOrigin)
	str("SERA_DATA_DIR", &cfg.Storage.DataDir)
	str("SERA_STATE_BACKEND", &cfg.Storage.StateBackend)
	str("SERA_BLOB_BACKEND", &cfg.Storage.BlobBackend)
	str("BRAVE_API_KEY", &cfg.Knowledge.BraveAPIKey)
	str("SERA_LOG_FORMAT", &cfg.Log.Format)
	str("SERA_LOG_LEVEL", &cfg.Log.Level)

	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("SERA_BLOB_TTL"); ok && strings.TrimSpace(v) != "" {
		ttl, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid SERA_BLOB_TTL %q: %w", v, err)
		}
		cfg.Storage.BlobTTL = ttl
	}
	return nil
}
