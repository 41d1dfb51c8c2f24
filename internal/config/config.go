// Package config holds the service configuration: a JSON5 file overlaid with
// RECALL_* environment variables. Secrets come from the environment only and
// are never written back to disk.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/recall/internal/telemetry"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Store      StoreConfig      `json:"store"`
	Index      IndexConfig      `json:"index"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	LLM        LLMConfig        `json:"llm"`
	Reflection ReflectionConfig `json:"reflection"`
	Webhook    WebhookConfig    `json:"webhook"`
	Telemetry  telemetry.Config `json:"telemetry"`
}

type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	AuthToken    string `json:"-"`            // RECALL_AUTH_TOKEN only
	RateLimitRPM int    `json:"rateLimitRpm"` // 0 disables limiting
}

type StoreConfig struct {
	Backend    string `json:"backend"` // "local" or "s3"
	DataDir    string `json:"dataDir"` // local backend root
	S3Bucket   string `json:"s3Bucket"`
	S3Prefix   string `json:"s3Prefix"`
	S3Region   string `json:"s3Region"`
	S3Endpoint string `json:"s3Endpoint"` // custom endpoint for S3-compatible stores
}

type IndexConfig struct {
	Backend     string `json:"backend"` // "sqlite" or "postgres"
	SQLitePath  string `json:"sqlitePath"`
	PostgresDSN string `json:"-"` // RECALL_POSTGRES_DSN only
	Dimensions  int    `json:"dimensions"`
}

type EmbeddingConfig struct {
	APIBase string `json:"apiBase"`
	Model   string `json:"model"`
	APIKey  string `json:"-"` // RECALL_EMBEDDING_API_KEY only
}

// ModelConfig selects one LLM endpoint.
type ModelConfig struct {
	Provider string `json:"provider"` // "anthropic" or "openai"
	Model    string `json:"model"`
	APIBase  string `json:"apiBase"`
}

type LLMConfig struct {
	Primary ModelConfig `json:"primary"`
	Fast    ModelConfig `json:"fast"`
	APIKey  string      `json:"-"` // RECALL_LLM_API_KEY only
}

type ReflectionConfig struct {
	Agentic bool   `json:"agentic"`
	Cron    string `json:"cron"` // daily trigger, UTC
}

type WebhookConfig struct {
	URL     string `json:"url"`
	AuthKey string `json:"-"` // RECALL_WEBHOOK_AUTH_KEY only
	SpaceID string `json:"spaceId"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8787,
			RateLimitRPM: 120,
		},
		Store: StoreConfig{
			Backend: "local",
			DataDir: "~/.recall/data",
		},
		Index: IndexConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.recall/embeddings.db",
			Dimensions: 1536,
		},
		Embedding: EmbeddingConfig{
			Model: "text-embedding-3-small",
		},
		LLM: LLMConfig{
			Primary: ModelConfig{Provider: "anthropic"},
			Fast:    ModelConfig{Provider: "anthropic", Model: "claude-3-5-haiku-20241022"},
		},
		Reflection: ReflectionConfig{
			Agentic: true,
			Cron:    "0 6 * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets (env-only).
	envStr("RECALL_AUTH_TOKEN", &c.Server.AuthToken)
	envStr("RECALL_EMBEDDING_API_KEY", &c.Embedding.APIKey)
	envStr("RECALL_LLM_API_KEY", &c.LLM.APIKey)
	envStr("RECALL_POSTGRES_DSN", &c.Index.PostgresDSN)
	envStr("RECALL_WEBHOOK_AUTH_KEY", &c.Webhook.AuthKey)

	envStr("RECALL_HOST", &c.Server.Host)
	if v := os.Getenv("RECALL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("RECALL_STORE_BACKEND", &c.Store.Backend)
	envStr("RECALL_DATA_DIR", &c.Store.DataDir)
	envStr("RECALL_S3_BUCKET", &c.Store.S3Bucket)
	envStr("RECALL_S3_PREFIX", &c.Store.S3Prefix)
	envStr("RECALL_S3_REGION", &c.Store.S3Region)
	envStr("RECALL_S3_ENDPOINT", &c.Store.S3Endpoint)

	envStr("RECALL_INDEX_BACKEND", &c.Index.Backend)
	envStr("RECALL_SQLITE_PATH", &c.Index.SQLitePath)

	envStr("RECALL_EMBEDDING_API_BASE", &c.Embedding.APIBase)
	envStr("RECALL_EMBEDDING_MODEL", &c.Embedding.Model)

	envStr("RECALL_WEBHOOK_URL", &c.Webhook.URL)
	envStr("RECALL_WEBHOOK_SPACE_ID", &c.Webhook.SpaceID)

	envStr("RECALL_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("RECALL_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("RECALL_AGENTIC_REFLECTION"); v != "" {
		c.Reflection.Agentic = v == "true" || v == "1"
	}
	envStr("RECALL_REFLECTION_CRON", &c.Reflection.Cron)
}

// Validate checks the settings required at startup.
func (c *Config) Validate() error {
	if c.Server.AuthToken == "" {
		return fmt.Errorf("RECALL_AUTH_TOKEN is required")
	}
	switch c.Store.Backend {
	case "local":
	case "s3":
		if c.Store.S3Bucket == "" {
			return fmt.Errorf("store.s3Bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Index.Backend {
	case "sqlite":
	case "postgres":
		if c.Index.PostgresDSN == "" {
			return fmt.Errorf("RECALL_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}
	if c.Index.Dimensions <= 0 {
		return fmt.Errorf("index.dimensions must be positive")
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
