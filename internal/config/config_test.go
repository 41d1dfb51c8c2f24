package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Index.Backend != "sqlite" || cfg.Index.Dimensions != 1536 {
		t.Errorf("index = %+v", cfg.Index)
	}
	if !cfg.Reflection.Agentic || cfg.Reflection.Cron != "0 6 * * *" {
		t.Errorf("reflection = %+v", cfg.Reflection)
	}
}

func TestLoadFileWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
	// local dev overrides
	server: { port: 9999 },
	store: { backend: "s3", s3Bucket: "recall-dev" },
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != "s3" || cfg.Store.S3Bucket != "recall-dev" {
		t.Errorf("store = %+v", cfg.Store)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q", cfg.Server.Host)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{server: {port: 9000, host: "example.com"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RECALL_PORT", "7070")
	t.Setenv("RECALL_AUTH_TOKEN", "sekrit")
	t.Setenv("RECALL_AGENTIC_REFLECTION", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "example.com" {
		t.Errorf("host = %q", cfg.Server.Host)
	}
	if cfg.Server.AuthToken != "sekrit" {
		t.Errorf("token = %q", cfg.Server.AuthToken)
	}
	if cfg.Reflection.Agentic {
		t.Error("agentic still enabled")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "RECALL_AUTH_TOKEN") {
		t.Errorf("err = %v", err)
	}

	cfg.Server.AuthToken = "tok"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg.Index.Backend = "postgres"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "RECALL_POSTGRES_DSN") {
		t.Errorf("err = %v", err)
	}
	cfg.Index.PostgresDSN = "postgres://localhost/recall"
	if err := cfg.Validate(); err != nil {
		t.Errorf("err = %v", err)
	}

	cfg.Store.Backend = "s3"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "s3Bucket") {
		t.Errorf("err = %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/.recall/data"); got != home+"/.recall/data" {
		t.Errorf("got %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("got %q", got)
	}
	if got := ExpandHome("~"); got != home {
		t.Errorf("got %q", got)
	}
}
