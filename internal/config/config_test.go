package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingOptional(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("expected default port %d, got %d", DefaultPort, cfg.Port)
	}
	if cfg.Samba.TokenCacheSeconds != DefaultTokenCacheSeconds {
		t.Errorf("expected default token cache, got %d", cfg.Samba.TokenCacheSeconds)
	}
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
port: 9000
api-keys:
  - sk-local-test
samba:
  email: user@example.com
  password: secret
  token-cache-seconds: 3600
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port not applied: %d", cfg.Port)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0] != "sk-local-test" {
		t.Errorf("api keys not applied: %v", cfg.APIKeys)
	}
	if got := cfg.Samba.TokenTTL(); got != time.Hour {
		t.Errorf("token ttl = %v, want 1h", got)
	}
	// Unset fields keep defaults.
	if cfg.Samba.CompletionURL != DefaultCompletionURL {
		t.Errorf("completion url default lost: %s", cfg.Samba.CompletionURL)
	}
	if !cfg.Samba.CredentialsConfigured() {
		t.Error("credentials should be configured")
	}
}

func TestParseDSN(t *testing.T) {
	if parsed, err := ParseDSN(""); err != nil || parsed != nil {
		t.Errorf("empty DSN should be nil, nil; got %v, %v", parsed, err)
	}

	parsed, err := ParseDSN("sqlite:///var/lib/samba-mux/usage.db")
	if err != nil {
		t.Fatalf("sqlite DSN: %v", err)
	}
	if parsed.Backend != "sqlite" || parsed.Path != "/var/lib/samba-mux/usage.db" {
		t.Errorf("unexpected parse: %+v", parsed)
	}

	parsed, err = ParseDSN("postgres://u:p@localhost/usage")
	if err != nil {
		t.Fatalf("postgres DSN: %v", err)
	}
	if parsed.Backend != "postgres" || parsed.URL == "" {
		t.Errorf("unexpected parse: %+v", parsed)
	}

	if _, err := ParseDSN("mysql://nope"); err == nil {
		t.Error("unsupported scheme should error")
	}
}
