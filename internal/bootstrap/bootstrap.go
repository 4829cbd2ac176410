// Package bootstrap initializes configuration for CLI commands: .env
// loading, config file parsing, and environment overrides.
package bootstrap

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/nghyane/samba-mux/internal/config"
	log "github.com/nghyane/samba-mux/internal/logging"
)

// Result is the outcome of bootstrapping.
type Result struct {
	Config         *config.Config
	ConfigFilePath string
}

// Bootstrap loads .env, the YAML config (optional), and environment
// overrides, in that order. Environment variables win over the file.
func Bootstrap(configPath string) (*Result, error) {
	wd, err := os.Getwd()
	if err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
			if !errors.Is(errLoad, os.ErrNotExist) {
				log.WithError(errLoad).Warn("failed to load .env file")
			}
		}
	}

	cfg, err := config.LoadConfig(configPath, true)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if !cfg.Samba.CredentialsConfigured() {
		log.Warnf("SAMBA_EMAIL / SAMBA_PASSWORD not configured, upstream login will fail")
	}

	return &Result{Config: cfg, ConfigFilePath: configPath}, nil
}

func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("SAMBA_EMAIL"); v != "" {
		cfg.Samba.Email = v
	}
	if v := os.Getenv("SAMBA_PASSWORD"); v != "" {
		cfg.Samba.Password = v
	}
	if v := os.Getenv("SAMBA_CONFIG_URL"); v != "" {
		cfg.Samba.ConfigURL = v
	}
	if v := os.Getenv("SAMBA_COMPLETION_URL"); v != "" {
		cfg.Samba.CompletionURL = v
	}
	if v := os.Getenv("SAMBA_MODELS_URL"); v != "" {
		cfg.Samba.ModelsURL = v
	}
	if v := os.Getenv("TOKEN_CACHE_TIME"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Samba.TokenCacheSeconds = secs
		} else {
			log.Warnf("ignoring invalid TOKEN_CACHE_TIME %q", v)
		}
	}
	if v := os.Getenv("LOCAL_API_KEY"); v != "" {
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				cfg.APIKeys = append(cfg.APIKeys, key)
			}
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			cfg.Port = port
		} else {
			log.Warnf("ignoring invalid PORT %q", v)
		}
	}
	if v := os.Getenv("DEBUG"); v != "" {
		cfg.Debug = isTruthy(v)
	}
	if v := os.Getenv("ENABLE_DEBUG_TOKEN"); v != "" {
		cfg.EnableDebugToken = isTruthy(v)
	}
	if v := os.Getenv("USAGE_DSN"); v != "" {
		cfg.Usage.DSN = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
