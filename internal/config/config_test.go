package config

import (
	"strings"
	"testing"
)

func TestSetDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("http_addr = %s, want localhost binding", cfg.Server.HTTPAddr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("log_level = %s", cfg.Server.LogLevel)
	}
	if cfg.Trace.DBPath != "agentgate.db" {
		t.Errorf("db_path = %s", cfg.Trace.DBPath)
	}
	if cfg.Trace.AnchorIntervalSeconds != 300 {
		t.Errorf("anchor_interval_seconds = %d", cfg.Trace.AnchorIntervalSeconds)
	}
	if cfg.RateLimit.WindowSeconds != 60 || cfg.RateLimit.DefaultLimit != 60 {
		t.Errorf("rate_limit = %+v", cfg.RateLimit)
	}
	if cfg.Incident.RiskThreshold != 6 {
		t.Errorf("risk_threshold = %d", cfg.Incident.RiskThreshold)
	}
	if len(cfg.DLP.BlockedLabels) != 1 || cfg.DLP.BlockedLabels[0] != "sensitive" {
		t.Errorf("blocked_labels = %v", cfg.DLP.BlockedLabels)
	}
	if cfg.PII.Mode != "redact" {
		t.Errorf("pii mode = %s", cfg.PII.Mode)
	}
	if cfg.Broker.CredentialTTLSeconds != 300 {
		t.Errorf("credential_ttl_seconds = %d", cfg.Broker.CredentialTTLSeconds)
	}
}

func TestSetDefaultsKeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	cfg.Server.HTTPAddr = "0.0.0.0:9090"
	cfg.RateLimit.DefaultLimit = 5
	cfg.DLP.BlockedLabels = []string{"credentials"}
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("http_addr = %s", cfg.Server.HTTPAddr)
	}
	if cfg.RateLimit.DefaultLimit != 5 {
		t.Errorf("default_limit = %d", cfg.RateLimit.DefaultLimit)
	}
	if len(cfg.DLP.BlockedLabels) != 1 || cfg.DLP.BlockedLabels[0] != "credentials" {
		t.Errorf("blocked_labels = %v", cfg.DLP.BlockedLabels)
	}
}

func TestValidateDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidateFieldRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			"bad listen address",
			func(c *Config) { c.Server.HTTPAddr = "not an address" },
			"host:port",
		},
		{
			"bad log level",
			func(c *Config) { c.Server.LogLevel = "verbose" },
			"must be one of",
		},
		{
			"bad opa url",
			func(c *Config) { c.Policy.OPAURL = "::not-a-url" },
			"must be a valid URL",
		},
		{
			"zero window",
			func(c *Config) { c.RateLimit.WindowSeconds = -1 },
			"must be at least 1",
		},
		{
			"bad pii mode",
			func(c *Config) { c.PII.Mode = "shred" },
			"must be one of",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			cfg.SetDefaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %v, want message containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestValidateCrossFieldRules(t *testing.T) {
	t.Parallel()

	t.Run("tokenize requires a salt", func(t *testing.T) {
		t.Parallel()
		var cfg Config
		cfg.SetDefaults()
		cfg.PII.Mode = "tokenize"

		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "token_salt") {
			t.Errorf("err = %v, want token_salt requirement", err)
		}

		cfg.PII.TokenSalt = "salt"
		if err := cfg.Validate(); err != nil {
			t.Errorf("salted tokenize config invalid: %v", err)
		}
	})

	t.Run("require_signed needs a secret", func(t *testing.T) {
		t.Parallel()
		var cfg Config
		cfg.SetDefaults()
		cfg.Policy.RequireSigned = true

		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "package_secret") {
			t.Errorf("err = %v, want package_secret requirement", err)
		}

		cfg.Policy.PackageSecret = "hmac-secret"
		if err := cfg.Validate(); err != nil {
			t.Errorf("signed config invalid: %v", err)
		}
	})
}
