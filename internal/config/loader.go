package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, standard locations are searched for
// agentgate.yaml/.yml. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully.
		viper.SetConfigName("agentgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: AGENTGATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("AGENTGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for agentgate.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".agentgate"),
		"/etc/agentgate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "agentgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Example: AGENTGATE_POLICY_OPA_URL overrides policy.opa_url. Keys
// with a short operator name from the deployment docs bind it as an alias
// alongside the derived name; the derived name wins when both are set.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level", "AGENTGATE_SERVER_LOG_LEVEL", "AGENTGATE_LOG_LEVEL")

	_ = viper.BindEnv("policy.path")
	_ = viper.BindEnv("policy.package_secret")
	_ = viper.BindEnv("policy.require_signed", "AGENTGATE_POLICY_REQUIRE_SIGNED", "AGENTGATE_REQUIRE_SIGNED_POLICY")
	_ = viper.BindEnv("policy.opa_url", "AGENTGATE_POLICY_OPA_URL", "AGENTGATE_OPA_URL")
	_ = viper.BindEnv("policy.approval_token", "AGENTGATE_POLICY_APPROVAL_TOKEN", "AGENTGATE_APPROVAL_TOKEN")

	_ = viper.BindEnv("trace.db_path", "AGENTGATE_TRACE_DB_PATH", "AGENTGATE_TRACE_DB")
	_ = viper.BindEnv("trace.anchor_url", "AGENTGATE_TRACE_ANCHOR_URL", "AGENTGATE_TRANSPARENCY_ANCHOR_URL")
	_ = viper.BindEnv("trace.anchor_interval_seconds")

	_ = viper.BindEnv("redis.url")

	_ = viper.BindEnv("rate_limit.window_seconds", "AGENTGATE_RATE_LIMIT_WINDOW_SECONDS", "AGENTGATE_RATE_WINDOW_SECONDS")
	_ = viper.BindEnv("rate_limit.default_limit")

	// admin.api_keys is an array; use the config file for multiple keys.
	_ = viper.BindEnv("admin.api_keys", "AGENTGATE_ADMIN_API_KEYS", "AGENTGATE_ADMIN_API_KEY")

	_ = viper.BindEnv("incident.risk_threshold")
	_ = viper.BindEnv("incident.webhook_url")

	_ = viper.BindEnv("pii.mode")
	_ = viper.BindEnv("pii.token_salt")

	_ = viper.BindEnv("executor.mcp_endpoint")

	_ = viper.BindEnv("broker.url")
	_ = viper.BindEnv("broker.credential_ttl_seconds")

	_ = viper.BindEnv("telemetry.otel_enabled", "AGENTGATE_TELEMETRY_OTEL_ENABLED", "AGENTGATE_OTEL_ENABLED")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string in env-vars-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
