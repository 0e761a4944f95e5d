// Package config provides configuration types for the agentgate gateway.
//
// Configuration is file-based (agentgate.yaml) with environment variable
// overrides under the AGENTGATE_ prefix. Every external dependency is
// optional: with an empty config the gateway runs single-process with the
// local policy evaluator, an in-memory kill switch store, a static
// credential broker, and the echo executor.
package config

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Policy configures the signed policy package and the remote engine.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Trace configures the append-only trace journal.
	Trace TraceConfig `yaml:"trace" mapstructure:"trace"`

	// Redis configures the kill-switch KV store. Empty URL falls back to
	// the in-memory store.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// RateLimit configures the sliding-window limiter.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Admin configures the operator API.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Incident configures containment thresholds and notifications.
	Incident IncidentConfig `yaml:"incident" mapstructure:"incident"`

	// DLP configures the taint tracker.
	DLP DLPConfig `yaml:"dlp" mapstructure:"dlp"`

	// PII configures evidence-pack scrubbing.
	PII PIIConfig `yaml:"pii" mapstructure:"pii"`

	// Executor configures the downstream tool executor.
	Executor ExecutorConfig `yaml:"executor" mapstructure:"executor"`

	// Broker configures the credential broker. Empty URL falls back to the
	// static in-process broker.
	Broker BrokerConfig `yaml:"broker" mapstructure:"broker"`

	// Telemetry configures optional tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the listen address. Defaults to "127.0.0.1:8080"
	// (localhost only).
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// PolicyConfig configures policy loading and evaluation.
type PolicyConfig struct {
	// Path is the signed policy package file (JSON or YAML).
	Path string `yaml:"path" mapstructure:"path"`

	// PackageSecret is the HMAC secret verifying signed packages.
	PackageSecret string `yaml:"package_secret" mapstructure:"package_secret"`

	// RequireSigned rejects unsigned packages (loading the empty,
	// deny-everything bundle instead).
	RequireSigned bool `yaml:"require_signed" mapstructure:"require_signed"`

	// OPAURL is the remote policy engine base URL. Empty means local
	// evaluation only.
	OPAURL string `yaml:"opa_url" mapstructure:"opa_url" validate:"omitempty,url"`

	// ApprovalToken is the static development approval token accepted by
	// the local evaluator alongside workflow-minted tokens.
	ApprovalToken string `yaml:"approval_token" mapstructure:"approval_token"`
}

// TraceConfig configures the trace journal.
type TraceConfig struct {
	// DBPath is the SQLite database file. Defaults to "agentgate.db".
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	// AnchorURL is the transparency-log endpoint receiving Merkle root
	// anchors. Empty disables anchoring.
	AnchorURL string `yaml:"anchor_url" mapstructure:"anchor_url" validate:"omitempty,url"`

	// AnchorIntervalSeconds is how often checkpoints are anchored.
	// Defaults to 300.
	AnchorIntervalSeconds int `yaml:"anchor_interval_seconds" mapstructure:"anchor_interval_seconds" validate:"omitempty,min=1"`
}

// RedisConfig configures the kill-switch KV store.
type RedisConfig struct {
	// URL is a redis connection URL (e.g. "redis://localhost:6379/0").
	// Empty falls back to the in-memory store.
	URL string `yaml:"url" mapstructure:"url"`
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	// WindowSeconds is the sliding window length. Defaults to 60.
	WindowSeconds int `yaml:"window_seconds" mapstructure:"window_seconds" validate:"omitempty,min=1"`

	// DefaultLimit is the per-window cap for tools the policy bundle does
	// not name. Defaults to 60.
	DefaultLimit int `yaml:"default_limit" mapstructure:"default_limit" validate:"omitempty,min=1"`
}

// AdminConfig configures the operator API.
type AdminConfig struct {
	// APIKeys are accepted X-API-Key values. Each entry is either an
	// argon2id hash, a "sha256:" prefixed digest, or a plaintext key
	// (development only). Empty disables the admin surface.
	APIKeys []string `yaml:"api_keys" mapstructure:"api_keys"`
}

// IncidentConfig configures the containment coordinator.
type IncidentConfig struct {
	// RiskThreshold is the rolling score at which a session is
	// quarantined. Defaults to 6.
	RiskThreshold int `yaml:"risk_threshold" mapstructure:"risk_threshold" validate:"omitempty,min=1"`

	// WebhookURL receives quarantine notifications. Empty disables them.
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
}

// DLPConfig configures the taint tracker.
type DLPConfig struct {
	// BlockedLabels are the taint labels that trigger a DLP block.
	// Defaults to ["sensitive"].
	BlockedLabels []string `yaml:"blocked_labels" mapstructure:"blocked_labels"`

	// ExfiltrationTools are the tools capable of moving data out. Empty
	// means no tool is DLP-blocked.
	ExfiltrationTools []string `yaml:"exfiltration_tools" mapstructure:"exfiltration_tools"`
}

// PIIConfig configures evidence-pack scrubbing.
type PIIConfig struct {
	// Mode is off, redact, or tokenize. Defaults to "redact".
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=off redact tokenize"`

	// TokenSalt keys the tokenize mode. Required when mode is tokenize.
	TokenSalt string `yaml:"token_salt" mapstructure:"token_salt"`
}

// ExecutorConfig configures the downstream executor.
type ExecutorConfig struct {
	// MCPEndpoint is a streamable MCP server URL. Empty falls back to the
	// local echo executor.
	MCPEndpoint string `yaml:"mcp_endpoint" mapstructure:"mcp_endpoint" validate:"omitempty,url"`
}

// BrokerConfig configures the credential broker.
type BrokerConfig struct {
	// URL is the broker base URL. Empty falls back to the static broker.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// CredentialTTLSeconds caps issued credential lifetimes. Defaults to
	// 300.
	CredentialTTLSeconds int `yaml:"credential_ttl_seconds" mapstructure:"credential_ttl_seconds" validate:"omitempty,min=1"`
}

// TelemetryConfig configures optional tracing.
type TelemetryConfig struct {
	// OTELEnabled turns on span export to stdout.
	OTELEnabled bool `yaml:"otel_enabled" mapstructure:"otel_enabled"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	// Bind to localhost only; network exposure is an explicit choice.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Trace.DBPath == "" {
		c.Trace.DBPath = "agentgate.db"
	}
	if c.Trace.AnchorIntervalSeconds == 0 {
		c.Trace.AnchorIntervalSeconds = 300
	}

	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.DefaultLimit == 0 {
		c.RateLimit.DefaultLimit = 60
	}

	if c.Incident.RiskThreshold == 0 {
		c.Incident.RiskThreshold = 6
	}

	if len(c.DLP.BlockedLabels) == 0 {
		c.DLP.BlockedLabels = []string{"sensitive"}
	}

	if c.PII.Mode == "" {
		c.PII.Mode = "redact"
	}

	if c.Broker.CredentialTTLSeconds == 0 {
		c.Broker.CredentialTTLSeconds = 300
	}
}
