// Package config handles loading and validating CodeSail configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the CodeSail session manager.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.codesail/data. Override: CODESAIL_DATA_DIR env var.
	Executor      string               `json:"executor,omitempty" yaml:"executor,omitempty"` // "kube" (default) or "local" (host processes, development only).
	Server        ServerConfig         `json:"server" yaml:"server"`
	Kubernetes    KubernetesConfig     `json:"kubernetes" yaml:"kubernetes"`
	Session       SessionConfig        `json:"session" yaml:"session"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = janitor disabled
	Assist        *AssistConfig        `json:"assist,omitempty" yaml:"assist,omitempty"`               // nil = assist endpoints disabled
	WebSocket     *WebSocketConfig     `json:"websocket,omitempty" yaml:"websocket,omitempty"`         // nil = WebSocket sessions disabled
	MCP           *MCPConfig           `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // nil = MCP stdio server disabled
}

// ServerConfig configures the HTTP API gateway.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 2 MiB.
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"`     // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	SSE                 bool              `json:"sse" yaml:"sse"` // Enable the SSE events endpoint.
}

// Addr returns the listen address with a default of ":8080".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap with a default of 2 MiB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s != nil && s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 2 << 20
}

// RateLimitConfig configures per-user rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// KubernetesConfig configures how workspace sandbox pods are reached.
// Kubeconfig is only consulted outside the cluster; in-cluster credentials
// take precedence when available.
type KubernetesConfig struct {
	Namespace      string `json:"namespace" yaml:"namespace"`   // Default: "default".
	Container      string `json:"container" yaml:"container"`   // Default: "runner".
	Kubeconfig     string `json:"kubeconfig" yaml:"kubeconfig"` // Override: KUBECONFIG env var. Default: ~/.kube/config.
	PodNamePrefix  string `json:"pod_name_prefix" yaml:"pod_name_prefix"` // Default: "user-".
	RequestTimeout int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"` // API request timeout. Default: 10.
}

// PodNamespace returns the namespace with a default of "default".
func (k *KubernetesConfig) PodNamespace() string {
	if k != nil && k.Namespace != "" {
		return k.Namespace
	}
	return "default"
}

// ContainerName returns the exec target container with a default of "runner".
func (k *KubernetesConfig) ContainerName() string {
	if k != nil && k.Container != "" {
		return k.Container
	}
	return "runner"
}

// Prefix returns the pod name prefix with a default of "user-".
func (k *KubernetesConfig) Prefix() string {
	if k != nil && k.PodNamePrefix != "" {
		return k.PodNamePrefix
	}
	return "user-"
}

// APITimeout returns the Kubernetes API request timeout with a default of 10s.
func (k *KubernetesConfig) APITimeout() time.Duration {
	if k != nil && k.RequestTimeout > 0 {
		return time.Duration(k.RequestTimeout) * time.Second
	}
	return 10 * time.Second
}

// SessionConfig bounds per-session workspace operations.
type SessionConfig struct {
	FileTimeoutSeconds     int   `json:"file_timeout_seconds" yaml:"file_timeout_seconds"`         // Read/write/tree/file-op timeout. Default: 5.
	TerminalTimeoutSeconds int   `json:"terminal_timeout_seconds" yaml:"terminal_timeout_seconds"` // Terminal command timeout. Default: 30.
	MaxOutputBytes         int64 `json:"max_output_bytes" yaml:"max_output_bytes"`                 // Per-stream remote output cap. Default: 1 MiB.
	MaxFileBytes           int64 `json:"max_file_bytes" yaml:"max_file_bytes"`                     // Write payload cap. Default: 1 MiB.
	MaxCommandLength       int   `json:"max_command_length" yaml:"max_command_length"`             // Terminal command length cap. Default: 4096.
	MaxConcurrentOps       int   `json:"max_concurrent_ops" yaml:"max_concurrent_ops"`             // Concurrent remote operations per session. Default: 4.
}

// FileTimeout returns the file operation timeout with a default of 5s.
func (s *SessionConfig) FileTimeout() time.Duration {
	if s != nil && s.FileTimeoutSeconds > 0 {
		return time.Duration(s.FileTimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// TerminalTimeout returns the terminal command timeout with a default of 30s.
func (s *SessionConfig) TerminalTimeout() time.Duration {
	if s != nil && s.TerminalTimeoutSeconds > 0 {
		return time.Duration(s.TerminalTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// OutputCap returns the per-stream output cap with a default of 1 MiB.
func (s *SessionConfig) OutputCap() int64 {
	if s != nil && s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return 1 << 20
}

// FileCap returns the write payload cap with a default of 1 MiB.
func (s *SessionConfig) FileCap() int64 {
	if s != nil && s.MaxFileBytes > 0 {
		return s.MaxFileBytes
	}
	return 1 << 20
}

// CommandCap returns the terminal command length cap with a default of 4096.
func (s *SessionConfig) CommandCap() int {
	if s != nil && s.MaxCommandLength > 0 {
		return s.MaxCommandLength
	}
	return 4096
}

// Concurrency returns the per-session concurrency bound with a default of 4.
func (s *SessionConfig) Concurrency() int {
	if s != nil && s.MaxConcurrentOps > 0 {
		return s.MaxConcurrentOps
	}
	return 4
}

// StorageConfig configures the activity persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: CODESAIL_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "codesail"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeCluster bool `json:"include_cluster" yaml:"include_cluster"`
}

// JanitorConfig configures periodic cleanup of idle sessions and old activity rows.
// When nil, nothing is cleaned up automatically.
type JanitorConfig struct {
	Enabled               bool   `json:"enabled" yaml:"enabled"`
	Schedule              string `json:"schedule" yaml:"schedule"`                               // 5-field cron. Default: "*/5 * * * *".
	SessionIdleSeconds    int    `json:"session_idle_seconds" yaml:"session_idle_seconds"`       // Close sessions idle longer than this. Default: 1800.
	ActivityRetentionDays int    `json:"activity_retention_days" yaml:"activity_retention_days"` // Default: 30.
}

// CronSchedule returns the cleanup schedule with a default of every 5 minutes.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "*/5 * * * *"
}

// SessionIdle returns the idle session cutoff with a default of 30m.
func (j *JanitorConfig) SessionIdle() time.Duration {
	if j != nil && j.SessionIdleSeconds > 0 {
		return time.Duration(j.SessionIdleSeconds) * time.Second
	}
	return 30 * time.Minute
}

// Retention returns the activity retention window with a default of 30 days.
func (j *JanitorConfig) Retention() time.Duration {
	if j != nil && j.ActivityRetentionDays > 0 {
		return time.Duration(j.ActivityRetentionDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// AssistConfig configures the code assist suggestion backends.
// When nil, the assist endpoint is not registered.
type AssistConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "anthropic" or "openai". Empty = "anthropic".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Fallback providers tried in order when default fails.
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"` // Override: ANTHROPIC_API_KEY env var.
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: OPENAI_API_KEY env var.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

// DefaultProvider returns the default assist provider with a default of "anthropic".
func (a *AssistConfig) DefaultProvider() string {
	if a != nil && a.Default != "" {
		return a.Default
	}
	return "anthropic"
}

// WebSocketConfig configures the browser session WebSocket endpoint.
type WebSocketConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Path                string `json:"path" yaml:"path"`                                         // Default: "/ws/session".
	PingIntervalSeconds int    `json:"ping_interval_seconds" yaml:"ping_interval_seconds"`       // Default: 30.
	WriteTimeoutSeconds int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`       // Per-message write deadline. Default: 10.
}

// WSPath returns the WebSocket path with a default of "/ws/session".
func (w *WebSocketConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/session"
}

// PingInterval returns the keepalive interval with a default of 30s.
func (w *WebSocketConfig) PingInterval() time.Duration {
	if w != nil && w.PingIntervalSeconds > 0 {
		return time.Duration(w.PingIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// WriteTimeout returns the per-message write deadline with a default of 10s.
func (w *WebSocketConfig) WriteTimeout() time.Duration {
	if w != nil && w.WriteTimeoutSeconds > 0 {
		return time.Duration(w.WriteTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// MCPConfig configures the MCP stdio server exposing workspace operations
// as tools for external AI assistants.
type MCPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	UserID  string `json:"user_id" yaml:"user_id"`       // Identity MCP tool calls run as. Required when enabled.
	Project string `json:"project_id" yaml:"project_id"` // Project scope for MCP tool calls. Required when enabled.
}

// DefaultConfigPath returns the default config file path (~/.codesail/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/codesail.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".codesail", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Provider API keys and the listen address can be set in the config file or overridden
// by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
// Env vars take precedence over config file values.
func (c *Config) applyEnvOverrides() {
	if envAddr := os.Getenv("CODESAIL_LISTEN_ADDR"); envAddr != "" {
		c.Server.ListenAddr = envAddr
	}
	if envDD := os.Getenv("CODESAIL_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envExec := os.Getenv("CODESAIL_EXECUTOR"); envExec != "" {
		c.Executor = envExec
	}
	if envNS := os.Getenv("CODESAIL_NAMESPACE"); envNS != "" {
		c.Kubernetes.Namespace = envNS
	}
	if envKC := os.Getenv("KUBECONFIG"); envKC != "" {
		c.Kubernetes.Kubeconfig = envKC
	}
	if envDSN := os.Getenv("CODESAIL_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" && c.Assist != nil {
		c.Assist.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" && c.Assist != nil {
		c.Assist.OpenAI.APIKey = envKey
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".codesail", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "codesail.db")
}

// ExecutorName returns the sandbox executor name, defaulting to "kube".
func (c *Config) ExecutorName() string {
	if c.Executor != "" {
		return c.Executor
	}
	return "kube"
}

// SandboxBaseDir returns where the local executor keeps per-sandbox
// directories.
func (c *Config) SandboxBaseDir() string {
	return filepath.Join(c.ResolvedDataDir(), "sandboxes")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Session.FileTimeoutSeconds < 0 {
		return fmt.Errorf("session.file_timeout_seconds must not be negative")
	}
	if c.Session.TerminalTimeoutSeconds < 0 {
		return fmt.Errorf("session.terminal_timeout_seconds must not be negative")
	}
	if c.Session.MaxOutputBytes < 0 {
		return fmt.Errorf("session.max_output_bytes must not be negative")
	}
	switch c.ExecutorName() {
	case "kube", "local":
		// valid
	default:
		return fmt.Errorf("executor %q is not supported (use kube or local)", c.Executor)
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set CODESAIL_DB_DSN env var)")
		}
	}
	if c.Assist != nil {
		if err := c.validateAssist(); err != nil {
			return err
		}
	}
	if c.MCP != nil && c.MCP.Enabled {
		if c.MCP.UserID == "" {
			return fmt.Errorf("mcp.user_id is required when the MCP server is enabled")
		}
		if c.MCP.Project == "" {
			return fmt.Errorf("mcp.project_id is required when the MCP server is enabled")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
	}
	return nil
}

// validateAssist checks that the selected assist provider has the required fields.
func (c *Config) validateAssist() error {
	switch c.Assist.DefaultProvider() {
	case "anthropic":
		if c.Assist.Anthropic.Model == "" {
			return fmt.Errorf("assist.anthropic.model is required")
		}
		if c.Assist.Anthropic.APIKey == "" {
			return fmt.Errorf("assist.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		if c.Assist.OpenAI.Model == "" {
			return fmt.Errorf("assist.openai.model is required")
		}
		if c.Assist.OpenAI.APIKey == "" {
			return fmt.Errorf("assist.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	default:
		return fmt.Errorf("assist.default %q is not supported (use anthropic or openai)", c.Assist.Default)
	}
	return nil
}
