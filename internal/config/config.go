// Package config handles configuration loading with environment variable
// expansion. The default on-disk form is config.json under the user config
// directory; .yaml/.yml files are accepted for hand-written configs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Upstream  UpstreamConfig  `json:"upstream" yaml:"upstream"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Pool      PoolConfig      `json:"pool" yaml:"pool"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Fallback  FallbackConfig  `json:"fallback" yaml:"fallback"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Accounts  []AccountEntry  `json:"accounts,omitempty" yaml:"accounts"`

	// ManualApprove holds every non-streaming request for operator
	// confirmation before dispatch.
	ManualApprove bool `json:"manual_approve" yaml:"manual_approve"`
	// ToolLoopGuard warns when a conversation's trailing tool-call run
	// exceeds this many turns. 0 disables.
	ToolLoopGuard int  `json:"tool_loop_guard" yaml:"tool_loop_guard"`
	Debug         bool `json:"debug" yaml:"debug"`

	path string // where Save writes; set by Load
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// UpstreamConfig points at the assistant backend.
type UpstreamConfig struct {
	APIBase    string `json:"api_base" yaml:"api_base"`
	AuthBase   string `json:"auth_base" yaml:"auth_base"`
	APIVersion string `json:"api_version" yaml:"api_version"`
}

// AuthConfig holds client-facing authentication settings.
type AuthConfig struct {
	// APIKeys accepted from clients. The effective set is the union of this
	// list and the API_KEYS / SHADOWFAX_API_KEYS environment variables;
	// when the union is empty, authentication is disabled.
	APIKeys       []string `json:"api_keys,omitempty" yaml:"api_keys"`
	WebUIPassword string   `json:"webui_password,omitempty" yaml:"webui_password"`
}

// PoolConfig holds account pool settings.
type PoolConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Strategy string `json:"strategy" yaml:"strategy"` // sticky, round-robin, quota-based, hybrid

	AutoRotate          bool          `json:"auto_rotate" yaml:"auto_rotate"`
	AutoRotateThreshold float64       `json:"auto_rotate_threshold" yaml:"auto_rotate_threshold"` // percent
	AutoRotateCooldown  time.Duration `json:"auto_rotate_cooldown" yaml:"auto_rotate_cooldown"`
	ErrorThreshold      int64         `json:"error_threshold" yaml:"error_threshold"` // "other" errors before rotation
}

// RateLimitConfig holds the per-process minimum-interval gate settings.
type RateLimitConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval"` // 0 disables
	Wait     bool          `json:"wait" yaml:"wait"`         // sleep instead of reject
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
}

// QueueConfig holds request queue settings.
type QueueConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent"`
	MaxSize       int           `json:"max_size" yaml:"max_size"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

// FallbackConfig maps a model to its ordered fallback chain, consulted on
// capacity errors when enabled.
type FallbackConfig struct {
	Enabled bool                `json:"enabled" yaml:"enabled"`
	Models  map[string][]string `json:"models,omitempty" yaml:"models"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Endpoint   string  `json:"endpoint" yaml:"endpoint"`       // OTLP gRPC endpoint
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"` // 0.0 to 1.0
}

// AccountEntry is the user-visible mirror of a pool credential: just enough
// to re-seed the pool, never session tokens or counters.
type AccountEntry struct {
	Label string `json:"label" yaml:"label"`
	Token string `json:"token" yaml:"token"`
}

// Dir returns the user config directory, honoring SHADOWFAX_CONFIG_DIR.
func Dir() string {
	if d := os.Getenv("SHADOWFAX_CONFIG_DIR"); d != "" {
		return d
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "shadowfax")
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns a Config with defaults filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            4141,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			APIVersion: "2025-05-01",
		},
		Pool: PoolConfig{
			Enabled:             true,
			Strategy:            "sticky",
			AutoRotate:          true,
			AutoRotateThreshold: 10,
			AutoRotateCooldown:  5 * time.Minute,
			ErrorThreshold:      3,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 1000,
			TTL:        30 * time.Minute,
		},
		Queue: QueueConfig{
			Enabled:       true,
			MaxConcurrent: 4,
			MaxSize:       100,
			Timeout:       5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Load reads the config file at path, expanding ${VAR} references and
// applying environment overrides. A missing file yields defaults; this is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run: defaults plus env overrides.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		data = expandEnv(data)
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv applies the environment overrides recognized at startup.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("DEBUG"); v != "" && v != "0" && v != "false" {
		c.Debug = true
	}
	if v := os.Getenv("WEBUI_PASSWORD"); v != "" {
		c.Auth.WebUIPassword = v
	}
	if v := os.Getenv("FALLBACK"); v != "" {
		c.Fallback.Enabled = v != "0" && v != "false"
	}
	if v := os.Getenv("SHADOWFAX_API_VERSION"); v != "" {
		c.Upstream.APIVersion = v
	}
	if v := os.Getenv("TOOL_LOOP_GUARD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ToolLoopGuard = n
		}
	}
	// HTTP_PROXY / HTTPS_PROXY are honored by http.ProxyFromEnvironment in
	// the upstream transport; nothing to copy here.
}

// ClientKeys returns the effective accepted client API key set: config keys
// unioned with the API_KEYS and SHADOWFAX_API_KEYS environment variables.
func (c *Config) ClientKeys() []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(k string) {
		k = strings.TrimSpace(k)
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for _, k := range c.Auth.APIKeys {
		add(k)
	}
	for _, env := range []string{"API_KEYS", "SHADOWFAX_API_KEYS"} {
		for _, k := range strings.Split(os.Getenv(env), ",") {
			add(k)
		}
	}
	return keys
}

// saveMu serializes config file writes so concurrent mirror updates cannot
// clobber each other.
var saveMu sync.Mutex

// Save writes the config back to its load path as JSON, atomically.
// YAML-sourced configs are never rewritten (they are operator-owned).
func (c *Config) Save() error {
	if c.path == "" || strings.HasSuffix(c.path, ".yaml") || strings.HasSuffix(c.path, ".yml") {
		return nil
	}
	saveMu.Lock()
	defer saveMu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// MirrorAccount records the minimal user-visible view of a pool credential
// (label, long-lived token) in the config file. Existing entries with the
// same token are updated in place.
func (c *Config) MirrorAccount(label, token string) error {
	for i := range c.Accounts {
		if c.Accounts[i].Token == token {
			c.Accounts[i].Label = label
			return c.Save()
		}
	}
	c.Accounts = append(c.Accounts, AccountEntry{Label: label, Token: token})
	return c.Save()
}
