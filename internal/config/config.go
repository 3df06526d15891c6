// Package config handles loading and validation of habitgate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// HABITGATE_ prefix:
//
//	server.address → HABITGATE_SERVER_ADDRESS
//	rate_limit.analyze.max_requests → HABITGATE_RATE_LIMIT_ANALYZE_MAX_REQUESTS
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via HABITGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/habitgate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls behavior when the shared Redis counter store is
// unreachable. It has no effect when Redis is not configured at all (the
// limiter then runs on the local in-process store).
type FailurePolicy string

const (
	FailurePolicyPassThrough      FailurePolicy = "passthrough"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level habitgate configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	CORS      CORSConfig      `yaml:"cors"       envPrefix:"CORS_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Cache     CacheConfig     `yaml:"cache"      envPrefix:"CACHE_"`
	Breaker   BreakerConfig   `yaml:"breaker"    envPrefix:"BREAKER_"`
	LLM       LLMConfig       `yaml:"llm"        envPrefix:"LLM_"`
	Redis     *RedisConfig    `yaml:"redis"      envPrefix:"REDIS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the main API server settings.
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`

	// MaxBodyBytes caps the request body size across all endpoints.
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`

	// BodyReadTimeout is the hard wall-clock budget for reading a request
	// body. Bodies that are still streaming when it elapses are rejected
	// with 408 before any parsing.
	BodyReadTimeout string `yaml:"body_read_timeout" env:"BODY_READ_TIMEOUT"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// CORSConfig controls which browser origins may call the API.
type CORSConfig struct {
	// AllowedOrigins is a comma-separated list of origin rules. Each entry
	// is either an exact origin ("https://habits.example.com") or a
	// single-level wildcard ("https://*.vercel.app"). Empty means no
	// restriction is configured: the request origin is reflected as-is.
	AllowedOrigins string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`

	// Strict rejects disallowed origins with 403 instead of only answering
	// with a "null" allow-origin and letting the browser fail the request.
	Strict bool `yaml:"strict" env:"STRICT"`
}

// EndpointLimit is the fixed-window budget for one endpoint.
type EndpointLimit struct {
	Window      string `yaml:"window"       env:"WINDOW"`
	MaxRequests int64  `yaml:"max_requests" env:"MAX_REQUESTS"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	// Disabled bypasses all rate-limit checks. Intended for test and
	// diagnostic environments only.
	Disabled bool `yaml:"disabled" env:"DISABLED"`

	// TrustedIPHeader is a platform-injected forwarded-for header that only
	// the hosting edge infrastructure can set. When present on a request it
	// wins over X-Real-IP and X-Forwarded-For.
	TrustedIPHeader string `yaml:"trusted_ip_header" env:"TRUSTED_IP_HEADER"`

	// LocalMaxEntries bounds the in-process window store. On overflow the
	// oldest-inserted entry is evicted, so high key cardinality (many
	// distinct client IPs) cannot grow memory without bound.
	LocalMaxEntries int `yaml:"local_max_entries" env:"LOCAL_MAX_ENTRIES"`

	// FailurePolicy applies when Redis is configured but unreachable.
	FailurePolicy FailurePolicy `yaml:"failure_policy" env:"FAILURE_POLICY"`

	// MaxRecoveryAttempts limits Redis recovery attempts before giving up.
	// 0 means retry forever.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts" env:"MAX_RECOVERY_ATTEMPTS"`

	Analyze     EndpointLimit `yaml:"analyze"     envPrefix:"ANALYZE_"`
	Sync        EndpointLimit `yaml:"sync"        envPrefix:"SYNC_"`
	Unsubscribe EndpointLimit `yaml:"unsubscribe" envPrefix:"UNSUBSCRIBE_"`
}

// CacheConfig holds analysis response cache settings.
type CacheConfig struct {
	TTL        string `yaml:"ttl"         env:"TTL"`
	MaxEntries int    `yaml:"max_entries" env:"MAX_ENTRIES"`
}

// BreakerConfig holds quota circuit breaker settings.
type BreakerConfig struct {
	// Cooldown is how long upstream calls are short-circuited after a
	// quota/rate-limit error from the LLM provider.
	Cooldown string `yaml:"cooldown" env:"COOLDOWN"`
}

// LLMConfig holds the upstream text-analysis provider settings.
type LLMConfig struct {
	BaseURL string         `yaml:"base_url" env:"BASE_URL"`
	Model   string         `yaml:"model"    env:"MODEL"`
	APIKey  RedactedString `yaml:"api_key"  env:"API_KEY"`

	// Timeout is the hard budget for one upstream call, distinct from the
	// server's body-read timeout.
	Timeout string `yaml:"timeout" env:"TIMEOUT"`

	// MaxConcurrent caps simultaneous in-flight upstream calls. 0 uses the
	// default (8).
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
}

// RedisConfig holds Redis connection and topology settings. Redis backs the
// sync/unsubscribe key-value store and, when rate limiting is distributed,
// the shared fixed-window counters.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON() to prevent accidental leakage in logs or serialized
// output. Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     "30s",
			WriteTimeout:    "30s",
			IdleTimeout:     "120s",
			DrainTimeout:    "30s",
			MaxBodyBytes:    256 << 10, // 256 KiB
			BodyReadTimeout: "10s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		RateLimit: RateLimitConfig{
			TrustedIPHeader: "X-Vercel-Forwarded-For",
			LocalMaxEntries: 10000,
			FailurePolicy:   FailurePolicyInMemoryFallback,
			Analyze:         EndpointLimit{Window: "1m", MaxRequests: 10},
			Sync:            EndpointLimit{Window: "1m", MaxRequests: 60},
			Unsubscribe:     EndpointLimit{Window: "1m", MaxRequests: 10},
		},
		Cache: CacheConfig{
			TTL:        "10m",
			MaxEntries: 500,
		},
		Breaker: BreakerConfig{
			Cooldown: "60s",
		},
		LLM: LLMConfig{
			BaseURL:       "https://generativelanguage.googleapis.com",
			Model:         "gemini-2.0-flash",
			Timeout:       "25s",
			MaxConcurrent: 8,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "habitgate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("HABITGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/habitgate/config.yaml and
// can be overridden via HABITGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	// Pre-allocate Redis so the env parser can populate it. If no REDIS_ env
	// vars are set the pointer is reset to nil below.
	redisPresentInYAML := cfg.Redis != nil
	if cfg.Redis == nil {
		cfg.Redis = &RedisConfig{}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "HABITGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	// A Redis section with no endpoints is meaningless — reset to nil so the
	// limiter runs on the local store and the KV store is reported as absent.
	if len(cfg.Redis.Endpoints) == 0 && !redisPresentInYAML {
		cfg.Redis = nil
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "passThrough"
// or env values like "PASSTHROUGH" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	if cfg.Redis != nil {
		cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
		if cfg.Redis.Mode == "" {
			cfg.Redis.Mode = RedisModeSingle
		}
	}
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateCache(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.body_read_timeout", cfg.Server.BodyReadTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"rate_limit.analyze.window", cfg.RateLimit.Analyze.Window},
		{"rate_limit.sync.window", cfg.RateLimit.Sync.Window},
		{"rate_limit.unsubscribe.window", cfg.RateLimit.Unsubscribe.Window},
		{"cache.ttl", cfg.Cache.TTL},
		{"breaker.cooldown", cfg.Breaker.Cooldown},
		{"llm.timeout", cfg.LLM.Timeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if fp := cfg.RateLimit.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", fp)
	}
	if cfg.RateLimit.LocalMaxEntries < 1 {
		return fmt.Errorf("rate_limit.local_max_entries must be >= 1")
	}
	for _, ep := range []struct {
		name  string
		limit EndpointLimit
	}{
		{"analyze", cfg.RateLimit.Analyze},
		{"sync", cfg.RateLimit.Sync},
		{"unsubscribe", cfg.RateLimit.Unsubscribe},
	} {
		if ep.limit.MaxRequests < 0 {
			return fmt.Errorf("rate_limit.%s.max_requests must be >= 0", ep.name)
		}
	}
	return nil
}

func validateRedis(cfg *Config) error {
	if cfg.Redis == nil {
		return nil // not configured — local limiter, no KV store
	}
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateCache(cfg *Config) error {
	if cfg.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be >= 1")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if (c.Redis == nil) != (old.Redis == nil) {
		fields = append(fields, "redis")
	} else if c.Redis != nil && c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	return fields
}
