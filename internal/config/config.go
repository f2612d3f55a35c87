// Package config handles loading and validation of FetchGuard configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// FETCHGUARD_ prefix:
//
//	server.address → FETCHGUARD_SERVER_ADDRESS
//	fetch.max_hops → FETCHGUARD_FETCH_MAX_HOPS
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via FETCHGUARD_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/fetchguard/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

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

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13:
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

// Config is the top-level FetchGuard configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"    envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"     envPrefix:"ADMIN_"`
	Fetch     FetchConfig     `yaml:"fetch"     envPrefix:"FETCH_"`
	Upstream  UpstreamConfig  `yaml:"upstream"  envPrefix:"UPSTREAM_"`
	Blocklist BlocklistConfig `yaml:"blocklist" envPrefix:"BLOCKLIST_"`
	Cache     CacheConfig     `yaml:"cache"     envPrefix:"CACHE_"`
	Events    EventsConfig    `yaml:"events"    envPrefix:"EVENTS_"`
	Logging   LoggingConfig   `yaml:"logging"   envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"   envPrefix:"TRACING_"`
}

// ServerConfig holds the public fetch API server settings.
type ServerConfig struct {
	Address        string          `yaml:"address"         env:"ADDRESS"`
	ReadTimeout    string          `yaml:"read_timeout"    env:"READ_TIMEOUT"`
	WriteTimeout   string          `yaml:"write_timeout"   env:"WRITE_TIMEOUT"`
	IdleTimeout    string          `yaml:"idle_timeout"    env:"IDLE_TIMEOUT"`
	DrainTimeout   string          `yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	RequestTimeout string          `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	TLS            ServerTLSConfig `yaml:"tls"             envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings for the main server.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// FetchConfig holds the fetch policy: redirect bound, concurrency valve,
// and accepted content-type family.
type FetchConfig struct {
	// MaxHops bounds the number of redirects followed per request.
	MaxHops int `yaml:"max_hops" env:"MAX_HOPS"`

	// MaxConcurrent caps simultaneous in-flight upstream fetches across
	// all requests. 0 means unlimited.
	MaxConcurrent int64 `yaml:"max_concurrent" env:"MAX_CONCURRENT"`

	// AllowedTypePrefix is the accepted content-type family, e.g. "image/".
	// Empty accepts any content type.
	AllowedTypePrefix string `yaml:"allowed_type_prefix" env:"ALLOWED_TYPE_PREFIX"`

	// UserAgent is sent on upstream requests.
	UserAgent string `yaml:"user_agent" env:"USER_AGENT"`
}

// UpstreamConfig tunes the outbound HTTP client used for fetches.
type UpstreamConfig struct {
	Timeout         string          `yaml:"timeout"           env:"TIMEOUT"`
	MaxIdleConns    int             `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string          `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	Transport       TransportConfig `yaml:"transport"         envPrefix:"TRANSPORT_"`
}

// TransportConfig holds low-level transport tuning for upstream fetches.
type TransportConfig struct {
	DialTimeout         string `yaml:"dial_timeout"          env:"DIAL_TIMEOUT"`
	DialKeepAlive       string `yaml:"dial_keep_alive"       env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout string `yaml:"tls_handshake_timeout" env:"TLS_HANDSHAKE_TIMEOUT"`
}

// BlocklistConfig extends the builtin deny table. Adding a range here is a
// configuration change, not a code change.
type BlocklistConfig struct {
	// ExtraCIDRs are additional ranges to block, e.g. "203.0.113.0/24".
	ExtraCIDRs []string `yaml:"extra_cidrs" env:"EXTRA_CIDRS" envSeparator:","`

	// BlockedHostnames are hostnames rejected before resolution, on top
	// of the builtin localhost aliases. Matched case-insensitively.
	BlockedHostnames []string `yaml:"blocked_hostnames" env:"BLOCKED_HOSTNAMES" envSeparator:","`
}

// CacheConfig holds the optional terminal-response cache settings.
type CacheConfig struct {
	Enabled bool        `yaml:"enabled" env:"ENABLED"`
	Redis   RedisConfig `yaml:"redis"   envPrefix:"REDIS_"`

	// MaxBodySize is the largest response body stored, in bytes. Larger
	// bodies stream through uncached.
	MaxBodySize int64 `yaml:"max_body_size" env:"MAX_BODY_SIZE"`

	// TTL is how long cached responses live.
	TTL string `yaml:"ttl" env:"TTL"`

	// ClientMaxAge is the max-age in seconds advertised to callers via
	// Cache-Control on successful fetches.
	ClientMaxAge int `yaml:"client_max_age" env:"CLIENT_MAX_AGE"`
}

// RedisConfig holds Redis connection and topology settings. Empty endpoints
// mean no Redis: the cache falls back to local memory only.
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

// GoString implements fmt.GoStringer so %#v is masked too.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// EventsConfig holds the blocked-fetch audit event settings. When enabled,
// rejected fetches are batched and POSTed to an HTTP webhook.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
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

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    "30s",
			WriteTimeout:   "60s",
			IdleTimeout:    "120s",
			DrainTimeout:   "30s",
			RequestTimeout: "30s",
			TLS: ServerTLSConfig{
				MinVersion: TLSVersion12,
			},
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Fetch: FetchConfig{
			MaxHops:           5,
			MaxConcurrent:     256,
			AllowedTypePrefix: "image/",
			UserAgent:         "fetchguard/1.0",
		},
		Upstream: UpstreamConfig{
			Timeout:         "20s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
			Transport: TransportConfig{
				DialTimeout:         "10s",
				DialKeepAlive:       "30s",
				TLSHandshakeTimeout: "10s",
			},
		},
		Cache: CacheConfig{
			Redis: RedisConfig{
				Mode:         RedisModeSingle,
				PoolSize:     10,
				DialTimeout:  "5s",
				ReadTimeout:  "3s",
				WriteTimeout: "3s",
			},
			MaxBodySize:  4 << 20,
			TTL:          "10m",
			ClientMaxAge: 86400,
		},
		Events: EventsConfig{
			BatchSize:     64,
			FlushInterval: "5s",
			BufferSize:    1024,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "fetchguard",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (env override or default).
func ConfigFilePath() string {
	configFile := os.Getenv("FETCHGUARD_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from the default YAML file (overridable via
// FETCHGUARD_CONFIG_FILE) and overlays environment variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. The watcher uses this to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "FETCHGUARD_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Single" or
// env values like "JSON" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Cache.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Cache.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = normalizeTLSVersion(cfg.Server.TLS.MinVersion)
}

// normalizeTLSVersion maps accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v TLSVersion) TLSVersion {
	switch strings.ToLower(string(v)) {
	case "1.3", "tls13", "tls1.3":
		return TLSVersion13
	case "1.2", "tls12", "tls1.2", "":
		return TLSVersion12
	default:
		return v // invalid; validation rejects it
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateFetch(cfg); err != nil {
		return err
	}
	if err := validateBlocklist(cfg); err != nil {
		return err
	}
	if err := validateCache(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
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
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"upstream.transport.dial_timeout", cfg.Upstream.Transport.DialTimeout},
		{"upstream.transport.dial_keep_alive", cfg.Upstream.Transport.DialKeepAlive},
		{"upstream.transport.tls_handshake_timeout", cfg.Upstream.Transport.TLSHandshakeTimeout},
		{"cache.ttl", cfg.Cache.TTL},
		{"cache.redis.dial_timeout", cfg.Cache.Redis.DialTimeout},
		{"cache.redis.read_timeout", cfg.Cache.Redis.ReadTimeout},
		{"cache.redis.write_timeout", cfg.Cache.Redis.WriteTimeout},
		{"events.flush_interval", cfg.Events.FlushInterval},
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

func validateTLS(cfg *Config) error {
	tls := cfg.Server.TLS
	if tls.Enabled && (tls.CertFile == "" || tls.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	if tls.HTTP3Enabled && !tls.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled (QUIC mandates TLS)")
	}
	if !tls.MinVersion.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", tls.MinVersion)
	}
	return nil
}

func validateFetch(cfg *Config) error {
	if cfg.Fetch.MaxHops < 0 {
		return fmt.Errorf("fetch.max_hops must be >= 0")
	}
	if cfg.Fetch.MaxConcurrent < 0 {
		return fmt.Errorf("fetch.max_concurrent must be >= 0")
	}
	if p := cfg.Fetch.AllowedTypePrefix; p != "" && !strings.HasSuffix(p, "/") {
		return fmt.Errorf("fetch.allowed_type_prefix %q must be a media type family ending in '/'", p)
	}
	return nil
}

func validateBlocklist(cfg *Config) error {
	for _, c := range cfg.Blocklist.ExtraCIDRs {
		if _, err := netip.ParsePrefix(c); err != nil {
			return fmt.Errorf("invalid blocklist.extra_cidrs entry %q: %w", c, err)
		}
	}
	return nil
}

func validateCache(cfg *Config) error {
	if !cfg.Cache.Enabled {
		return nil
	}
	if cfg.Cache.MaxBodySize < 0 {
		return fmt.Errorf("cache.max_body_size must be >= 0")
	}
	if cfg.Cache.ClientMaxAge < 0 {
		return fmt.Errorf("cache.client_max_age must be >= 0")
	}
	rc := cfg.Cache.Redis
	if len(rc.Endpoints) == 0 {
		return nil // memory-only cache
	}
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid cache.redis.mode %q", rc.Mode)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("cache.redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("cache.redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateEvents(cfg *Config) error {
	ev := cfg.Events
	if !ev.Enabled {
		return nil
	}
	if ev.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	if ev.BatchSize <= 0 {
		return fmt.Errorf("events.batch_size must be > 0")
	}
	if ev.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be > 0")
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

// ParseDuration parses a duration string, returning def when s is empty.
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

// RequiresRestart compares this config to old and returns the field paths
// that changed and cannot be hot-reloaded. Empty means the new config can
// be applied in place.
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
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if c.Cache.Enabled != old.Cache.Enabled {
		fields = append(fields, "cache.enabled")
	}
	return fields
}
