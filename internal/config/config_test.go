package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseEnv is a test helper that applies env overrides to cfg using the same
// mechanism as Load(). It mirrors the FETCHGUARD_ prefix used in production.
func parseEnv(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, env.ParseWithOptions(cfg, env.Options{Prefix: "FETCHGUARD_"}))
}

func TestDefaults(t *testing.T) {
	t.Run("returns non-nil config with sensible defaults", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, ":9090", cfg.Admin.Address)
		assert.Equal(t, "30s", cfg.Server.ReadTimeout)
		assert.Equal(t, 5, cfg.Fetch.MaxHops)
		assert.Equal(t, int64(256), cfg.Fetch.MaxConcurrent)
		assert.Equal(t, "image/", cfg.Fetch.AllowedTypePrefix)
		assert.Equal(t, "20s", cfg.Upstream.Timeout)
		assert.Equal(t, 100, cfg.Upstream.MaxIdleConns)
		assert.Equal(t, RedisModeSingle, cfg.Cache.Redis.Mode)
		assert.Equal(t, int64(4<<20), cfg.Cache.MaxBodySize)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, "fetchguard", cfg.Tracing.ServiceName)
		assert.Equal(t, 0.1, cfg.Tracing.SampleRate)
	})

	t.Run("defaults pass validation", func(t *testing.T) {
		assert.NoError(t, Validate(Defaults()))
	})
}

func TestLoadFromYAML(t *testing.T) {
	t.Run("parses valid YAML file", func(t *testing.T) {
		yamlContent := `
server:
  address: ":9999"
fetch:
  max_hops: 3
  allowed_type_prefix: "video/"
  user_agent: "imgproxy-test"
blocklist:
  extra_cidrs:
    - "203.0.113.0/24"
  blocked_hostnames:
    - "metadata.internal"
logging:
  level: "debug"
  format: "text"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("FETCHGUARD_CONFIG_FILE", cfgFile)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Address)
		assert.Equal(t, 3, cfg.Fetch.MaxHops)
		assert.Equal(t, "video/", cfg.Fetch.AllowedTypePrefix)
		assert.Equal(t, "imgproxy-test", cfg.Fetch.UserAgent)
		assert.Equal(t, []string{"203.0.113.0/24"}, cfg.Blocklist.ExtraCIDRs)
		assert.Equal(t, []string{"metadata.internal"}, cfg.Blocklist.BlockedHostnames)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "bad.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("{{invalid"), 0o644))

		t.Setenv("FETCHGUARD_CONFIG_FILE", cfgFile)

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})

	t.Run("uses defaults when config file does not exist", func(t *testing.T) {
		t.Setenv("FETCHGUARD_CONFIG_FILE", "/nonexistent/config.yaml")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, 5, cfg.Fetch.MaxHops)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("env overrides scalar fields", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("FETCHGUARD_SERVER_ADDRESS", ":7777")
		t.Setenv("FETCHGUARD_FETCH_MAX_HOPS", "2")
		t.Setenv("FETCHGUARD_FETCH_MAX_CONCURRENT", "16")

		parseEnv(t, cfg)

		assert.Equal(t, ":7777", cfg.Server.Address)
		assert.Equal(t, 2, cfg.Fetch.MaxHops)
		assert.Equal(t, int64(16), cfg.Fetch.MaxConcurrent)
	})

	t.Run("env overrides slice fields with separator", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("FETCHGUARD_BLOCKLIST_EXTRA_CIDRS", "203.0.113.0/24,198.51.100.0/24")
		t.Setenv("FETCHGUARD_BLOCKLIST_BLOCKED_HOSTNAMES", "a.internal,b.internal")
		t.Setenv("FETCHGUARD_CACHE_REDIS_ENDPOINTS", "redis-0:6379,redis-1:6379")

		parseEnv(t, cfg)

		assert.Equal(t, []string{"203.0.113.0/24", "198.51.100.0/24"}, cfg.Blocklist.ExtraCIDRs)
		assert.Equal(t, []string{"a.internal", "b.internal"}, cfg.Blocklist.BlockedHostnames)
		assert.Equal(t, []string{"redis-0:6379", "redis-1:6379"}, cfg.Cache.Redis.Endpoints)
	})

	t.Run("env wins over file", func(t *testing.T) {
		yamlContent := "server:\n  address: \":1111\"\n"
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("FETCHGUARD_CONFIG_FILE", cfgFile)
		t.Setenv("FETCHGUARD_SERVER_ADDRESS", ":2222")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":2222", cfg.Server.Address)
	})
}

func TestNormalize(t *testing.T) {
	t.Run("lowercases enum values", func(t *testing.T) {
		cfg := Defaults()
		cfg.Logging.Level = "DEBUG"
		cfg.Logging.Format = "Text"
		cfg.Cache.Redis.Mode = "Sentinel"

		cfg.normalize()

		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
		assert.Equal(t, RedisModeSentinel, cfg.Cache.Redis.Mode)
	})

	t.Run("canonicalizes TLS version spellings", func(t *testing.T) {
		for spelling, want := range map[string]TLSVersion{
			"tls1.3": TLSVersion13,
			"TLS13":  TLSVersion13,
			"1.2":    TLSVersion12,
			"":       TLSVersion12,
		} {
			cfg := Defaults()
			cfg.Server.TLS.MinVersion = TLSVersion(spelling)
			cfg.normalize()
			assert.Equal(t, want, cfg.Server.TLS.MinVersion, "spelling %q", spelling)
		}
	})
}

func TestValidate(t *testing.T) {
	check := func(mutate func(*Config)) error {
		cfg := Defaults()
		mutate(cfg)
		cfg.normalize()
		return Validate(cfg)
	}

	t.Run("rejects bad durations", func(t *testing.T) {
		err := check(func(c *Config) { c.Server.ReadTimeout = "banana" })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.read_timeout")
	})

	t.Run("rejects negative max_hops", func(t *testing.T) {
		assert.Error(t, check(func(c *Config) { c.Fetch.MaxHops = -1 }))
	})

	t.Run("rejects type prefix without trailing slash", func(t *testing.T) {
		assert.Error(t, check(func(c *Config) { c.Fetch.AllowedTypePrefix = "image" }))
	})

	t.Run("accepts empty type prefix", func(t *testing.T) {
		assert.NoError(t, check(func(c *Config) { c.Fetch.AllowedTypePrefix = "" }))
	})

	t.Run("rejects invalid extra CIDR", func(t *testing.T) {
		err := check(func(c *Config) { c.Blocklist.ExtraCIDRs = []string{"not-a-cidr"} })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "extra_cidrs")
	})

	t.Run("TLS enabled requires cert and key", func(t *testing.T) {
		assert.Error(t, check(func(c *Config) { c.Server.TLS.Enabled = true }))
		assert.NoError(t, check(func(c *Config) {
			c.Server.TLS.Enabled = true
			c.Server.TLS.CertFile = "/certs/tls.crt"
			c.Server.TLS.KeyFile = "/certs/tls.key"
		}))
	})

	t.Run("HTTP3 requires TLS", func(t *testing.T) {
		assert.Error(t, check(func(c *Config) { c.Server.TLS.HTTP3Enabled = true }))
	})

	t.Run("sentinel mode requires master name", func(t *testing.T) {
		err := check(func(c *Config) {
			c.Cache.Enabled = true
			c.Cache.Redis.Endpoints = []string{"s1:26379"}
			c.Cache.Redis.Mode = RedisModeSentinel
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "master_name")
	})

	t.Run("single mode rejects multiple endpoints", func(t *testing.T) {
		assert.Error(t, check(func(c *Config) {
			c.Cache.Enabled = true
			c.Cache.Redis.Endpoints = []string{"r0:6379", "r1:6379"}
		}))
	})

	t.Run("disabled cache skips redis validation", func(t *testing.T) {
		assert.NoError(t, check(func(c *Config) {
			c.Cache.Enabled = false
			c.Cache.Redis.Endpoints = []string{"r0:6379", "r1:6379"}
		}))
	})

	t.Run("events enabled requires url", func(t *testing.T) {
		assert.Error(t, check(func(c *Config) { c.Events.Enabled = true }))
		assert.NoError(t, check(func(c *Config) {
			c.Events.Enabled = true
			c.Events.URL = "https://audit.internal/events"
		}))
	})

	t.Run("tracing enabled requires endpoint", func(t *testing.T) {
		assert.Error(t, check(func(c *Config) { c.Tracing.Enabled = true }))
	})

	t.Run("rejects unknown logging level", func(t *testing.T) {
		assert.Error(t, check(func(c *Config) { c.Logging.Level = "verbose" }))
	})
}

func TestRedactedString(t *testing.T) {
	t.Run("masks in String and GoString", func(t *testing.T) {
		s := RedactedString("hunter2")
		assert.Equal(t, "[REDACTED]", s.String())
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))
		assert.Equal(t, "hunter2", s.Value())
	})

	t.Run("masks in JSON", func(t *testing.T) {
		b, err := json.Marshal(RedactedString("hunter2"))
		require.NoError(t, err)
		assert.Equal(t, `"[REDACTED]"`, string(b))
	})

	t.Run("empty value stays empty", func(t *testing.T) {
		s := RedactedString("")
		assert.Equal(t, "", s.String())
		b, err := json.Marshal(s)
		require.NoError(t, err)
		assert.Equal(t, `""`, string(b))
	})
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDuration("250ms", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDuration("nope", 5*time.Second)
	assert.Error(t, err)

	assert.Equal(t, time.Minute, MustParseDuration("bad", time.Minute))
}

func TestRequiresRestart(t *testing.T) {
	t.Run("no changes means hot-reloadable", func(t *testing.T) {
		assert.Empty(t, Defaults().RequiresRestart(Defaults()))
	})

	t.Run("address change requires restart", func(t *testing.T) {
		old := Defaults()
		cur := Defaults()
		cur.Server.Address = ":1234"
		assert.Equal(t, []string{"server.address"}, cur.RequiresRestart(old))
	})

	t.Run("fetch policy changes are hot-reloadable", func(t *testing.T) {
		old := Defaults()
		cur := Defaults()
		cur.Fetch.MaxHops = 2
		cur.Blocklist.ExtraCIDRs = []string{"203.0.113.0/24"}
		assert.Empty(t, cur.RequiresRestart(old))
	})

	t.Run("nil old config", func(t *testing.T) {
		assert.Empty(t, Defaults().RequiresRestart(nil))
	})
}
