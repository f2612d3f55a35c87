package config

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzLoadFromYAML feeds random YAML through the config loader to find
// panics or unhandled errors in parsing and validation.
func FuzzLoadFromYAML(f *testing.F) {
	// Seed corpus with a minimal valid config.
	f.Add([]byte(`
server:
  address: ":8080"
fetch:
  max_hops: 5
  allowed_type_prefix: "image/"
`))
	// Seed with empty YAML.
	f.Add([]byte(``))
	// Seed with a deeply nested structure exercising every section.
	f.Add([]byte(`
server:
  address: ":0"
  tls:
    enabled: true
    cert_file: /nonexistent
    key_file: /nonexistent
    min_version: "1.3"
    http3_enabled: true
  read_timeout: "1s"
fetch:
  max_hops: 2
  max_concurrent: 8
  allowed_type_prefix: "image/"
  user_agent: "fuzz"
upstream:
  timeout: "5s"
  transport:
    dial_timeout: "1s"
blocklist:
  extra_cidrs: ["203.0.113.0/24"]
  blocked_hostnames: ["metadata.internal"]
cache:
  enabled: true
  max_body_size: 1024
  ttl: "1m"
  redis:
    endpoints: ["r:6379"]
    mode: single
events:
  enabled: true
  url: "http://audit/events"
  batch_size: 4
  buffer_size: 16
logging:
  level: debug
  format: text
tracing:
  enabled: true
  endpoint: "otel:4318"
`))
	// Seed with type confusion that must error, not panic.
	f.Add([]byte(`fetch: [1, 2, 3]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Skip()
		}
		// Must never panic; errors are expected for malformed input.
		cfg, err := LoadFromPath(path)
		if err == nil && cfg == nil {
			t.Fatal("nil config without error")
		}
	})
}
