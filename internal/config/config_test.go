package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if got := cfg.STT.Locales; len(got) != 3 || got[0] != "vi-VN" || got[1] != "en-US" || got[2] != "vi" {
		t.Fatalf("unexpected default locales %v", got)
	}
	if cfg.Query.MaxResults != 20 {
		t.Fatalf("expected 20 max results, got %d", cfg.Query.MaxResults)
	}
	if cfg.Supervisor.StopTimeoutMS != 1000 {
		t.Fatalf("expected 1000ms stop timeout, got %d", cfg.Supervisor.StopTimeoutMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_STT_LOCALES", "en-US")
	t.Setenv("LOQA_LLM_MODE", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("LOQA_CATALOG_FIELDS", "id,title,author")
	t.Setenv("LOQA_QUERY_MAX_RESULTS", "5")
	t.Setenv("LOQA_SUPERVISOR_STOP_TIMEOUT_MS", "250")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if len(cfg.STT.Locales) != 1 || cfg.STT.Locales[0] != "en-US" {
		t.Fatalf("expected locale override, got %v", cfg.STT.Locales)
	}
	if cfg.LLM.Mode != "openai" || cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("expected openai override, got %s/%s", cfg.LLM.Mode, cfg.LLM.APIKey)
	}
	if len(cfg.Catalog.Fields) != 3 {
		t.Fatalf("expected 3 catalog fields, got %v", cfg.Catalog.Fields)
	}
	if cfg.Query.MaxResults != 5 {
		t.Fatalf("expected max results override")
	}
	if cfg.Supervisor.StopTimeoutMS != 250 {
		t.Fatalf("expected stop timeout override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected retention mode override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.yaml")
	data := []byte(`
runtime_name: branch-library
catalog:
  path: /srv/library/books.db
  entity: books
  fields: [id, title, author, price]
format:
  locale: vi
recorder:
  device: exec
  command: arecord -q -t raw -f S16_LE -r 16000 -c 1
  sample_rate: 16000
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "branch-library" || cfg.Catalog.Path != "/srv/library/books.db" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Recorder.SampleRate != 16000 || cfg.Recorder.Channels != 1 {
		t.Fatalf("expected recorder override with defaults retained, got %+v", cfg.Recorder)
	}
	if cfg.Format.Locale != "vi" || cfg.Format.Currency != "VND" {
		t.Fatalf("unexpected format config %+v", cfg.Format)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"exec recorder without command": func(c *Config) { c.Recorder.Device = "exec" },
		"bus recorder without bus":      func(c *Config) { c.Recorder.Device = "bus"; c.Recorder.BusSource = "mic"; c.Bus.Enabled = false },
		"unknown stt mode":              func(c *Config) { c.STT.Mode = "whisper" },
		"empty locales":                 func(c *Config) { c.STT.Locales = nil },
		"openai without key":            func(c *Config) { c.LLM.Mode = "openai"; c.LLM.APIKey = "" },
		"zero result cap":               func(c *Config) { c.Query.MaxResults = 0 },
		"zero stop timeout":             func(c *Config) { c.Supervisor.StopTimeoutMS = 0 },
		"publisher without brokers":     func(c *Config) { c.Publisher.Enabled = true },
		"blank node id":                 func(c *Config) { c.Node.ID = "" },
		"heartbeat timeout too short":   func(c *Config) { c.Node.HeartbeatTimeoutMS = c.Node.HeartbeatIntervalMS },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
