package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()

	raw := `
queue:
  max_concurrent: 2
cache:
  driver: sqlite
  path: ./cache.db
`
	cfg, err := Decode("config.yaml", []byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Queue.MaxConcurrent != 2 {
		t.Fatalf("max_concurrent=%d want 2", cfg.Queue.MaxConcurrent)
	}
	if cfg.Queue.QueueSize != DefaultQueueSize {
		t.Fatalf("queue_size=%d want %d", cfg.Queue.QueueSize, DefaultQueueSize)
	}
	if cfg.Upload.MaxFileSizeMB != 100 || cfg.Upload.ChunkSize != 8192 {
		t.Fatalf("upload defaults not applied: %+v", cfg.Upload)
	}
	if cfg.Cache.KeyPrefix != DefaultKeyPrefix {
		t.Fatalf("key_prefix=%q", cfg.Cache.KeyPrefix)
	}
	if !cfg.Reaper.ReaperEnabled() || cfg.Reaper.Schedule != DefaultReaperSpec {
		t.Fatalf("reaper defaults not applied: %+v", cfg.Reaper)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		raw  string
		want string
	}{
		{"unknown field", "c.json", `{"queue":{"workers":3}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad duration", "c.json", `{"cache":{"ttl":"soon"}}`, "cache.ttl"},
		{"unknown driver", "c.json", `{"cache":{"driver":"mongo"}}`, "unknown driver"},
		{"sqlite without path", "c.json", `{"cache":{"driver":"sqlite"}}`, "cache.path"},
		{"public bind without token", "c.json", `{"server":{"addr":"0.0.0.0:8080"}}`, "not loopback"},
		{"vision without project", "c.yml", "vision:\n  enabled: true\n", "vision.project"},
		{"key prefix with slash", "c.yml", "cache:\n  key_prefix: docconv/cache/\n", "cache.key_prefix"},
		{"key prefix with glob", "c.json", `{"cache":{"key_prefix":"docconv:*:"}}`, "cache.key_prefix"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.file, []byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want substring %q", err, tc.want)
			}
		})
	}
}

func TestManagerLoadAndGet(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"DEBUG","console":true}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("level=%q", cfg.Logging.Level)
	}
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	select {
	case got := <-ch:
		if got != b {
			t.Fatalf("expected newest config")
		}
	case <-time.After(time.Second):
		t.Fatalf("nothing delivered")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after Unsubscribe")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg := Defaults(&Config{})
	newCfg := Defaults(&Config{})
	newCfg.Logging.Level = "DEBUG"
	newCfg.Server.RatePerSec = 10
	newCfg.Queue.MaxConcurrent = 9

	ch := SummarizeChange(oldCfg, newCfg)
	want := map[string]bool{"logging": true, "server.rate": true, "queue": false}
	if len(ch.Sections) != len(want) {
		t.Fatalf("sections=%v", ch.Sections)
	}
	for _, s := range ch.Live {
		if !want[s] {
			t.Fatalf("%s reported live", s)
		}
	}
	if len(ch.Restart) != 1 || ch.Restart[0] != "queue" {
		t.Fatalf("restart=%v", ch.Restart)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
}

func TestDecodeYAMLExpandsEnv(t *testing.T) {
	t.Setenv("DOCCONV_TEST_TOKEN", "s3cret")

	raw := `
server:
  addr: 0.0.0.0:8080
  token: ${DOCCONV_TEST_TOKEN}
cache:
  key_prefix: ${DOCCONV_TEST_UNSET}
`
	cfg, err := Decode("config.yml", []byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Server.Token != "s3cret" {
		t.Fatalf("token=%q", cfg.Server.Token)
	}
	if cfg.Cache.KeyPrefix != "${DOCCONV_TEST_UNSET}" {
		t.Fatalf("unset reference rewritten: %q", cfg.Cache.KeyPrefix)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Queue.QueueSize != DefaultQueueSize {
		t.Fatalf("defaults not applied: %+v", cfg.Queue)
	}
}

func TestExampleConfigDecodes(t *testing.T) {
	t.Parallel()
	b, err := os.ReadFile(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Decode("config.example.yaml", b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Cache.Driver != "sqlite" || !cfg.Queue.SingleFlight || cfg.Events.Enabled {
		t.Fatalf("unexpected: %+v", cfg)
	}
}
