package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Node.Host != "0.0.0.0" || cfg.Node.Port != 9000 {
		t.Errorf("node defaults = %s:%d", cfg.Node.Host, cfg.Node.Port)
	}
	if cfg.Node.StoreBackend != "neo4j" {
		t.Errorf("store_backend = %q", cfg.Node.StoreBackend)
	}
	if cfg.Neo4j.URI != "bolt://localhost:7687" {
		t.Errorf("neo4j.uri = %q", cfg.Neo4j.URI)
	}
	if cfg.Agents.PollInterval != "5s" {
		t.Errorf("poll_interval = %q", cfg.Agents.PollInterval)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemo.yaml")
	body := `
node:
  host: 10.0.0.5
  port: 9100
  capabilities: [store, llm]
  store_backend: memory
neo4j:
  uri: bolt://db.internal:7687
agents:
  poll_interval: 2s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Host != "10.0.0.5" || cfg.Node.Port != 9100 {
		t.Errorf("node = %s:%d", cfg.Node.Host, cfg.Node.Port)
	}
	if cfg.Node.StoreBackend != "memory" {
		t.Errorf("store_backend = %q", cfg.Node.StoreBackend)
	}
	if cfg.Neo4j.URI != "bolt://db.internal:7687" {
		t.Errorf("neo4j.uri = %q", cfg.Neo4j.URI)
	}
	// Defaults survive for fields the file omits.
	if cfg.Node.SchemaPath != "schema.yaml" {
		t.Errorf("schema_path = %q", cfg.Node.SchemaPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_EnvironmentFallback(t *testing.T) {
	t.Setenv("NODE_HOST", "192.168.1.10")
	t.Setenv("BOOTSTRAP_PEERS", "http://a:9000, http://b:9000")
	t.Setenv("NEO4J_PASSWORD", "hunter2")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Host != "192.168.1.10" {
		t.Errorf("host = %q", cfg.Node.Host)
	}
	want := []string{"http://a:9000", "http://b:9000"}
	if len(cfg.Node.Bootstrap) != 2 || cfg.Node.Bootstrap[0] != want[0] || cfg.Node.Bootstrap[1] != want[1] {
		t.Errorf("bootstrap = %v, want %v", cfg.Node.Bootstrap, want)
	}
	if cfg.Neo4j.Password != "hunter2" {
		t.Errorf("neo4j.password = %q", cfg.Neo4j.Password)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("llm.api_key = %q", cfg.LLM.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Node.Capabilities = []string{"store", "llm"}
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg := base()
	cfg.Node.Capabilities = nil
	if err := cfg.Validate(); err == nil {
		t.Error("empty capabilities accepted")
	}

	cfg = base()
	cfg.Node.Capabilities = []string{"warp-drive"}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown capability accepted")
	}

	cfg = base()
	cfg.Node.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("out-of-range port accepted")
	}

	cfg = base()
	cfg.Node.StoreBackend = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend accepted")
	}

	cfg = base()
	cfg.Neo4j.URI = ""
	if err := cfg.Validate(); err == nil {
		t.Error("store node without neo4j.uri accepted")
	}

	// llm-only nodes never need the database.
	cfg = base()
	cfg.Node.Capabilities = []string{"llm"}
	cfg.Neo4j.URI = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("llm-only node rejected: %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	cfg := Default()
	cfg.Node.Capabilities = []string{" store ", "inference"}
	caps, err := cfg.Capabilities()
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if len(caps) != 2 || string(caps[0]) != "store" || string(caps[1]) != "inference" {
		t.Errorf("caps = %v", caps)
	}
}

func TestFindConfigFile(t *testing.T) {
	// Explicit path that exists.
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("node: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := FindConfigFile(path)
	if err != nil || got != path {
		t.Errorf("FindConfigFile(explicit) = %q, %v", got, err)
	}

	// Explicit path that does not exist is an error, not a fallback.
	_, err = FindConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("err = %v, want ErrConfigNotFound", err)
	}
}
