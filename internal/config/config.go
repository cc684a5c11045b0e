// Package config loads node configuration from a YAML file with
// environment-variable fallbacks. Flags override the file; the file
// overrides the environment; the environment overrides defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mnemonet/mnemo/pkg/p2p"
)

// Config is the full node configuration.
type Config struct {
	Node   Node   `yaml:"node"`
	Neo4j  Neo4j  `yaml:"neo4j"`
	LLM    LLM    `yaml:"llm"`
	Agents Agents `yaml:"agents"`
}

// Node configures identity, transport, and overlay membership.
type Node struct {
	ID            string   `yaml:"id"`
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	AdvertiseHost string   `yaml:"advertise_host"`
	Capabilities  []string `yaml:"capabilities"`
	Bootstrap     []string `yaml:"bootstrap"`
	SchemaPath    string   `yaml:"schema_path"`
	StoreBackend  string   `yaml:"store_backend"` // neo4j or memory
}

// Neo4j is the graph database connection.
type Neo4j struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LLM is the model provider configuration.
type LLM struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Agents tunes the worker runtime.
type Agents struct {
	PollInterval string `yaml:"poll_interval"`
}

// Default returns the baseline configuration before file, env, and
// flags are applied.
func Default() *Config {
	return &Config{
		Node: Node{
			Host:         "0.0.0.0",
			Port:         9000,
			SchemaPath:   "schema.yaml",
			StoreBackend: "neo4j",
		},
		Neo4j: Neo4j{
			URI:      "bolt://localhost:7687",
			Username: "neo4j",
		},
		Agents: Agents{PollInterval: "5s"},
	}
}

// Load builds a Config from defaults, the environment, and (when path
// is non-empty) a YAML file.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.applyEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return cfg, nil
}

// applyEnv overlays the recognised environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("NODE_HOST"); v != "" {
		c.Node.Host = v
	}
	if v := os.Getenv("BOOTSTRAP_PEERS"); v != "" {
		c.Node.Bootstrap = splitList(v)
	}
	if v := os.Getenv("NEO4J_URI"); v != "" {
		c.Neo4j.URI = v
	}
	if v := os.Getenv("NEO4J_USERNAME"); v != "" {
		c.Neo4j.Username = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		c.Neo4j.Password = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
}

// Validate checks the configuration for a runnable node.
func (c *Config) Validate() error {
	if len(c.Node.Capabilities) == 0 {
		return fmt.Errorf("node.capabilities must contain at least one capability")
	}
	for _, raw := range c.Node.Capabilities {
		if _, err := p2p.ParseCapability(raw); err != nil {
			return fmt.Errorf("node.capabilities: %w", err)
		}
	}
	if c.Node.Port < 0 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port %d out of range", c.Node.Port)
	}
	switch c.Node.StoreBackend {
	case "neo4j", "memory":
	default:
		return fmt.Errorf("node.store_backend must be neo4j or memory, got %q", c.Node.StoreBackend)
	}
	if hasCapability(c.Node.Capabilities, "store") && c.Node.StoreBackend == "neo4j" && c.Neo4j.URI == "" {
		return fmt.Errorf("neo4j.uri is required for store nodes")
	}
	return nil
}

// Capabilities parses the configured capability names.
func (c *Config) Capabilities() ([]p2p.Capability, error) {
	out := make([]p2p.Capability, 0, len(c.Node.Capabilities))
	for _, raw := range c.Node.Capabilities {
		cap, err := p2p.ParseCapability(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, cap)
	}
	return out, nil
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if strings.TrimSpace(c) == want {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FindConfigFile searches the standard locations. Search order:
// explicitPath (if given), ./mnemo.yaml, ~/.config/mnemo/config.yaml,
// /etc/mnemo/config.yaml. An empty return with nil error means no file
// was found and defaults apply.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"mnemo.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "mnemo", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "mnemo", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}
