package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Agent modes.
const (
	ModeReAct = "react"
	ModePlan  = "plan"
)

type AgentConfig struct {
	Mode          string  `toml:"mode"`
	MaxIterations int     `toml:"max_iterations"`
	Temperature   float64 `toml:"temperature"`
	MaxMessages   int     `toml:"max_messages"`
	SystemPrompt  string  `toml:"system_prompt"`
	Provider      string  `toml:"provider"` // id of an entry in [[providers]]
	Model         string  `toml:"model"`    // overrides the provider's model

	VisionProvider string `toml:"vision_provider"`
	VisionModel    string `toml:"vision_model"`
}

type ProviderConfig struct {
	ID       string `toml:"id"`
	Type     string `toml:"type"` // descriptor name: openai, openrouter, anthropic, ollama, gemini
	Endpoint string `toml:"endpoint"`
	Model    string `toml:"model"`
	Enabled  bool   `toml:"enabled"`
}

type KnowledgeConfig struct {
	Threshold       float64 `toml:"threshold"`
	Limit           int     `toml:"limit"`
	ChunkSize       int     `toml:"chunk_size"`
	ChunkOverlap    int     `toml:"chunk_overlap"`
	MinChunkSize    int     `toml:"min_chunk_size"`
	EmbedProvider   string  `toml:"embed_provider"` // provider id, openai or ollama type
	EmbedModel      string  `toml:"embed_model"`
	QueryEmbedModel string  `toml:"query_embed_model"` // defaults to EmbedModel
}

type ImageConfig struct {
	Endpoint     string        `toml:"endpoint"`
	Model        string        `toml:"model"`
	PollInterval time.Duration `toml:"poll_interval"`
	MaxInterval  time.Duration `toml:"max_interval"`
	Timeout      time.Duration `toml:"timeout"`
	MaxAttempts  int           `toml:"max_attempts"`
}

type MCPServerConfig struct {
	ID        string            `toml:"id"`
	Transport string            `toml:"transport"` // stdio, sse, http
	Command   string            `toml:"command"`
	Args      []string          `toml:"args"`
	Env       map[string]string `toml:"env"`
	URL       string            `toml:"url"`
	Headers   map[string]string `toml:"headers"`
	Enabled   bool              `toml:"enabled"`
}

// AgentProfileConfig describes a sub-agent the main agent can delegate to.
type AgentProfileConfig struct {
	ID            string  `toml:"id"`
	Description   string  `toml:"description"`
	SystemPrompt  string  `toml:"system_prompt"`
	Mode          string  `toml:"mode"`
	MaxIterations int     `toml:"max_iterations"`
	Temperature   float64 `toml:"temperature"`
	Model         string  `toml:"model"`
}

type SkillsConfig struct {
	Dir string `toml:"dir"`
}

type StorageConfig struct {
	Backend string `toml:"backend"` // sqlite, file, memory
}

type TransportConfig struct {
	Kind      string `toml:"kind"` // http or bridge
	BridgeURL string `toml:"bridge_url"`
}

type SecurityConfig struct {
	Method     SecurityMethod `toml:"method"`
	SSHKeyPath string         `toml:"ssh_key_path"`
}

type Config struct {
	DataDirectory string               `toml:"data_directory"`
	Agent         AgentConfig          `toml:"agent"`
	Providers     []ProviderConfig     `toml:"providers"`
	Knowledge     KnowledgeConfig      `toml:"knowledge"`
	Image         ImageConfig          `toml:"image"`
	MCPServers    []MCPServerConfig    `toml:"mcp_servers"`
	Agents        []AgentProfileConfig `toml:"agents"`
	Skills        SkillsConfig         `toml:"skills"`
	Storage       StorageConfig        `toml:"storage"`
	Transport     TransportConfig      `toml:"transport"`
	Security      SecurityConfig       `toml:"security"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DataDirectory: GetDefaultDataDir(),
		Agent: AgentConfig{
			Mode:          ModeReAct,
			MaxIterations: 10,
			Temperature:   0.7,
			MaxMessages:   40,
			Provider:      "ollama",
		},
		Providers: []ProviderConfig{
			{ID: "ollama", Type: "ollama", Model: "llama3.1:latest", Enabled: true},
		},
		Knowledge: KnowledgeConfig{
			Threshold:     0.5,
			Limit:         5,
			ChunkSize:     1000,
			ChunkOverlap:  200,
			MinChunkSize:  100,
			EmbedProvider: "ollama",
			EmbedModel:    "nomic-embed-text",
		},
		Image: ImageConfig{
			PollInterval: 500 * time.Millisecond,
			MaxInterval:  5 * time.Second,
			Timeout:      2 * time.Minute,
			MaxAttempts:  60,
		},
		Storage:   StorageConfig{Backend: "sqlite"},
		Transport: TransportConfig{Kind: "http"},
		Security:  SecurityConfig{Method: SecurityPlainText},
	}
}

// Load reads path (or the default config file when path is empty), applies
// environment overrides and validates the result. A missing file is not an
// error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = GetConfigFilePath()
	}
	if FileExists(path) {
		// Decoding reuses slice elements in place, so start the provider
		// list empty to avoid inheriting fields from the defaults
		defaults := cfg.Providers
		cfg.Providers = nil
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if len(cfg.Providers) == 0 {
			cfg.Providers = defaults
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := EnsureDataDirPermissions(cfg.DataDir()); err != nil {
		return nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if dataDir := os.Getenv("OTCORE_DATA_DIR"); dataDir != "" {
		c.DataDirectory = dataDir
	}
	if provider := os.Getenv("OTCORE_PROVIDER"); provider != "" {
		c.Agent.Provider = provider
	}
	if model := os.Getenv("OTCORE_MODEL"); model != "" {
		c.Agent.Model = model
	}
	if mode := os.Getenv("OTCORE_AGENT_MODE"); mode != "" {
		c.Agent.Mode = mode
	}
	if n, err := strconv.Atoi(os.Getenv("OTCORE_MAX_ITERATIONS")); err == nil && n > 0 {
		c.Agent.MaxIterations = n
	}
}

// Validate checks values that would otherwise fail deep inside a turn.
func (c *Config) Validate() error {
	switch c.Agent.Mode {
	case ModeReAct, ModePlan:
	default:
		return fmt.Errorf("agent.mode must be %q or %q, got %q", ModeReAct, ModePlan, c.Agent.Mode)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.Knowledge.Threshold < -1 || c.Knowledge.Threshold > 1 {
		return fmt.Errorf("knowledge.threshold must be within [-1, 1]")
	}

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider entry without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	agents := make(map[string]bool)
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent entry without id")
		}
		if strings.Contains(a.ID, "__") {
			return fmt.Errorf("agent id %q must not contain \"__\"", a.ID)
		}
		if agents[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		agents[a.ID] = true
		switch a.Mode {
		case "", ModeReAct, ModePlan:
		default:
			return fmt.Errorf("agent %q: mode must be %q or %q, got %q", a.ID, ModeReAct, ModePlan, a.Mode)
		}
	}
	servers := make(map[string]bool)
	for _, s := range c.MCPServers {
		if s.ID == "" {
			return fmt.Errorf("mcp server entry without id")
		}
		// Tool names are split on the last "__".
		if strings.Contains(s.ID, "__") {
			return fmt.Errorf("mcp server id %q must not contain \"__\"", s.ID)
		}
		if servers[s.ID] {
			return fmt.Errorf("duplicate mcp server id %q", s.ID)
		}
		servers[s.ID] = true
		switch s.Transport {
		case "stdio", "sse", "http":
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q", s.ID, s.Transport)
		}
	}
	return nil
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string {
	return ExpandPath(c.DataDirectory)
}

// Provider returns the provider entry with the given id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// EnabledMCPServers returns the servers to start.
func (c *Config) EnabledMCPServers() []MCPServerConfig {
	var out []MCPServerConfig
	for _, s := range c.MCPServers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
