package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pagegen/internal/domain"
	"pagegen/internal/governor"
	"pagegen/internal/tracker"
)

// FileName is the workspace config file.
const FileName = "pagegen.yml"

// Config models pagegen.yml.
type Config struct {
	Tracker      TrackerConfig      `yaml:"tracker"`
	Governor     GovernorConfig     `yaml:"governor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Backend      BackendConfig      `yaml:"backend"`
	Server       ServerConfig       `yaml:"server"`
	Webhooks     []WebhookConfig    `yaml:"webhooks"`
}

type TrackerConfig struct {
	MaxConcurrent   int                   `yaml:"max_concurrent"`
	SampleRetention int                   `yaml:"sample_retention"`
	DefaultTimeout  time.Duration         `yaml:"default_timeout"`
	TimeoutRules    []tracker.TimeoutRule `yaml:"timeout_rules"`
}

type GovernorConfig struct {
	MaxActive          int           `yaml:"max_active"`
	CacheCapacity      int           `yaml:"cache_capacity"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	PressureInterval   time.Duration `yaml:"pressure_interval"`
	MemoryCeilingBytes uint64        `yaml:"memory_ceiling_bytes"`
	LongRunningAfter   time.Duration `yaml:"long_running_after"`
	ScratchMaxAge      time.Duration `yaml:"scratch_max_age"`
	ScratchMaxBytes    int           `yaml:"scratch_max_bytes"`
}

type OrchestratorConfig struct {
	DefaultPriority  string `yaml:"default_priority"`
	BackendOperation string `yaml:"backend_operation"`
	// MaxLiveRuns caps concurrently executing runs. Zero means no cap.
	MaxLiveRuns int `yaml:"max_live_runs"`
	// CacheTTL is how long accepted backend content is reused for an
	// identical task. Zero disables reuse.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type BackendConfig struct {
	// Provider is "none" or "anthropic".
	Provider          string `yaml:"provider"`
	Model             string `yaml:"model"`
	MaxTokens         int    `yaml:"max_tokens"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	ProviderNone      = "none"
	ProviderAnthropic = "anthropic"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pagegen config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tracker.MaxConcurrent < 0 {
		return fmt.Errorf("config.tracker.max_concurrent must be >= 0")
	}
	if c.Tracker.SampleRetention < 0 {
		return fmt.Errorf("config.tracker.sample_retention must be >= 0")
	}
	if c.Tracker.DefaultTimeout < 0 {
		return fmt.Errorf("config.tracker.default_timeout must be >= 0")
	}
	for i, rule := range c.Tracker.TimeoutRules {
		if len(rule.Match) == 0 {
			return fmt.Errorf("config.tracker.timeout_rules[%d].match is required", i)
		}
		for _, m := range rule.Match {
			if strings.TrimSpace(m) == "" {
				return fmt.Errorf("config.tracker.timeout_rules[%d] has empty match", i)
			}
		}
		if rule.Timeout <= 0 {
			return fmt.Errorf("config.tracker.timeout_rules[%d].timeout must be > 0", i)
		}
	}
	if c.Governor.MaxActive < 0 {
		return fmt.Errorf("config.governor.max_active must be >= 0")
	}
	if c.Governor.CacheCapacity < 0 {
		return fmt.Errorf("config.governor.cache_capacity must be >= 0")
	}
	if c.Governor.SweepInterval < 0 || c.Governor.PressureInterval < 0 {
		return fmt.Errorf("config.governor intervals must be >= 0")
	}
	if c.Governor.ScratchMaxBytes < 0 {
		return fmt.Errorf("config.governor.scratch_max_bytes must be >= 0")
	}
	if c.Orchestrator.MaxLiveRuns < 0 {
		return fmt.Errorf("config.orchestrator.max_live_runs must be >= 0")
	}
	if c.Orchestrator.CacheTTL < 0 {
		return fmt.Errorf("config.orchestrator.cache_ttl must be >= 0")
	}
	if _, err := domain.ParsePriority(c.Orchestrator.DefaultPriority); err != nil {
		return fmt.Errorf("config.orchestrator.default_priority: %v", err)
	}
	switch c.Backend.Provider {
	case "", ProviderNone, ProviderAnthropic:
	default:
		return fmt.Errorf("config.backend.provider must be 'none' or 'anthropic'")
	}
	if c.Backend.MaxTokens < 0 {
		return fmt.Errorf("config.backend.max_tokens must be >= 0")
	}
	if c.Backend.RequestsPerMinute < 0 {
		return fmt.Errorf("config.backend.requests_per_minute must be >= 0")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// TrackerOptions converts the tracker section. Zero fields keep the tracker's
// defaults.
func (c *Config) TrackerOptions() tracker.Config {
	cfg := tracker.Config{
		MaxConcurrent:   c.Tracker.MaxConcurrent,
		SampleRetention: c.Tracker.SampleRetention,
		DefaultTimeout:  c.Tracker.DefaultTimeout,
	}
	if len(c.Tracker.TimeoutRules) > 0 {
		cfg.Rules = c.Tracker.TimeoutRules
	}
	return cfg
}

// GovernorOptions converts the governor section.
func (c *Config) GovernorOptions() governor.Config {
	g := c.Governor
	return governor.Config{
		MaxActive:          g.MaxActive,
		CacheCapacity:      g.CacheCapacity,
		SweepInterval:      g.SweepInterval,
		PressureInterval:   g.PressureInterval,
		MemoryCeilingBytes: g.MemoryCeilingBytes,
		LongRunningAfter:   g.LongRunningAfter,
		ScratchMaxAge:      g.ScratchMaxAge,
		ScratchMaxBytes:    g.ScratchMaxBytes,
	}
}

// DefaultPriority returns the parsed orchestrator.default_priority.
func (c *Config) DefaultPriority() domain.Priority {
	p, err := domain.ParsePriority(c.Orchestrator.DefaultPriority)
	if err != nil {
		return domain.PriorityMedium
	}
	return p
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tracker:
  max_concurrent: 10
  sample_retention: 1000
  default_timeout: 30s
  timeout_rules:
    - match: [api, llm, generate]
      timeout: 2m
    - match: [edge, function]
      timeout: 1m
    - match: [storage, db, cache]
      timeout: 10s

governor:
  max_active: 3
  cache_capacity: 100
  sweep_interval: 1m
  pressure_interval: 30s
  memory_ceiling_bytes: 0
  long_running_after: 5m
  scratch_max_age: 10m
  scratch_max_bytes: 1048576

orchestrator:
  default_priority: medium
  backend_operation: api.generate
  max_live_runs: 0
  cache_ttl: 15m

backend:
  # none uses the local fallback generator only.
  # anthropic reads its key from PAGEGEN_ANTHROPIC_API_KEY.
  provider: none
  model: claude-sonnet-4-5
  max_tokens: 0
  requests_per_minute: 50

server:
  addr: 127.0.0.1:8080
  base_path: /v0

webhooks: []
`
