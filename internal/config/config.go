package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models crowdloop.yml.
type Config struct {
	PublicBaseURL string `yaml:"public_base_url"`
	MTurk         MTurk  `yaml:"mturk"`
	Sweep         Sweep  `yaml:"sweep"`
	Retry         Retry  `yaml:"retry"`
	Auth          Auth   `yaml:"auth"`
}

type MTurk struct {
	Sandbox            bool   `yaml:"sandbox"`
	Endpoint           string `yaml:"endpoint"`
	SandboxEndpoint    string `yaml:"sandbox_endpoint"`
	AuthToken          string `yaml:"auth_token"`
	DefaultReward      string `yaml:"default_reward"`
	DefaultLifetimeSec int    `yaml:"default_lifetime_seconds"`
	DefaultMaxAssign   int    `yaml:"default_max_assignments"`
	AssignmentDuration int    `yaml:"assignment_duration_seconds"`
	HITTitleSuffix     string `yaml:"hit_title_suffix"`
	HITDescription     string `yaml:"hit_description"`
	HITKeywords        string `yaml:"hit_keywords"`
	FrameHeight        int    `yaml:"frame_height"`
	PollPageSize       int    `yaml:"poll_page_size"`
}

type Sweep struct {
	HITInterval    time.Duration `yaml:"hit_interval"`
	IngestInterval time.Duration `yaml:"ingest_interval"`
	HITLimit       int           `yaml:"hit_limit"`
	IngestLimit    int           `yaml:"ingest_limit"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	Jitter      bool          `yaml:"jitter"`
}

type Auth struct {
	JWTSecret  string `yaml:"jwt_secret"`
	WriteToken string `yaml:"write_token"`
}

// ActiveEndpoint returns the requester endpoint matching the sandbox flag.
func (m MTurk) ActiveEndpoint() string {
	if m.Sandbox {
		return m.SandboxEndpoint
	}
	return m.Endpoint
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.PublicBaseURL == "" {
		return fmt.Errorf("config.public_base_url is required")
	}
	if strings.HasSuffix(c.PublicBaseURL, "/") {
		return fmt.Errorf("config.public_base_url must not end with /")
	}
	if c.MTurk.Endpoint == "" || c.MTurk.SandboxEndpoint == "" {
		return fmt.Errorf("config.mturk.endpoint and sandbox_endpoint are required")
	}
	if c.MTurk.DefaultReward == "" {
		return fmt.Errorf("config.mturk.default_reward is required")
	}
	if c.MTurk.DefaultLifetimeSec <= 0 {
		return fmt.Errorf("config.mturk.default_lifetime_seconds must be positive")
	}
	if c.MTurk.DefaultMaxAssign <= 0 {
		return fmt.Errorf("config.mturk.default_max_assignments must be positive")
	}
	if c.MTurk.AssignmentDuration <= 0 {
		return fmt.Errorf("config.mturk.assignment_duration_seconds must be positive")
	}
	if c.MTurk.PollPageSize <= 0 || c.MTurk.PollPageSize > 100 {
		return fmt.Errorf("config.mturk.poll_page_size must be in 1..100")
	}
	if c.Sweep.HITLimit <= 0 || c.Sweep.IngestLimit <= 0 {
		return fmt.Errorf("config.sweep limits must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config.retry.max_attempts must be positive")
	}
	if c.Retry.BackoffBase <= 0 {
		return fmt.Errorf("config.retry.backoff_base must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crowdloop.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	return &Config{
		PublicBaseURL: "http://localhost:8080",
		MTurk: MTurk{
			Sandbox:            true,
			Endpoint:           "https://mturk-requester.us-east-1.amazonaws.com",
			SandboxEndpoint:    "https://mturk-requester-sandbox.us-east-1.amazonaws.com",
			DefaultReward:      "0.10",
			DefaultLifetimeSec: 86400,
			DefaultMaxAssign:   1,
			AssignmentDuration: 1800,
			HITTitleSuffix:     "annotation",
			HITDescription:     "Complete the annotation task in the external UI.",
			HITKeywords:        "image, annotation",
			FrameHeight:        950,
			PollPageSize:       100,
		},
		Sweep: Sweep{
			HITInterval:    5 * time.Minute,
			IngestInterval: 10 * time.Minute,
			HITLimit:       25,
			IngestLimit:    20,
		},
		Retry: Retry{
			MaxAttempts: 5,
			BackoffBase: 2 * time.Second,
			Jitter:      true,
		},
	}
}

// GenerateDefault returns default config YAML suitable for writing to disk.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `public_base_url: http://localhost:8080

mturk:
  sandbox: true
  endpoint: https://mturk-requester.us-east-1.amazonaws.com
  sandbox_endpoint: https://mturk-requester-sandbox.us-east-1.amazonaws.com
  auth_token: ""
  default_reward: "0.10"
  default_lifetime_seconds: 86400
  default_max_assignments: 1
  assignment_duration_seconds: 1800
  hit_title_suffix: annotation
  hit_description: Complete the annotation task in the external UI.
  hit_keywords: image, annotation
  frame_height: 950
  poll_page_size: 100

sweep:
  hit_interval: 5m
  ingest_interval: 10m
  hit_limit: 25
  ingest_limit: 20

retry:
  max_attempts: 5
  backoff_base: 2s
  jitter: true

auth:
  jwt_secret: ""
  write_token: ""
`
