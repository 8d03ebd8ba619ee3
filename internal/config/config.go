package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can say "30s" or "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config models taskline.yml. Every threshold the engine uses lives here so
// components can be constructed against a plain struct, never a global.
type Config struct {
	Engine struct {
		MaxRetries int      `yaml:"max_retries"`
		ClaimTTL   Duration `yaml:"claim_ttl"`
	} `yaml:"engine"`
	Governor struct {
		Interval            Duration `yaml:"interval"`
		CompletionThreshold float64  `yaml:"completion_threshold"`
		LowConfidence       float64  `yaml:"low_confidence"`
		RiskThreshold       float64  `yaml:"risk_threshold"`
	} `yaml:"governor"`
	Approval struct {
		TTL      Duration `yaml:"ttl"`
		Interval Duration `yaml:"interval"`
	} `yaml:"approval"`
	Trust struct {
		Interval  Duration `yaml:"interval"`
		Smoothing float64  `yaml:"smoothing"`
		Weights   struct {
			Success  float64 `yaml:"success"`
			Approval float64 `yaml:"approval"`
			Retry    float64 `yaml:"retry"`
		} `yaml:"weights"`
		Levels struct {
			SelfDirect float64 `yaml:"self_direct"`
			Execute    float64 `yaml:"execute"`
			Recommend  float64 `yaml:"recommend"`
		} `yaml:"levels"`
	} `yaml:"trust"`
	Intake struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"intake"`
	Coordinator struct {
		MaxRestarts    int      `yaml:"max_restarts"`
		BackoffCeiling Duration `yaml:"backoff_ceiling"`
	} `yaml:"coordinator"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Engine.MaxRetries = 10
	cfg.Engine.ClaimTTL = Duration{15 * time.Minute}
	cfg.Governor.Interval = Duration{30 * time.Second}
	cfg.Governor.CompletionThreshold = 0.8
	cfg.Governor.LowConfidence = 0.5
	cfg.Governor.RiskThreshold = 0.5
	cfg.Approval.TTL = Duration{24 * time.Hour}
	cfg.Approval.Interval = Duration{30 * time.Second}
	cfg.Trust.Interval = Duration{time.Hour}
	cfg.Trust.Smoothing = 0.3
	cfg.Trust.Weights.Success = 0.5
	cfg.Trust.Weights.Approval = 0.2
	cfg.Trust.Weights.Retry = 0.3
	cfg.Trust.Levels.SelfDirect = 0.85
	cfg.Trust.Levels.Execute = 0.7
	cfg.Trust.Levels.Recommend = 0.5
	cfg.Intake.Interval = Duration{60 * time.Second}
	cfg.Coordinator.MaxRestarts = 3
	cfg.Coordinator.BackoffCeiling = Duration{10 * time.Minute}
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.MaxRetries <= 0 {
		return fmt.Errorf("config.engine.max_retries must be positive")
	}
	if c.Engine.ClaimTTL.Duration <= 0 {
		return fmt.Errorf("config.engine.claim_ttl must be positive")
	}
	if c.Governor.CompletionThreshold < 0 || c.Governor.CompletionThreshold > 1 {
		return fmt.Errorf("config.governor.completion_threshold must be in [0,1]")
	}
	if c.Governor.LowConfidence < 0 || c.Governor.LowConfidence > c.Governor.CompletionThreshold {
		return fmt.Errorf("config.governor.low_confidence must be in [0, completion_threshold]")
	}
	if c.Governor.RiskThreshold < 0 || c.Governor.RiskThreshold > 1 {
		return fmt.Errorf("config.governor.risk_threshold must be in [0,1]")
	}
	if c.Approval.TTL.Duration <= 0 {
		return fmt.Errorf("config.approval.ttl must be positive")
	}
	w := c.Trust.Weights
	sum := w.Success + w.Approval + w.Retry
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config.trust.weights must sum to 1, got %.3f", sum)
	}
	if c.Trust.Smoothing <= 0 || c.Trust.Smoothing > 1 {
		return fmt.Errorf("config.trust.smoothing must be in (0,1]")
	}
	l := c.Trust.Levels
	if !(l.SelfDirect > l.Execute && l.Execute > l.Recommend && l.Recommend > 0) {
		return fmt.Errorf("config.trust.levels must be strictly descending and positive")
	}
	if c.Coordinator.MaxRestarts < 0 {
		return fmt.Errorf("config.coordinator.max_restarts must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// keep their defaults.
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

// GenerateDefault returns the default config as YAML, for `tl config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `engine:
  max_retries: 10
  claim_ttl: 15m

governor:
  interval: 30s
  completion_threshold: 0.8
  low_confidence: 0.5
  risk_threshold: 0.5

approval:
  ttl: 24h
  interval: 30s

trust:
  interval: 1h
  smoothing: 0.3
  weights:
    success: 0.5
    approval: 0.2
    retry: 0.3
  levels:
    self_direct: 0.85
    execute: 0.70
    recommend: 0.50

intake:
  interval: 60s

coordinator:
  max_restarts: 3
  backoff_ceiling: 10m
`
