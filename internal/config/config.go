// Package config assembles the runtime's configuration once, at
// orchestrator construction, from built-in defaults, an optional YAML
// file, and environment variable overrides. No other package reads
// os.Getenv directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config holds all ghostrun configuration.
type Config struct {
	Pool         PoolConfig         `yaml:"pool"`
	Navigator    NavigatorConfig    `yaml:"navigator"`
	Interception InterceptionConfig `yaml:"interception"`
	HTTPCache    HTTPCacheConfig    `yaml:"http_cache"`
	Budget       BudgetConfig       `yaml:"budget"`
	Loop         LoopConfig         `yaml:"loop"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Logging      LoggingConfig      `yaml:"logging"`

	CompactTreeEncoding bool `yaml:"use_compact_tree_encoding"`
}

// PoolConfig bounds the Ghost Session Pool.
type PoolConfig struct {
	MinSize int `yaml:"min_size"`
	MaxSize int `yaml:"max_size"`
}

// NavigatorConfig names the Tier 1 / Tier 2 perception models.
type NavigatorConfig struct {
	Tier1Model string `yaml:"tier1_model"`
	Tier2Model string `yaml:"tier2_model"`
	APIKey     string `yaml:"-"`
}

// InterceptionConfig controls the optional request-interception capability.
type InterceptionConfig struct {
	Enabled     bool   `yaml:"enabled"`
	InitialMode string `yaml:"initial_mode"` // agent_fast | visual_render | disabled
}

// HTTPCacheConfig controls SessionClient's optional cache policy capability.
type HTTPCacheConfig struct {
	Mode  string `yaml:"mode"` // respect_headers | force_refresh | override_ttl
	TTLMs int    `yaml:"ttl_ms"`
}

// BudgetConfig parameterizes the ResourceBudgetMonitor.
type BudgetConfig struct {
	CPUPercent        float64 `yaml:"cpu_percent"`
	MemoryMB          float64 `yaml:"memory_mb"`
	ViolationWindowMs int     `yaml:"violation_window_ms"`
	SampleIntervalMs  int     `yaml:"sample_interval_ms"`
	Mode              string  `yaml:"mode"` // warn_only | kill_tab
}

// LoopConfig parameterizes the PerceptionActionLoop.
type LoopConfig struct {
	MaxSteps            int     `yaml:"max_steps"`
	SettleTimeoutMs     int     `yaml:"settle_timeout_ms"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinInteractiveIndex int     `yaml:"min_interactive_index"`
	DecisionCacheTTLMs  int     `yaml:"decision_cache_ttl_ms"`
}

// SchedulerConfig parameterizes the Scheduler's retry policy.
type SchedulerConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// LoggingConfig holds the logging level and format settings. cmd/ghostrun
// builds its logger from the --verbose flag and does not read them.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the baseline configuration before file/env overrides.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{MinSize: 2, MaxSize: 6},
		Navigator: NavigatorConfig{
			Tier1Model: "navigator-tier1",
			Tier2Model: "navigator-tier2-vision",
		},
		Interception: InterceptionConfig{Enabled: false, InitialMode: "disabled"},
		HTTPCache:    HTTPCacheConfig{Mode: "respect_headers"},
		Budget: BudgetConfig{
			CPUPercent:        80,
			MemoryMB:          1024,
			ViolationWindowMs: 10_000,
			SampleIntervalMs:  1_000,
			Mode:              "warn_only",
		},
		Loop: LoopConfig{
			MaxSteps:            20,
			SettleTimeoutMs:     5_000,
			ConfidenceThreshold: 0.75,
			MinInteractiveIndex: 3,
			DecisionCacheTTLMs:  60_000,
		},
		Scheduler: SchedulerConfig{MaxRetries: 2},
		Logging:   LoggingConfig{Level: "info", JSON: false},
	}
}

// Load reads an optional YAML file at path (missing file is not an error,
// defaults apply instead) then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides implements the spec's environment variable overrides.
// Invalid enum values fail Load with a validation error rather than
// silently defaulting.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("SESSION_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("SESSION_COUNT must be a positive int, got %q", v)
		}
		c.Pool.MaxSize = n
		if c.Pool.MinSize > n {
			c.Pool.MinSize = n
		}
	}
	if v := os.Getenv("NAVIGATOR_MODEL"); v != "" {
		c.Navigator.Tier1Model = v
	}
	if v := os.Getenv("NAVIGATOR_VISION_MODEL"); v != "" {
		c.Navigator.Tier2Model = v
	}
	if key := os.Getenv("NAVIGATOR_API_KEY"); key != "" {
		c.Navigator.APIKey = key
	}
	if v := os.Getenv("REQUEST_INTERCEPTION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REQUEST_INTERCEPTION_ENABLED must be a bool, got %q", v)
		}
		c.Interception.Enabled = b
	}
	if v := os.Getenv("REQUEST_INTERCEPTION_INITIAL_MODE"); v != "" {
		switch v {
		case "agent_fast", "visual_render", "disabled":
			c.Interception.InitialMode = v
		default:
			return fmt.Errorf("invalid REQUEST_INTERCEPTION_INITIAL_MODE: %q", v)
		}
	}
	if v := os.Getenv("HTTP_CACHE_MODE"); v != "" {
		switch v {
		case "respect_headers", "force_refresh", "override_ttl":
			c.HTTPCache.Mode = v
		default:
			return fmt.Errorf("invalid HTTP_CACHE_MODE: %q", v)
		}
	}
	if v := os.Getenv("HTTP_CACHE_TTL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_CACHE_TTL_MS must be an int, got %q", v)
		}
		c.HTTPCache.TTLMs = n
	}
	if c.HTTPCache.Mode == "override_ttl" && c.HTTPCache.TTLMs <= 0 {
		return fmt.Errorf("HTTP_CACHE_TTL_MS must be >0 when HTTP_CACHE_MODE=override_ttl")
	}
	if v := os.Getenv("USE_COMPACT_TREE_ENCODING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("USE_COMPACT_TREE_ENCODING must be a bool, got %q", v)
		}
		c.CompactTreeEncoding = b
	}
	return nil
}

// SettleTimeout returns the configured action-settle timeout.
func (c LoopConfig) SettleTimeout() time.Duration {
	return time.Duration(c.SettleTimeoutMs) * time.Millisecond
}

// DecisionCacheTTL returns the configured decision-cache TTL.
func (c LoopConfig) DecisionCacheTTL() time.Duration {
	return time.Duration(c.DecisionCacheTTLMs) * time.Millisecond
}

// SampleInterval returns the configured budget-sampling interval.
func (c BudgetConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMs) * time.Millisecond
}

// ViolationWindow returns the configured sustained-violation window.
func (c BudgetConfig) ViolationWindow() time.Duration {
	return time.Duration(c.ViolationWindowMs) * time.Millisecond
}

// ZapLevel converts the configured logging level into a zap level, falling
// back to info on an unrecognized value.
func (c LoggingConfig) ZapLevel() zap.AtomicLevel {
	lvl, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return lvl
}
