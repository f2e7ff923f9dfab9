// Package config loads and validates this module's typed configuration
// surface: the outbox publisher, batched writer, worker pool, confidence
// scorer and triangulation dispatcher each get their own struct, following
// the per-concern config shape the reference implementation uses for its
// queue layer.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the umbrella configuration object for the coordination fabric.
type Config struct {
	Outbox        OutboxConfig        `yaml:"outbox"`
	Writer        WriterConfig        `yaml:"writer"`
	Pool          PoolConfig          `yaml:"pool"`
	Confidence    ConfidenceConfig    `yaml:"confidence"`
	Triangulation TriangulationConfig `yaml:"triangulation"`
}

// OutboxConfig configures the Transactional Outbox Publisher (C7).
type OutboxConfig struct {
	PollingInterval time.Duration `yaml:"polling_interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxEventRetries int           `yaml:"max_event_retries"`
}

// WriterConfig configures the Batched Database Writer (C2).
type WriterConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// WorkerClassConfig configures one worker class inside the pool.
type WorkerClassConfig struct {
	BaseConcurrency  int           `yaml:"base_concurrency"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	JobTimeout       time.Duration `yaml:"job_timeout"`
}

// PoolConfig configures the Worker Pool Manager (C4).
type PoolConfig struct {
	GlobalConcurrencyCap int                          `yaml:"global_concurrency_cap"`
	SlotWaitTimeout      time.Duration                `yaml:"slot_wait_timeout"`
	LeakSweepInterval    time.Duration                `yaml:"leak_sweep_interval"`
	Workers              map[string]WorkerClassConfig `yaml:"workers"`
}

// ConfidenceWeights are the four factor weights, must sum to 1.0.
type ConfidenceWeights struct {
	Syntactic    float64 `yaml:"syntactic"`
	Semantic     float64 `yaml:"semantic"`
	Context      float64 `yaml:"context"`
	CrossRef     float64 `yaml:"cross_reference"`
}

// ConfidenceThresholds are the level boundaries.
type ConfidenceThresholds struct {
	High       float64 `yaml:"high"`
	Medium     float64 `yaml:"medium"`
	Low        float64 `yaml:"low"`
	Escalation float64 `yaml:"escalation"`
}

// ConfidenceConfig configures the Confidence Scorer (C5) and C8's
// enhancement gate.
type ConfidenceConfig struct {
	Weights             ConfidenceWeights    `yaml:"weights"`
	Thresholds          ConfidenceThresholds `yaml:"thresholds"`
	PerFactorFloor      float64              `yaml:"per_factor_floor"`
	IndividualThreshold float64              `yaml:"individual_threshold"`
	ConfidenceThreshold float64              `yaml:"confidence_threshold"`
}

// TriangulationConfig configures the Triangulation Dispatcher (C6).
type TriangulationConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	Urgent     float64       `yaml:"urgent_below"`
	High       float64       `yaml:"high_below"`
}

// Default returns the configuration with every default named in the spec.
func Default() *Config {
	return &Config{
		Outbox: OutboxConfig{
			PollingInterval: 1 * time.Second,
			BatchSize:       100,
			MaxEventRetries: 5,
		},
		Writer: WriterConfig{
			BatchSize:     100,
			FlushInterval: 500 * time.Millisecond,
			MaxRetries:    3,
			RetryDelay:    200 * time.Millisecond,
		},
		Pool: PoolConfig{
			GlobalConcurrencyCap: 100,
			SlotWaitTimeout:      90 * time.Second,
			LeakSweepInterval:    60 * time.Second,
			Workers: map[string]WorkerClassConfig{
				"relationship-resolution": {
					BaseConcurrency:  10,
					MaxConcurrency:   20,
					FailureThreshold: 5,
					ResetTimeout:     10 * time.Second,
					JobTimeout:       150 * time.Second,
				},
			},
		},
		Confidence: ConfidenceConfig{
			Weights: ConfidenceWeights{
				Syntactic: 0.3,
				Semantic:  0.3,
				Context:   0.2,
				CrossRef:  0.2,
			},
			Thresholds: ConfidenceThresholds{
				High:       0.85,
				Medium:     0.65,
				Low:        0.45,
				Escalation: 0.5,
			},
			PerFactorFloor:      0.2,
			IndividualThreshold: 0.70,
			ConfidenceThreshold: 0.50,
		},
		Triangulation: TriangulationConfig{
			Enabled:    true,
			Timeout:    5 * time.Minute,
			MaxRetries: 2,
			Urgent:     0.2,
			High:       0.35,
		},
	}
}

// Load reads a YAML file at path, environment-expands it, and overlays it
// onto Default() so any field omitted from the file keeps its default.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	expanded := ExpandEnv(raw)
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
