package config

import (
	"fmt"
	"math"
)

// Validate checks every sub-config for internal consistency. It mirrors the
// reference queue validator's style: one method per section, errors wrapped
// with the offending field name.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("configuration is nil")
	}
	if err := c.Outbox.validate(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	if err := c.Writer.validate(); err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	if err := c.Pool.validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.Confidence.validate(); err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	if err := c.Triangulation.validate(); err != nil {
		return fmt.Errorf("triangulation: %w", err)
	}
	return nil
}

func (o OutboxConfig) validate() error {
	if o.PollingInterval <= 0 {
		return fmt.Errorf("polling_interval must be positive")
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if o.MaxEventRetries < 0 {
		return fmt.Errorf("max_event_retries must be non-negative")
	}
	return nil
}

func (w WriterConfig) validate() error {
	if w.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if w.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if w.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if w.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive")
	}
	return nil
}

func (p PoolConfig) validate() error {
	if p.GlobalConcurrencyCap < 1 {
		return fmt.Errorf("global_concurrency_cap must be at least 1")
	}
	if p.SlotWaitTimeout <= 0 {
		return fmt.Errorf("slot_wait_timeout must be positive")
	}
	if p.LeakSweepInterval <= 0 {
		return fmt.Errorf("leak_sweep_interval must be positive")
	}
	if len(p.Workers) == 0 {
		return fmt.Errorf("at least one worker class must be configured")
	}
	for name, wc := range p.Workers {
		if wc.BaseConcurrency < 1 {
			return fmt.Errorf("workers.%s.base_concurrency must be at least 1", name)
		}
		if wc.MaxConcurrency < wc.BaseConcurrency {
			return fmt.Errorf("workers.%s.max_concurrency cannot be less than base_concurrency", name)
		}
		if wc.FailureThreshold < 1 {
			return fmt.Errorf("workers.%s.failure_threshold must be at least 1", name)
		}
		if wc.ResetTimeout <= 0 {
			return fmt.Errorf("workers.%s.reset_timeout must be positive", name)
		}
		if wc.JobTimeout <= 0 {
			return fmt.Errorf("workers.%s.job_timeout must be positive", name)
		}
	}
	return nil
}

func (cc ConfidenceConfig) validate() error {
	sum := cc.Weights.Syntactic + cc.Weights.Semantic + cc.Weights.Context + cc.Weights.CrossRef
	if math.Abs(sum-1.0) > 0.001 {
		return fmt.Errorf("weights must sum to 1.0, got %.3f", sum)
	}
	t := cc.Thresholds
	if !(t.High > t.Medium && t.Medium > t.Low) {
		return fmt.Errorf("thresholds must satisfy high > medium > low")
	}
	if t.Escalation <= 0 || t.Escalation >= 1 {
		return fmt.Errorf("thresholds.escalation must be between 0 and 1")
	}
	if cc.PerFactorFloor < 0 || cc.PerFactorFloor > 1 {
		return fmt.Errorf("per_factor_floor must be between 0 and 1")
	}
	if cc.IndividualThreshold <= 0 || cc.IndividualThreshold > 1 {
		return fmt.Errorf("individual_threshold must be between 0 and 1")
	}
	if cc.ConfidenceThreshold <= 0 || cc.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1")
	}
	return nil
}

func (tc TriangulationConfig) validate() error {
	if !tc.Enabled {
		return nil
	}
	if tc.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if tc.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if tc.Urgent <= 0 || tc.Urgent >= tc.High {
		return fmt.Errorf("urgent_below must be positive and less than high_below")
	}
	if tc.High >= 1 {
		return fmt.Errorf("high_below must be less than 1")
	}
	return nil
}
