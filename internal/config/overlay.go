package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Overlay is the YAML file shape accepted through AGENT_CONFIG_FILE. Only
// fields present in the file override the environment.
type Overlay struct {
	Loop      *LoopBounds      `yaml:"loop"`
	Pricing   *Pricing         `yaml:"pricing"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
}

// ApplyOverlayFile reads path and merges it into c.
func (c *Config) ApplyOverlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config overlay %s: %w", path, err)
	}
	return c.ApplyOverlay(raw)
}

// ApplyOverlay merges a YAML document into c.
func (c *Config) ApplyOverlay(raw []byte) error {
	var ov Overlay
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return fmt.Errorf("parse config overlay: %w", err)
	}
	if ov.Loop != nil {
		if ov.Loop.MaxIterations != 0 {
			c.Loop.MaxIterations = ov.Loop.MaxIterations
		}
		if ov.Loop.MaxDurationSeconds != 0 {
			c.Loop.MaxDurationSeconds = ov.Loop.MaxDurationSeconds
		}
		if ov.Loop.MaxCostUSD != 0 {
			c.Loop.MaxCostUSD = ov.Loop.MaxCostUSD
		}
		if ov.Loop.MaxParallelTools != 0 {
			c.Loop.MaxParallelTools = ov.Loop.MaxParallelTools
		}
	}
	if ov.Pricing != nil {
		if ov.Pricing.Default != (ModelPrice{}) {
			c.Pricing.Default = ov.Pricing.Default
		}
		if c.Pricing.Models == nil {
			c.Pricing.Models = make(map[string]ModelPrice, len(ov.Pricing.Models))
		}
		for model, price := range ov.Pricing.Models {
			c.Pricing.Models[model] = price
		}
	}
	if ov.RateLimit != nil {
		c.RateLimit = *ov.RateLimit
	}
	return nil
}
