package asyncop

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPollSchedule is the poll backoff table indexed by retry count.
var DefaultPollSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
	5 * time.Hour,
	10 * time.Hour,
}

// Config holds engine-wide settings.
type Config struct {
	// MaxRestartCount bounds transport retries per record.
	MaxRestartCount int           `json:"max_restart_count" yaml:"max_restart_count"`
	RestartDelay    time.Duration `json:"restart_delay" yaml:"restart_delay"`

	PollSchedule      []time.Duration `json:"poll_schedule,omitempty" yaml:"poll_schedule,omitempty"`
	PollFallbackDelay time.Duration   `json:"poll_fallback_delay" yaml:"poll_fallback_delay"`
	// ProcessingDelay is the poll delay while the remote side reports
	// processing, unless the operation descriptor overrides it.
	ProcessingDelay time.Duration `json:"processing_delay" yaml:"processing_delay"`
	// MaxPollRetries bounds unprocessed polls. Zero derives it from the
	// schedule length.
	MaxPollRetries int `json:"max_poll_retries" yaml:"max_poll_retries"`

	// Requirement is the default identifier coverage percentage (0-100).
	Requirement float64 `json:"requirement" yaml:"requirement"`

	SweepExpression  string        `json:"sweep_expression" yaml:"sweep_expression"`
	SweepGrace       time.Duration `json:"sweep_grace" yaml:"sweep_grace"`
	SweepConcurrency int           `json:"sweep_concurrency" yaml:"sweep_concurrency"`
	SweepBatch       int           `json:"sweep_batch" yaml:"sweep_batch"`
	// SweepLocation is the IANA zone the sweep expression is read in.
	SweepLocation string `json:"sweep_location,omitempty" yaml:"sweep_location,omitempty"`

	Overrides map[string]Override `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// Override replaces descriptor settings for one operation name. Nil fields
// keep the descriptor value.
type Override struct {
	ElementLimit  *int           `json:"element_limit,omitempty" yaml:"element_limit,omitempty"`
	GetStateDelay *time.Duration `json:"get_state_delay,omitempty" yaml:"get_state_delay,omitempty"`
	Requirement   *float64       `json:"requirement,omitempty" yaml:"requirement,omitempty"`
	Version       *string        `json:"version,omitempty" yaml:"version,omitempty"`
	Synchronous   *bool          `json:"synchronous,omitempty" yaml:"synchronous,omitempty"`
}

// Empty reports whether the override sets nothing.
func (o Override) Empty() bool {
	return o.ElementLimit == nil && o.GetStateDelay == nil && o.Requirement == nil &&
		o.Version == nil && o.Synchronous == nil
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		MaxRestartCount:   3,
		RestartDelay:      10 * time.Second,
		PollSchedule:      append([]time.Duration{}, DefaultPollSchedule...),
		PollFallbackDelay: 5 * time.Minute,
		ProcessingDelay:   30 * time.Second,
		Requirement:       100,
		SweepExpression:   "@every 1m",
		SweepGrace:        2 * time.Minute,
		SweepConcurrency:  4,
		SweepBatch:        100,
	}
}

// ParseConfig decodes YAML (or JSON) over the defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg = cfg.normalized()
	return cfg, cfg.Validate()
}

// LoadConfig reads and parses a config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig().normalized(), fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func (c Config) normalized() Config {
	if c.MaxPollRetries == 0 {
		c.MaxPollRetries = len(c.PollSchedule) + 12
	}
	return c
}

// PollLimit returns MaxPollRetries, derived from the schedule when unset.
func (c Config) PollLimit() int {
	return c.normalized().MaxPollRetries
}

// Location resolves SweepLocation, defaulting to UTC.
func (c Config) Location() (*time.Location, error) {
	if c.SweepLocation == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.SweepLocation)
	if err != nil {
		return nil, fmt.Errorf("sweep_location %q: %w", c.SweepLocation, err)
	}
	return loc, nil
}

// Validate checks bounds.
func (c Config) Validate() error {
	if c.MaxRestartCount < 0 {
		return fmt.Errorf("max_restart_count must be >= 0")
	}
	if c.RestartDelay < 0 || c.PollFallbackDelay < 0 || c.ProcessingDelay < 0 || c.SweepGrace < 0 {
		return fmt.Errorf("delays must be >= 0")
	}
	for idx, d := range c.PollSchedule {
		if d <= 0 {
			return fmt.Errorf("poll_schedule[%d] must be > 0", idx)
		}
	}
	if c.MaxPollRetries < 0 {
		return fmt.Errorf("max_poll_retries must be >= 0")
	}
	if c.Requirement < 0 || c.Requirement > 100 {
		return fmt.Errorf("requirement must be within 0-100")
	}
	if c.SweepConcurrency < 0 || c.SweepBatch < 0 {
		return fmt.Errorf("sweep settings must be >= 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for name, o := range c.Overrides {
		if o.ElementLimit != nil && *o.ElementLimit < 0 {
			return fmt.Errorf("override %s: element_limit must be >= 0", name)
		}
		if o.GetStateDelay != nil && *o.GetStateDelay < 0 {
			return fmt.Errorf("override %s: get_state_delay must be >= 0", name)
		}
		if o.Requirement != nil && (*o.Requirement < 0 || *o.Requirement > 100) {
			return fmt.Errorf("override %s: requirement must be within 0-100", name)
		}
	}
	return nil
}
