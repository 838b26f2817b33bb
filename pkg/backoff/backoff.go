// Package backoff computes increasing delays between reconnection attempts.
//
// A Policy starts at a minimum delay, multiplies it by a constant factor on
// every call to Next and caps it at a maximum. Reset restores the minimum.
// Jitter is optional; without it the sequence is fully deterministic.
package backoff

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Default configuration values.
const (
	// DefaultMin is the first delay handed out after a reset.
	DefaultMin = 1 * time.Second

	// DefaultMax caps every delay.
	DefaultMax = 60 * time.Second

	// DefaultFactor is the growth factor between consecutive delays.
	DefaultFactor = 2.0
)

// ErrInvalidConfig is returned by Validate for unusable settings.
var ErrInvalidConfig = errors.New("invalid backoff configuration")

// Config holds the backoff parameters.
type Config struct {
	// Min is the initial delay. Must be positive.
	Min time.Duration `yaml:"min"`

	// Max is the upper bound for any delay. Must be >= Min.
	Max time.Duration `yaml:"max"`

	// Factor multiplies the delay after each attempt. Must be >= 1.
	Factor float64 `yaml:"factor"`

	// Jitter is the fraction in [0, 1) of a delay that may be randomly
	// subtracted from it. Zero disables jitter.
	Jitter float64 `yaml:"jitter"`
}

// DefaultConfig returns 1s doubling up to 60s without jitter.
func DefaultConfig() Config {
	return Config{
		Min:    DefaultMin,
		Max:    DefaultMax,
		Factor: DefaultFactor,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()
	if c.Min == 0 {
		c.Min = defaults.Min
	}
	if c.Max == 0 {
		c.Max = defaults.Max
		if c.Max < c.Min {
			c.Max = c.Min
		}
	}
	if c.Factor == 0 {
		c.Factor = defaults.Factor
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Min <= 0 {
		return errors.Wrap(ErrInvalidConfig, "min delay must be positive")
	}
	if c.Max < c.Min {
		return errors.Wrap(ErrInvalidConfig, "max delay must be >= min delay")
	}
	if c.Factor < 1 {
		return errors.Wrap(ErrInvalidConfig, "factor must be >= 1")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return errors.Wrap(ErrInvalidConfig, "jitter must be in [0, 1)")
	}
	return nil
}

// Policy hands out reconnection delays. It is safe for concurrent use.
type Policy struct {
	config Config

	mu       sync.Mutex
	current  time.Duration
	attempts int
	rnd      *rand.Rand
}

// New creates a Policy. Zero fields of config are defaulted; invalid
// values are rejected.
func New(config Config) (*Policy, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Policy{
		config:  config,
		current: config.Min,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Next returns the delay for the upcoming attempt and advances the policy.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.current
	p.attempts++

	next := time.Duration(float64(p.current) * p.config.Factor)
	if next > p.config.Max || next < p.current {
		// The second check guards against overflow.
		next = p.config.Max
	}
	p.current = next

	if p.config.Jitter > 0 {
		d -= time.Duration(p.rnd.Float64() * p.config.Jitter * float64(d))
	}
	return d
}

// Reset makes the next delay equal to the configured minimum.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.current = p.config.Min
	p.attempts = 0
	p.mu.Unlock()
}

// Attempts returns the number of delays handed out since the last reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.config
}
