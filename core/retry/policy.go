// Package retry holds the one retry policy shared by the judging-resume and
// payment-retry sweeps: attempt cap, backoff curve and the stalled verdict.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how often a parked task is retried before an operator
// has to step in.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     8,
		InitialInterval: 30 * time.Second,
		MaxInterval:     30 * time.Minute,
		Multiplier:      2,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Delay returns how long to wait after the given number of failed attempts
// (1-based). The curve is deterministic: no jitter is applied because the
// schedule is persisted on the task row.
func (p Policy) Delay(attempts int) time.Duration {
	p = p.normalized()
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}

// Exhausted reports whether attempts has reached the cap, after which the
// task is flagged for manual intervention instead of being retried.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}

// Next returns the time of the next attempt after a failure at now.
func (p Policy) Next(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}
