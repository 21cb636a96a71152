// Package retry computes the delay before a failed record is attempted again.
package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/drblury/recordflow/internal/runtime/config"
)

// Policy is an exponential backoff calculator with jitter. It is safe for
// concurrent use.
type Policy struct {
	initial    time.Duration
	multiplier float64
	factor     float64
	max        time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Policy.
type Option func(*Policy)

// WithSeed makes the jitter sequence deterministic.
func WithSeed(seed uint64) Option {
	return func(p *Policy) {
		p.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// NewPolicy builds a Policy from cfg. Out-of-range values are clamped: a
// multiplier below 1 becomes 1 and the randomization factor is kept in [0, 1).
func NewPolicy(cfg config.RetryConfig, opts ...Option) *Policy {
	p := &Policy{
		initial:    max(cfg.InitialDelay, 0),
		multiplier: cfg.Multiplier,
		factor:     cfg.RandomizationFactor,
		max:        max(cfg.MaxDelay, 0),
	}
	if math.IsNaN(p.multiplier) || p.multiplier < 1 {
		p.multiplier = 1
	}
	if math.IsNaN(p.factor) || p.factor < 0 {
		p.factor = 0
	}
	if p.factor >= 1 {
		p.factor = math.Nextafter(1, 0)
	}
	if p.initial > p.max {
		p.initial = p.max
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return p
}

// Base returns the delay for attempt before jitter. Attempt 0 is treated as 1.
func (p *Policy) Base(attempt uint) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	if p.max == 0 {
		return 0
	}
	base := float64(p.initial) * math.Pow(p.multiplier, float64(attempt-1))
	if math.IsInf(base, 0) || math.IsNaN(base) || base >= float64(p.max) {
		return p.max
	}
	return time.Duration(base)
}

// DelayFor returns the delay before the given attempt, in [0, MaxDelay].
func (p *Policy) DelayFor(attempt uint) time.Duration {
	base := p.Base(attempt)
	if p.factor == 0 || base == 0 {
		return base
	}

	p.mu.Lock()
	r := p.rnd.Float64()
	p.mu.Unlock()

	delta := p.factor * float64(base)
	low := float64(base) - delta
	delay := low + r*(2*delta)
	if delay >= float64(p.max) {
		return p.max
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// MaxDelay returns the upper bound of every delay.
func (p *Policy) MaxDelay() time.Duration {
	return p.max
}
