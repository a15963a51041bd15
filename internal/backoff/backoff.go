// Package backoff computes jittered exponential retry delays for migration attempts.
package backoff

import (
	"context"
	rand "math/rand/v2"
	"sync"
	"time"
)

const defaultBase = 50 * time.Millisecond

// Jitter returns the delay that follows prev using decorrelated "full jitter".
//
// The next delay is base + rand[0, prev*mult-base), capped at capDur:
//   - prev <= 0 starts from base
//   - mult < 1 is treated as 1 (no growth)
//   - capDur below base always returns capDur
//
// A nil rng uses the package-level generator.
func Jitter(prev, base time.Duration, mult float64, capDur time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = defaultBase
	}
	if mult < 1.0 {
		mult = 1.0
	}
	if capDur > 0 && capDur < base {
		return capDur
	}
	if prev <= 0 {
		return base
	}

	spread := time.Duration(float64(prev)*mult) - base
	if spread <= 0 {
		spread = base
	}

	var jitter int64
	if rng != nil {
		jitter = rng.Int64N(int64(spread))
	} else {
		jitter = rand.Int64N(int64(spread)) //nolint:gosec // non-crypto backoff jitter
	}

	next := base + time.Duration(jitter)
	if capDur > 0 && next > capDur {
		return capDur
	}

	return next
}

// NewRNG returns a deterministic generator for a non-zero seed, nil otherwise.
//
//nolint:gosec
func NewRNG(seed int64) *rand.Rand {
	if seed == 0 {
		return nil
	}
	s1 := uint64(seed)
	s2 := s1 ^ 0x9e3779b97f4a7c15

	return rand.New(rand.NewPCG(s1, s2))
}

// Policy is a retry schedule shared by concurrent workers.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates a retry policy.
//
// Parameters:
//   - maxAttempts: Total attempts per key and stage, including the first
//   - initial: Delay before the first retry
//   - maxDelay: Upper bound on any single delay
//   - mult: Growth factor between retries
//   - seed: Non-zero for reproducible jitter (tests)
func NewPolicy(maxAttempts int, initial, maxDelay time.Duration, mult float64, seed int64) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Policy{
		MaxAttempts: maxAttempts,
		Initial:     initial,
		Max:         maxDelay,
		Multiplier:  mult,
		rng:         NewRNG(seed),
	}
}

// Next returns the delay following prev.
func (p *Policy) Next(prev time.Duration) time.Duration {
	if p.rng == nil {
		return Jitter(prev, p.Initial, p.Multiplier, p.Max, nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return Jitter(prev, p.Initial, p.Multiplier, p.Max, p.rng)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
