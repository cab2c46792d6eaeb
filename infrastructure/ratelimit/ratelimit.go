// Package ratelimit wraps a token-bucket limiter for outbound IAS requests.
// Intel throttles EPID attestation API subscriptions; a verifier handling
// many concurrent handshakes must stay under its subscription budget.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Config controls the request budget.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig matches the standard IAS development subscription budget.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             10,
	}
}

// Limiter is a thin wrapper around rate.Limiter.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter from cfg, filling in defaults for missing values.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Allow reports whether a request may proceed immediately.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Wait blocks until a request may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
