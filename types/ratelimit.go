package types

import (
	"context"
	"time"
)

type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// Degraded is set when the decision came from the in-process fallback
	// instead of the configured shared backend.
	Degraded bool `json:"degraded"`
}

// RateLimitBackend counts requests in fixed windows. Take increments the
// identifier's counter only when the request is allowed.
type RateLimitBackend interface {
	Name() string
	Take(ctx context.Context, identifier string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimiter is the decision point consulted by the HTTP boundary.
type RateLimiter interface {
	CheckLimit(ctx context.Context, identifier string, limit int, window time.Duration) (RateLimitResult, error)
}
