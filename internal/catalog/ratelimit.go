// ratelimit.go paces the polling-fallback client's per-token book requests,
// so a stream outage across many markets can't hammer the book endpoint.
package catalog

import (
	"context"

	"golang.org/x/time/rate"
)

// Upstream budgets book reads at 1500 per 10s with continuous refill.
const (
	bookRequestsPerSecond = 150
	bookBurst             = 150
)

func newBookLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(bookRequestsPerSecond), bookBurst)
}

// wait blocks until the limiter admits one request or ctx is cancelled.
func wait(ctx context.Context, l *rate.Limiter) error {
	return l.Wait(ctx)
}
