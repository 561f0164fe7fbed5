package backend

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"pagegen/internal/domain"
)

// RateLimited wraps next with a token bucket allowing perMinute attempts per
// minute with a burst of one. A non-positive perMinute disables limiting.
// Attempts wait for a token; a context that ends first yields a backend
// error so the caller falls back.
func RateLimited(next Backend, perMinute int) Backend {
	if perMinute <= 0 {
		return next
	}
	return &limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

type limited struct {
	next    Backend
	limiter *rate.Limiter
}

func (l *limited) Attempt(ctx context.Context, task domain.GenerationTask) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limit: %w", domain.ErrBackend, err)
	}
	return l.next.Attempt(ctx, task)
}
