package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/rotation/internal/domain"
	"golang.org/x/time/rate"
)

// GuardConfig configures the limits placed in front of a collaborator.
type GuardConfig struct {
	RateLimit    float64 // requests per second
	Burst        int
	QuoteTimeout time.Duration
}

func newLimiter(cfg GuardConfig) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}

// wait blocks on the limiter and reports a limiter refusal as a transient rate limit.
func wait(ctx context.Context, limiter *rate.Limiter) error {
	if err := limiter.Wait(ctx); err != nil {
		return domain.NewTransientError(domain.TransientRateLimit, fmt.Errorf("rate limiter: %w", err))
	}
	return nil
}

// classify maps deadline errors to transient timeouts and leaves everything else untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, domain.ErrTransient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewTransientError(domain.TransientTimeout, err)
	}
	return err
}

// GuardedQuoteSource rate limits and bounds quote lookups.
type GuardedQuoteSource struct {
	next    domain.QuoteSource
	limiter *rate.Limiter
	timeout time.Duration
}

// NewGuardedQuoteSource wraps next with a limiter and a per-call timeout.
func NewGuardedQuoteSource(next domain.QuoteSource, cfg GuardConfig) *GuardedQuoteSource {
	return &GuardedQuoteSource{next: next, limiter: newLimiter(cfg), timeout: cfg.QuoteTimeout}
}

// GetQuote implements domain.QuoteSource
func (g *GuardedQuoteSource) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	if err := wait(ctx, g.limiter); err != nil {
		return nil, err
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	quote, err := g.next.GetQuote(ctx, symbol)
	return quote, classify(err)
}

// GuardedGateway rate limits order submission. Per-attempt timeouts come from
// the caller's retry policy.
type GuardedGateway struct {
	next    domain.ExecutionGateway
	limiter *rate.Limiter
}

// NewGuardedGateway wraps next with a limiter.
func NewGuardedGateway(next domain.ExecutionGateway, cfg GuardConfig) *GuardedGateway {
	return &GuardedGateway{next: next, limiter: newLimiter(cfg)}
}

// SubmitOrder implements domain.ExecutionGateway
func (g *GuardedGateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderOutcome, error) {
	if err := wait(ctx, g.limiter); err != nil {
		return nil, err
	}
	outcome, err := g.next.SubmitOrder(ctx, req)
	return outcome, classify(err)
}

// Verify interface implementation
var (
	_ domain.QuoteSource      = (*GuardedQuoteSource)(nil)
	_ domain.ExecutionGateway = (*GuardedGateway)(nil)
)
