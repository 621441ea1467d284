package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/types"
)

const maxRetryBackoff = 5 * time.Second

// retryDialer retries failed dials with exponential backoff. Only transport
// errors are retried; validation and credential problems fail immediately
// because repeating them cannot help.
type retryDialer struct {
	next   Dialer
	max    int
	base   time.Duration
	clk    clock.Clock
	logger *zap.Logger
}

var _ Dialer = (*retryDialer)(nil)

// NewRetryDialer wraps next with up to max retries after the first attempt.
func NewRetryDialer(next Dialer, max int, base time.Duration, clk clock.Clock, logger *zap.Logger) Dialer {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &retryDialer{
		next:   next,
		max:    max,
		base:   base,
		clk:    clk,
		logger: logger.Named("retry"),
	}
}

func (r *retryDialer) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	var lastErr error
	for attempt := 0; attempt <= r.max; attempt++ {
		if attempt > 0 {
			backoff := r.base << (attempt - 1)
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
			r.logger.Debug("retrying dial",
				zap.String("endpoint", ep.PoolKey()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil, types.Cancelledf("dial %s cancelled between retries", ep.PoolKey())
			case <-r.clk.After(backoff):
			}
		}

		sess, err := r.next.Dial(ctx, ep)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if types.KindOf(err) != types.ErrTransport {
			return nil, err
		}
	}
	return nil, types.TransportErrf(lastErr, "dial %s: gave up after %d attempts", ep.PoolKey(), r.max+1)
}

func (r *retryDialer) Validate(ctx context.Context, ep Endpoint) error {
	return r.next.Validate(ctx, ep)
}
