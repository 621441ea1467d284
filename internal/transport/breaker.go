package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"fleetd/internal/types"
)

// breakerDialer keeps one circuit breaker per host so a dead rack member
// fails fast instead of eating a full dial timeout on every probe. The
// breaker trips after maxFailures consecutive failed dials and half-opens
// after the cooldown.
type breakerDialer struct {
	next        Dialer
	maxFailures uint32
	cooldown    time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ Dialer = (*breakerDialer)(nil)

// NewBreakerDialer wraps next with per-host circuit breaking.
func NewBreakerDialer(next Dialer, maxFailures int, cooldown time.Duration, logger *zap.Logger) Dialer {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakerDialer{
		next:        next,
		maxFailures: uint32(maxFailures),
		cooldown:    cooldown,
		logger:      logger.Named("breaker"),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *breakerDialer) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	cb := b.forHost(ep.Host)
	v, err := cb.Execute(func() (interface{}, error) {
		return b.next.Dial(ctx, ep)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.TransportErrf(err, "circuit open for %s", ep.Host)
		}
		return nil, err
	}
	return v.(Session), nil
}

func (b *breakerDialer) Validate(ctx context.Context, ep Endpoint) error {
	// Validation outcomes feed the breaker too; a host that cannot pass a
	// trivial exec is as dead as one that refuses the handshake.
	cb := b.forHost(ep.Host)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, b.next.Validate(ctx, ep)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.TransportErrf(err, "circuit open for %s", ep.Host)
		}
		return err
	}
	return nil
}

func (b *breakerDialer) forHost(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[host]
	if !ok {
		maxFailures := b.maxFailures
		logger := b.logger
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: 1,
			Timeout:     b.cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Info("circuit state change",
					zap.String("host", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		b.breakers[host] = cb
	}
	return cb
}
