package drivers

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/carevault/durability/internal/fault"
)

// RetryPolicy bounds the retries of a single driver call. Exhaustion
// surfaces as a transient fault; nothing above this layer retries again.
type RetryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       bool
	logger       *zap.Logger
}

// RetryOption configures retry behavior.
type RetryOption func(*RetryPolicy)

// WithMaxAttempts sets maximum attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(p *RetryPolicy) { p.maxAttempts = n }
}

// WithInitialDelay sets the initial retry delay.
func WithInitialDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.initialDelay = d }
}

// WithMaxDelay sets the maximum retry delay.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.maxDelay = d }
}

// WithJitter enables jitter to prevent thundering herd.
func WithJitter(enabled bool) RetryOption {
	return func(p *RetryPolicy) { p.jitter = enabled }
}

// WithLogger adds logging to retry attempts.
func WithLogger(logger *zap.Logger) RetryOption {
	return func(p *RetryPolicy) { p.logger = logger }
}

// NewRetryPolicy creates a retry policy with bounded defaults.
func NewRetryPolicy(opts ...RetryOption) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts:  3,
		initialDelay: 100 * time.Millisecond,
		maxDelay:     10 * time.Second,
		multiplier:   2.0,
		jitter:       true,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs fn with retry. Precondition and integrity faults are never
// retried; only unclassified and transient failures are.
func (p *RetryPolicy) Execute(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fault.Transient(op, ctx.Err())
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				p.logger.Debug("driver call succeeded after retry",
					zap.String("op", op),
					zap.Int("attempt", attempt+1))
			}
			return nil
		}
		lastErr = err

		switch fault.KindOf(err) {
		case fault.KindPrecondition, fault.KindIntegrity, fault.KindNotFound, fault.KindDecryption:
			return err
		}

		if attempt == p.maxAttempts-1 {
			break
		}

		delay := p.calculateDelay(attempt)
		p.logger.Debug("driver call failed, retrying",
			zap.String("op", op),
			zap.Error(lastErr),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fault.Transient(op, ctx.Err())
		}
	}

	p.logger.Warn("driver call failed after all retries",
		zap.String("op", op),
		zap.Error(lastErr),
		zap.Int("attempts", p.maxAttempts))

	return fault.Transient(op, lastErr)
}

func (p *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if p.jitter {
		delay = delay * (0.5 + rand.Float64()) // #nosec G404 - jitter only
	}
	return time.Duration(delay)
}
