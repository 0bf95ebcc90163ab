package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrRetryExhausted is returned when a bounded policy runs out of budget.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// RetryPolicy bounds a retry loop. Zero MaxAttempts and zero MaxElapsed
// both mean unbounded; such loops end only on success or context
// cancellation, so callers must run them under a deadline.
type RetryPolicy struct {
	Backoff     time.Duration
	MaxAttempts int
	MaxElapsed  time.Duration
}

// Bounded reports whether the policy can give up on its own.
func (p RetryPolicy) Bounded() bool {
	return p.MaxAttempts > 0 || p.MaxElapsed > 0
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retrier executes operations under a RetryPolicy.
type Retrier struct {
	policy  RetryPolicy
	sleep   Sleeper
	now     func() time.Time
	logger  *zap.Logger
	onRetry func(op string, attempt int, err error)
}

// RetrierOption customises a Retrier.
type RetrierOption func(*Retrier)

// WithSleeper replaces the wait between attempts.
func WithSleeper(s Sleeper) RetrierOption {
	return func(r *Retrier) { r.sleep = s }
}

// WithClock replaces the time source used for MaxElapsed.
func WithClock(now func() time.Time) RetrierOption {
	return func(r *Retrier) { r.now = now }
}

// WithRetryLogger logs each failed attempt.
func WithRetryLogger(l *zap.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = l }
}

// WithRetryHook is called after each failed attempt that will be retried.
func WithRetryHook(fn func(op string, attempt int, err error)) RetrierOption {
	return func(r *Retrier) { r.onRetry = fn }
}

// NewRetrier creates a Retrier for policy.
func NewRetrier(policy RetryPolicy, opts ...RetrierOption) *Retrier {
	r := &Retrier{
		policy: policy,
		sleep:  SleepContext,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the configured policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Do calls fn until it succeeds, returns a Permanent error, the policy is
// exhausted or ctx is done. attempt starts at 1.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	start := r.now()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if r.policy.MaxAttempts > 0 && attempt >= r.policy.MaxAttempts {
			return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRetryExhausted, attempt, err)
		}
		if r.policy.MaxElapsed > 0 && r.now().Sub(start)+r.policy.Backoff > r.policy.MaxElapsed {
			return fmt.Errorf("%s: %w after %s: %w", op, ErrRetryExhausted, r.policy.MaxElapsed, err)
		}

		r.logger.Warn("attempt failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", r.policy.Backoff),
			zap.Error(err),
		)
		if r.onRetry != nil {
			r.onRetry(op, attempt, err)
		}
		if err := r.sleep(ctx, r.policy.Backoff); err != nil {
			return err
		}
	}
}
