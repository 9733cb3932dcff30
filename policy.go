package brighter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RetryPolicy describes how an operation is retried on failure.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 mean a single attempt.
	MaxAttempts int

	// Delay produces the wait between attempts. Defaults to
	// Exponential(200ms, 1m) when nil.
	Delay DelayFunc
}

// Retry executes op, retrying failures according to the policy.
// It returns nil on the first success, the last failure once attempts are
// exhausted, or the context error if the context is cancelled while waiting.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.Delay
	if delay == nil {
		delay = Exponential(200*time.Millisecond, time.Minute)
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay(attempt - 1))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)
}

// ErrCircuitOpen is returned when the circuit breaker rejects a call
// without invoking the wrapped operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls immediately until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets a single trial call through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards an operation category against persistent failure.
// It opens after a run of consecutive failures, fast-fails while open, and
// admits exactly one trial call after the cool-down.
// Safe for concurrent use. State is process-lifetime scoped.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	threshold     int
	coolDown      time.Duration
	openedAt      time.Time
	trialInFlight bool
	now           func() time.Time
}

// BreakerOption is a function that configures a CircuitBreaker instance.
type BreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the number of consecutive failures that open
// the breaker. Default is 5. Must be positive.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *CircuitBreaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCoolDown sets how long the breaker stays open before admitting a
// trial call. Default is 30 seconds.
func WithCoolDown(d time.Duration) BreakerOption {
	return func(b *CircuitBreaker) {
		b.coolDown = d
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) {
		b.now = now
	}
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		threshold: 5,
		coolDown:  30 * time.Second,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// State reports the current breaker state, accounting for an elapsed
// cool-down.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		return BreakerHalfOpen
	}
	return b.state
}

// Do invokes op through the breaker. While open it returns ErrCircuitOpen
// without invoking op. In half-open state only one trial call is admitted;
// concurrent callers are rejected until the trial settles.
func (b *CircuitBreaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	b.settle(err)
	return err
}

func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		return nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

func (b *CircuitBreaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.trialInFlight = false
		if err == nil {
			b.state = BreakerClosed
			b.failures = 0
		} else {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}
