package brighter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MessagePublisher publishes messages to an external system.
type MessagePublisher interface {
	// Publish sends a message to an external system (e.g. a message broker).
	// It may be called more than once for the same message; consumers must
	// be idempotent. Return nil on success. On error the entry stays
	// pending and is retried on a later sweep.
	Publish(ctx context.Context, msg *Message) error
}

// Sweeper periodically reads undispatched outbox entries and publishes them,
// marking each entry dispatched after a confirmed publish. A publish that
// exhausts its retries leaves the entry pending for the next sweep, so no
// committed entry is ever dropped.
type Sweeper struct {
	store     OutboxStore
	publisher MessagePublisher

	interval       time.Duration
	minAge         time.Duration
	readTimeout    time.Duration
	publishTimeout time.Duration
	markTimeout    time.Duration
	batchSize      int
	retry          RetryPolicy
	breaker        *CircuitBreaker

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
}

// SweeperOption is a function that configures a Sweeper instance.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the time between sweeps. Default is 5 seconds.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = interval
	}
}

// WithMinAge sets the minimum age an entry must reach before it is swept,
// so the sweeper does not race a transaction that has written its entry but
// not yet committed. Default is 500 milliseconds.
func WithMinAge(age time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.minAge = age
	}
}

// WithSweepBatchSize sets the maximum number of entries read per sweep.
// Default is 100. Must be positive.
func WithSweepBatchSize(size int) SweeperOption {
	return func(s *Sweeper) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithReadTimeout sets the timeout for reading entries from the outbox.
// Default is 5 seconds.
func WithReadTimeout(timeout time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.readTimeout = timeout
	}
}

// WithPublishTimeout sets the timeout for a single publish attempt.
// Default is 5 seconds.
func WithPublishTimeout(timeout time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.publishTimeout = timeout
	}
}

// WithMarkTimeout sets the timeout for marking an entry dispatched.
// Default is 5 seconds.
func WithMarkTimeout(timeout time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.markTimeout = timeout
	}
}

// WithPublishRetry sets the retry policy applied to each publish.
// Default is 3 attempts with exponential delay from 200ms capped at 5s.
func WithPublishRetry(policy RetryPolicy) SweeperOption {
	return func(s *Sweeper) {
		s.retry = policy
	}
}

// WithPublishBreaker guards publishes with a circuit breaker. While the
// breaker is open the sweep fast-fails and entries wait for a later sweep.
func WithPublishBreaker(breaker *CircuitBreaker) SweeperOption {
	return func(s *Sweeper) {
		s.breaker = breaker
	}
}

// WithSweeperErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithSweeperErrorChannelSize(size int) SweeperOption {
	return func(s *Sweeper) {
		if size > 0 {
			s.errCh = make(chan error, size)
		}
	}
}

// NewSweeper creates a sweeper over the given outbox store and publisher.
func NewSweeper(store OutboxStore, publisher MessagePublisher, opts ...SweeperOption) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Sweeper{
		store:          store,
		publisher:      publisher,
		ctx:            ctx,
		cancel:         cancel,
		interval:       5 * time.Second,
		minAge:         500 * time.Millisecond,
		readTimeout:    5 * time.Second,
		publishTimeout: 5 * time.Second,
		markTimeout:    5 * time.Second,
		batchSize:      100,
		retry: RetryPolicy{
			MaxAttempts: 3,
			Delay:       Exponential(200*time.Millisecond, 5*time.Second),
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.errCh == nil {
		s.errCh = make(chan error, 128)
	}

	return s
}

// Start begins the background sweeping of outbox entries.
// If Start is called multiple times, only the first call has an effect.
func (s *Sweeper) Start() {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}

	s.wg.Add(1)
	go func() {
		ticker := time.NewTicker(s.interval)

		defer s.wg.Done()
		defer close(s.errCh)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully shuts down the sweeper. It prevents new sweeps from
// starting and waits for an ongoing sweep to finish. The provided context
// bounds the wait; its error is returned if it expires first.
// Calling Stop multiple times is safe and only the first call has an effect.
func (s *Sweeper) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.cancel() // signal stop

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepReadError indicates a failure to read undispatched outbox entries.
type SweepReadError struct {
	Err error
}

func (e *SweepReadError) Error() string { return fmt.Sprintf("reading outbox entries: %v", e.Err) }
func (e *SweepReadError) Unwrap() error { return e.Err }

// SweepPublishError indicates that publishing an entry failed after all
// retries. The entry remains pending.
type SweepPublishError struct {
	Entry OutboxEntry
	Err   error
}

func (e *SweepPublishError) Error() string {
	return fmt.Sprintf("publishing outbox entry %s: %v", e.Entry.Message.ID, e.Err)
}
func (e *SweepPublishError) Unwrap() error { return e.Err }

// SweepMarkError indicates that marking a published entry as dispatched
// failed. The entry will be republished on a later sweep; consumers must
// already tolerate duplicates.
type SweepMarkError struct {
	Entry OutboxEntry
	Err   error
}

func (e *SweepMarkError) Error() string {
	return fmt.Sprintf("marking outbox entry %s dispatched: %v", e.Entry.Message.ID, e.Err)
}
func (e *SweepMarkError) Unwrap() error { return e.Err }

// Errors returns a channel that receives errors from the sweeper.
// The channel is buffered to avoid blocking the sweep loop; when the buffer
// is full further errors are dropped. The channel is closed when the
// sweeper is stopped.
//
// The returned error will be one of *SweepReadError, *SweepPublishError or
// *SweepMarkError, distinguishable with a type switch.
func (s *Sweeper) Errors() <-chan error {
	return s.errCh
}

func (s *Sweeper) sendError(err error) {
	select {
	case s.errCh <- err:
	default:
		// Channel buffer full, drop the error to keep the sweep moving.
	}
}

func (s *Sweeper) sweep() {
	entries, err := s.readEntries()
	if err != nil {
		s.sendError(&SweepReadError{Err: err})
		return
	}

	for _, entry := range entries {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.publishEntry(entry); err != nil {
			s.sendError(&SweepPublishError{Entry: *entry, Err: err})
			continue // entry stays pending for the next sweep
		}

		if err := s.markDispatched(entry); err != nil {
			s.sendError(&SweepMarkError{Entry: *entry, Err: err})
		}
	}
}

func (s *Sweeper) readEntries() ([]*OutboxEntry, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.readTimeout)
	defer cancel()

	return s.store.GetUndispatched(ctx, s.minAge, s.batchSize)
}

func (s *Sweeper) publishEntry(entry *OutboxEntry) error {
	return Retry(s.ctx, s.retry, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
		defer cancel()

		if s.breaker != nil {
			return s.breaker.Do(ctx, func(ctx context.Context) error {
				return s.publisher.Publish(ctx, entry.Message)
			})
		}
		return s.publisher.Publish(ctx, entry.Message)
	})
}

func (s *Sweeper) markDispatched(entry *OutboxEntry) error {
	// Do not use s.ctx alone: when the sweeper is stopping we still want a
	// confirmed publish to be recorded.
	ctx, cancel := context.WithTimeout(context.Background(), s.markTimeout)
	defer cancel()

	return s.store.MarkDispatched(ctx, entry.Message.ID, time.Now().UTC())
}
