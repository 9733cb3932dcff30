package brighter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PerformerState is the state of one consumer worker.
type PerformerState int32

const (
	StateIdle PerformerState = iota
	StatePolling
	StateDispatching
	StateAcking
	StateRequeueing
	StateDeadLettering
	StateStopped
)

func (s PerformerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateAcking:
		return "acking"
	case StateRequeueing:
		return "requeueing"
	case StateDeadLettering:
		return "dead_lettering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PoisonMessageError reports a message that cannot be meaningfully retried:
// it failed deserialization or hit a routing misconfiguration. The message
// has been rejected to the dead-letter destination.
type PoisonMessageError struct {
	Subscription string
	MessageID    uuid.UUID
	Err          error
}

func (e *PoisonMessageError) Error() string {
	return fmt.Sprintf("subscription %s: poison message %s: %v", e.Subscription, e.MessageID, e.Err)
}
func (e *PoisonMessageError) Unwrap() error { return e.Err }

// DeliveryLimitError reports a message that exhausted its requeue budget
// and was dead-lettered. Not fatal to the performer.
type DeliveryLimitError struct {
	Subscription string
	MessageID    uuid.UUID
	Attempts     int
	Err          error
}

func (e *DeliveryLimitError) Error() string {
	return fmt.Sprintf("subscription %s: message %s dead-lettered after %d attempts: %v",
		e.Subscription, e.MessageID, e.Attempts, e.Err)
}
func (e *DeliveryLimitError) Unwrap() error { return e.Err }

// UnacceptableLimitError reports that a performer exceeded its
// unacceptable-message limit and stopped. The subscription keeps its
// remaining performers; operator intervention is required for this one.
type UnacceptableLimitError struct {
	Subscription string
	MessageID    uuid.UUID
	Count        int
}

func (e *UnacceptableLimitError) Error() string {
	return fmt.Sprintf("subscription %s: performer stopped after %d unacceptable messages (last message %s)",
		e.Subscription, e.Count, e.MessageID)
}

// Dispatcher runs the consuming side: it owns one performer per configured
// concurrency slot of every subscription, each with its own channel, and
// pushes received messages through the command processor.
type Dispatcher struct {
	processor    *CommandProcessor
	factory      ChannelFactory
	inbox        InboxStore
	logger       *slog.Logger
	receiveRetry RetryPolicy

	subs []*Subscription

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
}

// DispatcherOption is a function that configures a Dispatcher instance.
type DispatcherOption func(*Dispatcher)

// WithInbox enables duplicate suppression: requests whose id is already
// recorded under the subscription's context key are acknowledged without
// dispatch.
func WithInbox(store InboxStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.inbox = store
	}
}

// WithLogger sets the logger used for operational messages.
// Default discards.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithReceiveRetry sets the retry policy applied to channel receives before
// a connectivity fault is declared fatal to the performer.
// Default is 3 attempts with exponential delay from 200ms capped at 5s.
func WithReceiveRetry(policy RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.receiveRetry = policy
	}
}

// WithDispatcherErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithDispatcherErrorChannelSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.errCh = make(chan error, size)
		}
	}
}

// NewDispatcher creates a dispatcher over the given processor and channel
// factory. Subscriptions are added with Subscribe before Start.
func NewDispatcher(processor *CommandProcessor, factory ChannelFactory, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		processor: processor,
		factory:   factory,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:       ctx,
		cancel:    cancel,
		receiveRetry: RetryPolicy{
			MaxAttempts: 3,
			Delay:       Exponential(200*time.Millisecond, 5*time.Second),
		},
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.errCh == nil {
		d.errCh = make(chan error, 128)
	}

	return d
}

// Subscribe registers a subscription. Must be called before Start.
func (d *Dispatcher) Subscribe(subs ...*Subscription) {
	d.subs = append(d.subs, subs...)
}

// Errors returns a channel that receives operational errors from all
// performers: poison messages, delivery-limit dead-letters, channel
// failures, and fatal performer stops. Buffered; errors are dropped when
// the buffer is full. Closed once the dispatcher has stopped.
func (d *Dispatcher) Errors() <-chan error {
	return d.errCh
}

// Start creates the channels and spins up every performer.
// If Start is called multiple times, only the first call has an effect.
func (d *Dispatcher) Start() error {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return nil
	}

	var performers []*performer
	for _, sub := range d.subs {
		for i := 0; i < sub.Performers; i++ {
			ch, err := d.factory.CreateChannel(d.ctx, sub)
			if err != nil {
				for _, p := range performers {
					_ = p.channel.Close()
				}
				return fmt.Errorf("creating channel for subscription %s: %w", sub.Name, err)
			}
			performers = append(performers, &performer{
				dispatcher: d,
				sub:        sub,
				channel:    ch,
			})
		}
	}

	for _, p := range performers {
		d.wg.Add(1)
		go func(p *performer) {
			defer d.wg.Done()
			p.run(d.ctx)
		}(p)
	}

	go func() {
		d.wg.Wait()
		close(d.errCh)
	}()

	return nil
}

// Stop signals every performer to halt and waits for them. A performer
// finishes its in-flight dispatch before stopping; there is no mid-dispatch
// abort. The provided context bounds the wait.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return nil
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) sendError(err error) {
	select {
	case d.errCh <- err:
	default:
		// Channel buffer full, drop the error to keep consuming.
	}
}

// performer is one consumer worker bound to a channel. It owns its channel
// exclusively and shares nothing mutable with its siblings beyond the
// stores and the error channel.
type performer struct {
	dispatcher *Dispatcher
	sub        *Subscription
	channel    Channel

	state        atomic.Int32
	unacceptable int
}

func (p *performer) setState(s PerformerState) {
	p.state.Store(int32(s))
}

// State reports the performer's current state.
func (p *performer) State() PerformerState {
	return PerformerState(p.state.Load())
}

func (p *performer) run(ctx context.Context) {
	defer func() {
		_ = p.channel.Close()
	}()

	for {
		if ctx.Err() != nil {
			p.setState(StateStopped)
			return
		}

		p.setState(StatePolling)
		msgs, err := p.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.setState(StateStopped)
				return
			}
			p.dispatcher.sendError(&ChannelFailure{ChannelName: p.sub.ChannelName, Err: err})
			p.dispatcher.logger.Error("channel receive failed, stopping performer",
				"subscription", p.sub.Name, "err", err)
			p.setState(StateStopped)
			return
		}

		if len(msgs) == 0 {
			p.pause(ctx)
			continue
		}

		for _, msg := range msgs {
			if stop := p.handle(ctx, msg); stop {
				p.setState(StateStopped)
				return
			}
		}
	}
}

func (p *performer) receive(ctx context.Context) ([]*Message, error) {
	var msgs []*Message
	err := Retry(ctx, p.dispatcher.receiveRetry, func(ctx context.Context) error {
		var receiveErr error
		msgs, receiveErr = p.channel.Receive(ctx)
		return receiveErr
	})
	return msgs, err
}

func (p *performer) pause(ctx context.Context) {
	timer := time.NewTimer(p.sub.NoWorkPause)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// handle runs one message through the state machine. It returns true when
// the performer must stop. Dispatch runs on a context detached from the
// stop signal so cancellation never aborts an in-flight handler.
func (p *performer) handle(ctx context.Context, msg *Message) bool {
	dctx := context.WithoutCancel(ctx)
	d := p.dispatcher

	mapper, ok := d.processor.registry.Mapper(msg.Header.Topic)
	if !ok {
		return p.poison(dctx, msg, fmt.Errorf("no message mapper for topic %s", msg.Header.Topic))
	}

	req, err := mapper(msg)
	if err != nil {
		return p.poison(dctx, msg, fmt.Errorf("mapping message: %w", err))
	}

	if d.inbox != nil {
		exists, err := d.inbox.Exists(dctx, req.RequestID(), p.sub.Name)
		if err != nil {
			// Cannot prove the request is new; redeliver rather than risk
			// skipping it.
			p.requeueOrDeadLetter(dctx, msg, p.sub.RequeueDelay, err)
			return false
		}
		if exists {
			p.acknowledge(dctx, msg)
			return false
		}
	}

	p.setState(StateDispatching)
	res, err := d.processor.Dispatch(dctx, req)
	if err != nil {
		if errors.Is(err, ErrNoHandlerFound) || errors.Is(err, ErrDuplicateHandlerFound) {
			return p.poison(dctx, msg, err)
		}
		p.requeueOrDeadLetter(dctx, msg, p.sub.RequeueDelay, err)
		return false
	}

	switch res.Action {
	case ActionRequeue:
		delay := res.Delay
		if delay <= 0 {
			delay = p.sub.RequeueDelay
		}
		p.requeueOrDeadLetter(dctx, msg, delay, fmt.Errorf("handler requested requeue"))

	case ActionDeadLetter:
		p.setState(StateDeadLettering)
		d.logger.Warn("handler dead-lettered message",
			"subscription", p.sub.Name, "message_id", msg.ID, "reason", res.Reason)
		if err := p.channel.Reject(dctx, msg); err != nil {
			d.sendError(&ChannelFailure{ChannelName: p.sub.ChannelName, Err: err})
		}

	default: // ActionComplete
		if d.inbox != nil {
			if err := d.inbox.Add(dctx, req.RequestID(), p.sub.Name); err != nil {
				// The handler already ran; redelivery is covered by the
				// handler's own idempotency. Surface and move on.
				d.sendError(err)
			}
		}
		p.acknowledge(dctx, msg)
	}

	return false
}

func (p *performer) acknowledge(ctx context.Context, msg *Message) {
	p.setState(StateAcking)
	if err := p.channel.Acknowledge(ctx, msg); err != nil {
		p.dispatcher.sendError(&ChannelFailure{ChannelName: p.sub.ChannelName, Err: err})
	}
}

// requeueOrDeadLetter redelivers a transiently failing message while its
// requeue budget lasts, then routes it to the dead-letter destination.
// A RequeueCount of -1 never dead-letters; redelivery is paced by the delay.
func (p *performer) requeueOrDeadLetter(ctx context.Context, msg *Message, delay time.Duration, cause error) {
	d := p.dispatcher
	attempts := int(msg.Header.HandledCount)

	if p.sub.RequeueCount == -1 || attempts < p.sub.RequeueCount {
		p.setState(StateRequeueing)
		if err := p.channel.Requeue(ctx, msg, delay); err != nil {
			d.sendError(&ChannelFailure{ChannelName: p.sub.ChannelName, Err: err})
		}
		return
	}

	p.setState(StateDeadLettering)
	d.sendError(&DeliveryLimitError{
		Subscription: p.sub.Name,
		MessageID:    msg.ID,
		Attempts:     attempts + 1,
		Err:          cause,
	})
	if err := p.channel.Reject(ctx, msg); err != nil {
		d.sendError(&ChannelFailure{ChannelName: p.sub.ChannelName, Err: err})
	}
}

// poison rejects an unprocessable message and counts it against the
// subscription's unacceptable-message limit. Returns true when the limit is
// exceeded and the performer must stop.
func (p *performer) poison(ctx context.Context, msg *Message, cause error) bool {
	d := p.dispatcher

	p.setState(StateDeadLettering)
	if err := p.channel.Reject(ctx, msg); err != nil {
		d.sendError(&ChannelFailure{ChannelName: p.sub.ChannelName, Err: err})
	}
	d.sendError(&PoisonMessageError{Subscription: p.sub.Name, MessageID: msg.ID, Err: cause})

	p.unacceptable++
	if p.sub.UnacceptableMessageLimit > 0 && p.unacceptable > p.sub.UnacceptableMessageLimit {
		fatal := &UnacceptableLimitError{
			Subscription: p.sub.Name,
			MessageID:    msg.ID,
			Count:        p.unacceptable,
		}
		d.sendError(fatal)
		d.logger.Error("performer stopped: unacceptable message limit exceeded",
			"subscription", p.sub.Name, "message_id", msg.ID, "count", p.unacceptable)
		return true
	}
	return false
}
