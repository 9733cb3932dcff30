package brighter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Routing misconfiguration errors, fatal to the Send call that hits them.
var (
	// ErrNoHandlerFound means no handler is registered for a command type.
	ErrNoHandlerFound = errors.New("no handler found")
	// ErrDuplicateHandlerFound means more than one handler is registered
	// for a command type.
	ErrDuplicateHandlerFound = errors.New("duplicate handler found")
)

// HandlerStep is one invocation of a handler inside the pipeline.
type HandlerStep func(ctx context.Context, req Request) (Result, error)

// Behavior wraps a HandlerStep with cross-cutting logic (validation,
// logging, circuit breaking). Behaviors compose in registration order: the
// first behavior is the outermost.
type Behavior func(next HandlerStep) HandlerStep

// LoggingBehavior logs every dispatch with its outcome.
func LoggingBehavior(logger *slog.Logger) Behavior {
	return func(next HandlerStep) HandlerStep {
		return func(ctx context.Context, req Request) (Result, error) {
			res, err := next(ctx, req)
			if err != nil {
				logger.Error("request dispatch failed",
					"request_id", req.RequestID(), "request_type", fmt.Sprintf("%T", req), "err", err)
				return res, err
			}
			logger.Debug("request dispatched",
				"request_id", req.RequestID(), "request_type", fmt.Sprintf("%T", req), "action", res.Action.String())
			return res, err
		}
	}
}

// BreakerBehavior routes handler invocations through a circuit breaker.
func BreakerBehavior(breaker *CircuitBreaker) Behavior {
	return func(next HandlerStep) HandlerStep {
		return func(ctx context.Context, req Request) (Result, error) {
			var res Result
			err := breaker.Do(ctx, func(ctx context.Context) error {
				var stepErr error
				res, stepErr = next(ctx, req)
				return stepErr
			})
			return res, err
		}
	}
}

// CommandProcessor dispatches requests through an ordered chain of
// behaviors to their registered handlers, and writes outbound messages to
// the outbox store instead of publishing synchronously.
type CommandProcessor struct {
	registry  *Registry
	behaviors []Behavior
	outbox    OutboxStore
	dbCtx     *DBContext
}

// ProcessorOption is a function that configures a CommandProcessor instance.
type ProcessorOption func(*CommandProcessor)

// WithBehaviors sets the ordered behavior chain applied around every
// handler invocation, identically for synchronous and asynchronous
// dispatch.
func WithBehaviors(behaviors ...Behavior) ProcessorOption {
	return func(p *CommandProcessor) {
		p.behaviors = behaviors
	}
}

// WithOutbox enables Post and DepositPost over the given store. The
// DBContext is used by Post to manage its own transaction; it may be nil
// when only DepositPost or a non-transactional store is used.
func WithOutbox(store OutboxStore, dbCtx *DBContext) ProcessorOption {
	return func(p *CommandProcessor) {
		p.outbox = store
		p.dbCtx = dbCtx
	}
}

// NewCommandProcessor creates a processor over the given registry.
func NewCommandProcessor(registry *Registry, opts ...ProcessorOption) *CommandProcessor {
	p := &CommandProcessor{registry: registry}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *CommandProcessor) wrap(step HandlerStep) HandlerStep {
	for i := len(p.behaviors) - 1; i >= 0; i-- {
		step = p.behaviors[i](step)
	}
	return step
}

// Send dispatches a command to exactly one handler through the behavior
// chain. It fails with ErrNoHandlerFound when no handler is registered for
// the command's type and ErrDuplicateHandlerFound when more than one is.
func (p *CommandProcessor) Send(ctx context.Context, cmd Request) (Result, error) {
	_, handlers := p.registry.resolve(cmd)
	switch {
	case len(handlers) == 0:
		return Result{}, fmt.Errorf("%w for %T", ErrNoHandlerFound, cmd)
	case len(handlers) > 1:
		return Result{}, fmt.Errorf("%w for %T", ErrDuplicateHandlerFound, cmd)
	}

	return p.wrap(handlers[0].handle)(ctx, cmd)
}

// Publish dispatches an event to all registered handlers. Handler failures
// are isolated: one handler's error does not prevent the others from
// running, but all errors are aggregated and returned. The result is the
// strongest routing outcome any handler reported.
func (p *CommandProcessor) Publish(ctx context.Context, event Request) (Result, error) {
	_, handlers := p.registry.resolve(event)

	res := Complete()
	var errs []error
	for _, h := range handlers {
		hres, err := p.wrap(h.handle)(ctx, event)
		if err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", h.name, err))
			continue
		}
		res = strongest(res, hres)
	}

	return res, errors.Join(errs...)
}

// Dispatch routes a request by its registered kind: commands through Send,
// events through Publish. The consumer performer uses it as its single
// entry point.
func (p *CommandProcessor) Dispatch(ctx context.Context, req Request) (Result, error) {
	kind, _ := p.registry.resolve(req)
	if kind == KindEvent {
		return p.Publish(ctx, req)
	}
	return p.Send(ctx, req)
}

// SendAsync dispatches a command on a new goroutine through the same
// pipeline as Send, with identical behavior ordering. The returned channel
// receives the final error (or nil) exactly once.
func (p *CommandProcessor) SendAsync(ctx context.Context, cmd Request) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Send(ctx, cmd)
		errCh <- err
	}()
	return errCh
}

// PublishAsync dispatches an event on a new goroutine through the same
// pipeline as Publish, preserving its error-aggregation rules.
func (p *CommandProcessor) PublishAsync(ctx context.Context, event Request) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Publish(ctx, event)
		errCh <- err
	}()
	return errCh
}

// Post writes the message to the outbox inside a transaction the processor
// manages itself: begin, insert, commit, with rollback on any non-commit
// exit. Use DepositPost to join an existing business transaction.
func (p *CommandProcessor) Post(ctx context.Context, msg *Message) error {
	if p.outbox == nil {
		return errors.New("no outbox store configured")
	}

	if p.dbCtx == nil {
		// Non-transactional store (e.g. in-memory): plain add.
		return p.outbox.Add(ctx, nil, NewOutboxEntry(msg))
	}

	tx, err := p.dbCtx.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var committed bool
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := p.outbox.Add(ctx, tx, NewOutboxEntry(msg)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}

// DepositPost writes the messages to the outbox as part of the caller's
// transaction, so they commit atomically with the caller's business data.
// A failed write returns *OutboxWriteError and the caller must roll back.
func (p *CommandProcessor) DepositPost(ctx context.Context, tx TxQueryer, msgs ...*Message) error {
	if p.outbox == nil {
		return errors.New("no outbox store configured")
	}

	for _, msg := range msgs {
		if err := p.outbox.Add(ctx, tx, NewOutboxEntry(msg)); err != nil {
			return err
		}
	}
	return nil
}
