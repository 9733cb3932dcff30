package brighter

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

type createOrder struct {
	id  uuid.UUID
	Qty int
}

func (c createOrder) RequestID() uuid.UUID { return c.id }

type orderPlaced struct {
	id uuid.UUID
}

func (e orderPlaced) RequestID() uuid.UUID { return e.id }

func TestSendDispatchesToSingleHandler(t *testing.T) {
	registry := NewRegistry()

	var got createOrder
	RegisterCommandHandler(registry, "create-order", func(_ context.Context, cmd createOrder) (Result, error) {
		got = cmd
		return Complete(), nil
	})

	p := NewCommandProcessor(registry)
	cmd := createOrder{id: uuid.New(), Qty: 42}

	res, err := p.Send(context.Background(), cmd)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Action != ActionComplete {
		t.Fatalf("expected complete, got %v", res.Action)
	}
	if got.Qty != 42 {
		t.Fatalf("expected handler to receive the command, got %+v", got)
	}
}

func TestSendFailsWithoutHandler(t *testing.T) {
	p := NewCommandProcessor(NewRegistry())

	_, err := p.Send(context.Background(), createOrder{id: uuid.New()})
	if !errors.Is(err, ErrNoHandlerFound) {
		t.Fatalf("expected ErrNoHandlerFound, got: %v", err)
	}
}

func TestSendFailsWithDuplicateHandlers(t *testing.T) {
	registry := NewRegistry()
	RegisterCommandHandler(registry, "first", func(_ context.Context, _ createOrder) (Result, error) {
		return Complete(), nil
	})
	RegisterCommandHandler(registry, "second", func(_ context.Context, _ createOrder) (Result, error) {
		return Complete(), nil
	})

	p := NewCommandProcessor(registry)

	_, err := p.Send(context.Background(), createOrder{id: uuid.New()})
	if !errors.Is(err, ErrDuplicateHandlerFound) {
		t.Fatalf("expected ErrDuplicateHandlerFound, got: %v", err)
	}
}

func TestPublishDispatchesToAllHandlers(t *testing.T) {
	registry := NewRegistry()

	var first, second bool
	RegisterEventHandler(registry, "audit", func(_ context.Context, _ orderPlaced) (Result, error) {
		first = true
		return Complete(), nil
	})
	RegisterEventHandler(registry, "notify", func(_ context.Context, _ orderPlaced) (Result, error) {
		second = true
		return Complete(), nil
	})

	p := NewCommandProcessor(registry)

	res, err := p.Publish(context.Background(), orderPlaced{id: uuid.New()})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Action != ActionComplete {
		t.Fatalf("expected complete, got %v", res.Action)
	}
	if !first || !second {
		t.Fatalf("expected both handlers to run, got first=%v second=%v", first, second)
	}
}

func TestPublishWithNoHandlersSucceeds(t *testing.T) {
	p := NewCommandProcessor(NewRegistry())

	res, err := p.Publish(context.Background(), orderPlaced{id: uuid.New()})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Action != ActionComplete {
		t.Fatalf("expected complete, got %v", res.Action)
	}
}

func TestPublishIsolatesHandlerFailures(t *testing.T) {
	registry := NewRegistry()
	failure := errors.New("notify failed")

	var auditRan bool
	RegisterEventHandler(registry, "notify", func(_ context.Context, _ orderPlaced) (Result, error) {
		return Result{}, failure
	})
	RegisterEventHandler(registry, "audit", func(_ context.Context, _ orderPlaced) (Result, error) {
		auditRan = true
		return Complete(), nil
	})

	p := NewCommandProcessor(registry)

	_, err := p.Publish(context.Background(), orderPlaced{id: uuid.New()})
	if !errors.Is(err, failure) {
		t.Fatalf("expected aggregated error to wrap %v, got: %v", failure, err)
	}
	if !auditRan {
		t.Fatal("expected the second handler to run despite the first failing")
	}
}

func TestPublishReturnsStrongestResult(t *testing.T) {
	registry := NewRegistry()
	RegisterEventHandler(registry, "first", func(_ context.Context, _ orderPlaced) (Result, error) {
		return Complete(), nil
	})
	RegisterEventHandler(registry, "second", func(_ context.Context, _ orderPlaced) (Result, error) {
		return DeadLetter("malformed order"), nil
	})
	RegisterEventHandler(registry, "third", func(_ context.Context, _ orderPlaced) (Result, error) {
		return RequeueAfter(0), nil
	})

	p := NewCommandProcessor(registry)

	res, err := p.Publish(context.Background(), orderPlaced{id: uuid.New()})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Action != ActionDeadLetter {
		t.Fatalf("expected the strongest outcome dead_letter, got %v", res.Action)
	}
	if res.Reason != "malformed order" {
		t.Fatalf("expected the dead-letter reason to survive aggregation, got %q", res.Reason)
	}
}

func TestDispatchRoutesByKind(t *testing.T) {
	registry := NewRegistry()

	var eventCalls int
	RegisterEventHandler(registry, "audit", func(_ context.Context, _ orderPlaced) (Result, error) {
		eventCalls++
		return Complete(), nil
	})
	RegisterEventHandler(registry, "notify", func(_ context.Context, _ orderPlaced) (Result, error) {
		eventCalls++
		return Complete(), nil
	})
	RegisterCommandHandler(registry, "create-order", func(_ context.Context, _ createOrder) (Result, error) {
		return Complete(), nil
	})

	p := NewCommandProcessor(registry)

	// Two handlers for the event type would make Send fail; Dispatch must
	// route it through Publish.
	if _, err := p.Dispatch(context.Background(), orderPlaced{id: uuid.New()}); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if eventCalls != 2 {
		t.Fatalf("expected both event handlers to run, got %d", eventCalls)
	}

	if _, err := p.Dispatch(context.Background(), createOrder{id: uuid.New()}); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestBehaviorsComposeInOrder(t *testing.T) {
	registry := NewRegistry()
	RegisterCommandHandler(registry, "create-order", func(_ context.Context, _ createOrder) (Result, error) {
		return Complete(), nil
	})

	var order []string
	tag := func(name string) Behavior {
		return func(next HandlerStep) HandlerStep {
			return func(ctx context.Context, req Request) (Result, error) {
				order = append(order, name+":before")
				res, err := next(ctx, req)
				order = append(order, name+":after")
				return res, err
			}
		}
	}

	p := NewCommandProcessor(registry, WithBehaviors(tag("outer"), tag("inner")))

	if _, err := p.Send(context.Background(), createOrder{id: uuid.New()}); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	expected := []string{"outer:before", "inner:before", "inner:after", "outer:after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, order)
		}
	}
}

func TestBreakerBehaviorRejectsWhileOpen(t *testing.T) {
	registry := NewRegistry()

	var handlerCalls int
	RegisterCommandHandler(registry, "create-order", func(_ context.Context, _ createOrder) (Result, error) {
		handlerCalls++
		return Result{}, errors.New("downstream failure")
	})

	breaker := NewCircuitBreaker(WithFailureThreshold(2))
	p := NewCommandProcessor(registry, WithBehaviors(BreakerBehavior(breaker)))

	cmd := createOrder{id: uuid.New()}
	_, _ = p.Send(context.Background(), cmd)
	_, _ = p.Send(context.Background(), cmd)

	_, err := p.Send(context.Background(), cmd)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if handlerCalls != 2 {
		t.Fatalf("expected the handler not to run while open, got %d calls", handlerCalls)
	}
}

func TestSendAsyncDeliversResult(t *testing.T) {
	registry := NewRegistry()
	RegisterCommandHandler(registry, "create-order", func(_ context.Context, _ createOrder) (Result, error) {
		return Complete(), nil
	})

	p := NewCommandProcessor(registry)

	if err := <-p.SendAsync(context.Background(), createOrder{id: uuid.New()}); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if err := <-p.SendAsync(context.Background(), orderPlaced{id: uuid.New()}); !errors.Is(err, ErrNoHandlerFound) {
		t.Fatalf("expected ErrNoHandlerFound, got: %v", err)
	}
}

func TestPostCommitsOwnTransaction(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}
	dbCtx := NewDBContextWithDB(db, SQLDialectPostgres)

	p := NewCommandProcessor(NewRegistry(), WithOutbox(NewSQLOutboxStore(dbCtx), dbCtx))

	err := p.Post(context.Background(), NewMessage("orders", []byte("payload")))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !tx.execCalled {
		t.Fatal("expected the outbox insert to run on the transaction")
	}
	if !tx.committed {
		t.Fatal("expected the transaction to be committed")
	}
	if tx.rolledBack {
		t.Fatal("expected the transaction not to be rolled back")
	}
}

func TestPostRollsBackOnWriteError(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("constraint violation")}
	db := &fakeDB{tx: tx}
	dbCtx := NewDBContextWithDB(db, SQLDialectPostgres)

	p := NewCommandProcessor(NewRegistry(), WithOutbox(NewSQLOutboxStore(dbCtx), dbCtx))

	err := p.Post(context.Background(), NewMessage("orders", []byte("payload")))

	var writeErr *OutboxWriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("expected *OutboxWriteError, got: %v", err)
	}
	if tx.committed {
		t.Fatal("expected the transaction not to be committed")
	}
	if !tx.rolledBack {
		t.Fatal("expected the transaction to be rolled back")
	}
}

func TestPostFailsOnTxBegin(t *testing.T) {
	db := &fakeDB{beginTxErr: errors.New("no connection")}
	dbCtx := NewDBContextWithDB(db, SQLDialectPostgres)

	p := NewCommandProcessor(NewRegistry(), WithOutbox(NewSQLOutboxStore(dbCtx), dbCtx))

	err := p.Post(context.Background(), NewMessage("orders", []byte("payload")))
	if !errors.Is(err, db.beginTxErr) {
		t.Fatalf("expected error to wrap %v, got: %v", db.beginTxErr, err)
	}
}

func TestPostWithoutOutboxFails(t *testing.T) {
	p := NewCommandProcessor(NewRegistry())

	if err := p.Post(context.Background(), NewMessage("orders", []byte("payload"))); err == nil {
		t.Fatal("expected an error without an outbox store")
	}
}

func TestPostWithNonTransactionalStore(t *testing.T) {
	store := NewInMemoryOutboxStore()
	p := NewCommandProcessor(NewRegistry(), WithOutbox(store, nil))

	msg := NewMessage("orders", []byte("payload"))
	if err := p.Post(context.Background(), msg); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	entry, ok := store.Entry(msg.ID)
	if !ok {
		t.Fatal("expected the message to be in the outbox")
	}
	if entry.Status != OutboxPending {
		t.Fatalf("expected pending status, got %v", entry.Status)
	}
}

func TestDepositPostJoinsCallerTransaction(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}
	dbCtx := NewDBContextWithDB(db, SQLDialectPostgres)

	p := NewCommandProcessor(NewRegistry(), WithOutbox(NewSQLOutboxStore(dbCtx), dbCtx))

	msgs := []*Message{
		NewMessage("orders", []byte("first")),
		NewMessage("orders", []byte("second")),
	}
	if err := p.DepositPost(context.Background(), tx, msgs...); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if tx.execCalls != 2 {
		t.Fatalf("expected 2 inserts on the caller's transaction, got %d", tx.execCalls)
	}
	if tx.committed || tx.rolledBack {
		t.Fatal("expected the caller's transaction to be left alone")
	}
}
