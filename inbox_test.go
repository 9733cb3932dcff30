package brighter

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestInMemoryInboxStore(t *testing.T) {
	store := NewInMemoryInboxStore()
	ctx := context.Background()
	id := uuid.New()

	exists, err := store.Exists(ctx, id, "order-service")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if exists {
		t.Fatal("expected identity to be absent")
	}

	if err := store.Add(ctx, id, "order-service"); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	exists, err = store.Exists(ctx, id, "order-service")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !exists {
		t.Fatal("expected identity to be present")
	}

	// Same id under another context key is a distinct identity.
	exists, err = store.Exists(ctx, id, "billing-service")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if exists {
		t.Fatal("expected identity to be scoped by context key")
	}
}

func TestInMemoryInboxStoreAddIsIdempotent(t *testing.T) {
	store := NewInMemoryInboxStore()
	ctx := context.Background()
	id := uuid.New()

	if err := store.Add(ctx, id, "order-service"); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := store.Add(ctx, id, "order-service"); err != nil {
		t.Fatalf("expected duplicate add to be a no-op, got: %v", err)
	}
}

func TestSQLInboxStoreAddError(t *testing.T) {
	// The insert fails and the follow-up existence check cannot resolve it
	// as a duplicate, so the failure surfaces as a write error.
	db := &fakeDB{execErr: errors.New("connection lost"), queryErr: errors.New("connection lost")}
	store := NewSQLInboxStore(NewDBContextWithDB(db, SQLDialectPostgres))

	id := uuid.New()
	err := store.Add(context.Background(), id, "order-service")

	var writeErr *InboxWriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("expected *InboxWriteError, got: %v", err)
	}
	if writeErr.RequestID != id {
		t.Errorf("expected error to carry request ID %v, got %v", id, writeErr.RequestID)
	}
	if writeErr.ContextKey != "order-service" {
		t.Errorf("expected error to carry the context key, got %q", writeErr.ContextKey)
	}
	if !errors.Is(err, db.execErr) {
		t.Errorf("expected error to wrap %v, got: %v", db.execErr, err)
	}
}
