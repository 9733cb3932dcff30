package brighter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InboxWriteError indicates a storage fault while recording a processed
// request. Duplicates are not errors; they are expected under at-least-once
// delivery and resolved by the caller checking Exists first.
type InboxWriteError struct {
	RequestID  uuid.UUID
	ContextKey string
	Err        error
}

func (e *InboxWriteError) Error() string {
	return fmt.Sprintf("writing inbox entry %s/%s: %v", e.RequestID, e.ContextKey, e.Err)
}
func (e *InboxWriteError) Unwrap() error { return e.Err }

// InboxStore is the durable record of previously processed request
// identities, used for idempotent consumption.
//
// The check-then-dispatch-then-record sequence is best-effort idempotency,
// not a transactional guarantee: under overlapping redelivery of the same
// message, at most one extra execution may slip through. Handlers must
// still be idempotent for exactness.
type InboxStore interface {
	// Exists reports whether the request was already processed under the
	// given context key. Read only, no side effect.
	Exists(ctx context.Context, requestID uuid.UUID, contextKey string) (bool, error)

	// Add records a processed request. Recording an identity that is
	// already present is a no-op. Fails with *InboxWriteError only on a
	// storage fault.
	Add(ctx context.Context, requestID uuid.UUID, contextKey string) error
}

// SQLInboxStore stores processed request identities in a relational table
// keyed by (request_id, context_key) with a processed_at column.
type SQLInboxStore struct {
	dbCtx *DBContext
}

// NewSQLInboxStore creates an inbox store over the given database context.
func NewSQLInboxStore(dbCtx *DBContext) *SQLInboxStore {
	return &SQLInboxStore{dbCtx: dbCtx}
}

// Exists checks for a previously recorded identity.
func (s *SQLInboxStore) Exists(ctx context.Context, requestID uuid.UUID, contextKey string) (bool, error) {
	c := s.dbCtx
	// nolint:gosec
	query := c.limitClause(fmt.Sprintf(
		"SELECT processed_at FROM %s WHERE request_id = %s AND context_key = %s",
		c.inboxTable, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2)), 3)

	rows, err := c.db.QueryContext(ctx, query, c.formatUUIDForDB(requestID), contextKey, 1)
	if err != nil {
		return false, fmt.Errorf("querying inbox entry: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterating inbox entries: %w", err)
	}
	return found, nil
}

// Add inserts the identity. A unique-key violation from a concurrent or
// repeated insert is swallowed by re-checking existence; any other failure
// is an *InboxWriteError.
func (s *SQLInboxStore) Add(ctx context.Context, requestID uuid.UUID, contextKey string) error {
	c := s.dbCtx
	// nolint:gosec
	query := fmt.Sprintf("INSERT INTO %s (request_id, context_key, processed_at) VALUES (%s, %s, %s)",
		c.inboxTable, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3))

	_, err := c.db.ExecContext(ctx, query,
		c.formatUUIDForDB(requestID), contextKey, time.Now().UTC())
	if err == nil {
		return nil
	}

	// Driver-agnostic duplicate detection: if the row is there, the insert
	// lost a race with another consumer and the outcome is the same.
	exists, existsErr := s.Exists(ctx, requestID, contextKey)
	if existsErr == nil && exists {
		return nil
	}

	return &InboxWriteError{RequestID: requestID, ContextKey: contextKey, Err: err}
}
