package brighter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the publication state of an outbox entry.
type OutboxStatus int

const (
	// OutboxPending means the entry has been committed alongside its
	// business data but not yet published.
	OutboxPending OutboxStatus = iota
	// OutboxDispatched means the entry has been published to the broker.
	OutboxDispatched
)

func (s OutboxStatus) String() string {
	switch s {
	case OutboxPending:
		return "pending"
	case OutboxDispatched:
		return "dispatched"
	default:
		return "unknown"
	}
}

// OutboxEntry is the durable record of a message pending publication.
// An entry exists in the same transaction as the business state it is
// paired with, or not at all.
type OutboxEntry struct {
	Message      *Message
	Status       OutboxStatus
	CreatedAt    time.Time
	DispatchedAt time.Time
}

// NewOutboxEntry creates a pending entry for the given message.
func NewOutboxEntry(msg *Message) *OutboxEntry {
	return &OutboxEntry{
		Message:   msg,
		Status:    OutboxPending,
		CreatedAt: time.Now().UTC(),
	}
}

// OutboxWriteError indicates that persisting an outbox entry failed.
// It must abort the enclosing business transaction.
type OutboxWriteError struct {
	MessageID uuid.UUID
	Err       error
}

func (e *OutboxWriteError) Error() string {
	return fmt.Sprintf("writing outbox entry %s: %v", e.MessageID, e.Err)
}
func (e *OutboxWriteError) Unwrap() error { return e.Err }

// OutboxStore is the durable record of messages pending publication.
//
// Implementations must serialize concurrent writers using the storage
// engine's isolation guarantees; read-committed or stronger is assumed.
type OutboxStore interface {
	// Add persists the entry using the caller-supplied transaction so it
	// commits atomically with business data. Implementations that do not
	// support transactions may ignore tx. Fails with *OutboxWriteError.
	Add(ctx context.Context, tx TxQueryer, entry *OutboxEntry) error

	// GetUndispatched returns pending entries older than minAge, ordered
	// by creation time, at most batchSize of them. The age floor avoids
	// racing an in-flight transaction that has written its entry but not
	// yet committed.
	GetUndispatched(ctx context.Context, minAge time.Duration, batchSize int) ([]*OutboxEntry, error)

	// MarkDispatched records a confirmed publish. Marking an entry that
	// is already dispatched is a no-op, not an error: a sweeper may race
	// with itself across a restart.
	MarkDispatched(ctx context.Context, id uuid.UUID, dispatchedAt time.Time) error

	// DeleteDispatchedBefore removes dispatched entries older than the
	// given time. Maintenance only; the core never depends on deletion.
	DeleteDispatchedBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// SQLOutboxStore stores outbox entries in a relational table described by
// a DBContext. Row layout:
// {id, topic, correlation_id, content_type, body, status, created_at, dispatched_at}.
type SQLOutboxStore struct {
	dbCtx *DBContext
}

// NewSQLOutboxStore creates an outbox store over the given database context.
func NewSQLOutboxStore(dbCtx *DBContext) *SQLOutboxStore {
	return &SQLOutboxStore{dbCtx: dbCtx}
}

// Add persists the entry inside the caller's transaction.
// A nil tx writes outside any transaction; callers producing business data
// alongside the message should always pass their transaction.
func (s *SQLOutboxStore) Add(ctx context.Context, tx TxQueryer, entry *OutboxEntry) error {
	c := s.dbCtx
	// nolint:gosec
	query := fmt.Sprintf(
		"INSERT INTO %s (id, topic, correlation_id, content_type, body, status, created_at) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		c.outboxTable,
		c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3),
		c.getSQLPlaceholder(4), c.getSQLPlaceholder(5), c.getSQLPlaceholder(6),
		c.getSQLPlaceholder(7))

	var q Queryer = c.db
	if tx != nil {
		q = tx
	}

	msg := entry.Message
	_, err := q.ExecContext(ctx, query,
		c.formatUUIDForDB(msg.ID),
		msg.Header.Topic,
		c.formatUUIDForDB(msg.Header.CorrelationID),
		msg.Header.ContentType,
		msg.Body,
		int(OutboxPending),
		entry.CreatedAt)
	if err != nil {
		return &OutboxWriteError{MessageID: msg.ID, Err: err}
	}
	return nil
}

// GetUndispatched returns pending entries created before now-minAge,
// oldest first.
func (s *SQLOutboxStore) GetUndispatched(ctx context.Context, minAge time.Duration, batchSize int) ([]*OutboxEntry, error) {
	c := s.dbCtx
	cutoff := time.Now().UTC().Add(-minAge)

	// nolint:gosec
	query := c.limitClause(fmt.Sprintf(
		"SELECT id, topic, correlation_id, content_type, body, created_at FROM %s WHERE status = %s AND created_at <= %s ORDER BY created_at ASC",
		c.outboxTable, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2)), 3)

	rows, err := c.db.QueryContext(ctx, query, int(OutboxPending), cutoff, batchSize)
	if err != nil {
		return nil, fmt.Errorf("querying undispatched entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []*OutboxEntry
	for rows.Next() {
		msg := &Message{}
		entry := &OutboxEntry{Message: msg, Status: OutboxPending}
		if err := rows.Scan(&msg.ID, &msg.Header.Topic, &msg.Header.CorrelationID,
			&msg.Header.ContentType, &msg.Body, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning outbox entry: %w", err)
		}
		msg.Header.Timestamp = entry.CreatedAt
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox entries: %w", err)
	}
	return entries, nil
}

// MarkDispatched flips a pending entry to dispatched. Idempotent: a second
// call matches no pending row and affects nothing.
func (s *SQLOutboxStore) MarkDispatched(ctx context.Context, id uuid.UUID, dispatchedAt time.Time) error {
	c := s.dbCtx
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET status = %s, dispatched_at = %s WHERE id = %s AND status = %s",
		c.outboxTable,
		c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3), c.getSQLPlaceholder(4))

	_, err := c.db.ExecContext(ctx, query,
		int(OutboxDispatched), dispatchedAt, c.formatUUIDForDB(id), int(OutboxPending))
	if err != nil {
		return fmt.Errorf("marking entry %s dispatched: %w", id, err)
	}
	return nil
}

// DeleteDispatchedBefore removes dispatched entries older than the given time.
func (s *SQLOutboxStore) DeleteDispatchedBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	c := s.dbCtx
	// nolint:gosec
	query := fmt.Sprintf("DELETE FROM %s WHERE status = %s AND dispatched_at < %s",
		c.outboxTable, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2))

	res, err := c.db.ExecContext(ctx, query, int(OutboxDispatched), olderThan)
	if err != nil {
		return 0, fmt.Errorf("deleting dispatched entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil // driver cannot report affected rows
	}
	return n, nil
}
