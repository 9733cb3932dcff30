package brighter

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectMySQL     SQLDialect = "mysql"
	SQLDialectMariaDB   SQLDialect = "mariadb"
	SQLDialectSQLite    SQLDialect = "sqlite"
	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// DBContext holds the database connection, the SQL dialect and the table
// names used by the outbox and inbox stores.
type DBContext struct {
	db          DB
	dialect     SQLDialect
	outboxTable string
	inboxTable  string
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithOutboxTableName sets a custom table name for the outbox table.
// Default is "outbox". The name must be a valid SQL identifier matching
// [a-zA-Z_][a-zA-Z0-9_]*; an invalid name causes a panic at construction.
func WithOutboxTableName(name string) DBContextOption {
	return func(c *DBContext) {
		c.outboxTable = name
	}
}

// WithInboxTableName sets a custom table name for the inbox table.
// Default is "inbox". Same identifier rules as WithOutboxTableName.
func WithInboxTableName(name string) DBContextOption {
	return func(c *DBContext) {
		c.inboxTable = name
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// Useful for users with their own database abstraction and for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	c := &DBContext{
		db:          db,
		dialect:     dialect,
		outboxTable: "outbox",
		inboxTable:  "inbox",
	}

	for _, opt := range opts {
		opt(c)
	}

	for _, name := range []string{c.outboxTable, c.inboxTable} {
		if err := validateTableName(name); err != nil {
			panic(err)
		}
	}

	return c
}

// BeginTx starts a transaction on the underlying database. Callers use it
// to scope business writes together with DepositPost.
func (c *DBContext) BeginTx(ctx context.Context) (Tx, error) {
	return c.db.BeginTx(ctx, nil)
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

// formatUUIDForDB formats a UUID for storage based on the SQL dialect.
func (c *DBContext) formatUUIDForDB(id uuid.UUID) any {
	switch c.dialect {
	case SQLDialectMySQL, SQLDialectOracle, SQLDialectSQLServer:
		bytes, _ := id.MarshalBinary() // binary storage
		return bytes
	case SQLDialectPostgres, SQLDialectMariaDB:
		return id // native support
	default:
		return id.String()
	}
}

// getSQLPlaceholder returns the appropriate SQL placeholder for the given index.
func (c *DBContext) getSQLPlaceholder(index int) string {
	switch c.dialect {
	case SQLDialectPostgres:
		return fmt.Sprintf("$%d", index)

	case SQLDialectOracle:
		return fmt.Sprintf(":%d", index)

	case SQLDialectSQLServer:
		return fmt.Sprintf("@p%d", index)

	default:
		return "?"
	}
}

// limitClause wraps a select statement with the dialect's row-limit syntax.
func (c *DBContext) limitClause(query string, placeholderIndex int) string {
	p := c.getSQLPlaceholder(placeholderIndex)

	switch c.dialect {
	case SQLDialectOracle:
		return fmt.Sprintf("%s FETCH FIRST %s ROWS ONLY", query, p)
	case SQLDialectSQLServer:
		// TOP cannot be parameterized after the fact; OFFSET/FETCH keeps
		// the placeholder at the end like the other dialects.
		return fmt.Sprintf("%s OFFSET 0 ROWS FETCH NEXT %s ROWS ONLY", query, p)
	default:
		return fmt.Sprintf("%s LIMIT %s", query, p)
	}
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
