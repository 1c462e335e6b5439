// Package source reads row changes from the primary store's trigger-fed change
// log and counts authoritative rows for consistency checks.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/knowton/cdcsync/cfg"
	"github.com/knowton/cdcsync/change"
)

var dialect = goqu.Dialect("postgres")

// SourceUnavailableError means the change source could not be read. Readers
// keep their cursor and retry; nothing past the cursor is skipped.
type SourceUnavailableError struct {
	Op  string
	Err error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("change source unavailable (%s): %v", e.Op, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// Mark is the sequence and commit time of one change-log row, whatever its
// table
type Mark struct {
	Sequence    uint64
	CommittedAt time.Time
}

// ChangeLog returns change-log rows in sequence order
type ChangeLog interface {
	// Marks returns up to limit marks with seq > after across every table
	Marks(ctx context.Context, after uint64, limit int) ([]Mark, error)
	// Fetch returns up to limit rows of one table with after < seq <= upTo
	Fetch(ctx context.Context, table string, after, upTo uint64, limit int) ([]change.RawNotification, error)
	Ping(ctx context.Context) error
}

// OpenPrimary opens a pooled connection to the primary store
func OpenPrimary(ctx context.Context, c cfg.SourceConfiguration) (*sql.DB, error) {
	db, err := sql.Open("pgx", c.DSN)
	if err != nil {
		return nil, fmt.Errorf("open primary store: %w", err)
	}

	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
		db.SetMaxIdleConns(c.MaxOpenConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Millis(c.QueryTimeoutMS))
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping primary store: %w", err)
	}
	return db, nil
}

// PostgresChangeLog reads the trigger-populated change table
type PostgresChangeLog struct {
	db           *sql.DB
	table        string
	queryTimeout time.Duration
}

// NewPostgresChangeLog creates a change log reader over table
func NewPostgresChangeLog(db *sql.DB, table string, queryTimeout time.Duration) *PostgresChangeLog {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &PostgresChangeLog{db: db, table: table, queryTimeout: queryTimeout}
}

// Marks returns up to limit (seq, committed_at) pairs with seq > after, in
// seq order
func (p *PostgresChangeLog) Marks(ctx context.Context, after uint64, limit int) ([]Mark, error) {
	query, args, err := dialect.From(tableIdent(p.table)).
		Select("seq", "committed_at").
		Where(goqu.C("seq").Gt(int64(after))).
		Order(goqu.C("seq").Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build mark query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &SourceUnavailableError{Op: "query", Err: err}
	}
	defer rows.Close()

	var out []Mark
	for rows.Next() {
		var (
			seq       int64
			committed sql.NullTime
		)
		if err := rows.Scan(&seq, &committed); err != nil {
			return nil, &SourceUnavailableError{Op: "scan", Err: err}
		}
		m := Mark{Sequence: uint64(max(seq, 0))}
		if committed.Valid {
			m.CommittedAt = committed.Time
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &SourceUnavailableError{Op: "read", Err: err}
	}
	return out, nil
}

// Fetch returns up to limit rows of table with after < seq <= upTo, in seq
// order. The table name matches case-insensitively.
func (p *PostgresChangeLog) Fetch(ctx context.Context, table string, after, upTo uint64, limit int) ([]change.RawNotification, error) {
	query, args, err := dialect.From(tableIdent(p.table)).
		Select("seq", "table_name", "operation", "primary_key", "payload", "committed_at").
		Where(
			goqu.Func("LOWER", goqu.Func("TRIM", goqu.C("table_name"))).Eq(strings.ToLower(table)),
			goqu.C("seq").Gt(int64(after)),
			goqu.C("seq").Lte(int64(upTo)),
		).
		Order(goqu.C("seq").Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build change query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &SourceUnavailableError{Op: "query", Err: err}
	}
	defer rows.Close()

	var out []change.RawNotification
	for rows.Next() {
		var (
			raw       change.RawNotification
			payload   []byte
			committed sql.NullTime
		)
		if err := rows.Scan(&raw.Sequence, &raw.Table, &raw.Operation, &raw.PrimaryKey, &payload, &committed); err != nil {
			return nil, &SourceUnavailableError{Op: "scan", Err: err}
		}
		raw.Payload = payload
		if committed.Valid {
			raw.CommittedAt = committed.Time
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, &SourceUnavailableError{Op: "read", Err: err}
	}
	return out, nil
}

// Ping checks the primary store
func (p *PostgresChangeLog) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return &SourceUnavailableError{Op: "ping", Err: err}
	}
	return nil
}

// tableIdent splits an optional schema prefix
func tableIdent(name string) exp.IdentifierExpression {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return goqu.S(schema).Table(table)
	}
	return goqu.T(name)
}
