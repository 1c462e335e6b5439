package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/knowton/cdcsync/cfg"
	"github.com/knowton/cdcsync/change"
)

// PrimaryCounter counts authoritative rows in the primary store
type PrimaryCounter struct {
	db     *sql.DB
	tables map[change.Table]cfg.TableConfiguration
}

// NewPrimaryCounter creates a counter for the configured tables
func NewPrimaryCounter(db *sql.DB, tables []cfg.TableConfiguration) *PrimaryCounter {
	lookup := make(map[change.Table]cfg.TableConfiguration, len(tables))
	for _, t := range tables {
		lookup[change.Table(t.Name)] = t
	}
	return &PrimaryCounter{db: db, tables: lookup}
}

// Count returns the number of rows in the table. A non-zero since restricts
// the count to rows updated at or after it; tables without an updated-at
// column are always counted in full.
func (p *PrimaryCounter) Count(ctx context.Context, table change.Table, since time.Time) (int64, error) {
	t, ok := p.tables[table]
	if !ok {
		return 0, fmt.Errorf("table %s is not configured", table)
	}

	ds := dialect.From(tableIdent(t.SourceTable)).Select(goqu.COUNT(goqu.Star()))
	if !since.IsZero() && t.UpdatedAtColumn != "" {
		ds = ds.Where(goqu.C(t.UpdatedAtColumn).Gte(since.UTC()))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}

	var n int64
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, &SourceUnavailableError{Op: "count " + string(table), Err: err}
	}
	return n, nil
}
