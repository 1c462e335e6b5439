package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/doug-martin/goqu/v9"
	"github.com/knowton/cdcsync/cfg"
	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/publisher"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

func init() {
	publisher.RegisterSink(publisher.FactoryColumnar, func(c *cfg.Configuration) (publisher.Sink, error) {
		db, err := sql.Open("clickhouse", c.Columnar.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open columnar store: %w", err)
		}
		return NewColumnarSink(db, c.Columnar.TablePrefix), nil
	})
}

// ClickHouse server error codes that retrying cannot fix
var permanentClickHouseCodes = map[int32]bool{
	16: true, // NO_SUCH_COLUMN_IN_TABLE
	27: true, // CANNOT_PARSE_INPUT_ASSERTION_FAILED
	53: true, // TYPE_MISMATCH
	60: true, // UNKNOWN_TABLE
}

const columnarSchema = `CREATE TABLE IF NOT EXISTS %s (
	primary_key String,
	seq UInt64,
	operation LowCardinality(String),
	is_deleted UInt8,
	payload String,
	source_ts DateTime64(3),
	ingested_at DateTime64(3)
) ENGINE = ReplacingMergeTree(seq)
ORDER BY primary_key`

// ColumnarSink appends versioned rows to the analytical store. Every change is
// a new row; the latest version of a key is the one with the highest seq.
type ColumnarSink struct {
	db      *sql.DB
	builder *goqu.Database
	prefix  string
	created *xsync.MapOf[string, struct{}]
}

// NewColumnarSink creates a columnar sink over an open database handle
func NewColumnarSink(db *sql.DB, tablePrefix string) *ColumnarSink {
	return &ColumnarSink{
		db:      db,
		builder: goqu.New("default", db),
		prefix:  tablePrefix,
		created: xsync.NewMapOf[string, struct{}](),
	}
}

// ID implements publisher.Sink
func (c *ColumnarSink) ID() publisher.SinkID { return publisher.SinkColumnar }

// TableName maps a logical table to its columnar table
func (c *ColumnarSink) TableName(table change.Table) string {
	return c.prefix + strings.ToLower(string(table))
}

// Apply inserts the event as a new row version
func (c *ColumnarSink) Apply(ctx context.Context, event change.Event) error {
	name := c.TableName(event.Table)
	if err := c.ensureTable(ctx, name); err != nil {
		return classifyClickHouse(err)
	}

	payload := []byte("{}")
	if !event.IsDelete() && event.Payload != nil {
		var err error
		payload, err = json.Marshal(event.Payload)
		if err != nil {
			return publisher.Permanent(fmt.Errorf("failed to encode payload: %w", err))
		}
	}

	deleted := 0
	if event.IsDelete() {
		deleted = 1
	}

	_, err := c.builder.Insert(goqu.T(name)).
		Rows(goqu.Record{
			"primary_key": event.PrimaryKey,
			"seq":         event.Sequence,
			"operation":   event.Operation.String(),
			"is_deleted":  deleted,
			"payload":     string(payload),
			"source_ts":   event.SourceTimestamp.UTC(),
			"ingested_at": time.Now().UTC(),
		}).
		Prepared(true).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return classifyClickHouse(fmt.Errorf("failed to insert into %s: %w", name, err))
	}
	return nil
}

func (c *ColumnarSink) ensureTable(ctx context.Context, name string) error {
	if _, ok := c.created.Load(name); ok {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(columnarSchema, name)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}
	c.created.Store(name, struct{}{})
	log.Debug().Str("table", name).Msg("Ensured columnar table")
	return nil
}

// Count returns the number of keys whose latest version is live. A non-zero
// since restricts the count to keys last changed at or after it.
func (c *ColumnarSink) Count(ctx context.Context, table change.Table, since time.Time) (int64, error) {
	latest := c.builder.From(goqu.T(c.TableName(table))).
		Select(
			goqu.C("primary_key"),
			goqu.L("argMax(is_deleted, seq)").As("deleted"),
			goqu.L("argMax(source_ts, seq)").As("last_ts"),
		).
		GroupBy(goqu.C("primary_key"))

	query := c.builder.From(latest.As("latest")).
		Select(goqu.L("count()")).
		Where(goqu.C("deleted").Eq(0))
	if !since.IsZero() {
		query = query.Where(goqu.C("last_ts").Gte(since.UTC()))
	}

	statement, args, err := query.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int64
	if err := c.db.QueryRowContext(ctx, statement, args...).Scan(&count); err != nil {
		var ex *clickhouse.Exception
		if errors.As(err, &ex) && ex.Code == 60 {
			// Nothing delivered yet
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// Ping checks the connection
func (c *ColumnarSink) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database handle
func (c *ColumnarSink) Close() error {
	return c.db.Close()
}

func classifyClickHouse(err error) error {
	var ex *clickhouse.Exception
	if errors.As(err, &ex) && permanentClickHouseCodes[ex.Code] {
		return publisher.Permanent(err)
	}
	return err
}
