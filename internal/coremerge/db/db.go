// Package db provides the pooled connection, transaction, and retry
// plumbing shared by the dimension and fact loaders. It follows
// internal/storage/dolt/store.go's convention of a package-level OTel
// tracer/meter and a withRetry wrapper around the batch transaction's Exec
// and Query calls (QueryRow, BEGIN/COMMIT/ROLLBACK and queries made
// directly on the pool run once, without retry), and
// internal/storage/sqlite/queries.go's convention of acquiring a dedicated
// *sql.Conn for the lifetime of one transaction so manual BEGIN/COMMIT/
// ROLLBACK statements land on the same connection.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/steveyegge/coremerge/db")

var merger struct {
	retryCount   metric.Int64Counter
	batchMs      metric.Float64Histogram
	rowsPerBatch metric.Int64Histogram
}

func init() {
	m := otel.Meter("github.com/steveyegge/coremerge/db")
	merger.retryCount, _ = m.Int64Counter("coremerge.db.retry_count",
		metric.WithDescription("database operations retried after a transient error"),
		metric.WithUnit("{retry}"),
	)
	merger.batchMs, _ = m.Float64Histogram("coremerge.db.batch_duration_ms",
		metric.WithDescription("wall time spent on one loader batch"),
		metric.WithUnit("ms"),
	)
	merger.rowsPerBatch, _ = m.Int64Histogram("coremerge.db.rows_per_batch",
		metric.WithDescription("rows processed per loader batch"),
		metric.WithUnit("{row}"),
	)
}

// Pool wraps a *sql.DB with the retry policy from errorHandling.maxRetries
// / retryDelayMs (spec §6.3).
type Pool struct {
	DB          *sql.DB
	MaxRetries  int
	RetryDelay  time.Duration
}

// NewPool wraps an already-opened *sql.DB (the caller picks the driver —
// go-sql-driver/mysql or dolthub/driver, both database/sql implementations).
func NewPool(sqlDB *sql.DB, maxRetries int, retryDelay time.Duration) *Pool {
	return &Pool{DB: sqlDB, MaxRetries: maxRetries, RetryDelay: retryDelay}
}

// HealthCheck performs a trivial round-trip query, per spec §6.4.
func (p *Pool) HealthCheck(ctx context.Context) bool {
	ctx, span := tracer.Start(ctx, "coremerge.db.health_check", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	var one int
	err := p.DB.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}
	return one == 1
}

// Tx is one batch's transaction: a dedicated connection plus an explicit
// BEGIN, so manual statements and the eventual COMMIT/ROLLBACK all land on
// the same underlying connection (mirrors queries.go's CreateIssue).
type Tx struct {
	conn      *sql.Conn
	committed bool
}

// BeginBatch acquires a dedicated connection and starts a transaction for
// one loader batch. The caller must call Commit or Rollback; Close always
// releases the connection.
func BeginBatch(ctx context.Context, pool *Pool) (*Tx, error) {
	conn, err := pool.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{conn: conn}, nil
}

// Commit commits the batch transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if _, err := t.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.committed = true
	return nil
}

// Rollback rolls back the batch transaction. Safe to call after a
// successful Commit (no-op).
func (t *Tx) Rollback() {
	if t.committed {
		return
	}
	// Use a background context so rollback still happens if ctx was
	// already canceled — matches queries.go's defer cleanup convention.
	_, _ = t.conn.ExecContext(context.Background(), "ROLLBACK")
	t.committed = true
}

// Close releases the dedicated connection. Call in all exit paths.
func (t *Tx) Close() {
	_ = t.conn.Close()
}

// Exec runs a statement on the batch's connection with retry-on-transient-error.
func (t *Tx) Exec(ctx context.Context, pool *Pool, query string, args ...any) (sql.Result, error) {
	ctx, span := tracer.Start(ctx, "coremerge.db.exec", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.statement", truncate(query))))
	defer span.End()

	var result sql.Result
	err := withRetry(ctx, pool, func() error {
		var execErr error
		result, execErr = t.conn.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// Query runs a query on the batch's connection with retry-on-transient-error.
func (t *Tx) Query(ctx context.Context, pool *Pool, query string, args ...any) (*sql.Rows, error) {
	ctx, span := tracer.Start(ctx, "coremerge.db.query", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.statement", truncate(query))))
	defer span.End()

	var rows *sql.Rows
	err := withRetry(ctx, pool, func() error {
		var queryErr error
		rows, queryErr = t.conn.QueryContext(ctx, query, args...)
		return queryErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rows, err
}

// QueryRow runs a point query on the batch's connection (no retry — callers
// expect a single round trip for point lookups, as in C5's resolve()).
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// withRetry retries a transient, non-permanent database error with
// exponential backoff, following internal/storage/dolt/store.go's
// withRetry/isRetryableError pair.
func withRetry(ctx context.Context, pool *Pool, op func() error) error {
	if pool.MaxRetries <= 0 {
		return op()
	}

	attempts := 0
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pool.RetryDelay
	boWithLimit := backoff.WithMaxRetries(bo, uint64(pool.MaxRetries))

	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(boWithLimit, ctx))

	if attempts > 1 {
		merger.retryCount.Add(ctx, int64(attempts-1))
	}
	return err
}

// isRetryableError reports whether err is a transient connection error
// worth retrying, the same class internal/storage/dolt/store.go retries.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "driver: bad connection") ||
		strings.Contains(s, "invalid connection") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "deadlock")
}

// RecordBatch emits the batch-level OTel metrics (rows/sec via duration +
// row count; spec §4.4 point 6 "derived metrics").
func RecordBatch(ctx context.Context, rows int, elapsed time.Duration) {
	merger.batchMs.Record(ctx, float64(elapsed.Milliseconds()))
	merger.rowsPerBatch.Record(ctx, int64(rows))
}

func truncate(q string) string {
	const max = 300
	if len(q) > max {
		return q[:max] + "…"
	}
	return q
}
