package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgxpgconn "github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	queryLatency  metric.Float64Histogram
	acquiredConns metric.Int64UpDownCounter
)

// Database wraps a pgx pool so every repository call carries a span and a
// latency sample without per-call boilerplate.
type Database struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and verifies the connection with a ping.
func New(dsn string) (*Database, error) {
	var err error
	meter := otel.Meter("db-client")
	queryLatency, err = meter.Float64Histogram("db.query.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create db.query.latency instrument: %w", err)
	}
	acquiredConns, err = meter.Int64UpDownCounter("db.connections.acquired", metric.WithUnit("connections"))
	if err != nil {
		return nil, fmt.Errorf("failed to create db.connections.acquired instrument: %w", err)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	// Outcome transactions hold a connection across their whole commit, so
	// the acquired gauge is the early-warning signal for pool exhaustion.
	config.BeforeAcquire = func(ctx context.Context, _ *pgx.Conn) bool {
		acquiredConns.Add(ctx, 1)
		return true
	}
	config.AfterRelease = func(_ *pgx.Conn) bool {
		acquiredConns.Add(context.Background(), -1)
		return true
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ctx, span := otel.Tracer("db-client").Start(context.Background(), "db.ping")
	defer span.End()
	if err := pool.Ping(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to ping database")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	span.SetStatus(codes.Ok, "database connected")

	return &Database{pool: pool}, nil
}

func (db *Database) Close() error {
	db.pool.Close()
	return nil
}

func (db *Database) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// instrument opens a span for one pool operation; the returned done func
// records the latency sample and ends the span.
func instrument(ctx context.Context, op, query string) (context.Context, trace.Span, func()) {
	start := time.Now()
	ctx, span := otel.Tracer("db-client").Start(ctx, op)
	done := func() {
		queryLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("db.query", query)))
		span.End()
	}
	return ctx, span, done
}

// QueryRow runs a single-row query through the pool.
func (db *Database) QueryRow(ctx context.Context, query string, args ...interface{}) pgx.Row {
	ctx, _, done := instrument(ctx, "db.query.row", query)
	defer done()
	return db.pool.QueryRow(ctx, query, args...)
}

// Query runs a multi-row query through the pool.
func (db *Database) Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error) {
	ctx, span, done := instrument(ctx, "db.query", query)
	defer done()
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
	}
	return rows, err
}

// Exec runs a statement through the pool.
func (db *Database) Exec(ctx context.Context, query string, args ...interface{}) (pgxpgconn.CommandTag, error) {
	ctx, span, done := instrument(ctx, "db.exec", query)
	defer done()
	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exec failed")
	}
	return tag, err
}

// Begin opens a transaction; callers own commit and rollback.
func (db *Database) Begin(ctx context.Context) (pgx.Tx, error) {
	ctx, span, done := instrument(ctx, "db.tx.begin", "begin")
	defer done()
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
	}
	return tx, err
}
