package sink

import (
	"context"
	"fmt"
	"time"

	"bars/internal/metrics"
	"bars/internal/model"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const createBarsTable = `
	CREATE TABLE IF NOT EXISTS bars (
		id          uuid PRIMARY KEY,
		exchange    text NOT NULL,
		market_type text NOT NULL,
		pair        text NOT NULL,
		raw_pair    text NOT NULL,
		bar_type    text NOT NULL,
		bar_size    double precision NOT NULL,
		opened_at   timestamptz NOT NULL,
		closed_at   timestamptz NOT NULL,
		payload     jsonb NOT NULL
	);
	CREATE INDEX IF NOT EXISTS bars_stream_idx ON bars (pair, bar_type, bar_size, opened_at)`

var archiveColumns = []string{
	"id", "exchange", "market_type", "pair", "raw_pair",
	"bar_type", "bar_size", "opened_at", "closed_at", "payload",
}

// database is the part of pgxpool.Pool the archive needs.
type database interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Archive stores bars in the Postgres table "bars". Writes are queued and copied
// in batches; Close flushes what is left.
type Archive struct {
	db    database
	pool  *pgxpool.Pool
	batch *batchBuffer[model.BarRecord]
}

// NewArchive connects to dsn and creates the table if it does not exist.
func NewArchive(ctx context.Context, dsn string, cfg BatchConfig) (*Archive, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	a := newArchive(ctx, pool, cfg)
	a.pool = pool
	if err := a.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func newArchive(ctx context.Context, db database, cfg BatchConfig) *Archive {
	a := &Archive{db: db}
	logger := log.With().Str("component", "batch_writer").Str("sink", "postgres").Logger()
	a.batch = newBatchBuffer(context.WithoutCancel(ctx), cfg, a.insert, logger)
	a.batch.onError = func(error) {
		metrics.SinkErrors.WithLabelValues(a.Name()).Inc()
	}
	return a
}

// EnsureSchema creates the bars table.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, createBarsTable); err != nil {
		return fmt.Errorf("create bars table: %w", err)
	}
	return nil
}

// Name implements service.Sink.
func (a *Archive) Name() string { return "postgres" }

// Write implements service.Sink. Bars are queued; the returned error reports a
// failed flush triggered by this call.
func (a *Archive) Write(_ context.Context, bars []model.BarRecord) error {
	return a.batch.enqueue(bars...)
}

func (a *Archive) insert(ctx context.Context, bars []model.BarRecord) error {
	rows := make([][]any, 0, len(bars))
	for i := range bars {
		payload, err := json.Marshal(bars[i])
		if err != nil {
			return fmt.Errorf("marshal bar %s: %w", bars[i].Key(), err)
		}
		rows = append(rows, []any{
			uuid.New(),
			bars[i].Exchange,
			string(bars[i].MarketType),
			bars[i].Pair,
			bars[i].RawPair,
			string(bars[i].BarType),
			bars[i].BarSize,
			time.UnixMilli(bars[i].Timestamp).UTC(),
			time.UnixMilli(bars[i].TimestampEnd).UTC(),
			payload,
		})
	}
	n, err := a.db.CopyFrom(ctx, pgx.Identifier{"bars"}, archiveColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy %d bars: %w", len(rows), err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("copy bars: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

// Close flushes queued bars and closes the pool.
func (a *Archive) Close(ctx context.Context) error {
	err := a.batch.drain(ctx)
	if a.pool != nil {
		a.pool.Close()
	}
	return err
}
