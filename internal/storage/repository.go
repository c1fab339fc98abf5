package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"market-quality-pipeline/internal/fetcher"
	"market-quality-pipeline/internal/quality"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

// Expected relations (schema is managed outside this service):
//
//	raw_market_data(symbol, timestamp, price, volume, open, high, low, close, adjusted_close, source)
//	raw_portfolio_holdings(account_id, symbol, shares, avg_cost, ...)
//	raw_transactions(account_id, symbol, action, shares, price, transaction_date, ...)
//	data_quality_checks(id, table_name, check_name, check_result, total_records,
//	    accuracy_percentage, error_details, details jsonb, dag_run_id, task_id, check_timestamp)
const (
	insertCheckResultSQL = `INSERT INTO data_quality_checks (
        table_name,
        check_name,
        check_result,
        total_records,
        accuracy_percentage,
        error_details,
        details,
        dag_run_id,
        task_id
    ) VALUES (
        @table_name, @check_name, @check_result, @total_records, @accuracy_percentage,
        @error_details, @details, @dag_run_id, @task_id
    );`

	insertMarketDataSQL = `INSERT INTO raw_market_data (
        symbol,
        timestamp,
        price,
        volume,
        open,
        high,
        low,
        close,
        adjusted_close,
        source
    ) VALUES (
        @symbol, @timestamp, @price, @volume, @open, @high, @low, @close, @adjusted_close, @source
    );`

	listQualityHistorySQL = `SELECT
        id,
        table_name,
        check_name,
        check_result,
        total_records,
        accuracy_percentage::text,
        COALESCE(error_details, ''),
        COALESCE(details, '{}'::jsonb),
        COALESCE(dag_run_id, ''),
        COALESCE(task_id, ''),
        check_timestamp
    FROM data_quality_checks
    WHERE check_timestamp >= @since
    ORDER BY check_timestamp DESC
    LIMIT @limit;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the pgx-backed query and record store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Query runs a read query with @name placeholders bound from params and
// returns each row keyed by column name.
func (s *Store) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query, pgx.NamedArgs(params))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	result, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("collect rows: %w", err)
	}
	return result, nil
}

// SaveCheckResult appends one quality check result.
func (s *Store) SaveCheckResult(ctx context.Context, res quality.Result, run quality.RunInfo) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	details, err := json.Marshal(res.Fields())
	if err != nil {
		return fmt.Errorf("encode check details: %w", err)
	}

	args := pgx.NamedArgs{
		"table_name":          res.Check.Table(),
		"check_name":          string(res.Check),
		"check_result":        res.Passed,
		"total_records":       res.TotalRecords,
		"accuracy_percentage": decimal.NewFromFloat(res.Accuracy).Round(2).String(),
		"error_details":       res.ErrorMessage,
		"details":             details,
		"dag_run_id":          nullable(run.RunID),
		"task_id":             nullable(run.TaskID),
	}

	if _, err := pool.Exec(ctx, insertCheckResultSQL, args); err != nil {
		return fmt.Errorf("insert check result: %w", err)
	}
	return nil
}

// InsertMarketData appends data points in one batch and returns the number written.
func (s *Store) InsertMarketData(ctx context.Context, points []fetcher.DataPoint) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(insertMarketDataSQL, pgx.NamedArgs{
			"symbol":         p.Symbol,
			"timestamp":      p.Timestamp,
			"price":          p.Price,
			"volume":         p.Volume,
			"open":           p.Open,
			"high":           p.High,
			"low":            p.Low,
			"close":          p.ClosePrice(),
			"adjusted_close": p.Price,
			"source":         p.Source,
		})
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for range points {
		if _, err := results.Exec(); err != nil {
			return written, fmt.Errorf("insert market data: %w", err)
		}
		written++
	}
	return written, nil
}

// ListQualityHistory lists check results recorded since the given instant, newest first.
func (s *Store) ListQualityHistory(ctx context.Context, since time.Time, limit int) ([]CheckRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listQualityHistorySQL, pgx.NamedArgs{"since": since, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list quality history: %w", err)
	}

	records, err := pgx.CollectRows(rows, scanCheckRecord)
	if err != nil {
		return nil, fmt.Errorf("list quality history: %w", err)
	}
	return records, nil
}

func scanCheckRecord(row pgx.CollectableRow) (CheckRecord, error) {
	var (
		rec         CheckRecord
		accuracyStr string
		details     []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.TableName,
		&rec.CheckName,
		&rec.Passed,
		&rec.TotalRecords,
		&accuracyStr,
		&rec.ErrorDetails,
		&details,
		&rec.RunID,
		&rec.TaskID,
		&rec.CheckedAt,
	); err != nil {
		return CheckRecord{}, err
	}

	accuracy, err := decimal.NewFromString(accuracyStr)
	if err != nil {
		return CheckRecord{}, fmt.Errorf("parse accuracy percentage: %w", err)
	}
	rec.Accuracy = accuracy
	rec.Details = json.RawMessage(details)
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ quality.QueryStore  = (*Store)(nil)
	_ quality.RecordStore = (*Store)(nil)
	_ AdvisoryLocker      = (*Store)(nil)
)
