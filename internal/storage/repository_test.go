package storage

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-quality-pipeline/internal/fetcher"
	"market-quality-pipeline/internal/quality"
)

const testSchemaSQL = `
CREATE TABLE raw_market_data (
    id BIGSERIAL PRIMARY KEY,
    symbol TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    price NUMERIC(18,6) NOT NULL,
    volume BIGINT,
    open NUMERIC(18,6),
    high NUMERIC(18,6),
    low NUMERIC(18,6),
    close NUMERIC(18,6),
    adjusted_close NUMERIC(18,6),
    source TEXT
);
CREATE TABLE raw_portfolio_holdings (
    account_id TEXT,
    symbol TEXT NOT NULL,
    shares NUMERIC(18,6) NOT NULL,
    avg_cost NUMERIC(18,6) NOT NULL
);
CREATE TABLE raw_transactions (
    account_id TEXT,
    symbol TEXT NOT NULL,
    action TEXT NOT NULL,
    shares NUMERIC(18,6) NOT NULL,
    price NUMERIC(18,6) NOT NULL,
    transaction_date DATE NOT NULL
);
CREATE TABLE data_quality_checks (
    id SERIAL PRIMARY KEY,
    table_name TEXT,
    check_name VARCHAR(100) NOT NULL,
    check_result BOOLEAN,
    total_records INTEGER,
    accuracy_percentage DECIMAL(5,2),
    error_details TEXT,
    details JSONB,
    dag_run_id TEXT,
    task_id TEXT,
    check_timestamp TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
);`

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	_, err := s.Query(context.Background(), "SELECT 1", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	err = NewStore(nil).SaveCheckResult(context.Background(), quality.Result{Check: quality.CheckFreshness}, quality.RunInfo{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewStore(nil).InsertMarketData(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(""))
	assert.Equal(t, "run", nullable("run"))
}

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	schema := "mqpipe_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, testSchemaSQL)
	require.NoError(t, err)
	return NewStore(pool)
}

func TestStoreIntegration(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	closePrice := 101.0
	now := time.Now().UTC()
	written, err := store.InsertMarketData(ctx, []fetcher.DataPoint{
		{Symbol: "AAPL", Price: 100, Volume: 10, Timestamp: now, Source: "polygon"},
		{Symbol: "MSFT", Price: 200, Volume: 5, Timestamp: now.Add(-time.Hour), Source: "polygon", Close: &closePrice},
		{Symbol: "BAD", Price: 0, Volume: 1, Timestamp: now, Source: "polygon"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	rows, err := store.Query(ctx, `SELECT symbol, close::float8 AS close, adjusted_close::float8 AS adjusted_close
        FROM raw_market_data WHERE symbol = @symbol`, map[string]any{"symbol": "MSFT"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "MSFT", rows[0]["symbol"])
	assert.InDelta(t, 101.0, rows[0]["close"], 1e-9)
	assert.InDelta(t, 200.0, rows[0]["adjusted_close"], 1e-9)

	agg := quality.NewAggregator(store, store, quality.AggregatorOptions{Thresholds: quality.DefaultThresholds()}, zerolog.Nop())
	summary := agg.RunAll(ctx, quality.RunInfo{RunID: "it-run", TaskID: "quality"})
	assert.Equal(t, 5, summary.TotalChecks)

	price := summary.Results[quality.CheckPriceValidity]
	assert.Empty(t, price.ErrorMessage)
	assert.Equal(t, int64(3), price.TotalRecords)
	assert.InDelta(t, 66.6667, price.Accuracy, 1e-4)

	history, err := store.ListQualityHistory(ctx, now.Add(-time.Hour), 50)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for _, rec := range history {
		assert.Equal(t, "it-run", rec.RunID)
		assert.NotEmpty(t, rec.TableName)
	}

	unlock, ok, err := store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	require.True(t, ok)
	unlock()
}
