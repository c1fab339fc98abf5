package quality

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	freshnessSQL = `SELECT
        COUNT(*) AS total_records,
        COUNT(CASE WHEN timestamp >= NOW() - make_interval(hours => @freshness_hours::int) THEN 1 END) AS fresh_records
    FROM raw_market_data
    WHERE timestamp >= CURRENT_DATE - INTERVAL '2 days';`

	priceValiditySQL = `SELECT
        COUNT(*) AS total_records,
        COUNT(CASE WHEN price BETWEEN @price_min AND @price_max THEN 1 END) AS valid_prices,
        COUNT(CASE WHEN price <= 0 THEN 1 END) AS zero_negative_prices,
        AVG(price)::float8 AS avg_price,
        MIN(price)::float8 AS min_price,
        MAX(price)::float8 AS max_price
    FROM raw_market_data
    WHERE timestamp >= CURRENT_DATE - INTERVAL '1 day';`

	portfolioConsistencySQL = `SELECT
        COUNT(*) AS total_holdings,
        COUNT(CASE WHEN shares > 0 THEN 1 END) AS positive_shares,
        COUNT(CASE WHEN avg_cost > 0 THEN 1 END) AS positive_costs,
        COUNT(DISTINCT symbol) AS unique_symbols,
        COUNT(CASE WHEN shares * avg_cost > @large_position THEN 1 END) AS large_positions
    FROM raw_portfolio_holdings
    WHERE shares > 0;`

	transactionIntegritySQL = `SELECT
        COUNT(*) AS total_transactions,
        COUNT(CASE WHEN action = ANY(@valid_actions) THEN 1 END) AS valid_actions,
        COUNT(CASE WHEN shares > 0 THEN 1 END) AS positive_shares,
        COUNT(CASE WHEN price > 0 THEN 1 END) AS positive_prices,
        COUNT(CASE WHEN transaction_date <= CURRENT_DATE THEN 1 END) AS valid_dates
    FROM raw_transactions
    WHERE transaction_date >= CURRENT_DATE - INTERVAL '1 year';`

	marketDataTodaySQL     = `SELECT COUNT(*) AS row_count FROM raw_market_data WHERE timestamp >= CURRENT_DATE;`
	activeHoldingsSQL      = `SELECT COUNT(*) AS row_count FROM raw_portfolio_holdings WHERE shares > 0;`
	recentTransactionsSQL  = `SELECT COUNT(*) AS row_count FROM raw_transactions WHERE transaction_date >= CURRENT_DATE - INTERVAL '30 days';`
	largePositionThreshold = 1000000
)

var validActions = []string{"BUY", "SELL", "DIVIDEND", "SPLIT"}

var hundred = decimal.NewFromInt(100)

// Check is one quality rule evaluated against the query store.
type Check interface {
	Name() CheckName
	Run(ctx context.Context, store QueryStore, th Thresholds) Result
}

// DefaultChecks returns the full battery in execution order.
func DefaultChecks() []Check {
	return []Check{
		FreshnessCheck{},
		PriceValidityCheck{},
		PortfolioConsistencyCheck{},
		TransactionIntegrityCheck{},
		CompletenessCheck{},
	}
}

// FreshnessCheck measures the share of recent market data inside the freshness window.
type FreshnessCheck struct{}

func (FreshnessCheck) Name() CheckName { return CheckFreshness }

func (c FreshnessCheck) Run(ctx context.Context, store QueryStore, th Thresholds) Result {
	row, err := queryOne(ctx, store, freshnessSQL, map[string]any{
		"freshness_hours": th.FreshnessHours,
	})
	if err != nil {
		return errorResult(c.Name(), err)
	}

	var total, fresh int64
	if err := scanInts(row, map[string]*int64{"total_records": &total, "fresh_records": &fresh}); err != nil {
		return errorResult(c.Name(), err)
	}

	accuracy := percentage(fresh, total)
	return Result{
		Check:        c.Name(),
		Passed:       total > 0 && accuracy.GreaterThanOrEqual(decimal.NewFromFloat(th.AccuracyThreshold)),
		Accuracy:     reported(accuracy),
		TotalRecords: total,
		Details: FreshnessDetails{
			FreshRecords:   fresh,
			ThresholdHours: th.FreshnessHours,
		},
	}
}

// PriceValidityCheck measures the share of today's prices inside [PriceMin, PriceMax].
type PriceValidityCheck struct{}

func (PriceValidityCheck) Name() CheckName { return CheckPriceValidity }

func (c PriceValidityCheck) Run(ctx context.Context, store QueryStore, th Thresholds) Result {
	row, err := queryOne(ctx, store, priceValiditySQL, map[string]any{
		"price_min": th.PriceMin,
		"price_max": th.PriceMax,
	})
	if err != nil {
		return errorResult(c.Name(), err)
	}

	var total, valid, zeroNegative int64
	if err := scanInts(row, map[string]*int64{
		"total_records":        &total,
		"valid_prices":         &valid,
		"zero_negative_prices": &zeroNegative,
	}); err != nil {
		return errorResult(c.Name(), err)
	}

	details := PriceValidityDetails{ValidRecords: valid, ZeroNegativePrices: zeroNegative}
	for key, dst := range map[string]*float64{
		"avg_price": &details.AvgPrice,
		"min_price": &details.MinPrice,
		"max_price": &details.MaxPrice,
	} {
		v, err := floatValue(row, key)
		if err != nil {
			return errorResult(c.Name(), err)
		}
		*dst = v
	}

	accuracy := percentage(valid, total)
	return Result{
		Check:        c.Name(),
		Passed:       total > 0 && accuracy.GreaterThanOrEqual(decimal.NewFromInt(priceValidityPass)),
		Accuracy:     reported(accuracy),
		TotalRecords: total,
		Details:      details,
	}
}

// PortfolioConsistencyCheck verifies open holdings carry positive shares and cost.
type PortfolioConsistencyCheck struct{}

func (PortfolioConsistencyCheck) Name() CheckName { return CheckPortfolioConsistency }

func (c PortfolioConsistencyCheck) Run(ctx context.Context, store QueryStore, _ Thresholds) Result {
	row, err := queryOne(ctx, store, portfolioConsistencySQL, map[string]any{
		"large_position": largePositionThreshold,
	})
	if err != nil {
		return errorResult(c.Name(), err)
	}

	var total int64
	var details PortfolioDetails
	if err := scanInts(row, map[string]*int64{
		"total_holdings":  &total,
		"positive_shares": &details.PositiveShares,
		"positive_costs":  &details.PositiveCosts,
		"unique_symbols":  &details.UniqueSymbols,
		"large_positions": &details.LargePositions,
	}); err != nil {
		return errorResult(c.Name(), err)
	}

	accuracy := percentage(details.PositiveShares+details.PositiveCosts, 2*total)
	return Result{
		Check:        c.Name(),
		Passed:       total > 0 && accuracy.GreaterThanOrEqual(decimal.NewFromInt(portfolioConsistencyPass)),
		Accuracy:     reported(accuracy),
		TotalRecords: total,
		Details:      details,
	}
}

// TransactionIntegrityCheck validates action, shares, price and date of the last year's transactions.
type TransactionIntegrityCheck struct{}

func (TransactionIntegrityCheck) Name() CheckName { return CheckTransactionIntegrity }

func (c TransactionIntegrityCheck) Run(ctx context.Context, store QueryStore, _ Thresholds) Result {
	row, err := queryOne(ctx, store, transactionIntegritySQL, map[string]any{
		"valid_actions": validActions,
	})
	if err != nil {
		return errorResult(c.Name(), err)
	}

	var total int64
	var details TransactionDetails
	if err := scanInts(row, map[string]*int64{
		"total_transactions": &total,
		"valid_actions":      &details.ValidActions,
		"positive_shares":    &details.PositiveShares,
		"positive_prices":    &details.PositivePrices,
		"valid_dates":        &details.ValidDates,
	}); err != nil {
		return errorResult(c.Name(), err)
	}

	valid := details.ValidActions + details.PositiveShares + details.PositivePrices + details.ValidDates
	accuracy := percentage(valid, 4*total)
	return Result{
		Check:        c.Name(),
		Passed:       total > 0 && accuracy.GreaterThanOrEqual(decimal.NewFromInt(transactionIntegrityPass)),
		Accuracy:     reported(accuracy),
		TotalRecords: total,
		Details:      details,
	}
}

// CompletenessCheck counts the source tables holding their minimum row count.
type CompletenessCheck struct{}

type completenessSource struct {
	table    string
	query    string
	minCount int64
}

var completenessSources = []completenessSource{
	{table: "market_data", query: marketDataTodaySQL, minCount: 1},
	{table: "portfolio_holdings", query: activeHoldingsSQL, minCount: 1},
	{table: "transactions", query: recentTransactionsSQL, minCount: 0},
}

func (CompletenessCheck) Name() CheckName { return CheckCompleteness }

func (c CompletenessCheck) Run(ctx context.Context, store QueryStore, _ Thresholds) Result {
	details := CompletenessDetails{
		TableCounts:     make(map[string]int64, len(completenessSources)),
		MinRequirements: make(map[string]int64, len(completenessSources)),
	}

	var total int64
	for _, src := range completenessSources {
		row, err := queryOne(ctx, store, src.query, nil)
		if err != nil {
			return errorResult(c.Name(), fmt.Errorf("%s: %w", src.table, err))
		}
		count, err := intValue(row, "row_count")
		if err != nil {
			return errorResult(c.Name(), fmt.Errorf("%s: %w", src.table, err))
		}

		details.TableCounts[src.table] = count
		details.MinRequirements[src.table] = src.minCount
		total += count
		if count >= src.minCount {
			details.TablesMeeting++
		}
	}

	// With no rows anywhere the tables meeting a zero minimum do not count.
	var accuracy decimal.Decimal
	if total > 0 {
		accuracy = percentage(int64(details.TablesMeeting), int64(len(completenessSources)))
	}

	return Result{
		Check:        c.Name(),
		Passed:       total > 0 && accuracy.GreaterThanOrEqual(decimal.NewFromInt(completenessPass)),
		Accuracy:     reported(accuracy),
		TotalRecords: total,
		Details:      details,
	}
}

func errorResult(name CheckName, err error) Result {
	return Result{
		Check:        name,
		Passed:       false,
		Accuracy:     0,
		TotalRecords: 0,
		ErrorMessage: err.Error(),
	}
}

// percentage is numerator/denominator*100, zero when the denominator is not positive.
func percentage(numerator, denominator int64) decimal.Decimal {
	if denominator <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(numerator).Mul(hundred).Div(decimal.NewFromInt(denominator))
}

func reported(accuracy decimal.Decimal) float64 {
	return accuracy.Round(4).InexactFloat64()
}

var errNoRows = errors.New("query returned no rows")

func queryOne(ctx context.Context, store QueryStore, query string, params map[string]any) (map[string]any, error) {
	if store == nil {
		return nil, errors.New("query store not configured")
	}
	rows, err := store.Query(ctx, query, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errNoRows
	}
	return rows[0], nil
}

func scanInts(row map[string]any, dst map[string]*int64) error {
	for key, ptr := range dst {
		v, err := intValue(row, key)
		if err != nil {
			return err
		}
		*ptr = v
	}
	return nil
}

func intValue(row map[string]any, key string) (int64, error) {
	raw, ok := row[key]
	if !ok {
		return 0, fmt.Errorf("column %q missing from result", key)
	}
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case decimal.Decimal:
		return v.IntPart(), nil
	default:
		return 0, fmt.Errorf("column %q: unexpected type %T", key, raw)
	}
}

func floatValue(row map[string]any, key string) (float64, error) {
	raw, ok := row[key]
	if !ok {
		return 0, fmt.Errorf("column %q missing from result", key)
	}
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case decimal.Decimal:
		return v.InexactFloat64(), nil
	default:
		return 0, fmt.Errorf("column %q: unexpected type %T", key, raw)
	}
}
