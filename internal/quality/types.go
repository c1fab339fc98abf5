// Package quality scores the freshness, validity and completeness of the
// market, portfolio and transaction tables.
package quality

import (
	"context"
	"time"
)

// CheckName identifies a quality check.
type CheckName string

const (
	CheckFreshness            CheckName = "freshness"
	CheckPriceValidity        CheckName = "price_validity"
	CheckPortfolioConsistency CheckName = "portfolio_consistency"
	CheckTransactionIntegrity CheckName = "transaction_integrity"
	CheckCompleteness         CheckName = "completeness"
)

// Table names the relation a check inspects, as recorded alongside its result.
func (n CheckName) Table() string {
	switch n {
	case CheckFreshness, CheckPriceValidity:
		return "raw_market_data"
	case CheckPortfolioConsistency:
		return "raw_portfolio_holdings"
	case CheckTransactionIntegrity:
		return "raw_transactions"
	case CheckCompleteness:
		return "all_tables"
	default:
		return "unknown"
	}
}

// ParseCheckName resolves a user-supplied check name.
func ParseCheckName(s string) (CheckName, bool) {
	for _, n := range AllChecks() {
		if string(n) == s {
			return n, true
		}
	}
	return "", false
}

// AllChecks lists every check in execution order.
func AllChecks() []CheckName {
	return []CheckName{
		CheckFreshness,
		CheckPriceValidity,
		CheckPortfolioConsistency,
		CheckTransactionIntegrity,
		CheckCompleteness,
	}
}

// Thresholds are the tunable pass criteria shared by every check.
type Thresholds struct {
	FreshnessHours    int
	PriceMin          float64
	PriceMax          float64
	AccuracyThreshold float64
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FreshnessHours:    24,
		PriceMin:          0.01,
		PriceMax:          50000,
		AccuracyThreshold: 95,
	}
}

// Fixed pass marks for the checks that do not use AccuracyThreshold.
const (
	priceValidityPass        = 99
	portfolioConsistencyPass = 99
	transactionIntegrityPass = 98
	completenessPass         = 66
)

// Details is the check-specific payload of a Result.
type Details interface {
	Fields() map[string]any
}

// Result is the immutable outcome of one check invocation.
type Result struct {
	Check        CheckName
	Passed       bool
	Accuracy     float64
	TotalRecords int64
	Details      Details
	ErrorMessage string
}

// Fields flattens Details, returning an empty map when there are none.
func (r Result) Fields() map[string]any {
	if r.Details == nil {
		return map[string]any{}
	}
	return r.Details.Fields()
}

// FreshnessDetails backs the freshness check.
type FreshnessDetails struct {
	FreshRecords   int64
	ThresholdHours int
}

func (d FreshnessDetails) Fields() map[string]any {
	return map[string]any{
		"fresh_records":   d.FreshRecords,
		"threshold_hours": d.ThresholdHours,
	}
}

// PriceValidityDetails backs the price validity check.
type PriceValidityDetails struct {
	ValidRecords       int64
	ZeroNegativePrices int64
	AvgPrice           float64
	MinPrice           float64
	MaxPrice           float64
}

func (d PriceValidityDetails) Fields() map[string]any {
	return map[string]any{
		"valid_records":        d.ValidRecords,
		"zero_negative_prices": d.ZeroNegativePrices,
		"price_stats": map[string]any{
			"avg": d.AvgPrice,
			"min": d.MinPrice,
			"max": d.MaxPrice,
		},
	}
}

// PortfolioDetails backs the portfolio consistency check.
type PortfolioDetails struct {
	PositiveShares int64
	PositiveCosts  int64
	UniqueSymbols  int64
	LargePositions int64
}

func (d PortfolioDetails) Fields() map[string]any {
	return map[string]any{
		"positive_shares": d.PositiveShares,
		"positive_costs":  d.PositiveCosts,
		"unique_symbols":  d.UniqueSymbols,
		"large_positions": d.LargePositions,
	}
}

// TransactionDetails backs the transaction integrity check.
type TransactionDetails struct {
	ValidActions   int64
	PositiveShares int64
	PositivePrices int64
	ValidDates     int64
}

func (d TransactionDetails) Fields() map[string]any {
	return map[string]any{
		"valid_actions":   d.ValidActions,
		"positive_shares": d.PositiveShares,
		"positive_prices": d.PositivePrices,
		"valid_dates":     d.ValidDates,
	}
}

// CompletenessDetails backs the completeness check.
type CompletenessDetails struct {
	TableCounts     map[string]int64
	MinRequirements map[string]int64
	TablesMeeting   int
}

func (d CompletenessDetails) Fields() map[string]any {
	return map[string]any{
		"table_counts":     d.TableCounts,
		"min_requirements": d.MinRequirements,
		"tables_meeting":   d.TablesMeeting,
	}
}

// RunInfo correlates persisted results with the invoking job.
type RunInfo struct {
	RunID  string
	TaskID string
}

// Summary aggregates one run of the check battery. It is never persisted.
type Summary struct {
	RunID        string
	OverallScore float64
	TotalChecks  int
	PassedChecks int
	FailedChecks int
	Results      map[CheckName]Result
	Order        []CheckName
	Timestamp    time.Time
}

// Ordered returns the results in execution order.
func (s Summary) Ordered() []Result {
	out := make([]Result, 0, len(s.Order))
	for _, name := range s.Order {
		out = append(out, s.Results[name])
	}
	return out
}

// Failed lists the checks that did not pass, in execution order.
func (s Summary) Failed() []CheckName {
	var failed []CheckName
	for _, name := range s.Order {
		if !s.Results[name].Passed {
			failed = append(failed, name)
		}
	}
	return failed
}

// QueryStore executes a read query with named parameters and returns rows
// keyed by column name.
type QueryStore interface {
	Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// RecordStore appends check results.
type RecordStore interface {
	SaveCheckResult(ctx context.Context, result Result, run RunInfo) error
}
