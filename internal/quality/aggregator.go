package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// AggregatorOptions configure a battery run.
type AggregatorOptions struct {
	Thresholds Thresholds
	// Parallel evaluates checks concurrently. Results keep execution order either way.
	Parallel bool
	// Checks overrides DefaultChecks.
	Checks []Check
}

// Aggregator runs the check battery, persists each result and derives a Summary.
type Aggregator struct {
	queries QueryStore
	records RecordStore
	opts    AggregatorOptions
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAggregator wires the stores. records may be nil, in which case nothing is persisted.
func NewAggregator(queries QueryStore, records RecordStore, opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	if len(opts.Checks) == 0 {
		opts.Checks = DefaultChecks()
	}
	return &Aggregator{
		queries: queries,
		records: records,
		opts:    opts,
		logger:  logger.With().Str("component", "quality").Logger(),
		now:     time.Now,
	}
}

// RunAll evaluates every check and returns the summary. Persistence failures
// are logged and never abort the run.
func (a *Aggregator) RunAll(ctx context.Context, run RunInfo) Summary {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}

	results := a.evaluate(ctx, a.opts.Checks)

	for _, res := range results {
		a.logResult(res)
		a.persist(ctx, res, run)
	}

	summary := summarize(results, a.now().UTC())
	summary.RunID = run.RunID

	a.logger.Info().
		Str("run_id", run.RunID).
		Float64("overall_score", summary.OverallScore).
		Int("passed", summary.PassedChecks).
		Int("total", summary.TotalChecks).
		Msg("data quality summary")
	return summary
}

// RunOne evaluates and persists a single named check.
func (a *Aggregator) RunOne(ctx context.Context, name CheckName, run RunInfo) (Result, error) {
	for _, check := range a.opts.Checks {
		if check.Name() != name {
			continue
		}
		if run.RunID == "" {
			run.RunID = uuid.NewString()
		}
		res := check.Run(ctx, a.queries, a.opts.Thresholds)
		a.logResult(res)
		a.persist(ctx, res, run)
		return res, nil
	}
	return Result{}, fmt.Errorf("unknown quality check %q", name)
}

func (a *Aggregator) evaluate(ctx context.Context, checks []Check) []Result {
	results := make([]Result, len(checks))
	if !a.opts.Parallel {
		for i, check := range checks {
			results[i] = check.Run(ctx, a.queries, a.opts.Thresholds)
		}
		return results
	}

	var g errgroup.Group
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			results[i] = check.Run(ctx, a.queries, a.opts.Thresholds)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Aggregator) persist(ctx context.Context, res Result, run RunInfo) {
	if a.records == nil {
		return
	}
	if err := a.records.SaveCheckResult(ctx, res, run); err != nil {
		a.logger.Error().Err(err).Str("check", string(res.Check)).Msg("failed to save quality check result")
	}
}

func (a *Aggregator) logResult(res Result) {
	if res.ErrorMessage != "" {
		a.logger.Error().Str("check", string(res.Check)).Str("error", res.ErrorMessage).Msg("quality check errored")
		return
	}
	a.logger.Info().
		Str("check", string(res.Check)).
		Bool("passed", res.Passed).
		Float64("accuracy", res.Accuracy).
		Int64("total_records", res.TotalRecords).
		Msg("quality check completed")
}

func summarize(results []Result, ts time.Time) Summary {
	summary := Summary{
		TotalChecks: len(results),
		Results:     make(map[CheckName]Result, len(results)),
		Order:       make([]CheckName, 0, len(results)),
		Timestamp:   ts,
	}
	for _, res := range results {
		summary.Results[res.Check] = res
		summary.Order = append(summary.Order, res.Check)
		if res.Passed {
			summary.PassedChecks++
		}
	}
	summary.FailedChecks = summary.TotalChecks - summary.PassedChecks
	summary.OverallScore = reported(percentage(int64(summary.PassedChecks), int64(summary.TotalChecks)))
	return summary
}

// ScoreBelow reports whether the summary's score is strictly below min.
func (s Summary) ScoreBelow(min float64) bool {
	return decimal.NewFromFloat(s.OverallScore).LessThan(decimal.NewFromFloat(min))
}
