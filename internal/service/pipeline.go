package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-quality-pipeline/internal/alerting"
	"market-quality-pipeline/internal/fetcher"
	"market-quality-pipeline/internal/metrics"
	"market-quality-pipeline/internal/quality"
	"market-quality-pipeline/internal/storage"
)

// PointStore persists market data points.
type PointStore interface {
	InsertMarketData(ctx context.Context, points []fetcher.DataPoint) (int, error)
}

// QualityRunner evaluates the check battery.
type QualityRunner interface {
	RunAll(ctx context.Context, run quality.RunInfo) quality.Summary
}

// Options tune the pipeline.
type Options struct {
	Symbols       []string
	AlertsEnabled bool
	MinScore      float64
	Cooldown      time.Duration
	Channels      []string
	LockKey       int64
	TaskID        string
}

// Report summarises one pipeline cycle.
type Report struct {
	RunID    string
	Fetched  int
	Stored   int
	Summary  quality.Summary
	Alerted  bool
	Skipped  bool
	Started  time.Time
	Finished time.Time
}

// Pipeline orchestrates ingestion, quality scoring and alerting.
type Pipeline struct {
	fetcher  fetcher.MarketDataFetcher
	points   PointStore
	quality  QualityRunner
	notifier alerting.Notifier
	locker   storage.AdvisoryLocker
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastAlert time.Time
}

// New wires the pipeline. points, notifier and locker may be nil.
func New(opts Options, f fetcher.MarketDataFetcher, points PointStore, q QualityRunner, notifier alerting.Notifier, locker storage.AdvisoryLocker, logger zerolog.Logger) *Pipeline {
	if opts.TaskID == "" {
		opts.TaskID = "pipeline_cycle"
	}
	return &Pipeline{
		fetcher:  f,
		points:   points,
		quality:  q,
		notifier: notifier,
		locker:   locker,
		opts:     opts,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
	}
}

// RunCycle is the scheduler entry point.
func (p *Pipeline) RunCycle(ctx context.Context, tick time.Time) error {
	_, err := p.Cycle(ctx, quality.RunInfo{TaskID: p.opts.TaskID})
	return err
}

// Cycle fetches the latest quotes, stores them, scores data quality and
// alerts on degradation. A cycle held by another instance is skipped.
func (p *Pipeline) Cycle(ctx context.Context, run quality.RunInfo) (Report, error) {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	report := Report{RunID: run.RunID, Started: p.now().UTC()}

	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		p.logger.Info().Str("run_id", run.RunID).Msg("skip cycle because advisory lock held elsewhere")
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	fetched, stored, err := p.IngestLatest(ctx, p.opts.Symbols)
	if err != nil {
		return report, err
	}
	report.Fetched, report.Stored = fetched, stored

	report.Summary, report.Alerted = p.Assess(ctx, run)
	report.Finished = p.now().UTC()

	p.logger.Info().
		Str("run_id", run.RunID).
		Int("fetched", report.Fetched).
		Int("stored", report.Stored).
		Float64("score", report.Summary.OverallScore).
		Bool("alerted", report.Alerted).
		Dur("elapsed", report.Finished.Sub(report.Started)).
		Msg("pipeline cycle complete")
	return report, nil
}

// IngestLatest fetches the last trade of every symbol and stores what came back.
func (p *Pipeline) IngestLatest(ctx context.Context, symbols []string) (int, int, error) {
	points, err := p.fetcher.StockPrices(ctx, symbols)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch latest prices: %w", err)
	}
	return len(points), p.store(ctx, points), nil
}

// IngestDaily fetches one session's open/close for each symbol.
func (p *Pipeline) IngestDaily(ctx context.Context, symbols []string, date time.Time) (int, int, error) {
	points := make([]fetcher.DataPoint, 0, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return len(points), 0, err
		}
		point, err := p.fetcher.DailyOpenClose(ctx, symbol, date)
		if err != nil {
			p.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to fetch daily open/close")
			continue
		}
		if point != nil {
			points = append(points, *point)
		}
	}
	return len(points), p.store(ctx, points), nil
}

// Backfill fetches daily bars between start and end for each symbol.
func (p *Pipeline) Backfill(ctx context.Context, symbols []string, start, end time.Time) (int, int, error) {
	var fetched, stored int
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return fetched, stored, err
		}
		bars, err := p.fetcher.HistoricalData(ctx, symbol, start, end)
		if err != nil {
			p.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to fetch historical data")
			continue
		}
		fetched += len(bars)
		stored += p.store(ctx, bars)
	}
	return fetched, stored, nil
}

// Assess runs the quality battery, publishes metrics and alerts when the
// score falls below the minimum or any check fails.
func (p *Pipeline) Assess(ctx context.Context, run quality.RunInfo) (quality.Summary, bool) {
	summary := p.quality.RunAll(ctx, run)

	for _, res := range summary.Ordered() {
		metrics.RecordCheck(string(res.Check), res.Passed, res.Accuracy)
	}
	metrics.RecordOverallScore(summary.OverallScore)

	if !p.shouldAlert(summary) {
		return summary, false
	}
	return summary, p.alert(ctx, summary)
}

func (p *Pipeline) store(ctx context.Context, points []fetcher.DataPoint) int {
	if len(points) == 0 || p.points == nil {
		return 0
	}
	written, err := p.points.InsertMarketData(ctx, points)
	if err != nil {
		p.logger.Error().Err(err).Int("points", len(points)).Int("written", written).Msg("failed to store market data")
	}
	metrics.AddPointsIngested(written)
	return written
}

func (p *Pipeline) shouldAlert(summary quality.Summary) bool {
	if !p.opts.AlertsEnabled || p.notifier == nil {
		return false
	}
	if !summary.ScoreBelow(p.opts.MinScore) && summary.FailedChecks == 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Cooldown > 0 && !p.lastAlert.IsZero() && p.now().Sub(p.lastAlert) < p.opts.Cooldown {
		p.logger.Debug().Time("last_alert", p.lastAlert).Msg("alert suppressed by cooldown")
		return false
	}
	return true
}

func (p *Pipeline) alert(ctx context.Context, summary quality.Summary) bool {
	note := alerting.Notification{
		RunID:        summary.RunID,
		Timestamp:    summary.Timestamp,
		OverallScore: decimal.NewFromFloat(summary.OverallScore),
		MinScore:     decimal.NewFromFloat(p.opts.MinScore),
		PassedChecks: summary.PassedChecks,
		TotalChecks:  summary.TotalChecks,
		Channels:     p.opts.Channels,
	}
	for _, name := range summary.Failed() {
		res := summary.Results[name]
		note.Failed = append(note.Failed, alerting.FailedCheck{
			Name:     string(name),
			Accuracy: decimal.NewFromFloat(res.Accuracy),
			Error:    res.ErrorMessage,
		})
	}

	if err := p.notifier.Notify(ctx, note); err != nil {
		p.logger.Error().Err(err).Str("run_id", summary.RunID).Msg("failed to dispatch alert")
		return false
	}

	p.mu.Lock()
	p.lastAlert = p.now()
	p.mu.Unlock()
	return true
}

func (p *Pipeline) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.opts.LockKey == 0 || p.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.locker.TryAdvisoryLock(ctx, p.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
