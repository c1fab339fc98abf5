package app

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-quality-pipeline/internal/alerting"
	"market-quality-pipeline/internal/cache"
	"market-quality-pipeline/internal/config"
	"market-quality-pipeline/internal/fetcher"
	"market-quality-pipeline/internal/metrics"
	"market-quality-pipeline/internal/quality"
	"market-quality-pipeline/internal/ratelimit"
	"market-quality-pipeline/internal/retry"
	"market-quality-pipeline/internal/scheduler"
	"market-quality-pipeline/internal/service"
	"market-quality-pipeline/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.Config.Retry.MaxAttempts,
		Multiplier:  a.Config.Retry.Multiplier,
		MinWait:     a.Config.Retry.MinWait,
		MaxWait:     a.Config.Retry.MaxWait,
		Retryable:   fetcher.IsRetryable,
	}
}

// newFetcher builds the upstream connector, attaching the Redis company
// cache when redis.addr is configured. The returned closer is never nil.
func (a *App) newFetcher(ctx context.Context) (*fetcher.Polygon, func(), error) {
	closer := func() {}

	var refCache fetcher.ReferenceCache
	if a.Config.Redis.Addr != "" {
		rc, err := cache.NewRedis(ctx, a.Config.Redis, a.Logger)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("redis unavailable; company cache disabled")
		} else {
			refCache = rc
			closer = func() { _ = rc.Close() }
		}
	}

	policy := a.retryPolicy()
	cfg := a.Config.Polygon
	poly, err := fetcher.NewPolygon(fetcher.PolygonOptions{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Timeout:     cfg.RequestTimeout,
		UserAgent:   cfg.UserAgent,
		ProbeSymbol: cfg.ProbeSymbol,
		Limiter:     ratelimit.New(cfg.RequestsPerMinute, a.Logger),
		RetryPolicy: &policy,
		Cache:       refCache,
		CompanyTTL:  a.Config.Redis.CompanyTTL,
	}, a.Logger)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return poly, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	var notifiers alerting.Multi
	for _, channel := range a.Config.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(channel)) {
		case "telegram":
			if a.Config.Alerting.Telegram.Enabled {
				cfg := a.Config.Alerting.Telegram
				notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
			}
		case "log":
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alert channel ignored")
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) thresholds() quality.Thresholds {
	q := a.Config.Quality
	return quality.Thresholds{
		FreshnessHours:    q.FreshnessHours,
		PriceMin:          q.PriceMin,
		PriceMax:          q.PriceMax,
		AccuracyThreshold: q.AccuracyThreshold,
	}
}

func (a *App) newAggregator(store *storage.Store) *quality.Aggregator {
	var (
		queries quality.QueryStore
		records quality.RecordStore
	)
	if store != nil {
		queries = store
		records = store
	}
	return quality.NewAggregator(queries, records, quality.AggregatorOptions{
		Thresholds: a.thresholds(),
		Parallel:   a.Config.Quality.Parallel,
	}, a.Logger)
}

func (a *App) newPipeline(f fetcher.MarketDataFetcher, store *storage.Store, notifier alerting.Notifier) *service.Pipeline {
	var (
		points service.PointStore
		locker storage.AdvisoryLocker
	)
	if store != nil {
		points = store
		locker = store
	}

	return service.New(service.Options{
		Symbols:       a.Config.Ingest.Symbols,
		AlertsEnabled: a.Config.Alerting.Enabled,
		MinScore:      a.Config.Alerting.MinScore,
		Cooldown:      a.Config.Alerting.Cooldown,
		Channels:      a.Config.Alerting.Channels,
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
	}, f, points, a.newAggregator(store), notifier, locker, a.Logger)
}

// Run executes the long-running pipeline service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; the pipeline needs a store")
	}
	defer closeStore()

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		Cron:         a.Config.Scheduler.Cron,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	poly, closeFetcher, err := a.newFetcher(ctx)
	if err != nil {
		return err
	}
	defer closeFetcher()

	if !poly.ValidateConnection(ctx) {
		a.Logger.Warn().Msg("upstream probe failed; continuing, cycles will retry")
	}

	pipeline := a.newPipeline(poly, store, a.newNotifier())

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.Config.Metrics.Addr; addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, addr, a.Logger)
		})
	}
	g.Go(func() error {
		a.Logger.Info().Strs("symbols", a.Config.Ingest.Symbols).Msg("starting pipeline service")
		return sched.Run(gctx, pipeline.RunCycle)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("pipeline service stopped")
	return nil
}

// IngestOptions configure a one-shot ingestion.
type IngestOptions struct {
	Symbols     []string
	Date        *time.Time
	RunID       string
	TaskID      string
	SkipQuality bool
}

// CheckOptions configure a quality run.
type CheckOptions struct {
	Only   string
	RunID  string
	TaskID string
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From    time.Time
	To      time.Time
	Symbols []string
	DryRun  bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Days  int
	Limit int
}

// ExportOptions hold parameters for exporting quality history.
type ExportOptions struct {
	Days    int
	CSVPath string
	MaxRows int
}
