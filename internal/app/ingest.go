package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"market-quality-pipeline/internal/quality"
)

// Ingest fetches quotes once, stores them when a database is configured and
// then scores data quality. With Date set it loads that session's open/close
// instead of the last trade.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	symbols := opts.Symbols
	if len(symbols) == 0 {
		symbols = a.Config.Ingest.Symbols
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; points will not be stored")
	} else {
		defer closeStore()
	}

	poly, closeFetcher, err := a.newFetcher(ctx)
	if err != nil {
		return err
	}
	defer closeFetcher()

	pipeline := a.newPipeline(poly, store, a.newNotifier())

	var fetched, stored int
	if opts.Date != nil {
		fetched, stored, err = pipeline.IngestDaily(ctx, symbols, *opts.Date)
	} else {
		fetched, stored, err = pipeline.IngestLatest(ctx, symbols)
	}
	if err != nil {
		return err
	}
	a.Logger.Info().Int("fetched", fetched).Int("stored", stored).Msg("ingestion complete")

	if fetched == 0 {
		fmt.Fprintln(os.Stdout, "no market data available")
	}

	if opts.SkipQuality || store == nil {
		return nil
	}

	summary, _ := pipeline.Assess(ctx, quality.RunInfo{RunID: opts.RunID, TaskID: opts.TaskID})
	return writeSummary(os.Stdout, summary)
}

func writeSummary(out io.Writer, summary quality.Summary) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Check\tPassed\tAccuracy%\tRecords\tError")
	for _, res := range summary.Ordered() {
		fmt.Fprintf(writer, "%s\t%t\t%.2f\t%d\t%s\n",
			res.Check,
			res.Passed,
			res.Accuracy,
			res.TotalRecords,
			sanitizeInline(res.ErrorMessage),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(out, "\nRun %s at %s: score %.1f%% (%d/%d checks passed)\n",
		summary.RunID,
		summary.Timestamp.UTC().Format(time.RFC3339),
		summary.OverallScore,
		summary.PassedChecks,
		summary.TotalChecks,
	)
	return err
}
