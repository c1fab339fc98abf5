package app

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Backfill loads daily bars for the configured symbols between From and To.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	start := opts.From.UTC()
	end := opts.To.UTC()
	if end.Before(start) {
		return errors.New("backfill range is empty; check --from/--to")
	}

	symbols := opts.Symbols
	if len(symbols) == 0 {
		symbols = a.Config.Ingest.Symbols
	}

	poly, closeFetcher, err := a.newFetcher(ctx)
	if err != nil {
		return err
	}
	defer closeFetcher()

	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
		pipeline := a.newPipeline(poly, nil, nil)
		fetched, _, err := pipeline.Backfill(ctx, symbols, start, end)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "fetched %d bars for %d symbols (dry-run)\n", fetched, len(symbols))
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot backfill")
	}
	defer closeStore()

	pipeline := a.newPipeline(poly, store, nil)
	fetched, stored, err := pipeline.Backfill(ctx, symbols, start, end)
	if err != nil {
		return err
	}

	a.Logger.Info().Int("fetched", fetched).Int("stored", stored).Msg("backfill complete")
	if stored < fetched {
		return fmt.Errorf("stored %d of %d fetched bars; check logs", stored, fetched)
	}
	return nil
}
