package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"market-quality-pipeline/internal/storage"
)

// Show prints recent quality check history.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show quality history")
	}
	defer closeStore()

	since := historySince(time.Now().UTC(), opts.Days)
	records, err := store.ListQualityHistory(ctx, since, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no quality checks found")
		return nil
	}
	return writeHistory(os.Stdout, records)
}

func writeHistory(out io.Writer, records []storage.CheckRecord) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tCheck\tTable\tPassed\tAccuracy%\tRecords\tRun\tError")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%t\t%s\t%d\t%s\t%s\n",
			rec.CheckedAt.UTC().Format(time.RFC3339),
			rec.CheckName,
			rec.TableName,
			rec.Passed,
			rec.Accuracy.StringFixed(2),
			rec.TotalRecords,
			rec.RunID,
			sanitizeInline(rec.ErrorDetails),
		)
	}

	return writer.Flush()
}

// historySince is midnight UTC days ago, matching a CURRENT_DATE based window.
func historySince(now time.Time, days int) time.Time {
	if days < 0 {
		days = 0
	}
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -days)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
