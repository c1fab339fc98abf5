package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"market-quality-pipeline/internal/storage"
)

// Export writes quality check history as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" {
		return errors.New("--csv must be provided")
	}

	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	records, err := store.ListQualityHistory(ctx, historySince(time.Now().UTC(), opts.Days), opts.MaxRows)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no quality checks found for export window")
		return nil
	}

	a.Logger.Info().Int("rows", len(records)).Str("path", opts.CSVPath).Msg("exporting quality history")
	return writeHistoryCSV(opts.CSVPath, records)
}

func writeHistoryCSV(path string, records []storage.CheckRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"check_timestamp", "check_name", "table_name", "check_result", "accuracy_percentage", "total_records", "dag_run_id", "task_id", "error_details", "details"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.CheckedAt.UTC().Format(time.RFC3339),
			rec.CheckName,
			rec.TableName,
			strconv.FormatBool(rec.Passed),
			rec.Accuracy.StringFixed(2),
			strconv.FormatInt(rec.TotalRecords, 10),
			rec.RunID,
			rec.TaskID,
			rec.ErrorDetails,
			string(rec.Details),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
