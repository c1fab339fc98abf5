package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"market-quality-pipeline/internal/fetcher"
)

// Company prints reference data for a ticker.
func (a *App) Company(ctx context.Context, symbol string) error {
	poly, closeFetcher, err := a.newFetcher(ctx)
	if err != nil {
		return err
	}
	defer closeFetcher()

	info, err := poly.CompanyInfo(ctx, symbol)
	if err != nil {
		return err
	}
	if info.IsZero() {
		fmt.Fprintf(os.Stdout, "no company info found for %s\n", symbol)
		return nil
	}
	return writeCompany(os.Stdout, info)
}

// Probe validates upstream connectivity and credentials.
func (a *App) Probe(ctx context.Context) error {
	poly, closeFetcher, err := a.newFetcher(ctx)
	if err != nil {
		return err
	}
	defer closeFetcher()

	if !poly.ValidateConnection(ctx) {
		return errors.New("upstream connection validation failed")
	}
	fmt.Fprintln(os.Stdout, "upstream connection ok")
	return nil
}

func writeCompany(out io.Writer, info fetcher.CompanyInfo) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"Symbol", info.Symbol},
		{"Name", info.Name},
		{"Market", info.Market},
		{"Locale", info.Locale},
		{"Exchange", info.PrimaryExchange},
		{"Type", info.Type},
		{"Currency", info.CurrencyName},
		{"Homepage", info.HomepageURL},
		{"Employees", fmt.Sprintf("%d", info.TotalEmployees)},
		{"Market cap", fmt.Sprintf("%.0f", info.MarketCap)},
		{"Shares outstanding", fmt.Sprintf("%.0f", info.ShareClassSharesOutstanding)},
		{"Weighted shares", fmt.Sprintf("%.0f", info.WeightedSharesOutstanding)},
		{"Description", sanitizeInline(info.Description)},
	}
	for _, row := range rows {
		fmt.Fprintf(writer, "%s\t%s\n", row[0], row[1])
	}
	return writer.Flush()
}
