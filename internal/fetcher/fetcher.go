package fetcher

import (
	"context"
	"time"
)

// DataPoint is one normalized market observation. Timestamp is always UTC.
type DataPoint struct {
	Symbol    string
	Price     float64
	Volume    int64
	Timestamp time.Time
	Source    string
	Open      *float64
	High      *float64
	Low       *float64
	Close     *float64
}

// ClosePrice returns the bar close, falling back to the traded price.
func (p DataPoint) ClosePrice() float64 {
	if p.Close != nil {
		return *p.Close
	}
	return p.Price
}

// CompanyInfo is static reference data for a ticker.
type CompanyInfo struct {
	Symbol                      string  `json:"symbol"`
	Name                        string  `json:"name"`
	Market                      string  `json:"market"`
	Locale                      string  `json:"locale"`
	PrimaryExchange             string  `json:"primary_exchange"`
	Type                        string  `json:"type"`
	CurrencyName                string  `json:"currency_name"`
	Description                 string  `json:"description"`
	HomepageURL                 string  `json:"homepage_url"`
	TotalEmployees              int64   `json:"total_employees"`
	MarketCap                   float64 `json:"market_cap"`
	ShareClassSharesOutstanding float64 `json:"share_class_shares_outstanding"`
	WeightedSharesOutstanding   float64 `json:"weighted_shares_outstanding"`
}

// IsZero reports whether no reference data was found.
func (c CompanyInfo) IsZero() bool {
	return c == CompanyInfo{}
}

// MarketDataFetcher retrieves prices and reference data from the upstream pricing API.
// A nil point or empty slice means the upstream had no data; errors are reserved for faults.
type MarketDataFetcher interface {
	LastTrade(ctx context.Context, symbol string) (*DataPoint, error)
	DailyOpenClose(ctx context.Context, symbol string, date time.Time) (*DataPoint, error)
	StockPrices(ctx context.Context, symbols []string) ([]DataPoint, error)
	HistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]DataPoint, error)
	CompanyInfo(ctx context.Context, symbol string) (CompanyInfo, error)
	ValidateConnection(ctx context.Context) bool
}

// ReferenceCache stores company reference data between runs.
type ReferenceCache interface {
	GetCompany(ctx context.Context, symbol string) (CompanyInfo, bool, error)
	SetCompany(ctx context.Context, info CompanyInfo, ttl time.Duration) error
}
