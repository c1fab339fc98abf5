package fetcher

import (
	"time"

	"github.com/polygon-io/client-go/rest/models"
)

// Trade timestamps arrive as nanosecond epochs, aggregate bars as millisecond
// epochs. The polygon model types decode each unit; tradeTime/barTime pin the
// result to UTC.

type lastTradeResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Results   struct {
		Ticker    string       `json:"T"`
		Price     float64      `json:"p"`
		Size      float64      `json:"s"`
		Timestamp models.Nanos `json:"t"`
	} `json:"results"`
}

type openCloseResponse struct {
	Status string  `json:"status"`
	From   string  `json:"from"`
	Symbol string  `json:"symbol"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type aggregatesResponse struct {
	Ticker       string         `json:"ticker"`
	Status       string         `json:"status"`
	ResultsCount int            `json:"resultsCount"`
	Results      []aggregateBar `json:"results"`
}

type aggregateBar struct {
	Open      float64       `json:"o"`
	High      float64       `json:"h"`
	Low       float64       `json:"l"`
	Close     float64       `json:"c"`
	Volume    float64       `json:"v"`
	Timestamp models.Millis `json:"t"`
}

type tickerDetailsResponse struct {
	Status  string `json:"status"`
	Results struct {
		Ticker                      string  `json:"ticker"`
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
	} `json:"results"`
}

func tradeTime(ts models.Nanos) time.Time {
	return time.Time(ts).UTC()
}

func barTime(ts models.Millis) time.Time {
	return time.Time(ts).UTC()
}

func sessionDate(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func float64Ptr(v float64) *float64 {
	return &v
}
