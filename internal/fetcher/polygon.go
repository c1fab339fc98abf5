package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"market-quality-pipeline/internal/metrics"
	"market-quality-pipeline/internal/ratelimit"
	"market-quality-pipeline/internal/retry"
	"market-quality-pipeline/internal/version"
)

const (
	sourcePolygon = "polygon"

	lastTradePath  = "/v2/last/trade/%s"
	openClosePath  = "/v1/open-close/%s/%s"
	aggregatesPath = "/v2/aggs/ticker/%s/range/1/day/%s/%s"
	tickerPath     = "/v3/reference/tickers/%s"

	dateLayout = "2006-01-02"
)

// PolygonOptions parameterise the upstream connector.
type PolygonOptions struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	UserAgent         string
	ProbeSymbol       string
	RequestsPerMinute int
	// Limiter overrides RequestsPerMinute when several connectors must share one quota.
	Limiter     *ratelimit.Limiter
	RetryPolicy *retry.Policy
	Cache       ReferenceCache
	CompanyTTL  time.Duration
}

// Polygon fetches market data from a Polygon.io compatible API.
type Polygon struct {
	opts    PolygonOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *ratelimit.Limiter
	retrier *retry.Executor
}

// NewPolygon constructs the connector. A missing API key is fatal.
func NewPolygon(opts PolygonOptions, logger zerolog.Logger) (*Polygon, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.polygon.io"
	}

	if opts.ProbeSymbol == "" {
		opts.ProbeSymbol = "AAPL"
	}
	if opts.CompanyTTL <= 0 {
		opts.CompanyTTL = 24 * time.Hour
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.New(opts.RequestsPerMinute, logger)
	}

	policy := retry.DefaultPolicy()
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}
	if policy.Retryable == nil {
		policy.Retryable = IsRetryable
	}

	p := &Polygon{
		opts:    opts,
		logger:  logger.With().Str("component", "polygon_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: limiter,
		retrier: retry.New(policy, logger),
	}
	p.logger.Info().Str("base_url", baseURL).Dur("min_interval", limiter.Interval()).Msg("polygon connector initialised")
	return p, nil
}

// LastTrade fetches the most recent trade. It returns nil without error when
// the upstream has no result for the symbol.
func (p *Polygon) LastTrade(ctx context.Context, symbol string) (*DataPoint, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	p.logger.Info().Str("symbol", symbol).Msg("fetching last trade")
	body, err := p.get(ctx, "last_trade", fmt.Sprintf(lastTradePath, url.PathEscape(symbol)), nil)
	if err != nil {
		if isNotFound(err) {
			p.logger.Warn().Str("symbol", symbol).Msg("no last trade found")
			return nil, nil
		}
		return nil, err
	}

	if r := gjson.GetBytes(body, "results"); !r.IsObject() || !r.Get("p").Exists() {
		p.logger.Warn().Str("symbol", symbol).Msg("no last trade found")
		return nil, nil
	}

	var res lastTradeResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode last trade for %s: %w", symbol, err)
	}

	if res.Results.Price < 0 {
		p.logger.Warn().Str("symbol", symbol).Float64("price", res.Results.Price).Msg("dropping trade with negative price")
		return nil, nil
	}

	ticker := res.Results.Ticker
	if ticker == "" {
		ticker = symbol
	}

	return &DataPoint{
		Symbol:    ticker,
		Price:     res.Results.Price,
		Volume:    int64(res.Results.Size),
		Timestamp: tradeTime(res.Results.Timestamp),
		Source:    sourcePolygon,
	}, nil
}

// DailyOpenClose fetches one session's OHLC. The point is stamped at the
// session date's UTC midnight.
func (p *Polygon) DailyOpenClose(ctx context.Context, symbol string, date time.Time) (*DataPoint, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	session := sessionDate(date)
	day := session.Format(dateLayout)
	p.logger.Info().Str("symbol", symbol).Str("date", day).Msg("fetching daily open/close")

	body, err := p.get(ctx, "open_close", fmt.Sprintf(openClosePath, url.PathEscape(symbol), day), nil)
	if err != nil {
		if isNotFound(err) {
			p.logger.Warn().Str("symbol", symbol).Str("date", day).Msg("no daily open/close found")
			return nil, nil
		}
		return nil, err
	}

	if gjson.GetBytes(body, "close").Type != gjson.Number {
		p.logger.Warn().Str("symbol", symbol).Str("date", day).Msg("no daily open/close found")
		return nil, nil
	}

	var res openCloseResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode open/close for %s: %w", symbol, err)
	}

	if res.Close < 0 {
		p.logger.Warn().Str("symbol", symbol).Str("date", day).Float64("price", res.Close).Msg("dropping session with negative close")
		return nil, nil
	}

	ticker := res.Symbol
	if ticker == "" {
		ticker = symbol
	}

	return &DataPoint{
		Symbol:    ticker,
		Price:     res.Close,
		Volume:    int64(res.Volume),
		Timestamp: session,
		Source:    sourcePolygon,
		Open:      float64Ptr(res.Open),
		High:      float64Ptr(res.High),
		Low:       float64Ptr(res.Low),
		Close:     float64Ptr(res.Close),
	}, nil
}

// StockPrices fetches the last trade of every symbol in order. Failed or
// missing symbols are logged and skipped; an empty result is not an error.
func (p *Polygon) StockPrices(ctx context.Context, symbols []string) ([]DataPoint, error) {
	p.logger.Info().Int("count", len(symbols)).Strs("symbols", symbols).Msg("fetching prices")

	points := make([]DataPoint, 0, len(symbols))
	failed := make([]string, 0)

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return points, err
		}

		point, err := p.LastTrade(ctx, symbol)
		if err != nil {
			p.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to fetch last trade")
			failed = append(failed, symbol)
			continue
		}
		if point == nil {
			failed = append(failed, symbol)
			continue
		}
		points = append(points, *point)
	}

	if len(failed) > 0 {
		p.logger.Warn().Strs("symbols", failed).Msg("failed to fetch data for some symbols")
	}
	if len(points) == 0 {
		p.logger.Warn().Msg("no market data retrieved for any symbol")
		return points, nil
	}

	p.logger.Info().Int("retrieved", len(points)).Msg("prices retrieved")
	return points, nil
}

// HistoricalData fetches daily bars between start and end inclusive, in the
// upstream's order. No bars yields an empty slice.
func (p *Polygon) HistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]DataPoint, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	from := start.Format(dateLayout)
	to := end.Format(dateLayout)
	p.logger.Info().Str("symbol", symbol).Str("from", from).Str("to", to).Msg("fetching historical data")

	query := url.Values{}
	query.Set("adjusted", "true")
	query.Set("limit", "50000")

	body, err := p.get(ctx, "aggregates", fmt.Sprintf(aggregatesPath, url.PathEscape(symbol), from, to), query)
	if err != nil {
		if isNotFound(err) {
			p.logger.Warn().Str("symbol", symbol).Msg("no historical data found")
			return []DataPoint{}, nil
		}
		return nil, err
	}

	if len(gjson.GetBytes(body, "results").Array()) == 0 {
		p.logger.Warn().Str("symbol", symbol).Msg("no historical data found")
		return []DataPoint{}, nil
	}

	var res aggregatesResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode aggregates for %s: %w", symbol, err)
	}

	points := make([]DataPoint, 0, len(res.Results))
	for _, bar := range res.Results {
		if bar.Close < 0 {
			p.logger.Warn().Str("symbol", symbol).Time("timestamp", barTime(bar.Timestamp)).Float64("price", bar.Close).Msg("dropping bar with negative close")
			continue
		}
		points = append(points, DataPoint{
			Symbol:    symbol,
			Price:     bar.Close,
			Volume:    int64(bar.Volume),
			Timestamp: barTime(bar.Timestamp),
			Source:    sourcePolygon,
			Open:      float64Ptr(bar.Open),
			High:      float64Ptr(bar.High),
			Low:       float64Ptr(bar.Low),
			Close:     float64Ptr(bar.Close),
		})
	}

	p.logger.Info().Str("symbol", symbol).Int("records", len(points)).Msg("historical records retrieved")
	return points, nil
}

// CompanyInfo fetches ticker reference data, consulting the cache first when
// one is configured. A zero CompanyInfo means nothing was found.
func (p *Polygon) CompanyInfo(ctx context.Context, symbol string) (CompanyInfo, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return CompanyInfo{}, err
	}

	if p.opts.Cache != nil {
		info, ok, cacheErr := p.opts.Cache.GetCompany(ctx, symbol)
		switch {
		case cacheErr != nil:
			p.logger.Warn().Err(cacheErr).Str("symbol", symbol).Msg("company cache lookup failed")
		case ok:
			return info, nil
		}
	}

	p.logger.Info().Str("symbol", symbol).Msg("fetching company info")
	body, err := p.get(ctx, "ticker_details", fmt.Sprintf(tickerPath, url.PathEscape(symbol)), nil)
	if err != nil {
		if isNotFound(err) {
			p.logger.Warn().Str("symbol", symbol).Msg("no company info found")
			return CompanyInfo{}, nil
		}
		return CompanyInfo{}, err
	}

	if r := gjson.GetBytes(body, "results"); !r.IsObject() || len(r.Map()) == 0 {
		p.logger.Warn().Str("symbol", symbol).Msg("no company info found")
		return CompanyInfo{}, nil
	}

	var res tickerDetailsResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return CompanyInfo{}, fmt.Errorf("decode ticker details for %s: %w", symbol, err)
	}

	r := res.Results
	if r.Ticker == "" {
		r.Ticker = symbol
	}
	info := CompanyInfo{
		Symbol:                      r.Ticker,
		Name:                        r.Name,
		Market:                      r.Market,
		Locale:                      r.Locale,
		PrimaryExchange:             r.PrimaryExchange,
		Type:                        r.Type,
		CurrencyName:                r.CurrencyName,
		Description:                 r.Description,
		HomepageURL:                 r.HomepageURL,
		TotalEmployees:              r.TotalEmployees,
		MarketCap:                   r.MarketCap,
		ShareClassSharesOutstanding: r.ShareClassSharesOutstanding,
		WeightedSharesOutstanding:   r.WeightedSharesOutstanding,
	}

	if p.opts.Cache != nil && !info.IsZero() {
		if err := p.opts.Cache.SetCompany(ctx, info, p.opts.CompanyTTL); err != nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("company cache store failed")
		}
	}
	return info, nil
}

// ValidateConnection performs a minimal authenticated round trip.
func (p *Polygon) ValidateConnection(ctx context.Context) bool {
	_, err := p.get(ctx, "probe", fmt.Sprintf(lastTradePath, url.PathEscape(p.opts.ProbeSymbol)), nil)
	if err != nil {
		p.logger.Error().Err(err).Msg("api connection validation failed")
		return false
	}
	p.logger.Info().Msg("api connection validated")
	return true
}

// get runs one logical request. Every attempt, retries included, waits for
// the rate limiter so the upstream quota holds across backoff.
func (p *Polygon) get(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	return retry.Value(ctx, p.retrier, func(ctx context.Context) ([]byte, error) {
		if err := p.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		return p.doGet(ctx, endpoint, path, query)
	})
}

func (p *Polygon) doGet(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	target := p.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	started := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		metrics.ObserveUpstream(endpoint, "transport_error", time.Since(started))
		p.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
		return nil, newTransportError(endpoint, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveUpstream(endpoint, "transport_error", time.Since(started))
		return nil, newTransportError(endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ObserveUpstream(endpoint, fmt.Sprintf("http_%d", resp.StatusCode), time.Since(started))
		if resp.StatusCode != http.StatusNotFound {
			p.logger.Error().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("http error")
		}
		return nil, parseHTTPError(endpoint, resp.StatusCode, payload)
	}

	if gjson.GetBytes(payload, "status").String() == "ERROR" {
		metrics.ObserveUpstream(endpoint, "api_error", time.Since(started))
		msg := gjson.GetBytes(payload, "error").String()
		if msg == "" {
			msg = "unknown api error"
		}
		p.logger.Error().Str("endpoint", endpoint).Str("error", msg).Msg("api error")
		return nil, &APIError{
			Endpoint:  endpoint,
			Message:   msg,
			RequestID: gjson.GetBytes(payload, "request_id").String(),
		}
	}

	metrics.ObserveUpstream(endpoint, "ok", time.Since(started))
	return payload, nil
}

func normalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", ErrInvalidSymbol
	}
	return s, nil
}

var _ MarketDataFetcher = (*Polygon)(nil)
