package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-quality-pipeline/internal/retry"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestPolygon(t *testing.T, handler http.Handler) *Polygon {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	policy := retry.Policy{MaxAttempts: 3}
	p, err := NewPolygon(PolygonOptions{
		APIKey:      "test-key",
		BaseURL:     srv.URL,
		Timeout:     2 * time.Second,
		UserAgent:   "test",
		RetryPolicy: &policy,
	}, noopLogger())
	require.NoError(t, err)
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewPolygonRequiresAPIKey(t *testing.T) {
	_, err := NewPolygon(PolygonOptions{APIKey: "  "}, noopLogger())
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestLastTradeSendsBearerAndDecodes(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/last/trade/AAPL", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "test", r.Header.Get("User-Agent"))
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "OK",
			"results": map[string]any{
				"T": "AAPL",
				"p": 189.5,
				"s": 100,
				"t": int64(1700000000000000000),
			},
		})
	}))

	point, err := p.LastTrade(context.Background(), " aapl ")
	require.NoError(t, err)
	require.NotNil(t, point)
	assert.Equal(t, "AAPL", point.Symbol)
	assert.InDelta(t, 189.5, point.Price, 1e-9)
	assert.Equal(t, int64(100), point.Volume)
	assert.Equal(t, "polygon", point.Source)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), point.Timestamp)
	assert.Equal(t, time.UTC, point.Timestamp.Location())
}

func TestLastTradeWithoutResultsIsAbsent(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "OK"})
	}))

	point, err := p.LastTrade(context.Background(), "ZZZZ")
	require.NoError(t, err)
	assert.Nil(t, point)
}

func TestLastTradeEmptyResultsIsAbsent(t *testing.T) {
	payloads := map[string]string{
		"null":       `{"status":"OK","results":null}`,
		"empty":      `{"status":"OK","results":{}}`,
		"no price":   `{"status":"OK","results":{"T":"ZZZZ","t":1700000000000000000}}`,
		"not object": `{"status":"OK","results":[]}`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(payload))
			}))

			point, err := p.LastTrade(context.Background(), "ZZZZ")
			require.NoError(t, err)
			assert.Nil(t, point)
		})
	}
}

func TestNegativePricesAreDropped(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/last/trade/AAPL":
			writeJSON(w, http.StatusOK, map[string]any{"results": map[string]any{"T": "AAPL", "p": -5.5, "s": 1, "t": int64(1)}})
		case r.URL.Path == "/v1/open-close/AAPL/2024-01-02":
			writeJSON(w, http.StatusOK, map[string]any{
				"status": "OK", "symbol": "AAPL", "from": "2024-01-02",
				"open": 1.0, "high": 1.0, "low": -6.0, "close": -5.5, "volume": 10,
			})
		default:
			writeJSON(w, http.StatusOK, map[string]any{
				"status": "OK",
				"results": []map[string]any{
					{"o": 1.0, "h": 1.0, "l": 1.0, "c": -5.5, "v": 10, "t": int64(1704153600000)},
					{"o": 2.0, "h": 2.0, "l": 2.0, "c": 2.5, "v": 10, "t": int64(1704240000000)},
				},
			})
		}
	}))
	ctx := context.Background()

	point, err := p.LastTrade(ctx, "AAPL")
	require.NoError(t, err)
	assert.Nil(t, point)

	prices, err := p.StockPrices(ctx, []string{"AAPL"})
	require.NoError(t, err)
	assert.Empty(t, prices)

	daily, err := p.DailyOpenClose(ctx, "AAPL", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Nil(t, daily)

	bars, err := p.HistoricalData(ctx, "AAPL", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.InDelta(t, 2.5, bars[0].Price, 1e-9)
}

func TestDailyOpenCloseNullCloseIsAbsent(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","symbol":"AAPL","close":null}`))
	}))

	point, err := p.DailyOpenClose(context.Background(), "AAPL", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Nil(t, point)
}

func TestLastTradeNotFoundIsAbsentWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "NOT_FOUND", "message": "ticker not found"})
	}))

	point, err := p.LastTrade(context.Background(), "ZZZZ")
	require.NoError(t, err)
	assert.Nil(t, point)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLastTradeRejectsBlankSymbol(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))

	_, err := p.LastTrade(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidSymbol)
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "boom"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "OK",
			"results": map[string]any{"T": "MSFT", "p": 400.0, "s": 1, "t": int64(1700000000000000000)},
		})
	}))

	point, err := p.LastTrade(context.Background(), "MSFT")
	require.NoError(t, err)
	require.NotNil(t, point)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhaustReturnLastStatusError(t *testing.T) {
	var calls atomic.Int32
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
	}))

	_, err := p.LastTrade(context.Background(), "MSFT")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "unavailable", statusErr.Message)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBadRequestFailsFast(t *testing.T) {
	var calls atomic.Int32
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "ERROR", "error": "bad date"})
	}))

	_, err := p.DailyOpenClose(context.Background(), "AAPL", time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestErrorStatusPayloadIsAPIError(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ERROR", "error": "Unknown API Key", "request_id": "abc"})
	}))

	_, err := p.LastTrade(context.Background(), "AAPL")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Unknown API Key", apiErr.Message)
	assert.Equal(t, "abc", apiErr.RequestID)
	assert.False(t, apiErr.RateLimited())
}

func TestDailyOpenCloseStampsSessionDate(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/open-close/AAPL/2024-01-02", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "OK", "symbol": "AAPL",
			"open": 187.15, "high": 188.44, "low": 183.89, "close": 185.64, "volume": 82488700,
		})
	}))

	point, err := p.DailyOpenClose(context.Background(), "AAPL", time.Date(2024, 1, 2, 21, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, point)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), point.Timestamp)
	assert.InDelta(t, 185.64, point.Price, 1e-9)
	require.NotNil(t, point.Open)
	assert.InDelta(t, 187.15, *point.Open, 1e-9)
	assert.InDelta(t, 185.64, point.ClosePrice(), 1e-9)
	assert.Equal(t, int64(82488700), point.Volume)
}

func TestHistoricalDataDecodesMillisecondBars(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/aggs/ticker/AAPL/range/1/day/2024-01-01/2024-01-03", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("adjusted"))
		assert.Equal(t, "50000", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "OK",
			"results": []map[string]any{
				{"o": 1.0, "h": 2.0, "l": 0.5, "c": 1.5, "v": 10, "t": int64(1700000000000)},
				{"o": 1.5, "h": 2.5, "l": 1.0, "c": 2.0, "v": 20, "t": int64(1700086400000)},
			},
		})
	}))

	points, err := p.HistoricalData(context.Background(), "AAPL",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), points[0].Timestamp)
	assert.True(t, points[0].Timestamp.Before(points[1].Timestamp))
	assert.InDelta(t, 2.0, points[1].Price, 1e-9)
}

func TestTradeAndBarTimestampsAgree(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/v2/last/trade/AAPL" {
			writeJSON(w, http.StatusOK, map[string]any{
				"results": map[string]any{"T": "AAPL", "p": 1.0, "s": 1, "t": int64(1700000000123000000)},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results": []map[string]any{{"o": 1.0, "h": 1.0, "l": 1.0, "c": 1.0, "v": 1, "t": int64(1700000000123)}},
		})
	}))

	trade, err := p.LastTrade(context.Background(), "AAPL")
	require.NoError(t, err)
	bars, err := p.HistoricalData(context.Background(), "AAPL", time.Now(), time.Now())
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.True(t, trade.Timestamp.Equal(bars[0].Timestamp))
	assert.Len(t, paths, 2)
}

func TestHistoricalDataEmptyIsNotAnError(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "OK", "resultsCount": 0})
	}))

	points, err := p.HistoricalData(context.Background(), "AAPL", time.Now().AddDate(0, 0, -5), time.Now())
	require.NoError(t, err)
	assert.NotNil(t, points)
	assert.Empty(t, points)
}

func TestStockPricesSkipsFailedSymbols(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/last/trade/AAPL":
			writeJSON(w, http.StatusOK, map[string]any{"results": map[string]any{"T": "AAPL", "p": 1.0, "s": 1, "t": int64(1)}})
		case "/v2/last/trade/BAD":
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "not entitled"})
		case "/v2/last/trade/MSFT":
			writeJSON(w, http.StatusOK, map[string]any{"results": map[string]any{"T": "MSFT", "p": 2.0, "s": 1, "t": int64(1)}})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"status": "OK"})
		}
	}))

	points, err := p.StockPrices(context.Background(), []string{"AAPL", "BAD", "NONE", "MSFT"})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "AAPL", points[0].Symbol)
	assert.Equal(t, "MSFT", points[1].Symbol)
}

func TestStockPricesAllFailingReturnsEmpty(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
	}))

	points, err := p.StockPrices(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Empty(t, points)
}

type memoryCache struct {
	mu    sync.Mutex
	items map[string]CompanyInfo
}

func (m *memoryCache) GetCompany(_ context.Context, symbol string) (CompanyInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.items[symbol]
	return info, ok, nil
}

func (m *memoryCache) SetCompany(_ context.Context, info CompanyInfo, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[info.Symbol] = info
	return nil
}

func TestCompanyInfoUsesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "OK",
			"results": map[string]any{
				"ticker": "AAPL", "name": "Apple Inc.", "market": "stocks",
				"primary_exchange": "XNAS", "total_employees": 161000, "market_cap": 2.9e12,
			},
		})
	}))
	defer srv.Close()

	cache := &memoryCache{items: map[string]CompanyInfo{}}
	p, err := NewPolygon(PolygonOptions{APIKey: "k", BaseURL: srv.URL, Cache: cache}, noopLogger())
	require.NoError(t, err)

	first, err := p.CompanyInfo(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", first.Name)
	assert.Equal(t, int64(161000), first.TotalEmployees)

	second, err := p.CompanyInfo(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompanyInfoMissingIsZero(t *testing.T) {
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "NOT_FOUND"})
	}))

	info, err := p.CompanyInfo(context.Background(), "ZZZZ")
	require.NoError(t, err)
	assert.True(t, info.IsZero())
}

func TestCompanyInfoEmptyResultsIsZero(t *testing.T) {
	for _, payload := range []string{`{"status":"OK","results":null}`, `{"status":"OK","results":{}}`} {
		cache := &memoryCache{items: map[string]CompanyInfo{}}
		p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(payload))
		}))
		p.opts.Cache = cache

		info, err := p.CompanyInfo(context.Background(), "ZZZZ")
		require.NoError(t, err)
		assert.True(t, info.IsZero(), payload)
		assert.Empty(t, cache.items, payload)
	}
}

func TestCompanyInfoWithoutTickerIsCachedUnderRequestedSymbol(t *testing.T) {
	var calls atomic.Int32
	cache := &memoryCache{items: map[string]CompanyInfo{}}
	p := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "OK",
			"results": map[string]any{"name": "Microsoft Corp", "market": "stocks"},
		})
	}))
	p.opts.Cache = cache

	first, err := p.CompanyInfo(context.Background(), "msft")
	require.NoError(t, err)
	assert.Equal(t, "MSFT", first.Symbol)

	second, err := p.CompanyInfo(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestValidateConnection(t *testing.T) {
	ok := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/last/trade/AAPL", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"status": "OK"})
	}))
	assert.True(t, ok.ValidateConnection(context.Background()))

	denied := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": "ERROR", "error": "Unknown API Key"})
	}))
	assert.False(t, denied.ValidateConnection(context.Background()))
}

func TestIsRetryableClassification(t *testing.T) {
	assert.True(t, IsRetryable(&TransportError{Endpoint: "x", Err: errors.New("reset")}))
	assert.True(t, IsRetryable(&StatusError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, IsRetryable(&StatusError{StatusCode: http.StatusBadGateway}))
	assert.False(t, IsRetryable(&StatusError{StatusCode: http.StatusNotFound}))
	assert.True(t, IsRetryable(&APIError{Message: "You've exceeded the maximum requests per minute"}))
	assert.False(t, IsRetryable(&APIError{Message: "Unknown API Key"}))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))
}
