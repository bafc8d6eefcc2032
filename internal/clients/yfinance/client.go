// Package yfinance provides a client for the Yahoo Finance chart API,
// serving HK and US symbols. Responses are optionally memoized through the
// blob cache so repeated pulls inside the configured window cost nothing.
package yfinance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

const (
	DefaultBaseURL   = "https://query1.finance.yahoo.com"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5 // requests per second
	DefaultUserAgent = "Mozilla/5.0 (compatible; quantgate/1.0)"
)

// Adapter exposes Yahoo Finance as a bar and quote source for HK/US
// symbols. Market-wide capabilities are not served.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter

	cache    interfaces.BlobCache
	cacheTTL time.Duration
}

// Option configures the adapter
type Option func(*Adapter)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) Option {
	return func(a *Adapter) {
		a.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) Option {
	return func(a *Adapter) {
		a.httpClient.Timeout = timeout
	}
}

// WithCache memoizes chart responses in the blob cache for ttl.
func WithCache(cache interfaces.BlobCache, ttl time.Duration) Option {
	return func(a *Adapter) {
		a.cache = cache
		a.cacheTTL = ttl
	}
}

// NewAdapter creates a Yahoo Finance adapter
func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// APIError represents an API error
type APIError struct {
	StatusCode int
	Message    string
	Symbol     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("yahoo finance error: %s (status: %d, symbol: %s)", e.Message, e.StatusCode, e.Symbol)
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				ChartPreviousClose float64 `json:"chartPreviousClose"`
				Currency           string  `json:"currency"`
				ExchangeName       string  `json:"exchangeName"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (a *Adapter) chart(ctx context.Context, symbol string, params url.Values) (*chartResponse, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := fmt.Sprintf("%s/v8/finance/chart/%s?%s", a.baseURL, url.PathEscape(symbol), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	a.logger.Debug().Str("symbol", symbol).Msg("yahoo chart request")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body), Symbol: symbol}
	}

	var out chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Chart.Error != nil {
		return nil, &APIError{StatusCode: http.StatusOK, Message: out.Chart.Error.Description, Symbol: symbol}
	}
	if len(out.Chart.Result) == 0 {
		return nil, interfaces.ErrEmpty
	}
	return &out, nil
}

// Name returns the literal provider name.
func (a *Adapter) Name() string {
	return "yfinance"
}

// Available reports adapter availability. The API needs no credentials.
func (a *Adapter) Available(_ context.Context) interfaces.Availability {
	return interfaces.Availability{Available: true, Provenance: "public"}
}

// StockList is not served by this provider.
func (a *Adapter) StockList(_ context.Context) ([]models.StockListRow, error) {
	return nil, interfaces.ErrNotSupported
}

// DailyBasic is not served by this provider.
func (a *Adapter) DailyBasic(_ context.Context, _ string) ([]models.DailyBasicRow, error) {
	return nil, interfaces.ErrNotSupported
}

// FindLatestTradeDate is not served by this provider.
func (a *Adapter) FindLatestTradeDate(_ context.Context) (string, error) {
	return "", interfaces.ErrNotSupported
}

// RealtimeQuotes is not served market-wide; use Quote for single symbols.
func (a *Adapter) RealtimeQuotes(_ context.Context) (map[string]models.RealtimeQuote, error) {
	return nil, interfaces.ErrNotSupported
}

// Quote returns the latest price snapshot for one symbol.
func (a *Adapter) Quote(ctx context.Context, symbol string) (*models.RealtimeQuote, error) {
	params := url.Values{}
	params.Set("range", "1d")
	params.Set("interval", "1d")

	resp, err := a.chart(ctx, symbol, params)
	if err != nil {
		return nil, err
	}

	meta := resp.Chart.Result[0].Meta
	q := &models.RealtimeQuote{
		Close:    meta.RegularMarketPrice,
		PreClose: meta.ChartPreviousClose,
	}
	if q.PreClose > 0 {
		q.PctChg = (q.Close - q.PreClose) / q.PreClose * 100
	}
	return q, nil
}

// KLine returns up to limit bars for one symbol, oldest first. Cached
// responses inside the configured window are served without a network
// call. The adj flag is ignored; Yahoo bars are split-adjusted already.
func (a *Adapter) KLine(ctx context.Context, symbol, period string, limit int, _ string) ([]models.HistoricalBar, error) {
	interval, ok := map[string]string{
		models.PeriodDaily:   "1d",
		models.PeriodWeekly:  "1wk",
		models.PeriodMonthly: "1mo",
	}[period]
	if !ok {
		return nil, fmt.Errorf("unsupported period: %s", period)
	}
	if limit <= 0 {
		limit = 120
	}

	cacheKey := fmt.Sprintf("yfinance_kline_%s_%s_%d", symbol, period, limit)
	if a.cache != nil {
		if blob, ok := a.cache.Get(cacheKey, a.cacheTTL); ok {
			var bars []models.HistoricalBar
			if err := json.Unmarshal(blob, &bars); err == nil {
				return bars, nil
			}
		}
	}

	params := url.Values{}
	params.Set("interval", interval)
	params.Set("range", chartRange(period, limit))

	resp, err := a.chart(ctx, symbol, params)
	if err != nil {
		return nil, err
	}

	result := resp.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, interfaces.ErrEmpty
	}
	quote := result.Indicators.Quote[0]

	bars := make([]models.HistoricalBar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == 0 {
			continue
		}
		bars = append(bars, models.HistoricalBar{
			Symbol:     symbol,
			TradeDate:  time.Unix(ts, 0).UTC().Format("2006-01-02"),
			DataSource: a.Name(),
			Period:     period,
			Open:       at(quote.Open, i),
			High:       at(quote.High, i),
			Low:        at(quote.Low, i),
			Close:      quote.Close[i],
			Volume:     at(quote.Volume, i),
		})
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}

	if a.cache != nil && len(bars) > 0 {
		if blob, err := json.Marshal(bars); err == nil {
			if err := a.cache.Put(cacheKey, blob); err != nil {
				a.logger.Warn().Err(err).Str("symbol", symbol).Msg("kline cache write failed")
			}
		}
	}
	return bars, nil
}

func at(s []float64, i int) float64 {
	if i < len(s) {
		return s[i]
	}
	return 0
}

func chartRange(period string, limit int) string {
	days := limit
	switch period {
	case models.PeriodWeekly:
		days = limit * 7
	case models.PeriodMonthly:
		days = limit * 31
	}
	switch {
	case days <= 30:
		return "1mo"
	case days <= 90:
		return "3mo"
	case days <= 365:
		return "1y"
	case days <= 730:
		return "2y"
	case days <= 1825:
		return "5y"
	default:
		return "10y"
	}
}

// News is not served by this provider.
func (a *Adapter) News(_ context.Context, _ string, _, _ int, _ bool) ([]models.NewsItem, error) {
	return nil, interfaces.ErrNotSupported
}

// Ensure Adapter implements DataSourceAdapter
var _ interfaces.DataSourceAdapter = (*Adapter)(nil)
