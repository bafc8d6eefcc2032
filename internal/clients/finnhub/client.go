// Package finnhub provides a client for the Finnhub API, serving US
// realtime quotes and company news.
package finnhub

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
	DefaultBaseURL   = "https://finnhub.io/api/v1"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 1 // requests per second, free tier allows 60/min
)

// Adapter exposes Finnhub as a quote and news source for US symbols.
type Adapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter

	now func() time.Time
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

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) Option {
	return func(a *Adapter) {
		a.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) Option {
	return func(a *Adapter) {
		a.httpClient.Timeout = timeout
	}
}

// NewAdapter creates a Finnhub adapter
func NewAdapter(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
		now:     time.Now,
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
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("finnhub API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

func (a *Adapter) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("token", a.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	a.logger.Debug().Str("endpoint", path).Msg("finnhub API request")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: string(body), Endpoint: path}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Name returns the literal provider name.
func (a *Adapter) Name() string {
	return "finnhub"
}

// Available reports whether an API key is configured.
func (a *Adapter) Available(_ context.Context) interfaces.Availability {
	return interfaces.Availability{Available: a.apiKey != "", Provenance: "env"}
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

type quoteResponse struct {
	Current       float64 `json:"c"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PreviousClose float64 `json:"pc"`
	ChangePct     float64 `json:"dp"`
}

// Quote returns the latest price snapshot for one US symbol.
func (a *Adapter) Quote(ctx context.Context, symbol string) (*models.RealtimeQuote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp quoteResponse
	if err := a.get(ctx, "/quote", params, &resp); err != nil {
		return nil, err
	}
	if resp.Current == 0 && resp.PreviousClose == 0 {
		return nil, interfaces.ErrEmpty
	}

	return &models.RealtimeQuote{
		Close:    resp.Current,
		Open:     resp.Open,
		High:     resp.High,
		Low:      resp.Low,
		PreClose: resp.PreviousClose,
		PctChg:   resp.ChangePct,
	}, nil
}

// KLine is not served by this provider; Yahoo covers US bars.
func (a *Adapter) KLine(_ context.Context, _, _ string, _ int, _ string) ([]models.HistoricalBar, error) {
	return nil, interfaces.ErrNotSupported
}

type newsResponse struct {
	Headline string `json:"headline"`
	URL      string `json:"url"`
	Source   string `json:"source"`
	Datetime int64  `json:"datetime"`
}

// News returns company news for one US symbol inside the trailing window.
func (a *Adapter) News(ctx context.Context, symbol string, days, limit int, _ bool) ([]models.NewsItem, error) {
	if days <= 0 {
		days = 7
	}
	if limit <= 0 {
		limit = 20
	}

	now := a.now()
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("from", now.AddDate(0, 0, -days).Format("2006-01-02"))
	params.Set("to", now.Format("2006-01-02"))

	var resp []newsResponse
	if err := a.get(ctx, "/company-news", params, &resp); err != nil {
		return nil, err
	}

	items := make([]models.NewsItem, 0, len(resp))
	for _, n := range resp {
		if len(items) >= limit {
			break
		}
		items = append(items, models.NewsItem{
			Title:       n.Headline,
			URL:         n.URL,
			Source:      n.Source,
			Kind:        models.NewsKindArticle,
			PublishedAt: time.Unix(n.Datetime, 0).UTC(),
		})
	}
	return items, nil
}

// Ensure Adapter implements DataSourceAdapter
var _ interfaces.DataSourceAdapter = (*Adapter)(nil)
