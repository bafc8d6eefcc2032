// Package baostock provides a client for a BaoStock HTTP bridge. BaoStock
// speaks a session-oriented binary protocol natively; the bridge wraps the
// query functions as stateless GET endpoints returning JSON row arrays.
// The provider serves as the lowest-priority CN fallback: stock list,
// trading calendar, and daily bars only.
package baostock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

const (
	DefaultBaseURL   = "http://127.0.0.1:8765/api"
	DefaultTimeout   = 60 * time.Second
	DefaultRateLimit = 3 // requests per second
)

// Adapter is both client and data source adapter; the bridge surface is
// small enough not to warrant a separate client type.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter

	now func() time.Time
}

// Option configures the adapter
type Option func(*Adapter)

// WithBaseURL sets the bridge base URL
func WithBaseURL(baseURL string) Option {
	return func(a *Adapter) {
		a.baseURL = strings.TrimRight(baseURL, "/")
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

// NewAdapter creates a BaoStock bridge adapter
func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: DefaultBaseURL,
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

type row map[string]any

func (r row) str(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (r row) float(key string) float64 {
	switch t := r[key].(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func (a *Adapter) get(ctx context.Context, endpoint string, params url.Values) ([]row, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := a.baseURL + "/" + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	a.logger.Debug().Str("endpoint", endpoint).Msg("baostock bridge request")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("baostock bridge error: %s (status: %d, endpoint: %s)",
			string(body), resp.StatusCode, endpoint)
	}

	var rows []row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return rows, nil
}

// Name returns the literal provider name.
func (a *Adapter) Name() string {
	return "baostock"
}

// Available reports whether the bridge is configured.
func (a *Adapter) Available(_ context.Context) interfaces.Availability {
	return interfaces.Availability{Available: true, Provenance: "bridge"}
}

// StockList returns listed CN instruments from query_stock_basic.
func (a *Adapter) StockList(ctx context.Context) ([]models.StockListRow, error) {
	rows, err := a.get(ctx, "query_stock_basic", nil)
	if err != nil {
		return nil, err
	}

	out := make([]models.StockListRow, 0, len(rows))
	for _, r := range rows {
		// type 1 = stock; skip indices and funds
		if t := r.str("type"); t != "" && t != "1" {
			continue
		}
		code := models.NormalizeCode(r.str("code"))
		if code == "" {
			continue
		}
		out = append(out, models.StockListRow{
			Symbol:   code,
			Name:     r.str("code_name"),
			ListDate: strings.ReplaceAll(r.str("ipoDate"), "-", ""),
		})
	}
	return out, nil
}

// DailyBasic is not served market-wide by this provider.
func (a *Adapter) DailyBasic(_ context.Context, _ string) ([]models.DailyBasicRow, error) {
	return nil, interfaces.ErrNotSupported
}

// FindLatestTradeDate returns the most recent past trading day from
// query_trade_dates.
func (a *Adapter) FindLatestTradeDate(ctx context.Context) (string, error) {
	today := a.now()
	params := url.Values{}
	params.Set("start_date", today.AddDate(0, 0, -30).Format("2006-01-02"))
	params.Set("end_date", today.Format("2006-01-02"))

	rows, err := a.get(ctx, "query_trade_dates", params)
	if err != nil {
		return "", err
	}

	latest := ""
	for _, r := range rows {
		if r.str("is_trading_day") != "1" {
			continue
		}
		if d := r.str("calendar_date"); d > latest {
			latest = d
		}
	}
	if latest == "" {
		return "", interfaces.ErrEmpty
	}
	return strings.ReplaceAll(latest, "-", ""), nil
}

// RealtimeQuotes is not served by this provider.
func (a *Adapter) RealtimeQuotes(_ context.Context) (map[string]models.RealtimeQuote, error) {
	return nil, interfaces.ErrNotSupported
}

// KLine returns up to limit daily bars from query_history_k_data_plus,
// oldest first. BaoStock reports volume in shares and amount in yuan, so
// no unit conversion applies.
func (a *Adapter) KLine(ctx context.Context, code, period string, limit int, adj string) ([]models.HistoricalBar, error) {
	if period != models.PeriodDaily && period != models.PeriodWeekly && period != models.PeriodMonthly {
		return nil, fmt.Errorf("unsupported period: %s", period)
	}
	if limit <= 0 {
		limit = 120
	}

	freq := map[string]string{
		models.PeriodDaily:   "d",
		models.PeriodWeekly:  "w",
		models.PeriodMonthly: "m",
	}[period]

	// BaoStock adjust flags: 1 hfq, 2 qfq, 3 raw.
	adjustFlag := "3"
	if adj == "qfq" {
		adjustFlag = "2"
	} else if adj == "hfq" {
		adjustFlag = "1"
	}

	today := a.now()
	params := url.Values{}
	params.Set("code", bsCode(code))
	params.Set("frequency", freq)
	params.Set("adjustflag", adjustFlag)
	params.Set("start_date", today.AddDate(0, 0, -spanDays(period, limit)).Format("2006-01-02"))
	params.Set("end_date", today.Format("2006-01-02"))
	params.Set("fields", "date,open,high,low,close,preclose,pctChg,volume,amount")

	rows, err := a.get(ctx, "query_history_k_data_plus", params)
	if err != nil {
		return nil, err
	}

	bars := make([]models.HistoricalBar, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, models.HistoricalBar{
			Symbol:     models.NormalizeCode(code),
			TradeDate:  r.str("date"),
			DataSource: a.Name(),
			Period:     period,
			Open:       r.float("open"),
			High:       r.float("high"),
			Low:        r.float("low"),
			Close:      r.float("close"),
			PreClose:   r.float("preclose"),
			PctChg:     r.float("pctChg"),
			Volume:     r.float("volume"),
			Amount:     r.float("amount"),
		})
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].TradeDate < bars[j].TradeDate })
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func spanDays(period string, limit int) int {
	switch period {
	case models.PeriodWeekly:
		return limit * 10
	case models.PeriodMonthly:
		return limit * 40
	default:
		return limit * 2
	}
}

// News is not served by this provider.
func (a *Adapter) News(_ context.Context, _ string, _, _ int, _ bool) ([]models.NewsItem, error) {
	return nil, interfaces.ErrNotSupported
}

// bsCode renders a 6-digit code in baostock's dotted lowercase spelling,
// e.g. sh.600036.
func bsCode(code string) string {
	c := models.NormalizeCode(code)
	full := models.FullSymbol(c)
	switch {
	case strings.HasSuffix(full, ".SS"):
		return "sh." + c
	case strings.HasSuffix(full, ".SZ"):
		return "sz." + c
	case strings.HasSuffix(full, ".BJ"):
		return "bj." + c
	default:
		return c
	}
}

// Ensure Adapter implements DataSourceAdapter
var _ interfaces.DataSourceAdapter = (*Adapter)(nil)
