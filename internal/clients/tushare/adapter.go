package tushare

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// ErrBudgetExhausted is returned by RealtimeQuotes when the admission gate
// rejects the call. No network request has been made when this is returned.
var ErrBudgetExhausted = errors.New("tushare realtime budget exhausted")

// Realtime permission tiers.
const (
	tierUnknown = iota
	tierFree
	tierPremium
)

// Adapter exposes Tushare Pro as a data source. Realtime access is gated:
// on the free tier an hourly call budget applies, on the premium tier a
// minimum spacing between calls.
type Adapter struct {
	client     *Client
	logger     *common.Logger
	provenance string // where the token came from: env / database

	autoDetect bool
	probeOnce  sync.Once
	tierMu     sync.Mutex
	tier       int

	budget  *HourlyBudget
	spacing *MinIntervalGate

	now func() time.Time
}

// AdapterOption configures the adapter
type AdapterOption func(*Adapter)

// WithAdapterLogger sets the logger
func WithAdapterLogger(logger *common.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithTokenProvenance records where the token was loaded from.
func WithTokenProvenance(provenance string) AdapterOption {
	return func(a *Adapter) {
		a.provenance = provenance
	}
}

// WithHourlyBudget sets the free-tier realtime budget.
func WithHourlyBudget(b *HourlyBudget) AdapterOption {
	return func(a *Adapter) {
		a.budget = b
	}
}

// WithPremiumSpacing sets the premium-tier minimum call interval.
func WithPremiumSpacing(g *MinIntervalGate) AdapterOption {
	return func(a *Adapter) {
		a.spacing = g
	}
}

// WithAutoDetectPermission enables the one-shot premium probe on first
// realtime use. When disabled the adapter assumes the free tier.
func WithAutoDetectPermission(enabled bool) AdapterOption {
	return func(a *Adapter) {
		a.autoDetect = enabled
	}
}

// NewAdapter creates a Tushare adapter around an existing client.
func NewAdapter(client *Client, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		client:     client,
		logger:     common.NewSilentLogger(),
		provenance: "env",
		budget:     NewHourlyBudget(2),
		spacing:    NewMinIntervalGate(5 * time.Second),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Name returns the literal provider name.
func (a *Adapter) Name() string {
	return "tushare"
}

// Available reports whether a token is configured. No network call is made.
func (a *Adapter) Available(_ context.Context) interfaces.Availability {
	return interfaces.Availability{
		Available:  a.client.HasToken(),
		Provenance: a.provenance,
	}
}

// StockList returns all listed CN instruments.
func (a *Adapter) StockList(ctx context.Context) ([]models.StockListRow, error) {
	rows, err := a.client.Call(ctx, "stock_basic",
		map[string]any{"list_status": "L"},
		"ts_code,symbol,name,area,industry,market,list_date")
	if err != nil {
		return nil, err
	}

	out := make([]models.StockListRow, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		out = append(out, models.StockListRow{
			Symbol:   models.CodeFromTSCode(rows.Str(i, "ts_code")),
			Name:     rows.Str(i, "name"),
			Industry: rows.Str(i, "industry"),
			Market:   rows.Str(i, "market"),
			Area:     rows.Str(i, "area"),
			ListDate: rows.Str(i, "list_date"),
		})
	}
	return out, nil
}

// DailyBasic returns per-instrument valuation metrics for one trade date.
// total_mv and total_share keep tushare's native units (万元, 万股); the
// ingest layer owns unit conversion.
func (a *Adapter) DailyBasic(ctx context.Context, tradeDate string) ([]models.DailyBasicRow, error) {
	rows, err := a.client.Call(ctx, "daily_basic",
		map[string]any{"trade_date": tradeDate},
		"ts_code,trade_date,close,turnover_rate,pe,pe_ttm,pb,ps,total_share,total_mv,circ_mv")
	if err != nil {
		return nil, err
	}

	out := make([]models.DailyBasicRow, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		out = append(out, models.DailyBasicRow{
			Code:         models.CodeFromTSCode(rows.Str(i, "ts_code")),
			TradeDate:    rows.Str(i, "trade_date"),
			Close:        rows.Float(i, "close"),
			TurnoverRate: rows.Float(i, "turnover_rate"),
			PE:           rows.Float(i, "pe"),
			PETTM:        rows.Float(i, "pe_ttm"),
			PB:           rows.Float(i, "pb"),
			PS:           rows.Float(i, "ps"),
			TotalShare:   rows.Float(i, "total_share"),
			TotalMV:      rows.Float(i, "total_mv"),
			CircMV:       rows.Float(i, "circ_mv"),
		})
	}
	return out, nil
}

// FindLatestTradeDate returns the most recent open trading day (YYYYMMDD)
// from the SSE trading calendar.
func (a *Adapter) FindLatestTradeDate(ctx context.Context) (string, error) {
	today := a.now()
	rows, err := a.client.Call(ctx, "trade_cal",
		map[string]any{
			"exchange":   "SSE",
			"is_open":    "1",
			"start_date": today.AddDate(0, 0, -30).Format("20060102"),
			"end_date":   today.Format("20060102"),
		},
		"cal_date,is_open")
	if err != nil {
		return "", err
	}

	latest := ""
	for i := 0; i < rows.Len(); i++ {
		if d := rows.Str(i, "cal_date"); d > latest {
			latest = d
		}
	}
	if latest == "" {
		return "", interfaces.ErrEmpty
	}
	return latest, nil
}

// RealtimeQuotes returns a full-market realtime snapshot. The admission
// gate runs first: a rejected call returns ErrBudgetExhausted without
// touching the network, and only a successful call consumes budget.
func (a *Adapter) RealtimeQuotes(ctx context.Context) (map[string]models.RealtimeQuote, error) {
	tier := a.detectTier(ctx)

	if tier == tierPremium {
		if !a.spacing.Allow() {
			return nil, ErrBudgetExhausted
		}
	} else {
		if !a.budget.Allow() {
			return nil, ErrBudgetExhausted
		}
	}

	rows, err := a.client.Call(ctx, "rt_k", nil,
		"ts_code,name,open,high,low,close,pre_close,pct_chg,vol,amount")
	if err != nil {
		return nil, err
	}

	if tier == tierPremium {
		a.spacing.Record()
	} else {
		a.budget.Record()
	}

	out := make(map[string]models.RealtimeQuote, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		code := models.CodeFromTSCode(rows.Str(i, "ts_code"))
		if code == "" {
			continue
		}
		out[code] = models.RealtimeQuote{
			Name:     rows.Str(i, "name"),
			Open:     rows.Float(i, "open"),
			High:     rows.Float(i, "high"),
			Low:      rows.Float(i, "low"),
			Close:    rows.Float(i, "close"),
			PreClose: rows.Float(i, "pre_close"),
			PctChg:   rows.Float(i, "pct_chg"),
			Volume:   rows.Float(i, "vol"),
			Amount:   rows.Float(i, "amount"),
		}
	}
	return out, nil
}

// detectTier probes premium realtime permission once. A permission error
// settles on the free tier; any other probe failure also falls back to
// free so the cheaper budget applies.
func (a *Adapter) detectTier(ctx context.Context) int {
	a.tierMu.Lock()
	defer a.tierMu.Unlock()
	if a.tier != tierUnknown {
		return a.tier
	}
	if !a.autoDetect {
		a.tier = tierFree
		return a.tier
	}

	a.probeOnce.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_, err := a.client.Call(probeCtx, "rt_k",
			map[string]any{"ts_code": "600000.SH"}, "ts_code,close")
		switch {
		case err == nil:
			a.tier = tierPremium
			a.logger.Info().Msg("tushare premium realtime permission detected")
		case IsPermissionError(err):
			a.tier = tierFree
			a.logger.Info().Msg("tushare realtime on free tier")
		default:
			a.tier = tierFree
			a.logger.Warn().Err(err).Msg("tushare permission probe failed, assuming free tier")
		}
	})
	if a.tier == tierUnknown {
		a.tier = tierFree
	}
	return a.tier
}

// KLine returns up to limit bars for one code, oldest first. Amount and
// volume are converted to canonical units (yuan, shares). The adj flag is
// ignored: raw prices only on this provider.
func (a *Adapter) KLine(ctx context.Context, code, period string, limit int, _ string) ([]models.HistoricalBar, error) {
	apiName, ok := map[string]string{
		models.PeriodDaily:   "daily",
		models.PeriodWeekly:  "weekly",
		models.PeriodMonthly: "monthly",
	}[period]
	if !ok {
		return nil, fmt.Errorf("unsupported period: %s", period)
	}
	if limit <= 0 {
		limit = 120
	}

	// Calendar-day span with slack for weekends and holidays.
	days := limit * 2
	if period == models.PeriodWeekly {
		days = limit * 10
	} else if period == models.PeriodMonthly {
		days = limit * 40
	}
	today := a.now()

	rows, err := a.client.Call(ctx, apiName,
		map[string]any{
			"ts_code":    tsCode(code),
			"start_date": today.AddDate(0, 0, -days).Format("20060102"),
			"end_date":   today.Format("20060102"),
		},
		"ts_code,trade_date,open,high,low,close,pre_close,pct_chg,vol,amount")
	if err != nil {
		return nil, err
	}

	bars := make([]models.HistoricalBar, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		d := rows.Str(i, "trade_date")
		if len(d) == 8 {
			d = d[:4] + "-" + d[4:6] + "-" + d[6:]
		}
		bar := models.HistoricalBar{
			Symbol:     models.NormalizeCode(code),
			TradeDate:  d,
			DataSource: a.Name(),
			Period:     period,
			Open:       rows.Float(i, "open"),
			High:       rows.Float(i, "high"),
			Low:        rows.Float(i, "low"),
			Close:      rows.Float(i, "close"),
			PreClose:   rows.Float(i, "pre_close"),
			PctChg:     rows.Float(i, "pct_chg"),
			Volume:     rows.Float(i, "vol"),
			Amount:     rows.Float(i, "amount"),
		}
		models.NormalizeTushareBar(&bar)
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].TradeDate < bars[j].TradeDate })
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// News is not served by this provider.
func (a *Adapter) News(_ context.Context, _ string, _, _ int, _ bool) ([]models.NewsItem, error) {
	return nil, interfaces.ErrNotSupported
}

// tsCode renders a 6-digit code in tushare's ts_code spelling. Tushare
// uses .SH for Shanghai where the canonical full symbol uses .SS.
func tsCode(code string) string {
	c := models.NormalizeCode(code)
	full := models.FullSymbol(c)
	switch {
	case len(full) > 6 && full[7:] == "SS":
		return c + ".SH"
	case len(full) > 6:
		return c + "." + full[7:]
	default:
		return c
	}
}

// Ensure Adapter implements DataSourceAdapter
var _ interfaces.DataSourceAdapter = (*Adapter)(nil)
