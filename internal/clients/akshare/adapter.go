package akshare

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// Flavors select which upstream the bridge scrapes for realtime data.
const (
	FlavorEastmoney = "eastmoney"
	FlavorSina      = "sina"
)

// Adapter exposes one AKShare realtime flavor as a data source. The
// eastmoney flavor carries the full capability set; sina is realtime-only
// and reports ErrNotSupported for the rest.
type Adapter struct {
	client *Client
	flavor string
	logger *common.Logger

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

// NewAdapter creates an AKShare adapter for the given flavor.
func NewAdapter(client *Client, flavor string, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		client: client,
		flavor: flavor,
		logger: common.NewSilentLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Name returns the flavored provider name, e.g. akshare_eastmoney.
func (a *Adapter) Name() string {
	return "akshare_" + a.flavor
}

// Available reports whether the bridge is configured. The bridge needs no
// credentials, so a constructed adapter is always available.
func (a *Adapter) Available(_ context.Context) interfaces.Availability {
	return interfaces.Availability{Available: true, Provenance: "bridge"}
}

// StockList returns all listed CN instruments (eastmoney flavor only).
func (a *Adapter) StockList(ctx context.Context) ([]models.StockListRow, error) {
	if a.flavor != FlavorEastmoney {
		return nil, interfaces.ErrNotSupported
	}

	rows, err := a.client.Get(ctx, "stock_info_a_code_name", nil)
	if err != nil {
		return nil, err
	}

	out := make([]models.StockListRow, 0, len(rows))
	for _, r := range rows {
		code := models.NormalizeCode(r.Str("code"))
		if code == "" {
			continue
		}
		out = append(out, models.StockListRow{
			Symbol: code,
			Name:   r.Str("name"),
		})
	}
	return out, nil
}

// DailyBasic derives valuation metrics from the eastmoney realtime spot
// table. Market caps arrive in yuan and are converted to 万元 so rows read
// the same regardless of provider.
func (a *Adapter) DailyBasic(ctx context.Context, tradeDate string) ([]models.DailyBasicRow, error) {
	if a.flavor != FlavorEastmoney {
		return nil, interfaces.ErrNotSupported
	}

	rows, err := a.client.Get(ctx, "stock_zh_a_spot_em", nil)
	if err != nil {
		return nil, err
	}

	out := make([]models.DailyBasicRow, 0, len(rows))
	for _, r := range rows {
		code := models.NormalizeCode(r.Str("代码"))
		if code == "" {
			continue
		}
		out = append(out, models.DailyBasicRow{
			Code:         code,
			TradeDate:    tradeDate,
			Close:        r.Float("最新价"),
			PE:           r.Float("市盈率-动态"),
			PETTM:        r.Float("市盈率-动态"),
			PB:           r.Float("市净率"),
			TurnoverRate: r.Float("换手率"),
			TotalMV:      r.Float("总市值") / 10000, // yuan → 万元
			CircMV:       r.Float("流通市值") / 10000,
			Volume:       r.Float("成交量"),
		})
	}
	return out, nil
}

// FindLatestTradeDate returns the most recent past trading day from the
// sina trading calendar dataset.
func (a *Adapter) FindLatestTradeDate(ctx context.Context) (string, error) {
	rows, err := a.client.Get(ctx, "tool_trade_date_hist_sina", nil)
	if err != nil {
		return "", err
	}

	today := a.now().Format("2006-01-02")
	latest := ""
	for _, r := range rows {
		d := r.Str("trade_date")
		if len(d) >= 10 {
			d = d[:10]
		}
		if d != "" && d <= today && d > latest {
			latest = d
		}
	}
	if latest == "" {
		return "", interfaces.ErrEmpty
	}
	return strings.ReplaceAll(latest, "-", ""), nil
}

// RealtimeQuotes returns a full-market snapshot from the flavor's spot
// endpoint. Volumes are normalized to shares.
func (a *Adapter) RealtimeQuotes(ctx context.Context) (map[string]models.RealtimeQuote, error) {
	if a.flavor == FlavorSina {
		return a.realtimeSina(ctx)
	}
	return a.realtimeEastmoney(ctx)
}

func (a *Adapter) realtimeEastmoney(ctx context.Context) (map[string]models.RealtimeQuote, error) {
	rows, err := a.client.Get(ctx, "stock_zh_a_spot_em", nil)
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.RealtimeQuote, len(rows))
	for _, r := range rows {
		code := models.NormalizeCode(r.Str("代码"))
		if code == "" {
			continue
		}
		out[code] = models.RealtimeQuote{
			Name:     r.Str("名称"),
			Close:    r.Float("最新价"),
			Open:     r.Float("今开"),
			High:     r.Float("最高"),
			Low:      r.Float("最低"),
			PreClose: r.Float("昨收"),
			PctChg:   r.Float("涨跌幅"),
			Volume:   r.Float("成交量") * models.TushareHandsToShares, // hands → shares
			Amount:   r.Float("成交额"),
		}
	}
	return out, nil
}

func (a *Adapter) realtimeSina(ctx context.Context) (map[string]models.RealtimeQuote, error) {
	rows, err := a.client.Get(ctx, "stock_zh_a_spot", nil)
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.RealtimeQuote, len(rows))
	for _, r := range rows {
		code := models.NormalizeCode(r.Str("代码"))
		if code == "" {
			code = models.NormalizeCode(r.Str("symbol"))
		}
		if code == "" {
			continue
		}
		out[code] = models.RealtimeQuote{
			Name:     r.Str("名称"),
			Close:    r.Float("最新价"),
			Open:     r.Float("今开"),
			High:     r.Float("最高"),
			Low:      r.Float("最低"),
			PreClose: r.Float("昨收"),
			PctChg:   r.Float("涨跌幅"),
			Volume:   r.Float("成交量"), // sina reports shares
			Amount:   r.Float("成交额"),
		}
	}
	return out, nil
}

// KLine returns up to limit bars from the eastmoney history dataset,
// oldest first. Volume arrives in hands and is converted to shares.
func (a *Adapter) KLine(ctx context.Context, code, period string, limit int, adj string) ([]models.HistoricalBar, error) {
	if a.flavor != FlavorEastmoney {
		return nil, interfaces.ErrNotSupported
	}
	if limit <= 0 {
		limit = 120
	}

	params := url.Values{}
	params.Set("symbol", models.NormalizeCode(code))
	params.Set("period", period)
	if adj != "" {
		params.Set("adjust", adj)
	}
	params.Set("start_date", a.now().AddDate(0, 0, -spanDays(period, limit)).Format("20060102"))
	params.Set("end_date", a.now().Format("20060102"))

	rows, err := a.client.Get(ctx, "stock_zh_a_hist", params)
	if err != nil {
		return nil, err
	}

	bars := make([]models.HistoricalBar, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, models.HistoricalBar{
			Symbol:     models.NormalizeCode(code),
			TradeDate:  r.Str("日期"),
			DataSource: a.Name(),
			Period:     period,
			Open:       r.Float("开盘"),
			High:       r.Float("最高"),
			Low:        r.Float("最低"),
			Close:      r.Float("收盘"),
			PctChg:     r.Float("涨跌幅"),
			Volume:     r.Float("成交量") * models.TushareHandsToShares,
			Amount:     r.Float("成交额"),
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

// News returns recent articles for one code, newest first, optionally
// merged with exchange announcements (eastmoney flavor only).
func (a *Adapter) News(ctx context.Context, code string, days, limit int, includeAnnouncements bool) ([]models.NewsItem, error) {
	if a.flavor != FlavorEastmoney {
		return nil, interfaces.ErrNotSupported
	}
	if limit <= 0 {
		limit = 20
	}

	params := url.Values{}
	params.Set("symbol", models.NormalizeCode(code))
	rows, err := a.client.Get(ctx, "stock_news_em", params)
	if err != nil {
		return nil, err
	}

	cutoff := a.now().AddDate(0, 0, -days)
	items := make([]models.NewsItem, 0, len(rows))
	for _, r := range rows {
		published := parseNewsTime(r.Str("发布时间"))
		if days > 0 && !published.IsZero() && published.Before(cutoff) {
			continue
		}
		items = append(items, models.NewsItem{
			Title:       r.Str("新闻标题"),
			URL:         r.Str("新闻链接"),
			Source:      r.Str("文章来源"),
			Kind:        models.NewsKindArticle,
			PublishedAt: published,
		})
	}

	if includeAnnouncements {
		annParams := url.Values{}
		annParams.Set("symbol", models.NormalizeCode(code))
		annRows, err := a.client.Get(ctx, "stock_notice_report", annParams)
		if err != nil {
			// Announcements are best-effort on top of news.
			a.logger.Warn().Err(err).Str("code", code).Msg("announcement fetch failed")
		} else {
			for _, r := range annRows {
				published := parseNewsTime(r.Str("公告日期"))
				if days > 0 && !published.IsZero() && published.Before(cutoff) {
					continue
				}
				items = append(items, models.NewsItem{
					Title:       r.Str("公告标题"),
					URL:         r.Str("网址"),
					Kind:        models.NewsKindAnnouncement,
					PublishedAt: published,
				})
			}
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].PublishedAt.After(items[j].PublishedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func parseNewsTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Ensure Adapter implements DataSourceAdapter
var _ interfaces.DataSourceAdapter = (*Adapter)(nil)
