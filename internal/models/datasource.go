package models

import "time"

// StockListRow is one instrument row from a provider's stock list.
type StockListRow struct {
	Symbol   string `json:"symbol"` // 6-digit
	Name     string `json:"name"`
	Industry string `json:"industry,omitempty"`
	Market   string `json:"market,omitempty"`
	Area     string `json:"area,omitempty"`
	ListDate string `json:"list_date,omitempty"`
}

// DailyBasicRow carries one instrument's per-day valuation metrics.
// Fields may legitimately be zero when the provider omits them.
type DailyBasicRow struct {
	Code         string  `json:"code"` // 6-digit
	TradeDate    string  `json:"trade_date"`
	TotalMV      float64 `json:"total_mv"` // 万元 as reported by tushare
	CircMV       float64 `json:"circ_mv"`
	PE           float64 `json:"pe"`
	PETTM        float64 `json:"pe_ttm"`
	PB           float64 `json:"pb"`
	PS           float64 `json:"ps"`
	TurnoverRate float64 `json:"turnover_rate"`
	TotalShare   float64 `json:"total_share"` // 万股
	Close        float64 `json:"close"`
	Volume       float64 `json:"volume"`
}

// RealtimeQuote is one instrument's realtime snapshot from a provider.
// Snapshots travel as a map keyed by 6-digit code.
type RealtimeQuote struct {
	Close    float64 `json:"close"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	PreClose float64 `json:"pre_close"`
	PctChg   float64 `json:"pct_chg"`
	Volume   float64 `json:"volume"`
	Amount   float64 `json:"amount"`
	Name     string  `json:"name,omitempty"`
}

// NewsItem is one news article or exchange announcement.
type NewsItem struct {
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	Source      string    `json:"source,omitempty"`
	Kind        string    `json:"kind"` // news / announcement
	PublishedAt time.Time `json:"published_at"`
}

// News item kinds
const (
	NewsKindArticle      = "news"
	NewsKindAnnouncement = "announcement"
)

// ConsistencyReport is the advisory produced by comparing two aligned
// daily-basics tables. It is never an error; callers keep the primary
// result and attach the report.
type ConsistencyReport struct {
	PrimarySource     string                      `json:"primary_source"`
	SecondarySource   string                      `json:"secondary_source"`
	CommonCodes       int                         `json:"common_codes"`
	Metrics           map[string]MetricComparison `json:"metrics"`
	ConfidenceScore   float64                     `json:"confidence_score"`
	IsConsistent      bool                        `json:"is_consistent"`
	RecommendedAction string                      `json:"recommended_action"`
}

// MetricComparison holds the per-metric outcome of a consistency check.
type MetricComparison struct {
	PrimaryMean   float64 `json:"primary_mean"`
	SecondaryMean float64 `json:"secondary_mean"`
	RelativeDiff  float64 `json:"relative_diff"`
	Tolerance     float64 `json:"tolerance"`
	Significant   bool    `json:"significant"`
}

// Recommended actions, ordered from most to least trusting.
const (
	ActionUseEither             = "use_either"
	ActionUsePrimaryWithWarning = "use_primary_with_warning"
	ActionUsePrimaryOnly        = "use_primary_only"
	ActionInvestigateSources    = "investigate_sources"
)

// ValuationResult is the output of the realtime PE/PB recomputation.
// PE and PB are strings because a loss-making stock reports "N/A".
type ValuationResult struct {
	Code         string  `json:"code"`
	PE           string  `json:"pe"`
	PB           string  `json:"pb"`
	PETTM        string  `json:"pe_ttm"`
	Price        float64 `json:"price"`
	MarketCap    float64 `json:"market_cap"` // 亿元
	TTMNetProfit float64 `json:"ttm_net_profit,omitempty"`
	IsRealtime   bool    `json:"is_realtime"`
	Source       string  `json:"source"`
	Warning      string  `json:"warning,omitempty"`
}

// Valuation provenance tags.
const (
	ValuationSourceRealtime    = "realtime_calculation"
	ValuationSourceLatestBasic = "stock_basic_info_latest"
	ValuationSourceDailyBasic  = "daily_basic"
)
