// Package models defines the persisted entities and shared value types
// for quantgate.
package models

import (
	"math"
	"strings"
	"time"
)

// StockBasics is one instrument's metadata plus its latest valuation
// snapshot as reported by a single data source. The (Code, Source) pair
// is the document identity; the same instrument may be described by
// several providers.
type StockBasics struct {
	Code       string  `bson:"code" json:"code"`     // 6-digit zero-padded
	Source     string  `bson:"source" json:"source"` // literal provider name, never "multi_source"
	Name       string  `bson:"name" json:"name"`
	FullSymbol string  `bson:"full_symbol" json:"full_symbol"` // e.g. 600036.SS
	Industry   string  `bson:"industry,omitempty" json:"industry,omitempty"`
	Market     string  `bson:"market,omitempty" json:"market,omitempty"`
	Area       string  `bson:"area,omitempty" json:"area,omitempty"`
	ListDate   string  `bson:"list_date,omitempty" json:"list_date,omitempty"`
	TotalMV    float64 `bson:"total_mv,omitempty" json:"total_mv,omitempty"` // 亿元
	CircMV     float64 `bson:"circ_mv,omitempty" json:"circ_mv,omitempty"`   // 亿元
	PE         float64 `bson:"pe,omitempty" json:"pe,omitempty"`
	PETTM      float64 `bson:"pe_ttm,omitempty" json:"pe_ttm,omitempty"`
	PB         float64 `bson:"pb,omitempty" json:"pb,omitempty"`
	PS         float64 `bson:"ps,omitempty" json:"ps,omitempty"`
	TurnoverRate float64 `bson:"turnover_rate,omitempty" json:"turnover_rate,omitempty"`
	TotalShare float64 `bson:"total_share,omitempty" json:"total_share,omitempty"` // 万股
	ROE        float64 `bson:"roe,omitempty" json:"roe,omitempty"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}

// MarketQuote is the latest near-realtime snapshot for one instrument.
// Code is unique; every ingestion round overwrites the previous snapshot.
type MarketQuote struct {
	Code      string    `bson:"code" json:"code"` // 6-digit
	Symbol    string    `bson:"symbol" json:"symbol"`
	Close     float64   `bson:"close" json:"close"`
	Open      float64   `bson:"open" json:"open"`
	High      float64   `bson:"high" json:"high"`
	Low       float64   `bson:"low" json:"low"`
	PreClose  float64   `bson:"pre_close" json:"pre_close"`
	PctChg    float64   `bson:"pct_chg" json:"pct_chg"`
	Volume    float64   `bson:"volume" json:"volume"`
	Amount    float64   `bson:"amount" json:"amount"`
	TradeDate string    `bson:"trade_date" json:"trade_date"` // YYYYMMDD
	Source    string    `bson:"source,omitempty" json:"source,omitempty"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// HistoricalBar is one OHLCV bar. Identity is
// (Symbol, TradeDate, DataSource, Period); bars are immutable once written.
// Amount is always stored in yuan and Volume in shares; provider unit
// conversion happens before the write, never after.
type HistoricalBar struct {
	Symbol     string    `bson:"symbol" json:"symbol"`
	TradeDate  string    `bson:"trade_date" json:"trade_date"` // YYYY-MM-DD
	DataSource string    `bson:"data_source" json:"data_source"`
	Period     string    `bson:"period" json:"period"` // daily / weekly / monthly
	Open       float64   `bson:"open" json:"open"`
	High       float64   `bson:"high" json:"high"`
	Low        float64   `bson:"low" json:"low"`
	Close      float64   `bson:"close" json:"close"`
	PreClose   float64   `bson:"pre_close,omitempty" json:"pre_close,omitempty"`
	PctChg     float64   `bson:"pct_chg,omitempty" json:"pct_chg,omitempty"`
	Volume     float64   `bson:"volume" json:"volume"` // shares
	Amount     float64   `bson:"amount" json:"amount"` // yuan
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

// Bar periods
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// FinancialStatement holds one reporting period's balance/income/cashflow
// figures plus derived indicators. Identity is (Code, ReportPeriod).
type FinancialStatement struct {
	Code          string    `bson:"code" json:"code"`
	ReportPeriod  string    `bson:"report_period" json:"report_period"` // e.g. 20240331
	AnnDate       string    `bson:"ann_date,omitempty" json:"ann_date,omitempty"`
	TotalRevenue  float64   `bson:"total_revenue,omitempty" json:"total_revenue,omitempty"`
	NetProfit     float64   `bson:"net_profit,omitempty" json:"net_profit,omitempty"`
	TotalAssets   float64   `bson:"total_assets,omitempty" json:"total_assets,omitempty"`
	TotalLiab     float64   `bson:"total_liab,omitempty" json:"total_liab,omitempty"`
	TotalEquity   float64   `bson:"total_equity,omitempty" json:"total_equity,omitempty"` // yuan
	TotalShare    float64   `bson:"total_share,omitempty" json:"total_share,omitempty"`
	BasicEPS      float64   `bson:"basic_eps,omitempty" json:"basic_eps,omitempty"`
	ROE           float64   `bson:"roe,omitempty" json:"roe,omitempty"`
	NetCashflow   float64   `bson:"net_cashflow,omitempty" json:"net_cashflow,omitempty"`
	Source        string    `bson:"source,omitempty" json:"source,omitempty"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}

// Tushare unit multipliers. Raw tushare daily bars report amount in
// thousands of yuan and volume in hands (lots of 100 shares).
const (
	TushareAmountToYuan   = 1000.0
	TushareHandsToShares  = 100.0
	MarketCapDivisorToYi  = 10000.0 // 万元 → 亿元
)

// NormalizeTushareBar converts a tushare bar's amount and volume into the
// canonical stored units (yuan, shares). Idempotence is the caller's
// responsibility: apply exactly once, at write time.
func NormalizeTushareBar(bar *HistoricalBar) {
	bar.Amount = bar.Amount * TushareAmountToYuan
	bar.Volume = bar.Volume * TushareHandsToShares
}

// NormalizeCode extracts the canonical 6-digit stock code from the many
// spellings providers use: "sz000001", "SZ.000001", "000001.SZ", "1".
// Non-digit characters are stripped and the result is zero-padded to six.
// The function is idempotent.
func NormalizeCode(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	code := digits.String()
	if code == "" {
		return ""
	}
	if len(code) > 6 {
		code = code[len(code)-6:]
	}
	for len(code) < 6 {
		code = "0" + code
	}
	return code
}

// FullSymbol derives the exchange-qualified symbol from a 6-digit code.
// Prefixes 60/68/90 map to Shanghai (.SS), 00/30/20 to Shenzhen (.SZ),
// and 8/4 to Beijing (.BJ). This rule is load-bearing for downstream
// consumers; changing it is a breaking change.
func FullSymbol(code string) string {
	if len(code) != 6 {
		return code
	}
	switch code[:2] {
	case "60", "68", "90":
		return code + ".SS"
	case "00", "30", "20":
		return code + ".SZ"
	}
	switch code[:1] {
	case "8", "4":
		return code + ".BJ"
	}
	return code
}

// CodeFromTSCode extracts the 6-digit code from a tushare ts_code such as
// "000001.SZ". The exchange suffix is authoritative when present.
func CodeFromTSCode(tsCode string) string {
	if idx := strings.Index(tsCode, "."); idx >= 0 {
		return NormalizeCode(tsCode[:idx])
	}
	return NormalizeCode(tsCode)
}

// IsFiniteNonZero reports whether v is a usable metric value: finite,
// not NaN, and not zero. NaN values are filtered at ingest, never stored.
func IsFiniteNonZero(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v != 0
}
