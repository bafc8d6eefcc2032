// Package valuation recomputes dynamic PE/PB from the latest realtime
// price, cached TTM metrics, and reverse-derived share counts.
package valuation

import (
	"context"
	"fmt"
	"time"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// Sanity windows for derived ratios. A value outside them means the
// inputs disagree and the static snapshot is safer.
const (
	peFloor = -100.0
	peCeil  = 1000.0
	pbFloor = 0.1
	pbCeil  = 100.0
)

// Post-close cutoff hour in the trading timezone. Basics updated on the
// current day at or after this hour already reflect the close.
const postCloseHour = 15

// Yuan per 亿元.
const yuanPerYi = 1e8

// Service implements interfaces.ValuationService.
type Service struct {
	quotes     interfaces.MarketQuoteStore
	basics     interfaces.StockBasicsStore
	financials interfaces.FinancialStore
	logger     *common.Logger
	tz         *time.Location
	now        func() time.Time
}

// ServiceOption configures the service
type ServiceOption func(*Service)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimezone sets the trading timezone used by the post-close check.
func WithTimezone(tz *time.Location) ServiceOption {
	return func(s *Service) {
		if tz != nil {
			s.tz = tz
		}
	}
}

// NewService creates the valuation service.
func NewService(quotes interfaces.MarketQuoteStore, basics interfaces.StockBasicsStore, financials interfaces.FinancialStore, opts ...ServiceOption) *Service {
	tz, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		tz = time.FixedZone("CST", 8*3600)
	}
	s := &Service{
		quotes:     quotes,
		basics:     basics,
		financials: financials,
		logger:     common.NewSilentLogger(),
		tz:         tz,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Recompute derives the dynamic valuation for one code. It never returns
// an error: any failure yields (nil, false) or a degraded static result.
func (s *Service) Recompute(ctx context.Context, code string) (*models.ValuationResult, bool) {
	code = models.NormalizeCode(code)
	if code == "" {
		return nil, false
	}

	quote, err := s.quotes.Get(ctx, code)
	if err != nil || quote == nil || quote.Close <= 0 {
		return nil, false
	}

	basics, fromTushare, err := s.basics.GetPreferred(ctx, code)
	if err != nil || basics == nil {
		return nil, false
	}
	if !fromTushare && basics.PETTM == 0 {
		// Without a trustworthy pe_ttm there is nothing to derive from.
		s.logger.Debug().Str("code", code).Str("source", basics.Source).
			Msg("non-tushare basics lack pe_ttm, valuation unavailable")
		return nil, false
	}

	now := s.now().In(s.tz)
	updated := basics.UpdatedAt.In(s.tz)

	// Basics refreshed after today's close already answer the question.
	if sameDay(updated, now) && updated.Hour() >= postCloseHour {
		return staticResult(code, basics, quote.Close, models.ValuationSourceLatestBasic, ""), true
	}

	totalShares := basics.TotalShare // 万股
	if totalShares <= 0 {
		totalShares = deriveTotalShares(basics, quote, sameDay(updated, now))
	}
	if totalShares <= 0 {
		return staticResult(code, basics, quote.Close, models.ValuationSourceDailyBasic,
			"total shares unavailable, static values returned"), true
	}

	// 万股 × 元 = 万元; divide by 10000 for 亿元.
	yesterdayMV := basics.TotalMV
	if quote.PreClose > 0 {
		yesterdayMV = totalShares * quote.PreClose / models.MarketCapDivisorToYi
	}
	realtimeMV := totalShares * quote.Close / models.MarketCapDivisorToYi

	result := &models.ValuationResult{
		Code:       code,
		Price:      quote.Close,
		MarketCap:  realtimeMV,
		IsRealtime: true,
		Source:     models.ValuationSourceRealtime,
	}

	peOK := true
	if basics.PETTM > 0 {
		ttmNetProfit := yesterdayMV / basics.PETTM
		result.TTMNetProfit = ttmNetProfit
		dynamicPE := realtimeMV / ttmNetProfit
		if dynamicPE < peFloor || dynamicPE > peCeil {
			peOK = false
		} else {
			result.PE = formatRatio(dynamicPE)
			result.PETTM = result.PE
		}
	} else {
		// Loss-making on a TTM basis; division is meaningless.
		result.PE = "N/A"
		result.PETTM = "N/A"
	}

	pbOK := true
	if equity := s.latestTotalEquity(ctx, code); equity > 0 {
		dynamicPB := realtimeMV / equity
		if dynamicPB < pbFloor || dynamicPB > pbCeil {
			pbOK = false
		} else {
			result.PB = formatRatio(dynamicPB)
		}
	} else if basics.PB > 0 {
		result.PB = formatRatio(basics.PB)
		result.Warning = "total equity unavailable, static pb returned"
	}

	if !peOK || !pbOK {
		return staticResult(code, basics, quote.Close, models.ValuationSourceDailyBasic,
			"derived ratios failed the sanity check, static values returned"), true
	}
	return result, true
}

// deriveTotalShares reverse-derives the share count (万股) from the
// stored market cap. Yesterday's basics divide by pre_close; same-day
// pre-close basics divide by the realtime price.
func deriveTotalShares(basics *models.StockBasics, quote *models.MarketQuote, basicsAreToday bool) float64 {
	if basics.TotalMV <= 0 {
		return 0
	}
	price := quote.PreClose
	if basicsAreToday {
		price = quote.Close
	}
	if price <= 0 {
		return 0
	}
	// 亿元 → 万元, then divide by the per-share price.
	return basics.TotalMV * models.MarketCapDivisorToYi / price
}

// latestTotalEquity loads the newest reported total equity in 亿元.
func (s *Service) latestTotalEquity(ctx context.Context, code string) float64 {
	statement, err := s.financials.Latest(ctx, code)
	if err != nil || statement == nil || statement.TotalEquity <= 0 {
		return 0
	}
	return statement.TotalEquity / yuanPerYi
}

// staticResult renders the cached basics snapshot.
func staticResult(code string, basics *models.StockBasics, price float64, source, warning string) *models.ValuationResult {
	result := &models.ValuationResult{
		Code:       code,
		Price:      price,
		MarketCap:  basics.TotalMV,
		IsRealtime: false,
		Source:     source,
		Warning:    warning,
	}
	if basics.PE > 0 {
		result.PE = formatRatio(basics.PE)
	} else if basics.PETTM > 0 {
		result.PE = formatRatio(basics.PETTM)
	} else {
		result.PE = "N/A"
	}
	if basics.PETTM > 0 {
		result.PETTM = formatRatio(basics.PETTM)
	} else {
		result.PETTM = "N/A"
	}
	if basics.PB > 0 {
		result.PB = formatRatio(basics.PB)
	} else {
		result.PB = "N/A"
	}
	return result
}

func formatRatio(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// Compile-time check
var _ interfaces.ValuationService = (*Service)(nil)
