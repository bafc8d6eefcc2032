package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/coolbix/quantgate/internal/clients/tushare"
	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// Sync job names
const (
	JobStockBasics            = "stock_basics"
	JobMultiSourceStockBasics = "multi_source_stock_basics"
)

// BasicsService ingests instrument metadata and valuation snapshots into
// stock_basic_info, from Tushare alone or through the multi-source
// fallback chain.
type BasicsService struct {
	runner  *Runner
	store   interfaces.StockBasicsStore
	sources interfaces.DataSourceManager
	tushare *tushare.Adapter // enrichment path; nil when tushare is disabled
	logger  *common.Logger
	now     func() time.Time
}

// NewBasicsService creates the basics ingestion service. The tushare
// adapter may be nil; the single-source path then refuses to run.
func NewBasicsService(runner *Runner, store interfaces.StockBasicsStore, sources interfaces.DataSourceManager, ts *tushare.Adapter, logger *common.Logger) *BasicsService {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &BasicsService{
		runner:  runner,
		store:   store,
		sources: sources,
		tushare: ts,
		logger:  logger,
		now:     time.Now,
	}
}

// Sync runs the single-source Tushare basics sync: stock list enriched
// with one daily-basic map and one ROE map. Enrichment failures are
// counted, not fatal; the run completes with success_with_errors.
func (s *BasicsService) Sync(ctx context.Context, force bool) (*models.SyncStatus, error) {
	return s.runner.Run(ctx, JobStockBasics, "stock_basics", force, func(ctx context.Context) (*RunResult, error) {
		if s.tushare == nil {
			return nil, fmt.Errorf("tushare adapter not configured")
		}
		result := &RunResult{Source: s.tushare.Name()}

		list, err := s.tushare.StockList(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to fetch stock list: %w", err)
		}
		if len(list) == 0 {
			return result, fmt.Errorf("stock list came back empty")
		}

		basicsByCode := make(map[string]models.DailyBasicRow)
		if tradeDate, err := s.tushare.FindLatestTradeDate(ctx); err != nil {
			result.Errors++
			s.logger.Warn().Err(err).Msg("trade date lookup failed, basics stored without valuation metrics")
		} else if rows, err := s.tushare.DailyBasic(ctx, tradeDate); err != nil {
			result.Errors++
			s.logger.Warn().Err(err).Str("trade_date", tradeDate).Msg("daily basic fetch failed")
		} else {
			for _, row := range rows {
				basicsByCode[row.Code] = row
			}
		}

		roeByCode, err := s.tushare.ROEMap(ctx, latestReportPeriod(s.now()))
		if err != nil {
			result.Errors++
			s.logger.Warn().Err(err).Msg("roe enrichment failed, continuing without it")
		}

		docs := make([]models.StockBasics, 0, len(list))
		for _, row := range list {
			code := models.NormalizeCode(row.Symbol)
			if code == "" {
				continue
			}
			docs = append(docs, composeBasics(code, s.tushare.Name(), row, basicsByCode[code], roeByCode[code]))
		}

		written, err := s.store.BulkUpsert(ctx, docs)
		result.Records = written
		if err != nil {
			return result, fmt.Errorf("failed to upsert stock basics: %w", err)
		}
		return result, nil
	})
}

// MultiSourceSync runs the fallback-chain basics sync. Preferred sources,
// when given, lead the priority order. Every written document is
// attributed to the literal provider that produced it.
func (s *BasicsService) MultiSourceSync(ctx context.Context, force bool, preferred ...string) (*models.SyncStatus, error) {
	for _, p := range preferred {
		if p == "multi_source" {
			return nil, fmt.Errorf("%q is not a provider name", p)
		}
	}

	return s.runner.Run(ctx, JobMultiSourceStockBasics, "stock_basics", force, func(ctx context.Context) (*RunResult, error) {
		result := &RunResult{}

		listResult, err := s.sources.StockListWithFallback(ctx, preferred...)
		if err != nil {
			return result, fmt.Errorf("all sources failed for stock list: %w", err)
		}
		result.Source = listResult.Source

		// Valuation metrics ride along when any source can serve them;
		// a divergence advisory is logged, never fatal.
		basicsByCode := make(map[string]models.DailyBasicRow)
		if tradeDate, err := s.sources.FindLatestTradeDateWithFallback(ctx); err != nil {
			result.Errors++
			s.logger.Warn().Err(err).Msg("trade date lookup failed across all sources")
		} else {
			metrics, report, err := s.sources.DailyBasicWithConsistencyCheck(ctx, tradeDate.Data)
			if err != nil {
				result.Errors++
				s.logger.Warn().Err(err).Msg("daily basics failed across all sources")
			} else {
				for _, row := range metrics.Data {
					basicsByCode[row.Code] = row
				}
				if report != nil {
					s.logger.Info().
						Str("primary", report.PrimarySource).
						Str("secondary", report.SecondarySource).
						Float64("confidence", report.ConfidenceScore).
						Str("action", report.RecommendedAction).
						Msg("source consistency advisory")
				}
			}
		}

		docs := make([]models.StockBasics, 0, len(listResult.Data))
		for _, row := range listResult.Data {
			code := models.NormalizeCode(row.Symbol)
			if code == "" {
				continue
			}
			docs = append(docs, composeBasics(code, listResult.Source, row, basicsByCode[code], 0))
		}

		written, err := s.store.BulkUpsert(ctx, docs)
		result.Records = written
		if err != nil {
			return result, fmt.Errorf("failed to upsert stock basics: %w", err)
		}
		return result, nil
	})
}

// composeBasics merges a list row with its valuation metrics into one
// document. Market caps convert 万元 to 亿元 here; NaN and infinite
// metrics are dropped rather than stored.
func composeBasics(code, source string, row models.StockListRow, metrics models.DailyBasicRow, roe float64) models.StockBasics {
	doc := models.StockBasics{
		Code:       code,
		Source:     source,
		Name:       row.Name,
		FullSymbol: models.FullSymbol(code),
		Industry:   row.Industry,
		Market:     row.Market,
		Area:       row.Area,
		ListDate:   row.ListDate,
	}

	if models.IsFiniteNonZero(metrics.TotalMV) {
		doc.TotalMV = metrics.TotalMV / models.MarketCapDivisorToYi
	}
	if models.IsFiniteNonZero(metrics.CircMV) {
		doc.CircMV = metrics.CircMV / models.MarketCapDivisorToYi
	}
	if models.IsFiniteNonZero(metrics.PE) {
		doc.PE = metrics.PE
	}
	if models.IsFiniteNonZero(metrics.PETTM) {
		doc.PETTM = metrics.PETTM
	}
	if models.IsFiniteNonZero(metrics.PB) {
		doc.PB = metrics.PB
	}
	if models.IsFiniteNonZero(metrics.PS) {
		doc.PS = metrics.PS
	}
	if models.IsFiniteNonZero(metrics.TurnoverRate) {
		doc.TurnoverRate = metrics.TurnoverRate
	}
	if models.IsFiniteNonZero(metrics.TotalShare) {
		doc.TotalShare = metrics.TotalShare
	}
	if models.IsFiniteNonZero(roe) {
		doc.ROE = roe
	}
	return doc
}

// latestReportPeriod returns the most recent quarter-end (YYYYMMDD)
// strictly before t. Financial indicators for the current quarter are not
// published until it closes.
func latestReportPeriod(t time.Time) string {
	year := t.Year()
	switch {
	case t.Month() > 9:
		return fmt.Sprintf("%d0930", year)
	case t.Month() > 6:
		return fmt.Sprintf("%d0630", year)
	case t.Month() > 3:
		return fmt.Sprintf("%d0331", year)
	default:
		return fmt.Sprintf("%d1231", year-1)
	}
}
