package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// Historical sync modes. Full history means at least ten years of bars.
const (
	ModeFixed       = "fixed"
	ModeFull        = "full"
	ModeIncremental = "incremental"

	fullHistoryDays = 3650
)

// JobHistorical prefixes the per-period job name, e.g. historical_daily.
const JobHistorical = "historical"

// HistoricalService ingests OHLCV bars into stock_daily_quotes. Provider
// unit conversion happens inside the adapters; this service owns mode
// resolution and pre_close derivation.
type HistoricalService struct {
	runner  *Runner
	store   interfaces.HistoricalBarStore
	sources interfaces.DataSourceManager
	logger  *common.Logger
	now     func() time.Time
}

// NewHistoricalService creates the historical bar ingestion service.
func NewHistoricalService(runner *Runner, store interfaces.HistoricalBarStore, sources interfaces.DataSourceManager, logger *common.Logger) *HistoricalService {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &HistoricalService{
		runner:  runner,
		store:   store,
		sources: sources,
		logger:  logger,
		now:     time.Now,
	}
}

// Sync ingests bars for a set of symbols. Mode fixed fetches the given
// day count, full fetches at least ten years, incremental resumes from
// each symbol's last stored bar. Per-symbol failures are counted and the
// run continues.
func (s *HistoricalService) Sync(ctx context.Context, symbols []string, period, mode string, days int, force bool) (*models.SyncStatus, error) {
	job := JobHistorical + "_" + period
	return s.runner.Run(ctx, job, "historical", force, func(ctx context.Context) (*RunResult, error) {
		result := &RunResult{}
		if len(symbols) == 0 {
			return result, fmt.Errorf("no symbols to sync")
		}

		for _, symbol := range symbols {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			limit, skip, err := s.resolveLimit(ctx, symbol, period, mode, days)
			if err != nil {
				result.Errors++
				s.logger.Warn().Err(err).Str("symbol", symbol).Msg("could not resolve sync window")
				continue
			}
			if skip {
				continue
			}

			bars, source, err := s.fetchBars(ctx, symbol, period, limit)
			if err != nil {
				result.Errors++
				s.logger.Warn().Err(err).Str("symbol", symbol).Msg("bar fetch failed on all sources")
				continue
			}
			if result.Source == "" {
				result.Source = source
			}

			derivePreClose(bars)

			written, err := s.store.BulkUpsert(ctx, bars)
			result.Records += written
			if err != nil {
				result.Errors++
				s.logger.Warn().Err(err).Str("symbol", symbol).Msg("bar upsert failed")
			}
		}
		return result, nil
	})
}

// resolveLimit turns a sync mode into a bar count for one symbol. The
// skip flag is set when an incremental sync finds nothing new to fetch.
func (s *HistoricalService) resolveLimit(ctx context.Context, symbol, period, mode string, days int) (limit int, skip bool, err error) {
	switch mode {
	case ModeFull:
		return fullHistoryDays, false, nil
	case ModeFixed:
		if days <= 0 {
			return 0, false, fmt.Errorf("fixed mode requires a positive day count")
		}
		return days, false, nil
	case ModeIncremental:
		last, err := s.store.LastTradeDate(ctx, models.NormalizeCode(symbol), period)
		if err != nil {
			return 0, false, err
		}
		if last == "" {
			return fullHistoryDays, false, nil
		}
		lastDate, err := time.Parse("2006-01-02", last)
		if err != nil {
			return 0, false, fmt.Errorf("unreadable last trade date %q: %w", last, err)
		}
		gap := int(s.now().Sub(lastDate).Hours() / 24)
		if gap <= 0 {
			return 0, true, nil
		}
		return gap, false, nil
	default:
		return 0, false, fmt.Errorf("unknown sync mode: %s", mode)
	}
}

// fetchBars walks the adapter chain in priority order and returns the
// first non-empty result.
func (s *HistoricalService) fetchBars(ctx context.Context, symbol, period string, limit int) ([]models.HistoricalBar, string, error) {
	var lastErr error
	for _, adapter := range s.sources.Adapters() {
		if !adapter.Available(ctx).Available {
			continue
		}
		bars, err := adapter.KLine(ctx, symbol, period, limit, "")
		if err != nil {
			if !errors.Is(err, interfaces.ErrNotSupported) {
				lastErr = err
			}
			continue
		}
		if len(bars) == 0 {
			continue
		}
		return bars, adapter.Name(), nil
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", interfaces.ErrEmpty
}

// derivePreClose fills a missing pre_close by shifting the previous
// bar's close, for providers that omit it (HK/US feeds). Bars must be
// ordered oldest first, which the adapters guarantee.
func derivePreClose(bars []models.HistoricalBar) {
	for i := 1; i < len(bars); i++ {
		if bars[i].PreClose == 0 {
			bars[i].PreClose = bars[i-1].Close
		}
	}
}
