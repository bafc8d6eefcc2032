// Package quotes implements the realtime quote rotation pipeline: one
// provider per tick over a fixed rotation, trading-hours gating, and
// off-hours backfill of empty or stale snapshots.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coolbix/quantgate/internal/clients/tushare"
	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// JobMarketQuotes is the SyncStatus job name for quote ingestion.
const JobMarketQuotes = "market_quotes"

// DefaultRotation is the provider order for CN realtime snapshots.
var DefaultRotation = []string{"tushare", "akshare_eastmoney", "akshare_sina"}

// Service drives one quote ingestion tick at a time. Ticks are scheduled
// externally; the service owns provider rotation, admission outcomes,
// and backfill.
type Service struct {
	store   interfaces.MarketQuoteStore
	status  interfaces.SyncStatusStore
	sources interfaces.DataSourceManager
	logger  *common.Logger

	tz               *time.Location
	rotation         []string
	rotationEnabled  bool
	backfillOffhours bool

	mu  sync.Mutex
	idx int

	now func() time.Time
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

// WithTimezone sets the trading calendar timezone.
func WithTimezone(tz *time.Location) ServiceOption {
	return func(s *Service) {
		if tz != nil {
			s.tz = tz
		}
	}
}

// WithRotation sets the provider rotation order.
func WithRotation(providers []string) ServiceOption {
	return func(s *Service) {
		if len(providers) > 0 {
			s.rotation = providers
		}
	}
}

// WithRotationEnabled toggles rotation. When disabled every tick uses
// the first provider in the rotation list.
func WithRotationEnabled(enabled bool) ServiceOption {
	return func(s *Service) {
		s.rotationEnabled = enabled
	}
}

// WithBackfillOnOffhours toggles the off-hours backfill path.
func WithBackfillOnOffhours(enabled bool) ServiceOption {
	return func(s *Service) {
		s.backfillOffhours = enabled
	}
}

// NewService creates the quote pipeline.
func NewService(store interfaces.MarketQuoteStore, status interfaces.SyncStatusStore, sources interfaces.DataSourceManager, opts ...ServiceOption) *Service {
	s := &Service{
		store:            store,
		status:           status,
		sources:          sources,
		logger:           common.NewSilentLogger(),
		tz:               mustLoadShanghai(),
		rotation:         DefaultRotation,
		rotationEnabled:  true,
		backfillOffhours: true,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func mustLoadShanghai() *time.Location {
	tz, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return tz
}

// IsTradingTime reports whether t falls inside CN trading hours, with a
// buffer to 15:30 so post-close rounds catch the final print.
func IsTradingTime(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	morning := minutes >= 9*60+30 && minutes <= 11*60+30
	afternoon := minutes >= 13*60 && minutes <= 15*60+30
	return morning || afternoon
}

// Tick runs one ingestion round. Inside trading hours at most one
// provider call is attempted; outside them the backfill path may run.
// Failures are recorded as SyncStatus documents, never returned, so the
// scheduler keeps ticking.
func (s *Service) Tick(ctx context.Context) {
	local := s.now().In(s.tz)

	if !IsTradingTime(local) {
		if s.backfillOffhours {
			s.backfill(ctx)
		}
		return
	}

	providerName := s.nextProvider()
	adapter, ok := s.sources.Adapter(providerName)
	if !ok || !adapter.Available(ctx).Available {
		s.logger.Debug().Str("provider", providerName).Msg("rotation provider unavailable, waiting for next tick")
		return
	}

	snapshot, err := adapter.RealtimeQuotes(ctx)
	switch {
	case errors.Is(err, tushare.ErrBudgetExhausted):
		// The adapter rejected the call before any network request.
		s.recordFailure(ctx, providerName, "realtime budget exhausted, waiting for next tick")
		return
	case errors.Is(err, interfaces.ErrNotSupported):
		s.logger.Warn().Str("provider", providerName).Msg("rotation provider lacks realtime capability")
		return
	case err != nil:
		s.recordFailure(ctx, providerName, err.Error())
		return
	case len(snapshot) == 0:
		s.recordFailure(ctx, providerName, "provider returned an empty snapshot")
		return
	}

	tradeDate := s.resolveTradeDate(ctx, local)
	written, err := s.upsertSnapshot(ctx, snapshot, providerName, tradeDate)
	if err != nil {
		s.recordFailure(ctx, providerName, err.Error())
		return
	}

	s.recordSuccess(ctx, providerName, written)
}

// nextProvider advances the rotation index and returns the provider for
// this tick.
func (s *Service) nextProvider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rotationEnabled {
		return s.rotation[0]
	}
	name := s.rotation[s.idx%len(s.rotation)]
	s.idx++
	return name
}

// resolveTradeDate asks the source chain for the latest trading day,
// falling back to the local calendar date.
func (s *Service) resolveTradeDate(ctx context.Context, local time.Time) string {
	if result, err := s.sources.FindLatestTradeDateWithFallback(ctx); err == nil {
		return result.Data
	}
	return local.Format("20060102")
}

// upsertSnapshot writes one MarketQuote document per code.
func (s *Service) upsertSnapshot(ctx context.Context, snapshot map[string]models.RealtimeQuote, source, tradeDate string) (int, error) {
	docs := make([]models.MarketQuote, 0, len(snapshot))
	for rawCode, quote := range snapshot {
		code := models.NormalizeCode(rawCode)
		if code == "" {
			continue
		}
		docs = append(docs, models.MarketQuote{
			Code:      code,
			Symbol:    models.FullSymbol(code),
			Close:     quote.Close,
			Open:      quote.Open,
			High:      quote.High,
			Low:       quote.Low,
			PreClose:  quote.PreClose,
			PctChg:    quote.PctChg,
			Volume:    quote.Volume,
			Amount:    quote.Amount,
			TradeDate: tradeDate,
			Source:    source,
		})
	}
	written, err := s.store.BulkUpsert(ctx, docs)
	if err != nil {
		return written, fmt.Errorf("failed to upsert quote snapshot: %w", err)
	}
	return written, nil
}

// backfill repairs the quote collection outside trading hours. An empty
// collection is seeded from the latest daily table; a stale one is
// refreshed from the last realtime snapshot a provider still serves.
func (s *Service) backfill(ctx context.Context) {
	count, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("quote count failed, skipping backfill")
		return
	}

	latestKnown, err := s.sources.FindLatestTradeDateWithFallback(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("no source could resolve the latest trade date")
		return
	}

	if count == 0 {
		s.backfillFromDaily(ctx, latestKnown.Data)
		return
	}

	stored, err := s.store.LatestTradeDate(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("stored trade date lookup failed, skipping backfill")
		return
	}
	if stored >= latestKnown.Data {
		return
	}
	s.backfillFromSnapshot(ctx, latestKnown.Data)
}

// backfillFromDaily seeds an empty collection from the latest daily
// valuation table, the closest thing to historical quotes that every
// provider chain can serve.
func (s *Service) backfillFromDaily(ctx context.Context, tradeDate string) {
	result, err := s.sources.DailyBasicWithFallback(ctx, tradeDate)
	if err != nil {
		s.recordFailure(ctx, "backfill", fmt.Sprintf("daily backfill failed: %v", err))
		return
	}

	docs := make([]models.MarketQuote, 0, len(result.Data))
	for _, row := range result.Data {
		code := models.NormalizeCode(row.Code)
		if code == "" || row.Close == 0 {
			continue
		}
		docs = append(docs, models.MarketQuote{
			Code:      code,
			Symbol:    models.FullSymbol(code),
			Close:     row.Close,
			Volume:    row.Volume,
			TradeDate: tradeDate,
			Source:    result.Source,
		})
	}

	written, err := s.store.BulkUpsert(ctx, docs)
	if err != nil {
		s.recordFailure(ctx, result.Source, err.Error())
		return
	}
	s.logger.Info().Int("records", written).Str("source", result.Source).Msg("seeded empty quote collection")
	s.recordSuccess(ctx, result.Source, written)
}

// backfillFromSnapshot refreshes a stale collection from the last
// realtime snapshot. Tushare is skipped so backfill never burns the
// realtime budget.
func (s *Service) backfillFromSnapshot(ctx context.Context, tradeDate string) {
	for _, adapter := range s.sources.Adapters() {
		if adapter.Name() == "tushare" {
			continue
		}
		if !adapter.Available(ctx).Available {
			continue
		}
		snapshot, err := adapter.RealtimeQuotes(ctx)
		if err != nil || len(snapshot) == 0 {
			continue
		}
		written, err := s.upsertSnapshot(ctx, snapshot, adapter.Name(), tradeDate)
		if err != nil {
			s.recordFailure(ctx, adapter.Name(), err.Error())
			return
		}
		s.logger.Info().Int("records", written).Str("source", adapter.Name()).Msg("refreshed stale quote collection")
		s.recordSuccess(ctx, adapter.Name(), written)
		return
	}
	s.logger.Debug().Msg("no provider could serve the stale-quote backfill")
}

func (s *Service) recordSuccess(ctx context.Context, source string, records int) {
	s.writeStatus(ctx, &models.SyncStatus{
		Job:          JobMarketQuotes,
		DataType:     "market_quotes",
		Status:       models.SyncStatusSuccess,
		Source:       source,
		RecordsCount: records,
		FinishedAt:   s.now(),
	})
}

func (s *Service) recordFailure(ctx context.Context, source, message string) {
	s.writeStatus(ctx, &models.SyncStatus{
		Job:          JobMarketQuotes,
		DataType:     "market_quotes",
		Status:       models.SyncStatusFailed,
		Source:       source,
		ErrorMessage: message,
		FinishedAt:   s.now(),
	})
}

func (s *Service) writeStatus(ctx context.Context, status *models.SyncStatus) {
	if err := s.status.Upsert(ctx, status); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record quote sync status")
	}
}
