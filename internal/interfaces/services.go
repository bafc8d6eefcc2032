package interfaces

import (
	"context"

	"github.com/coolbix/quantgate/internal/models"
)

// SourceResult pairs a fallback call's rows with the provider that
// produced them.
type SourceResult[T any] struct {
	Source string
	Data   T
}

// DataSourceManager selects adapters by per-market priority and exposes
// the fallback and consistency-check call patterns.
type DataSourceManager interface {
	// Adapters returns the registered adapters in priority order.
	Adapters() []DataSourceAdapter

	// Adapter returns a registered adapter by name.
	Adapter(name string) (DataSourceAdapter, bool)

	// StockListWithFallback returns the first non-empty stock list in
	// priority order, preferred sources leading when given.
	StockListWithFallback(ctx context.Context, preferred ...string) (*SourceResult[[]models.StockListRow], error)

	// DailyBasicWithFallback returns the first non-empty daily-basics
	// table in priority order.
	DailyBasicWithFallback(ctx context.Context, tradeDate string, preferred ...string) (*SourceResult[[]models.DailyBasicRow], error)

	// DailyBasicWithConsistencyCheck calls the top two available
	// adapters in parallel and attaches a consistency advisory. With
	// fewer than two available it degrades silently to fallback mode.
	DailyBasicWithConsistencyCheck(ctx context.Context, tradeDate string) (*SourceResult[[]models.DailyBasicRow], *models.ConsistencyReport, error)

	// FindLatestTradeDateWithFallback returns the first non-empty date
	// string in priority order.
	FindLatestTradeDateWithFallback(ctx context.Context) (*SourceResult[string], error)
}

// ValuationService derives dynamic PE/PB from realtime price, cached TTM
// metrics, and reverse-derived share counts. It never returns an error to
// the caller; failures degrade to static values or an empty result.
type ValuationService interface {
	Recompute(ctx context.Context, code string) (*models.ValuationResult, bool)
}

// NotificationService persists and pushes user-visible events.
type NotificationService interface {
	Notify(ctx context.Context, userID, kind, title, body string) error
	List(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	EnforceRetention(ctx context.Context) (int, error)
}
