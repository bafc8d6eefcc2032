// Package interfaces defines the service, storage, and adapter contracts
// for quantgate.
package interfaces

import (
	"context"
	"errors"

	"github.com/coolbix/quantgate/internal/models"
)

// Adapter error taxonomy. Capabilities return ErrNotSupported when the
// provider simply lacks the endpoint; the manager skips such adapters
// without counting a failure. Transient and Permanent mark genuine
// failures; Empty marks a successful call with no rows.
var (
	ErrNotSupported = errors.New("capability not supported by this provider")
	ErrUnavailable  = errors.New("provider unavailable")
	ErrEmpty        = errors.New("provider returned no data")
	ErrTransient    = errors.New("transient provider error")
	ErrPermanent    = errors.New("permanent provider error")
)

// Availability is the result of a cheap availability probe.
type Availability struct {
	Available  bool   `json:"available"`
	Provenance string `json:"provenance,omitempty"` // e.g. tushare token source: env / database
}

// DataSourceAdapter is the closed capability set every provider adapter
// implements. Capabilities a provider cannot serve return ErrNotSupported;
// "supported but failed" is any other non-nil error and is the only
// fallback trigger.
type DataSourceAdapter interface {
	// Name returns the literal provider name stored as document source.
	Name() string

	// Available is a cheap synchronous probe. It must not make a network
	// call that can fail noisily.
	Available(ctx context.Context) Availability

	// StockList returns all listed instruments. Empty result is not an
	// error.
	StockList(ctx context.Context) ([]models.StockListRow, error)

	// DailyBasic returns per-instrument valuation metrics for one trade
	// date (YYYYMMDD).
	DailyBasic(ctx context.Context, tradeDate string) ([]models.DailyBasicRow, error)

	// FindLatestTradeDate returns the most recent trading day (YYYYMMDD).
	FindLatestTradeDate(ctx context.Context) (string, error)

	// RealtimeQuotes returns a snapshot keyed by 6-digit code. Expensive
	// providers gate themselves before calling out.
	RealtimeQuotes(ctx context.Context) (map[string]models.RealtimeQuote, error)

	// KLine returns bars ordered oldest-first.
	KLine(ctx context.Context, code, period string, limit int, adj string) ([]models.HistoricalBar, error)

	// News returns recent news and, optionally, exchange announcements.
	News(ctx context.Context, code string, days, limit int, includeAnnouncements bool) ([]models.NewsItem, error)
}

// AnalyzeFunc is the opaque analysis function invoked by the orchestrator.
// The engine routes its output verbatim; content semantics live elsewhere.
// Implementations must honor ctx cancellation between internal steps.
type AnalyzeFunc func(ctx context.Context, symbol string, params map[string]string, progress func(pct int, msg string)) (*models.AnalysisReport, error)
