package interfaces

import (
	"context"
	"time"

	"github.com/coolbix/quantgate/internal/models"
)

// StockBasicsStore persists instrument metadata keyed by (code, source).
type StockBasicsStore interface {
	BulkUpsert(ctx context.Context, docs []models.StockBasics) (int, error)
	Get(ctx context.Context, code, source string) (*models.StockBasics, error)
	// GetPreferred returns the tushare document when present, otherwise
	// any source's document. The second return reports whether the
	// returned document is from tushare.
	GetPreferred(ctx context.Context, code string) (*models.StockBasics, bool, error)
	Count(ctx context.Context) (int64, error)
	// ListCodes returns every distinct instrument code, the universe for
	// scheduled bar and financial syncs.
	ListCodes(ctx context.Context) ([]string, error)
}

// MarketQuoteStore persists the latest realtime snapshot per code.
type MarketQuoteStore interface {
	BulkUpsert(ctx context.Context, quotes []models.MarketQuote) (int, error)
	Get(ctx context.Context, code string) (*models.MarketQuote, error)
	Count(ctx context.Context) (int64, error)
	// LatestTradeDate returns the max trade_date across the collection,
	// or "" when empty.
	LatestTradeDate(ctx context.Context) (string, error)
}

// HistoricalBarStore persists OHLCV bars.
type HistoricalBarStore interface {
	BulkUpsert(ctx context.Context, bars []models.HistoricalBar) (int, error)
	// LastTradeDate returns the latest stored bar date for a symbol and
	// period, or "" when none exist.
	LastTradeDate(ctx context.Context, symbol, period string) (string, error)
	Recent(ctx context.Context, symbol, period string, limit int) ([]models.HistoricalBar, error)
}

// FinancialStore persists financial statements keyed by (code, report_period).
type FinancialStore interface {
	BulkUpsert(ctx context.Context, docs []models.FinancialStatement) (int, error)
	Latest(ctx context.Context, code string) (*models.FinancialStatement, error)
}

// TaskStore persists analysis task lifecycle documents.
type TaskStore interface {
	Upsert(ctx context.Context, task *models.AnalysisTask) error
	Get(ctx context.Context, taskID string) (*models.AnalysisTask, error)
	// UpdateStatus writes status and related fields, refusing to regress
	// a terminal status.
	UpdateStatus(ctx context.Context, taskID string, fields map[string]any) error
	Delete(ctx context.Context, taskID string) error
}

// ReportStore persists completed analysis artifacts.
type ReportStore interface {
	Save(ctx context.Context, report *models.AnalysisReport) error
	GetByTaskID(ctx context.Context, taskID string) (*models.AnalysisReport, error)
}

// SyncStatusStore records per-job ingestion outcomes. Upsert identity is
// (data_type, job) with a plain job fallback for legacy rows.
type SyncStatusStore interface {
	Upsert(ctx context.Context, status *models.SyncStatus) error
	Get(ctx context.Context, job string) (*models.SyncStatus, error)
}

// NotificationStore persists user-visible events.
type NotificationStore interface {
	Insert(ctx context.Context, n *models.Notification) error
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	// Prune removes notifications older than cutoff and trims each user
	// to at most keepPerUser rows, newest first.
	Prune(ctx context.Context, cutoff time.Time, keepPerUser int) (int, error)
}

// GroupingStore reads admin-managed data source priorities.
type GroupingStore interface {
	ListByMarket(ctx context.Context, marketCategoryID string) ([]models.DataSourceGrouping, error)
}

// BlobCache is the in-process keyed file cache for coarse blobs such as
// stock history strings and fundamentals reports.
type BlobCache interface {
	Get(key string, maxAge time.Duration) ([]byte, bool)
	Put(key string, data []byte) error
	Purge() int
}

// StorageManager composes the typed stores over the document store plus
// the blob cache.
type StorageManager interface {
	StockBasics() StockBasicsStore
	MarketQuotes() MarketQuoteStore
	HistoricalBars() HistoricalBarStore
	Financials() FinancialStore
	Tasks() TaskStore
	Reports() ReportStore
	SyncStatus() SyncStatusStore
	Notifications() NotificationStore
	Groupings() GroupingStore
	BlobCache() BlobCache
	EnsureIndexes(ctx context.Context) error
	Close(ctx context.Context) error
}
