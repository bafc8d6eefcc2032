package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// MarketQuoteStore persists the latest realtime snapshot per code.
type MarketQuoteStore struct {
	store *Store
}

// MarketQuotes returns the market quote store.
func (s *Store) MarketQuotes() *MarketQuoteStore {
	return &MarketQuoteStore{store: s}
}

// BulkUpsert writes snapshots in chunks, upserting on code.
func (q *MarketQuoteStore) BulkUpsert(ctx context.Context, quotes []models.MarketQuote) (int, error) {
	if len(quotes) == 0 {
		return 0, nil
	}

	writes := make([]mongo.WriteModel, 0, len(quotes))
	for _, quote := range quotes {
		quote.Code = models.NormalizeCode(quote.Code)
		if quote.Code == "" {
			continue
		}
		if quote.UpdatedAt.IsZero() {
			quote.UpdatedAt = q.store.now()
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"code": quote.Code}).
			SetUpdate(bson.M{"$set": quote}).
			SetUpsert(true))
	}

	return q.store.upsertChunked(ctx, q.store.db.Collection(CollMarketQuotes), writes)
}

// Get returns one snapshot by code, nil when absent.
func (q *MarketQuoteStore) Get(ctx context.Context, code string) (*models.MarketQuote, error) {
	var doc models.MarketQuote
	err := q.store.db.Collection(CollMarketQuotes).
		FindOne(ctx, bson.M{"code": models.NormalizeCode(code)}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market quote: %w", err)
	}
	return &doc, nil
}

// Count returns the collection document count.
func (q *MarketQuoteStore) Count(ctx context.Context) (int64, error) {
	return q.store.db.Collection(CollMarketQuotes).CountDocuments(ctx, bson.M{})
}

// LatestTradeDate returns the max trade_date across the collection, or ""
// when empty.
func (q *MarketQuoteStore) LatestTradeDate(ctx context.Context) (string, error) {
	var doc models.MarketQuote
	err := q.store.db.Collection(CollMarketQuotes).
		FindOne(ctx, bson.M{"trade_date": bson.M{"$ne": ""}},
			options.FindOne().SetSort(bson.D{{Key: "trade_date", Value: -1}})).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest trade date: %w", err)
	}
	return doc.TradeDate, nil
}

// HistoricalBarStore persists OHLCV bars. Writes use the larger historical
// chunk size and the longer retry schedule.
type HistoricalBarStore struct {
	store *Store
}

// HistoricalBars returns the historical bar store.
func (s *Store) HistoricalBars() *HistoricalBarStore {
	return &HistoricalBarStore{store: s}
}

// BulkUpsert writes bars in chunks, upserting on the compound identity.
func (h *HistoricalBarStore) BulkUpsert(ctx context.Context, bars []models.HistoricalBar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	writes := make([]mongo.WriteModel, 0, len(bars))
	for _, bar := range bars {
		if bar.CreatedAt.IsZero() {
			bar.CreatedAt = h.store.now()
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{
				"symbol":      bar.Symbol,
				"trade_date":  bar.TradeDate,
				"data_source": bar.DataSource,
				"period":      bar.Period,
			}).
			SetUpdate(bson.M{"$set": bar}).
			SetUpsert(true))
	}

	return h.store.upsertChunkedWith(ctx, h.store.db.Collection(CollDailyQuotes), writes,
		h.store.historicalChunkSize, historicalRetryAttempts, historicalRetryBase)
}

// LastTradeDate returns the latest stored bar date for a symbol and
// period, or "" when none exist.
func (h *HistoricalBarStore) LastTradeDate(ctx context.Context, symbol, period string) (string, error) {
	var doc models.HistoricalBar
	err := h.store.db.Collection(CollDailyQuotes).
		FindOne(ctx, bson.M{"symbol": symbol, "period": period},
			options.FindOne().SetSort(bson.D{{Key: "trade_date", Value: -1}})).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get last trade date: %w", err)
	}
	return doc.TradeDate, nil
}

// Recent returns the latest limit bars for a symbol and period, oldest
// first.
func (h *HistoricalBarStore) Recent(ctx context.Context, symbol, period string, limit int) ([]models.HistoricalBar, error) {
	if limit <= 0 {
		limit = 120
	}

	cursor, err := h.store.db.Collection(CollDailyQuotes).
		Find(ctx, bson.M{"symbol": symbol, "period": period},
			options.Find().
				SetSort(bson.D{{Key: "trade_date", Value: -1}}).
				SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer cursor.Close(ctx)

	var bars []models.HistoricalBar
	if err := cursor.All(ctx, &bars); err != nil {
		return nil, fmt.Errorf("failed to decode bars: %w", err)
	}

	// reverse into oldest-first order
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// FinancialStore persists financial statements keyed by (code, report_period).
type FinancialStore struct {
	store *Store
}

// Financials returns the financial statement store.
func (s *Store) Financials() *FinancialStore {
	return &FinancialStore{store: s}
}

// BulkUpsert writes statements in chunks.
func (f *FinancialStore) BulkUpsert(ctx context.Context, docs []models.FinancialStatement) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	writes := make([]mongo.WriteModel, 0, len(docs))
	for _, doc := range docs {
		if doc.UpdatedAt.IsZero() {
			doc.UpdatedAt = f.store.now()
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"code": doc.Code, "report_period": doc.ReportPeriod}).
			SetUpdate(bson.M{"$set": doc}).
			SetUpsert(true))
	}

	return f.store.upsertChunked(ctx, f.store.db.Collection(CollFinancials), writes)
}

// Latest returns the most recent statement for a code, nil when absent.
func (f *FinancialStore) Latest(ctx context.Context, code string) (*models.FinancialStatement, error) {
	var doc models.FinancialStatement
	err := f.store.db.Collection(CollFinancials).
		FindOne(ctx, bson.M{"code": models.NormalizeCode(code)},
			options.FindOne().SetSort(bson.D{{Key: "report_period", Value: -1}})).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest financials: %w", err)
	}
	return &doc, nil
}

// Compile-time checks
var (
	_ interfaces.MarketQuoteStore   = (*MarketQuoteStore)(nil)
	_ interfaces.HistoricalBarStore = (*HistoricalBarStore)(nil)
	_ interfaces.FinancialStore     = (*FinancialStore)(nil)
)
