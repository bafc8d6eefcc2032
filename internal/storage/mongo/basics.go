package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// StockBasicsStore persists instrument metadata keyed by (code, source).
type StockBasicsStore struct {
	store *Store
}

// StockBasics returns the stock basics store.
func (s *Store) StockBasics() *StockBasicsStore {
	return &StockBasicsStore{store: s}
}

// BulkUpsert writes documents in chunks, upserting on (code, source).
func (b *StockBasicsStore) BulkUpsert(ctx context.Context, docs []models.StockBasics) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	writes := make([]mongo.WriteModel, 0, len(docs))
	for _, doc := range docs {
		if doc.Source == "" {
			return 0, fmt.Errorf("stock basics document %s has no source", doc.Code)
		}
		if doc.UpdatedAt.IsZero() {
			doc.UpdatedAt = b.store.now()
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"code": doc.Code, "source": doc.Source}).
			SetUpdate(bson.M{"$set": doc}).
			SetUpsert(true))
	}

	return b.store.upsertChunked(ctx, b.store.db.Collection(CollStockBasics), writes)
}

// Get returns one document by (code, source), nil when absent.
func (b *StockBasicsStore) Get(ctx context.Context, code, source string) (*models.StockBasics, error) {
	var doc models.StockBasics
	err := b.store.db.Collection(CollStockBasics).
		FindOne(ctx, bson.M{"code": code, "source": source}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stock basics: %w", err)
	}
	return &doc, nil
}

// GetPreferred returns the tushare document when present, otherwise the
// most recently updated document from any source. The second return
// reports whether the document is from tushare.
func (b *StockBasicsStore) GetPreferred(ctx context.Context, code string) (*models.StockBasics, bool, error) {
	doc, err := b.Get(ctx, code, "tushare")
	if err != nil {
		return nil, false, err
	}
	if doc != nil {
		return doc, true, nil
	}

	var fallbackDoc models.StockBasics
	err = b.store.db.Collection(CollStockBasics).
		FindOne(ctx, bson.M{"code": code},
			options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})).
		Decode(&fallbackDoc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get stock basics: %w", err)
	}
	return &fallbackDoc, false, nil
}

// Count returns the collection document count.
func (b *StockBasicsStore) Count(ctx context.Context) (int64, error) {
	return b.store.db.Collection(CollStockBasics).CountDocuments(ctx, bson.M{})
}

// ListCodes returns every distinct instrument code across all sources.
func (b *StockBasicsStore) ListCodes(ctx context.Context) ([]string, error) {
	values, err := b.store.db.Collection(CollStockBasics).Distinct(ctx, "code", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list stock codes: %w", err)
	}

	codes := make([]string, 0, len(values))
	for _, v := range values {
		if code, ok := v.(string); ok && code != "" {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// Ensure StockBasicsStore implements the contract
var _ interfaces.StockBasicsStore = (*StockBasicsStore)(nil)
