// Package mongo implements the document store gateway over MongoDB:
// typed collection stores, startup index creation, and batched upserts
// with retry.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coolbix/quantgate/internal/common"
)

// Collection names
const (
	CollStockBasics   = "stock_basic_info"
	CollMarketQuotes  = "market_quotes"
	CollDailyQuotes   = "stock_daily_quotes"
	CollFinancials    = "financial_statements"
	CollAnalysisTasks = "analysis_tasks"
	CollReports       = "analysis_reports"
	CollSyncStatus    = "sync_status"
	CollNotifications = "notifications"
	CollGroupings     = "data_source_groupings"
)

// Default write batching and retry policy. Historical bars get a larger
// chunk and a longer retry schedule because full backfills move far more
// rows per call.
const (
	DefaultChunkSize           = 500
	DefaultHistoricalChunkSize = 1000

	defaultRetryAttempts    = 3
	defaultRetryBase        = 2 * time.Second
	historicalRetryAttempts = 5
	historicalRetryBase     = 3 * time.Second
)

// Store owns the MongoDB connection and hands out typed collection stores.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *common.Logger

	chunkSize           int
	historicalChunkSize int

	now func() time.Time
}

// StoreOption configures the store
type StoreOption func(*Store)

// WithChunkSize sets the standard bulk-write chunk size
func WithChunkSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithHistoricalChunkSize sets the historical-bar bulk-write chunk size
func WithHistoricalChunkSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.historicalChunkSize = n
		}
	}
}

// NewStore connects to MongoDB with the configured pool bounds and
// timeouts.
func NewStore(ctx context.Context, logger *common.Logger, cfg common.MongoConfig, opts ...StoreOption) (*Store, error) {
	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetMinPoolSize(cfg.MinConnections).
		SetMaxPoolSize(cfg.MaxConnections).
		SetConnectTimeout(cfg.ConnectTimeout()).
		SetSocketTimeout(cfg.SocketTimeout())

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping failed: %w", err)
	}

	s := &Store{
		client:              client,
		db:                  client.Database(cfg.Database),
		logger:              logger,
		chunkSize:           DefaultChunkSize,
		historicalChunkSize: DefaultHistoricalChunkSize,
		now:                 time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	logger.Info().
		Str("database", cfg.Database).
		Uint64("min_pool", cfg.MinConnections).
		Uint64("max_pool", cfg.MaxConnections).
		Msg("MongoDB store initialized")

	return s, nil
}

// Database exposes the underlying database for the typed stores.
func (s *Store) Database() *mongo.Database {
	return s.db
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// bulkWriteRetry runs an unordered BulkWrite with exponential backoff.
// Attempt i sleeps base*2^(i-1) before retrying.
func (s *Store) bulkWriteRetry(ctx context.Context, coll *mongo.Collection, writes []mongo.WriteModel, attempts int, base time.Duration) (*mongo.BulkWriteResult, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		delay := base * time.Duration(1<<(attempt-1))
		s.logger.Warn().
			Err(err).
			Str("collection", coll.Name()).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("bulk write failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("bulk write to %s failed after %d attempts: %w", coll.Name(), attempts, lastErr)
}

// chunkWrites splits writes into batches of size n.
func chunkWrites(writes []mongo.WriteModel, n int) [][]mongo.WriteModel {
	if n <= 0 {
		n = DefaultChunkSize
	}
	var chunks [][]mongo.WriteModel
	for start := 0; start < len(writes); start += n {
		end := start + n
		if end > len(writes) {
			end = len(writes)
		}
		chunks = append(chunks, writes[start:end])
	}
	return chunks
}

// upsertChunked writes all models in chunks under the standard retry
// policy and returns the total upserted+matched count.
func (s *Store) upsertChunked(ctx context.Context, coll *mongo.Collection, writes []mongo.WriteModel) (int, error) {
	return s.upsertChunkedWith(ctx, coll, writes, s.chunkSize, defaultRetryAttempts, defaultRetryBase)
}

func (s *Store) upsertChunkedWith(ctx context.Context, coll *mongo.Collection, writes []mongo.WriteModel, chunkSize, attempts int, base time.Duration) (int, error) {
	total := 0
	for _, chunk := range chunkWrites(writes, chunkSize) {
		result, err := s.bulkWriteRetry(ctx, coll, chunk, attempts, base)
		if err != nil {
			return total, err
		}
		total += int(result.UpsertedCount + result.MatchedCount)
	}
	return total, nil
}
