// Package storage provides the top-level StorageManager composing the
// MongoDB document store, the Redis connection, and the file cache.
package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/storage/filecache"
	mongostore "github.com/coolbix/quantgate/internal/storage/mongo"
)

// Manager implements interfaces.StorageManager.
type Manager struct {
	mongo  *mongostore.Store
	redis  *redis.Client
	cache  *filecache.Cache
	logger *common.Logger
}

// NewManager connects all storage areas. Mongo and the file cache are
// required; Redis connectivity is verified with a ping but a failure is
// surfaced to the caller rather than retried here.
func NewManager(ctx context.Context, logger *common.Logger, config *common.Config) (*Manager, error) {
	mongoStore, err := mongostore.NewStore(ctx, logger, config.Mongo,
		mongostore.WithChunkSize(config.Ingest.GetChunkSize()),
		mongostore.WithHistoricalChunkSize(config.Ingest.GetHistoricalChunkSize()))
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo store: %w", err)
	}

	redisOpts, err := redis.ParseURL(config.Redis.URL)
	if err != nil {
		_ = mongoStore.Close(context.Background())
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if config.Redis.MaxConnections > 0 {
		redisOpts.PoolSize = config.Redis.MaxConnections
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = mongoStore.Close(context.Background())
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	cache, err := filecache.NewCache(logger, config.Analysis.CacheDir)
	if err != nil {
		_ = mongoStore.Close(context.Background())
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to create file cache: %w", err)
	}

	logger.Info().
		Str("mongo_db", config.Mongo.Database).
		Str("cache_dir", config.Analysis.CacheDir).
		Msg("storage manager initialized")

	return &Manager{
		mongo:  mongoStore,
		redis:  redisClient,
		cache:  cache,
		logger: logger,
	}, nil
}

func (m *Manager) StockBasics() interfaces.StockBasicsStore {
	return m.mongo.StockBasics()
}

func (m *Manager) MarketQuotes() interfaces.MarketQuoteStore {
	return m.mongo.MarketQuotes()
}

func (m *Manager) HistoricalBars() interfaces.HistoricalBarStore {
	return m.mongo.HistoricalBars()
}

func (m *Manager) Financials() interfaces.FinancialStore {
	return m.mongo.Financials()
}

func (m *Manager) Tasks() interfaces.TaskStore {
	return m.mongo.Tasks()
}

func (m *Manager) Reports() interfaces.ReportStore {
	return m.mongo.Reports()
}

func (m *Manager) SyncStatus() interfaces.SyncStatusStore {
	return m.mongo.SyncStatus()
}

func (m *Manager) Notifications() interfaces.NotificationStore {
	return m.mongo.Notifications()
}

func (m *Manager) Groupings() interfaces.GroupingStore {
	return m.mongo.Groupings()
}

func (m *Manager) BlobCache() interfaces.BlobCache {
	return m.cache
}

// Redis exposes the shared Redis client for the task queue and the
// rate-limit middleware.
func (m *Manager) Redis() *redis.Client {
	return m.redis
}

// EnsureIndexes creates all MongoDB indexes, best-effort.
func (m *Manager) EnsureIndexes(ctx context.Context) error {
	return m.mongo.EnsureIndexes(ctx)
}

// Close disconnects all storage areas, returning the first error.
func (m *Manager) Close(ctx context.Context) error {
	var firstErr error
	if err := m.mongo.Close(ctx); err != nil {
		firstErr = err
	}
	if err := m.redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
