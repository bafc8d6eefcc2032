package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates all collection indexes. Creation is best-effort
// and idempotent: a conflict with a pre-existing compatible index is
// logged and treated as success, so startup never blocks on index state.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	plans := map[string][]mongo.IndexModel{
		CollStockBasics: {
			{Keys: bson.D{{Key: "code", Value: 1}, {Key: "source", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "code", Value: 1}}},
			{Keys: bson.D{{Key: "source", Value: 1}}},
			{Keys: bson.D{{Key: "name", Value: 1}}},
			{Keys: bson.D{{Key: "industry", Value: 1}}},
			{Keys: bson.D{{Key: "market", Value: 1}}},
			{Keys: bson.D{{Key: "total_mv", Value: -1}}},
			{Keys: bson.D{{Key: "circ_mv", Value: -1}}},
			{Keys: bson.D{{Key: "updated_at", Value: -1}}},
			{Keys: bson.D{{Key: "turnover_rate", Value: -1}}},
			{Keys: bson.D{{Key: "pe", Value: 1}}},
			{Keys: bson.D{{Key: "pb", Value: 1}}},
		},
		CollMarketQuotes: {
			{Keys: bson.D{{Key: "code", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "updated_at", Value: 1}}},
		},
		CollDailyQuotes: {
			{Keys: bson.D{
				{Key: "symbol", Value: 1}, {Key: "trade_date", Value: 1},
				{Key: "data_source", Value: 1}, {Key: "period", Value: 1},
			}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "symbol", Value: 1}}},
			{Keys: bson.D{{Key: "trade_date", Value: -1}}},
			{Keys: bson.D{{Key: "symbol", Value: 1}, {Key: "trade_date", Value: -1}}},
		},
		CollFinancials: {
			{Keys: bson.D{{Key: "code", Value: 1}, {Key: "report_period", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "code", Value: 1}, {Key: "report_period", Value: -1}}},
		},
		CollAnalysisTasks: {
			{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
		CollReports: {
			{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "symbol", Value: 1}, {Key: "analysis_date", Value: -1}}},
		},
		CollSyncStatus: {
			{Keys: bson.D{{Key: "data_type", Value: 1}, {Key: "job", Value: 1}}},
			{Keys: bson.D{{Key: "job", Value: 1}}},
		},
		CollNotifications: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		CollGroupings: {
			{Keys: bson.D{{Key: "market_category_id", Value: 1}, {Key: "data_source_name", Value: 1}}},
		},
	}

	for coll, indexes := range plans {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, indexes); err != nil {
			s.logger.Warn().Err(err).Str("collection", coll).Msg("index creation conflict, continuing")
		}
	}

	s.logger.Info().Int("collections", len(plans)).Msg("indexes ensured")
	return nil
}
