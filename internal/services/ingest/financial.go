package ingest

import (
	"context"
	"fmt"

	"github.com/coolbix/quantgate/internal/clients/tushare"
	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// JobFinancials is the financial statement sync job name.
const JobFinancials = "financial_statements"

// Report periods fetched per code on each run.
const reportPeriodsPerCode = 8

// FinancialService ingests per-period financial statements. Statements
// come from Tushare only; no other provider in the chain serves them.
type FinancialService struct {
	runner  *Runner
	store   interfaces.FinancialStore
	tushare *tushare.Adapter
	logger  *common.Logger
}

// NewFinancialService creates the financial statement ingestion service.
func NewFinancialService(runner *Runner, store interfaces.FinancialStore, ts *tushare.Adapter, logger *common.Logger) *FinancialService {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &FinancialService{
		runner:  runner,
		store:   store,
		tushare: ts,
		logger:  logger,
	}
}

// Sync fetches recent reporting periods for each code. Per-code failures
// are counted and the run continues with the rest.
func (s *FinancialService) Sync(ctx context.Context, codes []string, force bool) (*models.SyncStatus, error) {
	return s.runner.Run(ctx, JobFinancials, "financials", force, func(ctx context.Context) (*RunResult, error) {
		if s.tushare == nil {
			return nil, fmt.Errorf("tushare adapter not configured")
		}
		result := &RunResult{Source: s.tushare.Name()}
		if len(codes) == 0 {
			return result, fmt.Errorf("no codes to sync")
		}

		for _, code := range codes {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			statements, err := s.tushare.FinancialStatements(ctx, code, reportPeriodsPerCode)
			if err != nil {
				result.Errors++
				s.logger.Warn().Err(err).Str("code", code).Msg("financial statement fetch failed")
				continue
			}
			if len(statements) == 0 {
				continue
			}

			written, err := s.store.BulkUpsert(ctx, statements)
			result.Records += written
			if err != nil {
				result.Errors++
				s.logger.Warn().Err(err).Str("code", code).Msg("financial statement upsert failed")
			}
		}
		return result, nil
	})
}
