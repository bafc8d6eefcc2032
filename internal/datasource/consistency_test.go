package datasource

import (
	"fmt"
	"testing"

	"github.com/coolbix/quantgate/internal/models"
)

func basicRows(n int, peTTM, pb, totalMV, closePrice float64) []models.DailyBasicRow {
	rows := make([]models.DailyBasicRow, n)
	for i := range rows {
		rows[i] = models.DailyBasicRow{
			Code:         fmt.Sprintf("6000%02d", i),
			TradeDate:    "20260820",
			PETTM:        peTTM,
			PB:           pb,
			TotalMV:      totalMV,
			Close:        closePrice,
			Volume:       1e6,
			TurnoverRate: 1.5,
		}
	}
	return rows
}

func TestCheckConsistency_SmallPEDiffUsesEither(t *testing.T) {
	primary := basicRows(50, 10.0, 1.2, 500000, 34.5)
	secondary := basicRows(50, 10.4, 1.2, 500000, 34.5) // pe 4% apart

	report := CheckConsistency("tushare", "akshare_eastmoney", primary, secondary)

	if report.CommonCodes != 50 {
		t.Errorf("expected 50 common codes, got %d", report.CommonCodes)
	}
	if report.ConfidenceScore < 0.8 {
		t.Errorf("4%% pe diff should keep confidence >= 0.8, got %f", report.ConfidenceScore)
	}
	if report.RecommendedAction != models.ActionUseEither {
		t.Errorf("expected use_either, got %s", report.RecommendedAction)
	}
	if !report.IsConsistent {
		t.Error("one borderline metric out of six should stay consistent")
	}
	pe := report.Metrics["pe"]
	if pe.Significant {
		t.Error("4%% diff is inside the 5%% pe tolerance")
	}
}

func TestCheckConsistency_SingleMetricWithinTolerance(t *testing.T) {
	// Only pe is comparable: 10.0 vs 10.4 is a 4% diff inside the 5%
	// tolerance, so confidence stays high.
	primary := make([]models.DailyBasicRow, 10)
	secondary := make([]models.DailyBasicRow, 10)
	for i := range primary {
		code := fmt.Sprintf("6000%02d", i)
		primary[i] = models.DailyBasicRow{Code: code, PETTM: 10.0}
		secondary[i] = models.DailyBasicRow{Code: code, PETTM: 10.4}
	}

	report := CheckConsistency("tushare", "akshare_eastmoney", primary, secondary)

	if len(report.Metrics) != 1 {
		t.Fatalf("expected only pe compared, got %d metrics", len(report.Metrics))
	}
	if report.ConfidenceScore < 0.8 {
		t.Errorf("expected confidence >= 0.8, got %f", report.ConfidenceScore)
	}
	if report.RecommendedAction != models.ActionUseEither {
		t.Errorf("expected use_either, got %s", report.RecommendedAction)
	}
}

func TestCheckConsistency_RelativeDiffUsesPrimaryReference(t *testing.T) {
	// 10.0 vs 10.52 is a 5.2% deviation measured against the primary. A
	// symmetric max-denominator would read 4.94% and miss the breach.
	primary := make([]models.DailyBasicRow, 10)
	secondary := make([]models.DailyBasicRow, 10)
	for i := range primary {
		code := fmt.Sprintf("6000%02d", i)
		primary[i] = models.DailyBasicRow{Code: code, PETTM: 10.0}
		secondary[i] = models.DailyBasicRow{Code: code, PETTM: 10.52}
	}

	report := CheckConsistency("tushare", "akshare_eastmoney", primary, secondary)

	pe := report.Metrics["pe"]
	if pe.RelativeDiff < 0.0519 || pe.RelativeDiff > 0.0521 {
		t.Errorf("expected relative diff 0.052 against the primary mean, got %f", pe.RelativeDiff)
	}
	if !pe.Significant {
		t.Error("5.2%% deviation from the primary must breach the 5%% pe tolerance")
	}
}

func TestCheckConsistency_PEPrefersSpotOverTTM(t *testing.T) {
	// Both sides report an identical spot PE; their TTM columns disagree
	// wildly. The pe comparison must read the spot column.
	primary := make([]models.DailyBasicRow, 10)
	secondary := make([]models.DailyBasicRow, 10)
	for i := range primary {
		code := fmt.Sprintf("6000%02d", i)
		primary[i] = models.DailyBasicRow{Code: code, PE: 12.0, PETTM: 10.0}
		secondary[i] = models.DailyBasicRow{Code: code, PE: 12.0, PETTM: 30.0}
	}

	report := CheckConsistency("tushare", "akshare_eastmoney", primary, secondary)

	pe := report.Metrics["pe"]
	if pe.RelativeDiff != 0 {
		t.Errorf("identical spot PE should compare equal, got diff %f", pe.RelativeDiff)
	}
	if pe.Significant {
		t.Error("pe must not register divergence from the unused TTM column")
	}
}

func TestCheckConsistency_EmptyPrimary(t *testing.T) {
	report := CheckConsistency("tushare", "akshare_eastmoney", nil, basicRows(10, 10, 1, 1, 1))

	if report.RecommendedAction != models.ActionUsePrimaryOnly {
		t.Errorf("empty primary must recommend use_primary_only, got %s", report.RecommendedAction)
	}
	if report.IsConsistent {
		t.Error("empty primary must not report consistent")
	}
	if report.ConfidenceScore != 0 {
		t.Errorf("expected zero confidence, got %f", report.ConfidenceScore)
	}
}

func TestCheckConsistency_LargeDivergenceInvestigates(t *testing.T) {
	primary := basicRows(30, 10.0, 1.0, 500000, 34.5)
	secondary := basicRows(30, 25.0, 3.0, 900000, 50.0)

	report := CheckConsistency("tushare", "akshare_eastmoney", primary, secondary)

	if report.RecommendedAction != models.ActionInvestigateSources {
		t.Errorf("wildly divergent tables should investigate, got %s (confidence %f)",
			report.RecommendedAction, report.ConfidenceScore)
	}
	if report.IsConsistent {
		t.Error("divergent tables must not report consistent")
	}
}

func TestCheckConsistency_MissingMetricRenormalizes(t *testing.T) {
	// Secondary carries no pe/pb at all (zero cells). Those metrics must
	// drop out instead of registering as divergence.
	primary := basicRows(20, 10.0, 1.2, 500000, 34.5)
	secondary := basicRows(20, 0, 0, 500000, 34.5)

	report := CheckConsistency("tushare", "baostock", primary, secondary)

	if _, ok := report.Metrics["pe"]; ok {
		t.Error("pe should not be compared when one side has no values")
	}
	if report.RecommendedAction != models.ActionUseEither {
		t.Errorf("identical remaining metrics should score use_either, got %s", report.RecommendedAction)
	}
	if report.ConfidenceScore < 0.99 {
		t.Errorf("identical remaining metrics should score ~1.0, got %f", report.ConfidenceScore)
	}
}

func TestCheckConsistency_SamplesAtMost100Codes(t *testing.T) {
	primary := basicRows(250, 10.0, 1.2, 500000, 34.5)
	secondary := basicRows(250, 10.0, 1.2, 500000, 34.5)

	report := CheckConsistency("tushare", "akshare_eastmoney", primary, secondary)
	if report.CommonCodes != 100 {
		t.Errorf("expected sample capped at 100, got %d", report.CommonCodes)
	}
}
