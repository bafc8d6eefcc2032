package tushare

import (
	"context"
	"sort"

	"github.com/coolbix/quantgate/internal/models"
)

// ROEMap returns ROE by 6-digit code for one report period (YYYYMMDD).
// Basics sync uses it as an enrichment map; a permission failure here is
// counted by the caller, not fatal.
func (a *Adapter) ROEMap(ctx context.Context, period string) (map[string]float64, error) {
	rows, err := a.client.Call(ctx, "fina_indicator",
		map[string]any{"period": period},
		"ts_code,end_date,roe")
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		code := models.CodeFromTSCode(rows.Str(i, "ts_code"))
		if code == "" {
			continue
		}
		if roe := rows.Float(i, "roe"); models.IsFiniteNonZero(roe) {
			out[code] = roe
		}
	}
	return out, nil
}

// FinancialStatements returns up to limit reporting periods for one code,
// newest first, merging the indicator, income, and balance sheet tables
// by end_date. Partial merges are kept: a period missing one table still
// yields a document with the fields that did arrive.
func (a *Adapter) FinancialStatements(ctx context.Context, code string, limit int) ([]models.FinancialStatement, error) {
	if limit <= 0 {
		limit = 8
	}
	ts := tsCode(code)
	normalized := models.NormalizeCode(code)

	byPeriod := make(map[string]*models.FinancialStatement)
	statement := func(period string) *models.FinancialStatement {
		if doc, ok := byPeriod[period]; ok {
			return doc
		}
		doc := &models.FinancialStatement{
			Code:         normalized,
			ReportPeriod: period,
			Source:       a.Name(),
		}
		byPeriod[period] = doc
		return doc
	}

	indicators, err := a.client.Call(ctx, "fina_indicator",
		map[string]any{"ts_code": ts},
		"ts_code,ann_date,end_date,roe,eps")
	if err != nil {
		return nil, err
	}
	for i := 0; i < indicators.Len(); i++ {
		period := indicators.Str(i, "end_date")
		if period == "" {
			continue
		}
		doc := statement(period)
		doc.AnnDate = indicators.Str(i, "ann_date")
		doc.ROE = indicators.Float(i, "roe")
		doc.BasicEPS = indicators.Float(i, "eps")
	}

	income, err := a.client.Call(ctx, "income",
		map[string]any{"ts_code": ts},
		"ts_code,ann_date,end_date,total_revenue,n_income")
	if err != nil {
		return nil, err
	}
	for i := 0; i < income.Len(); i++ {
		period := income.Str(i, "end_date")
		if period == "" {
			continue
		}
		doc := statement(period)
		if doc.AnnDate == "" {
			doc.AnnDate = income.Str(i, "ann_date")
		}
		doc.TotalRevenue = income.Float(i, "total_revenue")
		doc.NetProfit = income.Float(i, "n_income")
	}

	balance, err := a.client.Call(ctx, "balancesheet",
		map[string]any{"ts_code": ts},
		"ts_code,end_date,total_assets,total_liab,total_hldr_eqy_exc_min_int,total_share")
	if err != nil {
		return nil, err
	}
	for i := 0; i < balance.Len(); i++ {
		period := balance.Str(i, "end_date")
		if period == "" {
			continue
		}
		doc := statement(period)
		doc.TotalAssets = balance.Float(i, "total_assets")
		doc.TotalLiab = balance.Float(i, "total_liab")
		doc.TotalEquity = balance.Float(i, "total_hldr_eqy_exc_min_int")
		doc.TotalShare = balance.Float(i, "total_share")
	}

	periods := make([]string, 0, len(byPeriod))
	for period := range byPeriod {
		periods = append(periods, period)
	}
	// Newest report period first
	sort.Sort(sort.Reverse(sort.StringSlice(periods)))
	if len(periods) > limit {
		periods = periods[:limit]
	}

	out := make([]models.FinancialStatement, 0, len(periods))
	for _, period := range periods {
		out = append(out, *byPeriod[period])
	}
	return out, nil
}
