package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coolbix/quantgate/internal/models"
)

// Report section names extracted from a state sub-document, in the
// order the frontend renders them.
var stateReportFields = []string{
	"market_report",
	"sentiment_report",
	"news_report",
	"fundamentals_report",
	"investment_plan",
	"trader_investment_plan",
	"final_trade_decision",
}

// assembleResult fills an incomplete report in place: disk scan first,
// then state extraction, then summary/recommendation derivation. Every
// value ends up a string.
func assembleResult(report *models.AnalysisReport, resultsDir string) {
	if report.Reports == nil {
		report.Reports = make(map[string]string)
	}

	if len(report.Reports) == 0 && resultsDir != "" {
		for name, content := range scanReportFiles(resultsDir, report.Symbol, report.AnalysisDate) {
			report.Reports[name] = content
		}
	}

	extractStateReports(report)

	if report.Summary == "" {
		report.Summary = longestFragment(report.Reports, stateReportFields...)
	}
	if report.Recommendation == "" {
		if v := report.Reports["final_trade_decision"]; v != "" {
			report.Recommendation = v
		} else {
			report.Recommendation = longestFragment(report.Reports,
				"research_team_decision", "risk_management_decision", "investment_plan")
		}
	}
}

// scanReportFiles reads {resultsDir}/{symbol}/{date}/reports/*.md,
// keyed by filename without the extension. Unreadable files are
// skipped.
func scanReportFiles(resultsDir, symbol, date string) map[string]string {
	out := make(map[string]string)
	dir := filepath.Join(resultsDir, symbol, date, "reports")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		out[name] = string(data)
	}
	return out
}

// extractStateReports promotes known fields from the state sub-document
// into Reports, including the two debate histories. Existing report
// sections are never overwritten.
func extractStateReports(report *models.AnalysisReport) {
	if len(report.State) == 0 {
		return
	}

	put := func(name string, value any) {
		s := coerceString(value)
		if s == "" {
			return
		}
		if _, exists := report.Reports[name]; !exists {
			report.Reports[name] = s
		}
	}

	for _, field := range stateReportFields {
		if v, ok := report.State[field]; ok {
			put(field, v)
		}
	}

	if debate, ok := report.State["investment_debate_state"].(map[string]any); ok {
		put("bull", debate["bull_history"])
		put("bear", debate["bear_history"])
		put("research_team_decision", debate["judge_decision"])
	}
	if debate, ok := report.State["risk_debate_state"].(map[string]any); ok {
		put("risky", debate["risky_history"])
		put("safe", debate["safe_history"])
		put("neutral", debate["neutral_history"])
		put("risk_management_decision", debate["judge_decision"])
	}
}

// longestFragment returns the longest non-empty section among the named
// keys, or the longest of all sections when none of them are present.
func longestFragment(reports map[string]string, preferred ...string) string {
	best := ""
	for _, key := range preferred {
		if v := reports[key]; len(v) > len(best) {
			best = v
		}
	}
	if best != "" {
		return best
	}
	for _, v := range reports {
		if len(v) > len(best) {
			best = v
		}
	}
	return best
}

// coerceString renders any state value as a string so downstream JSON
// framing never sees mixed types.
func coerceString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}
