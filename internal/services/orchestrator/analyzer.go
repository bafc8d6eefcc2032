package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/coolbix/quantgate/internal/clients/gemini"
	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/models"
)

// analysisPhase is one model call producing one report section.
type analysisPhase struct {
	section string
	pct     int
	prompt  string
}

// Analyzer produces analysis reports with the Gemini API, one model
// call per report section with progress checkpoints between calls.
type Analyzer struct {
	client *gemini.Client
	logger *common.Logger
	now    func() time.Time
}

// AnalyzerOption configures the analyzer
type AnalyzerOption func(*Analyzer)

// WithAnalyzerLogger sets the logger
func WithAnalyzerLogger(logger *common.Logger) AnalyzerOption {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAnalyzer creates a Gemini-backed analyzer.
func NewAnalyzer(client *gemini.Client, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		client: client,
		logger: common.NewSilentLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs the phased analysis for one symbol. Cancellation is
// consulted between phases, never mid-call.
func (a *Analyzer) Analyze(ctx context.Context, task *models.AnalysisTask, progress func(pct int, msg string)) (*models.AnalysisReport, error) {
	date := a.now().Format("2006-01-02")
	report := &models.AnalysisReport{
		TaskID:       task.TaskID,
		UserID:       task.UserID,
		Symbol:       task.Symbol,
		AnalysisDate: date,
		Reports:      make(map[string]string),
		CreatedAt:    a.now(),
	}

	for _, phase := range a.phases(task.Symbol, date) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress(phase.pct, fmt.Sprintf("generating %s", phase.section))
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := a.client.GenerateContent(ctx, phase.prompt)
		if err != nil {
			return nil, fmt.Errorf("%s generation failed: %w", phase.section, err)
		}
		report.Reports[phase.section] = content
		a.logger.Debug().Str("symbol", task.Symbol).Str("section", phase.section).Int("chars", len(content)).Msg("Report section generated")
	}

	report.Recommendation = report.Reports["final_trade_decision"]
	report.Summary = longestFragment(report.Reports, "market_report", "fundamentals_report")
	return report, nil
}

func (a *Analyzer) phases(symbol, date string) []analysisPhase {
	subject := fmt.Sprintf("the stock %s as of %s", symbol, date)
	return []analysisPhase{
		{
			section: "market_report",
			pct:     10,
			prompt: fmt.Sprintf("You are a market technician. Write a concise markdown report on %s: "+
				"recent price action, trend, support and resistance, volume behavior.", subject),
		},
		{
			section: "fundamentals_report",
			pct:     35,
			prompt: fmt.Sprintf("You are a fundamental analyst. Write a concise markdown report on %s: "+
				"valuation (PE, PB), profitability, balance sheet strength, and notable risks.", subject),
		},
		{
			section: "news_report",
			pct:     55,
			prompt: fmt.Sprintf("You are a financial news analyst. Summarize in markdown the recent news "+
				"and catalysts relevant to %s and their likely price impact.", subject),
		},
		{
			section: "sentiment_report",
			pct:     75,
			prompt: fmt.Sprintf("You are a sentiment analyst. Assess in markdown the current investor "+
				"sentiment around %s, including retail and institutional positioning signals.", subject),
		},
		{
			section: "final_trade_decision",
			pct:     90,
			prompt: fmt.Sprintf("You are the head trader. Given technical, fundamental, news, and sentiment "+
				"perspectives on %s, state a clear BUY/HOLD/SELL decision with a short rationale in markdown.", subject),
		},
	}
}
