// Package app wires configuration, storage, data source adapters, and
// services into one composition root shared by cmd/quantgate-server.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coolbix/quantgate/internal/clients/akshare"
	"github.com/coolbix/quantgate/internal/clients/baostock"
	"github.com/coolbix/quantgate/internal/clients/finnhub"
	"github.com/coolbix/quantgate/internal/clients/gemini"
	"github.com/coolbix/quantgate/internal/clients/tushare"
	"github.com/coolbix/quantgate/internal/clients/yfinance"
	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/datasource"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
	"github.com/coolbix/quantgate/internal/services/ingest"
	"github.com/coolbix/quantgate/internal/services/notify"
	"github.com/coolbix/quantgate/internal/services/orchestrator"
	"github.com/coolbix/quantgate/internal/services/quotes"
	"github.com/coolbix/quantgate/internal/services/valuation"
	"github.com/coolbix/quantgate/internal/storage"
	"github.com/coolbix/quantgate/internal/taskqueue"
)

// App holds all initialized clients and services.
type App struct {
	Config  *common.Config
	Logger  *common.Logger
	Storage *storage.Manager

	Tushare *tushare.Adapter // nil when disabled or no token
	Gemini  *gemini.Client   // nil when no API key
	Sources interfaces.DataSourceManager

	Queue   *taskqueue.Queue
	Sweeper *taskqueue.Sweeper

	Basics        *ingest.BasicsService
	Historical    *ingest.HistoricalService
	Financial     *ingest.FinancialService
	Quotes        *quotes.Service
	Valuation     *valuation.Service
	Notifications *notify.Service
	Orchestrator  *orchestrator.Orchestrator

	StartupTime time.Time

	tz              *time.Location
	schedulerCancel context.CancelFunc
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes storage, adapters, and every service. configPath may
// be empty, in which case QUANTGATE_CONFIG and the binary directory are
// consulted.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	if configPath == "" {
		configPath = os.Getenv("QUANTGATE_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(getBinaryDir(), "quantgate.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/quantgate.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var logger *common.Logger
	if config.Logging.Format == "json" {
		logger = common.NewLoggerWithOutput(config.Logging.Level, os.Stderr)
	} else {
		logger = common.NewLogger(config.Logging.Level)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	storageManager, err := storage.NewManager(ctx, logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := storageManager.EnsureIndexes(ctx); err != nil {
		logger.Warn().Err(err).Msg("Index creation failed, continuing without")
	}

	tz, err := time.LoadLocation(config.Timezone)
	if err != nil {
		logger.Warn().Err(err).Str("timezone", config.Timezone).Msg("Unknown timezone, using Asia/Shanghai")
		tz = time.FixedZone("CST", 8*3600)
	}

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		StartupTime: startupStart,
		tz:          tz,
	}
	a.buildSources(ctx)
	a.buildGemini(ctx)
	a.buildServices()

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")
	return a, nil
}

// buildSources constructs the provider adapters and the fallback manager.
// Adapters without credentials are still registered; they report
// themselves unavailable and the fallback chain skips them.
func (a *App) buildSources(ctx context.Context) {
	cfg := a.Config.Clients
	logger := a.Logger

	var adapters []interfaces.DataSourceAdapter

	if cfg.Tushare.Enabled {
		clientOpts := []tushare.ClientOption{
			tushare.WithLogger(logger),
			tushare.WithTimeout(cfg.Tushare.GetTimeout()),
		}
		if cfg.Tushare.BaseURL != "" {
			clientOpts = append(clientOpts, tushare.WithBaseURL(cfg.Tushare.BaseURL))
		}
		if rpm := cfg.Tushare.RequestsPerMinuteLimit; rpm > 0 {
			perSecond := rpm / 60
			if perSecond < 1 {
				perSecond = 1
			}
			clientOpts = append(clientOpts, tushare.WithRateLimit(perSecond))
		}
		client := tushare.NewClient(cfg.Tushare.Token, clientOpts...)
		a.Tushare = tushare.NewAdapter(client,
			tushare.WithAdapterLogger(logger),
			tushare.WithHourlyBudget(tushare.NewHourlyBudget(cfg.Tushare.GetRealtimeHourlyBudget())),
			tushare.WithPremiumSpacing(tushare.NewMinIntervalGate(cfg.Tushare.GetPremiumMinInterval())),
			tushare.WithAutoDetectPermission(cfg.Tushare.AutoDetectPermission),
		)
		adapters = append(adapters, a.Tushare)
		if cfg.Tushare.Token == "" {
			logger.Warn().Msg("Tushare token not configured - enrichment and realtime rotation degrade to other sources")
		}
	} else {
		logger.Info().Msg("Tushare disabled by configuration")
	}

	akClient := akshare.NewClient(
		akshare.WithBaseURL(cfg.AKShare.BaseURL),
		akshare.WithLogger(logger),
		akshare.WithRateLimit(cfg.AKShare.RateLimit),
		akshare.WithTimeout(cfg.AKShare.GetTimeout()),
	)
	adapters = append(adapters,
		akshare.NewAdapter(akClient, akshare.FlavorEastmoney, akshare.WithAdapterLogger(logger)),
		akshare.NewAdapter(akClient, akshare.FlavorSina, akshare.WithAdapterLogger(logger)),
		baostock.NewAdapter(
			baostock.WithBaseURL(cfg.BaoStock.BaseURL),
			baostock.WithLogger(logger),
			baostock.WithTimeout(cfg.BaoStock.GetTimeout()),
		),
		yfinance.NewAdapter(
			yfinance.WithBaseURL(cfg.YFinance.BaseURL),
			yfinance.WithLogger(logger),
			yfinance.WithTimeout(cfg.YFinance.GetTimeout()),
			yfinance.WithCache(a.Storage.BlobCache(), cfg.YFinance.GetCacheTTL()),
		),
	)

	if cfg.Finnhub.APIKey != "" {
		adapters = append(adapters, finnhub.NewAdapter(cfg.Finnhub.APIKey,
			finnhub.WithBaseURL(cfg.Finnhub.BaseURL),
			finnhub.WithLogger(logger),
			finnhub.WithRateLimit(cfg.Finnhub.RateLimit),
			finnhub.WithTimeout(cfg.Finnhub.GetTimeout()),
		))
	} else {
		logger.Warn().Msg("Finnhub API key not configured - US news fallback unavailable")
	}

	managerOpts := []datasource.ManagerOption{datasource.WithLogger(logger)}
	if groupings, err := a.Storage.Groupings().ListByMarket(ctx, models.MarketCN); err != nil {
		logger.Warn().Err(err).Msg("Could not load data source groupings, using default priorities")
	} else if len(groupings) > 0 {
		managerOpts = append(managerOpts, datasource.WithGroupings(groupings))
	}
	a.Sources = datasource.NewManager(adapters, managerOpts...)
}

// buildGemini constructs the analysis model client when a key is present.
func (a *App) buildGemini(ctx context.Context) {
	cfg := a.Config.Clients.Gemini
	if cfg.APIKey == "" {
		a.Logger.Warn().Msg("Gemini API key not configured - analysis tasks will fail at execution")
		return
	}

	client, err := gemini.NewClient(ctx, cfg.APIKey,
		gemini.WithLogger(a.Logger),
		gemini.WithModel(cfg.Model),
	)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to initialize Gemini client")
		return
	}
	a.Gemini = client
}

// buildServices constructs the queue and every domain service.
func (a *App) buildServices() {
	config := a.Config
	logger := a.Logger
	sm := a.Storage

	a.Queue = taskqueue.NewQueue(sm.Redis(),
		taskqueue.WithLogger(logger),
		taskqueue.WithUserLimit(config.Tasks.GetUserLimit()),
		taskqueue.WithGlobalLimit(config.Tasks.GetGlobalLimit()),
		taskqueue.WithVisibilityTimeout(config.Tasks.GetVisibilityTimeout()),
	)
	a.Sweeper = taskqueue.NewSweeper(a.Queue, config.Tasks.GetSweepInterval())

	runner := ingest.NewRunner(sm.SyncStatus(),
		ingest.WithRunnerLogger(logger),
		ingest.WithStaleRunningAfter(config.Ingest.GetStaleRunningAfter()),
	)
	a.Basics = ingest.NewBasicsService(runner, sm.StockBasics(), a.Sources, a.Tushare, logger)
	a.Historical = ingest.NewHistoricalService(runner, sm.HistoricalBars(), a.Sources, logger)
	a.Financial = ingest.NewFinancialService(runner, sm.Financials(), a.Tushare, logger)

	a.Quotes = quotes.NewService(sm.MarketQuotes(), sm.SyncStatus(), a.Sources,
		quotes.WithLogger(logger),
		quotes.WithTimezone(a.tz),
		quotes.WithRotationEnabled(config.Quotes.RotationEnabled),
		quotes.WithBackfillOnOffhours(config.Quotes.BackfillOnOffhours),
	)
	a.Valuation = valuation.NewService(sm.MarketQuotes(), sm.StockBasics(), sm.Financials(),
		valuation.WithLogger(logger),
		valuation.WithTimezone(a.tz),
	)

	hub := orchestrator.NewHub(logger)
	a.Notifications = notify.NewService(sm.Notifications(),
		notify.WithLogger(logger),
		notify.WithPublisher(hub),
	)

	analyze := a.analyzeFunc()
	a.Orchestrator = orchestrator.NewOrchestrator(a.Queue, sm.Tasks(), sm.Reports(), analyze,
		orchestrator.WithLogger(logger),
		orchestrator.WithHub(hub),
		orchestrator.WithNotifier(a.Notifications),
		orchestrator.WithWorkers(config.Tasks.GetWorkers()),
		orchestrator.WithMaxBatchSize(config.Tasks.GetMaxBatchSize()),
		orchestrator.WithResultsDir(config.Analysis.ResultsDir),
	)
}

// analyzeFunc returns the Gemini-backed analysis function, or a stub that
// fails the task when no model client is configured. Submissions are still
// accepted so the queue surface behaves identically either way.
func (a *App) analyzeFunc() orchestrator.AnalyzeFunc {
	if a.Gemini != nil {
		return orchestrator.NewAnalyzer(a.Gemini, orchestrator.WithAnalyzerLogger(a.Logger)).Analyze
	}
	return func(context.Context, *models.AnalysisTask, func(int, string)) (*models.AnalysisReport, error) {
		return nil, fmt.Errorf("analysis engine not configured: gemini api key missing")
	}
}

// Start launches the worker pool and the background schedulers.
func (a *App) Start() {
	a.Orchestrator.Start()
	a.startScheduler()
}

// Close releases all resources. Shutdown order: scheduler, worker pool,
// storage.
func (a *App) Close() {
	if a.schedulerCancel != nil {
		a.schedulerCancel()
		a.schedulerCancel = nil
	}
	if a.Orchestrator != nil {
		a.Orchestrator.Stop()
	}
	if a.Storage != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Storage.Close(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
		}
		a.Storage = nil
	}
}
