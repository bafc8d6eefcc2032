package app

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coolbix/quantgate/internal/services/ingest"
)

// retentionCron trims the notification collection nightly, off trading
// hours.
const retentionCron = "0 0 3 * * *"

// startScheduler launches the cron-driven ingestion jobs and the interval
// loops: quote rotation ticks and the zombie task sweeper. All of them
// stop when the app closes.
func (a *App) startScheduler() {
	ctx, cancel := context.WithCancel(context.Background())
	a.schedulerCancel = cancel

	c := cron.New(cron.WithSeconds(), cron.WithLocation(a.tz))

	a.scheduleJob(c, a.Config.Ingest.BasicsCron, "stock_basics", func(ctx context.Context) error {
		_, err := a.Basics.MultiSourceSync(ctx, false)
		return err
	})
	a.scheduleJob(c, a.Config.Ingest.HistoricalCron, "historical_daily", func(ctx context.Context) error {
		codes, err := a.Storage.StockBasics().ListCodes(ctx)
		if err != nil {
			return err
		}
		_, err = a.Historical.Sync(ctx, codes, "daily", ingest.ModeIncremental, 0, false)
		return err
	})
	a.scheduleJob(c, a.Config.Ingest.FinancialCron, "financial", func(ctx context.Context) error {
		codes, err := a.Storage.StockBasics().ListCodes(ctx)
		if err != nil {
			return err
		}
		_, err = a.Financial.Sync(ctx, codes, false)
		return err
	})
	a.scheduleJob(c, retentionCron, "notification_retention", func(ctx context.Context) error {
		_, err := a.Notifications.EnforceRetention(ctx)
		return err
	})

	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()

	go a.runQuoteLoop(ctx)
	go a.Sweeper.Run(ctx)
}

// scheduleJob registers one cron entry. A job that is already running in
// another process is skipped quietly; real failures are logged and the
// schedule keeps firing.
func (a *App) scheduleJob(c *cron.Cron, expr, name string, run func(ctx context.Context) error) {
	if expr == "" {
		a.Logger.Info().Str("job", name).Msg("Scheduled job disabled, no cron expression")
		return
	}
	_, err := c.AddFunc(expr, func() {
		start := time.Now()
		if err := run(context.Background()); err != nil {
			if errors.Is(err, ingest.ErrAlreadyRunning) {
				a.Logger.Debug().Str("job", name).Msg("Scheduled job skipped, already running")
				return
			}
			a.Logger.Error().Err(err).Str("job", name).Msg("Scheduled job failed")
			return
		}
		a.Logger.Info().Str("job", name).Dur("elapsed", time.Since(start)).Msg("Scheduled job complete")
	})
	if err != nil {
		a.Logger.Error().Err(err).Str("job", name).Str("cron", expr).Msg("Invalid cron expression, job not scheduled")
	}
}

// runQuoteLoop drives the quote rotation pipeline on a fixed interval.
// The service decides per tick whether to call a provider or backfill.
func (a *App) runQuoteLoop(ctx context.Context) {
	interval := a.Config.Quotes.GetInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.Logger.Info().Dur("interval", interval).Msg("Quote ingestion loop started")
	for {
		select {
		case <-ctx.Done():
			a.Logger.Info().Msg("Quote ingestion loop stopped")
			return
		case <-ticker.C:
			a.Quotes.Tick(ctx)
		}
	}
}
