package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

func dailyBars(symbol string, dates ...string) []models.HistoricalBar {
	bars := make([]models.HistoricalBar, 0, len(dates))
	for i, d := range dates {
		bars = append(bars, models.HistoricalBar{
			Symbol:     symbol,
			TradeDate:  d,
			DataSource: "tushare",
			Period:     models.PeriodDaily,
			Close:      10 + float64(i),
			Volume:     1000,
			Amount:     10000,
		})
	}
	return bars
}

func TestHistoricalSync_FullMode(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "tushare",
		available: true,
		kline:     dailyBars("600036", "2026-08-18", "2026-08-19", "2026-08-20"),
	}
	manager := &fakeSourceManager{adapters: []interfaces.DataSourceAdapter{adapter}}
	store := &fakeBarStore{}

	svc := NewHistoricalService(NewRunner(newFakeStatusStore()), store, manager, nil)
	status, err := svc.Sync(context.Background(), []string{"600036"}, models.PeriodDaily, ModeFull, 0, false)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if status.Status != models.SyncStatusSuccess {
		t.Errorf("expected success, got %s (%s)", status.Status, status.ErrorMessage)
	}
	if adapter.klineLimit != fullHistoryDays {
		t.Errorf("full mode should request %d days, got %d", fullHistoryDays, adapter.klineLimit)
	}
	if len(store.bars) != 3 {
		t.Errorf("expected 3 bars written, got %d", len(store.bars))
	}
	if status.RecordsCount != 3 {
		t.Errorf("expected records_count 3, got %d", status.RecordsCount)
	}
}

func TestHistoricalSync_IncrementalSkipsUpToDate(t *testing.T) {
	adapter := &fakeAdapter{name: "tushare", available: true, kline: dailyBars("600036", "2026-08-20")}
	manager := &fakeSourceManager{adapters: []interfaces.DataSourceAdapter{adapter}}
	store := &fakeBarStore{lastDates: map[string]string{"600036": "2026-08-20"}}

	svc := NewHistoricalService(NewRunner(newFakeStatusStore()), store, manager, nil)
	svc.now = func() time.Time { return time.Date(2026, 8, 20, 16, 0, 0, 0, time.UTC) }

	status, err := svc.Sync(context.Background(), []string{"600036"}, models.PeriodDaily, ModeIncremental, 0, false)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if adapter.klineCalls != 0 {
		t.Errorf("up-to-date symbol should not be fetched, got %d calls", adapter.klineCalls)
	}
	if status.RecordsCount != 0 {
		t.Errorf("expected no writes, got %d", status.RecordsCount)
	}
}

func TestHistoricalSync_IncrementalResumesFromLastBar(t *testing.T) {
	adapter := &fakeAdapter{name: "tushare", available: true, kline: dailyBars("600036", "2026-08-19", "2026-08-20")}
	manager := &fakeSourceManager{adapters: []interfaces.DataSourceAdapter{adapter}}
	store := &fakeBarStore{lastDates: map[string]string{"600036": "2026-08-15"}}

	svc := NewHistoricalService(NewRunner(newFakeStatusStore()), store, manager, nil)
	svc.now = func() time.Time { return time.Date(2026, 8, 20, 16, 0, 0, 0, time.UTC) }

	if _, err := svc.Sync(context.Background(), []string{"600036"}, models.PeriodDaily, ModeIncremental, 0, false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if adapter.klineCalls != 1 {
		t.Fatalf("expected one fetch, got %d", adapter.klineCalls)
	}
	if adapter.klineLimit != 5 {
		t.Errorf("expected a 5-day window from the last bar, got %d", adapter.klineLimit)
	}
}

func TestHistoricalSync_SymbolFailureCountsAndContinues(t *testing.T) {
	adapter := &fakeAdapter{name: "tushare", available: true, klineErr: errors.New("upstream down")}
	manager := &fakeSourceManager{adapters: []interfaces.DataSourceAdapter{adapter}}
	store := &fakeBarStore{}

	svc := NewHistoricalService(NewRunner(newFakeStatusStore()), store, manager, nil)
	status, err := svc.Sync(context.Background(), []string{"600036", "000001"}, models.PeriodDaily, ModeFixed, 30, false)
	if err != nil {
		t.Fatalf("partial failure should not fail the run: %v", err)
	}
	if status.Status != models.SyncStatusSuccessWithErrors {
		t.Errorf("expected success_with_errors, got %s", status.Status)
	}
	if status.ErrorsCount != 2 {
		t.Errorf("expected 2 errors, got %d", status.ErrorsCount)
	}
}

func TestHistoricalSync_FallsBackPastUnsupportedAdapter(t *testing.T) {
	noKline := &fakeAdapter{name: "akshare_sina", available: true, klineErr: interfaces.ErrNotSupported}
	serving := &fakeAdapter{name: "baostock", available: true, kline: dailyBars("600036", "2026-08-20")}
	manager := &fakeSourceManager{adapters: []interfaces.DataSourceAdapter{noKline, serving}}
	store := &fakeBarStore{}

	svc := NewHistoricalService(NewRunner(newFakeStatusStore()), store, manager, nil)
	status, err := svc.Sync(context.Background(), []string{"600036"}, models.PeriodDaily, ModeFixed, 10, false)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if status.Status != models.SyncStatusSuccess {
		t.Errorf("expected success, got %s", status.Status)
	}
	if status.Source != "baostock" {
		t.Errorf("expected baostock to serve, got %s", status.Source)
	}
}

func TestDerivePreClose(t *testing.T) {
	bars := []models.HistoricalBar{
		{TradeDate: "2026-08-18", Close: 10},
		{TradeDate: "2026-08-19", Close: 11},
		{TradeDate: "2026-08-20", Close: 12, PreClose: 11.5},
	}
	derivePreClose(bars)

	if bars[1].PreClose != 10 {
		t.Errorf("missing pre_close should shift from previous close, got %f", bars[1].PreClose)
	}
	if bars[2].PreClose != 11.5 {
		t.Errorf("provider pre_close must not be overwritten, got %f", bars[2].PreClose)
	}
	if bars[0].PreClose != 0 {
		t.Errorf("first bar has no previous close, got %f", bars[0].PreClose)
	}
}
