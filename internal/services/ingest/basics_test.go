package ingest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

func TestComposeBasics(t *testing.T) {
	row := models.StockListRow{Name: "招商银行", Industry: "银行", Market: "主板"}
	metrics := models.DailyBasicRow{
		TotalMV:      9_000_000, // 万元
		CircMV:       8_000_000,
		PETTM:        6.5,
		PB:           math.NaN(),
		TurnoverRate: 1.2,
	}

	doc := composeBasics("600036", "tushare", row, metrics, 15.8)

	if doc.FullSymbol != "600036.SS" {
		t.Errorf("unexpected full symbol: %s", doc.FullSymbol)
	}
	if doc.TotalMV != 900 {
		t.Errorf("total_mv should convert to 亿元, got %f", doc.TotalMV)
	}
	if doc.CircMV != 800 {
		t.Errorf("circ_mv should convert to 亿元, got %f", doc.CircMV)
	}
	if doc.PB != 0 {
		t.Errorf("NaN metric must be dropped, got %f", doc.PB)
	}
	if doc.ROE != 15.8 {
		t.Errorf("unexpected roe: %f", doc.ROE)
	}
}

func TestLatestReportPeriod(t *testing.T) {
	cases := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), "20251231"},
		{time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC), "20260331"},
		{time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), "20260630"},
		{time.Date(2026, 11, 10, 0, 0, 0, 0, time.UTC), "20260930"},
	}
	for _, tc := range cases {
		if got := latestReportPeriod(tc.now); got != tc.want {
			t.Errorf("latestReportPeriod(%v) = %s, want %s", tc.now, got, tc.want)
		}
	}
}

func TestMultiSourceSync_AttributesProvider(t *testing.T) {
	akshare := &fakeAdapter{
		name:      "akshare_eastmoney",
		available: true,
		stockList: []models.StockListRow{
			{Symbol: "600036", Name: "招商银行"},
			{Symbol: "000001", Name: "平安银行"},
		},
		tradeDate: "20260820",
		dailyBasic: []models.DailyBasicRow{
			{Code: "600036", PETTM: 6.5, TotalMV: 9_000_000},
		},
	}
	manager := &fakeSourceManager{adapters: []interfaces.DataSourceAdapter{akshare}}

	store := &fakeBasicsStore{}
	svc := NewBasicsService(NewRunner(newFakeStatusStore()), store, manager, nil, nil)

	status, err := svc.MultiSourceSync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if status.Status != models.SyncStatusSuccess {
		t.Errorf("expected success, got %s (%s)", status.Status, status.ErrorMessage)
	}
	if status.Source != "akshare_eastmoney" {
		t.Errorf("status should carry the providing source, got %s", status.Source)
	}
	if len(store.docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(store.docs))
	}
	for _, doc := range store.docs {
		if doc.Source != "akshare_eastmoney" {
			t.Errorf("document must carry the literal provider name, got %s", doc.Source)
		}
	}

	// Metrics merged for the code the provider covered
	var cmb *models.StockBasics
	for i := range store.docs {
		if store.docs[i].Code == "600036" {
			cmb = &store.docs[i]
		}
	}
	if cmb == nil || cmb.PETTM != 6.5 {
		t.Errorf("expected merged pe_ttm for 600036, got %+v", cmb)
	}
	if cmb != nil && cmb.TotalMV != 900 {
		t.Errorf("total_mv should convert to 亿元, got %f", cmb.TotalMV)
	}
}

func TestMultiSourceSync_RefusesMultiSourceName(t *testing.T) {
	svc := NewBasicsService(NewRunner(newFakeStatusStore()), &fakeBasicsStore{}, &fakeSourceManager{}, nil, nil)

	if _, err := svc.MultiSourceSync(context.Background(), false, "multi_source"); err == nil {
		t.Error("literal multi_source must be refused as a preferred source")
	}
}

func TestMultiSourceSync_PreferredSourceLeads(t *testing.T) {
	tushareFake := &fakeAdapter{
		name:      "tushare",
		available: true,
		stockList: []models.StockListRow{{Symbol: "600036", Name: "招商银行"}},
		tradeDate: "20260820",
	}
	baostock := &fakeAdapter{
		name:      "baostock",
		available: true,
		stockList: []models.StockListRow{{Symbol: "600036", Name: "招商银行"}},
		tradeDate: "20260820",
	}
	manager := &fakeSourceManager{adapters: []interfaces.DataSourceAdapter{tushareFake, baostock}}

	store := &fakeBasicsStore{}
	svc := NewBasicsService(NewRunner(newFakeStatusStore()), store, manager, nil, nil)

	status, err := svc.MultiSourceSync(context.Background(), false, "baostock")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if status.Source != "baostock" {
		t.Errorf("preferred source should provide the data, got %s", status.Source)
	}
}

func TestTestSources(t *testing.T) {
	ok := &fakeAdapter{name: "akshare_eastmoney", available: true, tradeDate: "20260820"}
	down := &fakeAdapter{name: "tushare", available: false}
	manager := &fakeSourceManager{adapters: []interfaces.DataSourceAdapter{ok, down}}

	svc := NewBasicsService(NewRunner(newFakeStatusStore()), &fakeBasicsStore{}, manager, nil, nil)
	results := svc.TestSources(context.Background())

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	byName := map[string]SourceTestResult{}
	for _, r := range results {
		byName[r.Source] = r
	}
	if !byName["akshare_eastmoney"].OK {
		t.Errorf("reachable adapter should probe ok: %+v", byName["akshare_eastmoney"])
	}
	if byName["tushare"].OK || byName["tushare"].Error == "" {
		t.Errorf("unconfigured adapter should fail the probe: %+v", byName["tushare"])
	}
}
