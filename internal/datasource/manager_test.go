package datasource

import (
	"context"
	"errors"
	"testing"

	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// fakeAdapter is a scriptable adapter for manager tests.
type fakeAdapter struct {
	name      string
	available bool

	stockList     []models.StockListRow
	stockListErr  error
	dailyBasic    []models.DailyBasicRow
	dailyBasicErr error
	tradeDate     string
	tradeDateErr  error

	calls map[string]int
}

func newFake(name string) *fakeAdapter {
	return &fakeAdapter{name: name, available: true, calls: make(map[string]int)}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Available(_ context.Context) interfaces.Availability {
	return interfaces.Availability{Available: f.available}
}

func (f *fakeAdapter) StockList(_ context.Context) ([]models.StockListRow, error) {
	f.calls["stock_list"]++
	return f.stockList, f.stockListErr
}

func (f *fakeAdapter) DailyBasic(_ context.Context, _ string) ([]models.DailyBasicRow, error) {
	f.calls["daily_basic"]++
	return f.dailyBasic, f.dailyBasicErr
}

func (f *fakeAdapter) FindLatestTradeDate(_ context.Context) (string, error) {
	f.calls["latest_trade_date"]++
	return f.tradeDate, f.tradeDateErr
}

func (f *fakeAdapter) RealtimeQuotes(_ context.Context) (map[string]models.RealtimeQuote, error) {
	return nil, interfaces.ErrNotSupported
}

func (f *fakeAdapter) KLine(_ context.Context, _, _ string, _ int, _ string) ([]models.HistoricalBar, error) {
	return nil, interfaces.ErrNotSupported
}

func (f *fakeAdapter) News(_ context.Context, _ string, _, _ int, _ bool) ([]models.NewsItem, error) {
	return nil, interfaces.ErrNotSupported
}

func TestManager_PriorityOrder(t *testing.T) {
	bao := newFake("baostock")
	tu := newFake("tushare")
	em := newFake("akshare_eastmoney")

	m := NewManager([]interfaces.DataSourceAdapter{bao, em, tu})
	got := m.Adapters()
	if got[0].Name() != "tushare" || got[1].Name() != "akshare_eastmoney" || got[2].Name() != "baostock" {
		t.Errorf("unexpected order: %s, %s, %s", got[0].Name(), got[1].Name(), got[2].Name())
	}
}

func TestManager_GroupingOverridesAndDisables(t *testing.T) {
	tu := newFake("tushare")
	em := newFake("akshare_eastmoney")
	bao := newFake("baostock")

	m := NewManager([]interfaces.DataSourceAdapter{tu, em, bao}, WithGroupings([]models.DataSourceGrouping{
		{MarketCategoryID: models.MarketCN, DataSourceName: "baostock", Priority: 99, Enabled: true},
		{MarketCategoryID: models.MarketCN, DataSourceName: "akshare_eastmoney", Enabled: false},
	}))

	got := m.Adapters()
	if len(got) != 2 {
		t.Fatalf("disabled adapter should be dropped, got %d adapters", len(got))
	}
	if got[0].Name() != "baostock" {
		t.Errorf("grouping priority 99 should lead, got %s", got[0].Name())
	}
	if _, ok := m.Adapter("akshare_eastmoney"); ok {
		t.Error("disabled adapter should not resolve by name")
	}
}

func TestStockListWithFallback_SkipsEmptyAndFailed(t *testing.T) {
	tu := newFake("tushare")
	tu.stockListErr = errors.New("upstream 500")
	em := newFake("akshare_eastmoney")
	em.stockList = nil // empty result, not an error
	bao := newFake("baostock")
	bao.stockList = []models.StockListRow{{Symbol: "600036", Name: "招商银行"}}

	m := NewManager([]interfaces.DataSourceAdapter{tu, em, bao})
	result, err := m.StockListWithFallback(context.Background())
	if err != nil {
		t.Fatalf("fallback failed: %v", err)
	}
	if result.Source != "baostock" {
		t.Errorf("expected baostock to win, got %s", result.Source)
	}
	if tu.calls["stock_list"] != 1 || em.calls["stock_list"] != 1 {
		t.Error("higher-priority sources should each be tried once")
	}
}

func TestStockListWithFallback_PreferredLeads(t *testing.T) {
	tu := newFake("tushare")
	tu.stockList = []models.StockListRow{{Symbol: "600036"}}
	em := newFake("akshare_eastmoney")
	em.stockList = []models.StockListRow{{Symbol: "600036"}}

	m := NewManager([]interfaces.DataSourceAdapter{tu, em})
	result, err := m.StockListWithFallback(context.Background(), "akshare_eastmoney")
	if err != nil {
		t.Fatalf("fallback failed: %v", err)
	}
	if result.Source != "akshare_eastmoney" {
		t.Errorf("preferred source should lead, got %s", result.Source)
	}
	if tu.calls["stock_list"] != 0 {
		t.Error("tushare should not be called when preferred source succeeds")
	}
}

func TestFallback_AllExhaustedReturnsLastError(t *testing.T) {
	tu := newFake("tushare")
	tu.tradeDateErr = errors.New("boom")
	bao := newFake("baostock")
	bao.available = false

	m := NewManager([]interfaces.DataSourceAdapter{tu, bao})
	_, err := m.FindLatestTradeDateWithFallback(context.Background())
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected last real error, got %v", err)
	}
}

func TestFallback_AllEmptyReturnsErrEmpty(t *testing.T) {
	tu := newFake("tushare")
	bao := newFake("baostock")

	m := NewManager([]interfaces.DataSourceAdapter{tu, bao})
	_, err := m.FindLatestTradeDateWithFallback(context.Background())
	if !errors.Is(err, interfaces.ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
}

func TestDailyBasicWithConsistencyCheck_TwoSources(t *testing.T) {
	tu := newFake("tushare")
	tu.dailyBasic = []models.DailyBasicRow{{Code: "600036", PETTM: 10, PB: 1.2, TotalMV: 5e5, Close: 34.5}}
	em := newFake("akshare_eastmoney")
	em.dailyBasic = []models.DailyBasicRow{{Code: "600036", PETTM: 10, PB: 1.2, TotalMV: 5e5, Close: 34.5}}

	m := NewManager([]interfaces.DataSourceAdapter{tu, em})
	result, report, err := m.DailyBasicWithConsistencyCheck(context.Background(), "20260820")
	if err != nil {
		t.Fatalf("consistency check failed: %v", err)
	}
	if result.Source != "tushare" {
		t.Errorf("primary should be tushare, got %s", result.Source)
	}
	if report == nil {
		t.Fatal("expected a consistency report with two sources")
	}
	if report.RecommendedAction != models.ActionUseEither {
		t.Errorf("identical tables should score use_either, got %s", report.RecommendedAction)
	}
}

func TestDailyBasicWithConsistencyCheck_DegradesToFallback(t *testing.T) {
	tu := newFake("tushare")
	tu.dailyBasic = []models.DailyBasicRow{{Code: "600036", PETTM: 10}}
	bao := newFake("baostock")
	bao.available = false

	m := NewManager([]interfaces.DataSourceAdapter{tu, bao})
	result, report, err := m.DailyBasicWithConsistencyCheck(context.Background(), "20260820")
	if err != nil {
		t.Fatalf("expected silent degrade, got %v", err)
	}
	if report != nil {
		t.Error("single available source must not produce a report")
	}
	if result.Source != "tushare" {
		t.Errorf("expected tushare result, got %s", result.Source)
	}
}

func TestDailyBasicWithConsistencyCheck_PrimaryFails(t *testing.T) {
	tu := newFake("tushare")
	tu.dailyBasicErr = errors.New("token expired")
	em := newFake("akshare_eastmoney")
	em.dailyBasic = []models.DailyBasicRow{{Code: "600036", Close: 34.5}}

	m := NewManager([]interfaces.DataSourceAdapter{tu, em})
	result, report, err := m.DailyBasicWithConsistencyCheck(context.Background(), "20260820")
	if err != nil {
		t.Fatalf("secondary should carry the call: %v", err)
	}
	if report != nil {
		t.Error("no report when one side failed")
	}
	if result.Source != "akshare_eastmoney" {
		t.Errorf("expected secondary result, got %s", result.Source)
	}
}
