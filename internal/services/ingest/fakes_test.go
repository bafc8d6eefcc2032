package ingest

import (
	"context"
	"sync"

	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// fakeAdapter is a scriptable DataSourceAdapter for service tests.
type fakeAdapter struct {
	name      string
	available bool

	stockList  []models.StockListRow
	dailyBasic []models.DailyBasicRow
	tradeDate  string
	kline      []models.HistoricalBar

	stockListErr  error
	dailyBasicErr error
	tradeDateErr  error
	klineErr      error

	klineCalls int
	klineLimit int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Available(context.Context) interfaces.Availability {
	return interfaces.Availability{Available: f.available}
}

func (f *fakeAdapter) StockList(context.Context) ([]models.StockListRow, error) {
	return f.stockList, f.stockListErr
}

func (f *fakeAdapter) DailyBasic(context.Context, string) ([]models.DailyBasicRow, error) {
	return f.dailyBasic, f.dailyBasicErr
}

func (f *fakeAdapter) FindLatestTradeDate(context.Context) (string, error) {
	if f.tradeDateErr != nil {
		return "", f.tradeDateErr
	}
	return f.tradeDate, nil
}

func (f *fakeAdapter) RealtimeQuotes(context.Context) (map[string]models.RealtimeQuote, error) {
	return nil, interfaces.ErrNotSupported
}

func (f *fakeAdapter) KLine(_ context.Context, _, _ string, limit int, _ string) ([]models.HistoricalBar, error) {
	f.klineCalls++
	f.klineLimit = limit
	return f.kline, f.klineErr
}

func (f *fakeAdapter) News(context.Context, string, int, int, bool) ([]models.NewsItem, error) {
	return nil, interfaces.ErrNotSupported
}

var _ interfaces.DataSourceAdapter = (*fakeAdapter)(nil)

// fakeSourceManager hands out a fixed adapter order and serves the
// fallback calls from the first usable adapter.
type fakeSourceManager struct {
	adapters []interfaces.DataSourceAdapter

	consistencyReport *models.ConsistencyReport
}

func (m *fakeSourceManager) Adapters() []interfaces.DataSourceAdapter { return m.adapters }

func (m *fakeSourceManager) Adapter(name string) (interfaces.DataSourceAdapter, bool) {
	for _, a := range m.adapters {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

func (m *fakeSourceManager) ordered(preferred []string) []interfaces.DataSourceAdapter {
	if len(preferred) == 0 {
		return m.adapters
	}
	out := make([]interfaces.DataSourceAdapter, 0, len(m.adapters))
	for _, name := range preferred {
		if a, ok := m.Adapter(name); ok {
			out = append(out, a)
		}
	}
	for _, a := range m.adapters {
		found := false
		for _, o := range out {
			if o.Name() == a.Name() {
				found = true
			}
		}
		if !found {
			out = append(out, a)
		}
	}
	return out
}

func (m *fakeSourceManager) StockListWithFallback(ctx context.Context, preferred ...string) (*interfaces.SourceResult[[]models.StockListRow], error) {
	var lastErr error = interfaces.ErrEmpty
	for _, a := range m.ordered(preferred) {
		rows, err := a.StockList(ctx)
		if err != nil || len(rows) == 0 {
			if err != nil {
				lastErr = err
			}
			continue
		}
		return &interfaces.SourceResult[[]models.StockListRow]{Source: a.Name(), Data: rows}, nil
	}
	return nil, lastErr
}

func (m *fakeSourceManager) DailyBasicWithFallback(ctx context.Context, tradeDate string, preferred ...string) (*interfaces.SourceResult[[]models.DailyBasicRow], error) {
	for _, a := range m.ordered(preferred) {
		rows, err := a.DailyBasic(ctx, tradeDate)
		if err != nil || len(rows) == 0 {
			continue
		}
		return &interfaces.SourceResult[[]models.DailyBasicRow]{Source: a.Name(), Data: rows}, nil
	}
	return nil, interfaces.ErrEmpty
}

func (m *fakeSourceManager) DailyBasicWithConsistencyCheck(ctx context.Context, tradeDate string) (*interfaces.SourceResult[[]models.DailyBasicRow], *models.ConsistencyReport, error) {
	result, err := m.DailyBasicWithFallback(ctx, tradeDate)
	return result, m.consistencyReport, err
}

func (m *fakeSourceManager) FindLatestTradeDateWithFallback(ctx context.Context) (*interfaces.SourceResult[string], error) {
	for _, a := range m.adapters {
		d, err := a.FindLatestTradeDate(ctx)
		if err != nil || d == "" {
			continue
		}
		return &interfaces.SourceResult[string]{Source: a.Name(), Data: d}, nil
	}
	return nil, interfaces.ErrEmpty
}

var _ interfaces.DataSourceManager = (*fakeSourceManager)(nil)

// fakeBasicsStore records upserted documents.
type fakeBasicsStore struct {
	mu   sync.Mutex
	docs []models.StockBasics
	err  error
}

func (f *fakeBasicsStore) BulkUpsert(_ context.Context, docs []models.StockBasics) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.docs = append(f.docs, docs...)
	return len(docs), nil
}

func (f *fakeBasicsStore) Get(context.Context, string, string) (*models.StockBasics, error) {
	return nil, nil
}

func (f *fakeBasicsStore) GetPreferred(context.Context, string) (*models.StockBasics, bool, error) {
	return nil, false, nil
}

func (f *fakeBasicsStore) Count(context.Context) (int64, error) { return 0, nil }

func (f *fakeBasicsStore) ListCodes(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	codes := make([]string, 0, len(f.docs))
	for _, doc := range f.docs {
		codes = append(codes, doc.Code)
	}
	return codes, nil
}

var _ interfaces.StockBasicsStore = (*fakeBasicsStore)(nil)

// fakeBarStore records upserted bars and serves last trade dates.
type fakeBarStore struct {
	mu        sync.Mutex
	bars      []models.HistoricalBar
	lastDates map[string]string
}

func (f *fakeBarStore) BulkUpsert(_ context.Context, bars []models.HistoricalBar) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars = append(f.bars, bars...)
	return len(bars), nil
}

func (f *fakeBarStore) LastTradeDate(_ context.Context, symbol, _ string) (string, error) {
	return f.lastDates[symbol], nil
}

func (f *fakeBarStore) Recent(context.Context, string, string, int) ([]models.HistoricalBar, error) {
	return nil, nil
}

var _ interfaces.HistoricalBarStore = (*fakeBarStore)(nil)
