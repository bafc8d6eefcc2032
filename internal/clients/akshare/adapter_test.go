package akshare

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coolbix/quantgate/internal/interfaces"
)

func bridgeServer(t *testing.T, routes map[string][]map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for suffix, rows := range routes {
			if r.URL.Path == "/api/public/"+suffix {
				json.NewEncoder(w).Encode(rows)
				return
			}
		}
		http.NotFound(w, r)
	}))
}

func TestAdapter_RealtimeQuotes_Eastmoney(t *testing.T) {
	srv := bridgeServer(t, map[string][]map[string]interface{}{
		"stock_zh_a_spot_em": {
			{"代码": "600036", "名称": "招商银行", "最新价": 34.5, "今开": 34.1, "最高": 34.8,
				"最低": 33.9, "昨收": 34.0, "涨跌幅": 1.47, "成交量": 500000.0, "成交额": 1.7e9},
			{"代码": "000001", "名称": "平安银行", "最新价": "-", "昨收": 10.0},
		},
	})
	defer srv.Close()

	a := NewAdapter(NewClient(WithBaseURL(srv.URL+"/api/public")), FlavorEastmoney)
	quotes, err := a.RealtimeQuotes(context.Background())
	if err != nil {
		t.Fatalf("RealtimeQuotes failed: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}

	q := quotes["600036"]
	if q.Close != 34.5 {
		t.Errorf("expected close 34.5, got %f", q.Close)
	}
	if q.Volume != 500000*100 {
		t.Errorf("expected volume in shares, got %f", q.Volume)
	}
	// suspended stock reports "-" which reads as zero
	if quotes["000001"].Close != 0 {
		t.Errorf("expected dash to read 0, got %f", quotes["000001"].Close)
	}
}

func TestAdapter_Sina_CapabilityGaps(t *testing.T) {
	a := NewAdapter(NewClient(), FlavorSina)

	if a.Name() != "akshare_sina" {
		t.Errorf("unexpected name: %s", a.Name())
	}
	if _, err := a.StockList(context.Background()); !errors.Is(err, interfaces.ErrNotSupported) {
		t.Errorf("sina StockList should be unsupported, got %v", err)
	}
	if _, err := a.DailyBasic(context.Background(), "20260820"); !errors.Is(err, interfaces.ErrNotSupported) {
		t.Errorf("sina DailyBasic should be unsupported, got %v", err)
	}
	if _, err := a.KLine(context.Background(), "600036", "daily", 10, ""); !errors.Is(err, interfaces.ErrNotSupported) {
		t.Errorf("sina KLine should be unsupported, got %v", err)
	}
	if _, err := a.News(context.Background(), "600036", 7, 10, false); !errors.Is(err, interfaces.ErrNotSupported) {
		t.Errorf("sina News should be unsupported, got %v", err)
	}
}

func TestAdapter_DailyBasic_ConvertsMarketCap(t *testing.T) {
	srv := bridgeServer(t, map[string][]map[string]interface{}{
		"stock_zh_a_spot_em": {
			{"代码": "600036", "最新价": 34.5, "市盈率-动态": 5.8, "市净率": 0.9,
				"总市值": 8.7e11, "流通市值": 8.6e11, "换手率": 1.2},
		},
	})
	defer srv.Close()

	a := NewAdapter(NewClient(WithBaseURL(srv.URL+"/api/public")), FlavorEastmoney)
	rows, err := a.DailyBasic(context.Background(), "20260820")
	if err != nil {
		t.Fatalf("DailyBasic failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].TradeDate != "20260820" {
		t.Errorf("expected requested trade date stamped on rows, got %s", rows[0].TradeDate)
	}
	if rows[0].TotalMV != 8.7e11/10000 {
		t.Errorf("expected total_mv in 万元, got %f", rows[0].TotalMV)
	}
	if rows[0].PETTM != 5.8 {
		t.Errorf("expected pe_ttm 5.8, got %f", rows[0].PETTM)
	}
}

func TestAdapter_FindLatestTradeDate_SkipsFuture(t *testing.T) {
	srv := bridgeServer(t, map[string][]map[string]interface{}{
		"tool_trade_date_hist_sina": {
			{"trade_date": "2026-08-19"},
			{"trade_date": "2026-08-20"},
			{"trade_date": "2026-08-21"},
			{"trade_date": "2099-01-01"},
		},
	})
	defer srv.Close()

	a := NewAdapter(NewClient(WithBaseURL(srv.URL+"/api/public")), FlavorEastmoney)
	a.now = func() time.Time { return time.Date(2026, 8, 22, 9, 0, 0, 0, time.UTC) }
	got, err := a.FindLatestTradeDate(context.Background())
	if err != nil {
		t.Fatalf("FindLatestTradeDate failed: %v", err)
	}
	if got != "20260821" {
		t.Errorf("expected 20260821, got %s", got)
	}
}
