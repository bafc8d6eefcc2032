package baostock

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

func TestBSCode(t *testing.T) {
	cases := map[string]string{
		"600036": "sh.600036",
		"000001": "sz.000001",
		"688111": "sh.688111",
		"830799": "bj.830799",
	}
	for in, want := range cases {
		if got := bsCode(in); got != want {
			t.Errorf("bsCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKLine_OrdersAndTrims(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("code") != "sh.600036" {
			t.Errorf("unexpected code param: %s", r.URL.Query().Get("code"))
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"date": "2026-08-20", "open": "34.1", "close": "34.5", "high": "34.8", "low": "33.9", "volume": "500000", "amount": "1.7e7"},
			{"date": "2026-08-18", "open": "33.0", "close": "33.4", "high": "33.6", "low": "32.8", "volume": "400000", "amount": "1.3e7"},
			{"date": "2026-08-19", "open": "33.5", "close": "34.0", "high": "34.2", "low": "33.2", "volume": "450000", "amount": "1.5e7"},
		})
	}))
	defer srv.Close()

	a := NewAdapter(WithBaseURL(srv.URL))
	a.now = func() time.Time { return time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC) }

	bars, err := a.KLine(context.Background(), "600036", "daily", 2, "")
	if err != nil {
		t.Fatalf("KLine failed: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars after trim, got %d", len(bars))
	}
	if bars[0].TradeDate != "2026-08-19" || bars[1].TradeDate != "2026-08-20" {
		t.Errorf("expected oldest-first order, got %s then %s", bars[0].TradeDate, bars[1].TradeDate)
	}
	if bars[1].Volume != 500000 {
		t.Errorf("baostock volume is already shares, got %f", bars[1].Volume)
	}
}

func TestUnsupportedCapabilities(t *testing.T) {
	a := NewAdapter()
	if _, err := a.RealtimeQuotes(context.Background()); !errors.Is(err, interfaces.ErrNotSupported) {
		t.Errorf("RealtimeQuotes should be unsupported, got %v", err)
	}
	if _, err := a.DailyBasic(context.Background(), "20260820"); !errors.Is(err, interfaces.ErrNotSupported) {
		t.Errorf("DailyBasic should be unsupported, got %v", err)
	}
	if _, err := a.News(context.Background(), "600036", 7, 10, false); !errors.Is(err, interfaces.ErrNotSupported) {
		t.Errorf("News should be unsupported, got %v", err)
	}
}
