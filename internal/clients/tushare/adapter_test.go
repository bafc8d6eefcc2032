package tushare

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func columnarResponse(fields []string, items [][]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"code": 0,
		"data": map[string]interface{}{
			"fields": fields,
			"items":  items,
		},
	}
}

func TestAdapter_Available(t *testing.T) {
	a := NewAdapter(NewClient("tok"), WithTokenProvenance("database"))
	avail := a.Available(context.Background())
	if !avail.Available {
		t.Error("adapter with token should be available")
	}
	if avail.Provenance != "database" {
		t.Errorf("expected provenance database, got %s", avail.Provenance)
	}

	empty := NewAdapter(NewClient(""))
	if empty.Available(context.Background()).Available {
		t.Error("adapter without token must be unavailable")
	}
}

func TestAdapter_StockList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope
		json.NewDecoder(r.Body).Decode(&env)
		if env.APIName != "stock_basic" {
			t.Errorf("expected stock_basic, got %s", env.APIName)
		}
		json.NewEncoder(w).Encode(columnarResponse(
			[]string{"ts_code", "symbol", "name", "industry"},
			[][]interface{}{
				{"600036.SH", "600036", "招商银行", "银行"},
				{"000001.SZ", "000001", "平安银行", "银行"},
			},
		))
	}))
	defer srv.Close()

	a := NewAdapter(NewClient("tok", WithBaseURL(srv.URL)))
	rows, err := a.StockList(context.Background())
	if err != nil {
		t.Fatalf("StockList failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Symbol != "600036" {
		t.Errorf("expected 6-digit symbol, got %s", rows[0].Symbol)
	}
	if rows[1].Name != "平安银行" {
		t.Errorf("unexpected name: %s", rows[1].Name)
	}
}

func TestAdapter_RealtimeQuotes_BudgetGate(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(columnarResponse(
			[]string{"ts_code", "close", "pre_close"},
			[][]interface{}{{"600036.SH", 34.5, 34.0}},
		))
	}))
	defer srv.Close()

	a := NewAdapter(NewClient("tok", WithBaseURL(srv.URL)),
		WithHourlyBudget(NewHourlyBudget(2)),
		WithAutoDetectPermission(false))

	for i := 0; i < 2; i++ {
		quotes, err := a.RealtimeQuotes(context.Background())
		if err != nil {
			t.Fatalf("call %d failed: %v", i+1, err)
		}
		if quotes["600036"].Close != 34.5 {
			t.Errorf("call %d: unexpected quote %+v", i+1, quotes["600036"])
		}
	}

	_, err := a.RealtimeQuotes(context.Background())
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("third call should be budget-exhausted, got %v", err)
	}
	if calls != 2 {
		t.Errorf("rejected call must not reach the network, saw %d calls", calls)
	}
}

func TestAdapter_RealtimeQuotes_FailureDoesNotConsumeBudget(t *testing.T) {
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 40001, "msg": "timeout"})
			return
		}
		json.NewEncoder(w).Encode(columnarResponse(
			[]string{"ts_code", "close"},
			[][]interface{}{{"600036.SH", 34.5}},
		))
	}))
	defer srv.Close()

	a := NewAdapter(NewClient("tok", WithBaseURL(srv.URL)),
		WithHourlyBudget(NewHourlyBudget(1)),
		WithAutoDetectPermission(false))

	if _, err := a.RealtimeQuotes(context.Background()); err == nil {
		t.Fatal("expected provider failure")
	}

	// The failed call left the budget intact.
	fail = false
	if _, err := a.RealtimeQuotes(context.Background()); err != nil {
		t.Fatalf("budget should still admit after a failed call: %v", err)
	}
}

func TestAdapter_PremiumProbe(t *testing.T) {
	probes := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope
		json.NewDecoder(r.Body).Decode(&env)
		if env.Params["ts_code"] == "600000.SH" {
			probes++
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 40203, "msg": "没有权限"})
			return
		}
		json.NewEncoder(w).Encode(columnarResponse(
			[]string{"ts_code", "close"},
			[][]interface{}{{"600036.SH", 34.5}},
		))
	}))
	defer srv.Close()

	a := NewAdapter(NewClient("tok", WithBaseURL(srv.URL)),
		WithHourlyBudget(NewHourlyBudget(5)),
		WithAutoDetectPermission(true))

	for i := 0; i < 3; i++ {
		if _, err := a.RealtimeQuotes(context.Background()); err != nil {
			t.Fatalf("call %d failed: %v", i+1, err)
		}
	}
	if probes != 1 {
		t.Errorf("permission probe must run exactly once, ran %d times", probes)
	}
}

func TestTSCode(t *testing.T) {
	cases := map[string]string{
		"600036":    "600036.SH",
		"000001":    "000001.SZ",
		"300750":    "300750.SZ",
		"688111":    "688111.SH",
		"830799":    "830799.BJ",
		"sz000001":  "000001.SZ",
		"600036.SS": "600036.SH",
	}
	for in, want := range cases {
		if got := tsCode(in); got != want {
			t.Errorf("tsCode(%q) = %q, want %q", in, got, want)
		}
	}
}
