package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(types.BridgeConfig{URL: srv.URL, Timeout: time.Second}, zap.NewNop())
}

func TestHealthRecordsContact(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(HealthInfo{Status: "ok", Connected: true, Mode: "simulation"})
	}))
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if c.LastHealthy().IsZero() {
		t.Error("LastHealthy not recorded")
	}
}

func TestHealthErrorWhenDisconnected(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HealthInfo{Status: "degraded", Connected: false, Mode: "simulation"})
	}))
	if err := c.Health(context.Background()); err == nil {
		t.Error("expected error when the adapter reports connected=false")
	}
	if !c.LastHealthy().IsZero() {
		t.Error("disconnected probe must not record contact")
	}
}

func TestHealthErrorOnBadStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	if err := c.Health(context.Background()); err == nil {
		t.Error("expected error on 503")
	}
	if !c.LastHealthy().IsZero() {
		t.Error("failed probe must not record contact")
	}
}

func TestSubmitOrderWireShape(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/order" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatal(err)
		}
		if payload["action"] != "BUY" {
			t.Errorf(`payload action = %v, want "BUY" (keys: %v)`, payload["action"], payload)
		}
		if payload["symbol"] != "2330" {
			t.Errorf("payload symbol = %v", payload["symbol"])
		}
		json.NewEncoder(w).Encode(OrderResponse{Status: "filled", OrderID: "abc", Price: 500.5})
	}))

	resp, err := c.SubmitOrder(context.Background(), OrderRequest{Symbol: "2330", Action: "BUY", Quantity: 1000})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if !resp.Filled() || resp.Price != 500.5 {
		t.Errorf("response = %+v", resp)
	}
}

func TestRejectionReasonDecoded(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "rejected",
			"reason": "insufficient margin",
		})
	}))
	resp, err := c.SubmitOrder(context.Background(), OrderRequest{Symbol: "2330", Action: "BUY", Quantity: 1000})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if resp.Filled() {
		t.Error("rejected order must not report filled")
	}
	if resp.Reason != "insufficient margin" {
		t.Errorf("reason = %q, want the adapter's rejection reason", resp.Reason)
	}
}

func TestQuotesEnvelopeAndParams(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream/quotes" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "TXF" {
			t.Errorf("symbol param = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit param = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"quotes": []map[string]interface{}{
				{"price": 20100.0, "volume": 3, "timestamp": time.Now().Format(time.RFC3339)},
			},
			"count": 1,
		})
	}))
	quotes, err := c.Quotes(context.Background(), "TXF", 50)
	if err != nil {
		t.Fatalf("Quotes: %v", err)
	}
	if len(quotes) != 1 || quotes[0].Price != 20100 {
		t.Fatalf("quotes = %+v", quotes)
	}
	if quotes[0].Symbol != "TXF" {
		t.Errorf("symbol backfill missing: %+v", quotes[0])
	}
}

func TestSignalIsMarketDataGet(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/signal" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "2330" {
			t.Errorf("symbol param = %q", got)
		}
		json.NewEncoder(w).Encode(SignalSnapshot{
			CurrentPrice: 512.5,
			Direction:    "LONG",
			Momentum3m:   0.004,
			VolumeRatio:  1.8,
		})
	}))
	snap, err := c.Signal(context.Background(), "2330")
	if err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if snap.CurrentPrice != 512.5 || snap.Direction != "LONG" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestAccountShape(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/account" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]float64{
			"equity":           81234.5,
			"available_margin": 43000,
		})
	}))
	acct, err := c.Account(context.Background())
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.Equity != 81234.5 || acct.AvailableMargin != 43000 {
		t.Errorf("account = %+v", acct)
	}
}

func TestOrderBookPath(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orderbook/2330" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(types.OrderBookData{
			Symbol: "2330",
			Bids:   []types.BookLevel{{Price: 500, Volume: 100}},
			Asks:   []types.BookLevel{{Price: 500.5, Volume: 50}},
		})
	}))
	ob, err := c.OrderBook(context.Background(), "2330")
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}
	if !ob.Valid() {
		t.Errorf("book = %+v", ob)
	}
}

func TestFilledSemantics(t *testing.T) {
	cases := []struct {
		resp OrderResponse
		want bool
	}{
		{OrderResponse{Status: "filled"}, true},
		{OrderResponse{Status: "rejected"}, false},
		{OrderResponse{Status: "rejected", Reason: "market closed"}, false},
	}
	for _, c := range cases {
		if got := c.resp.Filled(); got != c.want {
			t.Errorf("Filled(%+v) = %v, want %v", c.resp, got, c.want)
		}
	}
}
