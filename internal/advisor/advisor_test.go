package advisor

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

func longSignal() types.TradeSignal {
	return types.TradeSignal{Direction: types.DirectionLong, Confidence: 0.8, Reason: "test"}
}

func TestDisabledAlwaysPasses(t *testing.T) {
	a := New(types.LLMConfig{Enabled: false}, zap.NewNop())
	if v := a.Review(context.Background(), "2330", "x", longSignal()); v.Veto {
		t.Error("disabled advisor must not veto")
	}
}

func TestVetoParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Verdict{Veto: true, Reason: "headline risk"})
	}))
	defer srv.Close()

	a := New(types.LLMConfig{Enabled: true, URL: srv.URL, Timeout: time.Second}, zap.NewNop())
	v := a.Review(context.Background(), "2330", "x", longSignal())
	if !v.Veto || v.Reason != "headline risk" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestTimeoutIsNonVeto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(Verdict{Veto: true})
	}))
	defer srv.Close()

	a := New(types.LLMConfig{Enabled: true, URL: srv.URL, Timeout: 50 * time.Millisecond}, zap.NewNop())
	if v := a.Review(context.Background(), "2330", "x", longSignal()); v.Veto {
		t.Error("timeout must be treated as non-veto")
	}
}

func TestGarbageReplyIsNonVeto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	a := New(types.LLMConfig{Enabled: true, URL: srv.URL, Timeout: time.Second}, zap.NewNop())
	if v := a.Review(context.Background(), "2330", "x", longSignal()); v.Veto {
		t.Error("unparseable reply must be treated as non-veto")
	}
}
