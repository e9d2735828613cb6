// Package advisor consults an optional LLM endpoint as the last gate of the
// veto chain. Timeouts and transport failures never block a trade.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

// Verdict is the advisor's parsed reply.
type Verdict struct {
	Veto   bool   `json:"veto"`
	Reason string `json:"reason"`
}

// Advisor posts entry candidates to the LLM endpoint for a final opinion.
type Advisor struct {
	cfg    types.LLMConfig
	http   *http.Client
	logger *zap.Logger
}

// New creates an Advisor. When cfg.Enabled is false every Review passes.
func New(cfg types.LLMConfig, logger *zap.Logger) *Advisor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Advisor{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.Named("advisor"),
	}
}

// Enabled reports whether the advisor participates in the veto chain.
func (a *Advisor) Enabled() bool { return a.cfg.Enabled && a.cfg.URL != "" }

// Review asks the advisor about an entry candidate. Timeouts, transport
// errors and unparseable replies are treated as non-veto.
func (a *Advisor) Review(ctx context.Context, symbol, strategy string, sig types.TradeSignal) Verdict {
	if !a.Enabled() {
		return Verdict{}
	}

	payload := map[string]interface{}{
		"model":      a.cfg.Model,
		"symbol":     symbol,
		"strategy":   strategy,
		"direction":  sig.Direction,
		"confidence": sig.Confidence,
		"reason":     sig.Reason,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Verdict{}
	}

	ctx, cancel := context.WithTimeout(ctx, a.http.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return Verdict{}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		a.logger.Warn("advisor unreachable, passing entry", zap.Error(err))
		return Verdict{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.logger.Warn("advisor error status, passing entry", zap.Int("status", resp.StatusCode))
		return Verdict{}
	}

	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		a.logger.Warn("advisor reply unparseable, passing entry", zap.Error(err))
		return Verdict{}
	}
	if v.Veto {
		a.logger.Info("advisor veto",
			zap.String("symbol", symbol),
			zap.String("strategy", strategy),
			zap.String("reason", v.Reason))
		if v.Reason == "" {
			v.Reason = fmt.Sprintf("advisor vetoed %s entry", symbol)
		}
	}
	return v
}
