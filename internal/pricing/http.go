package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/symbol"
)

// HTTPSource reads prices from an external feed:
// GET {base}/prices/{symbol} -> {"symbol": "...", "price": "..."}.
// The symbol is sent as BASE-QUOTE.
type HTTPSource struct {
	client *resty.Client
}

type priceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// NewHTTPSource creates a feed client for baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration, opts ...func(*resty.Client)) (*HTTPSource, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("pricing: base url is required")
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	for _, opt := range opts {
		opt(client)
	}
	return &HTTPSource{client: client}, nil
}

// Price fetches the current price of sym.
func (h *HTTPSource) Price(ctx context.Context, sym string) (decimal.Decimal, error) {
	p, err := symbol.Parse(sym)
	if err != nil {
		return decimal.Zero, err
	}

	start := time.Now()
	var out priceResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetPathParam("symbol", p.Base+"-"+p.Quote).
		SetResult(&out).
		Get("/prices/{symbol}")
	metrics.PriceFetchDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
	if err != nil {
		return decimal.Zero, apperr.External(err, "price feed request for %s", p)
	}
	if resp.StatusCode() >= 400 {
		return decimal.Zero, apperr.External(nil, "price feed responded with status %d for %s", resp.StatusCode(), p)
	}
	if !out.Price.IsPositive() {
		return decimal.Zero, apperr.External(nil, "price feed returned non-positive price %s for %s", out.Price, p)
	}
	return out.Price, nil
}
