package pricing

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/ledger-engine/internal/apperr"
)

// Limited throttles calls to a Source.
type Limited struct {
	src     Source
	limiter *rate.Limiter
}

// NewLimited allows rps calls per second to src with a burst of burst.
func NewLimited(src Source, rps float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{src: src, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Price waits for a token, then calls the wrapped source.
func (l *Limited) Price(ctx context.Context, sym string) (decimal.Decimal, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return decimal.Zero, apperr.External(err, "price rate limit wait for %s", sym)
	}
	return l.src.Price(ctx, sym)
}
