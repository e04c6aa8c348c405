// Package risk implements exposure limits on open trades.
//
// Exposure is the stake a user has locked in open trades. Limits apply per
// symbol and, because BTC/USDT and BTC/EUR move together, per base asset
// across every symbol that shares it.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/symbol"
)

var (
	// ErrSymbolLimitExceeded is returned when a trade would push the open
	// stake in a single symbol beyond MaxPerSymbol.
	ErrSymbolLimitExceeded = apperr.New(apperr.KindValidation, "symbol_exposure_exceeded", "per-symbol exposure limit exceeded")

	// ErrAssetLimitExceeded is returned when a trade would push the
	// aggregate open stake across symbols with the same base asset beyond
	// MaxPerAsset.
	ErrAssetLimitExceeded = apperr.New(apperr.KindValidation, "asset_exposure_exceeded", "per-asset exposure limit exceeded")
)

// ExposureLimiter enforces exposure limits. A zero limit disables that check.
type ExposureLimiter struct {
	MaxPerSymbol decimal.Decimal
	MaxPerAsset  decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given limits.
func NewExposureLimiter(maxPerSymbol, maxPerAsset decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{MaxPerSymbol: maxPerSymbol, MaxPerAsset: maxPerAsset}
}

// Enabled reports whether any limit is set.
func (l *ExposureLimiter) Enabled() bool {
	return l != nil && (l.MaxPerSymbol.IsPositive() || l.MaxPerAsset.IsPositive())
}

// CheckLimit validates whether adding stake on target respects the limits.
// existing maps canonical symbols to the user's current open stake.
func (l *ExposureLimiter) CheckLimit(target symbol.Pair, stake decimal.Decimal, existing map[string]decimal.Decimal) error {
	if !l.Enabled() {
		return nil
	}

	key := target.String()
	inSymbol := existing[key].Add(stake)
	if l.MaxPerSymbol.IsPositive() && inSymbol.GreaterThan(l.MaxPerSymbol) {
		return ErrSymbolLimitExceeded.With("%s would reach %s, max %s", key, inSymbol, l.MaxPerSymbol)
	}

	if !l.MaxPerAsset.IsPositive() {
		return nil
	}
	inAsset := inSymbol
	for sym, exposure := range existing {
		if sym == key {
			continue // counted in inSymbol
		}
		p, err := symbol.Parse(sym)
		if err != nil {
			continue
		}
		if p.Base == target.Base {
			inAsset = inAsset.Add(exposure)
		}
	}
	if inAsset.GreaterThan(l.MaxPerAsset) {
		return ErrAssetLimitExceeded.With("%s would reach %s, max %s", target.Base, inAsset, l.MaxPerAsset)
	}
	return nil
}

// OpenExposure sums the stake of open trades per symbol.
func OpenExposure(trades []model.Trade) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for i := range trades {
		t := &trades[i]
		if t.Status != model.TradeOpen {
			continue
		}
		out[t.Symbol] = out[t.Symbol].Add(t.Stake)
	}
	return out
}
