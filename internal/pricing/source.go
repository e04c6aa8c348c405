// Package pricing provides market prices for trade entry and settlement.
package pricing

import (
	"context"

	"github.com/shopspring/decimal"
)

// Source returns the current market price for a trading symbol.
type Source interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// Price calls f.
func (f SourceFunc) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}
