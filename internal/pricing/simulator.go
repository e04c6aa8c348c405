package pricing

import (
	"context"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/symbol"
)

// DefaultPrices seeds the simulator, keyed by base asset.
var DefaultPrices = map[string]decimal.Decimal{
	"BTC":  decimal.NewFromInt(65000),
	"ETH":  decimal.NewFromInt(3200),
	"BNB":  decimal.NewFromInt(580),
	"USDT": decimal.NewFromInt(1),
}

var (
	unknownBase   = decimal.NewFromInt(1000)
	minPrice      = decimal.New(1, -8)
	volatility    = 0.03
	stableVolatil = 0.001
)

// Simulator is an in-process random-walk price source. Each Price call moves
// the asset's price by a uniform step of up to ±3% (±0.1% for USDT).
// Prices set with SetPrice are pinned and returned unchanged.
type Simulator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]decimal.Decimal
	pinned map[string]decimal.Decimal
}

// NewSimulator creates a simulator seeded with DefaultPrices.
func NewSimulator(seed int64) *Simulator {
	prices := make(map[string]decimal.Decimal, len(DefaultPrices))
	for k, v := range DefaultPrices {
		prices[k] = v
	}
	return &Simulator{
		rng:    rand.New(rand.NewSource(seed)),
		prices: prices,
		pinned: make(map[string]decimal.Decimal),
	}
}

// Price returns the next simulated price for the symbol's base asset.
func (s *Simulator) Price(_ context.Context, sym string) (decimal.Decimal, error) {
	p, err := symbol.Parse(sym)
	if err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.pinned[p.Base]; ok {
		return v, nil
	}

	current, ok := s.prices[p.Base]
	if !ok {
		current = unknownBase
	}
	vol := volatility
	if p.Base == "USDT" {
		vol = stableVolatil
	}
	step := (s.rng.Float64()*2 - 1) * vol
	next := current.Mul(decimal.NewFromFloat(1 + step)).Round(8)
	if next.LessThan(minPrice) {
		next = minPrice
	}
	s.prices[p.Base] = next
	return next, nil
}

// SetPrice pins the price of sym's base asset until ClearPrice.
func (s *Simulator) SetPrice(sym string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return apperr.Validation("price must be positive, got %s", price)
	}
	p, err := symbol.Parse(sym)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pinned[p.Base] = price
	s.prices[p.Base] = price
	s.mu.Unlock()
	return nil
}

// ClearPrice resumes the random walk for sym's base asset from its pinned
// value.
func (s *Simulator) ClearPrice(sym string) error {
	p, err := symbol.Parse(sym)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pinned, p.Base)
	s.mu.Unlock()
	return nil
}
