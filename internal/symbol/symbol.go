// Package symbol parses trading pair symbols such as BTC/USDT.
package symbol

import (
	"regexp"
	"strings"

	"github.com/atmx/ledger-engine/internal/apperr"
)

// DefaultQuote is used when a symbol names only the base asset.
const DefaultQuote = "USDT"

// knownQuotes are recognised as a suffix of unseparated symbols (BTCUSDT).
// Longer quotes come first so USDT wins over USD.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "EUR", "USD", "BTC", "ETH"}

// pairRegex matches: {BASE}[/-_]{QUOTE} or a bare {BASE}.
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,12})(?:[/\-_]([A-Z0-9]{2,12}))?$`)

// ErrInvalidSymbol is returned for anything that is not a trading pair.
var ErrInvalidSymbol = apperr.New(apperr.KindValidation, "invalid_symbol", "invalid symbol")

// Pair is a parsed trading pair.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// String returns the canonical BASE/QUOTE form.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Parse accepts BTC, btc/usdt, BTC-USDT, BTC_USDT and BTCUSDT.
func Parse(s string) (Pair, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	m := pairRegex.FindStringSubmatch(raw)
	if m == nil {
		return Pair{}, ErrInvalidSymbol.With("%q (expected BASE or BASE/QUOTE)", s)
	}

	base, quote := m[1], m[2]
	if quote == "" {
		base, quote = splitQuote(base)
	}
	if base == quote {
		return Pair{}, ErrInvalidSymbol.With("%q has the same base and quote", s)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// Canonical parses s and returns its BASE/QUOTE form.
func Canonical(s string) (string, error) {
	p, err := Parse(s)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// splitQuote splits an unseparated symbol on a known quote suffix.
func splitQuote(s string) (string, string) {
	for _, q := range knownQuotes {
		if len(s) > len(q)+1 && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q), q
		}
	}
	return s, DefaultQuote
}
