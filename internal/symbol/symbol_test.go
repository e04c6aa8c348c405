package symbol

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTC", "BTC/USDT"},
		{"btc", "BTC/USDT"},
		{"btc/usdt", "BTC/USDT"},
		{"ETH-EUR", "ETH/EUR"},
		{"BNB_BUSD", "BNB/BUSD"},
		{"BTCUSDT", "BTC/USDT"},
		{"ETHBTC", "ETH/BTC"},
		{" sol/usdc ", "SOL/USDC"},
	}
	for _, tt := range tests {
		p, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error %v", tt.in, err)
			continue
		}
		if p.String() != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, p, tt.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"B",
		"BTC/",
		"BTC//USDT",
		"BTC/USDT/EUR",
		"BTC USDT",
		"USDT/USDT",
		"BTC$",
	}
	for _, in := range tests {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Parse(%q): expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}

func TestParse_BareQuoteIsBase(t *testing.T) {
	// "USDT" alone has no room for a base before the suffix.
	p, err := Parse("USDT")
	if err == nil {
		t.Fatalf("expected error, got %v", p)
	}
}

func TestCanonical(t *testing.T) {
	got, err := Canonical("eth")
	if err != nil || got != "ETH/USDT" {
		t.Errorf("Canonical(eth) = %q, %v", got, err)
	}
}
