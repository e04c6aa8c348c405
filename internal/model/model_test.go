package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

func TestToDuration(t *testing.T) {
	cases := []struct {
		value int64
		unit  model.DurationUnit
		want  time.Duration
	}{
		{30, model.Seconds, 30 * time.Second},
		{5, model.Minutes, 5 * time.Minute},
		{2, model.Hours, 2 * time.Hour},
		{1, model.Days, 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := model.ToDuration(tc.value, tc.unit)
		if err != nil {
			t.Fatalf("ToDuration(%d, %s): %v", tc.value, tc.unit, err)
		}
		if got != tc.want {
			t.Errorf("ToDuration(%d, %s) = %v, want %v", tc.value, tc.unit, got, tc.want)
		}
	}
}

func TestToDuration_Invalid(t *testing.T) {
	if _, err := model.ToDuration(0, model.Seconds); !errors.Is(err, model.ErrInvalidDuration) {
		t.Errorf("zero value should be invalid, got %v", err)
	}
	if _, err := model.ToDuration(1, "weeks"); !errors.Is(err, model.ErrInvalidDuration) {
		t.Errorf("unknown unit should be invalid, got %v", err)
	}
	if _, err := model.ToDuration(1<<62, model.Days); !errors.Is(err, model.ErrInvalidDuration) {
		t.Errorf("overflow should be invalid, got %v", err)
	}
}

func TestParseDurationUnit(t *testing.T) {
	u, err := model.ParseDurationUnit(" Minutes ")
	if err != nil || u != model.Minutes {
		t.Errorf("got %q, %v", u, err)
	}
	if _, err := model.ParseDurationUnit("minute"); err == nil {
		t.Error("singular unit should be rejected")
	}
}

func TestTradeFilter_Matches(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := &model.Trade{UserID: "u1", Symbol: "BTC/USDT", Direction: model.Buy, Status: model.TradeOpen, CreatedAt: now}

	if !(model.TradeFilter{}).Matches(tr) {
		t.Error("empty filter should match")
	}
	if !(model.TradeFilter{UserID: "u1", Symbol: "BTC/USDT", From: now, To: now.Add(time.Second)}).Matches(tr) {
		t.Error("inclusive From, exclusive To should match")
	}
	if (model.TradeFilter{Direction: model.Sell}).Matches(tr) {
		t.Error("direction mismatch should not match")
	}
	if (model.TradeFilter{To: now}).Matches(tr) {
		t.Error("To is exclusive")
	}
}

func TestSettlementPlan_TotalAndUnpaid(t *testing.T) {
	p := &model.SettlementPlan{Payouts: []model.Payout{
		{UserID: "a", Amount: decimal.NewFromInt(300), Status: model.PayoutPaid},
		{UserID: "b", Amount: decimal.NewFromInt(200), Status: model.PayoutFailed},
		{UserID: "c", Amount: decimal.NewFromInt(150), Status: model.PayoutPending},
	}}
	if !p.Total().Equal(decimal.NewFromInt(650)) {
		t.Errorf("total = %s", p.Total())
	}
	if n := len(p.Unpaid()); n != 2 {
		t.Errorf("unpaid = %d, want 2", n)
	}
}
