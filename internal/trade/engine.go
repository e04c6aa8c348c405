// Package trade opens time-boxed directional trades and settles them at
// expiry.
//
// Settlement is crash-safe and idempotent. A trade is claimed with a
// compare-and-set (open -> closing) that stamps a lease; the outcome is
// persisted before any money moves; every ledger mutation carries a
// reference derived from the trade id, so a resumed settlement replays as a
// no-op; the final closing -> closed transition is fenced by the claim.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/keylock"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/pricing"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/symbol"
)

var (
	// ErrNotExpired is returned when settlement is requested before expiry.
	ErrNotExpired = apperr.New(apperr.KindConflict, "trade_not_expired", "trade has not expired")

	// ErrSettlementInProgress is returned while another worker holds the
	// settlement lease.
	ErrSettlementInProgress = apperr.New(apperr.KindConflict, "settlement_in_progress", "trade settlement in progress")
)

// Ledger is the subset of the ledger the engine needs.
type Ledger interface {
	Lock(ctx context.Context, userID string, amount decimal.Decimal, ref string) (*ledger.Receipt, error)
	Unlock(ctx context.Context, userID string, stake, profitLoss decimal.Decimal, ref string) (*ledger.Receipt, error)
}

// Commissioner pays referral commission on settled volume.
type Commissioner interface {
	Distribute(ctx context.Context, sourceUserID string, volume decimal.Decimal, ref string) error
}

// Config tunes settlement.
type Config struct {
	// PayoutRatio is the profit paid on a winning stake, e.g. 0.8.
	PayoutRatio decimal.Decimal
	// SettlementLease is how long a claim is honoured before another
	// worker may resume the settlement.
	SettlementLease time.Duration
	PriceTimeout    time.Duration
	PriceRetries    uint64
	PriceBackoff    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PayoutRatio:     decimal.NewFromFloat(0.8),
		SettlementLease: 30 * time.Second,
		PriceTimeout:    3 * time.Second,
		PriceRetries:    4,
		PriceBackoff:    200 * time.Millisecond,
	}
}

// Engine handles trade operations.
type Engine struct {
	store      store.TradeStore
	ledger     Ledger
	prices     pricing.Source
	commission Commissioner
	limiter    *risk.ExposureLimiter
	notifier   notify.Notifier
	cfg        Config
	now        func() time.Time

	// opens serializes, per user, the exposure check with the stake lock.
	opens *keylock.Map
}

// NewEngine creates a trade engine. comm, limiter and n may be nil.
func NewEngine(st store.TradeStore, l Ledger, prices pricing.Source, comm Commissioner, limiter *risk.ExposureLimiter, n notify.Notifier, cfg Config) *Engine {
	if n == nil {
		n = notify.NewFanout(0)
	}
	return &Engine{
		store:      st,
		ledger:     l,
		prices:     prices,
		commission: comm,
		limiter:    limiter,
		notifier:   n,
		cfg:        cfg,
		opens:      keylock.New(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the engine's clock. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// OpenRequest describes a new trade. With AtMarket set, Price is ignored
// and the trade enters at the current market price.
type OpenRequest struct {
	UserID        string          `json:"user_id"`
	Symbol        string          `json:"symbol"`
	Direction     model.Direction `json:"direction"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	DurationValue int64           `json:"duration_value"`
	DurationUnit  string          `json:"duration_unit"`
	AtMarket      bool            `json:"at_market"`
}

// Open locks the stake and persists a new open trade with its settlement
// job.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*model.Trade, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if req.Direction != model.Buy && req.Direction != model.Sell {
		return nil, apperr.Validation("direction must be buy or sell, got %q", req.Direction)
	}
	if !req.Quantity.IsPositive() {
		return nil, apperr.Validation("quantity must be positive, got %s", req.Quantity)
	}
	if !req.AtMarket && !req.Price.IsPositive() {
		return nil, apperr.Validation("price must be positive, got %s", req.Price)
	}
	unit, err := model.ParseDurationUnit(req.DurationUnit)
	if err != nil {
		return nil, apperr.ErrValidation.Wrap(err)
	}
	dur, err := model.ToDuration(req.DurationValue, unit)
	if err != nil {
		return nil, apperr.ErrValidation.Wrap(err)
	}
	pair, err := symbol.Parse(req.Symbol)
	if err != nil {
		return nil, err
	}

	price := req.Price
	if req.AtMarket {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
		price, err = e.prices.Price(pctx, pair.String())
		cancel()
		if err != nil {
			return nil, err
		}
	}
	stake := req.Quantity.Mul(price)

	unlock := e.opens.Lock(req.UserID)
	defer unlock()

	if e.limiter.Enabled() {
		open, err := e.store.ListTrades(ctx, model.TradeFilter{UserID: req.UserID, Status: model.TradeOpen})
		if err != nil {
			return nil, fmt.Errorf("load open trades: %w", err)
		}
		if err := e.limiter.CheckLimit(pair, stake, risk.OpenExposure(open)); err != nil {
			metrics.ExposureRejections.Inc()
			return nil, err
		}
	}

	id := uuid.NewString()
	if _, err := e.ledger.Lock(ctx, req.UserID, stake, lockRef(id)); err != nil {
		return nil, err
	}

	now := e.now()
	t := &model.Trade{
		ID:            id,
		UserID:        req.UserID,
		Symbol:        pair.String(),
		Direction:     req.Direction,
		Quantity:      req.Quantity,
		EntryPrice:    price,
		Stake:         stake,
		DurationValue: req.DurationValue,
		DurationUnit:  unit,
		ExpiryAt:      now.Add(dur),
		Status:        model.TradeOpen,
		ProfitLoss:    decimal.Zero,
		CreatedAt:     now,
	}
	job := &model.SettlementJob{
		ID:        uuid.NewString(),
		Kind:      model.JobTrade,
		EntityID:  id,
		DueAt:     t.ExpiryAt,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateTrade(ctx, t, job); err != nil {
		if _, rerr := e.ledger.Unlock(ctx, req.UserID, stake, decimal.Zero, releaseRef(id)); rerr != nil {
			slog.Error("stake release after failed trade insert",
				"alert", true,
				"trade_id", id,
				"user", req.UserID,
				"stake", stake.String(),
				"err", rerr,
			)
		}
		return nil, fmt.Errorf("create trade: %w", err)
	}

	metrics.TradesOpened.WithLabelValues(string(t.Direction)).Inc()
	slog.Info("trade opened",
		"trade_id", t.ID,
		"user", t.UserID,
		"symbol", t.Symbol,
		"direction", t.Direction,
		"qty", t.Quantity.String(),
		"entry_price", t.EntryPrice.String(),
		"stake", t.Stake.String(),
		"expiry", t.ExpiryAt,
	)
	e.notifier.TradeUpdate(ctx, t.UserID, notify.Event{Type: notify.EventTradeOpened, Data: t})
	return t, nil
}

// Settle finalizes an expired trade. Settling a closed trade returns it
// unchanged.
func (e *Engine) Settle(ctx context.Context, tradeID string) (*model.Trade, error) {
	t, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status == model.TradeClosed {
		return t, nil
	}
	now := e.now()
	if now.Before(t.ExpiryAt) {
		return nil, ErrNotExpired.With("trade %s expires at %s", t.ID, t.ExpiryAt.Format(time.RFC3339))
	}

	t, err = e.store.ClaimTrade(ctx, tradeID, now, e.cfg.SettlementLease)
	if apperr.IsKind(err, apperr.KindConflict) {
		current, gerr := e.store.GetTrade(ctx, tradeID)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == model.TradeClosed {
			return current, nil
		}
		return nil, ErrSettlementInProgress.With("trade %s", tradeID)
	}
	if err != nil {
		return nil, err
	}

	if !t.HasOutcome() {
		exit, err := e.fetchPrice(ctx, t.Symbol)
		if err != nil {
			metrics.SettlementFailures.WithLabelValues("price").Inc()
			slog.Error("exit price unavailable, trade left closing",
				"alert", true,
				"trade_id", t.ID,
				"symbol", t.Symbol,
				"err", err,
			)
			return nil, apperr.External(err, "exit price for trade %s", t.ID)
		}
		pnl, result := ComputeOutcome(t.Direction, t.EntryPrice, exit, t.Stake, e.cfg.PayoutRatio)
		t.ExitPrice = &exit
		t.ProfitLoss = pnl
		t.Result = result
		if err := e.store.SaveTradeOutcome(ctx, t); err != nil {
			metrics.SettlementFailures.WithLabelValues("outcome").Inc()
			return nil, fmt.Errorf("save outcome of trade %s: %w", t.ID, err)
		}
	} else {
		slog.Info("resuming trade settlement with stored outcome", "trade_id", t.ID, "result", t.Result)
	}

	if _, err := e.ledger.Unlock(ctx, t.UserID, t.Stake, t.ProfitLoss, unlockRef(t.ID)); err != nil {
		metrics.SettlementFailures.WithLabelValues("unlock").Inc()
		return nil, fmt.Errorf("unlock stake of trade %s: %w", t.ID, err)
	}

	if e.commission != nil {
		if err := e.commission.Distribute(ctx, t.UserID, t.Stake, "trade:"+t.ID); err != nil {
			metrics.SettlementFailures.WithLabelValues("commission").Inc()
			slog.Error("commission distribution failed",
				"trade_id", t.ID,
				"user", t.UserID,
				"volume", t.Stake.String(),
				"err", err,
			)
		}
	}

	closedAt := e.now()
	t.ClosedAt = &closedAt
	if err := e.store.CloseTrade(ctx, t); err != nil {
		metrics.SettlementFailures.WithLabelValues("close").Inc()
		return nil, fmt.Errorf("close trade %s: %w", t.ID, err)
	}
	t.Status = model.TradeClosed

	metrics.TradesSettled.WithLabelValues(string(t.Result)).Inc()
	metrics.SettlementLag.Observe(closedAt.Sub(t.ExpiryAt).Seconds())
	slog.Info("trade settled",
		"trade_id", t.ID,
		"user", t.UserID,
		"result", t.Result,
		"exit_price", t.ExitPrice.String(),
		"pnl", t.ProfitLoss.String(),
	)

	e.notifier.TradeUpdate(ctx, t.UserID, notify.Event{Type: notify.EventTradeSettled, Data: t})
	e.notifier.Email(ctx, t.UserID,
		fmt.Sprintf("Trade %s closed: %s", t.Symbol, t.Result),
		fmt.Sprintf("Your %s trade on %s closed at %s with P&L %s.", t.Direction, t.Symbol, t.ExitPrice, t.ProfitLoss),
	)
	return t, nil
}

// SettleJob adapts Settle to the scheduler.
func (e *Engine) SettleJob(ctx context.Context, job model.SettlementJob) error {
	_, err := e.Settle(ctx, job.EntityID)
	return err
}

func lockRef(id string) string    { return "trade:" + id + ":lock" }
func unlockRef(id string) string  { return "trade:" + id + ":unlock" }
func releaseRef(id string) string { return "trade:" + id + ":release" }
