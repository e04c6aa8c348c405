package trade_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/pricing"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type commissionRecorder struct {
	mu    sync.Mutex
	calls []string
	vol   []decimal.Decimal
	err   error
}

func (c *commissionRecorder) Distribute(_ context.Context, src string, volume decimal.Decimal, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, src+"|"+ref)
	c.vol = append(c.vol, volume)
	return c.err
}

type testEnv struct {
	engine *trade.Engine
	store  *store.MemoryStore
	ledger *ledger.Ledger
	sim    *pricing.Simulator
	clock  *clock
	comm   *commissionRecorder
}

func testConfig() trade.Config {
	cfg := trade.DefaultConfig()
	cfg.PriceRetries = 2
	cfg.PriceBackoff = time.Millisecond
	cfg.PriceTimeout = 100 * time.Millisecond
	return cfg
}

func newEnv(t *testing.T, src pricing.Source, limiter *risk.ExposureLimiter) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms)
	sim := pricing.NewSimulator(1)
	if src == nil {
		src = sim
	}
	comm := &commissionRecorder{}
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	eng := trade.NewEngine(ms, l, src, comm, limiter, nil, testConfig())
	eng.SetClock(clk.Now)
	return &testEnv{engine: eng, store: ms, ledger: l, sim: sim, clock: clk, comm: comm}
}

func (env *testEnv) fund(t *testing.T, userID string, amount float64) {
	t.Helper()
	if _, err := env.ledger.Deposit(context.Background(), userID, d(amount), "", ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (env *testEnv) open(t *testing.T, userID string, dir model.Direction, qty, price float64) *model.Trade {
	t.Helper()
	tr, err := env.engine.Open(context.Background(), trade.OpenRequest{
		UserID:        userID,
		Symbol:        "BTC/USDT",
		Direction:     dir,
		Quantity:      d(qty),
		Price:         d(price),
		DurationValue: 1,
		DurationUnit:  "minutes",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return tr
}

func (env *testEnv) balance(t *testing.T, userID string) *model.Account {
	t.Helper()
	acct, err := env.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return acct
}

func TestOpen_LocksStakeAndSchedulesJob(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.fund(t, "u1", 1000)

	tr := env.open(t, "u1", model.Buy, 10, 50)

	if !tr.Stake.Equal(d(500)) {
		t.Errorf("stake = %s, want 500", tr.Stake)
	}
	if tr.Status != model.TradeOpen || tr.Symbol != "BTC/USDT" {
		t.Errorf("unexpected trade %+v", tr)
	}
	if want := env.clock.Now().Add(time.Minute); !tr.ExpiryAt.Equal(want) {
		t.Errorf("expiry = %v, want %v", tr.ExpiryAt, want)
	}
	acct := env.balance(t, "u1")
	if !acct.FreeBalance.Equal(d(500)) || !acct.LockedBalance.Equal(d(500)) {
		t.Errorf("free=%s locked=%s, want 500/500", acct.FreeBalance, acct.LockedBalance)
	}

	jobs, _ := env.store.DueJobs(context.Background(), tr.ExpiryAt, 10)
	if len(jobs) != 1 || jobs[0].EntityID != tr.ID || jobs[0].Kind != model.JobTrade {
		t.Errorf("expected one trade job for %s, got %+v", tr.ID, jobs)
	}
}

func TestSettle_ProfitScenario(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.fund(t, "u1", 1000)
	tr := env.open(t, "u1", model.Buy, 10, 50)

	env.clock.Advance(time.Minute)
	env.sim.SetPrice("BTC", d(55))

	settled, err := env.engine.Settle(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != model.TradeClosed || settled.Result != model.ResultProfit {
		t.Errorf("status=%s result=%s", settled.Status, settled.Result)
	}
	if !settled.ProfitLoss.Equal(d(400)) {
		t.Errorf("pnl = %s, want 400", settled.ProfitLoss)
	}
	if settled.ClosedAt == nil || !settled.ExitPrice.Equal(d(55)) {
		t.Errorf("closedAt=%v exit=%v", settled.ClosedAt, settled.ExitPrice)
	}

	acct := env.balance(t, "u1")
	if !acct.FreeBalance.Equal(d(1400)) || !acct.LockedBalance.IsZero() {
		t.Errorf("free=%s locked=%s, want 1400/0", acct.FreeBalance, acct.LockedBalance)
	}

	if len(env.comm.calls) != 1 || env.comm.calls[0] != "u1|trade:"+tr.ID || !env.comm.vol[0].Equal(d(500)) {
		t.Errorf("commission calls = %v %v", env.comm.calls, env.comm.vol)
	}
}

func TestSettle_LossScenario(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.fund(t, "u1", 1000)
	tr := env.open(t, "u1", model.Buy, 10, 50)

	env.clock.Advance(2 * time.Minute)
	env.sim.SetPrice("BTC", d(45))

	settled, err := env.engine.Settle(context.Background(), tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if settled.Result != model.ResultLoss || !settled.ProfitLoss.Equal(d(-500)) {
		t.Errorf("result=%s pnl=%s", settled.Result, settled.ProfitLoss)
	}
	acct := env.balance(t, "u1")
	if !acct.FreeBalance.Equal(d(500)) || !acct.LockedBalance.IsZero() {
		t.Errorf("free=%s locked=%s, want 500/0", acct.FreeBalance, acct.LockedBalance)
	}
	if !acct.CumulativeProfitLoss.Equal(d(-500)) {
		t.Errorf("cumulative = %s", acct.CumulativeProfitLoss)
	}
}

func TestSettle_BeforeExpiryIsRejected(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.fund(t, "u1", 1000)
	tr := env.open(t, "u1", model.Buy, 1, 100)

	env.clock.Advance(30 * time.Second)
	_, err := env.engine.Settle(context.Background(), tr.ID)
	if !errors.Is(err, trade.ErrNotExpired) {
		t.Fatalf("expected ErrNotExpired, got %v", err)
	}
	got, _ := env.engine.Get(context.Background(), tr.ID)
	if got.Status != model.TradeOpen {
		t.Errorf("status = %s, want open", got.Status)
	}
}

func TestSettle_TwiceIsNoop(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.fund(t, "u1", 1000)
	tr := env.open(t, "u1", model.Sell, 10, 50)

	env.clock.Advance(time.Minute)
	env.sim.SetPrice("BTC", d(40))

	first, err := env.engine.Settle(context.Background(), tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	env.sim.SetPrice("BTC", d(60))
	second, err := env.engine.Settle(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !second.ProfitLoss.Equal(first.ProfitLoss) || second.Result != model.ResultProfit {
		t.Errorf("second settle changed outcome: %+v", second)
	}
	acct := env.balance(t, "u1")
	if !acct.FreeBalance.Equal(d(1400)) {
		t.Errorf("free = %s, want 1400", acct.FreeBalance)
	}
	if len(env.comm.calls) != 1 {
		t.Errorf("commission distributed %d times", len(env.comm.calls))
	}
}

func TestSettle_ConcurrentTriggersCreditOnce(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.fund(t, "u1", 1000)
	tr := env.open(t, "u1", model.Buy, 10, 50)
	env.clock.Advance(time.Minute)
	env.sim.SetPrice("BTC", d(55))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Settle(context.Background(), tr.ID)
			if err != nil && !errors.Is(err, trade.ErrSettlementInProgress) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	acct := env.balance(t, "u1")
	if !acct.FreeBalance.Equal(d(1400)) || !acct.LockedBalance.IsZero() {
		t.Errorf("free=%s locked=%s, want 1400/0", acct.FreeBalance, acct.LockedBalance)
	}
	got, _ := env.engine.Get(context.Background(), tr.ID)
	if got.Status != model.TradeClosed {
		t.Errorf("status = %s, want closed", got.Status)
	}
}

func TestSettle_PriceFailureLeavesTradeClosing(t *testing.T) {
	var mu sync.Mutex
	failing := true
	src := pricing.SourceFunc(func(context.Context, string) (decimal.Decimal, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return decimal.Zero, errors.New("feed down")
		}
		return d(55), nil
	})
	env := newEnv(t, src, nil)
	env.fund(t, "u1", 1000)
	tr := env.open(t, "u1", model.Buy, 10, 50)
	env.clock.Advance(time.Minute)

	_, err := env.engine.Settle(context.Background(), tr.ID)
	if !errors.Is(err, apperr.ErrExternal) {
		t.Fatalf("expected external error, got %v", err)
	}
	got, _ := env.engine.Get(context.Background(), tr.ID)
	if got.Status != model.TradeClosing {
		t.Fatalf("status = %s, want closing", got.Status)
	}
	acct := env.balance(t, "u1")
	if !acct.LockedBalance.Equal(d(500)) {
		t.Errorf("stake must stay locked, locked = %s", acct.LockedBalance)
	}

	// Within the lease another trigger backs off.
	if _, err := env.engine.Settle(context.Background(), tr.ID); !errors.Is(err, trade.ErrSettlementInProgress) {
		t.Errorf("expected ErrSettlementInProgress, got %v", err)
	}

	mu.Lock()
	failing = false
	mu.Unlock()
	env.clock.Advance(time.Minute)

	settled, err := env.engine.Settle(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("retry settle: %v", err)
	}
	if settled.Status != model.TradeClosed || !settled.ProfitLoss.Equal(d(400)) {
		t.Errorf("retry outcome %+v", settled)
	}
}

func TestSettle_ResumesWithStoredOutcome(t *testing.T) {
	env := newEnv(t, nil, nil)
	ctx := context.Background()
	env.fund(t, "u1", 1000)
	tr := env.open(t, "u1", model.Buy, 10, 50)
	env.clock.Advance(time.Minute)

	// A previous worker claimed the trade, stored a winning outcome and
	// crashed before moving any money.
	claimed, err := env.store.ClaimTrade(ctx, tr.ID, env.clock.Now(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	exit := d(55)
	claimed.ExitPrice = &exit
	claimed.ProfitLoss = d(400)
	claimed.Result = model.ResultProfit
	if err := env.store.SaveTradeOutcome(ctx, claimed); err != nil {
		t.Fatal(err)
	}

	env.clock.Advance(time.Minute)
	env.sim.SetPrice("BTC", d(10))

	settled, err := env.engine.Settle(ctx, tr.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if settled.Result != model.ResultProfit || !settled.ExitPrice.Equal(d(55)) {
		t.Errorf("resumed settlement recomputed the outcome: %+v", settled)
	}
	if acct := env.balance(t, "u1"); !acct.FreeBalance.Equal(d(1400)) {
		t.Errorf("free = %s, want 1400", acct.FreeBalance)
	}
}

func TestSettle_ResumeAfterUnlockDoesNotDoubleCredit(t *testing.T) {
	env := newEnv(t, nil, nil)
	ctx := context.Background()
	env.fund(t, "u1", 1000)
	tr := env.open(t, "u1", model.Buy, 10, 50)
	env.clock.Advance(time.Minute)

	claimed, _ := env.store.ClaimTrade(ctx, tr.ID, env.clock.Now(), time.Second)
	exit := d(55)
	claimed.ExitPrice = &exit
	claimed.ProfitLoss = d(400)
	claimed.Result = model.ResultProfit
	env.store.SaveTradeOutcome(ctx, claimed)
	// The crash happened after the unlock was applied.
	env.ledger.Unlock(ctx, "u1", d(500), d(400), "trade:"+tr.ID+":unlock")

	env.clock.Advance(time.Minute)
	if _, err := env.engine.Settle(ctx, tr.ID); err != nil {
		t.Fatal(err)
	}
	if acct := env.balance(t, "u1"); !acct.FreeBalance.Equal(d(1400)) {
		t.Errorf("free = %s, want 1400", acct.FreeBalance)
	}
}

func TestSettle_CommissionFailureIsNotFatal(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.comm.err = errors.New("affiliate store down")
	env.fund(t, "u1", 1000)
	tr := env.open(t, "u1", model.Buy, 10, 50)
	env.clock.Advance(time.Minute)
	env.sim.SetPrice("BTC", d(55))

	settled, err := env.engine.Settle(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != model.TradeClosed {
		t.Errorf("status = %s", settled.Status)
	}
}

func TestOpen_InsufficientBalance(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.fund(t, "u1", 100)

	_, err := env.engine.Open(context.Background(), trade.OpenRequest{
		UserID: "u1", Symbol: "ETH", Direction: model.Buy,
		Quantity: d(10), Price: d(50), DurationValue: 5, DurationUnit: "seconds",
	})
	if !errors.Is(err, apperr.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	trades, _ := env.engine.History(context.Background(), "u1")
	if len(trades) != 0 {
		t.Errorf("no trade should be created, got %d", len(trades))
	}
}

func TestOpen_Validation(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.fund(t, "u1", 1000)
	base := trade.OpenRequest{
		UserID: "u1", Symbol: "BTC", Direction: model.Buy,
		Quantity: d(1), Price: d(10), DurationValue: 1, DurationUnit: "minutes",
	}

	tests := []struct {
		name   string
		mutate func(r *trade.OpenRequest)
	}{
		{"no user", func(r *trade.OpenRequest) { r.UserID = "" }},
		{"bad direction", func(r *trade.OpenRequest) { r.Direction = "hold" }},
		{"zero quantity", func(r *trade.OpenRequest) { r.Quantity = decimal.Zero }},
		{"negative quantity", func(r *trade.OpenRequest) { r.Quantity = d(-1) }},
		{"negative price", func(r *trade.OpenRequest) { r.Price = d(-5) }},
		{"zero price", func(r *trade.OpenRequest) { r.Price = decimal.Zero }},
		{"missing price", func(r *trade.OpenRequest) { r.Price = decimal.Decimal{} }},
		{"zero duration", func(r *trade.OpenRequest) { r.DurationValue = 0 }},
		{"bad unit", func(r *trade.OpenRequest) { r.DurationUnit = "weeks" }},
		{"bad symbol", func(r *trade.OpenRequest) { r.Symbol = "???" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := env.engine.Open(context.Background(), req)
			if !apperr.IsKind(err, apperr.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
	if acct := env.balance(t, "u1"); !acct.FreeBalance.Equal(d(1000)) {
		t.Errorf("rejected opens changed the balance: %s", acct.FreeBalance)
	}
}

func TestOpen_ZeroPriceIsRejected(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.fund(t, "u1", 100000)
	env.sim.SetPrice("ETH", d(3000))

	_, err := env.engine.Open(context.Background(), trade.OpenRequest{
		UserID: "u1", Symbol: "eth", Direction: model.Buy,
		Quantity: d(2), DurationValue: 1, DurationUnit: "hours",
	})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if acct := env.balance(t, "u1"); !acct.LockedBalance.IsZero() {
		t.Errorf("rejected open locked %s", acct.LockedBalance)
	}
}

func TestOpen_AtMarketUsesCurrentPrice(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.fund(t, "u1", 100000)
	env.sim.SetPrice("ETH", d(3000))

	tr, err := env.engine.Open(context.Background(), trade.OpenRequest{
		UserID: "u1", Symbol: "eth", Direction: model.Buy,
		Quantity: d(2), Price: d(1), DurationValue: 1, DurationUnit: "hours",
		AtMarket: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !tr.EntryPrice.Equal(d(3000)) || !tr.Stake.Equal(d(6000)) {
		t.Errorf("entry=%s stake=%s", tr.EntryPrice, tr.Stake)
	}
}

func TestOpen_ExposureLimit(t *testing.T) {
	env := newEnv(t, nil, risk.NewExposureLimiter(d(600), decimal.Zero))
	env.fund(t, "u1", 5000)

	env.open(t, "u1", model.Buy, 10, 50)
	_, err := env.engine.Open(context.Background(), trade.OpenRequest{
		UserID: "u1", Symbol: "BTC/USDT", Direction: model.Sell,
		Quantity: d(2), Price: d(60), DurationValue: 1, DurationUnit: "minutes",
	})
	if !errors.Is(err, risk.ErrSymbolLimitExceeded) {
		t.Fatalf("expected ErrSymbolLimitExceeded, got %v", err)
	}
	if acct := env.balance(t, "u1"); !acct.LockedBalance.Equal(d(500)) {
		t.Errorf("rejected trade locked funds: %s", acct.LockedBalance)
	}

	exp, _ := env.engine.Exposure(context.Background(), "u1")
	if !exp["BTC/USDT"].Equal(d(500)) {
		t.Errorf("exposure = %v", exp)
	}
}

type failingCreate struct {
	*store.MemoryStore
}

func (failingCreate) CreateTrade(context.Context, *model.Trade, *model.SettlementJob) error {
	return errors.New("disk full")
}

func TestOpen_ReleasesStakeWhenInsertFails(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New(ms)
	eng := trade.NewEngine(failingCreate{ms}, l, pricing.NewSimulator(1), nil, nil, nil, testConfig())
	l.Deposit(context.Background(), "u1", d(1000), "", "")

	_, err := eng.Open(context.Background(), trade.OpenRequest{
		UserID: "u1", Symbol: "BTC", Direction: model.Buy,
		Quantity: d(1), Price: d(100), DurationValue: 1, DurationUnit: "minutes",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	acct, _ := l.Balance(context.Background(), "u1")
	if !acct.FreeBalance.Equal(d(1000)) || !acct.LockedBalance.IsZero() {
		t.Errorf("stake not released: free=%s locked=%s", acct.FreeBalance, acct.LockedBalance)
	}
}

func TestQueries(t *testing.T) {
	env := newEnv(t, nil, nil)
	ctx := context.Background()
	env.fund(t, "u1", 10000)

	short, _ := env.engine.Open(ctx, trade.OpenRequest{
		UserID: "u1", Symbol: "BTC", Direction: model.Buy,
		Quantity: d(1), Price: d(100), DurationValue: 10, DurationUnit: "seconds",
	})
	env.clock.Advance(time.Second)
	long, _ := env.engine.Open(ctx, trade.OpenRequest{
		UserID: "u1", Symbol: "ETH", Direction: model.Sell,
		Quantity: d(1), Price: d(100), DurationValue: 1, DurationUnit: "days",
	})
	env.clock.Advance(time.Minute)

	open, _ := env.engine.OpenTrades(ctx, "u1")
	if len(open) != 1 || open[0].ID != long.ID {
		t.Errorf("open trades should exclude the expired one, got %+v", open)
	}

	env.sim.SetPrice("BTC", d(120))
	if _, err := env.engine.Settle(ctx, short.ID); err != nil {
		t.Fatal(err)
	}
	closed, _ := env.engine.ClosedTrades(ctx, "u1")
	if len(closed) != 1 || closed[0].ID != short.ID {
		t.Errorf("closed trades = %+v", closed)
	}

	hist, _ := env.engine.History(ctx, "u1")
	if len(hist) != 2 || hist[0].ID != long.ID {
		t.Errorf("history should be newest first, got %+v", hist)
	}

	filtered, err := env.engine.Filter(ctx, model.TradeFilter{UserID: "u1", Symbol: "eth-usdt"})
	if err != nil || len(filtered) != 1 || filtered[0].ID != long.ID {
		t.Errorf("filter by symbol = %+v, %v", filtered, err)
	}
	none, _ := env.engine.History(ctx, "nobody")
	if none == nil || len(none) != 0 {
		t.Errorf("unknown user should get an empty list, got %v", none)
	}
}

func TestComputeOutcome(t *testing.T) {
	ratio := d(0.8)
	tests := []struct {
		dir         model.Direction
		entry, exit float64
		wantPnL     float64
		want        model.TradeResult
	}{
		{model.Buy, 50, 55, 400, model.ResultProfit},
		{model.Buy, 50, 45, -500, model.ResultLoss},
		{model.Buy, 50, 50, -500, model.ResultLoss},
		{model.Sell, 50, 45, 400, model.ResultProfit},
		{model.Sell, 50, 55, -500, model.ResultLoss},
		{model.Sell, 50, 50, -500, model.ResultLoss},
	}
	for _, tt := range tests {
		pnl, res := trade.ComputeOutcome(tt.dir, d(tt.entry), d(tt.exit), d(500), ratio)
		if !pnl.Equal(d(tt.wantPnL)) || res != tt.want {
			t.Errorf("%s %v->%v: got %s %s, want %v %s", tt.dir, tt.entry, tt.exit, pnl, res, tt.wantPnL, tt.want)
		}
	}
}

// gatedLedger blocks Lock for one user until release is closed.
type gatedLedger struct {
	*ledger.Ledger
	user    string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) Lock(ctx context.Context, userID string, amount decimal.Decimal, ref string) (*ledger.Receipt, error) {
	if userID == g.user {
		close(g.entered)
		<-g.release
	}
	return g.Ledger.Lock(ctx, userID, amount, ref)
}

func TestOpen_UsersDoNotBlockEachOther(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New(ms)
	gl := &gatedLedger{Ledger: l, user: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	eng := trade.NewEngine(ms, gl, pricing.NewSimulator(1), nil, nil, nil, testConfig())
	ctx := context.Background()
	for _, u := range []string{"slow", "fast"} {
		if _, err := l.Deposit(ctx, u, d(1000), "", ""); err != nil {
			t.Fatal(err)
		}
	}
	req := func(u string) trade.OpenRequest {
		return trade.OpenRequest{
			UserID: u, Symbol: "BTC", Direction: model.Buy,
			Quantity: d(1), Price: d(10), DurationValue: 1, DurationUnit: "minutes",
		}
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := eng.Open(ctx, req("slow"))
		slowDone <- err
	}()
	<-gl.entered

	fastDone := make(chan error, 1)
	go func() {
		_, err := eng.Open(ctx, req("fast"))
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast open: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(gl.release)
		t.Fatal("open for another user waited on a held lock")
	}

	close(gl.release)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow open: %v", err)
	}
}
