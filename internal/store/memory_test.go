package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func credit(amount decimal.Decimal, ref string) store.AccountMutation {
	return func(a *model.Account) (*model.WalletTransaction, error) {
		a.FreeBalance = a.FreeBalance.Add(amount)
		return &model.WalletTransaction{
			ID: ref, CryptoAsset: model.DefaultAsset, Amount: amount,
			Kind: model.TxDeposit, Status: model.TxCompleted, Reference: ref,
		}, nil
	}
}

func TestUpdateAccount_CreatesLazily(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.GetAccount(ctx, "u1"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found before first mutation, got %v", err)
	}
	acct, tx, err := ms.UpdateAccount(ctx, "u1", credit(d(100), "dep-1"))
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if !acct.FreeBalance.Equal(d(100)) {
		t.Errorf("free = %s, want 100", acct.FreeBalance)
	}
	if tx.UserID != "u1" || tx.CreatedAt.IsZero() {
		t.Errorf("transaction not stamped: %+v", tx)
	}
}

func TestUpdateAccount_DuplicateReferenceIsNoop(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, _, err := ms.UpdateAccount(ctx, "u1", credit(d(100), "dep-1")); err != nil {
		t.Fatal(err)
	}
	_, _, err := ms.UpdateAccount(ctx, "u1", credit(d(100), "dep-1"))
	if !errors.Is(err, store.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	acct, _ := ms.GetAccount(ctx, "u1")
	if !acct.FreeBalance.Equal(d(100)) {
		t.Errorf("duplicate should not apply, free = %s", acct.FreeBalance)
	}
	txs, _ := ms.ListWalletTransactions(ctx, "u1")
	if len(txs) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(txs))
	}
}

func TestUpdateAccount_MutationErrorLeavesAccountUntouched(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	ms.UpdateAccount(ctx, "u1", credit(d(50), ""))

	boom := errors.New("boom")
	_, _, err := ms.UpdateAccount(ctx, "u1", func(a *model.Account) (*model.WalletTransaction, error) {
		a.FreeBalance = decimal.Zero
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	acct, _ := ms.GetAccount(ctx, "u1")
	if !acct.FreeBalance.Equal(d(50)) {
		t.Errorf("aborted mutation leaked: free = %s", acct.FreeBalance)
	}
}

func TestListWalletTransactions_NewestFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	ms.UpdateAccount(ctx, "u1", credit(d(1), "a"))
	ms.UpdateAccount(ctx, "u1", credit(d(2), "b"))

	txs, _ := ms.ListWalletTransactions(ctx, "u1")
	if len(txs) != 2 || txs[0].Reference != "b" {
		t.Errorf("expected newest first, got %+v", txs)
	}
}

func seedTrade(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	tr := &model.Trade{
		ID: id, UserID: "u1", Symbol: "BTC/USDT", Direction: model.Buy,
		Quantity: d(1), EntryPrice: d(10), Stake: d(10),
		Status: model.TradeOpen, ExpiryAt: now, CreatedAt: now,
	}
	job := &model.SettlementJob{ID: "job-" + id, Kind: model.JobTrade, EntityID: id, DueAt: now, Status: model.JobPending}
	if err := ms.CreateTrade(context.Background(), tr, job); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
}

func TestClaimTrade_CompareAndSet(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedTrade(t, ms, "t1")
	now := time.Now()

	claimed, err := ms.ClaimTrade(ctx, "t1", now, time.Minute)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claimed.Status != model.TradeClosing || claimed.ClaimedAt == nil {
		t.Fatalf("unexpected claimed trade %+v", claimed)
	}
	if _, err := ms.ClaimTrade(ctx, "t1", now.Add(time.Second), time.Minute); !errors.Is(err, store.ErrNotClaimable) {
		t.Errorf("second claim inside lease should fail, got %v", err)
	}

	// After the lease lapses the claim can be taken over, which fences
	// out the first claimant.
	again, err := ms.ClaimTrade(ctx, "t1", now.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("claim after lease: %v", err)
	}
	claimed.Result = model.ResultLoss
	if err := ms.SaveTradeOutcome(ctx, claimed); !errors.Is(err, store.ErrNotClaimable) {
		t.Errorf("stale claimant should be fenced, got %v", err)
	}

	closedAt := now.Add(2 * time.Minute)
	again.ClosedAt = &closedAt
	if err := ms.CloseTrade(ctx, again); err != nil {
		t.Fatalf("CloseTrade: %v", err)
	}
	if _, err := ms.ClaimTrade(ctx, "t1", now.Add(time.Hour), time.Minute); !errors.Is(err, store.ErrNotClaimable) {
		t.Errorf("closed trade must never be claimable, got %v", err)
	}
}

func TestDueJobs(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedTrade(t, ms, "t1")

	jobs, _ := ms.DueJobs(ctx, time.Now().Add(-time.Hour), 10)
	if len(jobs) != 0 {
		t.Errorf("job should not be due yet, got %d", len(jobs))
	}
	jobs, _ = ms.DueJobs(ctx, time.Now().Add(time.Second), 10)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 due job, got %d", len(jobs))
	}
	if err := ms.CompleteJob(ctx, jobs[0].ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	jobs, _ = ms.DueJobs(ctx, time.Now().Add(time.Second), 10)
	if len(jobs) != 0 {
		t.Errorf("completed job should not be due, got %d", len(jobs))
	}
}

func TestAffiliates_CodeUniquenessAndReferralSet(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.CreateAffiliate(ctx, &model.Affiliate{UserID: "a", ReferralCode: "AFFX"}); err != nil {
		t.Fatal(err)
	}
	if err := ms.CreateAffiliate(ctx, &model.Affiliate{UserID: "b", ReferralCode: "AFFX"}); !errors.Is(err, store.ErrDuplicateCode) {
		t.Errorf("expected ErrDuplicateCode, got %v", err)
	}
	if err := ms.CreateAffiliate(ctx, &model.Affiliate{UserID: "a", ReferralCode: "AFFY"}); !errors.Is(err, store.ErrAffiliateExists) {
		t.Errorf("expected ErrAffiliateExists, got %v", err)
	}

	child := "c"
	ms.UpdateAffiliate(ctx, "a", store.AffiliateUpdate{AddReferral: &child})
	a, _ := ms.UpdateAffiliate(ctx, "a", store.AffiliateUpdate{AddReferral: &child})
	if len(a.ReferredUsers) != 1 {
		t.Errorf("referral set should hold one entry, got %v", a.ReferredUsers)
	}
}

func TestTournament_JoinAndEndGuards(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	ms.CreateTournament(ctx, &model.Tournament{ID: "t", EntryAmount: d(100), Status: model.TournamentUpcoming})

	p := &model.Participant{TournamentID: "t", UserID: "u1", InvestedAmount: d(100), CurrentBalance: d(100)}
	if err := ms.AddParticipant(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := ms.AddParticipant(ctx, p); !errors.Is(err, store.ErrAlreadyJoined) {
		t.Errorf("expected ErrAlreadyJoined, got %v", err)
	}
	pool, _ := ms.GetPool(ctx, "t")
	if !pool.Balance.Equal(d(100)) {
		t.Errorf("pool = %s, want 100", pool.Balance)
	}

	var seenPool decimal.Decimal
	var seen []model.Participant
	build := func(pool decimal.Decimal, ps []model.Participant) *model.SettlementPlan {
		seenPool, seen = pool, ps
		return &model.SettlementPlan{TournamentID: "t", PoolBalance: pool, HouseRemainder: pool}
	}
	if _, _, err := ms.EndTournament(ctx, "t", build); !errors.Is(err, store.ErrNotClaimable) {
		t.Errorf("upcoming tournament cannot end, got %v", err)
	}

	now := time.Now()
	if _, err := ms.StartTournament(ctx, "t", now, now.Add(time.Hour), nil); err != nil {
		t.Fatal(err)
	}
	if err := ms.AddParticipant(ctx, &model.Participant{TournamentID: "t", UserID: "u2"}); !errors.Is(err, store.ErrNotClaimable) {
		t.Errorf("join after start should fail, got %v", err)
	}
	if _, err := ms.AdjustParticipant(ctx, "t", "u1", d(25)); err != nil {
		t.Fatal(err)
	}
	_, plan, err := ms.EndTournament(ctx, "t", build)
	if err != nil {
		t.Fatal(err)
	}
	if !seenPool.Equal(d(100)) || len(seen) != 1 || !seen[0].CurrentBalance.Equal(d(125)) {
		t.Errorf("build saw pool %s, participants %+v", seenPool, seen)
	}
	stored, err := ms.GetSettlementPlan(ctx, "t")
	if err != nil || !stored.HouseRemainder.Equal(plan.HouseRemainder) {
		t.Errorf("stored plan = %+v, %v", stored, err)
	}
	if _, err := ms.AdjustParticipant(ctx, "t", "u1", d(1)); !errors.Is(err, store.ErrNotClaimable) {
		t.Errorf("adjust after end should fail, got %v", err)
	}
	pool, _ = ms.GetPool(ctx, "t")
	if !pool.Balance.IsZero() {
		t.Errorf("pool should be zero after end, got %s", pool.Balance)
	}
	if _, _, err := ms.EndTournament(ctx, "t", build); !errors.Is(err, store.ErrNotClaimable) {
		t.Errorf("second end should fail, got %v", err)
	}
}
