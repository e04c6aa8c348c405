package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex guards everything, so every method is atomic. Values are
// copied on the way in and on the way out.
type MemoryStore struct {
	mu sync.RWMutex

	accounts map[string]*model.Account
	txs      map[string][]model.WalletTransaction
	refs     map[string]struct{}

	users map[string]*model.User

	trades map[string]*model.Trade
	jobs   map[string]*model.SettlementJob

	affiliates map[string]*model.Affiliate
	codes      map[string]string

	tournaments  map[string]*model.Tournament
	pools        map[string]*model.Pool
	participants map[string]map[string]*model.Participant
	plans        map[string]*model.SettlementPlan
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*model.Account),
		txs:          make(map[string][]model.WalletTransaction),
		refs:         make(map[string]struct{}),
		users:        make(map[string]*model.User),
		trades:       make(map[string]*model.Trade),
		jobs:         make(map[string]*model.SettlementJob),
		affiliates:   make(map[string]*model.Affiliate),
		codes:        make(map[string]string),
		tournaments:  make(map[string]*model.Tournament),
		pools:        make(map[string]*model.Pool),
		participants: make(map[string]map[string]*model.Participant),
		plans:        make(map[string]*model.SettlementPlan),
	}
}

// --- Accounts ---

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, apperr.NotFound("account", userID)
	}
	acct := *a
	return &acct, nil
}

func (s *MemoryStore) UpdateAccount(_ context.Context, userID string, mutate AccountMutation) (*model.Account, *model.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var acct model.Account
	if existing, ok := s.accounts[userID]; ok {
		acct = *existing
	} else {
		acct = model.Account{UserID: userID, CreatedAt: now}
	}

	// Mutate a scratch copy; commit only on success.
	tx, err := mutate(&acct)
	if err != nil {
		return nil, nil, err
	}
	if tx != nil && tx.Reference != "" {
		if _, dup := s.refs[tx.Reference]; dup {
			return nil, nil, ErrDuplicateReference.With("%s", tx.Reference)
		}
		s.refs[tx.Reference] = struct{}{}
	}

	acct.UserID = userID
	acct.UpdatedAt = now
	stored := acct
	s.accounts[userID] = &stored

	if tx == nil {
		return &acct, nil, nil
	}
	rec := *tx
	rec.UserID = userID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	s.txs[userID] = append(s.txs[userID], rec)
	return &acct, &rec, nil
}

func (s *MemoryStore) ListWalletTransactions(_ context.Context, userID string) ([]model.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.txs[userID]
	out := make([]model.WalletTransaction, len(src))
	for i := range src {
		out[len(src)-1-i] = src[i]
	}
	return out, nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return ErrUserExists.With("%s", u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, id string, upd model.UserUpdate) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.ParentAffiliateID != nil {
		u.ParentAffiliateID = *upd.ParentAffiliateID
	}
	cp := *u
	return &cp, nil
}

// --- Trades ---

func (s *MemoryStore) CreateTrade(_ context.Context, t *model.Trade, job *model.SettlementJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[t.ID]; ok {
		return apperr.ErrConflict.With("trade %s already exists", t.ID)
	}
	s.trades[t.ID] = cloneTrade(t)
	if job != nil {
		j := *job
		s.jobs[j.ID] = &j
	}
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, apperr.NotFound("trade", id)
	}
	return cloneTrade(t), nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f model.TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if f.Matches(t) {
			out = append(out, *cloneTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimTrade(_ context.Context, id string, now time.Time, lease time.Duration) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, apperr.NotFound("trade", id)
	}
	now = now.UTC().Truncate(time.Microsecond)
	switch {
	case t.Status == model.TradeOpen:
	case t.Status == model.TradeClosing && t.ClaimedAt != nil && !now.Before(t.ClaimedAt.Add(lease)):
	default:
		return nil, ErrNotClaimable.With("trade %s is %s", id, t.Status)
	}
	t.Status = model.TradeClosing
	t.ClaimedAt = &now
	return cloneTrade(t), nil
}

func (s *MemoryStore) SaveTradeOutcome(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.fencedTrade(t)
	if err != nil {
		return err
	}
	if t.ExitPrice != nil {
		p := *t.ExitPrice
		stored.ExitPrice = &p
	}
	stored.ProfitLoss = t.ProfitLoss
	stored.Result = t.Result
	return nil
}

func (s *MemoryStore) CloseTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.fencedTrade(t)
	if err != nil {
		return err
	}
	stored.Status = model.TradeClosed
	if t.ClosedAt != nil {
		c := *t.ClosedAt
		stored.ClosedAt = &c
	}
	return nil
}

// fencedTrade returns the stored trade if it is still closing under the
// claim carried by t. Callers must hold s.mu.
func (s *MemoryStore) fencedTrade(t *model.Trade) (*model.Trade, error) {
	stored, ok := s.trades[t.ID]
	if !ok {
		return nil, apperr.NotFound("trade", t.ID)
	}
	if stored.Status != model.TradeClosing || stored.ClaimedAt == nil || t.ClaimedAt == nil ||
		!stored.ClaimedAt.Equal(*t.ClaimedAt) {
		return nil, ErrNotClaimable.With("trade %s claim lost", t.ID)
	}
	return stored, nil
}

func cloneTrade(t *model.Trade) *model.Trade {
	c := *t
	if t.ExitPrice != nil {
		p := *t.ExitPrice
		c.ExitPrice = &p
	}
	if t.ClaimedAt != nil {
		v := *t.ClaimedAt
		c.ClaimedAt = &v
	}
	if t.ClosedAt != nil {
		v := *t.ClosedAt
		c.ClosedAt = &v
	}
	return &c
}

// --- Affiliates ---

func (s *MemoryStore) CreateAffiliate(_ context.Context, a *model.Affiliate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.affiliates[a.UserID]; ok {
		return ErrAffiliateExists.With("%s", a.UserID)
	}
	if _, ok := s.codes[a.ReferralCode]; ok {
		return ErrDuplicateCode.With("%s", a.ReferralCode)
	}
	s.affiliates[a.UserID] = a.Clone()
	s.codes[a.ReferralCode] = a.UserID
	return nil
}

func (s *MemoryStore) GetAffiliate(_ context.Context, userID string) (*model.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.affiliates[userID]
	if !ok {
		return nil, apperr.NotFound("affiliate", userID)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetAffiliateByCode(_ context.Context, code string) (*model.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.codes[code]
	if !ok {
		return nil, apperr.NotFound("affiliate", code)
	}
	return s.affiliates[userID].Clone(), nil
}

func (s *MemoryStore) UpdateAffiliate(_ context.Context, userID string, upd AffiliateUpdate) (*model.Affiliate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.affiliates[userID]
	if !ok {
		return nil, apperr.NotFound("affiliate", userID)
	}
	if upd.ParentUserID != nil {
		a.ParentUserID = *upd.ParentUserID
	}
	if upd.AddReferral != nil && !a.HasReferred(*upd.AddReferral) {
		a.ReferredUsers = append(a.ReferredUsers, *upd.AddReferral)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) RecordCommission(_ context.Context, userID string, e model.CommissionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.affiliates[userID]
	if !ok {
		return apperr.NotFound("affiliate", userID)
	}
	if e.Reference != "" {
		for _, h := range a.CommissionHistory {
			if h.Reference == e.Reference {
				return nil
			}
		}
	}
	a.CommissionHistory = append(a.CommissionHistory, e)
	a.TotalCommission = a.TotalCommission.Add(e.Amount)
	a.WithdrawableCommission = a.WithdrawableCommission.Add(e.Amount)
	return nil
}

func (s *MemoryStore) CommissionStats(_ context.Context) (decimal.Decimal, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, a := range s.affiliates {
		total = total.Add(a.TotalCommission)
	}
	return total, len(s.affiliates), nil
}

// --- Tournaments ---

func (s *MemoryStore) CreateTournament(_ context.Context, t *model.Tournament) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tournaments[t.ID]; ok {
		return apperr.ErrConflict.With("tournament %s already exists", t.ID)
	}
	s.tournaments[t.ID] = cloneTournament(t)
	s.pools[t.ID] = &model.Pool{TournamentID: t.ID, Balance: decimal.Zero}
	s.participants[t.ID] = make(map[string]*model.Participant)
	return nil
}

func (s *MemoryStore) GetTournament(_ context.Context, id string) (*model.Tournament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tournaments[id]
	if !ok {
		return nil, apperr.NotFound("tournament", id)
	}
	return cloneTournament(t), nil
}

func (s *MemoryStore) ListTournaments(_ context.Context, status model.TournamentStatus) ([]model.Tournament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Tournament
	for _, t := range s.tournaments {
		if status == "" || t.Status == status {
			out = append(out, *cloneTournament(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetPool(_ context.Context, tournamentID string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[tournamentID]
	if !ok {
		return nil, apperr.NotFound("pool", tournamentID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tournaments[p.TournamentID]
	if !ok {
		return apperr.NotFound("tournament", p.TournamentID)
	}
	if t.Status != model.TournamentUpcoming {
		return ErrNotClaimable.With("tournament %s is %s", t.ID, t.Status)
	}
	if _, ok := s.participants[t.ID][p.UserID]; ok {
		return ErrAlreadyJoined.With("user %s, tournament %s", p.UserID, t.ID)
	}
	cp := *p
	s.participants[t.ID][p.UserID] = &cp
	pool := s.pools[t.ID]
	pool.Balance = pool.Balance.Add(p.InvestedAmount)
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, tournamentID, userID string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[tournamentID][userID]
	if !ok {
		return nil, apperr.NotFound("participant", tournamentID+"/"+userID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, tournamentID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Participant, 0, len(s.participants[tournamentID]))
	for _, p := range s.participants[tournamentID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (s *MemoryStore) AdjustParticipant(_ context.Context, tournamentID, userID string, delta decimal.Decimal) (*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tournaments[tournamentID]
	if !ok {
		return nil, apperr.NotFound("tournament", tournamentID)
	}
	if t.Status != model.TournamentRunning {
		return nil, ErrNotClaimable.With("tournament %s is %s", t.ID, t.Status)
	}
	p, ok := s.participants[tournamentID][userID]
	if !ok {
		return nil, apperr.NotFound("participant", tournamentID+"/"+userID)
	}
	p.CurrentBalance = p.CurrentBalance.Add(delta)
	p.ProfitLoss = p.ProfitLoss.Add(delta)
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) StartTournament(_ context.Context, id string, start, end time.Time, job *model.SettlementJob) (*model.Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tournaments[id]
	if !ok {
		return nil, apperr.NotFound("tournament", id)
	}
	if t.Status != model.TournamentUpcoming {
		return nil, ErrNotClaimable.With("tournament %s is %s", id, t.Status)
	}
	t.Status = model.TournamentRunning
	t.StartTime = &start
	t.EndTime = &end
	if job != nil {
		j := *job
		s.jobs[j.ID] = &j
	}
	return cloneTournament(t), nil
}

func (s *MemoryStore) EndTournament(_ context.Context, id string, build PlanBuilder) (*model.Tournament, *model.SettlementPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tournaments[id]
	if !ok {
		return nil, nil, apperr.NotFound("tournament", id)
	}
	if t.Status != model.TournamentRunning {
		return nil, nil, ErrNotClaimable.With("tournament %s is %s", id, t.Status)
	}
	pool := s.pools[id]
	var participants []model.Participant
	for _, p := range s.participants[id] {
		participants = append(participants, *p)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})
	plan := build(pool.Balance, participants)

	t.Status = model.TournamentEnded
	pool.Balance = decimal.Zero
	s.plans[id] = plan.Clone()
	return cloneTournament(t), plan, nil
}

func (s *MemoryStore) GetSettlementPlan(_ context.Context, tournamentID string) (*model.SettlementPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[tournamentID]
	if !ok {
		return nil, apperr.NotFound("settlement_plan", tournamentID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) MarkPayout(_ context.Context, tournamentID, userID string, status model.PayoutStatus, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[tournamentID]
	if !ok {
		return apperr.NotFound("settlement_plan", tournamentID)
	}
	for i := range p.Payouts {
		if p.Payouts[i].UserID == userID {
			p.Payouts[i].Status = status
			p.Payouts[i].LastError = lastErr
			return nil
		}
	}
	return apperr.NotFound("payout", tournamentID+"/"+userID)
}

func cloneTournament(t *model.Tournament) *model.Tournament {
	c := *t
	if t.StartTime != nil {
		v := *t.StartTime
		c.StartTime = &v
	}
	if t.EndTime != nil {
		v := *t.EndTime
		c.EndTime = &v
	}
	return &c
}

// --- Jobs ---

func (s *MemoryStore) DueJobs(_ context.Context, now time.Time, limit int) ([]model.SettlementJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementJob
	for _, j := range s.jobs {
		if j.Status == model.JobPending && !j.DueAt.After(now) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].DueAt.Equal(out[k].DueAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].DueAt.Before(out[k].DueAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, id string, now time.Time) error {
	return s.updateJob(id, func(j *model.SettlementJob) {
		j.Status = model.JobDone
		j.Attempts++
		j.LastError = ""
		j.UpdatedAt = now
	})
}

func (s *MemoryStore) RetryJob(_ context.Context, id string, next time.Time, lastErr string) error {
	return s.updateJob(id, func(j *model.SettlementJob) {
		j.Attempts++
		j.DueAt = next
		j.LastError = lastErr
		j.UpdatedAt = time.Now().UTC()
	})
}

func (s *MemoryStore) FailJob(_ context.Context, id string, lastErr string) error {
	return s.updateJob(id, func(j *model.SettlementJob) {
		j.Status = model.JobFailed
		j.Attempts++
		j.LastError = lastErr
		j.UpdatedAt = time.Now().UTC()
	})
}

func (s *MemoryStore) ListJobs(_ context.Context, status model.JobStatus) ([]model.SettlementJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementJob
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].DueAt.Before(out[k].DueAt) })
	return out, nil
}

func (s *MemoryStore) updateJob(id string, fn func(*model.SettlementJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return apperr.NotFound("job", id)
	}
	fn(j)
	return nil
}
