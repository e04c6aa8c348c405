package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balance snapshots, tournaments and referral-code lookups.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary. Every method not overridden
// here passes straight through to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateAccount(ctx context.Context, userID string, mutate AccountMutation) (*model.Account, *model.WalletTransaction, error) {
	acct, tx, err := s.Store.UpdateAccount(ctx, userID, mutate)
	if err != nil {
		return nil, nil, err
	}
	s.rdb.Del(ctx, accountKey(userID))
	return acct, tx, nil
}

func (s *CachedStore) StartTournament(ctx context.Context, id string, start, end time.Time, job *model.SettlementJob) (*model.Tournament, error) {
	t, err := s.Store.StartTournament(ctx, id, start, end, job)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, tournamentKey(id))
	return t, nil
}

func (s *CachedStore) EndTournament(ctx context.Context, id string, build PlanBuilder) (*model.Tournament, *model.SettlementPlan, error) {
	t, plan, err := s.Store.EndTournament(ctx, id, build)
	if err != nil {
		return nil, nil, err
	}
	s.rdb.Del(ctx, tournamentKey(id))
	return t, plan, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var acct model.Account
	if s.get(ctx, accountKey(userID), &acct) {
		return &acct, nil
	}

	a, err := s.Store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, accountKey(userID), a)
	return a, nil
}

func (s *CachedStore) GetTournament(ctx context.Context, id string) (*model.Tournament, error) {
	var t model.Tournament
	if s.get(ctx, tournamentKey(id), &t) {
		return &t, nil
	}

	tr, err := s.Store.GetTournament(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, tournamentKey(id), tr)
	return tr, nil
}

// GetAffiliateByCode caches only the code -> user mapping, which never
// changes once assigned; the record itself is always read from the primary.
func (s *CachedStore) GetAffiliateByCode(ctx context.Context, code string) (*model.Affiliate, error) {
	userID, err := s.rdb.Get(ctx, codeKey(code)).Result()
	if err == nil {
		return s.Store.GetAffiliate(ctx, userID)
	}

	a, err := s.Store.GetAffiliateByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, codeKey(code), a.UserID, s.ttl)
	return a, nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(uid string) string   { return fmt.Sprintf("account:%s", uid) }
func tournamentKey(id string) string { return fmt.Sprintf("tournament:%s", id) }
func codeKey(code string) string     { return fmt.Sprintf("refcode:%s", code) }
