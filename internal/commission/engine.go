// Package commission manages affiliate records and pays two-level referral
// commission on settled trade volume.
package commission

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/store"
)

var (
	ErrInvalidCode     = apperr.New(apperr.KindNotFound, "invalid_referral_code", "referral code not found")
	ErrSelfReferral    = apperr.New(apperr.KindValidation, "self_referral", "users cannot refer themselves")
	ErrReferralCycle   = apperr.New(apperr.KindValidation, "referral_cycle", "referral would create a cycle")
	ErrAlreadyReferred = apperr.New(apperr.KindConflict, "already_referred", "user already has a referrer")
)

const (
	codePrefix      = "AFF"
	codeLength      = 8
	maxCodeAttempts = 5
	codeAlphabet    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Store is the persistence the commission engine needs.
type Store interface {
	store.AffiliateStore
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpdateUser(ctx context.Context, id string, upd model.UserUpdate) (*model.User, error)
}

// Ledger credits commission to a user's free balance.
type Ledger interface {
	CreditCommission(ctx context.Context, userID string, amount decimal.Decimal, level int, sourceUserID, ref string) (*ledger.Receipt, error)
}

// Config holds the commission rates and the referral link base.
type Config struct {
	Level1Rate decimal.Decimal
	Level2Rate decimal.Decimal
	LinkBase   string
}

// DefaultConfig returns 5% and 2%.
func DefaultConfig() Config {
	return Config{
		Level1Rate: decimal.NewFromFloat(0.05),
		Level2Rate: decimal.NewFromFloat(0.02),
		LinkBase:   "http://localhost:3000",
	}
}

// Engine implements the affiliate operations.
type Engine struct {
	store    Store
	ledger   Ledger
	notifier notify.Notifier
	cfg      Config
	newCode  func() string
	now      func() time.Time

	// joinMu serializes referral changes so two joins for one child cannot
	// both observe an empty parent.
	joinMu sync.Mutex
}

// NewEngine creates a commission engine. n may be nil.
func NewEngine(st Store, l Ledger, n notify.Notifier, cfg Config) *Engine {
	if n == nil {
		n = notify.NewFanout(0)
	}
	return &Engine{
		store:    st,
		ledger:   l,
		notifier: n,
		cfg:      cfg,
		newCode:  randomCode,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetCodeGenerator replaces the referral code generator. Intended for tests.
func (e *Engine) SetCodeGenerator(gen func() string) {
	e.newCode = gen
}

// EnsureAffiliate returns the user's affiliate record, creating it with a
// fresh unique referral code on first use.
func (e *Engine) EnsureAffiliate(ctx context.Context, userID string) (*model.Affiliate, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("user_id is required")
	}
	aff, err := e.store.GetAffiliate(ctx, userID)
	if err == nil {
		return aff, nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		aff = &model.Affiliate{
			UserID:                 userID,
			ReferralCode:           e.newCode(),
			ReferredUsers:          []string{},
			TotalCommission:        decimal.Zero,
			WithdrawableCommission: decimal.Zero,
			CommissionHistory:      []model.CommissionEntry{},
			CreatedAt:              e.now(),
		}
		err := e.store.CreateAffiliate(ctx, aff)
		switch {
		case err == nil:
			slog.Info("affiliate created", "user", userID, "code", aff.ReferralCode)
			return aff, nil
		case errors.Is(err, store.ErrAffiliateExists):
			// Lost a race with a concurrent create for the same user.
			return e.store.GetAffiliate(ctx, userID)
		case errors.Is(err, store.ErrDuplicateCode):
			slog.Debug("referral code collision, retrying", "code", aff.ReferralCode, "attempt", attempt)
			continue
		default:
			return nil, err
		}
	}
	return nil, apperr.ErrConflict.With("no unique referral code after %d attempts", maxCodeAttempts)
}

// Join links childUserID under the owner of referralCode.
func (e *Engine) Join(ctx context.Context, childUserID, referralCode string) (*model.Affiliate, error) {
	code := strings.ToUpper(strings.TrimSpace(referralCode))
	if strings.TrimSpace(childUserID) == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if code == "" {
		return nil, apperr.Validation("referral code is required")
	}

	parent, err := e.store.GetAffiliateByCode(ctx, code)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nil, ErrInvalidCode.With("%s", code)
	}
	if err != nil {
		return nil, err
	}
	if parent.UserID == childUserID {
		return nil, ErrSelfReferral
	}
	if parent.ParentUserID == childUserID {
		return nil, ErrReferralCycle.With("%s already refers %s", childUserID, parent.UserID)
	}

	e.joinMu.Lock()
	defer e.joinMu.Unlock()

	child, err := e.EnsureAffiliate(ctx, childUserID)
	if err != nil {
		return nil, err
	}
	switch child.ParentUserID {
	case parent.UserID:
		// Re-joining the same parent only repairs the referred set.
	case "":
		child, err = e.store.UpdateAffiliate(ctx, childUserID, store.AffiliateUpdate{ParentUserID: &parent.UserID})
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrAlreadyReferred.With("%s is referred by %s", childUserID, child.ParentUserID)
	}

	if _, err := e.store.UpdateAffiliate(ctx, parent.UserID, store.AffiliateUpdate{AddReferral: &childUserID}); err != nil {
		return nil, err
	}
	if _, err := e.store.UpdateUser(ctx, childUserID, model.UserUpdate{ParentAffiliateID: &parent.UserID}); err != nil {
		if !apperr.IsKind(err, apperr.KindNotFound) {
			return nil, err
		}
		slog.Debug("no user profile to link referral", "user", childUserID)
	}

	slog.Info("referral joined", "child", childUserID, "parent", parent.UserID, "code", code)
	return child, nil
}

// Distribute pays level-1 and level-2 commission on volume traded by
// sourceUserID. ref makes each credit idempotent: level n uses ref + ":l<n>".
// A user with no referrer is a no-op.
func (e *Engine) Distribute(ctx context.Context, sourceUserID string, volume decimal.Decimal, ref string) error {
	if !volume.IsPositive() {
		return apperr.Validation("volume must be positive, got %s", volume)
	}
	src, err := e.store.GetAffiliate(ctx, sourceUserID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	level1 := src.ParentUserID
	if level1 == "" {
		return nil
	}
	if err := e.credit(ctx, level1, volume.Mul(e.cfg.Level1Rate), 1, sourceUserID, ref); err != nil {
		return fmt.Errorf("level 1 commission to %s: %w", level1, err)
	}

	parent, err := e.store.GetAffiliate(ctx, level1)
	if err != nil {
		return fmt.Errorf("load level 1 affiliate %s: %w", level1, err)
	}
	level2 := parent.ParentUserID
	if level2 == "" || level2 == sourceUserID {
		return nil
	}
	if err := e.credit(ctx, level2, volume.Mul(e.cfg.Level2Rate), 2, sourceUserID, ref); err != nil {
		return fmt.Errorf("level 2 commission to %s: %w", level2, err)
	}
	return nil
}

func (e *Engine) credit(ctx context.Context, userID string, amount decimal.Decimal, level int, sourceUserID, ref string) error {
	amount = amount.Truncate(8)
	if !amount.IsPositive() {
		return nil
	}
	if _, err := e.EnsureAffiliate(ctx, userID); err != nil {
		return err
	}
	levelRef := ""
	if ref != "" {
		levelRef = ref + ":l" + strconv.Itoa(level)
	}
	r, err := e.ledger.CreditCommission(ctx, userID, amount, level, sourceUserID, levelRef)
	if err != nil {
		return err
	}
	if r.Replayed {
		return nil
	}
	metrics.CommissionCredits.WithLabelValues(strconv.Itoa(level)).Inc()
	e.notifier.TradeUpdate(ctx, userID, notify.Event{
		Type: notify.EventCommission,
		Data: map[string]any{
			"amount":         amount,
			"level":          level,
			"source_user_id": sourceUserID,
		},
	})
	return nil
}

// CreditManual credits an administrative commission, recorded as level 0
// from source "admin". A non-empty ref makes it idempotent.
func (e *Engine) CreditManual(ctx context.Context, userID string, amount decimal.Decimal, ref string) (*ledger.Receipt, error) {
	if _, err := e.EnsureAffiliate(ctx, userID); err != nil {
		return nil, err
	}
	if ref != "" {
		ref = "manual:" + userID + ":" + ref
	}
	r, err := e.ledger.CreditCommission(ctx, userID, amount, 0, "admin", ref)
	if err != nil {
		return nil, err
	}
	if !r.Replayed {
		metrics.CommissionCredits.WithLabelValues("0").Inc()
	}
	return r, nil
}

func randomCode() string {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("commission: read random bytes: %v", err))
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return codePrefix + string(out)
}
