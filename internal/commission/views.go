package commission

import (
	"context"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/model"
)

// Dashboard is an affiliate's overview.
type Dashboard struct {
	Affiliate              *model.Affiliate `json:"affiliate"`
	ReferralCode           string           `json:"referral_code"`
	ReferralLink           string           `json:"referral_link"`
	ReferralCount          int              `json:"referral_count"`
	TotalCommission        decimal.Decimal  `json:"total_commission"`
	WithdrawableCommission decimal.Decimal  `json:"withdrawable_commission"`
}

// Stats are platform-wide commission totals.
type Stats struct {
	TotalCommission decimal.Decimal `json:"total_commission"`
	AffiliateCount  int             `json:"affiliate_count"`
}

// Dashboard returns the user's affiliate overview, creating the record on
// first view.
func (e *Engine) Dashboard(ctx context.Context, userID string) (*Dashboard, error) {
	aff, err := e.EnsureAffiliate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Dashboard{
		Affiliate:              aff,
		ReferralCode:           aff.ReferralCode,
		ReferralLink:           e.referralLink(aff.ReferralCode),
		ReferralCount:          len(aff.ReferredUsers),
		TotalCommission:        aff.TotalCommission,
		WithdrawableCommission: aff.WithdrawableCommission,
	}, nil
}

// Referrals returns the profiles of the users the affiliate referred.
// Users missing from the directory are returned with only their id.
func (e *Engine) Referrals(ctx context.Context, userID string) ([]model.User, error) {
	aff, err := e.EnsureAffiliate(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.User, 0, len(aff.ReferredUsers))
	for _, id := range aff.ReferredUsers {
		u, err := e.store.GetUser(ctx, id)
		switch {
		case err == nil:
			out = append(out, *u)
		case apperr.IsKind(err, apperr.KindNotFound):
			out = append(out, model.User{ID: id, ParentAffiliateID: userID})
		default:
			return nil, err
		}
	}
	return out, nil
}

// Stats returns platform-wide totals.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	total, count, err := e.store.CommissionStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{TotalCommission: total, AffiliateCount: count}, nil
}

func (e *Engine) referralLink(code string) string {
	return strings.TrimRight(e.cfg.LinkBase, "/") + "/register?ref=" + url.QueryEscape(code)
}
