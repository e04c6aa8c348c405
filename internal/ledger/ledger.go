// Package ledger moves money between a user's free and locked balances.
//
// Every operation is serialized per user by an in-process keyed mutex and
// applied atomically by the store, which also appends the matching wallet
// transaction. Operations that carry a reference are idempotent: replaying
// a reference returns the current snapshot and changes nothing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/keylock"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

// Store is the persistence the ledger needs.
type Store interface {
	store.AccountStore
	RecordCommission(ctx context.Context, userID string, e model.CommissionEntry) error
}

// Receipt is the result of a ledger mutation.
type Receipt struct {
	Account      *model.Account           `json:"account"`
	Transaction  *model.WalletTransaction `json:"transaction,omitempty"`
	PreviousFree decimal.Decimal          `json:"previous_free_balance"`
	// Replayed is set when the reference had already been applied and
	// nothing changed.
	Replayed bool `json:"replayed"`
}

// Ledger implements the balance operations.
type Ledger struct {
	store Store
	locks *keylock.Map
	asset string
	now   func() time.Time
}

// New creates a ledger on top of st.
func New(st Store) *Ledger {
	return &Ledger{
		store: st,
		locks: keylock.New(),
		asset: model.DefaultAsset,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetDefaultAsset sets the asset recorded on transactions that name none.
func (l *Ledger) SetDefaultAsset(asset string) {
	if asset != "" {
		l.asset = asset
	}
}

// Lock moves amount from free to locked balance.
func (l *Ledger) Lock(ctx context.Context, userID string, amount decimal.Decimal, ref string) (*Receipt, error) {
	if err := positive("amount", amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, model.TxLock, func(a *model.Account) (*model.WalletTransaction, error) {
		if a.FreeBalance.LessThan(amount) {
			return nil, apperr.ErrInsufficientBalance.With("free %s, need %s", a.FreeBalance, amount)
		}
		a.FreeBalance = a.FreeBalance.Sub(amount)
		a.LockedBalance = a.LockedBalance.Add(amount)
		return &model.WalletTransaction{
			Amount:      amount.Neg(),
			Reference:   ref,
			Description: "stake locked",
		}, nil
	})
}

// Unlock releases stake from the locked balance and credits stake plus
// profitLoss to the free balance when that sum is positive. The release is
// clamped so the locked balance never goes below zero.
func (l *Ledger) Unlock(ctx context.Context, userID string, stake, profitLoss decimal.Decimal, ref string) (*Receipt, error) {
	if stake.IsNegative() {
		return nil, apperr.Validation("stake must not be negative, got %s", stake)
	}
	return l.apply(ctx, userID, model.TxUnlock, func(a *model.Account) (*model.WalletTransaction, error) {
		release := stake
		if a.LockedBalance.LessThan(release) {
			slog.Warn("locked balance below stake, clamping release",
				"user", userID,
				"locked", a.LockedBalance.String(),
				"stake", stake.String(),
				"ref", ref,
			)
			release = a.LockedBalance
		}
		a.LockedBalance = a.LockedBalance.Sub(release)

		credit := stake.Add(profitLoss)
		if credit.IsPositive() {
			a.FreeBalance = a.FreeBalance.Add(credit)
		} else {
			credit = decimal.Zero
		}
		a.CumulativeProfitLoss = a.CumulativeProfitLoss.Add(profitLoss)
		return &model.WalletTransaction{
			Amount:      credit,
			Reference:   ref,
			Description: fmt.Sprintf("stake %s released, p&l %s", stake, profitLoss),
		}, nil
	})
}

// Deposit credits the free balance. A non-empty idempotencyKey makes
// retries of the same deposit safe.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal, asset, idempotencyKey string) (*Receipt, error) {
	if err := positive("amount", amount); err != nil {
		return nil, err
	}
	ref := ""
	if idempotencyKey != "" {
		ref = "deposit:" + userID + ":" + idempotencyKey
	}
	return l.apply(ctx, userID, model.TxDeposit, func(a *model.Account) (*model.WalletTransaction, error) {
		a.FreeBalance = a.FreeBalance.Add(amount)
		return &model.WalletTransaction{
			CryptoAsset: asset,
			Amount:      amount,
			Reference:   ref,
			Description: "deposit",
		}, nil
	})
}

// Withdraw debits the free balance. The record stays pending until an
// external confirmation, which this service does not handle.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, asset, address string) (*Receipt, error) {
	if err := positive("amount", amount); err != nil {
		return nil, err
	}
	if address == "" {
		return nil, apperr.Validation("withdrawal address is required")
	}
	return l.apply(ctx, userID, model.TxWithdraw, func(a *model.Account) (*model.WalletTransaction, error) {
		if a.FreeBalance.LessThan(amount) {
			return nil, apperr.ErrInsufficientBalance.With("free %s, need %s", a.FreeBalance, amount)
		}
		a.FreeBalance = a.FreeBalance.Sub(amount)
		return &model.WalletTransaction{
			CryptoAsset: asset,
			Amount:      amount.Neg(),
			Status:      model.TxPending,
			Address:     address,
			Description: "withdrawal to " + address,
		}, nil
	})
}

// CreditCommission credits a referral commission to the free balance and
// appends it to the affiliate's commission history. Replaying ref re-records
// the history entry, so a retry repairs a history append that failed after
// the credit.
func (l *Ledger) CreditCommission(ctx context.Context, userID string, amount decimal.Decimal, level int, sourceUserID, ref string) (*Receipt, error) {
	if err := positive("commission", amount); err != nil {
		return nil, err
	}
	unlock := l.locks.Lock(userID)
	defer unlock()

	r, err := l.applyLocked(ctx, userID, model.TxCommission, func(a *model.Account) (*model.WalletTransaction, error) {
		a.FreeBalance = a.FreeBalance.Add(amount)
		return &model.WalletTransaction{
			Amount:      amount,
			Reference:   ref,
			Description: fmt.Sprintf("level %d commission from %s", level, sourceUserID),
		}, nil
	})
	if err != nil {
		return r, err
	}
	if r.Replayed && ref == "" {
		return r, nil
	}

	entry := model.CommissionEntry{
		Amount:       amount,
		Level:        level,
		SourceUserID: sourceUserID,
		Reference:    ref,
		CreatedAt:    l.now(),
	}
	if r.Transaction != nil {
		entry.CreatedAt = r.Transaction.CreatedAt
	}
	if err := l.store.RecordCommission(ctx, userID, entry); err != nil {
		// The balance moved and the wallet log has the record; only the
		// affiliate's derived history is behind.
		slog.Error("commission history append failed",
			"alert", true,
			"user", userID,
			"ref", ref,
			"amount", amount.String(),
			"err", err,
		)
	}
	return r, nil
}

// Debit removes amount from the free balance, e.g. a tournament entry fee.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, kind model.TxKind, ref string) (*Receipt, error) {
	if err := positive("amount", amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, kind, func(a *model.Account) (*model.WalletTransaction, error) {
		if a.FreeBalance.LessThan(amount) {
			return nil, apperr.ErrInsufficientBalance.With("free %s, need %s", a.FreeBalance, amount)
		}
		a.FreeBalance = a.FreeBalance.Sub(amount)
		return &model.WalletTransaction{Amount: amount.Neg(), Reference: ref}, nil
	})
}

// Credit adds amount to the free balance, e.g. a tournament payout.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, kind model.TxKind, ref string) (*Receipt, error) {
	if err := positive("amount", amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, userID, kind, func(a *model.Account) (*model.WalletTransaction, error) {
		a.FreeBalance = a.FreeBalance.Add(amount)
		return &model.WalletTransaction{Amount: amount, Reference: ref}, nil
	})
}

func (l *Ledger) apply(ctx context.Context, userID string, kind model.TxKind, mutate store.AccountMutation) (*Receipt, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()
	return l.applyLocked(ctx, userID, kind, mutate)
}

// applyLocked runs mutate through the store. The caller holds userID's lock.
func (l *Ledger) applyLocked(ctx context.Context, userID string, kind model.TxKind, mutate store.AccountMutation) (*Receipt, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}

	var prev decimal.Decimal
	acct, tx, err := l.store.UpdateAccount(ctx, userID, func(a *model.Account) (*model.WalletTransaction, error) {
		prev = a.FreeBalance
		rec, err := mutate(a)
		if err != nil {
			return nil, err
		}
		if a.FreeBalance.IsNegative() || a.LockedBalance.IsNegative() {
			return nil, fmt.Errorf("ledger: %s would leave negative balance for %s", kind, userID)
		}
		rec.ID = uuid.NewString()
		rec.UserID = userID
		rec.Kind = kind
		rec.CreatedAt = l.now()
		if rec.CryptoAsset == "" {
			rec.CryptoAsset = l.asset
		}
		if rec.Status == "" {
			rec.Status = model.TxCompleted
		}
		return rec, nil
	})

	switch {
	case errors.Is(err, store.ErrDuplicateReference):
		metrics.LedgerOperations.WithLabelValues(string(kind), "replayed").Inc()
		current, gerr := l.store.GetAccount(ctx, userID)
		if gerr != nil {
			return nil, gerr
		}
		return &Receipt{Account: current, PreviousFree: current.FreeBalance, Replayed: true}, nil
	case err != nil:
		metrics.LedgerOperations.WithLabelValues(string(kind), string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	metrics.LedgerOperations.WithLabelValues(string(kind), "ok").Inc()
	slog.Debug("ledger mutation applied",
		"user", userID,
		"kind", kind,
		"amount", tx.Amount.String(),
		"free", acct.FreeBalance.String(),
		"locked", acct.LockedBalance.String(),
		"ref", tx.Reference,
	)
	return &Receipt{Account: acct, Transaction: tx, PreviousFree: prev}, nil
}

func positive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return apperr.Validation("%s must be positive, got %s", field, v)
	}
	return nil
}
