package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/model"
)

// Balance returns the user's balances. Unknown users get a zero snapshot;
// reading never creates an account.
func (l *Ledger) Balance(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return &model.Account{UserID: userID}, nil
	}
	return acct, err
}

// History returns every wallet transaction of the user, newest first.
func (l *Ledger) History(ctx context.Context, userID string) ([]model.WalletTransaction, error) {
	txs, err := l.store.ListWalletTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []model.WalletTransaction{}
	}
	return txs, nil
}

// HistoryByKind groups the user's transactions by kind, each group newest
// first.
func (l *Ledger) HistoryByKind(ctx context.Context, userID string) (map[model.TxKind][]model.WalletTransaction, error) {
	txs, err := l.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	grouped := make(map[model.TxKind][]model.WalletTransaction)
	for _, tx := range txs {
		grouped[tx.Kind] = append(grouped[tx.Kind], tx)
	}
	return grouped, nil
}

// BalanceByAsset sums transaction amounts per asset. Because every
// transaction records its signed effect on the free balance, the sum over
// all assets equals the free balance.
func (l *Ledger) BalanceByAsset(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	txs, err := l.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal)
	for _, tx := range txs {
		out[tx.CryptoAsset] = out[tx.CryptoAsset].Add(tx.Amount)
	}
	return out, nil
}
