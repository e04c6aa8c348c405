package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// they are written as text casts and read back as ::TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(entity, id)
	}
	return fmt.Errorf("get %s %s: %w", entity, id, err)
}

// --- Accounts ---

const accountCols = `user_id, free_balance::TEXT, locked_balance::TEXT, cumulative_profit_loss::TEXT, created_at, updated_at`

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var free, locked, pnl string
	if err := row.Scan(&a.UserID, &free, &locked, &pnl, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.FreeBalance = dec(free)
	a.LockedBalance = dec(locked)
	a.CumulativeProfitLoss = dec(pnl)
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE user_id = $1`, userID))
	if err != nil {
		return nil, notFound(err, "account", userID)
	}
	return a, nil
}

// UpdateAccount runs get-or-create, SELECT ... FOR UPDATE, the mutation and
// the transaction insert inside one database transaction.
func (s *PostgresStore) UpdateAccount(ctx context.Context, userID string, mutate AccountMutation) (*model.Account, *model.WalletTransaction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, nil, fmt.Errorf("ensure account %s: %w", userID, err)
	}
	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, nil, fmt.Errorf("lock account %s: %w", userID, err)
	}

	rec, err := mutate(acct)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	acct.UpdatedAt = now
	if _, err := tx.Exec(ctx,
		`UPDATE accounts
		 SET free_balance = $2::NUMERIC, locked_balance = $3::NUMERIC,
		     cumulative_profit_loss = $4::NUMERIC, updated_at = $5
		 WHERE user_id = $1`,
		userID, acct.FreeBalance.String(), acct.LockedBalance.String(),
		acct.CumulativeProfitLoss.String(), now); err != nil {
		return nil, nil, fmt.Errorf("update account %s: %w", userID, err)
	}

	if rec != nil {
		rec.UserID = userID
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO wallet_transactions
			   (id, user_id, crypto_asset, amount, kind, status, reference, address, description, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
			rec.ID, userID, rec.CryptoAsset, rec.Amount.String(), rec.Kind, rec.Status,
			rec.Reference, rec.Address, rec.Description, rec.CreatedAt)
		if isUniqueViolation(err) {
			return nil, nil, ErrDuplicateReference.With("%s", rec.Reference)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("insert wallet transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return acct, rec, nil
}

func (s *PostgresStore) ListWalletTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, crypto_asset, amount::TEXT, kind, status,
		        COALESCE(reference, ''), address, description, created_at
		 FROM wallet_transactions WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WalletTransaction
	for rows.Next() {
		var t model.WalletTransaction
		var amount string
		if err := rows.Scan(&t.ID, &t.UserID, &t.CryptoAsset, &amount, &t.Kind, &t.Status,
			&t.Reference, &t.Address, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount = dec(amount)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, role, parent_affiliate_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.Role, u.ParentAffiliateID, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrUserExists.With("%s", u.ID)
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, role, parent_affiliate_id, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Role, &u.ParentAffiliateID, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return &u, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, id string, upd model.UserUpdate) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`UPDATE users SET
		   email = COALESCE($2, email),
		   role = COALESCE($3, role),
		   parent_affiliate_id = COALESCE($4, parent_affiliate_id)
		 WHERE id = $1
		 RETURNING id, email, role, parent_affiliate_id, created_at`,
		id, upd.Email, upd.Role, upd.ParentAffiliateID).
		Scan(&u.ID, &u.Email, &u.Role, &u.ParentAffiliateID, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return &u, nil
}

// --- Trades ---

const tradeCols = `id, user_id, symbol, direction, quantity::TEXT, entry_price::TEXT,
	exit_price::TEXT, stake::TEXT, duration_value, duration_unit, expiry_at, status,
	profit_loss::TEXT, result, claimed_at, closed_at, created_at`

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var qty, entry, stake, pnl string
	var exit *string
	if err := row.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Direction, &qty, &entry,
		&exit, &stake, &t.DurationValue, &t.DurationUnit, &t.ExpiryAt, &t.Status,
		&pnl, &t.Result, &t.ClaimedAt, &t.ClosedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Quantity = dec(qty)
	t.EntryPrice = dec(entry)
	t.Stake = dec(stake)
	t.ProfitLoss = dec(pnl)
	if exit != nil {
		p := dec(*exit)
		t.ExitPrice = &p
	}
	return &t, nil
}

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade, job *model.SettlementJob) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, symbol, direction, quantity, entry_price, stake,
		                     duration_value, duration_unit, expiry_at, status, profit_loss, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12::NUMERIC, $13)`,
		t.ID, t.UserID, t.Symbol, t.Direction, t.Quantity.String(), t.EntryPrice.String(), t.Stake.String(),
		t.DurationValue, t.DurationUnit, t.ExpiryAt, t.Status, t.ProfitLoss.String(), t.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrConflict.With("trade %s already exists", t.ID)
	}
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	if job != nil {
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeCols+` FROM trades WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "trade", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, f model.TradeFilter) ([]model.Trade, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}
	if f.Direction != "" {
		add("direction = $%d", f.Direction)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	q := `SELECT ` + tradeCols + ` FROM trades`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimTrade(ctx context.Context, id string, now time.Time, lease time.Duration) (*model.Trade, error) {
	now = now.UTC().Truncate(time.Microsecond)
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`UPDATE trades SET status = 'closing', claimed_at = $2
		 WHERE id = $1 AND (status = 'open' OR (status = 'closing' AND claimed_at <= $3))
		 RETURNING `+tradeCols,
		id, now, now.Add(-lease)))
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := s.GetTrade(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, ErrNotClaimable.With("trade %s is %s", id, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("claim trade %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) SaveTradeOutcome(ctx context.Context, t *model.Trade) error {
	var exit *string
	if t.ExitPrice != nil {
		v := t.ExitPrice.String()
		exit = &v
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET exit_price = $2::NUMERIC, profit_loss = $3::NUMERIC, result = $4
		 WHERE id = $1 AND status = 'closing' AND claimed_at = $5`,
		t.ID, exit, t.ProfitLoss.String(), t.Result, t.ClaimedAt)
	if err != nil {
		return fmt.Errorf("save outcome %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable.With("trade %s claim lost", t.ID)
	}
	return nil
}

func (s *PostgresStore) CloseTrade(ctx context.Context, t *model.Trade) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET status = 'closed', closed_at = $2
		 WHERE id = $1 AND status = 'closing' AND claimed_at = $3`,
		t.ID, t.ClosedAt, t.ClaimedAt)
	if err != nil {
		return fmt.Errorf("close trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable.With("trade %s claim lost", t.ID)
	}
	return nil
}

// --- Affiliates ---

func (s *PostgresStore) CreateAffiliate(ctx context.Context, a *model.Affiliate) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO affiliates (user_id, referral_code, parent_user_id, total_commission, withdrawable_commission, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		a.UserID, a.ReferralCode, a.ParentUserID,
		a.TotalCommission.String(), a.WithdrawableCommission.String(), a.CreatedAt)
	if isUniqueViolation(err) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "affiliates_pkey" {
			return ErrAffiliateExists.With("%s", a.UserID)
		}
		return ErrDuplicateCode.With("%s", a.ReferralCode)
	}
	return err
}

func (s *PostgresStore) GetAffiliate(ctx context.Context, userID string) (*model.Affiliate, error) {
	return s.loadAffiliate(ctx, `WHERE user_id = $1`, userID)
}

func (s *PostgresStore) GetAffiliateByCode(ctx context.Context, code string) (*model.Affiliate, error) {
	return s.loadAffiliate(ctx, `WHERE referral_code = $1`, code)
}

func (s *PostgresStore) loadAffiliate(ctx context.Context, where string, key string) (*model.Affiliate, error) {
	var a model.Affiliate
	var total, withdrawable string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, referral_code, parent_user_id, total_commission::TEXT,
		        withdrawable_commission::TEXT, created_at
		 FROM affiliates `+where, key).
		Scan(&a.UserID, &a.ReferralCode, &a.ParentUserID, &total, &withdrawable, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "affiliate", key)
	}
	a.TotalCommission = dec(total)
	a.WithdrawableCommission = dec(withdrawable)

	rows, err := s.pool.Query(ctx,
		`SELECT referred_user_id FROM affiliate_referrals
		 WHERE affiliate_user_id = $1 ORDER BY created_at, referred_user_id`, a.UserID)
	if err != nil {
		return nil, err
	}
	a.ReferredUsers, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT amount::TEXT, level, source_user_id, reference, created_at
		 FROM commission_entries WHERE affiliate_user_id = $1 ORDER BY id`, a.UserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e model.CommissionEntry
		var amount string
		if err := rows.Scan(&amount, &e.Level, &e.SourceUserID, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		a.CommissionHistory = append(a.CommissionHistory, e)
	}
	return &a, rows.Err()
}

func (s *PostgresStore) UpdateAffiliate(ctx context.Context, userID string, upd AffiliateUpdate) (*model.Affiliate, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE affiliates SET parent_user_id = COALESCE($2, parent_user_id) WHERE user_id = $1`,
		userID, upd.ParentUserID)
	if err != nil {
		return nil, fmt.Errorf("update affiliate %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.NotFound("affiliate", userID)
	}
	if upd.AddReferral != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO affiliate_referrals (affiliate_user_id, referred_user_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, userID, *upd.AddReferral); err != nil {
			return nil, fmt.Errorf("add referral: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetAffiliate(ctx, userID)
}

func (s *PostgresStore) RecordCommission(ctx context.Context, userID string, e model.CommissionEntry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM affiliates WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("record commission %s: %w", userID, err)
	}
	if !exists {
		return apperr.NotFound("affiliate", userID)
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO commission_entries (affiliate_user_id, amount, level, source_user_id, reference, created_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6)
		 ON CONFLICT (affiliate_user_id, reference) WHERE reference <> '' DO NOTHING`,
		userID, e.Amount.String(), e.Level, e.SourceUserID, e.Reference, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert commission entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE affiliates
		 SET total_commission = total_commission + $2::NUMERIC,
		     withdrawable_commission = withdrawable_commission + $2::NUMERIC
		 WHERE user_id = $1`, userID, e.Amount.String()); err != nil {
		return fmt.Errorf("record commission %s: %w", userID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CommissionStats(ctx context.Context) (decimal.Decimal, int, error) {
	var total string
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_commission), 0)::TEXT, COUNT(*) FROM affiliates`).
		Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return dec(total), count, nil
}

// --- Tournaments ---

const tournamentCols = `id, name, entry_amount::TEXT, duration, duration_unit, status, start_time, end_time, created_at`

func scanTournament(row rowScanner) (*model.Tournament, error) {
	var t model.Tournament
	var entry string
	if err := row.Scan(&t.ID, &t.Name, &entry, &t.Duration, &t.DurationUnit, &t.Status,
		&t.StartTime, &t.EndTime, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.EntryAmount = dec(entry)
	return &t, nil
}

const participantCols = `tournament_id, user_id, invested_amount::TEXT, current_balance::TEXT, profit_loss::TEXT, joined_at`

func scanParticipant(row rowScanner) (*model.Participant, error) {
	var p model.Participant
	var invested, current, pnl string
	if err := row.Scan(&p.TournamentID, &p.UserID, &invested, &current, &pnl, &p.JoinedAt); err != nil {
		return nil, err
	}
	p.InvestedAmount = dec(invested)
	p.CurrentBalance = dec(current)
	p.ProfitLoss = dec(pnl)
	return &p, nil
}

func (s *PostgresStore) CreateTournament(ctx context.Context, t *model.Tournament) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO tournaments (id, name, entry_amount, duration, duration_unit, status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		t.ID, t.Name, t.EntryAmount.String(), t.Duration, t.DurationUnit, t.Status, t.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrConflict.With("tournament %s already exists", t.ID)
	}
	if err != nil {
		return fmt.Errorf("insert tournament: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tournament_pools (tournament_id, balance) VALUES ($1, 0)`, t.ID); err != nil {
		return fmt.Errorf("insert pool: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetTournament(ctx context.Context, id string) (*model.Tournament, error) {
	t, err := scanTournament(s.pool.QueryRow(ctx,
		`SELECT `+tournamentCols+` FROM tournaments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "tournament", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTournaments(ctx context.Context, status model.TournamentStatus) ([]model.Tournament, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tournamentCols+` FROM tournaments
		 WHERE $1 = '' OR status = $1
		 ORDER BY created_at DESC, id DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Tournament
	for rows.Next() {
		t, err := scanTournament(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPool(ctx context.Context, tournamentID string) (*model.Pool, error) {
	var p model.Pool
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT tournament_id, balance::TEXT FROM tournament_pools WHERE tournament_id = $1`, tournamentID).
		Scan(&p.TournamentID, &bal)
	if err != nil {
		return nil, notFound(err, "pool", tournamentID)
	}
	p.Balance = dec(bal)
	return &p, nil
}

func (s *PostgresStore) AddParticipant(ctx context.Context, p *model.Participant) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status model.TournamentStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM tournaments WHERE id = $1 FOR UPDATE`, p.TournamentID).Scan(&status)
	if err != nil {
		return notFound(err, "tournament", p.TournamentID)
	}
	if status != model.TournamentUpcoming {
		return ErrNotClaimable.With("tournament %s is %s", p.TournamentID, status)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO tournament_participants
		   (tournament_id, user_id, invested_amount, current_balance, profit_loss, joined_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)`,
		p.TournamentID, p.UserID, p.InvestedAmount.String(), p.CurrentBalance.String(),
		p.ProfitLoss.String(), p.JoinedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyJoined.With("user %s, tournament %s", p.UserID, p.TournamentID)
	}
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tournament_pools SET balance = balance + $2::NUMERIC WHERE tournament_id = $1`,
		p.TournamentID, p.InvestedAmount.String()); err != nil {
		return fmt.Errorf("credit pool: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetParticipant(ctx context.Context, tournamentID, userID string) (*model.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantCols+` FROM tournament_participants
		 WHERE tournament_id = $1 AND user_id = $2`, tournamentID, userID))
	if err != nil {
		return nil, notFound(err, "participant", tournamentID+"/"+userID)
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, tournamentID string) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantCols+` FROM tournament_participants
		 WHERE tournament_id = $1 ORDER BY joined_at, user_id`, tournamentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AdjustParticipant(ctx context.Context, tournamentID, userID string, delta decimal.Decimal) (*model.Participant, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status model.TournamentStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM tournaments WHERE id = $1 FOR SHARE`, tournamentID).Scan(&status)
	if err != nil {
		return nil, notFound(err, "tournament", tournamentID)
	}
	if status != model.TournamentRunning {
		return nil, ErrNotClaimable.With("tournament %s is %s", tournamentID, status)
	}
	p, err := scanParticipant(tx.QueryRow(ctx,
		`UPDATE tournament_participants
		 SET current_balance = current_balance + $3::NUMERIC, profit_loss = profit_loss + $3::NUMERIC
		 WHERE tournament_id = $1 AND user_id = $2
		 RETURNING `+participantCols, tournamentID, userID, delta.String()))
	if err != nil {
		return nil, notFound(err, "participant", tournamentID+"/"+userID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) StartTournament(ctx context.Context, id string, start, end time.Time, job *model.SettlementJob) (*model.Tournament, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTournament(tx.QueryRow(ctx,
		`UPDATE tournaments SET status = 'running', start_time = $2, end_time = $3
		 WHERE id = $1 AND status = 'upcoming'
		 RETURNING `+tournamentCols, id, start, end))
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := s.GetTournament(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, ErrNotClaimable.With("tournament %s is %s", id, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("start tournament %s: %w", id, err)
	}
	if job != nil {
		if err := insertJob(ctx, tx, job); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

// EndTournament takes the tournament row lock with its status update.
// AdjustParticipant holds a share lock on the same row, so participant
// balances are stable for the rest of the transaction.
func (s *PostgresStore) EndTournament(ctx context.Context, id string, build PlanBuilder) (*model.Tournament, *model.SettlementPlan, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTournament(tx.QueryRow(ctx,
		`UPDATE tournaments SET status = 'ended'
		 WHERE id = $1 AND status = 'running'
		 RETURNING `+tournamentCols, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotClaimable.With("tournament %s is not running", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("end tournament %s: %w", id, err)
	}

	var balance string
	if err := tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM tournament_pools WHERE tournament_id = $1 FOR UPDATE`, id).Scan(&balance); err != nil {
		return nil, nil, notFound(err, "pool", id)
	}
	rows, err := tx.Query(ctx,
		`SELECT `+participantCols+` FROM tournament_participants
		 WHERE tournament_id = $1 ORDER BY joined_at, user_id`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load participants %s: %w", id, err)
	}
	var participants []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		participants = append(participants, *p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	plan := build(dec(balance), participants)

	if _, err := tx.Exec(ctx,
		`UPDATE tournament_pools SET balance = 0 WHERE tournament_id = $1`, id); err != nil {
		return nil, nil, fmt.Errorf("drain pool %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO settlement_plans (tournament_id, pool_balance, house_remainder, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)`,
		id, plan.PoolBalance.String(), plan.HouseRemainder.String(), plan.CreatedAt); err != nil {
		return nil, nil, fmt.Errorf("insert plan: %w", err)
	}
	batch := &pgx.Batch{}
	for _, po := range plan.Payouts {
		batch.Queue(
			`INSERT INTO settlement_payouts (tournament_id, user_id, rank, amount, reason, status, last_error)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
			id, po.UserID, po.Rank, po.Amount.String(), po.Reason, po.Status, po.LastError)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, nil, fmt.Errorf("insert payouts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return t, plan, nil
}

func (s *PostgresStore) GetSettlementPlan(ctx context.Context, tournamentID string) (*model.SettlementPlan, error) {
	var p model.SettlementPlan
	var pool, house string
	err := s.pool.QueryRow(ctx,
		`SELECT tournament_id, pool_balance::TEXT, house_remainder::TEXT, created_at
		 FROM settlement_plans WHERE tournament_id = $1`, tournamentID).
		Scan(&p.TournamentID, &pool, &house, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "settlement_plan", tournamentID)
	}
	p.PoolBalance = dec(pool)
	p.HouseRemainder = dec(house)

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, rank, amount::TEXT, reason, status, last_error
		 FROM settlement_payouts WHERE tournament_id = $1 ORDER BY rank`, tournamentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var po model.Payout
		var amount string
		if err := rows.Scan(&po.UserID, &po.Rank, &amount, &po.Reason, &po.Status, &po.LastError); err != nil {
			return nil, err
		}
		po.Amount = dec(amount)
		p.Payouts = append(p.Payouts, po)
	}
	return &p, rows.Err()
}

func (s *PostgresStore) MarkPayout(ctx context.Context, tournamentID, userID string, status model.PayoutStatus, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlement_payouts SET status = $3, last_error = $4
		 WHERE tournament_id = $1 AND user_id = $2`, tournamentID, userID, status, lastErr)
	if err != nil {
		return fmt.Errorf("mark payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("payout", tournamentID+"/"+userID)
	}
	return nil
}

// --- Jobs ---

const jobCols = `id, kind, entity_id, due_at, status, attempts, last_error, created_at, updated_at`

func insertJob(ctx context.Context, tx pgx.Tx, j *model.SettlementJob) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO settlement_jobs (`+jobCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		j.ID, j.Kind, j.EntityID, j.DueAt, j.Status, j.Attempts, j.LastError, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, q string, args ...any) ([]model.SettlementJob, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SettlementJob
	for rows.Next() {
		var j model.SettlementJob
		if err := rows.Scan(&j.ID, &j.Kind, &j.EntityID, &j.DueAt, &j.Status,
			&j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]model.SettlementJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM settlement_jobs
		 WHERE status = 'pending' AND due_at <= $1
		 ORDER BY due_at, id LIMIT $2`, now, limit)
}

func (s *PostgresStore) ListJobs(ctx context.Context, status model.JobStatus) ([]model.SettlementJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM settlement_jobs
		 WHERE $1 = '' OR status = $1 ORDER BY due_at`, string(status))
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, now time.Time) error {
	return s.execJob(ctx, id,
		`UPDATE settlement_jobs SET status = 'done', attempts = attempts + 1, last_error = '', updated_at = $2
		 WHERE id = $1`, now)
}

func (s *PostgresStore) RetryJob(ctx context.Context, id string, next time.Time, lastErr string) error {
	return s.execJob(ctx, id,
		`UPDATE settlement_jobs SET attempts = attempts + 1, due_at = $2, last_error = $3, updated_at = now()
		 WHERE id = $1`, next, lastErr)
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, lastErr string) error {
	return s.execJob(ctx, id,
		`UPDATE settlement_jobs SET status = 'failed', attempts = attempts + 1, last_error = $2, updated_at = now()
		 WHERE id = $1`, lastErr)
}

func (s *PostgresStore) execJob(ctx context.Context, id, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("job", id)
	}
	return nil
}
