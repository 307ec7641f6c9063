package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC(38,8) and cross the wire as text
// so no precision is lost in either direction.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// Migrate creates the schema if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.Background())
		}
	}()

	if err := fn(ctx, &PostgresStore{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) LockUser(ctx context.Context, userID string) error {
	_, err := s.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID)
	if err != nil {
		return fmt.Errorf("lock user %s: %w", userID, err)
	}
	return nil
}

// --- Ledger accounts ---

func (s *PostgresStore) EnsureLedgerAccount(ctx context.Context, userID string, t model.AccountType) (*model.LedgerAccount, error) {
	_, err := s.q.Exec(ctx,
		`INSERT INTO ledger_accounts (id, user_id, account_type, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, account_type) DO NOTHING`,
		uuid.New().String(), userID, t, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure ledger account %s/%s: %w", userID, t, err)
	}
	return s.FindLedgerAccount(ctx, userID, t)
}

func (s *PostgresStore) FindLedgerAccount(ctx context.Context, userID string, t model.AccountType) (*model.LedgerAccount, error) {
	var a model.LedgerAccount
	err := s.q.QueryRow(ctx,
		`SELECT id::TEXT, user_id, account_type, created_at
		 FROM ledger_accounts WHERE user_id = $1 AND account_type = $2`, userID, t).
		Scan(&a.ID, &a.UserID, &a.AccountType, &a.CreatedAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("ledger account %s/%s", userID, t), err)
	}
	return &a, nil
}

func (s *PostgresStore) GetLedgerAccount(ctx context.Context, id string) (*model.LedgerAccount, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("ledger account %s: %w", id, ErrNotFound)
	}
	var a model.LedgerAccount
	err := s.q.QueryRow(ctx,
		`SELECT id::TEXT, user_id, account_type, created_at
		 FROM ledger_accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.UserID, &a.AccountType, &a.CreatedAt)
	if err != nil {
		return nil, notFound("ledger account "+id, err)
	}
	return &a, nil
}

// --- Immutable ledger ---

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := s.q.QueryRow(ctx,
		`INSERT INTO ledger_entries (id, debit_account_id, credit_account_id, amount,
		                             reference_type, reference_id, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING global_sequence`,
		e.ID, e.DebitAccountID, e.CreditAccountID, e.Amount.String(),
		e.ReferenceType, e.ReferenceID, e.IdempotencyKey, e.CreatedAt).
		Scan(&e.GlobalSequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert ledger entry %s: %w", e.IdempotencyKey, err)
	}
	return true, nil
}

const entryColumns = `id::TEXT, debit_account_id::TEXT, credit_account_id::TEXT, amount::TEXT,
	reference_type, reference_id, idempotency_key, global_sequence, created_at`

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var amount string
	if err := row.Scan(&e.ID, &e.DebitAccountID, &e.CreditAccountID, &amount,
		&e.ReferenceType, &e.ReferenceID, &e.IdempotencyKey, &e.GlobalSequence, &e.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.Amount, err = money.Parse(amount); err != nil {
		return nil, fmt.Errorf("ledger entry %s amount: %w", e.ID, err)
	}
	return &e, nil
}

func (s *PostgresStore) GetLedgerEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	e, err := scanEntry(s.q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, notFound("ledger entry "+key, err)
	}
	return e, nil
}

func (s *PostgresStore) ListLedgerEntriesByReference(ctx context.Context, refType model.ReferenceType, refID string) ([]model.LedgerEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE reference_type = $1 AND reference_id = $2
		 ORDER BY global_sequence`, refType, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// balanceExpr is debits minus credits for the account aliased as a.
const balanceExpr = `(COALESCE((SELECT SUM(amount) FROM ledger_entries WHERE debit_account_id = a.id), 0)
	- COALESCE((SELECT SUM(amount) FROM ledger_entries WHERE credit_account_id = a.id), 0))::TEXT`

func (s *PostgresStore) AccountBalance(ctx context.Context, accountID string) (money.Amount, error) {
	var raw string
	err := s.q.QueryRow(ctx,
		`SELECT `+balanceExpr+` FROM ledger_accounts a WHERE a.id = $1`, accountID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return money.Zero, nil
	}
	if err != nil {
		return money.Zero, fmt.Errorf("account balance %s: %w", accountID, err)
	}
	return money.Parse(raw)
}

func (s *PostgresStore) UserBalances(ctx context.Context, userID string) (map[model.AccountType]money.Amount, error) {
	rows, err := s.q.Query(ctx,
		`SELECT a.account_type, `+balanceExpr+` FROM ledger_accounts a WHERE a.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("user balances %s: %w", userID, err)
	}
	defer rows.Close()

	out := make(map[model.AccountType]money.Amount, len(model.AccountTypes))
	for rows.Next() {
		var t model.AccountType
		var raw string
		if err := rows.Scan(&t, &raw); err != nil {
			return nil, err
		}
		amt, err := money.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("user balances %s/%s: %w", userID, t, err)
		}
		out[t] = amt
	}
	return out, rows.Err()
}

// --- Write-ahead journal ---

func (s *PostgresStore) InsertJournal(ctx context.Context, rec *model.JournalRecord) error {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO journal_records (journal_id, attempt, operation_type, user_id, reference_id,
		                              payload, status, ledger_sequences, mutation_meta, abort_reason,
		                              created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, $8, $9::JSONB, $10, $11, $12)`,
		rec.JournalID, rec.Attempt, rec.OperationType, rec.UserID, rec.ReferenceID,
		string(payload), rec.Status, rec.LedgerSequences, jsonArg(rec.MutationMeta), rec.AbortReason,
		rec.CreatedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert journal %s/%d: %w", rec.JournalID, rec.Attempt, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert journal %s/%d: %w", rec.JournalID, rec.Attempt, err)
	}
	return nil
}

const journalColumns = `journal_id, attempt, operation_type, user_id, reference_id, payload::TEXT, status,
	ledger_sequences, mutation_meta::TEXT, abort_reason, created_at, updated_at`

func scanJournal(row pgx.Row) (*model.JournalRecord, error) {
	var r model.JournalRecord
	var payload string
	var meta *string
	if err := row.Scan(&r.JournalID, &r.Attempt, &r.OperationType, &r.UserID, &r.ReferenceID,
		&payload, &r.Status, &r.LedgerSequences, &meta, &r.AbortReason, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	if meta != nil {
		r.MutationMeta = json.RawMessage(*meta)
	}
	return &r, nil
}

func (s *PostgresStore) LatestJournal(ctx context.Context, journalID string) (*model.JournalRecord, error) {
	r, err := scanJournal(s.q.QueryRow(ctx,
		`SELECT `+journalColumns+` FROM journal_records
		 WHERE journal_id = $1 ORDER BY attempt DESC LIMIT 1`, journalID))
	if err != nil {
		return nil, notFound("journal "+journalID, err)
	}
	return r, nil
}

func (s *PostgresStore) TransitionJournal(ctx context.Context, rec *model.JournalRecord) (bool, error) {
	tag, err := s.q.Exec(ctx,
		`UPDATE journal_records
		 SET status = $3, ledger_sequences = $4, mutation_meta = $5::JSONB,
		     abort_reason = $6, updated_at = $7
		 WHERE journal_id = $1 AND attempt = $2 AND status = 'PREPARED'`,
		rec.JournalID, rec.Attempt, rec.Status, rec.LedgerSequences,
		jsonArg(rec.MutationMeta), rec.AbortReason, rec.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("transition journal %s/%d: %w", rec.JournalID, rec.Attempt, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListJournalsByStatus(ctx context.Context, status model.JournalStatus) ([]model.JournalRecord, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+journalColumns+` FROM journal_records
		 WHERE status = $1 ORDER BY created_at, journal_id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.JournalRecord
	for rows.Next() {
		r, err := scanJournal(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *r)
	}
	return recs, rows.Err()
}

// --- Orders and trades ---

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO orders (id, user_id, instrument_token, side, quantity, order_type, limit_price,
		                     status, reason, execution_price, rejection_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10::NUMERIC, $11, $12, $13)`,
		o.ID, o.UserID, o.InstrumentToken, o.Side, o.Quantity, o.OrderType, o.LimitPrice.String(),
		o.Status, o.Reason, o.ExecutionPrice.String(), o.RejectionReason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

const orderColumns = `id, user_id, instrument_token, side, quantity, order_type, limit_price::TEXT,
	status, reason, execution_price::TEXT, rejection_reason, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var limit, exec string
	if err := row.Scan(&o.ID, &o.UserID, &o.InstrumentToken, &o.Side, &o.Quantity, &o.OrderType, &limit,
		&o.Status, &o.Reason, &exec, &o.RejectionReason, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseAmounts([]string{limit, exec}, &o.LimitPrice, &o.ExecutionPrice); err != nil {
		return nil, fmt.Errorf("order %s: %w", o.ID, err)
	}
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("order "+id, err)
	}
	return o, nil
}

func (s *PostgresStore) GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound("order "+id, err)
	}
	return o, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE orders
		 SET status = $2, execution_price = $3::NUMERIC, rejection_reason = $4, updated_at = $5
		 WHERE id = $1`,
		o.ID, o.Status, o.ExecutionPrice.String(), o.RejectionReason, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, limit int) ([]model.Order, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.q.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'OPEN' ORDER BY created_at, id LIMIT $1`, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO trades (id, order_id, user_id, instrument_token, side, quantity, price, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
		t.ID, t.OrderID, t.UserID, t.InstrumentToken, t.Side, t.Quantity, t.Price.String(), t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListTradesByOrder(ctx context.Context, orderID string) ([]model.Trade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id::TEXT, order_id, user_id, instrument_token, side, quantity, price::TEXT, executed_at
		 FROM trades WHERE order_id = $1 ORDER BY executed_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.InstrumentToken, &t.Side,
			&t.Quantity, &price, &t.ExecutedAt); err != nil {
			return nil, err
		}
		if t.Price, err = money.Parse(price); err != nil {
			return nil, fmt.Errorf("trade %s price: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Positions ---

const positionColumns = `user_id, instrument_token, quantity, average_price::TEXT,
	realized_pnl::TEXT, blocked_margin::TEXT, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avg, realized, blocked string
	if err := row.Scan(&p.UserID, &p.InstrumentToken, &p.Quantity, &avg,
		&realized, &blocked, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseAmounts([]string{avg, realized, blocked},
		&p.AveragePrice, &p.RealizedPnL, &p.BlockedMargin); err != nil {
		return nil, fmt.Errorf("position %s/%s: %w", p.UserID, p.InstrumentToken, err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPositionForUpdate(ctx context.Context, userID, token string) (*model.Position, error) {
	p, err := scanPosition(s.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND instrument_token = $2 FOR UPDATE`, userID, token))
	if err != nil {
		return nil, notFound(fmt.Sprintf("position %s/%s", userID, token), err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO positions (user_id, instrument_token, quantity, average_price,
		                        realized_pnl, blocked_margin, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (user_id, instrument_token) DO UPDATE
		 SET quantity = EXCLUDED.quantity, average_price = EXCLUDED.average_price,
		     realized_pnl = EXCLUDED.realized_pnl, blocked_margin = EXCLUDED.blocked_margin,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.InstrumentToken, p.Quantity, p.AveragePrice.String(),
		p.RealizedPnL.String(), p.BlockedMargin.String(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.UserID, p.InstrumentToken, err)
	}
	return nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND quantity <> 0 ORDER BY instrument_token`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListUsersWithOpenPositions(ctx context.Context) ([]string, error) {
	rows, err := s.q.Query(ctx,
		`SELECT DISTINCT user_id FROM positions WHERE quantity <> 0 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Wallet snapshots ---

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.WalletSnapshot, error) {
	var w model.WalletSnapshot
	var bal, eq, upnl, req, maint string
	err := s.q.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, equity::TEXT, unrealized_pnl::TEXT,
		        required_margin::TEXT, maintenance_margin::TEXT,
		        margin_status, account_state, updated_at
		 FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.UserID, &bal, &eq, &upnl, &req, &maint, &w.MarginStatus, &w.AccountState, &w.UpdatedAt)
	if err != nil {
		return nil, notFound("wallet "+userID, err)
	}
	if err := parseAmounts([]string{bal, eq, upnl, req, maint},
		&w.Balance, &w.Equity, &w.UnrealizedPnL, &w.RequiredMargin, &w.MaintenanceMargin); err != nil {
		return nil, fmt.Errorf("wallet %s: %w", userID, err)
	}
	return &w, nil
}

func (s *PostgresStore) UpsertWallet(ctx context.Context, w *model.WalletSnapshot) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, equity, unrealized_pnl, required_margin,
		                      maintenance_margin, margin_status, account_state, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)
		 ON CONFLICT (user_id) DO UPDATE
		 SET balance = EXCLUDED.balance, equity = EXCLUDED.equity,
		     unrealized_pnl = EXCLUDED.unrealized_pnl, required_margin = EXCLUDED.required_margin,
		     maintenance_margin = EXCLUDED.maintenance_margin, margin_status = EXCLUDED.margin_status,
		     account_state = EXCLUDED.account_state, updated_at = EXCLUDED.updated_at`,
		w.UserID, w.Balance.String(), w.Equity.String(), w.UnrealizedPnL.String(),
		w.RequiredMargin.String(), w.MaintenanceMargin.String(),
		w.MarginStatus, w.AccountState, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert wallet %s: %w", w.UserID, err)
	}
	return nil
}

// UpdateWalletRisk sends all updates in one batch inside one transaction.
func (s *PostgresStore) UpdateWalletRisk(ctx context.Context, updates []model.WalletRiskUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.InTx(ctx, func(ctx context.Context, tx Store) error {
		pg := tx.(*PostgresStore)
		now := time.Now().UTC()

		batch := &pgx.Batch{}
		for _, u := range updates {
			batch.Queue(
				`INSERT INTO wallets (user_id, equity, margin_status, updated_at)
				 VALUES ($1, $2::NUMERIC, $3, $4)
				 ON CONFLICT (user_id) DO UPDATE
				 SET equity = EXCLUDED.equity, margin_status = EXCLUDED.margin_status,
				     updated_at = EXCLUDED.updated_at`,
				u.UserID, u.Equity.String(), u.MarginStatus, now)
		}
		br := pg.q.SendBatch(ctx, batch)
		for _, u := range updates {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("update wallet risk %s: %w", u.UserID, err)
			}
		}
		return br.Close()
	})
}

// --- helpers ---

// notFound maps pgx.ErrNoRows to ErrNotFound and wraps anything else.
// isUniqueViolation reports a PostgreSQL unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func parseAmounts(raw []string, dst ...*money.Amount) error {
	for i, r := range raw {
		a, err := money.Parse(r)
		if err != nil {
			return err
		}
		*dst[i] = a
	}
	return nil
}

func jsonArg(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
