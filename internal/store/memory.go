package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are copy-on-write: InTx clones the state, runs the callback
// against the clone and swaps it in only on success. Writers are serialized,
// so callbacks must only use the tx Store they are handed.
type MemoryStore struct {
	mu   sync.Mutex
	st   *memState
	inTx bool
}

type memState struct {
	accounts     map[string]model.LedgerAccount
	accountByKey map[string]string
	entries      []model.LedgerEntry
	entryByKey   map[string]int
	balances     map[string]money.Amount
	seq          int64
	journals     map[string][]model.JournalRecord
	orders       map[string]model.Order
	trades       []model.Trade
	positions    map[string]model.Position
	wallets      map[string]model.WalletSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		accounts:     make(map[string]model.LedgerAccount),
		accountByKey: make(map[string]string),
		entryByKey:   make(map[string]int),
		balances:     make(map[string]money.Amount),
		journals:     make(map[string][]model.JournalRecord),
		orders:       make(map[string]model.Order),
		positions:    make(map[string]model.Position),
		wallets:      make(map[string]model.WalletSnapshot),
	}}
}

func (m *memState) clone() *memState {
	c := &memState{
		accounts:     make(map[string]model.LedgerAccount, len(m.accounts)),
		accountByKey: make(map[string]string, len(m.accountByKey)),
		entries:      append([]model.LedgerEntry(nil), m.entries...),
		entryByKey:   make(map[string]int, len(m.entryByKey)),
		balances:     make(map[string]money.Amount, len(m.balances)),
		seq:          m.seq,
		journals:     make(map[string][]model.JournalRecord, len(m.journals)),
		orders:       make(map[string]model.Order, len(m.orders)),
		trades:       append([]model.Trade(nil), m.trades...),
		positions:    make(map[string]model.Position, len(m.positions)),
		wallets:      make(map[string]model.WalletSnapshot, len(m.wallets)),
	}
	for k, v := range m.accounts {
		c.accounts[k] = v
	}
	for k, v := range m.accountByKey {
		c.accountByKey[k] = v
	}
	for k, v := range m.entryByKey {
		c.entryByKey[k] = v
	}
	for k, v := range m.balances {
		c.balances[k] = v
	}
	for k, v := range m.journals {
		c.journals[k] = append([]model.JournalRecord(nil), v...)
	}
	for k, v := range m.orders {
		c.orders[k] = v
	}
	for k, v := range m.positions {
		c.positions[k] = v
	}
	for k, v := range m.wallets {
		c.wallets[k] = v
	}
	return c
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &MemoryStore{st: work, inTx: true}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// LockUser is a no-op: writers are already serialized.
func (s *MemoryStore) LockUser(context.Context, string) error { return nil }

func accountKey(userID string, t model.AccountType) string { return userID + "|" + string(t) }
func positionKey(userID, token string) string            { return userID + "|" + token }

// --- Ledger accounts ---

func (s *MemoryStore) EnsureLedgerAccount(_ context.Context, userID string, t model.AccountType) (*model.LedgerAccount, error) {
	defer s.lock()()

	if id, ok := s.st.accountByKey[accountKey(userID, t)]; ok {
		a := s.st.accounts[id]
		return &a, nil
	}
	a := model.LedgerAccount{
		ID:          uuid.New().String(),
		UserID:      userID,
		AccountType: t,
		CreatedAt:   time.Now().UTC(),
	}
	s.st.accounts[a.ID] = a
	s.st.accountByKey[accountKey(userID, t)] = a.ID
	return &a, nil
}

func (s *MemoryStore) FindLedgerAccount(_ context.Context, userID string, t model.AccountType) (*model.LedgerAccount, error) {
	defer s.lock()()

	id, ok := s.st.accountByKey[accountKey(userID, t)]
	if !ok {
		return nil, fmt.Errorf("ledger account %s/%s: %w", userID, t, ErrNotFound)
	}
	a := s.st.accounts[id]
	return &a, nil
}

func (s *MemoryStore) GetLedgerAccount(_ context.Context, id string) (*model.LedgerAccount, error) {
	defer s.lock()()

	a, ok := s.st.accounts[id]
	if !ok {
		return nil, fmt.Errorf("ledger account %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

// --- Immutable ledger ---

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) (bool, error) {
	defer s.lock()()

	if _, dup := s.st.entryByKey[e.IdempotencyKey]; dup {
		return false, nil
	}
	if _, ok := s.st.accounts[e.DebitAccountID]; !ok {
		return false, fmt.Errorf("debit account %s: %w", e.DebitAccountID, ErrNotFound)
	}
	if _, ok := s.st.accounts[e.CreditAccountID]; !ok {
		return false, fmt.Errorf("credit account %s: %w", e.CreditAccountID, ErrNotFound)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.st.seq++
	e.GlobalSequence = s.st.seq

	s.st.entryByKey[e.IdempotencyKey] = len(s.st.entries)
	s.st.entries = append(s.st.entries, *e)
	s.st.balances[e.DebitAccountID] = s.st.balances[e.DebitAccountID].Add(e.Amount)
	s.st.balances[e.CreditAccountID] = s.st.balances[e.CreditAccountID].Sub(e.Amount)
	return true, nil
}

func (s *MemoryStore) GetLedgerEntryByKey(_ context.Context, key string) (*model.LedgerEntry, error) {
	defer s.lock()()

	i, ok := s.st.entryByKey[key]
	if !ok {
		return nil, fmt.Errorf("ledger entry %s: %w", key, ErrNotFound)
	}
	e := s.st.entries[i]
	return &e, nil
}

func (s *MemoryStore) ListLedgerEntriesByReference(_ context.Context, refType model.ReferenceType, refID string) ([]model.LedgerEntry, error) {
	defer s.lock()()

	var result []model.LedgerEntry
	for _, e := range s.st.entries {
		if e.ReferenceType == refType && e.ReferenceID == refID {
			result = append(result, e)
		}
	}
	return result, nil
}

// LedgerEntries returns every entry in sequence order. Test helper.
func (s *MemoryStore) LedgerEntries() []model.LedgerEntry {
	defer s.lock()()
	return append([]model.LedgerEntry(nil), s.st.entries...)
}

func (s *MemoryStore) AccountBalance(_ context.Context, accountID string) (money.Amount, error) {
	defer s.lock()()
	return s.st.balances[accountID], nil
}

func (s *MemoryStore) UserBalances(_ context.Context, userID string) (map[model.AccountType]money.Amount, error) {
	defer s.lock()()

	out := make(map[model.AccountType]money.Amount, len(model.AccountTypes))
	for _, t := range model.AccountTypes {
		if id, ok := s.st.accountByKey[accountKey(userID, t)]; ok {
			out[t] = s.st.balances[id]
		}
	}
	return out, nil
}

// --- Write-ahead journal ---

func (s *MemoryStore) InsertJournal(_ context.Context, rec *model.JournalRecord) error {
	defer s.lock()()

	for _, r := range s.st.journals[rec.JournalID] {
		if r.Attempt == rec.Attempt {
			return fmt.Errorf("journal %s attempt %d: %w", rec.JournalID, rec.Attempt, ErrDuplicate)
		}
	}
	s.st.journals[rec.JournalID] = append(s.st.journals[rec.JournalID], *rec)
	return nil
}

func (s *MemoryStore) LatestJournal(_ context.Context, journalID string) (*model.JournalRecord, error) {
	defer s.lock()()

	recs := s.st.journals[journalID]
	if len(recs) == 0 {
		return nil, fmt.Errorf("journal %s: %w", journalID, ErrNotFound)
	}
	r := recs[len(recs)-1]
	return &r, nil
}

func (s *MemoryStore) TransitionJournal(_ context.Context, rec *model.JournalRecord) (bool, error) {
	defer s.lock()()

	recs := s.st.journals[rec.JournalID]
	for i := range recs {
		if recs[i].Attempt != rec.Attempt || recs[i].Status != model.JournalPrepared {
			continue
		}
		recs[i].Status = rec.Status
		recs[i].LedgerSequences = rec.LedgerSequences
		recs[i].MutationMeta = rec.MutationMeta
		recs[i].AbortReason = rec.AbortReason
		recs[i].UpdatedAt = rec.UpdatedAt
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) ListJournalsByStatus(_ context.Context, status model.JournalStatus) ([]model.JournalRecord, error) {
	defer s.lock()()

	var result []model.JournalRecord
	for _, recs := range s.st.journals {
		for _, r := range recs {
			if r.Status == status {
				result = append(result, r)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].JournalID < result[j].JournalID
	})
	return result, nil
}

// --- Orders and trades ---

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	defer s.lock()()

	if _, exists := s.st.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	s.st.orders[o.ID] = *o
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	defer s.lock()()

	o, ok := s.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

// GetOrderForUpdate needs no row lock: writers are already serialized.
func (s *MemoryStore) GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	defer s.lock()()

	if _, ok := s.st.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	s.st.orders[o.ID] = *o
	return nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, limit int) ([]model.Order, error) {
	defer s.lock()()

	var result []model.Order
	for _, o := range s.st.orders {
		if o.Status == model.OrderOpen {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	defer s.lock()()

	for _, existing := range s.st.trades {
		if existing.ID == t.ID {
			return fmt.Errorf("trade %s already exists", t.ID)
		}
	}
	s.st.trades = append(s.st.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByOrder(_ context.Context, orderID string) ([]model.Trade, error) {
	defer s.lock()()

	var result []model.Trade
	for _, t := range s.st.trades {
		if t.OrderID == orderID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Positions ---

func (s *MemoryStore) GetPositionForUpdate(_ context.Context, userID, token string) (*model.Position, error) {
	defer s.lock()()

	p, ok := s.st.positions[positionKey(userID, token)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, token, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	defer s.lock()()

	s.st.positions[positionKey(p.UserID, p.InstrumentToken)] = *p
	return nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, userID string) ([]model.Position, error) {
	defer s.lock()()

	var result []model.Position
	for _, p := range s.st.positions {
		if p.UserID == userID && p.Quantity != 0 {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].InstrumentToken < result[j].InstrumentToken })
	return result, nil
}

func (s *MemoryStore) ListUsersWithOpenPositions(_ context.Context) ([]string, error) {
	defer s.lock()()

	seen := make(map[string]bool)
	var users []string
	for _, p := range s.st.positions {
		if p.Quantity != 0 && !seen[p.UserID] {
			seen[p.UserID] = true
			users = append(users, p.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

// --- Wallet snapshots ---

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.WalletSnapshot, error) {
	defer s.lock()()

	w, ok := s.st.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	return &w, nil
}

func (s *MemoryStore) UpsertWallet(_ context.Context, w *model.WalletSnapshot) error {
	defer s.lock()()

	s.st.wallets[w.UserID] = *w
	return nil
}

func (s *MemoryStore) UpdateWalletRisk(_ context.Context, updates []model.WalletRiskUpdate) error {
	defer s.lock()()

	now := time.Now().UTC()
	for _, u := range updates {
		w, ok := s.st.wallets[u.UserID]
		if !ok {
			w = model.WalletSnapshot{UserID: u.UserID}
		}
		w.Equity = u.Equity
		w.MarginStatus = u.MarginStatus
		w.UpdatedAt = now
		s.st.wallets[u.UserID] = w
	}
	return nil
}
