package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/risk-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for ledger account mappings and wallet snapshots. Account mappings
// never change once committed, so they are cached without invalidation.
// Wallet writes go to the primary and invalidate the cached copy.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration

	// set inside InTx: cache fills are skipped and invalidations deferred
	// until the transaction commits.
	inTx    bool
	mu      *sync.Mutex
	pending *[]string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	var pending []string
	mu := &sync.Mutex{}
	err := s.Store.InTx(ctx, func(ctx context.Context, tx Store) error {
		return fn(ctx, &CachedStore{Store: tx, rdb: s.rdb, ttl: s.ttl, inTx: true, mu: mu, pending: &pending})
	})
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		s.rdb.Del(ctx, pending...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) FindLedgerAccount(ctx context.Context, userID string, t model.AccountType) (*model.LedgerAccount, error) {
	if a, ok := s.cachedAccount(ctx, userID, t); ok {
		return a, nil
	}
	a, err := s.Store.FindLedgerAccount(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, accountCacheKey(userID, t), a)
	return a, nil
}

func (s *CachedStore) EnsureLedgerAccount(ctx context.Context, userID string, t model.AccountType) (*model.LedgerAccount, error) {
	if a, ok := s.cachedAccount(ctx, userID, t); ok {
		return a, nil
	}
	a, err := s.Store.EnsureLedgerAccount(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, accountCacheKey(userID, t), a)
	return a, nil
}

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.WalletSnapshot, error) {
	if !s.inTx {
		data, err := s.rdb.Get(ctx, walletCacheKey(userID)).Bytes()
		if err == nil {
			var w model.WalletSnapshot
			if json.Unmarshal(data, &w) == nil {
				return &w, nil
			}
		}
	}
	w, err := s.Store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, walletCacheKey(userID), w)
	return w, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertWallet(ctx context.Context, w *model.WalletSnapshot) error {
	if err := s.Store.UpsertWallet(ctx, w); err != nil {
		return err
	}
	s.invalidate(ctx, walletCacheKey(w.UserID))
	return nil
}

func (s *CachedStore) UpdateWalletRisk(ctx context.Context, updates []model.WalletRiskUpdate) error {
	if err := s.Store.UpdateWalletRisk(ctx, updates); err != nil {
		return err
	}
	keys := make([]string, 0, len(updates))
	for _, u := range updates {
		keys = append(keys, walletCacheKey(u.UserID))
	}
	s.invalidate(ctx, keys...)
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cachedAccount(ctx context.Context, userID string, t model.AccountType) (*model.LedgerAccount, bool) {
	data, err := s.rdb.Get(ctx, accountCacheKey(userID, t)).Bytes()
	if err != nil {
		return nil, false
	}
	var a model.LedgerAccount
	if json.Unmarshal(data, &a) != nil {
		return nil, false
	}
	return &a, true
}

// fill caches v unless inside a transaction, where the row may yet roll back.
func (s *CachedStore) fill(ctx context.Context, key string, v any) {
	if s.inTx {
		return
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if s.inTx {
		s.mu.Lock()
		*s.pending = append(*s.pending, keys...)
		s.mu.Unlock()
		return
	}
	s.rdb.Del(ctx, keys...)
}

func accountCacheKey(uid string, t model.AccountType) string {
	return fmt.Sprintf("ledger_account:%s:%s", uid, t)
}
func walletCacheKey(uid string) string { return fmt.Sprintf("wallet:%s", uid) }
