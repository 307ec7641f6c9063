package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/store"
)

// AccountCache maps (user, account type) to ledger account ids. Ids never
// change once committed, so entries are never evicted except on Invalidate.
//
// Accounts are created only by Bootstrap, which runs outside any mutation
// transaction. Resolve never creates: a rolled-back transaction can therefore
// never leave a cached id pointing at a row that does not exist.
type AccountCache struct {
	st  store.Store
	mu  sync.RWMutex
	ids map[string]string
}

// NewAccountCache creates an empty cache over st.
func NewAccountCache(st store.Store) *AccountCache {
	return &AccountCache{st: st, ids: make(map[string]string)}
}

func cacheKey(userID string, t model.AccountType) string { return userID + "|" + string(t) }

// Bootstrap creates every account type for userID and caches the ids.
func (c *AccountCache) Bootstrap(ctx context.Context, userID string) (map[model.AccountType]string, error) {
	out := make(map[model.AccountType]string, len(model.AccountTypes))
	for _, t := range model.AccountTypes {
		if id, ok := c.lookup(userID, t); ok {
			out[t] = id
			continue
		}
		a, err := c.st.EnsureLedgerAccount(ctx, userID, t)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %s/%s: %w", userID, t, err)
		}
		c.remember(userID, t, a.ID)
		out[t] = a.ID
	}
	return out, nil
}

// Resolve returns the account id for (userID, t) using q for cache misses.
// q is normally the caller's transaction.
func (c *AccountCache) Resolve(ctx context.Context, q store.Store, userID string, t model.AccountType) (string, error) {
	if id, ok := c.lookup(userID, t); ok {
		return id, nil
	}
	if q == nil {
		q = c.st
	}
	a, err := q.FindLedgerAccount(ctx, userID, t)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s/%s: %w", ErrAccountMappingInvalid, userID, t, ErrLedgerAccountMissing)
	}
	if err != nil {
		return "", err
	}
	c.remember(userID, t, a.ID)
	return a.ID, nil
}

// Invalidate drops every cached id of userID.
func (c *AccountCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range model.AccountTypes {
		delete(c.ids, cacheKey(userID, t))
	}
}

func (c *AccountCache) lookup(userID string, t model.AccountType) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[cacheKey(userID, t)]
	return id, ok
}

func (c *AccountCache) remember(userID string, t model.AccountType, id string) {
	c.mu.Lock()
	c.ids[cacheKey(userID, t)] = id
	c.mu.Unlock()
}
