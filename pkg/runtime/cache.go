// Package runtime provides the per-step execution context over ledger state.
//
// Every instruction step builds an AccountCache over the configured Ledger
// backend. The cache loads each key at most once, stages writes in memory,
// and flushes them only after the step's validation has fully passed, so a
// late error can never leave persistent buffers half-mutated.
package runtime

import (
	"fmt"

	"github.com/heliosevm/helios/internal/types"
	"github.com/heliosevm/helios/pkg/ledger"
)

// OperatorPlaceholderLamports is the balance of the synthesized operator
// snapshot. Non-zero so ownership and existence checks pass even when the
// ledger holds no real account at the operator key.
const OperatorPlaceholderLamports = uint64(1)

// Snapshot is one cached account entry. Exists distinguishes a loaded-but-
// absent account from a present one; Account is non-nil either way so
// callers can stage creation writes.
type Snapshot struct {
	Key     types.Pubkey
	Account *ledger.Account
	Exists  bool

	dirty bool
}

// MarkDirty stages the snapshot's current contents for flush.
func (s *Snapshot) MarkDirty() {
	s.dirty = true
	s.Exists = true
}

// AccountCache mediates all ledger reads and staged writes for one step.
type AccountCache struct {
	ledger   ledger.Ledger
	operator types.Pubkey
	entries  map[types.Pubkey]*Snapshot

	// order remembers first-load order for deterministic flushing.
	order []types.Pubkey
}

// NewAccountCache creates a cache over the given backend. operator is the
// designated operator identity key; it never triggers a ledger fetch.
func NewAccountCache(backend ledger.Ledger, operator types.Pubkey) *AccountCache {
	return &AccountCache{
		ledger:   backend,
		operator: operator,
		entries:  make(map[types.Pubkey]*Snapshot),
	}
}

// Get returns the snapshot for key, fetching it from the ledger on first
// access. The operator key resolves to a synthesized placeholder
// unconditionally.
func (c *AccountCache) Get(key types.Pubkey) (*Snapshot, error) {
	if snap, ok := c.entries[key]; ok {
		return snap, nil
	}
	if key == c.operator {
		return c.insertOperator(), nil
	}
	account, err := c.ledger.GetAccount(key)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", key, err)
	}
	return c.insert(key, account), nil
}

// GetMultiple returns snapshots for keys in the exact order requested.
// Cached entries are served from the cache; only genuinely missing keys go
// to the ledger, in one batch, and the fresh results are spliced back into
// their original positions. Any fetch error fails the whole batch.
func (c *AccountCache) GetMultiple(keys []types.Pubkey) ([]*Snapshot, error) {
	out := make([]*Snapshot, len(keys))

	var missing []types.Pubkey
	var missingAt []int
	for i, key := range keys {
		if snap, ok := c.entries[key]; ok {
			out[i] = snap
			continue
		}
		if key == c.operator {
			out[i] = c.insertOperator()
			continue
		}
		// A key requested twice in one batch is fetched once.
		already := false
		for _, m := range missing {
			if m == key {
				already = true
				break
			}
		}
		if already {
			continue
		}
		missing = append(missing, key)
		missingAt = append(missingAt, i)
	}

	if len(missing) > 0 {
		fetched, err := c.ledger.GetMultipleAccounts(missing)
		if err != nil {
			return nil, fmt.Errorf("load %d accounts: %w", len(missing), err)
		}
		if len(fetched) != len(missing) {
			return nil, fmt.Errorf("ledger returned %d accounts for %d keys", len(fetched), len(missing))
		}
		for j, account := range fetched {
			out[missingAt[j]] = c.insert(missing[j], account)
		}
	}

	// Fill positions that shared a key with an earlier position.
	for i, key := range keys {
		if out[i] == nil {
			out[i] = c.entries[key]
		}
	}
	return out, nil
}

// Flush applies every dirty snapshot through commit, in first-load order.
// Callers invoke Flush only after all validation for the step has passed.
func (c *AccountCache) Flush(commit func(key types.Pubkey, account *ledger.Account) error) error {
	for _, key := range c.order {
		snap := c.entries[key]
		if !snap.dirty {
			continue
		}
		if err := commit(key, snap.Account); err != nil {
			return fmt.Errorf("flush account %s: %w", key, err)
		}
		snap.dirty = false
	}
	return nil
}

// Loaded reports whether key has already been loaded this step.
func (c *AccountCache) Loaded(key types.Pubkey) bool {
	_, ok := c.entries[key]
	return ok
}

func (c *AccountCache) insert(key types.Pubkey, account *ledger.Account) *Snapshot {
	snap := &Snapshot{Key: key, Account: account, Exists: account != nil}
	if account == nil {
		snap.Account = &ledger.Account{Owner: types.SystemProgramAddr}
	}
	c.entries[key] = snap
	c.order = append(c.order, key)
	return snap
}

func (c *AccountCache) insertOperator() *Snapshot {
	snap := &Snapshot{
		Key: c.operator,
		Account: &ledger.Account{
			Lamports: OperatorPlaceholderLamports,
			Owner:    types.SystemProgramAddr,
		},
		Exists: true,
	}
	c.entries[c.operator] = snap
	c.order = append(c.order, c.operator)
	return snap
}
