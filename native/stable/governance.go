package stable

import (
	"fmt"
	"sort"
	"sync"

	"stablecore/native/common"
)

// Authority answers governance role checks.
type Authority interface {
	IsOwner(account string) bool
	IsGuardian(account string) bool
}

// GuardianRegistry is implemented by authorities whose guardian set can be
// changed at runtime.
type GuardianRegistry interface {
	ExtendGuardians(accounts []string) error
	RemoveGuardians(accounts []string) error
}

// Governance is the built-in Authority: a fixed owner and a guardian set that
// is persisted when a store is supplied.
type Governance struct {
	mu        sync.RWMutex
	owner     string
	guardians map[string]struct{}
	store     Storage
}

// NewGovernance builds the authority for owner. Guardians previously
// persisted in store take precedence over the seed list.
func NewGovernance(owner string, guardians []string, store Storage) (*Governance, error) {
	g := &Governance{
		owner:     normalizeAccount(owner),
		guardians: make(map[string]struct{}),
		store:     store,
	}
	if g.owner == "" {
		return nil, fmt.Errorf("stable: owner account required")
	}
	if store != nil {
		var persisted []string
		ok, err := store.KVGet(guardiansKey, &persisted)
		if err != nil {
			return nil, fmt.Errorf("stable: load guardians: %w", err)
		}
		if ok {
			guardians = persisted
		}
	}
	for _, account := range guardians {
		if account = normalizeAccount(account); account != "" {
			g.guardians[account] = struct{}{}
		}
	}
	return g, nil
}

// Owner returns the owner account.
func (g *Governance) Owner() string {
	return g.owner
}

// IsOwner implements Authority.
func (g *Governance) IsOwner(account string) bool {
	return account != "" && normalizeAccount(account) == g.owner
}

// IsGuardian implements Authority.
func (g *Governance) IsGuardian(account string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.guardians[normalizeAccount(account)]
	return ok
}

// Guardians returns the guardian accounts in lexical order.
func (g *Governance) Guardians() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedLocked()
}

// ExtendGuardians adds accounts to the guardian set.
func (g *Governance) ExtendGuardians(accounts []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := make(map[string]struct{}, len(g.guardians)+len(accounts))
	for account := range g.guardians {
		next[account] = struct{}{}
	}
	for _, account := range accounts {
		if account = normalizeAccount(account); account != "" {
			next[account] = struct{}{}
		}
	}
	return g.replaceLocked(next)
}

// RemoveGuardians removes accounts from the guardian set. Every account must
// currently be a guardian; otherwise nothing changes.
func (g *Governance) RemoveGuardians(accounts []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := make(map[string]struct{}, len(g.guardians))
	for account := range g.guardians {
		next[account] = struct{}{}
	}
	for _, account := range accounts {
		account = normalizeAccount(account)
		if _, ok := next[account]; !ok {
			return fmt.Errorf("%w: %s", ErrNotGuardian, account)
		}
		delete(next, account)
	}
	return g.replaceLocked(next)
}

func (g *Governance) replaceLocked(next map[string]struct{}) error {
	previous := g.guardians
	g.guardians = next
	if g.store != nil {
		if err := g.store.KVPut(guardiansKey, g.sortedLocked()); err != nil {
			g.guardians = previous
			return fmt.Errorf("stable: persist guardians: %w", err)
		}
	}
	return nil
}

func (g *Governance) sortedLocked() []string {
	out := make([]string, 0, len(g.guardians))
	for account := range g.guardians {
		out = append(out, account)
	}
	sort.Strings(out)
	return out
}

// roles adapts an Authority to the common role view.
type roles struct {
	Authority
}

func (r roles) HasRole(account string, role common.Role) bool {
	if r.Authority == nil {
		return false
	}
	switch role {
	case common.RoleOwner:
		return r.IsOwner(account)
	case common.RoleGuardian:
		return r.IsGuardian(account)
	default:
		return false
	}
}
