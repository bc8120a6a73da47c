package stable

import (
	"fmt"
	"strings"
)

// Storage abstracts the key-value store holding the contract state.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// ContractStatus is either working or paused for maintenance.
type ContractStatus uint8

const (
	StatusWorking ContractStatus = iota
	StatusPaused
)

func (s ContractStatus) String() string {
	if s == StatusPaused {
		return "paused"
	}
	return "working"
}

// BlacklistStatus marks whether an account may trade.
type BlacklistStatus uint8

const (
	Allowable BlacklistStatus = iota
	Banned
)

func (s BlacklistStatus) String() string {
	if s == Banned {
		return "banned"
	}
	return "allowable"
}

// ModuleName identifies the settlement module in pause views.
const ModuleName = "stable"

var (
	statusKey       = []byte("stable/status")
	spreadKey       = []byte("stable/spread")
	guardiansKey    = []byte("stable/guardians")
	blacklistPrefix = "stable/blacklist/"
	paymentPrefix   = "stable/payment/"
)

type storedSpread struct {
	Fixed bool
	Value uint64
}

// contractState is the mutable contract state. It is guarded by the engine
// mutex and written through to the store on every change.
type contractState struct {
	store     Storage
	status    ContractStatus
	spread    SpreadPolicy
	blacklist map[string]BlacklistStatus
	payments  map[string]struct{}
}

func loadState(store Storage) (*contractState, error) {
	st := &contractState{
		store:     store,
		status:    StatusWorking,
		spread:    AdaptiveSpread(),
		blacklist: make(map[string]BlacklistStatus),
		payments:  make(map[string]struct{}),
	}
	if store == nil {
		return st, nil
	}
	var status uint8
	if ok, err := store.KVGet(statusKey, &status); err != nil {
		return nil, fmt.Errorf("stable: load status: %w", err)
	} else if ok {
		st.status = ContractStatus(status)
	}
	var spread storedSpread
	if ok, err := store.KVGet(spreadKey, &spread); err != nil {
		return nil, fmt.Errorf("stable: load spread: %w", err)
	} else if ok && spread.Fixed {
		st.spread = FixedSpread(spread.Value)
	}
	return st, nil
}

// IsPaused implements common.PauseView.
func (st *contractState) IsPaused(module string) bool {
	return module == ModuleName && st.status == StatusPaused
}

func (st *contractState) setStatus(status ContractStatus) error {
	if st.store != nil {
		if err := st.store.KVPut(statusKey, uint8(status)); err != nil {
			return fmt.Errorf("stable: persist status: %w", err)
		}
	}
	st.status = status
	return nil
}

func (st *contractState) setSpread(policy SpreadPolicy) error {
	if st.store != nil {
		value, fixed := policy.Fixed()
		if err := st.store.KVPut(spreadKey, storedSpread{Fixed: fixed, Value: value}); err != nil {
			return fmt.Errorf("stable: persist spread: %w", err)
		}
	}
	st.spread = policy
	return nil
}

func (st *contractState) blacklistStatus(account string) (BlacklistStatus, error) {
	account = normalizeAccount(account)
	if status, ok := st.blacklist[account]; ok {
		return status, nil
	}
	status := Allowable
	if st.store != nil && account != "" {
		var stored uint8
		ok, err := st.store.KVGet(blacklistKey(account), &stored)
		if err != nil {
			return Allowable, fmt.Errorf("stable: load blacklist: %w", err)
		}
		if ok {
			status = BlacklistStatus(stored)
		}
	}
	st.blacklist[account] = status
	return status, nil
}

func (st *contractState) setBlacklist(account string, status BlacklistStatus) error {
	account = normalizeAccount(account)
	if st.store != nil {
		var err error
		if status == Allowable {
			err = st.store.KVDelete(blacklistKey(account))
		} else {
			err = st.store.KVPut(blacklistKey(account), uint8(status))
		}
		if err != nil {
			return fmt.Errorf("stable: persist blacklist: %w", err)
		}
	}
	st.blacklist[account] = status
	return nil
}

func (st *contractState) paymentUsed(ref string) (bool, error) {
	if _, ok := st.payments[ref]; ok {
		return true, nil
	}
	if st.store == nil {
		return false, nil
	}
	var settled bool
	ok, err := st.store.KVGet(paymentKey(ref), &settled)
	if err != nil {
		return false, fmt.Errorf("stable: load payment: %w", err)
	}
	if ok {
		st.payments[ref] = struct{}{}
	}
	return ok, nil
}

// claimPayment marks ref as settled. A reference backs at most one buy.
func (st *contractState) claimPayment(ref string) error {
	used, err := st.paymentUsed(ref)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%w: %s", ErrPaymentUsed, ref)
	}
	if st.store != nil {
		if err := st.store.KVPut(paymentKey(ref), true); err != nil {
			return fmt.Errorf("stable: persist payment: %w", err)
		}
	}
	st.payments[ref] = struct{}{}
	return nil
}

func paymentKey(ref string) []byte {
	return []byte(paymentPrefix + ref)
}

func blacklistKey(account string) []byte {
	return []byte(blacklistPrefix + account)
}

func normalizeAccount(account string) string {
	return strings.TrimSpace(account)
}
