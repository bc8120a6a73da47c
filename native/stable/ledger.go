package stable

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"stablecore/native/fixedpoint"
)

// MemoryLedger is an in-process Ledger. Receivers registered for an account
// are notified on TransferCall.
type MemoryLedger struct {
	token string

	mu        sync.Mutex
	balances  map[string]*big.Int
	supply    *big.Int
	receivers map[string]TransferReceiver
}

// NewMemoryLedger returns an empty ledger for token.
func NewMemoryLedger(token string) *MemoryLedger {
	return &MemoryLedger{
		token:     token,
		balances:  make(map[string]*big.Int),
		supply:    new(big.Int),
		receivers: make(map[string]TransferReceiver),
	}
}

// Register installs r as the receiver for account.
func (l *MemoryLedger) Register(account string, r TransferReceiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receivers[normalizeAccount(account)] = r
}

func (l *MemoryLedger) BalanceOf(_ context.Context, account string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(account)), nil
}

func (l *MemoryLedger) TotalSupply(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.supply), nil
}

func (l *MemoryLedger) Deposit(_ context.Context, account string, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := new(big.Int).Add(l.balanceLocked(account), amount)
	supply := new(big.Int).Add(l.supply, amount)
	if !fixedpoint.Fits(balance) || !fixedpoint.Fits(supply) {
		return ErrOverflow
	}
	l.balances[normalizeAccount(account)] = balance
	l.supply = supply
	return nil
}

func (l *MemoryLedger) Withdraw(_ context.Context, account string, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balanceLocked(account)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, account, balance, amount)
	}
	l.balances[normalizeAccount(account)] = new(big.Int).Sub(balance, amount)
	l.supply = new(big.Int).Sub(l.supply, amount)
	return nil
}

// TransferCall moves amount from one account to another, notifies the
// receiver and hands back whatever it reports as unused. A failing receiver
// gets nothing.
func (l *MemoryLedger) TransferCall(ctx context.Context, from, to string, amount *big.Int, msg string) (*big.Int, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	l.mu.Lock()
	if err := l.moveLocked(from, to, amount); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	receiver := l.receivers[normalizeAccount(to)]
	l.mu.Unlock()

	unused := new(big.Int)
	if receiver != nil {
		returned, err := receiver.OnTransfer(ctx, l.token, from, new(big.Int).Set(amount), msg)
		switch {
		case err != nil:
			unused.Set(amount)
		case returned != nil && returned.Sign() > 0:
			unused.Set(returned)
		}
	}
	if unused.Cmp(amount) > 0 {
		unused.Set(amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if available := l.balanceLocked(to); unused.Cmp(available) > 0 {
		unused.Set(available)
	}
	if unused.Sign() > 0 {
		if err := l.moveLocked(to, from, unused); err != nil {
			return nil, err
		}
	}
	return new(big.Int).Sub(amount, unused), nil
}

func (l *MemoryLedger) moveLocked(from, to string, amount *big.Int) error {
	balance := l.balanceLocked(from)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from, balance, amount)
	}
	l.balances[normalizeAccount(from)] = new(big.Int).Sub(balance, amount)
	l.balances[normalizeAccount(to)] = new(big.Int).Add(l.balanceLocked(to), amount)
	return nil
}

func (l *MemoryLedger) balanceLocked(account string) *big.Int {
	if balance, ok := l.balances[normalizeAccount(account)]; ok {
		return balance
	}
	return new(big.Int)
}

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroInput
	}
	if !fixedpoint.Fits(amount) {
		return ErrOverflow
	}
	return nil
}
