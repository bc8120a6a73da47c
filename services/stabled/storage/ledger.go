package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"stablecore/native/fixedpoint"
	"stablecore/native/stable"
)

var _ stable.Ledger = (*Ledger)(nil)

// Ledger is a sqlite backed stable.Ledger for a single token. Every mutation
// runs in its own transaction; TransferCall notifies the registered receiver
// between the transfer and the refund of the unused amount.
type Ledger struct {
	store *Storage
	token string

	mu        sync.RWMutex
	receivers map[string]stable.TransferReceiver
}

// Ledger returns the ledger for token.
func (s *Storage) Ledger(token string) *Ledger {
	return &Ledger{
		store:     s,
		token:     strings.TrimSpace(token),
		receivers: make(map[string]stable.TransferReceiver),
	}
}

// Token returns the token identifier the ledger tracks.
func (l *Ledger) Token() string {
	return l.token
}

// Register installs r as the receiver notified for transfers to account.
func (l *Ledger) Register(account string, r stable.TransferReceiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receivers[strings.TrimSpace(account)] = r
}

func (l *Ledger) receiver(account string) stable.TransferReceiver {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.receivers[strings.TrimSpace(account)]
}

func (l *Ledger) BalanceOf(ctx context.Context, account string) (*big.Int, error) {
	var balance *big.Int
	err := l.store.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, err = l.balanceTx(ctx, tx, account)
		return err
	})
	return balance, err
}

func (l *Ledger) TotalSupply(ctx context.Context) (*big.Int, error) {
	var supply *big.Int
	err := l.store.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		supply, err = l.supplyTx(ctx, tx)
		return err
	})
	return supply, err
}

func (l *Ledger) Deposit(ctx context.Context, account string, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	return l.store.withTx(ctx, func(tx *sql.Tx) error {
		balance, err := l.balanceTx(ctx, tx, account)
		if err != nil {
			return err
		}
		supply, err := l.supplyTx(ctx, tx)
		if err != nil {
			return err
		}
		balance.Add(balance, amount)
		supply.Add(supply, amount)
		if !fixedpoint.Fits(balance) || !fixedpoint.Fits(supply) {
			return stable.ErrOverflow
		}
		if err := l.setBalanceTx(ctx, tx, account, balance); err != nil {
			return err
		}
		return l.setSupplyTx(ctx, tx, supply)
	})
}

func (l *Ledger) Withdraw(ctx context.Context, account string, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	return l.store.withTx(ctx, func(tx *sql.Tx) error {
		balance, err := l.balanceTx(ctx, tx, account)
		if err != nil {
			return err
		}
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s has %s, needs %s", stable.ErrInsufficientBalance, account, balance, amount)
		}
		supply, err := l.supplyTx(ctx, tx)
		if err != nil {
			return err
		}
		if err := l.setBalanceTx(ctx, tx, account, balance.Sub(balance, amount)); err != nil {
			return err
		}
		return l.setSupplyTx(ctx, tx, supply.Sub(supply, amount))
	})
}

// TransferCall moves amount to the receiver, notifies it outside of any
// transaction and moves back whatever it reports as unused. A failing
// receiver keeps nothing.
func (l *Ledger) TransferCall(ctx context.Context, from, to string, amount *big.Int, msg string) (*big.Int, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	if err := l.store.withTx(ctx, func(tx *sql.Tx) error {
		return l.moveTx(ctx, tx, from, to, amount)
	}); err != nil {
		return nil, err
	}

	unused := new(big.Int)
	if receiver := l.receiver(to); receiver != nil {
		returned, err := receiver.OnTransfer(ctx, l.token, strings.TrimSpace(from), new(big.Int).Set(amount), msg)
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
	if unused.Sign() > 0 {
		err := l.store.withTx(ctx, func(tx *sql.Tx) error {
			available, err := l.balanceTx(ctx, tx, to)
			if err != nil {
				return err
			}
			if unused.Cmp(available) > 0 {
				unused.Set(available)
			}
			if unused.Sign() == 0 {
				return nil
			}
			return l.moveTx(ctx, tx, to, from, unused)
		})
		if err != nil {
			return nil, err
		}
	}
	return new(big.Int).Sub(amount, unused), nil
}

func (l *Ledger) moveTx(ctx context.Context, tx *sql.Tx, from, to string, amount *big.Int) error {
	fromBalance, err := l.balanceTx(ctx, tx, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", stable.ErrInsufficientBalance, from, fromBalance, amount)
	}
	if err := l.setBalanceTx(ctx, tx, from, fromBalance.Sub(fromBalance, amount)); err != nil {
		return err
	}
	toBalance, err := l.balanceTx(ctx, tx, to)
	if err != nil {
		return err
	}
	return l.setBalanceTx(ctx, tx, to, toBalance.Add(toBalance, amount))
}

func (l *Ledger) balanceTx(ctx context.Context, tx *sql.Tx, account string) (*big.Int, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `
        SELECT balance FROM ledger_accounts WHERE token = ? AND account = ?
    `, l.token, strings.TrimSpace(account)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return parseAmount(raw)
}

func (l *Ledger) setBalanceTx(ctx context.Context, tx *sql.Tx, account string, balance *big.Int) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO ledger_accounts(token, account, balance, updated_at)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(token, account) DO UPDATE SET
            balance=excluded.balance,
            updated_at=excluded.updated_at
    `, l.token, strings.TrimSpace(account), balance.String(), l.store.now().UTC())
	if err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

func (l *Ledger) supplyTx(ctx context.Context, tx *sql.Tx) (*big.Int, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `
        SELECT total FROM ledger_supply WHERE token = ?
    `, l.token).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query supply: %w", err)
	}
	return parseAmount(raw)
}

func (l *Ledger) setSupplyTx(ctx context.Context, tx *sql.Tx, supply *big.Int) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO ledger_supply(token, total)
        VALUES(?, ?)
        ON CONFLICT(token) DO UPDATE SET total=excluded.total
    `, l.token, supply.String())
	if err != nil {
		return fmt.Errorf("save supply: %w", err)
	}
	return nil
}

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return stable.ErrZeroInput
	}
	if !fixedpoint.Fits(amount) {
		return stable.ErrOverflow
	}
	return nil
}
