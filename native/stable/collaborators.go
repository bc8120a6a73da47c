package stable

import (
	"context"
	"math/big"
)

// Ledger is the stable token ledger. Deposit and Withdraw mint and burn;
// TransferCall moves tokens to a receiver that may hand part of them back and
// returns the amount the receiver kept.
type Ledger interface {
	BalanceOf(ctx context.Context, account string) (*big.Int, error)
	TotalSupply(ctx context.Context) (*big.Int, error)
	Deposit(ctx context.Context, account string, amount *big.Int) error
	Withdraw(ctx context.Context, account string, amount *big.Int) error
	TransferCall(ctx context.Context, from, to string, amount *big.Int, msg string) (*big.Int, error)
}

// TransferReceiver is notified by a ledger when tokens arrive through
// TransferCall. It returns the unused amount to refund to the sender.
type TransferReceiver interface {
	OnTransfer(ctx context.Context, token, sender string, amount *big.Int, msg string) (*big.Int, error)
}

// BaseTransfer moves the base asset out of the treasury. Transfer submits the
// payment and returns a reference; Confirm blocks until it is final.
type BaseTransfer interface {
	Transfer(ctx context.Context, to string, amount *big.Int) (string, error)
	Confirm(ctx context.Context, ref string) error
}

// FuncTransfer adapts callback functions to the BaseTransfer interface.
type FuncTransfer struct {
	TransferFunc func(ctx context.Context, to string, amount *big.Int) (string, error)
	ConfirmFunc  func(ctx context.Context, ref string) error
}

// Transfer delegates to the configured callback.
func (f FuncTransfer) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if f.TransferFunc == nil {
		return "", ErrNotConfigured
	}
	return f.TransferFunc(ctx, to, amount)
}

// Confirm delegates to the configured callback. A missing callback confirms
// immediately.
func (f FuncTransfer) Confirm(ctx context.Context, ref string) error {
	if f.ConfirmFunc == nil {
		return nil
	}
	return f.ConfirmFunc(ctx, ref)
}

// AssetLedger is the ledger of the second asset (USDT) held by the treasury.
// TransferCall returns the amount the receiver accepted.
type AssetLedger interface {
	TransferCall(ctx context.Context, to string, amount *big.Int, msg string) (*big.Int, error)
}

// PaymentCollector verifies the base asset payment backing a buy. Collect
// returns the amount the rail recorded under ref as sent by from to the
// treasury, and fails while the payment is unknown, unsettled or sent by
// another account.
type PaymentCollector interface {
	Collect(ctx context.Context, from, ref string) (*big.Int, error)
}

// FuncCollector adapts a function to the PaymentCollector interface.
type FuncCollector func(ctx context.Context, from, ref string) (*big.Int, error)

// Collect implements PaymentCollector.
func (f FuncCollector) Collect(ctx context.Context, from, ref string) (*big.Int, error) {
	return f(ctx, from, ref)
}

// PoolInfo describes a stable liquidity pool. Tokens fixes the order in which
// AddLiquidity expects amounts.
type PoolInfo struct {
	Tokens            []string
	Decimals          []uint8
	Amounts           []*big.Int
	SharesTotalSupply *big.Int
}

// LiquidityPool is the external pool the treasury provides liquidity to.
type LiquidityPool interface {
	Deposits(ctx context.Context, account string) (map[string]*big.Int, error)
	Pool(ctx context.Context, poolID uint64) (PoolInfo, error)
	AddLiquidity(ctx context.Context, poolID uint64, amounts []*big.Int, minShares *big.Int) (*big.Int, error)
}
