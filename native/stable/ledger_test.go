package stable

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

type refundingReceiver struct {
	unused *big.Int
	err    error
}

func (r refundingReceiver) OnTransfer(context.Context, string, string, *big.Int, string) (*big.Int, error) {
	return r.unused, r.err
}

func TestMemoryLedgerTransferCallRefundsUnused(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name     string
		receiver TransferReceiver
		wantUsed int64
	}{
		{name: "no receiver", receiver: nil, wantUsed: 100},
		{name: "partial", receiver: refundingReceiver{unused: big.NewInt(30)}, wantUsed: 70},
		{name: "over refund", receiver: refundingReceiver{unused: big.NewInt(500)}, wantUsed: 0},
		{name: "failing receiver", receiver: refundingReceiver{err: errors.New("boom")}, wantUsed: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := NewMemoryLedger("usn")
			if tc.receiver != nil {
				ledger.Register(bob, tc.receiver)
			}
			if err := ledger.Deposit(ctx, alice, big.NewInt(100)); err != nil {
				t.Fatalf("deposit: %v", err)
			}
			used, err := ledger.TransferCall(ctx, alice, bob, big.NewInt(100), "")
			if err != nil {
				t.Fatalf("transfer call: %v", err)
			}
			if used.Int64() != tc.wantUsed {
				t.Fatalf("used %s, want %d", used, tc.wantUsed)
			}
			aliceBalance, _ := ledger.BalanceOf(ctx, alice)
			bobBalance, _ := ledger.BalanceOf(ctx, bob)
			if bobBalance.Int64() != tc.wantUsed || aliceBalance.Int64() != 100-tc.wantUsed {
				t.Fatalf("unexpected balances alice=%s bob=%s", aliceBalance, bobBalance)
			}
			supply, _ := ledger.TotalSupply(ctx)
			if supply.Int64() != 100 {
				t.Fatalf("transfers must not change supply, got %s", supply)
			}
		})
	}
}

func TestMemoryLedgerRejectsInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger("usn")
	if err := ledger.Deposit(ctx, alice, big.NewInt(0)); !errors.Is(err, ErrZeroInput) {
		t.Fatalf("expected zero input, got %v", err)
	}
	if err := ledger.Withdraw(ctx, alice, big.NewInt(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	limit := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	if err := ledger.Deposit(ctx, alice, limit); err != nil {
		t.Fatalf("deposit max: %v", err)
	}
	if err := ledger.Deposit(ctx, bob, big.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected supply overflow, got %v", err)
	}
	if _, err := ledger.TransferCall(ctx, bob, alice, big.NewInt(1), ""); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}
