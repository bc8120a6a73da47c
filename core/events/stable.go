package events

import (
	"math/big"
	"strings"

	"stablecore/core/types"
)

const (
	// TypeTokenMint is emitted whenever stable tokens are created for an account.
	TypeTokenMint = "token.mint"
	// TypeTokenBurn is emitted whenever stable tokens are destroyed.
	TypeTokenBurn = "token.burn"
	// TypeStableRefund is emitted when a failed buy returns the base payment.
	TypeStableRefund = "stable.refund"
	// TypeStableRefundFailed is emitted when the refund itself could not be delivered.
	TypeStableRefundFailed = "stable.refund_failed"
	// TypeStableLiquidityAdded is emitted once pool shares have been minted.
	TypeStableLiquidityAdded = "stable.liquidity_added"
	// TypeStableTransferFailed is emitted when a sell payout was not confirmed.
	TypeStableTransferFailed = "stable.transfer_failed"
)

// TokenMint records stable tokens credited to an account.
type TokenMint struct {
	Account string
	Amount  *big.Int
	Memo    string
}

func (TokenMint) EventType() string { return TypeTokenMint }

func (e TokenMint) Event() *types.Event {
	return &types.Event{
		Type: TypeTokenMint,
		Attributes: map[string]string{
			"account": strings.TrimSpace(e.Account),
			"amount":  amountString(e.Amount),
			"memo":    strings.TrimSpace(e.Memo),
		},
	}
}

// TokenBurn records stable tokens removed from an account.
type TokenBurn struct {
	Account string
	Amount  *big.Int
	Memo    string
}

func (TokenBurn) EventType() string { return TypeTokenBurn }

func (e TokenBurn) Event() *types.Event {
	return &types.Event{
		Type: TypeTokenBurn,
		Attributes: map[string]string{
			"account": strings.TrimSpace(e.Account),
			"amount":  amountString(e.Amount),
			"memo":    strings.TrimSpace(e.Memo),
		},
	}
}

// StableRefund records the base payment returned to a buyer.
type StableRefund struct {
	Account string
	Amount  *big.Int
	Reason  string
}

func (StableRefund) EventType() string { return TypeStableRefund }

func (e StableRefund) Event() *types.Event {
	return &types.Event{
		Type: TypeStableRefund,
		Attributes: map[string]string{
			"account": strings.TrimSpace(e.Account),
			"amount":  amountString(e.Amount),
			"reason":  strings.TrimSpace(e.Reason),
		},
	}
}

// StableRefundFailed records a refund that did not reach the buyer.
type StableRefundFailed struct {
	Account string
	Amount  *big.Int
	Error   string
}

func (StableRefundFailed) EventType() string { return TypeStableRefundFailed }

func (e StableRefundFailed) Event() *types.Event {
	return &types.Event{
		Type: TypeStableRefundFailed,
		Attributes: map[string]string{
			"account": strings.TrimSpace(e.Account),
			"amount":  amountString(e.Amount),
			"error":   strings.TrimSpace(e.Error),
		},
	}
}

// StableLiquidityAdded records a completed liquidity provision.
type StableLiquidityAdded struct {
	Pool    uint64
	Shares  *big.Int
	Amounts []*big.Int
}

func (StableLiquidityAdded) EventType() string { return TypeStableLiquidityAdded }

func (e StableLiquidityAdded) Event() *types.Event {
	amounts := make([]string, len(e.Amounts))
	for i, amount := range e.Amounts {
		amounts[i] = amountString(amount)
	}
	return &types.Event{
		Type: TypeStableLiquidityAdded,
		Attributes: map[string]string{
			"pool":    new(big.Int).SetUint64(e.Pool).String(),
			"shares":  amountString(e.Shares),
			"amounts": strings.Join(amounts, ","),
		},
	}
}

// StableTransferFailed records a sell whose base payout was not confirmed.
// The burned stable amount is not restored.
type StableTransferFailed struct {
	Account string
	Amount  *big.Int
	Burned  *big.Int
	Error   string
}

func (StableTransferFailed) EventType() string { return TypeStableTransferFailed }

func (e StableTransferFailed) Event() *types.Event {
	return &types.Event{
		Type: TypeStableTransferFailed,
		Attributes: map[string]string{
			"account": strings.TrimSpace(e.Account),
			"amount":  amountString(e.Amount),
			"burned":  amountString(e.Burned),
			"error":   strings.TrimSpace(e.Error),
		},
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
