package stable

import (
	"errors"

	"stablecore/native/common"
	"stablecore/native/fixedpoint"
)

var (
	ErrSlippageExceeded    = errors.New("stable: slippage exceeded")
	ErrZeroOutput          = errors.New("stable: amount exchanges to zero")
	ErrZeroInput           = errors.New("stable: amount must be positive")
	ErrStalePriceFeed      = errors.New("stable: oracle provided an outdated price")
	ErrInvalidPrice        = errors.New("stable: invalid price data")
	ErrTransferFailed      = errors.New("stable: transfer has failed")
	ErrRefundFailed        = errors.New("stable: refund failed")
	ErrUnexpectedPoolToken = errors.New("stable: unexpected token in the pool")
	ErrInsufficientDeposit = errors.New("stable: insufficient pool deposit")
	ErrInsufficientBalance = errors.New("stable: insufficient balance")
	ErrSpreadTooLarge      = errors.New("stable: spread exceeds limit")
	ErrBanned              = errors.New("stable: account is banned")
	ErrNotBanned           = errors.New("stable: account is not banned")
	ErrNoBalance           = errors.New("stable: account has no balance")
	ErrNotGuardian         = errors.New("stable: account is not a guardian")
	ErrBelowMinimumDeposit = errors.New("stable: below minimum liquidity amount")
	ErrDepositRequired     = errors.New("stable: attached deposit required")
	ErrNotConfigured       = errors.New("stable: collaborator not configured")
	ErrPaymentNotVerified  = errors.New("stable: payment not verified")
	ErrPaymentMismatch     = errors.New("stable: payment does not match the amount")
	ErrPaymentUsed         = errors.New("stable: payment already settled")

	// ErrOverflow aborts a computation whose operands or result exceed 128 bits.
	ErrOverflow = fixedpoint.ErrOverflow
	// ErrPaused is returned while the contract is under maintenance.
	ErrPaused = common.ErrModulePaused
	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = common.ErrUnauthorized
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrRefundFailed, "refund_failed"},
	{ErrPaymentNotVerified, "payment_unverified"},
	{ErrPaymentMismatch, "payment_mismatch"},
	{ErrPaymentUsed, "payment_used"},
	{ErrSlippageExceeded, "slippage"},
	{ErrZeroOutput, "zero_output"},
	{ErrZeroInput, "zero_input"},
	{ErrStalePriceFeed, "stale_price"},
	{ErrInvalidPrice, "invalid_price"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrUnexpectedPoolToken, "unexpected_pool_token"},
	{ErrInsufficientDeposit, "insufficient_deposit"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrSpreadTooLarge, "spread_too_large"},
	{ErrBanned, "banned"},
	{ErrNotBanned, "not_banned"},
	{ErrNoBalance, "no_balance"},
	{ErrNotGuardian, "not_guardian"},
	{ErrBelowMinimumDeposit, "below_minimum"},
	{ErrDepositRequired, "deposit_required"},
	{ErrNotConfigured, "not_configured"},
	{ErrOverflow, "overflow"},
	{ErrPaused, "paused"},
	{ErrUnauthorized, "unauthorized"},
}

// Reason maps err onto a stable, low cardinality label. Nil maps to the empty
// string.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}
