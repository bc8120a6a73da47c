package stable

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stablecore/core/async"
	"stablecore/core/events"
	"stablecore/native/fixedpoint"
)

// SettlementRequest carries everything a buy or sell needs through its
// continuation chain.
type SettlementRequest struct {
	// Account is the caller. For buys it paid Amount of the base asset and is
	// refunded on failure; for sells it is debited and paid out.
	Account string
	// PaymentRef identifies the base asset payment backing a buy on the
	// payment rail. Ignored by sells.
	PaymentRef string
	// Recipient receives the minted tokens of a buy. Empty means Account.
	Recipient string
	// Amount is the base asset paid (buy) or the stable amount sold (sell).
	Amount *big.Int
	// Expected optionally bounds the rate the settlement may execute at.
	Expected *ExpectedRate
}

func (r SettlementRequest) clone() SettlementRequest {
	r.Account = normalizeAccount(r.Account)
	r.Recipient = normalizeAccount(r.Recipient)
	if r.Recipient == "" {
		r.Recipient = r.Account
	}
	r.PaymentRef = strings.TrimSpace(r.PaymentRef)
	r.Amount = copyInt(r.Amount)
	if r.Expected != nil {
		expected := ExpectedRate{
			Multiplier: copyInt(r.Expected.Multiplier),
			Slippage:   copyInt(r.Expected.Slippage),
			Decimals:   r.Expected.Decimals,
		}
		r.Expected = &expected
	}
	return r
}

// Buy converts the base asset payment in req into stable tokens credited to
// the recipient. The payment named by req.PaymentRef is verified and claimed
// first: it must come from req.Account and carry exactly req.Amount. Admission
// and collection failures are returned directly and nothing is refunded.
// Every later failure is reported through the promise after the collected
// payment has been refunded to the caller; a refund that could not be
// delivered adds ErrRefundFailed to the error. With a fresh cached rate the
// returned promise is already settled.
func (e *Engine) Buy(ctx context.Context, req SettlementRequest) (*async.Promise[*big.Int], error) {
	start := e.clock()
	req = req.clone()
	ctx, span := e.tracer.Start(ctx, "stable.buy",
		trace.WithAttributes(attribute.String("account", req.Account), attribute.String("recipient", req.Recipient)))
	if err := e.admitBuy(req); err != nil {
		e.observe(span, "buy", start, err)
		return nil, err
	}
	if err := e.collectPayment(ctx, req); err != nil {
		e.observe(span, "buy", start, err)
		return nil, err
	}
	settled := async.Then(ctx, e.cache.Get(ctx), func(ctx context.Context, rate ExchangeRate) (*big.Int, error) {
		return e.finishBuy(ctx, req, rate)
	})
	return async.Finally(ctx, settled, func(ctx context.Context, amount *big.Int, err error) (*big.Int, error) {
		if err != nil {
			err = e.refundBuy(ctx, req, err)
			amount = nil
		}
		e.observe(span, "buy", start, err)
		return amount, err
	}), nil
}

func (e *Engine) admitBuy(req SettlementRequest) error {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return ErrZeroInput
	}
	if !fixedpoint.Fits(req.Amount) {
		return ErrOverflow
	}
	if req.Account == "" {
		return fmt.Errorf("%w: account required", ErrUnauthorized)
	}
	if e.base == nil {
		return fmt.Errorf("%w: base transfer", ErrNotConfigured)
	}
	if err := e.admitTrader(req.Account); err != nil {
		return err
	}
	if e.collector == nil {
		return fmt.Errorf("%w: payment collector", ErrNotConfigured)
	}
	if req.PaymentRef == "" {
		return fmt.Errorf("%w: payment reference required", ErrPaymentNotVerified)
	}
	return nil
}

// collectPayment verifies the payment behind req and claims its reference so
// it backs at most one buy. A mismatched payment is left unclaimed.
func (e *Engine) collectPayment(ctx context.Context, req SettlementRequest) error {
	e.mu.Lock()
	used, err := e.state.paymentUsed(req.PaymentRef)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%w: %s", ErrPaymentUsed, req.PaymentRef)
	}
	paid, err := e.collector.Collect(ctx, req.Account, req.PaymentRef)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPaymentNotVerified, req.PaymentRef, err)
	}
	if paid == nil || paid.Cmp(req.Amount) != 0 {
		return fmt.Errorf("%w: %s carries %s, request claims %s", ErrPaymentMismatch, req.PaymentRef, paid, req.Amount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.state.claimPayment(req.PaymentRef); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "buy payment collected", "account", req.Account, "ref", req.PaymentRef, "amount", paid.String())
	return nil
}

// finishBuy is the single settlement step for buys, run either inside Buy or
// in the continuation of a price fetch.
func (e *Engine) finishBuy(ctx context.Context, req SettlementRequest, rate ExchangeRate) (*big.Int, error) {
	if err := req.Expected.Check(rate); err != nil {
		return nil, err
	}
	gross, err := fixedpoint.MulDivPow10(req.Amount, rate.Multiplier, rate.shift())
	if err != nil {
		return nil, fmt.Errorf("stable: convert payment: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	commission := e.state.spread.Commission(gross)
	net, err := applySpread(gross, commission)
	if err != nil {
		return nil, fmt.Errorf("stable: apply spread: %w", err)
	}
	if net.Sign() == 0 {
		return nil, fmt.Errorf("%w: payment of %s exchanges to 0 tokens", ErrZeroOutput, req.Amount)
	}
	if err := e.ledger.Deposit(ctx, req.Recipient, net); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.TokenMint{Account: req.Recipient, Amount: copyInt(net), Memo: "buy"})
	e.emitSupply(ctx, copyInt(net), events.SupplyReasonBuy)
	e.logger.InfoContext(ctx, "buy settled",
		"account", req.Account, "recipient", req.Recipient,
		"payment", req.Amount.String(), "amount", net.String(), "spread", commission)
	return net, nil
}

// refundBuy returns the collected payment of a failed buy to the payer, never
// to the recipient, and reports the outcome joined with the settlement error.
// req.Amount equals the verified payment, so the refund never exceeds what
// was collected.
func (e *Engine) refundBuy(ctx context.Context, req SettlementRequest, cause error) error {
	err := e.payout(ctx, req.Account, req.Amount)
	if err == nil {
		e.metrics.RecordRefund("success")
		e.emitter.Emit(events.StableRefund{Account: req.Account, Amount: copyInt(req.Amount), Reason: Reason(cause)})
		e.logger.InfoContext(ctx, "buy refunded", "account", req.Account, "amount", req.Amount.String(), "reason", Reason(cause))
		return cause
	}
	e.metrics.RecordRefund("failed")
	e.emitter.Emit(events.StableRefundFailed{Account: req.Account, Amount: copyInt(req.Amount), Error: err.Error()})
	e.logger.ErrorContext(ctx, "buy refund failed",
		"account", req.Account, "amount", req.Amount.String(), "cause", cause.Error(), "error", err)
	return errors.Join(cause, fmt.Errorf("%w: %w", ErrRefundFailed, err))
}

// Sell burns req.Amount stable tokens from the caller and pays out the base
// asset. The debit is not reversed when the payout fails; the promise then
// reports ErrTransferFailed.
func (e *Engine) Sell(ctx context.Context, req SettlementRequest) (*async.Promise[*big.Int], error) {
	start := e.clock()
	req = req.clone()
	req.Recipient = req.Account
	ctx, span := e.tracer.Start(ctx, "stable.sell", trace.WithAttributes(attribute.String("account", req.Account)))
	if err := e.admitSell(req); err != nil {
		e.observe(span, "sell", start, err)
		return nil, err
	}
	sold := async.Then(ctx, e.cache.Get(ctx), func(ctx context.Context, rate ExchangeRate) (*big.Int, error) {
		return e.finishSell(ctx, req, rate)
	})
	transferred := async.Then(ctx, sold, func(ctx context.Context, out *big.Int) (payout, error) {
		ref, err := e.base.Transfer(ctx, req.Account, out)
		if err != nil {
			return payout{}, e.transferFailed(ctx, req, out, err)
		}
		return payout{amount: out, ref: ref}, nil
	})
	confirmed := async.Then(ctx, transferred, func(ctx context.Context, p payout) (*big.Int, error) {
		if err := e.confirm(ctx, p.ref); err != nil {
			return nil, e.transferFailed(ctx, req, p.amount, err)
		}
		return p.amount, nil
	})
	return async.Finally(ctx, confirmed, func(_ context.Context, amount *big.Int, err error) (*big.Int, error) {
		e.observe(span, "sell", start, err)
		return amount, err
	}), nil
}

type payout struct {
	amount *big.Int
	ref    string
}

func (e *Engine) admitSell(req SettlementRequest) error {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return ErrZeroInput
	}
	if !fixedpoint.Fits(req.Amount) {
		return ErrOverflow
	}
	if req.Account == "" {
		return fmt.Errorf("%w: account required", ErrUnauthorized)
	}
	if e.base == nil {
		return fmt.Errorf("%w: base transfer", ErrNotConfigured)
	}
	return e.admitTrader(req.Account)
}

// finishSell is the single settlement step for sells. It returns the base
// amount owed to the seller after burning the sold tokens.
func (e *Engine) finishSell(ctx context.Context, req SettlementRequest, rate ExchangeRate) (*big.Int, error) {
	if err := req.Expected.Check(rate); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	commission := e.state.spread.Commission(req.Amount)
	sell, err := applySpread(req.Amount, commission)
	if err != nil {
		return nil, fmt.Errorf("stable: apply spread: %w", err)
	}
	out, err := fixedpoint.MulPow10Div(sell, rate.shift(), rate.Multiplier)
	if err != nil {
		return nil, fmt.Errorf("stable: convert tokens: %w", err)
	}
	if out.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s tokens exchange to 0", ErrZeroOutput, req.Amount)
	}
	if err := e.ledger.Withdraw(ctx, req.Account, req.Amount); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.TokenBurn{Account: req.Account, Amount: copyInt(req.Amount), Memo: "sell"})
	e.emitSupply(ctx, new(big.Int).Neg(req.Amount), events.SupplyReasonSell)
	e.logger.InfoContext(ctx, "sell settled",
		"account", req.Account, "amount", req.Amount.String(), "payout", out.String(), "spread", commission)
	return out, nil
}

func (e *Engine) transferFailed(ctx context.Context, req SettlementRequest, amount *big.Int, cause error) error {
	e.emitter.Emit(events.StableTransferFailed{
		Account: req.Account,
		Amount:  copyInt(amount),
		Burned:  copyInt(req.Amount),
		Error:   cause.Error(),
	})
	e.logger.ErrorContext(ctx, "sell payout failed, debit kept",
		"account", req.Account, "payout", amount.String(), "burned", req.Amount.String(), "error", cause)
	return fmt.Errorf("%w: %w", ErrTransferFailed, cause)
}

// payout sends amount of the base asset and waits for confirmation.
func (e *Engine) payout(ctx context.Context, to string, amount *big.Int) error {
	if e.base == nil {
		return fmt.Errorf("%w: base transfer", ErrNotConfigured)
	}
	ref, err := e.base.Transfer(ctx, to, amount)
	if err != nil {
		return err
	}
	return e.confirm(ctx, ref)
}

// confirm waits for ref at most ConfirmTimeout. Chains run on contexts without
// a deadline, so the bound is applied here.
func (e *Engine) confirm(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()
	if err := e.base.Confirm(ctx, ref); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("confirmation of %s not received within %s: %w", ref, e.cfg.ConfirmTimeout, err)
		}
		return err
	}
	return nil
}
