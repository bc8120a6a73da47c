package stable

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stablecore/core/events"
	"stablecore/storage"
)

func TestBuyWorkedExampleAdaptive(t *testing.T) {
	f := newFixture(t)
	f.warm(t)

	promise, err := f.engine.Buy(context.Background(), f.paid(SettlementRequest{
		Account: alice,
		Amount:  mustInt(t, "1000000000000000000000000000000000000"),
	}))
	require.NoError(t, err)
	require.True(t, promise.Settled(), "cached buy must settle within the call")

	minted, err := promise.Result()
	require.NoError(t, err)
	want := mustInt(t, "11132756100000000000000000000000")
	require.Zero(t, want.Cmp(minted), "minted %s", minted)
	require.Zero(t, want.Cmp(f.balance(t, alice)))
	require.Zero(t, f.feed.Calls())

	mints := f.recorder.OfType(events.TypeTokenMint)
	require.Len(t, mints, 1)
	mint := mints[0].(events.TokenMint)
	require.Equal(t, alice, mint.Account)
	require.Equal(t, "buy", mint.Memo)
	supply := f.recorder.OfType(events.TypeTokenSupply)
	require.Len(t, supply, 1)
	require.Zero(t, want.Cmp(supply[0].(events.TokenSupply).Total))
}

func TestBuyWorkedExampleWithoutCommission(t *testing.T) {
	f := newFixture(t)
	f.warm(t)
	require.NoError(t, f.engine.SetFixedSpread(context.Background(), owner, 0))

	promise, err := f.engine.Buy(context.Background(), f.paid(SettlementRequest{
		Account: alice,
		Amount:  mustInt(t, "1000000000000000000000000000000000000"),
	}))
	require.NoError(t, err)
	minted, err := promise.Result()
	require.NoError(t, err)
	if minted.Cmp(mustInt(t, "11143900000000000000000000000000")) != 0 {
		t.Fatalf("unexpected mint without commission: %s", minted)
	}
}

func TestSellWorkedExample(t *testing.T) {
	f := newFixture(t)
	f.warm(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Deposit(ctx, alice, mustInt(t, "11132756100000000000000000000000")))

	sold := mustInt(t, "11088180500000000000000000000000")
	promise, err := f.engine.Sell(ctx, SettlementRequest{Account: alice, Amount: sold})
	require.NoError(t, err)
	paid, err := await(t, promise)
	require.NoError(t, err)
	want := mustInt(t, "994005000000000000000000000000000000")
	require.Zero(t, want.Cmp(paid), "paid %s", paid)

	sent := f.base.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, alice, sent[0].To)
	require.Zero(t, want.Cmp(sent[0].Amount))
	require.Zero(t, mustInt(t, "44575600000000000000000000000").Cmp(f.balance(t, alice)))

	burns := f.recorder.OfType(events.TypeTokenBurn)
	require.Len(t, burns, 1)
	require.Equal(t, "sell", burns[0].(events.TokenBurn).Memo)
}

func TestBuyToRecipient(t *testing.T) {
	f := newFixture(t)
	f.warm(t)
	promise, err := f.engine.Buy(context.Background(), f.paid(SettlementRequest{
		Account:   alice,
		Recipient: bob,
		Amount:    mustInt(t, "1000000000000000000000000"),
	}))
	require.NoError(t, err)
	minted, err := promise.Result()
	require.NoError(t, err)
	require.Zero(t, minted.Cmp(f.balance(t, bob)))
	require.Zero(t, f.balance(t, alice).Sign())
}

func TestCachedAndFetchedPathsAgree(t *testing.T) {
	cached := newFixture(t)
	cached.warm(t)
	fetched := newFixture(t)

	req := SettlementRequest{Account: alice, Amount: mustInt(t, "1000000000000000000000000000000000000")}
	p1, err := cached.engine.Buy(context.Background(), cached.paid(req))
	require.NoError(t, err)
	p2, err := fetched.engine.Buy(context.Background(), fetched.paid(req))
	require.NoError(t, err)

	a, err := await(t, p1)
	require.NoError(t, err)
	b, err := await(t, p2)
	require.NoError(t, err)
	require.Zero(t, a.Cmp(b))
	require.Equal(t, cached.recorder.Rendered(), fetched.recorder.Rendered())
	require.Zero(t, cached.feed.Calls())
	require.Equal(t, 1, fetched.feed.Calls())

	// The fetched rate is now cached.
	p3, err := fetched.engine.Buy(context.Background(), fetched.paid(req))
	require.NoError(t, err)
	require.True(t, p3.Settled())
	require.Equal(t, 1, fetched.feed.Calls())
}

func TestPendingBuyDoesNotBlockEngine(t *testing.T) {
	f := newFixture(t)
	f.feed.release = make(chan struct{})

	promise, err := f.engine.Buy(context.Background(), f.paid(SettlementRequest{
		Account: alice,
		Amount:  mustInt(t, "1000000000000000000000000"),
	}))
	require.NoError(t, err)
	require.False(t, promise.Settled())

	// Other operations proceed while the fetch is outstanding.
	require.Equal(t, StatusWorking, f.engine.Status())
	require.NoError(t, f.engine.AddToBlacklist(context.Background(), owner, bob))
	require.Zero(t, f.balance(t, alice).Sign())

	close(f.feed.release)
	minted, err := await(t, promise)
	require.NoError(t, err)
	require.Zero(t, minted.Cmp(f.balance(t, alice)))
}

func TestPendingBuySurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.feed.release = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	promise, err := f.engine.Buy(ctx, f.paid(SettlementRequest{Account: alice, Amount: mustInt(t, "1000000000000000000000000")}))
	require.NoError(t, err)
	cancel()
	close(f.feed.release)

	minted, err := await(t, promise)
	require.NoError(t, err)
	require.Positive(t, minted.Sign())
}

func TestBuyDustIsRefunded(t *testing.T) {
	f := newFixture(t)
	f.warm(t)

	promise, err := f.engine.Buy(context.Background(), f.paid(SettlementRequest{Account: alice, Amount: big.NewInt(1)}))
	require.NoError(t, err)
	_, err = promise.Result()
	require.ErrorIs(t, err, ErrZeroOutput)
	require.Empty(t, f.recorder.OfType(events.TypeTokenMint))
	supply, err := f.ledger.TotalSupply(context.Background())
	require.NoError(t, err)
	require.Zero(t, supply.Sign())

	sent := f.base.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, alice, sent[0].To)
	require.Zero(t, sent[0].Amount.Cmp(big.NewInt(1)))
	refunds := f.recorder.OfType(events.TypeStableRefund)
	require.Len(t, refunds, 1)
	require.Equal(t, "zero_output", refunds[0].(events.StableRefund).Reason)
}

func TestSellDustRejectedBeforeDebit(t *testing.T) {
	f := newFixture(t)
	f.warm(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Deposit(ctx, alice, big.NewInt(10)))

	promise, err := f.engine.Sell(ctx, SettlementRequest{Account: alice, Amount: big.NewInt(10)})
	require.NoError(t, err)
	_, err = promise.Result()
	require.ErrorIs(t, err, ErrZeroOutput)
	require.Zero(t, f.balance(t, alice).Cmp(big.NewInt(10)))
	require.Empty(t, f.base.Sent())
}

func TestSlippageBand(t *testing.T) {
	cases := []struct {
		name       string
		multiplier int64
		slippage   int64
		decimals   uint8
		wantErr    bool
	}{
		{name: "exact", multiplier: 111439, slippage: 0, decimals: 28},
		{name: "above band", multiplier: 111440, slippage: 0, decimals: 28, wantErr: true},
		{name: "below band", multiplier: 111438, slippage: 0, decimals: 28, wantErr: true},
		{name: "within tolerance", multiplier: 111440, slippage: 1, decimals: 28},
		{name: "five percent", multiplier: 115000, slippage: 5750, decimals: 28},
		{name: "different decimals", multiplier: 111439, slippage: 10, decimals: 27, wantErr: true},
		{name: "saturating lower bound", multiplier: 10, slippage: 1_000_000, decimals: 28},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.warm(t)
			promise, err := f.engine.Buy(context.Background(), f.paid(SettlementRequest{
				Account: alice,
				Amount:  mustInt(t, "1000000000000000000000000"),
				Expected: &ExpectedRate{
					Multiplier: big.NewInt(tc.multiplier),
					Slippage:   big.NewInt(tc.slippage),
					Decimals:   tc.decimals,
				},
			}))
			require.NoError(t, err)
			_, err = promise.Result()
			if tc.wantErr {
				require.ErrorIs(t, err, ErrSlippageExceeded)
				require.Zero(t, f.balance(t, alice).Sign())
				require.Len(t, f.base.Sent(), 1, "payment must be refunded")
				return
			}
			require.NoError(t, err)
			require.Positive(t, f.balance(t, alice).Sign())
		})
	}
}

func TestSellSlippageLeavesBalance(t *testing.T) {
	f := newFixture(t)
	f.warm(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Deposit(ctx, alice, tokens(100)))

	rate, ok := f.engine.CachedRate()
	require.True(t, ok)
	expected := rate.Expect(big.NewInt(0))
	expected.Multiplier = new(big.Int).Mul(big.NewInt(111439), big.NewInt(96))
	expected.Multiplier.Quo(expected.Multiplier, big.NewInt(100))
	expected.Slippage = new(big.Int).Quo(expected.Multiplier, big.NewInt(20))

	promise, err := f.engine.Sell(ctx, SettlementRequest{Account: alice, Amount: tokens(10), Expected: expected})
	require.NoError(t, err)
	_, err = promise.Result()
	require.NoError(t, err, "a 4 percent deviation lies within a 5 percent tolerance")

	expected.Multiplier = big.NewInt(100_000)
	expected.Slippage = big.NewInt(5_000)
	promise, err = f.engine.Sell(ctx, SettlementRequest{Account: alice, Amount: tokens(10), Expected: expected})
	require.NoError(t, err)
	_, err = promise.Result()
	require.ErrorIs(t, err, ErrSlippageExceeded)
	require.Zero(t, tokens(90).Cmp(f.balance(t, alice)))
}

func TestStalePriceIsRefunded(t *testing.T) {
	f := newFixture(t)
	stale := testRate()
	stale.ObservedAt = testNow.Add(-2 * time.Minute)
	f.feed.data = stale

	promise, err := f.engine.Buy(context.Background(), f.paid(SettlementRequest{Account: alice, Amount: mustInt(t, "1000000000000000000000000")}))
	require.NoError(t, err)
	_, err = await(t, promise)
	require.ErrorIs(t, err, ErrStalePriceFeed)
	require.Zero(t, f.balance(t, alice).Sign())
	require.Len(t, f.recorder.OfType(events.TypeStableRefund), 1)
	_, ok := f.engine.Cache().Last()
	require.False(t, ok, "stale reports must not be cached")
}

func TestRefundFailureIsReported(t *testing.T) {
	f := newFixture(t)
	feedErr := errors.New("oracle unavailable")
	refundErr := errors.New("rail down")
	f.feed.err = feedErr
	f.base.failSend = refundErr

	promise, err := f.engine.Buy(context.Background(), f.paid(SettlementRequest{Account: alice, Amount: big.NewInt(5)}))
	require.NoError(t, err)
	_, err = await(t, promise)
	require.ErrorIs(t, err, ErrRefundFailed)
	require.ErrorIs(t, err, feedErr)
	require.ErrorIs(t, err, refundErr)
	require.Equal(t, "refund_failed", Reason(err))

	failed := f.recorder.OfType(events.TypeStableRefundFailed)
	require.Len(t, failed, 1)
	require.Equal(t, "5", failed[0].(events.StableRefundFailed).Event().Attributes["amount"])
}

func TestSellTransferFailureKeepsDebit(t *testing.T) {
	for name, configure := range map[string]func(*stubTransfer){
		"send":    func(s *stubTransfer) { s.failSend = errors.New("send failed") },
		"confirm": func(s *stubTransfer) { s.failConfirm = errors.New("not confirmed") },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.warm(t)
			configure(f.base)
			ctx := context.Background()
			require.NoError(t, f.ledger.Deposit(ctx, alice, tokens(100)))

			promise, err := f.engine.Sell(ctx, SettlementRequest{Account: alice, Amount: tokens(40)})
			require.NoError(t, err)
			_, err = await(t, promise)
			require.ErrorIs(t, err, ErrTransferFailed)
			require.Zero(t, tokens(60).Cmp(f.balance(t, alice)))

			failed := f.recorder.OfType(events.TypeStableTransferFailed)
			require.Len(t, failed, 1)
			require.Zero(t, tokens(40).Cmp(failed[0].(events.StableTransferFailed).Burned))
		})
	}
}

func TestSellInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.warm(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Deposit(ctx, alice, tokens(5)))

	promise, err := f.engine.Sell(ctx, SettlementRequest{Account: alice, Amount: tokens(10)})
	require.NoError(t, err)
	_, err = promise.Result()
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	require.Zero(t, tokens(5).Cmp(f.balance(t, alice)))
	require.Empty(t, f.base.Sent())
	require.Empty(t, f.recorder.OfType(events.TypeTokenBurn))
}

func TestTradeAdmission(t *testing.T) {
	f := newFixture(t)
	f.warm(t)
	ctx := context.Background()

	if _, err := f.engine.Buy(ctx, SettlementRequest{Account: alice}); !errors.Is(err, ErrZeroInput) {
		t.Fatalf("expected zero input, got %v", err)
	}
	if _, err := f.engine.Sell(ctx, SettlementRequest{Account: alice, Amount: big.NewInt(0)}); !errors.Is(err, ErrZeroInput) {
		t.Fatalf("expected zero input, got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 130)
	if _, err := f.engine.Buy(ctx, SettlementRequest{Account: alice, Amount: huge}); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := f.engine.Buy(ctx, SettlementRequest{Amount: big.NewInt(1)}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for empty account, got %v", err)
	}
	require.Empty(t, f.base.Sent(), "admission failures collect nothing")
}

func TestRestrictedTrading(t *testing.T) {
	f := newFixtureWithConfig(t, func(cfg *Config) { cfg.RestrictTrading = true })
	f.warm(t)
	ctx := context.Background()
	amount := mustInt(t, "1000000000000000000000000")

	_, err := f.engine.Buy(ctx, SettlementRequest{Account: alice, Amount: amount})
	require.ErrorIs(t, err, ErrUnauthorized)

	for _, caller := range []string{owner, guardian} {
		promise, err := f.engine.Buy(ctx, f.paid(SettlementRequest{Account: caller, Amount: amount}))
		require.NoError(t, err)
		_, err = promise.Result()
		require.NoError(t, err)
	}
}

func TestRoundTripLosesOnlyCommission(t *testing.T) {
	f := newFixture(t)
	f.warm(t)
	ctx := context.Background()
	paid := mustInt(t, "1000000000000000000000000")

	buy, err := f.engine.Buy(ctx, f.paid(SettlementRequest{Account: alice, Amount: paid}))
	require.NoError(t, err)
	minted, err := buy.Result()
	require.NoError(t, err)

	sell, err := f.engine.Sell(ctx, SettlementRequest{Account: alice, Amount: minted})
	require.NoError(t, err)
	returned, err := sell.Result()
	require.NoError(t, err)

	require.Negative(t, returned.Cmp(paid), "round trip must not create value")
	floor := new(big.Int).Mul(paid, big.NewInt(99))
	floor.Quo(floor, big.NewInt(100))
	require.Positive(t, returned.Cmp(floor), "round trip lost more than two commissions: %s", returned)
	require.Zero(t, f.balance(t, alice).Sign())

	supply, err := f.engine.TotalSupply(ctx)
	require.NoError(t, err)
	require.Zero(t, supply.Sign())
}

func TestBuyRequiresVerifiedPayment(t *testing.T) {
	f := newFixture(t)
	f.warm(t)
	ctx := context.Background()
	amount := mustInt(t, "1000000000000000000000000")

	_, err := f.engine.Buy(ctx, SettlementRequest{Account: alice, Amount: amount})
	require.ErrorIs(t, err, ErrPaymentNotVerified)
	require.Equal(t, "payment_unverified", Reason(err))
	require.Zero(t, f.collector.Calls(), "a missing reference is rejected before the rail is asked")

	_, err = f.engine.Buy(ctx, SettlementRequest{Account: alice, Amount: amount, PaymentRef: "pay-404"})
	require.ErrorIs(t, err, ErrPaymentNotVerified)

	bobs := f.paid(SettlementRequest{Account: bob, Amount: amount})
	bobs.Account = alice
	_, err = f.engine.Buy(ctx, bobs)
	require.ErrorIs(t, err, ErrPaymentNotVerified)

	require.Zero(t, f.balance(t, alice).Sign())
	require.Empty(t, f.recorder.OfType(events.TypeTokenMint))
	require.Empty(t, f.base.Sent(), "nothing was collected so nothing is refunded")
	require.Empty(t, f.recorder.OfType(events.TypeStableRefund))

	// Bob's payment was not consumed by the attempt.
	promise, err := f.engine.Buy(ctx, SettlementRequest{Account: bob, Amount: amount, PaymentRef: bobs.PaymentRef})
	require.NoError(t, err)
	_, err = promise.Result()
	require.NoError(t, err)
}

func TestBuyPaymentMustMatchAmount(t *testing.T) {
	f := newFixture(t)
	f.warm(t)
	ctx := context.Background()
	paid := f.paid(SettlementRequest{Account: alice, Amount: mustInt(t, "1000000000000000000000000")})

	inflated := paid
	inflated.Amount = mustInt(t, "2000000000000000000000000")
	_, err := f.engine.Buy(ctx, inflated)
	require.ErrorIs(t, err, ErrPaymentMismatch)
	require.Equal(t, "payment_mismatch", Reason(err))
	require.Zero(t, f.balance(t, alice).Sign())
	require.Empty(t, f.base.Sent())

	promise, err := f.engine.Buy(ctx, paid)
	require.NoError(t, err)
	minted, err := promise.Result()
	require.NoError(t, err)
	require.Zero(t, minted.Cmp(f.balance(t, alice)))
}

func TestPaymentBacksOneBuy(t *testing.T) {
	store := storage.NewKV(storage.NewMemDB(), "")
	f := newFixture(t, WithStorage(store))
	f.warm(t)
	ctx := context.Background()
	req := f.paid(SettlementRequest{Account: alice, Amount: mustInt(t, "1000000000000000000000000")})

	promise, err := f.engine.Buy(ctx, req)
	require.NoError(t, err)
	minted, err := promise.Result()
	require.NoError(t, err)

	_, err = f.engine.Buy(ctx, req)
	require.ErrorIs(t, err, ErrPaymentUsed)
	require.Equal(t, "payment_used", Reason(err))
	require.Zero(t, minted.Cmp(f.balance(t, alice)))

	restarted := newFixture(t, WithStorage(store))
	restarted.warm(t)
	replay := restarted.paid(SettlementRequest{Account: alice, Amount: req.Amount})
	require.Equal(t, req.PaymentRef, replay.PaymentRef)
	_, err = restarted.engine.Buy(ctx, replay)
	require.ErrorIs(t, err, ErrPaymentUsed, "claimed references survive a restart")
}

func TestRefundReturnsCollectedPaymentToPayer(t *testing.T) {
	f := newFixture(t)
	f.warm(t)
	amount := mustInt(t, "1000000000000000000000000")

	promise, err := f.engine.Buy(context.Background(), f.paid(SettlementRequest{
		Account:   alice,
		Recipient: bob,
		Amount:    amount,
		Expected: &ExpectedRate{
			Multiplier: big.NewInt(200000),
			Slippage:   big.NewInt(0),
			Decimals:   28,
		},
	}))
	require.NoError(t, err)
	_, err = promise.Result()
	require.ErrorIs(t, err, ErrSlippageExceeded)

	sent := f.base.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, alice, sent[0].To, "the payer is refunded, not the recipient")
	require.Zero(t, amount.Cmp(sent[0].Amount))
	require.Zero(t, f.balance(t, bob).Sign())
}

func TestSellConfirmationTimesOut(t *testing.T) {
	f := newFixtureWithConfig(t, func(cfg *Config) { cfg.ConfirmTimeout = 20 * time.Millisecond })
	f.warm(t)
	f.base.hang = true
	ctx := context.Background()
	require.NoError(t, f.ledger.Deposit(ctx, alice, tokens(100)))

	promise, err := f.engine.Sell(ctx, SettlementRequest{Account: alice, Amount: tokens(40)})
	require.NoError(t, err)
	_, err = await(t, promise)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, tokens(60).Cmp(f.balance(t, alice)))
	require.Len(t, f.recorder.OfType(events.TypeStableTransferFailed), 1)
}
