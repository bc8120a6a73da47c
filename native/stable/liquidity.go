package stable

import (
	"context"
	"fmt"
	"math/big"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stablecore/core/async"
	"stablecore/core/events"
	"stablecore/native/common"
	"stablecore/native/fixedpoint"
)

// LiquidityTransferRequest carries a liquidity provision through its chain.
type LiquidityTransferRequest struct {
	// WholeAmount is the amount of each asset to provide, in whole units.
	WholeAmount *big.Int
	// DepositAttached is the fee deposit the caller attached to the request.
	DepositAttached *big.Int
}

// liquidityLeg is the state handed from one liquidity step to the next.
type liquidityLeg struct {
	assetAmount  *big.Int
	stableAmount *big.Int
	deposits     map[string]*big.Int
	pool         PoolInfo
}

// ProvideLiquidity moves treasury funds of both assets into the stable pool
// and commits them as liquidity. The chain is:
//
//  1. transfer the second asset to the pool;
//  2. clamp to what the pool accepted, mint the missing stable tokens and
//     transfer the matching stable amount;
//  3. read the treasury deposits and the pool composition;
//  4. verify the deposits and add liquidity in the pool's token order.
//
// The promise resolves with the pool shares minted. Owner only.
func (e *Engine) ProvideLiquidity(ctx context.Context, caller string, req LiquidityTransferRequest) (*async.Promise[*big.Int], error) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "stable.liquidity",
		trace.WithAttributes(attribute.Int64("pool.id", int64(e.cfg.PoolID))))
	assetAmount, err := e.admitLiquidity(caller, req)
	if err != nil {
		e.observe(span, "liquidity", start, err)
		return nil, err
	}

	transferred := async.Go(ctx, func(ctx context.Context) (*big.Int, error) {
		accepted, err := e.asset.TransferCall(ctx, e.cfg.PoolAccount, assetAmount, "")
		if err != nil {
			return nil, fmt.Errorf("%w: asset transfer: %w", ErrTransferFailed, err)
		}
		return accepted, nil
	})
	deposited := async.Then(ctx, transferred, func(ctx context.Context, accepted *big.Int) (liquidityLeg, error) {
		return e.depositStable(ctx, assetAmount, accepted)
	})
	verified := async.Then(ctx, deposited, func(ctx context.Context, leg liquidityLeg) (liquidityLeg, error) {
		return e.queryPool(ctx, leg)
	})
	added := async.Then(ctx, verified, func(ctx context.Context, leg liquidityLeg) (*big.Int, error) {
		return e.addLiquidity(ctx, leg)
	})
	return async.Finally(ctx, added, func(ctx context.Context, shares *big.Int, err error) (*big.Int, error) {
		if err != nil {
			e.logger.ErrorContext(ctx, "liquidity provision failed", "pool", e.cfg.PoolID, "error", err)
		}
		e.observe(span, "liquidity", start, err)
		return shares, err
	}), nil
}

func (e *Engine) admitLiquidity(caller string, req LiquidityTransferRequest) (*big.Int, error) {
	if err := e.authorize(caller, common.RoleOwner); err != nil {
		return nil, err
	}
	if req.DepositAttached == nil || req.DepositAttached.Sign() <= 0 {
		return nil, ErrDepositRequired
	}
	if req.WholeAmount == nil || req.WholeAmount.Cmp(e.cfg.MinLiquidityWhole) < 0 {
		return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimumDeposit, e.cfg.MinLiquidityWhole)
	}
	if e.asset == nil || e.pool == nil || e.cfg.PoolAccount == "" || e.cfg.AssetToken == "" {
		return nil, fmt.Errorf("%w: liquidity pool", ErrNotConfigured)
	}
	assetAmount, err := fixedpoint.Scale(req.WholeAmount, e.cfg.AssetDecimals)
	if err != nil {
		return nil, err
	}
	// The stable leg must be representable as well.
	if _, err := fixedpoint.Scale(req.WholeAmount, TokenDecimals); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return nil, err
	}
	return assetAmount, nil
}

// depositStable clamps the provision to what the pool accepted, mints the
// shortfall against the treasury balance and transfers the stable leg.
func (e *Engine) depositStable(ctx context.Context, requested, accepted *big.Int) (liquidityLeg, error) {
	if accepted == nil || accepted.Sign() <= 0 {
		return liquidityLeg{}, fmt.Errorf("%w: pool accepted no %s", ErrTransferFailed, e.cfg.AssetToken)
	}
	assetAmount := new(big.Int).Set(requested)
	if accepted.Cmp(requested) < 0 {
		assetAmount.Set(accepted)
		e.logger.WarnContext(ctx, "partial asset transfer, clamping liquidity",
			"requested", requested.String(), "accepted", accepted.String())
	}
	stableAmount, err := fixedpoint.MulPow10Div(assetAmount, TokenDecimals-e.cfg.AssetDecimals, big.NewInt(1))
	if err != nil {
		return liquidityLeg{}, err
	}

	if err := e.mintShortfall(ctx, stableAmount); err != nil {
		return liquidityLeg{}, err
	}
	if _, err := e.ledger.TransferCall(ctx, e.cfg.Treasury, e.cfg.PoolAccount, stableAmount, ""); err != nil {
		return liquidityLeg{}, fmt.Errorf("%w: stable transfer: %w", ErrTransferFailed, err)
	}
	return liquidityLeg{assetAmount: assetAmount, stableAmount: stableAmount}, nil
}

func (e *Engine) mintShortfall(ctx context.Context, needed *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	balance, err := e.ledger.BalanceOf(ctx, e.cfg.Treasury)
	if err != nil {
		return err
	}
	if balance.Cmp(needed) >= 0 {
		return nil
	}
	mint := new(big.Int).Sub(needed, balance)
	if err := e.ledger.Deposit(ctx, e.cfg.Treasury, mint); err != nil {
		return err
	}
	e.emitter.Emit(events.TokenMint{Account: e.cfg.Treasury, Amount: copyInt(mint), Memo: "liquidity"})
	e.emitSupply(ctx, copyInt(mint), events.SupplyReasonLiquidity)
	return nil
}

// queryPool reads the treasury deposits and the pool composition concurrently.
func (e *Engine) queryPool(ctx context.Context, leg liquidityLeg) (liquidityLeg, error) {
	deposits := async.Go(ctx, func(ctx context.Context) (map[string]*big.Int, error) {
		deposits, err := e.pool.Deposits(ctx, e.cfg.Treasury)
		if err != nil {
			return nil, fmt.Errorf("stable: query deposits: %w", err)
		}
		return deposits, nil
	})
	composition := async.Go(ctx, func(ctx context.Context) (PoolInfo, error) {
		info, err := e.pool.Pool(ctx, e.cfg.PoolID)
		if err != nil {
			return PoolInfo{}, fmt.Errorf("stable: query pool %d: %w", e.cfg.PoolID, err)
		}
		return info, nil
	})
	both, err := async.Join(ctx, deposits, composition).Await(ctx)
	if err != nil {
		return liquidityLeg{}, err
	}
	leg.deposits, leg.pool = both.First, both.Second
	return leg, nil
}

func (e *Engine) addLiquidity(ctx context.Context, leg liquidityLeg) (*big.Int, error) {
	assetDeposit := orZero(leg.deposits[e.cfg.AssetToken])
	if assetDeposit.Cmp(leg.assetAmount) < 0 {
		return nil, fmt.Errorf("%w: not enough %s: %s < %s",
			ErrInsufficientDeposit, e.cfg.AssetToken, assetDeposit, leg.assetAmount)
	}
	stableDeposit := orZero(leg.deposits[e.cfg.Treasury])
	if stableDeposit.Cmp(leg.stableAmount) < 0 {
		return nil, fmt.Errorf("%w: not enough %s: %s < %s",
			ErrInsufficientDeposit, e.cfg.Symbol, stableDeposit, leg.stableAmount)
	}
	amounts := make([]*big.Int, 0, len(leg.pool.Tokens))
	for _, token := range leg.pool.Tokens {
		switch normalizeAccount(token) {
		case e.cfg.AssetToken:
			amounts = append(amounts, new(big.Int).Set(leg.assetAmount))
		case e.cfg.Treasury:
			amounts = append(amounts, new(big.Int).Set(leg.stableAmount))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedPoolToken, token)
		}
	}
	shares, err := e.pool.AddLiquidity(ctx, e.cfg.PoolID, amounts, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("stable: add liquidity: %w", err)
	}
	e.emitter.Emit(events.StableLiquidityAdded{Pool: e.cfg.PoolID, Shares: copyInt(shares), Amounts: amounts})
	e.logger.InfoContext(ctx, "liquidity added", "pool", e.cfg.PoolID, "shares", orZero(shares).String())
	return shares, nil
}
