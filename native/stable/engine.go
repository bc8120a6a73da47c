package stable

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stablecore/core/events"
	"stablecore/native/common"
	"stablecore/observability"
)

// DefaultMinLiquidityWhole is the smallest liquidity provision, in whole units.
const DefaultMinLiquidityWhole = 1_000_000

// Config captures the static parameters of a settlement engine.
type Config struct {
	// Treasury is the account holding the contract's own balances. It is also
	// the identifier the liquidity pool uses for the stable token.
	Treasury string
	// Symbol is the stable token ticker.
	Symbol string
	// AssetID is the identifier quoted by the price feed.
	AssetID string
	// PoolAccount receives both assets during liquidity provision.
	PoolAccount string
	// PoolID selects the stable pool.
	PoolID uint64
	// AssetToken is the pool identifier of the second asset.
	AssetToken string
	// AssetDecimals is the precision of the second asset.
	AssetDecimals uint8
	// MinLiquidityWhole is the minimum liquidity provision in whole units.
	MinLiquidityWhole *big.Int
	// RestrictTrading limits Buy and Sell to the owner and guardians.
	RestrictTrading bool
	// ConfirmTimeout bounds how long a payout waits for confirmation. Zero
	// means DefaultConfirmTimeout.
	ConfirmTimeout time.Duration
}

// DefaultConfirmTimeout bounds payout confirmation when Config leaves it unset.
const DefaultConfirmTimeout = 2 * time.Minute

func (c Config) withDefaults() Config {
	c.Treasury = normalizeAccount(c.Treasury)
	c.PoolAccount = normalizeAccount(c.PoolAccount)
	c.AssetToken = normalizeAccount(c.AssetToken)
	if strings.TrimSpace(c.Symbol) == "" {
		c.Symbol = "USN"
	}
	if c.AssetDecimals == 0 {
		c.AssetDecimals = 6
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.MinLiquidityWhole == nil {
		c.MinLiquidityWhole = big.NewInt(DefaultMinLiquidityWhole)
	}
	return c
}

// Engine settles buys and sells of the stable token against the base asset
// and provides treasury liquidity to the stable pool.
type Engine struct {
	cfg       Config
	ledger    Ledger
	cache     *PriceCache
	authority Authority
	base      BaseTransfer
	collector PaymentCollector
	asset     AssetLedger
	pool      LiquidityPool
	emitter   events.Emitter
	store     Storage
	recorder  RateRecorder
	clock     func() time.Time
	metrics   *observability.StableMetrics
	tracer    trace.Tracer
	logger    *slog.Logger

	// mu serialises state transitions. It is never held across calls to the
	// feed, the pool or the transfer rails.
	mu    sync.Mutex
	state *contractState
}

// Option customises the engine instance.
type Option func(*Engine)

// WithAuthority supplies the governance role checks.
func WithAuthority(a Authority) Option {
	return func(e *Engine) { e.authority = a }
}

// WithBaseTransfer supplies the base asset payout rail used for sell payouts
// and buy refunds.
func WithBaseTransfer(t BaseTransfer) Option {
	return func(e *Engine) { e.base = t }
}

// WithPaymentCollector supplies the verification of buy payments.
func WithPaymentCollector(c PaymentCollector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithAssetLedger supplies the second asset ledger used by liquidity provision.
func WithAssetLedger(l AssetLedger) Option {
	return func(e *Engine) { e.asset = l }
}

// WithLiquidityPool supplies the external stable pool.
func WithLiquidityPool(p LiquidityPool) Option {
	return func(e *Engine) { e.pool = p }
}

// WithEmitter routes structured events to em.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithStorage persists status, spread policy and blacklist in s.
func WithStorage(s Storage) Option {
	return func(e *Engine) { e.store = s }
}

// WithRateRecorder records every accepted oracle rate.
func WithRateRecorder(r RateRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the engine clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics overrides the metrics registry. Nil disables metrics.
func WithMetrics(m *observability.StableMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine constructs an Engine, restoring persisted state when a store is
// configured.
func NewEngine(cfg Config, ledger Ledger, feed PriceFeed, opts ...Option) (*Engine, error) {
	if ledger == nil {
		return nil, fmt.Errorf("stable: ledger required")
	}
	if feed == nil {
		return nil, fmt.Errorf("stable: price feed required")
	}
	cfg = cfg.withDefaults()
	if cfg.Treasury == "" {
		return nil, fmt.Errorf("stable: treasury account required")
	}
	if cfg.AssetDecimals > TokenDecimals {
		return nil, fmt.Errorf("stable: asset decimals %d exceed token decimals", cfg.AssetDecimals)
	}
	e := &Engine{
		cfg:     cfg,
		ledger:  ledger,
		emitter: events.NoopEmitter{},
		clock:   time.Now,
		metrics: observability.Stable(),
		tracer:  otel.Tracer("stable/engine"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.emitter == nil {
		e.emitter = events.NoopEmitter{}
	}
	e.logger = e.logger.With("component", "stable/engine")
	state, err := loadState(e.store)
	if err != nil {
		return nil, err
	}
	e.state = state
	e.cache = NewPriceCache(feed, cfg.AssetID)
	e.cache.clock = e.clock
	e.cache.recorder = e.recorder
	e.cache.metrics = e.metrics
	e.cache.logger = e.logger
	return e, nil
}

// Config returns the engine parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

// Decimals returns the stable token precision.
func (e *Engine) Decimals() uint8 {
	return TokenDecimals
}

// Symbol returns the stable token ticker.
func (e *Engine) Symbol() string {
	return e.cfg.Symbol
}

// StablePoolID returns the pool liquidity is provided to.
func (e *Engine) StablePoolID() uint64 {
	return e.cfg.PoolID
}

// CachedRate returns the cached oracle rate when it is still fresh.
func (e *Engine) CachedRate() (ExchangeRate, bool) {
	return e.cache.Rate(e.clock())
}

// Cache exposes the price cache.
func (e *Engine) Cache() *PriceCache {
	return e.cache
}

// BalanceOf returns the stable balance of account.
func (e *Engine) BalanceOf(ctx context.Context, account string) (*big.Int, error) {
	return e.ledger.BalanceOf(ctx, account)
}

// TotalSupply returns the stable token supply.
func (e *Engine) TotalSupply(ctx context.Context) (*big.Int, error) {
	return e.ledger.TotalSupply(ctx)
}

// Status reports whether the contract is working or paused.
func (e *Engine) Status() ContractStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.status
}

// Pause stops trading, liquidity and administrative changes. Owner or
// guardian only.
func (e *Engine) Pause(ctx context.Context, caller string) error {
	if err := e.authorize(caller, common.RoleOwner, common.RoleGuardian); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.state.setStatus(StatusPaused); err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "contract paused", "caller", caller)
	return nil
}

// Resume lifts a pause. Owner only.
func (e *Engine) Resume(ctx context.Context, caller string) error {
	if err := e.authorize(caller, common.RoleOwner); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.state.setStatus(StatusWorking); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "contract resumed", "caller", caller)
	return nil
}

// Spread returns the commission, in units of 10^-6, charged on amount under
// the current policy.
func (e *Engine) Spread(amount *big.Int) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.spread.Commission(amount)
}

// SpreadPolicy returns the current policy.
func (e *Engine) SpreadPolicy() SpreadPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.spread
}

// SetFixedSpread switches to a fixed commission of value / 10^6. Values above
// MaxSpread are rejected and leave the current policy in place.
func (e *Engine) SetFixedSpread(ctx context.Context, caller string, value uint64) error {
	if err := e.authorize(caller, common.RoleOwner); err != nil {
		return err
	}
	if value > MaxSpread {
		return fmt.Errorf("%w: %d > %d", ErrSpreadTooLarge, value, MaxSpread)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return err
	}
	if err := e.state.setSpread(FixedSpread(value)); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "spread updated", "policy", e.state.spread.String())
	return nil
}

// SetAdaptiveSpread switches to the adaptive commission curve.
func (e *Engine) SetAdaptiveSpread(ctx context.Context, caller string) error {
	if err := e.authorize(caller, common.RoleOwner); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return err
	}
	if err := e.state.setSpread(AdaptiveSpread()); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "spread updated", "policy", "adaptive")
	return nil
}

// BlacklistStatus returns whether account may trade.
func (e *Engine) BlacklistStatus(account string) (BlacklistStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.blacklistStatus(account)
}

// AddToBlacklist bans account from trading. Owner only.
func (e *Engine) AddToBlacklist(ctx context.Context, caller, account string) error {
	return e.updateBlacklist(ctx, caller, account, Banned)
}

// RemoveFromBlacklist allows account to trade again. Owner only.
func (e *Engine) RemoveFromBlacklist(ctx context.Context, caller, account string) error {
	return e.updateBlacklist(ctx, caller, account, Allowable)
}

func (e *Engine) updateBlacklist(ctx context.Context, caller, account string, status BlacklistStatus) error {
	if err := e.authorize(caller, common.RoleOwner); err != nil {
		return err
	}
	if normalizeAccount(account) == "" {
		return fmt.Errorf("stable: account required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return err
	}
	if err := e.state.setBlacklist(account, status); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "blacklist updated", "account", account, "status", status.String())
	return nil
}

// DestroyBlackFunds burns the whole balance of a banned account and returns
// the burned amount. Owner only.
func (e *Engine) DestroyBlackFunds(ctx context.Context, caller, account string) (*big.Int, error) {
	if err := e.authorize(caller, common.RoleOwner); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return nil, err
	}
	status, err := e.state.blacklistStatus(account)
	if err != nil {
		return nil, err
	}
	if status != Banned {
		return nil, fmt.Errorf("%w: %s", ErrNotBanned, account)
	}
	balance, err := e.ledger.BalanceOf(ctx, account)
	if err != nil {
		return nil, err
	}
	if balance == nil || balance.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBalance, account)
	}
	if err := e.ledger.Withdraw(ctx, account, balance); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.TokenBurn{Account: account, Amount: copyInt(balance), Memo: "blacklist"})
	e.emitSupply(ctx, new(big.Int).Neg(balance), events.SupplyReasonBlacklist)
	e.logger.WarnContext(ctx, "destroyed black funds", "account", account, "amount", balance.String())
	return copyInt(balance), nil
}

// ExtendGuardians adds guardians. Owner only.
func (e *Engine) ExtendGuardians(ctx context.Context, caller string, accounts []string) error {
	registry, err := e.guardianRegistry(caller)
	if err != nil {
		return err
	}
	if err := registry.ExtendGuardians(accounts); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "guardians extended", "count", len(accounts))
	return nil
}

// RemoveGuardians removes guardians. Owner only; every account must be a
// guardian.
func (e *Engine) RemoveGuardians(ctx context.Context, caller string, accounts []string) error {
	registry, err := e.guardianRegistry(caller)
	if err != nil {
		return err
	}
	if err := registry.RemoveGuardians(accounts); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "guardians removed", "count", len(accounts))
	return nil
}

func (e *Engine) guardianRegistry(caller string) (GuardianRegistry, error) {
	if err := e.authorize(caller, common.RoleOwner); err != nil {
		return nil, err
	}
	registry, ok := e.authority.(GuardianRegistry)
	if !ok {
		return nil, fmt.Errorf("%w: guardian registry", ErrNotConfigured)
	}
	return registry, nil
}

func (e *Engine) authorize(caller string, allowed ...common.Role) error {
	if err := common.Authorize(roles{e.authority}, normalizeAccount(caller), allowed...); err != nil {
		return fmt.Errorf("%w: %s", err, caller)
	}
	return nil
}

// guardLocked fails while the contract is paused.
func (e *Engine) guardLocked() error {
	return common.Guard(e.state, ModuleName)
}

// admitTrader validates the caller of a trade before anything is collected.
func (e *Engine) admitTrader(caller string) error {
	if e.cfg.RestrictTrading {
		if err := e.authorize(caller, common.RoleOwner, common.RoleGuardian); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return err
	}
	status, err := e.state.blacklistStatus(caller)
	if err != nil {
		return err
	}
	if status != Allowable {
		return fmt.Errorf("%w: %s", ErrBanned, caller)
	}
	return nil
}

func (e *Engine) emitSupply(ctx context.Context, delta *big.Int, reason string) {
	total, err := e.ledger.TotalSupply(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "read total supply", "error", err)
		return
	}
	e.metrics.SetSupply(total, TokenDecimals)
	e.emitter.Emit(events.TokenSupply{Token: e.cfg.Symbol, Total: total, Delta: delta, Reason: reason})
}

// observe closes an operation span and records its metrics.
func (e *Engine) observe(span trace.Span, operation string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, operation+" settled")
	}
	span.SetAttributes(attribute.String("stable.outcome", outcomeLabel(err)))
	span.End()
	e.metrics.Observe(operation, e.clock().Sub(start), Reason(err))
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return Reason(err)
}
