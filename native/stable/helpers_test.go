package stable

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stablecore/core/async"
	"stablecore/core/events"
)

const (
	owner    = "owner.near"
	guardian = "guardian.near"
	alice    = "alice.near"
	bob      = "bob.near"
	treasury = "usn.near"
	poolAcct = "ref.near"
	usdt     = "usdt.near"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mustInt(t *testing.T, value string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		t.Fatalf("invalid integer %q", value)
	}
	return v
}

// tokens returns whole * 10^18.
func tokens(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func testRate() PriceData {
	return PriceData{
		AssetID:    "wrap.near",
		Multiplier: big.NewInt(111439),
		Decimals:   28,
		ObservedAt: testNow.Add(-time.Second),
		ValidFor:   time.Minute,
	}
}

type stubFeed struct {
	mu      sync.Mutex
	data    PriceData
	err     error
	calls   int32
	release chan struct{}
}

func (f *stubFeed) FetchPrice(ctx context.Context, assetID string) (PriceData, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return PriceData{}, f.err
	}
	data := f.data
	data.Multiplier = copyInt(f.data.Multiplier)
	return data, nil
}

func (f *stubFeed) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

type transfer struct {
	To     string
	Amount *big.Int
}

type stubTransfer struct {
	mu          sync.Mutex
	transfers   []transfer
	failSend    error
	failConfirm error
	hang        bool // Confirm blocks until its context ends
}

func (s *stubTransfer) Transfer(_ context.Context, to string, amount *big.Int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend != nil {
		return "", s.failSend
	}
	s.transfers = append(s.transfers, transfer{To: to, Amount: copyInt(amount)})
	return fmt.Sprintf("tx-%d", len(s.transfers)), nil
}

func (s *stubTransfer) Confirm(ctx context.Context, ref string) error {
	if ref == "" {
		return errors.New("empty reference")
	}
	if s.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.failConfirm
}

func (s *stubTransfer) Sent() []transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transfer(nil), s.transfers...)
}

type payment struct {
	from   string
	amount *big.Int
}

// stubCollector knows the payments made to the treasury by reference.
type stubCollector struct {
	mu       sync.Mutex
	payments map[string]payment
	calls    int
}

// pay records a payment and returns its reference.
func (c *stubCollector) pay(from string, amount *big.Int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payments == nil {
		c.payments = make(map[string]payment)
	}
	ref := fmt.Sprintf("pay-%d", len(c.payments)+1)
	c.payments[ref] = payment{from: from, amount: copyInt(amount)}
	return ref
}

func (c *stubCollector) Collect(_ context.Context, from, ref string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	p, ok := c.payments[ref]
	if !ok {
		return nil, fmt.Errorf("unknown payment %s", ref)
	}
	if p.from != from {
		return nil, fmt.Errorf("payment %s was sent by %s", ref, p.from)
	}
	return copyInt(p.amount), nil
}

func (c *stubCollector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// stubPool records deposits per token and acts as the receiver of both
// ledgers.
type stubPool struct {
	mu        sync.Mutex
	tokens    []string
	deposits  map[string]*big.Int
	added     [][]*big.Int
	shares    *big.Int
	underpay  *big.Int // deposits reported short by this amount for the asset token
	acceptCap *big.Int // maximum asset amount accepted by a transfer
	queryErr  error    // returned by Pool
}

func newStubPool(order ...string) *stubPool {
	return &stubPool{tokens: order, deposits: make(map[string]*big.Int), shares: big.NewInt(777)}
}

func (p *stubPool) OnTransfer(_ context.Context, token, _ string, amount *big.Int, _ string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := orZero(p.deposits[token])
	p.deposits[token] = new(big.Int).Add(current, amount)
	return big.NewInt(0), nil
}

func (p *stubPool) Deposits(context.Context, string) (map[string]*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*big.Int, len(p.deposits))
	for token, amount := range p.deposits {
		out[token] = new(big.Int).Set(amount)
	}
	if p.underpay != nil && out[usdt] != nil {
		out[usdt].Sub(out[usdt], p.underpay)
	}
	return out, nil
}

func (p *stubPool) Pool(context.Context, uint64) (PoolInfo, error) {
	if p.queryErr != nil {
		return PoolInfo{}, p.queryErr
	}
	return PoolInfo{Tokens: append([]string(nil), p.tokens...), Decimals: []uint8{18, 6}}, nil
}

func (p *stubPool) AddLiquidity(_ context.Context, _ uint64, amounts []*big.Int, minShares *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if minShares == nil || minShares.Sign() != 0 {
		return nil, errors.New("unexpected min shares")
	}
	p.added = append(p.added, amounts)
	return new(big.Int).Set(p.shares), nil
}

func (p *stubPool) Added() [][]*big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]*big.Int(nil), p.added...)
}

// stubAsset is the USDT ledger of the treasury.
type stubAsset struct {
	pool *stubPool
}

func (a stubAsset) TransferCall(ctx context.Context, to string, amount *big.Int, msg string) (*big.Int, error) {
	accepted := new(big.Int).Set(amount)
	if a.pool.acceptCap != nil && accepted.Cmp(a.pool.acceptCap) > 0 {
		accepted.Set(a.pool.acceptCap)
	}
	if _, err := a.pool.OnTransfer(ctx, usdt, treasury, accepted, msg); err != nil {
		return nil, err
	}
	return accepted, nil
}

type fixture struct {
	engine    *Engine
	ledger    *MemoryLedger
	feed      *stubFeed
	base      *stubTransfer
	collector *stubCollector
	pool      *stubPool
	recorder  *events.Recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, nil, opts...)
}

func newFixtureWithConfig(t *testing.T, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	gov, err := NewGovernance(owner, []string{guardian}, nil)
	if err != nil {
		t.Fatalf("governance: %v", err)
	}
	f := &fixture{
		ledger:    NewMemoryLedger(treasury),
		feed:      &stubFeed{data: testRate()},
		base:      &stubTransfer{},
		collector: &stubCollector{},
		pool:      newStubPool(treasury, usdt),
		recorder:  events.NewRecorder(0),
	}
	f.ledger.Register(poolAcct, f.pool)
	base := []Option{
		WithAuthority(gov),
		WithBaseTransfer(f.base),
		WithPaymentCollector(f.collector),
		WithAssetLedger(stubAsset{pool: f.pool}),
		WithLiquidityPool(f.pool),
		WithEmitter(f.recorder),
		WithClock(func() time.Time { return testNow }),
		WithMetrics(nil),
	}
	cfg := Config{
		Treasury:    treasury,
		AssetID:     "wrap.near",
		PoolAccount: poolAcct,
		PoolID:      3020,
		AssetToken:  usdt,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg, f.ledger, f.feed, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	return f
}

// paid records a payment of req.Amount from req.Account to the treasury and
// returns req referencing it.
func (f *fixture) paid(req SettlementRequest) SettlementRequest {
	req.PaymentRef = f.collector.pay(req.Account, req.Amount)
	return req
}

// warm fills the price cache with the test rate.
func (f *fixture) warm(t *testing.T) {
	t.Helper()
	if _, err := f.engine.Cache().Complete(context.Background(), testRate()); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, account string) *big.Int {
	t.Helper()
	balance, err := f.ledger.BalanceOf(context.Background(), account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func await[T any](t *testing.T, p *async.Promise[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Await(ctx)
}
