package stable

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"stablecore/core/async"
	"stablecore/native/fixedpoint"
	"stablecore/observability"
)

// PriceData is a report returned by the price feed.
type PriceData struct {
	AssetID    string
	Multiplier *big.Int
	Decimals   uint8
	ObservedAt time.Time
	ValidFor   time.Duration
}

// PriceFeed fetches the current price of an asset.
type PriceFeed interface {
	FetchPrice(ctx context.Context, assetID string) (PriceData, error)
}

// PriceFeedFunc adapts a function to the PriceFeed interface.
type PriceFeedFunc func(ctx context.Context, assetID string) (PriceData, error)

// FetchPrice implements PriceFeed.
func (f PriceFeedFunc) FetchPrice(ctx context.Context, assetID string) (PriceData, error) {
	return f(ctx, assetID)
}

// RateRecorder receives every accepted rate, e.g. for auditing.
type RateRecorder interface {
	RecordRate(ctx context.Context, assetID string, rate ExchangeRate) error
}

// PriceCache holds the last accepted oracle report and decides whether a
// request can be served synchronously or needs a fetch.
type PriceCache struct {
	feed     PriceFeed
	assetID  string
	clock    func() time.Time
	recorder RateRecorder
	metrics  *observability.StableMetrics
	logger   *slog.Logger

	mu   sync.RWMutex
	last *ExchangeRate
}

// NewPriceCache returns an empty cache quoting assetID through feed.
func NewPriceCache(feed PriceFeed, assetID string) *PriceCache {
	return &PriceCache{
		feed:    feed,
		assetID: strings.TrimSpace(assetID),
		clock:   time.Now,
		logger:  slog.Default(),
	}
}

// AssetID returns the asset identifier sent to the feed.
func (c *PriceCache) AssetID() string {
	return c.assetID
}

// Rate returns the cached rate when one exists and is still fresh at now.
func (c *PriceCache) Rate(now time.Time) (ExchangeRate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil || !c.last.Fresh(now) {
		return ExchangeRate{}, false
	}
	return c.last.clone(), true
}

// Last returns the cached rate regardless of freshness.
func (c *PriceCache) Last() (ExchangeRate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return ExchangeRate{}, false
	}
	return c.last.clone(), true
}

// Get returns an already resolved promise when the cached rate is fresh and
// otherwise issues exactly one fetch whose result is validated by Complete.
func (c *PriceCache) Get(ctx context.Context) *async.Promise[ExchangeRate] {
	if rate, ok := c.Rate(c.clock()); ok {
		c.metrics.RecordRateLookup("cached")
		return async.Resolve(rate)
	}
	c.metrics.RecordRateLookup("fetch")
	if c.feed == nil {
		return async.Reject[ExchangeRate](fmt.Errorf("%w: price feed", ErrNotConfigured))
	}
	return async.Go(ctx, func(ctx context.Context) (ExchangeRate, error) {
		data, err := c.feed.FetchPrice(ctx, c.assetID)
		if err != nil {
			c.metrics.RecordFetch("error")
			return ExchangeRate{}, fmt.Errorf("stable: fetch price: %w", err)
		}
		rate, err := c.Complete(ctx, data)
		if err != nil {
			c.metrics.RecordFetch(Reason(err))
			return ExchangeRate{}, err
		}
		c.metrics.RecordFetch("success")
		return rate, nil
	})
}

// Complete validates a fetched report and, when it is still fresh on arrival,
// replaces the cached rate with it.
func (c *PriceCache) Complete(ctx context.Context, data PriceData) (ExchangeRate, error) {
	if id := strings.TrimSpace(data.AssetID); id != "" && c.assetID != "" && id != c.assetID {
		return ExchangeRate{}, fmt.Errorf("%w: report for %q, want %q", ErrInvalidPrice, id, c.assetID)
	}
	rate := ExchangeRate{
		Multiplier: copyInt(data.Multiplier),
		Decimals:   data.Decimals,
		ObservedAt: data.ObservedAt,
		ValidFor:   data.ValidFor,
	}
	if !rate.Fresh(c.clock()) {
		return ExchangeRate{}, fmt.Errorf("%w: expired at %s", ErrStalePriceFeed, rate.ExpiresAt().UTC().Format(time.RFC3339))
	}
	if err := validateRate(rate); err != nil {
		return ExchangeRate{}, err
	}
	c.mu.Lock()
	stored := rate.clone()
	c.last = &stored
	c.mu.Unlock()

	if c.recorder != nil {
		if err := c.recorder.RecordRate(ctx, c.assetID, rate.clone()); err != nil {
			c.logger.Warn("stable/oracle: record rate", "asset", c.assetID, "error", err)
		}
	}
	return rate, nil
}

func validateRate(rate ExchangeRate) error {
	if rate.Multiplier == nil || rate.Multiplier.Sign() <= 0 {
		return fmt.Errorf("%w: multiplier must be positive", ErrInvalidPrice)
	}
	if !fixedpoint.Fits(rate.Multiplier) {
		return fmt.Errorf("%w: multiplier exceeds 128 bits", ErrInvalidPrice)
	}
	if rate.Decimals < TokenDecimals || rate.Decimals-TokenDecimals > fixedpoint.MaxExponent {
		return fmt.Errorf("%w: unsupported decimals %d", ErrInvalidPrice, rate.Decimals)
	}
	return nil
}
