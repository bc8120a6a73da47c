package stable

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordedRates struct {
	rates []ExchangeRate
	err   error
}

func (r *recordedRates) RecordRate(_ context.Context, _ string, rate ExchangeRate) error {
	r.rates = append(r.rates, rate)
	return r.err
}

func newTestCache(feed PriceFeed) *PriceCache {
	cache := NewPriceCache(feed, "wrap.near")
	cache.clock = func() time.Time { return testNow }
	return cache
}

func TestRateFreshness(t *testing.T) {
	rate := ExchangeRate{Multiplier: big.NewInt(1), Decimals: 18, ObservedAt: testNow, ValidFor: time.Minute}
	require.True(t, rate.Fresh(testNow))
	require.True(t, rate.Fresh(testNow.Add(time.Minute-time.Nanosecond)))
	require.False(t, rate.Fresh(testNow.Add(time.Minute)), "a rate is unusable at its expiry instant")
}

func TestCompleteValidatesReports(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PriceData)
		want   error
	}{
		{name: "zero multiplier", mutate: func(d *PriceData) { d.Multiplier = big.NewInt(0) }, want: ErrInvalidPrice},
		{name: "nil multiplier", mutate: func(d *PriceData) { d.Multiplier = nil }, want: ErrInvalidPrice},
		{name: "wide multiplier", mutate: func(d *PriceData) { d.Multiplier = new(big.Int).Lsh(big.NewInt(1), 128) }, want: ErrInvalidPrice},
		{name: "low decimals", mutate: func(d *PriceData) { d.Decimals = 17 }, want: ErrInvalidPrice},
		{name: "other asset", mutate: func(d *PriceData) { d.AssetID = "usdc.near" }, want: ErrInvalidPrice},
		{name: "expired", mutate: func(d *PriceData) { d.ObservedAt = testNow.Add(-time.Minute) }, want: ErrStalePriceFeed},
		{name: "no validity", mutate: func(d *PriceData) { d.ValidFor = 0 }, want: ErrStalePriceFeed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cache := newTestCache(nil)
			data := testRate()
			tc.mutate(&data)
			_, err := cache.Complete(context.Background(), data)
			require.ErrorIs(t, err, tc.want)
			_, ok := cache.Last()
			require.False(t, ok)
		})
	}
}

func TestCompleteRecordsAcceptedRates(t *testing.T) {
	cache := newTestCache(nil)
	recorder := &recordedRates{err: errors.New("journal offline")}
	cache.recorder = recorder

	rate, err := cache.Complete(context.Background(), testRate())
	require.NoError(t, err, "recorder failures must not reject the rate")
	require.Len(t, recorder.rates, 1)
	require.Zero(t, rate.Multiplier.Cmp(recorder.rates[0].Multiplier))

	cached, ok := cache.Rate(testNow)
	require.True(t, ok)
	require.Equal(t, uint8(28), cached.Decimals)
	// The cached copy is not aliased with the returned rate.
	rate.Multiplier.SetInt64(1)
	cached, _ = cache.Rate(testNow)
	require.Zero(t, cached.Multiplier.Cmp(big.NewInt(111439)))
}

func TestGetIssuesOneFetchWhenStale(t *testing.T) {
	feed := &stubFeed{data: testRate()}
	cache := newTestCache(feed)

	pending := cache.Get(context.Background())
	rate, err := await(t, pending)
	require.NoError(t, err)
	require.Zero(t, rate.Multiplier.Cmp(big.NewInt(111439)))
	require.Equal(t, 1, feed.Calls())

	resolved := cache.Get(context.Background())
	require.True(t, resolved.Settled())
	require.Equal(t, 1, feed.Calls())

	cache.clock = func() time.Time { return testNow.Add(time.Hour) }
	_, err = await(t, cache.Get(context.Background()))
	require.ErrorIs(t, err, ErrStalePriceFeed, "the feed still reports the old observation")
	require.Equal(t, 2, feed.Calls())
}

func TestGetWithoutFeed(t *testing.T) {
	_, err := await(t, newTestCache(nil).Get(context.Background()))
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestFeedFuncAdapter(t *testing.T) {
	var asked string
	feed := PriceFeedFunc(func(_ context.Context, assetID string) (PriceData, error) {
		asked = assetID
		return testRate(), nil
	})
	_, err := await(t, newTestCache(feed).Get(context.Background()))
	require.NoError(t, err)
	require.Equal(t, "wrap.near", asked)
}
