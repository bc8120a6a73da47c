// Package oracle aggregates upstream price sources into the single report the
// settlement engine consumes.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stablecore/native/stable"
)

// futureTolerance bounds how far ahead of the local clock a report may be.
const futureTolerance = 5 * time.Second

// Source resolves a price report for an asset.
type Source interface {
	Name() string
	Fetch(ctx context.Context, assetID string) (stable.PriceData, error)
}

// SampleRecorder persists every accepted source report.
type SampleRecorder interface {
	RecordSample(ctx context.Context, assetID, source string, data stable.PriceData, recorded time.Time) error
}

// RateSink receives aggregated reports, typically the engine's price cache.
type RateSink interface {
	AssetID() string
	Complete(ctx context.Context, data stable.PriceData) (stable.ExchangeRate, error)
}

// Manager queries the configured sources and reduces their reports to a
// median. It is the engine's stable.PriceFeed and, through Run, keeps the
// engine's cache warm.
type Manager struct {
	logger   *slog.Logger
	recorder SampleRecorder
	sources  []Source
	minFeeds int
	maxAge   time.Duration
	validFor time.Duration
	interval time.Duration
	clock    func() time.Time
	once     sync.Once
}

var _ stable.PriceFeed = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder persists accepted source reports.
func WithRecorder(r SampleRecorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithClock overrides the clock used for the age checks.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New constructs a manager instance. validFor is the validity window stamped
// on aggregated reports.
func New(sources []Source, interval, maxAge, validFor time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if validFor <= 0 {
		return nil, fmt.Errorf("validity window must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	if minFeeds > len(sources) {
		return nil, fmt.Errorf("min feeds %d exceeds %d sources", minFeeds, len(sources))
	}
	mgr := &Manager{
		logger:   slog.Default(),
		sources:  append([]Source{}, sources...),
		minFeeds: minFeeds,
		maxAge:   maxAge,
		validFor: validFor,
		interval: interval,
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	mgr.logger = mgr.logger.With("component", "stabled/oracle")
	return mgr, nil
}

// Run blocks, pushing a fresh aggregate into sink every interval until the
// context is cancelled.
func (m *Manager) Run(ctx context.Context, sink RateSink) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	if sink == nil {
		return fmt.Errorf("rate sink required")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", "sources", len(m.sources), "interval", m.interval.String())
	})
	for {
		if _, err := m.Tick(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle for the sink's asset and hands the
// result to sink.
func (m *Manager) Tick(ctx context.Context, sink RateSink) (stable.ExchangeRate, error) {
	data, err := m.FetchPrice(ctx, sink.AssetID())
	if err != nil {
		return stable.ExchangeRate{}, err
	}
	return sink.Complete(ctx, data)
}

// FetchPrice queries every source concurrently and returns the median of the
// reports that pass the sanity filters. The report is observed at the oldest
// accepted observation so its validity never outlives any input.
func (m *Manager) FetchPrice(ctx context.Context, assetID string) (stable.PriceData, error) {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return stable.PriceData{}, fmt.Errorf("asset id required")
	}
	now := m.clock()
	reports := make([]*stable.PriceData, len(m.sources))
	var g errgroup.Group
	for i, src := range m.sources {
		if src == nil {
			continue
		}
		g.Go(func() error {
			data, err := src.Fetch(ctx, assetID)
			if err != nil {
				m.logger.Warn("source failed", "source", src.Name(), "asset", assetID, "error", err)
				return nil
			}
			if reason := m.reject(data, now); reason != "" {
				m.logger.Warn("source report rejected", "source", src.Name(), "asset", assetID, "reason", reason)
				return nil
			}
			reports[i] = &data
			return nil
		})
	}
	_ = g.Wait()

	accepted := make([]stable.PriceData, 0, len(reports))
	for i, data := range reports {
		if data == nil {
			continue
		}
		accepted = append(accepted, *data)
		if m.recorder != nil {
			if err := m.recorder.RecordSample(ctx, assetID, m.sources[i].Name(), *data, now); err != nil {
				m.logger.Warn("record sample", "source", m.sources[i].Name(), "error", err)
			}
		}
	}
	if len(accepted) < m.minFeeds {
		return stable.PriceData{}, fmt.Errorf("%w: %d of %d required feeds for %s", stable.ErrInvalidPrice, len(accepted), m.minFeeds, assetID)
	}
	return aggregate(assetID, accepted, m.validFor), nil
}

func (m *Manager) reject(data stable.PriceData, now time.Time) string {
	switch {
	case data.Multiplier == nil || data.Multiplier.Sign() <= 0:
		return "invalid multiplier"
	case data.Decimals < stable.TokenDecimals:
		return "unsupported decimals"
	case data.ObservedAt.IsZero():
		return "missing timestamp"
	case data.ObservedAt.After(now.Add(futureTolerance)):
		return "future timestamp"
	case data.ObservedAt.Before(now.Add(-m.maxAge)):
		return "expired"
	default:
		return ""
	}
}

// aggregate rescales every report to the finest precision seen and takes the
// median multiplier. An even number of reports averages the middle pair,
// rounding down.
func aggregate(assetID string, reports []stable.PriceData, validFor time.Duration) stable.PriceData {
	decimals := reports[0].Decimals
	observed := reports[0].ObservedAt
	for _, r := range reports[1:] {
		if r.Decimals > decimals {
			decimals = r.Decimals
		}
		if r.ObservedAt.Before(observed) {
			observed = r.ObservedAt
		}
	}
	values := make([]*big.Int, len(reports))
	for i, r := range reports {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-r.Decimals)), nil)
		values[i] = new(big.Int).Mul(r.Multiplier, scale)
	}
	sort.Slice(values, func(i, j int) bool {
		return values[i].Cmp(values[j]) < 0
	})
	mid := len(values) / 2
	median := new(big.Int).Set(values[mid])
	if len(values)%2 == 0 {
		median.Add(values[mid-1], values[mid])
		median.Rsh(median, 1)
	}
	return stable.PriceData{
		AssetID:    assetID,
		Multiplier: median,
		Decimals:   decimals,
		ObservedAt: observed,
		ValidFor:   validFor,
	}
}
