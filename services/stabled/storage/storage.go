package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"stablecore/native/stable"
)

// Storage wraps the stabled persistence layer: the stable token ledger, the
// settlement journal and the oracle audit trail.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("stabled storage path must be configured")
	// ErrRateNotFound is returned when no rate has been recorded for an asset.
	ErrRateNotFound = errors.New("rate not found")
)

// filePragmas enable WAL so rate reads do not block ledger writes.
const filePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// FileDSN turns a database path into an on-disk SQLite DSN, creating the
// parent directory when needed.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return "", fmt.Errorf("create database directory: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, filePragmas), nil
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Ledger transactions are serialised through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db, now: time.Now}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	return s.db.PingContext(ctx)
}

func (s *Storage) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var _ stable.RateRecorder = (*Storage)(nil)

// RecordRate stores an accepted oracle rate. It satisfies stable.RateRecorder.
func (s *Storage) RecordRate(ctx context.Context, assetID string, rate stable.ExchangeRate) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if rate.Multiplier == nil {
		return fmt.Errorf("rate missing multiplier")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO rate_snapshots(asset_id, multiplier, decimals, observed_at, valid_for_ms, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, assetKey(assetID), rate.Multiplier.String(), int(rate.Decimals), rate.ObservedAt.UTC().UnixMilli(), rate.ValidFor.Milliseconds(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert rate: %w", err)
	}
	return nil
}

// LatestRate returns the most recently recorded rate for the asset.
func (s *Storage) LatestRate(ctx context.Context, assetID string) (stable.ExchangeRate, error) {
	var rate stable.ExchangeRate
	if s == nil {
		return rate, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT multiplier, decimals, observed_at, valid_for_ms
        FROM rate_snapshots
        WHERE asset_id = ?
        ORDER BY id DESC
        LIMIT 1
    `, assetKey(assetID))
	var (
		multiplier string
		decimals   int
		observed   int64
		validFor   int64
	)
	if err := row.Scan(&multiplier, &decimals, &observed, &validFor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rate, ErrRateNotFound
		}
		return rate, fmt.Errorf("query rate: %w", err)
	}
	value, err := parseAmount(multiplier)
	if err != nil {
		return rate, fmt.Errorf("decode rate: %w", err)
	}
	rate.Multiplier = value
	rate.Decimals = uint8(decimals)
	rate.ObservedAt = time.UnixMilli(observed).UTC()
	rate.ValidFor = time.Duration(validFor) * time.Millisecond
	return rate, nil
}

// Sample is a raw report returned by a single oracle source.
type Sample struct {
	Source     string
	Multiplier *big.Int
	Decimals   uint8
	ObservedAt time.Time
	RecordedAt time.Time
}

// RecordSample persists a raw oracle report.
func (s *Storage) RecordSample(ctx context.Context, assetID, source string, data stable.PriceData, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if data.Multiplier == nil {
		return fmt.Errorf("sample missing multiplier")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO price_samples(asset_id, source, multiplier, decimals, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, assetKey(assetID), strings.ToLower(strings.TrimSpace(source)), data.Multiplier.String(), int(data.Decimals), data.ObservedAt.UTC().UnixMilli(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// RecentSamples returns up to limit samples for the asset, newest first.
func (s *Storage) RecentSamples(ctx context.Context, assetID string, limit int) ([]Sample, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT source, multiplier, decimals, observed_at, recorded_at
        FROM price_samples
        WHERE asset_id = ?
        ORDER BY id DESC
        LIMIT ?
    `, assetKey(assetID), limit)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	samples := make([]Sample, 0)
	for rows.Next() {
		var (
			sample     Sample
			multiplier string
			decimals   int
			observed   int64
		)
		if err := rows.Scan(&sample.Source, &multiplier, &decimals, &observed, &sample.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if sample.Multiplier, err = parseAmount(multiplier); err != nil {
			return nil, fmt.Errorf("decode sample: %w", err)
		}
		sample.Decimals = uint8(decimals)
		sample.ObservedAt = time.UnixMilli(observed).UTC()
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return samples, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
    token TEXT NOT NULL,
    account TEXT NOT NULL,
    balance TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY(token, account)
);

CREATE TABLE IF NOT EXISTS ledger_supply (
    token TEXT PRIMARY KEY,
    total TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset_id TEXT NOT NULL,
    multiplier TEXT NOT NULL,
    decimals INTEGER NOT NULL,
    observed_at INTEGER NOT NULL,
    valid_for_ms INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rate_snapshots_asset ON rate_snapshots(asset_id, id);

CREATE TABLE IF NOT EXISTS price_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset_id TEXT NOT NULL,
    source TEXT NOT NULL,
    multiplier TEXT NOT NULL,
    decimals INTEGER NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_price_samples_asset ON price_samples(asset_id, id);

CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    account TEXT NOT NULL,
    recipient TEXT NOT NULL,
    amount TEXT NOT NULL,
    status TEXT NOT NULL,
    result TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status, created_at);
`

func assetKey(assetID string) string {
	return strings.ToLower(strings.TrimSpace(assetID))
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}
