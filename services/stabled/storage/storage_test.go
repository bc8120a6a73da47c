package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stablecore/native/stable"
)

func TestRecordRateAndLatest(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	if _, err := store.LatestRate(ctx, "wrap.near"); !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("expected ErrRateNotFound, got %v", err)
	}
	observed := time.UnixMilli(1_700_000_000_123).UTC()
	first := stable.ExchangeRate{Multiplier: big.NewInt(111000), Decimals: 28, ObservedAt: observed, ValidFor: 90 * time.Second}
	second := stable.ExchangeRate{Multiplier: big.NewInt(111439), Decimals: 28, ObservedAt: observed.Add(time.Second), ValidFor: 90 * time.Second}
	for _, rate := range []stable.ExchangeRate{first, second} {
		if err := store.RecordRate(ctx, "WRAP.near", rate); err != nil {
			t.Fatalf("record rate: %v", err)
		}
	}
	latest, err := store.LatestRate(ctx, "wrap.near")
	if err != nil {
		t.Fatalf("latest rate: %v", err)
	}
	if latest.Multiplier.Cmp(second.Multiplier) != 0 || latest.Decimals != 28 {
		t.Fatalf("unexpected rate: %+v", latest)
	}
	if !latest.ObservedAt.Equal(second.ObservedAt) || latest.ValidFor != 90*time.Second {
		t.Fatalf("unexpected timing: %s %s", latest.ObservedAt, latest.ValidFor)
	}
}

func TestRecordSamples(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_100, 0)
	for i, source := range []string{"Primary", "backup"} {
		data := stable.PriceData{Multiplier: big.NewInt(int64(111400 + i)), Decimals: 28, ObservedAt: now}
		if err := store.RecordSample(ctx, "wrap.near", source, data, now); err != nil {
			t.Fatalf("record sample: %v", err)
		}
	}
	if err := store.RecordSample(ctx, "wrap.near", "broken", stable.PriceData{}, now); err == nil {
		t.Fatalf("expected missing multiplier error")
	}
	samples, err := store.RecentSamples(ctx, "wrap.near", 10)
	if err != nil {
		t.Fatalf("recent samples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("unexpected sample count %d", len(samples))
	}
	if samples[0].Source != "backup" || samples[1].Source != "primary" {
		t.Fatalf("unexpected order: %+v", samples)
	}
	if samples[0].Multiplier.Int64() != 111401 {
		t.Fatalf("unexpected multiplier %s", samples[0].Multiplier)
	}
}

func TestSettlementJournal(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	buy, err := store.CreateSettlement(ctx, KindBuy, " alice.near ", "bob.near", big.NewInt(1000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if buy.ID == "" || buy.Status != StatusPending || buy.Account != "alice.near" {
		t.Fatalf("unexpected settlement: %+v", buy)
	}
	if err := store.CompleteSettlement(ctx, buy.ID, big.NewInt(990), nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	loaded, err := store.Settlement(ctx, buy.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != StatusSettled || loaded.Result.Int64() != 990 || loaded.Amount.Int64() != 1000 {
		t.Fatalf("unexpected settled entry: %+v", loaded)
	}
	if err := store.CompleteSettlement(ctx, buy.ID, nil, nil); !errors.Is(err, ErrSettlementNotFound) {
		t.Fatalf("expected second completion to fail, got %v", err)
	}

	sell, err := store.CreateSettlement(ctx, KindSell, "alice.near", "alice.near", big.NewInt(5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cause := fmt.Errorf("payout: %w", stable.ErrTransferFailed)
	if err := store.CompleteSettlement(ctx, sell.ID, nil, cause); err != nil {
		t.Fatalf("complete: %v", err)
	}
	failed, err := store.Settlement(ctx, sell.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if failed.Status != StatusFailed || failed.Reason != "transfer_failed" || failed.Result != nil {
		t.Fatalf("unexpected failed entry: %+v", failed)
	}
	if !strings.Contains(failed.Error, "transfer has failed") {
		t.Fatalf("unexpected error text %q", failed.Error)
	}

	if _, err := store.Settlement(ctx, "missing"); !errors.Is(err, ErrSettlementNotFound) {
		t.Fatalf("expected ErrSettlementNotFound, got %v", err)
	}
}

func TestFailPending(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	pending, err := store.CreateSettlement(ctx, KindLiquidity, "owner.near", "", big.NewInt(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done, err := store.CreateSettlement(ctx, KindBuy, "alice.near", "alice.near", big.NewInt(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CompleteSettlement(ctx, done.ID, big.NewInt(1), nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	n, err := store.FailPending(ctx)
	if err != nil {
		t.Fatalf("fail pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one interrupted settlement, got %d", n)
	}
	loaded, _ := store.Settlement(ctx, pending.ID)
	if loaded.Status != StatusFailed || loaded.Reason != ReasonInterrupted {
		t.Fatalf("unexpected entry: %+v", loaded)
	}
	kept, _ := store.Settlement(ctx, done.ID)
	if kept.Status != StatusSettled {
		t.Fatalf("settled entry must not change: %+v", kept)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open("  "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	if _, err := FileDSN(""); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	dir := filepath.Join(t.TempDir(), "nested")
	dsn, err := FileDSN(filepath.Join(dir, "stabled.sqlite"))
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:/") || !strings.Contains(dsn, "journal_mode(WAL)") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected database directory to be created: %v", err)
	}
}

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := Open(fmt.Sprintf("file:stabled_%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
