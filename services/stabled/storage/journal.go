package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"stablecore/native/stable"
)

// ErrSettlementNotFound is returned when a settlement id is unknown.
var ErrSettlementNotFound = errors.New("settlement not found")

// SettlementKind names the operation a journal entry tracks.
type SettlementKind string

const (
	KindBuy       SettlementKind = "buy"
	KindSell      SettlementKind = "sell"
	KindLiquidity SettlementKind = "liquidity"
)

// SettlementStatus is the lifecycle state of a journal entry.
type SettlementStatus string

const (
	StatusPending SettlementStatus = "pending"
	StatusSettled SettlementStatus = "settled"
	StatusFailed  SettlementStatus = "failed"
)

// ReasonInterrupted marks settlements that were still pending when the
// daemon stopped.
const ReasonInterrupted = "interrupted"

// Settlement is a journal entry for a buy, sell or liquidity provision whose
// continuation chain may finish after the HTTP request returned.
type Settlement struct {
	ID        string
	Kind      SettlementKind
	Account   string
	Recipient string
	Amount    *big.Int
	Status    SettlementStatus
	Result    *big.Int
	Reason    string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateSettlement journals a new pending settlement.
func (s *Storage) CreateSettlement(ctx context.Context, kind SettlementKind, account, recipient string, amount *big.Int) (Settlement, error) {
	if s == nil {
		return Settlement{}, fmt.Errorf("storage not configured")
	}
	if amount == nil {
		amount = new(big.Int)
	}
	now := s.now().UTC()
	rec := Settlement{
		ID:        uuid.NewString(),
		Kind:      kind,
		Account:   strings.TrimSpace(account),
		Recipient: strings.TrimSpace(recipient),
		Amount:    new(big.Int).Set(amount),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO settlements(id, kind, account, recipient, amount, status, created_at, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
    `, rec.ID, string(rec.Kind), rec.Account, rec.Recipient, rec.Amount.String(), string(rec.Status), now, now)
	if err != nil {
		return Settlement{}, fmt.Errorf("insert settlement: %w", err)
	}
	return rec, nil
}

// CompleteSettlement records the outcome of a settlement. A nil cause marks it
// settled with result; otherwise it is failed with the cause's reason label.
func (s *Storage) CompleteSettlement(ctx context.Context, id string, result *big.Int, cause error) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	status := StatusSettled
	resultText, reason, errText := "", "", ""
	if cause != nil {
		status = StatusFailed
		reason = stable.Reason(cause)
		errText = cause.Error()
	} else if result != nil {
		resultText = result.String()
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE settlements
        SET status = ?, result = ?, reason = ?, error = ?, updated_at = ?
        WHERE id = ? AND status = ?
    `, string(status), resultText, reason, errText, s.now().UTC(), strings.TrimSpace(id), string(StatusPending))
	if err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s is not pending", ErrSettlementNotFound, id)
	}
	return nil
}

// Settlement loads a journal entry by id.
func (s *Storage) Settlement(ctx context.Context, id string) (Settlement, error) {
	if s == nil {
		return Settlement{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT id, kind, account, recipient, amount, status, result, reason, error, created_at, updated_at
        FROM settlements
        WHERE id = ?
    `, strings.TrimSpace(id))
	rec, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Settlement{}, ErrSettlementNotFound
	}
	return rec, err
}

// FailPending marks every pending settlement as interrupted and returns how
// many were updated. It runs at startup, before any new chain is issued.
func (s *Storage) FailPending(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE settlements
        SET status = ?, reason = ?, updated_at = ?
        WHERE status = ?
    `, string(StatusFailed), ReasonInterrupted, s.now().UTC(), string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("fail pending settlements: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row rowScanner) (Settlement, error) {
	var (
		rec    Settlement
		kind   string
		status string
		amount string
		result string
	)
	if err := row.Scan(&rec.ID, &kind, &rec.Account, &rec.Recipient, &amount, &status, &result, &rec.Reason, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan settlement: %w", err)
	}
	rec.Kind = SettlementKind(kind)
	rec.Status = SettlementStatus(status)
	value, err := parseAmount(amount)
	if err != nil {
		return rec, fmt.Errorf("decode settlement amount: %w", err)
	}
	rec.Amount = value
	if result != "" {
		if rec.Result, err = parseAmount(result); err != nil {
			return rec, fmt.Errorf("decode settlement result: %w", err)
		}
	}
	return rec, nil
}
