package server

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// parseUnits reads a positive integer amount in base units.
func parseUnits(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

// parseOptionalUnits is parseUnits where an empty value means zero.
func parseOptionalUnits(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

// formatUnits renders an integer amount with decimals as a whole-unit decimal
// string, trimming trailing zeros.
func formatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

func unitsString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
