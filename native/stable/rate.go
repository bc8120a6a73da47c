package stable

import (
	"fmt"
	"math/big"
	"time"

	"stablecore/native/fixedpoint"
)

// TokenDecimals is the number of decimals of the stable token.
const TokenDecimals uint8 = 18

// ExchangeRate is an oracle quote of the base asset in stable units:
// price = Multiplier / 10^(Decimals - TokenDecimals) per base unit.
type ExchangeRate struct {
	Multiplier *big.Int
	Decimals   uint8
	ObservedAt time.Time
	ValidFor   time.Duration
}

// ExpiresAt is the first instant at which the rate is no longer usable.
func (r ExchangeRate) ExpiresAt() time.Time {
	return r.ObservedAt.Add(r.ValidFor)
}

// Fresh reports whether the rate may be used at now.
func (r ExchangeRate) Fresh(now time.Time) bool {
	return now.Before(r.ExpiresAt())
}

// Expect builds an ExpectedRate around r with the supplied tolerance.
func (r ExchangeRate) Expect(slippage *big.Int) *ExpectedRate {
	return &ExpectedRate{Multiplier: copyInt(r.Multiplier), Slippage: copyInt(slippage), Decimals: r.Decimals}
}

func (r ExchangeRate) clone() ExchangeRate {
	r.Multiplier = copyInt(r.Multiplier)
	return r
}

// shift is the power of ten separating the quote precision from token units.
func (r ExchangeRate) shift() uint8 {
	return r.Decimals - TokenDecimals
}

// ExpectedRate is the caller's declared tolerance band around the rate it
// observed when building the request.
type ExpectedRate struct {
	Multiplier *big.Int
	Slippage   *big.Int
	Decimals   uint8
}

// Check fails with ErrSlippageExceeded unless the decimals match and the
// actual multiplier lies within [Multiplier-Slippage, Multiplier+Slippage].
// The lower bound saturates at zero. A nil expectation accepts any rate.
func (e *ExpectedRate) Check(actual ExchangeRate) error {
	if e == nil {
		return nil
	}
	multiplier := orZero(e.Multiplier)
	slippage := orZero(e.Slippage)
	if multiplier.Sign() < 0 || slippage.Sign() < 0 {
		return fmt.Errorf("%w: negative expectation", ErrSlippageExceeded)
	}
	if actual.Decimals != e.Decimals {
		return fmt.Errorf("%w: different decimals %d != %d", ErrSlippageExceeded, actual.Decimals, e.Decimals)
	}
	low := new(big.Int).Sub(multiplier, slippage)
	if low.Sign() < 0 {
		low.SetInt64(0)
	}
	high := new(big.Int).Add(multiplier, slippage)
	if high.Cmp(fixedpoint.MaxUint128) > 0 {
		high.Set(fixedpoint.MaxUint128)
	}
	rate := orZero(actual.Multiplier)
	if rate.Cmp(low) < 0 || rate.Cmp(high) > 0 {
		return fmt.Errorf("%w: fresh exchange rate %s is out of expected range %s +/- %s",
			ErrSlippageExceeded, rate, multiplier, slippage)
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
