package stable

import (
	"fmt"
	"math"
	"math/big"

	"stablecore/native/fixedpoint"
)

const (
	// SpreadDecimals is the precision of commission fractions.
	SpreadDecimals uint8 = 6
	// SpreadDenominator is 10^SpreadDecimals.
	SpreadDenominator uint64 = 1_000_000
	// MaxSpread is the largest fixed commission the owner may set (5%).
	MaxSpread uint64 = 50_000

	adaptiveCap   = 10_000_000
	adaptiveHigh  = 0.005
	adaptiveLow   = 0.001
	adaptiveSlope = 0.0000075
)

// SpreadPolicy selects how the commission of a trade is derived: either a
// fixed fraction or the adaptive curve that decays with trade size.
type SpreadPolicy struct {
	fixed   uint64
	isFixed bool
}

// FixedSpread charges value / 10^6 on every trade.
func FixedSpread(value uint64) SpreadPolicy {
	return SpreadPolicy{fixed: value, isFixed: true}
}

// AdaptiveSpread charges between 0.5% for small trades and 0.1% for trades of
// ten million tokens and above.
func AdaptiveSpread() SpreadPolicy {
	return SpreadPolicy{}
}

// Fixed returns the fixed fraction and true for fixed policies.
func (p SpreadPolicy) Fixed() (uint64, bool) {
	return p.fixed, p.isFixed
}

func (p SpreadPolicy) String() string {
	if p.isFixed {
		return fmt.Sprintf("fixed(%d)", p.fixed)
	}
	return "adaptive"
}

// Commission returns the fraction, in units of 10^-6, charged on amount
// (expressed in stable token units).
func (p SpreadPolicy) Commission(amount *big.Int) uint64 {
	if p.isFixed {
		return p.fixed
	}
	return adaptiveCommission(amount)
}

// C(v) = 0.001 + (0.005 - 0.001) * e^(-0.0000075 * v) with v the whole token
// amount clamped to [0, 10_000_000].
func adaptiveCommission(amount *big.Int) uint64 {
	whole := new(big.Int)
	if amount != nil && amount.Sign() > 0 {
		whole.Quo(amount, fixedpoint.Pow10(TokenDecimals))
	}
	v := float64(adaptiveCap)
	if whole.IsInt64() && whole.Int64() < adaptiveCap {
		v = float64(whole.Int64())
	}
	fraction := adaptiveLow + (adaptiveHigh-adaptiveLow)*math.Exp(-adaptiveSlope*v)
	return uint64(math.Round(fraction * float64(SpreadDenominator)))
}

// applySpread removes the commission from amount, rounding down.
func applySpread(amount *big.Int, commission uint64) (*big.Int, error) {
	if commission > SpreadDenominator {
		commission = SpreadDenominator
	}
	keep := new(big.Int).SetUint64(SpreadDenominator - commission)
	return fixedpoint.MulDivPow10(amount, keep, SpreadDecimals)
}
