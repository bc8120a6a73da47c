// Package fixedpoint implements the widened multiply/divide primitive used by
// every settlement computation. Operands are 128-bit unsigned integers; the
// product is accumulated in 256 bits before the narrowing division so that a
// balance multiplied by a price multiplier can never wrap around silently.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when an operand or a result does not fit in 128 bits.
	ErrOverflow = errors.New("fixedpoint: value exceeds 128 bits")
	// ErrDivisionByZero is returned when the divisor is zero.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	// ErrNegative is returned for negative operands.
	ErrNegative = errors.New("fixedpoint: negative operand")
)

// MaxExponent bounds the power of ten accepted by Pow10. 10^77 is the largest
// power of ten representable in 256 bits.
const MaxExponent = 77

// MaxUint128 is the largest value accepted as an operand or returned as a result.
var MaxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Pow10 returns 10^n as a big integer.
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// MulDiv computes floor(a*b/d).
func MulDiv(a, b, d *big.Int) (*big.Int, error) {
	x, err := narrowIn(a)
	if err != nil {
		return nil, err
	}
	y, err := narrowIn(b)
	if err != nil {
		return nil, err
	}
	den, err := toUint256(d)
	if err != nil {
		return nil, err
	}
	return mulDiv(x, y, den)
}

// MulDivPow10 computes floor(a*b/10^n).
func MulDivPow10(a, b *big.Int, n uint8) (*big.Int, error) {
	x, err := narrowIn(a)
	if err != nil {
		return nil, err
	}
	y, err := narrowIn(b)
	if err != nil {
		return nil, err
	}
	den, err := pow10(n)
	if err != nil {
		return nil, err
	}
	return mulDiv(x, y, den)
}

// MulPow10Div computes floor(a*10^n/d). The scale factor may exceed 128 bits
// as long as the final result fits.
func MulPow10Div(a *big.Int, n uint8, d *big.Int) (*big.Int, error) {
	x, err := narrowIn(a)
	if err != nil {
		return nil, err
	}
	den, err := narrowIn(d)
	if err != nil {
		return nil, err
	}
	scale, err := pow10(n)
	if err != nil {
		return nil, err
	}
	return mulDiv(x, scale, den)
}

// Scale multiplies a whole amount by 10^decimals, failing when the result does
// not fit in 128 bits.
func Scale(whole *big.Int, decimals uint8) (*big.Int, error) {
	return MulDiv(whole, Pow10(decimals), big.NewInt(1))
}

// Fits reports whether v is a non-negative integer of at most 128 bits.
func Fits(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.BitLen() <= 128
}

func mulDiv(x, y, d *uint256.Int) (*big.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	product, overflow := new(uint256.Int).MulOverflow(x, y)
	var quotient *uint256.Int
	if overflow {
		// Only reachable when a scale factor above 128 bits is involved.
		quotient, overflow = new(uint256.Int).MulDivOverflow(x, y, d)
		if overflow {
			return nil, ErrOverflow
		}
	} else {
		quotient = new(uint256.Int).Div(product, d)
	}
	if quotient.BitLen() > 128 {
		return nil, ErrOverflow
	}
	return quotient.ToBig(), nil
}

func narrowIn(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrNegative
	}
	if v.BitLen() > 128 {
		return nil, ErrOverflow
	}
	out, _ := uint256.FromBig(v)
	return out, nil
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrNegative
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

func pow10(n uint8) (*uint256.Int, error) {
	if n > MaxExponent {
		return nil, ErrOverflow
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n))), nil
}
