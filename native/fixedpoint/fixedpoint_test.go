package fixedpoint

import (
	"errors"
	"math/big"
	"testing"
)

func mustInt(t *testing.T, value string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		t.Fatalf("invalid integer %q", value)
	}
	return v
}

func TestMulDivPow10WidensBeforeDividing(t *testing.T) {
	// 10^36 * 111439 overflows 128 bits before the division by 10^10.
	amount := mustInt(t, "1000000000000000000000000000000000000")
	got, err := MulDivPow10(amount, big.NewInt(111439), 10)
	if err != nil {
		t.Fatalf("mul div: %v", err)
	}
	want := mustInt(t, "11143900000000000000000000000000")
	if got.Cmp(want) != 0 {
		t.Fatalf("unexpected result: got %s want %s", got, want)
	}
}

func TestMulPow10Div(t *testing.T) {
	amount := mustInt(t, "11077092319500000000000000000000")
	got, err := MulPow10Div(amount, 10, big.NewInt(111439))
	if err != nil {
		t.Fatalf("mul pow10 div: %v", err)
	}
	want := mustInt(t, "994005000000000000000000000000000000")
	if got.Cmp(want) != 0 {
		t.Fatalf("unexpected result: got %s want %s", got, want)
	}
}

func TestMulDivFloors(t *testing.T) {
	got, err := MulDiv(big.NewInt(7), big.NewInt(3), big.NewInt(2))
	if err != nil {
		t.Fatalf("mul div: %v", err)
	}
	if got.Int64() != 10 {
		t.Fatalf("expected floor division, got %s", got)
	}
}

func TestOverflowRejected(t *testing.T) {
	if _, err := MulDiv(MaxUint128, MaxUint128, big.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow on narrowing, got %v", err)
	}
	tooWide := new(big.Int).Add(MaxUint128, big.NewInt(1))
	if _, err := MulDiv(tooWide, big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow on wide operand, got %v", err)
	}
	if _, err := MulDivPow10(big.NewInt(1), big.NewInt(1), MaxExponent+1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow on exponent, got %v", err)
	}
	// The product fits in 256 bits and the quotient fits in 128 bits.
	got, err := MulDiv(MaxUint128, MaxUint128, MaxUint128)
	if err != nil {
		t.Fatalf("mul div: %v", err)
	}
	if got.Cmp(MaxUint128) != 0 {
		t.Fatalf("unexpected result: %s", got)
	}
}

func TestMulPow10DivLargeScale(t *testing.T) {
	// 10^40 exceeds 128 bits but the quotient does not.
	got, err := MulPow10Div(big.NewInt(5), 40, Pow10(30))
	if err != nil {
		t.Fatalf("mul pow10 div: %v", err)
	}
	if got.Cmp(mustInt(t, "50000000000")) != 0 {
		t.Fatalf("unexpected result: %s", got)
	}
}

func TestDivisionByZeroAndNegative(t *testing.T) {
	if _, err := MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero, got %v", err)
	}
	if _, err := MulDiv(big.NewInt(-1), big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrNegative) {
		t.Fatalf("expected negative operand error, got %v", err)
	}
}

func TestScale(t *testing.T) {
	got, err := Scale(big.NewInt(1_000_000), 6)
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if got.Cmp(big.NewInt(1_000_000_000_000)) != 0 {
		t.Fatalf("unexpected scaled amount: %s", got)
	}
	if !Fits(got) || Fits(big.NewInt(-1)) || Fits(nil) {
		t.Fatalf("unexpected Fits result")
	}
}
