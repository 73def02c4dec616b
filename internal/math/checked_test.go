package math

import (
	stdmath "math"
	"testing"
)

func TestAddU64(t *testing.T) {
	got, err := AddU64(1, 2)
	if err != nil || got != 3 {
		t.Errorf("AddU64(1,2) = %d, %v; want 3, nil", got, err)
	}

	if _, err := AddU64(stdmath.MaxUint64, 1); err != ErrOverflow {
		t.Errorf("AddU64 overflow: err = %v; want ErrOverflow", err)
	}

	got, err = AddU64(stdmath.MaxUint64, 0)
	if err != nil || got != stdmath.MaxUint64 {
		t.Errorf("AddU64(max,0) = %d, %v; want max, nil", got, err)
	}
}

func TestSubU64(t *testing.T) {
	got, err := SubU64(5, 3)
	if err != nil || got != 2 {
		t.Errorf("SubU64(5,3) = %d, %v; want 2, nil", got, err)
	}

	if _, err := SubU64(3, 5); err != ErrOverflow {
		t.Errorf("SubU64 underflow: err = %v; want ErrOverflow", err)
	}
}

func TestMulU64(t *testing.T) {
	got, err := MulU64(1800, 7)
	if err != nil || got != 12600 {
		t.Errorf("MulU64(1800,7) = %d, %v; want 12600, nil", got, err)
	}

	// 2^32 * 2^32 = 2^64 overflows u64
	if _, err := MulU64(1<<32, 1<<32); err != ErrOverflow {
		t.Errorf("MulU64 overflow: err = %v; want ErrOverflow", err)
	}

	// (2^32)*(2^32 - 1) < 2^64 still fits
	got, err = MulU64(1<<32, (1<<32)-1)
	if err != nil || got != uint64(1<<32)*((1<<32)-1) {
		t.Errorf("MulU64 near-max = %d, %v; want exact product, nil", got, err)
	}
}

func TestBpsOf(t *testing.T) {
	// 250 bps of 12_600 = 315
	got, err := BpsOf(12_600, 250)
	if err != nil || got != 315 {
		t.Errorf("BpsOf(12600, 250) = %d, %v; want 315, nil", got, err)
	}

	// Floor division
	got, err = BpsOf(999, 250)
	if err != nil || got != 24 {
		t.Errorf("BpsOf(999, 250) = %d, %v; want 24, nil", got, err)
	}

	// bps above 10_000 scales up
	got, err = BpsOf(100, 25_000)
	if err != nil || got != 250 {
		t.Errorf("BpsOf(100, 25000) = %d, %v; want 250, nil", got, err)
	}

	// Scaling max uint64 by >100% overflows
	if _, err := BpsOf(stdmath.MaxUint64, 20_000); err != ErrOverflow {
		t.Errorf("BpsOf overflow: err = %v; want ErrOverflow", err)
	}
}

func TestMulCompare(t *testing.T) {
	// 20 × 10_000 vs 200 × 1_000: equal
	if got := MulCompare(20, 10_000, 200, 1_000); got != 0 {
		t.Errorf("MulCompare equal = %d; want 0", got)
	}
	if got := MulCompare(19, 10_000, 200, 1_000); got != -1 {
		t.Errorf("MulCompare less = %d; want -1", got)
	}
	if got := MulCompare(21, 10_000, 200, 1_000); got != 1 {
		t.Errorf("MulCompare greater = %d; want 1", got)
	}
	// Both sides overflow u64 individually; big.Int keeps exactness
	if got := MulCompare(stdmath.MaxUint64, 3, stdmath.MaxUint64, 2); got != 1 {
		t.Errorf("MulCompare wide = %d; want 1", got)
	}
}

func TestPenaltyOf(t *testing.T) {
	// shortfall 20 at price 5 with 15_000 bps premium: 20×5×25_000/10_000 = 250
	got, err := PenaltyOf(20, 5, 15_000)
	if err != nil || got != 250 {
		t.Errorf("PenaltyOf(20, 5, 15000) = %d, %v; want 250, nil", got, err)
	}

	// Zero shortfall yields zero penalty
	got, err = PenaltyOf(0, 100, 15_000)
	if err != nil || got != 0 {
		t.Errorf("PenaltyOf(0, 100, 15000) = %d, %v; want 0, nil", got, err)
	}

	if _, err := PenaltyOf(stdmath.MaxUint64, stdmath.MaxUint64, 15_000); err != ErrOverflow {
		t.Errorf("PenaltyOf overflow: err = %v; want ErrOverflow", err)
	}
}

func TestToInt64(t *testing.T) {
	got, err := ToInt64(42)
	if err != nil || got != 42 {
		t.Errorf("ToInt64(42) = %d, %v; want 42, nil", got, err)
	}

	if _, err := ToInt64(stdmath.MaxUint64); err != ErrOverflow {
		t.Errorf("ToInt64 overflow: err = %v; want ErrOverflow", err)
	}

	got, err = ToInt64(stdmath.MaxInt64)
	if err != nil || got != stdmath.MaxInt64 {
		t.Errorf("ToInt64(MaxInt64) = %d, %v; want MaxInt64, nil", got, err)
	}
}
