package math

import (
	"errors"
	stdmath "math"
	"math/big"
	"sync"
)

// ErrOverflow reports checked-arithmetic failure: u64 overflow, underflow,
// or a wide intermediate that does not narrow back into 64 bits.
var ErrOverflow = errors.New("math overflow or underflow")

// bigPool recycles big.Int scratch values used for 128-bit intermediates.
// The deterministic core is single-threaded, but query paths share these
// helpers, so the pool stays concurrency-safe.
var bigPool = sync.Pool{
	New: func() interface{} { return new(big.Int) },
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(x *big.Int) {
	x.SetInt64(0)
	bigPool.Put(x)
}

// AddU64 returns a+b or ErrOverflow.
func AddU64(a, b uint64) (uint64, error) {
	c := a + b
	if c < a {
		return 0, ErrOverflow
	}
	return c, nil
}

// SubU64 returns a-b or ErrOverflow when b > a.
func SubU64(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// MulU64 returns a*b with the intermediate widened through big.Int, failing
// when the product does not fit in 64 bits. Used for escrow amounts
// (price × quantity) where silent wraparound would corrupt balances.
func MulU64(a, b uint64) (uint64, error) {
	x := getBig()
	defer putBig(x)
	y := getBig()
	defer putBig(y)

	x.SetUint64(a)
	y.SetUint64(b)
	x.Mul(x, y)
	if !x.IsUint64() {
		return 0, ErrOverflow
	}
	return x.Uint64(), nil
}

// BpsOf returns amount × bps / 10_000 with a 128-bit intermediate and floor
// division. bps may exceed 10_000 (penalty multipliers), so the quotient is
// checked back into 64 bits.
func BpsOf(amount uint64, bps uint32) (uint64, error) {
	x := getBig()
	defer putBig(x)
	y := getBig()
	defer putBig(y)

	x.SetUint64(amount)
	y.SetUint64(uint64(bps))
	x.Mul(x, y)
	y.SetUint64(10_000)
	x.Quo(x, y)
	if !x.IsUint64() {
		return 0, ErrOverflow
	}
	return x.Uint64(), nil
}

// MulCompare compares a1×a2 against b1×b2 without overflow.
// Returns -1, 0 or +1.
func MulCompare(a1, a2, b1, b2 uint64) int {
	x := getBig()
	defer putBig(x)
	y := getBig()
	defer putBig(y)
	t := getBig()
	defer putBig(t)

	x.SetUint64(a1)
	t.SetUint64(a2)
	x.Mul(x, t)

	y.SetUint64(b1)
	t.SetUint64(b2)
	y.Mul(y, t)

	return x.Cmp(y)
}

// PenaltyOf computes shortfall × price × (10_000 + slashingBps) / 10_000.
// The triple product is carried in big.Int, then checked back into 64 bits.
func PenaltyOf(shortfall, price uint64, slashingBps uint32) (uint64, error) {
	x := getBig()
	defer putBig(x)
	y := getBig()
	defer putBig(y)

	x.SetUint64(shortfall)
	y.SetUint64(price)
	x.Mul(x, y)
	y.SetUint64(10_000 + uint64(slashingBps))
	x.Mul(x, y)
	y.SetUint64(10_000)
	x.Quo(x, y)
	if !x.IsUint64() {
		return 0, ErrOverflow
	}
	return x.Uint64(), nil
}

// ToInt64 narrows an unsigned domain amount into the signed journal domain.
func ToInt64(v uint64) (int64, error) {
	if v > stdmath.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(v), nil
}
