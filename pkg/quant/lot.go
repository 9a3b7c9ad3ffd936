package quant

import (
	"math"

	"backtest_go/pkg/safe"
)

// FloorToLot rounds amount toward zero to the nearest multiple of lot.
// A non-positive lot leaves amount unchanged.
func FloorToLot(amount, lot int64) int64 {
	if lot <= 0 {
		return amount
	}
	return safe.SafeMul(safe.SafeDiv(amount, lot), lot)
}

// CeilDiv returns ceil(a / b) for positive b and non-negative a.
func CeilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	if a <= 0 {
		return 0
	}
	return safe.SafeDiv(safe.SafeAdd(a, b-1), b)
}

// FloorShares converts a real share count into whole shares, rounding down.
// NaN, infinities and negative values yield zero.
func FloorShares(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(math.Floor(v))
}

// CeilShares converts a real share count into whole shares, rounding up.
func CeilShares(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(math.Ceil(v))
}

// Abs returns |v|.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Sign returns -1, 0 or 1.
func Sign(v int64) int64 {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

// RoundPrice rounds p to the nearest multiple of tick (e.g. 0.01).
func RoundPrice(p, tick float64) float64 {
	if tick <= 0 || math.IsNaN(p) {
		return p
	}
	return math.Round(p/tick) * tick
}
