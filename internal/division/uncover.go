package division

import (
	"fmt"
	"strings"
	"time"

	"backtest_go/internal/domain"
	"backtest_go/pkg/quant"
)

// Slice is one planned piece of a division before it becomes a fragment.
type Slice struct {
	Size int64     // signed
	At   time.Time // target minute, used by auction markets
	Last bool      // final slice of the call
}

// Uncover spreads a validated amount into slices of roughly lot shares.
// The slice sizes must sum to amount.
type Uncover interface {
	Slices(asset domain.Asset, amount, lot int64, dt, sessionClose time.Time) []Slice
}

// EvenUncover cuts ceil(|amount|/lot) slices of lot shares, the last one
// absorbing the remainder, with targets Interval apart starting at dt and
// clamped to the session close.
type EvenUncover struct {
	Interval  time.Duration
	MaxSlices int // 0 is unbounded; otherwise the lot grows to fit
}

func (u EvenUncover) Slices(asset domain.Asset, amount, lot int64, dt, sessionClose time.Time) []Slice {
	if amount == 0 {
		return nil
	}
	total := quant.Abs(amount)
	sign := quant.Sign(amount)
	if lot <= 0 || lot > total {
		lot = total
	}
	n := quant.CeilDiv(total, lot)
	if u.MaxSlices > 0 && n > int64(u.MaxSlices) {
		lot = quant.CeilDiv(total, int64(u.MaxSlices))
		if asset.Increment && asset.TickSize > 0 {
			lot = quant.CeilDiv(lot, asset.TickSize) * asset.TickSize
		}
		n = quant.CeilDiv(total, lot)
	}

	out := make([]Slice, 0, n)
	var placed int64
	for i := int64(0); i < n; i++ {
		size := lot
		if i == n-1 {
			size = total - placed
		}
		placed += size

		at := dt.Add(time.Duration(i) * u.Interval)
		if !sessionClose.IsZero() && at.After(sessionClose) {
			at = sessionClose
		}
		out = append(out, Slice{Size: sign * size, At: at, Last: i == n-1})
	}
	return out
}

// SingleUncover keeps the whole amount in one slice at dt.
type SingleUncover struct{}

func (SingleUncover) Slices(_ domain.Asset, amount, _ int64, dt, _ time.Time) []Slice {
	if amount == 0 {
		return nil
	}
	return []Slice{{Size: amount, At: dt, Last: true}}
}

// ParseUncover maps a config value onto a slicing strategy.
func ParseUncover(name string, interval time.Duration, maxSlices int) (Uncover, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "even":
		return EvenUncover{Interval: interval, MaxSlices: maxSlices}, nil
	case "single":
		return SingleUncover{}, nil
	default:
		return nil, fmt.Errorf("unknown uncover strategy %q", name)
	}
}
