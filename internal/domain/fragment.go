package domain

import (
	"time"

	"backtest_go/pkg/safe"
)

// FillKind discriminates how a fragment is resolved by the matching engine.
type FillKind int

const (
	// FillPriced carries a pre-assigned price (continuous markets).
	FillPriced FillKind = iota + 1
	// FillTimed carries a target time; price is resolved at matching time (auction markets).
	FillTimed
)

func (k FillKind) String() string {
	switch k {
	case FillPriced:
		return "PRICED"
	case FillTimed:
		return "TIMED"
	default:
		return "UNKNOWN"
	}
}

// Fill is the tagged fill specification of a fragment.
// Price is meaningful only for FillPriced, At only for FillTimed.
type Fill struct {
	Kind  FillKind  `json:"kind"`
	Price float64   `json:"price,omitempty"`
	At    time.Time `json:"at,omitempty"`
}

// Priced builds a continuous-market fill spec.
func Priced(price float64) Fill {
	return Fill{Kind: FillPriced, Price: price}
}

// Timed builds an auction-market fill spec.
func Timed(at time.Time) Fill {
	return Fill{Kind: FillTimed, At: at}
}

// Fragment is one priced or timed slice of a larger order intent.
// Size is signed: positive buys, negative sells.
type Fragment struct {
	ID         string    `json:"id"`
	Sid        int64     `json:"sid"`
	Size       int64     `json:"size"`
	Fill       Fill      `json:"fill"`
	LimitRatio float64   `json:"limit_ratio"`
	StopRatio  float64   `json:"stop_ratio"`
	Session    Session   `json:"session"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsBuy reports whether the fragment acquires shares.
func (f Fragment) IsBuy() bool {
	return f.Size > 0
}

// SumSizes returns the signed total of fragments.
func SumSizes(fragments []Fragment) int64 {
	var total int64
	for _, f := range fragments {
		total = safe.SafeAdd(total, f.Size)
	}
	return total
}

// Fill events flow back from the matching engine.
type FillReport struct {
	FragmentID string    `json:"fragment_id"`
	Sid        int64     `json:"sid"`
	Size       int64     `json:"size"` // signed, same sign as the fragment
	Price      float64   `json:"price"`
	FilledAt   time.Time `json:"filled_at"`
}
