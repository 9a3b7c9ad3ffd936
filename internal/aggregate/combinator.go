package aggregate

import (
	"backtest_go/internal/domain"
	"backtest_go/pkg/quant"
)

// combinator is the field-specific rule for merging observations into a
// running session aggregate.
type combinator struct {
	// point turns the first observation of the session into an aggregate.
	point func(v float64) float64
	// fold merges one new minute into the prior aggregate p.
	fold func(p, v float64) float64
	// reduce rolls a window up from the session open.
	reduce func(window []float64) float64
	// merge rolls a window following an entry into its aggregate p.
	merge func(p float64, window []float64) float64
	// settled reports whether p can no longer change this session.
	settled func(p float64) bool
	// rescanOnMiss makes a merge that yields no data rescan from the session open.
	rescanOnMiss bool
}

func identity(v float64) float64 { return v }

func never(float64) bool { return false }

var combinators = map[domain.Field]combinator{
	domain.FieldOpen: {
		point: identity,
		fold: func(p, v float64) float64 {
			if !quant.IsNaN(p) {
				return p
			}
			return v
		},
		reduce: firstOrNaN,
		merge: func(p float64, window []float64) float64 {
			if !quant.IsNaN(p) {
				return p
			}
			return firstOrNaN(window)
		},
		settled: func(p float64) bool { return !quant.IsNaN(p) },
	},
	domain.FieldHigh: {
		point:  identity,
		fold:   func(p, v float64) float64 { return quant.NanMax(p, v) },
		reduce: func(window []float64) float64 { return quant.NanMax(window...) },
		merge: func(p float64, window []float64) float64 {
			return quant.NanMax(p, quant.NanMax(window...))
		},
		settled: never,
	},
	domain.FieldLow: {
		point:  identity,
		fold:   func(p, v float64) float64 { return quant.NanMin(p, v) },
		reduce: func(window []float64) float64 { return quant.NanMin(window...) },
		merge: func(p float64, window []float64) float64 {
			return quant.NanMin(p, quant.NanMin(window...))
		},
		settled: never,
	},
	domain.FieldClose: {
		point: identity,
		fold: func(p, v float64) float64 {
			if quant.IsNaN(v) {
				return p
			}
			return v
		},
		reduce: lastOrNaN,
		// p is deliberately ignored: an all-missing gap rescans from the open.
		merge:        func(_ float64, window []float64) float64 { return lastOrNaN(window) },
		settled:      never,
		rescanOnMiss: true,
	},
	domain.FieldVolume: {
		point:   quant.ZeroIfNaN,
		fold:    func(p, v float64) float64 { return p + quant.ZeroIfNaN(v) },
		reduce:  func(window []float64) float64 { return quant.NanSum(window...) },
		merge:   func(p float64, window []float64) float64 { return p + quant.NanSum(window...) },
		settled: never,
	},
}

func firstOrNaN(window []float64) float64 {
	if v, ok := quant.FirstValid(window); ok {
		return v
	}
	return quant.NaN()
}

func lastOrNaN(window []float64) float64 {
	if v, ok := quant.LastValid(window); ok {
		return v
	}
	return quant.NaN()
}
