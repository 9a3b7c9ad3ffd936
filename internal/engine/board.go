package engine

import (
	"sync"
	"time"

	"backtest_go/internal/domain"
	"backtest_go/pkg/quant"
)

// PriceBoard holds the latest valid as-of close per asset. The sequencer
// writes it once per minute; trading controls read it as their Pricer.
type PriceBoard struct {
	mu     sync.RWMutex
	prices map[int64]float64
}

// NewPriceBoard creates an empty board.
func NewPriceBoard() *PriceBoard {
	return &PriceBoard{prices: make(map[int64]float64)}
}

// Update records prices; NaN leaves the previous value in place.
func (b *PriceBoard) Update(prices map[int64]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sid, p := range prices {
		if !quant.IsNaN(p) {
			b.prices[sid] = p
		}
	}
}

// LastPrice returns the latest price of asset, or NaN.
func (b *PriceBoard) LastPrice(asset domain.Asset, _ time.Time) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.prices[asset.Sid]; ok {
		return p
	}
	return quant.NaN()
}

// Snapshot copies the board.
func (b *PriceBoard) Snapshot() map[int64]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[int64]float64, len(b.prices))
	for sid, p := range b.prices {
		out[sid] = p
	}
	return out
}
