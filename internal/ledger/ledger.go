// Package ledger owns the positions and cash of one simulation.
//
// Every position lives in a single record. Portfolio, Account and Position
// are read-only facades over those records; the only way to change them is
// the Writer, which can be claimed exactly once (by the simulation clock).
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"backtest_go/internal/domain"
	"backtest_go/pkg/quant"
	"backtest_go/pkg/safe"
)

// ErrWriterClaimed is returned when a second caller asks for the Writer.
var ErrWriterClaimed = errors.New("ledger writer already claimed")

// record is the single mutable state of one held asset.
type record struct {
	asset         domain.Asset
	amount        int64
	costBasis     decimal.Decimal // per share
	lastSalePrice float64
	lastSaleDate  time.Time
	lastSeq       uint64
}

// Ledger holds cash and position records.
type Ledger struct {
	mu           sync.RWMutex
	startingCash decimal.Decimal
	cash         decimal.Decimal
	cashFlow     decimal.Decimal // net cash spent on fills
	records      map[int64]*record

	claimed atomic.Bool
}

// New creates a ledger holding only cash.
func New(startingCash decimal.Decimal) *Ledger {
	return &Ledger{
		startingCash: startingCash,
		cash:         startingCash,
		records:      make(map[int64]*record),
	}
}

// Writer returns the privileged mutation handle. It succeeds once per ledger.
func (l *Ledger) Writer() (*Writer, error) {
	if !l.claimed.CompareAndSwap(false, true) {
		return nil, ErrWriterClaimed
	}
	return &Writer{l: l}, nil
}

// Portfolio returns the read-only portfolio facade.
func (l *Ledger) Portfolio() *Portfolio {
	return &Portfolio{l: l}
}

// Account returns the read-only account facade.
func (l *Ledger) Account() *Account {
	return &Account{l: l}
}

// sortedRecords must be called with l.mu held.
func (l *Ledger) sortedRecords() []*record {
	out := make([]*record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].asset.Sid < out[j].asset.Sid })
	return out
}

// marketValue is amount * last price * multiplier. Must be called with l.mu held.
func (r *record) marketValue() decimal.Decimal {
	if r.amount == 0 || quant.IsNaN(r.lastSalePrice) {
		return decimal.Zero
	}
	return decimal.NewFromInt(r.amount).
		Mul(decimal.NewFromFloat(r.lastSalePrice)).
		Mul(decimal.NewFromFloat(r.asset.PriceMultiplier))
}

// positionsValue must be called with l.mu held.
func (l *Ledger) positionsValue() decimal.Decimal {
	total := decimal.Zero
	for _, r := range l.records {
		total = total.Add(r.marketValue())
	}
	return total
}

// Writer is the only mutation path into a Ledger.
type Writer struct {
	l *Ledger
}

// ApplyFill books a signed fill of size shares at price.
// Cost basis is the average entry price of the current direction; it resets
// when the position flips and clears when it closes.
func (w *Writer) ApplyFill(asset domain.Asset, size int64, price float64, at time.Time, seq uint64) error {
	if size == 0 {
		return fmt.Errorf("fill sid %d: zero size", asset.Sid)
	}
	if quant.IsNaN(price) || price <= 0 {
		return fmt.Errorf("fill sid %d: invalid price %v", asset.Sid, price)
	}

	l := w.l
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[asset.Sid]
	if !ok {
		r = &record{asset: asset, costBasis: decimal.Zero}
		l.records[asset.Sid] = r
	}

	px := decimal.NewFromFloat(price)
	prev := r.amount
	next := safe.SafeAdd(prev, size)

	switch {
	case next == 0:
		r.costBasis = decimal.Zero
	case prev == 0 || (prev > 0) != (next > 0):
		r.costBasis = px
	case (prev > 0) == (size > 0):
		// same direction: weighted average
		held := decimal.NewFromInt(prev).Abs()
		added := decimal.NewFromInt(size).Abs()
		r.costBasis = r.costBasis.Mul(held).Add(px.Mul(added)).Div(held.Add(added))
	}

	notional := decimal.NewFromInt(size).Mul(px).Mul(decimal.NewFromFloat(asset.PriceMultiplier))
	l.cash = l.cash.Sub(notional)
	l.cashFlow = l.cashFlow.Add(notional)

	r.amount = next
	r.lastSalePrice = price
	r.lastSaleDate = at
	r.lastSeq = seq
	return nil
}

// SyncLastSalePrices marks positions to market. NaN prices are ignored.
func (w *Writer) SyncLastSalePrices(prices map[int64]float64, at time.Time) {
	l := w.l
	l.mu.Lock()
	defer l.mu.Unlock()

	for sid, p := range prices {
		r, ok := l.records[sid]
		if !ok || quant.IsNaN(p) {
			continue
		}
		r.lastSalePrice = p
		r.lastSaleDate = at
	}
}

// Prune drops flat positions.
func (w *Writer) Prune() {
	l := w.l
	l.mu.Lock()
	defer l.mu.Unlock()

	for sid, r := range l.records {
		if r.amount == 0 {
			delete(l.records, sid)
		}
	}
}

// VerifyInvariant panics if cash and cash flow disagree or a flat position
// still carries a cost basis.
func (w *Writer) VerifyInvariant() {
	l := w.l
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.startingCash.Sub(l.cashFlow).Equal(l.cash) {
		panic(fmt.Sprintf("LEDGER_INVARIANT_CASH: starting=%s flow=%s cash=%s",
			l.startingCash, l.cashFlow, l.cash))
	}
	for sid, r := range l.records {
		if r.amount == 0 && !r.costBasis.IsZero() {
			panic(fmt.Sprintf("LEDGER_INVARIANT_FLAT_COST_BASIS: sid %d cost_basis=%s", sid, r.costBasis))
		}
	}
}

// PositionSnapshot is a copy of one record (for state dump).
type PositionSnapshot struct {
	Sid           int64     `json:"sid"`
	Symbol        string    `json:"symbol"`
	Amount        int64     `json:"amount"`
	CostBasis     string    `json:"cost_basis"`
	LastSalePrice float64   `json:"last_sale_price"`
	LastSaleDate  time.Time `json:"last_sale_date"`
	LastSeq       uint64    `json:"last_seq"`
}

// Snapshot is a copy of the whole ledger (for state dump).
type Snapshot struct {
	StartingCash string             `json:"starting_cash"`
	Cash         string             `json:"cash"`
	CapitalUsed  string             `json:"capital_used"`
	Positions    []PositionSnapshot `json:"positions"`
}

// Snapshot copies the ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := Snapshot{
		StartingCash: l.startingCash.String(),
		Cash:         l.cash.String(),
		CapitalUsed:  l.cashFlow.String(),
	}
	for _, r := range l.sortedRecords() {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Sid:           r.asset.Sid,
			Symbol:        r.asset.Symbol,
			Amount:        r.amount,
			CostBasis:     r.costBasis.String(),
			LastSalePrice: r.lastSalePrice,
			LastSaleDate:  r.lastSaleDate,
			LastSeq:       r.lastSeq,
		})
	}
	return snap
}
