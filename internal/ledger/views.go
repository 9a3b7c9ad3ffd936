package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"backtest_go/internal/domain"
	"backtest_go/pkg/quant"
)

// Position is a read-only view of one record.
type Position struct {
	l *Ledger
	r *record
}

func (p Position) Asset() domain.Asset {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()
	return p.r.asset
}

func (p Position) Amount() int64 {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()
	return p.r.amount
}

func (p Position) CostBasis() decimal.Decimal {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()
	return p.r.costBasis
}

func (p Position) LastSalePrice() float64 {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()
	return p.r.lastSalePrice
}

func (p Position) LastSaleDate() time.Time {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()
	return p.r.lastSaleDate
}

// Portfolio is a read-only view of cash and holdings.
type Portfolio struct {
	l *Ledger
}

func (p *Portfolio) Cash() decimal.Decimal {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()
	return p.l.cash
}

func (p *Portfolio) StartingCash() decimal.Decimal {
	return p.l.startingCash
}

// CapitalUsed is the net cash spent on fills so far.
func (p *Portfolio) CapitalUsed() decimal.Decimal {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()
	return p.l.cashFlow
}

// PortfolioValue is cash plus the market value of every position.
func (p *Portfolio) PortfolioValue() decimal.Decimal {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()
	return p.l.cash.Add(p.l.positionsValue())
}

func (p *Portfolio) PositionsValue() decimal.Decimal {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()
	return p.l.positionsValue()
}

// Position returns the view of asset; an unheld asset yields an empty position.
func (p *Portfolio) Position(asset domain.Asset) domain.PositionView {
	p.l.mu.RLock()
	r, ok := p.l.records[asset.Sid]
	p.l.mu.RUnlock()
	if !ok {
		r = &record{asset: asset, costBasis: decimal.Zero, lastSalePrice: quant.NaN()}
	}
	return Position{l: p.l, r: r}
}

// Positions returns every non-flat position ordered by sid.
func (p *Portfolio) Positions() []domain.PositionView {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()

	var out []domain.PositionView
	for _, r := range p.l.sortedRecords() {
		if r.amount != 0 {
			out = append(out, Position{l: p.l, r: r})
		}
	}
	return out
}

// CurrentWeights maps sid to position value over portfolio value.
func (p *Portfolio) CurrentWeights() map[int64]float64 {
	p.l.mu.RLock()
	defer p.l.mu.RUnlock()

	total := p.l.cash.Add(p.l.positionsValue())
	out := make(map[int64]float64, len(p.l.records))
	if total.IsZero() {
		return out
	}
	for sid, r := range p.l.records {
		if r.amount == 0 {
			continue
		}
		out[sid] = r.marketValue().Div(total).InexactFloat64()
	}
	return out
}

// Account is a read-only view of account-level figures.
type Account struct {
	l *Ledger
}

func (a *Account) SettledCash() decimal.Decimal {
	a.l.mu.RLock()
	defer a.l.mu.RUnlock()
	return a.l.cash
}

func (a *Account) TotalPositionsValue() decimal.Decimal {
	a.l.mu.RLock()
	defer a.l.mu.RUnlock()
	return a.l.positionsValue()
}

// TotalPositionsExposure is the gross number of shares held.
func (a *Account) TotalPositionsExposure() int64 {
	a.l.mu.RLock()
	defer a.l.mu.RUnlock()

	var total int64
	for _, r := range a.l.records {
		total += quant.Abs(r.amount)
	}
	return total
}

// NetLeverage is gross position value over portfolio value.
func (a *Account) NetLeverage() float64 {
	a.l.mu.RLock()
	defer a.l.mu.RUnlock()

	gross := decimal.Zero
	for _, r := range a.l.records {
		gross = gross.Add(r.marketValue().Abs())
	}
	total := a.l.cash.Add(a.l.positionsValue())
	if total.IsZero() {
		return 0
	}
	return gross.Div(total).InexactFloat64()
}

// Cushion is cash over portfolio value.
func (a *Account) Cushion() float64 {
	a.l.mu.RLock()
	defer a.l.mu.RUnlock()

	total := a.l.cash.Add(a.l.positionsValue())
	if total.IsZero() {
		return 0
	}
	return a.l.cash.Div(total).InexactFloat64()
}

var (
	_ domain.PositionView  = Position{}
	_ domain.PortfolioView = (*Portfolio)(nil)
	_ domain.AccountView   = (*Account)(nil)
)
