package control

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"backtest_go/internal/domain"
	"backtest_go/pkg/quant"
	"backtest_go/pkg/safe"
)

// MaxOrderSize caps a single order by shares and by notional.
// Zero limits are disabled; the notional cap is skipped without a price.
type MaxOrderSize struct {
	MaxShares   int64
	MaxNotional decimal.Decimal
	Prices      Pricer
}

func (c MaxOrderSize) Validate(asset domain.Asset, amount int64, portfolio domain.PortfolioView, dt time.Time) int64 {
	out := amount
	if c.MaxShares > 0 {
		out = shrink(asset, out, c.MaxShares)
	}
	if c.MaxNotional.IsPositive() {
		price := priceOf(c.Prices, asset, portfolio, dt)
		if !quant.IsNaN(price) {
			unit := price * asset.PriceMultiplier
			limit := quant.FloorShares(c.MaxNotional.InexactFloat64() / unit)
			out = shrink(asset, out, limit)
		}
	}
	return out
}

// MaxPositionSize caps the resulting position by shares and by portfolio
// weight. Orders that reduce exposure always pass.
type MaxPositionSize struct {
	MaxShares int64
	MaxWeight float64 // fraction of portfolio value, e.g. 0.2
	Prices    Pricer
}

func (c MaxPositionSize) Validate(asset domain.Asset, amount int64, portfolio domain.PortfolioView, dt time.Time) int64 {
	if portfolio == nil {
		return amount
	}
	current := portfolio.Position(asset).Amount()
	if current != 0 && quant.Sign(current) != quant.Sign(amount) {
		return amount
	}
	held := quant.Abs(current)

	out := amount
	if c.MaxShares > 0 {
		out = shrink(asset, out, safe.SafeSub(c.MaxShares, held))
	}
	if c.MaxWeight > 0 {
		price := priceOf(c.Prices, asset, portfolio, dt)
		value := portfolio.PortfolioValue().InexactFloat64()
		if !quant.IsNaN(price) && value > 0 {
			maxHeld := quant.FloorShares(c.MaxWeight * value / (price * asset.PriceMultiplier))
			out = shrink(asset, out, safe.SafeSub(maxHeld, held))
		}
	}
	return out
}

// LongOnly forbids sells beyond the current long holding.
type LongOnly struct{}

func (LongOnly) Validate(asset domain.Asset, amount int64, portfolio domain.PortfolioView, dt time.Time) int64 {
	if amount >= 0 {
		return amount
	}
	var held int64
	if portfolio != nil {
		held = portfolio.Position(asset).Amount()
	}
	if held <= 0 {
		return 0
	}
	if -amount > held {
		return -held
	}
	return amount
}

// CashLimit caps buys at the shares affordable with cash above Reserve.
// Sells pass; buys without a known price pass untouched.
type CashLimit struct {
	Reserve decimal.Decimal
	Prices  Pricer
}

func (c CashLimit) Validate(asset domain.Asset, amount int64, portfolio domain.PortfolioView, dt time.Time) int64 {
	if amount <= 0 || portfolio == nil {
		return amount
	}
	price := priceOf(c.Prices, asset, portfolio, dt)
	if quant.IsNaN(price) {
		return amount
	}
	spendable := portfolio.Cash().Sub(c.Reserve)
	if !spendable.IsPositive() {
		return 0
	}
	unit := decimal.NewFromFloat(price * asset.PriceMultiplier)
	affordable := spendable.Div(unit).Floor().IntPart()
	return shrink(asset, amount, affordable)
}

// MaxDailyDisposal caps the shares of one asset sold per session.
// It counts validated amounts, so it must be the last member of a Union.
// A nil Loc means UTC.
type MaxDailyDisposal struct {
	MaxShares int64
	Loc       *time.Location

	mu   sync.Mutex
	sold map[disposalKey]int64
}

type disposalKey struct {
	sid     int64
	session domain.Session
}

// NewMaxDailyDisposal creates the control. Sessions are the calendar days of loc.
func NewMaxDailyDisposal(maxShares int64, loc *time.Location) *MaxDailyDisposal {
	return &MaxDailyDisposal{MaxShares: maxShares, Loc: loc, sold: make(map[disposalKey]int64)}
}

func (c *MaxDailyDisposal) Validate(asset domain.Asset, amount int64, portfolio domain.PortfolioView, dt time.Time) int64 {
	if amount >= 0 || c.MaxShares <= 0 {
		return amount
	}
	key := c.key(asset, dt)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sold == nil {
		c.sold = make(map[disposalKey]int64)
	}
	// Old sessions are never queried again.
	for k := range c.sold {
		if k.session < key.session {
			delete(c.sold, k)
		}
	}

	remaining := safe.SafeSub(c.MaxShares, c.sold[key])
	out := shrink(asset, amount, remaining)
	c.sold[key] += quant.Abs(out)
	return out
}

// Release gives back a validated sell that was never placed.
func (c *MaxDailyDisposal) Release(asset domain.Asset, amount int64, dt time.Time) {
	if amount >= 0 {
		return
	}
	key := c.key(asset, dt)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sold[key] <= -amount {
		delete(c.sold, key)
		return
	}
	c.sold[key] += amount
}

// Remaining returns the shares of asset still sellable in the session of dt.
func (c *MaxDailyDisposal) Remaining(asset domain.Asset, dt time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	left := safe.SafeSub(c.MaxShares, c.sold[c.key(asset, dt)])
	if left < 0 {
		return 0
	}
	return left
}

func (c *MaxDailyDisposal) key(asset domain.Asset, dt time.Time) disposalKey {
	loc := c.Loc
	if loc == nil {
		loc = time.UTC
	}
	return disposalKey{sid: asset.Sid, session: domain.SessionOf(dt, loc)}
}

var (
	_ domain.TradingControls = MaxOrderSize{}
	_ domain.TradingControls = MaxPositionSize{}
	_ domain.TradingControls = LongOnly{}
	_ domain.TradingControls = CashLimit{}
	_ domain.TradingControls = (*MaxDailyDisposal)(nil)
	_ domain.ControlReleaser = (*MaxDailyDisposal)(nil)
)
