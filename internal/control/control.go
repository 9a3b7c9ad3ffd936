// Package control clamps proposed order amounts against account and
// position limits. Controls only ever shrink an amount toward zero.
package control

import (
	"log/slog"
	"time"

	"backtest_go/internal/domain"
	"backtest_go/internal/infra"
	"backtest_go/pkg/quant"
)

// Pricer returns the latest known price of asset at dt, or NaN.
type Pricer interface {
	LastPrice(asset domain.Asset, dt time.Time) float64
}

// PricerFunc adapts a function to Pricer.
type PricerFunc func(asset domain.Asset, dt time.Time) float64

func (f PricerFunc) LastPrice(asset domain.Asset, dt time.Time) float64 {
	return f(asset, dt)
}

// priceOf prefers the pricer and falls back to the position's last sale.
func priceOf(p Pricer, asset domain.Asset, portfolio domain.PortfolioView, dt time.Time) float64 {
	if p != nil {
		if v := p.LastPrice(asset, dt); !quant.IsNaN(v) && v > 0 {
			return v
		}
	}
	if portfolio != nil {
		if v := portfolio.Position(asset).LastSalePrice(); !quant.IsNaN(v) && v > 0 {
			return v
		}
	}
	return quant.NaN()
}

// shrink returns the signed amount whose magnitude is min(|amount|, limit),
// floored to the asset's lot when lots are enforced.
func shrink(asset domain.Asset, amount, limit int64) int64 {
	if limit < 0 {
		limit = 0
	}
	mag := quant.Abs(amount)
	if mag > limit {
		mag = limit
	}
	if asset.Increment {
		mag = quant.FloorToLot(mag, asset.TickSize)
	}
	return quant.Sign(amount) * mag
}

// Union applies controls in order. The result never exceeds the proposal in
// magnitude and never flips its sign, whatever the members return.
type Union struct {
	controls []domain.TradingControls
	metrics  *infra.Metrics
	logger   *slog.Logger
}

// NewUnion creates a union of controls.
func NewUnion(controls ...domain.TradingControls) *Union {
	return &Union{
		controls: controls,
		metrics:  infra.GlobalMetrics,
		logger:   slog.Default(),
	}
}

// WithMetrics sets the metrics sink and returns u.
func (u *Union) WithMetrics(m *infra.Metrics) *Union {
	if m != nil {
		u.metrics = m
	}
	return u
}

// WithLogger sets the logger and returns u.
func (u *Union) WithLogger(l *slog.Logger) *Union {
	if l != nil {
		u.logger = l
	}
	return u
}

// Len returns the number of member controls.
func (u *Union) Len() int {
	return len(u.controls)
}

func (u *Union) Validate(asset domain.Asset, amount int64, portfolio domain.PortfolioView, dt time.Time) int64 {
	out := amount
	for _, c := range u.controls {
		if out == 0 {
			break
		}
		next := c.Validate(asset, out, portfolio, dt)
		switch {
		case next != 0 && quant.Sign(next) != quant.Sign(out):
			next = 0
		case quant.Abs(next) > quant.Abs(out):
			next = out
		}
		out = next
	}

	if out != amount {
		u.metrics.RecordClamp()
		u.logger.Debug("order amount clamped",
			slog.Int64("sid", asset.Sid),
			slog.Int64("proposed", amount),
			slog.Int64("validated", out),
			slog.Time("dt", dt),
		)
	}
	return out
}

// Release hands a validated amount that was never placed back to every
// member that books what it validates.
func (u *Union) Release(asset domain.Asset, amount int64, dt time.Time) {
	if amount == 0 {
		return
	}
	for _, c := range u.controls {
		if r, ok := c.(domain.ControlReleaser); ok {
			r.Release(asset, amount, dt)
		}
	}
}

var (
	_ domain.TradingControls = (*Union)(nil)
	_ domain.ControlReleaser = (*Union)(nil)
)
