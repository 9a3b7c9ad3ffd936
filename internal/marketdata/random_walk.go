package marketdata

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"backtest_go/internal/domain"
	"backtest_go/pkg/quant"
	"backtest_go/pkg/safe"
)

// Sessions enumerates sessions and their minutes; calendar.Calendar satisfies it.
type Sessions interface {
	Sessions() []domain.Session
	Minutes(s domain.Session) ([]time.Time, error)
}

// RandomWalk generates synthetic minute bars. Closes follow a geometric
// random walk held inside the asset's price-limit band around the previous
// session close; a fraction of minutes is left without a bar.
type RandomWalk struct {
	Seed       uint64
	Volatility float64 // per-minute log-return sigma, default 0.002
	GapRate    float64 // probability of a missing minute, default 0.05
}

// Generate returns every generated bar of asset in time order.
func (w RandomWalk) Generate(asset domain.Asset, start float64, cal Sessions) ([]domain.MinuteBar, error) {
	if start <= 0 || math.IsNaN(start) {
		return nil, fmt.Errorf("random walk sid %d: invalid start price %v", asset.Sid, start)
	}
	vol := w.Volatility
	if vol <= 0 {
		vol = 0.002
	}
	gap := w.GapRate
	if gap < 0 || gap >= 1 {
		gap = 0.05
	}

	rng := rand.New(rand.NewPCG(w.Seed, uint64(asset.Sid)))
	var out []domain.MinuteBar
	last := start
	for _, s := range cal.Sessions() {
		if !asset.IsAliveForSession(s) {
			continue
		}
		minutes, err := cal.Minutes(s)
		if err != nil {
			return nil, err
		}

		anchor := last
		lo, hi := 0.0, math.Inf(1)
		if asset.Restricted > 0 {
			lo, hi = anchor*(1-asset.Restricted), anchor*(1+asset.Restricted)
		}

		for _, ts := range minutes {
			if rng.Float64() < gap {
				continue
			}
			open := last
			px := open * math.Exp(rng.NormFloat64()*vol)
			px = quant.RoundPrice(math.Min(math.Max(px, lo), hi), 0.01)
			if px <= 0 {
				px = open
			}
			wick := math.Abs(rng.NormFloat64()) * vol * px
			high := math.Min(math.Max(open, px)+wick, hi)
			low := math.Max(math.Min(open, px)-wick, lo)

			out = append(out, domain.MinuteBar{
				Sid:    asset.Sid,
				Ts:     ts,
				Open:   open,
				High:   quant.RoundPrice(high, 0.01),
				Low:    quant.RoundPrice(low, 0.01),
				Close:  px,
				Volume: float64(safe.SafeMul(asset.TickSize, int64(1+rng.IntN(50)))),
			})
			last = px
		}
	}
	return out, nil
}
