package division

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"backtest_go/internal/domain"
	"backtest_go/pkg/quant"
)

var fragmentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("backtest_go/fragment"))

// FragmentID derives a stable fragment id from its position in a division.
func FragmentID(sid int64, session domain.Session, seq uint64, index int) string {
	name := fmt.Sprintf("%d/%s/%d/%d", sid, session, seq, index)
	return uuid.NewSHA1(fragmentNamespace, []byte(name)).String()
}

// Quote is the price context of one division call.
type Quote struct {
	PriorClose  float64 // band anchor
	LatestClose float64 // NaN when unknown; the final slice concentrates here
}

// Band returns the price-limit band of asset around the prior close.
func (q Quote) Band(asset domain.Asset) (lo, hi float64) {
	return q.PriorClose * (1 - asset.Restricted), q.PriorClose * (1 + asset.Restricted)
}

// FragmentFactory turns slices into fragments. The auction flag of the asset
// is the only branch: auction markets get Timed fills, the rest Priced fills
// drawn inside the price-limit band.
type FragmentFactory struct {
	PriceTick     float64 // rounding of simulated prices, e.g. 0.01
	Concentration float64 // half-width of the final slice's range as a fraction of the half band
}

// NewFragmentFactory returns a factory with cent rounding and a quarter-band close window.
func NewFragmentFactory(priceTick, concentration float64) *FragmentFactory {
	if priceTick <= 0 {
		priceTick = 0.01
	}
	if concentration <= 0 || concentration > 1 {
		concentration = 0.25
	}
	return &FragmentFactory{PriceTick: priceTick, Concentration: concentration}
}

// Build makes one fragment per slice. rng is only read for Priced fills.
func (f *FragmentFactory) Build(asset domain.Asset, slices []Slice, quote Quote, style domain.ExecutionStyle,
	session domain.Session, seq uint64, rng *rand.Rand, dt time.Time) []domain.Fragment {
	if style == nil {
		style = domain.MarketOrder{}
	}

	out := make([]domain.Fragment, 0, len(slices))
	for i, s := range slices {
		var fill domain.Fill
		if asset.BidMechanism {
			fill = domain.Timed(s.At)
		} else {
			fill = domain.Priced(f.simulatePrice(asset, quote, s.Last, rng))
		}
		out = append(out, domain.Fragment{
			ID:         FragmentID(asset.Sid, session, seq, i),
			Sid:        asset.Sid,
			Size:       s.Size,
			Fill:       fill,
			LimitRatio: style.LimitPriceRatio(),
			StopRatio:  style.StopPriceRatio(),
			Session:    session,
			CreatedAt:  dt,
		})
	}
	return out
}

// simulatePrice draws a fill price inside [lo, hi]. Ordinary slices are
// uniform over the band. The final slice is triangular around the latest
// close on a window Concentration times the half band wide.
func (f *FragmentFactory) simulatePrice(asset domain.Asset, quote Quote, last bool, rng *rand.Rand) float64 {
	lo, hi := quote.Band(asset)
	if hi <= lo {
		return f.round(quote.PriorClose, lo, hi)
	}

	if !last {
		return f.round(lo+rng.Float64()*(hi-lo), lo, hi)
	}

	mode := quote.LatestClose
	if quant.IsNaN(mode) {
		mode = quote.PriorClose
	}
	mode = math.Min(math.Max(mode, lo), hi)
	half := f.Concentration * (hi - lo) / 2
	a, b := math.Max(lo, mode-half), math.Min(hi, mode+half)
	return f.round(triangular(rng.Float64(), a, mode, b), lo, hi)
}

// round snaps p to the price tick without leaving [lo, hi].
func (f *FragmentFactory) round(p, lo, hi float64) float64 {
	r := quant.RoundPrice(p, f.PriceTick)
	if r < lo {
		if up := math.Ceil(lo/f.PriceTick) * f.PriceTick; up <= hi {
			return up
		}
		return p
	}
	if r > hi {
		if down := math.Floor(hi/f.PriceTick) * f.PriceTick; down >= lo {
			return down
		}
		return p
	}
	return r
}

// triangular maps u in [0,1) onto the triangular distribution (a, c, b).
func triangular(u, a, c, b float64) float64 {
	if b <= a {
		return a
	}
	fc := (c - a) / (b - a)
	if u < fc {
		return a + math.Sqrt(u*(b-a)*(c-a))
	}
	return b - math.Sqrt((1-u)*(b-a)*(b-c))
}
