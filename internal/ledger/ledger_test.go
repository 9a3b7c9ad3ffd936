package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest_go/internal/domain"
)

var (
	at    = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	stock = domain.Asset{Sid: 7, Symbol: "SEVEN", TickSize: 100, PriceMultiplier: 1}
	fut   = domain.Asset{Sid: 9, Symbol: "FUT", TickSize: 1, PriceMultiplier: 10}
)

func TestWriterClaimedOnce(t *testing.T) {
	l := New(decimal.NewFromInt(1000))

	w, err := l.Writer()
	require.NoError(t, err)
	require.NotNil(t, w)

	_, err = l.Writer()
	assert.ErrorIs(t, err, ErrWriterClaimed)
}

func TestWriterClaimedOnce_Concurrent(t *testing.T) {
	l := New(decimal.NewFromInt(1000))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Writer(); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}

func TestApplyFill_BuyThenSell(t *testing.T) {
	l := New(decimal.NewFromInt(100_000))
	w, err := l.Writer()
	require.NoError(t, err)
	p := l.Portfolio()

	require.NoError(t, w.ApplyFill(stock, 200, 10, at, 1))
	require.NoError(t, w.ApplyFill(stock, 200, 12, at.Add(time.Minute), 2))

	pos := p.Position(stock)
	assert.Equal(t, int64(400), pos.Amount())
	assert.True(t, decimal.NewFromInt(11).Equal(pos.CostBasis()), "got %s", pos.CostBasis())
	assert.True(t, decimal.NewFromInt(100_000-2000-2400).Equal(p.Cash()))
	assert.True(t, decimal.NewFromInt(4400).Equal(p.CapitalUsed()))

	// Partial sale leaves cost basis alone.
	require.NoError(t, w.ApplyFill(stock, -100, 15, at.Add(2*time.Minute), 3))
	assert.Equal(t, int64(300), pos.Amount())
	assert.True(t, decimal.NewFromInt(11).Equal(pos.CostBasis()))
	assert.Equal(t, 15.0, pos.LastSalePrice())

	// Closing clears it.
	require.NoError(t, w.ApplyFill(stock, -300, 15, at.Add(3*time.Minute), 4))
	assert.Equal(t, int64(0), pos.Amount())
	assert.True(t, pos.CostBasis().IsZero())
	assert.Empty(t, p.Positions())

	assert.NotPanics(t, w.VerifyInvariant)
}

func TestApplyFill_Flip(t *testing.T) {
	l := New(decimal.NewFromInt(10_000))
	w, _ := l.Writer()

	require.NoError(t, w.ApplyFill(stock, 100, 10, at, 1))
	require.NoError(t, w.ApplyFill(stock, -300, 9, at, 2))

	pos := l.Portfolio().Position(stock)
	assert.Equal(t, int64(-200), pos.Amount())
	assert.True(t, decimal.NewFromInt(9).Equal(pos.CostBasis()))
}

func TestApplyFill_Rejects(t *testing.T) {
	l := New(decimal.NewFromInt(10_000))
	w, _ := l.Writer()

	assert.Error(t, w.ApplyFill(stock, 0, 10, at, 1))
	assert.Error(t, w.ApplyFill(stock, 100, 0, at, 1))
	assert.Empty(t, l.Portfolio().Positions())
}

func TestPortfolioValuation(t *testing.T) {
	l := New(decimal.NewFromInt(100_000))
	w, _ := l.Writer()
	p := l.Portfolio()
	a := l.Account()

	require.NoError(t, w.ApplyFill(stock, 1000, 20, at, 1)) // 20_000
	require.NoError(t, w.ApplyFill(fut, 10, 300, at, 2))    // 30_000 with multiplier 10

	w.SyncLastSalePrices(map[int64]float64{stock.Sid: 25, fut.Sid: 300, 99: 1}, at.Add(time.Hour))

	// cash 50_000, stock 25_000, fut 30_000
	assert.True(t, decimal.NewFromInt(50_000).Equal(p.Cash()))
	assert.True(t, decimal.NewFromInt(55_000).Equal(p.PositionsValue()))
	assert.True(t, decimal.NewFromInt(105_000).Equal(p.PortfolioValue()))

	weights := p.CurrentWeights()
	assert.InDelta(t, 25_000.0/105_000, weights[stock.Sid], 1e-9)
	assert.InDelta(t, 30_000.0/105_000, weights[fut.Sid], 1e-9)

	assert.Equal(t, int64(1010), a.TotalPositionsExposure())
	assert.True(t, decimal.NewFromInt(50_000).Equal(a.SettledCash()))
	assert.InDelta(t, 55_000.0/105_000, a.NetLeverage(), 1e-9)
	assert.InDelta(t, 50_000.0/105_000, a.Cushion(), 1e-9)
}

func TestUnknownPositionIsEmpty(t *testing.T) {
	l := New(decimal.NewFromInt(1))
	pos := l.Portfolio().Position(stock)

	require.NotNil(t, pos)
	assert.Equal(t, int64(0), pos.Amount())
	assert.Equal(t, stock.Sid, pos.Asset().Sid)
	assert.Empty(t, l.Portfolio().Positions(), "looking up must not create a record")
}

func TestSnapshotAndPrune(t *testing.T) {
	l := New(decimal.NewFromInt(10_000))
	w, _ := l.Writer()

	require.NoError(t, w.ApplyFill(fut, 1, 100, at, 1))
	require.NoError(t, w.ApplyFill(stock, 100, 10, at, 2))
	require.NoError(t, w.ApplyFill(stock, -100, 10, at, 3))

	snap := l.Snapshot()
	require.Len(t, snap.Positions, 2)
	assert.Equal(t, stock.Sid, snap.Positions[0].Sid)
	assert.Equal(t, uint64(3), snap.Positions[0].LastSeq)

	w.Prune()
	snap = l.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, fut.Sid, snap.Positions[0].Sid)
	assert.Equal(t, "9000", snap.Cash)
}
