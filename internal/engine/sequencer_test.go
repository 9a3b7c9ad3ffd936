package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest_go/internal/aggregate"
	"backtest_go/internal/calendar"
	"backtest_go/internal/control"
	"backtest_go/internal/division"
	"backtest_go/internal/domain"
	"backtest_go/internal/event"
	"backtest_go/internal/execution"
	"backtest_go/internal/infra"
	"backtest_go/internal/ledger"
	"backtest_go/internal/marketdata"
	"backtest_go/internal/service"
	"backtest_go/internal/strategy"
	"backtest_go/pkg/quant"
)

var (
	day2Open = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	asset    = domain.Asset{Sid: 1, Symbol: "AAA", TickSize: 100, Increment: true, Restricted: 0.1, PriceMultiplier: 1}
)

// scripted buys at open+1m and exits at open+5m of the second session.
type scripted struct {
	capital decimal.Decimal
}

func (s scripted) OnMarketUpdate(st strategy.MarketState) []strategy.Action {
	switch {
	case st.Ts.Equal(day2Open.Add(time.Minute)) && st.Held == 0:
		return []strategy.Action{{Type: strategy.ActionBuy, Sid: st.Sid, Capital: s.capital, Reason: "scripted_entry"}}
	case st.Ts.Equal(day2Open.Add(5*time.Minute)) && st.Held > 0:
		return []strategy.Action{{Type: strategy.ActionExit, Sid: st.Sid, Reason: "scripted_exit"}}
	}
	return nil
}

type memJournal struct {
	mu        sync.Mutex
	fragments []domain.Fragment
	fills     []domain.FillReport
}

func (j *memJournal) RecordFragments(_ context.Context, fragments []domain.Fragment) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fragments = append(j.fragments, fragments...)
	return nil
}

func (j *memJournal) RecordFill(_ context.Context, fill domain.FillReport) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills = append(j.fills, fill)
	return nil
}

type harness struct {
	cal     *calendar.Calendar
	bars    *marketdata.MemorySource
	ledger  *ledger.Ledger
	paper   *execution.PaperExecution
	journal *memJournal
	perf    *service.PerformanceService
	metrics *infra.Metrics
	seq     *Sequencer
}

func newHarness(t testing.TB, strategies ...strategy.Strategy) *harness {
	t.Helper()
	cal, err := calendar.NewWeekdays(time.UTC, "2024-03-14", "2024-03-15", "09:30", "09:40")
	require.NoError(t, err)

	bars := marketdata.NewMemorySource()
	for _, s := range cal.Sessions() {
		minutes, err := cal.Minutes(s)
		require.NoError(t, err)
		for _, ts := range minutes {
			bars.Put(domain.MinuteBar{Sid: asset.Sid, Ts: ts, Open: 10, High: 10, Low: 10, Close: 10, Volume: 1000})
		}
	}

	h := &harness{
		cal:     cal,
		bars:    bars,
		ledger:  ledger.New(decimal.NewFromInt(100000)),
		paper:   execution.NewPaperExecution(bars, cal),
		journal: &memJournal{},
		perf:    service.NewPerformanceService(),
		metrics: &infra.Metrics{},
	}

	agg := aggregate.NewDailyAggregator(bars, cal, aggregate.WithMetrics(h.metrics))
	refs := aggregate.NewReferencePrices(aggregate.PriorSession, nil, bars, cal)
	board := NewPriceBoard()
	controls := control.NewUnion(control.LongOnly{}).WithMetrics(h.metrics)
	divider := division.NewDivider(
		division.Config{BaseNotional: decimal.NewFromInt(1000), PositionLotMultiple: 1, Seed: 7},
		refs, cal, controls,
		division.WithCloses(agg),
		division.WithMetrics(h.metrics),
	)

	h.seq, err = NewSequencer(64, Deps{
		Assets:     []domain.Asset{asset},
		Aggregator: agg,
		Ledger:     h.ledger,
		Divider:    divider,
		Sink:       h.paper,
		Fills:      h.paper,
		Journal:    h.journal,
		Recorder:   h.perf,
		Strategies: strategies,
		Board:      board,
		Metrics:    h.metrics,
		DumpPath:   filepath.Join(t.TempDir(), "dump.json"),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) run(t testing.TB) {
	t.Helper()
	ctx := context.Background()
	feeder := NewFeeder(h.cal, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- feeder.Run(ctx, h.seq.Inbox(), "", "") }()
	h.seq.Run(ctx)
	require.NoError(t, <-errCh)
}

func TestSequencer_EndToEnd(t *testing.T) {
	h := newHarness(t, scripted{capital: decimal.NewFromInt(5000)})
	h.run(t)

	stats := h.seq.Stats()
	assert.Equal(t, uint64(22), stats.Minutes)
	assert.Equal(t, uint64(2), stats.Sessions)
	assert.Equal(t, uint64(2), stats.Actions)
	assert.Equal(t, uint64(0), stats.Rejected)
	assert.Equal(t, uint64(0), stats.Errors)

	// 5000 / (10 * 1.1) floored to 400 shares in lots of 100, then the exit
	assert.Equal(t, uint64(8), stats.Fragments)
	assert.Equal(t, uint64(8), stats.Fills)
	require.Len(t, h.journal.fragments, 8)
	require.Len(t, h.journal.fills, 8)
	assert.Equal(t, int64(400), domain.SumSizes(h.journal.fragments[:4]))
	assert.Equal(t, int64(-400), domain.SumSizes(h.journal.fragments[4:]))

	for _, f := range h.journal.fills {
		assert.GreaterOrEqual(t, f.Price, 9.0)
		assert.LessOrEqual(t, f.Price, 11.0+1e-9)
	}

	portfolio := h.ledger.Portfolio()
	assert.Empty(t, portfolio.Positions(), "flat positions are pruned at session end")
	assert.Equal(t, 0, h.paper.Pending())

	var flow decimal.Decimal
	for _, f := range h.journal.fills {
		flow = flow.Add(decimal.NewFromInt(f.Size).Mul(decimal.NewFromFloat(f.Price)))
	}
	assert.True(t, portfolio.Cash().Equal(decimal.NewFromInt(100000).Sub(flow)),
		"Expected cash %s, got %s", decimal.NewFromInt(100000).Sub(flow), portfolio.Cash())

	snap := h.metrics.Snapshot()
	assert.Equal(t, uint64(8), snap.FillsApplied)
	assert.Equal(t, uint64(8), snap.FragmentsEmitted)
	assert.True(t, h.seq.LastTs().Equal(time.Date(2024, 3, 15, 9, 40, 0, 0, time.UTC)))

	sessions := h.perf.GetAllData()
	require.Len(t, sessions, 2)
	assert.True(t, sessions[1].PortfolioValue.Equal(portfolio.Cash()))
	assert.Equal(t, int64(0), sessions[1].Exposure)
}

func TestSequencer_Deterministic(t *testing.T) {
	a := newHarness(t, scripted{capital: decimal.NewFromInt(5000)})
	a.run(t)
	b := newHarness(t, scripted{capital: decimal.NewFromInt(5000)})
	b.run(t)

	assert.Equal(t, a.journal.fills, b.journal.fills)
	assert.True(t, a.ledger.Portfolio().Cash().Equal(b.ledger.Portfolio().Cash()))
}

func TestSequencer_RejectsSmallCapital(t *testing.T) {
	h := newHarness(t, scripted{capital: decimal.NewFromInt(5)})
	h.run(t)

	stats := h.seq.Stats()
	assert.Equal(t, uint64(1), stats.Actions)
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, uint64(0), stats.Errors)
	assert.Empty(t, h.journal.fragments)
}

func TestSequencer_ReplayRemoteFill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev := event.AcquireFillEvent()
	ev.Seq = 1
	ev.Ts = day2Open
	ev.Fill = domain.FillReport{FragmentID: "r-1", Sid: asset.Sid, Size: 300, Price: 10.5, FilledAt: day2Open}
	h.seq.ReplayEvent(ctx, ev)

	pos := h.ledger.Portfolio().Position(asset)
	if pos.Amount() != 300 {
		t.Errorf("Expected 300 shares, got %d", pos.Amount())
	}
	if !pos.CostBasis().Equal(decimal.NewFromFloat(10.5)) {
		t.Errorf("Expected cost basis 10.5, got %s", pos.CostBasis())
	}
	require.Len(t, h.journal.fills, 1)

	// unknown assets are logged and skipped
	unknown := &event.FillEvent{BaseEvent: event.BaseEvent{Seq: 2, Ts: day2Open}}
	unknown.Fill = domain.FillReport{FragmentID: "r-2", Sid: 99, Size: 1, Price: 1}
	h.seq.ReplayEvent(ctx, unknown)
	assert.Equal(t, uint64(1), h.seq.Stats().Fills)
}

type rejectingSink struct{ err error }

func (s rejectingSink) Submit(context.Context, []domain.Fragment) error { return s.err }

func TestSequencer_FailedSubmitReleasesDisposal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev := event.AcquireFillEvent()
	ev.Seq = 1
	ev.Ts = day2Open
	ev.Fill = domain.FillReport{FragmentID: "r-1", Sid: asset.Sid, Size: 300, Price: 10, FilledAt: day2Open}
	h.seq.ReplayEvent(ctx, ev)

	disposal := control.NewMaxDailyDisposal(1000, time.UTC)
	h.seq.deps.Divider = division.NewDivider(
		division.Config{BaseNotional: decimal.NewFromInt(1000), PositionLotMultiple: 1, Seed: 7},
		aggregate.NewReferencePrices(aggregate.PriorSession, nil, h.bars, h.cal), h.cal,
		control.NewUnion(control.LongOnly{}, disposal).WithMetrics(h.metrics),
		division.WithCloses(aggregate.NewDailyAggregator(h.bars, h.cal, aggregate.WithMetrics(h.metrics))),
		division.WithMetrics(h.metrics),
	)
	h.seq.deps.Sink = rejectingSink{err: errors.New("engine unavailable")}

	at := day2Open.Add(time.Minute)
	h.seq.execute(ctx, strategy.Action{Type: strategy.ActionExit, Sid: asset.Sid, Reason: "exit"}, at)

	st := h.seq.Stats()
	assert.Equal(t, uint64(1), st.Errors)
	assert.Equal(t, uint64(0), st.Fragments)
	if got := disposal.Remaining(asset, at); got != 1000 {
		t.Errorf("Expected the full allowance after a failed submit, got %d", got)
	}
	assert.Equal(t, int64(300), h.ledger.Portfolio().Position(asset).Amount())
}

func TestSequencer_GapDetection(t *testing.T) {
	h := newHarness(t)

	// Should panic when receiving out-of-order event
	defer func() {
		if r := recover(); r == nil {
			t.Error("Sequencer should have panicked on sequence gap")
		}
	}()

	ev := &event.SessionEndEvent{BaseEvent: event.BaseEvent{Seq: 2, Ts: day2Open}, Session: "2024-03-15"}
	h.seq.ReplayEvent(context.Background(), ev)
}

func TestSequencer_HaltDumpsState(t *testing.T) {
	h := newHarness(t)

	h.seq.Inbox() <- &event.SessionEndEvent{BaseEvent: event.BaseEvent{Seq: 5, Ts: day2Open}, Session: "2024-03-15"}
	assert.PanicsWithValue(t, "HALTED: SEQUENCE_GAP_DETECTED: expected 1, got 5", func() {
		h.seq.Run(context.Background())
	})

	raw, err := os.ReadFile(h.seq.deps.DumpPath)
	require.NoError(t, err)
	var dump struct {
		NextSeq uint64          `json:"next_seq"`
		Ledger  ledger.Snapshot `json:"ledger"`
	}
	require.NoError(t, json.Unmarshal(raw, &dump))
	assert.Equal(t, uint64(1), dump.NextSeq)
	assert.Equal(t, "100000", dump.Ledger.Cash)
}

func TestNewSequencer_Requirements(t *testing.T) {
	_, err := NewSequencer(1, Deps{})
	assert.Error(t, err)

	h := newHarness(t)
	// the writer is already claimed by the harness sequencer
	_, err = NewSequencer(1, h.seq.deps)
	assert.True(t, errors.Is(err, ledger.ErrWriterClaimed), "Expected ErrWriterClaimed, got %v", err)
}

func TestFeeder_InterleavesFills(t *testing.T) {
	cal, err := calendar.NewWeekdays(time.UTC, "2024-03-15", "2024-03-15", "09:30", "09:32")
	require.NoError(t, err)

	fills := make(chan domain.FillReport, 2)
	fills <- domain.FillReport{FragmentID: "a", Sid: 1, Size: 100, Price: 10}
	fills <- domain.FillReport{FragmentID: "b", Sid: 1, Size: 100, Price: 10}
	close(fills)

	inbox := make(chan event.Event, 16)
	require.NoError(t, NewFeeder(cal, fills).Run(context.Background(), inbox, "", ""))

	var got []event.Event
	for ev := range inbox {
		got = append(got, ev)
	}
	// 2 fills + 3 minutes + session end
	require.Len(t, got, 6)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.GetSeq())
	}
	assert.Equal(t, event.TypeFill, got[0].GetType())
	assert.Equal(t, event.TypeFill, got[1].GetType())
	assert.Equal(t, event.TypeMinute, got[2].GetType())
	assert.Equal(t, event.TypeSessionEnd, got[5].GetType())
	assert.True(t, got[0].GetTs().Equal(day2Open))
	assert.True(t, got[5].GetTs().Equal(day2Open.Add(2*time.Minute)))
}

func TestFeeder_SessionRange(t *testing.T) {
	cal, err := calendar.NewWeekdays(time.UTC, "2024-03-14", "2024-03-15", "09:30", "09:31")
	require.NoError(t, err)

	inbox := make(chan event.Event, 16)
	require.NoError(t, NewFeeder(cal, nil).Run(context.Background(), inbox, "2024-03-15", "2024-03-15"))

	n := 0
	for ev := range inbox {
		n++
		if m, ok := ev.(*event.MinuteEvent); ok && m.Session != "2024-03-15" {
			t.Errorf("Expected only 2024-03-15, got %s", m.Session)
		}
	}
	assert.Equal(t, 3, n)
}

func TestFeeder_Cancelled(t *testing.T) {
	cal, err := calendar.NewWeekdays(time.UTC, "2024-03-15", "2024-03-15", "09:30", "10:30")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewFeeder(cal, nil).Run(ctx, make(chan event.Event), "", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPriceBoard(t *testing.T) {
	b := NewPriceBoard()
	b.Update(map[int64]float64{1: 10, 2: 20})
	b.Update(map[int64]float64{1: quant.NaN()})

	assert.Equal(t, 10.0, b.LastPrice(domain.Asset{Sid: 1}, day2Open))
	assert.Equal(t, 20.0, b.Snapshot()[2])
	assert.True(t, quant.IsNaN(b.LastPrice(domain.Asset{Sid: 3}, day2Open)))
}
