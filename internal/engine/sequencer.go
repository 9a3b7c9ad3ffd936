// Package engine hosts the simulation clock: a single-threaded sequencer
// that advances minute by minute, feeds strategies and routes their intents
// through the order slicer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"backtest_go/internal/division"
	"backtest_go/internal/domain"
	"backtest_go/internal/event"
	"backtest_go/internal/infra"
	"backtest_go/internal/ledger"
	"backtest_go/internal/strategy"
)

// Aggregator serves as-of-now daily values; aggregate.DailyAggregator satisfies it.
type Aggregator interface {
	Field(ctx context.Context, f domain.Field, assets []domain.Asset, dt time.Time) ([]float64, error)
}

// Divider slices intents into fragments; division.Divider satisfies it.
type Divider interface {
	DivideByCapital(ctx context.Context, asset domain.Asset, capital decimal.Decimal,
		portfolio domain.PortfolioView, dt time.Time, style domain.ExecutionStyle) ([]domain.Fragment, error)
	DivideByPosition(ctx context.Context, position domain.PositionView,
		portfolio domain.PortfolioView, dt time.Time, style domain.ExecutionStyle) ([]domain.Fragment, error)
	Release(asset domain.Asset, fragments []domain.Fragment, dt time.Time)
}

// FillSource releases fills that became due by ts (paper execution).
type FillSource interface {
	Drain(ctx context.Context, ts time.Time) ([]domain.FillReport, error)
}

// Journal persists fragments and fills.
type Journal interface {
	RecordFragments(ctx context.Context, fragments []domain.Fragment) error
	RecordFill(ctx context.Context, fill domain.FillReport) error
}

// SessionRecorder observes the book at every session close;
// service.PerformanceService satisfies it.
type SessionRecorder interface {
	RecordSession(session domain.Session, portfolio domain.PortfolioView, account domain.AccountView)
}

// Deps are the collaborators of a Sequencer. Fills, Journal, Recorder,
// Board, Metrics and Logger are optional.
type Deps struct {
	Assets     []domain.Asset
	Aggregator Aggregator
	Ledger     *ledger.Ledger
	Divider    Divider
	Sink       domain.FragmentSink
	Fills      FillSource
	Journal    Journal
	Recorder   SessionRecorder
	Strategies []strategy.Strategy
	Board      *PriceBoard
	Metrics    *infra.Metrics
	Logger     *slog.Logger
	DumpPath   string
}

// Stats counts what a run did.
type Stats struct {
	Minutes   uint64 `json:"minutes"`
	Sessions  uint64 `json:"sessions"`
	Actions   uint64 `json:"actions"`
	Rejected  uint64 `json:"rejected"`
	Fragments uint64 `json:"fragments"`
	Fills     uint64 `json:"fills"`
	Errors    uint64 `json:"errors"`
}

// Sequencer is the core single-threaded event processor.
type Sequencer struct {
	inbox   chan event.Event
	nextSeq uint64
	fillSeq uint64

	deps   Deps
	bySid  map[int64]domain.Asset
	writer *ledger.Writer
	states []strategy.MarketState
	closes map[int64]float64

	mu     sync.RWMutex // Used only for external reads
	stats  Stats
	lastTs time.Time
}

// NewSequencer creates a new sequencer and claims the ledger's writer.
func NewSequencer(inboxSize int, deps Deps) (*Sequencer, error) {
	if deps.Aggregator == nil || deps.Ledger == nil || deps.Divider == nil || deps.Sink == nil {
		return nil, errors.New("sequencer: aggregator, ledger, divider and sink are required")
	}
	writer, err := deps.Ledger.Writer()
	if err != nil {
		return nil, fmt.Errorf("sequencer: %w", err)
	}
	if deps.Board == nil {
		deps.Board = NewPriceBoard()
	}
	if deps.Metrics == nil {
		deps.Metrics = infra.GlobalMetrics
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DumpPath == "" {
		deps.DumpPath = "panic_dump.json"
	}

	bySid := make(map[int64]domain.Asset, len(deps.Assets))
	for _, a := range deps.Assets {
		bySid[a.Sid] = a
	}
	return &Sequencer{
		inbox:   make(chan event.Event, inboxSize),
		nextSeq: 1,
		deps:    deps,
		bySid:   bySid,
		writer:  writer,
		states:  make([]strategy.MarketState, len(deps.Assets)),
		closes:  make(map[int64]float64, len(deps.Assets)),
	}, nil
}

// Inbox returns the event channel. The feeder sends events here and closes
// it when the run is complete.
func (s *Sequencer) Inbox() chan event.Event {
	return s.inbox
}

// Run processes events until the inbox is closed or ctx is done.
// This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	s.deps.Logger.Info("Sequencer started", slog.Int("assets", len(s.deps.Assets)))

	defer func() {
		if r := recover(); r != nil {
			s.deps.Logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState(s.deps.DumpPath)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.deps.Logger.Info("Sequencer stopping...")
			return
		case ev, ok := <-s.inbox:
			if !ok {
				s.deps.Logger.Info("Sequencer drained", slog.Uint64("next_seq", s.nextSeq))
				return
			}
			s.processEvent(ctx, ev)
		}
	}
}

// ReplayEvent processes one event synchronously on the caller's goroutine.
func (s *Sequencer) ReplayEvent(ctx context.Context, ev event.Event) {
	s.processEvent(ctx, ev)
}

func (s *Sequencer) processEvent(ctx context.Context, ev event.Event) {
	// 1. Sequence Gap Check (Halt Policy)
	if ev.GetSeq() != s.nextSeq {
		panic(fmt.Sprintf("SEQUENCE_GAP_DETECTED: expected %d, got %d", s.nextSeq, ev.GetSeq()))
	}

	start := time.Now()

	// 2. Logic Dispatch
	switch e := ev.(type) {
	case *event.MinuteEvent:
		s.handleMinute(ctx, e)
	case *event.FillEvent:
		s.applyFill(ctx, e.Fill)
	case *event.SessionEndEvent:
		s.handleSessionEnd(e)
	default:
		s.deps.Logger.Warn("Unknown event type", slog.String("type", ev.GetType().String()))
	}

	s.deps.Metrics.RecordEvent(time.Since(start).Nanoseconds())
	s.mu.Lock()
	s.lastTs = ev.GetTs()
	s.mu.Unlock()

	// 3. Increment Sequence
	s.nextSeq++
	event.Release(ev)
}

func (s *Sequencer) handleMinute(ctx context.Context, e *event.MinuteEvent) {
	ts := e.Ts
	if err := s.snapshot(ctx, e.Session, ts); err != nil {
		s.fail("aggregate", err, slog.Time("ts", ts))
		return
	}

	s.deps.Board.Update(s.closes)
	s.writer.SyncLastSalePrices(s.closes, ts)

	portfolio := s.deps.Ledger.Portfolio()
	for i, asset := range s.deps.Assets {
		state := s.states[i]
		state.Held = portfolio.Position(asset).Amount()
		for _, strat := range s.deps.Strategies {
			for _, action := range strat.OnMarketUpdate(state) {
				s.execute(ctx, action, ts)
			}
		}
	}

	s.drainFills(ctx, ts)

	s.mu.Lock()
	s.stats.Minutes++
	s.mu.Unlock()
}

// snapshot reads every field of every asset as of ts.
func (s *Sequencer) snapshot(ctx context.Context, session domain.Session, ts time.Time) error {
	for _, f := range domain.Fields {
		values, err := s.deps.Aggregator.Field(ctx, f, s.deps.Assets, ts)
		if err != nil {
			return err
		}
		for i, v := range values {
			st := &s.states[i]
			st.Sid = s.deps.Assets[i].Sid
			st.Session = session
			st.Ts = ts
			switch f {
			case domain.FieldOpen:
				st.Open = v
			case domain.FieldHigh:
				st.High = v
			case domain.FieldLow:
				st.Low = v
			case domain.FieldClose:
				st.Close = v
				s.closes[st.Sid] = v
			case domain.FieldVolume:
				st.Volume = v
			}
		}
	}
	return nil
}

func (s *Sequencer) execute(ctx context.Context, action strategy.Action, ts time.Time) {
	asset, ok := s.bySid[action.Sid]
	if !ok {
		s.deps.Logger.Warn("action for unknown asset", slog.Int64("sid", action.Sid))
		return
	}
	s.count(func(st *Stats) { st.Actions++ })

	portfolio := s.deps.Ledger.Portfolio()
	var (
		fragments []domain.Fragment
		err       error
	)
	switch action.Type {
	case strategy.ActionBuy:
		fragments, err = s.deps.Divider.DivideByCapital(ctx, asset, action.Capital, portfolio, ts, action.Style)
	case strategy.ActionExit:
		fragments, err = s.deps.Divider.DivideByPosition(ctx, division.Liquidation(portfolio.Position(asset)), portfolio, ts, action.Style)
	default:
		s.deps.Logger.Warn("unknown action", slog.String("type", action.Type.String()))
		return
	}

	switch {
	case errors.Is(err, domain.ErrInsufficientCapital), errors.Is(err, domain.ErrNoReferencePrice):
		s.count(func(st *Stats) { st.Rejected++ })
		s.deps.Logger.Warn("action rejected",
			slog.Int64("sid", asset.Sid),
			slog.String("action", action.Type.String()),
			slog.String("reason", action.Reason),
			slog.Any("error", err),
		)
		return
	case err != nil:
		s.fail("divide", err, slog.Int64("sid", asset.Sid))
		return
	case len(fragments) == 0:
		return
	}

	s.deps.Logger.Info("STRATEGY_ACTION",
		slog.Int64("sid", asset.Sid),
		slog.String("action", action.Type.String()),
		slog.String("reason", action.Reason),
		slog.Int("fragments", len(fragments)),
		slog.Int64("amount", domain.SumSizes(fragments)),
	)

	if s.deps.Journal != nil {
		if err := s.deps.Journal.RecordFragments(ctx, fragments); err != nil {
			s.fail("journal", err, slog.Int64("sid", asset.Sid))
		}
	}
	if err := s.deps.Sink.Submit(ctx, fragments); err != nil {
		s.deps.Divider.Release(asset, fragments, ts)
		s.fail("submit", err, slog.Int64("sid", asset.Sid))
		return
	}
	s.count(func(st *Stats) { st.Fragments += uint64(len(fragments)) })
}

func (s *Sequencer) drainFills(ctx context.Context, ts time.Time) {
	if s.deps.Fills == nil {
		return
	}
	fills, err := s.deps.Fills.Drain(ctx, ts)
	if err != nil {
		s.fail("drain", err, slog.Time("ts", ts))
	}
	for _, f := range fills {
		s.applyFill(ctx, f)
	}
}

func (s *Sequencer) applyFill(ctx context.Context, fill domain.FillReport) {
	asset, ok := s.bySid[fill.Sid]
	if !ok {
		s.deps.Logger.Warn("fill for unknown asset", slog.String("fragment_id", fill.FragmentID), slog.Int64("sid", fill.Sid))
		return
	}
	s.fillSeq++
	if err := s.writer.ApplyFill(asset, fill.Size, fill.Price, fill.FilledAt, s.fillSeq); err != nil {
		s.fail("apply_fill", err, slog.String("fragment_id", fill.FragmentID))
		return
	}
	s.deps.Metrics.RecordFill()
	s.count(func(st *Stats) { st.Fills++ })

	if s.deps.Journal != nil {
		if err := s.deps.Journal.RecordFill(ctx, fill); err != nil {
			s.fail("journal", err, slog.String("fragment_id", fill.FragmentID))
		}
	}
}

func (s *Sequencer) handleSessionEnd(e *event.SessionEndEvent) {
	s.writer.Prune()
	s.writer.VerifyInvariant()

	portfolio := s.deps.Ledger.Portfolio()
	s.deps.Logger.Info("session closed",
		slog.String("session", string(e.Session)),
		slog.String("cash", portfolio.Cash().StringFixed(2)),
		slog.String("portfolio_value", portfolio.PortfolioValue().StringFixed(2)),
		slog.Int("positions", len(portfolio.Positions())),
	)
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordSession(e.Session, portfolio, s.deps.Ledger.Account())
	}
	s.count(func(st *Stats) { st.Sessions++ })
}

// fail logs a collaborator failure; the minute continues without it.
func (s *Sequencer) fail(op string, err error, attrs ...slog.Attr) {
	s.deps.Metrics.RecordError()
	s.count(func(st *Stats) { st.Errors++ })

	args := []any{slog.String("op", op), slog.Any("error", err), slog.Bool("retriable", domain.IsRetriable(err))}
	for _, a := range attrs {
		args = append(args, a)
	}
	s.deps.Logger.Error("sequencer step failed", args...)
}

func (s *Sequencer) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Stats returns a copy of the run counters (external read).
func (s *Sequencer) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// LastTs returns the time of the last processed event (external read).
func (s *Sequencer) LastTs() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTs
}

// DumpState writes the entire internal state to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	s.deps.Logger.Info("Dumping internal state...", slog.String("file", filename))

	data := struct {
		NextSeq uint64            `json:"next_seq"`
		LastTs  time.Time         `json:"last_ts"`
		Prices  map[int64]float64 `json:"prices"`
		Ledger  ledger.Snapshot   `json:"ledger"`
		Stats   Stats             `json:"stats"`
	}{
		NextSeq: s.nextSeq,
		LastTs:  s.LastTs(),
		Prices:  s.deps.Board.Snapshot(),
		Ledger:  s.deps.Ledger.Snapshot(),
		Stats:   s.Stats(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		s.deps.Logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		s.deps.Logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
