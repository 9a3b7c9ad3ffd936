// Package app wires configuration, storage and the simulation graph.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"backtest_go/internal/aggregate"
	"backtest_go/internal/calendar"
	"backtest_go/internal/control"
	"backtest_go/internal/division"
	"backtest_go/internal/domain"
	"backtest_go/internal/engine"
	"backtest_go/internal/execution"
	"backtest_go/internal/infra"
	"backtest_go/internal/infra/gateway"
	"backtest_go/internal/infra/storage"
	"backtest_go/internal/ledger"
	"backtest_go/internal/marketdata"
	"backtest_go/internal/service"
	"backtest_go/internal/strategy"
)

// connectTimeout bounds the wait for the remote matching engine.
const connectTimeout = 10 * time.Second

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string
	Config     *infra.Config
	Logger     *slog.Logger
	Storage    *storage.Store
	Calendar   *calendar.Calendar
	Assets     []domain.Asset
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize performs core system initialization (config, logger, DB, calendar).
func (b *Bootstrap) Initialize() error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	slog.Info("🚀 Bootstrapping backtest...", slog.String("config", b.ConfigPath))

	// 3. Initialize Storage (DB)
	store, err := storage.Open(cfg.Data.DBPath)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("path", cfg.Data.DBPath))

	// 4. Calendar: the stored one wins, the configured one seeds it
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	cal, err := store.LoadCalendar(loc)
	if err != nil || len(cal.Sessions()) == 0 {
		cal, err = b.configuredCalendar(loc)
		if err != nil {
			return err
		}
	}
	b.Calendar = cal

	for _, a := range cfg.Backtest.Assets {
		b.Assets = append(b.Assets, a.Asset())
	}
	slog.Info("✅ Calendar ready", slog.Int("sessions", len(cal.Sessions())), slog.Int("assets", len(b.Assets)))
	return nil
}

func (b *Bootstrap) configuredCalendar(loc *time.Location) (*calendar.Calendar, error) {
	c := b.Config.Calendar
	holidays := make([]domain.Session, 0, len(c.Holidays))
	for _, h := range c.Holidays {
		holidays = append(holidays, domain.Session(h))
	}
	return calendar.NewWeekdays(loc, domain.Session(c.First), domain.Session(c.Last), c.Open, c.Close, holidays...)
}

// Close releases the database.
func (b *Bootstrap) Close() {
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Error("Failed to close database", slog.Any("error", err))
		}
	}
}

// Seed stores the configured assets and sessions, then writes synthetic
// random-walk minute bars for every asset. Generation runs in parallel;
// writes are serialized.
func (b *Bootstrap) Seed(ctx context.Context, seed uint64) (int, error) {
	slog.Info("🔄 Starting seed...", slog.Int("assets", len(b.Assets)))

	cal, err := b.configuredCalendar(b.Calendar.Location())
	if err != nil {
		return 0, err
	}
	if err := b.Storage.SaveSessions(cal); err != nil {
		return 0, err
	}
	b.Calendar = cal

	walk := marketdata.RandomWalk{Seed: seed}
	results := make([][]domain.MinuteBar, len(b.Config.Backtest.Assets))
	errs := make([]error, len(b.Config.Backtest.Assets))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 4) // Limit concurrent generators

	for i, ac := range b.Config.Backtest.Assets {
		asset := ac.Asset()
		if err := b.Storage.UpsertAsset(&asset); err != nil {
			return 0, err
		}
		start := ac.StartPrice
		if start <= 0 {
			start = 10
		}

		wg.Add(1)
		go func(i int, asset domain.Asset, start float64) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			results[i], errs[i] = walk.Generate(asset, start, cal)
		}(i, asset, start)
	}
	wg.Wait()

	total := 0
	for i, bars := range results {
		if errs[i] != nil {
			return total, errs[i]
		}
		if err := b.Storage.SaveBars(ctx, bars); err != nil {
			return total, err
		}
		total += len(bars)
		slog.Info("Seeded asset", slog.Int64("sid", b.Assets[i].Sid), slog.Int("bars", len(bars)))
	}

	slog.Info("✨ Seed completed", slog.Int("bars", total))
	return total, nil
}

// Simulation is a fully wired backtest.
type Simulation struct {
	Sequencer   *engine.Sequencer
	Feeder      *engine.Feeder
	Ledger      *ledger.Ledger
	Performance *service.PerformanceService
	Paper       *execution.PaperExecution
	Publisher   *gateway.Publisher

	first, last domain.Session
}

// Result is what a finished run reports.
type Result struct {
	Stats   engine.Stats          `json:"stats"`
	Summary service.Summary       `json:"summary"`
	Ledger  ledger.Snapshot       `json:"ledger"`
	Metrics infra.MetricsSnapshot `json:"metrics"`
	Expired int                   `json:"expired_fragments"`
	Elapsed string                `json:"elapsed"`
}

// preload reads every stored bar of the run into memory.
func (b *Bootstrap) preload(ctx context.Context) (*marketdata.MemorySource, error) {
	sessions := b.Calendar.Sessions()
	if len(sessions) == 0 {
		return nil, errors.New("calendar has no sessions")
	}
	start, err := b.Calendar.SessionOpen(sessions[0])
	if err != nil {
		return nil, err
	}
	end, err := b.Calendar.SessionClose(sessions[len(sessions)-1])
	if err != nil {
		return nil, err
	}
	bars, err := b.Storage.SessionBars(ctx, b.Assets, start, end)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no minute bars between %s and %s, run seed first", sessions[0], sessions[len(sessions)-1])
	}

	mem := marketdata.NewMemorySource()
	for _, bar := range bars {
		mem.Put(bar)
	}
	slog.Info("✅ Minute bars loaded", slog.Int("bars", len(bars)))
	return mem, nil
}

// controls builds the configured union. MaxDailyDisposal goes last so it
// only counts what actually passes the other limits.
func (b *Bootstrap) controls(board control.Pricer) *control.Union {
	c := b.Config.Controls
	var members []domain.TradingControls
	if c.MaxOrderShares > 0 || c.MaxOrderNotional.IsPositive() {
		members = append(members, control.MaxOrderSize{MaxShares: c.MaxOrderShares, MaxNotional: c.MaxOrderNotional, Prices: board})
	}
	if c.MaxPositionShares > 0 || c.MaxPositionWeight > 0 {
		members = append(members, control.MaxPositionSize{MaxShares: c.MaxPositionShares, MaxWeight: c.MaxPositionWeight, Prices: board})
	}
	if c.LongOnly {
		members = append(members, control.LongOnly{})
	}
	members = append(members, control.CashLimit{Reserve: c.CashReserve, Prices: board})
	if c.MaxDailyDisposal > 0 {
		members = append(members, control.NewMaxDailyDisposal(c.MaxDailyDisposal, b.Calendar.Location()))
	}
	u := control.NewUnion(members...).WithLogger(b.Logger)
	b.Logger.Info("✅ Trading controls ready", slog.Int("controls", u.Len()))
	return u
}

// divider builds the order slicer over bars.
func (b *Bootstrap) divider(bars domain.MinuteBarSource, agg *aggregate.DailyAggregator, controls domain.TradingControls) (*division.Divider, error) {
	d := b.Config.Division
	mode, err := aggregate.ParseReferenceMode(d.ReferenceMode)
	if err != nil {
		return nil, err
	}
	var refAgg *aggregate.DailyAggregator
	if mode == aggregate.PriorMinute {
		// dedicated cache, see ReferencePrices
		refAgg = aggregate.NewDailyAggregator(bars, b.Calendar, aggregate.WithLogger(b.Logger))
	}
	refs := aggregate.NewReferencePrices(mode, refAgg, bars, b.Calendar)

	uncover, err := division.ParseUncover(d.Uncover, b.Config.Interval(), d.MaxSlices)
	if err != nil {
		return nil, err
	}

	opts := []division.Option{
		division.WithUncover(uncover),
		division.WithFactory(division.NewFragmentFactory(d.PriceTick, d.Concentration)),
		division.WithLogger(b.Logger),
	}
	if agg != nil {
		opts = append(opts, division.WithCloses(agg))
	}
	return division.NewDivider(division.Config{
		BaseNotional:        d.BaseNotional,
		PositionLotMultiple: d.PositionLotMultiple,
		Seed:                d.Seed,
	}, refs, b.Calendar, controls, opts...), nil
}

// capitalPerTrade defaults to an equal split of starting cash.
func (b *Bootstrap) capitalPerTrade() decimal.Decimal {
	if c := b.Config.Backtest.CapitalPerTrade; c.IsPositive() {
		return c
	}
	return b.Config.Backtest.StartingCash.Div(decimal.NewFromInt(int64(len(b.Assets))))
}

// Build wires a simulation over the stored bars.
func (b *Bootstrap) Build(ctx context.Context) (*Simulation, error) {
	bars, err := b.preload(ctx)
	if err != nil {
		return nil, err
	}

	board := engine.NewPriceBoard()
	agg := aggregate.NewDailyAggregator(bars, b.Calendar, aggregate.WithLogger(b.Logger))
	controls := b.controls(board)
	divider, err := b.divider(bars, agg, controls)
	if err != nil {
		return nil, err
	}

	cfg := b.Config
	sim := &Simulation{
		Ledger:      ledger.New(cfg.Backtest.StartingCash),
		Performance: service.NewPerformanceService(),
		first:       domain.Session(cfg.Calendar.First),
		last:        domain.Session(cfg.Calendar.Last),
	}

	capital := b.capitalPerTrade()
	strategies := make([]strategy.Strategy, 0, len(b.Assets))
	for _, a := range b.Assets {
		strategies = append(strategies, strategy.NewSMACrossStrategy(a.Sid, cfg.Backtest.FastPeriod, cfg.Backtest.SlowPeriod, capital, domain.MarketOrder{}))
	}

	deps := engine.Deps{
		Assets:     b.Assets,
		Aggregator: agg,
		Ledger:     sim.Ledger,
		Divider:    divider,
		Recorder:   sim.Performance,
		Strategies: strategies,
		Board:      board,
		Logger:     b.Logger,
	}
	if cfg.Execution.Journal {
		deps.Journal = b.Storage
	}

	var remoteFills chan domain.FillReport
	switch cfg.Execution.Mode {
	case "remote":
		remoteFills = make(chan domain.FillReport, 1024)
		sim.Publisher = gateway.NewPublisher(cfg.Execution.RemoteURL, cfg.App.Name, remoteFills, infra.GlobalMetrics)
		if err := sim.Publisher.Connect(ctx); err != nil {
			return nil, err
		}
		waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := sim.Publisher.WaitConnected(waitCtx); err != nil {
			sim.Publisher.Disconnect()
			return nil, fmt.Errorf("remote matching engine %s: %w", cfg.Execution.RemoteURL, err)
		}
		deps.Sink = sim.Publisher
	default:
		sim.Paper = execution.NewPaperExecution(bars, b.Calendar)
		deps.Sink = sim.Paper
		deps.Fills = sim.Paper
	}

	sim.Sequencer, err = engine.NewSequencer(1024, deps)
	if err != nil {
		return nil, err
	}
	// remoteFills stays nil in paper mode
	sim.Feeder = engine.NewFeeder(b.Calendar, remoteFills)
	return sim, nil
}

// Run feeds every configured session through the sequencer and waits for
// it to drain.
func (s *Simulation) Run(ctx context.Context) (Result, error) {
	started := time.Now()
	if s.Publisher != nil {
		defer s.Publisher.Disconnect()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Feeder.Run(ctx, s.Sequencer.Inbox(), s.first, s.last)
	}()

	// Sequencer runs on this goroutine (The Hotpath Loop)
	s.Sequencer.Run(ctx)
	feedErr := <-errCh

	res := Result{
		Stats:   s.Sequencer.Stats(),
		Summary: s.Performance.Summary(),
		Ledger:  s.Ledger.Snapshot(),
		Metrics: infra.GlobalMetrics.Snapshot(),
		Elapsed: time.Since(started).Round(time.Millisecond).String(),
	}
	if s.Paper != nil {
		res.Expired = len(s.Paper.Expired())
	}
	if feedErr != nil && !errors.Is(feedErr, context.Canceled) {
		return res, feedErr
	}
	return res, nil
}

// SliceRequest is a one-off division.
type SliceRequest struct {
	Sid     int64
	At      time.Time
	Capital decimal.Decimal // buy when positive
	Held    int64           // exit this many shares when Capital is zero
}

// Slice runs a single division against the stored bars without a clock.
func (b *Bootstrap) Slice(ctx context.Context, req SliceRequest) ([]domain.Fragment, error) {
	asset, err := b.Storage.GetAsset(req.Sid)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, fmt.Errorf("sid %d: %w", req.Sid, domain.ErrUnknownAsset)
	}

	agg := aggregate.NewDailyAggregator(b.Storage, b.Calendar, aggregate.WithLogger(b.Logger))
	board := engine.NewPriceBoard()
	bar, err := agg.Bar(ctx, *asset, req.At)
	if err != nil {
		return nil, err
	}
	board.Update(map[int64]float64{asset.Sid: bar.Close})
	b.Logger.Info("Slicing against daily bar",
		slog.Int64("sid", asset.Sid),
		slog.String("session", string(bar.Session)),
		slog.Float64("open", bar.Open),
		slog.Float64("high", bar.High),
		slog.Float64("low", bar.Low),
		slog.Float64("close", bar.Close),
		slog.Float64("volume", bar.Volume),
	)

	divider, err := b.divider(b.Storage, agg, b.controls(board))
	if err != nil {
		return nil, err
	}

	book := ledger.New(b.Config.Backtest.StartingCash)
	if req.Capital.IsPositive() {
		return divider.DivideByCapital(ctx, *asset, req.Capital, book.Portfolio(), req.At, domain.MarketOrder{})
	}
	if req.Held != 0 {
		writer, err := book.Writer()
		if err != nil {
			return nil, err
		}
		if err := writer.ApplyFill(*asset, req.Held, bar.Close, req.At, 1); err != nil {
			return nil, fmt.Errorf("opening position: %w", err)
		}
	}
	return divider.DivideByPosition(ctx, division.Liquidation(book.Portfolio().Position(*asset)), book.Portfolio(), req.At, domain.MarketOrder{})
}
