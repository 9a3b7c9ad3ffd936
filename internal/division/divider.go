// Package division turns capital and position intents into order fragments.
//
// A division anchors on the prior close widened by the asset's price-limit
// band, sizes a target amount in whole lots, lets the trading controls clamp
// it, and hands the slices of the result to a FragmentFactory.
package division

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"backtest_go/internal/domain"
	"backtest_go/internal/infra"
	"backtest_go/pkg/quant"
)

// PriceSource supplies the prior close anchoring a division. NaN means none.
type PriceSource interface {
	PriorClose(ctx context.Context, asset domain.Asset, dt time.Time) (float64, error)
}

// CloseSource serves the close as of dt; DailyAggregator satisfies it.
type CloseSource interface {
	Close(ctx context.Context, assets []domain.Asset, dt time.Time) ([]float64, error)
}

// Config holds the sizing parameters of a Divider.
type Config struct {
	BaseNotional        decimal.Decimal // minimum notional per slice
	PositionLotMultiple int64           // position slices are TickSize * multiple
	Seed                uint64
}

// Divider is the order slicer. It is safe for concurrent use; the only
// shared state is the per (asset, session) call counter.
type Divider struct {
	cfg      Config
	prices   PriceSource
	closes   CloseSource
	calendar domain.SessionCalendar
	controls domain.TradingControls
	uncover  Uncover
	factory  *FragmentFactory
	metrics  *infra.Metrics
	logger   *slog.Logger

	mu  sync.Mutex
	seq map[seqKey]uint64
}

type seqKey struct {
	sid     int64
	session domain.Session
}

// Option configures a Divider.
type Option func(*Divider)

// WithCloses enables close concentration of final slices.
func WithCloses(c CloseSource) Option {
	return func(d *Divider) { d.closes = c }
}

// WithUncover replaces the default EvenUncover.
func WithUncover(u Uncover) Option {
	return func(d *Divider) {
		if u != nil {
			d.uncover = u
		}
	}
}

// WithFactory replaces the default FragmentFactory.
func WithFactory(f *FragmentFactory) Option {
	return func(d *Divider) {
		if f != nil {
			d.factory = f
		}
	}
}

// WithMetrics records fragments and precondition failures into m.
func WithMetrics(m *infra.Metrics) Option {
	return func(d *Divider) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Divider) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDivider creates a Divider.
func NewDivider(cfg Config, prices PriceSource, calendar domain.SessionCalendar, controls domain.TradingControls, opts ...Option) *Divider {
	if cfg.PositionLotMultiple <= 0 {
		cfg.PositionLotMultiple = 1
	}
	d := &Divider{
		cfg:      cfg,
		prices:   prices,
		calendar: calendar,
		controls: controls,
		uncover:  EvenUncover{},
		factory:  NewFragmentFactory(0.01, 0.25),
		metrics:  infra.GlobalMetrics,
		logger:   slog.Default(),
		seq:      make(map[seqKey]uint64),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DivideByCapital spends capital on asset. It fails with
// domain.ErrInsufficientCapital when capital cannot buy one lot at the top
// of the band; that is the only non-collaborator failure.
func (d *Divider) DivideByCapital(ctx context.Context, asset domain.Asset, capital decimal.Decimal,
	portfolio domain.PortfolioView, dt time.Time, style domain.ExecutionStyle) ([]domain.Fragment, error) {
	session, err := d.session(dt)
	if err != nil {
		return nil, err
	}
	quote, err := d.quote(ctx, asset, dt, true)
	if err != nil {
		return nil, err
	}

	ensure := quote.PriorClose * (1 + asset.Restricted)
	baseLot := max(asset.TickSize, quant.CeilShares(d.cfg.BaseNotional.InexactFloat64()/ensure))
	if asset.Increment {
		baseLot = quant.FloorToLot(baseLot, asset.TickSize)
	}

	target := capital.Div(decimal.NewFromFloat(ensure)).Floor().IntPart()
	if target < 0 {
		target = 0
	}
	if asset.Increment {
		target = quant.FloorToLot(target, asset.TickSize)
	}

	if target < asset.TickSize {
		d.metrics.RecordPreconditionFailure()
		d.logger.Warn("capital below one lot",
			slog.Int64("sid", asset.Sid),
			slog.String("capital", capital.String()),
			slog.Float64("ensure_price", ensure),
			slog.Int64("tick_size", asset.TickSize),
		)
		return nil, &domain.DivisionError{
			Sid:      asset.Sid,
			Capital:  capital.String(),
			Amount:   target,
			TickSize: asset.TickSize,
			Err:      domain.ErrInsufficientCapital,
		}
	}

	return d.slice(ctx, asset, target, baseLot, quote, portfolio, session, dt, style)
}

// liquidation negates the amount of a held position.
type liquidation struct {
	domain.PositionView
}

func (l liquidation) Amount() int64 { return -l.PositionView.Amount() }

// Liquidation returns the full disposal of a held position, the form
// DivideByPosition expects.
func Liquidation(held domain.PositionView) domain.PositionView {
	return liquidation{held}
}

// DivideByPosition slices position.Amount(), already signed as the disposal
// (see Liquidation). There is no capital precondition and slices are
// TickSize * PositionLotMultiple.
func (d *Divider) DivideByPosition(ctx context.Context, position domain.PositionView,
	portfolio domain.PortfolioView, dt time.Time, style domain.ExecutionStyle) ([]domain.Fragment, error) {
	asset := position.Asset()
	target := position.Amount()
	if target == 0 {
		return nil, nil
	}
	session, err := d.session(dt)
	if err != nil {
		return nil, err
	}
	quote, err := d.quote(ctx, asset, dt, !asset.BidMechanism)
	if err != nil {
		return nil, err
	}

	baseLot := asset.TickSize * d.cfg.PositionLotMultiple
	return d.slice(ctx, asset, target, baseLot, quote, portfolio, session, dt, style)
}

func (d *Divider) slice(ctx context.Context, asset domain.Asset, target, baseLot int64, quote Quote,
	portfolio domain.PortfolioView, session domain.Session, dt time.Time, style domain.ExecutionStyle) ([]domain.Fragment, error) {
	// Everything that can fail runs before the controls book the amount.
	sessionClose, err := d.calendar.SessionClose(session)
	if err != nil {
		return nil, domain.NewFatalSourceError("calendar.session_close", err)
	}

	if !asset.BidMechanism && d.closes != nil {
		closes, err := d.closes.Close(ctx, []domain.Asset{asset}, dt)
		if err != nil {
			return nil, err
		}
		quote.LatestClose = closes[0]
	}

	validated := d.controls.Validate(asset, target, portfolio, dt)
	if validated == 0 {
		d.logger.Debug("division clamped to zero",
			slog.Int64("sid", asset.Sid),
			slog.Int64("target", target),
		)
		return nil, nil
	}

	seq := d.nextSeq(asset.Sid, session)
	rng := d.rng(asset.Sid, session, seq)
	slices := d.uncover.Slices(asset, validated, baseLot, dt, sessionClose)
	fragments := d.factory.Build(asset, slices, quote, style, session, seq, rng, dt)

	d.metrics.RecordFragments(len(fragments))
	return fragments, nil
}

// Release returns the amount of fragments that were divided at dt but never
// placed to controls that book validated amounts.
func (d *Divider) Release(asset domain.Asset, fragments []domain.Fragment, dt time.Time) {
	r, ok := d.controls.(domain.ControlReleaser)
	if !ok || len(fragments) == 0 {
		return
	}
	amount := domain.SumSizes(fragments)
	r.Release(asset, amount, dt)
	d.logger.Debug("division released",
		slog.Int64("sid", asset.Sid),
		slog.Int64("amount", amount),
	)
}

func (d *Divider) session(dt time.Time) (domain.Session, error) {
	s, err := d.calendar.MinuteToSessionLabel(dt)
	if err != nil {
		return "", domain.NewFatalSourceError("calendar.minute_to_session_label", err)
	}
	return s, nil
}

// quote reads the prior close. Without need a missing close is tolerated.
func (d *Divider) quote(ctx context.Context, asset domain.Asset, dt time.Time, need bool) (Quote, error) {
	q := Quote{PriorClose: quant.NaN(), LatestClose: quant.NaN()}
	pc, err := d.prices.PriorClose(ctx, asset, dt)
	if err != nil {
		if domain.IsSourceError(err) {
			return q, err
		}
		return q, domain.NewSourceError("prices.prior_close", err)
	}
	if need && (quant.IsNaN(pc) || pc <= 0) {
		return q, fmt.Errorf("sid %d at %s: %w", asset.Sid, dt.Format(time.RFC3339), domain.ErrNoReferencePrice)
	}
	q.PriorClose = pc
	return q, nil
}

func (d *Divider) nextSeq(sid int64, session domain.Session) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := seqKey{sid: sid, session: session}
	d.seq[key]++
	return d.seq[key]
}

// rng is call scoped, seeded from (seed, sid, session, seq).
func (d *Divider) rng(sid int64, session domain.Session, seq uint64) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(session))
	return rand.New(rand.NewPCG(d.cfg.Seed^uint64(sid)*0x9E3779B97F4A7C15, h.Sum64()^seq))
}
