// Package aggregate rolls minute bars up into session-to-date daily values.
//
// DailyAggregator keeps one cache per OHLCV field holding, for every asset,
// the last minute it was asked about and the aggregate as of that minute.
// A clock stepping forward one minute at a time costs one point read per
// asset per field; anything else falls back to a window read.
package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"backtest_go/internal/domain"
	"backtest_go/internal/infra"
	"backtest_go/pkg/quant"
)

// hit classifies a query against the cached entry of one asset.
type hit int

const (
	hitOpen   hit = iota // dt is the session open
	hitRepeat            // entry.ts == dt
	hitStep              // entry.ts == dt - 1m
	hitGap               // entry.ts < dt - 1m
	hitRewind            // entry.ts > dt, query went backwards
	hitAbsent            // no entry this session
)

func (h hit) String() string {
	switch h {
	case hitOpen:
		return "open"
	case hitRepeat:
		return "repeat"
	case hitStep:
		return "step"
	case hitGap:
		return "gap"
	case hitRewind:
		return "rewind"
	case hitAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

type entry struct {
	ts    time.Time
	value float64
}

func classify(e entry, ok bool, dt, sessionOpen time.Time) hit {
	switch {
	case dt.Equal(sessionOpen):
		return hitOpen
	case !ok:
		return hitAbsent
	case e.ts.Equal(dt):
		return hitRepeat
	case e.ts.Equal(dt.Add(-time.Minute)):
		return hitStep
	case e.ts.Before(dt):
		return hitGap
	default:
		return hitRewind
	}
}

// fieldCache holds one field's entries for a single session.
type fieldCache struct {
	mu          sync.Mutex
	field       domain.Field
	ready       bool
	session     domain.Session
	sessionOpen time.Time
	entries     map[int64]entry
}

// DailyAggregator answers open/high/low/close/volume "as of dt" queries.
// It is safe for concurrent use; each field cache has its own lock.
type DailyAggregator struct {
	bars     domain.MinuteBarSource
	calendar domain.SessionCalendar
	metrics  *infra.Metrics
	logger   *slog.Logger
	caches   map[domain.Field]*fieldCache
}

// Option configures a DailyAggregator.
type Option func(*DailyAggregator)

// WithMetrics records cache cases and reads into m.
func WithMetrics(m *infra.Metrics) Option {
	return func(a *DailyAggregator) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithLogger sets the logger used for session resets.
func WithLogger(l *slog.Logger) Option {
	return func(a *DailyAggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewDailyAggregator creates an aggregator with empty field caches.
func NewDailyAggregator(bars domain.MinuteBarSource, calendar domain.SessionCalendar, opts ...Option) *DailyAggregator {
	a := &DailyAggregator{
		bars:     bars,
		calendar: calendar,
		metrics:  infra.GlobalMetrics,
		logger:   slog.Default(),
		caches:   make(map[domain.Field]*fieldCache, len(domain.Fields)),
	}
	for _, f := range domain.Fields {
		a.caches[f] = &fieldCache{field: f}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open returns the first observed open of the session up to dt (NaN if none).
func (a *DailyAggregator) Open(ctx context.Context, assets []domain.Asset, dt time.Time) ([]float64, error) {
	return a.aggregate(ctx, domain.FieldOpen, assets, dt)
}

// High returns the session high up to dt (NaN if none).
func (a *DailyAggregator) High(ctx context.Context, assets []domain.Asset, dt time.Time) ([]float64, error) {
	return a.aggregate(ctx, domain.FieldHigh, assets, dt)
}

// Low returns the session low up to dt (NaN if none).
func (a *DailyAggregator) Low(ctx context.Context, assets []domain.Asset, dt time.Time) ([]float64, error) {
	return a.aggregate(ctx, domain.FieldLow, assets, dt)
}

// Close returns the latest observed close of the session up to dt (NaN if none).
func (a *DailyAggregator) Close(ctx context.Context, assets []domain.Asset, dt time.Time) ([]float64, error) {
	return a.aggregate(ctx, domain.FieldClose, assets, dt)
}

// Volume returns the session volume up to dt (0 if none).
func (a *DailyAggregator) Volume(ctx context.Context, assets []domain.Asset, dt time.Time) ([]float64, error) {
	return a.aggregate(ctx, domain.FieldVolume, assets, dt)
}

// Field dispatches to the aggregation of f.
func (a *DailyAggregator) Field(ctx context.Context, f domain.Field, assets []domain.Asset, dt time.Time) ([]float64, error) {
	return a.aggregate(ctx, f, assets, dt)
}

// Bar returns every field of one asset as of dt.
func (a *DailyAggregator) Bar(ctx context.Context, asset domain.Asset, dt time.Time) (domain.DailyBar, error) {
	bar := domain.DailyBar{Sid: asset.Sid, AsOf: dt}
	session, err := a.calendar.MinuteToSessionLabel(dt)
	if err != nil {
		return bar, domain.NewFatalSourceError("calendar.minute_to_session_label", err)
	}
	bar.Session = session

	assets := []domain.Asset{asset}
	for _, f := range domain.Fields {
		values, err := a.aggregate(ctx, f, assets, dt)
		if err != nil {
			return bar, err
		}
		bar.Set(f, values[0])
	}
	return bar, nil
}

func (a *DailyAggregator) aggregate(ctx context.Context, f domain.Field, assets []domain.Asset, dt time.Time) ([]float64, error) {
	cache, ok := a.caches[f]
	if !ok {
		return nil, domain.NewFatalSourceError("aggregate."+f.String(), domain.ErrInvalidField)
	}
	dt = dt.Truncate(time.Minute)

	session, err := a.calendar.MinuteToSessionLabel(dt)
	if err != nil {
		return nil, domain.NewFatalSourceError("calendar.minute_to_session_label", err)
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	if err := a.resetIfNewSession(cache, session); err != nil {
		return nil, err
	}

	out := make([]float64, len(assets))
	for i, asset := range assets {
		if !asset.IsAliveForSession(session) {
			a.metrics.RecordSkipped()
			out[i] = f.NoData()
			continue
		}
		v, err := a.evaluate(ctx, cache, asset, dt)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// resetIfNewSession replaces the cache's entries when session differs from
// the cached one. Entries of the previous session are discarded.
func (a *DailyAggregator) resetIfNewSession(cache *fieldCache, session domain.Session) error {
	if cache.ready && cache.session == session {
		return nil
	}
	open, err := a.calendar.SessionOpen(session)
	if err != nil {
		return domain.NewFatalSourceError("calendar.session_open", err)
	}

	if cache.ready {
		a.metrics.RecordSessionReset()
		a.logger.Debug("aggregation cache reset",
			slog.String("field", cache.field.String()),
			slog.String("from", string(cache.session)),
			slog.String("to", string(session)),
			slog.Int("dropped", len(cache.entries)),
		)
	}
	cache.ready = true
	cache.session = session
	cache.sessionOpen = open
	cache.entries = make(map[int64]entry)
	return nil
}

func (a *DailyAggregator) evaluate(ctx context.Context, cache *fieldCache, asset domain.Asset, dt time.Time) (float64, error) {
	comb := combinators[cache.field]
	e, ok := cache.entries[asset.Sid]

	var value float64
	switch h := classify(e, ok, dt, cache.sessionOpen); h {
	case hitOpen:
		a.metrics.RecordSessionOpen()
		v, err := a.point(ctx, asset, dt, cache.field)
		if err != nil {
			return 0, err
		}
		value = comb.point(v)

	case hitRepeat:
		a.metrics.RecordRepeat()
		return e.value, nil

	case hitStep:
		a.metrics.RecordStep()
		if comb.settled(e.value) {
			value = e.value
			break
		}
		v, err := a.point(ctx, asset, dt, cache.field)
		if err != nil {
			return 0, err
		}
		value = comb.fold(e.value, v)

	case hitGap:
		a.metrics.RecordGap()
		if comb.settled(e.value) {
			value = e.value
			break
		}
		window, err := a.window(ctx, asset, e.ts.Add(time.Minute), dt, cache.field)
		if err != nil {
			return 0, err
		}
		value = comb.merge(e.value, window)
		if comb.rescanOnMiss && quant.IsNaN(value) {
			window, err = a.window(ctx, asset, cache.sessionOpen, dt, cache.field)
			if err != nil {
				return 0, err
			}
			value = comb.reduce(window)
		}

	case hitRewind, hitAbsent:
		if h == hitRewind {
			a.metrics.RecordOutOfOrder()
		}
		a.metrics.RecordAbsent()
		window, err := a.window(ctx, asset, cache.sessionOpen, dt, cache.field)
		if err != nil {
			return 0, err
		}
		value = comb.reduce(window)
	}

	cache.entries[asset.Sid] = entry{ts: dt, value: value}
	return value, nil
}

func (a *DailyAggregator) point(ctx context.Context, asset domain.Asset, dt time.Time, f domain.Field) (float64, error) {
	a.metrics.RecordPointRead()
	v, err := a.bars.GetValue(ctx, asset, dt, f)
	if err != nil {
		return 0, domain.NewSourceError("bars.get_value", err)
	}
	return v, nil
}

func (a *DailyAggregator) window(ctx context.Context, asset domain.Asset, start, end time.Time, f domain.Field) ([]float64, error) {
	a.metrics.RecordWindowRead()
	raw, err := a.bars.LoadRawArrays(ctx, []domain.Field{f}, start, end, []domain.Asset{asset})
	if err != nil {
		return nil, domain.NewSourceError("bars.load_raw_arrays", err)
	}
	if len(raw) == 0 || len(raw[0]) == 0 {
		return nil, nil
	}
	return raw[0][0], nil
}
