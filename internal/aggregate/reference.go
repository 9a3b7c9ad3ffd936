package aggregate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"backtest_go/internal/domain"
	"backtest_go/pkg/quant"
)

// ReferenceMode selects which close anchors a price-limit band.
type ReferenceMode int

const (
	// PriorSession anchors on the previous session's final close.
	PriorSession ReferenceMode = iota
	// PriorMinute anchors on the session close as of the minute before dt,
	// falling back to PriorSession at the session open.
	PriorMinute
)

// ParseReferenceMode maps a config value onto a ReferenceMode.
func ParseReferenceMode(s string) (ReferenceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "prior_session":
		return PriorSession, nil
	case "prior_minute":
		return PriorMinute, nil
	default:
		return PriorSession, fmt.Errorf("unknown reference mode %q", s)
	}
}

type sessionKey struct {
	sid     int64
	session domain.Session
}

// ReferencePrices serves prior closes. In PriorMinute mode it queries its own
// aggregator, which must not be shared with the clock: the clock asks for dt
// before the divider asks for dt-1m, and a shared cache would rewind.
type ReferencePrices struct {
	mode     ReferenceMode
	agg      *DailyAggregator
	bars     domain.MinuteBarSource
	calendar domain.SessionNavigator

	mu     sync.Mutex
	closes map[sessionKey]float64
}

// NewReferencePrices creates a prior-close source. agg may be nil in PriorSession mode.
func NewReferencePrices(mode ReferenceMode, agg *DailyAggregator, bars domain.MinuteBarSource, calendar domain.SessionNavigator) *ReferencePrices {
	return &ReferencePrices{
		mode:     mode,
		agg:      agg,
		bars:     bars,
		calendar: calendar,
		closes:   make(map[sessionKey]float64),
	}
}

// PriorClose returns the reference close of asset for a decision at dt.
// NaN with a nil error means no close has been observed.
func (r *ReferencePrices) PriorClose(ctx context.Context, asset domain.Asset, dt time.Time) (float64, error) {
	dt = dt.Truncate(time.Minute)
	session, err := r.calendar.MinuteToSessionLabel(dt)
	if err != nil {
		return quant.NaN(), domain.NewFatalSourceError("calendar.minute_to_session_label", err)
	}

	if r.mode == PriorMinute && r.agg != nil {
		open, err := r.calendar.SessionOpen(session)
		if err != nil {
			return quant.NaN(), domain.NewFatalSourceError("calendar.session_open", err)
		}
		if dt.After(open) {
			closes, err := r.agg.Close(ctx, []domain.Asset{asset}, dt.Add(-time.Minute))
			if err != nil {
				return quant.NaN(), err
			}
			if !quant.IsNaN(closes[0]) {
				return closes[0], nil
			}
		}
	}

	// Sessions without a close are skipped back to the first traded one.
	for prev, ok := r.calendar.PreviousSession(session); ok; prev, ok = r.calendar.PreviousSession(prev) {
		if asset.FirstTraded != "" && prev < asset.FirstTraded {
			break
		}
		v, err := r.sessionClose(ctx, asset, prev)
		if err != nil || !quant.IsNaN(v) {
			return v, err
		}
	}
	return quant.NaN(), nil
}

// sessionClose returns the last valid close of a finished session, memoized.
func (r *ReferencePrices) sessionClose(ctx context.Context, asset domain.Asset, session domain.Session) (float64, error) {
	key := sessionKey{sid: asset.Sid, session: session}

	r.mu.Lock()
	v, ok := r.closes[key]
	r.mu.Unlock()
	if ok {
		return v, nil
	}

	if !asset.IsAliveForSession(session) {
		return quant.NaN(), nil
	}
	open, err := r.calendar.SessionOpen(session)
	if err != nil {
		return quant.NaN(), domain.NewFatalSourceError("calendar.session_open", err)
	}
	closeTs, err := r.calendar.SessionClose(session)
	if err != nil {
		return quant.NaN(), domain.NewFatalSourceError("calendar.session_close", err)
	}
	raw, err := r.bars.LoadRawArrays(ctx, []domain.Field{domain.FieldClose}, open, closeTs, []domain.Asset{asset})
	if err != nil {
		return quant.NaN(), domain.NewSourceError("bars.load_raw_arrays", err)
	}
	v = quant.NaN()
	if len(raw) > 0 && len(raw[0]) > 0 {
		v = lastOrNaN(raw[0][0])
	}

	r.mu.Lock()
	r.closes[key] = v
	r.mu.Unlock()
	return v, nil
}
