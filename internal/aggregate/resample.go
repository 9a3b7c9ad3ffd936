package aggregate

import (
	"sort"

	"backtest_go/internal/domain"
)

// ResampleSession rolls minute bars up into one daily bar per (asset, session)
// using the same combinators as the incremental cache. Bars outside every
// session are dropped. Output is ordered by session, then sid.
func ResampleSession(bars []domain.MinuteBar, calendar domain.SessionCalendar) []domain.DailyBar {
	type group struct {
		sid     int64
		session domain.Session
		bars    []domain.MinuteBar
	}
	groups := make(map[sessionKey]*group)

	for _, b := range bars {
		session, err := calendar.MinuteToSessionLabel(b.Ts)
		if err != nil {
			continue
		}
		key := sessionKey{sid: b.Sid, session: session}
		g, ok := groups[key]
		if !ok {
			g = &group{sid: b.Sid, session: session}
			groups[key] = g
		}
		g.bars = append(g.bars, b)
	}

	out := make([]domain.DailyBar, 0, len(groups))
	for _, g := range groups {
		sort.SliceStable(g.bars, func(i, j int) bool { return g.bars[i].Ts.Before(g.bars[j].Ts) })

		daily := domain.DailyBar{
			Sid:     g.sid,
			Session: g.session,
			AsOf:    g.bars[len(g.bars)-1].Ts,
		}
		column := make([]float64, len(g.bars))
		for _, f := range domain.Fields {
			for i, b := range g.bars {
				column[i] = b.Value(f)
			}
			daily.Set(f, combinators[f].reduce(column))
		}
		out = append(out, daily)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Session != out[j].Session {
			return out[i].Session < out[j].Session
		}
		return out[i].Sid < out[j].Sid
	})
	return out
}
