// Package calendar provides an in-memory trading calendar.
package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"backtest_go/internal/domain"
)

// Hours are the open and close minutes of one session (both inclusive).
type Hours struct {
	Label domain.Session `json:"label"`
	Open  time.Time      `json:"open"`
	Close time.Time      `json:"close"`
}

// Calendar implements domain.SessionCalendar over a fixed set of sessions.
// It is immutable after construction and safe for concurrent use.
type Calendar struct {
	loc      *time.Location
	sessions map[domain.Session]Hours
	ordered  []domain.Session
}

// New builds a calendar from explicit session hours.
func New(loc *time.Location, hours []Hours) (*Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := &Calendar{
		loc:      loc,
		sessions: make(map[domain.Session]Hours, len(hours)),
		ordered:  make([]domain.Session, 0, len(hours)),
	}
	for _, h := range hours {
		if !h.Close.After(h.Open) {
			return nil, fmt.Errorf("session %s: close %s not after open %s", h.Label, h.Close, h.Open)
		}
		if got := domain.SessionOf(h.Open, loc); got != h.Label {
			return nil, fmt.Errorf("session %s: open falls on %s", h.Label, got)
		}
		if _, dup := c.sessions[h.Label]; dup {
			return nil, fmt.Errorf("session %s: duplicate", h.Label)
		}
		c.sessions[h.Label] = h
		c.ordered = append(c.ordered, h.Label)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i] < c.ordered[j] })
	return c, nil
}

// NewWeekdays builds Monday-Friday sessions between first and last (inclusive),
// opening at openHM and closing at closeHM ("09:30", "16:00") local time.
func NewWeekdays(loc *time.Location, first, last domain.Session, openHM, closeHM string, holidays ...domain.Session) (*Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := first.Date(loc)
	if err != nil {
		return nil, fmt.Errorf("first session: %w", err)
	}
	end, err := last.Date(loc)
	if err != nil {
		return nil, fmt.Errorf("last session: %w", err)
	}
	openH, openM, err := parseHM(openHM)
	if err != nil {
		return nil, err
	}
	closeH, closeM, err := parseHM(closeHM)
	if err != nil {
		return nil, err
	}

	skip := make(map[domain.Session]bool, len(holidays))
	for _, h := range holidays {
		skip[h] = true
	}

	var hours []Hours
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		label := domain.SessionOf(day, loc)
		if skip[label] {
			continue
		}
		y, m, d := day.Date()
		hours = append(hours, Hours{
			Label: label,
			Open:  time.Date(y, m, d, openH, openM, 0, 0, loc),
			Close: time.Date(y, m, d, closeH, closeM, 0, 0, loc),
		})
	}
	return New(loc, hours)
}

func parseHM(hm string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hm))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", hm, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Location returns the calendar's time zone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// MinuteToSessionLabel returns the session whose hours contain ts.
func (c *Calendar) MinuteToSessionLabel(ts time.Time) (domain.Session, error) {
	label := domain.SessionOf(ts, c.loc)
	h, ok := c.sessions[label]
	if !ok || ts.Before(h.Open) || ts.After(h.Close) {
		return "", fmt.Errorf("%w: minute %s", domain.ErrUnknownSession, ts.Format(time.RFC3339))
	}
	return label, nil
}

// SessionOpen returns the first minute of s.
func (c *Calendar) SessionOpen(s domain.Session) (time.Time, error) {
	h, ok := c.sessions[s]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", domain.ErrUnknownSession, s)
	}
	return h.Open, nil
}

// SessionClose returns the last minute of s.
func (c *Calendar) SessionClose(s domain.Session) (time.Time, error) {
	h, ok := c.sessions[s]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", domain.ErrUnknownSession, s)
	}
	return h.Close, nil
}

// Sessions returns every session label in calendar order.
func (c *Calendar) Sessions() []domain.Session {
	out := make([]domain.Session, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Hours returns every session's hours in calendar order.
func (c *Calendar) Hours() []Hours {
	out := make([]Hours, 0, len(c.ordered))
	for _, s := range c.ordered {
		out = append(out, c.sessions[s])
	}
	return out
}

// PreviousSession returns the session before s, if any.
func (c *Calendar) PreviousSession(s domain.Session) (domain.Session, bool) {
	i := sort.Search(len(c.ordered), func(i int) bool { return c.ordered[i] >= s })
	if i == 0 {
		return "", false
	}
	return c.ordered[i-1], true
}

// Minutes returns every minute of s from open to close inclusive.
func (c *Calendar) Minutes(s domain.Session) ([]time.Time, error) {
	h, ok := c.sessions[s]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSession, s)
	}
	n := int(h.Close.Sub(h.Open)/time.Minute) + 1
	out := make([]time.Time, 0, n)
	for ts := h.Open; !ts.After(h.Close); ts = ts.Add(time.Minute) {
		out = append(out, ts)
	}
	return out, nil
}
