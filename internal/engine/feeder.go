package engine

import (
	"context"
	"fmt"
	"time"

	"backtest_go/internal/domain"
	"backtest_go/internal/event"
)

// MinuteCalendar enumerates sessions and their minutes.
type MinuteCalendar interface {
	Sessions() []domain.Session
	Minutes(s domain.Session) ([]time.Time, error)
}

// Feeder is the single producer of sequenced events. It walks the calendar
// minute by minute and interleaves fills reported asynchronously by a remote
// venue, so the sequencer sees one contiguous sequence.
type Feeder struct {
	calendar MinuteCalendar
	fills    <-chan domain.FillReport
	seq      uint64
}

// NewFeeder creates a feeder. fills may be nil.
func NewFeeder(calendar MinuteCalendar, fills <-chan domain.FillReport) *Feeder {
	return &Feeder{calendar: calendar, fills: fills}
}

// Run emits every minute of the sessions in [first, last] into inbox and
// closes it when done.
func (f *Feeder) Run(ctx context.Context, inbox chan<- event.Event, first, last domain.Session) error {
	defer close(inbox)

	for _, s := range f.calendar.Sessions() {
		if s < first || (last != "" && s > last) {
			continue
		}
		minutes, err := f.calendar.Minutes(s)
		if err != nil {
			return fmt.Errorf("feed session %s: %w", s, err)
		}
		if len(minutes) == 0 {
			continue
		}
		for _, ts := range minutes {
			if err := f.forwardFills(ctx, inbox, ts); err != nil {
				return err
			}
			ev := event.AcquireMinuteEvent()
			ev.Seq = f.next()
			ev.Ts = ts
			ev.Session = s
			if err := send(ctx, inbox, ev); err != nil {
				return err
			}
		}
		end := &event.SessionEndEvent{BaseEvent: event.BaseEvent{Seq: f.next(), Ts: minutes[len(minutes)-1]}, Session: s}
		if err := send(ctx, inbox, end); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feeder) next() uint64 {
	f.seq++
	return f.seq
}

// forwardFills turns every buffered remote fill into a FillEvent stamped ts.
func (f *Feeder) forwardFills(ctx context.Context, inbox chan<- event.Event, ts time.Time) error {
	if f.fills == nil {
		return nil
	}
	for {
		select {
		case report, ok := <-f.fills:
			if !ok {
				f.fills = nil
				return nil
			}
			ev := event.AcquireFillEvent()
			ev.Seq = f.next()
			ev.Ts = ts
			ev.Fill = report
			if err := send(ctx, inbox, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func send(ctx context.Context, inbox chan<- event.Event, ev event.Event) error {
	select {
	case inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
