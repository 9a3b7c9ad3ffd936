// Package execution resolves fragments into fills without a remote venue.
package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"backtest_go/internal/domain"
	"backtest_go/pkg/quant"
)

// PaperExecution is an in-process matching engine. Priced fragments fill in
// full at their simulated price on the next drain. Timed fragments fill at
// the close of the first minute at or after their target that has one, and
// expire unfilled once their session closes.
type PaperExecution struct {
	bars     domain.MinuteBarSource
	calendar domain.SessionCalendar

	mu      sync.Mutex
	pending []domain.Fragment
	fills   []domain.FillReport
	expired []domain.Fragment
}

// NewPaperExecution creates a paper venue reading timed prices from bars.
func NewPaperExecution(bars domain.MinuteBarSource, calendar domain.SessionCalendar) *PaperExecution {
	return &PaperExecution{bars: bars, calendar: calendar}
}

// Submit implements domain.FragmentSink.
func (p *PaperExecution) Submit(ctx context.Context, fragments []domain.Fragment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, fragments...)
	return nil
}

// Drain returns the fills that became due by ts, in submission order.
func (p *PaperExecution) Drain(ctx context.Context, ts time.Time) ([]domain.FillReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.FillReport
	keep := p.pending[:0]
	for i, f := range p.pending {
		fill, done, err := p.resolve(ctx, f, ts)
		if err != nil {
			// Unresolved fragments stay queued for the next drain.
			keep = append(keep, p.pending[i:]...)
			p.pending = keep
			p.fills = append(p.fills, out...)
			return out, err
		}
		switch {
		case fill != nil:
			out = append(out, *fill)
		case done:
			p.expired = append(p.expired, f)
			slog.Warn("timed fragment expired unfilled",
				slog.String("id", f.ID),
				slog.Int64("sid", f.Sid),
				slog.String("session", string(f.Session)),
			)
		default:
			keep = append(keep, f)
		}
	}
	p.pending = keep
	p.fills = append(p.fills, out...)
	return out, nil
}

// resolve fills f as of ts. done without a fill means expired.
func (p *PaperExecution) resolve(ctx context.Context, f domain.Fragment, ts time.Time) (*domain.FillReport, bool, error) {
	switch f.Fill.Kind {
	case domain.FillPriced:
		at := f.CreatedAt
		if at.Before(ts) {
			at = ts
		}
		return &domain.FillReport{FragmentID: f.ID, Sid: f.Sid, Size: f.Size, Price: f.Fill.Price, FilledAt: at}, true, nil

	case domain.FillTimed:
		if ts.Before(f.Fill.At) {
			return nil, false, nil
		}
		px, err := p.bars.GetValue(ctx, domain.Asset{Sid: f.Sid}, ts, domain.FieldClose)
		if err != nil {
			return nil, false, domain.NewSourceError("paper.get_value", err)
		}
		if !quant.IsNaN(px) && px > 0 {
			return &domain.FillReport{FragmentID: f.ID, Sid: f.Sid, Size: f.Size, Price: px, FilledAt: ts}, true, nil
		}
		sessionClose, err := p.calendar.SessionClose(f.Session)
		if err != nil {
			return nil, true, nil
		}
		return nil, !ts.Before(sessionClose), nil

	default:
		return nil, true, nil
	}
}

// GetFills returns every fill released so far.
func (p *PaperExecution) GetFills() []domain.FillReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.FillReport, len(p.fills))
	copy(out, p.fills)
	return out
}

// Pending returns the number of unresolved fragments.
func (p *PaperExecution) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Expired returns fragments that were never filled.
func (p *PaperExecution) Expired() []domain.Fragment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Fragment, len(p.expired))
	copy(out, p.expired)
	return out
}

var _ domain.FragmentSink = (*PaperExecution)(nil)
