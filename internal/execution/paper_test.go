package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"backtest_go/internal/calendar"
	"backtest_go/internal/domain"
	"backtest_go/internal/marketdata"
)

var open = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

func setup(t *testing.T) (*PaperExecution, *marketdata.MemorySource) {
	t.Helper()
	cal, err := calendar.NewWeekdays(time.UTC, "2024-03-15", "2024-03-15", "09:30", "10:00")
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	bars := marketdata.NewMemorySource()
	return NewPaperExecution(bars, cal), bars
}

func TestPaperExecution_Priced(t *testing.T) {
	paper, _ := setup(t)
	ctx := context.Background()

	frags := []domain.Fragment{
		{ID: "a", Sid: 1, Size: 200, Fill: domain.Priced(10.02), Session: "2024-03-15", CreatedAt: open},
		{ID: "b", Sid: 1, Size: -100, Fill: domain.Priced(10.05), Session: "2024-03-15", CreatedAt: open},
	}
	if err := paper.Submit(ctx, frags); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	fills, err := paper.Drain(ctx, open)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("Expected 2 fills, got %d", len(fills))
	}
	if fills[0].FragmentID != "a" || fills[0].Size != 200 || fills[0].Price != 10.02 {
		t.Errorf("Expected fill a 200@10.02, got %+v", fills[0])
	}
	if fills[1].Size != -100 {
		t.Errorf("Expected -100, got %d", fills[1].Size)
	}
	if !fills[1].FilledAt.Equal(open) {
		t.Errorf("Expected fill at %s, got %s", open, fills[1].FilledAt)
	}
	if paper.Pending() != 0 {
		t.Errorf("Expected nothing pending, got %d", paper.Pending())
	}
	if len(paper.GetFills()) != 2 {
		t.Errorf("Expected 2 fills in history, got %d", len(paper.GetFills()))
	}
}

func TestPaperExecution_Timed(t *testing.T) {
	paper, bars := setup(t)
	ctx := context.Background()

	bars.PutValue(2, open.Add(2*time.Minute), domain.FieldClose, 50.5)
	bars.PutValue(2, open.Add(5*time.Minute), domain.FieldClose, 51)

	frags := []domain.Fragment{
		{ID: "t1", Sid: 2, Size: 300, Fill: domain.Timed(open.Add(2 * time.Minute)), Session: "2024-03-15", CreatedAt: open},
		{ID: "t2", Sid: 2, Size: 300, Fill: domain.Timed(open.Add(3 * time.Minute)), Session: "2024-03-15", CreatedAt: open},
	}
	if err := paper.Submit(ctx, frags); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// before the target nothing fills
	fills, _ := paper.Drain(ctx, open.Add(time.Minute))
	if len(fills) != 0 {
		t.Fatalf("Expected 0 fills, got %d", len(fills))
	}

	fills, _ = paper.Drain(ctx, open.Add(2*time.Minute))
	if len(fills) != 1 || fills[0].Price != 50.5 {
		t.Fatalf("Expected t1 at 50.5, got %+v", fills)
	}

	// minutes 3 and 4 have no close, t2 waits
	for m := 3; m <= 4; m++ {
		fills, _ = paper.Drain(ctx, open.Add(time.Duration(m)*time.Minute))
		if len(fills) != 0 {
			t.Fatalf("minute %d: Expected 0 fills, got %d", m, len(fills))
		}
	}
	fills, _ = paper.Drain(ctx, open.Add(5*time.Minute))
	if len(fills) != 1 || fills[0].FragmentID != "t2" || fills[0].Price != 51 {
		t.Fatalf("Expected t2 at 51, got %+v", fills)
	}
	if !fills[0].FilledAt.Equal(open.Add(5 * time.Minute)) {
		t.Errorf("Expected fill at minute 5, got %s", fills[0].FilledAt)
	}
}

func TestPaperExecution_TimedExpiresAtSessionClose(t *testing.T) {
	paper, _ := setup(t)
	ctx := context.Background()

	_ = paper.Submit(ctx, []domain.Fragment{
		{ID: "dry", Sid: 3, Size: 100, Fill: domain.Timed(open.Add(25 * time.Minute)), Session: "2024-03-15", CreatedAt: open},
	})

	fills, _ := paper.Drain(ctx, open.Add(29*time.Minute))
	if len(fills) != 0 || paper.Pending() != 1 {
		t.Fatalf("Expected still pending, got fills=%d pending=%d", len(fills), paper.Pending())
	}
	_, _ = paper.Drain(ctx, open.Add(30*time.Minute))
	if paper.Pending() != 0 {
		t.Errorf("Expected expiry at session close, got %d pending", paper.Pending())
	}
	if got := paper.Expired(); len(got) != 1 || got[0].ID != "dry" {
		t.Errorf("Expected dry expired, got %+v", got)
	}
}

func TestPaperExecution_SourceFailureKeepsQueue(t *testing.T) {
	paper, bars := setup(t)
	ctx := context.Background()

	_ = paper.Submit(ctx, []domain.Fragment{
		{ID: "p", Sid: 1, Size: 100, Fill: domain.Priced(10), Session: "2024-03-15", CreatedAt: open},
		{ID: "t", Sid: 2, Size: 100, Fill: domain.Timed(open), Session: "2024-03-15", CreatedAt: open},
		{ID: "q", Sid: 1, Size: 100, Fill: domain.Priced(11), Session: "2024-03-15", CreatedAt: open},
	})

	boom := errors.New("disk gone")
	bars.FailWith(boom)
	fills, err := paper.Drain(ctx, open)
	if !errors.Is(err, boom) || !domain.IsSourceError(err) {
		t.Fatalf("Expected source error wrapping boom, got %v", err)
	}
	if len(fills) != 1 || fills[0].FragmentID != "p" {
		t.Fatalf("Expected the fill before the failure, got %+v", fills)
	}
	if paper.Pending() != 2 {
		t.Fatalf("Expected 2 pending, got %d", paper.Pending())
	}

	bars.FailWith(nil)
	bars.PutValue(2, open, domain.FieldClose, 20)
	fills, err = paper.Drain(ctx, open)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(fills) != 2 || fills[0].FragmentID != "t" || fills[1].FragmentID != "q" {
		t.Fatalf("Expected t then q, got %+v", fills)
	}
}
