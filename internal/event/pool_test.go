package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"backtest_go/internal/domain"
)

func TestReleaseResetsEvents(t *testing.T) {
	Warmup()

	ev := AcquireMinuteEvent()
	ev.Seq = 7
	ev.Ts = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	ev.Session = "2024-03-15"
	assert.Equal(t, TypeMinute, ev.GetType())
	Release(ev)

	assert.Equal(t, uint64(0), ev.Seq)
	assert.True(t, ev.Ts.IsZero())
	assert.Equal(t, domain.Session(""), ev.Session)

	fill := AcquireFillEvent()
	fill.Seq = 3
	fill.Fill = domain.FillReport{FragmentID: "x", Size: 100}
	assert.Equal(t, "FILL", fill.GetType().String())
	Release(fill)
	assert.Equal(t, domain.FillReport{}, fill.Fill)

	// not pooled, must not panic
	Release(&SessionEndEvent{})
	ReleaseMinuteEvent(nil)
	ReleaseFillEvent(nil)
}
