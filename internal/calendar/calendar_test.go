package calendar

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest_go/internal/domain"
)

func TestNewWeekdays(t *testing.T) {
	cal, err := NewWeekdays(time.UTC, "2024-03-14", "2024-03-19", "09:30", "15:00", "2024-03-18")
	require.NoError(t, err)

	// Thu, Fri, (weekend), (holiday Mon), Tue
	assert.Equal(t, []domain.Session{"2024-03-14", "2024-03-15", "2024-03-19"}, cal.Sessions())

	open, err := cal.SessionOpen("2024-03-15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC), open)

	closeTs, err := cal.SessionClose("2024-03-15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC), closeTs)
}

func TestMinuteToSessionLabel(t *testing.T) {
	cal, err := NewWeekdays(time.UTC, "2024-03-14", "2024-03-15", "09:30", "15:00")
	require.NoError(t, err)

	t.Run("inside hours", func(t *testing.T) {
		label, err := cal.MinuteToSessionLabel(time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, domain.Session("2024-03-15"), label)
	})

	t.Run("open and close are inclusive", func(t *testing.T) {
		_, err := cal.MinuteToSessionLabel(time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC))
		assert.NoError(t, err)
		_, err = cal.MinuteToSessionLabel(time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC))
		assert.NoError(t, err)
	})

	t.Run("outside hours", func(t *testing.T) {
		_, err := cal.MinuteToSessionLabel(time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC))
		assert.True(t, errors.Is(err, domain.ErrUnknownSession))
	})

	t.Run("weekend", func(t *testing.T) {
		_, err := cal.MinuteToSessionLabel(time.Date(2024, 3, 16, 10, 0, 0, 0, time.UTC))
		assert.True(t, errors.Is(err, domain.ErrUnknownSession))
	})
}

func TestMinutes(t *testing.T) {
	cal, err := NewWeekdays(time.UTC, "2024-03-14", "2024-03-15", "09:30", "09:34")
	require.NoError(t, err)

	minutes, err := cal.Minutes("2024-03-14")
	require.NoError(t, err)
	assert.Len(t, minutes, 5)

	prev, ok := cal.PreviousSession("2024-03-15")
	assert.True(t, ok)
	assert.Equal(t, domain.Session("2024-03-14"), prev)
	_, ok = cal.PreviousSession("2024-03-14")
	assert.False(t, ok)
}

func TestNew_RejectsBadHours(t *testing.T) {
	open := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	_, err := New(time.UTC, []Hours{{Label: "2024-03-15", Open: open, Close: open}})
	assert.Error(t, err)

	_, err = New(time.UTC, []Hours{{Label: "2024-03-14", Open: open, Close: open.Add(time.Hour)}})
	assert.Error(t, err)
}
