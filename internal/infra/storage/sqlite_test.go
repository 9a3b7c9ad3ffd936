package storage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest_go/internal/calendar"
	"backtest_go/internal/domain"
)

var (
	open  = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	stock = domain.Asset{Sid: 1, Symbol: "600000", TickSize: 100, Increment: true, Restricted: 0.1, PriceMultiplier: 1}
	star  = domain.Asset{Sid: 2, Symbol: "688001", TickSize: 200, Restricted: 0.2, BidMechanism: true, PriceMultiplier: 1}
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAssets(t *testing.T) {
	s := setupTestDB(t)

	a := stock
	if err := s.UpsertAsset(&a); err != nil {
		t.Fatalf("UpsertAsset failed: %v", err)
	}
	b := star
	require.NoError(t, s.UpsertAsset(&b))

	fetched, err := s.GetAsset(1)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	if fetched.Symbol != "600000" {
		t.Errorf("Expected symbol 600000, got %s", fetched.Symbol)
	}
	assert.True(t, fetched.Increment)

	// update
	a.LastTraded = "2024-03-20"
	require.NoError(t, s.UpsertAsset(&a))
	fetched, err = s.GetAsset(1)
	require.NoError(t, err)
	assert.Equal(t, domain.Session("2024-03-20"), fetched.LastTraded)

	missing, err := s.GetAsset(99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := s.AllAssets()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(2), all[1].Sid)

	bad := domain.Asset{Sid: 3, TickSize: 0, PriceMultiplier: 1}
	assert.ErrorIs(t, s.UpsertAsset(&bad), domain.ErrInvalidAsset)
}

func TestSessionsRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	loc := time.FixedZone("CST", 8*3600)

	cal, err := calendar.NewWeekdays(loc, "2024-03-14", "2024-03-18", "09:30", "15:00")
	require.NoError(t, err)
	require.NoError(t, s.SaveSessions(cal))

	loaded, err := s.LoadCalendar(loc)
	require.NoError(t, err)
	assert.Equal(t, cal.Sessions(), loaded.Sessions())

	ts := time.Date(2024, 3, 18, 10, 0, 0, 0, loc)
	label, err := loaded.MinuteToSessionLabel(ts)
	require.NoError(t, err)
	assert.Equal(t, domain.Session("2024-03-18"), label)
}

func TestMinuteBars(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	bars := []domain.MinuteBar{
		{Sid: 1, Ts: open, Open: 10, High: 10.2, Low: 9.9, Close: 10.1, Volume: 1500},
		domain.EmptyMinuteBar(1, open.Add(time.Minute)),
		{Sid: 1, Ts: open.Add(2 * time.Minute), Open: 10.1, High: 10.3, Low: 10, Close: 10.25, Volume: 900},
		{Sid: 2, Ts: open.Add(time.Minute), Open: 50, High: 50, Low: 50, Close: 50, Volume: 100},
	}
	require.NoError(t, s.SaveBars(ctx, bars))

	t.Run("point reads", func(t *testing.T) {
		v, err := s.GetValue(ctx, stock, open.Add(2*time.Minute+30*time.Second), domain.FieldClose)
		require.NoError(t, err)
		assert.Equal(t, 10.25, v)

		v, err = s.GetValue(ctx, stock, open.Add(time.Minute), domain.FieldHigh)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(v), "NULL reads back as NaN")

		v, err = s.GetValue(ctx, stock, open.Add(time.Hour), domain.FieldOpen)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(v), "absent row reads as NaN")

		_, err = s.GetValue(ctx, stock, open, domain.Field(42))
		assert.ErrorIs(t, err, domain.ErrInvalidField)
	})

	t.Run("window reads", func(t *testing.T) {
		fields := []domain.Field{domain.FieldClose, domain.FieldVolume}
		raw, err := s.LoadRawArrays(ctx, fields, open, open.Add(3*time.Minute), []domain.Asset{stock, star})
		require.NoError(t, err)
		require.Len(t, raw, 2)

		closes := raw[0][0]
		require.Len(t, closes, 4)
		assert.Equal(t, 10.1, closes[0])
		assert.True(t, math.IsNaN(closes[1]))
		assert.Equal(t, 10.25, closes[2])
		assert.True(t, math.IsNaN(closes[3]))
		assert.Equal(t, 100.0, raw[1][1][1])
		assert.True(t, math.IsNaN(raw[1][1][0]))
	})

	t.Run("upsert replaces", func(t *testing.T) {
		require.NoError(t, s.SaveBars(ctx, []domain.MinuteBar{
			{Sid: 1, Ts: open, Open: 10, High: 10.5, Low: 9.9, Close: 10.4, Volume: 2000},
		}))
		v, err := s.GetValue(ctx, stock, open, domain.FieldClose)
		require.NoError(t, err)
		assert.Equal(t, 10.4, v)
	})

	t.Run("session bars", func(t *testing.T) {
		got, err := s.SessionBars(ctx, []domain.Asset{stock}, open, open.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, got[1].Ts.Equal(open.Add(time.Minute)))
		assert.True(t, math.IsNaN(got[1].Close))
	})
}

func TestFragmentJournal(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	frags := []domain.Fragment{
		{ID: "a", Sid: 1, Size: 200, Fill: domain.Priced(10.05), Session: "2024-03-15", CreatedAt: open},
		{ID: "b", Sid: 2, Size: -400, Fill: domain.Timed(open.Add(time.Minute)), LimitRatio: 0.02, Session: "2024-03-15", CreatedAt: open},
	}
	require.NoError(t, s.RecordFragments(ctx, frags))
	require.NoError(t, s.RecordFragments(ctx, frags[:1]), "resubmission is ignored")

	require.NoError(t, s.RecordFill(ctx, domain.FillReport{FragmentID: "b", Sid: 2, Size: -400, Price: 49.5, FilledAt: open.Add(time.Minute)}))
	assert.Error(t, s.RecordFill(ctx, domain.FillReport{FragmentID: "zzz"}))

	got, err := s.Fragments(ctx, "2024-03-15")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "PRICED", got[0].Kind)
	assert.Nil(t, got[0].At)
	assert.Nil(t, got[0].FilledAt)

	assert.Equal(t, "TIMED", got[1].Kind)
	require.NotNil(t, got[1].At)
	assert.True(t, got[1].At.Equal(open.Add(time.Minute)))
	assert.Equal(t, int64(-400), got[1].FilledSize)
	assert.Equal(t, 49.5, got[1].FillPrice)
	require.NotNil(t, got[1].FilledAt)
}
