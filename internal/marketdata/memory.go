// Package marketdata provides an in-memory MinuteBarSource used by the
// simulator's tests and by replays seeded from the SQLite store.
package marketdata

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"backtest_go/internal/domain"
)

// MemorySource is a MinuteBarSource over bars held in memory.
// It counts point and window reads so callers can observe access patterns.
type MemorySource struct {
	mu   sync.RWMutex
	bars map[int64]map[int64]domain.MinuteBar // sid -> unix minute -> bar
	fail error

	pointReads  atomic.Int64
	windowReads atomic.Int64
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{bars: make(map[int64]map[int64]domain.MinuteBar)}
}

func minuteKey(ts time.Time) int64 {
	return ts.Truncate(time.Minute).Unix() / 60
}

// Put stores a full minute bar.
func (s *MemorySource) Put(bar domain.MinuteBar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byMinute, ok := s.bars[bar.Sid]
	if !ok {
		byMinute = make(map[int64]domain.MinuteBar)
		s.bars[bar.Sid] = byMinute
	}
	byMinute[minuteKey(bar.Ts)] = bar
}

// PutValue stores a single field; other fields of a new bar stay missing.
func (s *MemorySource) PutValue(sid int64, ts time.Time, field domain.Field, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byMinute, ok := s.bars[sid]
	if !ok {
		byMinute = make(map[int64]domain.MinuteBar)
		s.bars[sid] = byMinute
	}
	key := minuteKey(ts)
	bar, ok := byMinute[key]
	if !ok {
		bar = domain.EmptyMinuteBar(sid, ts)
	}
	bar.Set(field, v)
	byMinute[key] = bar
}

// FailWith makes every subsequent read fail with err (nil clears it).
func (s *MemorySource) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Reads returns the number of point and window reads served so far.
func (s *MemorySource) Reads() (point, window int64) {
	return s.pointReads.Load(), s.windowReads.Load()
}

// ResetReads zeroes the read counters.
func (s *MemorySource) ResetReads() {
	s.pointReads.Store(0)
	s.windowReads.Store(0)
}

func (s *MemorySource) lookup(sid int64, ts time.Time, field domain.Field) float64 {
	byMinute, ok := s.bars[sid]
	if !ok {
		return math.NaN()
	}
	bar, ok := byMinute[minuteKey(ts)]
	if !ok {
		return math.NaN()
	}
	return bar.Value(field)
}

// GetValue implements domain.MinuteBarSource.
func (s *MemorySource) GetValue(ctx context.Context, asset domain.Asset, ts time.Time, field domain.Field) (float64, error) {
	s.pointReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.fail != nil {
		return math.NaN(), s.fail
	}
	return s.lookup(asset.Sid, ts, field), nil
}

// LoadRawArrays implements domain.MinuteBarSource.
func (s *MemorySource) LoadRawArrays(ctx context.Context, fields []domain.Field, start, end time.Time, assets []domain.Asset) ([][][]float64, error) {
	s.windowReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.fail != nil {
		return nil, s.fail
	}

	start = start.Truncate(time.Minute)
	n := 0
	if !end.Before(start) {
		n = int(end.Sub(start)/time.Minute) + 1
	}

	out := make([][][]float64, len(fields))
	for fi, field := range fields {
		out[fi] = make([][]float64, len(assets))
		for ai, asset := range assets {
			row := make([]float64, n)
			for m := 0; m < n; m++ {
				row[m] = s.lookup(asset.Sid, start.Add(time.Duration(m)*time.Minute), field)
			}
			out[fi][ai] = row
		}
	}
	return out, nil
}

var _ domain.MinuteBarSource = (*MemorySource)(nil)
