package domain

import (
	"math"
	"time"
)

// MinuteBar is one raw minute observation. Missing fields are NaN.
type MinuteBar struct {
	Sid    int64
	Ts     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// EmptyMinuteBar returns a bar with every field missing.
func EmptyMinuteBar(sid int64, ts time.Time) MinuteBar {
	nan := math.NaN()
	return MinuteBar{Sid: sid, Ts: ts, Open: nan, High: nan, Low: nan, Close: nan, Volume: nan}
}

// Value returns the observation of field f.
func (b MinuteBar) Value(f Field) float64 {
	switch f {
	case FieldOpen:
		return b.Open
	case FieldHigh:
		return b.High
	case FieldLow:
		return b.Low
	case FieldClose:
		return b.Close
	case FieldVolume:
		return b.Volume
	default:
		return math.NaN()
	}
}

// Set stores v as the observation of field f.
func (b *MinuteBar) Set(f Field, v float64) {
	switch f {
	case FieldOpen:
		b.Open = v
	case FieldHigh:
		b.High = v
	case FieldLow:
		b.Low = v
	case FieldClose:
		b.Close = v
	case FieldVolume:
		b.Volume = v
	}
}

// DailyBar is the session-to-date rollup of one asset.
type DailyBar struct {
	Sid     int64
	Session Session
	AsOf    time.Time
	Open    float64
	High    float64
	Low     float64
	Close   float64
	Volume  float64
}

// Set stores v as the rollup of field f.
func (b *DailyBar) Set(f Field, v float64) {
	switch f {
	case FieldOpen:
		b.Open = v
	case FieldHigh:
		b.High = v
	case FieldLow:
		b.Low = v
	case FieldClose:
		b.Close = v
	case FieldVolume:
		b.Volume = v
	}
}
