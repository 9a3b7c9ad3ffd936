package domain

import (
	"fmt"
	"math"
	"time"
)

// SessionLayout is the calendar label format of a trading session.
const SessionLayout = "2006-01-02"

// Session labels one trading day, e.g. "2024-03-15".
// Labels compare lexically in calendar order.
type Session string

// SessionOf returns the label of the calendar day containing t in loc.
func SessionOf(t time.Time, loc *time.Location) Session {
	if loc == nil {
		loc = time.UTC
	}
	return Session(t.In(loc).Format(SessionLayout))
}

// Date parses the label back into a midnight timestamp in loc.
func (s Session) Date(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(SessionLayout, string(s), loc)
}

// Asset is the read-only capability snapshot of one tradable instrument.
// It is owned by the asset store and never mutated by the core.
type Asset struct {
	Sid             int64     `gorm:"primaryKey;autoIncrement:false" json:"sid"`
	Symbol          string    `gorm:"uniqueIndex" json:"symbol"`
	Exchange        string    `json:"exchange"`
	TickSize        int64     `json:"tick_size"`        // minimum lot
	Increment       bool      `json:"increment"`        // lots must be multiples of TickSize
	Restricted      float64   `json:"restricted"`       // price-limit band, e.g. 0.1
	BidMechanism    bool      `json:"bid_mechanism"`    // call-auction / time-priority market
	PriceMultiplier float64   `json:"price_multiplier"` // contract multiplier
	FirstTraded     Session   `gorm:"index" json:"first_traded"`
	LastTraded      Session   `gorm:"index" json:"last_traded"` // empty while still listed
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsAliveForSession reports whether the asset trades in session s.
func (a Asset) IsAliveForSession(s Session) bool {
	if a.FirstTraded != "" && s < a.FirstTraded {
		return false
	}
	if a.LastTraded != "" && s > a.LastTraded {
		return false
	}
	return true
}

// Validate checks the static capability invariants.
func (a Asset) Validate() error {
	if a.TickSize <= 0 {
		return fmt.Errorf("%w: sid %d tick_size %d", ErrInvalidAsset, a.Sid, a.TickSize)
	}
	if a.PriceMultiplier <= 0 || math.IsNaN(a.PriceMultiplier) {
		return fmt.Errorf("%w: sid %d price_multiplier %v", ErrInvalidAsset, a.Sid, a.PriceMultiplier)
	}
	if a.Restricted < 0 || a.Restricted >= 1 || math.IsNaN(a.Restricted) {
		return fmt.Errorf("%w: sid %d restricted %v", ErrInvalidAsset, a.Sid, a.Restricted)
	}
	return nil
}

// Field names one OHLCV column.
type Field int

const (
	FieldOpen Field = iota + 1
	FieldHigh
	FieldLow
	FieldClose
	FieldVolume
)

// Fields lists every OHLCV field in rollup order.
var Fields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}

// String returns the column name of the field.
func (f Field) String() string {
	switch f {
	case FieldOpen:
		return "open"
	case FieldHigh:
		return "high"
	case FieldLow:
		return "low"
	case FieldClose:
		return "close"
	case FieldVolume:
		return "volume"
	default:
		return "unknown"
	}
}

// IsPrice reports whether missing observations of f are NaN (true) or 0 (false).
func (f Field) IsPrice() bool {
	return f != FieldVolume
}

// NoData is the sentinel returned for f when nothing has been observed.
func (f Field) NoData() float64 {
	if f.IsPrice() {
		return math.NaN()
	}
	return 0
}
