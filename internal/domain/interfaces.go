package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MinuteBarSource serves raw minute observations. Missing observations are NaN;
// neither method fails for missing data, only for an unreachable store.
type MinuteBarSource interface {
	GetValue(ctx context.Context, asset Asset, ts time.Time, field Field) (float64, error)
	// LoadRawArrays returns one array per field, one row per asset, one column
	// per minute of [start, end] inclusive: result[field][asset][minute].
	LoadRawArrays(ctx context.Context, fields []Field, start, end time.Time, assets []Asset) ([][][]float64, error)
}

// SessionCalendar maps minutes onto trading sessions.
type SessionCalendar interface {
	MinuteToSessionLabel(ts time.Time) (Session, error)
	SessionOpen(s Session) (time.Time, error)
	SessionClose(s Session) (time.Time, error)
}

// SessionNavigator is a SessionCalendar that can step back one session.
type SessionNavigator interface {
	SessionCalendar
	PreviousSession(s Session) (Session, bool)
}

// TradingControls clamps a proposed signed amount. The result has the same
// sign as amount (or is zero) and never a larger magnitude.
type TradingControls interface {
	Validate(asset Asset, amount int64, portfolio PortfolioView, dt time.Time) int64
}

// ControlReleaser is implemented by controls that book what they validate.
// Release returns a validated amount that was never placed.
type ControlReleaser interface {
	Release(asset Asset, amount int64, dt time.Time)
}

// FragmentSink hands fragments to a matching engine.
type FragmentSink interface {
	Submit(ctx context.Context, fragments []Fragment) error
}

// PositionView is a read-only view of one held asset.
type PositionView interface {
	Asset() Asset
	Amount() int64
	CostBasis() decimal.Decimal
	LastSalePrice() float64
	LastSaleDate() time.Time
}

// PortfolioView is a read-only snapshot of cash and holdings.
type PortfolioView interface {
	Cash() decimal.Decimal
	StartingCash() decimal.Decimal
	CapitalUsed() decimal.Decimal
	PortfolioValue() decimal.Decimal
	PositionsValue() decimal.Decimal
	// Position never returns nil; unknown assets yield an empty position.
	Position(asset Asset) PositionView
	Positions() []PositionView
	CurrentWeights() map[int64]float64
}

// AccountView is a read-only view of account-level figures.
type AccountView interface {
	SettledCash() decimal.Decimal
	TotalPositionsValue() decimal.Decimal
	TotalPositionsExposure() int64
	NetLeverage() float64
	Cushion() float64
}
