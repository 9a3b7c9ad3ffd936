package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"backtest_go/internal/domain"
)

// ActionType defines the type of trading action
type ActionType int

const (
	ActionBuy  ActionType = iota + 1 // spend Capital
	ActionExit                       // liquidate the whole position
)

// String returns the string representation of ActionType
func (a ActionType) String() string {
	switch a {
	case ActionBuy:
		return "BUY"
	case ActionExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// Action is an order intent. The sequencer turns it into fragments.
type Action struct {
	Type    ActionType
	Sid     int64
	Capital decimal.Decimal // ActionBuy only
	Style   domain.ExecutionStyle
	Reason  string
}

// MarketState is the as-of-now daily bar of one asset.
type MarketState struct {
	Sid     int64
	Session domain.Session
	Ts      time.Time
	Open    float64
	High    float64
	Low     float64
	Close   float64
	Volume  float64
	Held    int64 // current position amount
}

// Strategy is the interface that all trading strategies must implement.
// It is called synchronously by the Sequencer once per asset per minute.
type Strategy interface {
	OnMarketUpdate(state MarketState) []Action
}
