package domain

// ExecutionStyle annotates fragments with limit and stop price ratios.
// Ratios not applicable to a style are 0.
type ExecutionStyle interface {
	LimitPriceRatio() float64
	StopPriceRatio() float64
}

// MarketOrder fills at the prevailing price.
type MarketOrder struct{}

func (MarketOrder) LimitPriceRatio() float64 { return 0 }
func (MarketOrder) StopPriceRatio() float64  { return 0 }

// LimitOrder fills at Limit or better.
type LimitOrder struct {
	Limit float64
}

func (o LimitOrder) LimitPriceRatio() float64 { return o.Limit }
func (LimitOrder) StopPriceRatio() float64    { return 0 }

// StopOrder becomes a market order once Stop is crossed.
type StopOrder struct {
	Stop float64
}

func (StopOrder) LimitPriceRatio() float64  { return 0 }
func (o StopOrder) StopPriceRatio() float64 { return o.Stop }

// StopLimitOrder becomes a limit order at Limit once Stop is crossed.
type StopLimitOrder struct {
	Limit float64
	Stop  float64
}

func (o StopLimitOrder) LimitPriceRatio() float64 { return o.Limit }
func (o StopLimitOrder) StopPriceRatio() float64  { return o.Stop }
