package strategy

import (
	"github.com/shopspring/decimal"

	"backtest_go/internal/domain"
	"backtest_go/pkg/quant"
)

// SMACrossStrategy trades one asset on crosses of two moving averages of
// session closes. A session's close is the last valid as-of close seen in
// it; signals fire on the first update of the following session.
// It is stateful and deterministic; the ring buffer keeps the hotpath
// allocation free.
type SMACrossStrategy struct {
	sid         int64
	shortPeriod int
	longPeriod  int
	capital     decimal.Decimal
	style       domain.ExecutionStyle

	// State (Ring Buffer)
	prices []float64
	head   int     // Current write position
	count  int     // Number of elements filled
	sum    float64 // Running sum over the long period

	session      domain.Session
	lastClose    float64
	prevShortSMA float64
	prevLongSMA  float64
}

// NewSMACrossStrategy creates a new instance buying capital worth on a
// golden cross and exiting on a dead cross.
func NewSMACrossStrategy(sid int64, shortPeriod, longPeriod int, capital decimal.Decimal, style domain.ExecutionStyle) *SMACrossStrategy {
	if shortPeriod <= 0 || shortPeriod >= longPeriod {
		panic("SMACrossStrategy: shortPeriod must be positive and less than longPeriod")
	}
	if style == nil {
		style = domain.MarketOrder{}
	}
	return &SMACrossStrategy{
		sid:         sid,
		shortPeriod: shortPeriod,
		longPeriod:  longPeriod,
		capital:     capital,
		style:       style,
		prices:      make([]float64, longPeriod), // Fixed size allocation
		lastClose:   quant.NaN(),
	}
}

// OnMarketUpdate tracks the session close and emits cross signals when a
// new session starts.
func (s *SMACrossStrategy) OnMarketUpdate(state MarketState) []Action {
	if state.Sid != s.sid {
		return nil
	}

	var actions []Action
	if state.Session != s.session {
		if s.session != "" && !quant.IsNaN(s.lastClose) {
			actions = s.push(s.lastClose, state.Held)
		}
		s.session = state.Session
		s.lastClose = quant.NaN()
	}
	if !quant.IsNaN(state.Close) {
		s.lastClose = state.Close
	}
	return actions
}

// push adds one session close to the ring buffer and checks for a cross.
func (s *SMACrossStrategy) push(price float64, held int64) []Action {
	if s.count == s.longPeriod {
		s.sum -= s.prices[s.head] // s.head points to the oldest value when full
	}
	s.prices[s.head] = price
	s.sum += price
	s.head = (s.head + 1) % s.longPeriod
	if s.count < s.longPeriod {
		s.count++
	}

	if s.count < s.longPeriod {
		return nil
	}

	currLongSMA := s.sum / float64(s.longPeriod)
	currShortSMA := s.calculateShortSMA()

	var actions []Action
	if s.prevLongSMA != 0 {
		// Golden Cross: Short goes above Long
		if s.prevShortSMA <= s.prevLongSMA && currShortSMA > currLongSMA && held <= 0 {
			actions = append(actions, Action{
				Type:    ActionBuy,
				Sid:     s.sid,
				Capital: s.capital,
				Style:   s.style,
				Reason:  "golden_cross",
			})
		}

		// Dead Cross: Short goes below Long
		if s.prevShortSMA >= s.prevLongSMA && currShortSMA < currLongSMA && held != 0 {
			actions = append(actions, Action{
				Type:   ActionExit,
				Sid:    s.sid,
				Style:  s.style,
				Reason: "dead_cross",
			})
		}
	}

	s.prevShortSMA = currShortSMA
	s.prevLongSMA = currLongSMA
	return actions
}

// calculateShortSMA calculates the SMA for the short period using the ring buffer.
func (s *SMACrossStrategy) calculateShortSMA() float64 {
	var sum float64
	// Walk backwards from current head (which points to next write slot, so head-1 is latest)
	idx := s.head
	for i := 0; i < s.shortPeriod; i++ {
		idx--
		if idx < 0 {
			idx = s.longPeriod - 1
		}
		sum += s.prices[idx]
	}
	return sum / float64(s.shortPeriod)
}
