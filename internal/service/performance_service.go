// Package service keeps derived run state that outlives a single event.
package service

import (
	"math"
	"sort"
	"sync"

	"github.com/montanaflynn/stats"
	"github.com/shopspring/decimal"

	"backtest_go/internal/domain"
)

// tradingDaysPerYear annualizes the daily Sharpe ratio.
const tradingDaysPerYear = 252

// SessionResult is the account at one session close.
type SessionResult struct {
	Session        domain.Session  `json:"session"`
	Cash           decimal.Decimal `json:"cash"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	Exposure       int64           `json:"exposure"`
	Leverage       float64         `json:"leverage"`
	Return         float64         `json:"return"` // vs previous session, 0 for the first
}

// Summary aggregates every recorded session.
type Summary struct {
	Sessions      int     `json:"sessions"`
	StartingValue string  `json:"starting_value"`
	EndingValue   string  `json:"ending_value"`
	TotalReturn   float64 `json:"total_return"`
	MeanReturn    float64 `json:"mean_return"`
	Volatility    float64 `json:"volatility"`
	Sharpe        float64 `json:"sharpe"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	BestSession   float64 `json:"best_session"`
	WorstSession  float64 `json:"worst_session"`
}

// PerformanceService records the portfolio at each session close.
type PerformanceService struct {
	mu       sync.RWMutex
	sessions map[domain.Session]*SessionResult
	starting decimal.Decimal
}

// NewPerformanceService creates a new PerformanceService instance
func NewPerformanceService() *PerformanceService {
	return &PerformanceService{
		sessions: make(map[domain.Session]*SessionResult),
	}
}

// RecordSession stores the closing state of session. Recording a session
// twice overwrites it.
func (s *PerformanceService) RecordSession(session domain.Session, portfolio domain.PortfolioView, account domain.AccountView) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.starting.IsZero() {
		s.starting = portfolio.StartingCash()
	}
	s.sessions[session] = &SessionResult{
		Session:        session,
		Cash:           portfolio.Cash(),
		PortfolioValue: portfolio.PortfolioValue(),
		PositionsValue: portfolio.PositionsValue(),
		Exposure:       account.TotalPositionsExposure(),
		Leverage:       account.NetLeverage(),
	}
}

// GetAllData returns every session result sorted by session, with returns
// filled in.
func (s *PerformanceService) GetAllData() []SessionResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted()
}

// GetData returns the result of one session.
func (s *PerformanceService) GetData(session domain.Session) (SessionResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.sorted() {
		if r.Session == session {
			return r, true
		}
	}
	return SessionResult{}, false
}

// Must be called with lock held
func (s *PerformanceService) sorted() []SessionResult {
	result := make([]SessionResult, 0, len(s.sessions))
	for _, r := range s.sessions {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Session < result[j].Session
	})

	prev := s.starting
	for i := range result {
		if !prev.IsZero() {
			result[i].Return = result[i].PortfolioValue.Sub(prev).Div(prev).InexactFloat64()
		}
		prev = result[i].PortfolioValue
	}
	return result
}

// Summary computes run statistics over the recorded sessions.
func (s *PerformanceService) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := s.sorted()
	out := Summary{Sessions: len(results), StartingValue: s.starting.StringFixed(2)}
	if len(results) == 0 {
		out.EndingValue = out.StartingValue
		return out
	}

	ending := results[len(results)-1].PortfolioValue
	out.EndingValue = ending.StringFixed(2)
	if !s.starting.IsZero() {
		out.TotalReturn = ending.Sub(s.starting).Div(s.starting).InexactFloat64()
	}

	returns := make(stats.Float64Data, len(results))
	values := make([]float64, 0, len(results)+1)
	values = append(values, s.starting.InexactFloat64())
	for i, r := range results {
		returns[i] = r.Return
		values = append(values, r.PortfolioValue.InexactFloat64())
	}

	out.MeanReturn, _ = returns.Mean()
	out.BestSession, _ = returns.Max()
	out.WorstSession, _ = returns.Min()
	if len(returns) > 1 {
		out.Volatility, _ = returns.StandardDeviationSample()
	}
	if out.Volatility > 0 {
		out.Sharpe = out.MeanReturn / out.Volatility * math.Sqrt(tradingDaysPerYear)
	}
	out.MaxDrawdown = maxDrawdown(values)
	return out
}

// maxDrawdown returns the largest peak-to-trough loss as a positive fraction.
func maxDrawdown(values []float64) float64 {
	var peak, worst float64
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
