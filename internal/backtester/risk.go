package backtester

import (
	"sync"
	"time"

	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RiskManager tracks per-strategy drawdown and daily-loss state against
// a StrategyConfig's RiskLimits and gates both continued trading and
// individual order leverage (spec §4.6 risk gating, supplementing the
// NLV/leverage/beta/volatility tracers with a hard kill switch).
type RiskManager struct {
	mu     sync.Mutex
	logger *zap.Logger

	limits map[int]types.RiskLimits

	peakNLV      map[int]decimal.Decimal
	dayStartNLV  map[int]decimal.Decimal
	dayStartTime map[int]time.Time
	tripped      map[int]string
}

// NewRiskManager creates an empty risk manager; limits are bound per
// strategy index during Engine.Build.
func NewRiskManager(logger *zap.Logger) *RiskManager {
	return &RiskManager{
		logger:       logger,
		limits:       make(map[int]types.RiskLimits),
		peakNLV:      make(map[int]decimal.Decimal),
		dayStartNLV:  make(map[int]decimal.Decimal),
		dayStartTime: make(map[int]time.Time),
		tripped:      make(map[int]string),
	}
}

// SetLimits binds a strategy's RiskLimits, replacing any prior value.
func (rm *RiskManager) SetLimits(strategyIndex int, limits types.RiskLimits) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.limits[strategyIndex] = limits
}

// Evaluate checks a strategy's current NLV against its drawdown and
// daily-loss limits. It returns the breach reason the first tick a
// hard limit trips, and keeps returning it on every later call until
// Reset — callers disable the strategy on a non-empty reason.
func (rm *RiskManager) Evaluate(strategyIndex int, nlv decimal.Decimal, now time.Time) string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if reason, ok := rm.tripped[strategyIndex]; ok {
		return reason
	}

	limits, ok := rm.limits[strategyIndex]
	if !ok {
		return ""
	}

	peak, seen := rm.peakNLV[strategyIndex]
	if !seen || nlv.GreaterThan(peak) {
		rm.peakNLV[strategyIndex] = nlv
		peak = nlv
	}

	if !limits.MaxDrawdown.IsZero() && !peak.IsZero() {
		drawdown := peak.Sub(nlv).Div(peak)
		if drawdown.GreaterThan(limits.MaxDrawdown) {
			rm.tripped[strategyIndex] = "max drawdown exceeded"
			rm.logger.Warn("strategy risk limit breached",
				zap.Int("strategy", strategyIndex), zap.String("reason", "max_drawdown"),
				zap.String("drawdown", drawdown.String()))
			return rm.tripped[strategyIndex]
		}
	}

	dayStart, seenDay := rm.dayStartTime[strategyIndex]
	if !seenDay || now.YearDay() != dayStart.YearDay() || now.Year() != dayStart.Year() {
		rm.dayStartTime[strategyIndex] = now
		rm.dayStartNLV[strategyIndex] = nlv
	}

	if !limits.MaxDailyLoss.IsZero() {
		start := rm.dayStartNLV[strategyIndex]
		if !start.IsZero() {
			loss := start.Sub(nlv).Div(start)
			if loss.GreaterThan(limits.MaxDailyLoss) {
				rm.tripped[strategyIndex] = "max daily loss exceeded"
				rm.logger.Warn("strategy risk limit breached",
					zap.Int("strategy", strategyIndex), zap.String("reason", "max_daily_loss"),
					zap.String("loss", loss.String()))
				return rm.tripped[strategyIndex]
			}
		}
	}

	return ""
}

// AllowOrder checks a proposed order's notional against MaxLeverage
// before it reaches the Router.
func (rm *RiskManager) AllowOrder(strategyIndex int, proposedNotional, nlv decimal.Decimal) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	limits, ok := rm.limits[strategyIndex]
	if !ok || limits.MaxLeverage.IsZero() || nlv.IsZero() {
		return true
	}
	return proposedNotional.Abs().Div(nlv).LessThanOrEqual(limits.MaxLeverage)
}

// Reset clears tripped and watermark state for a fresh run.
func (rm *RiskManager) Reset() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.peakNLV = make(map[int]decimal.Decimal)
	rm.dayStartNLV = make(map[int]decimal.Decimal)
	rm.dayStartTime = make(map[int]time.Time)
	rm.tripped = make(map[int]string)
}
