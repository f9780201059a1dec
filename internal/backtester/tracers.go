package backtester

import (
	"math"

	"github.com/shopspring/decimal"
)

// TracerKind is one bit of a Strategy's tracer bitset (spec §4.7).
type TracerKind uint8

const (
	TracerNLV TracerKind = 1 << iota
	TracerCash
	TracerLeverage
	TracerBeta
	TracerVolatility
)

// TracerSet is the fixed-size bitset selecting which tracers a
// strategy records.
type TracerSet uint8

func (s TracerSet) Has(k TracerKind) bool { return s&TracerSet(k) != 0 }

// TracerPoint is one tick's worth of recorded tracer values.
type TracerPoint struct {
	NLV        decimal.Decimal
	Cash       decimal.Decimal
	Leverage   decimal.Decimal
	Beta       decimal.Decimal
	Volatility decimal.Decimal
}

// StrategyTracers accumulates per-tick risk history for one strategy.
// History buffers are pre-reserved to the global timeline length on
// build (spec §4.7).
type StrategyTracers struct {
	Set     TracerSet
	History []TracerPoint
}

// NewStrategyTracers allocates a tracer set with history pre-reserved
// to capacity ticks.
func NewStrategyTracers(set TracerSet, capacity int) *StrategyTracers {
	return &StrategyTracers{Set: set, History: make([]TracerPoint, 0, capacity)}
}

// Evaluate computes this tick's tracer point from the strategy's open
// trades, the portfolio's cash/NLV, and the covariance matrix (spec §4.7):
//   - NLV = cash + sum(trade.NLV) across the strategy's trades.
//   - Net beta = sum(trade.NLV * beta_asset) / NLV.
//   - Net leverage = sum(|trade.NLV|) / NLV.
//   - Portfolio volatility = sqrt(w^T * Sigma * w), w = per-asset NLV fraction.
func (st *StrategyTracers) Evaluate(trades []*Trade, cash decimal.Decimal, assetBeta func(assetIndex int) float64, cov *CovarianceMatrix, numAssets int) TracerPoint {
	nlv := cash
	for _, t := range trades {
		nlv = nlv.Add(t.NLV)
	}

	point := TracerPoint{NLV: nlv, Cash: cash}

	if nlv.IsZero() {
		st.History = append(st.History, point)
		return point
	}

	if st.Set.Has(TracerLeverage) {
		var gross decimal.Decimal
		for _, t := range trades {
			gross = gross.Add(t.NLV.Abs())
		}
		point.Leverage = gross.Div(nlv)
	}

	if st.Set.Has(TracerBeta) && assetBeta != nil {
		var betaWeighted decimal.Decimal
		for _, t := range trades {
			b := assetBeta(t.AssetIndex)
			if math.IsNaN(b) {
				continue
			}
			betaWeighted = betaWeighted.Add(t.NLV.Mul(decimal.NewFromFloat(b)))
		}
		point.Beta = betaWeighted.Div(nlv)
	}

	if st.Set.Has(TracerVolatility) && cov != nil && numAssets > 0 {
		weights := make([]float64, numAssets)
		for _, t := range trades {
			if t.AssetIndex >= 0 && t.AssetIndex < numAssets {
				w, _ := t.NLV.Div(nlv).Float64()
				weights[t.AssetIndex] += w
			}
		}
		point.Volatility = decimal.NewFromFloat(PortfolioVolatility(cov.Dense(), weights))
	}

	st.History = append(st.History, point)
	return point
}

// VolTarget scales a proposed new allocation so that, combined with
// the strategy's existing NLV-weighted exposure, realized portfolio
// volatility is driven toward tau, capped by maxLeverage (spec §4.6
// vol_target on an ExchangeView).
func VolTarget(tau float64, existingWeights []float64, newAllocation float64, cov *CovarianceMatrix, maxLeverage float64) float64 {
	if cov == nil {
		return newAllocation
	}
	sigma := PortfolioVolatility(cov.Dense(), existingWeights)
	if sigma == 0 {
		return newAllocation
	}
	scaled := newAllocation * (tau / sigma)
	if maxLeverage > 0 && math.Abs(scaled) > maxLeverage {
		if scaled < 0 {
			return -maxLeverage
		}
		return maxLeverage
	}
	return scaled
}
