package backtester_test

import (
	"math"
	"testing"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCovarianceMatrixMaterializesEveryStepSize(t *testing.T) {
	cm := backtester.NewCovarianceMatrix(2, 2, 2)

	cm.Push([]float64{0.01, 0.02})
	require.Zero(t, cm.Get(0, 1), "covariance should not materialize before stepSize ticks elapse")

	cm.Push([]float64{-0.01, -0.02})
	assert.NotZero(t, cm.Get(0, 0), "expected a non-zero variance estimate after materialization")
}

func TestPortfolioVolatilityOfZeroWeightsIsZero(t *testing.T) {
	cm := backtester.NewCovarianceMatrix(2, 2, 1)
	cm.Push([]float64{0.01, -0.01})
	cm.Push([]float64{0.02, -0.02})

	vol := backtester.PortfolioVolatility(cm.Dense(), []float64{0, 0})
	assert.InDelta(t, 0, vol, 1e-12, "expected zero volatility for zero weights")
}

func TestPortfolioVolatilityMismatchedDimensionsReturnsZero(t *testing.T) {
	cm := backtester.NewCovarianceMatrix(2, 2, 1)
	cm.Push([]float64{0.01, -0.01})
	cm.Push([]float64{0.02, -0.02})

	vol := backtester.PortfolioVolatility(cm.Dense(), []float64{1, 1, 1})
	assert.InDelta(t, 0, vol, 1e-12, "expected zero volatility for a dimension mismatch")
}

func TestVolTargetScalesTowardTau(t *testing.T) {
	cm := backtester.NewCovarianceMatrix(1, 2, 1)
	cm.Push([]float64{0.02})
	cm.Push([]float64{-0.02})

	scaled := backtester.VolTarget(0.1, []float64{1}, 1.0, cm, 0)
	require.False(t, math.IsNaN(scaled) || math.IsInf(scaled, 0), "expected a finite scaled allocation, got %v", scaled)
	assert.NotEqual(t, 1.0, scaled, "expected the allocation to be rescaled once realized volatility is non-zero")
}

func TestVolTargetPassesThroughWithoutCovariance(t *testing.T) {
	scaled := backtester.VolTarget(0.1, []float64{0}, 2.5, nil, 0)
	assert.InDelta(t, 2.5, scaled, 1e-12, "expected allocation to pass through unscaled when cov is nil")
}

func TestVolTargetClampsToMaxLeverage(t *testing.T) {
	cm := backtester.NewCovarianceMatrix(1, 2, 1)
	cm.Push([]float64{0.001})
	cm.Push([]float64{0.0011})

	scaled := backtester.VolTarget(10, []float64{1}, 1.0, cm, 2.0)
	assert.InDelta(t, 2.0, scaled, 1e-12, "expected allocation clamped to max leverage 2.0")
}
