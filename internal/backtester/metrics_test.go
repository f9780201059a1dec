package backtester_test

import (
	"testing"
	"time"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
)

func sampleTrade(pnl decimal.Decimal, barsHeld int) *backtester.Trade {
	return &backtester.Trade{RealizedPL: pnl, BarsHeld: barsHeld}
}

func sampleEquityCurve(nlvs []float64) []types.EquityCurvePoint {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	curve := make([]types.EquityCurvePoint, len(nlvs))
	for i, v := range nlvs {
		curve[i] = types.EquityCurvePoint{Timestamp: base.Add(time.Duration(i) * 24 * time.Hour), NLV: decimal.NewFromFloat(v)}
	}
	return curve
}

func TestMetricsCalculatorReturnsEmptyWithoutTrades(t *testing.T) {
	mc := backtester.NewMetricsCalculator()
	metrics := mc.Calculate(nil, sampleEquityCurve([]float64{1000, 1100}), decimal.NewFromInt(1000))
	if metrics.TotalTrades != 0 {
		t.Errorf("expected zero-value metrics without trades, got %+v", metrics)
	}
}

func TestMetricsCalculatorComputesWinRateAndProfitFactor(t *testing.T) {
	mc := backtester.NewMetricsCalculator()
	trades := []*backtester.Trade{
		sampleTrade(decimal.NewFromInt(100), 2),
		sampleTrade(decimal.NewFromInt(50), 1),
		sampleTrade(decimal.NewFromInt(-60), 3),
	}
	curve := sampleEquityCurve([]float64{1000, 1050, 1100, 1090})

	metrics := mc.Calculate(trades, curve, decimal.NewFromInt(1000))

	if metrics.TotalTrades != 3 || metrics.WinningTrades != 2 || metrics.LosingTrades != 1 {
		t.Fatalf("unexpected trade counts: %+v", metrics)
	}
	expectedWinRate := decimal.NewFromInt(2).Div(decimal.NewFromInt(3))
	if !metrics.WinRate.Equal(expectedWinRate) {
		t.Errorf("expected win rate %s, got %s", expectedWinRate, metrics.WinRate)
	}
	expectedPF := decimal.NewFromInt(150).Div(decimal.NewFromInt(60))
	if !metrics.ProfitFactor.Equal(expectedPF) {
		t.Errorf("expected profit factor %s, got %s", expectedPF, metrics.ProfitFactor)
	}
}

func TestMetricsCalculatorTotalReturn(t *testing.T) {
	mc := backtester.NewMetricsCalculator()
	trades := []*backtester.Trade{sampleTrade(decimal.NewFromInt(100), 1)}
	curve := sampleEquityCurve([]float64{1000, 1100, 1200})

	metrics := mc.Calculate(trades, curve, decimal.NewFromInt(1000))
	expected := decimal.NewFromInt(200).Div(decimal.NewFromInt(1000))
	if !metrics.TotalReturn.Equal(expected) {
		t.Errorf("expected total return %s, got %s", expected, metrics.TotalReturn)
	}
}

func TestMetricsCalculatorMaxDrawdown(t *testing.T) {
	mc := backtester.NewMetricsCalculator()
	trades := []*backtester.Trade{sampleTrade(decimal.NewFromInt(10), 1)}
	curve := sampleEquityCurve([]float64{1000, 1200, 900, 1000})

	metrics := mc.Calculate(trades, curve, decimal.NewFromInt(1000))
	expected := decimal.NewFromInt(300).Div(decimal.NewFromInt(1200))
	if !metrics.MaxDrawdown.Equal(expected) {
		t.Errorf("expected max drawdown %s, got %s", expected, metrics.MaxDrawdown)
	}
}

func TestRiskMetricsRequiresAtLeastTwoEquityPoints(t *testing.T) {
	mc := backtester.NewMetricsCalculator()
	metrics := mc.CalculateRiskMetrics(sampleEquityCurve([]float64{1000}))
	if !metrics.DailyVolatility.IsZero() {
		t.Error("expected zero-value risk metrics with fewer than 2 equity points")
	}
}

func TestRiskMetricsComputesVolatilityAndVaR(t *testing.T) {
	mc := backtester.NewMetricsCalculator()
	curve := sampleEquityCurve([]float64{1000, 1050, 980, 1100, 1030, 1150, 970})

	metrics := mc.CalculateRiskMetrics(curve)
	if metrics.DailyVolatility.IsZero() {
		t.Error("expected a non-zero daily volatility")
	}
	if metrics.VaR95.IsZero() {
		t.Error("expected a non-zero 95% VaR across varied returns")
	}
}
