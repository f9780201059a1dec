package backtester_test

import (
	"testing"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
)

func TestViabilityCheckerFlagsWeakStrategyAsNotViable(t *testing.T) {
	vc := backtester.NewViabilityChecker(nil)
	metrics := &types.PerformanceMetrics{
		SharpeRatio:  decimal.NewFromFloat(-0.5),
		MaxDrawdown:  decimal.NewFromFloat(0.5),
		ProfitFactor: decimal.NewFromFloat(0.8),
		WinRate:      decimal.NewFromFloat(0.2),
		Expectancy:   decimal.NewFromFloat(-0.01),
		TotalTrades:  10,
	}

	report := vc.Check(metrics, nil, nil)
	if report.IsViable {
		t.Error("expected a weak strategy to be flagged as not viable")
	}
	if report.Grade != "F" && report.Grade != "D" {
		t.Errorf("expected a low grade for a weak strategy, got %s", report.Grade)
	}
}

func TestViabilityCheckerGradesStrongStrategyAsViable(t *testing.T) {
	vc := backtester.NewViabilityChecker(backtester.DefaultViabilityThresholds())
	metrics := &types.PerformanceMetrics{
		SharpeRatio:  decimal.NewFromFloat(2.0),
		SortinoRatio: decimal.NewFromFloat(2.5),
		CalmarRatio:  decimal.NewFromFloat(3.0),
		MaxDrawdown:  decimal.NewFromFloat(0.05),
		ProfitFactor: decimal.NewFromFloat(2.5),
		WinRate:      decimal.NewFromFloat(0.65),
		Expectancy:   decimal.NewFromFloat(0.02),
		TotalTrades:  150,
		TotalReturn:  decimal.NewFromFloat(0.5),
	}
	riskMetrics := &types.RiskMetrics{VaR95: decimal.NewFromFloat(0.01)}

	report := vc.Check(metrics, riskMetrics, nil)
	if !report.IsViable {
		t.Errorf("expected a strong strategy to be viable, got score %d grade %s issues %+v", report.Score, report.Grade, report.Issues)
	}
	if len(report.Strengths) == 0 {
		t.Error("expected at least one recorded strength for a strong strategy")
	}
}

func TestViabilityReportToTypesReducesToWireForm(t *testing.T) {
	vc := backtester.NewViabilityChecker(nil)
	metrics := &types.PerformanceMetrics{SharpeRatio: decimal.NewFromFloat(-1), TotalTrades: 5}

	report := vc.Check(metrics, nil, nil)
	wire := report.ToTypes()

	if wire.Viable != report.IsViable {
		t.Errorf("expected wire form viability %v to match report %v", wire.Viable, report.IsViable)
	}
	if wire.Metrics["grade"] != report.Grade {
		t.Errorf("expected wire form to carry the grade, got %q", wire.Metrics["grade"])
	}
	if len(wire.FailedChecks) == 0 {
		t.Error("expected at least one failed check for a strategy with a negative Sharpe ratio")
	}
}

func TestViabilityThresholdPresetsAreOrdered(t *testing.T) {
	aggressive := backtester.AggressiveViabilityThresholds()
	conservative := backtester.ConservativeViabilityThresholds()

	if !aggressive.MinSharpeRatio.LessThan(conservative.MinSharpeRatio) {
		t.Error("expected the aggressive preset to require a lower minimum Sharpe ratio than the conservative preset")
	}
	if !aggressive.MaxDrawdown.GreaterThan(conservative.MaxDrawdown) {
		t.Error("expected the aggressive preset to tolerate a larger max drawdown than the conservative preset")
	}
}
